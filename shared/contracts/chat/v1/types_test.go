package v1

import "testing"

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{name: "valid hello", env: Envelope{V: Version, Type: TypeHello}},
		{name: "valid message send", env: Envelope{V: Version, Type: TypeMessageSend}},
		{name: "valid presence query", env: Envelope{V: Version, Type: TypePresenceQuery}},
		{name: "missing version", env: Envelope{Type: TypeHello}, wantErr: true},
		{name: "wrong version", env: Envelope{V: "v2", Type: TypeHello}, wantErr: true},
		{name: "missing type", env: Envelope{V: Version}, wantErr: true},
		{name: "unknown type", env: Envelope{V: Version, Type: "message_unsend"}, wantErr: true},
	}

	for _, tc := range cases {
		err := tc.env.Validate()
		if tc.wantErr && err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if !tc.wantErr && err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
	}
}

func TestValidReaction(t *testing.T) {
	t.Parallel()

	for _, label := range []string{"", ReactionLike, ReactionLove, ReactionHaha, ReactionWow, ReactionSad, ReactionAngry} {
		if !ValidReaction(label) {
			t.Fatalf("label %q should be valid", label)
		}
	}
	for _, label := range []string{"heart", "thumbsup", "LIKE", " like"} {
		if ValidReaction(label) {
			t.Fatalf("label %q should be rejected", label)
		}
	}
}
