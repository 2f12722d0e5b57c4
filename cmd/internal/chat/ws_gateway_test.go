package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	v1 "pulse/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

func TestOriginHostOnly(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://localhost", want: "localhost"},
		{in: "http://localhost:3000", want: "localhost"},
		{in: "https://App.Example.COM:443", want: "app.example.com"},
		{in: "localhost:8080", want: "localhost"},
		{in: "localhost", want: "localhost"},
		{in: "", want: ""},
	}

	for _, tc := range cases {
		if got := originHostOnly(tc.in); got != tc.want {
			t.Fatalf("originHostOnly(%q)=%q; want %q", tc.in, got, tc.want)
		}
	}
}

func TestEnforceOrigin(t *testing.T) {
	t.Parallel()

	g := &WSGateway{
		originRequired: true,
		allowedOrigins: []string{"http://localhost", "https://app.example.com"},
	}

	cases := []struct {
		name    string
		origin  string
		wantErr bool
	}{
		{name: "exact match", origin: "http://localhost"},
		{name: "host match other port", origin: "http://localhost:3000"},
		{name: "allowed https", origin: "https://app.example.com"},
		{name: "missing origin", origin: "", wantErr: true},
		{name: "unknown host", origin: "https://evil.example.com", wantErr: true},
	}

	for _, tc := range cases {
		r := httptest.NewRequest("GET", "/ws", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		err := g.enforceOrigin(r)
		if tc.wantErr && err == nil {
			t.Fatalf("%s: expected rejection", tc.name)
		}
		if !tc.wantErr && err != nil {
			t.Fatalf("%s: unexpected rejection: %v", tc.name, err)
		}
	}

	// Origin optional when not required.
	g.originRequired = false
	r := httptest.NewRequest("GET", "/ws", nil)
	if err := g.enforceOrigin(r); err != nil {
		t.Fatalf("optional origin rejected: %v", err)
	}
}

func TestDeriveOriginPatterns(t *testing.T) {
	t.Parallel()

	got := deriveOriginPatternsFromAllowedOrigins([]string{
		"http://localhost", "http://localhost:3000", "https://app.example.com", "*", "",
	})
	want := []string{"app.example.com", "localhost"}
	if len(got) != len(want) {
		t.Fatalf("patterns=%v; want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("patterns=%v; want %v", got, want)
		}
	}
}

func TestClassifyReadErr(t *testing.T) {
	t.Parallel()

	if classifyReadErr(context.Canceled) != readErrCtxDone {
		t.Fatalf("canceled context must classify as ctx done")
	}
	if classifyReadErr(io.EOF) != readErrConnClosed {
		t.Fatalf("EOF must classify as conn closed")
	}
	if classifyReadErr(errors.New("invalid character 'x'")) != readErrBadJSON {
		t.Fatalf("json decode error must classify as bad json")
	}
	if classifyReadErr(errors.New("boom")) != readErrUnknown {
		t.Fatalf("unclassified error must stay unknown")
	}
}

// wsTestClient wraps a live websocket connection for gateway tests.
type wsTestClient struct {
	conn *websocket.Conn
}

func dialWS(t *testing.T, ctx context.Context, baseURL, userID string) *wsTestClient {
	t.Helper()

	u := "ws" + baseURL[len("http"):] + "/?user_id=" + userID
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
	})
	if err != nil {
		t.Fatalf("dial %s: %v", userID, err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") })
	return &wsTestClient{conn: conn}
}

func (c *wsTestClient) send(t *testing.T, ctx context.Context, typ string, payload any) {
	t.Helper()

	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s: %v", typ, err)
	}
	env := v1.Envelope{V: v1.Version, Type: typ, ID: "t-1", TS: time.Now().UTC(), Payload: raw}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

func (c *wsTestClient) recv(t *testing.T, ctx context.Context, wantType string) v1.Envelope {
	t.Helper()

	_, data, err := c.conn.Read(ctx)
	if err != nil {
		t.Fatalf("read (want %s): %v", wantType, err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Type != wantType {
		t.Fatalf("got envelope %q; want %q", env.Type, wantType)
	}
	return env
}

func TestWSGateway_EndToEndExchange(t *testing.T) {
	// Env knobs are read at construction; not parallel because of Setenv.
	t.Setenv("PULSE_WS_ORIGIN_REQUIRED", "false")

	g := NewWSGateway(testLogger(), nil)
	srv := httptest.NewServer(g)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alice := dialWS(t, ctx, srv.URL, "alice")
	bob := dialWS(t, ctx, srv.URL, "bob")

	// Handshake both sides.
	alice.send(t, ctx, v1.TypeHello, v1.HelloPayload{})
	ackEnv := alice.recv(t, ctx, v1.TypeHelloAck)
	var hello v1.HelloAckPayload
	if err := json.Unmarshal(ackEnv.Payload, &hello); err != nil {
		t.Fatalf("decode hello_ack: %v", err)
	}
	if hello.UserID != "alice" || hello.SessionID == "" {
		t.Fatalf("hello_ack=%+v; want alice identity with session id", hello)
	}

	bob.send(t, ctx, v1.TypeHello, v1.HelloPayload{})
	bob.recv(t, ctx, v1.TypeHelloAck)

	// Alice sends; she gets the stamped ack, bob gets the push.
	alice.send(t, ctx, v1.TypeMessageSend, v1.MessageSendPayload{
		ClientMsgID: "c1", Receiver: "bob", Text: "hello bob",
	})

	var ack v1.MessageAckPayload
	if err := json.Unmarshal(alice.recv(t, ctx, v1.TypeMessageAck).Payload, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.ClientMsgID != "c1" || ack.Message.ID == "" {
		t.Fatalf("ack=%+v; want echo of c1 with server id", ack)
	}
	if ack.Message.DeliveredAt == nil {
		t.Fatalf("receiver is connected, delivered must be stamped")
	}
	if ack.Message.SeenAt != nil {
		t.Fatalf("no mutual focus, seen must be nil")
	}

	var push v1.MessageReceivePayload
	if err := json.Unmarshal(bob.recv(t, ctx, v1.TypeMessageReceive).Payload, &push); err != nil {
		t.Fatalf("decode push: %v", err)
	}
	if push.Message.ID != ack.Message.ID {
		t.Fatalf("push id=%q; want %q", push.Message.ID, ack.Message.ID)
	}

	// Bob opens the chat: alice gets a seen notice.
	bob.send(t, ctx, v1.TypeChatOpen, v1.ChatOpenPayload{CounterpartID: "alice"})
	var seen v1.MessageSeenPayload
	if err := json.Unmarshal(alice.recv(t, ctx, v1.TypeMessageSeen).Payload, &seen); err != nil {
		t.Fatalf("decode seen: %v", err)
	}
	if seen.ViewerID != "bob" {
		t.Fatalf("seen viewer=%q; want bob", seen.ViewerID)
	}

	// Typing relay.
	alice.send(t, ctx, v1.TypeTypingStart, v1.TypingStartPayload{RecipientID: "bob"})
	var typing v1.TypingReceivePayload
	if err := json.Unmarshal(bob.recv(t, ctx, v1.TypeTypingReceive).Payload, &typing); err != nil {
		t.Fatalf("decode typing: %v", err)
	}
	if typing.SenderID != "alice" {
		t.Fatalf("typing sender=%q; want alice", typing.SenderID)
	}

	// Presence over the socket.
	alice.send(t, ctx, v1.TypePresenceQuery, v1.PresenceQueryPayload{PeerID: "bob"})
	var state v1.PresenceStatePayload
	if err := json.Unmarshal(alice.recv(t, ctx, v1.TypePresenceState).Payload, &state); err != nil {
		t.Fatalf("decode presence: %v", err)
	}
	if !state.Active {
		t.Fatalf("bob is connected, presence must be active")
	}
}

func TestWSGateway_RejectsMissingUserID(t *testing.T) {
	t.Setenv("PULSE_WS_ORIGIN_REQUIRED", "false")

	g := NewWSGateway(testLogger(), nil)
	srv := httptest.NewServer(g)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	u := "ws" + srv.URL[len("http"):] + "/"
	_, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
	})
	if err == nil {
		t.Fatalf("dial without user_id must fail")
	}
	if resp != nil && resp.StatusCode != 400 {
		t.Fatalf("status=%d; want 400", resp.StatusCode)
	}
}

func TestWSGateway_ErrorEnvelopeOnBadSend(t *testing.T) {
	t.Setenv("PULSE_WS_ORIGIN_REQUIRED", "false")

	g := NewWSGateway(testLogger(), nil)
	srv := httptest.NewServer(g)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice := dialWS(t, ctx, srv.URL, "alice")
	alice.send(t, ctx, v1.TypeHello, v1.HelloPayload{})
	alice.recv(t, ctx, v1.TypeHelloAck)

	// Messaging yourself is rejected with an error envelope, connection stays up.
	alice.send(t, ctx, v1.TypeMessageSend, v1.MessageSendPayload{
		ClientMsgID: "c1", Receiver: "alice", Text: "echo chamber",
	})
	var errPayload v1.ErrorPayload
	if err := json.Unmarshal(alice.recv(t, ctx, v1.TypeError).Payload, &errPayload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if errPayload.Code != "send_failed" {
		t.Fatalf("code=%q; want send_failed", errPayload.Code)
	}

	// The connection is still usable after the rejection.
	alice.send(t, ctx, v1.TypePresenceQuery, v1.PresenceQueryPayload{PeerID: "bob"})
	alice.recv(t, ctx, v1.TypePresenceState)
}
