package chat

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	v1 "pulse/shared/contracts/chat/v1"
)

func newTestPipeline(t *testing.T, now time.Time) *Pipeline {
	t.Helper()
	return NewPipeline(testLogger(), nil, nil, nil, nil, WithClock(func() time.Time { return now }))
}

func recvEnvelope(t *testing.T, c *Client, wantType string) v1.Envelope {
	t.Helper()
	select {
	case env := <-c.Send:
		if env.Type != wantType {
			t.Fatalf("got envelope type %q; want %q", env.Type, wantType)
		}
		if env.V != v1.Version || env.ID == "" {
			t.Fatalf("envelope missing version or id: %+v", env)
		}
		return env
	default:
		t.Fatalf("no %q envelope queued", wantType)
		return v1.Envelope{}
	}
}

func wantNoEnvelope(t *testing.T, c *Client) {
	t.Helper()
	select {
	case env := <-c.Send:
		t.Fatalf("unexpected envelope %q queued", env.Type)
	default:
	}
}

func TestPipeline_SendMessageOfflineReceiver(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := newTestPipeline(t, now)

	msg, err := p.SendMessage(context.Background(), SendMessageInput{
		Sender: "alice", Receiver: "bob", Text: "hello",
	})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	if !msg.SentAt.Equal(now) {
		t.Fatalf("sent_at=%v; want %v", msg.SentAt, now)
	}
	if msg.DeliveredAt != nil || msg.SeenAt != nil {
		t.Fatalf("offline receiver must leave delivered and seen unset")
	}
	if msg.ID == "" {
		t.Fatalf("message id must be assigned")
	}
}

func TestPipeline_SendMessageDeliveredWhenReceiverActive(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := newTestPipeline(t, now)

	bob := NewClient("bob", "s1", 8)
	p.Connect(bob)

	msg, err := p.SendMessage(context.Background(), SendMessageInput{
		Sender: "alice", Receiver: "bob", Text: "hello",
	})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	if msg.DeliveredAt == nil || !msg.DeliveredAt.Equal(now) {
		t.Fatalf("delivered_at=%v; want %v", msg.DeliveredAt, now)
	}
	if msg.SeenAt != nil {
		t.Fatalf("seen must stay unset without mutual focus")
	}

	env := recvEnvelope(t, bob, v1.TypeMessageReceive)
	var pl v1.MessageReceivePayload
	if err := json.Unmarshal(env.Payload, &pl); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if pl.Message.ID != msg.ID || pl.Message.DeliveredAt == nil {
		t.Fatalf("fanned out message must carry the stamped record")
	}
}

func TestPipeline_SendMessageSeenUnderMutualFocus(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := newTestPipeline(t, now)

	bob := NewClient("bob", "s1", 8)
	p.Connect(bob)

	if _, err := p.OpenChat(context.Background(), "alice", "bob"); err != nil {
		t.Fatalf("OpenChat alice: %v", err)
	}
	if _, err := p.OpenChat(context.Background(), "bob", "alice"); err != nil {
		t.Fatalf("OpenChat bob: %v", err)
	}

	msg, err := p.SendMessage(context.Background(), SendMessageInput{
		Sender: "alice", Receiver: "bob", Text: "hello",
	})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	if msg.DeliveredAt == nil || msg.SeenAt == nil {
		t.Fatalf("mutual focus must stamp both delivered and seen at send")
	}
	if msg.SeenAt.Before(*msg.DeliveredAt) || msg.DeliveredAt.Before(msg.SentAt) {
		t.Fatalf("stamps must be monotonic: sent <= delivered <= seen")
	}
}

func TestPipeline_SendMessageValidation(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, time.Now().UTC())

	cases := []struct {
		name string
		in   SendMessageInput
	}{
		{name: "missing sender", in: SendMessageInput{Receiver: "bob", Text: "x"}},
		{name: "missing receiver", in: SendMessageInput{Sender: "alice", Text: "x"}},
		{name: "self send", in: SendMessageInput{Sender: "alice", Receiver: "alice", Text: "x"}},
		{name: "empty body", in: SendMessageInput{Sender: "alice", Receiver: "bob"}},
		{name: "too long", in: SendMessageInput{Sender: "alice", Receiver: "bob", Text: strings.Repeat("x", maxMessageChars+1)}},
	}

	for _, tc := range cases {
		if _, err := p.SendMessage(context.Background(), tc.in); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}

	// A file-only message with empty text is legal.
	if _, err := p.SendMessage(context.Background(), SendMessageInput{
		Sender: "alice", Receiver: "bob", FileKind: v1.FileKindImage,
	}); err != nil {
		t.Fatalf("file-only message: %v", err)
	}
}

func TestPipeline_OpenChatMarksSeenAndNotifiesCounterpart(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := newTestPipeline(t, now)

	if _, err := p.SendMessage(context.Background(), SendMessageInput{Sender: "bob", Receiver: "alice", Text: "one"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := p.SendMessage(context.Background(), SendMessageInput{Sender: "bob", Receiver: "alice", Text: "two"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	bob := NewClient("bob", "s1", 8)
	p.Connect(bob)

	n, err := p.OpenChat(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("OpenChat: %v", err)
	}
	if n != 2 {
		t.Fatalf("marked %d; want 2", n)
	}

	env := recvEnvelope(t, bob, v1.TypeMessageSeen)
	var pl v1.MessageSeenPayload
	if err := json.Unmarshal(env.Payload, &pl); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if pl.ViewerID != "alice" {
		t.Fatalf("viewer=%q; want alice", pl.ViewerID)
	}

	// Re-opening is idempotent: nothing new to mark.
	n, err = p.OpenChat(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("OpenChat again: %v", err)
	}
	if n != 0 {
		t.Fatalf("second open marked %d; want 0", n)
	}
}

func TestPipeline_TypingRelaysWithSameChatFlag(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := newTestPipeline(t, now)

	bob := NewClient("bob", "s1", 8)
	p.Connect(bob)

	p.Typing("alice", "bob")
	env := recvEnvelope(t, bob, v1.TypeTypingReceive)
	var pl v1.TypingReceivePayload
	if err := json.Unmarshal(env.Payload, &pl); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if pl.SenderID != "alice" || pl.SameChat {
		t.Fatalf("typing without mutual focus must carry same_chat=false")
	}

	p.focus.Open("alice", "bob")
	p.focus.Open("bob", "alice")

	p.Typing("alice", "bob")
	env = recvEnvelope(t, bob, v1.TypeTypingReceive)
	if err := json.Unmarshal(env.Payload, &pl); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if !pl.SameChat {
		t.Fatalf("typing under mutual focus must carry same_chat=true")
	}

	p.TypingStop("alice", "bob")
	recvEnvelope(t, bob, v1.TypeTypingStopReceive)

	// Typing toward an offline recipient vanishes.
	p.Typing("alice", "carol")
	wantNoEnvelope(t, bob)
}

func TestPipeline_ReactPersistsAlwaysRelaysOnlyUnderMutualFocus(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := newTestPipeline(t, now)

	msg, err := p.SendMessage(context.Background(), SendMessageInput{Sender: "alice", Receiver: "bob", Text: "hello"})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	alice := NewClient("alice", "s1", 8)
	p.Connect(alice)

	// Bob reacts without mutual focus: durable but silent.
	got, live, err := p.React(context.Background(), "bob", msg.ID, "love")
	if err != nil {
		t.Fatalf("React: %v", err)
	}
	if live {
		t.Fatalf("reaction must not relay without mutual focus")
	}
	if got.Reaction != "love" {
		t.Fatalf("reaction=%q; want love", got.Reaction)
	}
	wantNoEnvelope(t, alice)

	p.focus.Open("alice", "bob")
	p.focus.Open("bob", "alice")

	_, live, err = p.React(context.Background(), "bob", msg.ID, "haha")
	if err != nil {
		t.Fatalf("React live: %v", err)
	}
	if !live {
		t.Fatalf("reaction under mutual focus must relay")
	}

	env := recvEnvelope(t, alice, v1.TypeReactionReceive)
	var pl v1.ReactionReceivePayload
	if err := json.Unmarshal(env.Payload, &pl); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if pl.Message.Reaction != "haha" {
		t.Fatalf("relayed reaction=%q; want haha", pl.Message.Reaction)
	}

	if _, _, err := p.React(context.Background(), "bob", "missing", "love"); err == nil {
		t.Fatalf("reacting to an unknown message must fail")
	}
}

func TestPipeline_Presence(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, time.Now().UTC())

	active, sameChat := p.Presence("alice", "bob")
	if active || sameChat {
		t.Fatalf("offline peer must be inactive")
	}

	bob := NewClient("bob", "s1", 8)
	p.Connect(bob)

	active, sameChat = p.Presence("alice", "bob")
	if !active || sameChat {
		t.Fatalf("connected peer must be active, not same-chat")
	}

	p.focus.Open("alice", "bob")
	p.focus.Open("bob", "alice")

	active, sameChat = p.Presence("alice", "bob")
	if !active || !sameChat {
		t.Fatalf("mutual focus must surface same_chat=true")
	}
}

func TestPipeline_DisconnectStaleHandleKeepsFreshFocus(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, time.Now().UTC())

	old := NewClient("alice", "s1", 8)
	p.Connect(old)

	fresh := NewClient("alice", "s2", 8)
	p.Connect(fresh)

	if _, err := p.OpenChat(context.Background(), "alice", "bob"); err != nil {
		t.Fatalf("OpenChat: %v", err)
	}

	// The superseded handle dying late must not clear the fresh focus.
	p.Disconnect(old)
	if !p.focus.IsFocusedOn("alice", "bob") {
		t.Fatalf("stale disconnect cleared the fresh connection's focus")
	}

	p.Disconnect(fresh)
	if p.focus.IsFocusedOn("alice", "bob") {
		t.Fatalf("current disconnect must drop focus")
	}
	if p.registry.IsActive("alice") {
		t.Fatalf("alice must be inactive after disconnect")
	}
}

func TestPipeline_AttachStoresBlob(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, time.Now().UTC())

	msg, err := p.SendMessage(context.Background(), SendMessageInput{
		Sender: "alice", Receiver: "bob", Text: "photo incoming", FileKind: v1.FileKindImage,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	n, err := p.Attach(context.Background(), msg.ID, v1.FileKindImage, strings.NewReader("bytes"))
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if n != int64(len("bytes")) {
		t.Fatalf("stored %d bytes; want %d", n, len("bytes"))
	}

	if _, err := p.Attach(context.Background(), "", v1.FileKindImage, strings.NewReader("x")); err == nil {
		t.Fatalf("attach without message id must fail")
	}
}
