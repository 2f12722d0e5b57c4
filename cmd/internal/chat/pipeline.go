// Package chat implements the Pulse realtime chat and presence core: the
// connection registry, the open-chat (focus) tracker, and the message
// delivery pipeline with its typing and reaction channels.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	v1 "pulse/shared/contracts/chat/v1"
)

// Pipeline composes the registry, focus map, and persistence collaborators
// into the chat protocol's server-side semantics.
//
// Per message the delivery state machine is strictly monotonic:
// sent -> delivered -> seen, where each state is a nullable timestamp and nil
// means "not yet". Delivered and seen are stamped at send time from presence
// and mutual focus, independently of each other, before persistence.
type Pipeline struct {
	log      *slog.Logger
	registry *Registry
	focus    *FocusMap
	store    MessageStore
	blobs    BlobStore

	now func() time.Time
}

// PipelineOption configures Pipeline behavior.
type PipelineOption func(*Pipeline)

// WithClock overrides the pipeline clock (used by tests).
func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// NewPipeline constructs a Pipeline. Nil collaborators fall back to in-memory
// implementations for dev.
func NewPipeline(log *slog.Logger, registry *Registry, focus *FocusMap, store MessageStore, blobs BlobStore, opts ...PipelineOption) *Pipeline {
	if registry == nil {
		registry = NewRegistry(log)
	}
	if focus == nil {
		focus = NewFocusMap()
	}
	if store == nil {
		store = NewInMemoryStore()
	}
	if blobs == nil {
		blobs = NewInMemoryBlobStore()
	}

	p := &Pipeline{
		log:      log,
		registry: registry,
		focus:    focus,
		store:    store,
		blobs:    blobs,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Registry exposes the connection registry for gateway wiring.
func (p *Pipeline) Registry() *Registry { return p.registry }

// SendMessageInput describes one send request from a connected sender.
type SendMessageInput struct {
	Sender   string
	Receiver string
	Text     string
	ReplyTo  string
	FileKind string
}

// SendMessage runs the delivery pipeline for one message:
//
//  1. Stamp sent = now. Stamp delivered = now iff the receiver has a live
//     connection; stamp seen = now iff sender and receiver are mutually
//     focused. The two checks are independent, so a message can be created
//     already-seen without an extra round trip.
//  2. Persist via the store collaborator. A persistence failure is returned
//     to the caller; nothing was fanned out, and there is no retry.
//  3. Fan out message_receive to the receiver's connection, if live.
//     Fan-out is fire-and-forget: if it is dropped the message still exists
//     and surfaces on the next history fetch.
func (p *Pipeline) SendMessage(ctx context.Context, in SendMessageInput) (Message, error) {
	sender := strings.TrimSpace(in.Sender)
	receiver := strings.TrimSpace(in.Receiver)
	if sender == "" || receiver == "" {
		return Message{}, errors.New("missing sender or receiver")
	}
	if sender == receiver {
		return Message{}, errors.New("cannot message yourself")
	}

	text := strings.TrimSpace(in.Text)
	if text == "" && in.FileKind == "" {
		return Message{}, errors.New("empty message")
	}
	if len([]rune(text)) > maxMessageChars {
		return Message{}, fmt.Errorf("message too long: max=%d chars", maxMessageChars)
	}

	now := p.now()

	id, err := NewMessageID(now)
	if err != nil {
		return Message{}, fmt.Errorf("message id: %w", err)
	}

	var delivered, seen *time.Time
	if p.registry.IsActive(receiver) {
		delivered = &now
	}
	if p.focus.IsMutuallyFocused(sender, receiver) {
		seen = &now
	}

	msg, err := p.store.CreateMessage(ctx, CreateMessageInput{
		ID:          id,
		Sender:      sender,
		Receiver:    receiver,
		Text:        text,
		ReplyTo:     in.ReplyTo,
		FileKind:    in.FileKind,
		SentAt:      now,
		DeliveredAt: delivered,
		SeenAt:      seen,
	})
	if err != nil {
		return Message{}, fmt.Errorf("store create: %w", err)
	}
	messagesPersisted.Inc()

	env, err := p.newEnvelope(v1.TypeMessageReceive, v1.MessageReceivePayload{Message: msg.Wire()}, now)
	if err == nil {
		p.registry.Send(receiver, env)
	}

	p.log.Info("chat.message.sent",
		"message_id", msg.ID,
		"sender", sender,
		"receiver", receiver,
		"delivered", delivered != nil,
		"seen", seen != nil,
	)
	return msg, nil
}

// OpenChat sets viewer's focus to counterpart and batch-marks all prior
// messages counterpart -> viewer as seen. The counterpart, if live, gets a
// message_seen notice so its ticks update without polling. The batch is
// idempotent: opening the same chat twice leaves the same final state.
func (p *Pipeline) OpenChat(ctx context.Context, viewer, counterpart string) (int64, error) {
	viewer = strings.TrimSpace(viewer)
	counterpart = strings.TrimSpace(counterpart)
	if viewer == "" || counterpart == "" {
		return 0, errors.New("missing viewer or counterpart")
	}

	p.focus.Open(viewer, counterpart)

	now := p.now()
	n, err := p.store.MarkSeen(ctx, viewer, counterpart, now)
	if err != nil {
		return 0, fmt.Errorf("store mark seen: %w", err)
	}

	env, envErr := p.newEnvelope(v1.TypeMessageSeen, v1.MessageSeenPayload{ViewerID: viewer}, now)
	if envErr == nil {
		p.registry.Send(counterpart, env)
	}

	p.log.Info("chat.open", "viewer", viewer, "counterpart", counterpart, "marked_seen", n)
	return n, nil
}

// CloseChat clears viewer's focus entry.
func (p *Pipeline) CloseChat(viewer string) {
	p.focus.Close(viewer)
	p.log.Info("chat.close", "viewer", viewer)
}

// Typing relays an ephemeral typing start to the recipient's connection, if
// live. SameChat carries mutual focus at relay time so the recipient can
// reveal the indicator inline instead of only bumping an unread badge.
// Nothing is persisted and there is no expiry: the flag sticks in the
// recipient's local typing set until an explicit stop arrives.
func (p *Pipeline) Typing(sender, recipient string) {
	if sender == "" || recipient == "" {
		return
	}
	env, err := p.newEnvelope(v1.TypeTypingReceive, v1.TypingReceivePayload{
		SenderID: sender,
		SameChat: p.focus.IsMutuallyFocused(sender, recipient),
	}, p.now())
	if err != nil {
		return
	}
	p.registry.Send(recipient, env)
}

// TypingStop relays a typing stop to the recipient's connection, if live.
func (p *Pipeline) TypingStop(sender, recipient string) {
	if sender == "" || recipient == "" {
		return
	}
	env, err := p.newEnvelope(v1.TypeTypingStopReceive, v1.TypingStopReceivePayload{SenderID: sender}, p.now())
	if err != nil {
		return
	}
	p.registry.Send(recipient, env)
}

// React persists the reaction label unconditionally, then relays it live to
// the message's other party only when reactor and that party are mutually
// focused. A durably set reaction that was not relayed surfaces on the next
// history fetch. The label is stored verbatim; toggle logic lives client-side.
func (p *Pipeline) React(ctx context.Context, reactor, messageID, label string) (Message, bool, error) {
	reactor = strings.TrimSpace(reactor)
	if reactor == "" || messageID == "" {
		return Message{}, false, errors.New("missing reactor or message id")
	}

	msg, err := p.store.SetReaction(ctx, messageID, label)
	if err != nil {
		return Message{}, false, fmt.Errorf("store set reaction: %w", err)
	}

	peer := msg.Sender
	if peer == reactor {
		peer = msg.Receiver
	}

	live := p.focus.IsMutuallyFocused(reactor, peer)
	if live {
		env, envErr := p.newEnvelope(v1.TypeReactionReceive, v1.ReactionReceivePayload{Message: msg.Wire()}, p.now())
		if envErr == nil {
			p.registry.Send(peer, env)
		}
	}

	p.log.Info("chat.reaction", "message_id", messageID, "reactor", reactor, "label", label, "live", live)
	return msg, live, nil
}

// Presence reports the peer's presence and focus flags relative to user:
// active iff the peer has a live connection, sameChat iff user and peer are
// mutually focused.
func (p *Pipeline) Presence(user, peer string) (active, sameChat bool) {
	return p.registry.IsActive(peer), p.focus.IsMutuallyFocused(user, peer)
}

// History fetches the conversation window between two users.
func (p *Pipeline) History(ctx context.Context, in HistoryInput) (HistoryResult, error) {
	return p.store.History(ctx, in)
}

// Partners lists userID's chat counterparts with unread counts.
func (p *Pipeline) Partners(ctx context.Context, userID string) ([]Partner, error) {
	return p.store.Partners(ctx, userID)
}

// Attach uploads an attachment blob keyed by an existing message id.
// The message record always exists before the upload starts; delivery of the
// message itself never waits for the blob.
func (p *Pipeline) Attach(ctx context.Context, messageID, kind string, data io.Reader) (int64, error) {
	if strings.TrimSpace(messageID) == "" {
		return 0, errors.New("missing message id")
	}
	n, err := p.blobs.Put(ctx, messageID, kind, data)
	if err != nil {
		return 0, fmt.Errorf("blob put: %w", err)
	}
	p.log.Info("chat.attachment.stored", "message_id", messageID, "kind", kind, "bytes", n)
	return n, nil
}

// Connect records client as its user's live handle.
func (p *Pipeline) Connect(client *Client) {
	p.registry.Register(client)
}

// Disconnect tears down client. The focus entry is dropped only when the
// client was still its user's current handle; a superseded connection dying
// late must not clear the focus its replacement declared.
func (p *Pipeline) Disconnect(client *Client) {
	if client == nil {
		return
	}
	if p.registry.Unregister(client) {
		p.focus.Drop(client.UserID)
	}
}

// newEnvelope wraps a payload into a versioned wire envelope.
func (p *Pipeline) newEnvelope(typ string, payload any, ts time.Time) (v1.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	id, err := NewEnvelopeID(ts)
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: raw,
	}, nil
}
