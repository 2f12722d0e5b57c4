// Package session is the client-side counterpart of the chat gateway: it
// owns one connection per authenticated user, subscribes to the event
// vocabulary, and reconciles optimistic local state with server echoes.
//
// One Session serves one user. When the authenticated user changes, the
// caller tears the Session down with Close and constructs a fresh one.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	v1 "pulse/shared/contracts/chat/v1"
)

// Transport is the narrow connection surface the Session drives.
// The production implementation is a websocket (see Dial); tests inject a
// channel-backed fake.
type Transport interface {
	Read(ctx context.Context) (v1.Envelope, error)
	Write(ctx context.Context, env v1.Envelope) error
	Close() error
}

// Handlers are optional callbacks invoked from the read loop as server
// events are applied to local state. Nil entries are skipped.
//
// Events may arrive in any cross-connection order; each callback fires after
// the Session has already applied the (idempotent) state change.
type Handlers struct {
	OnMessage    func(msg v1.Message)
	OnSeen       func(viewerID string)
	OnTyping     func(senderID string, sameChat bool)
	OnTypingStop func(senderID string)
	OnReaction   func(msg v1.Message)
	OnPresence   func(peerID string, active, sameChat bool)
	OnError      func(code, message string)
}

// Session maintains the local chat state for one connected user:
// per-peer threads, the set of peers currently typing, the focused chat, and
// in-flight optimistic sends awaiting their server echo.
type Session struct {
	log    *slog.Logger
	userID string
	tp     Transport
	h      Handlers

	httpBase   string
	httpClient *http.Client

	sessionID string

	mu      sync.Mutex
	focused string
	typing  map[string]struct{}
	threads map[string][]v1.Message
	pending map[string]v1.MessageSendPayload
	waiters map[string]chan v1.Message
	nextSeq uint64

	done      chan struct{}
	closeOnce sync.Once
}

// Option configures Session behavior.
type Option func(*Session)

// WithUploadEndpoint points the session at the HTTP collaborator used for
// attachment uploads (POST {base}/chat/attachments/{message_id}).
func WithUploadEndpoint(base string, client *http.Client) Option {
	return func(s *Session) {
		s.httpBase = base
		if client != nil {
			s.httpClient = client
		}
	}
}

// New constructs a Session over an established transport.
func New(log *slog.Logger, userID string, tp Transport, h Handlers, opts ...Option) *Session {
	s := &Session{
		log:        log,
		userID:     userID,
		tp:         tp,
		h:          h,
		httpClient: http.DefaultClient,
		typing:     make(map[string]struct{}),
		threads:    make(map[string][]v1.Message),
		pending:    make(map[string]v1.MessageSendPayload),
		waiters:    make(map[string]chan v1.Message),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// UserID returns the authenticated user this session serves.
func (s *Session) UserID() string { return s.userID }

// SessionID returns the server-assigned session id (empty before Start).
func (s *Session) SessionID() string { return s.sessionID }

// Start performs the hello handshake synchronously, then spawns the read
// loop. It must be called exactly once.
func (s *Session) Start(ctx context.Context) error {
	hello, err := s.newEnvelope(v1.TypeHello, v1.HelloPayload{})
	if err != nil {
		return err
	}
	if err := s.tp.Write(ctx, hello); err != nil {
		return fmt.Errorf("write hello: %w", err)
	}

	// Read until hello_ack; anything else before the ack is a protocol error.
	env, err := s.tp.Read(ctx)
	if err != nil {
		return fmt.Errorf("read hello_ack: %w", err)
	}
	if env.Type != v1.TypeHelloAck {
		return fmt.Errorf("expected hello_ack, got %q", env.Type)
	}
	var ack v1.HelloAckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		return fmt.Errorf("unmarshal hello_ack: %w", err)
	}
	if ack.SessionID == "" {
		return errors.New("hello_ack missing session_id")
	}
	s.sessionID = ack.SessionID

	go s.readLoop(ctx)
	return nil
}

// Close tears the session down (idempotent).
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.tp.Close()
	})
}

// Done reports session shutdown.
func (s *Session) Done() <-chan struct{} { return s.done }

// ---- outbound operations ----

// OpenChat declares peer as the focused chat. The server batch-marks prior
// inbound messages seen; the same stamp is applied to the local thread so a
// later history fetch and the local view agree.
func (s *Session) OpenChat(ctx context.Context, peerID string) error {
	env, err := s.newEnvelope(v1.TypeChatOpen, v1.ChatOpenPayload{CounterpartID: peerID})
	if err != nil {
		return err
	}
	if err := s.tp.Write(ctx, env); err != nil {
		return err
	}

	now := time.Now().UTC()
	s.mu.Lock()
	s.focused = peerID
	for i, m := range s.threads[peerID] {
		if m.Sender == peerID && m.SeenAt == nil {
			ts := now
			s.threads[peerID][i].SeenAt = &ts
			if s.threads[peerID][i].DeliveredAt == nil {
				s.threads[peerID][i].DeliveredAt = &ts
			}
		}
	}
	s.mu.Unlock()
	return nil
}

// CloseChat clears the focused chat.
func (s *Session) CloseChat(ctx context.Context) error {
	env, err := s.newEnvelope(v1.TypeChatClose, v1.ChatClosePayload{})
	if err != nil {
		return err
	}
	if err := s.tp.Write(ctx, env); err != nil {
		return err
	}

	s.mu.Lock()
	s.focused = ""
	s.mu.Unlock()
	return nil
}

// Focused returns the currently focused peer, or "".
func (s *Session) Focused() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focused
}

// SendMessage submits a message and returns its client_msg_id. No row is
// added to the local thread until the server ack arrives; a failed send
// leaves the thread untouched and the caller retries manually.
//
// A typing_stop for the receiver always rides along with the send, so the
// recipient's indicator cannot stick after a message lands.
func (s *Session) SendMessage(ctx context.Context, receiver, text, replyTo, fileKind string) (string, error) {
	p := v1.MessageSendPayload{
		ClientMsgID: s.newClientMsgID(),
		Receiver:    receiver,
		Text:        text,
		ReplyTo:     replyTo,
		FileKind:    fileKind,
	}

	env, err := s.newEnvelope(v1.TypeMessageSend, p)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.pending[p.ClientMsgID] = p
	s.mu.Unlock()

	if err := s.tp.Write(ctx, env); err != nil {
		s.mu.Lock()
		delete(s.pending, p.ClientMsgID)
		s.mu.Unlock()
		return "", err
	}

	if err := s.TypingStop(ctx, receiver); err != nil {
		s.log.Info("session.typing_stop.fail", "receiver", receiver, "err", err)
	}
	return p.ClientMsgID, nil
}

// SendMessageWait submits a message and blocks until the server echoes the
// stamped message (or ctx expires).
func (s *Session) SendMessageWait(ctx context.Context, receiver, text, replyTo, fileKind string) (v1.Message, error) {
	ch := make(chan v1.Message, 1)

	p := v1.MessageSendPayload{
		ClientMsgID: s.newClientMsgID(),
		Receiver:    receiver,
		Text:        text,
		ReplyTo:     replyTo,
		FileKind:    fileKind,
	}

	env, err := s.newEnvelope(v1.TypeMessageSend, p)
	if err != nil {
		return v1.Message{}, err
	}

	s.mu.Lock()
	s.pending[p.ClientMsgID] = p
	s.waiters[p.ClientMsgID] = ch
	s.mu.Unlock()

	cleanup := func() {
		s.mu.Lock()
		delete(s.pending, p.ClientMsgID)
		delete(s.waiters, p.ClientMsgID)
		s.mu.Unlock()
	}

	if err := s.tp.Write(ctx, env); err != nil {
		cleanup()
		return v1.Message{}, err
	}

	if err := s.TypingStop(ctx, receiver); err != nil {
		s.log.Info("session.typing_stop.fail", "receiver", receiver, "err", err)
	}

	select {
	case <-ctx.Done():
		cleanup()
		return v1.Message{}, ctx.Err()
	case <-s.done:
		cleanup()
		return v1.Message{}, errors.New("session closed")
	case msg := <-ch:
		return msg, nil
	}
}

// SendAttachment sends a file-bearing message, waits for the stamped echo so
// the message id exists as a blob key, then uploads the blob to the HTTP
// collaborator. The message is already persisted and fanned out before the
// upload starts; an upload failure leaves a text row without its blob.
//
// The connection is NOT recreated before the send: the transport has no
// payload-size quirk, and the blob travels over HTTP rather than the socket.
func (s *Session) SendAttachment(ctx context.Context, receiver, text, kind string, data io.Reader) (v1.Message, error) {
	if s.httpBase == "" {
		return v1.Message{}, errors.New("no upload endpoint configured")
	}

	msg, err := s.SendMessageWait(ctx, receiver, text, "", kind)
	if err != nil {
		return v1.Message{}, err
	}

	if err := s.uploadBlob(ctx, msg.ID, kind, data); err != nil {
		return msg, fmt.Errorf("upload attachment: %w", err)
	}
	return msg, nil
}

func (s *Session) uploadBlob(ctx context.Context, messageID, kind string, data io.Reader) error {
	u := fmt.Sprintf("%s/chat/attachments/%s?kind=%s", s.httpBase, messageID, kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, data)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("upload status: %s", resp.Status)
	}
	return nil
}

// Typing signals typing at peer.
func (s *Session) Typing(ctx context.Context, peerID string) error {
	env, err := s.newEnvelope(v1.TypeTypingStart, v1.TypingStartPayload{RecipientID: peerID})
	if err != nil {
		return err
	}
	return s.tp.Write(ctx, env)
}

// TypingStop clears a typing signal at peer.
func (s *Session) TypingStop(ctx context.Context, peerID string) error {
	env, err := s.newEnvelope(v1.TypeTypingStop, v1.TypingStopPayload{RecipientID: peerID})
	if err != nil {
		return err
	}
	return s.tp.Write(ctx, env)
}

// React toggles a reaction on a message: sending the label already present
// on the local copy clears it (empty label). The label must come from the
// closed reaction vocabulary.
func (s *Session) React(ctx context.Context, peerID, messageID, label string) error {
	if !v1.ValidReaction(label) || label == "" {
		return fmt.Errorf("invalid reaction label: %q", label)
	}

	s.mu.Lock()
	send := label
	for _, m := range s.threads[peerID] {
		if m.ID == messageID && m.Reaction == label {
			send = ""
			break
		}
	}
	s.mu.Unlock()

	env, err := s.newEnvelope(v1.TypeReactionSend, v1.ReactionSendPayload{MessageID: messageID, Label: send})
	if err != nil {
		return err
	}
	return s.tp.Write(ctx, env)
}

// QueryPresence asks for peer's presence/focus flags; the answer arrives via
// Handlers.OnPresence.
func (s *Session) QueryPresence(ctx context.Context, peerID string) error {
	env, err := s.newEnvelope(v1.TypePresenceQuery, v1.PresenceQueryPayload{PeerID: peerID})
	if err != nil {
		return err
	}
	return s.tp.Write(ctx, env)
}

// ---- local state accessors ----

// Thread returns a snapshot of the conversation with peer, ordered by sent_at.
func (s *Session) Thread(peerID string) []v1.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]v1.Message(nil), s.threads[peerID]...)
	return out
}

// IsTyping reports whether peer is currently known to be typing at us.
// There is no expiry: the flag sticks until a typing_stop arrives.
func (s *Session) IsTyping(peerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.typing[peerID]
	return ok
}

// TypingPeers snapshots the set of peers currently typing at us.
func (s *Session) TypingPeers() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.typing))
	for p := range s.typing {
		out = append(out, p)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// PendingCount reports in-flight sends awaiting their server echo.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// ---- read loop ----

func (s *Session) readLoop(ctx context.Context) {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		env, err := s.tp.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
			default:
				s.log.Info("session.read.fail", "err", err)
				s.Close()
			}
			return
		}

		if err := env.Validate(); err != nil {
			s.log.Info("session.envelope.invalid", "err", err)
			continue
		}
		s.apply(env)
	}
}

// apply routes one server event into local state. Every branch is idempotent:
// replaying an event leaves the same state.
func (s *Session) apply(env v1.Envelope) {
	switch env.Type {
	case v1.TypeMessageAck:
		var p v1.MessageAckPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		peer := p.Message.Receiver
		s.mu.Lock()
		delete(s.pending, p.ClientMsgID)
		s.insertMessageLocked(peer, p.Message)
		w := s.waiters[p.ClientMsgID]
		delete(s.waiters, p.ClientMsgID)
		s.mu.Unlock()
		if w != nil {
			select {
			case w <- p.Message:
			default:
			}
		}

	case v1.TypeMessageReceive:
		var p v1.MessageReceivePayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		s.mu.Lock()
		s.insertMessageLocked(p.Message.Sender, p.Message)
		s.mu.Unlock()
		if s.h.OnMessage != nil {
			s.h.OnMessage(p.Message)
		}

	case v1.TypeMessageSeen:
		var p v1.MessageSeenPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		now := time.Now().UTC()
		s.mu.Lock()
		for i, m := range s.threads[p.ViewerID] {
			if m.Sender == s.userID && m.SeenAt == nil {
				ts := now
				s.threads[p.ViewerID][i].SeenAt = &ts
				if s.threads[p.ViewerID][i].DeliveredAt == nil {
					s.threads[p.ViewerID][i].DeliveredAt = &ts
				}
			}
		}
		s.mu.Unlock()
		if s.h.OnSeen != nil {
			s.h.OnSeen(p.ViewerID)
		}

	case v1.TypeTypingReceive:
		var p v1.TypingReceivePayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		s.mu.Lock()
		s.typing[p.SenderID] = struct{}{}
		s.mu.Unlock()
		if s.h.OnTyping != nil {
			s.h.OnTyping(p.SenderID, p.SameChat)
		}

	case v1.TypeTypingStopReceive:
		var p v1.TypingStopReceivePayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		s.mu.Lock()
		delete(s.typing, p.SenderID)
		s.mu.Unlock()
		if s.h.OnTypingStop != nil {
			s.h.OnTypingStop(p.SenderID)
		}

	case v1.TypeReactionReceive:
		var p v1.ReactionReceivePayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		peer := p.Message.Sender
		if peer == s.userID {
			peer = p.Message.Receiver
		}
		s.mu.Lock()
		s.insertMessageLocked(peer, p.Message)
		s.mu.Unlock()
		if s.h.OnReaction != nil {
			s.h.OnReaction(p.Message)
		}

	case v1.TypePresenceState:
		var p v1.PresenceStatePayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		if s.h.OnPresence != nil {
			s.h.OnPresence(p.PeerID, p.Active, p.SameChat)
		}

	case v1.TypeError:
		var p v1.ErrorPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		s.log.Info("session.server_error", "code", p.Code, "message", p.Message)
		if s.h.OnError != nil {
			s.h.OnError(p.Code, p.Message)
		}
	}
}

// insertMessageLocked upserts a message into peer's thread by id, keeping
// sent_at order. Stamps only move forward: a nil delivered/seen never
// overwrites a set one, so out-of-order events cannot regress state.
func (s *Session) insertMessageLocked(peerID string, msg v1.Message) {
	thread := s.threads[peerID]
	for i, m := range thread {
		if m.ID != msg.ID {
			continue
		}
		if msg.DeliveredAt == nil {
			msg.DeliveredAt = m.DeliveredAt
		}
		if msg.SeenAt == nil {
			msg.SeenAt = m.SeenAt
		}
		thread[i] = msg
		return
	}

	thread = append(thread, msg)
	sort.SliceStable(thread, func(i, j int) bool { return thread[i].SentAt.Before(thread[j].SentAt) })
	s.threads[peerID] = thread
}

// ---- envelope helpers ----

func (s *Session) newEnvelope(typ string, payload any) (v1.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      s.newClientMsgID(),
		TS:      time.Now().UTC(),
		Payload: raw,
	}, nil
}

func (s *Session) newClientMsgID() string {
	s.mu.Lock()
	s.nextSeq++
	n := s.nextSeq
	s.mu.Unlock()
	return fmt.Sprintf("%s-%d-%d", s.userID, time.Now().UnixNano(), n)
}
