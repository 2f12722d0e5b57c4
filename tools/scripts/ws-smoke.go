// Package main provides a CI-friendly WebSocket smoke test for Pulse chat.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack session establishment
//   - mutual chat focus via chat_open + presence_state
//   - send -> ack with delivered/seen stamps
//   - fanout message_receive to the peer
//   - typing start/stop relay
//   - reaction relay under mutual focus
//   - chat_close dropping same_chat
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "pulse/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "pulse.chat.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name      string
	userID    string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		userA   = flag.String("user-a", "smoke-alice", "First user id")
		userB   = flag.String("user-b", "smoke-bob", "Second user id")
		text    = flag.String("text", "hello pulse 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if *userA == *userB {
		fatalf("-user-a and -user-b must differ")
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *userA, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *userB, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.sessionID, b.sessionID, *origin)
	}

	// Both sides focus the same thread. Each open pushes a seen notice to
	// the counterpart, so drain those to keep the inbox deterministic.
	mustOpenChat(root, a, b.userID, *timeout)
	mustSeenNotice(root, b, a.userID, *timeout)
	mustOpenChat(root, b, a.userID, *timeout)
	mustSeenNotice(root, a, b.userID, *timeout)

	mustPresence(root, a, b.userID, true, true, *timeout)

	// Mutual focus: the ack must carry both stamps.
	msg := mustSendAndAssertAck(root, a, b.userID, *text, true, *timeout)
	mustAssertReceive(root, b, msg, *timeout)

	mustTypingRoundTrip(root, a, b, *timeout)

	mustReactAndAssertRelay(root, b, a, msg.ID, v1.ReactionLike, *timeout)

	// B leaves the thread; his own presence query doubles as a sync barrier
	// before asserting A's view.
	mustCloseChat(root, b, *timeout)
	mustPresence(root, b, a.userID, true, false, *timeout)
	mustPresence(root, a, b.userID, true, false, *timeout)

	// No longer mutually focused: delivered only.
	msg2 := mustSendAndAssertAck(root, a, b.userID, *text, false, *timeout)
	mustAssertReceive(root, b, msg2, *timeout)

	fmt.Printf("OK: A=%s B=%s msg_id=%s msg2_id=%s\n", a.sessionID, b.sessionID, msg.ID, msg2.ID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin, userID string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	u, err := url.Parse(wsURL)
	if err != nil {
		fatalf("parse -url: %v", err)
	}
	q := u.Query()
	q.Set("user_id", userID)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()

	hello := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      fmt.Sprintf("%s-hello", name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{}),
	}
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	if p.UserID != userID {
		fatalf("hello_ack user_id mismatch (%s): got=%q want=%q", name, p.UserID, userID)
	}
	c.sessionID = p.SessionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustOpenChat(parent context.Context, c *smokeClient, counterpartID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeChatOpen,
		ID:   fmt.Sprintf("%s-open", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.ChatOpenPayload{
			CounterpartID: counterpartID,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func mustCloseChat(parent context.Context, c *smokeClient, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeChatClose,
		ID:      fmt.Sprintf("%s-close", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.ChatClosePayload{}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func mustSeenNotice(parent context.Context, c *smokeClient, wantViewer string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeMessageSeen, stepTimeout, nil)

	var p v1.MessageSeenPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message_seen payload (%s): %v", c.name, err)
	}
	if p.ViewerID != wantViewer {
		fatalf("message_seen viewer mismatch (%s): got=%q want=%q", c.name, p.ViewerID, wantViewer)
	}
}

func mustPresence(parent context.Context, c *smokeClient, peerID string, wantActive, wantSameChat bool, stepTimeout time.Duration) {
	req := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypePresenceQuery,
		ID:   fmt.Sprintf("%s-presence", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.PresenceQueryPayload{
			PeerID: peerID,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, req, stepTimeout)

	env := c.mustReadUntilType(parent, v1.TypePresenceState, stepTimeout, nil)

	var p v1.PresenceStatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal presence_state payload (%s): %v", c.name, err)
	}
	if p.PeerID != peerID {
		fatalf("presence_state peer mismatch (%s): got=%q want=%q", c.name, p.PeerID, peerID)
	}
	if p.Active != wantActive {
		fatalf("presence_state active mismatch (%s): got=%v want=%v", c.name, p.Active, wantActive)
	}
	if p.SameChat != wantSameChat {
		fatalf("presence_state same_chat mismatch (%s): got=%v want=%v", c.name, p.SameChat, wantSameChat)
	}
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, receiver, text string, wantSeen bool, stepTimeout time.Duration) v1.Message {
	clientMsgID := fmt.Sprintf("cmsg-%d", time.Now().UnixNano())

	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeMessageSend,
		ID:   fmt.Sprintf("%s-send-%s", c.name, clientMsgID),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.MessageSendPayload{
			ClientMsgID: clientMsgID,
			Receiver:    receiver,
			Text:        text,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeMessageAck, stepTimeout, nil)

	var p v1.MessageAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal message_ack payload (%s): %v", c.name, err)
	}
	if p.ClientMsgID != clientMsgID {
		fatalf("ack client_msg_id mismatch (%s): got=%q want=%q", c.name, p.ClientMsgID, clientMsgID)
	}
	if strings.TrimSpace(p.Message.ID) == "" {
		fatalf("ack missing message id (%s)", c.name)
	}
	if p.Message.Sender != c.userID || p.Message.Receiver != receiver {
		fatalf("ack route mismatch (%s): %s -> %s", c.name, p.Message.Sender, p.Message.Receiver)
	}
	if p.Message.SentAt.IsZero() {
		fatalf("ack missing sent_at (%s)", c.name)
	}
	if p.Message.DeliveredAt == nil {
		fatalf("ack missing delivered_at for connected peer (%s)", c.name)
	}
	if wantSeen && p.Message.SeenAt == nil {
		fatalf("ack missing seen_at under mutual focus (%s)", c.name)
	}
	if !wantSeen && p.Message.SeenAt != nil {
		fatalf("ack unexpected seen_at without mutual focus (%s)", c.name)
	}
	return p.Message
}

func mustAssertReceive(parent context.Context, c *smokeClient, want v1.Message, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeMessageReceive, stepTimeout, nil)

	var p v1.MessageReceivePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message_receive payload (%s): %v", c.name, err)
	}
	if p.Message.ID != want.ID {
		fatalf("receive id mismatch (%s): got=%q want=%q", c.name, p.Message.ID, want.ID)
	}
	if p.Message.Text != want.Text {
		fatalf("receive text mismatch (%s): got=%q want=%q", c.name, p.Message.Text, want.Text)
	}
	if p.Message.Sender != want.Sender {
		fatalf("receive sender mismatch (%s): got=%q want=%q", c.name, p.Message.Sender, want.Sender)
	}
}

func mustTypingRoundTrip(parent context.Context, from, to *smokeClient, stepTimeout time.Duration) {
	start := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeTypingStart,
		ID:      fmt.Sprintf("%s-typing", from.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.TypingStartPayload{RecipientID: to.userID}),
	}
	mustWriteWithTimeout(parent, from.conn, start, stepTimeout)

	env := to.mustReadUntilType(parent, v1.TypeTypingReceive, stepTimeout, nil)
	var p v1.TypingReceivePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal typing_receive payload (%s): %v", to.name, err)
	}
	if p.SenderID != from.userID {
		fatalf("typing sender mismatch (%s): got=%q want=%q", to.name, p.SenderID, from.userID)
	}

	stop := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeTypingStop,
		ID:      fmt.Sprintf("%s-typing-stop", from.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.TypingStopPayload{RecipientID: to.userID}),
	}
	mustWriteWithTimeout(parent, from.conn, stop, stepTimeout)

	env = to.mustReadUntilType(parent, v1.TypeTypingStopReceive, stepTimeout, nil)
	var sp v1.TypingStopReceivePayload
	if err := json.Unmarshal(env.Payload, &sp); err != nil {
		fatalf("unmarshal typing_stop_receive payload (%s): %v", to.name, err)
	}
	if sp.SenderID != from.userID {
		fatalf("typing stop sender mismatch (%s): got=%q want=%q", to.name, sp.SenderID, from.userID)
	}
}

func mustReactAndAssertRelay(parent context.Context, reactor, peer *smokeClient, messageID, label string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeReactionSend,
		ID:   fmt.Sprintf("%s-react", reactor.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.ReactionSendPayload{
			MessageID: messageID,
			Label:     label,
		}),
	}
	mustWriteWithTimeout(parent, reactor.conn, env, stepTimeout)

	relay := peer.mustReadUntilType(parent, v1.TypeReactionReceive, stepTimeout, nil)

	var p v1.ReactionReceivePayload
	if err := json.Unmarshal(relay.Payload, &p); err != nil {
		fatalf("unmarshal reaction_receive payload (%s): %v", peer.name, err)
	}
	if p.Message.ID != messageID {
		fatalf("reaction message id mismatch (%s): got=%q want=%q", peer.name, p.Message.ID, messageID)
	}
	if p.Message.Reaction != label {
		fatalf("reaction label mismatch (%s): got=%q want=%q", peer.name, p.Message.Reaction, label)
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
