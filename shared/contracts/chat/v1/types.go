// Package v1 defines the Pulse chat protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeChatOpen declares which counterpart the client has focused (client -> server).
	TypeChatOpen = "chat_open"
	// TypeChatClose clears the client's focused counterpart (client -> server).
	TypeChatClose = "chat_close"

	// TypeMessageSend requests sending a new message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck echoes the stamped message back to the sender (server -> client).
	TypeMessageAck = "message_ack"
	// TypeMessageReceive pushes a new message to its receiver (server -> client).
	TypeMessageReceive = "message_receive"
	// TypeMessageSeen notifies that the viewer batch-marked the chat seen (server -> client).
	TypeMessageSeen = "message_seen"

	// TypeTypingStart signals the sender started typing at a recipient (client -> server).
	TypeTypingStart = "typing_start"
	// TypeTypingStop signals the sender stopped typing at a recipient (client -> server).
	TypeTypingStop = "typing_stop"
	// TypeTypingReceive relays a typing start to the recipient (server -> client).
	TypeTypingReceive = "typing_receive"
	// TypeTypingStopReceive relays a typing stop to the recipient (server -> client).
	TypeTypingStopReceive = "typing_stop_receive"

	// TypeReactionSend requests setting a reaction on a message (client -> server).
	TypeReactionSend = "reaction_send"
	// TypeReactionReceive relays a live reaction update (server -> client).
	TypeReactionReceive = "reaction_receive"

	// TypePresenceQuery asks for a peer's presence/focus flags (client -> server).
	TypePresenceQuery = "presence_query"
	// TypePresenceState answers a presence query (server -> client).
	TypePresenceState = "presence_state"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Reaction labels form a small closed vocabulary.
// An empty label means "no reaction" and clears a previously set one.
const (
	ReactionLike  = "like"
	ReactionLove  = "love"
	ReactionHaha  = "haha"
	ReactionWow   = "wow"
	ReactionSad   = "sad"
	ReactionAngry = "angry"
)

// ValidReaction reports whether label is in the reaction vocabulary.
// The empty label is valid and clears the reaction.
func ValidReaction(label string) bool {
	switch label {
	case "", ReactionLike, ReactionLove, ReactionHaha, ReactionWow, ReactionSad, ReactionAngry:
		return true
	default:
		return false
	}
}

// Coarse attachment kinds. Only the kind rides the wire; the blob itself is
// uploaded out of band, keyed by message id.
const (
	FileKindImage = "image"
	FileKindAudio = "audio"
	FileKindVideo = "video"
	FileKindOther = "file"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeChatOpen,
		TypeChatClose,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessageReceive,
		TypeMessageSeen,
		TypeTypingStart,
		TypeTypingStop,
		TypeTypingReceive,
		TypeTypingStopReceive,
		TypeReactionSend,
		TypeReactionReceive,
		TypePresenceQuery,
		TypePresenceState,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// Message is the wire representation of a persisted chat message.
//
// DeliveredAt and SeenAt are nullable: nil means the corresponding state has
// not been reached yet. Once set, a stamp never reverts to nil.
type Message struct {
	ID          string     `json:"id"`
	Sender      string     `json:"sender"`
	Receiver    string     `json:"receiver"`
	Text        string     `json:"text"`
	ReplyTo     string     `json:"reply_to,omitempty"`
	Reaction    string     `json:"reaction,omitempty"`
	FileKind    string     `json:"file_kind,omitempty"`
	SentAt      time.Time  `json:"sent_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	SeenAt      *time.Time `json:"seen_at,omitempty"`
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct{}

// HelloAckPayload confirms the session and echoes the registered identity.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// ChatOpenPayload declares the counterpart the client has focused.
type ChatOpenPayload struct {
	CounterpartID string `json:"counterpart_id"`
}

// ChatClosePayload clears the focused counterpart. It carries no fields;
// the owning connection is the only one allowed to clear its focus entry.
type ChatClosePayload struct{}

// MessageSendPayload requests sending a message to a receiver.
type MessageSendPayload struct {
	ClientMsgID string `json:"client_msg_id"`
	Receiver    string `json:"receiver"`
	Text        string `json:"text"`
	ReplyTo     string `json:"reply_to,omitempty"`
	FileKind    string `json:"file_kind,omitempty"`
}

// MessageAckPayload echoes the stamped, persisted message back to its sender
// so optimistic local state can be reconciled.
type MessageAckPayload struct {
	ClientMsgID string  `json:"client_msg_id"`
	Message     Message `json:"message"`
}

// MessageReceivePayload pushes a new message to its receiver.
type MessageReceivePayload struct {
	Message Message `json:"message"`
}

// MessageSeenPayload tells the counterpart that ViewerID batch-marked their
// chat as seen.
type MessageSeenPayload struct {
	ViewerID string `json:"viewer_id"`
}

// TypingStartPayload signals typing at a recipient.
type TypingStartPayload struct {
	RecipientID string `json:"recipient_id"`
}

// TypingStopPayload clears a typing signal at a recipient.
type TypingStopPayload struct {
	RecipientID string `json:"recipient_id"`
}

// TypingReceivePayload relays a typing start. SameChat tells the recipient
// whether both parties are mutually focused, so the indicator can be revealed
// inline instead of only updating an unread badge.
type TypingReceivePayload struct {
	SenderID string `json:"sender_id"`
	SameChat bool   `json:"same_chat"`
}

// TypingStopReceivePayload relays a typing stop.
type TypingStopReceivePayload struct {
	SenderID string `json:"sender_id"`
}

// ReactionSendPayload requests setting (or clearing) a reaction on a message.
type ReactionSendPayload struct {
	MessageID string `json:"message_id"`
	Label     string `json:"label"`
}

// ReactionReceivePayload relays a live reaction update with the full message.
type ReactionReceivePayload struct {
	Message Message `json:"message"`
}

// PresenceQueryPayload asks for a peer's presence and focus flags.
type PresenceQueryPayload struct {
	PeerID string `json:"peer_id"`
}

// PresenceStatePayload answers a presence query.
// Active is true when the peer has a live connection; SameChat is true when
// the peer and the querying user are mutually focused on each other.
type PresenceStatePayload struct {
	PeerID   string `json:"peer_id"`
	Active   bool   `json:"active"`
	SameChat bool   `json:"same_chat"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
