package chat

import (
	"context"
	"errors"
	"io"
	"time"

	v1 "pulse/shared/contracts/chat/v1"
)

// ErrMessageNotFound is returned when an operation references an unknown message id.
var ErrMessageNotFound = errors.New("chat: message not found")

// Message is the canonical persisted message representation.
//
// DeliveredAt and SeenAt are nullable timestamps: nil means the state has not
// been reached. Once set they never revert to nil, and when all three stamps
// are set, SentAt <= DeliveredAt <= SeenAt holds.
type Message struct {
	ID          string
	Sender      string
	Receiver    string
	Text        string
	ReplyTo     string
	Reaction    string
	FileKind    string
	SentAt      time.Time
	DeliveredAt *time.Time
	SeenAt      *time.Time
}

// Wire converts the stored message into its wire representation.
func (m Message) Wire() v1.Message {
	return v1.Message{
		ID:          m.ID,
		Sender:      m.Sender,
		Receiver:    m.Receiver,
		Text:        m.Text,
		ReplyTo:     m.ReplyTo,
		Reaction:    m.Reaction,
		FileKind:    m.FileKind,
		SentAt:      m.SentAt,
		DeliveredAt: m.DeliveredAt,
		SeenAt:      m.SeenAt,
	}
}

// MessageStore persists and queries messages.
//
// Requirements:
//   - CreateMessage stores the message with its pre-computed stamps as-is.
//   - MarkSeen is an idempotent batch update: already-seen rows keep their
//     original stamp.
//   - History is ordered by sent_at ASC within a user pair.
//
// The store is treated as strongly consistent read-after-write by the
// protocol; there is no outbox and no automatic retry above it.
type MessageStore interface {
	CreateMessage(ctx context.Context, in CreateMessageInput) (Message, error)
	History(ctx context.Context, in HistoryInput) (HistoryResult, error)
	MarkSeen(ctx context.Context, viewerID, counterpartID string, at time.Time) (int64, error)
	SetReaction(ctx context.Context, messageID, label string) (Message, error)
	Partners(ctx context.Context, userID string) ([]Partner, error)
	Close() error
}

// CreateMessageInput describes a message create request. The pipeline assigns
// the id and computes the delivery stamps before persistence.
type CreateMessageInput struct {
	ID          string
	Sender      string
	Receiver    string
	Text        string
	ReplyTo     string
	FileKind    string
	SentAt      time.Time
	DeliveredAt *time.Time
	SeenAt      *time.Time
}

// HistoryInput describes a history query for the conversation between two users.
type HistoryInput struct {
	UserID string
	PeerID string

	// Before pages backwards: only messages sent strictly before it are
	// returned. Nil starts from the newest.
	Before *time.Time
	Limit  int
}

// HistoryResult contains the retrieved history window, ordered by sent_at ASC.
type HistoryResult struct {
	Messages []Message
	HasMore  bool
}

// Partner is one entry of a user's chat list.
type Partner struct {
	PeerID        string
	LastMessageAt time.Time
	Unread        int
}

// BlobStore is the attachment collaborator: an opaque blob sink keyed by
// message id. The upload happens after the message record exists, so the id
// is always a valid key; the pipeline never waits for upload completion
// before fanning the message out.
type BlobStore interface {
	Put(ctx context.Context, messageID, kind string, data io.Reader) (int64, error)
	Close() error
}
