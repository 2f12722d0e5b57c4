package chat

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"
)

const (
	memMaxMessagesPerPair = 10_000
	memMaxBlobBytes       = 16 << 20 // 16 MiB per attachment
)

// InMemoryStore is a MessageStore for dev and tests.
type InMemoryStore struct {
	mu    sync.Mutex
	pairs map[pairKey]*memPair
	byID  map[string]*Message
}

type pairKey struct {
	a, b string
}

// newPairKey normalizes the user pair so both directions share one bucket.
func newPairKey(x, y string) pairKey {
	if x < y {
		return pairKey{a: x, b: y}
	}
	return pairKey{a: y, b: x}
}

type memPair struct {
	msgs []*Message // ordered by SentAt ASC (append order)
}

// NewInMemoryStore constructs an in-memory MessageStore implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		pairs: make(map[pairKey]*memPair),
		byID:  make(map[string]*Message),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// CreateMessage persists a message with its pre-computed stamps.
func (s *InMemoryStore) CreateMessage(ctx context.Context, in CreateMessageInput) (Message, error) {
	if in.ID == "" || in.Sender == "" || in.Receiver == "" {
		return Message{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	sentAt := in.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}

	msg := &Message{
		ID:          in.ID,
		Sender:      in.Sender,
		Receiver:    in.Receiver,
		Text:        in.Text,
		ReplyTo:     in.ReplyTo,
		FileKind:    in.FileKind,
		SentAt:      sentAt,
		DeliveredAt: in.DeliveredAt,
		SeenAt:      in.SeenAt,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[in.ID]; ok {
		return Message{}, errors.New("duplicate message id")
	}

	k := newPairKey(in.Sender, in.Receiver)
	p := s.pairs[k]
	if p == nil {
		p = &memPair{msgs: make([]*Message, 0, 256)}
		s.pairs[k] = p
	}

	p.msgs = append(p.msgs, msg)
	s.byID[in.ID] = msg

	// Bound memory to avoid unbounded growth in dev.
	if len(p.msgs) > memMaxMessagesPerPair {
		drop := p.msgs[:len(p.msgs)-memMaxMessagesPerPair]
		for _, m := range drop {
			delete(s.byID, m.ID)
		}
		p.msgs = p.msgs[len(drop):]
	}

	return *msg, nil
}

// History returns messages between two users ordered by sent_at ASC,
// paging backwards via Before.
func (s *InMemoryStore) History(ctx context.Context, in HistoryInput) (HistoryResult, error) {
	if in.UserID == "" || in.PeerID == "" {
		return HistoryResult{}, errors.New("missing user pair")
	}
	if err := ctx.Err(); err != nil {
		return HistoryResult{}, err
	}

	limit := historyLimit(in.Limit)

	s.mu.Lock()
	p := s.pairs[newPairKey(in.UserID, in.PeerID)]
	var snap []Message
	if p != nil {
		snap = make([]Message, 0, len(p.msgs))
		for _, m := range p.msgs {
			snap = append(snap, *m)
		}
	}
	s.mu.Unlock()

	if len(snap) == 0 {
		return HistoryResult{}, nil
	}

	// Snapshot order is insertion order; re-sort in case clocks skewed.
	sort.Slice(snap, func(i, j int) bool { return snap[i].SentAt.Before(snap[j].SentAt) })

	end := len(snap)
	if in.Before != nil {
		end = sort.Search(len(snap), func(i int) bool { return !snap[i].SentAt.Before(*in.Before) })
	}
	if end == 0 {
		return HistoryResult{}, nil
	}

	start := end - limit
	hasMore := start > 0
	if start < 0 {
		start = 0
	}

	return HistoryResult{Messages: snap[start:end], HasMore: hasMore}, nil
}

// MarkSeen stamps every unseen message counterpart -> viewer with the given
// time. Already-seen rows are untouched, which makes the batch idempotent.
func (s *InMemoryStore) MarkSeen(ctx context.Context, viewerID, counterpartID string, at time.Time) (int64, error) {
	if viewerID == "" || counterpartID == "" {
		return 0, errors.New("missing user pair")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.pairs[newPairKey(viewerID, counterpartID)]
	if p == nil {
		return 0, nil
	}

	var n int64
	for _, m := range p.msgs {
		if m.Sender != counterpartID || m.Receiver != viewerID {
			continue
		}
		if m.SeenAt != nil {
			continue
		}
		ts := at
		m.SeenAt = &ts
		// Seen implies delivered: the viewer is reading on a live connection.
		if m.DeliveredAt == nil {
			m.DeliveredAt = &ts
		}
		n++
	}
	return n, nil
}

// SetReaction stores the given label verbatim. An empty label clears the
// reaction. Toggle semantics live client-side.
func (s *InMemoryStore) SetReaction(ctx context.Context, messageID, label string) (Message, error) {
	if messageID == "" {
		return Message{}, errors.New("missing message id")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[messageID]
	if !ok {
		return Message{}, ErrMessageNotFound
	}
	m.Reaction = label
	return *m, nil
}

// Partners lists userID's chat counterparts, newest conversation first, with
// unread (delivered-or-not, unseen) counts.
func (s *InMemoryStore) Partners(ctx context.Context, userID string) ([]Partner, error) {
	if userID == "" {
		return nil, errors.New("missing user id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	out := make([]Partner, 0, 8)
	for k, p := range s.pairs {
		var peer string
		switch userID {
		case k.a:
			peer = k.b
		case k.b:
			peer = k.a
		default:
			continue
		}
		if len(p.msgs) == 0 {
			continue
		}

		entry := Partner{PeerID: peer}
		for _, m := range p.msgs {
			if m.SentAt.After(entry.LastMessageAt) {
				entry.LastMessageAt = m.SentAt
			}
			if m.Receiver == userID && m.SeenAt == nil {
				entry.Unread++
			}
		}
		out = append(out, entry)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt.After(out[j].LastMessageAt) })
	return out, nil
}

func historyLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}

// InMemoryBlobStore is a BlobStore for dev and tests.
type InMemoryBlobStore struct {
	mu    sync.Mutex
	blobs map[string]memBlob
}

type memBlob struct {
	kind string
	data []byte
}

// NewInMemoryBlobStore constructs an in-memory BlobStore implementation.
func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{blobs: make(map[string]memBlob)}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryBlobStore) Close() error { return nil }

// Put stores the blob for messageID, replacing any previous one.
func (s *InMemoryBlobStore) Put(ctx context.Context, messageID, kind string, data io.Reader) (int64, error) {
	if messageID == "" {
		return 0, errors.New("missing message id")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(data, memMaxBlobBytes+1))
	if err != nil {
		return 0, err
	}
	if n > memMaxBlobBytes {
		return 0, errors.New("blob too large")
	}

	s.mu.Lock()
	s.blobs[messageID] = memBlob{kind: kind, data: buf.Bytes()}
	s.mu.Unlock()
	return n, nil
}

// Len reports the stored size for messageID, or -1 when absent.
func (s *InMemoryBlobStore) Len(messageID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[messageID]
	if !ok {
		return -1
	}
	return int64(len(b.data))
}
