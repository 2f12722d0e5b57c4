package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a MessageStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Expected table (schema "pulse" by default):
//
//	messages(id text PK, sender text, receiver text, text_body text,
//	         reply_to text NULL, reaction text NOT NULL DEFAULT '',
//	         file_kind text NOT NULL DEFAULT '',
//	         sent_at timestamptz, delivered_at timestamptz NULL,
//	         seen_at timestamptz NULL)
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "pulse").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed MessageStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "pulse",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

const messageColumns = `id, sender, receiver, text_body, reply_to, reaction, file_kind, sent_at, delivered_at, seen_at`

// CreateMessage inserts a message with its pre-computed stamps.
func (s *PostgresStore) CreateMessage(ctx context.Context, in CreateMessageInput) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("chat: nil store")
	}
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

	messages := pgIdent(s.schema, "messages")

	var replyTo any
	if in.ReplyTo != "" {
		replyTo = in.ReplyTo
	}

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+messages+` (id, sender, receiver, text_body, reply_to, reaction, file_kind, sent_at, delivered_at, seen_at)
		 VALUES ($1, $2, $3, $4, $5, '', $6, $7, $8, $9)`,
		in.ID, in.Sender, in.Receiver, in.Text, replyTo, in.FileKind, sentAt, in.DeliveredAt, in.SeenAt,
	); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	return Message{
		ID:          in.ID,
		Sender:      in.Sender,
		Receiver:    in.Receiver,
		Text:        in.Text,
		ReplyTo:     in.ReplyTo,
		FileKind:    in.FileKind,
		SentAt:      sentAt,
		DeliveredAt: in.DeliveredAt,
		SeenAt:      in.SeenAt,
	}, nil
}

// History returns messages between two users ordered by sent_at ASC,
// paging backwards via Before.
func (s *PostgresStore) History(ctx context.Context, in HistoryInput) (HistoryResult, error) {
	if s == nil || s.pool == nil {
		return HistoryResult{}, errors.New("chat: nil store")
	}
	if in.UserID == "" || in.PeerID == "" {
		return HistoryResult{}, errors.New("missing user pair")
	}
	if err := ctx.Err(); err != nil {
		return HistoryResult{}, err
	}

	limit := historyLimit(in.Limit)
	fetch := limit + 1

	messages := pgIdent(s.schema, "messages")

	var (
		rows pgx.Rows
		err  error
	)

	// Newest window first, then reversed to ASC for the caller.
	if in.Before == nil {
		rows, err = s.pool.Query(ctx,
			`SELECT `+messageColumns+`
			   FROM `+messages+`
			  WHERE (sender = $1 AND receiver = $2) OR (sender = $2 AND receiver = $1)
			  ORDER BY sent_at DESC, id DESC
			  LIMIT $3`,
			in.UserID, in.PeerID, fetch,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+messageColumns+`
			   FROM `+messages+`
			  WHERE ((sender = $1 AND receiver = $2) OR (sender = $2 AND receiver = $1))
			    AND sent_at < $3
			  ORDER BY sent_at DESC, id DESC
			  LIMIT $4`,
			in.UserID, in.PeerID, *in.Before, fetch,
		)
	}
	if err != nil {
		return HistoryResult{}, err
	}
	defer rows.Close()

	msgs := make([]Message, 0, fetch)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return HistoryResult{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return HistoryResult{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}

	// Reverse DESC window into ASC order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	return HistoryResult{Messages: msgs, HasMore: hasMore}, nil
}

// MarkSeen stamps every unseen message counterpart -> viewer. Seen implies
// delivered, so a null delivered_at is backfilled with the same stamp.
// Already-seen rows are untouched, which makes the batch idempotent.
func (s *PostgresStore) MarkSeen(ctx context.Context, viewerID, counterpartID string, at time.Time) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, errors.New("chat: nil store")
	}
	if viewerID == "" || counterpartID == "" {
		return 0, errors.New("missing user pair")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	messages := pgIdent(s.schema, "messages")

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+messages+`
		    SET seen_at = $3,
		        delivered_at = COALESCE(delivered_at, $3)
		  WHERE sender = $1 AND receiver = $2 AND seen_at IS NULL`,
		counterpartID, viewerID, at,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// SetReaction stores the label verbatim and returns the updated message.
func (s *PostgresStore) SetReaction(ctx context.Context, messageID, label string) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("chat: nil store")
	}
	if messageID == "" {
		return Message{}, errors.New("missing message id")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	messages := pgIdent(s.schema, "messages")

	row := s.pool.QueryRow(ctx,
		`UPDATE `+messages+`
		    SET reaction = $2
		  WHERE id = $1
		RETURNING `+messageColumns,
		messageID, label,
	)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrMessageNotFound
	}
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

// Partners lists userID's chat counterparts, newest conversation first, with
// unseen-inbound counts.
func (s *PostgresStore) Partners(ctx context.Context, userID string) ([]Partner, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil store")
	}
	if userID == "" {
		return nil, errors.New("missing user id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT peer,
		        MAX(sent_at) AS last_message_at,
		        COUNT(*) FILTER (WHERE receiver = $1 AND seen_at IS NULL) AS unread
		   FROM (
		        SELECT CASE WHEN sender = $1 THEN receiver ELSE sender END AS peer,
		               sender, receiver, sent_at, seen_at
		          FROM `+messages+`
		         WHERE sender = $1 OR receiver = $1
		   ) t
		  GROUP BY peer
		  ORDER BY last_message_at DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Partner, 0, 16)
	for rows.Next() {
		var p Partner
		if err := rows.Scan(&p.PeerID, &p.LastMessageAt, &p.Unread); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// scanMessage reads one message row in messageColumns order.
func scanMessage(row pgx.Row) (Message, error) {
	var (
		m       Message
		replyTo *string
	)
	if err := row.Scan(
		&m.ID,
		&m.Sender,
		&m.Receiver,
		&m.Text,
		&replyTo,
		&m.Reaction,
		&m.FileKind,
		&m.SentAt,
		&m.DeliveredAt,
		&m.SeenAt,
	); err != nil {
		return Message{}, err
	}
	if replyTo != nil {
		m.ReplyTo = *replyTo
	}
	return m, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
