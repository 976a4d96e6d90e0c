package realtime

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

// PostgresStore is a Repository backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Appends lock the channel row (SELECT ... FOR UPDATE), which serialises
//     seq allocation per channel without blocking other channels.
//   - Duplicates are detected under that lock, so they never consume a seq.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "chatroomz").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Repository.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "chatroomz",
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
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the schema and tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errors.New("realtime: nil store")
	}
	_, err := s.pool.Exec(ctx, postgresSchemaSQL(s.schema))
	return err
}

func postgresSchemaSQL(schema string) string {
	sch := pgx.Identifier{schema}.Sanitize()
	channels := pgIdent(schema, "channels")
	messages := pgIdent(schema, "messages")

	return `
CREATE SCHEMA IF NOT EXISTS ` + sch + `;

CREATE TABLE IF NOT EXISTS ` + channels + ` (
	id         BIGSERIAL PRIMARY KEY,
	name       TEXT NOT NULL,
	next_seq   BIGINT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ` + messages + ` (
	channel_id    BIGINT NOT NULL REFERENCES ` + channels + ` (id) ON DELETE CASCADE,
	seq           BIGINT NOT NULL,
	server_msg_id TEXT NOT NULL UNIQUE,
	client_msg_id TEXT NOT NULL,
	sender_name   TEXT NOT NULL,
	text          TEXT NOT NULL,
	sent_at       TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (channel_id, seq),
	UNIQUE (channel_id, client_msg_id)
);`
}

// CreateChannel inserts a channel and returns it with its assigned id.
func (s *PostgresStore) CreateChannel(ctx context.Context, name string, now time.Time) (Channel, error) {
	if s == nil || s.pool == nil {
		return Channel{}, errors.New("realtime: nil store")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Channel{}, invalid("name", "required")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	ch := Channel{Name: name}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+pgIdent(s.schema, "channels")+` (name, created_at) VALUES ($1, $2)
		 RETURNING id, created_at`,
		name, now,
	).Scan(&ch.ID, &ch.CreatedAt)
	if err != nil {
		return Channel{}, err
	}
	return ch, nil
}

// ListChannels returns every channel ordered by id.
func (s *PostgresStore) ListChannels(ctx context.Context) ([]Channel, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("realtime: nil store")
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, name, created_at FROM `+pgIdent(s.schema, "channels")+` ORDER BY id ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Channel
	for rows.Next() {
		var ch Channel
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// GetChannel returns the channel metadata or ErrChannelNotFound.
func (s *PostgresStore) GetChannel(ctx context.Context, id ChannelID) (Channel, error) {
	if s == nil || s.pool == nil {
		return Channel{}, errors.New("realtime: nil store")
	}

	var ch Channel
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at FROM `+pgIdent(s.schema, "channels")+` WHERE id = $1`,
		id,
	).Scan(&ch.ID, &ch.Name, &ch.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Channel{}, ErrChannelNotFound
	}
	if err != nil {
		return Channel{}, err
	}
	return ch, nil
}

// AppendMessage appends a message with idempotency and monotonic sequence allocation.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if s == nil || s.pool == nil {
		return AppendMessageResult{}, errors.New("realtime: nil store")
	}
	if err := validateAppend(in); err != nil {
		return AppendMessageResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendMessageResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	channels := pgIdent(s.schema, "channels")
	messages := pgIdent(s.schema, "messages")

	var locked int64
	err = tx.QueryRow(ctx, `SELECT id FROM `+channels+` WHERE id = $1 FOR UPDATE`, in.ChannelID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return AppendMessageResult{}, ErrChannelNotFound
	}
	if err != nil {
		return AppendMessageResult{}, fmt.Errorf("lock channel: %w", err)
	}

	existing, err := readMessageByClientMsgID(ctx, tx, messages, in.ChannelID, in.ClientMsgID)
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return AppendMessageResult{}, err
		}
		return AppendMessageResult{Stored: existing, Duplicated: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return AppendMessageResult{}, err
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`UPDATE `+channels+`
		    SET next_seq = next_seq + 1
		  WHERE id = $1
		RETURNING (next_seq - 1)`,
		in.ChannelID,
	).Scan(&seq); err != nil {
		return AppendMessageResult{}, err
	}

	serverMsgID, err := NewServerMsgID(now)
	if err != nil {
		return AppendMessageResult{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     channel_id, seq, server_msg_id, client_msg_id, sender_name, text, sent_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		in.ChannelID, seq, serverMsgID, in.ClientMsgID, in.SenderName, in.Text, now,
	); err != nil {
		return AppendMessageResult{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendMessageResult{}, err
	}

	return AppendMessageResult{Stored: Message{
		ChannelID:   in.ChannelID,
		ClientMsgID: in.ClientMsgID,
		ServerMsgID: serverMsgID,
		Seq:         seq,
		SenderName:  in.SenderName,
		Text:        in.Text,
		SentAt:      now,
	}}, nil
}

// FetchHistory returns messages ordered by seq ASC, with optional paging by AfterSeq.
func (s *PostgresStore) FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error) {
	if s == nil || s.pool == nil {
		return FetchHistoryResult{}, errors.New("realtime: nil store")
	}
	if in.ChannelID <= 0 {
		return FetchHistoryResult{}, invalid("channel_id", "must be positive")
	}
	if err := ctx.Err(); err != nil {
		return FetchHistoryResult{}, err
	}

	limit := clampHistoryLimit(in.Limit)
	fetch := limit + 1

	after := int64(0)
	if in.AfterSeq != nil {
		after = *in.AfterSeq
	}

	rows, err := s.pool.Query(ctx,
		`SELECT channel_id, client_msg_id, server_msg_id, seq, sender_name, text, sent_at
		   FROM `+pgIdent(s.schema, "messages")+`
		  WHERE channel_id = $1 AND seq > $2
		  ORDER BY seq ASC
		  LIMIT $3`,
		in.ChannelID, after, fetch,
	)
	if err != nil {
		return FetchHistoryResult{}, err
	}
	defer rows.Close()

	msgs := make([]Message, 0, fetch)
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.ChannelID,
			&m.ClientMsgID,
			&m.ServerMsgID,
			&m.Seq,
			&m.SenderName,
			&m.Text,
			&m.SentAt,
		); err != nil {
			return FetchHistoryResult{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return FetchHistoryResult{}, err
	}

	if len(msgs) == 0 {
		if _, err := s.GetChannel(ctx, in.ChannelID); err != nil {
			return FetchHistoryResult{}, err
		}
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}

	return FetchHistoryResult{Messages: msgs, HasMore: hasMore}, nil
}

func readMessageByClientMsgID(ctx context.Context, tx pgx.Tx, messagesTable string, channelID ChannelID, clientMsgID string) (Message, error) {
	var m Message
	err := tx.QueryRow(ctx,
		`SELECT channel_id, client_msg_id, server_msg_id, seq, sender_name, text, sent_at
		   FROM `+messagesTable+`
		  WHERE channel_id = $1 AND client_msg_id = $2`,
		channelID, clientMsgID,
	).Scan(&m.ChannelID, &m.ClientMsgID, &m.ServerMsgID, &m.Seq, &m.SenderName, &m.Text, &m.SentAt)
	return m, err
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

var _ Repository = (*PostgresStore)(nil)
