package realtime

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"chatroomz/cmd/internal/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when CHATROOMZ_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore(t *testing.T) {
	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)

	testRepository(t, func(t *testing.T) Repository {
		return mustNewStore(t, pool)
	})
}

func TestPostgresStore_Dedupe_SingleRow(t *testing.T) {
	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)

	store := mustNewStore(t, pool)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ch, err := store.CreateChannel(ctx, "dedupe", time.Now().UTC())
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := store.AppendMessage(ctx, AppendMessageInput{
			ChannelID:   ch.ID,
			ClientMsgID: "cmsg-same",
			SenderName:  "alice",
			Text:        "hello",
			Now:         time.Now().UTC(),
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	var cnt int
	if err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+pgIdent(store.schema, "messages")+` WHERE channel_id = $1`,
		ch.ID,
	).Scan(&cnt); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if cnt != 1 {
		t.Fatalf("expected 1 message row, got %d", cnt)
	}

	var nextSeq int64
	if err := pool.QueryRow(ctx,
		`SELECT next_seq FROM `+pgIdent(store.schema, "channels")+` WHERE id = $1`,
		ch.ID,
	).Scan(&nextSeq); err != nil {
		t.Fatalf("read next_seq: %v", err)
	}
	if nextSeq != 2 {
		t.Fatalf("duplicates must not consume seq: next_seq=%d", nextSeq)
	}
}

// ---- test helpers ----

// mustNewStore creates a store in a fresh schema that is dropped on cleanup.
func mustNewStore(t *testing.T, pool *pgxpool.Pool) *PostgresStore {
	t.Helper()

	schema := "chatroomz_it_" + strings.ToLower(ids.MustULID(time.Now()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	})

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()
	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return st
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("CHATROOMZ_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: CHATROOMZ_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse CHATROOMZ_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}
