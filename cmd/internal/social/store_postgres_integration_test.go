package social

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when CHATTR_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresGraph_FollowLifecycle(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	mustApplySchema(t, pool, schema)

	store, err := NewPostgresGraph(pool, WithGraphSchema(schema))
	if err != nil {
		t.Fatalf("new graph store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	// Request is idempotent while pending.
	if err := store.RequestFollow(ctx, "alice", "bob"); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := store.RequestFollow(ctx, "alice", "bob"); err != nil {
		t.Fatalf("repeat request: %v", err)
	}

	e, err := store.Entry(ctx, "bob")
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	if len(e.PendingIncoming) != 1 || e.PendingIncoming[0] != "alice" {
		t.Fatalf("pending=%v", e.PendingIncoming)
	}

	// One-way accept is not mutual.
	mutual, err := store.AcceptFollow(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if mutual {
		t.Fatalf("one-way accept reported mutual")
	}

	// Requesting an already accepted edge fails.
	if err := store.RequestFollow(ctx, "alice", "bob"); !IsAlreadyAccepted(err) {
		t.Fatalf("want already accepted, got %v", err)
	}

	// The reverse accept completes the pair and reports mutuality.
	if err := store.RequestFollow(ctx, "bob", "alice"); err != nil {
		t.Fatalf("reverse request: %v", err)
	}
	mutual, err = store.AcceptFollow(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("reverse accept: %v", err)
	}
	if !mutual {
		t.Fatalf("mutual accept not detected")
	}

	// Unfollow drops one direction only.
	if err := store.Unfollow(ctx, "alice", "bob"); err != nil {
		t.Fatalf("unfollow: %v", err)
	}
	e, err = store.Entry(ctx, "alice")
	if err != nil {
		t.Fatalf("entry alice: %v", err)
	}
	if len(e.Following) != 0 {
		t.Fatalf("following after unfollow=%v", e.Following)
	}
	if len(e.Followers) != 1 || e.Followers[0] != "bob" {
		t.Fatalf("followers after unfollow=%v", e.Followers)
	}

	if err := store.Unfollow(ctx, "alice", "bob"); !IsNotFound(err) {
		t.Fatalf("repeat unfollow: want not found, got %v", err)
	}
}

func TestPostgresGraph_RejectFollow(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	mustApplySchema(t, pool, schema)

	store, err := NewPostgresGraph(pool, WithGraphSchema(schema))
	if err != nil {
		t.Fatalf("new graph store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := store.RejectFollow(ctx, "bob", "alice"); !IsNoSuchRequest(err) {
		t.Fatalf("reject without request: want no such request, got %v", err)
	}

	if err := store.RequestFollow(ctx, "alice", "bob"); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := store.RejectFollow(ctx, "bob", "alice"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	// A rejected request can be re-sent.
	if err := store.RequestFollow(ctx, "alice", "bob"); err != nil {
		t.Fatalf("re-request: %v", err)
	}
}

func TestPostgresConversations_CreateExactlyOnce(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	mustApplySchema(t, pool, schema)

	store, err := NewPostgresConversations(pool, WithConversationsSchema(schema))
	if err != nil {
		t.Fatalf("new conversations store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	const n = 16

	var wg sync.WaitGroup
	wg.Add(n)

	type result struct {
		conv    Conversation
		created bool
		err     error
	}
	results := make(chan result, n)

	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 1 {
				a, b = b, a
			}
			conv, created, err := store.CreateConversation(ctx,
				fmt.Sprintf("conv-%d-%s", i, randomHexSocial(6)), a, b, time.Now().UTC())
			results <- result{conv: conv, created: created, err: err}
		}()
	}
	wg.Wait()
	close(results)

	var winners int
	var id string
	for r := range results {
		if r.err != nil {
			t.Fatalf("create: %v", r.err)
		}
		if r.created {
			winners++
		}
		if id == "" {
			id = r.conv.ID
		} else if r.conv.ID != id {
			t.Fatalf("divergent conversation ids: %s vs %s", id, r.conv.ID)
		}
	}
	if winners != 1 {
		t.Fatalf("created=%d want=1", winners)
	}

	conv, err := store.Conversation(ctx, id)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if conv.UserA != "alice" || conv.UserB != "bob" {
		t.Fatalf("pair not canonical: %q,%q", conv.UserA, conv.UserB)
	}
	if conv.PairKey != PairKey("alice", "bob") {
		t.Fatalf("pair key=%q", conv.PairKey)
	}
}

func TestPostgresConversations_ListAndPreview(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	mustApplySchema(t, pool, schema)

	store, err := NewPostgresConversations(pool, WithConversationsSchema(schema))
	if err != nil {
		t.Fatalf("new conversations store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	base := time.Now().UTC().Truncate(time.Microsecond)

	c1, _, err := store.CreateConversation(ctx, "conv-"+randomHexSocial(6), "alice", "bob", base.Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("create c1: %v", err)
	}
	c2, _, err := store.CreateConversation(ctx, "conv-"+randomHexSocial(6), "alice", "carol", base.Add(-1*time.Hour))
	if err != nil {
		t.Fatalf("create c2: %v", err)
	}

	// A message in the older conversation bumps it to the top.
	sent := base
	conv, err := store.SetLastMessage(ctx, c1.ID, Preview{
		SenderID: "bob",
		Text:     "ping",
		SentAt:   sent,
	})
	if err != nil {
		t.Fatalf("set last message: %v", err)
	}
	if conv.ID != c1.ID {
		t.Fatalf("set last message returned %q", conv.ID)
	}

	entries, err := store.ListFor(ctx, "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries=%d", len(entries))
	}
	if entries[0].Conversation.ID != c1.ID || entries[1].Conversation.ID != c2.ID {
		t.Fatalf("order=[%s %s]", entries[0].Conversation.ID, entries[1].Conversation.ID)
	}
	if entries[0].OtherID != "bob" || entries[1].OtherID != "carol" {
		t.Fatalf("other ids=[%s %s]", entries[0].OtherID, entries[1].OtherID)
	}

	top := entries[0]
	if top.LastMessage == nil || top.LastMessage.Text != "ping" || top.LastMessage.SenderID != "bob" {
		t.Fatalf("preview=%+v", top.LastMessage)
	}
	if !top.LastActiveAt.Equal(sent) {
		t.Fatalf("last active=%v want=%v", top.LastActiveAt, sent)
	}

	if _, err := store.SetLastMessage(ctx, "no-such", Preview{SenderID: "x", Text: "y", SentAt: sent}); !IsNotFound(err) {
		t.Fatalf("unknown conversation: want not found, got %v", err)
	}
}

// ---- test helpers ----

func randomHexSocial(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("CHATTR_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: CHATTR_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse CHATTR_DATABASE_URL: %v", err)
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

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "chattr_it_" + strings.ToLower(randomHexSocial(8))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func mustApplySchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	edges := pgIdent(schema, "follow_edges")
	conversations := pgIdent(schema, "conversations")

	// Minimal schema required by the graph and conversation stores.
	// Must remain semantically aligned with tools/db/schema.sql.
	schemaSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  from_id    TEXT NOT NULL,
  to_id      TEXT NOT NULL,
  state      TEXT NOT NULL CHECK (state IN ('pending', 'accepted')),
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

  PRIMARY KEY (from_id, to_id),
  CONSTRAINT chk_follow_edges_no_self CHECK (from_id <> to_id)
);

CREATE INDEX IF NOT EXISTS idx_follow_edges_to_state ON %s (to_id, state);

CREATE TABLE IF NOT EXISTS %s (
  id              TEXT PRIMARY KEY,
  pair_key        TEXT NOT NULL,
  user_a          TEXT NOT NULL,
  user_b          TEXT NOT NULL,
  created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
  last_active_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
  last_sender_id  TEXT,
  last_text       TEXT,
  last_media_kind TEXT,
  last_sent_at    TIMESTAMPTZ,

  CONSTRAINT uq_conversations_pair_key UNIQUE (pair_key),
  CONSTRAINT chk_conversations_pair_order CHECK (user_a < user_b)
);

CREATE INDEX IF NOT EXISTS idx_conversations_user_a ON %s (user_a);
CREATE INDEX IF NOT EXISTS idx_conversations_user_b ON %s (user_b);
`, edges, edges, conversations, conversations, conversations)

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
}
