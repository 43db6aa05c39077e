package social

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

// PostgresGraph is a GraphStore backed by PostgreSQL.
//
// Concurrency model: every transition takes transactional advisory locks on
// both user ids in sorted order, so concurrent accepts from both sides of a
// pair serialize deterministically and never deadlock.
type PostgresGraph struct {
	pool   *pgxpool.Pool
	schema string
}

// GraphOption configures PostgresGraph behavior.
type GraphOption func(*PostgresGraph) error

// WithGraphSchema sets the DB schema used by the graph store (default: "chattr").
func WithGraphSchema(schema string) GraphOption {
	return func(s *PostgresGraph) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("social: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("social: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresGraph constructs a Postgres-backed GraphStore.
func NewPostgresGraph(pool *pgxpool.Pool, opts ...GraphOption) (*PostgresGraph, error) {
	st := &PostgresGraph{pool: pool, schema: "chattr"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("social: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresGraph) Close() error { return nil }

func lockUsers(ctx context.Context, tx pgx.Tx, a, b string) error {
	first, second := SortPair(a, b)
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, first); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	if first == second {
		return nil
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, second); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	return nil
}

// RequestFollow inserts a pending edge from -> to.
func (s *PostgresGraph) RequestFollow(ctx context.Context, fromID, toID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return unavailable("social.RequestFollow", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockUsers(ctx, tx, fromID, toID); err != nil {
		return unavailable("social.RequestFollow", err)
	}

	edges := pgIdent(s.schema, "follow_edges")

	var state string
	err = tx.QueryRow(ctx,
		`SELECT state FROM `+edges+` WHERE from_id = $1 AND to_id = $2`,
		fromID, toID,
	).Scan(&state)
	switch {
	case err == nil && state == "accepted":
		return OpError{Op: "social.RequestFollow", Kind: ErrAlreadyAccepted}
	case err == nil:
		return tx.Commit(ctx) // already pending, idempotent
	case !errors.Is(err, pgx.ErrNoRows):
		return unavailable("social.RequestFollow", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+edges+` (from_id, to_id, state) VALUES ($1, $2, 'pending')
		 ON CONFLICT (from_id, to_id) DO NOTHING`,
		fromID, toID,
	); err != nil {
		return unavailable("social.RequestFollow", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return unavailable("social.RequestFollow", err)
	}
	return nil
}

// AcceptFollow promotes the pending edge and checks mutuality in one transaction.
func (s *PostgresGraph) AcceptFollow(ctx context.Context, toID, fromID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return false, unavailable("social.AcceptFollow", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockUsers(ctx, tx, toID, fromID); err != nil {
		return false, unavailable("social.AcceptFollow", err)
	}

	edges := pgIdent(s.schema, "follow_edges")

	ct, err := tx.Exec(ctx,
		`UPDATE `+edges+` SET state = 'accepted'
		  WHERE from_id = $1 AND to_id = $2 AND state = 'pending'`,
		fromID, toID,
	)
	if err != nil {
		return false, unavailable("social.AcceptFollow", err)
	}
	if ct.RowsAffected() == 0 {
		return false, OpError{Op: "social.AcceptFollow", Kind: ErrNoSuchRequest}
	}

	// Mutuality from confirmed state only: the reverse edge must be accepted.
	var one int
	err = tx.QueryRow(ctx,
		`SELECT 1 FROM `+edges+` WHERE from_id = $1 AND to_id = $2 AND state = 'accepted'`,
		toID, fromID,
	).Scan(&one)
	mutual := err == nil
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return false, unavailable("social.AcceptFollow", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, unavailable("social.AcceptFollow", err)
	}
	return mutual, nil
}

// RejectFollow drops the pending edge from -> to.
func (s *PostgresGraph) RejectFollow(ctx context.Context, toID, fromID string) error {
	return s.deleteEdge(ctx, "social.RejectFollow", fromID, toID, "pending", ErrNoSuchRequest)
}

// Unfollow removes the accepted edge from -> to. Conversations persist.
func (s *PostgresGraph) Unfollow(ctx context.Context, fromID, toID string) error {
	return s.deleteEdge(ctx, "social.Unfollow", fromID, toID, "accepted", ErrNotFound)
}

func (s *PostgresGraph) deleteEdge(ctx context.Context, op, fromID, toID, state string, missing error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return unavailable(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockUsers(ctx, tx, fromID, toID); err != nil {
		return unavailable(op, err)
	}

	edges := pgIdent(s.schema, "follow_edges")

	ct, err := tx.Exec(ctx,
		`DELETE FROM `+edges+` WHERE from_id = $1 AND to_id = $2 AND state = $3`,
		fromID, toID, state,
	)
	if err != nil {
		return unavailable(op, err)
	}
	if ct.RowsAffected() == 0 {
		return OpError{Op: op, Kind: missing}
	}

	if err := tx.Commit(ctx); err != nil {
		return unavailable(op, err)
	}
	return nil
}

// Entry assembles a user's full graph entry.
func (s *PostgresGraph) Entry(ctx context.Context, userID string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	edges := pgIdent(s.schema, "follow_edges")

	rows, err := s.pool.Query(ctx,
		`SELECT from_id, to_id, state FROM `+edges+`
		  WHERE from_id = $1 OR to_id = $1
		  ORDER BY from_id, to_id`,
		userID,
	)
	if err != nil {
		return Entry{}, unavailable("social.Entry", err)
	}
	defer rows.Close()

	e := Entry{UserID: userID}
	for rows.Next() {
		var from, to, state string
		if err := rows.Scan(&from, &to, &state); err != nil {
			return Entry{}, unavailable("social.Entry", err)
		}
		switch {
		case to == userID && state == "accepted":
			e.Followers = append(e.Followers, from)
		case to == userID && state == "pending":
			e.PendingIncoming = append(e.PendingIncoming, from)
		case from == userID && state == "accepted":
			e.Following = append(e.Following, to)
		}
	}
	if err := rows.Err(); err != nil {
		return Entry{}, unavailable("social.Entry", err)
	}
	return e, nil
}

// PostgresConversations is a ConversationStore backed by PostgreSQL.
// Exactly-once provisioning rests on the UNIQUE(pair_key) index: concurrent
// inserts for the same pair leave one row; the loser reads the winner's row.
type PostgresConversations struct {
	pool   *pgxpool.Pool
	schema string
}

// ConversationsOption configures PostgresConversations behavior.
type ConversationsOption func(*PostgresConversations) error

// WithConversationsSchema sets the DB schema (default: "chattr").
func WithConversationsSchema(schema string) ConversationsOption {
	return func(s *PostgresConversations) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("social: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("social: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresConversations constructs a Postgres-backed ConversationStore.
func NewPostgresConversations(pool *pgxpool.Pool, opts ...ConversationsOption) (*PostgresConversations, error) {
	st := &PostgresConversations{pool: pool, schema: "chattr"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("social: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresConversations) Close() error { return nil }

// CreateConversation inserts if absent; a pair-key conflict means another
// accept already provisioned the pair and is reported as created=false.
func (s *PostgresConversations) CreateConversation(ctx context.Context, id, userA, userB string, now time.Time) (Conversation, bool, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, false, err
	}
	if userA == userB {
		return Conversation{}, false, OpError{Op: "social.CreateConversation", Kind: ErrSelfFollow}
	}

	a, b := SortPair(userA, userB)
	key := PairKey(a, b)
	if now.IsZero() {
		now = time.Now().UTC()
	}

	conversations := pgIdent(s.schema, "conversations")

	ct, err := s.pool.Exec(ctx,
		`INSERT INTO `+conversations+` (id, pair_key, user_a, user_b, created_at, last_active_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (pair_key) DO NOTHING`,
		id, key, a, b, now,
	)
	if err != nil {
		return Conversation{}, false, unavailable("social.CreateConversation", err)
	}

	if ct.RowsAffected() == 1 {
		return Conversation{ID: id, PairKey: key, UserA: a, UserB: b, CreatedAt: now}, true, nil
	}

	var conv Conversation
	err = s.pool.QueryRow(ctx,
		`SELECT id, pair_key, user_a, user_b, created_at FROM `+conversations+` WHERE pair_key = $1`,
		key,
	).Scan(&conv.ID, &conv.PairKey, &conv.UserA, &conv.UserB, &conv.CreatedAt)
	if err != nil {
		return Conversation{}, false, unavailable("social.CreateConversation", err)
	}
	return conv, false, nil
}

// Conversation looks up a conversation by id.
func (s *PostgresConversations) Conversation(ctx context.Context, conversationID string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	conversations := pgIdent(s.schema, "conversations")

	var conv Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT id, pair_key, user_a, user_b, created_at FROM `+conversations+` WHERE id = $1`,
		conversationID,
	).Scan(&conv.ID, &conv.PairKey, &conv.UserA, &conv.UserB, &conv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, OpError{Op: "social.Conversation", Kind: ErrNotFound}
	}
	if err != nil {
		return Conversation{}, unavailable("social.Conversation", err)
	}
	return conv, nil
}

// ListFor returns the user's conversations, most recently active first.
func (s *PostgresConversations) ListFor(ctx context.Context, userID string) ([]InboxEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conversations := pgIdent(s.schema, "conversations")

	rows, err := s.pool.Query(ctx,
		`SELECT id, pair_key, user_a, user_b, created_at, last_active_at,
		        last_sender_id, last_text, last_media_kind, last_sent_at
		   FROM `+conversations+`
		  WHERE user_a = $1 OR user_b = $1
		  ORDER BY last_active_at DESC, created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, unavailable("social.ListFor", err)
	}
	defer rows.Close()

	var out []InboxEntry
	for rows.Next() {
		var (
			e         InboxEntry
			sender    *string
			text      *string
			mediaKind *string
			sentAt    *time.Time
		)
		if err := rows.Scan(
			&e.Conversation.ID,
			&e.Conversation.PairKey,
			&e.Conversation.UserA,
			&e.Conversation.UserB,
			&e.Conversation.CreatedAt,
			&e.LastActiveAt,
			&sender, &text, &mediaKind, &sentAt,
		); err != nil {
			return nil, unavailable("social.ListFor", err)
		}
		e.OtherID = e.Conversation.Other(userID)
		if sender != nil && sentAt != nil {
			p := Preview{SenderID: *sender, SentAt: *sentAt}
			if text != nil {
				p.Text = *text
			}
			if mediaKind != nil {
				p.MediaKind = *mediaKind
			}
			e.LastMessage = &p
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("social.ListFor", err)
	}
	return out, nil
}

// SetLastMessage refreshes the preview columns and bumps last_active_at.
func (s *PostgresConversations) SetLastMessage(ctx context.Context, conversationID string, p Preview) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	conversations := pgIdent(s.schema, "conversations")

	var conv Conversation
	err := s.pool.QueryRow(ctx,
		`UPDATE `+conversations+`
		    SET last_sender_id = $2,
		        last_text = $3,
		        last_media_kind = NULLIF($4, ''),
		        last_sent_at = $5,
		        last_active_at = $5
		  WHERE id = $1
		RETURNING id, pair_key, user_a, user_b, created_at`,
		conversationID, p.SenderID, p.Text, p.MediaKind, p.SentAt,
	).Scan(&conv.ID, &conv.PairKey, &conv.UserA, &conv.UserB, &conv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, OpError{Op: "social.SetLastMessage", Kind: ErrNotFound}
	}
	if err != nil {
		return Conversation{}, unavailable("social.SetLastMessage", err)
	}
	return conv, nil
}

func unavailable(op string, err error) error {
	return OpError{Op: op, Kind: ErrUnavailable, Msg: err.Error()}
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
