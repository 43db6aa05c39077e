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

	"github.com/rahul-sharma-alx/chattr/cmd/internal/ids"
)

// PostgresStore is a MessageStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Uses per-conversation transactional advisory locks to guarantee:
//   - No sequence gaps caused by duplicates
//   - Strict monotonic ordering under concurrency
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "chattr").
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
		schema: "chattr",
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

// Append appends a message with idempotency and monotonic sequence allocation.
func (s *PostgresStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	if s == nil || s.pool == nil {
		return AppendResult{}, OpError{Op: "chat.Append", Kind: ErrUnavailable, Msg: "nil store"}
	}
	if in.ConversationID == "" || in.ClientMsgID == "" || in.SenderID == "" {
		return AppendResult{}, OpError{Op: "chat.Append", Kind: ErrInvalidMessage, Msg: "missing ids"}
	}
	if err := validateContent(in.Text, in.Media); err != nil {
		return AppendResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
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
		return AppendResult{}, unavailable("chat.Append", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cursors := pgIdent(s.schema, "conversation_cursors")
	messages := pgIdent(s.schema, "messages")

	// Serialize all writes per conversation to guarantee:
	// - No seq waste for duplicates
	// - Strict monotonic ordering without races
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.ConversationID); err != nil {
		return AppendResult{}, unavailable("chat.Append", fmt.Errorf("advisory lock: %w", err))
	}

	existing, err := readMessageByClientMsgID(ctx, tx, messages, in.ConversationID, in.ClientMsgID)
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return AppendResult{}, unavailable("chat.Append", err)
		}
		return AppendResult{Stored: existing, Duplicated: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return AppendResult{}, unavailable("chat.Append", err)
	}

	if in.ReplyTo != "" {
		var one int
		err := tx.QueryRow(ctx,
			`SELECT 1 FROM `+messages+` WHERE conversation_id = $1 AND id = $2`,
			in.ConversationID, in.ReplyTo,
		).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return AppendResult{}, OpError{Op: "chat.Append", Kind: ErrInvalidMessage, Msg: "reply_to not in conversation"}
		}
		if err != nil {
			return AppendResult{}, unavailable("chat.Append", err)
		}
	}

	// Cursor row ensures monotonic seq allocation.
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+cursors+` (conversation_id, next_seq)
		 VALUES ($1, 1)
		 ON CONFLICT (conversation_id) DO NOTHING`,
		in.ConversationID,
	); err != nil {
		return AppendResult{}, unavailable("chat.Append", err)
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`UPDATE `+cursors+`
		    SET next_seq = next_seq + 1,
		        updated_at = now()
		  WHERE conversation_id = $1
		RETURNING (next_seq - 1)`,
		in.ConversationID,
	).Scan(&seq); err != nil {
		return AppendResult{}, unavailable("chat.Append", err)
	}

	msgID, err := ids.NewULID(now)
	if err != nil {
		return AppendResult{}, unavailable("chat.Append", err)
	}

	var mediaURL, mediaKind *string
	if in.Media != nil {
		mediaURL, mediaKind = &in.Media.URL, &in.Media.Kind
	}
	var replyTo *string
	if in.ReplyTo != "" {
		replyTo = &in.ReplyTo
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     conversation_id, seq, id, client_msg_id, sender_id, text, media_url, media_kind, reply_to, sent_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		in.ConversationID, seq, msgID, in.ClientMsgID, in.SenderID, in.Text, mediaURL, mediaKind, replyTo, now,
	); err != nil {
		return AppendResult{}, unavailable("chat.Append", fmt.Errorf("insert message: %w", err))
	}

	out := Message{
		ID:             msgID,
		ConversationID: in.ConversationID,
		ClientMsgID:    in.ClientMsgID,
		Seq:            seq,
		SenderID:       in.SenderID,
		Text:           in.Text,
		ReplyTo:        in.ReplyTo,
		SentAt:         now,
	}
	if in.Media != nil {
		mr := *in.Media
		out.Media = &mr
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendResult{}, unavailable("chat.Append", err)
	}
	return AppendResult{Stored: out, Duplicated: false}, nil
}

// ApplyReaction upserts the reactor's emoji and returns the updated message.
func (s *PostgresStore) ApplyReaction(ctx context.Context, conversationID, messageID, reactorID, emoji string) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, OpError{Op: "chat.React", Kind: ErrUnavailable, Msg: "nil store"}
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Message{}, unavailable("chat.React", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	messages := pgIdent(s.schema, "messages")
	reactions := pgIdent(s.schema, "message_reactions")

	// Same lane as Append so subscribers observe reaction merges in a single
	// per-conversation order.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, conversationID); err != nil {
		return Message{}, unavailable("chat.React", err)
	}

	msg, err := readMessageByID(ctx, tx, messages, conversationID, messageID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, OpError{Op: "chat.React", Kind: ErrNotFound, Msg: "unknown message"}
	}
	if err != nil {
		return Message{}, unavailable("chat.React", err)
	}

	// One reaction per reactor; a repeat overwrites, never accumulates.
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+reactions+` (message_id, reactor_id, emoji)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (message_id, reactor_id) DO UPDATE SET emoji = EXCLUDED.emoji`,
		messageID, reactorID, emoji,
	); err != nil {
		return Message{}, unavailable("chat.React", err)
	}

	rows, err := tx.Query(ctx,
		`SELECT reactor_id, emoji FROM `+reactions+` WHERE message_id = $1`,
		messageID,
	)
	if err != nil {
		return Message{}, unavailable("chat.React", err)
	}
	msg.Reactions = make(map[string]string, 4)
	for rows.Next() {
		var reactor, em string
		if err := rows.Scan(&reactor, &em); err != nil {
			rows.Close()
			return Message{}, unavailable("chat.React", err)
		}
		msg.Reactions[reactor] = em
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Message{}, unavailable("chat.React", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, unavailable("chat.React", err)
	}
	return msg, nil
}

// List returns the conversation log ordered by seq ASC with reactions attached.
func (s *PostgresStore) List(ctx context.Context, conversationID string) ([]Message, error) {
	if s == nil || s.pool == nil {
		return nil, OpError{Op: "chat.List", Kind: ErrUnavailable, Msg: "nil store"}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	messages := pgIdent(s.schema, "messages")
	reactions := pgIdent(s.schema, "message_reactions")

	rows, err := s.pool.Query(ctx,
		`SELECT conversation_id, seq, id, client_msg_id, sender_id, text, media_url, media_kind, reply_to, sent_at
		   FROM `+messages+`
		  WHERE conversation_id = $1
		  ORDER BY seq ASC`,
		conversationID,
	)
	if err != nil {
		return nil, unavailable("chat.List", err)
	}
	defer rows.Close()

	var out []Message
	index := make(map[string]int)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, unavailable("chat.List", err)
		}
		index[m.ID] = len(out)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("chat.List", err)
	}
	if len(out) == 0 {
		return nil, nil
	}

	rrows, err := s.pool.Query(ctx,
		`SELECT r.message_id, r.reactor_id, r.emoji
		   FROM `+reactions+` r
		   JOIN `+messages+` m ON m.id = r.message_id
		  WHERE m.conversation_id = $1`,
		conversationID,
	)
	if err != nil {
		return nil, unavailable("chat.List", err)
	}
	defer rrows.Close()

	for rrows.Next() {
		var msgID, reactor, emoji string
		if err := rrows.Scan(&msgID, &reactor, &emoji); err != nil {
			return nil, unavailable("chat.List", err)
		}
		i, ok := index[msgID]
		if !ok {
			continue
		}
		if out[i].Reactions == nil {
			out[i].Reactions = make(map[string]string, 4)
		}
		out[i].Reactions[reactor] = emoji
	}
	if err := rrows.Err(); err != nil {
		return nil, unavailable("chat.List", err)
	}

	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		m         Message
		mediaURL  *string
		mediaKind *string
		replyTo   *string
	)
	err := row.Scan(
		&m.ConversationID,
		&m.Seq,
		&m.ID,
		&m.ClientMsgID,
		&m.SenderID,
		&m.Text,
		&mediaURL,
		&mediaKind,
		&replyTo,
		&m.SentAt,
	)
	if err != nil {
		return Message{}, err
	}
	if mediaURL != nil && mediaKind != nil {
		m.Media = &MediaRef{URL: *mediaURL, Kind: *mediaKind}
	}
	if replyTo != nil {
		m.ReplyTo = *replyTo
	}
	return m, nil
}

func readMessageByClientMsgID(ctx context.Context, tx pgx.Tx, messagesTable, conversationID, clientMsgID string) (Message, error) {
	row := tx.QueryRow(ctx,
		`SELECT conversation_id, seq, id, client_msg_id, sender_id, text, media_url, media_kind, reply_to, sent_at
		   FROM `+messagesTable+`
		  WHERE conversation_id = $1 AND client_msg_id = $2`,
		conversationID, clientMsgID,
	)
	return scanMessage(row)
}

func readMessageByID(ctx context.Context, tx pgx.Tx, messagesTable, conversationID, messageID string) (Message, error) {
	row := tx.QueryRow(ctx,
		`SELECT conversation_id, seq, id, client_msg_id, sender_id, text, media_url, media_kind, reply_to, sent_at
		   FROM `+messagesTable+`
		  WHERE conversation_id = $1 AND id = $2`,
		conversationID, messageID,
	)
	return scanMessage(row)
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
