package users

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a profile Store backed by PostgreSQL.
// The pool is owned by the caller; Close is a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "chattr").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("users: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("users: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed profile Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "chattr"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("users: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Upsert inserts the profile if absent; an existing row only refreshes the
// avatar so user edits to name and bio survive identity-provider syncs.
func (s *PostgresStore) Upsert(ctx context.Context, p Profile) (Profile, error) {
	if strings.TrimSpace(p.ID) == "" {
		return Profile{}, OpError{Op: "users.Upsert", Kind: ErrInvalidInput, Msg: "missing id"}
	}
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}

	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if strings.TrimSpace(p.DisplayName) == "" {
		p.DisplayName = p.ID
	}

	profiles := pgIdent(s.schema, "profiles")

	row := s.pool.QueryRow(ctx,
		`INSERT INTO `+profiles+` (id, display_name, avatar_url, bio, created_at)
		 VALUES ($1, $2, $3, '', $4)
		 ON CONFLICT (id) DO UPDATE
		    SET avatar_url = CASE WHEN EXCLUDED.avatar_url <> '' THEN EXCLUDED.avatar_url
		                          ELSE `+profiles+`.avatar_url END
		RETURNING id, display_name, avatar_url, bio, created_at`,
		p.ID, p.DisplayName, p.AvatarURL, p.CreatedAt,
	)
	return scanProfile(row, "users.Upsert")
}

// Get returns one profile by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (Profile, error) {
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}

	profiles := pgIdent(s.schema, "profiles")

	var p Profile
	err := s.pool.QueryRow(ctx,
		`SELECT id, display_name, avatar_url, bio, created_at FROM `+profiles+` WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.DisplayName, &p.AvatarURL, &p.Bio, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, OpError{Op: "users.Get", Kind: ErrNotFound, Msg: id}
	}
	if err != nil {
		return Profile{}, OpError{Op: "users.Get", Kind: ErrUnavailable, Msg: err.Error()}
	}
	return p, nil
}

// GetMany returns the profiles that exist for ids.
func (s *PostgresStore) GetMany(ctx context.Context, ids []string) ([]Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	profiles := pgIdent(s.schema, "profiles")

	rows, err := s.pool.Query(ctx,
		`SELECT id, display_name, avatar_url, bio, created_at FROM `+profiles+` WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, OpError{Op: "users.GetMany", Kind: ErrUnavailable, Msg: err.Error()}
	}
	defer rows.Close()

	byID := make(map[string]Profile, len(ids))
	for rows.Next() {
		p, err := scanProfile(rows, "users.GetMany")
		if err != nil {
			return nil, err
		}
		byID[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, OpError{Op: "users.GetMany", Kind: ErrUnavailable, Msg: err.Error()}
	}

	out := make([]Profile, 0, len(byID))
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// Update edits display name and/or bio.
func (s *PostgresStore) Update(ctx context.Context, id string, in UpdateInput) (Profile, error) {
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}
	if in.DisplayName != nil && strings.TrimSpace(*in.DisplayName) == "" {
		return Profile{}, OpError{Op: "users.Update", Kind: ErrInvalidInput, Msg: "empty display name"}
	}

	profiles := pgIdent(s.schema, "profiles")

	var p Profile
	err := s.pool.QueryRow(ctx,
		`UPDATE `+profiles+`
		    SET display_name = COALESCE($2, display_name),
		        bio = COALESCE($3, bio)
		  WHERE id = $1
		RETURNING id, display_name, avatar_url, bio, created_at`,
		id, trimPtr(in.DisplayName), trimPtr(in.Bio),
	).Scan(&p.ID, &p.DisplayName, &p.AvatarURL, &p.Bio, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, OpError{Op: "users.Update", Kind: ErrNotFound, Msg: id}
	}
	if err != nil {
		return Profile{}, OpError{Op: "users.Update", Kind: ErrUnavailable, Msg: err.Error()}
	}
	return p, nil
}

// Search matches case-insensitive display-name prefixes, excluding excludeID.
func (s *PostgresStore) Search(ctx context.Context, prefix, excludeID string, limit int) ([]Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	needle := strings.TrimSpace(prefix)
	if needle == "" {
		return nil, nil
	}

	profiles := pgIdent(s.schema, "profiles")

	rows, err := s.pool.Query(ctx,
		`SELECT id, display_name, avatar_url, bio, created_at
		   FROM `+profiles+`
		  WHERE lower(display_name) LIKE lower($1) || '%' AND id <> $2
		  ORDER BY display_name
		  LIMIT $3`,
		needle, excludeID, limit,
	)
	if err != nil {
		return nil, OpError{Op: "users.Search", Kind: ErrUnavailable, Msg: err.Error()}
	}
	defer rows.Close()

	var out []Profile
	for rows.Next() {
		p, err := scanProfile(rows, "users.Search")
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, OpError{Op: "users.Search", Kind: ErrUnavailable, Msg: err.Error()}
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner, op string) (Profile, error) {
	var p Profile
	if err := row.Scan(&p.ID, &p.DisplayName, &p.AvatarURL, &p.Bio, &p.CreatedAt); err != nil {
		return Profile{}, OpError{Op: op, Kind: ErrUnavailable, Msg: err.Error()}
	}
	return p, nil
}

func trimPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
