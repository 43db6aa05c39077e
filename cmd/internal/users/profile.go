// Package users keeps the profile directory: display data minted by the
// external identity provider, plus the user-editable display name and bio.
// It never handles credentials; authentication lives outside the core.
package users

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel error kinds.
var (
	ErrInvalidInput = errors.New("invalid_input")
	ErrNotFound     = errors.New("not_found")
	ErrUnavailable  = errors.New("unavailable")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsInvalidInput reports whether err represents ErrInvalidInput.
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }

// IsUnavailable reports whether err represents ErrUnavailable.
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }

// Profile is the read-mostly user record the core references.
// ID is the stable id assigned by the identity provider.
type Profile struct {
	ID          string
	DisplayName string
	AvatarURL   string
	Bio         string
	CreatedAt   time.Time
}

// UpdateInput edits the user-ownable profile fields. Nil means unchanged.
type UpdateInput struct {
	DisplayName *string
	Bio         *string
}

// Store is the profile persistence boundary.
//
// Requirements:
//   - Upsert is idempotent per id and never clobbers a user-edited
//     display name or bio with identity-provider defaults.
//   - Search matches case-insensitive display-name prefixes, excludes
//     excludeID, ordered by display name.
type Store interface {
	Upsert(ctx context.Context, p Profile) (Profile, error)
	Get(ctx context.Context, id string) (Profile, error)
	GetMany(ctx context.Context, ids []string) ([]Profile, error)
	Update(ctx context.Context, id string, in UpdateInput) (Profile, error)
	Search(ctx context.Context, prefix, excludeID string, limit int) ([]Profile, error)
	Close() error
}
