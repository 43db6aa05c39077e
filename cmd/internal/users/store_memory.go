package users

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

const defaultSearchLimit = 20

// InMemoryStore is the dev fallback profile store.
type InMemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewInMemoryStore constructs an in-memory profile Store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{profiles: make(map[string]Profile)}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// Upsert inserts the profile if absent. For an existing profile only the
// avatar is refreshed; display name and bio stay user-owned.
func (s *InMemoryStore) Upsert(ctx context.Context, p Profile) (Profile, error) {
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}
	if strings.TrimSpace(p.ID) == "" {
		return Profile{}, OpError{Op: "users.Upsert", Kind: ErrInvalidInput, Msg: "missing id"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.profiles[p.ID]; ok {
		if p.AvatarURL != "" {
			existing.AvatarURL = p.AvatarURL
		}
		s.profiles[p.ID] = existing
		return existing, nil
	}

	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if strings.TrimSpace(p.DisplayName) == "" {
		p.DisplayName = p.ID
	}
	s.profiles[p.ID] = p
	return p, nil
}

// Get returns one profile by id.
func (s *InMemoryStore) Get(ctx context.Context, id string) (Profile, error) {
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[id]
	if !ok {
		return Profile{}, OpError{Op: "users.Get", Kind: ErrNotFound, Msg: id}
	}
	return p, nil
}

// GetMany returns the profiles that exist for ids, in input order.
func (s *InMemoryStore) GetMany(ctx context.Context, ids []string) ([]Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Profile, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.profiles[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// Update edits display name and/or bio.
func (s *InMemoryStore) Update(ctx context.Context, id string, in UpdateInput) (Profile, error) {
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[id]
	if !ok {
		return Profile{}, OpError{Op: "users.Update", Kind: ErrNotFound, Msg: id}
	}
	if in.DisplayName != nil {
		name := strings.TrimSpace(*in.DisplayName)
		if name == "" {
			return Profile{}, OpError{Op: "users.Update", Kind: ErrInvalidInput, Msg: "empty display name"}
		}
		p.DisplayName = name
	}
	if in.Bio != nil {
		p.Bio = strings.TrimSpace(*in.Bio)
	}
	s.profiles[id] = p
	return p, nil
}

// Search matches case-insensitive display-name prefixes.
func (s *InMemoryStore) Search(ctx context.Context, prefix, excludeID string, limit int) ([]Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	needle := strings.ToLower(strings.TrimSpace(prefix))
	if needle == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Profile
	for _, p := range s.profiles {
		if p.ID == excludeID {
			continue
		}
		if strings.HasPrefix(strings.ToLower(p.DisplayName), needle) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayName < out[j].DisplayName })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
