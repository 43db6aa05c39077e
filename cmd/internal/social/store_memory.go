package social

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryGraph is the dev fallback GraphStore and the reference
// implementation the tests run against.
//
// The mutex is short-held map bookkeeping only; transition atomicity for the
// two-user accept comes from doing the whole transition under it, and the
// per-user publish ordering lives in the graph service lanes.
type InMemoryGraph struct {
	mu    sync.Mutex
	edges map[[2]string]edgeState // [from, to] -> state
}

type edgeState uint8

const (
	edgePending edgeState = iota + 1
	edgeAccepted
)

// NewInMemoryGraph constructs an in-memory GraphStore.
func NewInMemoryGraph() *InMemoryGraph {
	return &InMemoryGraph{edges: make(map[[2]string]edgeState)}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryGraph) Close() error { return nil }

// RequestFollow inserts a pending edge from -> to.
func (s *InMemoryGraph) RequestFollow(ctx context.Context, fromID, toID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := [2]string{fromID, toID}
	switch s.edges[key] {
	case edgeAccepted:
		return OpError{Op: "social.RequestFollow", Kind: ErrAlreadyAccepted}
	case edgePending:
		return nil // idempotent
	}
	s.edges[key] = edgePending
	return nil
}

// AcceptFollow promotes the pending edge from -> to and reports whether the
// reverse edge is also accepted after the transition.
func (s *InMemoryGraph) AcceptFollow(ctx context.Context, toID, fromID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := [2]string{fromID, toID}
	if s.edges[key] != edgePending {
		return false, OpError{Op: "social.AcceptFollow", Kind: ErrNoSuchRequest}
	}
	s.edges[key] = edgeAccepted

	// Mutuality from confirmed state only.
	mutual := s.edges[[2]string{toID, fromID}] == edgeAccepted
	return mutual, nil
}

// RejectFollow drops the pending edge from -> to.
func (s *InMemoryGraph) RejectFollow(ctx context.Context, toID, fromID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := [2]string{fromID, toID}
	if s.edges[key] != edgePending {
		return OpError{Op: "social.RejectFollow", Kind: ErrNoSuchRequest}
	}
	delete(s.edges, key)
	return nil
}

// Unfollow removes the accepted edge from -> to. The conversation, if one
// exists, is untouched: once provisioned it persists regardless of later
// graph changes.
func (s *InMemoryGraph) Unfollow(ctx context.Context, fromID, toID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := [2]string{fromID, toID}
	if s.edges[key] != edgeAccepted {
		return OpError{Op: "social.Unfollow", Kind: ErrNotFound}
	}
	delete(s.edges, key)
	return nil
}

// Entry assembles a user's full graph entry.
func (s *InMemoryGraph) Entry(ctx context.Context, userID string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := Entry{UserID: userID}
	for key, state := range s.edges {
		from, to := key[0], key[1]
		switch {
		case to == userID && state == edgeAccepted:
			e.Followers = append(e.Followers, from)
		case to == userID && state == edgePending:
			e.PendingIncoming = append(e.PendingIncoming, from)
		}
		if from == userID && state == edgeAccepted {
			e.Following = append(e.Following, to)
		}
	}
	sort.Strings(e.Followers)
	sort.Strings(e.Following)
	sort.Strings(e.PendingIncoming)
	return e, nil
}

// InMemoryConversations is the dev fallback ConversationStore.
type InMemoryConversations struct {
	mu     sync.Mutex
	byPair map[string]*memConversation
	byID   map[string]*memConversation
}

type memConversation struct {
	conv         Conversation
	lastActiveAt time.Time
	last         *Preview
}

// NewInMemoryConversations constructs an in-memory ConversationStore.
func NewInMemoryConversations() *InMemoryConversations {
	return &InMemoryConversations{
		byPair: make(map[string]*memConversation),
		byID:   make(map[string]*memConversation),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryConversations) Close() error { return nil }

// CreateConversation is the atomic check-and-create per pair key.
func (s *InMemoryConversations) CreateConversation(ctx context.Context, id, userA, userB string, now time.Time) (Conversation, bool, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byPair[key]; ok {
		return existing.conv, false, nil
	}

	mc := &memConversation{
		conv: Conversation{
			ID:        id,
			PairKey:   key,
			UserA:     a,
			UserB:     b,
			CreatedAt: now,
		},
		lastActiveAt: now,
	}
	s.byPair[key] = mc
	s.byID[id] = mc
	return mc.conv, true, nil
}

// Conversation looks up a conversation by id.
func (s *InMemoryConversations) Conversation(ctx context.Context, conversationID string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mc, ok := s.byID[conversationID]
	if !ok {
		return Conversation{}, OpError{Op: "social.Conversation", Kind: ErrNotFound}
	}
	return mc.conv, nil
}

// ListFor returns the user's conversations, most recently active first.
func (s *InMemoryConversations) ListFor(ctx context.Context, userID string) ([]InboxEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []InboxEntry
	for _, mc := range s.byID {
		if !mc.conv.Has(userID) {
			continue
		}
		out = append(out, s.entryLocked(mc, userID))
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActiveAt.Equal(out[j].LastActiveAt) {
			return out[i].LastActiveAt.After(out[j].LastActiveAt)
		}
		return out[i].Conversation.CreatedAt.After(out[j].Conversation.CreatedAt)
	})
	return out, nil
}

// SetLastMessage refreshes the preview and bumps the activity clock.
func (s *InMemoryConversations) SetLastMessage(ctx context.Context, conversationID string, p Preview) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mc, ok := s.byID[conversationID]
	if !ok {
		return Conversation{}, OpError{Op: "social.SetLastMessage", Kind: ErrNotFound}
	}
	pc := p
	mc.last = &pc
	mc.lastActiveAt = p.SentAt
	return mc.conv, nil
}

func (s *InMemoryConversations) entryLocked(mc *memConversation, userID string) InboxEntry {
	e := InboxEntry{
		Conversation: mc.conv,
		OtherID:      mc.conv.Other(userID),
		LastActiveAt: mc.lastActiveAt,
	}
	if mc.last != nil {
		pc := *mc.last
		e.LastMessage = &pc
	}
	return e
}
