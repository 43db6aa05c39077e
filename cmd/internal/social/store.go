// Package social owns the mutual-follow graph, the exactly-once conversation
// provisioner, and the per-user conversation directory.
package social

import (
	"context"
	"time"
)

// Entry is one user's social graph entry. Invariant:
// userA ∈ Followers(userB) iff the edge userA -> userB is accepted.
// Slices are sorted for deterministic snapshots.
type Entry struct {
	UserID          string
	Followers       []string
	Following       []string
	PendingIncoming []string
}

// GraphStore persists directed follow edges and applies the state machine
// transitions atomically.
//
// Requirements:
//   - At most one edge per ordered pair, state pending or accepted.
//   - RequestFollow: ErrAlreadyAccepted when the edge is accepted; idempotent
//     while pending.
//   - AcceptFollow: ErrNoSuchRequest without a pending edge; the transition
//     plus the mutuality check run as one atomic step under a deterministic
//     two-user lock order (sorted ids). Mutual is computed from confirmed
//     (accepted) state only, never from pending sets.
//   - RejectFollow/Unfollow remove the edge; ErrNoSuchRequest/ErrNotFound
//     when absent.
type GraphStore interface {
	RequestFollow(ctx context.Context, fromID, toID string) error
	AcceptFollow(ctx context.Context, toID, fromID string) (mutual bool, err error)
	RejectFollow(ctx context.Context, toID, fromID string) error
	Unfollow(ctx context.Context, fromID, toID string) error
	Entry(ctx context.Context, userID string) (Entry, error)
	Close() error
}

// Conversation is the unique messaging channel for one unordered pair of
// mutually-following users. Created once, never deleted or merged.
type Conversation struct {
	ID        string
	PairKey   string
	UserA     string // canonical order: UserA < UserB
	UserB     string
	CreatedAt time.Time
}

// Other returns the counterpart participant for userID.
func (c Conversation) Other(userID string) string {
	if c.UserA == userID {
		return c.UserB
	}
	return c.UserA
}

// Has reports whether userID participates in the conversation.
func (c Conversation) Has(userID string) bool {
	return c.UserA == userID || c.UserB == userID
}

// Preview is the cheap last-message summary kept on the conversation record.
type Preview struct {
	SenderID  string
	Text      string
	MediaKind string
	SentAt    time.Time
}

// InboxEntry annotates one conversation for a user's chat list.
type InboxEntry struct {
	Conversation Conversation
	OtherID      string
	LastActiveAt time.Time
	LastMessage  *Preview
}

// ConversationStore persists conversations keyed by pair key.
//
// Requirements:
//   - CreateConversation is an atomic check-and-create on the pair key:
//     concurrent calls for the same pair yield exactly one row, the loser
//     observes created=false and the winner's conversation.
//   - ListFor ordered by last activity desc, creation desc as tiebreaker.
type ConversationStore interface {
	CreateConversation(ctx context.Context, id, userA, userB string, now time.Time) (conv Conversation, created bool, err error)
	Conversation(ctx context.Context, conversationID string) (Conversation, error)
	ListFor(ctx context.Context, userID string) ([]InboxEntry, error)
	SetLastMessage(ctx context.Context, conversationID string, p Preview) (Conversation, error)
	Close() error
}
