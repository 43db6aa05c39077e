package social

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/rahul-sharma-alx/chattr/cmd/internal/metrics"
)

// Hub topics and event kinds for social resources.
const (
	EventGraphUpdate = "graph.update"
	EventInboxUpdate = "inbox.update"
)

// GraphTopic is the hub topic carrying one user's graph entry updates.
func GraphTopic(userID string) string { return "graph/" + userID }

// InboxTopic is the hub topic carrying one user's conversation list updates.
func InboxTopic(userID string) string { return "inbox/" + userID }

// EventPublisher is the slice of the live hub the social services need.
type EventPublisher interface {
	Publish(topic, kind string, payload any)
}

// MutualFollowHandler consumes the MutualFollowEstablished transition.
// Implemented by the Provisioner.
type MutualFollowHandler interface {
	OnMutualFollow(ctx context.Context, userA, userB string) error
}

// Graph is the follow state machine entrypoint.
//
// Writes touching a user's edge sets are serialized per user; accept touches
// two users and takes both lanes in sorted id order, so concurrent accepts
// from both sides cannot deadlock and mutual-follow detection sees a single
// atomic transition.
type Graph struct {
	log      *slog.Logger
	store    GraphStore
	pub      EventPublisher
	onMutual MutualFollowHandler

	mu    sync.Mutex
	lanes map[string]*sync.Mutex
}

// NewGraph constructs the graph service. pub and onMutual may be nil in tests.
func NewGraph(log *slog.Logger, store GraphStore, pub EventPublisher, onMutual MutualFollowHandler) *Graph {
	return &Graph{
		log:      log,
		store:    store,
		pub:      pub,
		onMutual: onMutual,
		lanes:    make(map[string]*sync.Mutex),
	}
}

func (g *Graph) lane(userID string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.lanes[userID]
	if !ok {
		l = &sync.Mutex{}
		g.lanes[userID] = l
	}
	return l
}

// lockPair acquires both user lanes in sorted id order and returns the unlock.
func (g *Graph) lockPair(a, b string) func() {
	first, second := SortPair(a, b)
	lf := g.lane(first)
	lf.Lock()
	if first == second {
		return lf.Unlock
	}
	ls := g.lane(second)
	ls.Lock()
	return func() {
		ls.Unlock()
		lf.Unlock()
	}
}

// RequestFollow inserts a pending request from -> to.
// Idempotent while pending; rejects self-follows and already-accepted edges.
func (g *Graph) RequestFollow(ctx context.Context, fromID, toID string) error {
	fromID, toID = strings.TrimSpace(fromID), strings.TrimSpace(toID)
	if fromID == "" || toID == "" {
		return OpError{Op: "social.RequestFollow", Kind: ErrNotFound, Msg: "missing user id"}
	}
	if fromID == toID {
		return OpError{Op: "social.RequestFollow", Kind: ErrSelfFollow}
	}

	unlock := g.lockPair(fromID, toID)
	defer unlock()

	if err := g.store.RequestFollow(ctx, fromID, toID); err != nil {
		return err
	}

	g.log.Info("social.follow.request", "from", fromID, "to", toID)
	g.publishEntry(ctx, toID)
	return nil
}

// AcceptFollow promotes the pending request from -> to. When the reverse edge
// is already accepted, the mutual-follow transition fires exactly once and is
// handed to the provisioner.
func (g *Graph) AcceptFollow(ctx context.Context, toID, fromID string) error {
	toID, fromID = strings.TrimSpace(toID), strings.TrimSpace(fromID)
	if toID == "" || fromID == "" || toID == fromID {
		return OpError{Op: "social.AcceptFollow", Kind: ErrNoSuchRequest}
	}

	unlock := g.lockPair(toID, fromID)
	defer unlock()

	mutual, err := g.store.AcceptFollow(ctx, toID, fromID)
	if err != nil {
		return err
	}

	metrics.FollowAccepts.Inc()
	g.log.Info("social.follow.accept", "to", toID, "from", fromID, "mutual", mutual)

	g.publishEntry(ctx, toID)
	g.publishEntry(ctx, fromID)

	if mutual && g.onMutual != nil {
		if err := g.onMutual.OnMutualFollow(ctx, toID, fromID); err != nil {
			// The accept itself committed. Reconcile repairs a lost
			// provisioning later, so surfacing the error is safe.
			g.log.Warn("social.provision.deferred", "to", toID, "from", fromID, "err", err)
			return err
		}
	}
	return nil
}

// Reconcile re-runs conversation provisioning for every mutual edge of
// userID. Provisioning is insert-if-absent, so pairs that already have
// their conversation are no-ops; a pair whose provisioning was lost to a
// storage failure after the accept committed is repaired here. The gateway
// calls it on inbox subscribes.
func (g *Graph) Reconcile(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" || g.onMutual == nil {
		return nil
	}

	e, err := g.store.Entry(ctx, userID)
	if err != nil {
		return err
	}

	followers := make(map[string]struct{}, len(e.Followers))
	for _, id := range e.Followers {
		followers[id] = struct{}{}
	}
	for _, other := range e.Following {
		if _, ok := followers[other]; !ok {
			continue
		}
		if err := g.onMutual.OnMutualFollow(ctx, userID, other); err != nil {
			return err
		}
	}
	return nil
}

// RejectFollow drops the pending request from -> to.
func (g *Graph) RejectFollow(ctx context.Context, toID, fromID string) error {
	toID, fromID = strings.TrimSpace(toID), strings.TrimSpace(fromID)
	if toID == "" || fromID == "" {
		return OpError{Op: "social.RejectFollow", Kind: ErrNoSuchRequest}
	}

	unlock := g.lockPair(toID, fromID)
	defer unlock()

	if err := g.store.RejectFollow(ctx, toID, fromID); err != nil {
		return err
	}

	g.log.Info("social.follow.reject", "to", toID, "from", fromID)
	g.publishEntry(ctx, toID)
	return nil
}

// Unfollow removes the accepted edge from -> to. An existing conversation is
// untouched; provisioning is one-way.
func (g *Graph) Unfollow(ctx context.Context, fromID, toID string) error {
	fromID, toID = strings.TrimSpace(fromID), strings.TrimSpace(toID)
	if fromID == "" || toID == "" {
		return OpError{Op: "social.Unfollow", Kind: ErrNotFound}
	}

	unlock := g.lockPair(fromID, toID)
	defer unlock()

	if err := g.store.Unfollow(ctx, fromID, toID); err != nil {
		return err
	}

	g.log.Info("social.follow.unfollow", "from", fromID, "to", toID)
	g.publishEntry(ctx, toID)
	g.publishEntry(ctx, fromID)
	return nil
}

// Entry returns a user's current graph entry snapshot.
func (g *Graph) Entry(ctx context.Context, userID string) (Entry, error) {
	return g.store.Entry(ctx, userID)
}

func (g *Graph) publishEntry(ctx context.Context, userID string) {
	if g.pub == nil {
		return
	}
	e, err := g.store.Entry(ctx, userID)
	if err != nil {
		g.log.Warn("social.entry.read.fail", "user", userID, "err", err)
		return
	}
	g.pub.Publish(GraphTopic(userID), EventGraphUpdate, e)
}
