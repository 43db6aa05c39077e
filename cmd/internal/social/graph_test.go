package social

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordedPublish struct {
	topic string
	kind  string
}

// capturePublisher records publish calls in order.
type capturePublisher struct {
	mu   sync.Mutex
	pubs []recordedPublish
}

func (p *capturePublisher) Publish(topic, kind string, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pubs = append(p.pubs, recordedPublish{topic: topic, kind: kind})
}

func (p *capturePublisher) published() []recordedPublish {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]recordedPublish(nil), p.pubs...)
}

// captureMutual records mutual-follow transitions.
type captureMutual struct {
	mu    sync.Mutex
	pairs [][2]string
}

func (h *captureMutual) OnMutualFollow(ctx context.Context, userA, userB string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pairs = append(h.pairs, [2]string{userA, userB})
	return nil
}

func (h *captureMutual) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pairs)
}

func TestGraphRequestFollow(t *testing.T) {
	t.Parallel()

	pub := &capturePublisher{}
	g := NewGraph(testLogger(), NewInMemoryGraph(), pub, nil)
	ctx := context.Background()

	if err := g.RequestFollow(ctx, "alice", "bob"); err != nil {
		t.Fatalf("request: %v", err)
	}
	// Idempotent while pending.
	if err := g.RequestFollow(ctx, "alice", "bob"); err != nil {
		t.Fatalf("repeat request: %v", err)
	}

	e, err := g.Entry(ctx, "bob")
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	if len(e.PendingIncoming) != 1 || e.PendingIncoming[0] != "alice" {
		t.Fatalf("pending=%v", e.PendingIncoming)
	}

	pubs := pub.published()
	if len(pubs) == 0 {
		t.Fatalf("no graph update published")
	}
	for _, p := range pubs {
		if p.topic != GraphTopic("bob") || p.kind != EventGraphUpdate {
			t.Fatalf("unexpected publish %+v", p)
		}
	}
}

func TestGraphRequestFollow_Self(t *testing.T) {
	t.Parallel()

	g := NewGraph(testLogger(), NewInMemoryGraph(), nil, nil)
	err := g.RequestFollow(context.Background(), "alice", "alice")
	if !IsSelfFollow(err) {
		t.Fatalf("want self follow error, got %v", err)
	}
}

func TestGraphAcceptFollow_MutualFiresOnce(t *testing.T) {
	t.Parallel()

	mutual := &captureMutual{}
	g := NewGraph(testLogger(), NewInMemoryGraph(), nil, mutual)
	ctx := context.Background()

	if err := g.RequestFollow(ctx, "alice", "bob"); err != nil {
		t.Fatalf("request a->b: %v", err)
	}
	if err := g.AcceptFollow(ctx, "bob", "alice"); err != nil {
		t.Fatalf("accept a->b: %v", err)
	}
	if mutual.count() != 0 {
		t.Fatalf("one-way accept must not be mutual")
	}

	if err := g.RequestFollow(ctx, "bob", "alice"); err != nil {
		t.Fatalf("request b->a: %v", err)
	}
	if err := g.AcceptFollow(ctx, "alice", "bob"); err != nil {
		t.Fatalf("accept b->a: %v", err)
	}
	if mutual.count() != 1 {
		t.Fatalf("mutual count=%d want=1", mutual.count())
	}

	// Follower/following sets reflect both accepted edges.
	ea, err := g.Entry(ctx, "alice")
	if err != nil {
		t.Fatalf("entry alice: %v", err)
	}
	if len(ea.Following) != 1 || ea.Following[0] != "bob" {
		t.Fatalf("alice following=%v", ea.Following)
	}
	if len(ea.Followers) != 1 || ea.Followers[0] != "bob" {
		t.Fatalf("alice followers=%v", ea.Followers)
	}
}

func TestGraphAcceptFollow_NoPending(t *testing.T) {
	t.Parallel()

	g := NewGraph(testLogger(), NewInMemoryGraph(), nil, nil)
	err := g.AcceptFollow(context.Background(), "bob", "alice")
	if !IsNoSuchRequest(err) {
		t.Fatalf("want no such request, got %v", err)
	}
}

func TestGraphRejectFollow(t *testing.T) {
	t.Parallel()

	g := NewGraph(testLogger(), NewInMemoryGraph(), nil, nil)
	ctx := context.Background()

	if err := g.RequestFollow(ctx, "alice", "bob"); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := g.RejectFollow(ctx, "bob", "alice"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	e, err := g.Entry(ctx, "bob")
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	if len(e.PendingIncoming) != 0 {
		t.Fatalf("pending after reject=%v", e.PendingIncoming)
	}

	// A rejected request can be re-sent.
	if err := g.RequestFollow(ctx, "alice", "bob"); err != nil {
		t.Fatalf("re-request after reject: %v", err)
	}
}

func TestGraphUnfollow(t *testing.T) {
	t.Parallel()

	g := NewGraph(testLogger(), NewInMemoryGraph(), nil, nil)
	ctx := context.Background()

	if err := g.RequestFollow(ctx, "alice", "bob"); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := g.AcceptFollow(ctx, "bob", "alice"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := g.Unfollow(ctx, "alice", "bob"); err != nil {
		t.Fatalf("unfollow: %v", err)
	}

	e, err := g.Entry(ctx, "bob")
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	if len(e.Followers) != 0 {
		t.Fatalf("followers after unfollow=%v", e.Followers)
	}

	if err := g.Unfollow(ctx, "alice", "bob"); !IsNotFound(err) {
		t.Fatalf("repeat unfollow: want not found, got %v", err)
	}
}

func TestGraphRequestFollow_AlreadyAccepted(t *testing.T) {
	t.Parallel()

	g := NewGraph(testLogger(), NewInMemoryGraph(), nil, nil)
	ctx := context.Background()

	if err := g.RequestFollow(ctx, "alice", "bob"); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := g.AcceptFollow(ctx, "bob", "alice"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	err := g.RequestFollow(ctx, "alice", "bob")
	if !IsAlreadyAccepted(err) {
		t.Fatalf("want already accepted, got %v", err)
	}
}

func TestGraphConcurrentAccepts_SingleMutualEvent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	// Both directions pending, then both sides accept concurrently. Exactly
	// one of the two accepts observes the transition to mutual.
	for round := 0; round < 20; round++ {
		mutual := &captureMutual{}
		g := NewGraph(testLogger(), NewInMemoryGraph(), nil, mutual)

		if err := g.RequestFollow(ctx, "alice", "bob"); err != nil {
			t.Fatalf("request a->b: %v", err)
		}
		if err := g.RequestFollow(ctx, "bob", "alice"); err != nil {
			t.Fatalf("request b->a: %v", err)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := g.AcceptFollow(ctx, "bob", "alice"); err != nil {
				t.Errorf("accept a->b: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if err := g.AcceptFollow(ctx, "alice", "bob"); err != nil {
				t.Errorf("accept b->a: %v", err)
			}
		}()
		wg.Wait()

		if got := mutual.count(); got != 1 {
			t.Fatalf("round %d: mutual events=%d want=1", round, got)
		}
	}
}

func TestGraphSuggest(t *testing.T) {
	t.Parallel()

	g := NewGraph(testLogger(), NewInMemoryGraph(), nil, nil)
	ctx := context.Background()

	follow := func(from, to string) {
		t.Helper()
		if err := g.RequestFollow(ctx, from, to); err != nil {
			t.Fatalf("request %s->%s: %v", from, to, err)
		}
		if err := g.AcceptFollow(ctx, to, from); err != nil {
			t.Fatalf("accept %s->%s: %v", from, to, err)
		}
	}

	// alice follows bob; bob follows carol, dave, and alice herself.
	follow("alice", "bob")
	follow("bob", "carol")
	follow("bob", "dave")
	follow("bob", "alice")

	// carol already requested alice: she sits in alice's pending set and must
	// not be suggested.
	if err := g.RequestFollow(ctx, "carol", "alice"); err != nil {
		t.Fatalf("request carol->alice: %v", err)
	}

	got, err := g.Suggest(ctx, "alice", 0)
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	if len(got) != 1 || got[0] != "dave" {
		t.Fatalf("suggestions=%v want=[dave]", got)
	}

	// Limit is honored.
	follow("bob", "erin")
	follow("bob", "frank")
	got, err = g.Suggest(ctx, "alice", 1)
	if err != nil {
		t.Fatalf("suggest limited: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("limited suggestions=%v", got)
	}
}

// flakyMutual fails the first transition, then delegates.
type flakyMutual struct {
	next   MutualFollowHandler
	failed bool
}

func (f *flakyMutual) OnMutualFollow(ctx context.Context, userA, userB string) error {
	if !f.failed {
		f.failed = true
		return OpError{Op: "social.OnMutualFollow", Kind: ErrUnavailable, Msg: "storage down"}
	}
	return f.next.OnMutualFollow(ctx, userA, userB)
}

// A storage failure in provisioning after the accept committed must be
// recoverable: Reconcile re-observes mutuality, and provisioning is
// insert-if-absent, so the pair still ends up with exactly one conversation.
func TestGraphReconcile_RepairsLostProvisioning(t *testing.T) {
	t.Parallel()

	convs := NewInMemoryConversations()
	flaky := &flakyMutual{next: NewProvisioner(testLogger(), convs, nil)}
	g := NewGraph(testLogger(), NewInMemoryGraph(), nil, flaky)
	ctx := context.Background()

	if err := g.RequestFollow(ctx, "alice", "bob"); err != nil {
		t.Fatalf("request a->b: %v", err)
	}
	if err := g.AcceptFollow(ctx, "bob", "alice"); err != nil {
		t.Fatalf("accept a->b: %v", err)
	}
	if err := g.RequestFollow(ctx, "bob", "alice"); err != nil {
		t.Fatalf("request b->a: %v", err)
	}

	// Provisioning fails once; the accept itself stays committed.
	if err := g.AcceptFollow(ctx, "alice", "bob"); !IsUnavailable(err) {
		t.Fatalf("want unavailable from provisioning, got %v", err)
	}
	if entries, err := convs.ListFor(ctx, "alice"); err != nil || len(entries) != 0 {
		t.Fatalf("conversation exists despite failed provisioning: %v %v", entries, err)
	}

	// Neither re-accept nor re-request can re-fire the transition.
	if err := g.AcceptFollow(ctx, "alice", "bob"); !IsNoSuchRequest(err) {
		t.Fatalf("re-accept: want no such request, got %v", err)
	}
	if err := g.RequestFollow(ctx, "alice", "bob"); !IsAlreadyAccepted(err) {
		t.Fatalf("re-request: want already accepted, got %v", err)
	}

	if err := g.Reconcile(ctx, "alice"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	entries, err := convs.ListFor(ctx, "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].OtherID != "bob" {
		t.Fatalf("after reconcile entries=%+v", entries)
	}

	// A second pass from either side creates nothing new.
	if err := g.Reconcile(ctx, "bob"); err != nil {
		t.Fatalf("reconcile bob: %v", err)
	}
	again, err := convs.ListFor(ctx, "bob")
	if err != nil {
		t.Fatalf("list bob: %v", err)
	}
	if len(again) != 1 || again[0].Conversation.ID != entries[0].Conversation.ID {
		t.Fatalf("reconcile not idempotent: %+v vs %+v", again, entries)
	}
}
