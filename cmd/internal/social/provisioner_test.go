package social

import (
	"context"
	"sync"
	"testing"
)

func TestProvisionerOnMutualFollow_ExactlyOnce(t *testing.T) {
	t.Parallel()

	convs := NewInMemoryConversations()
	p := NewProvisioner(testLogger(), convs, nil)
	ctx := context.Background()

	if err := p.OnMutualFollow(ctx, "alice", "bob"); err != nil {
		t.Fatalf("first: %v", err)
	}
	// Duplicate observation, argument order flipped.
	if err := p.OnMutualFollow(ctx, "bob", "alice"); err != nil {
		t.Fatalf("duplicate: %v", err)
	}

	entries, err := convs.ListFor(ctx, "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("conversations=%d want=1", len(entries))
	}

	conv := entries[0].Conversation
	if conv.PairKey != PairKey("alice", "bob") {
		t.Fatalf("pair key=%q", conv.PairKey)
	}
	if conv.UserA != "alice" || conv.UserB != "bob" {
		t.Fatalf("participants=%q,%q", conv.UserA, conv.UserB)
	}
	if entries[0].OtherID != "bob" {
		t.Fatalf("other=%q", entries[0].OtherID)
	}
}

func TestProvisionerOnMutualFollow_ConcurrentSinglePair(t *testing.T) {
	t.Parallel()

	convs := NewInMemoryConversations()
	p := NewProvisioner(testLogger(), convs, nil)
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 1 {
				a, b = b, a
			}
			if err := p.OnMutualFollow(ctx, a, b); err != nil {
				t.Errorf("provision %d: %v", i, err)
			}
		}()
	}
	wg.Wait()

	entries, err := convs.ListFor(ctx, "bob")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("conversations=%d want=1", len(entries))
	}
}

func TestProvisionerOnMutualFollow_AnnouncesOnce(t *testing.T) {
	t.Parallel()

	pub := &capturePublisher{}
	convs := NewInMemoryConversations()
	dir := NewDirectory(testLogger(), convs, pub)
	p := NewProvisioner(testLogger(), convs, dir)
	ctx := context.Background()

	if err := p.OnMutualFollow(ctx, "alice", "bob"); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := p.OnMutualFollow(ctx, "alice", "bob"); err != nil {
		t.Fatalf("duplicate: %v", err)
	}

	pubs := pub.published()
	if len(pubs) != 2 {
		t.Fatalf("published=%d want=2 (one per participant)", len(pubs))
	}
	topics := map[string]bool{}
	for _, pb := range pubs {
		if pb.kind != EventInboxUpdate {
			t.Fatalf("kind=%q", pb.kind)
		}
		topics[pb.topic] = true
	}
	if !topics[InboxTopic("alice")] || !topics[InboxTopic("bob")] {
		t.Fatalf("topics=%v", topics)
	}
}
