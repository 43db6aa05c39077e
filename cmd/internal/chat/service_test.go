package chat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// capturePublisher records publishes in order.
type capturePublisher struct {
	mu     sync.Mutex
	topics []string
	kinds  []string
	msgs   []Message
}

func (p *capturePublisher) Publish(topic, kind string, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.kinds = append(p.kinds, kind)
	if m, ok := payload.(Message); ok {
		p.msgs = append(p.msgs, m)
	}
}

func (p *capturePublisher) snapshot() ([]string, []Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kinds := append([]string(nil), p.kinds...)
	msgs := append([]Message(nil), p.msgs...)
	return kinds, msgs
}

func TestServiceAppend_SeqAndPublishOrder(t *testing.T) {
	t.Parallel()

	pub := &capturePublisher{}
	svc := NewService(testLogger(), NewInMemoryStore(), pub, nil)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		res, err := svc.Append(ctx, AppendInput{
			ConversationID: "c1",
			ClientMsgID:    fmt.Sprintf("m%d", i),
			SenderID:       "alice",
			Text:           fmt.Sprintf("hello %d", i),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if res.Stored.Seq != int64(i) {
			t.Fatalf("append %d: seq=%d", i, res.Stored.Seq)
		}
		if res.Duplicated {
			t.Fatalf("append %d: unexpected duplicate", i)
		}
	}

	kinds, msgs := pub.snapshot()
	if len(msgs) != 5 {
		t.Fatalf("published=%d want=5", len(msgs))
	}
	for i, m := range msgs {
		if m.Seq != int64(i+1) {
			t.Fatalf("publish order broken at %d: seq=%d", i, m.Seq)
		}
		if kinds[i] != EventMessageNew {
			t.Fatalf("kind=%q", kinds[i])
		}
	}
}

func TestServiceAppend_DedupeSkipsPublish(t *testing.T) {
	t.Parallel()

	pub := &capturePublisher{}
	svc := NewService(testLogger(), NewInMemoryStore(), pub, nil)
	ctx := context.Background()

	first, err := svc.Append(ctx, AppendInput{
		ConversationID: "c1", ClientMsgID: "m1", SenderID: "alice", Text: "hi",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	second, err := svc.Append(ctx, AppendInput{
		ConversationID: "c1", ClientMsgID: "m1", SenderID: "alice", Text: "hi",
	})
	if err != nil {
		t.Fatalf("append duplicate: %v", err)
	}
	if !second.Duplicated {
		t.Fatalf("expected Duplicated=true")
	}
	if second.Stored.ID != first.Stored.ID || second.Stored.Seq != first.Stored.Seq {
		t.Fatalf("duplicate returned different message: %+v vs %+v", first.Stored, second.Stored)
	}

	if _, msgs := pub.snapshot(); len(msgs) != 1 {
		t.Fatalf("duplicate must not publish: published=%d", len(msgs))
	}

	// No sequence gap after the duplicate.
	third, err := svc.Append(ctx, AppendInput{
		ConversationID: "c1", ClientMsgID: "m2", SenderID: "alice", Text: "next",
	})
	if err != nil {
		t.Fatalf("append third: %v", err)
	}
	if third.Stored.Seq != 2 {
		t.Fatalf("seq after duplicate=%d want=2", third.Stored.Seq)
	}
}

func TestServiceAppend_Invalid(t *testing.T) {
	t.Parallel()

	svc := NewService(testLogger(), NewInMemoryStore(), nil, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		in   AppendInput
	}{
		{
			name: "no text no media",
			in:   AppendInput{ConversationID: "c1", ClientMsgID: "m1", SenderID: "a"},
		},
		{
			name: "bad media kind",
			in: AppendInput{
				ConversationID: "c1", ClientMsgID: "m1", SenderID: "a",
				Media: &MediaRef{URL: "https://cdn/x", Kind: "gif"},
			},
		},
		{
			name: "media without url",
			in: AppendInput{
				ConversationID: "c1", ClientMsgID: "m1", SenderID: "a",
				Media: &MediaRef{Kind: MediaImage},
			},
		},
		{
			name: "reply to unknown message",
			in: AppendInput{
				ConversationID: "c1", ClientMsgID: "m1", SenderID: "a",
				Text: "hi", ReplyTo: "no-such-id",
			},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := svc.Append(ctx, tc.in)
			if !IsInvalidMessage(err) {
				t.Fatalf("want invalid message error, got %v", err)
			}
		})
	}
}

func TestServiceAppend_ReplyToOtherConversationRejected(t *testing.T) {
	t.Parallel()

	svc := NewService(testLogger(), NewInMemoryStore(), nil, nil)
	ctx := context.Background()

	res, err := svc.Append(ctx, AppendInput{
		ConversationID: "c1", ClientMsgID: "m1", SenderID: "a", Text: "origin",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	// The id exists, but in a different conversation.
	_, err = svc.Append(ctx, AppendInput{
		ConversationID: "c2", ClientMsgID: "m2", SenderID: "a",
		Text: "cross", ReplyTo: res.Stored.ID,
	})
	if !IsInvalidMessage(err) {
		t.Fatalf("cross-conversation reply must be rejected, got %v", err)
	}
}

func TestServiceReact_LastWriteWins(t *testing.T) {
	t.Parallel()

	pub := &capturePublisher{}
	svc := NewService(testLogger(), NewInMemoryStore(), pub, nil)
	ctx := context.Background()

	res, err := svc.Append(ctx, AppendInput{
		ConversationID: "c1", ClientMsgID: "m1", SenderID: "alice", Text: "hi",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	msgID := res.Stored.ID

	if _, err := svc.React(ctx, "c1", msgID, "bob", "👍"); err != nil {
		t.Fatalf("react 1: %v", err)
	}
	updated, err := svc.React(ctx, "c1", msgID, "bob", "❤️")
	if err != nil {
		t.Fatalf("react 2: %v", err)
	}

	if got := updated.Reactions["bob"]; got != "❤️" {
		t.Fatalf("reaction=%q want=❤️", got)
	}
	if len(updated.Reactions) != 1 {
		t.Fatalf("one reactor must hold one emoji, got %d", len(updated.Reactions))
	}

	kinds, _ := pub.snapshot()
	wantKinds := []string{EventMessageNew, EventMessageUpdate, EventMessageUpdate}
	if len(kinds) != len(wantKinds) {
		t.Fatalf("kinds=%v", kinds)
	}
	for i := range wantKinds {
		if kinds[i] != wantKinds[i] {
			t.Fatalf("kinds[%d]=%q want=%q", i, kinds[i], wantKinds[i])
		}
	}
}

func TestServiceReact_Errors(t *testing.T) {
	t.Parallel()

	svc := NewService(testLogger(), NewInMemoryStore(), nil, nil)
	ctx := context.Background()

	if _, err := svc.React(ctx, "c1", "missing", "bob", "👍"); !IsNotFound(err) {
		t.Fatalf("want not found, got %v", err)
	}
	if _, err := svc.React(ctx, "c1", "missing", "bob", "  "); !IsInvalidMessage(err) {
		t.Fatalf("want invalid message for empty emoji, got %v", err)
	}
}

func TestServiceAppend_ConcurrentDistinctSeqs(t *testing.T) {
	t.Parallel()

	svc := NewService(testLogger(), NewInMemoryStore(), &capturePublisher{}, nil)
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	wg.Add(n)

	seqCh := make(chan int64, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			res, err := svc.Append(ctx, AppendInput{
				ConversationID: "c1",
				ClientMsgID:    fmt.Sprintf("m%d", i),
				SenderID:       "alice",
				Text:           "x",
			})
			if err != nil {
				t.Errorf("append %d: %v", i, err)
				return
			}
			seqCh <- res.Stored.Seq
		}()
	}
	wg.Wait()
	close(seqCh)

	seen := make(map[int64]bool, n)
	for s := range seqCh {
		if seen[s] {
			t.Fatalf("duplicate seq %d", s)
		}
		seen[s] = true
	}
	if len(seen) != n {
		t.Fatalf("got %d seqs want %d", len(seen), n)
	}
	for i := int64(1); i <= n; i++ {
		if !seen[i] {
			t.Fatalf("missing seq %d", i)
		}
	}

	msgs, err := svc.List(ctx, "c1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for i, m := range msgs {
		if m.Seq != int64(i+1) {
			t.Fatalf("list out of order at %d: seq=%d", i, m.Seq)
		}
	}
}

func TestMessageClone_Isolation(t *testing.T) {
	t.Parallel()

	m := Message{
		ID:        "x",
		Media:     &MediaRef{URL: "u", Kind: MediaImage},
		Reactions: map[string]string{"a": "👍"},
		SentAt:    time.Now().UTC(),
	}
	c := m.Clone()

	c.Reactions["b"] = "❤️"
	c.Media.URL = "changed"

	if _, ok := m.Reactions["b"]; ok {
		t.Fatalf("clone shares reactions map")
	}
	if m.Media.URL != "u" {
		t.Fatalf("clone shares media pointer")
	}
}
