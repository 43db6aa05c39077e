package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rahul-sharma-alx/chattr/cmd/internal/metrics"
)

// KindSnapshot marks hub-generated resource snapshots. Domain producers use
// their own kinds (message.new, graph.update, ...); the hub emits this one
// itself on subscribe and after an overflow resync.
const KindSnapshot = "snapshot"

// Event is one item delivered to a subscriber.
type Event struct {
	Topic   string
	Kind    string
	Payload any
}

// SnapshotFunc produces the current full state of a topic's resource.
// The hub calls it under the topic lock, so no committed event can fall
// between the snapshot and the stream. It can still observe a commit whose
// publish has not happened yet; producers of append-style events close that
// window by bracketing Subscribe with the lock that covers their commit and
// publish (the chat service exposes Synced for this). State-replacement
// kinds (graph.update, inbox.update) tolerate the overlap.
type SnapshotFunc func(ctx context.Context) (any, error)

type subscriber struct {
	id       string
	snapshot SnapshotFunc
	ch       chan Event

	done      chan struct{}
	closeOnce sync.Once
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

type topicState struct {
	mu   sync.Mutex
	subs map[string]*subscriber
}

// Subscription is a live feed of one topic. The first event on Events is
// always a KindSnapshot; later events arrive in publish order. After a queue
// overflow the backlog is replaced by a fresh KindSnapshot.
type Subscription struct {
	ID    string
	Topic string

	hub *Hub
	sub *subscriber
}

// Events returns the delivery channel. It is never closed; select on Done
// to observe cancellation.
func (s *Subscription) Events() <-chan Event { return s.sub.ch }

// Done is closed once the subscription is cancelled.
func (s *Subscription) Done() <-chan struct{} { return s.sub.done }

// Cancel detaches the subscription. Idempotent; effective immediately, so a
// publish racing with Cancel either delivers before detach or not at all.
func (s *Subscription) Cancel() { s.hub.cancel(s) }

// Hub fans domain events out to per-topic subscriber sets.
//
// Concurrency guarantees:
//   - Publish never blocks on a slow consumer. A full subscriber queue is
//     drained and replaced with one fresh snapshot.
//   - All subscribers of a topic observe events in the same order.
//   - Subscribe seeds the feed with a snapshot; every event published after
//     registration is delivered in order behind it. Duplicate-freedom
//     between snapshot and stream is a joint contract with the producer,
//     see SnapshotFunc.
type Hub struct {
	log *slog.Logger

	queueSize       int
	snapshotTimeout time.Duration

	mu     sync.RWMutex
	topics map[string]*topicState
}

// HubOption configures Hub behavior.
type HubOption func(*Hub)

// WithQueueSize sets the per-subscriber event queue size.
func WithQueueSize(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// WithSnapshotTimeout bounds the snapshot read performed on overflow resync.
func WithSnapshotTimeout(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.snapshotTimeout = d
		}
	}
}

// NewHub constructs a Hub.
func NewHub(log *slog.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		log:             log,
		queueSize:       defaultSubscriberQueue,
		snapshotTimeout: defaultSnapshotTimeout,
		topics:          make(map[string]*topicState),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Subscribe attaches a new subscriber to topic. snapshot is called once under
// the topic lock to seed the feed, and again whenever the queue overflows.
func (h *Hub) Subscribe(ctx context.Context, topic string, snapshot SnapshotFunc) (*Subscription, error) {
	if topic == "" {
		return nil, errors.New("realtime: empty topic")
	}
	if snapshot == nil {
		return nil, errors.New("realtime: nil snapshot func")
	}

	ts := h.topicFor(topic, true)

	ts.mu.Lock()
	defer ts.mu.Unlock()

	snap, err := snapshot(ctx)
	if err != nil {
		return nil, err
	}

	sub := &subscriber{
		id:       uuid.NewString(),
		snapshot: snapshot,
		ch:       make(chan Event, h.queueSize),
		done:     make(chan struct{}),
	}
	sub.ch <- Event{Topic: topic, Kind: KindSnapshot, Payload: snap}
	ts.subs[sub.id] = sub

	metrics.ActiveSubscriptions.Inc()
	h.log.Debug("hub.subscribe", "topic", topic, "subscription_id", sub.id)

	return &Subscription{ID: sub.id, Topic: topic, hub: h, sub: sub}, nil
}

// Publish delivers one event to every live subscriber of topic. It satisfies
// the publisher interfaces of the chat and social services. Callers publish
// under the same lane lock that covered the store commit, so delivery order
// equals commit order.
func (h *Hub) Publish(topic, kind string, payload any) {
	ts := h.topicFor(topic, false)
	if ts == nil {
		return
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	ev := Event{Topic: topic, Kind: kind, Payload: payload}
	for _, sub := range ts.subs {
		select {
		case <-sub.done:
			continue
		default:
		}

		select {
		case sub.ch <- ev:
			continue
		default:
		}

		// Queue full: drop the backlog and replace it with a snapshot taken
		// right now, under the topic lock. The snapshot already contains the
		// event being published.
		h.resync(topic, sub)
	}
}

func (h *Hub) resync(topic string, sub *subscriber) {
drain:
	for {
		select {
		case <-sub.ch:
		default:
			break drain
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.snapshotTimeout)
	defer cancel()

	snap, err := sub.snapshot(ctx)
	if err != nil {
		// A subscriber that cannot be resynced is detached; the client
		// observes Done and resubscribes.
		h.log.Warn("hub.resync.fail", "topic", topic, "subscription_id", sub.id, "err", err)
		h.detachLocked(topic, sub)
		return
	}

	select {
	case sub.ch <- Event{Topic: topic, Kind: KindSnapshot, Payload: snap}:
	default:
		// Consumer raced the drain and refilled the queue; it already has
		// fresher state than this snapshot.
	}

	metrics.SubscriberResyncs.Inc()
	h.log.Info("hub.resync", "topic", topic, "subscription_id", sub.id)
}

func (h *Hub) cancel(s *Subscription) {
	ts := h.topicFor(s.Topic, false)
	if ts == nil {
		s.sub.close()
		return
	}

	ts.mu.Lock()
	h.detachLocked(s.Topic, s.sub)
	ts.mu.Unlock()
}

// detachLocked removes sub from its topic. Caller holds the topic mutex.
func (h *Hub) detachLocked(topic string, sub *subscriber) {
	ts := h.topicFor(topic, false)
	if ts == nil {
		sub.close()
		return
	}
	if _, ok := ts.subs[sub.id]; !ok {
		sub.close()
		return
	}

	delete(ts.subs, sub.id)
	sub.close()

	metrics.ActiveSubscriptions.Dec()
	h.log.Debug("hub.unsubscribe", "topic", topic, "subscription_id", sub.id)
}

func (h *Hub) topicFor(topic string, create bool) *topicState {
	h.mu.RLock()
	ts := h.topics[topic]
	h.mu.RUnlock()

	if ts != nil || !create {
		return ts
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if ts = h.topics[topic]; ts == nil {
		ts = &topicState{subs: make(map[string]*subscriber)}
		h.topics[topic] = ts
	}
	return ts
}
