// Package metrics declares the Prometheus collectors shared by the Chattr core.
// Collectors register on the default registry; the app exposes them at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesAppended counts accepted (non-duplicate) message appends.
	MessagesAppended = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chattr",
		Name:      "messages_appended_total",
		Help:      "Messages appended to conversation logs.",
	})

	// ReactionsApplied counts reaction merges (including overwrites).
	ReactionsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chattr",
		Name:      "reactions_applied_total",
		Help:      "Emoji reactions merged into messages.",
	})

	// ConversationsProvisioned counts conversations created on mutual follow.
	ConversationsProvisioned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chattr",
		Name:      "conversations_provisioned_total",
		Help:      "Conversations created by the provisioner.",
	})

	// FollowAccepts counts accepted follow requests.
	FollowAccepts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chattr",
		Name:      "follow_accepts_total",
		Help:      "Follow requests accepted.",
	})

	// ActiveSubscriptions tracks live hub subscriptions across all topics.
	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chattr",
		Name:      "hub_subscriptions_active",
		Help:      "Currently registered hub subscriptions.",
	})

	// SubscriberResyncs counts slow-subscriber queue overflows that forced a
	// drop-oldest-and-resync.
	SubscriberResyncs = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chattr",
		Name:      "hub_subscriber_resyncs_total",
		Help:      "Subscriber queues resynced with a fresh snapshot after overflow.",
	})

	// ActiveSessions tracks connected websocket sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chattr",
		Name:      "ws_sessions_active",
		Help:      "Currently connected websocket sessions.",
	})
)
