package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max message text length (runes).
	maxMessageChars = 4000

	// Max emoji reaction length (runes). Covers multi-codepoint emoji.
	maxEmojiChars = 16

	// Max display-name prefix length accepted by profile search.
	maxSearchChars = 64
)

const (
	// Heartbeat defaults (can be overridden by env in gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second

	// Per-subscriber hub queue and the snapshot read bound on resync.
	defaultSubscriberQueue = 128
	defaultSnapshotTimeout = 5 * time.Second
)
