package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB
)

const (
	// Heartbeat defaults (can be overridden by env in gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection command rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second

	// Grace window after token expiry during which a session keeps its
	// memberships while awaiting reauthentication.
	defaultGracePeriod = 10 * time.Second

	// How long an accepted connection may stay unauthenticated before the
	// handshake is abandoned.
	defaultAuthTimeout = 10 * time.Second

	// Auth-failure log rate limiting: one line per key per window,
	// bounded key map swept periodically.
	authLogWindow  = 60 * time.Second
	authLogMaxKeys = 4096
)
