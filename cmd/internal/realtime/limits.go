package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max move notation length (runes). Generous for any sane encoding.
	maxMoveChars = 256

	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

const (
	// Heartbeat defaults (env-overridable in gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
