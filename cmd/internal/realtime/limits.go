package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max JSON payload accepted from the notify endpoint.
	maxNotifyBytes = 32 << 10
)

const (
	// Heartbeat defaults (overridable through GatewayConfig).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window). Sized so a client throttled to
	// ~60 Hz cursor updates plus typing and task traffic stays well below the cap.
	rateLimitEvents = 900
	rateLimitWindow = 10 * time.Second

	// Hub inbox capacity shared by all connections.
	hubInboxSize = 4096
)
