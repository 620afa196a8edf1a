package connection

import (
	"errors"
	"net/http"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no heartbeat)")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrClosed          = errors.New("session closed")
	ErrAlreadyStarted  = errors.New("session already started")
)

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw frame bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// Status is the health of a realtime channel.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusHealthy
	StatusDegraded
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// State is a point-in-time copy of a session's connection state.
type State struct {
	Status     Status
	LastPongAt time.Time
	Attempt    int  // Reconnect attempts since the last successful open
	Exhausted  bool // Reconnect budget spent; only the poller is running
	Polling    bool
}

// NoticeKind classifies user-facing notices.
type NoticeKind string

const (
	// NoticeConnectionLost is transient: the socket dropped and a retry is pending.
	NoticeConnectionLost NoticeKind = "connection_lost"
	// NoticeReconnected follows a NoticeConnectionLost once a socket is open again.
	NoticeReconnected NoticeKind = "reconnected"
	// NoticeRealtimeUnavailable is terminal: reconnect attempts are exhausted.
	NoticeRealtimeUnavailable NoticeKind = "realtime_unavailable"
	// NoticeServerError carries the message text of an ERROR frame.
	NoticeServerError NoticeKind = "server_error"
	// NoticeInfo is raised by channel handlers (new message, outbid, ...).
	NoticeInfo NoticeKind = "info"
)

// Notice is a message meant for a person watching the channel.
type Notice struct {
	Kind    NoticeKind
	Message string
	At      time.Time
}

// EventType distinguishes values sent on Session.Events.
type EventType int

const (
	// EventStatus reports a status transition.
	EventStatus EventType = iota
	// EventUpdate reports that a frame or poll result changed channel state.
	EventUpdate
	// EventNotice carries a Notice.
	EventNotice
)

// Event is delivered to consumers of Session.Events.
type Event struct {
	Type      EventType
	Channel   string
	Status    Status // EventStatus only
	FrameType string // EventUpdate only
	Notice    Notice // EventNotice only
	At        time.Time
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // Full ws:// or wss:// URL including query
	Header           http.Header   // Extra handshake headers (cookies, bearer token)
	HandshakeTimeout time.Duration // Dialer handshake deadline
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       1024,
	}
}

// SessionConfig configures a Session.
type SessionConfig struct {
	Name                string          // Channel name used in logs and metrics ("bidding", "messaging", ...)
	Client              ClientConfig    // Transport settings; Client.URL is the channel URL
	PingInterval        time.Duration   // Application PING cadence
	HeartbeatMultiplier float64         // Heartbeat window is PingInterval * HeartbeatMultiplier
	Reconnect           ReconnectPolicy // Backoff schedule
	PollInterval        time.Duration   // Fallback poll cadence (only used with a poll func)
	PollTimeout         time.Duration   // Per-poll deadline
	EventBufferSize     int             // Capacity of the Events channel
	Debug               bool            // Log every frame
}

// DefaultSessionName names a session whose config leaves Name empty.
const DefaultSessionName = "channel"

// DefaultSessionConfig returns the bidding channel defaults. Name is left
// empty so each channel kind can supply its own.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Client:              DefaultClientConfig(),
		PingInterval:        20 * time.Second,
		HeartbeatMultiplier: 2,
		Reconnect:           DefaultReconnectPolicy(),
		PollInterval:        3 * time.Second,
		PollTimeout:         5 * time.Second,
		EventBufferSize:     256,
	}
}

// HeartbeatTimeout is the silence after which the socket is considered stale.
func (c SessionConfig) HeartbeatTimeout() time.Duration {
	m := c.HeartbeatMultiplier
	if m <= 0 {
		m = 2
	}
	return time.Duration(float64(c.PingInterval) * m)
}
