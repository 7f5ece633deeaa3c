package connection

import (
	"errors"
	"time"

	"github.com/rickgao/streamsub/internal/model"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrSuperseded      = errors.New("connection attempt superseded")
	ErrStopped         = errors.New("connection manager stopped")
)

// State is the lifecycle state of the single persistent connection.
type State uint8

const (
	// StateIdle means Open has never been called.
	StateIdle State = iota

	// StateConnecting means a dial is in flight.
	StateConnecting

	// StateOpen means the connection is live and sends go out immediately.
	StateOpen

	// StateReconnecting means a delayed reconnect attempt is scheduled.
	StateReconnecting

	// StateClosed means the connection was closed by the caller (or
	// hibernated) and no reconnect is scheduled.
	StateClosed

	// StateDegraded means the reconnect budget is spent and delivery has
	// moved to polling. Left only through Resume.
	StateDegraded
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// RawMessage wraps an inbound frame with its receive timestamp.
type RawMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// PendingMessage is a subscribe command waiting for the connection to open.
// At flush time the command is re-read from the RequestSource by id.
type PendingMessage struct {
	SubscriptionID int64
	Command        model.Command
}

// RequestSource resolves the current subscribe command for a subscription.
type RequestSource interface {
	// Request returns the current command for id, false once unsubscribed.
	Request(id int64) (model.Command, bool)

	// Requests returns every live subscription's command in insertion order.
	Requests() []model.Command
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // WebSocket URL (e.g., wss://stream.example.com/stream)
	HandshakeTimeout time.Duration // Dial handshake timeout
	PingInterval     time.Duration // How often to send keepalive pings
	PingTimeout      time.Duration // Max time without ping/pong before considering connection stale
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PingTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       10000,
	}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	Client            ClientConfig
	ReconnectDelay    time.Duration // Fixed delay before each reconnect attempt
	MaxAttempts       int           // Reconnect attempts before degrading
	MessageBufferSize int           // Buffer size for the inbound message channel
	PendingBufferSize int           // Initial capacity of the pending queue
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Client:            DefaultClientConfig(),
		ReconnectDelay:    1 * time.Second,
		MaxAttempts:       2,
		MessageBufferSize: 100000,
		PendingBufferSize: 64,
	}
}

// ManagerStats provides statistics about the connection manager.
type ManagerStats struct {
	State        string    `json:"state"`
	Attempts     int       `json:"attempts"`
	Pending      int       `json:"pending"`
	Dials        int64     `json:"dials"`
	DialFailures int64     `json:"dial_failures"`
	Drops        int64     `json:"drops"`
	LastActivity time.Time `json:"last_activity"`
}
