package connection

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rickgao/airsense-sync/internal/auth"
	"github.com/rickgao/airsense-sync/internal/model"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no pong)")
	ErrAlreadyClosed   = errors.New("already closed")
)

// HandshakeError is returned when the server rejects the websocket upgrade.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake rejected (status %d): %v", e.StatusCode, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// HTTPStatus exposes the upgrade response status for classification.
func (e *HandshakeError) HTTPStatus() int {
	return e.StatusCode
}

// CloseError reports that the push server ended the session with a close frame.
type CloseError struct {
	Target string
	Code   int
	Reason string
	Err    error
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("push server closed %s session: %d", e.Target, e.Code)
	}
	return fmt.Sprintf("push server closed %s session: %d %s", e.Target, e.Code, e.Reason)
}

func (e *CloseError) Unwrap() error {
	return e.Err
}

// CloseCode exposes the close code for classification.
func (e *CloseError) CloseCode() int {
	return e.Code
}

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // Fully resolved WebSocket URL
	Target           string        // Location the session is bound to
	Header           http.Header   // Extra handshake headers
	HandshakeTimeout time.Duration // Dial handshake timeout
	PingInterval     time.Duration // How often to send keepalive pings
	PingTimeout      time.Duration // Max time without pong before considering connection stale
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Frame channel buffer size
	ReadLimit        int64         // Max inbound frame size in bytes, 0 = unlimited
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PingTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       256,
		ReadLimit:        1 << 20,
	}
}

// ManagerConfig configures the Manager.
type ManagerConfig struct {
	URL                  string        // Push URL; {location} is replaced by the target
	Signer               auth.Signer   // Optional handshake signer
	ReconnectBaseDelay   time.Duration // Delay before the first reconnect
	ReconnectMaxDelay    time.Duration // Reconnect delay ceiling
	MaxReconnectAttempts int           // 0 = unlimited
	Client               ClientConfig  // Template for each dial; URL and Header are filled per dial
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ReconnectBaseDelay: 1 * time.Second,
		ReconnectMaxDelay:  16 * time.Second,
		Client:             DefaultClientConfig(),
	}
}

// State is the push channel lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// ReconnectContext tracks the pending reconnect.
type ReconnectContext struct {
	Attempt   int           // Reconnects scheduled since the last successful open
	NextDelay time.Duration // Delay of the pending reconnect timer
}

// Status is a snapshot of the Manager.
type Status struct {
	State             State
	Target            string
	IsConnected       bool
	IsConnecting      bool // Connecting or Reconnecting
	ReconnectAttempts int
	NextDelay         time.Duration
	LastError         error
}

// StateEvent describes a state transition.
type StateEvent struct {
	Old     State
	New     State
	Target  string
	Attempt int
	Err     error
}

// Handler receives updates for a subscribed target.
type Handler func(model.Update)
