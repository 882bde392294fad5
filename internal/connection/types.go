package connection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"
)

// Errors
var (
	ErrSocketClosed     = errors.New("socket closed")
	ErrRequestTimeout   = errors.New("request timeout")
	ErrDuplicateRequest = errors.New("request id reused before reply")
)

// State is the lifecycle state of the client's connection.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

// TimestampedMessage wraps a raw inbound JSON frame with its receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket (a JSON object or array)
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// Envelope is the generic pub/sub wire shape.
type Envelope struct {
	V             int             `json:"v,omitempty"`
	Type          string          `json:"type,omitempty"`
	RequestID     string          `json:"requestId,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Ts            int64           `json:"ts,omitempty"`
	Error         json.RawMessage `json:"error,omitempty"`
	Topic         string          `json:"topic,omitempty"`
}

// hasError reports whether the envelope carries a truthy error field.
func (e Envelope) hasError() bool {
	raw := bytes.TrimSpace(e.Error)
	switch string(raw) {
	case "", "null", "false", "0", `""`:
		return false
	}
	return true
}

// outboundEnvelope is what Send and the heartbeat put on the wire.
type outboundEnvelope struct {
	V         int    `json:"v"`
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Payload   any    `json:"payload,omitempty"`
	Ts        int64  `json:"ts"`
}

// Reply is the single value delivered for a request sent with ExpectReply.
type Reply struct {
	Payload json.RawMessage
	Err     error
}

// ReplyError is returned when the reply frame carries an error field.
type ReplyError struct {
	Raw json.RawMessage
}

func (e *ReplyError) Error() string {
	if s, err := strconv.Unquote(string(e.Raw)); err == nil {
		return "reply error: " + s
	}
	return "reply error: " + string(e.Raw)
}

// SendOptions controls envelope sends.
type SendOptions struct {
	RequestID   string        // Generated when empty
	ExpectReply bool          // Register a pending request for the reply
	Timeout     time.Duration // Reply timeout (0 = ClientConfig.RequestTimeout)
}

// Handler receives typed envelopes.
type Handler func(Envelope)

// RawHandler receives every parsed inbound JSON object or array.
type RawHandler func(TimestampedMessage)

// StatusHandler is notified on every state transition.
type StatusHandler func(State)

// TokenProvider supplies an optional bearer token before each dial.
// An empty token means "connect anonymously".
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenProvider.
type TokenFunc func(ctx context.Context) (string, error)

// Token implements TokenProvider.
func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// ClientConfig configures a Client.
type ClientConfig struct {
	URL               string        // ws:// or wss:// endpoint
	Protocols         []string      // WebSocket sub-protocols (token goes in the query when empty)
	TokenProvider     TokenProvider // Optional bearer token source
	HeartbeatInterval time.Duration // Ping / idle check period
	IdleTimeout       time.Duration // Max time without any inbound message
	ReconnectBaseWait time.Duration // Backoff unit (delay = 2^attempt * base)
	ReconnectMaxWait  time.Duration // Backoff cap before jitter
	ReconnectJitter   time.Duration // Uniform jitter added to every delay
	RequestTimeout    time.Duration // Default reply timeout
	WriteTimeout      time.Duration // Write deadline for sends
	HandshakeTimeout  time.Duration // Dial handshake deadline
	OutboxSize        int           // Initial outbox capacity
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HeartbeatInterval: 30 * time.Second,
		IdleTimeout:       90 * time.Second,
		ReconnectBaseWait: 250 * time.Millisecond,
		ReconnectMaxWait:  10 * time.Second,
		ReconnectJitter:   250 * time.Millisecond,
		RequestTimeout:    10 * time.Second,
		WriteTimeout:      5 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		OutboxSize:        64,
	}
}

func (cfg *ClientConfig) applyDefaults() {
	def := DefaultClientConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.ReconnectBaseWait <= 0 {
		cfg.ReconnectBaseWait = def.ReconnectBaseWait
	}
	if cfg.ReconnectMaxWait <= 0 {
		cfg.ReconnectMaxWait = def.ReconnectMaxWait
	}
	switch {
	case cfg.ReconnectJitter == 0:
		cfg.ReconnectJitter = def.ReconnectJitter
	case cfg.ReconnectJitter < 0:
		cfg.ReconnectJitter = 0 // explicitly disabled
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = def.OutboxSize
	}
}

// ClientStats is a point-in-time view of the client.
type ClientStats struct {
	State             State
	Queued            int   // Frames waiting in the outbox
	Pending           int   // Requests waiting for a reply
	ReconnectAttempts int   // Attempts since the last successful open
	Requeued          int64 // Frames put back at the head after a write failure
	OutboxResizes     int
}
