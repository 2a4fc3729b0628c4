package negotiation

import (
	"errors"
	"time"
)

var (
	// ErrFailedAfterData indicates the direct channel failed after payload
	// bytes were exchanged. Partial receiver state makes a silent
	// renegotiation unsafe, so this is terminal.
	ErrFailedAfterData = errors.New("direct connection lost after data was exchanged")

	// ErrRestartsExhausted indicates every allowed ICE restart was used.
	ErrRestartsExhausted = errors.New("direct connection failed and ICE restarts are exhausted")

	// ErrConnectTimeout indicates the channel never reached connected.
	ErrConnectTimeout = errors.New("direct connection handshake timed out")

	// ErrClosed indicates the negotiator was closed locally.
	ErrClosed = errors.New("negotiator closed")
)

// Role is the side of the negotiation.
type Role uint8

const (
	// RoleInitiator creates offers. The file sender takes this role.
	RoleInitiator Role = iota
	// RoleResponder answers offers. The file receiver takes this role.
	RoleResponder
)

// String returns the role name.
func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// State is the negotiation lifecycle.
type State uint8

const (
	StateIdle State = iota
	StateOffering
	StateAwaitingOffer
	StateNegotiating
	StateConnected
	StateDisconnected
	StateRestarting
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAwaitingOffer:
		return "awaiting-offer"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateRestarting:
		return "restarting"
	case StateFailed:
		return "failed-terminal"
	default:
		return "unknown"
	}
}

// ConnectionState is the peer connection state reported by the ICE agent.
type ConnectionState uint8

const (
	ConnectionNew ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionDisconnected
	ConnectionFailed
	ConnectionClosed
)

// String returns the connection state name.
func (s ConnectionState) String() string {
	switch s {
	case ConnectionNew:
		return "new"
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionFailed:
		return "failed"
	case ConnectionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config tunes restart and timeout policy.
type Config struct {
	MaxRestarts     int
	RestartCooldown time.Duration
	ConnectTimeout  time.Duration
}

// DefaultConfig returns two restarts, an 8s cooldown and a 60s connect timeout.
func DefaultConfig() Config {
	return Config{
		MaxRestarts:     2,
		RestartCooldown: 8 * time.Second,
		ConnectTimeout:  60 * time.Second,
	}
}

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }
