package transport

import (
	"errors"
)

// ErrClosed indicates an operation on a closed transport.
var ErrClosed = errors.New("transport closed")

// State reports the lifecycle of a transport.
type State uint8

const (
	// StateConnecting indicates the channel is not yet usable.
	StateConnecting State = iota
	// StateOpen indicates frames can be sent.
	StateOpen
	// StateClosing indicates a close is in progress.
	StateClosing
	// StateClosed indicates the channel is gone.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Frame is one inbound unit: either a control message or a binary payload.
type Frame struct {
	Message *Message
	Binary  []byte
}

// IsBinary reports whether the frame carries a chunk payload.
func (f Frame) IsBinary() bool { return f.Message == nil }

// Transport defines the channel the transfer engines run over. The relay
// WebSocket, a WebRTC data channel and the in-memory pipe all satisfy it.
// Frames sent on one transport arrive in order on the peer's Frames channel.
type Transport interface {
	// SendMessage queues a control message.
	SendMessage(msg *Message) error

	// SendBinary queues a chunk payload.
	SendBinary(data []byte) error

	// Frames returns the inbound frame stream. It is closed when the
	// transport closes or the peer goes away.
	Frames() <-chan Frame

	// BufferedAmount returns bytes queued locally but not yet handed to the network.
	BufferedAmount() uint64

	// State returns the current lifecycle state.
	State() State

	// Close shuts down the transport.
	Close() error
}

// Send encodes payload as a message of type t and sends it on tr.
func Send(tr Transport, t MessageType, payload interface{}) error {
	msg, err := NewMessage(t, payload)
	if err != nil {
		return err
	}
	return tr.SendMessage(msg)
}
