package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relaydrop/limits"
)

// ErrSendQueueFull indicates the outbound queue of a WebSocket transport is full.
var ErrSendQueueFull = errors.New("send queue full")

// WebSocketOptions tunes a WebSocketTransport.
type WebSocketOptions struct {
	// SendQueue is the number of outbound frames that may be queued.
	SendQueue int
	// ReadLimit caps the size of one inbound frame.
	ReadLimit int64
	// PingInterval is how often keepalive pings are sent. The read deadline
	// is twice this value.
	PingInterval time.Duration
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
	// Header is sent with the dial request.
	Header http.Header
}

// DefaultWebSocketOptions returns options sized for the relay plane.
func DefaultWebSocketOptions() WebSocketOptions {
	return WebSocketOptions{
		SendQueue:    256,
		ReadLimit:    limits.MaxRelayChunk + limits.MaxControlMessage,
		PingInterval: 25 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

func (o *WebSocketOptions) normalize() {
	def := DefaultWebSocketOptions()
	if o.SendQueue <= 0 {
		o.SendQueue = def.SendQueue
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = def.ReadLimit
	}
	if o.PingInterval <= 0 {
		o.PingInterval = def.PingInterval
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
}

type outbound struct {
	kind int
	data []byte
}

// WebSocketTransport carries frames over a gorilla WebSocket connection.
// Control messages travel as text frames and chunk payloads as binary frames.
type WebSocketTransport struct {
	conn *websocket.Conn
	opts WebSocketOptions

	send     chan outbound
	frames   chan Frame
	done     chan struct{}
	buffered atomic.Uint64
	state    atomic.Uint32

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// DialWebSocket connects to a relay at url.
func DialWebSocket(ctx context.Context, url string, opts WebSocketOptions) (*WebSocketTransport, error) {
	opts.normalize()
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   32 * 1024,
		WriteBufferSize:  32 * 1024,
	}
	conn, resp, err := dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial relay %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "DialWebSocket",
		"url":      url,
	}).Info("Connected to relay")

	return NewWebSocketTransport(conn, opts), nil
}

// NewWebSocketTransport wraps an established connection and starts its pumps.
func NewWebSocketTransport(conn *websocket.Conn, opts WebSocketOptions) *WebSocketTransport {
	opts.normalize()
	t := &WebSocketTransport{
		conn:   conn,
		opts:   opts,
		send:   make(chan outbound, opts.SendQueue),
		frames: make(chan Frame, 64),
		done:   make(chan struct{}),
	}
	t.state.Store(uint32(StateOpen))

	t.wg.Add(2)
	go t.readPump()
	go t.writePump()
	return t
}

// SendMessage implements Transport.
func (t *WebSocketTransport) SendMessage(msg *Message) error {
	data, err := msg.Serialize()
	if err != nil {
		return err
	}
	return t.enqueue(websocket.TextMessage, data)
}

// SendBinary implements Transport.
func (t *WebSocketTransport) SendBinary(data []byte) error {
	return t.enqueue(websocket.BinaryMessage, data)
}

func (t *WebSocketTransport) enqueue(kind int, data []byte) error {
	if State(t.state.Load()) != StateOpen {
		return ErrClosed
	}
	t.buffered.Add(uint64(len(data)))
	select {
	case t.send <- outbound{kind: kind, data: data}:
		return nil
	case <-t.done:
		t.buffered.Add(^uint64(len(data) - 1))
		return ErrClosed
	default:
		t.buffered.Add(^uint64(len(data) - 1))
		return ErrSendQueueFull
	}
}

// Frames implements Transport.
func (t *WebSocketTransport) Frames() <-chan Frame { return t.frames }

// BufferedAmount implements Transport.
func (t *WebSocketTransport) BufferedAmount() uint64 { return t.buffered.Load() }

// State implements Transport.
func (t *WebSocketTransport) State() State { return State(t.state.Load()) }

// Close implements Transport.
func (t *WebSocketTransport) Close() error {
	t.closeOnce.Do(func() {
		t.state.Store(uint32(StateClosing))
		close(t.done)
		deadline := time.Now().Add(time.Second)
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		t.conn.Close()
	})
	t.wg.Wait()
	t.state.Store(uint32(StateClosed))
	return nil
}

func (t *WebSocketTransport) readPump() {
	defer t.wg.Done()
	defer close(t.frames)
	defer t.state.Store(uint32(StateClosed))

	readWait := 2 * t.opts.PingInterval
	t.conn.SetReadLimit(t.opts.ReadLimit)
	_ = t.conn.SetReadDeadline(time.Now().Add(readWait))
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logrus.WithFields(logrus.Fields{
					"function": "WebSocketTransport.readPump",
					"error":    err.Error(),
				}).Warn("WebSocket read failed")
			}
			return
		}
		_ = t.conn.SetReadDeadline(time.Now().Add(readWait))

		var f Frame
		switch kind {
		case websocket.BinaryMessage:
			f = Frame{Binary: data}
		case websocket.TextMessage:
			msg, err := ParseMessage(data)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "WebSocketTransport.readPump",
					"error":    err.Error(),
				}).Warn("Dropping malformed control message")
				continue
			}
			f = Frame{Message: msg}
		default:
			continue
		}

		select {
		case t.frames <- f:
		case <-t.done:
			return
		}
	}
}

func (t *WebSocketTransport) writePump() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case out := <-t.send:
			_ = t.conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout))
			err := t.conn.WriteMessage(out.kind, out.data)
			t.buffered.Add(^uint64(len(out.data) - 1))
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "WebSocketTransport.writePump",
					"error":    err.Error(),
				}).Warn("WebSocket write failed")
				t.conn.Close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(t.opts.WriteTimeout)
			if err := t.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				t.conn.Close()
				return
			}
		case <-t.done:
			return
		}
	}
}
