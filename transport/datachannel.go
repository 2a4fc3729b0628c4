package transport

import (
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

// DataChannelTransport carries frames over a WebRTC data channel, the direct
// plane. BufferedAmount comes straight from the SCTP send buffer.
type DataChannelTransport struct {
	dc *webrtc.DataChannel

	mu       sync.Mutex
	closed   bool
	doneOnce sync.Once
	// deliverMu serializes delivery into frames with closing it. State and
	// the send path only take mu.
	deliverMu sync.Mutex
	frames    chan Frame
	opened    chan struct{}
	done      chan struct{}
}

// NewDataChannelTransport wraps dc and registers its callbacks. Call it before
// the channel opens so no inbound message is missed.
func NewDataChannelTransport(dc *webrtc.DataChannel) *DataChannelTransport {
	t := &DataChannelTransport{
		dc:     dc,
		frames: make(chan Frame, 256),
		opened: make(chan struct{}),
		done:   make(chan struct{}),
	}

	var openOnce sync.Once
	markOpen := func() { openOnce.Do(func() { close(t.opened) }) }
	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		markOpen()
	}
	dc.OnOpen(func() {
		logrus.WithFields(logrus.Fields{
			"function": "DataChannelTransport.OnOpen",
			"label":    dc.Label(),
		}).Info("Data channel open")
		markOpen()
	})
	dc.OnMessage(t.handleMessage)
	dc.OnClose(func() {
		logrus.WithFields(logrus.Fields{
			"function": "DataChannelTransport.OnClose",
			"label":    dc.Label(),
		}).Info("Data channel closed")
		t.shutdown()
	})
	dc.OnError(func(err error) {
		logrus.WithFields(logrus.Fields{
			"function": "DataChannelTransport.OnError",
			"label":    dc.Label(),
			"error":    err.Error(),
		}).Warn("Data channel error")
	})
	return t
}

// Opened is closed once the channel can carry data.
func (t *DataChannelTransport) Opened() <-chan struct{} { return t.opened }

func (t *DataChannelTransport) handleMessage(msg webrtc.DataChannelMessage) {
	var f Frame
	if msg.IsString {
		parsed, err := ParseMessage(msg.Data)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "DataChannelTransport.handleMessage",
				"error":    err.Error(),
			}).Warn("Dropping malformed control message")
			return
		}
		f = Frame{Message: parsed}
	} else {
		f = Frame{Binary: append([]byte(nil), msg.Data...)}
	}

	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()
	if t.isClosed() {
		return
	}
	// pion delivers messages from a single goroutine, so blocking here
	// applies backpressure to SCTP rather than reordering frames.
	select {
	case t.frames <- f:
	case <-t.done:
	}
}

// SendMessage implements Transport.
func (t *DataChannelTransport) SendMessage(msg *Message) error {
	data, err := msg.Serialize()
	if err != nil {
		return err
	}
	if t.State() != StateOpen {
		return ErrClosed
	}
	return t.dc.SendText(string(data))
}

// SendBinary implements Transport.
func (t *DataChannelTransport) SendBinary(data []byte) error {
	if t.State() != StateOpen {
		return ErrClosed
	}
	return t.dc.Send(data)
}

// Frames implements Transport.
func (t *DataChannelTransport) Frames() <-chan Frame { return t.frames }

// BufferedAmount implements Transport.
func (t *DataChannelTransport) BufferedAmount() uint64 { return t.dc.BufferedAmount() }

// State implements Transport.
func (t *DataChannelTransport) State() State {
	if t.isClosed() {
		return StateClosed
	}
	switch t.dc.ReadyState() {
	case webrtc.DataChannelStateOpen:
		return StateOpen
	case webrtc.DataChannelStateClosing:
		return StateClosing
	case webrtc.DataChannelStateClosed:
		return StateClosed
	default:
		return StateConnecting
	}
}

// Close implements Transport.
func (t *DataChannelTransport) Close() error {
	err := t.dc.Close()
	t.shutdown()
	return err
}

func (t *DataChannelTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// shutdown releases a blocked delivery through done before closing frames.
func (t *DataChannelTransport) shutdown() {
	t.doneOnce.Do(func() { close(t.done) })
	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()
	t.mu.Lock()
	wasClosed := t.closed
	t.closed = true
	t.mu.Unlock()
	if !wasClosed {
		close(t.frames)
	}
}
