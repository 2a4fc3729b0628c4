package transport

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// PipeHook inspects an outbound frame before delivery. Returning false drops
// the frame; the returned frame replaces the original, so a hook can corrupt
// payloads to simulate a lossy network.
type PipeHook func(f Frame) (Frame, bool)

// PipeTransport is one end of an in-process transport pair. Delivery is
// ordered and unbounded; frames queued for the peer count towards the
// sender's BufferedAmount until the peer reads them.
type PipeTransport struct {
	name string

	mu         sync.Mutex
	cond       *sync.Cond
	queue      []Frame
	queued     uint64
	closed     bool
	peerClosed bool
	hook       PipeHook

	frames chan Frame
	done   chan struct{}
	peer   *PipeTransport
}

// NewPipe returns two connected transports.
func NewPipe() (*PipeTransport, *PipeTransport) {
	a := newPipeEnd("a")
	b := newPipeEnd("b")
	a.peer, b.peer = b, a
	go a.pump()
	go b.pump()
	return a, b
}

func newPipeEnd(name string) *PipeTransport {
	p := &PipeTransport{
		name:   name,
		frames: make(chan Frame),
		done:   make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// SetHook installs a hook applied to every frame this end sends.
func (p *PipeTransport) SetHook(h PipeHook) {
	p.mu.Lock()
	p.hook = h
	p.mu.Unlock()
}

// SendMessage implements Transport. The message is round-tripped through
// its wire encoding so both ends never share memory.
func (p *PipeTransport) SendMessage(msg *Message) error {
	data, err := msg.Serialize()
	if err != nil {
		return err
	}
	copied, err := ParseMessage(data)
	if err != nil {
		return err
	}
	return p.send(Frame{Message: copied})
}

// SendBinary implements Transport.
func (p *PipeTransport) SendBinary(data []byte) error {
	return p.send(Frame{Binary: append([]byte(nil), data...)})
}

func (p *PipeTransport) send(f Frame) error {
	p.mu.Lock()
	if p.closed || p.peerClosed {
		p.mu.Unlock()
		return ErrClosed
	}
	hook := p.hook
	p.mu.Unlock()

	if hook != nil {
		var keep bool
		if f, keep = hook(f); !keep {
			logrus.WithFields(logrus.Fields{
				"function": "PipeTransport.send",
				"pipe":     p.name,
				"binary":   f.IsBinary(),
			}).Debug("Hook dropped frame")
			return nil
		}
	}
	return p.peer.enqueue(f)
}

func (p *PipeTransport) enqueue(f Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.queue = append(p.queue, f)
	p.queued += frameSize(f)
	p.cond.Signal()
	return nil
}

func (p *PipeTransport) pump() {
	defer close(p.frames)
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed && !p.peerClosed {
			p.cond.Wait()
		}
		if p.closed || len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		f := p.queue[0]
		p.queue[0] = Frame{}
		p.queue = p.queue[1:]
		p.mu.Unlock()

		select {
		case p.frames <- f:
		case <-p.done:
			return
		}

		p.mu.Lock()
		p.queued -= frameSize(f)
		p.mu.Unlock()
	}
}

// Frames implements Transport.
func (p *PipeTransport) Frames() <-chan Frame { return p.frames }

// BufferedAmount implements Transport: bytes sent but not yet read by the peer.
func (p *PipeTransport) BufferedAmount() uint64 {
	peer := p.peer
	peer.mu.Lock()
	defer peer.mu.Unlock()
	return peer.queued
}

// State implements Transport.
func (p *PipeTransport) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.peerClosed {
		return StateClosed
	}
	return StateOpen
}

// Close implements Transport. The peer drains what was already queued and
// then sees its frame channel close.
func (p *PipeTransport) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.queue = nil
	close(p.done)
	p.cond.Broadcast()
	p.mu.Unlock()

	p.peer.markPeerClosed()
	return nil
}

func (p *PipeTransport) markPeerClosed() {
	p.mu.Lock()
	p.peerClosed = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

func frameSize(f Frame) uint64 {
	if f.Message != nil {
		return uint64(len(f.Message.Payload) + len(f.Message.Type))
	}
	return uint64(len(f.Binary))
}
