package relaydrop

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relaydrop/negotiation"
	"github.com/opd-ai/relaydrop/transport"
)

var (
	// ErrJoinRejected indicates the relay refused the join request.
	ErrJoinRejected = errors.New("relay rejected join")

	// ErrRelayClosed indicates the relay connection ended before the
	// session was set up.
	ErrRelayClosed = errors.New("relay connection closed")
)

// relayLink is the client's connection to the relay hub after the join
// handshake. It splits the inbound stream three ways: nat-info goes to the
// plane selection, negotiation signals go to the negotiator, and everything
// else is exposed through Frames for a relay-plane engine.
type relayLink struct {
	tr     transport.Transport
	peerID string

	frames  chan transport.Frame
	natInfo chan transport.NATInfo
	done    chan struct{}

	mu        sync.Mutex
	neg       *negotiation.Negotiator
	held      []*transport.Message
	closeOnce sync.Once
}

// join sends the join request and waits until both peers are attached.
func join(ctx context.Context, tr transport.Transport, code string, role transport.Role) (*relayLink, error) {
	if err := transport.Send(tr, transport.MessageJoin, transport.Join{Code: code, Role: role}); err != nil {
		return nil, fmt.Errorf("send join: %w", err)
	}

	var peerID string
	joined := false
	for {
		select {
		case f, ok := <-tr.Frames():
			if !ok {
				return nil, ErrRelayClosed
			}
			if f.IsBinary() {
				continue
			}
			switch f.Message.Type {
			case transport.MessageJoined:
				var j transport.Joined
				if err := f.Message.Decode(&j); err != nil {
					return nil, fmt.Errorf("decode joined: %w", err)
				}
				peerID, joined = j.PeerID, true
				logrus.WithFields(logrus.Fields{
					"function":     "join",
					"pickup_code":  code,
					"role":         role,
					"peer_id":      peerID,
					"peer_present": j.PeerPresent,
				}).Info("Joined relay session")
				if j.PeerPresent {
					return newRelayLink(tr, peerID), nil
				}
			case transport.MessagePeerJoined:
				if joined {
					return newRelayLink(tr, peerID), nil
				}
			case transport.MessageError:
				var info transport.ErrorInfo
				_ = f.Message.Decode(&info)
				return nil, fmt.Errorf("%w: %s", ErrJoinRejected, info.Reason)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func newRelayLink(tr transport.Transport, peerID string) *relayLink {
	l := &relayLink{
		tr:      tr,
		peerID:  peerID,
		frames:  make(chan transport.Frame, 256),
		natInfo: make(chan transport.NATInfo, 1),
		done:    make(chan struct{}),
	}
	go l.route()
	return l
}

func (l *relayLink) route() {
	defer close(l.frames)
	for f := range l.tr.Frames() {
		if !f.IsBinary() {
			switch f.Message.Type {
			case transport.MessageNATInfo:
				var info transport.NATInfo
				if err := f.Message.Decode(&info); err != nil {
					logrus.WithFields(logrus.Fields{
						"function": "relayLink.route",
						"error":    err.Error(),
					}).Warn("Dropping malformed nat-info")
					continue
				}
				select {
				case l.natInfo <- info:
				default:
				}
				continue
			case transport.MessageOffer, transport.MessageAnswer,
				transport.MessageICECandidate, transport.MessageICERestartRequest:
				l.signal(f.Message)
				continue
			}
		}
		select {
		case l.frames <- f:
		case <-l.done:
			return
		}
	}
}

// signal hands msg to the negotiator, holding it until one is attached.
func (l *relayLink) signal(msg *transport.Message) {
	l.mu.Lock()
	neg := l.neg
	if neg == nil {
		l.held = append(l.held, msg)
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	neg.HandleSignal(msg)
}

// attach routes negotiation signals to neg, replaying any that arrived early.
func (l *relayLink) attach(neg *negotiation.Negotiator) {
	l.mu.Lock()
	held := l.held
	l.held = nil
	l.neg = neg
	l.mu.Unlock()
	for _, msg := range held {
		neg.HandleSignal(msg)
	}
}

// awaitNATInfo returns the peer's NAT announcement, or false when none
// arrives before ctx ends.
func (l *relayLink) awaitNATInfo(ctx context.Context) (transport.NATInfo, bool) {
	select {
	case info := <-l.natInfo:
		return info, true
	case <-ctx.Done():
		return transport.NATInfo{}, false
	}
}

// SendMessage implements transport.Transport and negotiation.Signaler.
func (l *relayLink) SendMessage(msg *transport.Message) error { return l.tr.SendMessage(msg) }

// SendBinary implements transport.Transport.
func (l *relayLink) SendBinary(data []byte) error { return l.tr.SendBinary(data) }

// Frames implements transport.Transport.
func (l *relayLink) Frames() <-chan transport.Frame { return l.frames }

// BufferedAmount implements transport.Transport.
func (l *relayLink) BufferedAmount() uint64 { return l.tr.BufferedAmount() }

// State implements transport.Transport.
func (l *relayLink) State() transport.State { return l.tr.State() }

// Close implements transport.Transport.
func (l *relayLink) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return l.tr.Close()
}
