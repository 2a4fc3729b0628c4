// Package negotiation drives the offer/answer and trickled candidate exchange
// that establishes a direct channel between two peers, and owns the ICE
// restart policy that recovers it.
//
// Every inbound signal and every connection state change is handled on a
// per-session SignalQueue, so handlers never interleave. Candidates that
// arrive before a remote description are held and applied in arrival order
// as soon as one is set.
//
// Example:
//
//	n := negotiation.New(negotiation.RoleInitiator, peer, relayConn, negotiation.DefaultConfig(), nil)
//	n.Start()
//	for f := range relayConn.Frames() {
//	    n.HandleSignal(f.Message)
//	}
package negotiation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relaydrop/metrics"
	"github.com/opd-ai/relaydrop/transport"
)

// Negotiator owns the negotiation state of one session side.
type Negotiator struct {
	role     Role
	peer     Peer
	signaler Signaler
	config   Config
	metrics  *metrics.Collector
	queue    *SignalQueue

	mu            sync.Mutex
	state         State
	started       bool
	restartCount  int
	lastRestartAt time.Time
	pending       []transport.Candidate
	timeProvider  TimeProvider
	connectTimer  *time.Timer
	err           error

	dataExchanged atomic.Bool
	connected     chan struct{}
	connectedOnce sync.Once
	done          chan struct{}
	doneOnce      sync.Once
}

// New creates a negotiator. Zero config fields take their defaults.
func New(role Role, peer Peer, signaler Signaler, config Config, m *metrics.Collector) *Negotiator {
	def := DefaultConfig()
	if config.MaxRestarts < 0 {
		config.MaxRestarts = 0
	}
	if config.RestartCooldown <= 0 {
		config.RestartCooldown = def.RestartCooldown
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = def.ConnectTimeout
	}
	return &Negotiator{
		role:         role,
		peer:         peer,
		signaler:     signaler,
		config:       config,
		metrics:      m,
		queue:        NewSignalQueue(),
		state:        StateIdle,
		timeProvider: DefaultTimeProvider{},
		connected:    make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// SetTimeProvider sets a custom time provider for deterministic testing.
func (n *Negotiator) SetTimeProvider(tp TimeProvider) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.timeProvider = tp
}

// Start registers peer callbacks, arms the connect timeout and, for the
// initiator, sends the first offer.
func (n *Negotiator) Start() {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return
	}
	n.started = true
	n.connectTimer = time.AfterFunc(n.config.ConnectTimeout, func() {
		n.queue.Enqueue(n.handleConnectTimeout)
	})
	n.mu.Unlock()

	n.peer.OnICECandidate(func(c transport.Candidate) {
		n.send(transport.MessageICECandidate, c)
	})
	n.peer.OnConnectionStateChange(func(s ConnectionState) {
		n.queue.Enqueue(func() { n.handleConnectionState(s) })
	})

	logrus.WithFields(logrus.Fields{
		"function": "Negotiator.Start",
		"role":     n.role.String(),
	}).Info("Starting negotiation")

	if n.role == RoleInitiator {
		n.setState(StateOffering)
		n.queue.Enqueue(func() { n.sendOffer(false) })
	} else {
		n.setState(StateAwaitingOffer)
	}
}

// HandleSignal queues an inbound negotiation message. It returns false when
// msg is not a negotiation message, so callers can route it elsewhere.
func (n *Negotiator) HandleSignal(msg *transport.Message) bool {
	if msg == nil {
		return false
	}
	switch msg.Type {
	case transport.MessageOffer, transport.MessageAnswer:
		var desc transport.Description
		if err := msg.Decode(&desc); err != nil {
			n.warn("HandleSignal", err, "Dropping malformed description")
			return true
		}
		if msg.Type == transport.MessageOffer {
			n.queue.Enqueue(func() { n.handleOffer(desc) })
		} else {
			n.queue.Enqueue(func() { n.handleAnswer(desc) })
		}
	case transport.MessageICECandidate:
		var c transport.Candidate
		if err := msg.Decode(&c); err != nil {
			n.warn("HandleSignal", err, "Dropping malformed candidate")
			return true
		}
		n.queue.Enqueue(func() { n.handleCandidate(c) })
	case transport.MessageICERestartRequest:
		n.queue.Enqueue(n.handleRestartRequest)
	default:
		return false
	}
	return true
}

// MarkDataExchanged records that payload bytes crossed the channel. From
// then on a connection failure is terminal.
func (n *Negotiator) MarkDataExchanged() {
	n.dataExchanged.Store(true)
}

// Wait blocks until the channel first connects, negotiation fails, or ctx ends.
func (n *Negotiator) Wait(ctx context.Context) error {
	select {
	case <-n.connected:
		return nil
	case <-n.done:
		return n.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when negotiation reaches a terminal state.
func (n *Negotiator) Done() <-chan struct{} { return n.done }

// Err returns the terminal error, if any.
func (n *Negotiator) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}

// State returns the current state.
func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// RestartCount returns the number of restarts attempted.
func (n *Negotiator) RestartCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.restartCount
}

// PendingCandidates returns the number of remote candidates held back.
func (n *Negotiator) PendingCandidates() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// Close stops negotiation and closes the peer.
func (n *Negotiator) Close() error {
	n.finish(ErrClosed, false)
	n.queue.Close()
	return n.peer.Close()
}

func (n *Negotiator) handleOffer(desc transport.Description) {
	if n.isDone() {
		return
	}
	if n.role != RoleResponder {
		logrus.WithFields(logrus.Fields{
			"function": "Negotiator.handleOffer",
			"role":     n.role.String(),
		}).Warn("Ignoring offer received by initiator")
		return
	}
	if err := n.peer.SetRemoteDescription(desc); err != nil {
		n.warn("handleOffer", err, "Applying remote offer failed")
		return
	}
	n.flushCandidates()

	answer, err := n.peer.CreateAnswer()
	if err != nil {
		n.warn("handleOffer", err, "Creating answer failed")
		return
	}
	n.send(transport.MessageAnswer, answer)
	if n.State() == StateAwaitingOffer {
		n.setState(StateNegotiating)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Negotiator.handleOffer",
		"ice_restart": desc.ICERestart,
	}).Info("Answered offer")
}

func (n *Negotiator) handleAnswer(desc transport.Description) {
	if n.isDone() {
		return
	}
	if !n.peer.AwaitingAnswer() {
		logrus.WithFields(logrus.Fields{
			"function": "Negotiator.handleAnswer",
			"state":    n.State().String(),
		}).Warn("Ignoring answer: no local offer outstanding")
		return
	}
	if err := n.peer.SetRemoteDescription(desc); err != nil {
		n.warn("handleAnswer", err, "Applying remote answer failed")
		return
	}
	n.flushCandidates()

	logrus.WithFields(logrus.Fields{
		"function": "Negotiator.handleAnswer",
	}).Info("Applied answer")
}

func (n *Negotiator) handleCandidate(c transport.Candidate) {
	if n.isDone() {
		return
	}
	if !n.peer.HasRemoteDescription() {
		n.mu.Lock()
		n.pending = append(n.pending, c)
		queued := len(n.pending)
		n.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "Negotiator.handleCandidate",
			"queued":   queued,
		}).Debug("Holding candidate until remote description is set")
		return
	}
	if err := n.peer.AddICECandidate(c); err != nil {
		n.warn("handleCandidate", err, "Adding remote candidate failed")
	}
}

func (n *Negotiator) flushCandidates() {
	n.mu.Lock()
	pending := n.pending
	n.pending = nil
	n.mu.Unlock()

	for _, c := range pending {
		if err := n.peer.AddICECandidate(c); err != nil {
			n.warn("flushCandidates", err, "Adding held candidate failed")
		}
	}
	if len(pending) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Negotiator.flushCandidates",
			"count":    len(pending),
		}).Debug("Flushed held candidates")
	}
}

func (n *Negotiator) handleConnectionState(s ConnectionState) {
	if n.isDone() {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function":         "Negotiator.handleConnectionState",
		"role":             n.role.String(),
		"connection_state": s.String(),
		"restart_count":    n.RestartCount(),
	}).Info("Connection state changed")

	switch s {
	case ConnectionConnected:
		n.setState(StateConnected)
		n.connectedOnce.Do(func() {
			n.mu.Lock()
			if n.connectTimer != nil {
				n.connectTimer.Stop()
			}
			n.mu.Unlock()
			close(n.connected)
		})
	case ConnectionDisconnected:
		// Not actionable: the agent either recovers or reports failed.
		n.setState(StateDisconnected)
	case ConnectionFailed:
		n.handleFailed()
	}
}

func (n *Negotiator) handleFailed() {
	if n.dataExchanged.Load() {
		n.finish(ErrFailedAfterData, true)
		return
	}
	if n.inCooldown() {
		logrus.WithFields(logrus.Fields{
			"function": "Negotiator.handleFailed",
		}).Warn("Ignoring failure during restart cooldown")
		return
	}
	if !n.takeRestart() {
		n.finish(ErrRestartsExhausted, true)
		return
	}

	if n.role == RoleInitiator {
		n.sendOffer(true)
	} else {
		n.send(transport.MessageICERestartRequest, nil)
	}
}

func (n *Negotiator) handleRestartRequest() {
	if n.isDone() {
		return
	}
	if n.role != RoleInitiator {
		logrus.WithFields(logrus.Fields{
			"function": "Negotiator.handleRestartRequest",
		}).Warn("Ignoring restart request received by responder")
		return
	}
	if n.inCooldown() {
		logrus.WithFields(logrus.Fields{
			"function": "Negotiator.handleRestartRequest",
		}).Warn("Ignoring restart request during cooldown")
		return
	}
	if !n.takeRestart() {
		logrus.WithFields(logrus.Fields{
			"function":      "Negotiator.handleRestartRequest",
			"restart_count": n.RestartCount(),
		}).Warn("Ignoring restart request: restarts exhausted")
		return
	}
	n.sendOffer(true)
}

func (n *Negotiator) handleConnectTimeout() {
	select {
	case <-n.connected:
		return
	default:
	}
	n.finish(ErrConnectTimeout, true)
}

func (n *Negotiator) inCooldown() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return !n.lastRestartAt.IsZero() && n.timeProvider.Since(n.lastRestartAt) < n.config.RestartCooldown
}

// takeRestart consumes one restart attempt if any remain.
func (n *Negotiator) takeRestart() bool {
	n.mu.Lock()
	if n.restartCount >= n.config.MaxRestarts {
		n.mu.Unlock()
		return false
	}
	n.restartCount++
	n.lastRestartAt = n.timeProvider.Now()
	n.state = StateRestarting
	count := n.restartCount
	n.mu.Unlock()

	n.metrics.Restart(n.role.String())
	logrus.WithFields(logrus.Fields{
		"function":      "Negotiator.takeRestart",
		"role":          n.role.String(),
		"restart_count": count,
		"max_restarts":  n.config.MaxRestarts,
	}).Warn("Attempting ICE restart")
	return true
}

func (n *Negotiator) sendOffer(iceRestart bool) {
	if n.isDone() {
		return
	}
	offer, err := n.peer.CreateOffer(iceRestart)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "Negotiator.sendOffer",
			"ice_restart": iceRestart,
			"error":       err.Error(),
		}).Error("Creating offer failed")
		n.finish(err, true)
		return
	}
	offer.ICERestart = iceRestart
	n.send(transport.MessageOffer, offer)
	if !iceRestart {
		n.setState(StateNegotiating)
	}
}

func (n *Negotiator) send(t transport.MessageType, payload interface{}) {
	msg, err := transport.NewMessage(t, payload)
	if err == nil {
		err = n.signaler.SendMessage(msg)
	}
	if err != nil {
		n.warn("send", err, "Sending signal failed")
	}
}

func (n *Negotiator) finish(err error, report bool) {
	n.doneOnce.Do(func() {
		n.mu.Lock()
		n.err = err
		n.state = StateFailed
		if n.connectTimer != nil {
			n.connectTimer.Stop()
		}
		n.mu.Unlock()
		close(n.done)

		if !report {
			return
		}
		n.metrics.NegotiationFailed(failureReason(err))
		logrus.WithFields(logrus.Fields{
			"function":      "Negotiator.finish",
			"role":          n.role.String(),
			"restart_count": n.RestartCount(),
			"error":         err.Error(),
		}).Error("Negotiation failed")
	})
}

func failureReason(err error) string {
	switch err {
	case ErrFailedAfterData:
		return "after_data"
	case ErrRestartsExhausted:
		return "restarts_exhausted"
	case ErrConnectTimeout:
		return "connect_timeout"
	default:
		return "error"
	}
}

func (n *Negotiator) isDone() bool {
	select {
	case <-n.done:
		return true
	default:
		return false
	}
}

func (n *Negotiator) setState(s State) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != StateFailed {
		n.state = s
	}
}

func (n *Negotiator) warn(fn string, err error, msg string) {
	logrus.WithFields(logrus.Fields{
		"function": "Negotiator." + fn,
		"role":     n.role.String(),
		"error":    err.Error(),
	}).Warn(msg)
}
