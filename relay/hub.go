package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relaydrop/metrics"
	"github.com/opd-ai/relaydrop/transport"
)

var (
	// ErrRoleTaken indicates a second peer tried to join with an occupied role.
	ErrRoleTaken = errors.New("role already taken for this code")

	// ErrInvalidJoin indicates a malformed or missing join message.
	ErrInvalidJoin = errors.New("invalid join")

	// ErrHubClosed indicates the hub is shutting down.
	ErrHubClosed = errors.New("relay hub closed")
)

// Config tunes the hub.
type Config struct {
	WebSocket transport.WebSocketOptions
	// JoinTimeout bounds the wait for the first message of a connection.
	JoinTimeout time.Duration
	// SessionTimeout closes a peer still waiting alone after this long. Zero
	// disables the sweep.
	SessionTimeout time.Duration
	// SweepInterval is how often Run checks for lonely peers.
	SweepInterval time.Duration
}

// DefaultConfig returns the standard hub settings.
func DefaultConfig() Config {
	return Config{
		WebSocket:      transport.DefaultWebSocketOptions(),
		JoinTimeout:    10 * time.Second,
		SessionTimeout: 10 * time.Minute,
		SweepInterval:  30 * time.Second,
	}
}

type peer struct {
	id     string
	role   transport.Role
	tr     transport.Transport
	joined time.Time
}

type session struct {
	code        string
	peers       map[transport.Role]*peer
	pendingMeta map[int]struct{}
	heldEnd     *transport.Message
}

func (s *session) other(role transport.Role) *peer {
	if role == transport.RoleSender {
		return s.peers[transport.RoleReceiver]
	}
	return s.peers[transport.RoleSender]
}

// Hub pairs peers by pickup code and forwards their frames.
type Hub struct {
	config   Config
	metrics  *metrics.Collector
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
	wg       sync.WaitGroup
}

// NewHub creates a hub.
func NewHub(config Config, m *metrics.Collector) *Hub {
	def := DefaultConfig()
	if config.JoinTimeout <= 0 {
		config.JoinTimeout = def.JoinTimeout
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = def.SweepInterval
	}
	return &Hub{
		config:  config,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*session),
	}
}

// ServeHTTP upgrades the request and serves the peer until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "Hub.ServeHTTP",
			"remote_addr": r.RemoteAddr,
			"error":       err.Error(),
		}).Warn("WebSocket upgrade failed")
		return
	}
	h.Serve(transport.NewWebSocketTransport(conn, h.config.WebSocket))
}

// Serve runs one peer connection until it closes. It is exported so other
// transports can be attached to the hub.
func (h *Hub) Serve(tr transport.Transport) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		tr.Close()
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()
	defer tr.Close()

	p, sess, err := h.awaitJoin(tr)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Hub.Serve",
			"error":    err.Error(),
		}).Warn("Rejecting peer")
		_ = transport.Send(tr, transport.MessageError, transport.ErrorInfo{Reason: err.Error()})
		return
	}
	defer h.leave(sess, p)

	for f := range tr.Frames() {
		h.forward(sess, p, f)
	}
}

func (h *Hub) awaitJoin(tr transport.Transport) (*peer, *session, error) {
	timer := time.NewTimer(h.config.JoinTimeout)
	defer timer.Stop()

	var f transport.Frame
	select {
	case frame, ok := <-tr.Frames():
		if !ok {
			return nil, nil, fmt.Errorf("%w: connection closed before join", ErrInvalidJoin)
		}
		f = frame
	case <-timer.C:
		return nil, nil, fmt.Errorf("%w: no join within %s", ErrInvalidJoin, h.config.JoinTimeout)
	}

	if f.IsBinary() || f.Message.Type != transport.MessageJoin {
		return nil, nil, fmt.Errorf("%w: first message must be join", ErrInvalidJoin)
	}
	var join transport.Join
	if err := f.Message.Decode(&join); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidJoin, err)
	}
	if join.Code == "" {
		return nil, nil, fmt.Errorf("%w: empty code", ErrInvalidJoin)
	}
	if join.Role != transport.RoleSender && join.Role != transport.RoleReceiver {
		return nil, nil, fmt.Errorf("%w: unknown role %q", ErrInvalidJoin, join.Role)
	}

	p := &peer{id: uuid.NewString(), role: join.Role, tr: tr, joined: time.Now()}
	sess, err := h.join(join.Code, p)
	if err != nil {
		return nil, nil, err
	}
	return p, sess, nil
}

func (h *Hub) join(code string, p *peer) (*session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}
	sess, exists := h.sessions[code]
	if !exists {
		sess = &session{
			code:        code,
			peers:       make(map[transport.Role]*peer),
			pendingMeta: make(map[int]struct{}),
		}
		h.sessions[code] = sess
	}
	if _, taken := sess.peers[p.role]; taken {
		return nil, ErrRoleTaken
	}
	sess.peers[p.role] = p
	h.metrics.RelayPeerJoined(!exists)

	other := sess.other(p.role)
	_ = transport.Send(p.tr, transport.MessageJoined, transport.Joined{PeerID: p.id, PeerPresent: other != nil})
	if other != nil {
		_ = transport.Send(other.tr, transport.MessagePeerJoined, transport.Joined{PeerID: p.id, PeerPresent: true})
	}

	logrus.WithFields(logrus.Fields{
		"function":     "Hub.join",
		"pickup_code":  code,
		"peer_id":      p.id,
		"role":         p.role,
		"peer_present": other != nil,
	}).Info("Peer joined")
	return sess, nil
}

func (h *Hub) leave(sess *session, p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sess.peers[p.role] != p {
		return
	}
	delete(sess.peers, p.role)
	if other := sess.other(p.role); other != nil {
		_ = transport.Send(other.tr, transport.MessagePeerLeft, transport.Joined{PeerID: p.id})
	}
	ended := len(sess.peers) == 0
	if ended {
		delete(h.sessions, sess.code)
	} else {
		// A new counterpart starts a fresh transfer.
		sess.pendingMeta = make(map[int]struct{})
		sess.heldEnd = nil
	}
	h.metrics.RelayPeerLeft(ended)

	logrus.WithFields(logrus.Fields{
		"function":      "Hub.leave",
		"pickup_code":   sess.code,
		"peer_id":       p.id,
		"role":          p.role,
		"session_ended": ended,
	}).Info("Peer left")
}

// forward relays f from p to the opposite peer, tracking chunk-meta and ack
// to defer transfer-end.
func (h *Hub) forward(sess *session, from *peer, f transport.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()

	to := sess.other(from.role)
	if to == nil {
		h.metrics.RelayDrop()
		logrus.WithFields(logrus.Fields{
			"function":    "Hub.forward",
			"pickup_code": sess.code,
			"role":        from.role,
		}).Debug("No counterpart yet, dropping frame")
		return
	}

	if f.IsBinary() {
		h.send(sess, to, "binary", func() error { return to.tr.SendBinary(f.Binary) })
		return
	}

	msg := f.Message
	switch msg.Type {
	case transport.MessageJoin:
		return
	case transport.MessageChunkMeta:
		if from.role == transport.RoleSender {
			var meta transport.ChunkMeta
			if err := msg.Decode(&meta); err == nil {
				sess.pendingMeta[meta.Index] = struct{}{}
			}
		}
	case transport.MessageAck:
		if from.role == transport.RoleReceiver {
			var ack transport.Ack
			if err := msg.Decode(&ack); err == nil {
				delete(sess.pendingMeta, ack.Index)
			}
			h.send(sess, to, string(msg.Type), func() error { return to.tr.SendMessage(msg) })
			h.flushEnd(sess, from)
			return
		}
	case transport.MessageTransferEnd:
		if from.role == transport.RoleSender && len(sess.pendingMeta) > 0 {
			sess.heldEnd = msg
			h.metrics.RelayDeferredEnd()
			logrus.WithFields(logrus.Fields{
				"function":      "Hub.forward",
				"pickup_code":   sess.code,
				"pending_count": len(sess.pendingMeta),
			}).Info("Deferring transfer-end until outstanding chunks are acked")
			return
		}
	}
	h.send(sess, to, string(msg.Type), func() error { return to.tr.SendMessage(msg) })
}

// flushEnd forwards a held transfer-end to receiver once nothing is pending.
func (h *Hub) flushEnd(sess *session, receiver *peer) {
	if sess.heldEnd == nil || len(sess.pendingMeta) > 0 {
		return
	}
	end := sess.heldEnd
	sess.heldEnd = nil
	h.send(sess, receiver, string(end.Type), func() error { return receiver.tr.SendMessage(end) })
}

func (h *Hub) send(sess *session, to *peer, kind string, fn func() error) {
	if err := fn(); err != nil {
		h.metrics.RelayDrop()
		logrus.WithFields(logrus.Fields{
			"function":    "Hub.send",
			"pickup_code": sess.code,
			"role":        to.role,
			"kind":        kind,
			"error":       err.Error(),
		}).Warn("Dropping frame for slow or closed peer")
		return
	}
	h.metrics.RelayForwarded(kind)
}

// Sessions returns the number of active pickup codes.
func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Sweep closes peers that waited alone longer than SessionTimeout and
// returns how many were closed.
func (h *Hub) Sweep(now time.Time) int {
	if h.config.SessionTimeout <= 0 {
		return 0
	}
	var stale []*peer
	h.mu.Lock()
	for _, sess := range h.sessions {
		if len(sess.peers) != 1 {
			continue
		}
		for _, p := range sess.peers {
			if now.Sub(p.joined) > h.config.SessionTimeout {
				stale = append(stale, p)
			}
		}
	}
	h.mu.Unlock()

	for _, p := range stale {
		logrus.WithFields(logrus.Fields{
			"function": "Hub.Sweep",
			"peer_id":  p.id,
			"role":     p.role,
		}).Info("Closing peer that waited too long for a counterpart")
		_ = transport.Send(p.tr, transport.MessageError, transport.ErrorInfo{Reason: "session timed out"})
		p.tr.Close()
	}
	return len(stale)
}

// Run sweeps lonely peers until ctx ends, then closes the hub.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			h.Sweep(now)
		case <-ctx.Done():
			h.Close()
			return nil
		}
	}
}

// Close disconnects every peer and waits for their handlers to return.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var peers []*peer
	for _, sess := range h.sessions {
		for _, p := range sess.peers {
			peers = append(peers, p)
		}
	}
	h.mu.Unlock()

	for _, p := range peers {
		p.tr.Close()
	}
	h.wg.Wait()
}
