package relaydrop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relaydrop/file"
	"github.com/opd-ai/relaydrop/nat"
	"github.com/opd-ai/relaydrop/negotiation"
	"github.com/opd-ai/relaydrop/transport"
)

// PlaneMode restricts which data planes a client may use.
type PlaneMode uint8

const (
	// ModeAuto tries the direct plane when both NAT scores allow it and
	// falls back to the relay.
	ModeAuto PlaneMode = iota
	// ModeRelay always carries chunks through the relay.
	ModeRelay
	// ModeDirect requires the direct plane and fails if it cannot connect.
	ModeDirect
)

// String returns the mode name.
func (m PlaneMode) String() string {
	switch m {
	case ModeAuto:
		return "auto"
	case ModeRelay:
		return "relay"
	case ModeDirect:
		return "direct"
	default:
		return "unknown"
	}
}

// ParsePlaneMode converts a mode name. Unknown names yield ModeAuto.
func ParsePlaneMode(s string) PlaneMode {
	switch s {
	case "relay":
		return ModeRelay
	case "direct":
		return ModeDirect
	default:
		return ModeAuto
	}
}

// natInfoSlack is added to the probe window when waiting for the peer's
// NAT announcement.
const natInfoSlack = 5 * time.Second

// DirectPeer is a negotiation peer that also yields the direct data channel.
type DirectPeer interface {
	negotiation.Peer
	// Channel delivers the data transport once it is open. The initiator
	// creates the channel; the responder accepts the one the peer created.
	Channel(initiator bool) (<-chan transport.Transport, error)
}

// pionDirectPeer adapts negotiation.PionPeer to DirectPeer.
type pionDirectPeer struct {
	*negotiation.PionPeer
	closed    chan struct{}
	closeOnce sync.Once
}

func newPionDirectPeer(iceServers []string) (DirectPeer, error) {
	p, err := negotiation.NewPionPeer(negotiation.ICEServers(iceServers))
	if err != nil {
		return nil, err
	}
	return &pionDirectPeer{PionPeer: p, closed: make(chan struct{})}, nil
}

func (p *pionDirectPeer) Channel(initiator bool) (<-chan transport.Transport, error) {
	out := make(chan transport.Transport, 1)
	deliver := func(dc *transport.DataChannelTransport) {
		go func() {
			select {
			case <-dc.Opened():
				select {
				case out <- dc:
				default:
				}
			case <-p.closed:
			}
		}()
	}
	if !initiator {
		p.OnDataChannel(deliver)
		return out, nil
	}
	dc, err := p.CreateDataChannel()
	if err != nil {
		return nil, err
	}
	deliver(dc)
	return out, nil
}

func (p *pionDirectPeer) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return p.PionPeer.Close()
}

// dataPath is the channel an engine runs over.
type dataPath struct {
	plane transport.DataPlane
	tr    transport.Transport
	neg   *negotiation.Negotiator
}

func (d *dataPath) close() {
	if d.neg == nil {
		return
	}
	_ = d.tr.Close()
	_ = d.neg.Close()
}

// selectPlane exchanges NAT assessments with the peer and, when the combined
// score allows, negotiates a direct channel. Any direct failure before data
// moves falls back to the relay unless the client requires the direct plane.
func (c *Client) selectPlane(ctx context.Context, sess *file.Session, link *relayLink) (*dataPath, error) {
	relay := &dataPath{plane: transport.PlaneRelay, tr: link}
	if c.mode == ModeRelay || c.classifier == nil {
		return relay, nil
	}

	local := c.classifier.ForSession(ctx, sess.ID)
	defer c.classifier.Forget(sess.ID)
	if err := transport.Send(link, transport.MessageNATInfo, transport.NATInfo{
		Class: local.Class.String(),
		Score: local.Score,
		Role:  sess.Role,
	}); err != nil {
		return nil, fmt.Errorf("send nat-info: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.config.NAT.ProbeWindow.Std()+natInfoSlack)
	remote, ok := link.awaitNATInfo(waitCtx)
	cancel()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fields := logrus.Fields{
		"function":    "Client.selectPlane",
		"pickup_code": sess.Code,
		"local_class": local.Class.String(),
		"local_score": local.Score,
	}
	if !ok {
		logrus.WithFields(fields).Warn("Peer did not announce its NAT, using relay")
		if c.mode == ModeDirect {
			return nil, &file.TransferError{Kind: file.KindNegotiationFailure, Index: -1, Reason: "peer did not announce its NAT"}
		}
		return relay, nil
	}

	score := nat.CombinedScore(local.Score, remote.Score)
	fields["remote_class"] = remote.Class
	fields["remote_score"] = remote.Score
	fields["combined_score"] = score
	logrus.WithFields(fields).Info(nat.Advice(score))

	if c.mode == ModeAuto && !nat.PreferDirect(score, c.config.Transfer.MinDirectScore) {
		return relay, nil
	}

	path, err := c.negotiate(ctx, sess, link)
	if err == nil {
		return path, nil
	}
	if ctx.Err() != nil || c.mode == ModeDirect {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"function":    "Client.selectPlane",
		"pickup_code": sess.Code,
		"error":       err.Error(),
	}).Warn("Direct channel unavailable, falling back to relay")
	return relay, nil
}

// negotiate sets up the direct channel. The sender offers and creates the
// channel; the receiver answers and accepts it.
func (c *Client) negotiate(ctx context.Context, sess *file.Session, link *relayLink) (*dataPath, error) {
	peer, err := c.newPeer()
	if err != nil {
		return nil, fmt.Errorf("create direct peer: %w", err)
	}

	role := negotiation.RoleResponder
	if sess.Role == transport.RoleSender {
		role = negotiation.RoleInitiator
	}
	channels, err := peer.Channel(role == negotiation.RoleInitiator)
	if err != nil {
		_ = peer.Close()
		return nil, fmt.Errorf("open data channel: %w", err)
	}

	if err := sess.Negotiating(); err != nil {
		_ = peer.Close()
		return nil, err
	}
	neg := negotiation.New(role, peer, link, c.config.NegotiatorConfig(), c.metrics)
	link.attach(neg)
	neg.Start()

	if err := neg.Wait(ctx); err != nil {
		_ = neg.Close()
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, file.FromNegotiation(err)
	}

	timer := time.NewTimer(c.config.Negotiation.ConnectTimeout.Std())
	defer timer.Stop()
	select {
	case tr := <-channels:
		logrus.WithFields(logrus.Fields{
			"function":    "Client.negotiate",
			"pickup_code": sess.Code,
			"role":        role.String(),
		}).Info("Direct channel open")
		return &dataPath{plane: transport.PlaneDirect, tr: tr, neg: neg}, nil
	case <-neg.Done():
		_ = neg.Close()
		return nil, file.FromNegotiation(neg.Err())
	case <-timer.C:
		_ = neg.Close()
		return nil, file.FromNegotiation(negotiation.ErrConnectTimeout)
	case <-ctx.Done():
		_ = neg.Close()
		return nil, ctx.Err()
	}
}

// watch cancels the engine when the direct channel fails for good. It
// returns when either the negotiator or the engine is done.
func watch(neg *negotiation.Negotiator, cancel context.CancelCauseFunc, engineDone <-chan struct{}) {
	select {
	case <-neg.Done():
		if err := neg.Err(); err != nil && !errors.Is(err, negotiation.ErrClosed) {
			cancel(err)
		}
	case <-engineDone:
	}
}
