package relaydrop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/relaydrop/chunk"
	"github.com/opd-ai/relaydrop/config"
	"github.com/opd-ai/relaydrop/file"
	"github.com/opd-ai/relaydrop/metrics"
	"github.com/opd-ai/relaydrop/nat"
	"github.com/opd-ai/relaydrop/negotiation"
	"github.com/opd-ai/relaydrop/transport"
)

// lingerTimeout bounds how long a finished session waits for its last
// control messages to leave the local send buffer.
const lingerTimeout = 2 * time.Second

// Options contains the pluggable parts of a Client.
type Options struct {
	// Mode restricts the data planes the client may use.
	Mode PlaneMode
	// Metrics receives transfer, negotiation and NAT metrics. May be nil.
	Metrics *metrics.Collector
	// Dial opens the relay connection. Defaults to a WebSocket dial of
	// the configured relay URL.
	Dial func(ctx context.Context) (transport.Transport, error)
	// NewPeer creates the local end of a direct channel. Defaults to a
	// pion peer connection using the configured ICE servers.
	NewPeer func() (DirectPeer, error)
	// Gatherer produces address candidates for NAT classification.
	// Defaults to a pion gatherer using the configured ICE servers.
	Gatherer nat.Gatherer
	// StallTimeout aborts a running transfer that makes no progress for
	// this long. Zero disables the check.
	StallTimeout time.Duration
	// OnSession is called for every new session before it starts, so
	// callers can register progress and completion callbacks.
	OnSession func(*file.Session)
}

// NewOptions returns the default options: automatic plane selection and
// the default stall timeout.
func NewOptions() *Options {
	return &Options{
		Mode:         ModeAuto,
		StallTimeout: file.DefaultStallTimeout,
	}
}

// Client sends and receives files through a relay, upgrading to a direct
// channel when the network allows it.
type Client struct {
	config     *config.Config
	mode       PlaneMode
	metrics    *metrics.Collector
	manager    *file.Manager
	classifier *nat.Classifier
	dial       func(ctx context.Context) (transport.Transport, error)
	newPeer    func() (DirectPeer, error)
	stall      time.Duration
	onSession  func(*file.Session)
}

// engine is the part of file.Sender and file.Receiver the client drives.
type engine interface {
	Events() <-chan file.Event
	Run(ctx context.Context) (*file.Result, error)
}

// builder creates the engine for the selected data path. The returned
// function releases whatever the engine holds.
type builder func(path *dataPath) (engine, func(), error)

// New creates a client from cfg. A nil cfg uses config.Default and nil
// options use NewOptions.
func New(cfg *config.Config, options *Options) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if options == nil {
		options = NewOptions()
	}

	c := &Client{
		config:    cfg,
		mode:      options.Mode,
		metrics:   options.Metrics,
		manager:   file.NewManager(),
		dial:      options.Dial,
		newPeer:   options.NewPeer,
		stall:     options.StallTimeout,
		onSession: options.OnSession,
	}
	if c.stall > 0 {
		c.manager.SetStallTimeout(c.stall)
	}
	if c.dial == nil {
		c.dial = func(ctx context.Context) (transport.Transport, error) {
			return transport.DialWebSocket(ctx, cfg.Relay.URL, cfg.WebSocketOptions())
		}
	}
	if c.newPeer == nil {
		c.newPeer = func() (DirectPeer, error) {
			return newPionDirectPeer(cfg.Negotiation.ICEServers)
		}
	}
	if c.mode != ModeRelay {
		g := options.Gatherer
		if g == nil {
			g = &nat.PionGatherer{ICEServers: negotiation.ICEServers(cfg.Negotiation.ICEServers)}
		}
		c.classifier = nat.NewClassifier(g, cfg.ClassifierConfig(), c.metrics)
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"relay":    cfg.Relay.URL,
		"mode":     c.mode.String(),
	}).Info("Created client")
	return c, nil
}

// Manager returns the session registry.
func (c *Client) Manager() *file.Manager { return c.manager }

// Send transfers the file at path to the receiver joined under code.
func (c *Client) Send(ctx context.Context, code, path string) (*file.Result, error) {
	probe, err := chunk.OpenFile(path, c.config.Transfer.Relay.ChunkSize)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	info := file.FileInfo{Name: probe.Name(), Size: probe.Size()}
	info.Digest, err = probe.FileDigest()
	_ = probe.Close()
	if err != nil {
		return nil, fmt.Errorf("digest %s: %w", path, err)
	}

	sess, err := c.manager.Open(code, transport.RoleSender, info.Name, info.Size)
	if err != nil {
		return nil, err
	}
	return c.run(ctx, sess, func(p *dataPath) (engine, func(), error) {
		cfg := c.config.SenderConfig(p.plane)
		src, err := chunk.OpenFile(path, cfg.ChunkSize)
		if err != nil {
			return nil, nil, &file.TransferError{Kind: file.KindSinkFailure, Index: -1, Reason: "reopen source", Err: err}
		}
		s := file.NewSender(src, p.tr, info, cfg, c.metrics)
		return s, func() { _ = src.Close() }, nil
	})
}

// Receive accepts the file offered under code, writing it to a sink from
// factory.
func (c *Client) Receive(ctx context.Context, code string, factory file.SinkFactory) (*file.Result, error) {
	sess, err := c.manager.Open(code, transport.RoleReceiver, "", 0)
	if err != nil {
		return nil, err
	}
	return c.run(ctx, sess, func(p *dataPath) (engine, func(), error) {
		r := file.NewReceiver(p.tr, factory, c.config.ReceiverConfig(p.plane), c.metrics)
		return r, func() {}, nil
	})
}

func (c *Client) run(ctx context.Context, sess *file.Session, build builder) (*file.Result, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	sess.Bind(func() { cancel(file.ErrCancelled) })
	if c.onSession != nil {
		c.onSession(sess)
	}

	res, err := c.transfer(ctx, cancel, sess, build)
	sess.Finish(res, err)
	return res, err
}

func (c *Client) transfer(ctx context.Context, cancel context.CancelCauseFunc, sess *file.Session, build builder) (*file.Result, error) {
	tr, err := c.dial(ctx)
	if err != nil {
		return nil, setupError(ctx, err, "connect to relay")
	}
	link, err := join(ctx, tr, sess.Code, sess.Role)
	if err != nil {
		_ = tr.Close()
		return nil, setupError(ctx, err, "join relay session")
	}
	defer link.Close()

	path, err := c.selectPlane(ctx, sess, link)
	if err != nil {
		return nil, setupError(ctx, err, "select data plane")
	}
	defer path.close()

	eng, release, err := build(path)
	if err != nil {
		return nil, err
	}
	defer release()

	return c.drive(ctx, cancel, sess, path, eng)
}

// drive runs the engine to completion alongside the event tracker, the
// direct channel watcher and the stall guard.
func (c *Client) drive(ctx context.Context, cancel context.CancelCauseFunc, sess *file.Session, path *dataPath, eng engine) (*file.Result, error) {
	if err := sess.Begin(path.plane); err != nil {
		return nil, err
	}
	if path.neg != nil {
		sess.OnDataExchanged(path.neg.MarkDataExchanged)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Client.drive",
		"session_id":  sess.ID,
		"pickup_code": sess.Code,
		"role":        sess.Role,
		"plane":       path.plane,
	}).Info("Transfer running")

	engineDone := make(chan struct{})
	var (
		g   errgroup.Group
		res *file.Result
	)
	g.Go(func() error {
		c.manager.Track(sess, eng.Events())
		return nil
	})
	if path.neg != nil {
		g.Go(func() error {
			watch(path.neg, cancel, engineDone)
			return nil
		})
	}
	if c.stall > 0 {
		g.Go(func() error {
			c.guard(sess, cancel, engineDone)
			return nil
		})
	}
	g.Go(func() error {
		defer close(engineDone)
		var err error
		res, err = eng.Run(ctx)
		return err
	})
	err := g.Wait()

	if err != nil {
		cause := context.Cause(ctx)
		switch {
		case isNegotiationFailure(cause):
			err = file.FromNegotiation(cause)
		case errors.Is(cause, file.ErrTransferStalled):
			err = &file.TransferError{Kind: file.KindTransientNetwork, Index: -1, Reason: "no progress", Err: cause}
		}
	}
	linger(path.tr)
	return res, err
}

// guard cancels the engine when the session stops making progress. The
// sender's verification wait has its own timeout, so the guard stands down
// once verification starts.
func (c *Client) guard(sess *file.Session, cancel context.CancelCauseFunc, engineDone <-chan struct{}) {
	verifying := make(chan struct{})
	var once sync.Once
	sess.OnProgress(func(ev file.Event) {
		if ev.Type == file.EventVerifying {
			once.Do(func() { close(verifying) })
		}
	})

	ticker := time.NewTicker(c.stall / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := sess.CheckTimeout(c.stall); err != nil {
				cancel(err)
				return
			}
		case <-verifying:
			return
		case <-engineDone:
			return
		}
	}
}

func isNegotiationFailure(err error) bool {
	return errors.Is(err, negotiation.ErrFailedAfterData) ||
		errors.Is(err, negotiation.ErrRestartsExhausted) ||
		errors.Is(err, negotiation.ErrConnectTimeout)
}

// setupError classifies a failure before the engine started.
func setupError(ctx context.Context, err error, reason string) error {
	var te *file.TransferError
	if errors.As(err, &te) {
		return err
	}
	kind := file.KindTransientNetwork
	if ctx.Err() != nil {
		kind = file.KindAborted
	}
	return &file.TransferError{Kind: kind, Index: -1, Reason: reason, Err: err}
}

// linger gives the final control messages a chance to leave before the
// transport is closed.
func linger(tr transport.Transport) {
	deadline := time.Now().Add(lingerTimeout)
	for tr.BufferedAmount() > 0 && tr.State() == transport.StateOpen && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
}
