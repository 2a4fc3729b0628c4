package relaydrop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/relaydrop/config"
	"github.com/opd-ai/relaydrop/file"
	"github.com/opd-ai/relaydrop/negotiation"
	"github.com/opd-ai/relaydrop/relay"
	"github.com/opd-ai/relaydrop/transport"
)

// testConfig shrinks chunks and timeouts so transfers finish quickly.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Transfer.Relay.ChunkSize = 1024
	cfg.Transfer.Direct.ChunkSize = 1024
	cfg.Transfer.Relay.AckTimeout = config.Duration(500 * time.Millisecond)
	cfg.Transfer.Direct.AckTimeout = config.Duration(500 * time.Millisecond)
	cfg.Transfer.ReadyTimeout = config.Duration(time.Second)
	cfg.Negotiation.ConnectTimeout = config.Duration(300 * time.Millisecond)
	cfg.NAT.ProbeWindow = config.Duration(200 * time.Millisecond)
	cfg.NAT.Grace = config.Duration(20 * time.Millisecond)
	return cfg
}

func newHub(t *testing.T) *relay.Hub {
	t.Helper()
	hub := relay.NewHub(relay.DefaultConfig(), nil)
	t.Cleanup(hub.Close)
	return hub
}

// hubDialer connects clients to hub over in-memory pipes.
func hubDialer(hub *relay.Hub) func(ctx context.Context) (transport.Transport, error) {
	return func(ctx context.Context) (transport.Transport, error) {
		client, server := transport.NewPipe()
		go hub.Serve(server)
		return client, nil
	}
}

// staticGatherer reports a fixed candidate set and completes.
type staticGatherer struct {
	types []string
}

func (g staticGatherer) Gather(ctx context.Context) (<-chan string, error) {
	out := make(chan string, len(g.types))
	for _, typ := range g.types {
		out <- "candidate:1 1 udp 2130706431 192.0.2.1 50000 typ " + typ
	}
	close(out)
	return out, nil
}

var (
	publicNAT    = staticGatherer{types: []string{"host"}}
	symmetricNAT = staticGatherer{types: []string{"host", "relay"}}
)

// fakeDirectPeer connects as soon as a remote description is applied and
// hands out one end of a shared pipe as the data channel.
type fakeDirectPeer struct {
	mu        sync.Mutex
	tr        transport.Transport
	connect   bool
	remoteSet bool
	awaiting  bool
	onState   func(negotiation.ConnectionState)
	closed    bool
}

// fakePeerPair returns peer factories for a sender and a receiver client.
// When connect is false the peers never reach connected.
func fakePeerPair(connect bool) (func() (DirectPeer, error), func() (DirectPeer, error)) {
	a, b := transport.NewPipe()
	sender := &fakeDirectPeer{tr: a, connect: connect}
	receiver := &fakeDirectPeer{tr: b, connect: connect}
	return func() (DirectPeer, error) { return sender, nil },
		func() (DirectPeer, error) { return receiver, nil }
}

func (p *fakeDirectPeer) CreateOffer(iceRestart bool) (transport.Description, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.awaiting = true
	return transport.Description{Type: "offer", SDP: "v=0 offer", ICERestart: iceRestart}, nil
}

func (p *fakeDirectPeer) CreateAnswer() (transport.Description, error) {
	return transport.Description{Type: "answer", SDP: "v=0 answer"}, nil
}

func (p *fakeDirectPeer) SetRemoteDescription(desc transport.Description) error {
	p.mu.Lock()
	p.remoteSet = true
	if desc.Type == "answer" {
		p.awaiting = false
	}
	fn := p.onState
	connect := p.connect
	p.mu.Unlock()

	if connect && fn != nil {
		go fn(negotiation.ConnectionConnected)
	}
	return nil
}

func (p *fakeDirectPeer) AddICECandidate(c transport.Candidate) error { return nil }

func (p *fakeDirectPeer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteSet
}

func (p *fakeDirectPeer) AwaitingAnswer() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.awaiting
}

func (p *fakeDirectPeer) OnICECandidate(fn func(transport.Candidate)) {}

func (p *fakeDirectPeer) OnConnectionStateChange(fn func(negotiation.ConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

func (p *fakeDirectPeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakeDirectPeer) Channel(initiator bool) (<-chan transport.Transport, error) {
	out := make(chan transport.Transport, 1)
	if p.connect {
		out <- p.tr
	}
	return out, nil
}

func (p *fakeDirectPeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// outcome is one side's result.
type outcome struct {
	res *file.Result
	err error
}

// pair runs a sender and a receiver client against each other and returns
// both outcomes.
func pair(t *testing.T, sender, receiver *Client, code, path, dir string) (outcome, outcome) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	sent := make(chan outcome, 1)
	received := make(chan outcome, 1)
	go func() {
		res, err := sender.Send(ctx, code, path)
		sent <- outcome{res, err}
	}()
	go func() {
		res, err := receiver.Receive(ctx, code, file.FileSinkFactory(dir))
		received <- outcome{res, err}
	}()

	var s, r outcome
	for i := 0; i < 2; i++ {
		select {
		case s = <-sent:
		case r = <-received:
		case <-time.After(25 * time.Second):
			require.FailNow(t, "transfer did not finish")
		}
	}
	return s, r
}
