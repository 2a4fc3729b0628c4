package negotiation

import (
	"errors"
	"sync"
	"time"

	"github.com/opd-ai/relaydrop/transport"
)

// mockTimeProvider is a controllable time source for cooldown tests.
type mockTimeProvider struct {
	mu  sync.Mutex
	now time.Time
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockTimeProvider) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

func (m *mockTimeProvider) advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// fakePeer records every call the negotiator makes on the connection.
type fakePeer struct {
	mu             sync.Mutex
	calls          []string
	remoteSet      bool
	awaitingAnswer bool
	candidates     []string
	offerErr       error
	remoteErr      error
	onCandidate    func(transport.Candidate)
	onState        func(ConnectionState)
	closed         bool
}

func (p *fakePeer) record(call string) {
	p.calls = append(p.calls, call)
}

func (p *fakePeer) CreateOffer(iceRestart bool) (transport.Description, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if iceRestart {
		p.record("offer-restart")
	} else {
		p.record("offer")
	}
	if p.offerErr != nil {
		return transport.Description{}, p.offerErr
	}
	p.awaitingAnswer = true
	return transport.Description{Type: "offer", SDP: "v=0 offer"}, nil
}

func (p *fakePeer) CreateAnswer() (transport.Description, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("answer")
	return transport.Description{Type: "answer", SDP: "v=0 answer"}, nil
}

func (p *fakePeer) SetRemoteDescription(desc transport.Description) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("remote-" + desc.Type)
	if p.remoteErr != nil {
		return p.remoteErr
	}
	p.remoteSet = true
	if desc.Type == "answer" {
		p.awaitingAnswer = false
	}
	return nil
}

func (p *fakePeer) AddICECandidate(c transport.Candidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.remoteSet {
		return errors.New("remote description not set")
	}
	p.record("candidate")
	p.candidates = append(p.candidates, c.Candidate)
	return nil
}

func (p *fakePeer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteSet
}

func (p *fakePeer) AwaitingAnswer() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.awaitingAnswer
}

func (p *fakePeer) OnICECandidate(fn func(transport.Candidate)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCandidate = fn
}

func (p *fakePeer) OnConnectionStateChange(fn func(ConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) emitState(s ConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	fn(s)
}

func (p *fakePeer) emitCandidate(line string) {
	p.mu.Lock()
	fn := p.onCandidate
	p.mu.Unlock()
	fn(transport.Candidate{Candidate: line})
}

func (p *fakePeer) callLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakePeer) appliedCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.candidates...)
}

// recordingSignaler captures outbound negotiation messages.
type recordingSignaler struct {
	mu   sync.Mutex
	sent []*transport.Message
}

func (s *recordingSignaler) SendMessage(msg *transport.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *recordingSignaler) count(t transport.MessageType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.sent {
		if m.Type == t {
			n++
		}
	}
	return n
}

func (s *recordingSignaler) types() []transport.MessageType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transport.MessageType, len(s.sent))
	for i, m := range s.sent {
		out[i] = m.Type
	}
	return out
}

func signal(t transport.MessageType, payload interface{}) *transport.Message {
	msg, err := transport.NewMessage(t, payload)
	if err != nil {
		panic(err)
	}
	return msg
}
