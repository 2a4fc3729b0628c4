package file

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/relaydrop/chunk"
	"github.com/opd-ai/relaydrop/transport"
)

const testChunkSize = 1024

// mockTimeProvider provides deterministic time for testing.
type mockTimeProvider struct {
	mu          sync.Mutex
	currentTime time.Time
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime
}

func (m *mockTimeProvider) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

func (m *mockTimeProvider) advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTime = m.currentTime.Add(d)
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{
		currentTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func testData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*31 + i/7)
	}
	return data
}

func testSenderConfig() SenderConfig {
	cfg := DefaultSenderConfig(transport.PlaneRelay)
	cfg.ChunkSize = testChunkSize
	cfg.AckTimeout = 100 * time.Millisecond
	cfg.ReadyTimeout = time.Second
	cfg.VerifyTimeout = 5 * time.Second
	cfg.DrainTimeout = time.Second
	return cfg
}

func testReceiverConfig() ReceiverConfig {
	cfg := DefaultReceiverConfig(transport.PlaneRelay)
	cfg.DataTimeout = 2 * time.Second
	return cfg
}

type outcome struct {
	res *Result
	err error
}

// loopback runs a sender and receiver over an in-memory pipe.
type loopback struct {
	data       []byte
	info       FileInfo
	senderCfg  SenderConfig
	senderHook transport.PipeHook
	recvHook   transport.PipeHook
	factory    SinkFactory
	sink       *MemorySink
}

func newLoopback(data []byte) *loopback {
	return &loopback{
		data:      data,
		info:      FileInfo{Name: "payload.bin", Digest: chunk.Digest(data)},
		senderCfg: testSenderConfig(),
		sink:      NewMemorySink(),
	}
}

func (l *loopback) run(t *testing.T) (sent, received outcome) {
	t.Helper()
	src, err := chunk.NewBytesSource(l.data, testChunkSize)
	require.NoError(t, err)

	a, b := transport.NewPipe()
	defer a.Close()
	defer b.Close()
	if l.senderHook != nil {
		a.SetHook(l.senderHook)
	}
	if l.recvHook != nil {
		b.SetHook(l.recvHook)
	}

	factory := l.factory
	if factory == nil {
		factory = func(transport.TransferStart) (Sink, error) { return l.sink, nil }
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sender := NewSender(src, a, l.info, l.senderCfg, nil)
	receiver := NewReceiver(b, factory, testReceiverConfig(), nil)

	recvDone := make(chan outcome, 1)
	go func() {
		res, err := receiver.Run(ctx)
		recvDone <- outcome{res, err}
	}()
	go drain(sender.Events())
	go drain(receiver.Events())

	res, err := sender.Run(ctx)
	sent = outcome{res, err}
	if err != nil {
		// Unblock a receiver waiting on a sender that gave up.
		a.Close()
	}
	select {
	case received = <-recvDone:
	case <-time.After(5 * time.Second):
		t.Fatal("receiver did not finish")
	}
	return sent, received
}

func drain(events <-chan Event) {
	for range events {
	}
}

// chunkTracker remembers the index of the last chunk-meta seen by a hook so
// the following payload can be attributed.
type chunkTracker struct {
	lastMeta int
}

func (c *chunkTracker) observe(f transport.Frame) {
	if f.IsBinary() || f.Message.Type != transport.MessageChunkMeta {
		return
	}
	var meta transport.ChunkMeta
	if err := f.Message.Decode(&meta); err == nil {
		c.lastMeta = meta.Index
	}
}

// corruptOnce flips a byte in the first transmission of target.
func corruptOnce(target int) transport.PipeHook {
	tracker := &chunkTracker{lastMeta: -1}
	done := false
	return func(f transport.Frame) (transport.Frame, bool) {
		tracker.observe(f)
		if f.IsBinary() && tracker.lastMeta == target && !done {
			done = true
			corrupted := append([]byte(nil), f.Binary...)
			corrupted[0] ^= 0xFF
			return transport.Frame{Binary: corrupted}, true
		}
		return f, true
	}
}

// dropChunk drops the meta and payload of target the first times sends.
func dropChunk(target, times int) transport.PipeHook {
	tracker := &chunkTracker{lastMeta: -1}
	dropped := 0
	dropping := false
	return func(f transport.Frame) (transport.Frame, bool) {
		tracker.observe(f)
		if !f.IsBinary() && f.Message.Type == transport.MessageChunkMeta && tracker.lastMeta == target && dropped < times {
			dropping = true
			return f, false
		}
		if f.IsBinary() && dropping {
			dropping = false
			dropped++
			return f, false
		}
		return f, true
	}
}

// nackCounter counts nack messages sent by the receiver.
type nackCounter struct {
	mu      sync.Mutex
	missing map[int]int
}

func newNackCounter() *nackCounter {
	return &nackCounter{missing: make(map[int]int)}
}

func (n *nackCounter) hook(f transport.Frame) (transport.Frame, bool) {
	if !f.IsBinary() && f.Message.Type == transport.MessageNack {
		var nack transport.Nack
		if err := f.Message.Decode(&nack); err == nil {
			n.mu.Lock()
			for _, idx := range nack.Missing {
				n.missing[idx]++
			}
			n.mu.Unlock()
		}
	}
	return f, true
}

func (n *nackCounter) count(idx int) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.missing[idx]
}

// failingSink fails on the configured write.
type failingSink struct {
	failAt  int
	writes  int
	aborted bool
}

func (s *failingSink) Write(p []byte) error {
	s.writes++
	if s.writes == s.failAt {
		return errors.New("disk full")
	}
	return nil
}

func (s *failingSink) Finalize() (string, error) { return "", nil }

func (s *failingSink) Abort() error {
	s.aborted = true
	return nil
}

// stuckTransport never drains its send buffer.
type stuckTransport struct {
	frames chan transport.Frame
	mu     sync.Mutex
	sent   []*transport.Message
}

func newStuckTransport() *stuckTransport {
	return &stuckTransport{frames: make(chan transport.Frame)}
}

func (s *stuckTransport) SendMessage(msg *transport.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *stuckTransport) SendBinary([]byte) error        { return nil }
func (s *stuckTransport) Frames() <-chan transport.Frame { return s.frames }
func (s *stuckTransport) BufferedAmount() uint64         { return 1 << 40 }
func (s *stuckTransport) State() transport.State         { return transport.StateOpen }
func (s *stuckTransport) Close() error                   { return nil }
func (s *stuckTransport) messages() []*transport.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*transport.Message(nil), s.sent...)
}

func recvFrame(t *testing.T, tr transport.Transport) transport.Frame {
	t.Helper()
	select {
	case f, ok := <-tr.Frames():
		require.True(t, ok, "frame channel closed")
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for frame")
		return transport.Frame{}
	}
}

func recvMessage(t *testing.T, tr transport.Transport, want transport.MessageType) *transport.Message {
	t.Helper()
	for {
		f := recvFrame(t, tr)
		if f.IsBinary() {
			continue
		}
		if f.Message.Type == want {
			return f.Message
		}
	}
}

// recordingSink keeps every write handed to it.
type recordingSink struct {
	*MemorySink
	writes [][]byte
}

func (s *recordingSink) Write(p []byte) error {
	s.writes = append(s.writes, append([]byte(nil), p...))
	return s.MemorySink.Write(p)
}
