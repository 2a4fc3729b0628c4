package file

import (
	"sort"
	"time"
)

// WindowConfig bounds the number of unacknowledged chunks in flight.
type WindowConfig struct {
	Initial int `yaml:"initial"`
	Min     int `yaml:"min"`
	Max     int `yaml:"max"`
}

// RelayWindow and DirectWindow are the observed defaults per data plane.
var (
	RelayWindow  = WindowConfig{Initial: 4, Min: 2, Max: 8}
	DirectWindow = WindowConfig{Initial: 2, Min: 2, Max: 4}
)

type pendingChunk struct {
	sentAt  time.Time
	retries int
}

// SendWindow is the sender's AIMD sliding window. It is owned by one Sender
// and is not safe for concurrent use.
type SendWindow struct {
	size, min, max int
	total          int
	nextToSend     int

	pending   map[int]*pendingChunk
	acked     map[int]struct{}
	repair    []int
	repairSet map[int]struct{}
}

// NewSendWindow creates a window over total chunks. The config is clamped so
// that 1 <= min <= initial <= max.
func NewSendWindow(total int, cfg WindowConfig) *SendWindow {
	if cfg.Min < 1 {
		cfg.Min = 1
	}
	if cfg.Max < cfg.Min {
		cfg.Max = cfg.Min
	}
	if cfg.Initial < cfg.Min {
		cfg.Initial = cfg.Min
	}
	if cfg.Initial > cfg.Max {
		cfg.Initial = cfg.Max
	}
	return &SendWindow{
		size:      cfg.Initial,
		min:       cfg.Min,
		max:       cfg.Max,
		total:     total,
		pending:   make(map[int]*pendingChunk),
		acked:     make(map[int]struct{}),
		repairSet: make(map[int]struct{}),
	}
}

// Size returns the current window size.
func (w *SendWindow) Size() int { return w.size }

// Min returns the lower bound.
func (w *SendWindow) Min() int { return w.min }

// Pending returns the number of chunks in flight.
func (w *SendWindow) Pending() int { return len(w.pending) }

// AckedCount returns the number of acknowledged chunks.
func (w *SendWindow) AckedCount() int { return len(w.acked) }

// RepairLen returns the number of chunks queued for repair.
func (w *SendWindow) RepairLen() int { return len(w.repair) }

// IsAcked reports whether index has been acknowledged.
func (w *SendWindow) IsAcked(index int) bool {
	_, ok := w.acked[index]
	return ok
}

// IsPending reports whether index is in flight.
func (w *SendWindow) IsPending(index int) bool {
	_, ok := w.pending[index]
	return ok
}

// IsPinned reports whether index may still need to be sent, so its cached
// bytes must be kept.
func (w *SendWindow) IsPinned(index int) bool {
	if _, ok := w.pending[index]; ok {
		return true
	}
	_, ok := w.repairSet[index]
	return ok
}

// CanSend reports whether another chunk may be put in flight. The check is
// made on admission; a window halved below the in-flight count lets the
// excess drain without sending more.
func (w *SendWindow) CanSend() bool { return len(w.pending) < w.size }

// NextRepair pops the oldest queued repair index.
func (w *SendWindow) NextRepair() (int, bool) {
	for len(w.repair) > 0 {
		idx := w.repair[0]
		w.repair = w.repair[1:]
		if _, ok := w.repairSet[idx]; !ok {
			continue
		}
		delete(w.repairSet, idx)
		return idx, true
	}
	return 0, false
}

// NextNew returns the next never-sent index in ascending order.
func (w *SendWindow) NextNew() (int, bool) {
	if w.nextToSend >= w.total {
		return 0, false
	}
	idx := w.nextToSend
	w.nextToSend++
	return idx, true
}

// MarkSent records a transmission of index at now. A retry adds one to the
// chunk's retry count.
func (w *SendWindow) MarkSent(index int, now time.Time, retry bool) {
	retries := 0
	if prev, ok := w.pending[index]; ok {
		retries = prev.retries
	}
	if retry {
		retries++
	}
	w.pending[index] = &pendingChunk{sentAt: now, retries: retries}
}

// Retries returns the retry count of a pending index.
func (w *SendWindow) Retries(index int) int {
	if p, ok := w.pending[index]; ok {
		return p.retries
	}
	return 0
}

// OnAck records an acknowledgement. It returns true only the first time an
// index is acked; repeats leave the window untouched.
func (w *SendWindow) OnAck(index int) bool {
	if index < 0 || index >= w.total {
		return false
	}
	if _, ok := w.acked[index]; ok {
		return false
	}
	delete(w.pending, index)
	delete(w.repairSet, index)
	w.acked[index] = struct{}{}
	if w.size < w.max {
		w.size++
	}
	return true
}

// OnNack queues the listed indices for repair. Indices already queued are
// ignored. It returns the newly queued indices and, of those, the ones that
// had been acked so the caller can roll back progress. The window halves
// once per call that queued anything.
func (w *SendWindow) OnNack(indices []int) (queued, unacked []int) {
	for _, idx := range indices {
		if idx < 0 || idx >= w.total {
			continue
		}
		if _, ok := w.repairSet[idx]; ok {
			continue
		}
		if _, ok := w.acked[idx]; ok {
			delete(w.acked, idx)
			unacked = append(unacked, idx)
		}
		delete(w.pending, idx)
		w.repairSet[idx] = struct{}{}
		w.repair = append(w.repair, idx)
		queued = append(queued, idx)
	}
	if len(queued) > 0 {
		w.Halve()
	}
	return queued, unacked
}

// Halve applies multiplicative decrease, never going below min.
func (w *SendWindow) Halve() {
	w.size /= 2
	if w.size < w.min {
		w.size = w.min
	}
}

// TimedOut returns pending indices whose last send is at least timeout
// before now, in ascending order.
func (w *SendWindow) TimedOut(now time.Time, timeout time.Duration) []int {
	var out []int
	for idx, p := range w.pending {
		if now.Sub(p.sentAt) >= timeout {
			out = append(out, idx)
		}
	}
	sort.Ints(out)
	return out
}

// NextDeadline returns the earliest retransmit deadline among pending chunks.
func (w *SendWindow) NextDeadline(timeout time.Duration) (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, p := range w.pending {
		d := p.sentAt.Add(timeout)
		if !found || d.Before(earliest) {
			earliest = d
			found = true
		}
	}
	return earliest, found
}

// Complete reports whether every chunk is acked with nothing in flight or queued.
func (w *SendWindow) Complete() bool {
	return len(w.acked) >= w.total && len(w.pending) == 0 && len(w.repairSet) == 0
}

// Release drops all per-chunk state.
func (w *SendWindow) Release() {
	w.pending = make(map[int]*pendingChunk)
	w.repair = nil
	w.repairSet = make(map[int]struct{})
}
