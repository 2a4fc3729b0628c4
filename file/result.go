package file

import (
	"time"

	"github.com/opd-ai/relaydrop/transport"
)

// Status is the user-visible outcome of a finished transfer.
type Status uint8

const (
	// StatusVerified means the whole-file digest was checked and matched.
	StatusVerified Status = iota
	// StatusUnverified means every chunk verified but no whole-file digest
	// could be compared.
	StatusUnverified
	// StatusDigestMismatch means the data was delivered but the whole-file
	// digest did not match.
	StatusDigestMismatch
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusVerified:
		return "verified"
	case StatusUnverified:
		return "unverified"
	case StatusDigestMismatch:
		return "digest-mismatch"
	default:
		return "unknown"
	}
}

// Integrity modes reported in verify-ok.
const (
	IntegrityFileDigest  = "file-sha256"
	IntegrityChunkDigest = "chunk-sha256"
)

// Result describes a finished transfer.
type Result struct {
	Status         Status
	FileName       string
	Bytes          int64
	TotalChunks    int
	Digest         string
	ExpectedDigest string
	IntegrityMode  string
	Plane          transport.DataPlane
	Duration       time.Duration
}

// EventType identifies a session event.
type EventType uint8

const (
	// EventStarted fires once transfer-start is exchanged.
	EventStarted EventType = iota
	// EventDataExchanged fires on the first payload byte sent or received.
	EventDataExchanged
	// EventProgress reports confirmed bytes.
	EventProgress
	// EventRetransmit reports a chunk sent again.
	EventRetransmit
	// EventRepairRequested reports indices the receiver asked for again.
	EventRepairRequested
	// EventVerifying fires when the sender is waiting for the verification result.
	EventVerifying
)

// String returns the event name.
func (t EventType) String() string {
	switch t {
	case EventStarted:
		return "started"
	case EventDataExchanged:
		return "data-exchanged"
	case EventProgress:
		return "progress"
	case EventRetransmit:
		return "retransmit"
	case EventRepairRequested:
		return "repair-requested"
	case EventVerifying:
		return "verifying"
	default:
		return "unknown"
	}
}

// Event is a typed session notification. Delivery is best effort: events are
// dropped rather than blocking the engine when the consumer falls behind.
type Event struct {
	Type           EventType
	Transferred    int64
	Total          int64
	Chunks         int
	TotalChunks    int
	BytesPerSecond float64
	Index          int
	Indices        []int
}

// Percent returns progress in [0,100].
func (e Event) Percent() float64 {
	if e.TotalChunks == 0 {
		return 100
	}
	return float64(e.Chunks) / float64(e.TotalChunks) * 100
}

type eventSink struct {
	ch chan Event
}

func newEventSink() *eventSink {
	return &eventSink{ch: make(chan Event, 128)}
}

func (s *eventSink) emit(e Event) {
	select {
	case s.ch <- e:
	default:
	}
}

func (s *eventSink) close() { close(s.ch) }
