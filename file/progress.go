package file

import (
	"time"
)

// DefaultSpeedWindow is the trailing window used for throughput.
const DefaultSpeedWindow = 1800 * time.Millisecond

type speedSample struct {
	at    time.Time
	bytes int64
}

// SpeedMeter derives throughput from a cumulative byte counter over a
// trailing window. Only confirmed bytes should be fed to it.
type SpeedMeter struct {
	window  time.Duration
	samples []speedSample
}

// NewSpeedMeter creates a meter over the given window.
func NewSpeedMeter(window time.Duration) *SpeedMeter {
	if window <= 0 {
		window = DefaultSpeedWindow
	}
	return &SpeedMeter{window: window}
}

// Observe records the cumulative byte count at now and returns the current rate.
func (m *SpeedMeter) Observe(now time.Time, total int64) float64 {
	m.samples = append(m.samples, speedSample{at: now, bytes: total})
	for len(m.samples) > 1 && now.Sub(m.samples[0].at) > m.window {
		m.samples = m.samples[1:]
	}
	return m.Rate()
}

// Rate returns bytes per second across the retained samples.
func (m *SpeedMeter) Rate() float64 {
	if len(m.samples) < 2 {
		return 0
	}
	first, last := m.samples[0], m.samples[len(m.samples)-1]
	elapsed := last.at.Sub(first.at).Seconds()
	if elapsed < 0.001 {
		elapsed = 0.001
	}
	delta := last.bytes - first.bytes
	if delta < 0 {
		delta = 0
	}
	return float64(delta) / elapsed
}
