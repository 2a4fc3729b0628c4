// Package metrics exposes Prometheus collectors for transfer engines, peer
// negotiation, NAT classification and the relay hub.
//
// Every method is safe to call on a nil *Collector so components can run
// without instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relaydrop"

// Collector groups every metric the module records.
type Collector struct {
	ChunksSent      *prometheus.CounterVec
	ChunksRetried   *prometheus.CounterVec
	ChunksAcked     *prometheus.CounterVec
	ChunksNacked    *prometheus.CounterVec
	ChunksReceived  *prometheus.CounterVec
	BytesAcked      *prometheus.CounterVec
	BytesPersisted  *prometheus.CounterVec
	WindowSize      *prometheus.GaugeVec
	Transfers       *prometheus.CounterVec
	ICERestarts     *prometheus.CounterVec
	NegotiationFail *prometheus.CounterVec
	NATClasses      *prometheus.CounterVec
	RelaySessions   prometheus.Gauge
	RelayPeers      prometheus.Gauge
	RelayFrames     *prometheus.CounterVec
	RelayDropped    prometheus.Counter
	RelayDeferred   prometheus.Counter
}

// NewCollector creates the collectors and registers them with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		ChunksSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sender",
			Name:      "chunks_sent_total",
			Help:      "Chunk payloads sent, including retransmissions",
		}, []string{"plane"}),

		ChunksRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sender",
			Name:      "chunks_retransmitted_total",
			Help:      "Chunk payloads resent after a nack or timeout",
		}, []string{"plane", "reason"}),

		ChunksAcked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sender",
			Name:      "chunks_acked_total",
			Help:      "Chunks newly acknowledged by the receiver",
		}, []string{"plane"}),

		ChunksNacked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "receiver",
			Name:      "chunks_nacked_total",
			Help:      "Chunk indices requested again by the receiver",
		}, []string{"reason"}),

		ChunksReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "receiver",
			Name:      "chunks_received_total",
			Help:      "Chunk payloads received by outcome",
		}, []string{"outcome"}),

		BytesAcked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sender",
			Name:      "bytes_acked_total",
			Help:      "Payload bytes acknowledged by the receiver",
		}, []string{"plane"}),

		BytesPersisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "receiver",
			Name:      "bytes_persisted_total",
			Help:      "Payload bytes written to the sink in order",
		}, []string{"plane"}),

		WindowSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sender",
			Name:      "window_size",
			Help:      "Current send window size in chunks",
		}, []string{"plane"}),

		Transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Finished transfers by role and outcome",
		}, []string{"role", "outcome"}),

		ICERestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "negotiation",
			Name:      "ice_restarts_total",
			Help:      "ICE restarts initiated or requested",
		}, []string{"role"}),

		NegotiationFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "negotiation",
			Name:      "failures_total",
			Help:      "Terminal negotiation failures by reason",
		}, []string{"reason"}),

		NATClasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "nat",
			Name:      "classifications_total",
			Help:      "NAT classifications by class",
		}, []string{"class"}),

		RelaySessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "active_sessions",
			Help:      "Sessions with at least one connected peer",
		}),

		RelayPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connected_peers",
			Help:      "Currently connected peers",
		}),

		RelayFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_forwarded_total",
			Help:      "Frames forwarded between peers by kind",
		}, []string{"kind"}),

		RelayDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped because a peer send queue was full",
		}),

		RelayDeferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "transfer_end_deferred_total",
			Help:      "transfer-end messages held until outstanding chunks were acked",
		}),
	}

	reg.MustRegister(
		c.ChunksSent,
		c.ChunksRetried,
		c.ChunksAcked,
		c.ChunksNacked,
		c.ChunksReceived,
		c.BytesAcked,
		c.BytesPersisted,
		c.WindowSize,
		c.Transfers,
		c.ICERestarts,
		c.NegotiationFail,
		c.NATClasses,
		c.RelaySessions,
		c.RelayPeers,
		c.RelayFrames,
		c.RelayDropped,
		c.RelayDeferred,
	)
	return c
}

// Handler returns an HTTP handler serving the metrics in gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// ChunkSent records one chunk transmission.
func (c *Collector) ChunkSent(plane string, retry bool, reason string) {
	if c == nil {
		return
	}
	c.ChunksSent.WithLabelValues(plane).Inc()
	if retry {
		c.ChunksRetried.WithLabelValues(plane, reason).Inc()
	}
}

// ChunkAcked records a newly acknowledged chunk of n bytes.
func (c *Collector) ChunkAcked(plane string, n int) {
	if c == nil {
		return
	}
	c.ChunksAcked.WithLabelValues(plane).Inc()
	c.BytesAcked.WithLabelValues(plane).Add(float64(n))
}

// SetWindow records the current window size.
func (c *Collector) SetWindow(plane string, size int) {
	if c == nil {
		return
	}
	c.WindowSize.WithLabelValues(plane).Set(float64(size))
}

// ChunkReceived records a payload outcome: accepted, duplicate or corrupt.
func (c *Collector) ChunkReceived(outcome string) {
	if c == nil {
		return
	}
	c.ChunksReceived.WithLabelValues(outcome).Inc()
}

// Nacked records n indices requested again.
func (c *Collector) Nacked(reason string, n int) {
	if c == nil {
		return
	}
	c.ChunksNacked.WithLabelValues(reason).Add(float64(n))
}

// Persisted records n bytes flushed to a sink.
func (c *Collector) Persisted(plane string, n int) {
	if c == nil {
		return
	}
	c.BytesPersisted.WithLabelValues(plane).Add(float64(n))
}

// TransferFinished records a terminal transfer outcome.
func (c *Collector) TransferFinished(role, outcome string) {
	if c == nil {
		return
	}
	c.Transfers.WithLabelValues(role, outcome).Inc()
}

// Restart records an ICE restart attempt.
func (c *Collector) Restart(role string) {
	if c == nil {
		return
	}
	c.ICERestarts.WithLabelValues(role).Inc()
}

// NegotiationFailed records a terminal negotiation failure.
func (c *Collector) NegotiationFailed(reason string) {
	if c == nil {
		return
	}
	c.NegotiationFail.WithLabelValues(reason).Inc()
}

// NATClassified records one NAT assessment.
func (c *Collector) NATClassified(class string) {
	if c == nil {
		return
	}
	c.NATClasses.WithLabelValues(class).Inc()
}

// RelayPeerJoined records a peer attaching to the hub, and a new session when
// it is the first peer of its code.
func (c *Collector) RelayPeerJoined(newSession bool) {
	if c == nil {
		return
	}
	c.RelayPeers.Inc()
	if newSession {
		c.RelaySessions.Inc()
	}
}

// RelayPeerLeft records a peer detaching, and the session ending when it was
// the last peer.
func (c *Collector) RelayPeerLeft(sessionEnded bool) {
	if c == nil {
		return
	}
	c.RelayPeers.Dec()
	if sessionEnded {
		c.RelaySessions.Dec()
	}
}

// RelayForwarded records one forwarded frame of kind.
func (c *Collector) RelayForwarded(kind string) {
	if c == nil {
		return
	}
	c.RelayFrames.WithLabelValues(kind).Inc()
}

// RelayDrop records a frame dropped on a full peer queue.
func (c *Collector) RelayDrop() {
	if c == nil {
		return
	}
	c.RelayDropped.Inc()
}

// RelayDeferredEnd records a transfer-end held back by the hub.
func (c *Collector) RelayDeferredEnd() {
	if c == nil {
		return
	}
	c.RelayDeferred.Inc()
}
