package file

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relaydrop/chunk"
	"github.com/opd-ai/relaydrop/limits"
	"github.com/opd-ai/relaydrop/metrics"
	"github.com/opd-ai/relaydrop/transport"
)

// ReceiverConfig tunes the receiving engine.
type ReceiverConfig struct {
	Plane       transport.DataPlane
	DataTimeout time.Duration
	SpeedWindow time.Duration
	// NackBatch caps the indices carried by one nack message.
	NackBatch int
}

// DefaultReceiverConfig returns the observed receiver defaults.
func DefaultReceiverConfig(plane transport.DataPlane) ReceiverConfig {
	return ReceiverConfig{
		Plane:       plane,
		DataTimeout: 5 * time.Second,
		SpeedWindow: DefaultSpeedWindow,
		NackBatch:   DefaultNackBatch,
	}
}

const (
	// DefaultNackBatch keeps a nack well under limits.MaxControlMessage even
	// with the largest chunk indices a transfer can announce.
	DefaultNackBatch = 256
	// MaxNackBatch bounds a configured batch: 4096 indices of at most nine
	// bytes each stay below the control message limit.
	MaxNackBatch = 4096
)

// Receiver verifies, acknowledges and reorders incoming chunks, persisting
// them to a Sink strictly in index order.
type Receiver struct {
	tr           transport.Transport
	factory      SinkFactory
	config       ReceiverConfig
	metrics      *metrics.Collector
	timeProvider TimeProvider

	events *eventSink
	meter  *SpeedMeter

	start     *transport.TransferStart
	sink      Sink
	buffer    *ReceiveBuffer
	metas     []transport.ChunkMeta
	payloads  [][]byte
	dataSeen  bool
	finalized bool
	startedAt time.Time
}

// NewReceiver creates a receiver that opens its output through factory once
// the sender announces the file.
func NewReceiver(tr transport.Transport, factory SinkFactory, config ReceiverConfig, m *metrics.Collector) *Receiver {
	if config.NackBatch <= 0 {
		config.NackBatch = DefaultNackBatch
	}
	if config.NackBatch > MaxNackBatch {
		config.NackBatch = MaxNackBatch
	}
	return &Receiver{
		tr:           tr,
		factory:      factory,
		config:       config,
		metrics:      m,
		timeProvider: defaultTimeProvider,
		events:       newEventSink(),
		meter:        NewSpeedMeter(config.SpeedWindow),
	}
}

// SetTimeProvider sets a custom time provider for deterministic testing.
func (r *Receiver) SetTimeProvider(tp TimeProvider) {
	r.timeProvider = tp
}

// Events returns the event stream. It is closed when Run returns.
func (r *Receiver) Events() <-chan Event { return r.events.ch }

// Start returns the announced file, or nil before transfer-start arrives.
func (r *Receiver) Start() *transport.TransferStart { return r.start }

// Run receives one file. A whole-file digest mismatch returns both a Result
// and an error; the data stays in the sink.
func (r *Receiver) Run(ctx context.Context) (*Result, error) {
	defer r.events.close()
	r.startedAt = r.timeProvider.Now()

	if err := transport.Send(r.tr, transport.MessageReceiverReady, nil); err != nil {
		return nil, r.fail(newError(KindTransientNetwork, err, "send receiver-ready"))
	}

	timer := newDataTimer(r.config.DataTimeout)
	defer timer.stop()

	for {
		select {
		case f, ok := <-r.tr.Frames():
			if !ok {
				return nil, r.fail(newError(KindTransientNetwork, ErrTransportClosed, "sender connection lost"))
			}
			timer.reset()
			res, err := r.handleFrame(f)
			if err != nil {
				if res != nil {
					r.metrics.TransferFinished("receiver", res.Status.String())
					return res, err
				}
				return nil, r.fail(err)
			}
			if res != nil {
				r.metrics.TransferFinished("receiver", res.Status.String())
				return res, nil
			}
		case <-timer.C():
			r.notify(transport.MessageReceiverFatal, "no data received")
			return nil, r.fail(newError(KindTransientNetwork, ErrDataTimeout, "no data for %s", r.config.DataTimeout))
		case <-ctx.Done():
			r.notify(transport.MessageCancel, "receiver cancelled")
			return nil, r.fail(newError(KindAborted, ctx.Err(), "cancelled"))
		}
	}
}

func (r *Receiver) handleFrame(f transport.Frame) (*Result, error) {
	if f.IsBinary() {
		r.payloads = append(r.payloads, f.Binary)
		return nil, r.pair()
	}
	msg := f.Message
	switch msg.Type {
	case transport.MessageTransferStart:
		var start transport.TransferStart
		if err := msg.Decode(&start); err != nil {
			r.notify(transport.MessageReceiverFatal, "malformed transfer-start")
			return nil, newError(KindAborted, ErrInvalidStart, "%v", err)
		}
		return nil, r.onStart(start)
	case transport.MessageChunkMeta:
		var meta transport.ChunkMeta
		if err := msg.Decode(&meta); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Receiver.handleFrame",
				"error":    err.Error(),
			}).Warn("Malformed chunk-meta")
			// Keep the queue aligned with the payload that follows.
			meta.Index = -1
		}
		r.metas = append(r.metas, meta)
		return nil, r.pair()
	case transport.MessageTransferEnd:
		return r.onEnd()
	case transport.MessageCancel:
		var fatal transport.Fatal
		_ = msg.Decode(&fatal)
		return nil, newError(KindAborted, ErrCancelled, "sender cancelled: %s", fatal.Reason)
	case transport.MessagePeerLeft:
		return nil, newError(KindTransientNetwork, ErrPeerLeft, "sender disconnected")
	default:
		logrus.WithFields(logrus.Fields{
			"function":     "Receiver.handleFrame",
			"message_type": msg.Type,
		}).Debug("Ignoring message")
	}
	return nil, nil
}

func (r *Receiver) onStart(start transport.TransferStart) error {
	if r.start != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Receiver.onStart",
			"file_name": start.FileName,
		}).Warn("Ignoring repeated transfer-start")
		return nil
	}
	if err := validateStart(start, r.config.Plane); err != nil {
		r.notify(transport.MessageReceiverFatal, err.Error())
		return err
	}
	sink, err := r.factory(start)
	if err != nil {
		r.notify(transport.MessageReceiverFatal, "cannot open output")
		return newError(KindSinkFailure, err, "open output for %q", start.FileName)
	}

	r.start = &start
	r.sink = sink
	r.buffer = NewReceiveBuffer(start.TotalChunks)
	r.events.emit(Event{Type: EventStarted, Total: start.FileSize, TotalChunks: start.TotalChunks})

	logrus.WithFields(logrus.Fields{
		"function":     "Receiver.onStart",
		"file_name":    start.FileName,
		"file_size":    start.FileSize,
		"total_chunks": start.TotalChunks,
		"chunk_size":   start.ChunkSize,
		"has_digest":   start.FileDigest != "",
		"plane":        start.DataPlane,
	}).Info("Incoming transfer announced")
	return nil
}

func validateStart(start transport.TransferStart, plane transport.DataPlane) error {
	if err := limits.ValidateFileInfo(start.FileName, start.FileSize); err != nil {
		return newError(KindAborted, ErrInvalidStart, "%v", err)
	}
	maxChunk := limits.MaxRelayChunk
	if plane == transport.PlaneDirect {
		maxChunk = limits.MaxDirectChunk
	}
	if err := limits.ValidateChunkSizeConfig(start.ChunkSize, maxChunk); err != nil {
		return newError(KindAborted, ErrInvalidStart, "%v", err)
	}
	if want := chunk.Count(start.FileSize, start.ChunkSize); start.TotalChunks != want {
		return newError(KindAborted, ErrInvalidStart, "announced %d chunks, size implies %d", start.TotalChunks, want)
	}
	return nil
}

// pair matches each payload with the oldest unpaired meta.
func (r *Receiver) pair() error {
	for len(r.metas) > 0 && len(r.payloads) > 0 {
		meta, data := r.metas[0], r.payloads[0]
		r.metas = r.metas[1:]
		r.payloads = r.payloads[1:]
		if err := r.accept(meta, data); err != nil {
			return err
		}
	}
	return nil
}

func (r *Receiver) accept(meta transport.ChunkMeta, data []byte) error {
	if r.buffer == nil || !r.buffer.InRange(meta.Index) {
		r.metrics.ChunkReceived("out-of-range")
		logrus.WithFields(logrus.Fields{
			"function":    "Receiver.accept",
			"chunk_index": meta.Index,
		}).Warn("Dropping chunk outside the announced range")
		return nil
	}
	if !r.dataSeen {
		r.dataSeen = true
		r.events.emit(Event{Type: EventDataExchanged, Index: meta.Index})
	}
	if r.buffer.Has(meta.Index) {
		r.metrics.ChunkReceived("duplicate")
		return r.send(transport.MessageAck, transport.Ack{Index: meta.Index})
	}
	if len(data) != meta.Size || chunk.Digest(data) != meta.Digest {
		r.metrics.ChunkReceived("corrupt")
		r.metrics.Nacked("digest", 1)
		logrus.WithFields(logrus.Fields{
			"function":    "Receiver.accept",
			"chunk_index": meta.Index,
			"want_size":   meta.Size,
			"got_size":    len(data),
		}).Warn("Chunk failed verification, requesting it again")
		return r.send(transport.MessageNack, transport.Nack{Missing: []int{meta.Index}})
	}

	if err := r.send(transport.MessageAck, transport.Ack{Index: meta.Index}); err != nil {
		return err
	}
	r.buffer.Insert(meta.Index, data)
	r.metrics.ChunkReceived("ok")
	return r.flush()
}

func (r *Receiver) flush() error {
	for {
		idx, data, ok := r.buffer.PopReady()
		if !ok {
			break
		}
		if err := r.sink.Write(data); err != nil {
			return r.sinkFailure(err, "write chunk %d", idx)
		}
		r.metrics.Persisted(string(r.config.Plane), len(data))
	}
	persisted := r.buffer.PersistedBytes()
	r.events.emit(Event{
		Type:           EventProgress,
		Transferred:    persisted,
		Total:          r.start.FileSize,
		Chunks:         r.buffer.NextToPersist(),
		TotalChunks:    r.start.TotalChunks,
		BytesPerSecond: r.meter.Observe(r.timeProvider.Now(), persisted),
	})
	return nil
}

func (r *Receiver) onEnd() (*Result, error) {
	if r.buffer == nil {
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.onEnd",
		}).Warn("Ignoring transfer-end before transfer-start")
		return nil, nil
	}
	if missing := r.buffer.Missing(); len(missing) > 0 {
		r.metrics.Nacked("missing", len(missing))
		r.events.emit(Event{Type: EventRepairRequested, Indices: missing})
		logrus.WithFields(logrus.Fields{
			"function":      "Receiver.onEnd",
			"missing_count": len(missing),
		}).Warn("Transfer ended with missing chunks, requesting repair")
		return nil, r.requestRepair(missing)
	}
	return r.finalize()
}

// requestRepair sends missing in ascending nack batches of NackBatch indices.
func (r *Receiver) requestRepair(missing []int) error {
	for len(missing) > 0 {
		n := min(len(missing), r.config.NackBatch)
		if err := r.send(transport.MessageNack, transport.Nack{Missing: missing[:n]}); err != nil {
			return err
		}
		missing = missing[n:]
	}
	return nil
}

func (r *Receiver) finalize() (*Result, error) {
	digest, err := r.sink.Finalize()
	if err != nil {
		return nil, r.sinkFailure(err, "finalize output")
	}
	r.finalized = true
	r.buffer.Release()

	expected := r.start.FileDigest
	res := &Result{
		FileName:       r.start.FileName,
		Bytes:          r.buffer.PersistedBytes(),
		TotalChunks:    r.start.TotalChunks,
		Digest:         digest,
		ExpectedDigest: expected,
		Plane:          r.config.Plane,
		Duration:       r.timeProvider.Since(r.startedAt),
	}

	if expected != "" && digest != "" && digest != expected {
		res.Status = StatusDigestMismatch
		res.IntegrityMode = IntegrityFileDigest
		logrus.WithFields(logrus.Fields{
			"function":  "Receiver.finalize",
			"file_name": res.FileName,
			"expected":  expected,
			"actual":    digest,
		}).Error("File digest mismatch")
		_ = r.send(transport.MessageVerifyFail, transport.VerifyFail{
			Reason:   "file digest mismatch",
			Expected: expected,
			Actual:   digest,
			Kind:     KindIntegrityFailureFinal.String(),
		})
		return res, newError(KindIntegrityFailureFinal, ErrDigestMismatch, "expected %s, got %s", expected, digest)
	}

	res.Status = StatusUnverified
	res.IntegrityMode = IntegrityChunkDigest
	if expected != "" && digest != "" {
		res.Status = StatusVerified
		res.IntegrityMode = IntegrityFileDigest
	}
	if err := r.send(transport.MessageVerifyOK, transport.VerifyOK{Digest: digest, IntegrityMode: res.IntegrityMode}); err != nil {
		return nil, err
	}
	if err := r.send(transport.MessageTransferComplete, nil); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":       "Receiver.finalize",
		"file_name":      res.FileName,
		"bytes":          res.Bytes,
		"status":         res.Status.String(),
		"integrity_mode": res.IntegrityMode,
	}).Info("Incoming transfer complete")
	return res, nil
}

func (r *Receiver) sinkFailure(err error, format string, args ...interface{}) error {
	te := newError(KindSinkFailure, err, format, args...)
	_ = r.send(transport.MessageVerifyFail, transport.VerifyFail{
		Reason: te.Reason,
		Kind:   KindSinkFailure.String(),
	})
	r.notify(transport.MessageReceiverFatal, te.Reason)
	return te
}

func (r *Receiver) send(t transport.MessageType, payload interface{}) error {
	if err := transport.Send(r.tr, t, payload); err != nil {
		return newError(KindTransientNetwork, err, "send %s", t)
	}
	return nil
}

// notify sends a best-effort terminal message to the sender.
func (r *Receiver) notify(t transport.MessageType, reason string) {
	if r.tr.State() != transport.StateOpen {
		return
	}
	_ = transport.Send(r.tr, t, transport.Fatal{Reason: reason})
}

func (r *Receiver) fail(err error) error {
	if r.sink != nil && !r.finalized {
		if abortErr := r.sink.Abort(); abortErr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Receiver.fail",
				"error":    abortErr.Error(),
			}).Warn("Failed to discard partial output")
		}
	}
	if r.buffer != nil {
		r.buffer.Release()
	}
	kind := KindOf(err)
	r.metrics.TransferFinished("receiver", kind.String())

	fields := logrus.Fields{
		"function":   "Receiver.Run",
		"error_kind": kind.String(),
		"error":      err.Error(),
	}
	if r.buffer != nil {
		fields["received"] = r.buffer.ReceivedCount()
		fields["persisted_bytes"] = r.buffer.PersistedBytes()
	}
	logrus.WithFields(fields).Error("Incoming transfer failed")
	return err
}

// dataTimer fires when no frame arrived for the configured duration. A zero
// duration disables it.
type dataTimer struct {
	d     time.Duration
	timer *time.Timer
}

func newDataTimer(d time.Duration) *dataTimer {
	t := &dataTimer{d: d}
	if d > 0 {
		t.timer = time.NewTimer(d)
	}
	return t
}

func (t *dataTimer) C() <-chan time.Time {
	if t.timer == nil {
		return nil
	}
	return t.timer.C
}

func (t *dataTimer) reset() {
	if t.timer == nil {
		return
	}
	if !t.timer.Stop() {
		select {
		case <-t.timer.C:
		default:
		}
	}
	t.timer.Reset(t.d)
}

func (t *dataTimer) stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}
