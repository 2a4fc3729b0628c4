package file

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relaydrop/chunk"
	"github.com/opd-ai/relaydrop/limits"
	"github.com/opd-ai/relaydrop/metrics"
	"github.com/opd-ai/relaydrop/transport"
)

// SenderConfig tunes the ARQ engine for one data plane.
type SenderConfig struct {
	Plane         transport.DataPlane
	ChunkSize     int
	Window        WindowConfig
	AckTimeout    time.Duration
	MaxRetries    int
	MaxBuffered   uint64
	DrainTimeout  time.Duration
	DrainPoll     time.Duration
	CacheSlack    int
	RepairBatch   int
	ReadyTimeout  time.Duration
	VerifyTimeout time.Duration
	SpeedWindow   time.Duration
}

// DefaultSenderConfig returns the observed defaults for plane.
func DefaultSenderConfig(plane transport.DataPlane) SenderConfig {
	cfg := SenderConfig{
		Plane:         transport.PlaneRelay,
		ChunkSize:     512 * 1024,
		Window:        RelayWindow,
		AckTimeout:    2500 * time.Millisecond,
		MaxRetries:    8,
		MaxBuffered:   8 << 20,
		DrainTimeout:  5 * time.Second,
		DrainPoll:     12 * time.Millisecond,
		CacheSlack:    12,
		RepairBatch:   256,
		ReadyTimeout:  3500 * time.Millisecond,
		VerifyTimeout: 60 * time.Second,
		SpeedWindow:   DefaultSpeedWindow,
	}
	if plane == transport.PlaneDirect {
		cfg.Plane = transport.PlaneDirect
		cfg.ChunkSize = limits.MaxDirectChunk
		cfg.Window = DirectWindow
		cfg.AckTimeout = 5 * time.Second
		cfg.MaxRetries = 3
		cfg.MaxBuffered = 4 << 20
	}
	return cfg
}

// FileInfo describes the file being sent.
type FileInfo struct {
	Name   string
	Size   int64
	Digest string // optional whole-file digest
}

// Sender drives the sliding-window ARQ for one outgoing transfer. All of its
// state is touched only from Run, so handlers never overlap.
type Sender struct {
	src          chunk.Source
	tr           transport.Transport
	info         FileInfo
	config       SenderConfig
	metrics      *metrics.Collector
	timeProvider TimeProvider

	window *SendWindow
	cache  *chunk.Cache
	meter  *SpeedMeter
	events *eventSink

	ackedBytes int64
	endSent    bool
	endSentAt  time.Time
	dataSent   bool
	startedAt  time.Time
}

// NewSender creates a sender for src over tr.
func NewSender(src chunk.Source, tr transport.Transport, info FileInfo, config SenderConfig, m *metrics.Collector) *Sender {
	if info.Size == 0 {
		info.Size = src.Size()
	}
	if config.RepairBatch <= 0 {
		config.RepairBatch = 256
	}
	if config.DrainPoll <= 0 {
		config.DrainPoll = 12 * time.Millisecond
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 1
	}
	return &Sender{
		src:          src,
		tr:           tr,
		info:         info,
		config:       config,
		metrics:      m,
		timeProvider: defaultTimeProvider,
		window:       NewSendWindow(src.TotalChunks(), config.Window),
		cache:        chunk.NewCache(),
		meter:        NewSpeedMeter(config.SpeedWindow),
		events:       newEventSink(),
	}
}

// SetTimeProvider sets a custom time provider for deterministic testing.
func (s *Sender) SetTimeProvider(tp TimeProvider) {
	s.timeProvider = tp
}

// Events returns the event stream. It is closed when Run returns.
func (s *Sender) Events() <-chan Event { return s.events.ch }

// Window exposes the send window for inspection after Run returns.
func (s *Sender) Window() *SendWindow { return s.window }

// Run performs the transfer. It returns once the receiver reports the
// verification result, never merely because every chunk was acked. A
// whole-file digest mismatch returns both a Result and an error.
func (s *Sender) Run(ctx context.Context) (*Result, error) {
	defer s.events.close()
	defer s.release()
	s.startedAt = s.timeProvider.Now()

	logrus.WithFields(logrus.Fields{
		"function":     "Sender.Run",
		"file_name":    s.info.Name,
		"file_size":    s.info.Size,
		"total_chunks": s.src.TotalChunks(),
		"plane":        s.config.Plane,
		"window_size":  s.window.Size(),
	}).Info("Starting outgoing transfer")

	if err := s.awaitReceiver(ctx); err != nil {
		return nil, s.fail(err)
	}
	if err := s.sendStart(); err != nil {
		return nil, s.fail(err)
	}

	for {
		if err := s.pump(ctx); err != nil {
			return nil, s.fail(err)
		}
		res, err := s.wait(ctx)
		if err != nil {
			if res != nil {
				s.metrics.TransferFinished("sender", res.Status.String())
				return res, err
			}
			return nil, s.fail(err)
		}
		if res != nil {
			s.metrics.TransferFinished("sender", res.Status.String())
			logrus.WithFields(logrus.Fields{
				"function":       "Sender.Run",
				"file_name":      s.info.Name,
				"status":         res.Status.String(),
				"integrity_mode": res.IntegrityMode,
				"duration":       res.Duration,
			}).Info("Transfer confirmed by receiver")
			return res, nil
		}
	}
}

// awaitReceiver waits for receiver-ready, starting anyway after ReadyTimeout.
func (s *Sender) awaitReceiver(ctx context.Context) error {
	if s.config.ReadyTimeout <= 0 {
		return nil
	}
	timer := time.NewTimer(s.config.ReadyTimeout)
	defer timer.Stop()

	for {
		select {
		case f, ok := <-s.tr.Frames():
			if !ok {
				return newError(KindTransientNetwork, ErrTransportClosed, "waiting for receiver")
			}
			if f.IsBinary() {
				continue
			}
			switch f.Message.Type {
			case transport.MessageReceiverReady:
				return nil
			case transport.MessageReceiverFatal, transport.MessageCancel, transport.MessagePeerLeft:
				_, err := s.handleFrame(f)
				return err
			}
		case <-timer.C:
			logrus.WithFields(logrus.Fields{
				"function":      "Sender.awaitReceiver",
				"ready_timeout": s.config.ReadyTimeout,
			}).Warn("Receiver readiness not confirmed, starting anyway")
			return nil
		case <-ctx.Done():
			return newError(KindAborted, ctx.Err(), "waiting for receiver")
		}
	}
}

func (s *Sender) sendStart() error {
	if err := limits.ValidateFileInfo(s.info.Name, s.info.Size); err != nil {
		return newError(KindAborted, err, "invalid file")
	}
	start := transport.TransferStart{
		FileName:    s.info.Name,
		FileSize:    s.info.Size,
		TotalChunks: s.src.TotalChunks(),
		ChunkSize:   s.src.ChunkSize(),
		FileDigest:  s.info.Digest,
		DataPlane:   s.config.Plane,
	}
	if err := transport.Send(s.tr, transport.MessageTransferStart, start); err != nil {
		return newError(KindTransientNetwork, err, "send transfer-start")
	}
	s.events.emit(Event{Type: EventStarted, Total: s.info.Size, TotalChunks: start.TotalChunks})
	return nil
}

// pump sends repairs, then new chunks, then timed-out retransmissions, and
// finally transfer-end once everything is acked.
func (s *Sender) pump(ctx context.Context) error {
	for sent := 0; sent < s.config.RepairBatch && s.window.CanSend(); sent++ {
		idx, ok := s.window.NextRepair()
		if !ok {
			break
		}
		if err := s.sendChunk(ctx, idx, true, "nack"); err != nil {
			return err
		}
	}

	if s.window.RepairLen() == 0 {
		for s.window.CanSend() {
			idx, ok := s.window.NextNew()
			if !ok {
				break
			}
			if err := s.sendChunk(ctx, idx, false, ""); err != nil {
				return err
			}
		}
	}

	for _, idx := range s.window.TimedOut(s.timeProvider.Now(), s.config.AckTimeout) {
		if s.window.Retries(idx) >= s.config.MaxRetries {
			return &TransferError{
				Kind:   KindTransientNetwork,
				Index:  idx,
				Reason: fmt.Sprintf("no acknowledgement after %d retries", s.config.MaxRetries),
				Err:    ErrRetriesExhausted,
			}
		}
		s.window.Halve()
		if err := s.sendChunk(ctx, idx, true, "timeout"); err != nil {
			return err
		}
	}
	s.metrics.SetWindow(string(s.config.Plane), s.window.Size())

	if s.window.Complete() && !s.endSent {
		end := transport.TransferEnd{TotalChunks: s.src.TotalChunks()}
		if err := transport.Send(s.tr, transport.MessageTransferEnd, end); err != nil {
			return newError(KindTransientNetwork, err, "send transfer-end")
		}
		s.endSent = true
		s.endSentAt = s.timeProvider.Now()
		s.events.emit(Event{Type: EventVerifying, Transferred: s.ackedBytes, Total: s.info.Size,
			Chunks: s.window.AckedCount(), TotalChunks: s.src.TotalChunks()})

		logrus.WithFields(logrus.Fields{
			"function":     "Sender.pump",
			"total_chunks": s.src.TotalChunks(),
		}).Info("All chunks acknowledged, waiting for verification")
	}
	return nil
}

func (s *Sender) sendChunk(ctx context.Context, idx int, retry bool, reason string) error {
	if s.tr.State() != transport.StateOpen {
		return newError(KindTransientNetwork, ErrTransportClosed, "sending chunk %d", idx)
	}
	if err := s.waitDrain(ctx); err != nil {
		return err
	}

	ch, data, err := s.cache.Load(s.src, idx)
	if err != nil {
		return &TransferError{Kind: KindAborted, Index: idx, Reason: "read source", Err: err}
	}
	meta := transport.ChunkMeta{
		Index:       idx,
		TotalChunks: s.src.TotalChunks(),
		Size:        ch.Size,
		Digest:      ch.Digest,
		Retry:       retry,
	}
	if err := transport.Send(s.tr, transport.MessageChunkMeta, meta); err != nil {
		return &TransferError{Kind: KindTransientNetwork, Index: idx, Reason: "send chunk-meta", Err: err}
	}
	if err := s.tr.SendBinary(data); err != nil {
		return &TransferError{Kind: KindTransientNetwork, Index: idx, Reason: "send chunk", Err: err}
	}

	s.window.MarkSent(idx, s.timeProvider.Now(), retry)
	s.cache.Prune(s.cacheLimit(), s.window.IsPinned)
	s.metrics.ChunkSent(string(s.config.Plane), retry, reason)

	if !s.dataSent {
		s.dataSent = true
		s.events.emit(Event{Type: EventDataExchanged, Index: idx})
	}
	if retry {
		s.events.emit(Event{Type: EventRetransmit, Index: idx})
		logrus.WithFields(logrus.Fields{
			"function":    "Sender.sendChunk",
			"chunk_index": idx,
			"retries":     s.window.Retries(idx),
			"reason":      reason,
			"window_size": s.window.Size(),
		}).Warn("Retransmitting chunk")
	} else {
		logrus.WithFields(logrus.Fields{
			"function":    "Sender.sendChunk",
			"chunk_index": idx,
			"chunk_size":  ch.Size,
		}).Debug("Sent chunk")
	}
	return nil
}

func (s *Sender) cacheLimit() int {
	limit := s.window.Size() + s.config.CacheSlack
	if floor := s.window.Min() + s.config.CacheSlack; floor > limit {
		limit = floor
	}
	return limit
}

// waitDrain blocks until the transport's buffered bytes are at or below the
// ceiling. Exceeding DrainTimeout aborts the transfer.
func (s *Sender) waitDrain(ctx context.Context) error {
	if s.config.MaxBuffered == 0 || s.tr.BufferedAmount() <= s.config.MaxBuffered {
		return nil
	}
	ticker := time.NewTicker(s.config.DrainPoll)
	defer ticker.Stop()
	var deadline <-chan time.Time
	if s.config.DrainTimeout > 0 {
		timer := time.NewTimer(s.config.DrainTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-ticker.C:
			if s.tr.State() != transport.StateOpen {
				return newError(KindTransientNetwork, ErrTransportClosed, "waiting for buffer drain")
			}
			if s.tr.BufferedAmount() <= s.config.MaxBuffered {
				return nil
			}
		case <-deadline:
			return newError(KindTransientNetwork, ErrDrainTimeout, "receiver disconnected: %d bytes still buffered", s.tr.BufferedAmount())
		case <-ctx.Done():
			return newError(KindAborted, ctx.Err(), "cancelled")
		}
	}
}

// wait blocks for the next frame, retransmit deadline or verification
// timeout, then handles every frame already queued.
func (s *Sender) wait(ctx context.Context) (*Result, error) {
	var timerC <-chan time.Time
	if d, ok := s.nextWakeup(); ok {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timerC = timer.C
	}

	select {
	case f, ok := <-s.tr.Frames():
		if !ok {
			return nil, newError(KindTransientNetwork, ErrTransportClosed, "receiver connection lost")
		}
		if res, err := s.handleFrame(f); res != nil || err != nil {
			return res, err
		}
	case <-timerC:
	case <-ctx.Done():
		return nil, newError(KindAborted, ctx.Err(), "cancelled")
	}

	if s.endSent && s.config.VerifyTimeout > 0 && s.timeProvider.Since(s.endSentAt) >= s.config.VerifyTimeout {
		return nil, newError(KindTransientNetwork, ErrVerifyTimeout, "no verification after %s", s.config.VerifyTimeout)
	}

	for {
		select {
		case f, ok := <-s.tr.Frames():
			if !ok {
				return nil, newError(KindTransientNetwork, ErrTransportClosed, "receiver connection lost")
			}
			if res, err := s.handleFrame(f); res != nil || err != nil {
				return res, err
			}
		default:
			return nil, nil
		}
	}
}

func (s *Sender) nextWakeup() (time.Duration, bool) {
	now := s.timeProvider.Now()
	var at time.Time
	found := false
	if d, ok := s.window.NextDeadline(s.config.AckTimeout); ok {
		at, found = d, true
	}
	if s.endSent && s.config.VerifyTimeout > 0 {
		d := s.endSentAt.Add(s.config.VerifyTimeout)
		if !found || d.Before(at) {
			at, found = d, true
		}
	}
	if !found {
		return 0, false
	}
	wait := at.Sub(now)
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait, true
}

func (s *Sender) handleFrame(f transport.Frame) (*Result, error) {
	if f.IsBinary() {
		logrus.WithFields(logrus.Fields{
			"function": "Sender.handleFrame",
			"size":     len(f.Binary),
		}).Warn("Ignoring binary frame on sending side")
		return nil, nil
	}
	msg := f.Message
	switch msg.Type {
	case transport.MessageAck:
		var ack transport.Ack
		if err := msg.Decode(&ack); err != nil {
			s.warnMalformed(msg, err)
			return nil, nil
		}
		s.onAck(ack.Index)
	case transport.MessageNack:
		var nack transport.Nack
		if err := msg.Decode(&nack); err != nil {
			s.warnMalformed(msg, err)
			return nil, nil
		}
		s.onNack(nack.Missing)
	case transport.MessageVerifyOK, transport.MessageTransferComplete:
		var ok transport.VerifyOK
		if len(msg.Payload) > 0 {
			if err := msg.Decode(&ok); err != nil {
				s.warnMalformed(msg, err)
			}
		}
		return s.onVerified(ok), nil
	case transport.MessageVerifyFail:
		var fail transport.VerifyFail
		if err := msg.Decode(&fail); err != nil {
			s.warnMalformed(msg, err)
		}
		return s.onVerifyFail(fail)
	case transport.MessageReceiverFatal:
		var fatal transport.Fatal
		_ = msg.Decode(&fatal)
		return nil, newError(KindAborted, ErrReceiverFatal, "receiver aborted: %s", fatal.Reason)
	case transport.MessageCancel:
		var fatal transport.Fatal
		_ = msg.Decode(&fatal)
		return nil, newError(KindAborted, ErrCancelled, "receiver cancelled: %s", fatal.Reason)
	case transport.MessagePeerLeft:
		return nil, newError(KindTransientNetwork, ErrPeerLeft, "receiver disconnected")
	default:
		logrus.WithFields(logrus.Fields{
			"function":     "Sender.handleFrame",
			"message_type": msg.Type,
		}).Debug("Ignoring message")
	}
	return nil, nil
}

func (s *Sender) onAck(idx int) {
	if !s.window.OnAck(idx) {
		return
	}
	size, err := chunk.SizeOf(idx, s.info.Size, s.src.ChunkSize())
	if err == nil {
		s.ackedBytes += int64(size)
	}
	s.cache.Delete(idx)
	s.metrics.ChunkAcked(string(s.config.Plane), size)
	s.progress()
}

func (s *Sender) onNack(missing []int) {
	queued, unacked := s.window.OnNack(missing)
	if len(queued) == 0 {
		return
	}
	for _, idx := range unacked {
		if size, err := chunk.SizeOf(idx, s.info.Size, s.src.ChunkSize()); err == nil {
			s.ackedBytes -= int64(size)
		}
	}
	if s.ackedBytes < 0 {
		s.ackedBytes = 0
	}
	s.endSent = false

	logrus.WithFields(logrus.Fields{
		"function":     "Sender.onNack",
		"repair_count": len(queued),
		"rolled_back":  len(unacked),
		"window_size":  s.window.Size(),
	}).Warn("Receiver requested chunks again")

	s.events.emit(Event{Type: EventRepairRequested, Indices: queued})
	s.progress()
}

func (s *Sender) onVerified(ok transport.VerifyOK) *Result {
	if !s.window.Complete() {
		logrus.WithFields(logrus.Fields{
			"function": "Sender.onVerified",
			"acked":    s.window.AckedCount(),
			"pending":  s.window.Pending(),
		}).Warn("Ignoring verification before every chunk was acknowledged")
		return nil
	}
	status := StatusUnverified
	if s.info.Digest != "" && ok.Digest == s.info.Digest {
		status = StatusVerified
	}
	mode := ok.IntegrityMode
	if mode == "" {
		mode = IntegrityChunkDigest
	}
	return &Result{
		Status:         status,
		FileName:       s.info.Name,
		Bytes:          s.info.Size,
		TotalChunks:    s.src.TotalChunks(),
		Digest:         ok.Digest,
		ExpectedDigest: s.info.Digest,
		IntegrityMode:  mode,
		Plane:          s.config.Plane,
		Duration:       s.timeProvider.Since(s.startedAt),
	}
}

func (s *Sender) onVerifyFail(fail transport.VerifyFail) (*Result, error) {
	if fail.Kind == KindSinkFailure.String() {
		return nil, newError(KindSinkFailure, nil, "receiver could not save the file: %s", fail.Reason)
	}
	res := &Result{
		Status:         StatusDigestMismatch,
		FileName:       s.info.Name,
		Bytes:          s.info.Size,
		TotalChunks:    s.src.TotalChunks(),
		Digest:         fail.Actual,
		ExpectedDigest: fail.Expected,
		IntegrityMode:  IntegrityFileDigest,
		Plane:          s.config.Plane,
		Duration:       s.timeProvider.Since(s.startedAt),
	}
	return res, newError(KindIntegrityFailureFinal, ErrDigestMismatch, "%s", fail.Reason)
}

func (s *Sender) progress() {
	rate := s.meter.Observe(s.timeProvider.Now(), s.ackedBytes)
	s.events.emit(Event{
		Type:           EventProgress,
		Transferred:    s.ackedBytes,
		Total:          s.info.Size,
		Chunks:         s.window.AckedCount(),
		TotalChunks:    s.src.TotalChunks(),
		BytesPerSecond: rate,
	})
}

// fail logs a terminal error and tells the receiver when the failure is local.
func (s *Sender) fail(err error) error {
	if !errors.Is(err, ErrPeerLeft) && !errors.Is(err, ErrCancelled) &&
		!errors.Is(err, ErrReceiverFatal) && !errors.Is(err, ErrTransportClosed) &&
		s.tr.State() == transport.StateOpen {
		_ = transport.Send(s.tr, transport.MessageCancel, transport.Fatal{Reason: err.Error()})
	}
	kind := KindOf(err)
	s.metrics.TransferFinished("sender", kind.String())
	logrus.WithFields(logrus.Fields{
		"function":    "Sender.Run",
		"file_name":   s.info.Name,
		"error_kind":  kind.String(),
		"acked":       s.window.AckedCount(),
		"window_size": s.window.Size(),
		"error":       err.Error(),
	}).Error("Outgoing transfer failed")
	return err
}

func (s *Sender) release() {
	s.window.Release()
	s.cache.Clear()
}

func (s *Sender) warnMalformed(msg *transport.Message, err error) {
	logrus.WithFields(logrus.Fields{
		"function":     "Sender.handleFrame",
		"message_type": msg.Type,
		"error":        err.Error(),
	}).Warn("Malformed message")
}
