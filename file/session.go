package file

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relaydrop/transport"
)

// ErrTransferStalled indicates that a session saw no progress within the stall timeout.
var ErrTransferStalled = errors.New("transfer stalled: no progress within timeout period")

// ErrSessionFinished indicates an operation on a session that already ended.
var ErrSessionFinished = errors.New("session already finished")

// DefaultStallTimeout is the default duration without progress after which a
// session is reported as stalled.
const DefaultStallTimeout = 30 * time.Second

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// defaultTimeProvider is the package-level default time provider.
var defaultTimeProvider TimeProvider = DefaultTimeProvider{}

// SessionState represents the lifecycle of a transfer session.
type SessionState uint8

const (
	// SessionStatePending indicates the session is waiting for its peer.
	SessionStatePending SessionState = iota
	// SessionStateNegotiating indicates a direct channel is being set up.
	SessionStateNegotiating
	// SessionStateRunning indicates chunks are flowing.
	SessionStateRunning
	// SessionStateCompleted indicates the transfer finished and was confirmed.
	SessionStateCompleted
	// SessionStateCancelled indicates a local or remote cancel.
	SessionStateCancelled
	// SessionStateError indicates the transfer failed.
	SessionStateError
)

// String returns the state name.
func (s SessionState) String() string {
	switch s {
	case SessionStatePending:
		return "pending"
	case SessionStateNegotiating:
		return "negotiating"
	case SessionStateRunning:
		return "running"
	case SessionStateCompleted:
		return "completed"
	case SessionStateCancelled:
		return "cancelled"
	case SessionStateError:
		return "error"
	default:
		return "unknown"
	}
}

// Session tracks one transfer from the user's point of view: which side it
// is, which plane carries it, how far it got and how it ended.
type Session struct {
	ID       string
	Code     string
	Role     transport.Role
	FileName string
	FileSize int64

	mu             sync.Mutex
	state          SessionState
	plane          transport.DataPlane
	startTime      time.Time
	lastProgress   time.Time
	transferred    int64
	speed          float64
	result         *Result
	err            error
	cancel         context.CancelFunc
	timeProvider   TimeProvider
	progressCbs    []func(Event)
	completeCbs    []func(*Result, error)
	dataExchanged  bool
	dataExchangeCb func()
}

// NewSession creates a pending session.
func NewSession(code string, role transport.Role, fileName string, fileSize int64) *Session {
	s := &Session{
		ID:           uuid.NewString(),
		Code:         code,
		Role:         role,
		FileName:     fileName,
		FileSize:     fileSize,
		state:        SessionStatePending,
		timeProvider: defaultTimeProvider,
	}
	s.lastProgress = s.timeProvider.Now()

	logrus.WithFields(logrus.Fields{
		"function":   "NewSession",
		"session_id": s.ID,
		"role":       role,
		"file_name":  fileName,
		"file_size":  fileSize,
	}).Info("Created transfer session")
	return s
}

// SetTimeProvider sets a custom time provider for deterministic testing.
// It also resets the progress clock to the new provider's current time.
func (s *Session) SetTimeProvider(tp TimeProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeProvider = tp
	s.lastProgress = tp.Now()
}

// Bind registers the function that cancels the running engine.
func (s *Session) Bind(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = cancel
}

// State returns the current state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Plane returns the data plane currently carrying the transfer.
func (s *Session) Plane() transport.DataPlane {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plane
}

// Negotiating marks the session as setting up a direct channel.
func (s *Session) Negotiating() error {
	return s.transition(SessionStateNegotiating, "")
}

// Begin marks the session as running on plane.
func (s *Session) Begin(plane transport.DataPlane) error {
	return s.transition(SessionStateRunning, plane)
}

func (s *Session) transition(to SessionState, plane transport.DataPlane) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state >= SessionStateCompleted {
		return ErrSessionFinished
	}
	from := s.state
	s.state = to
	if plane != "" {
		s.plane = plane
	}
	if to == SessionStateRunning && s.startTime.IsZero() {
		s.startTime = s.timeProvider.Now()
		s.lastProgress = s.startTime
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Session.transition",
		"session_id": s.ID,
		"from":       from.String(),
		"to":         to.String(),
		"plane":      s.plane,
	}).Debug("Session state changed")
	return nil
}

// Observe folds an engine event into the session and fans it out to the
// registered progress callbacks.
func (s *Session) Observe(ev Event) {
	s.mu.Lock()
	switch ev.Type {
	case EventProgress:
		s.transferred = ev.Transferred
		s.speed = ev.BytesPerSecond
		s.lastProgress = s.timeProvider.Now()
	case EventDataExchanged:
		s.lastProgress = s.timeProvider.Now()
	}
	firstData := ev.Type == EventDataExchanged && !s.dataExchanged
	if firstData {
		s.dataExchanged = true
	}
	onData := s.dataExchangeCb
	cbs := append([]func(Event){}, s.progressCbs...)
	s.mu.Unlock()

	if firstData && onData != nil {
		onData()
	}
	for _, cb := range cbs {
		cb(ev)
	}
}

// Finish records the outcome and notifies completion callbacks. Only the
// first call has an effect.
func (s *Session) Finish(res *Result, err error) {
	s.mu.Lock()
	if s.state >= SessionStateCompleted {
		s.mu.Unlock()
		return
	}
	switch {
	case err == nil:
		s.state = SessionStateCompleted
	case KindOf(err) == KindAborted:
		s.state = SessionStateCancelled
	default:
		s.state = SessionStateError
	}
	s.result = res
	s.err = err
	if res != nil {
		s.transferred = res.Bytes
		if res.Plane != "" {
			s.plane = res.Plane
		}
	}
	cbs := append([]func(*Result, error){}, s.completeCbs...)
	state := s.state
	s.mu.Unlock()

	fields := logrus.Fields{
		"function":   "Session.Finish",
		"session_id": s.ID,
		"state":      state.String(),
		"plane":      s.Plane(),
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	logrus.WithFields(fields).Info("Session finished")

	for _, cb := range cbs {
		cb(res, err)
	}
}

// Cancel aborts the running engine. The outcome is still delivered through Finish.
func (s *Session) Cancel() error {
	s.mu.Lock()
	if s.state >= SessionStateCompleted {
		s.mu.Unlock()
		return ErrSessionFinished
	}
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// Outcome returns the result and error once the session finished.
func (s *Session) Outcome() (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.err
}

// OnProgress registers a callback for every engine event.
func (s *Session) OnProgress(callback func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progressCbs = append(s.progressCbs, callback)
}

// OnComplete registers a callback for the final outcome.
func (s *Session) OnComplete(callback func(*Result, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completeCbs = append(s.completeCbs, callback)
}

// OnDataExchanged registers the callback fired on the first payload byte.
func (s *Session) OnDataExchanged(callback func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dataExchangeCb = callback
}

// DataExchanged reports whether any payload byte moved.
func (s *Session) DataExchanged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dataExchanged
}

// GetProgress returns the confirmed percentage in [0,100].
func (s *Session) GetProgress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FileSize == 0 {
		if s.state == SessionStateCompleted {
			return 100
		}
		return 0
	}
	return float64(s.transferred) / float64(s.FileSize) * 100
}

// Transferred returns the confirmed byte count.
func (s *Session) Transferred() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferred
}

// GetSpeed returns the most recent rate in bytes per second.
func (s *Session) GetSpeed() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speed
}

// GetEstimatedTimeRemaining estimates the time left at the current rate.
func (s *Session) GetEstimatedTimeRemaining() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.speed <= 0 || s.transferred >= s.FileSize {
		return 0
	}
	remaining := float64(s.FileSize - s.transferred)
	return time.Duration(remaining / s.speed * float64(time.Second))
}

// IsStalled reports whether a running session made no progress for timeout.
func (s *Session) IsStalled(timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionStateRunning || timeout <= 0 {
		return false
	}
	return s.timeProvider.Since(s.lastProgress) > timeout
}

// CheckTimeout returns ErrTransferStalled when the session is stalled.
func (s *Session) CheckTimeout(timeout time.Duration) error {
	if !s.IsStalled(timeout) {
		return nil
	}
	logrus.WithFields(logrus.Fields{
		"function":      "Session.CheckTimeout",
		"session_id":    s.ID,
		"stall_timeout": timeout,
		"transferred":   s.Transferred(),
	}).Warn("Transfer stalled")
	return ErrTransferStalled
}
