package file

import (
	"errors"
	"fmt"

	"github.com/opd-ai/relaydrop/negotiation"
)

var (
	// ErrDirectoryTraversal indicates an attempt to access files outside allowed directories.
	ErrDirectoryTraversal = errors.New("path contains directory traversal")

	// ErrDrainTimeout indicates the transport buffer did not drain in time.
	ErrDrainTimeout = errors.New("transport buffer did not drain")

	// ErrRetriesExhausted indicates a chunk was retransmitted too often.
	ErrRetriesExhausted = errors.New("chunk retries exhausted")

	// ErrTransportClosed indicates the channel closed mid-transfer.
	ErrTransportClosed = errors.New("transport closed during transfer")

	// ErrPeerLeft indicates the relay reported the other side gone.
	ErrPeerLeft = errors.New("peer left the session")

	// ErrDataTimeout indicates the receiver saw no chunk within the data timeout.
	ErrDataTimeout = errors.New("sender stopped sending data")

	// ErrVerifyTimeout indicates the receiver never reported verification.
	ErrVerifyTimeout = errors.New("timed out waiting for verification")

	// ErrDigestMismatch indicates the whole-file digest did not match.
	ErrDigestMismatch = errors.New("file digest mismatch")

	// ErrCancelled indicates the peer cancelled the transfer.
	ErrCancelled = errors.New("transfer cancelled by peer")

	// ErrReceiverFatal indicates the receiver aborted on its side.
	ErrReceiverFatal = errors.New("receiver reported a fatal error")

	// ErrInvalidStart indicates a malformed transfer-start announcement.
	ErrInvalidStart = errors.New("invalid transfer-start")
)

// Kind classifies a transfer failure.
type Kind uint8

const (
	// KindTransientNetwork covers drain timeouts, retransmit exhaustion and lost channels.
	KindTransientNetwork Kind = iota
	// KindNegotiationFailure means the direct channel failed before any data and restarts ran out.
	KindNegotiationFailure
	// KindNegotiationFailurePostData means the direct channel failed after data was exchanged.
	KindNegotiationFailurePostData
	// KindIntegrityFailure means chunk-level verification could not be recovered.
	KindIntegrityFailure
	// KindIntegrityFailureFinal means the whole-file digest did not match. The data was kept.
	KindIntegrityFailureFinal
	// KindSinkFailure means writing or finalizing the output failed.
	KindSinkFailure
	// KindAborted means a local or remote cancel.
	KindAborted
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindTransientNetwork:
		return "transient-network"
	case KindNegotiationFailure:
		return "negotiation-failure"
	case KindNegotiationFailurePostData:
		return "negotiation-failure-post-data"
	case KindIntegrityFailure:
		return "integrity-failure"
	case KindIntegrityFailureFinal:
		return "integrity-failure-final"
	case KindSinkFailure:
		return "sink-failure"
	case KindAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// TransferError is the terminal error returned by the engines.
type TransferError struct {
	Kind   Kind
	Index  int // chunk index, or -1
	Reason string
	Err    error
}

func newError(kind Kind, err error, format string, args ...interface{}) *TransferError {
	return &TransferError{Kind: kind, Index: -1, Reason: fmt.Sprintf(format, args...), Err: err}
}

// Error implements error.
func (e *TransferError) Error() string {
	msg := e.Kind.String() + ": " + e.Reason
	if e.Index >= 0 {
		msg = fmt.Sprintf("%s (chunk %d)", msg, e.Index)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *TransferError) Unwrap() error { return e.Err }

// KindOf extracts the failure kind from err. Negotiation sentinels map to
// the negotiation kinds; anything else unrecognised is transient.
func KindOf(err error) Kind {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Kind
	}
	switch {
	case errors.Is(err, negotiation.ErrFailedAfterData):
		return KindNegotiationFailurePostData
	case errors.Is(err, negotiation.ErrRestartsExhausted), errors.Is(err, negotiation.ErrConnectTimeout):
		return KindNegotiationFailure
	case errors.Is(err, ErrCancelled), errors.Is(err, negotiation.ErrClosed):
		return KindAborted
	default:
		return KindTransientNetwork
	}
}

// FromNegotiation wraps a negotiation error in a TransferError.
func FromNegotiation(err error) *TransferError {
	return newError(KindOf(err), err, "direct channel negotiation")
}
