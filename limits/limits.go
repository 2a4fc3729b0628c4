// Package limits provides centralized size limits for the relaydrop protocol.
// This ensures consistent validation across senders, receivers and the relay.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MinChunkSize is the smallest configurable chunk size.
	MinChunkSize = 1024

	// MaxDirectChunk is the largest chunk sent over a direct peer channel.
	MaxDirectChunk = 256 * 1024

	// MaxRelayChunk is the largest chunk the relay forwards as a single frame.
	MaxRelayChunk = 1024 * 1024

	// MaxControlMessage is the largest JSON control message accepted from a peer.
	MaxControlMessage = 64 * 1024

	// MaxFileSize is the largest file size a transfer may announce.
	MaxFileSize = 64 << 30

	// MaxFileNameLength matches typical filesystem limits.
	MaxFileNameLength = 255
)

var (
	// ErrMessageEmpty indicates an empty control message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates a control message exceeds the maximum size
	ErrMessageTooLarge = errors.New("message too large")

	// ErrChunkEmpty indicates a zero-length chunk
	ErrChunkEmpty = errors.New("empty chunk")

	// ErrChunkTooLarge indicates a chunk exceeds the permitted size
	ErrChunkTooLarge = errors.New("chunk too large")

	// ErrFileTooLarge indicates an announced file exceeds MaxFileSize
	ErrFileTooLarge = errors.New("file too large")

	// ErrFileNameTooLong indicates an announced file name exceeds MaxFileNameLength
	ErrFileNameTooLong = errors.New("file name too long")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateControlMessage validates a control message against MaxControlMessage.
func ValidateControlMessage(message []byte) error {
	return ValidateMessageSize(message, MaxControlMessage)
}

// ValidateChunkSize validates a chunk length against the given plane limit.
func ValidateChunkSize(size, maxSize int) error {
	if size <= 0 {
		return ErrChunkEmpty
	}
	if size > maxSize {
		return fmt.Errorf("%w: chunk size %d exceeds limit %d", ErrChunkTooLarge, size, maxSize)
	}
	return nil
}

// ValidateChunkSizeConfig checks a configured chunk size: it must lie in
// [MinChunkSize, maxSize].
func ValidateChunkSizeConfig(size, maxSize int) error {
	if size < MinChunkSize {
		return fmt.Errorf("chunk size %d below minimum %d", size, MinChunkSize)
	}
	return ValidateChunkSize(size, maxSize)
}

// ValidateFileInfo validates announced file metadata.
func ValidateFileInfo(name string, size int64) error {
	if len(name) > MaxFileNameLength {
		return fmt.Errorf("%w: %d bytes exceeds limit %d", ErrFileNameTooLong, len(name), MaxFileNameLength)
	}
	if size < 0 {
		return fmt.Errorf("negative file size %d", size)
	}
	if size > MaxFileSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrFileTooLarge, size, int64(MaxFileSize))
	}
	return nil
}
