package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// ErrIndexOutOfRange indicates a chunk index outside [0, totalChunks).
var ErrIndexOutOfRange = errors.New("chunk index out of range")

// ErrInvalidChunkSize indicates a non-positive chunk size.
var ErrInvalidChunkSize = errors.New("invalid chunk size")

// Chunk describes one slice of a file. It is immutable once computed.
type Chunk struct {
	Index  int
	Size   int
	Digest string
}

// Count returns the number of chunks needed to cover fileSize bytes.
// An empty file has zero chunks.
func Count(fileSize int64, chunkSize int) int {
	if fileSize <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((fileSize + int64(chunkSize) - 1) / int64(chunkSize))
}

// SizeOf returns the length of chunk index for a file of fileSize bytes.
func SizeOf(index int, fileSize int64, chunkSize int) (int, error) {
	total := Count(fileSize, chunkSize)
	if index < 0 || index >= total {
		return 0, fmt.Errorf("%w: %d not in [0,%d)", ErrIndexOutOfRange, index, total)
	}
	start := int64(index) * int64(chunkSize)
	remaining := fileSize - start
	if remaining < int64(chunkSize) {
		return int(remaining), nil
	}
	return chunkSize, nil
}

// Digest returns the lowercase hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DigestReader streams r through SHA-256 and returns the hex digest.
func DigestReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("digest: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Describe reads chunk index from src and returns its metadata and bytes.
func Describe(src Source, index int) (Chunk, []byte, error) {
	data, err := src.ReadChunk(index)
	if err != nil {
		return Chunk{}, nil, err
	}
	return Chunk{Index: index, Size: len(data), Digest: Digest(data)}, data, nil
}
