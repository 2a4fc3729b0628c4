package chunk

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Source provides chunk bytes on demand.
type Source interface {
	// ReadChunk returns a fresh copy of the bytes of chunk index.
	ReadChunk(index int) ([]byte, error)
	// Size returns the total size of the source in bytes.
	Size() int64
	// ChunkSize returns the configured chunk size.
	ChunkSize() int
	// TotalChunks returns the number of chunks in the source.
	TotalChunks() int
}

// ReaderAtSource serves chunks from any io.ReaderAt.
type ReaderAtSource struct {
	r         io.ReaderAt
	size      int64
	chunkSize int
}

// NewReaderAtSource wraps r, which must expose at least size bytes.
func NewReaderAtSource(r io.ReaderAt, size int64, chunkSize int) (*ReaderAtSource, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChunkSize, chunkSize)
	}
	if size < 0 {
		return nil, fmt.Errorf("negative source size %d", size)
	}
	return &ReaderAtSource{r: r, size: size, chunkSize: chunkSize}, nil
}

// NewBytesSource serves chunks from an in-memory buffer.
func NewBytesSource(data []byte, chunkSize int) (*ReaderAtSource, error) {
	return NewReaderAtSource(bytes.NewReader(data), int64(len(data)), chunkSize)
}

// ReadChunk implements Source.
func (s *ReaderAtSource) ReadChunk(index int) ([]byte, error) {
	n, err := SizeOf(index, s.size, s.chunkSize)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	off := int64(index) * int64(s.chunkSize)
	read, err := s.r.ReadAt(buf, off)
	if read == n {
		return buf, nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return nil, fmt.Errorf("read chunk %d: %w", index, err)
}

// Size implements Source.
func (s *ReaderAtSource) Size() int64 { return s.size }

// ChunkSize implements Source.
func (s *ReaderAtSource) ChunkSize() int { return s.chunkSize }

// TotalChunks implements Source.
func (s *ReaderAtSource) TotalChunks() int { return Count(s.size, s.chunkSize) }

// FileDigest computes the whole-source digest by streaming every byte.
func (s *ReaderAtSource) FileDigest() (string, error) {
	return DigestReader(io.NewSectionReader(s.r, 0, s.size))
}

// FileSource is a ReaderAtSource backed by an open file.
type FileSource struct {
	*ReaderAtSource
	file *os.File
	name string
}

// OpenFile opens path for chunked reading.
func OpenFile(path string, chunkSize int) (*FileSource, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat source: %w", err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("source %s is a directory", path)
	}
	ras, err := NewReaderAtSource(f, info.Size(), chunkSize)
	if err != nil {
		f.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":     "OpenFile",
		"file_name":    info.Name(),
		"file_size":    info.Size(),
		"chunk_size":   chunkSize,
		"total_chunks": ras.TotalChunks(),
	}).Debug("Opened chunk source")

	return &FileSource{ReaderAtSource: ras, file: f, name: info.Name()}, nil
}

// Name returns the base name of the underlying file.
func (s *FileSource) Name() string { return s.name }

// Close releases the file handle.
func (s *FileSource) Close() error { return s.file.Close() }
