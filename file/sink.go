package file

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relaydrop/chunk"
	"github.com/opd-ai/relaydrop/transport"
)

// Sink is the ordered-write destination for reassembled bytes.
type Sink interface {
	// Write appends the next chunk in index order.
	Write(p []byte) error
	// Finalize completes the output and returns its whole-file digest, or
	// "" when the sink cannot re-read what it wrote.
	Finalize() (string, error)
	// Abort discards partial output.
	Abort() error
}

// SinkFactory opens a sink for an announced file.
type SinkFactory func(start transport.TransferStart) (Sink, error)

// ValidatePath checks if a file path is safe from directory traversal attacks.
// It returns the cleaned path or an error if the path contains traversal attempts.
func ValidatePath(path string) (string, error) {
	cleanedPath := filepath.Clean(path)
	for _, part := range strings.Split(filepath.ToSlash(cleanedPath), "/") {
		if part == ".." {
			return "", ErrDirectoryTraversal
		}
	}
	return cleanedPath, nil
}

// WriterSink streams into an io.Writer. It cannot re-read its output, so
// Finalize reports no digest.
type WriterSink struct {
	w       io.Writer
	written int64
}

// NewWriterSink wraps w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Write implements Sink.
func (s *WriterSink) Write(p []byte) error {
	n, err := s.w.Write(p)
	s.written += int64(n)
	if err != nil {
		return fmt.Errorf("write stream: %w", err)
	}
	return nil
}

// Finalize implements Sink. Writers that are io.Closer are closed.
func (s *WriterSink) Finalize() (string, error) {
	if c, ok := s.w.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return "", fmt.Errorf("close stream: %w", err)
		}
	}
	return "", nil
}

// Abort implements Sink.
func (s *WriterSink) Abort() error {
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Written returns the bytes written so far.
func (s *WriterSink) Written() int64 { return s.written }

// MemorySink collects the file in memory.
type MemorySink struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	finalized bool
	aborted   bool
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

// Write implements Sink.
func (s *MemorySink) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.buf.Write(p)
	return err
}

// Finalize implements Sink.
func (s *MemorySink) Finalize() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = true
	return chunk.Digest(s.buf.Bytes()), nil
}

// Abort implements Sink.
func (s *MemorySink) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
	s.buf.Reset()
	return nil
}

// Bytes returns a copy of the collected data.
func (s *MemorySink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf.Bytes()...)
}

// Finalized reports whether Finalize was called.
func (s *MemorySink) Finalized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalized
}

// FileSink writes to a temporary file in a directory and renames it into
// place on Finalize, re-reading it to compute the digest.
type FileSink struct {
	dir  string
	name string
	tmp  *os.File
}

// NewFileSink creates dir/name.part for writing. The name must not escape dir.
func NewFileSink(dir, name string) (*FileSink, error) {
	base := filepath.Base(name)
	if base != name || base == "." || base == ".." || base == string(filepath.Separator) {
		return nil, fmt.Errorf("%w: %q", ErrDirectoryTraversal, name)
	}
	cleanDir, err := ValidatePath(dir)
	if err != nil {
		return nil, err
	}
	tmp, err := os.OpenFile(filepath.Join(cleanDir, base+".part"), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create output: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "NewFileSink",
		"directory": cleanDir,
		"file_name": base,
	}).Debug("Opened file sink")

	return &FileSink{dir: cleanDir, name: base, tmp: tmp}, nil
}

// FileSinkFactory opens a FileSink in dir for every announced file.
func FileSinkFactory(dir string) SinkFactory {
	return func(start transport.TransferStart) (Sink, error) {
		return NewFileSink(dir, start.FileName)
	}
}

// Path returns the final output path.
func (s *FileSink) Path() string { return filepath.Join(s.dir, s.name) }

// Write implements Sink.
func (s *FileSink) Write(p []byte) error {
	if _, err := s.tmp.Write(p); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

// Finalize implements Sink.
func (s *FileSink) Finalize() (string, error) {
	if err := s.tmp.Sync(); err != nil {
		s.tmp.Close()
		return "", fmt.Errorf("sync output: %w", err)
	}
	if err := s.tmp.Close(); err != nil {
		return "", fmt.Errorf("close output: %w", err)
	}
	if err := os.Rename(s.tmp.Name(), s.Path()); err != nil {
		return "", fmt.Errorf("rename output: %w", err)
	}

	f, err := os.Open(s.Path())
	if err != nil {
		return "", fmt.Errorf("reopen output: %w", err)
	}
	defer f.Close()
	return chunk.DigestReader(f)
}

// Abort implements Sink.
func (s *FileSink) Abort() error {
	s.tmp.Close()
	if err := os.Remove(s.tmp.Name()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
