package file

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/relaydrop/chunk"
	"github.com/opd-ai/relaydrop/transport"
)

func TestValidatePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"plain", "downloads/file.bin", false},
		{"absolute", "/tmp/out", false},
		{"dot segments resolved", "a/./b/../c", false},
		{"parent escape", "../etc/passwd", true},
		{"nested escape", "a/../../b", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidatePath(tt.path)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrDirectoryTraversal)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFileSinkFinalizeRenamesAndDigests(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir, "report.pdf")
	require.NoError(t, err)

	require.NoError(t, sink.Write([]byte("hello ")))
	require.NoError(t, sink.Write([]byte("world")))
	_, err = os.Stat(sink.Path())
	assert.True(t, os.IsNotExist(err), "output appears only after finalize")

	digest, err := sink.Finalize()
	require.NoError(t, err)
	assert.Equal(t, chunk.Digest([]byte("hello world")), digest)

	got, err := os.ReadFile(filepath.Join(dir, "report.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
}

func TestFileSinkAbortRemovesPartial(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir, "partial.bin")
	require.NoError(t, err)
	require.NoError(t, sink.Write([]byte("half")))

	require.NoError(t, sink.Abort())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFileSinkRejectsTraversalNames(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"../escape", "sub/file", ".", "..", ""} {
		_, err := NewFileSink(dir, name)
		assert.ErrorIs(t, err, ErrDirectoryTraversal, name)
	}
}

func TestFileSinkFactoryUsesAnnouncedName(t *testing.T) {
	dir := t.TempDir()
	sink, err := FileSinkFactory(dir)(transport.TransferStart{FileName: "announced.txt"})
	require.NoError(t, err)
	require.NoError(t, sink.Write([]byte("x")))
	_, err = sink.Finalize()
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "announced.txt"))
	assert.NoError(t, err)
}

func TestWriterSinkHasNoDigest(t *testing.T) {
	var buf bytes.Buffer
	sink := NewWriterSink(&buf)

	require.NoError(t, sink.Write([]byte("abc")))
	digest, err := sink.Finalize()

	require.NoError(t, err)
	assert.Empty(t, digest)
	assert.Equal(t, int64(3), sink.Written())
	assert.Equal(t, "abc", buf.String())
}

func TestMemorySinkAbortClears(t *testing.T) {
	sink := NewMemorySink()
	require.NoError(t, sink.Write([]byte("abc")))
	require.NoError(t, sink.Abort())
	assert.Empty(t, sink.Bytes())
	assert.False(t, sink.Finalized())
}
