package limits

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimitOrdering(t *testing.T) {
	assert.Less(t, MinChunkSize, MaxDirectChunk)
	assert.Less(t, MaxDirectChunk, MaxRelayChunk)
	assert.Less(t, MaxControlMessage, MaxDirectChunk)
}

func TestValidateMessageSize(t *testing.T) {
	tests := []struct {
		name    string
		message []byte
		maxSize int
		wantErr error
	}{
		{"nil message", nil, 10, ErrMessageEmpty},
		{"empty message", []byte{}, 10, ErrMessageEmpty},
		{"at limit", make([]byte, 10), 10, nil},
		{"over limit", make([]byte, 11), 10, ErrMessageTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessageSize(tt.message, tt.maxSize)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestValidateControlMessage(t *testing.T) {
	assert.NoError(t, ValidateControlMessage([]byte(`{"type":"ack"}`)))

	err := ValidateControlMessage(make([]byte, MaxControlMessage+1))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	assert.Contains(t, err.Error(), "exceeds limit")
}

func TestValidateChunkSize(t *testing.T) {
	assert.ErrorIs(t, ValidateChunkSize(0, MaxDirectChunk), ErrChunkEmpty)
	assert.NoError(t, ValidateChunkSize(MaxDirectChunk, MaxDirectChunk))
	assert.ErrorIs(t, ValidateChunkSize(MaxDirectChunk+1, MaxDirectChunk), ErrChunkTooLarge)
	assert.NoError(t, ValidateChunkSize(MaxDirectChunk+1, MaxRelayChunk))
}

func TestValidateChunkSizeConfig(t *testing.T) {
	assert.Error(t, ValidateChunkSizeConfig(512, MaxRelayChunk))
	assert.NoError(t, ValidateChunkSizeConfig(512*1024, MaxRelayChunk))
	assert.ErrorIs(t, ValidateChunkSizeConfig(512*1024, MaxDirectChunk), ErrChunkTooLarge)
}

func TestValidateFileInfo(t *testing.T) {
	assert.NoError(t, ValidateFileInfo("report.pdf", 1<<20))
	assert.NoError(t, ValidateFileInfo("empty.txt", 0))
	assert.ErrorIs(t, ValidateFileInfo(strings.Repeat("a", MaxFileNameLength+1), 1), ErrFileNameTooLong)
	assert.ErrorIs(t, ValidateFileInfo("huge.iso", MaxFileSize+1), ErrFileTooLarge)
	assert.Error(t, ValidateFileInfo("neg", -1))
}
