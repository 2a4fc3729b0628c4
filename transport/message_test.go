package transport

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/relaydrop/limits"
)

func TestMessageWireForm(t *testing.T) {
	msg, err := NewMessage(MessageChunkMeta, ChunkMeta{Index: 3, TotalChunks: 10, Size: 512, Digest: "ab", Retry: true})
	require.NoError(t, err)

	data, err := msg.Serialize()
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"type":"chunk-meta","payload":{"index":3,"totalChunks":10,"size":512,"digest":"ab","retry":true}}`,
		string(data))

	parsed, err := ParseMessage(data)
	require.NoError(t, err)
	assert.Equal(t, MessageChunkMeta, parsed.Type)

	var meta ChunkMeta
	require.NoError(t, parsed.Decode(&meta))
	assert.Equal(t, 3, meta.Index)
	assert.True(t, meta.Retry)
}

func TestMessageWithoutPayload(t *testing.T) {
	msg, err := NewMessage(MessageTransferComplete, nil)
	require.NoError(t, err)
	data, err := msg.Serialize()
	require.NoError(t, err)
	assert.Equal(t, `{"type":"transfer-complete"}`, string(data))

	var v VerifyOK
	assert.Error(t, msg.Decode(&v))
}

func TestParseMessageRejects(t *testing.T) {
	_, err := ParseMessage([]byte(`{"type":"bogus"}`))
	assert.ErrorIs(t, err, ErrUnknownMessage)

	_, err = ParseMessage([]byte(`not json`))
	assert.Error(t, err)

	_, err = ParseMessage(nil)
	assert.ErrorIs(t, err, limits.ErrMessageEmpty)

	huge := `{"type":"ack","payload":"` + strings.Repeat("x", limits.MaxControlMessage) + `"}`
	_, err = ParseMessage([]byte(huge))
	assert.ErrorIs(t, err, limits.ErrMessageTooLarge)
}

func TestSerializeRequiresType(t *testing.T) {
	_, err := (&Message{}).Serialize()
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(42).String())
}
