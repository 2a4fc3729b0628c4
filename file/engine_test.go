package file

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/relaydrop/chunk"
	"github.com/opd-ai/relaydrop/limits"
	"github.com/opd-ai/relaydrop/transport"
)

func TestTransferRoundTripVerified(t *testing.T) {
	data := testData(10*testChunkSize + 321)
	lb := newLoopback(data)

	sent, received := lb.run(t)

	require.NoError(t, sent.err)
	require.NoError(t, received.err)
	assert.Equal(t, StatusVerified, sent.res.Status)
	assert.Equal(t, StatusVerified, received.res.Status)
	assert.Equal(t, IntegrityFileDigest, received.res.IntegrityMode)
	assert.Equal(t, 11, received.res.TotalChunks)
	assert.Equal(t, int64(len(data)), received.res.Bytes)
	assert.Equal(t, data, lb.sink.Bytes())
}

func TestTransferCorruptedChunkRepairedOnce(t *testing.T) {
	data := testData(10 * testChunkSize)
	lb := newLoopback(data)
	nacks := newNackCounter()
	lb.senderHook = corruptOnce(3)
	lb.recvHook = nacks.hook

	sent, received := lb.run(t)

	require.NoError(t, sent.err)
	require.NoError(t, received.err)
	assert.Equal(t, 1, nacks.count(3), "chunk 3 must be requested exactly once")
	for i := 0; i < 10; i++ {
		if i != 3 {
			assert.Zero(t, nacks.count(i), "chunk %d", i)
		}
	}
	assert.Equal(t, 10, received.res.TotalChunks)
	assert.Equal(t, data, lb.sink.Bytes())
}

func TestTransferLostChunkRetransmittedOnTimeout(t *testing.T) {
	data := testData(8 * testChunkSize)
	lb := newLoopback(data)
	lb.senderHook = dropChunk(5, 1)

	sent, received := lb.run(t)

	require.NoError(t, sent.err)
	require.NoError(t, received.err)
	assert.Equal(t, data, lb.sink.Bytes())
}

func TestTransferRetriesExhausted(t *testing.T) {
	lb := newLoopback(testData(4 * testChunkSize))
	lb.senderCfg.AckTimeout = 30 * time.Millisecond
	lb.senderCfg.MaxRetries = 2
	lb.senderHook = dropChunk(0, 1000)

	sent, received := lb.run(t)

	require.Error(t, sent.err)
	assert.ErrorIs(t, sent.err, ErrRetriesExhausted)
	assert.Equal(t, KindTransientNetwork, KindOf(sent.err))
	var te *TransferError
	require.ErrorAs(t, sent.err, &te)
	assert.Equal(t, 0, te.Index)

	require.Error(t, received.err)
	assert.Nil(t, received.res)
}

func TestTransferWithoutDigestIsUnverified(t *testing.T) {
	data := testData(3 * testChunkSize)
	lb := newLoopback(data)
	lb.info.Digest = ""

	sent, received := lb.run(t)

	require.NoError(t, sent.err)
	require.NoError(t, received.err)
	assert.Equal(t, StatusUnverified, sent.res.Status)
	assert.Equal(t, StatusUnverified, received.res.Status)
	assert.Equal(t, IntegrityChunkDigest, received.res.IntegrityMode)
	assert.Equal(t, chunk.Digest(data), received.res.Digest)
}

func TestTransferDigestMismatchKeepsData(t *testing.T) {
	data := testData(2*testChunkSize + 10)
	lb := newLoopback(data)
	lb.info.Digest = chunk.Digest([]byte("something else"))

	sent, received := lb.run(t)

	require.Error(t, received.err)
	require.NotNil(t, received.res)
	assert.Equal(t, StatusDigestMismatch, received.res.Status)
	assert.Equal(t, KindIntegrityFailureFinal, KindOf(received.err))
	assert.ErrorIs(t, received.err, ErrDigestMismatch)
	assert.Equal(t, data, lb.sink.Bytes(), "delivered data is kept")

	require.Error(t, sent.err)
	require.NotNil(t, sent.res)
	assert.Equal(t, StatusDigestMismatch, sent.res.Status)
	assert.Equal(t, KindIntegrityFailureFinal, KindOf(sent.err))
	assert.Equal(t, chunk.Digest(data), sent.res.Digest)
}

func TestTransferSinkFailure(t *testing.T) {
	lb := newLoopback(testData(4 * testChunkSize))
	sink := &failingSink{failAt: 2}
	lb.factory = func(transport.TransferStart) (Sink, error) { return sink, nil }

	sent, received := lb.run(t)

	require.Error(t, received.err)
	assert.Equal(t, KindSinkFailure, KindOf(received.err))
	assert.True(t, sink.aborted)

	require.Error(t, sent.err)
	assert.Equal(t, KindSinkFailure, KindOf(sent.err))
}

func TestTransferEmptyFile(t *testing.T) {
	lb := newLoopback(nil)

	sent, received := lb.run(t)

	require.NoError(t, sent.err)
	require.NoError(t, received.err)
	assert.Equal(t, 0, received.res.TotalChunks)
	assert.Equal(t, StatusVerified, received.res.Status)
	assert.Empty(t, lb.sink.Bytes())
}

// The sender must not report success when every chunk is acked; it waits
// for the receiver's verification message.
func TestSenderCompletesOnlyAfterVerification(t *testing.T) {
	data := testData(3 * testChunkSize)
	digest := chunk.Digest(data)
	src, err := chunk.NewBytesSource(data, testChunkSize)
	require.NoError(t, err)

	a, b := transport.NewPipe()
	defer a.Close()
	defer b.Close()

	sender := NewSender(src, a, FileInfo{Name: "d.bin", Digest: digest}, testSenderConfig(), nil)
	go drain(sender.Events())
	done := make(chan outcome, 1)
	go func() {
		res, err := sender.Run(context.Background())
		done <- outcome{res, err}
	}()

	require.NoError(t, transport.Send(b, transport.MessageReceiverReady, nil))
	recvMessage(t, b, transport.MessageTransferStart)

	for ended := false; !ended; {
		f := recvFrame(t, b)
		if f.IsBinary() {
			continue
		}
		switch f.Message.Type {
		case transport.MessageChunkMeta:
			var meta transport.ChunkMeta
			require.NoError(t, f.Message.Decode(&meta))
			require.NoError(t, transport.Send(b, transport.MessageAck, transport.Ack{Index: meta.Index}))
		case transport.MessageTransferEnd:
			ended = true
		}
	}

	select {
	case <-done:
		t.Fatal("sender completed before verification arrived")
	case <-time.After(150 * time.Millisecond):
	}

	require.NoError(t, transport.Send(b, transport.MessageVerifyOK,
		transport.VerifyOK{Digest: digest, IntegrityMode: IntegrityFileDigest}))

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Equal(t, StatusVerified, out.res.Status)
	case <-time.After(3 * time.Second):
		t.Fatal("sender did not complete after verification")
	}
}

func TestSenderRepairsAfterMissingList(t *testing.T) {
	data := testData(3 * testChunkSize)
	src, err := chunk.NewBytesSource(data, testChunkSize)
	require.NoError(t, err)

	a, b := transport.NewPipe()
	defer a.Close()
	defer b.Close()

	sender := NewSender(src, a, FileInfo{Name: "r.bin"}, testSenderConfig(), nil)
	go drain(sender.Events())
	done := make(chan outcome, 1)
	go func() {
		res, err := sender.Run(context.Background())
		done <- outcome{res, err}
	}()

	require.NoError(t, transport.Send(b, transport.MessageReceiverReady, nil))
	recvMessage(t, b, transport.MessageTransferStart)

	ends := 0
	var retried []int
	for ends < 2 {
		f := recvFrame(t, b)
		if f.IsBinary() {
			continue
		}
		switch f.Message.Type {
		case transport.MessageChunkMeta:
			var meta transport.ChunkMeta
			require.NoError(t, f.Message.Decode(&meta))
			if meta.Retry {
				retried = append(retried, meta.Index)
			}
			require.NoError(t, transport.Send(b, transport.MessageAck, transport.Ack{Index: meta.Index}))
		case transport.MessageTransferEnd:
			ends++
			if ends == 1 {
				require.NoError(t, transport.Send(b, transport.MessageNack, transport.Nack{Missing: []int{1}}))
			}
		}
	}
	assert.Equal(t, []int{1}, retried)

	require.NoError(t, transport.Send(b, transport.MessageTransferComplete, nil))
	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Equal(t, StatusUnverified, out.res.Status)
		assert.Equal(t, 3, sender.Window().AckedCount())
	case <-time.After(3 * time.Second):
		t.Fatal("sender did not complete")
	}
}

func TestSenderReceiverFatal(t *testing.T) {
	src, err := chunk.NewBytesSource(testData(testChunkSize), testChunkSize)
	require.NoError(t, err)
	a, b := transport.NewPipe()
	defer a.Close()
	defer b.Close()

	require.NoError(t, transport.Send(b, transport.MessageReceiverFatal, transport.Fatal{Reason: "no space"}))

	sender := NewSender(src, a, FileInfo{Name: "f.bin"}, testSenderConfig(), nil)
	go drain(sender.Events())
	_, err = sender.Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReceiverFatal)
	assert.Equal(t, KindAborted, KindOf(err))
}

func TestSenderDrainTimeout(t *testing.T) {
	src, err := chunk.NewBytesSource(testData(testChunkSize), testChunkSize)
	require.NoError(t, err)
	tr := newStuckTransport()

	cfg := testSenderConfig()
	cfg.ReadyTimeout = 0
	cfg.DrainTimeout = 50 * time.Millisecond
	cfg.DrainPoll = 5 * time.Millisecond

	sender := NewSender(src, tr, FileInfo{Name: "s.bin"}, cfg, nil)
	go drain(sender.Events())
	_, err = sender.Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDrainTimeout)
	assert.Equal(t, KindTransientNetwork, KindOf(err))

	msgs := tr.messages()
	require.NotEmpty(t, msgs)
	assert.Equal(t, transport.MessageCancel, msgs[len(msgs)-1].Type)
}

func TestSenderContextCancelled(t *testing.T) {
	src, err := chunk.NewBytesSource(testData(testChunkSize), testChunkSize)
	require.NoError(t, err)
	a, b := transport.NewPipe()
	defer a.Close()
	defer b.Close()

	cfg := testSenderConfig()
	cfg.ReadyTimeout = 5 * time.Second
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sender := NewSender(src, a, FileInfo{Name: "c.bin"}, cfg, nil)
	go drain(sender.Events())
	_, err = sender.Run(ctx)

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, KindAborted, KindOf(err))
}

func TestReceiverDataTimeout(t *testing.T) {
	a, b := transport.NewPipe()
	defer a.Close()
	defer b.Close()

	cfg := testReceiverConfig()
	cfg.DataTimeout = 50 * time.Millisecond
	receiver := NewReceiver(b, func(transport.TransferStart) (Sink, error) { return NewMemorySink(), nil }, cfg, nil)
	go drain(receiver.Events())

	_, err := receiver.Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDataTimeout)
	recvMessage(t, a, transport.MessageReceiverReady)
	recvMessage(t, a, transport.MessageReceiverFatal)
}

func TestReceiverRejectsInconsistentStart(t *testing.T) {
	a, b := transport.NewPipe()
	defer a.Close()
	defer b.Close()

	receiver := NewReceiver(b, func(transport.TransferStart) (Sink, error) { return NewMemorySink(), nil }, testReceiverConfig(), nil)
	go drain(receiver.Events())

	require.NoError(t, transport.Send(a, transport.MessageTransferStart, transport.TransferStart{
		FileName: "x.bin", FileSize: 4096, TotalChunks: 7, ChunkSize: 1024,
	}))
	_, err := receiver.Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidStart)
	recvMessage(t, a, transport.MessageReceiverFatal)
}

func TestReceiverRejectsChunkSizeOutsideLimits(t *testing.T) {
	tests := []struct {
		name  string
		plane transport.DataPlane
		start transport.TransferStart
	}{
		{"tiny chunks", transport.PlaneRelay, transport.TransferStart{FileName: "tiny.bin", FileSize: 200000, TotalChunks: 200000, ChunkSize: 1}},
		{"below minimum", transport.PlaneRelay, transport.TransferStart{FileName: "small.bin", FileSize: 4096, TotalChunks: 8, ChunkSize: limits.MinChunkSize / 2}},
		{"zero", transport.PlaneRelay, transport.TransferStart{FileName: "zero.bin", FileSize: 0, TotalChunks: 0, ChunkSize: 0}},
		{"above relay frame", transport.PlaneRelay, transport.TransferStart{FileName: "huge.bin", FileSize: 4 * limits.MaxRelayChunk, TotalChunks: 2, ChunkSize: 2 * limits.MaxRelayChunk}},
		{"above direct limit", transport.PlaneDirect, transport.TransferStart{FileName: "wide.bin", FileSize: limits.MaxRelayChunk, TotalChunks: 1, ChunkSize: limits.MaxRelayChunk}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := transport.NewPipe()
			defer a.Close()
			defer b.Close()

			cfg := testReceiverConfig()
			cfg.Plane = tt.plane
			receiver := NewReceiver(b, func(transport.TransferStart) (Sink, error) { return NewMemorySink(), nil }, cfg, nil)
			go drain(receiver.Events())

			require.NoError(t, transport.Send(a, transport.MessageTransferStart, tt.start))
			_, err := receiver.Run(context.Background())

			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidStart)
			assert.Nil(t, receiver.Start())
			recvMessage(t, a, transport.MessageReceiverFatal)
		})
	}
}

func TestReceiverAcksDuplicatesAgain(t *testing.T) {
	data := testData(2 * testChunkSize)
	a, b := transport.NewPipe()
	defer a.Close()
	defer b.Close()

	sink := NewMemorySink()
	receiver := NewReceiver(b, func(transport.TransferStart) (Sink, error) { return sink, nil }, testReceiverConfig(), nil)
	go drain(receiver.Events())
	done := make(chan outcome, 1)
	go func() {
		res, err := receiver.Run(context.Background())
		done <- outcome{res, err}
	}()

	recvMessage(t, a, transport.MessageReceiverReady)
	require.NoError(t, transport.Send(a, transport.MessageTransferStart, transport.TransferStart{
		FileName: "dup.bin", FileSize: int64(len(data)), TotalChunks: 2, ChunkSize: testChunkSize,
	}))

	sendChunk := func(idx int) {
		part := data[idx*testChunkSize : (idx+1)*testChunkSize]
		require.NoError(t, transport.Send(a, transport.MessageChunkMeta, transport.ChunkMeta{
			Index: idx, TotalChunks: 2, Size: len(part), Digest: chunk.Digest(part),
		}))
		require.NoError(t, a.SendBinary(part))
	}

	sendChunk(1)
	sendChunk(1)
	sendChunk(0)

	var acks []int
	for len(acks) < 3 {
		msg := recvMessage(t, a, transport.MessageAck)
		var ack transport.Ack
		require.NoError(t, msg.Decode(&ack))
		acks = append(acks, ack.Index)
	}
	assert.Equal(t, []int{1, 1, 0}, acks)

	require.NoError(t, transport.Send(a, transport.MessageTransferEnd, transport.TransferEnd{TotalChunks: 2}))
	recvMessage(t, a, transport.MessageVerifyOK)
	recvMessage(t, a, transport.MessageTransferComplete)

	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, StatusUnverified, out.res.Status)
	assert.Equal(t, data, sink.Bytes())
}

func TestReceiverNacksMissingOnEnd(t *testing.T) {
	data := testData(3 * testChunkSize)
	a, b := transport.NewPipe()
	defer a.Close()
	defer b.Close()

	receiver := NewReceiver(b, func(transport.TransferStart) (Sink, error) { return NewMemorySink(), nil }, testReceiverConfig(), nil)
	go drain(receiver.Events())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan outcome, 1)
	go func() {
		res, err := receiver.Run(ctx)
		done <- outcome{res, err}
	}()

	require.NoError(t, transport.Send(a, transport.MessageTransferStart, transport.TransferStart{
		FileName: "gap.bin", FileSize: int64(len(data)), TotalChunks: 3, ChunkSize: testChunkSize,
	}))
	part := data[testChunkSize : 2*testChunkSize]
	require.NoError(t, transport.Send(a, transport.MessageChunkMeta, transport.ChunkMeta{
		Index: 1, TotalChunks: 3, Size: len(part), Digest: chunk.Digest(part),
	}))
	require.NoError(t, a.SendBinary(part))
	require.NoError(t, transport.Send(a, transport.MessageTransferEnd, transport.TransferEnd{TotalChunks: 3}))

	msg := recvMessage(t, a, transport.MessageNack)
	var nack transport.Nack
	require.NoError(t, msg.Decode(&nack))
	assert.Equal(t, []int{0, 2}, nack.Missing)

	cancel()
	out := <-done
	assert.Equal(t, KindAborted, KindOf(out.err))
}

func TestReceiverSplitsLargeRepairRequest(t *testing.T) {
	const total = 20000
	a, b := transport.NewPipe()
	defer a.Close()
	defer b.Close()

	receiver := NewReceiver(b, func(transport.TransferStart) (Sink, error) { return NewMemorySink(), nil }, testReceiverConfig(), nil)
	go drain(receiver.Events())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan outcome, 1)
	go func() {
		res, err := receiver.Run(ctx)
		done <- outcome{res, err}
	}()

	require.NoError(t, transport.Send(a, transport.MessageTransferStart, transport.TransferStart{
		FileName: "sparse.bin", FileSize: total * testChunkSize, TotalChunks: total, ChunkSize: testChunkSize,
	}))
	require.NoError(t, transport.Send(a, transport.MessageTransferEnd, transport.TransferEnd{TotalChunks: total}))

	var missing []int
	batches := 0
	for len(missing) < total {
		msg := recvMessage(t, a, transport.MessageNack)
		var nack transport.Nack
		require.NoError(t, msg.Decode(&nack))
		require.NotEmpty(t, nack.Missing)
		assert.LessOrEqual(t, len(nack.Missing), DefaultNackBatch)
		raw, err := msg.Serialize()
		require.NoError(t, err)
		assert.LessOrEqual(t, len(raw), limits.MaxControlMessage)
		missing = append(missing, nack.Missing...)
		batches++
	}

	assert.Equal(t, (total+DefaultNackBatch-1)/DefaultNackBatch, batches)
	for i, idx := range missing {
		require.Equal(t, i, idx, "indices must arrive ascending without gaps")
	}

	cancel()
	out := <-done
	assert.Equal(t, KindAborted, KindOf(out.err), "repair request must not fail the transfer")
}

func TestNewReceiverClampsNackBatch(t *testing.T) {
	a, b := transport.NewPipe()
	defer a.Close()
	defer b.Close()

	cfg := testReceiverConfig()
	cfg.NackBatch = 1 << 20
	assert.Equal(t, MaxNackBatch, NewReceiver(b, nil, cfg, nil).config.NackBatch)
	cfg.NackBatch = 0
	assert.Equal(t, DefaultNackBatch, NewReceiver(b, nil, cfg, nil).config.NackBatch)
}

func TestReceiverReassemblesShuffledStreamWithDuplicates(t *testing.T) {
	data := testData(12*testChunkSize + 500)
	total := chunk.Count(int64(len(data)), testChunkSize)
	parts := make([][]byte, total)
	for i := range parts {
		end := min((i+1)*testChunkSize, len(data))
		parts[i] = data[i*testChunkSize : end]
	}

	for seed := int64(1); seed <= 40; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			arrivals := rng.Perm(total)
			for dups := rng.Intn(2 * total); dups > 0; dups-- {
				at := rng.Intn(len(arrivals) + 1)
				arrivals = append(arrivals[:at], append([]int{rng.Intn(total)}, arrivals[at:]...)...)
			}
			t.Logf("seed %d arrivals %v", seed, arrivals)

			a, b := transport.NewPipe()
			defer a.Close()
			defer b.Close()

			sink := &recordingSink{MemorySink: NewMemorySink()}
			receiver := NewReceiver(b, func(transport.TransferStart) (Sink, error) { return sink, nil }, testReceiverConfig(), nil)
			go drain(receiver.Events())
			done := make(chan outcome, 1)
			go func() {
				res, err := receiver.Run(context.Background())
				done <- outcome{res, err}
			}()

			require.NoError(t, transport.Send(a, transport.MessageTransferStart, transport.TransferStart{
				FileName:    "shuffled.bin",
				FileSize:    int64(len(data)),
				TotalChunks: total,
				ChunkSize:   testChunkSize,
				FileDigest:  chunk.Digest(data),
			}))
			for _, idx := range arrivals {
				require.NoError(t, transport.Send(a, transport.MessageChunkMeta, transport.ChunkMeta{
					Index: idx, TotalChunks: total, Size: len(parts[idx]), Digest: chunk.Digest(parts[idx]),
				}))
				require.NoError(t, a.SendBinary(parts[idx]))
			}
			require.NoError(t, transport.Send(a, transport.MessageTransferEnd, transport.TransferEnd{TotalChunks: total}))

			acks := make(map[int]int)
			ackCount := 0
		loop:
			for {
				f := recvFrame(t, a)
				if f.IsBinary() {
					continue
				}
				switch f.Message.Type {
				case transport.MessageAck:
					var ack transport.Ack
					require.NoError(t, f.Message.Decode(&ack))
					acks[ack.Index]++
					ackCount++
				case transport.MessageNack:
					t.Fatalf("unexpected nack: %s", f.Message.Payload)
				case transport.MessageTransferComplete:
					break loop
				}
			}

			out := <-done
			require.NoError(t, out.err)
			assert.Equal(t, StatusVerified, out.res.Status)
			assert.Equal(t, len(arrivals), ackCount, "one ack per arrival")
			for _, idx := range arrivals {
				assert.Positive(t, acks[idx])
			}
			assert.Equal(t, data, sink.Bytes())
			require.Len(t, sink.writes, total, "each chunk persisted exactly once")
			for i, w := range sink.writes {
				assert.Equal(t, parts[i], w, "chunk %d out of order", i)
			}
		})
	}
}
