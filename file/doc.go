// Package file implements the chunked transfer engines: a sliding-window
// ARQ sender and a verifying, reordering receiver.
//
// # Overview
//
// The package provides these components:
//
//   - Sender: Splits a chunk.Source into chunks, keeps a bounded window in
//     flight, repairs what the receiver reports missing and waits for the
//     whole-file verification result
//   - Receiver: Pairs each binary payload with its chunk-meta, checks the
//     chunk digest, acknowledges it and persists chunks to a Sink strictly
//     in index order
//   - Session and Manager: Track transfers from the user's point of view
//     (state, plane, progress, outcome)
//
// # Window Control
//
// The sender admits a new chunk only while fewer than Size chunks are
// pending. The window grows by one on each new acknowledgement and halves
// on timeout retransmissions and on repair batches, never dropping below
// its minimum:
//
//	w := file.NewSendWindow(total, file.RelayWindow)
//	for w.CanSend() {
//	    idx, ok := w.NextNew()
//	    ...
//	}
//
// Indices the receiver reports missing go to a repair queue that is always
// drained before any new chunk is sent.
//
// # Sending
//
//	src, _ := chunk.OpenFile(path, cfg.ChunkSize)
//	digest, _ := src.FileDigest()
//	sender := file.NewSender(src, tr, file.FileInfo{Name: src.Name(), Digest: digest}, cfg, collector)
//	go func() {
//	    for ev := range sender.Events() {
//	        fmt.Printf("%.1f%%\n", ev.Percent())
//	    }
//	}()
//	res, err := sender.Run(ctx)
//
// Run returns only after the receiver reports verify-ok, transfer-complete
// or verify-fail. Acknowledging every chunk is not success on its own.
//
// # Receiving
//
//	receiver := file.NewReceiver(tr, file.FileSinkFactory(dir), file.DefaultReceiverConfig(plane), collector)
//	res, err := receiver.Run(ctx)
//
// The result status is StatusVerified only when the sender supplied a
// whole-file digest and the sink produced an equal one. A mismatch returns
// both a Result with StatusDigestMismatch and an error of kind
// KindIntegrityFailureFinal; the data is kept.
//
// # Errors
//
// Every terminal error is a *TransferError. Use KindOf to classify it:
//
//	if file.KindOf(err) == file.KindNegotiationFailurePostData {
//	    // the direct channel failed mid-transfer
//	}
//
// # Deterministic Testing
//
// For reproducible test scenarios, use the TimeProvider interface:
//
//	type TimeProvider interface {
//	    Now() time.Time
//	    Since(t time.Time) time.Duration
//	}
//
//	session.SetTimeProvider(&MockTimeProvider{fixedTime})
//
// # Thread Safety
//
// Sender and Receiver keep all transfer state on the goroutine that calls
// Run. Session and Manager are safe for concurrent use.
package file
