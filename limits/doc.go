// Package limits provides centralized size constants and validation functions
// for the relaydrop transfer protocol. Every component that accepts bytes from
// a peer validates them here first so the limits stay consistent.
//
// # Size Hierarchy
//
//   - MaxDirectChunk (256 KiB): the largest chunk carried over a direct peer
//     channel. Data channel messages above this size are not reliably delivered
//     by every SCTP implementation.
//
//   - MaxRelayChunk (1 MiB): the largest chunk the relay forwards as one binary
//     frame.
//
//   - MaxControlMessage (64 KiB): the largest JSON control message (metadata,
//     acknowledgements, negotiation blobs). Nack lists of a few thousand indices
//     and full session descriptions fit comfortably.
//
//   - MaxFileSize (64 GiB): the largest file a session may announce.
//
// # Validation Functions
//
//	if err := limits.ValidateChunkSize(size, limits.MaxDirectChunk); err != nil {
//	    // err wraps ErrChunkTooLarge or ErrChunkEmpty
//	}
//
//	if err := limits.ValidateControlMessage(data); err != nil {
//	    // err wraps ErrMessageTooLarge or ErrMessageEmpty
//	}
//
// Errors are wrapped with the offending and permitted sizes so callers can log
// them directly and still match with errors.Is.
package limits
