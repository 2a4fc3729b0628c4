// Package chunk slices a byte source into fixed-size chunks and computes the
// content digests that both transfer engines agree on.
//
// Every chunk except possibly the last has exactly the configured chunk size.
// Digests are lowercase hex SHA-256, computed per chunk for the ARQ metadata
// and once over the whole file for end-to-end verification.
//
// Example:
//
//	src, err := chunk.OpenFile("report.pdf", 256*1024)
//	if err != nil {
//	    return err
//	}
//	defer src.Close()
//
//	data, err := src.ReadChunk(0)
//	meta := chunk.Chunk{Index: 0, Size: len(data), Digest: chunk.Digest(data)}
package chunk
