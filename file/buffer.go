package file

// ReceiveBuffer reorders verified chunks so the sink sees them strictly in
// index order. It is owned by one Receiver and is not safe for concurrent use.
type ReceiveBuffer struct {
	total          int
	nextToPersist  int
	persistedBytes int64
	outOfOrder     map[int][]byte
	received       map[int]struct{}
}

// NewReceiveBuffer creates a buffer expecting total chunks.
func NewReceiveBuffer(total int) *ReceiveBuffer {
	return &ReceiveBuffer{
		total:      total,
		outOfOrder: make(map[int][]byte),
		received:   make(map[int]struct{}),
	}
}

// Has reports whether index was already accepted.
func (b *ReceiveBuffer) Has(index int) bool {
	_, ok := b.received[index]
	return ok
}

// InRange reports whether index is a valid chunk index.
func (b *ReceiveBuffer) InRange(index int) bool {
	return index >= 0 && index < b.total
}

// Insert stores a verified chunk. It returns false for duplicates and
// out-of-range indices.
func (b *ReceiveBuffer) Insert(index int, data []byte) bool {
	if !b.InRange(index) || b.Has(index) {
		return false
	}
	b.received[index] = struct{}{}
	b.outOfOrder[index] = data
	return true
}

// PopReady removes and returns the chunk at nextToPersist if it is present,
// advancing the cursor. Callers loop until it returns false.
func (b *ReceiveBuffer) PopReady() (int, []byte, bool) {
	data, ok := b.outOfOrder[b.nextToPersist]
	if !ok {
		return 0, nil, false
	}
	idx := b.nextToPersist
	delete(b.outOfOrder, idx)
	b.nextToPersist++
	b.persistedBytes += int64(len(data))
	return idx, data, true
}

// NextToPersist returns the index the sink is waiting for.
func (b *ReceiveBuffer) NextToPersist() int { return b.nextToPersist }

// PersistedBytes returns the bytes handed to the sink so far.
func (b *ReceiveBuffer) PersistedBytes() int64 { return b.persistedBytes }

// ReceivedCount returns the number of distinct chunks accepted.
func (b *ReceiveBuffer) ReceivedCount() int { return len(b.received) }

// Buffered returns the number of chunks waiting for a gap to fill.
func (b *ReceiveBuffer) Buffered() int { return len(b.outOfOrder) }

// Missing lists the indices in [0,total) not yet accepted, ascending.
func (b *ReceiveBuffer) Missing() []int {
	var missing []int
	for i := 0; i < b.total; i++ {
		if _, ok := b.received[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// Complete reports whether every chunk was persisted.
func (b *ReceiveBuffer) Complete() bool { return b.nextToPersist >= b.total }

// Release drops buffered chunk data.
func (b *ReceiveBuffer) Release() {
	b.outOfOrder = make(map[int][]byte)
}
