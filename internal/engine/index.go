package engine

// SlotsPerBucket is the small fixed number of (tag, log-offset) slots each
// index bucket holds (§3): small enough to scan with a handful of
// comparisons, large enough that FIFO eviction rarely throws out a hot key.
const SlotsPerBucket = 8

type indexEntry struct {
	occupied bool
	tag      uint64
	offset   uint64
}

// bucket is a fixed-size group of (tag, offset) slots. next tracks the
// FIFO insertion cursor: the slot that will be evicted next absent a
// tag match, per §4.3 "pick the FIFO-oldest slot and replace".
type bucket struct {
	slots [SlotsPerBucket]indexEntry
	next  int
}

func (b *bucket) find(tag uint64) (int, bool) {
	for i := range b.slots {
		if b.slots[i].occupied && b.slots[i].tag == tag {
			return i, true
		}
	}
	return 0, false
}

// upsert writes (tag, offset) into the bucket: overwriting a matching tag
// if present, otherwise evicting the FIFO-oldest slot.
func (b *bucket) upsert(tag uint64, offset uint64) {
	if i, ok := b.find(tag); ok {
		b.slots[i].offset = offset
		return
	}

	i := b.next
	b.slots[i] = indexEntry{occupied: true, tag: tag, offset: offset}
	b.next = (b.next + 1) % SlotsPerBucket
}

// index is the array of B buckets, B a power of two, indexed by the key's
// bucket field modulo B (§3).
type index struct {
	buckets []bucket
	mask    uint32
}

func newIndex(numBuckets int) *index {
	return &index{
		buckets: make([]bucket, numBuckets),
		mask:    uint32(numBuckets - 1),
	}
}

func (idx *index) bucketFor(bucketField uint32) *bucket {
	return &idx.buckets[bucketField&idx.mask]
}
