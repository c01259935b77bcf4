package client

import "sync/atomic"

// snapshotInterval is K_512 from §4.6: the number of completed operations
// between stats reports. This package does not log; cmd/mica's client
// driver logs a snapshot at each multiple of this count.
const snapshotInterval = 524288

// Stats accumulates per-client operation counters. All fields are updated
// with atomic operations so a background reporter goroutine can read a
// consistent-enough snapshot without locking the hot path.
type Stats struct {
	gets    uint64
	puts    uint64
	hits    uint64
	misses  uint64
	rejects uint64
	replies uint64
}

// Snapshot is a point-in-time copy of Stats, safe to log or serialize.
type Snapshot struct {
	Gets    uint64
	Puts    uint64
	Hits    uint64
	Misses  uint64
	Rejects uint64
	Replies uint64
}

func (s *Stats) recordGet(found bool) {
	atomic.AddUint64(&s.gets, 1)
	if found {
		atomic.AddUint64(&s.hits, 1)
	} else {
		atomic.AddUint64(&s.misses, 1)
	}
	s.recordReply()
}

func (s *Stats) recordPut(rejected bool) {
	atomic.AddUint64(&s.puts, 1)
	if rejected {
		atomic.AddUint64(&s.rejects, 1)
	}
	s.recordReply()
}

// recordReply returns whether this reply crossed a snapshotInterval
// boundary, so the caller can decide whether to log.
func (s *Stats) recordReply() bool {
	n := atomic.AddUint64(&s.replies, 1)
	return n%snapshotInterval == 0
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Gets:    atomic.LoadUint64(&s.gets),
		Puts:    atomic.LoadUint64(&s.puts),
		Hits:    atomic.LoadUint64(&s.hits),
		Misses:  atomic.LoadUint64(&s.misses),
		Rejects: atomic.LoadUint64(&s.rejects),
		Replies: atomic.LoadUint64(&s.replies),
	}
}
