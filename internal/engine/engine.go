// Package engine implements the sharded key-value engine described in
// §4.3: a bucket-chained in-memory index over a circular log, owned
// exclusively by one worker and accessed with no internal locking (the
// Design Notes are explicit that this must stay single-threaded per
// instance — concurrency, if any, belongs to the worker loop that calls
// it, never to the engine itself).
package engine

import (
	"fmt"

	"github.com/mica-kv/mica/internal/wire"
)

// Config fixes the engine's two structural parameters: the index bucket
// count (a power of two) and the log capacity in bytes (a power of two),
// plus the deployment's maximum value size.
type Config struct {
	// NumBuckets is B (§3): must be a power of two.
	NumBuckets int
	// LogCapacity is L (§3), in bytes: must be a power of two.
	LogCapacity int
	// MaxValueLen is the configured maximum value size for this
	// deployment (§3: "configured to a fixed maximum per deployment (32
	// bytes by default)").
	MaxValueLen int
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// Validate checks the configuration-error conditions from §7 kind 1.
func (c Config) Validate() error {
	if !isPowerOfTwo(c.NumBuckets) {
		return fmt.Errorf("engine: num_buckets must be a power of two, got %d", c.NumBuckets)
	}
	if !isPowerOfTwo(c.LogCapacity) {
		return fmt.Errorf("engine: log_capacity must be a power of two, got %d", c.LogCapacity)
	}
	if c.MaxValueLen < 0 || c.MaxValueLen > 255 {
		return fmt.Errorf("engine: max_value_len must be in [0, 255], got %d", c.MaxValueLen)
	}
	return nil
}

// Engine owns the bucket index and circular log for exactly one worker. It
// executes GET and PUT with no concurrency control whatsoever: callers
// (the worker loop) are responsible for ensuring only one goroutine ever
// touches a given Engine.
type Engine struct {
	cfg   Config
	index *index
	log   *circularLog
}

// New constructs an Engine for the given configuration.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:   cfg,
		index: newIndex(cfg.NumBuckets),
		log:   newCircularLog(cfg.LogCapacity),
	}, nil
}

// Put implements §4.3's PUT algorithm. A zero-length value is legal and
// occupies one log byte. An oversize value is rejected without touching
// the log or index, with its failure communicated solely via the returned
// rejected flag (§4.3, §7 kind 4) — this is not a Go error, since it is
// not a caller mistake, it is routine deployment-level input validation.
func (e *Engine) Put(key wire.Key, value []byte) (rejected bool) {
	if len(value) > e.cfg.MaxValueLen {
		return true
	}

	pos := e.log.append(value)

	b := e.index.bucketFor(key.Bucket())
	b.upsert(key.Tag(), pos)
	return false
}

// Get implements §4.3's GET algorithm. A miss — whether because no entry
// ever existed, or because the entry's log position has been lapped by the
// head — returns found=false. This is a normal outcome, not an error
// (§4.3 "Failure semantics").
func (e *Engine) Get(key wire.Key) (value []byte, found bool) {
	b := e.index.bucketFor(key.Bucket())

	i, ok := b.find(key.Tag())
	if !ok {
		return nil, false
	}

	pos := b.slots[i].offset
	if !e.log.isLive(pos) {
		return nil, false
	}

	return e.log.read(pos), true
}

// Op is one operation in a batch: the decoded request only. The worker
// keeps the correlation data it needs to address the reply (client id and
// slot view) on its own side, so the engine never needs to know about the
// transport.
type Op struct {
	Key   wire.Key
	IsPut bool
	Value []byte
}

// Result is Op's corresponding outcome.
type Result struct {
	Value    []byte
	Found    bool // meaningful for GET only
	Rejected bool // meaningful for PUT only
}

// Batch executes ops against the engine in order and returns their results
// in the same order (§4.3 "Batching"). There is no cross-op atomicity:
// batching exists purely to amortize the worker's completion bookkeeping.
func (e *Engine) Batch(ops []Op) []Result {
	results := make([]Result, len(ops))
	for i, op := range ops {
		if op.IsPut {
			rejected := e.Put(op.Key, op.Value)
			results[i] = Result{Rejected: rejected}
			continue
		}

		value, found := e.Get(op.Key)
		results[i] = Result{Value: value, Found: found}
	}
	return results
}
