// Package worker implements the data-plane poll loop described in §4.4: a
// single goroutine per worker that owns one engine.Engine and one column
// of the request region, scans it round-robin for requests landed by
// one-sided remote writes, dispatches them to the engine, and sends
// replies back over datagram endpoints — never blocking, per §5.
package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mica-kv/mica/internal/engine"
	"github.com/mica-kv/mica/internal/fabric"
	"github.com/mica-kv/mica/internal/region"
	"github.com/mica-kv/mica/internal/wire"
)

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// Config fixes the worker's batching and flow-control parameters.
type Config struct {
	// PostList bounds how many requests one scan round dispatches
	// together (§4.4 "Batching").
	PostList int
	// UnsigBatch is the signalling period: every UnsigBatch-th posted
	// send is signalled, the rest are fire-and-forget (§4.6). Must be a
	// power of two so the check reduces to a bitmask test.
	UnsigBatch int
	// MaxValueLen is the deployment's configured maximum value size.
	MaxValueLen int
}

// Validate checks the configuration-error conditions from §7 kind 1.
func (c Config) Validate() error {
	if c.PostList < 1 {
		return fmt.Errorf("worker: postlist must be >= 1, got %d", c.PostList)
	}
	if !isPowerOfTwo(c.UnsigBatch) {
		return fmt.Errorf("worker: unsig_batch must be a power of two, got %d", c.UnsigBatch)
	}
	if c.MaxValueLen < 0 || c.MaxValueLen > 255 {
		return fmt.Errorf("worker: max_value_len must be in [0, 255], got %d", c.MaxValueLen)
	}
	return nil
}

type options struct {
	Log *zap.SugaredLogger
}

func newOptions() *options {
	return &options{Log: zap.NewNop().Sugar()}
}

// Option configures a Worker.
type Option func(*options)

// WithLog sets the worker's logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) { o.Log = log }
}

type pending struct {
	view     []byte
	clientID int
	op       engine.Op
}

// Worker owns one request-region column and one engine instance. It is
// not safe for concurrent use: exactly one goroutine should call Run.
type Worker struct {
	id     int
	layout region.Layout
	column [][]byte

	engine *engine.Engine
	fab    fabric.Fabric
	sendEP fabric.Endpoint

	// clientAddrs maps a client's global id (its column index into the
	// region, per §3) to the datagram endpoint it posted a receive
	// buffer on, so responses can find their way back.
	clientAddrs map[int]fabric.EndpointAddr

	cfg Config
	log *zap.SugaredLogger

	cursor int
	posted uint64
}

// New constructs a Worker bound to worker index id's column of r.
func New(
	id int,
	r *region.Region,
	eng *engine.Engine,
	fab fabric.Fabric,
	sendEP fabric.Endpoint,
	clientAddrs map[int]fabric.EndpointAddr,
	cfg Config,
	opts ...Option,
) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}

	return &Worker{
		id:          id,
		layout:      r.Layout(),
		column:      r.WorkerColumn(id),
		engine:      eng,
		fab:         fab,
		sendEP:      sendEP,
		clientAddrs: clientAddrs,
		cfg:         cfg,
		log:         o.Log,
	}, nil
}

// Run drives the poll loop until ctx is canceled. It never blocks inside
// an iteration: every wait is a non-blocking check, satisfying §5's "no
// suspension on the data path".
func (w *Worker) Run(ctx context.Context) error {
	w.log.Infow("starting worker poll loop", "worker", w.id)
	defer w.log.Infow("stopped worker poll loop", "worker", w.id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		w.Poll()
	}
}

// Poll runs one non-blocking scan-dispatch-respond round and reaps any
// ready completions, returning the number of requests processed. Run
// calls this in a tight loop; a deployment running in single-threaded
// mode (spec's *_SINGLE_THREADED support) can instead call it directly,
// interleaved with other per-thread work.
func (w *Worker) Poll() int {
	n := w.pollOnce()
	w.reapCompletions()
	return n
}

// pollOnce scans at most one full lap of the worker's column, collecting
// up to cfg.PostList ready requests, dispatches them as one engine batch,
// and posts their responses. It returns the number of requests processed.
func (w *Worker) pollOnce() int {
	n := len(w.column)
	batch := make([]pending, 0, w.cfg.PostList)

	for scanned := 0; scanned < n && len(batch) < w.cfg.PostList; scanned++ {
		idx := w.cursor
		w.cursor = (w.cursor + 1) % n

		view := w.column[idx]
		req, ok := wire.DecodeRequest(view, w.cfg.MaxValueLen)
		if !ok {
			continue // idle or malformed slot (§7 kind 3): silently skipped
		}

		clientID := idx / w.layout.WindowSize
		batch = append(batch, pending{
			view:     view,
			clientID: clientID,
			op: engine.Op{
				Key:   req.Key,
				IsPut: req.Op == wire.OpPut,
				Value: req.Value,
			},
		})
	}

	if len(batch) == 0 {
		return 0
	}

	ops := make([]engine.Op, len(batch))
	for i, p := range batch {
		ops[i] = p.op
	}
	results := w.engine.Batch(ops)

	for i, p := range batch {
		w.respond(p, results[i])
		wire.ClearOpcode(p.view)
	}

	return len(batch)
}

func (w *Worker) respond(p pending, result engine.Result) {
	resp := make([]byte, wire.ResponseSize(w.cfg.MaxValueLen))

	switch {
	case p.op.IsPut && result.Rejected:
		_ = wire.EncodeRejected(resp, w.cfg.MaxValueLen)
	case p.op.IsPut:
		_ = wire.EncodeResponse(resp, w.cfg.MaxValueLen, nil)
	case result.Found:
		_ = wire.EncodeResponse(resp, w.cfg.MaxValueLen, result.Value)
	default:
		// A GET miss is a successful empty response, not the oversize-PUT
		// rejection sentinel (§4.3, §7 kind 4).
		_ = wire.EncodeResponse(resp, w.cfg.MaxValueLen, nil)
	}

	addr, ok := w.clientAddrs[p.clientID]
	if !ok {
		w.log.Warnw("no known endpoint for client", "client", p.clientID)
		return
	}

	if _, err := w.fab.PostSend(w.sendEP, addr, resp, w.shouldSignal()); err != nil {
		w.log.Warnw("failed to post response", "error", err, "client", p.clientID)
	}
}

// shouldSignal implements the UNSIG_BATCH discipline from §4.6: only every
// UnsigBatch-th post carries a completion signal, checked with a bitmask
// since UnsigBatch is a power of two.
func (w *Worker) shouldSignal() bool {
	w.posted++
	return w.posted&uint64(w.cfg.UnsigBatch-1) == 0
}

// reapCompletions drains every completion currently ready on the worker's
// send endpoint, without blocking, to bound the number of outstanding
// signalled sends.
func (w *Worker) reapCompletions() {
	for {
		_, ok, err := w.fab.PollCompletion(w.sendEP)
		if err != nil {
			w.log.Warnw("completion poll failed", "error", err)
			return
		}
		if !ok {
			return
		}
	}
}
