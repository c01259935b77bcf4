// Package client implements the client-side window management and
// request dispatch described in §4.6: routing a key to its primary server
// (internal/placement), round-robin selection among that server's
// workers, bounded-outstanding windows per (server, worker) pair, and the
// UNSIG_BATCH signalling discipline mirrored from internal/worker.
package client

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/mica-kv/mica/internal/fabric"
	"github.com/mica-kv/mica/internal/fabric/registry"
	"github.com/mica-kv/mica/internal/placement"
	"github.com/mica-kv/mica/internal/region"
	"github.com/mica-kv/mica/internal/wire"
)

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// Config fixes one client's identity and the region/placement shape it
// must agree on with every server in the cluster (§6: these are set via
// shared CLI flags, not discovered at runtime).
type Config struct {
	ClientGID     int
	BasePortIndex int
	Region        region.Layout
	Placement     placement.Config
	MaxValueLen   int
	UnsigBatch    int
}

// Validate checks the configuration-error conditions from §7 kind 1.
func (c Config) Validate() error {
	if c.ClientGID < 0 {
		return fmt.Errorf("client: client_gid must be >= 0, got %d", c.ClientGID)
	}
	if err := c.Region.Validate(); err != nil {
		return err
	}
	if err := c.Placement.Validate(); err != nil {
		return err
	}
	if c.MaxValueLen < 0 || c.MaxValueLen > 255 {
		return fmt.Errorf("client: max_value_len must be in [0, 255], got %d", c.MaxValueLen)
	}
	if !isPowerOfTwo(c.UnsigBatch) {
		return fmt.Errorf("client: unsig_batch must be a power of two, got %d", c.UnsigBatch)
	}
	return nil
}

type options struct {
	Log *zap.SugaredLogger
}

func newOptions() *options {
	return &options{Log: zap.NewNop().Sugar()}
}

// Option configures a Client.
type Option func(*options)

// WithLog sets the client's logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) { o.Log = log }
}

// masterPublication mirrors master.publication's wire shape; duplicated
// here rather than imported so the client package has no dependency on
// master's internals, only on the bytes the directory hands back.
type masterPublication struct {
	Endpoint []byte `json:"endpoint"`
	Region   []byte `json:"region"`
}

// serverConn is everything the client knows about one server once
// connected: the remote region handle to write requests into, and a
// window per worker to bound outstanding requests.
type serverConn struct {
	masterAddr fabric.EndpointAddr
	mr         fabric.MemoryRegionHandle
	windows    []*window
}

// window tracks one (server, worker) column's outstanding slots. A slot
// is free once its response has been reaped.
type window struct {
	cursor  int
	pending []bool
}

func newWindow(size int) *window {
	return &window{pending: make([]bool, size)}
}

// Client dispatches GET/PUT requests for one logical client across
// however many servers placement.Config routes keys to.
type Client struct {
	cfg Config
	fab fabric.Fabric
	dir fabric.Directory
	log *zap.SugaredLogger

	// connEP is the endpoint published for servers to send replies to.
	// writeEP is a separate endpoint for posting requests: keeping the two
	// apart means a write's own (periodically signalled, for flow
	// control) completion can never be mistaken for an arrived reply.
	connEP  fabric.Endpoint
	writeEP fabric.Endpoint
	servers map[int]*serverConn

	posted uint64

	Stats Stats
}

// New constructs a Client with its own endpoints, not yet connected to
// any server.
func New(cfg Config, fab fabric.Fabric, dir fabric.Directory, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}

	connEP, err := fab.CreateEndpoint()
	if err != nil {
		return nil, fmt.Errorf("client: failed to create connection endpoint: %w", err)
	}
	writeEP, err := fab.CreateEndpoint()
	if err != nil {
		return nil, fmt.Errorf("client: failed to create write endpoint: %w", err)
	}

	return &Client{
		cfg:     cfg,
		fab:     fab,
		dir:     dir,
		log:     o.Log,
		connEP:  connEP,
		writeEP: writeEP,
		servers: make(map[int]*serverConn),
	}, nil
}

// Connect resolves serverID's published endpoint and region, publishes
// this client's own connection endpoint under its §4.5 name so the
// server's master can find it, and connects to every port the server
// exposes for this client.
func (c *Client) Connect(ctx context.Context, serverID int) error {
	if _, ok := c.servers[serverID]; ok {
		return nil
	}

	name := registry.MasterName(serverID, c.cfg.BasePortIndex, c.cfg.ClientGID)
	raw, err := registry.WaitFor(ctx, c.dir, name)
	if err != nil {
		return fmt.Errorf("client: failed to resolve %s: %w", name, err)
	}

	var pub masterPublication
	if err := json.Unmarshal(raw, &pub); err != nil {
		return fmt.Errorf("client: malformed publication for %s: %w", name, err)
	}

	if err := c.fab.Connect(c.writeEP, fabric.EndpointAddr(pub.Endpoint)); err != nil {
		return fmt.Errorf("client: failed to connect to server %d: %w", serverID, err)
	}

	mr, err := c.fab.OpenRemoteRegion(pub.Region)
	if err != nil {
		return fmt.Errorf("client: failed to open server %d's region: %w", serverID, err)
	}

	windows := make([]*window, c.cfg.Region.NumWorkers)
	for w := range windows {
		windows[w] = newWindow(c.cfg.Region.WindowSize)
	}

	c.servers[serverID] = &serverConn{masterAddr: fabric.EndpointAddr(pub.Endpoint), mr: mr, windows: windows}

	connName := registry.ClientConnName(serverID, c.cfg.ClientGID)
	if err := c.dir.Publish(connName, c.connEP.Addr()); err != nil {
		return fmt.Errorf("client: failed to publish %s: %w", connName, err)
	}

	return nil
}

// pickSlot returns the next available slot in worker w's window for
// serverID, round-robining the worker choice is the caller's
// responsibility (routeAndPick below); ok is false if every slot is
// still outstanding (the window is full, §4.6's backpressure condition).
func (sc *serverConn) pickSlot(w int) (slot int, ok bool) {
	win := sc.windows[w]
	for i := 0; i < len(win.pending); i++ {
		idx := (win.cursor + i) % len(win.pending)
		if !win.pending[idx] {
			win.cursor = (idx + 1) % len(win.pending)
			win.pending[idx] = true
			return idx, true
		}
	}
	return 0, false
}

// routeAndPick resolves bucket to its primary server (§2's primary-only
// routing decision), round-robins across that server's workers starting
// from a key-derived offset, and returns the first worker with a free
// window slot.
func (c *Client) routeAndPick(bucket uint32) (serverID, workerID, slot int, sc *serverConn, ok bool) {
	serverID = c.cfg.Placement.RouteBucket(bucket)
	sc, known := c.servers[serverID]
	if !known {
		return 0, 0, 0, nil, false
	}

	n := len(sc.windows)
	start := int(bucket) % n
	for i := 0; i < n; i++ {
		w := (start + i) % n
		if s, ok := sc.pickSlot(w); ok {
			return serverID, w, s, sc, true
		}
	}
	return 0, 0, 0, nil, false
}

// Put issues a blocking PUT: it waits (via a tight, non-blocking-per-poll
// loop) for a free window slot, writes the request, and waits for the
// response. Only one request is in flight per call; the client has no
// pipelined API that keeps several window slots busy at once.
func (c *Client) Put(ctx context.Context, key wire.Key, value []byte) (rejected bool, err error) {
	return c.roundTrip(ctx, key, wire.OpPut, value)
}

// Get issues a blocking GET. found is true only when the response carries
// an actual payload: a miss and a PUT-style empty acknowledgement both
// encode as val_len=0 on the wire (§3, §4.3), so an empty response is
// reported as not found rather than conflated with the oversize-value
// rejected sentinel, which GET never produces.
func (c *Client) Get(ctx context.Context, key wire.Key) (value []byte, found bool, err error) {
	v, rejected, err := c.roundTrip(ctx, key, wire.OpGet, nil)
	if err != nil || rejected {
		return nil, false, err
	}
	return v, len(v) > 0, nil
}

func (c *Client) roundTrip(ctx context.Context, key wire.Key, op wire.Op, putValue []byte) ([]byte, bool, error) {
	_, workerID, slot, sc, ok := c.awaitFreeSlot(ctx, key.Bucket())
	if !ok {
		return nil, false, fmt.Errorf("client: no free window slot for bucket %d", key.Bucket())
	}

	offset := c.cfg.Region.Offset(workerID, c.cfg.ClientGID, slot)
	req := make([]byte, wire.SlotSize(c.cfg.MaxValueLen))
	if err := wire.EncodeRequest(req, c.cfg.MaxValueLen, op, key, putValue, true); err != nil {
		sc.windows[workerID].pending[slot] = false
		return nil, false, fmt.Errorf("client: failed to encode request: %w", err)
	}

	recvBuf := make([]byte, wire.ResponseSize(c.cfg.MaxValueLen))
	if err := c.fab.PostRecv(c.connEP, recvBuf); err != nil {
		sc.windows[workerID].pending[slot] = false
		return nil, false, fmt.Errorf("client: failed to post receive buffer: %w", err)
	}

	// Posted on the dedicated write endpoint, signalled per the
	// UNSIG_BATCH discipline (§4.6) purely for local send-queue flow
	// control. Its completion, if any, is reaped on writeEP and can never
	// be mistaken for the worker's reply, which arrives separately on
	// connEP.
	if _, err := c.fab.PostWrite(c.writeEP, sc.mr, offset, req, c.shouldSignal()); err != nil {
		sc.windows[workerID].pending[slot] = false
		return nil, false, fmt.Errorf("client: failed to post write: %w", err)
	}
	c.reapWriteCompletions()

	for {
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		default:
		}
		_, ready, err := c.fab.PollCompletion(c.connEP)
		if err != nil {
			return nil, false, fmt.Errorf("client: completion poll failed: %w", err)
		}
		if ready {
			break
		}
	}

	sc.windows[workerID].pending[slot] = false

	respValue, rejected, err := wire.DecodeResponse(recvBuf, c.cfg.MaxValueLen)
	if err != nil {
		return nil, false, fmt.Errorf("client: failed to decode response: %w", err)
	}

	if op == wire.OpPut {
		c.Stats.recordPut(rejected)
	} else {
		// A GET hit and a miss both decode with rejected=false (§3, §4.3);
		// only a non-empty payload is actually a hit.
		c.Stats.recordGet(len(respValue) > 0)
	}

	return respValue, rejected, nil
}

// shouldSignal implements the same UNSIG_BATCH bitmask discipline as
// internal/worker: only every UnsigBatch-th posted write is signalled.
func (c *Client) shouldSignal() bool {
	c.posted++
	return c.posted&uint64(c.cfg.UnsigBatch-1) == 0
}

// reapWriteCompletions drains every completion currently ready on
// writeEP, without blocking.
func (c *Client) reapWriteCompletions() {
	for {
		_, ok, err := c.fab.PollCompletion(c.writeEP)
		if err != nil {
			c.log.Warnw("write completion poll failed", "error", err)
			return
		}
		if !ok {
			return
		}
	}
}

func (c *Client) awaitFreeSlot(ctx context.Context, bucket uint32) (int, int, int, *serverConn, bool) {
	for {
		if serverID, workerID, slot, sc, ok := c.routeAndPick(bucket); ok {
			return serverID, workerID, slot, sc, true
		}
		select {
		case <-ctx.Done():
			return 0, 0, 0, nil, false
		default:
		}
	}
}
