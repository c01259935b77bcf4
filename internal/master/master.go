// Package master implements the per-server setup orchestrator from §4.5:
// it allocates the request region, creates one fabric endpoint per
// (client, port) pair, registers the region for remote writes, publishes
// everything under the naming scheme clients look up at startup, and then
// idles — the data plane itself belongs entirely to internal/worker.
package master

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mica-kv/mica/internal/engine"
	"github.com/mica-kv/mica/internal/fabric"
	"github.com/mica-kv/mica/internal/fabric/registry"
	"github.com/mica-kv/mica/internal/region"
	"github.com/mica-kv/mica/internal/worker"
)

// connectTimeout bounds how long a master waits for a single client's
// connection endpoint to show up in the directory during setup.
const connectTimeout = 30 * time.Second

// Config fixes one server's static setup parameters.
type Config struct {
	// ServerID is this server's index, used in every published name and
	// in placement.Config.
	ServerID int
	// NumClientPorts is the number of ports (queue pairs) each client
	// opens against this server (§4.5).
	NumClientPorts int
	// BasePortIndex offsets the published port numbers (§6 flag
	// --base-port-index).
	BasePortIndex int
	Region         region.Layout
	Engine         engine.Config
	Worker         worker.Config
}

// Validate checks the server's own fields and validates each
// sub-configuration on its own; it does not cross-check them against each
// other. The number of engines and worker loops is taken from the region's
// worker dimension, so those always match.
func (c Config) Validate() error {
	if c.ServerID < 0 {
		return fmt.Errorf("master: server_id must be >= 0, got %d", c.ServerID)
	}
	if c.NumClientPorts < 1 {
		return fmt.Errorf("master: num_client_ports must be >= 1, got %d", c.NumClientPorts)
	}
	if err := c.Region.Validate(); err != nil {
		return err
	}
	if err := c.Engine.Validate(); err != nil {
		return err
	}
	if err := c.Worker.Validate(); err != nil {
		return err
	}
	return nil
}

type options struct {
	Log *zap.SugaredLogger
}

func newOptions() *options {
	return &options{Log: zap.NewNop().Sugar()}
}

// Option configures a Master.
type Option func(*options)

// WithLog sets the master's logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) { o.Log = log }
}

// publication is what a master publishes per (client, port): the fabric
// endpoint the client should connect to, plus a descriptor for the shared
// request region's remote-write handle.
type publication struct {
	Endpoint []byte `json:"endpoint"`
	Region   []byte `json:"region"`
}

// Master owns one server's request region, its per-worker engines, and
// the fabric endpoints published for clients to connect to.
type Master struct {
	cfg Config
	fab fabric.Fabric
	dir fabric.Directory
	log *zap.SugaredLogger

	region  *region.Region
	mrdesc  []byte
	engines []*engine.Engine
	workers []*worker.Worker
}

// New allocates the request region and per-worker engines for cfg, but
// does not yet create or publish any fabric endpoints — call Run for
// that.
func New(cfg Config, fab fabric.Fabric, dir fabric.Directory, opts ...Option) (*Master, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}

	r, err := region.New(cfg.Region)
	if err != nil {
		return nil, err
	}

	engines := make([]*engine.Engine, cfg.Region.NumWorkers)
	for w := range engines {
		e, err := engine.New(cfg.Engine)
		if err != nil {
			return nil, fmt.Errorf("master: failed to construct engine for worker %d: %w", w, err)
		}
		engines[w] = e
	}

	return &Master{
		cfg:     cfg,
		fab:     fab,
		dir:     dir,
		log:     o.Log,
		region:  r,
		engines: engines,
	}, nil
}

// Run registers the request region, creates and publishes the per-client
// endpoints, starts every worker's poll loop, and blocks until ctx is
// canceled: setup, then fan out long-running loops via an errgroup, then
// wait.
func (m *Master) Run(ctx context.Context) error {
	m.log.Infow("starting master", "server_id", m.cfg.ServerID)
	defer m.log.Infow("stopped master", "server_id", m.cfg.ServerID)

	mr, err := m.fab.RegisterMemoryRegion(m.region.Bytes())
	if err != nil {
		return fmt.Errorf("master: failed to register request region: %w", err)
	}
	m.mrdesc = m.fab.RegionDescriptor(mr)

	sendEPs := make([]fabric.Endpoint, m.cfg.Region.NumWorkers)
	for w := range sendEPs {
		ep, err := m.fab.CreateEndpoint()
		if err != nil {
			return fmt.Errorf("master: failed to create worker %d send endpoint: %w", w, err)
		}
		sendEPs[w] = ep
	}

	clientAddrs, err := m.createEndpoints(ctx)
	if err != nil {
		return err
	}

	m.workers = make([]*worker.Worker, m.cfg.Region.NumWorkers)
	for w := range m.workers {
		wk, err := worker.New(w, m.region, m.engines[w], m.fab, sendEPs[w], clientAddrs, m.cfg.Worker, worker.WithLog(m.log))
		if err != nil {
			return fmt.Errorf("master: failed to construct worker %d: %w", w, err)
		}
		m.workers[w] = wk
	}

	wg, ctx := errgroup.WithContext(ctx)
	for _, wk := range m.workers {
		wg.Go(func() error {
			return wk.Run(ctx)
		})
	}

	return wg.Wait()
}

// createEndpoints creates and publishes one fabric endpoint per (client,
// port) pair, per §4.5's naming scheme, and returns the client-GID to
// reply-endpoint-address map that workers use for responses.
//
// It fans the per-client work out across goroutines and aggregates
// failures with go-multierror rather than stopping at the first one, so
// the returned error names every failing client. Any single failure still
// fails the whole call, and Run does not start the workers.
func (m *Master) createEndpoints(ctx context.Context) (map[int]fabric.EndpointAddr, error) {
	type result struct {
		clientGID int
		addr      fabric.EndpointAddr
		err       error
	}

	results := make(chan result, m.cfg.Region.NumClients)

	for c := 0; c < m.cfg.Region.NumClients; c++ {
		go func(clientGID int) {
			addr, err := m.createClientEndpoints(ctx, clientGID)
			results <- result{clientGID: clientGID, addr: addr, err: err}
		}(c)
	}

	clientAddrs := make(map[int]fabric.EndpointAddr, m.cfg.Region.NumClients)
	var errs error
	for i := 0; i < m.cfg.Region.NumClients; i++ {
		r := <-results
		if r.err != nil {
			errs = multierror.Append(errs, fmt.Errorf("client %d: %w", r.clientGID, r.err))
			continue
		}
		clientAddrs[r.clientGID] = r.addr
	}

	if errs != nil {
		return nil, fmt.Errorf("master: failed to create endpoints for one or more clients: %w", errs)
	}
	return clientAddrs, nil
}

// createClientEndpoints creates one endpoint per configured port for
// clientGID, publishes each under its §4.5 name, and waits for the
// client's own connection endpoint to be published so it can be returned
// as the address workers send responses to.
func (m *Master) createClientEndpoints(ctx context.Context, clientGID int) (fabric.EndpointAddr, error) {
	for p := 0; p < m.cfg.NumClientPorts; p++ {
		ep, err := m.fab.CreateEndpoint()
		if err != nil {
			return nil, fmt.Errorf("failed to create endpoint for port %d: %w", p, err)
		}

		pub := publication{Endpoint: ep.Addr(), Region: m.mrdesc}
		payload, err := json.Marshal(pub)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal publication for port %d: %w", p, err)
		}

		name := registry.MasterName(m.cfg.ServerID, m.cfg.BasePortIndex+p, clientGID)
		if err := m.dir.Publish(name, fabric.EndpointAddr(payload)); err != nil {
			return nil, fmt.Errorf("failed to publish %s: %w", name, err)
		}
	}

	connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	addr, err := registry.WaitFor(connCtx, m.dir, registry.ClientConnName(m.cfg.ServerID, clientGID))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve client %d's connection endpoint: %w", clientGID, err)
	}
	return addr, nil
}

// Engines returns the per-worker engines, for tests and introspection.
func (m *Master) Engines() []*engine.Engine {
	return m.engines
}

// Region returns the allocated request region.
func (m *Master) Region() *region.Region {
	return m.region
}
