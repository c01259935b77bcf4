// Package simfabric is an in-process, pure-Go stand-in for real RDMA
// hardware: it implements fabric.Fabric over goroutine-safe in-memory
// structures so the worker, master, and client packages can be exercised
// end to end without a verbs binding. Every operation completes
// synchronously; signalled operations still go through a completion queue
// so callers exercise the same busy-poll discipline they would against
// real hardware.
package simfabric

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mica-kv/mica/internal/fabric"
)

// Fabric is a shared simulated transport: endpoints created against the
// same Fabric value can address each other. Use one Fabric per simulated
// cluster in a test.
type Fabric struct {
	mu        sync.Mutex
	nextID    uint64
	endpoints map[uint64]*endpoint

	nextRegionID uint64
	regions      map[uint64]*memoryRegion
}

// New constructs an empty simulated fabric.
func New() *Fabric {
	return &Fabric{
		endpoints: make(map[uint64]*endpoint),
		regions:   make(map[uint64]*memoryRegion),
	}
}

type memoryRegion struct {
	id  uint64
	buf []byte
}

func (*memoryRegion) isMemoryRegionHandle() {}

type completion struct {
	ticket fabric.CompletionTicket
}

type endpoint struct {
	f    *Fabric
	id   uint64
	addr fabric.EndpointAddr

	mu          sync.Mutex
	recvBufs    [][]byte
	completions []completion
	nextTicket  uint64
	closed      bool
}

func (e *endpoint) Addr() fabric.EndpointAddr { return e.addr }

func (e *endpoint) Close() error {
	e.f.mu.Lock()
	defer e.f.mu.Unlock()
	delete(e.f.endpoints, e.id)
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

func (e *endpoint) signal(signaled bool) fabric.CompletionTicket {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextTicket++
	ticket := fabric.CompletionTicket(e.nextTicket)
	if signaled {
		e.completions = append(e.completions, completion{ticket: ticket})
	}
	return ticket
}

// CreateEndpoint allocates a new simulated endpoint, identified by an
// EndpointAddr of the form "sim-endpoint-<id>" — opaque to callers,
// meaningful only to this Fabric.
func (f *Fabric) CreateEndpoint() (fabric.Endpoint, error) {
	id := atomic.AddUint64(&f.nextID, 1)
	addr := fabric.EndpointAddr(fmt.Sprintf("sim-endpoint-%d", id))

	ep := &endpoint{f: f, id: id, addr: addr}

	f.mu.Lock()
	f.endpoints[id] = ep
	f.mu.Unlock()

	return ep, nil
}

// RegisterMemoryRegion registers mem for remote one-sided writes. mem is
// aliased: the handle's PostWrite writes land directly in mem.
func (f *Fabric) RegisterMemoryRegion(mem []byte) (fabric.MemoryRegionHandle, error) {
	id := atomic.AddUint64(&f.nextRegionID, 1)
	mr := &memoryRegion{id: id, buf: mem}

	f.mu.Lock()
	f.regions[id] = mr
	f.mu.Unlock()

	return mr, nil
}

// RegionDescriptor encodes the region's id as a decimal string, standing
// in for a serialized RDMA rkey-and-base-address pair.
func (f *Fabric) RegionDescriptor(h fabric.MemoryRegionHandle) []byte {
	mr := h.(*memoryRegion)
	return []byte(fmt.Sprintf("%d", mr.id))
}

// OpenRemoteRegion resolves a descriptor produced by RegionDescriptor back
// to a usable handle. Since the simulated fabric is a single process, this
// is a map lookup rather than a real memory-registration exchange.
func (f *Fabric) OpenRemoteRegion(desc []byte) (fabric.MemoryRegionHandle, error) {
	var id uint64
	if _, err := fmt.Sscanf(string(desc), "%d", &id); err != nil {
		return nil, fmt.Errorf("simfabric: malformed region descriptor: %w", err)
	}

	f.mu.Lock()
	mr, ok := f.regions[id]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("simfabric: unknown region descriptor %q", desc)
	}
	return mr, nil
}

// Connect is a no-op in the simulated fabric: every endpoint is already
// addressable by every other endpoint sharing the same Fabric. Real
// connected queue pairs would negotiate here; this sim only needs the
// remote EndpointAddr to already resolve, which the rendezvous directory
// guarantees.
func (f *Fabric) Connect(local fabric.Endpoint, remote fabric.EndpointAddr) error {
	if _, ok := local.(*endpoint); !ok {
		return fmt.Errorf("simfabric: local endpoint not created by this fabric")
	}
	return nil
}

func (f *Fabric) resolve(addr fabric.EndpointAddr) (*endpoint, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ep := range f.endpoints {
		if string(ep.addr) == string(addr) {
			return ep, true
		}
	}
	return nil, false
}

// PostWrite copies data directly into the registered remote region at
// offset, the same way a one-sided RDMA write lands bytes without
// involving the remote CPU.
func (f *Fabric) PostWrite(local fabric.Endpoint, remote fabric.MemoryRegionHandle, offset int, data []byte, signaled bool) (fabric.CompletionTicket, error) {
	le, ok := local.(*endpoint)
	if !ok {
		return 0, fmt.Errorf("simfabric: local endpoint not created by this fabric")
	}
	mr, ok := remote.(*memoryRegion)
	if !ok {
		return 0, fmt.Errorf("simfabric: remote handle not created by this fabric")
	}
	if offset < 0 || offset+len(data) > len(mr.buf) {
		return 0, fmt.Errorf("simfabric: write [%d,%d) out of bounds for region of size %d", offset, offset+len(data), len(mr.buf))
	}

	copy(mr.buf[offset:offset+len(data)], data)

	return le.signal(signaled), nil
}

// PostSend delivers data into the next buffer dest has posted via
// PostRecv. Unreliable-datagram semantics: if dest has no posted receive
// buffer, the send is silently dropped, matching real UD behavior rather
// than returning an error.
func (f *Fabric) PostSend(local fabric.Endpoint, dest fabric.EndpointAddr, data []byte, signaled bool) (fabric.CompletionTicket, error) {
	le, ok := local.(*endpoint)
	if !ok {
		return 0, fmt.Errorf("simfabric: local endpoint not created by this fabric")
	}

	de, ok := f.resolve(dest)
	if ok {
		de.mu.Lock()
		delivered := false
		if len(de.recvBufs) > 0 {
			buf := de.recvBufs[0]
			de.recvBufs = de.recvBufs[1:]
			copy(buf, data)
			delivered = true
		}
		de.mu.Unlock()

		// A receive completion is always signalled on the destination —
		// unlike send completions, there is no unsignalled-receive mode,
		// since the receiver has no other way to learn data arrived.
		if delivered {
			de.signal(true)
		}
	}

	return le.signal(signaled), nil
}

// PostRecv posts buf as the next landing spot for an inbound datagram on
// local.
func (f *Fabric) PostRecv(local fabric.Endpoint, buf []byte) error {
	le, ok := local.(*endpoint)
	if !ok {
		return fmt.Errorf("simfabric: local endpoint not created by this fabric")
	}
	le.mu.Lock()
	le.recvBufs = append(le.recvBufs, buf)
	le.mu.Unlock()
	return nil
}

// PollCompletion performs one non-blocking poll of local's completion
// queue, FIFO order.
func (f *Fabric) PollCompletion(local fabric.Endpoint) (fabric.CompletionTicket, bool, error) {
	le, ok := local.(*endpoint)
	if !ok {
		return 0, false, fmt.Errorf("simfabric: local endpoint not created by this fabric")
	}

	le.mu.Lock()
	defer le.mu.Unlock()
	if len(le.completions) == 0 {
		return 0, false, nil
	}
	c := le.completions[0]
	le.completions = le.completions[1:]
	return c.ticket, true, nil
}
