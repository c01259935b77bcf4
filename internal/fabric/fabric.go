// Package fabric defines the interfaces the core uses to reach the
// RDMA-capable transport, treated per §1 as an external collaborator: this
// package names the operations (create endpoint, publish/look up an
// endpoint under a name, connect two endpoints, post write/send/recv, poll
// completions) without implementing real queue pairs, device enumeration,
// or NUMA binding — all of that is explicitly out of scope.
//
// internal/fabric/simfabric provides an in-process implementation used for
// tests and local development; a production deployment would instead
// implement Fabric against a real RDMA verbs binding.
package fabric

import "context"

// EndpointAddr is an opaque, serializable handle to an endpoint —
// analogous to an RDMA address handle or queue-pair descriptor. It travels
// through the rendezvous directory as an uninterpreted blob (§4.5's
// endpoint naming scheme only ever treats it as "publish under this name,
// look it up by that name").
type EndpointAddr []byte

// MemoryRegionHandle is an opaque, remotely-writable memory registration,
// returned by Fabric.RegisterMemoryRegion. Only the master registers the
// request region; clients obtain the handle via the rendezvous directory
// alongside the server's endpoint address.
type MemoryRegionHandle interface {
	// isMemoryRegionHandle is unexported so only this package's
	// implementations can satisfy the interface.
	isMemoryRegionHandle()
}

// CompletionTicket identifies one posted, signalled operation so a later
// PollCompletion call can recognize it.
type CompletionTicket uint64

// Endpoint is a local handle created by Fabric.CreateEndpoint: a queue
// pair, in RDMA terms.
type Endpoint interface {
	Addr() EndpointAddr
	Close() error
}

// Fabric is the data-plane transport collaborator (§1): endpoint
// lifecycle, connection setup, and the one-sided write / datagram
// send-recv / completion-polling primitives the worker and client loops
// drive without ever blocking (§5 "No suspension").
type Fabric interface {
	// CreateEndpoint allocates a new local endpoint.
	CreateEndpoint() (Endpoint, error)

	// RegisterMemoryRegion registers mem so remote PostWrite calls can
	// target it. mem is aliased, not copied: writes observed through the
	// returned handle are writes into mem.
	RegisterMemoryRegion(mem []byte) (MemoryRegionHandle, error)

	// RegionDescriptor returns the serializable form of h, suitable for
	// publishing through a Directory so a remote process can later
	// recover a usable handle via OpenRemoteRegion — standing in for an
	// RDMA rkey-and-address pair.
	RegionDescriptor(h MemoryRegionHandle) []byte

	// OpenRemoteRegion reconstructs a MemoryRegionHandle from a
	// descriptor obtained via RegionDescriptor (typically after a
	// Directory lookup), for use with PostWrite.
	OpenRemoteRegion(desc []byte) (MemoryRegionHandle, error)

	// Connect establishes a connection from local to the endpoint
	// identified by remote — for a connected (reliable- or
	// unreliable-connected) queue pair. Datagram endpoints skip this and
	// address each operation by EndpointAddr directly.
	Connect(local Endpoint, remote EndpointAddr) error

	// PostWrite issues a one-sided remote write of data into remote at
	// the given byte offset. If signaled, the caller must eventually
	// observe the returned ticket complete via PollCompletion before
	// reusing any buffer backing data (§4.4, §4.6 signalling discipline).
	PostWrite(local Endpoint, remote MemoryRegionHandle, offset int, data []byte, signaled bool) (CompletionTicket, error)

	// PostSend issues a datagram send of data to dest.
	PostSend(local Endpoint, dest EndpointAddr, data []byte, signaled bool) (CompletionTicket, error)

	// PostRecv posts a receive buffer on local. The fabric delivers the
	// next inbound datagram (if any) into buf; unreliable delivery means
	// a send with no matching posted receive is simply dropped.
	PostRecv(local Endpoint, buf []byte) error

	// PollCompletion performs one non-blocking poll of local's completion
	// queue. ok is false if nothing is ready yet — callers busy-wait by
	// calling again, never by blocking (§5).
	PollCompletion(local Endpoint) (ticket CompletionTicket, ok bool, err error)
}

// Directory is the out-of-band rendezvous service (§1, §4.5): it does not
// move data-plane bytes, only publishes and resolves endpoint names.
type Directory interface {
	// Publish makes addr discoverable under name.
	Publish(name string, addr EndpointAddr) error

	// Lookup resolves name to an EndpointAddr. Whether it waits for a name
	// that is not yet published depends on the implementation:
	// registry.InMemory blocks (subject to ctx) until it is published,
	// while registry.HTTPDirectory makes one attempt and returns an error;
	// registry.WaitFor retries either kind. This is non-data-plane code and
	// is allowed to block (§5 "Non-data-path code... may block").
	Lookup(ctx context.Context, name string) (EndpointAddr, error)
}
