// Package registry implements the rendezvous directory (§1, §4.5): a name
// service that lets masters, workers, and clients publish and discover
// fabric.EndpointAddr values by name, independent of the data plane
// itself. InMemory is a mutex-protected map with condition-variable-style
// wakeups for lookups that arrive before the publish they're waiting for.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/mica-kv/mica/internal/fabric"
)

// MasterName is the name a master publishes its per-(server, port, client)
// endpoint under (§4.5).
func MasterName(serverID, port, clientGID int) string {
	return fmt.Sprintf("master-s%d-%d-%d", serverID, port, clientGID)
}

// ClientConnName is the name a client publishes its connection endpoint
// under (§4.5).
func ClientConnName(serverID, clientGID int) string {
	return fmt.Sprintf("client-conn-s%d-%d", serverID, clientGID)
}

// InMemory is a process-local rendezvous directory: every master, worker,
// and client in one simulated or single-host deployment shares one
// InMemory value.
type InMemory struct {
	mu      sync.Mutex
	entries map[string]fabric.EndpointAddr
	waiters map[string][]chan struct{}
}

// NewInMemory constructs an empty directory.
func NewInMemory() *InMemory {
	return &InMemory{
		entries: make(map[string]fabric.EndpointAddr),
		waiters: make(map[string][]chan struct{}),
	}
}

// Publish implements fabric.Directory.
func (d *InMemory) Publish(name string, addr fabric.EndpointAddr) error {
	d.mu.Lock()
	d.entries[name] = addr
	waiters := d.waiters[name]
	delete(d.waiters, name)
	d.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	return nil
}

// Lookup implements fabric.Directory, blocking until name is published or
// ctx is canceled.
func (d *InMemory) Lookup(ctx context.Context, name string) (fabric.EndpointAddr, error) {
	for {
		d.mu.Lock()
		if addr, ok := d.entries[name]; ok {
			d.mu.Unlock()
			return addr, nil
		}
		ready := make(chan struct{})
		d.waiters[name] = append(d.waiters[name], ready)
		d.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// WaitFor polls lookup with a bounded exponential backoff until it
// succeeds or ctx is done — for callers (notably the HTTPDirectory, where
// there is no wakeup channel to block on) that need retry-with-backoff
// rather than InMemory's Lookup, which already blocks efficiently.
func WaitFor(ctx context.Context, dir fabric.Directory, name string) (fabric.EndpointAddr, error) {
	runBackoff := backoff.ExponentialBackOff{
		InitialInterval:     backoff.DefaultInitialInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         10 * time.Second,
	}
	runBackoff.Reset()

	for {
		lookupCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		addr, err := dir.Lookup(lookupCtx, name)
		cancel()
		if err == nil {
			return addr, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(runBackoff.NextBackOff()):
		}
	}
}
