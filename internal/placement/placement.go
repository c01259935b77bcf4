// Package placement implements the pure, stateless ring-based shard
// placement described in §4.1: deterministic mappings from a key's bucket
// field to a shard, and from a shard to the server that owns it and the
// servers that hold its replicas.
//
// Every function here is a pure computation over (NumServers, NumShards,
// ReplicationFactor) and an input bucket or shard index: no network calls,
// no shared mutable state. That purity is what lets §8's distribution
// scenarios assert exact, reproducible routing.
package placement

import (
	"fmt"

	"github.com/mica-kv/mica/internal/bitset"
)

// Config fixes the three parameters every placement function is configured
// by: the number of servers in the ring, the number of logical shards the
// key space is split into, and how many consecutive servers in the ring
// replicate each shard.
type Config struct {
	// NumServers is N (§4.1): 1 <= NumServers <= bitset.Max.
	NumServers int `yaml:"num_servers"`
	// NumShards is H (§4.1): NumShards >= 1.
	NumShards int `yaml:"num_shards"`
	// ReplicationFactor is R (§4.1): 1 <= ReplicationFactor <= NumServers.
	ReplicationFactor int `yaml:"replication_factor"`
}

// Validate checks the configuration-error conditions from §7 kind 1. A
// caller MUST call this once at startup; every other method in this package
// assumes a validated Config and will panic on garbage input instead of
// returning an error, because by that point the condition is a programming
// bug, not a runtime fault.
func (c Config) Validate() error {
	if c.NumServers < 1 {
		return fmt.Errorf("placement: num_servers must be >= 1, got %d", c.NumServers)
	}
	if c.NumServers > bitset.Max {
		return fmt.Errorf("placement: num_servers must be <= %d, got %d", bitset.Max, c.NumServers)
	}
	if c.NumShards < 1 {
		return fmt.Errorf("placement: num_shards must be >= 1, got %d", c.NumShards)
	}
	if c.ReplicationFactor < 1 || c.ReplicationFactor > c.NumServers {
		return fmt.Errorf("placement: replication_factor must be in [1, num_servers=%d], got %d",
			c.NumServers, c.ReplicationFactor)
	}
	return nil
}

// ShardOf maps a key's bucket field to its shard: shard_of(bucket) = bucket
// mod H.
func (c Config) ShardOf(bucket uint32) int {
	return int(bucket) % c.NumShards
}

// PrimaryOf returns the single server that owns writes for shard: primary_of(shard)
// = shard mod N.
func (c Config) PrimaryOf(shard int) int {
	return shard % c.NumServers
}

// ReplicasOf returns the ring segment of ReplicationFactor consecutive
// servers, starting at the primary, that replicate shard.
func (c Config) ReplicasOf(shard int) bitset.Set {
	var set bitset.Set
	for i := 0; i < c.ReplicationFactor; i++ {
		server := (shard + i) % c.NumServers
		set = set.Insert(uint32(server))
	}
	return set
}

// Owns reports whether server replicates shard (primary or secondary).
func (c Config) Owns(server, shard int) bool {
	return c.ReplicasOf(shard).Contains(uint32(server))
}

// KeyBelongsTo reports whether server holds any replica of the shard that
// bucket maps to.
func (c Config) KeyBelongsTo(bucket uint32, server int) bool {
	return c.Owns(server, c.ShardOf(bucket))
}

// RouteBucket resolves the single server a client must write to for bucket:
// always the shard's primary. Replica reads are a documented future
// extension (see DESIGN.md); routing is primary-only so traffic
// distribution stays deterministic for the scenarios in §8.
func (c Config) RouteBucket(bucket uint32) int {
	return c.PrimaryOf(c.ShardOf(bucket))
}

// ReplicaTable returns, for every shard, the set of servers that replicate
// it. It exists for diagnostics and for the §8 scenario-4 assertion; it is
// not on any data-plane path.
func (c Config) ReplicaTable() map[int][]uint32 {
	table := make(map[int][]uint32, c.NumShards)
	for shard := 0; shard < c.NumShards; shard++ {
		table[shard] = c.ReplicasOf(shard).AsSlice()
	}
	return table
}
