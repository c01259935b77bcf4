package client_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mica-kv/mica/internal/client"
	"github.com/mica-kv/mica/internal/engine"
	"github.com/mica-kv/mica/internal/fabric/registry"
	"github.com/mica-kv/mica/internal/fabric/simfabric"
	"github.com/mica-kv/mica/internal/master"
	"github.com/mica-kv/mica/internal/placement"
	"github.com/mica-kv/mica/internal/region"
	"github.com/mica-kv/mica/internal/wire"
	"github.com/mica-kv/mica/internal/worker"
)

const testMaxValueLen = 32

// newCluster starts one master (with its workers running in the
// background) and returns a client already connected to it. This covers
// §8 scenario 5 end to end: a client writes a request via one-sided
// remote write and reads the response back over a datagram receive.
func newCluster(t *testing.T) (*client.Client, func()) {
	t.Helper()

	fab := simfabric.New()
	dir := registry.NewInMemory()

	regionLayout := region.Layout{
		NumWorkers: 2,
		NumClients: 1,
		WindowSize: 4,
		SlotSize:   wire.SlotSize(testMaxValueLen),
	}
	placementCfg := placement.Config{NumServers: 1, NumShards: 4, ReplicationFactor: 1}

	m, err := master.New(master.Config{
		ServerID:       0,
		NumClientPorts: 1,
		BasePortIndex:  0,
		Region:         regionLayout,
		Engine:         engine.Config{NumBuckets: 16, LogCapacity: 4096, MaxValueLen: testMaxValueLen},
		Worker:         worker.Config{PostList: 4, UnsigBatch: 1, MaxValueLen: testMaxValueLen},
	}, fab, dir, master.WithLog(zaptest.NewLogger(t).Sugar()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()

	c, err := client.New(client.Config{
		ClientGID:     0,
		BasePortIndex: 0,
		Region:        regionLayout,
		Placement:     placementCfg,
		MaxValueLen:   testMaxValueLen,
		UnsigBatch:    1,
	}, fab, dir)
	require.NoError(t, err)

	connectCtx, connectCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer connectCancel()
	require.NoError(t, c.Connect(connectCtx, 0))

	return c, func() {
		cancel()
		<-done
	}
}

func TestPutThenGetEndToEnd(t *testing.T) {
	c, stop := newCluster(t)
	defer stop()

	key := wire.NewKey(1, 7)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rejected, err := c.Put(ctx, key, []byte("value"))
	require.NoError(t, err)
	require.False(t, rejected)

	value, found, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("value"), value)
}

func TestGetOnUnknownKeyComesBackNotFound(t *testing.T) {
	c, stop := newCluster(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, found, err := c.Get(ctx, wire.NewKey(9, 9))
	require.NoError(t, err)
	require.False(t, found)
}

func TestStatsSnapshotTracksCompletedOps(t *testing.T) {
	c, stop := newCluster(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := wire.NewKey(2, 2)
	_, err := c.Put(ctx, key, []byte("x"))
	require.NoError(t, err)
	_, _, err = c.Get(ctx, key)
	require.NoError(t, err)

	snap := c.Stats.Snapshot()
	require.Equal(t, uint64(1), snap.Puts)
	require.Equal(t, uint64(1), snap.Gets)
	require.Equal(t, uint64(1), snap.Hits)
	require.Equal(t, uint64(2), snap.Replies)
}

func TestConfigValidateRejectsBadUnsigBatch(t *testing.T) {
	cfg := client.Config{
		Region:      region.Layout{NumWorkers: 1, NumClients: 1, WindowSize: 1, SlotSize: wire.SlotSize(testMaxValueLen)},
		Placement:   placement.Config{NumServers: 1, NumShards: 1, ReplicationFactor: 1},
		MaxValueLen: testMaxValueLen,
		UnsigBatch:  3,
	}
	require.Error(t, cfg.Validate())
}
