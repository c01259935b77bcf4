package worker_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mica-kv/mica/internal/engine"
	"github.com/mica-kv/mica/internal/fabric"
	"github.com/mica-kv/mica/internal/fabric/simfabric"
	"github.com/mica-kv/mica/internal/region"
	"github.com/mica-kv/mica/internal/wire"
	"github.com/mica-kv/mica/internal/worker"
)

const maxValueLen = 32

type testSetup struct {
	region *region.Region
	worker *worker.Worker
	fab    *simfabric.Fabric
	client fabric.Endpoint
}

func newTestSetup(t *testing.T) testSetup {
	t.Helper()

	layout := region.Layout{NumWorkers: 1, NumClients: 1, WindowSize: 4, SlotSize: wire.SlotSize(maxValueLen)}
	r, err := region.New(layout)
	require.NoError(t, err)

	eng, err := engine.New(engine.Config{NumBuckets: 16, LogCapacity: 4096, MaxValueLen: maxValueLen})
	require.NoError(t, err)

	f := simfabric.New()
	sendEP, err := f.CreateEndpoint()
	require.NoError(t, err)

	client, err := f.CreateEndpoint()
	require.NoError(t, err)

	w, err := worker.New(0, r, eng, f, sendEP, map[int]fabric.EndpointAddr{0: client.Addr()}, worker.Config{
		PostList:    4,
		UnsigBatch:  1,
		MaxValueLen: maxValueLen,
	}, worker.WithLog(zaptest.NewLogger(t).Sugar()))
	require.NoError(t, err)

	return testSetup{region: r, worker: w, fab: f, client: client}
}

func TestConfigValidate(t *testing.T) {
	require.Error(t, worker.Config{PostList: 0, UnsigBatch: 1, MaxValueLen: 32}.Validate())
	require.Error(t, worker.Config{PostList: 1, UnsigBatch: 3, MaxValueLen: 32}.Validate())
	require.NoError(t, worker.Config{PostList: 1, UnsigBatch: 1, MaxValueLen: 32}.Validate())
}

// TestPutThenGetRoundTripThroughSlots covers §8 scenario 5: a PUT request
// landed in a slot is applied, then a GET for the same key returns the
// previously written value, with the response flowing out over the
// client's posted datagram receive buffer.
func TestPutThenGetRoundTripThroughSlots(t *testing.T) {
	ts := newTestSetup(t)
	key := wire.NewKey(1, 42)

	putSlot := ts.region.Slot(0, 0, 0)
	require.NoError(t, wire.EncodeRequest(putSlot, maxValueLen, wire.OpPut, key, []byte("v1"), false))

	require.Equal(t, 1, ts.worker.Poll())
	require.Equal(t, wire.Idle, wire.PeekOpcode(putSlot), "slot must be cleared after dispatch")

	getSlot := ts.region.Slot(0, 0, 1)
	require.NoError(t, wire.EncodeRequest(getSlot, maxValueLen, wire.OpGet, key, nil, false))

	recvBuf := make([]byte, wire.ResponseSize(maxValueLen))
	require.NoError(t, ts.fab.PostRecv(ts.client, recvBuf))

	require.Equal(t, 1, ts.worker.Poll())

	value, rejected, err := wire.DecodeResponse(recvBuf, maxValueLen)
	require.NoError(t, err)
	require.False(t, rejected)
	require.Equal(t, []byte("v1"), value)
}

// TestGetMissComesBackEmptyNotRejected covers §4.3's failure semantics: a
// GET for a key that was never written is a successful empty response
// (val_len=0), never the oversize-PUT rejected sentinel and never a Go
// error.
func TestGetMissComesBackEmptyNotRejected(t *testing.T) {
	ts := newTestSetup(t)
	key := wire.NewKey(0, 0)

	getSlot := ts.region.Slot(0, 0, 0)
	require.NoError(t, wire.EncodeRequest(getSlot, maxValueLen, wire.OpGet, key, nil, false))

	recvBuf := make([]byte, wire.ResponseSize(maxValueLen))
	require.NoError(t, ts.fab.PostRecv(ts.client, recvBuf))
	require.Equal(t, 1, ts.worker.Poll())

	value, rejected, err := wire.DecodeResponse(recvBuf, maxValueLen)
	require.NoError(t, err)
	require.False(t, rejected)
	require.Empty(t, value)
}

func TestOversizePutIsRejectedAtEncodeTime(t *testing.T) {
	ts := newTestSetup(t)
	key := wire.NewKey(0, 0)
	err := wire.EncodeRequest(ts.region.Slot(0, 0, 0), maxValueLen, wire.OpPut, key, make([]byte, 33), false)
	require.Error(t, err, "oversize values never make it onto the wire in the first place")
}

// TestPollIsIdempotentWhenNothingIsPosted covers I1/§4.4: an idle slot
// never gets decoded as a request.
func TestPollIsIdempotentWhenNothingIsPosted(t *testing.T) {
	ts := newTestSetup(t)
	require.Equal(t, 0, ts.worker.Poll())
	require.Equal(t, 0, ts.worker.Poll())
}

// TestPostListBoundsOneRound covers §4.4's batching bound: a worker with
// PostList < the number of ready slots processes only PostList of them per
// Poll call, picking up the remainder on the next call (round-robin
// cursor, not a full rescan).
func TestPostListBoundsOneRound(t *testing.T) {
	layout := region.Layout{NumWorkers: 1, NumClients: 1, WindowSize: 4, SlotSize: wire.SlotSize(maxValueLen)}
	r, err := region.New(layout)
	require.NoError(t, err)

	eng, err := engine.New(engine.Config{NumBuckets: 16, LogCapacity: 4096, MaxValueLen: maxValueLen})
	require.NoError(t, err)

	f := simfabric.New()
	sendEP, err := f.CreateEndpoint()
	require.NoError(t, err)
	client, err := f.CreateEndpoint()
	require.NoError(t, err)

	w, err := worker.New(0, r, eng, f, sendEP, map[int]fabric.EndpointAddr{0: client.Addr()}, worker.Config{
		PostList:    2,
		UnsigBatch:  1,
		MaxValueLen: maxValueLen,
	}, worker.WithLog(zaptest.NewLogger(t).Sugar()))
	require.NoError(t, err)

	for s := 0; s < 4; s++ {
		key := wire.NewKey(uint32(s), uint64(s))
		require.NoError(t, wire.EncodeRequest(r.Slot(0, 0, s), maxValueLen, wire.OpPut, key, []byte{byte(s)}, false))
	}

	require.Equal(t, 2, w.Poll())
	require.Equal(t, 2, w.Poll())
	require.Equal(t, 0, w.Poll())
}
