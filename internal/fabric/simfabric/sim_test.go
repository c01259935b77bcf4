package simfabric_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mica-kv/mica/internal/fabric"
	"github.com/mica-kv/mica/internal/fabric/simfabric"
)

func TestPostWriteLandsInRegisteredRegion(t *testing.T) {
	f := simfabric.New()

	region := make([]byte, 64)
	handle, err := f.RegisterMemoryRegion(region)
	require.NoError(t, err)

	writer, err := f.CreateEndpoint()
	require.NoError(t, err)

	ticket, err := f.PostWrite(writer, handle, 8, []byte("hello"), true)
	require.NoError(t, err)

	require.Equal(t, "hello", string(region[8:13]))

	got, ok, err := f.PollCompletion(writer)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ticket, got)
}

func TestPostWriteUnsignaledProducesNoCompletion(t *testing.T) {
	f := simfabric.New()
	region := make([]byte, 16)
	handle, _ := f.RegisterMemoryRegion(region)
	writer, _ := f.CreateEndpoint()

	_, err := f.PostWrite(writer, handle, 0, []byte("x"), false)
	require.NoError(t, err)

	_, ok, err := f.PollCompletion(writer)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPostWriteOutOfBoundsErrors(t *testing.T) {
	f := simfabric.New()
	region := make([]byte, 4)
	handle, _ := f.RegisterMemoryRegion(region)
	writer, _ := f.CreateEndpoint()

	_, err := f.PostWrite(writer, handle, 0, []byte("too long!!"), false)
	require.Error(t, err)
}

func TestPostSendDeliversToPostedRecv(t *testing.T) {
	f := simfabric.New()
	sender, _ := f.CreateEndpoint()
	receiver, _ := f.CreateEndpoint()

	buf := make([]byte, 5)
	require.NoError(t, f.PostRecv(receiver, buf))

	_, err := f.PostSend(sender, receiver.Addr(), []byte("hello"), false)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))
}

func TestPostSendWithNoPostedRecvIsSilentlyDropped(t *testing.T) {
	f := simfabric.New()
	sender, _ := f.CreateEndpoint()
	receiver, _ := f.CreateEndpoint()

	_, err := f.PostSend(sender, receiver.Addr(), []byte("hello"), false)
	require.NoError(t, err)
}

func TestPostSendToUnknownAddrDoesNotError(t *testing.T) {
	f := simfabric.New()
	sender, _ := f.CreateEndpoint()

	_, err := f.PostSend(sender, fabric.EndpointAddr("nonexistent"), []byte("x"), true)
	require.NoError(t, err)

	_, ok, err := f.PollCompletion(sender)
	require.NoError(t, err)
	require.True(t, ok, "the local send still signals completion even though the destination doesn't exist")
}

func TestPollCompletionIsFIFO(t *testing.T) {
	f := simfabric.New()
	region := make([]byte, 16)
	handle, _ := f.RegisterMemoryRegion(region)
	writer, _ := f.CreateEndpoint()

	t1, _ := f.PostWrite(writer, handle, 0, []byte("a"), true)
	t2, _ := f.PostWrite(writer, handle, 1, []byte("b"), true)

	got1, ok, _ := f.PollCompletion(writer)
	require.True(t, ok)
	got2, ok, _ := f.PollCompletion(writer)
	require.True(t, ok)

	require.Equal(t, t1, got1)
	require.Equal(t, t2, got2)
}

func TestRegionDescriptorRoundTrip(t *testing.T) {
	f := simfabric.New()
	region := make([]byte, 32)
	handle, err := f.RegisterMemoryRegion(region)
	require.NoError(t, err)

	desc := f.RegionDescriptor(handle)

	reopened, err := f.OpenRemoteRegion(desc)
	require.NoError(t, err)

	writer, _ := f.CreateEndpoint()
	_, err = f.PostWrite(writer, reopened, 0, []byte("abc"), false)
	require.NoError(t, err)
	require.Equal(t, "abc", string(region[:3]))
}

func TestOpenRemoteRegionUnknownDescriptorErrors(t *testing.T) {
	f := simfabric.New()
	_, err := f.OpenRemoteRegion([]byte("999"))
	require.Error(t, err)
}

func TestCloseRemovesEndpoint(t *testing.T) {
	f := simfabric.New()
	ep, err := f.CreateEndpoint()
	require.NoError(t, err)
	require.NoError(t, ep.Close())

	sender, _ := f.CreateEndpoint()
	_, err = f.PostSend(sender, ep.Addr(), []byte("x"), false)
	require.NoError(t, err, "sending to a closed endpoint is a drop, not an error")
}
