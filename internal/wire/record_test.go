package wire_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mica-kv/mica/internal/wire"
)

const maxValueLen = 32

func TestSlotSizeDefaultIsOneCacheLine(t *testing.T) {
	require.Equal(t, wire.CacheLineSize, wire.SlotSize(maxValueLen))
}

func TestEncodeDecodeRoundTripGet(t *testing.T) {
	key := wire.NewKey(42, 0xdeadbeef)
	buf := make([]byte, wire.SlotSize(maxValueLen))

	require.NoError(t, wire.EncodeRequest(buf, maxValueLen, wire.OpGet, key, nil, false))
	require.NotEqual(t, wire.Idle, wire.PeekOpcode(buf))

	req, ok := wire.DecodeRequest(buf, maxValueLen)
	require.True(t, ok)
	require.Equal(t, wire.OpGet, req.Op)
	require.Equal(t, key, req.Key)
}

func TestEncodeDecodeRoundTripPut(t *testing.T) {
	key := wire.NewKey(7, 1)
	value := []byte("hello-world-value")
	buf := make([]byte, wire.SlotSize(maxValueLen))

	require.NoError(t, wire.EncodeRequest(buf, maxValueLen, wire.OpPut, key, value, false))

	req, ok := wire.DecodeRequest(buf, maxValueLen)
	require.True(t, ok)
	require.Equal(t, wire.OpPut, req.Op)
	require.Equal(t, key, req.Key)
	require.Equal(t, value, req.Value)
}

func TestEncodeDecodeEmptyValuePut(t *testing.T) {
	key := wire.NewKey(0, 0)
	buf := make([]byte, wire.SlotSize(maxValueLen))

	require.NoError(t, wire.EncodeRequest(buf, maxValueLen, wire.OpPut, key, nil, false))

	req, ok := wire.DecodeRequest(buf, maxValueLen)
	require.True(t, ok)
	require.Equal(t, wire.OpPut, req.Op)
	require.Empty(t, req.Value)
}

func TestEncodeDecodeMaxValuePut(t *testing.T) {
	key := wire.NewKey(0, 0)
	value := make([]byte, maxValueLen)
	for i := range value {
		value[i] = byte(i)
	}
	buf := make([]byte, wire.SlotSize(maxValueLen))

	require.NoError(t, wire.EncodeRequest(buf, maxValueLen, wire.OpPut, key, value, false))

	req, ok := wire.DecodeRequest(buf, maxValueLen)
	require.True(t, ok)
	require.Equal(t, value, req.Value)
}

func TestEncodeRequestRejectsOversizeValue(t *testing.T) {
	buf := make([]byte, wire.SlotSize(maxValueLen))
	err := wire.EncodeRequest(buf, maxValueLen, wire.OpPut, wire.Key{}, make([]byte, maxValueLen+1), false)
	require.Error(t, err)
}

func TestOpcodeIsLastByte(t *testing.T) {
	buf := make([]byte, wire.SlotSize(maxValueLen))
	key := wire.NewKey(1, 1)
	require.NoError(t, wire.EncodeRequest(buf, maxValueLen, wire.OpGet, key, nil, false))

	// Mutating everything but the last byte must not change the opcode
	// read, matching the "opcode observed last" ordering contract.
	opcodeBefore := wire.PeekOpcode(buf)
	for i := 0; i < len(buf)-1; i++ {
		buf[i] = 0xAA
	}
	require.Equal(t, opcodeBefore, wire.PeekOpcode(buf))
}

func TestClearOpcodeResetsToIdle(t *testing.T) {
	buf := make([]byte, wire.SlotSize(maxValueLen))
	require.NoError(t, wire.EncodeRequest(buf, maxValueLen, wire.OpGet, wire.Key{}, nil, false))
	require.NotEqual(t, wire.Idle, wire.PeekOpcode(buf))

	wire.ClearOpcode(buf)
	require.Equal(t, wire.Idle, wire.PeekOpcode(buf))

	_, ok := wire.DecodeRequest(buf, maxValueLen)
	require.False(t, ok)
}

func TestRemoteVsLocalOpcode(t *testing.T) {
	bufLocal := make([]byte, wire.SlotSize(maxValueLen))
	bufRemote := make([]byte, wire.SlotSize(maxValueLen))

	require.NoError(t, wire.EncodeRequest(bufLocal, maxValueLen, wire.OpPut, wire.Key{}, nil, false))
	require.NoError(t, wire.EncodeRequest(bufRemote, maxValueLen, wire.OpPut, wire.Key{}, nil, true))

	require.False(t, wire.PeekOpcode(bufLocal).IsRemote())
	require.True(t, wire.PeekOpcode(bufRemote).IsRemote())
	require.Equal(t, wire.PeekOpcode(bufLocal), wire.PeekOpcode(bufRemote).Normalize())
}

func TestOpcodeOrdering(t *testing.T) {
	require.Less(t, wire.Idle, wire.MicaGet)
	require.Less(t, wire.MicaGet, wire.MicaPut)
	require.Less(t, wire.MicaPut, wire.RemoteGet)
	require.Less(t, wire.RemoteGet, wire.RemotePut)
}

func TestDecodeMalformedOpcodeIsNotAnError(t *testing.T) {
	buf := make([]byte, wire.SlotSize(maxValueLen))
	buf[len(buf)-1] = 0xFE // not in {Idle, MicaGet, MicaPut, RemoteGet, RemotePut}

	_, ok := wire.DecodeRequest(buf, maxValueLen)
	require.False(t, ok)
}

func TestResponseRoundTrip(t *testing.T) {
	buf := make([]byte, wire.ResponseSize(maxValueLen))
	value := []byte("value")

	require.NoError(t, wire.EncodeResponse(buf, maxValueLen, value))
	got, rejected, err := wire.DecodeResponse(buf, maxValueLen)
	require.NoError(t, err)
	require.False(t, rejected)
	require.Equal(t, value, got)
}

func TestResponseEmptyValueIsNotRejected(t *testing.T) {
	buf := make([]byte, wire.ResponseSize(maxValueLen))
	require.NoError(t, wire.EncodeResponse(buf, maxValueLen, nil))

	got, rejected, err := wire.DecodeResponse(buf, maxValueLen)
	require.NoError(t, err)
	require.False(t, rejected)
	require.Empty(t, got)
}

func TestResponseRejectedSentinel(t *testing.T) {
	buf := make([]byte, wire.ResponseSize(maxValueLen))
	require.NoError(t, wire.EncodeRejected(buf, maxValueLen))

	value, rejected, err := wire.DecodeResponse(buf, maxValueLen)
	require.NoError(t, err)
	require.True(t, rejected)
	require.Nil(t, value)
}
