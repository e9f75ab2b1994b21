package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	fields := []Field{U32(7), Pad(), U64(0xdeadbeefcafe), Bytes([]byte("hello urpc"))}
	size := Size(fields...)
	buf := make([]byte, size)

	require.NoError(t, Pack(buf, fields...))

	got, err := Unpack(buf, KindU32, KindPad, KindU64, KindBytes)
	require.NoError(t, err)
	require.Len(t, got, 4)
	require.EqualValues(t, 7, got[0].U32)
	require.EqualValues(t, 0xdeadbeefcafe, got[2].U64)
	require.Equal(t, []byte("hello urpc"), got[3].Bytes)
}

func TestPackEmptyFields(t *testing.T) {
	require.EqualValues(t, 0, Size())
	require.NoError(t, Pack(nil))
}

func TestPackDestinationTooSmall(t *testing.T) {
	fields := []Field{U64(1)}
	err := Pack(make([]byte, 4), fields...)
	require.Error(t, err)
}

func TestPackMisalignedU64(t *testing.T) {
	fields := []Field{U32(1), U64(2)}
	buf := make([]byte, alignedWireSize(fields))
	err := Pack(buf, fields...)
	require.Error(t, err, "a U64 immediately after a U32 is not 8-byte aligned")
}

func TestUnpackPayloadExhausted(t *testing.T) {
	_, err := Unpack([]byte{1, 2, 3}, KindU32)
	require.Error(t, err)
}

func TestUnpackBytesLengthExceedsPayload(t *testing.T) {
	buf := make([]byte, 8)
	buf[0] = 100 // claims a 100-byte body that isn't there
	_, err := Unpack(buf, KindBytes)
	require.Error(t, err)
}

func TestBytesFieldIsZeroCopy(t *testing.T) {
	payload := make([]byte, 16)
	payload[0] = 8
	copy(payload[8:], "12345678")
	fields, err := Unpack(payload, KindBytes)
	require.NoError(t, err)

	payload[8] = 'X'
	require.Equal(t, byte('X'), fields[0].Bytes[0], "decoded Bytes field must alias payload, not copy it")
}
