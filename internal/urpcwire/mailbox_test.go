package urpcwire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPackMailboxWordRoundTrip(t *testing.T) {
	m := PackMailboxWord(42, 0x1234, 0x5678)
	require.EqualValues(t, 42, m.Cmd())
	require.EqualValues(t, 0x1234, m.Offs())
	require.EqualValues(t, 0x5678, m.Len())
	require.False(t, m.IsFree())
}

func TestMailboxWordIsFree(t *testing.T) {
	var m MailboxWord
	require.True(t, m.IsFree())
	require.EqualValues(t, CmdNone, m.Cmd())

	m = PackMailboxWord(7, 0, 0)
	require.False(t, m.IsFree())
	require.True(t, m.WithCmdNone().IsFree())
}

func TestAlign8(t *testing.T) {
	cases := map[uint32]uint32{0: 0, 1: 8, 7: 8, 8: 8, 9: 16, 16: 16}
	for in, want := range cases {
		require.Equal(t, want, Align8(in), "Align8(%d)", in)
	}
}

func TestSlotForReq(t *testing.T) {
	require.Equal(t, 0, SlotForReq(0))
	require.Equal(t, 1, SlotForReq(1))
	require.Equal(t, 0, SlotForReq(int64(LenMB)))
	require.Equal(t, 1, SlotForReq(int64(LenMB)+1))
}
