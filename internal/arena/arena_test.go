package arena

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veos-sxarr-NEC/ve-urpc/internal/urpcwire"
)

func newTestQueue(t *testing.T) *urpcwire.TransferQueue {
	t.Helper()
	tq := &urpcwire.TransferQueue{Mem: make([]byte, urpcwire.TransferQueueSize)}
	tq.Reset()
	return tq
}

func TestArenaAllocBumpsFreeBegin(t *testing.T) {
	tq := newTestQueue(t)
	a := New(tq)

	offs, length, err := a.Alloc(10)
	require.NoError(t, err)
	require.EqualValues(t, 0, offs)
	require.EqualValues(t, 10, length)
	require.EqualValues(t, 16, a.FreeBegin(), "10 bytes rounds up to 16 for the next allocation")

	offs2, _, err := a.Alloc(8)
	require.NoError(t, err)
	require.EqualValues(t, 16, offs2)
}

func TestArenaAllocExhaustionTimesOut(t *testing.T) {
	tq := newTestQueue(t)
	a := New(tq)
	a.SetAllocTimeout(10 * time.Millisecond)

	_, _, err := a.Alloc(urpcwire.DataBuffLen + 1)
	require.Error(t, err, "a request larger than the whole arena must eventually time out")
}

func TestArenaReclaimsAfterSlotDone(t *testing.T) {
	tq := newTestQueue(t)
	a := New(tq)

	// Simulate the producer publishing a command into slot 0 carrying a
	// 32-byte payload, then freeing every other slot so that, once slot
	// 0's occupying command is marked done, gc can reclaim its bytes.
	offs, length, err := a.Alloc(32)
	require.NoError(t, err)
	a.NoteSlotSent(0, offs, length)
	tq.StoreMB(0, urpcwire.PackMailboxWord(5, offs, length))
	tq.SetLastPutReq(0)

	before := a.gc()
	require.EqualValues(t, 0, before, "the whole remaining arena is provisionally attributed to the still-busy last-sent slot")

	tq.StoreMB(0, tq.LoadMB(0).WithCmdNone())
	after := a.gc()
	require.EqualValues(t, urpcwire.DataBuffLen, after, "freeing the occupying slot reclaims its bytes")
}

func TestArenaWrapsAroundOnFullDrain(t *testing.T) {
	tq := newTestQueue(t)
	a := New(tq)

	offs, length, err := a.Alloc(64)
	require.NoError(t, err)
	a.NoteSlotSent(0, offs, length)
	tq.StoreMB(0, urpcwire.PackMailboxWord(1, offs, length))
	tq.SetLastPutReq(0)

	tq.StoreMB(0, tq.LoadMB(0).WithCmdNone())
	free := a.gc()
	require.EqualValues(t, urpcwire.DataBuffLen, free)
	require.EqualValues(t, 0, a.FreeBegin())
	require.EqualValues(t, urpcwire.DataBuffLen, a.FreeEnd(), "draining every live slot hands the whole arena back")
}
