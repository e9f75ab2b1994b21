package mailbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veos-sxarr-NEC/ve-urpc/internal/arena"
	"github.com/veos-sxarr-NEC/ve-urpc/internal/urpcwire"
)

func newTestRing(t *testing.T) (*Ring, *urpcwire.TransferQueue) {
	t.Helper()
	tq := &urpcwire.TransferQueue{Mem: make([]byte, urpcwire.TransferQueueSize)}
	tq.Reset()
	a := arena.New(tq)
	return New(tq, a), tq
}

func TestRingPutGetRoundTrip(t *testing.T) {
	r, _ := newTestRing(t)

	req, err := r.Put(urpcwire.PackMailboxWord(3, 0, 16))
	require.NoError(t, err)
	require.EqualValues(t, 0, req)

	got, m := r.Get()
	require.Equal(t, req, got)
	require.EqualValues(t, 3, m.Cmd())
}

func TestRingGetOnEmptyReturnsMinusOne(t *testing.T) {
	r, _ := newTestRing(t)
	req, _ := r.Get()
	require.EqualValues(t, -1, req)
}

func TestRingDoneIsIdempotent(t *testing.T) {
	r, tq := newTestRing(t)
	req, err := r.Put(urpcwire.PackMailboxWord(9, 0, 0))
	require.NoError(t, err)

	_, m := r.Get()
	r.Done(Slot(req), m)
	require.True(t, tq.LoadMB(Slot(req)).IsFree())

	require.NotPanics(t, func() { r.Done(Slot(req), m) })
	require.True(t, tq.LoadMB(Slot(req)).IsFree())
}

func TestRingPutTimesOutWhenSlotBusy(t *testing.T) {
	r, tq := newTestRing(t)
	r.SetPutTimeout(10 * time.Millisecond)

	// Occupy slot 0 without ever consuming it.
	tq.StoreMB(0, urpcwire.PackMailboxWord(1, 0, 0))
	tq.SetLastPutReq(-1) // next Put targets slot 0 again

	_, err := r.Put(urpcwire.PackMailboxWord(2, 0, 0))
	require.Error(t, err)
}

func TestRingGetReqPeeksWithoutAdvancingPastTarget(t *testing.T) {
	r, _ := newTestRing(t)
	req0, err := r.Put(urpcwire.PackMailboxWord(1, 0, 0))
	require.NoError(t, err)
	req1, err := r.Put(urpcwire.PackMailboxWord(2, 0, 0))
	require.NoError(t, err)

	got, m := r.GetReq(req1)
	require.EqualValues(t, req1, got)
	require.EqualValues(t, 2, m.Cmd())

	// req0 was never consumed by Get/GetReq(req0), so it is still
	// retrievable.
	got0, m0 := r.GetReq(req0)
	require.EqualValues(t, req0, got0)
	require.EqualValues(t, 1, m0.Cmd())
}

func TestRingWrapAroundAcrossLenMBRequests(t *testing.T) {
	r, _ := newTestRing(t)
	for i := 0; i < urpcwire.LenMB; i++ {
		req, err := r.Put(urpcwire.PackMailboxWord(uint16(i%255+1), 0, 0))
		require.NoError(t, err)
		_, m := r.Get()
		r.Done(Slot(req), m)
	}
	// One more request reuses slot 0; it must still be free after the
	// full cycle above.
	req, err := r.Put(urpcwire.PackMailboxWord(7, 0, 0))
	require.NoError(t, err)
	require.EqualValues(t, urpcwire.LenMB, req)
	require.Equal(t, 0, Slot(req))
}
