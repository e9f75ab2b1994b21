package supervisor

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veos-sxarr-NEC/ve-urpc/internal/config"
	"github.com/veos-sxarr-NEC/ve-urpc/internal/shmseg"
	"github.com/veos-sxarr-NEC/ve-urpc/internal/urpcwire"
)

func testTunables() config.Tunables {
	tun := config.Default()
	tun.MaxPeers = 2
	return tun
}

func TestPeerCreateThenDestroy(t *testing.T) {
	sup := New(testTunables())
	peer, err := sup.PeerCreate()
	require.NoError(t, err)
	require.Equal(t, 1, sup.NumPeers())

	require.NoError(t, sup.PeerDestroy(peer))
	require.Equal(t, 0, sup.NumPeers())
}

func TestPeerCreateEnforcesMaxPeers(t *testing.T) {
	sup := New(testTunables())
	p1, err := sup.PeerCreate()
	require.NoError(t, err)
	p2, err := sup.PeerCreate()
	require.NoError(t, err)
	defer func() {
		sup.PeerDestroy(p1)
		sup.PeerDestroy(p2)
	}()

	_, err = sup.PeerCreate()
	require.Error(t, err, "a third peer must be rejected once MaxPeers is 2")
}

func TestPeerAttachReturnsSameLocalInstance(t *testing.T) {
	sup := New(testTunables())
	p, err := sup.PeerCreate()
	require.NoError(t, err)
	defer sup.PeerDestroy(p)

	attached, err := sup.PeerAttach(p.Key())
	require.NoError(t, err)
	require.Same(t, p, attached)
}

func TestChildCreateRejectsMissingBinary(t *testing.T) {
	sup := New(testTunables())
	p, err := sup.PeerCreate()
	require.NoError(t, err)
	defer sup.PeerDestroy(p)

	err = sup.ChildCreate(p, "/no/such/binary-urpctl-test", 0, -1)
	require.Error(t, err)
}

func TestChildCreateAndDestroy(t *testing.T) {
	sup := New(testTunables())
	p, err := sup.PeerCreate()
	require.NoError(t, err)
	defer sup.PeerDestroy(p)

	sh, err := os.Executable()
	require.NoError(t, err)
	// Spawn the test binary itself; it will run and exit almost
	// immediately under `go test`, which is all ChildCreate cares about
	// (it only needs a real, executable path and a real child pid).
	require.NoError(t, sup.ChildCreate(p, sh, 0, -1))
	require.Greater(t, p.ChildPID, 0)

	time.Sleep(10 * time.Millisecond)
	_ = sup.ChildDestroy(p)
}

func TestWaitPeerAttachMarksSegmentForRemoval(t *testing.T) {
	sup := New(testTunables())
	p, err := sup.PeerCreate()
	require.NoError(t, err)
	defer sup.PeerDestroy(p)

	// Stand in for the accelerator side attaching to the segment.
	other, err := shmseg.Attach(p.Key(), urpcwire.SegmentSize)
	require.NoError(t, err)
	defer other.Detach()

	require.NoError(t, sup.WaitPeerAttach(p, time.Second))

	// The backing path is unlinked once both sides are attached, so a
	// late attacher can no longer find the segment and the OS reclaims
	// it when the existing mappings go away, even on abnormal exit.
	_, err = shmseg.Attach(p.Key(), urpcwire.SegmentSize)
	require.Error(t, err)
}

func TestChildDestroyWithoutChildIsError(t *testing.T) {
	sup := New(testTunables())
	p, err := sup.PeerCreate()
	require.NoError(t, err)
	defer sup.PeerDestroy(p)

	require.Error(t, sup.ChildDestroy(p))
}
