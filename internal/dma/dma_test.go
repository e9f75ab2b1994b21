package dma

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoopbackTransferCopies(t *testing.T) {
	src := []byte("accelerator payload")
	dst := make([]byte, len(src))

	require.NoError(t, Loopback{}.Transfer(context.Background(), dst, src))
	require.Equal(t, src, dst)
}

func TestLoopbackTransferLengthMismatch(t *testing.T) {
	err := Loopback{}.Transfer(context.Background(), make([]byte, 4), make([]byte, 8))
	require.Error(t, err)
}

func TestSyncUnixTransferFallsBackToLoopback(t *testing.T) {
	src := []byte("mirror me")
	dst := make([]byte, len(src))

	require.NoError(t, SyncUnix{FD: -1}.Transfer(context.Background(), dst, src))
	require.Equal(t, src, dst)
}

func TestSyncUnixTransferAtRoundTripsThroughFD(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "urpc-dma-*")
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.Truncate(64))

	src := []byte("twelve bytes")
	dst := make([]byte, len(src))
	s := SyncUnix{FD: int(f.Fd())}

	require.NoError(t, s.TransferAt(dst, src, 8))
	require.Equal(t, src, dst)
}

func TestSyncUnixTransferAtLengthMismatch(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "urpc-dma-*")
	require.NoError(t, err)
	defer f.Close()

	s := SyncUnix{FD: int(f.Fd())}
	err = s.TransferAt(make([]byte, 4), make([]byte, 8), 0)
	require.Error(t, err)
}
