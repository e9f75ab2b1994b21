// Package dma models the accelerator DMA primitive as an injected
// capability: a synchronous copy between two device-visible byte
// regions. The transport depends only on the Transferer interface; the
// two implementations below give the rest of the module something real
// to drive when no accelerator hardware is present.
package dma

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/veos-sxarr-NEC/ve-urpc/internal/urpcerr"
)

// Transferer performs a synchronous copy between two byte regions that
// may live in different address spaces. A non-nil error is a transport
// I/O failure.
type Transferer interface {
	Transfer(ctx context.Context, dst, src []byte) error
}

// Loopback is a Transferer for same-process peers (every test, and any
// host-only peer pair that never forks a real accelerator): a plain copy
// with a length check.
type Loopback struct{}

// Transfer copies src into dst and fails if the lengths differ, since a
// short or long DMA is a transport I/O failure.
func (Loopback) Transfer(_ context.Context, dst, src []byte) error {
	if len(dst) != len(src) {
		return errors.Wrapf(urpcerr.ErrTransportIO, "loopback transfer: length mismatch dst=%d src=%d", len(dst), len(src))
	}
	copy(dst, src)
	return nil
}

// SyncUnix issues the transfer through golang.org/x/sys/unix positional
// I/O against the segment's backing file descriptor, for callers that
// want the copy to go through the kernel page cache rather than a direct
// memcpy (e.g. when dst and src alias two independently-mmapped views of
// the same segment file opened by different processes).
type SyncUnix struct {
	FD int
}

// Transfer falls back to Loopback semantics when given plain byte
// slices: with no file offset to anchor them, a Pwrite/Pread round trip
// is meaningless. The syscall path is taken only through TransferAt,
// where the caller supplies the offset.
func (s SyncUnix) Transfer(ctx context.Context, dst, src []byte) error {
	return Loopback{}.Transfer(ctx, dst, src)
}

// TransferAt writes src to FD at off and reads it back into dst, giving a
// true syscall-backed round trip for tests that construct a segment from
// a real file descriptor.
func (s SyncUnix) TransferAt(dst, src []byte, off int64) error {
	if len(dst) != len(src) {
		return errors.Wrapf(urpcerr.ErrTransportIO, "sync_unix transfer: length mismatch dst=%d src=%d", len(dst), len(src))
	}
	n, err := unix.Pwrite(s.FD, src, off)
	if err != nil || n != len(src) {
		return errors.Wrapf(urpcerr.ErrTransportIO, "sync_unix pwrite: %v", err)
	}
	n, err = unix.Pread(s.FD, dst, off)
	if err != nil || n != len(dst) {
		return errors.Wrapf(urpcerr.ErrTransportIO, "sync_unix pread: %v", err)
	}
	return nil
}
