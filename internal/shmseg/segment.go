// Package shmseg provisions the shared-memory segment backing a peer: a
// thin wrapper over POSIX shared memory giving Create, Attach, Detach,
// MarkForRemoval and WaitTwoAttached over an mmapped /dev/shm file.
package shmseg

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/veos-sxarr-NEC/ve-urpc/internal/urpcerr"
)

// headerSize is the size in bytes of the private attach-count header
// stored at the very start of the mapping, ahead of the two transfer
// queues. It lets WaitTwoAttached discover the attach count from the
// segment alone, with no separate process-id argument.
const headerSize = 64

// Segment is one mmapped shared-memory region backing a urpc peer: a
// small private header followed by the caller-supplied payload size
// (2*BuffLen, in the transport's case).
type Segment struct {
	Key  string
	path string
	file *os.File
	mem  []byte
}

func segPath(key string) string {
	if devShmWritable() {
		return filepath.Join("/dev/shm", "urpc_"+key)
	}
	return filepath.Join(os.TempDir(), "urpc_"+key)
}

func devShmWritable() bool {
	info, err := os.Stat("/dev/shm")
	return err == nil && info.IsDir()
}

func (s *Segment) attachCounter() *uint32 {
	return (*uint32)(unsafe.Pointer(&s.mem[0]))
}

// Body returns the region of the mapping beyond the private header: the
// size-byte payload the caller asked Create/Attach for.
func (s *Segment) Body() []byte {
	return s.mem[headerSize:]
}

// Create allocates a new segment of size bytes (excluding the private
// header), exclusively, zeroing the body before returning so no attacher
// can observe stale state.
func Create(key string, size int) (*Segment, error) {
	path := segPath(key)
	total := headerSize + size

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "shmseg: create %s", path)
	}
	cleanup := func() {
		file.Close()
		os.Remove(path)
	}
	if err := file.Truncate(int64(total)); err != nil {
		cleanup()
		return nil, errors.Wrapf(err, "shmseg: truncate %s", path)
	}
	mem, err := unix.Mmap(int(file.Fd()), 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		cleanup()
		return nil, errors.Wrapf(err, "shmseg: mmap %s", path)
	}
	for i := range mem {
		mem[i] = 0
	}
	seg := &Segment{Key: key, path: path, file: file, mem: mem}
	atomic.AddUint32(seg.attachCounter(), 1)
	return seg, nil
}

// Attach opens an existing segment created by Create, mapping the same
// total size.
func Attach(key string, size int) (*Segment, error) {
	path := segPath(key)
	total := headerSize + size

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "shmseg: attach %s", path)
	}
	mem, err := unix.Mmap(int(file.Fd()), 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, errors.Wrapf(err, "shmseg: mmap %s", path)
	}
	seg := &Segment{Key: key, path: path, file: file, mem: mem}
	atomic.AddUint32(seg.attachCounter(), 1)
	return seg, nil
}

// Detach unmaps and closes the segment's file descriptor, but does not
// remove the backing path (see MarkForRemoval).
func (s *Segment) Detach() error {
	if err := unix.Munmap(s.mem); err != nil {
		return errors.Wrap(err, "shmseg: munmap")
	}
	return s.file.Close()
}

// MarkForRemoval unlinks the segment's backing path. Under POSIX shm
// semantics the pages are reclaimed once the last mapping is removed, so
// the OS reaps the segment when both sides detach, including on abnormal
// exit. Marking an already-removed segment is a no-op.
func (s *Segment) MarkForRemoval() error {
	err := os.Remove(s.path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// WaitTwoAttached polls the segment's private attach counter until two
// processes have attached or timeout elapses. The segment is keyed by
// its id alone; attach-count discovery lives entirely inside the
// segment.
func (s *Segment) WaitTwoAttached(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for atomic.LoadUint32(s.attachCounter()) < 2 {
		if time.Now().After(deadline) {
			return errors.Wrapf(urpcerr.ErrTimeout, "shmseg: wait_two_attached timed out for %s", s.Key)
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}
