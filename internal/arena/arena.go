// Package arena implements the payload byte arena: a wrap-around bump
// allocator over one transfer queue's data buffer, with deferred,
// slot-driven reclamation. Reuse is strictly FIFO so offsets stay valid
// while the consumer is still reading; out-of-order completions are
// tolerated by coalescing only contiguous reclaimed regions.
package arena

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/veos-sxarr-NEC/ve-urpc/internal/urpcerr"
	"github.com/veos-sxarr-NEC/ve-urpc/internal/urpcwire"
)

// mirrorEntry is the producer-local {offs,len} bookkeeping for one
// mailbox slot's payload region.
type mirrorEntry struct {
	offs uint32
	len  uint32
}

// Arena is the producer-side state for one transfer queue's payload byte
// buffer: a wrap-around bump allocator whose reclamation is driven by
// which mailbox slots are still occupied.
//
// An Arena is only ever touched by the single producer goroutine (or by
// callers serialised with an external mutex); the queue protocol is
// strictly single-producer, single-consumer per direction.
type Arena struct {
	tq        *urpcwire.TransferQueue
	mlist     [urpcwire.LenMB]mirrorEntry
	freeBegin uint32
	freeEnd   uint32
	allocWait time.Duration
}

// New creates an Arena bound to tq with the whole data buffer free.
func New(tq *urpcwire.TransferQueue) *Arena {
	return &Arena{
		tq:        tq,
		freeBegin: 0,
		freeEnd:   urpcwire.DataBuffLen,
		allocWait: urpcwire.AllocTimeout,
	}
}

// SetAllocTimeout overrides the default spin bound used by Alloc.
func (a *Arena) SetAllocTimeout(d time.Duration) {
	a.allocWait = d
}

// NoteSlotSent records the {offs,len} of a payload that was just placed
// in slot. When the slot's previous payload directly abuts free_end it
// is reclaimed here on the spot rather than waiting for the next gc
// pass. Called by the mailbox ring immediately before publishing a
// command into slot.
func (a *Arena) NoteSlotSent(slot int, offs, length uint32) {
	prev := a.mlist[slot]
	if prev.len != 0 && a.freeEnd < urpcwire.DataBuffLen && prev.offs == a.freeEnd {
		a.freeEnd += prev.len
	}
	if length != 0 {
		a.mlist[slot] = mirrorEntry{offs: offs, len: length}
	} else {
		a.mlist[slot] = mirrorEntry{}
	}
}

// gc reclaims tail bytes of finished slots, coalescing only contiguous
// regions, and wraps the arena back to offset 0 once a full pass has
// consumed the tail. Returns the resulting free byte count.
func (a *Arena) gc() uint32 {
	lastPut := a.tq.LastPutReq()
	lastSlot := 0
	if lastPut >= 0 {
		lastSlot = urpcwire.SlotForReq(lastPut)
	}
	urpcwire.Fence()

	if a.freeEnd == urpcwire.DataBuffLen {
		ml := &a.mlist[lastSlot]
		if ml.len == 0 {
			ml.offs = a.freeBegin
		}
		ml.len = a.freeEnd - ml.offs
		a.freeBegin, a.freeEnd = 0, 0
	}

	for i := 1; i <= urpcwire.LenMB; i++ {
		slot := (lastSlot + i) % urpcwire.LenMB
		ml := &a.mlist[slot]
		m := a.tq.LoadMB(slot)
		urpcwire.Fence()
		if m.IsFree() && ml.len > 0 {
			if a.freeEnd < urpcwire.DataBuffLen {
				a.freeEnd = urpcwire.Align8(ml.offs + ml.len)
			}
			*ml = mirrorEntry{}
			a.tq.StoreMB(slot, 0)
		} else if ml.len > 0 {
			// A slot still in flight ends the contiguous run.
			break
		}
	}
	return a.freeEnd - a.freeBegin
}

// Alloc reserves size bytes 8-byte aligned from the arena, running gc and
// spin-waiting up to the configured timeout if the arena is currently too
// full. It returns the allocated {offs,len} mailbox fields on success.
func (a *Arena) Alloc(size uint32) (offs uint32, length uint32, err error) {
	asize := urpcwire.Align8(size)
	deadline := time.Now().Add(a.allocWait)

	for a.freeEnd-a.freeBegin < asize {
		newFree := a.gc()
		if newFree >= asize {
			break
		}
		if time.Now().After(deadline) {
			logrus.WithFields(logrus.Fields{
				"size":       size,
				"free_begin": a.freeBegin,
				"free_end":   a.freeEnd,
			}).Error("urpc: alloc_payload timed out")
			return 0, 0, errors.Wrap(urpcerr.ErrResourceExhausted, "arena alloc timed out")
		}
	}
	if a.freeBegin+asize > a.freeEnd {
		return 0, 0, errors.Wrap(urpcerr.ErrResourceExhausted, "arena alloc: insufficient contiguous space")
	}

	offs = a.freeBegin
	a.freeBegin += asize
	return offs, size, nil
}

// FreeBegin and FreeEnd expose the current live-interval bounds, mainly
// for tests asserting wrap-around and reclamation behaviour.
func (a *Arena) FreeBegin() uint32 { return a.freeBegin }
func (a *Arena) FreeEnd() uint32   { return a.freeEnd }
