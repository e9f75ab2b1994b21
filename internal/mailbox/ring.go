// Package mailbox implements the fixed-size slot ring protocol over one
// transfer queue: Put claims slots with monotonically increasing request
// ids, Get/GetReq consume them in order, Done hands a slot back to the
// producer.
package mailbox

import (
	"time"

	"github.com/pkg/errors"

	"github.com/veos-sxarr-NEC/ve-urpc/internal/arena"
	"github.com/veos-sxarr-NEC/ve-urpc/internal/urpcerr"
	"github.com/veos-sxarr-NEC/ve-urpc/internal/urpcwire"
)

// Ring drives one direction's transfer queue: the producer side calls
// Put, the consumer side calls Get/GetReq/Done. The protocol is strictly
// SPSC: one producer goroutine, one consumer goroutine per queue.
type Ring struct {
	tq         *urpcwire.TransferQueue
	arena      *arena.Arena
	putTimeout time.Duration
}

// New creates a Ring over tq, with a tracking the same queue's payload
// buffer (nil if this ring is only ever used as a consumer).
func New(tq *urpcwire.TransferQueue, a *arena.Arena) *Ring {
	return &Ring{tq: tq, arena: a, putTimeout: urpcwire.PutCmdTimeout}
}

// SetPutTimeout overrides the default spin bound used by Put.
func (r *Ring) SetPutTimeout(d time.Duration) {
	r.putTimeout = d
}

// Put claims the next mailbox slot, publishes m into it, and returns the
// request id assigned. If the slot is still occupied it spins until the
// consumer frees it, bounded by the configured put timeout.
func (r *Ring) Put(m urpcwire.MailboxWord) (int64, error) {
	req := r.tq.LastPutReq() + 1
	urpcwire.Fence()
	slot := urpcwire.SlotForReq(req)

	deadline := time.Now().Add(r.putTimeout)
	for {
		cur := r.tq.LoadMB(slot)
		urpcwire.Fence()
		if cur.IsFree() {
			break
		}
		if time.Now().After(deadline) {
			return -1, errors.Wrapf(urpcerr.ErrTimeout, "put_cmd: slot %d busy", slot)
		}
	}

	if r.arena != nil {
		r.arena.NoteSlotSent(slot, m.Offs(), m.Len())
	}
	r.tq.StoreMB(slot, m)
	r.tq.SetLastPutReq(req)
	return req, nil
}

// Get pulls the next unread command from the queue, advancing the
// consumer's counter. Returns req == -1 if nothing new has arrived.
func (r *Ring) Get() (req int64, m urpcwire.MailboxWord) {
	lastPut := r.tq.LastPutReq()
	lastGet := r.tq.LastGetReq()
	urpcwire.Fence()
	if lastPut == lastGet {
		return -1, 0
	}
	req = lastGet + 1
	slot := urpcwire.SlotForReq(req)
	m = r.tq.LoadMB(slot)
	r.tq.SetLastGetReq(req)
	urpcwire.Fence()
	return req, m
}

// GetReq peeks a specific request id. It only advances the consumer
// counter if target is exactly the next expected request.
func (r *Ring) GetReq(target int64) (req int64, m urpcwire.MailboxWord) {
	lastPut := r.tq.LastPutReq()
	lastGet := r.tq.LastGetReq()
	if lastGet >= target {
		return -1, 0
	}
	urpcwire.Fence()
	if lastPut < target {
		return -1, 0
	}
	slot := urpcwire.SlotForReq(target)
	m = r.tq.LoadMB(slot)
	if lastGet+1 == target {
		r.tq.SetLastGetReq(target)
		urpcwire.Fence()
	}
	return target, m
}

// Done marks slot as finished: clears the command field and publishes
// the word back so the producer may reuse the slot. Calling Done twice
// on the same word is a no-op after the first.
func (r *Ring) Done(slot int, m urpcwire.MailboxWord) {
	cleared := m.WithCmdNone()
	urpcwire.Fence()
	r.tq.StoreMB(slot, cleared)
	urpcwire.Fence()
}

// Slot returns the ring slot for a request id.
func Slot(req int64) int {
	return urpcwire.SlotForReq(req)
}
