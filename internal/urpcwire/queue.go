package urpcwire

import (
	"sync/atomic"
	"unsafe"
)

// fenceWord is a process-local dummy word. Sequencing an atomic
// read-modify-write on it between batches of shared-memory loads/stores
// gives a full two-way barrier. The mailbox ring (Put, Get, GetReq, Done)
// and the arena's gc call Fence between each counter access and the slot
// access it orders, on top of the sequentially-consistent ordering Go's
// sync/atomic already gives each individual Load/Store.
var fenceWord uint32

// Fence issues a full two-way memory barrier.
func Fence() {
	atomic.AddUint32(&fenceWord, 1)
}

// Transfer queue layout, in wire order: mb[LenMB], sender_flags,
// receiver_flags, last_put_req, last_get_req, data[DataBuffLen].
const (
	offMB          = 0
	offSenderFlags = offMB + LenMB*mbWordSize
	offRecvFlags   = offSenderFlags + flagsSize
	offLastPutReq  = offRecvFlags + flagsSize
	offLastGetReq  = offLastPutReq + counterSize
	offData        = offLastGetReq + counterSize
)

// TransferQueue is a view over one direction's region of a peer's shared
// segment. It never owns memory: Mem must outlive the view and must be at
// least TransferQueueSize bytes starting at Mem[0].
type TransferQueue struct {
	Mem []byte
}

func (q *TransferQueue) ptr(off int) unsafe.Pointer {
	return unsafe.Pointer(&q.Mem[off])
}

// LoadMB atomically reads the mailbox word at slot.
func (q *TransferQueue) LoadMB(slot int) MailboxWord {
	p := (*uint64)(q.ptr(offMB + slot*mbWordSize))
	return MailboxWord(atomic.LoadUint64(p))
}

// StoreMB atomically writes the mailbox word at slot.
func (q *TransferQueue) StoreMB(slot int, m MailboxWord) {
	p := (*uint64)(q.ptr(offMB + slot*mbWordSize))
	atomic.StoreUint64(p, uint64(m))
}

// SenderFlags atomically reads the sender's flag word.
func (q *TransferQueue) SenderFlags() uint32 {
	return atomic.LoadUint32((*uint32)(q.ptr(offSenderFlags)))
}

// SetSenderFlags atomically writes the sender's flag word.
func (q *TransferQueue) SetSenderFlags(v uint32) {
	atomic.StoreUint32((*uint32)(q.ptr(offSenderFlags)), v)
}

// ReceiverFlags atomically reads the receiver's flag word.
func (q *TransferQueue) ReceiverFlags() uint32 {
	return atomic.LoadUint32((*uint32)(q.ptr(offRecvFlags)))
}

// SetReceiverFlags atomically writes the receiver's flag word.
func (q *TransferQueue) SetReceiverFlags(v uint32) {
	atomic.StoreUint32((*uint32)(q.ptr(offRecvFlags)), v)
}

// LastPutReq atomically reads the producer's request counter.
func (q *TransferQueue) LastPutReq() int64 {
	return atomic.LoadInt64((*int64)(q.ptr(offLastPutReq)))
}

// SetLastPutReq atomically writes the producer's request counter.
func (q *TransferQueue) SetLastPutReq(v int64) {
	atomic.StoreInt64((*int64)(q.ptr(offLastPutReq)), v)
}

// LastGetReq atomically reads the consumer's request counter.
func (q *TransferQueue) LastGetReq() int64 {
	return atomic.LoadInt64((*int64)(q.ptr(offLastGetReq)))
}

// SetLastGetReq atomically writes the consumer's request counter.
func (q *TransferQueue) SetLastGetReq(v int64) {
	atomic.StoreInt64((*int64)(q.ptr(offLastGetReq)), v)
}

// Data returns the queue's payload arena as a byte slice backed directly
// by shared memory. Payload reads/writes through it are not themselves
// atomic; callers establish ordering via the mailbox word fences around
// them.
func (q *TransferQueue) Data() []byte {
	return q.Mem[offData : offData+DataBuffLen]
}

// Reset zeroes the whole queue and initialises the two request counters
// to -1, the state both sides expect before the first Put.
func (q *TransferQueue) Reset() {
	for i := range q.Mem[:offData] {
		q.Mem[i] = 0
	}
	data := q.Data()
	for i := range data {
		data[i] = 0
	}
	q.SetLastPutReq(-1)
	q.SetLastGetReq(-1)
}
