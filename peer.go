// Package urpc implements a shared-memory micro-RPC transport between
// two cooperating processes: paired mailbox rings over one shared
// segment, a wrap-around payload arena, a tagged-field wire codec, a
// handler registry and the progress pump that together form one peer's
// half of a connection.
package urpc

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/veos-sxarr-NEC/ve-urpc/internal/arena"
	"github.com/veos-sxarr-NEC/ve-urpc/internal/codec"
	"github.com/veos-sxarr-NEC/ve-urpc/internal/config"
	"github.com/veos-sxarr-NEC/ve-urpc/internal/dma"
	"github.com/veos-sxarr-NEC/ve-urpc/internal/mailbox"
	"github.com/veos-sxarr-NEC/ve-urpc/internal/urpcerr"
	"github.com/veos-sxarr-NEC/ve-urpc/internal/urpcwire"
)

// HandlerFunc is a registered command handler, invoked with the request
// id, the mailbox word and the payload view. A non-nil error is logged
// and swallowed so one bad command cannot stall the pump.
type HandlerFunc func(p *Peer, req int64, m urpcwire.MailboxWord, payload []byte) error

// Peer binds one shared-memory segment's two halves to a send
// communicator and a recv communicator, plus the handler table. A Peer's
// segment is 2*BuffLen bytes: the first half is one side's send queue
// and the other side's recv queue.
type Peer struct {
	tun    config.Tunables
	xfer   dma.Transferer
	mirror bool

	sendQ     *urpcwire.TransferQueue
	recvQ     *urpcwire.TransferQueue
	sendArena *arena.Arena
	sendRing  *mailbox.Ring
	recvRing  *mailbox.Ring
	mirrorBuf []byte

	submitMu sync.Mutex // coarse mutex serialising many application threads onto the producer side

	handlersMu sync.RWMutex
	handlers   [urpcwire.MaxHandlers + 1]HandlerFunc

	ChildPID int
}

// InitSegment zeroes both halves of body (which must be at least
// urpcwire.SegmentSize bytes). Queues must be zeroed before any attacher
// can observe them, so only the side that creates the segment calls
// this, before handing the key to the remote.
func InitSegment(body []byte) error {
	if len(body) < urpcwire.SegmentSize {
		return errors.Wrapf(urpcerr.ErrArgument, "urpc: segment body too small: have %d, need %d", len(body), urpcwire.SegmentSize)
	}
	(&urpcwire.TransferQueue{Mem: body[0:urpcwire.BuffLen]}).Reset()
	(&urpcwire.TransferQueue{Mem: body[urpcwire.BuffLen : 2*urpcwire.BuffLen]}).Reset()
	return nil
}

// Open binds a Peer to body, the 2*BuffLen-byte segment body. swapped
// selects which half is this side's send queue: the host that created
// the segment passes false (first half = send); the remote that attached
// to it passes true, so each side's send queue is the other's recv
// queue. mirror enables the accelerator-side inline-vs-DMA payload path;
// host-side peers normally pass false and read payloads directly out of
// shared memory, zero-copy.
func Open(body []byte, swapped, mirror bool, xfer dma.Transferer, tun config.Tunables) (*Peer, error) {
	if len(body) < urpcwire.SegmentSize {
		return nil, errors.Wrapf(urpcerr.ErrArgument, "urpc: segment body too small: have %d, need %d", len(body), urpcwire.SegmentSize)
	}
	if xfer == nil {
		xfer = dma.Loopback{}
	}

	sendOff, recvOff := 0, urpcwire.BuffLen
	if swapped {
		sendOff, recvOff = urpcwire.BuffLen, 0
	}
	sendQ := &urpcwire.TransferQueue{Mem: body[sendOff : sendOff+urpcwire.BuffLen]}
	recvQ := &urpcwire.TransferQueue{Mem: body[recvOff : recvOff+urpcwire.BuffLen]}

	sendArena := arena.New(sendQ)
	sendArena.SetAllocTimeout(tun.AllocTimeout())
	sendRing := mailbox.New(sendQ, sendArena)
	sendRing.SetPutTimeout(tun.PutTimeout())
	recvRing := mailbox.New(recvQ, nil)

	p := &Peer{
		tun:       tun,
		xfer:      xfer,
		mirror:    mirror,
		sendQ:     sendQ,
		recvQ:     recvQ,
		sendArena: sendArena,
		sendRing:  sendRing,
		recvRing:  recvRing,
	}
	if mirror {
		p.mirrorBuf = make([]byte, urpcwire.DataBuffLen)
	}
	return p, nil
}

// SenderFlags and ReceiverFlags expose the generic side-channel words of
// the two queues. The transport imposes no semantics on them; callers
// may use them for application-level signalling (e.g. "remote is
// draining").
func (p *Peer) SenderFlags() uint32       { return p.sendQ.SenderFlags() }
func (p *Peer) SetSenderFlags(v uint32)   { p.sendQ.SetSenderFlags(v) }
func (p *Peer) ReceiverFlags() uint32     { return p.recvQ.ReceiverFlags() }
func (p *Peer) SetReceiverFlags(v uint32) { p.recvQ.SetReceiverFlags(v) }

// Register binds fn to cmd. It fails if cmd is out of 1..MaxHandlers or
// already bound.
func (p *Peer) Register(cmd uint16, fn HandlerFunc) error {
	if cmd < 1 || int(cmd) > urpcwire.MaxHandlers {
		return errors.Wrapf(urpcerr.ErrArgument, "urpc: register: cmd %d out of range", cmd)
	}
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	if p.handlers[cmd] != nil {
		return errors.Wrapf(urpcerr.ErrArgument, "urpc: register: cmd %d already bound", cmd)
	}
	p.handlers[cmd] = fn
	return nil
}

// Unregister clears the handler bound to cmd, if any.
func (p *Peer) Unregister(cmd uint16) error {
	if cmd < 1 || int(cmd) > urpcwire.MaxHandlers {
		return errors.Wrapf(urpcerr.ErrArgument, "urpc: unregister: cmd %d out of range", cmd)
	}
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.handlers[cmd] = nil
	return nil
}

func (p *Peer) handlerFor(cmd uint16) HandlerFunc {
	p.handlersMu.RLock()
	defer p.handlersMu.RUnlock()
	return p.handlers[cmd]
}

// materializeRecv builds the payload view for an incoming command,
// choosing between a zero-copy slice into shared memory (host side) and
// a mirror buffer filled inline or via DMA (accelerator side). Payloads
// of 16 bytes or less copy inline; anything larger goes through the
// injected transfer capability.
func (p *Peer) materializeRecv(m urpcwire.MailboxWord) ([]byte, error) {
	n := m.Len()
	if n == 0 {
		return nil, nil
	}
	shared := p.recvQ.Data()[m.Offs() : m.Offs()+n]
	if !p.mirror {
		return shared, nil
	}
	dst := p.mirrorBuf[m.Offs() : m.Offs()+n]
	if n <= urpcwire.InlineCopyThreshold {
		// Inline copy in whole-word strides: the mirror and the shared
		// buffer are both 8-byte aligned at m.Offs().
		stride := int(urpcwire.Align8(n))
		for i := 0; i < stride; i += 8 {
			end := i + 8
			if end > len(shared) {
				end = len(shared)
			}
			copy(dst[i:end], shared[i:end])
		}
		return dst, nil
	}
	if err := p.xfer.Transfer(context.Background(), dst, shared); err != nil {
		return nil, errors.Wrap(err, "urpc: recv DMA transfer failed")
	}
	return dst, nil
}

// RecvProgress processes up to ncmds commands from the recv queue,
// dispatching each to its registered handler and marking its slot done.
// It returns the number of commands handled.
func (p *Peer) RecvProgress(ncmds int) int {
	done := 0
	for done < ncmds {
		req, m := p.recvRing.Get()
		if req < 0 {
			break
		}
		payload, err := p.materializeRecv(m)
		if err != nil {
			logrus.WithError(err).WithField("req", req).Error("urpc: failed to materialize payload")
		} else if h := p.handlerFor(m.Cmd()); h != nil {
			if herr := h(p, req, m, payload); herr != nil {
				logrus.WithFields(logrus.Fields{"cmd": m.Cmd(), "req": req}).WithError(herr).
					Warn("urpc: handler returned error")
			}
		}
		p.recvRing.Done(mailbox.Slot(req), m)
		done++
	}
	return done
}

// RecvProgressTimeout runs RecvProgress repeatedly until it has seen no
// work for longer than timeout, and returns the total number of commands
// processed during the call.
func (p *Peer) RecvProgressTimeout(ncmds int, timeout time.Duration) int {
	total := 0
	var quiescentSince time.Time
	for {
		n := p.RecvProgress(ncmds)
		total += n
		if n == 0 {
			if quiescentSince.IsZero() {
				quiescentSince = time.Now()
			} else if time.Since(quiescentSince) > timeout {
				return total
			}
		} else {
			quiescentSince = time.Time{}
		}
	}
}

// NextSendSlotFree peeks (without spinning) whether the send ring's next
// slot is currently free. A dispatcher uses this to decide whether there
// is room to submit another command this round.
func (p *Peer) NextSendSlotFree() bool {
	req := p.sendQ.LastPutReq() + 1
	slot := urpcwire.SlotForReq(req)
	return p.sendQ.LoadMB(slot).IsFree()
}

// PollReply is the dispatcher-facing counterpart of RecvProgress: it pulls
// the next reply from the recv ring, if any, without consulting the
// handler table (reply matching is the caller's in-flight queue's job,
// not a registered handler's).
func (p *Peer) PollReply() (req int64, m urpcwire.MailboxWord, payload []byte, ok bool) {
	req, m = p.recvRing.Get()
	if req < 0 {
		return 0, 0, nil, false
	}
	payload, err := p.materializeRecv(m)
	if err != nil {
		logrus.WithError(err).WithField("req", req).Error("urpc: failed to materialize reply payload")
		payload = nil
	}
	return req, m, payload, true
}

// AckReply marks a reply's slot done after its result closure has run.
func (p *Peer) AckReply(req int64, m urpcwire.MailboxWord) {
	p.recvRing.Done(mailbox.Slot(req), m)
}

// Send packs fields into a freshly allocated payload and submits cmd,
// returning the assigned request id. A cmd with no fields sends an
// empty-payload command.
func (p *Peer) Send(cmd uint16, fields ...codec.Field) (int64, error) {
	size := codec.Size(fields...)
	if size == 0 {
		return p.sendRing.Put(urpcwire.PackMailboxWord(cmd, 0, 0))
	}

	offs, length, err := p.sendArena.Alloc(size)
	if err != nil {
		return -1, errors.Wrap(err, "urpc: send: payload allocation failed")
	}
	aligned := urpcwire.Align8(size)

	if p.mirror {
		staging := make([]byte, aligned)
		if err := codec.Pack(staging, fields...); err != nil {
			return -1, errors.Wrap(err, "urpc: send: pack failed")
		}
		dst := p.sendQ.Data()[offs : offs+aligned]
		if err := p.xfer.Transfer(context.Background(), dst, staging); err != nil {
			return -1, errors.Wrap(err, "urpc: send DMA transfer failed")
		}
	} else {
		dst := p.sendQ.Data()[offs : offs+aligned]
		if err := codec.Pack(dst, fields...); err != nil {
			return -1, errors.Wrap(err, "urpc: send: pack failed")
		}
	}

	return p.sendRing.Put(urpcwire.PackMailboxWord(cmd, offs, length))
}

// SendLocked is Send guarded by the peer's submit mutex, for use when
// multiple application goroutines share one Peer as producers. The ring
// protocol itself is strictly single-producer; this serialises callers
// onto that one producer role.
func (p *Peer) SendLocked(cmd uint16, fields ...codec.Field) (int64, error) {
	p.submitMu.Lock()
	defer p.submitMu.Unlock()
	return p.Send(cmd, fields...)
}
