// Package rpcctx implements the asynchronous call dispatcher over one
// urpc peer: call submission, an in-flight queue matching replies to
// their originating commands in FIFO order, and completion delivery to
// whichever goroutine is waiting on a given request id. Each command
// carries a submit closure run when it leaves the request queue and an
// optional result closure run when its reply arrives.
package rpcctx

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	urpc "github.com/veos-sxarr-NEC/ve-urpc"
	"github.com/veos-sxarr-NEC/ve-urpc/internal/codec"
	"github.com/veos-sxarr-NEC/ve-urpc/internal/urpcerr"
	"github.com/veos-sxarr-NEC/ve-urpc/internal/urpcwire"
)

// Status is a command's outcome.
type Status int

const (
	StatusUnfinished Status = iota
	StatusOK
	StatusException
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusException:
		return "EXCEPTION"
	case StatusError:
		return "ERROR"
	default:
		return "UNFINISHED"
	}
}

// ReqID identifies one command within a Context. InvalidReqID is
// returned by the call-submission family on failure, mirroring
// VEO_REQUEST_ID_INVALID.
type ReqID uint64

// InvalidReqID is never issued by issueRequestID.
const InvalidReqID ReqID = 0

// state is the context's lifecycle state machine: UNKNOWN -> RUNNING (on
// first successful submit) -> EXIT (on close or unrecoverable error).
type state int32

const (
	stateUnknown state = iota
	stateRunning
	stateExit
)

// ResultFunc decodes a reply's payload into a 64-bit return value. A
// non-nil error marks the command EXCEPTION rather than OK.
type ResultFunc func(m urpcwire.MailboxWord, payload []byte) (uint64, error)

// SubmitFunc performs the side effect of a command when it is popped from
// the request queue: for a remote call, send the command and return nil
// on success; for a host-only call, run the local callback directly and
// set the result.
type SubmitFunc func(cmd *Command) error

// Command is one asynchronous call: a submit closure run when the
// command leaves the request queue, an optional result closure run when
// a matching reply arrives, and a result slot.
type Command struct {
	ID       ReqID
	hostOnly bool
	submit   SubmitFunc
	result   func(cmd *Command, m urpcwire.MailboxWord, payload []byte) error

	retval uint64
	status Status
}

func (c *Command) setResult(retval uint64, status Status) {
	c.retval = retval
	c.status = status
}

// Retval returns the command's decoded return value. Only meaningful once
// Status() is no longer StatusUnfinished.
func (c *Command) Retval() uint64 { return c.retval }

// Status returns the command's current outcome.
func (c *Command) Status() Status { return c.status }

// Context wraps one Peer and exposes the asynchronous call API:
// CallAsync, CallVHAsync, PeekResult, WaitResult, Synchronize and Close.
type Context struct {
	peer *urpc.Peer

	st     int32 // state, accessed atomically
	nextID uint64

	progMu   sync.Mutex
	submitMu sync.Mutex

	mu          sync.Mutex
	reqQ        []*Command
	inflight    []*Command
	completions map[ReqID]*Command
	pending     map[ReqID]bool
	lastErr     error
}

// New wraps peer in a fresh Context in state UNKNOWN.
func New(peer *urpc.Peer) *Context {
	return &Context{
		peer:        peer,
		completions: make(map[ReqID]*Command),
		pending:     make(map[ReqID]bool),
	}
}

func (c *Context) State() state { return state(atomic.LoadInt32(&c.st)) }

func (c *Context) setState(s state) { atomic.StoreInt32(&c.st, int32(s)) }

func (c *Context) markRunning() {
	atomic.CompareAndSwapInt32(&c.st, int32(stateUnknown), int32(stateRunning))
}

func (c *Context) issueRequestID() ReqID {
	return ReqID(atomic.AddUint64(&c.nextID, 1))
}

func (c *Context) setErr(err error) {
	c.mu.Lock()
	if c.lastErr == nil {
		c.lastErr = err
	}
	c.mu.Unlock()
}

// Err returns the unrecoverable error that moved the context to EXIT, if
// any. A context closed deliberately with Close reports nil.
func (c *Context) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// --- queue plumbing -------------------------------------------------

func (c *Context) popRequest() *Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.reqQ) == 0 {
		return nil
	}
	cmd := c.reqQ[0]
	c.reqQ = c.reqQ[1:]
	return cmd
}

func (c *Context) pushRequestFront(cmd *Command) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqQ = append([]*Command{cmd}, c.reqQ...)
}

func (c *Context) pushInflight(cmd *Command) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight = append(c.inflight, cmd)
}

func (c *Context) popInflight() *Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inflight) == 0 {
		return nil
	}
	cmd := c.inflight[0]
	c.inflight = c.inflight[1:]
	return cmd
}

func (c *Context) inflightEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight) == 0
}

func (c *Context) emptyRequestAndInflight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reqQ) == 0 && len(c.inflight) == 0
}

func (c *Context) pushCompletion(cmd *Command) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completions[cmd.ID] = cmd
}

func (c *Context) cancelAll() {
	c.mu.Lock()
	items := append(c.inflight, c.reqQ...)
	c.inflight = nil
	c.reqQ = nil
	c.mu.Unlock()

	for _, cmd := range items {
		cmd.setResult(0, StatusError)
		c.pushCompletion(cmd)
	}
}

// --- progress ---------------------------------------------------------

// progressNoLock is the core pump round; it is only ever called with
// progMu held. ops is currently advisory: progress always runs until a
// round does no work.
func (c *Context) progressNoLock(ops int) {
	for {
		recvd, sent := 0, 0

		if c.State() == stateExit {
			// Remaining replies are ignored after close: ack them so the
			// remote's slots free up, but deliver nothing.
			if req, m, _, ok := c.peer.PollReply(); ok {
				c.peer.AckReply(req, m)
			}
			return
		}

		if req, m, payload, ok := c.peer.PollReply(); ok {
			recvd++
			cmd := c.popInflight()
			if cmd == nil {
				logrus.WithField("req", req).Error("urpc: reply arrived with empty in-flight queue")
				c.setErr(errors.Wrapf(urpcerr.ErrProtocolViolation, "reply %d arrived with empty in-flight queue", req))
				c.setState(stateExit)
				c.cancelAll()
				return
			}
			err := cmd.result(cmd, m, payload)
			c.peer.AckReply(req, m)
			c.pushCompletion(cmd)
			if err != nil {
				logrus.WithError(err).WithField("req", req).Error("urpc: command result closure failed")
				c.setErr(errors.Wrapf(err, "result closure for request %d failed", req))
				c.setState(stateExit)
				c.cancelAll()
				return
			}
		}

		if c.peer.NextSendSlotFree() {
			if cmd := c.popRequest(); cmd != nil {
				if cmd.hostOnly {
					if c.inflightEmpty() {
						_ = cmd.submit(cmd)
						c.pushCompletion(cmd)
						sent++
					} else {
						// Host-only commands fence against in-flight
						// remote work: put it back and retry once the
						// in-flight queue drains.
						c.pushRequestFront(cmd)
					}
				} else {
					if err := cmd.submit(cmd); err == nil {
						sent++
						c.pushInflight(cmd)
					} else {
						c.pushCompletion(cmd)
					}
				}
			}
		}

		if recvd+sent == 0 {
			return
		}
		_ = ops
	}
}

// Progress acquires the progress mutex and runs pump rounds until one
// does no work. Only one progress pump runs at a time per context.
func (c *Context) Progress(ops int) {
	c.progMu.Lock()
	defer c.progMu.Unlock()
	c.progressNoLock(ops)
}

// Synchronize blocks other submitters and drains the request and
// in-flight queues, establishing a global happens-before over every prior
// asynchronous call on this context.
func (c *Context) Synchronize() {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()
	for !c.emptyRequestAndInflight() {
		c.Progress(0)
	}
}

// --- submission ---------------------------------------------------------

func (c *Context) enqueue(cmd *Command) ReqID {
	c.submitMu.Lock()
	c.mu.Lock()
	c.reqQ = append(c.reqQ, cmd)
	c.pending[cmd.ID] = true
	c.mu.Unlock()
	c.submitMu.Unlock()

	c.markRunning()
	c.Progress(3)
	if c.State() == stateExit {
		// A concurrent Close raced past the submit-time state check;
		// cancel so this command's waiter still unblocks.
		c.cancelAll()
	}
	return cmd.ID
}

// CallAsync submits cmd with args as an asynchronous remote call. onResult
// decodes the reply payload into a return value when it arrives. Returns
// InvalidReqID if the context has already moved to EXIT.
func (c *Context) CallAsync(cmd uint16, args []codec.Field, onResult ResultFunc) ReqID {
	if c.State() == stateExit {
		return InvalidReqID
	}
	id := c.issueRequestID()

	submit := func(command *Command) error {
		req, err := c.peer.Send(cmd, args...)
		if err != nil {
			command.setResult(0, StatusError)
			return err
		}
		_ = req
		return nil
	}
	result := func(command *Command, m urpcwire.MailboxWord, payload []byte) error {
		rv, err := onResult(m, payload)
		if err != nil {
			command.setResult(rv, StatusException)
			return nil
		}
		command.setResult(rv, StatusOK)
		return nil
	}

	return c.enqueue(&Command{ID: id, submit: submit, result: result})
}

// CallVHAsync schedules fn as a purely local callback. Because it is
// host-only, the dispatcher runs it only once every remote call submitted
// before it has been observed (its in-flight queue is empty), giving it
// fence semantics against prior accelerator calls.
func (c *Context) CallVHAsync(fn func() (uint64, error)) ReqID {
	if c.State() == stateExit {
		return InvalidReqID
	}
	id := c.issueRequestID()

	submit := func(command *Command) error {
		rv, err := fn()
		if err != nil {
			command.setResult(0, StatusError)
			return nil
		}
		command.setResult(rv, StatusOK)
		return nil
	}

	return c.enqueue(&Command{ID: id, submit: submit, hostOnly: true})
}

// --- completion retrieval ------------------------------------------------

// PeekResult returns the command's outcome if it has completed, without
// blocking. It drives progress (via Progress) first.
func (c *Context) PeekResult(id ReqID) (uint64, Status) {
	c.Progress(3)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.pending[id] {
		return 0, StatusError
	}
	if cmd, ok := c.completions[id]; ok {
		delete(c.pending, id)
		delete(c.completions, id)
		return cmd.retval, cmd.status
	}
	return 0, StatusUnfinished
}

// WaitResult spins on PeekResult, driving progress, until id completes.
func (c *Context) WaitResult(id ReqID) (uint64, Status) {
	for {
		rv, st := c.PeekResult(id)
		if st != StatusUnfinished {
			return rv, st
		}
	}
}

// WaitResultTimeout is WaitResult bounded by timeout; it returns
// StatusUnfinished if the window elapses before completion.
func (c *Context) WaitResultTimeout(id ReqID, timeout time.Duration) (uint64, Status) {
	deadline := time.Now().Add(timeout)
	for {
		rv, st := c.PeekResult(id)
		if st != StatusUnfinished {
			return rv, st
		}
		if time.Now().After(deadline) {
			return 0, StatusUnfinished
		}
	}
}

// Close transitions the context to EXIT and cancels every pending
// command; waiters on their ids unblock with StatusError. Close does not
// wait for stalled in-flight commands, so it returns even when the
// remote side has stopped responding. Tearing down the remote process
// and the segment itself is the supervisor's job. Closing an
// already-EXIT context is a no-op.
func (c *Context) Close() error {
	if c.State() == stateExit {
		return nil
	}
	c.setState(stateExit)
	// Serialise with any running pump round so no command is between
	// queues while the cancellation drains them.
	c.progMu.Lock()
	c.cancelAll()
	c.progMu.Unlock()
	return nil
}
