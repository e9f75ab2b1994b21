// Package urpcerr defines the transport's sentinel error kinds, created
// with github.com/pkg/errors so a cause chain survives crossing package
// boundaries.
package urpcerr

import "github.com/pkg/errors"

// Sentinel errors, one per error kind the transport reports. Wrap with
// errors.Wrap/Wrapf to attach context; recover the sentinel with
// errors.Cause or errors.Is.
var (
	// ErrResourceExhausted covers a full peer table, an arena allocation
	// timeout, or a failed segment allocation.
	ErrResourceExhausted = errors.New("urpc: resource exhausted")

	// ErrProtocolViolation covers a reply arriving with an empty
	// in-flight queue, or a slot that was not free when expected.
	ErrProtocolViolation = errors.New("urpc: protocol violation")

	// ErrTransportIO covers a non-zero return from the injected DMA
	// transfer capability.
	ErrTransportIO = errors.New("urpc: transport I/O error")

	// ErrTimeout covers a request not observed within the caller's
	// window.
	ErrTimeout = errors.New("urpc: timeout")

	// ErrLifecycle covers an operation attempted after a context or peer
	// has moved to EXIT.
	ErrLifecycle = errors.New("urpc: invalid lifecycle state")

	// ErrArgument covers handler registration with an out-of-range id or
	// a collision with an already-registered handler.
	ErrArgument = errors.New("urpc: invalid argument")
)
