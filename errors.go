// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package portal

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is reported when a read does not complete before the
	// timeout of its portal elapses.
	ErrTimeout = errors.New("portal: timeout")

	// ErrCanceled is reported when the context of an operation ends before
	// the operation completes. The error also wraps the error from the
	// context.
	ErrCanceled = errors.New("portal: canceled")

	// ErrEchoMismatch is reported by [Manager.Echo] when the device returns
	// different data than was sent.
	ErrEchoMismatch = errors.New("portal: echo mismatch")

	// ErrNotStarted is reported when a portal sends before its manager has
	// been started with a transport.
	ErrNotStarted = errors.New("portal: manager not started")
)

// UnexpectedTypeError is reported by [Portal.Read] when the message at the
// head of the inbound queue does not have the requested type. The message is
// not consumed.
type UnexpectedTypeError struct {
	ID   uint64 // the portal identifier
	Want uint64 // the requested type
	Got  uint64 // the type of the queued message
}

func (e *UnexpectedTypeError) Error() string {
	return fmt.Sprintf("portal %d: unexpected message type %d (want %d)", e.ID, e.Got, e.Want)
}

// PortalNotFoundError is reported when a message is addressed to a portal
// identifier that is not bound.
type PortalNotFoundError struct {
	ID uint64
}

func (e *PortalNotFoundError) Error() string {
	return fmt.Sprintf("portal %d not found", e.ID)
}

// canceled returns an error wrapping both ErrCanceled and cerr.
func canceled(cerr error) error { return fmt.Errorf("%w: %w", ErrCanceled, cerr) }
