// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package instrument provides typed wrappers for the instruments of a Firefly
// device, over the portals bound by discovery.
//
// # Usage
//
// Discover the instruments of a started manager and build a registry:
//
//	reg, err := instrument.Discover(ctx, m)
//
// Instruments are named by category and ordinal, as reported by the device.
// To recover a wrapper of a specific type, use Get:
//
//	relay, err := instrument.Get[*instrument.Relay](reg, "Relay1")
//	if err != nil {
//	   log.Fatalf("No relay: %v", err)
//	}
//	err = relay.Set(ctx, true)
//
// Most commands are sent as soon as they are issued. Commands that are issued
// in long sequences, such as the shift operations of a [SerialWire], are only
// queued, and are sent by the next Flush or read.
package instrument

import (
	"context"
	"errors"
	"fmt"

	"github.com/fireflydesign/portal"
	"github.com/fireflydesign/portal/packet"
)

// typeReset is the message type of the reset command, common to all
// instruments.
const typeReset = 0

// An Instrument is the common behavior of all instrument wrappers.
type Instrument interface {
	// ID reports the portal identifier of the instrument.
	ID() uint64

	// Category reports the category of the instrument.
	Category() portal.Category

	// Reset resets the instrument to its power-on state.
	Reset(context.Context) error

	// Flush transmits any queued commands for the instrument.
	Flush(context.Context) error
}

// New returns a wrapper for the instrument bound by b. It reports false if the
// category of b has no wrapper.
func New(b portal.Binding) (Instrument, bool) {
	c := conn{p: b.Portal}
	switch b.Category {
	case portal.Battery:
		return &Battery{c}, true
	case portal.Color:
		return &Color{c}, true
	case portal.Current:
		return &Current{c}, true
	case portal.Indicator:
		return &Indicator{c}, true
	case portal.Relay:
		return &Relay{c}, true
	case portal.SerialWire:
		return &SerialWire{c}, true
	case portal.Storage:
		return &Storage{conn: c, maxTransfer: MaxTransferLength}, true
	case portal.Voltage:
		return &Voltage{c}, true
	}
	return nil, false
}

// conn is the portal connection shared by all instrument wrappers.
type conn struct{ p *portal.Portal }

// ID reports the portal identifier of the instrument.
func (c conn) ID() uint64 { return c.p.ID() }

// Portal returns the underlying portal of the instrument.
func (c conn) Portal() *portal.Portal { return c.p }

// Reset resets the instrument to its power-on state.
func (c conn) Reset(ctx context.Context) error { return c.send(ctx, typeReset, nil) }

// Flush transmits any queued commands for the instrument.
func (c conn) Flush(ctx context.Context) error { return c.p.Write(ctx) }

// send queues a command and transmits it immediately.
func (c conn) send(ctx context.Context, typ uint64, args []byte) error {
	c.p.Send(typ, args)
	return c.p.Write(ctx)
}

// call sends a command and returns a scanner over the content of its reply.
func (c conn) call(ctx context.Context, typ uint64, args []byte) (*packet.Scanner, error) {
	c.p.Send(typ, args)
	rsp, err := c.p.Read(ctx, typ)
	if err != nil {
		return nil, err
	}
	return packet.NewScanner(rsp), nil
}

// readFloat32 sends a command whose reply is a single float32.
func (c conn) readFloat32(ctx context.Context, typ uint64) (float32, error) {
	s, err := c.call(ctx, typ, nil)
	if err != nil {
		return 0, err
	}
	return s.Float32()
}

// ErrWrongCategory is reported by [Get] when the named instrument does not
// have the requested type.
var ErrWrongCategory = errors.New("instrument: wrong category")

// NotFoundError is reported when a registry has no instrument of the given
// name.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("instrument %q not found", e.Name)
}

// TransferError is reported when a memory transfer command of the serial
// wire instrument reports a non-zero result code.
type TransferError struct {
	Op   string // e.g., "read memory"
	Code uint64 // the result code reported by the device
	Data []byte // any further content of the reply
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s: transfer failed with code %d", e.Op, e.Code)
}
