// Package sim provides an emulated instrument dispatcher, for testing code
// that talks to the device without the hardware.
//
// A [Device] speaks the device side of the portal protocol over any
// transport: it reassembles inbound frames, dispatches each message to the
// handler registered for its channel and type, and sends the replies back
// as fragmented frames. The control channel is built in; instruments are
// added with [Device.Add], or with the helpers for storage and serial-wire
// instruments.
package sim

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/creachadair/taskgroup"
	"github.com/fireflydesign/portal"
	"github.com/fireflydesign/portal/detour"
	"github.com/fireflydesign/portal/packet"
)

// A Request is an inbound message delivered to a [Handler].
type Request struct {
	Channel uint64
	Type    uint64
	Content []byte
}

// A Handler processes a request addressed to an instrument. If it returns a
// non-nil result, the result is sent back to the host as a message with the
// same channel and type as the request. A nil result sends no reply; to send
// an empty reply, return an empty non-nil slice.
//
// An error reported by a handler is passed to the OnError callback of the
// device, and no reply is sent.
type Handler func(context.Context, *Request) ([]byte, error)

type route struct {
	id, typ uint64
}

type instrument struct {
	category string
	id       uint64
}

// Options are settings for a [Device]. A nil *Options is ready for use and
// provides default values as described.
type Options struct {
	// The maximum size of a frame. If ≤ 0, use portal.DefaultFrameSize.
	FrameSize int

	// If true, replies to all the messages in one inbound buffer are sent
	// together as one buffer. Otherwise each reply is sent separately.
	Batch bool
}

func (o *Options) frameSize() int {
	if o == nil || o.FrameSize <= 0 {
		return portal.DefaultFrameSize
	}
	return o.FrameSize
}

func (o *Options) batch() bool { return o != nil && o.Batch }

// A Device is an emulated instrument dispatcher.
type Device struct {
	frameSize int
	batch     bool

	out struct {
		sync.Mutex
		t portal.Transport
	}

	μ       sync.Mutex
	tasks   *taskgroup.Group
	err     error
	insts   []instrument
	mux     map[route]Handler
	flashes map[uint64]*Flash // storage instruments, by channel
	onError func(error)
	resets  int
	det     detour.Detour // only used by the receive routine
}

// New constructs a new unstarted device with the given options. The device
// handles the control channel, but has no instruments.
func New(opts *Options) *Device {
	d := &Device{
		frameSize: opts.frameSize(),
		batch:     opts.batch(),
		mux:       make(map[route]Handler),
		flashes:   make(map[uint64]*Flash),
	}
	d.Handle(0, portal.ControlReset, d.reset)
	d.Handle(0, portal.ControlDiscover, d.discover)
	d.Handle(0, portal.ControlEcho, func(_ context.Context, req *Request) ([]byte, error) {
		return append([]byte{}, req.Content...), nil
	})
	return d
}

// Add adds an instrument with the given category name and channel to the
// list reported by discovery. The name need not be a category known to the
// host. Add returns d to permit chaining.
func (d *Device) Add(category string, id uint64) *Device {
	if id == 0 {
		panic("channel 0 is reserved for control")
	}
	d.μ.Lock()
	defer d.μ.Unlock()
	d.insts = append(d.insts, instrument{category: category, id: id})
	return d
}

// Handle registers a handler for messages of the given type on the given
// channel. Passing a nil handler removes any existing handler. Handle returns
// d to permit chaining.
func (d *Device) Handle(id, typ uint64, h Handler) *Device {
	d.μ.Lock()
	defer d.μ.Unlock()
	if h == nil {
		delete(d.mux, route{id, typ})
	} else {
		d.mux[route{id, typ}] = h
	}
	return d
}

// OnError registers a callback invoked for errors processing inbound frames
// and messages. If f == nil such errors are discarded. OnError returns d to
// permit chaining.
func (d *Device) OnError(f func(error)) *Device {
	d.μ.Lock()
	defer d.μ.Unlock()
	d.onError = f
	return d
}

func (d *Device) storage(id uint64) *Flash {
	d.μ.Lock()
	defer d.μ.Unlock()
	return d.flashes[id]
}

// Resets reports how many reset requests the device has received on its
// control channel.
func (d *Device) Resets() int {
	d.μ.Lock()
	defer d.μ.Unlock()
	return d.resets
}

// Start starts the device running on the given transport. The device runs
// until the transport closes or Stop is called.
func (d *Device) Start(t portal.Transport) *Device {
	d.μ.Lock()
	defer d.μ.Unlock()
	if d.tasks != nil {
		panic("device is already started")
	}
	d.out.Lock()
	d.out.t = t
	d.out.Unlock()
	d.err = nil
	d.det.Clear()

	g := taskgroup.New(nil)
	d.tasks = g
	g.Go(func() error {
		for {
			frame, err := t.RecvFrame()
			if err != nil {
				d.closeOut()
				d.μ.Lock()
				d.err = err
				d.μ.Unlock()
				return nil
			}
			d.receive(frame)
		}
	})
	return d
}

// Stop closes the transport and blocks until the device has exited.
func (d *Device) Stop() error { d.closeOut(); return d.Wait() }

// Wait blocks until d terminates and reports the error that caused it to stop.
// A closed transport is not reported as an error.
func (d *Device) Wait() error {
	d.μ.Lock()
	g := d.tasks
	d.μ.Unlock()
	if g == nil {
		return nil
	}
	g.Wait()

	d.μ.Lock()
	defer d.μ.Unlock()
	d.tasks = nil
	if errors.Is(d.err, io.EOF) || errors.Is(d.err, net.ErrClosed) {
		return nil
	}
	return d.err
}

// Send sends an unsolicited message to the host.
func (d *Device) Send(id, typ uint64, content []byte) error {
	return d.send(portal.Message{Channel: id, Type: typ, Content: content}.Encode())
}

func (d *Device) receive(frame []byte) {
	if err := d.det.Event(frame); err != nil {
		d.det.Clear()
		d.report(fmt.Errorf("invalid frame: %w", err))
		return
	}
	if d.det.State() != detour.Success {
		return
	}
	buf := bytes.Clone(d.det.Data())
	d.det.Clear()

	var batch packet.Builder
	s := packet.NewScanner(buf)
	for s.Len() != 0 {
		var msg portal.Message
		if err := msg.Decode(s); err != nil {
			d.report(fmt.Errorf("invalid message: %w", err))
			break
		}
		rsp, err := d.dispatch(&Request{Channel: msg.Channel, Type: msg.Type, Content: msg.Content})
		if err != nil {
			d.report(fmt.Errorf("channel %d type %d: %w", msg.Channel, msg.Type, err))
			continue
		} else if rsp == nil {
			continue
		}
		reply := portal.Message{Channel: msg.Channel, Type: msg.Type, Content: rsp}
		if d.batch {
			reply.AppendTo(&batch)
		} else if err := d.send(reply.Encode()); err != nil {
			d.report(fmt.Errorf("send reply: %w", err))
		}
	}
	if batch.Len() != 0 {
		if err := d.send(batch.Bytes()); err != nil {
			d.report(fmt.Errorf("send reply: %w", err))
		}
	}
}

func (d *Device) dispatch(req *Request) (_ []byte, err error) {
	d.μ.Lock()
	h, ok := d.mux[route{req.Channel, req.Type}]
	d.μ.Unlock()
	if !ok {
		return nil, errors.New("no handler")
	}

	// Ensure a panic out of a handler is turned into an error.
	defer func() {
		if x := recover(); x != nil && err == nil {
			err = fmt.Errorf("handler panicked (recovered): %v", x)
		}
	}()
	return h(context.Background(), req)
}

func (d *Device) send(data []byte) error {
	d.out.Lock()
	defer d.out.Unlock()
	if d.out.t == nil {
		return net.ErrClosed
	}
	for frame := range detour.NewSource(data, d.frameSize).All() {
		if err := d.out.t.SendFrame(frame); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) report(err error) {
	d.μ.Lock()
	f := d.onError
	d.μ.Unlock()
	if f != nil {
		f(err)
	}
}

func (d *Device) closeOut() {
	d.out.Lock()
	defer d.out.Unlock()
	if d.out.t != nil {
		d.out.t.Close()
	}
}

func (d *Device) discover(context.Context, *Request) ([]byte, error) {
	d.μ.Lock()
	defer d.μ.Unlock()
	var b packet.Builder
	b.Varuint(uint64(len(d.insts)))
	for _, in := range d.insts {
		b.String(in.category)
		b.Varuint(in.id)
	}
	return b.Bytes(), nil
}

// reset counts the request and forwards it to the reset handler (type 0) of
// each instrument that has one.
func (d *Device) reset(ctx context.Context, _ *Request) ([]byte, error) {
	type target struct {
		id uint64
		h  Handler
	}
	d.μ.Lock()
	d.resets++
	var ts []target
	for _, in := range d.insts {
		if h, ok := d.mux[route{in.id, 0}]; ok {
			ts = append(ts, target{in.id, h})
		}
	}
	d.μ.Unlock()

	var errs []error
	for _, t := range ts {
		if _, err := t.h(ctx, &Request{Channel: t.id}); err != nil {
			errs = append(errs, err)
		}
	}
	return nil, errors.Join(errs...)
}
