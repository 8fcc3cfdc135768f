// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package portal

import (
	"bytes"
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/fireflydesign/portal/detour"
	"github.com/fireflydesign/portal/packet"
	"go.uber.org/zap"
)

// A Transport carries bounded-size frames to and from the device.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Transport interface {
	// SendFrame sends a single frame to the device. The frame is not longer
	// than the frame size of the manager.
	SendFrame([]byte) error

	// RecvFrame blocks until the next frame is available from the device.
	RecvFrame() ([]byte, error)

	// Close the transport, causing any pending send or receive operations to
	// terminate and report an error. After a transport is closed, all further
	// operations on it must report an error.
	Close() error
}

// Types of messages on the control portal.
const (
	ControlReset    = 0 // reset all instruments
	ControlDiscover = 1 // list the instruments
	ControlEcho     = 2 // echo the content
)

// DefaultFrameSize is the default maximum frame size, in bytes.
const DefaultFrameSize = 64

// Options are settings for a [Manager]. A nil *Options is ready for use and
// provides default values as described.
type Options struct {
	// The maximum size of a frame. If ≤ 0, use DefaultFrameSize.
	FrameSize int

	// The read timeout for new portals. If ≤ 0, use DefaultTimeout.
	Timeout time.Duration
}

func (o *Options) frameSize() int {
	if o == nil || o.FrameSize <= 0 {
		return DefaultFrameSize
	}
	return o.FrameSize
}

func (o *Options) timeout() time.Duration {
	if o == nil || o.Timeout <= 0 {
		return DefaultTimeout
	}
	return o.Timeout
}

// A Binding associates the name of a discovered instrument with its portal.
type Binding struct {
	Name     string // e.g., "Battery1"
	Category Category
	Portal   *Portal
}

// A Manager owns the control portal and demultiplexes messages from a shared
// transport to the portals of the instruments discovered on the device.
//
// Call Start with a transport to start the receive routine for the manager.
// Once started, a manager runs until Stop is called or the transport closes.
// Use Wait to wait for the manager to exit and report its status.
//
// Frames can also be delivered directly with Receive, for a transport that
// delivers frames by callback rather than through RecvFrame.
type Manager struct {
	out struct {
		// Must hold the lock to send to or set t.
		sync.Mutex
		t Transport
	}
	frameSize int
	timeout   time.Duration
	control   *Portal

	rμ  sync.Mutex // serializes Receive
	det detour.Detour

	μ sync.Mutex

	in       Transport
	tasks    *taskgroup.Group
	err      error              // the error that stopped the receive routine
	portals  map[uint64]*Portal // includes the control portal
	bindings []Binding          // in discovery order
	onError  func(error)
	mlog     MessageLogger
	onExit   func(error)
}

// NewManager constructs a new unstarted manager with the given options.
func NewManager(opts *Options) *Manager {
	m := &Manager{
		frameSize: opts.frameSize(),
		timeout:   opts.timeout(),
	}
	m.control = newPortal(m, 0, m.timeout)
	m.portals = map[uint64]*Portal{0: m.control}
	return m
}

// Start starts the manager receiving on the given transport. The manager runs
// until the transport closes or Stop is called. Start does not block; call
// Wait to wait for the manager to exit and report its status.
func (m *Manager) Start(t Transport) *Manager {
	// Discard any message left partly reassembled by a previous session.
	m.rμ.Lock()
	m.det.Clear()
	m.rμ.Unlock()

	m.μ.Lock()
	defer m.μ.Unlock()
	if m.in != nil {
		panic("manager is already started")
	}

	g := taskgroup.New(nil)
	m.in = t
	m.tasks = g
	m.err = nil
	m.out.Lock()
	m.out.t = t
	m.out.Unlock()

	g.Go(func() error {
		for {
			frame, err := t.RecvFrame()
			if err != nil {
				m.fail(err)
				return nil
			}
			m.Receive(frame)
		}
	})
	return m
}

// Metrics returns a metrics map for the manager. It is safe for the caller to
// add additional metrics to the map while the manager is active.
func (m *Manager) Metrics() *expvar.Map { return rootMetrics.emap }

// Stop closes the transport and terminates the manager. It blocks until the
// manager has exited and returns its status. After Stop completes it is safe
// to restart the manager with a new transport.
func (m *Manager) Stop() error { m.closeOut(); return m.Wait() }

func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// Wait blocks until m terminates and reports the error that caused it to
// stop. If m is not running, or stopped because its transport closed, Wait
// returns nil.
func (m *Manager) Wait() error {
	m.μ.Lock()
	t := m.tasks
	m.μ.Unlock()
	if t == nil {
		return nil // the manager is not running
	}
	t.Wait()

	m.μ.Lock()
	defer m.μ.Unlock()
	m.in = nil
	m.tasks = nil
	m.out.Lock()
	m.out.t = nil
	m.out.Unlock()

	if treatErrorAsSuccess(m.err) {
		return nil
	}
	return m.err
}

// OnError registers a callback to be invoked for errors that occur while
// processing inbound frames, such as reassembly failures and messages for
// unknown portals. If f == nil, such errors are logged. OnError returns m to
// permit chaining.
func (m *Manager) OnError(f func(error)) *Manager {
	m.μ.Lock()
	defer m.μ.Unlock()
	m.onError = f
	return m
}

// OnExit registers a callback to be invoked when the receive routine of the
// manager terminates, with the same error that would be reported by Wait.
// If f == nil the callback is removed. OnExit returns m to permit chaining.
func (m *Manager) OnExit(f func(error)) *Manager {
	m.μ.Lock()
	defer m.μ.Unlock()
	m.onExit = f
	return m
}

// LogMessages registers a callback that will be invoked for each message
// exchanged with the device, including messages to be discarded. Passing nil
// disables message logging. LogMessages returns m to permit chaining.
func (m *Manager) LogMessages(log MessageLogger) *Manager {
	m.μ.Lock()
	defer m.μ.Unlock()
	m.mlog = log
	return m
}

func (m *Manager) messageLogger() MessageLogger {
	m.μ.Lock()
	defer m.μ.Unlock()
	return m.mlog
}

// Control returns the control portal of m.
func (m *Manager) Control() *Portal { return m.control }

// Portal returns the portal with the given identifier, or reports a
// *[PortalNotFoundError] if no such portal is bound.
func (m *Manager) Portal(id uint64) (*Portal, error) {
	m.μ.Lock()
	defer m.μ.Unlock()
	if p, ok := m.portals[id]; ok {
		return p, nil
	}
	return nil, &PortalNotFoundError{ID: id}
}

// Bindings returns the instruments found by the most recent discovery, in the
// order reported by the device.
func (m *Manager) Bindings() []Binding {
	m.μ.Lock()
	defer m.μ.Unlock()
	return append([]Binding(nil), m.bindings...)
}

// Lookup returns the binding for the named instrument, if there is one.
func (m *Manager) Lookup(name string) (Binding, bool) {
	m.μ.Lock()
	defer m.μ.Unlock()
	for _, b := range m.bindings {
		if b.Name == name {
			return b, true
		}
	}
	return Binding{}, false
}

// DiscoverInstruments asks the device for its instruments and binds a new
// portal for each one in a recognized category, replacing all previous
// bindings. Instruments in unrecognized categories, or that claim the control
// portal identifier 0, are skipped. Names are assigned by category in the
// order reported, for example "Relay1", "Relay2".
func (m *Manager) DiscoverInstruments(ctx context.Context) ([]Binding, error) {
	m.control.Send(ControlDiscover, nil)
	data, err := m.control.Read(ctx, ControlDiscover)
	if err != nil {
		return nil, fmt.Errorf("discover: %w", err)
	}

	s := packet.NewScanner(data)
	count, err := s.Varuint()
	if err != nil {
		return nil, fmt.Errorf("discover: instrument count: %w", err)
	}
	var bindings []Binding
	portals := map[uint64]*Portal{0: m.control}
	ordinal := make(map[Category]int)
	for i := range count {
		name, err := s.String()
		if err != nil {
			return nil, fmt.Errorf("discover: instrument %d category: %w", i, err)
		}
		id, err := s.Varuint()
		if err != nil {
			return nil, fmt.Errorf("discover: instrument %d identifier: %w", i, err)
		}
		if id == 0 {
			Logger().Debug("skipping instrument on the control portal", zap.String("category", name))
			continue
		}
		cat, ok := ParseCategory(name)
		if !ok {
			Logger().Debug("skipping unknown instrument category", zap.String("category", name), zap.Uint64("id", id))
			continue
		}
		ordinal[cat]++
		p := newPortal(m, id, m.timeout)
		portals[id] = p
		bindings = append(bindings, Binding{
			Name:     fmt.Sprintf("%s%d", cat, ordinal[cat]),
			Category: cat,
			Portal:   p,
		})
	}

	m.μ.Lock()
	m.portals = portals
	m.bindings = bindings
	m.μ.Unlock()
	rootMetrics.discoveries.Add(1)
	Logger().Info("discovered instruments", zap.Int("count", len(bindings)))
	return append([]Binding(nil), bindings...), nil
}

// Echo sends data to the device on the control portal, and reports
// [ErrEchoMismatch] if the device does not return the same data.
func (m *Manager) Echo(ctx context.Context, data []byte) error {
	m.control.Send(ControlEcho, data)
	got, err := m.control.Read(ctx, ControlEcho)
	if err != nil {
		return fmt.Errorf("echo: %w", err)
	} else if !bytes.Equal(got, data) {
		return ErrEchoMismatch
	}
	return nil
}

// ResetInstruments asks the device to reset all its instruments.
// It does not wait for a reply.
func (m *Manager) ResetInstruments(ctx context.Context) error {
	m.control.Send(ControlReset, nil)
	return m.control.Write(ctx)
}

// Receive processes a frame received from the device. When the frame
// completes a message buffer, each message in the buffer is delivered to the
// portal it is addressed to. Errors are reported to the OnError callback,
// and reassembly is reset so the next message can start cleanly.
func (m *Manager) Receive(frame []byte) {
	m.rμ.Lock()
	defer m.rμ.Unlock()
	rootMetrics.frameRecv.Add(1)

	if err := m.det.Event(frame); err != nil {
		rootMetrics.frameErr.Add(1)
		m.det.Clear()
		m.report(fmt.Errorf("invalid frame: %w", err))
		return
	}
	if m.det.State() != detour.Success {
		return // more to come
	}
	defer m.det.Clear()

	mlog := m.messageLogger()
	s := packet.NewScanner(m.det.Data())
	for s.Len() != 0 {
		var msg Message
		if err := msg.Decode(s); err != nil {
			rootMetrics.msgInvalid.Add(1)
			m.report(fmt.Errorf("invalid message: %w", err))
			return
		}
		rootMetrics.msgRecv.Add(1)

		// The reassembly buffer is reused, so the portal gets a copy.
		msg.Content = bytes.Clone(msg.Content)
		if mlog != nil {
			mlog(MessageInfo{Message: msg})
		}
		p, err := m.Portal(msg.Channel)
		if err != nil {
			rootMetrics.msgDropped.Add(1)
			m.report(err)
			continue
		}
		p.Received(msg.Type, msg.Content)
	}
}

func (m *Manager) report(err error) {
	m.μ.Lock()
	f := m.onError
	m.μ.Unlock()
	if f != nil {
		f(err)
	} else {
		Logger().Warn("inbound frame", zap.Error(err))
	}
}

// fail records the error that stopped the receive routine.
func (m *Manager) fail(err error) {
	m.closeOut()

	m.μ.Lock()
	defer m.μ.Unlock()
	m.err = err
	if m.onExit != nil {
		if treatErrorAsSuccess(err) {
			err = nil
		}
		m.onExit(err)
	}
}

// sendFrameLocked sends one frame on the transport.
// The caller must hold m.out.
func (m *Manager) sendFrameLocked(frame []byte) error {
	if m.out.t == nil {
		return ErrNotStarted
	}
	rootMetrics.frameSent.Add(1)
	return m.out.t.SendFrame(frame)
}

func (m *Manager) closeOut() {
	m.out.Lock()
	defer m.out.Unlock()
	if m.out.t != nil {
		m.out.t.Close()
	}
}
