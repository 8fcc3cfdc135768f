// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package portal implements the host side of the Firefly instrument protocol.
//
// A Firefly device hosts a bank of test instruments (batteries, relays,
// sensors, a serial-wire debug probe, flash storage) behind a firmware
// dispatcher. The host reaches the dispatcher only through a transport that
// carries small fixed-capacity frames, typically 64-byte USB HID reports.
// Messages longer than one frame are fragmented with the detour package and
// reassembled on the other side.
//
// # Managers
//
// The core type defined by this package is the [Manager]. A manager owns the
// control portal, and demultiplexes inbound messages to the portals of the
// instruments found by discovery.
//
// To create a new, unstarted manager:
//
//	m := portal.NewManager(nil)
//
// To start the receive routine, call the Start method with a [Transport]
// connected to the device:
//
//	m.Start(t)
//
// The manager runs until [Manager.Stop] is called or the transport closes.
// Call [Manager.Wait] to wait for the manager to exit and return its status.
//
// # Portals
//
// A [Portal] is the endpoint for one instrument. Messages are typed by a small
// integer whose meaning is defined by the instrument. Outbound messages are
// queued with [Portal.Send] and transmitted together by [Portal.Write]:
//
//	p.Send(1, nil)      // queue a request
//	err := p.Write(ctx) // transmit everything queued
//
// Every read flushes the outbound queue first, so a request followed by a
// read of its reply is simply:
//
//	p.Send(1, nil)
//	rsp, err := p.Read(ctx, 1)
//
// Reads wait for a reply up to the timeout of the portal (see
// [Portal.SetTimeout]) and report [ErrTimeout] if none arrives. If the next
// inbound message does not have the requested type, Read reports an
// [*UnexpectedTypeError] and leaves the message in place.
//
// # Discovery
//
// Use [Manager.DiscoverInstruments] to ask the device for its instruments.
// Each instrument in a recognized [Category] is bound to a new portal and
// named by its category and ordinal in the device's report, for example
// "Relay1" and "Relay2". The instrument package provides typed wrappers over
// the bound portals.
//
// # Metrics
//
// Managers maintain a collection of metrics while running. Use the
// [Manager.Metrics] method to obtain an [expvar.Map] containing the metrics
// exported by the manager. Metrics are shared globally among all managers.
//
// The metrics currently exported include:
//
//   - frames_received: counter of frames received
//   - frames_sent: counter of frames sent
//   - frames_rejected: counter of frames that could not be reassembled
//   - messages_received: counter of messages received
//   - messages_sent: counter of messages completely transmitted
//   - messages_dropped: counter of messages for unknown portals
//   - messages_invalid: counter of reassembled buffers that did not decode
//   - writes_canceled: counter of writes ended by their context
//   - reads_pending: gauge of reads currently waiting
//   - reads_timed_out: counter of reads that timed out
//   - discoveries: counter of completed discoveries
//
// It is safe for the caller to modify the metrics map to add, update, and
// remove entries.
package portal
