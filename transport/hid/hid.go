// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package hid implements a portal.Transport over a USB HID device, using
// [github.com/sstallion/go-hid].
//
// Each frame is carried in one report. Output reports are prefixed with a
// report ID of zero, as required by HIDAPI for devices that do not number
// their reports.
package hid

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	gohid "github.com/sstallion/go-hid"
)

// Identifiers of the instrument dispatcher device.
const (
	VendorID  = 0x0483
	ProductID = 0x5710
)

// ReportSize is the size in bytes of the device's input and output reports,
// not counting the report ID.
const ReportSize = 64

// ErrNoDevice is reported by Open if no matching device is attached.
var ErrNoDevice = errors.New("hid: no matching device")

// Device is the subset of the HIDAPI device interface used by a Transport.
// The Read method should return [gohid.ErrTimeout] periodically when no input
// is available, so that the transport can notice when it is closed.
type Device interface {
	io.ReadWriter
	Close() error
}

// A Transport exchanges frames with a HID device.
type Transport struct {
	dev    Device
	size   int
	closed atomic.Bool

	wμ  sync.Mutex
	out []byte // output report buffer, including the report ID
}

// New constructs a transport that exchanges reports of size bytes on dev.
// If size ≤ 0, it uses ReportSize.
func New(dev Device, size int) *Transport {
	if size <= 0 {
		size = ReportSize
	}
	return &Transport{dev: dev, size: size, out: make([]byte, size+1)}
}

// Open opens the first attached device with the given vendor and product IDs
// and returns a transport for it. If serial != "", only a device with that
// serial number matches. The caller must call gohid.Init before Open.
func Open(vid, pid uint16, serial string) (*Transport, error) {
	var path string
	err := gohid.Enumerate(vid, pid, func(info *gohid.DeviceInfo) error {
		if path == "" && (serial == "" || info.SerialNbr == serial) {
			path = info.Path
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	} else if path == "" {
		return nil, fmt.Errorf("%w (%04x:%04x)", ErrNoDevice, vid, pid)
	}
	dev, err := gohid.OpenPath(path)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	return New(timeoutDevice{dev}, ReportSize), nil
}

// List reports the attached devices with the given vendor and product IDs.
func List(vid, pid uint16) ([]*gohid.DeviceInfo, error) {
	var infos []*gohid.DeviceInfo
	err := gohid.Enumerate(vid, pid, func(info *gohid.DeviceInfo) error {
		infos = append(infos, info)
		return nil
	})
	return infos, err
}

// SendFrame implements a method of the [portal.Transport] interface.
func (t *Transport) SendFrame(frame []byte) error {
	if t.closed.Load() {
		return net.ErrClosed
	} else if len(frame) > t.size {
		return fmt.Errorf("frame too long (%d > %d bytes)", len(frame), t.size)
	}
	t.wμ.Lock()
	defer t.wμ.Unlock()
	clear(t.out)
	copy(t.out[1:], frame) // out[0] is the report ID
	_, err := t.dev.Write(t.out)
	return err
}

// RecvFrame implements a method of the [portal.Transport] interface.
func (t *Transport) RecvFrame() ([]byte, error) {
	buf := make([]byte, t.size)
	for {
		if t.closed.Load() {
			return nil, net.ErrClosed
		}
		n, err := t.dev.Read(buf)
		if errors.Is(err, gohid.ErrTimeout) || (err == nil && n == 0) {
			continue
		} else if err != nil {
			if t.closed.Load() {
				return nil, net.ErrClosed
			}
			return nil, err
		}
		return buf[:n], nil
	}
}

// Close implements a method of the [portal.Transport] interface.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return net.ErrClosed
	}
	return t.dev.Close()
}

// readTimeout bounds how long a read blocks before the transport checks
// whether it has been closed.
const readTimeout = 250 * time.Millisecond

// timeoutDevice reads with a timeout, and retries interrupted reads.
type timeoutDevice struct {
	*gohid.Device
}

func (d timeoutDevice) Read(p []byte) (n int, err error) {
	for {
		n, err = d.Device.ReadWithTimeout(p, readTimeout)
		if err == nil || err.Error() != "Interrupted system call" {
			return
		}
	}
}
