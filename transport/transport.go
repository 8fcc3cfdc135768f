// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package transport provides implementations of the portal.Transport
// interface.
package transport

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
)

// Pipe constructs a connected pair of in-memory transports. Frames sent to A
// are received by B and vice versa.
func Pipe() (A, B Direct) {
	a2b := make(chan []byte)
	b2a := make(chan []byte)
	A = Direct{a2b: a2b, b2a: b2a}
	B = Direct{a2b: b2a, b2a: a2b}
	return
}

// Direct is one end of an in-memory transport pair constructed by [Pipe].
type Direct struct {
	a2b chan<- []byte
	b2a <-chan []byte
}

// SendFrame implements a method of the [portal.Transport] interface.
// The frame is copied, so the caller may reuse it.
func (d Direct) SendFrame(frame []byte) (err error) {
	defer safeClose(&err)
	d.a2b <- bytes.Clone(frame)
	return nil
}

// RecvFrame implements a method of the [portal.Transport] interface.
func (d Direct) RecvFrame() ([]byte, error) {
	frame, ok := <-d.b2a
	if !ok {
		return nil, net.ErrClosed
	}
	return frame, nil
}

// Close implements a method of the [portal.Transport] interface.
func (d Direct) Close() (err error) {
	defer safeClose(&err)
	close(d.a2b)
	return nil
}

func safeClose(err *error) {
	if x := recover(); x != nil && *err == nil {
		*err = net.ErrClosed
	}
}

// IO constructs a transport that exchanges fixed-size frames of size bytes,
// receiving from r and sending to wc. Shorter frames are padded with zeroes,
// as a report-based device would do.
func IO(r io.Reader, wc io.WriteCloser, size int) *IOTransport {
	// N.B. The bufio package will reuse existing buffers if possible.
	return &IOTransport{size: size, r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc}
}

// An IOTransport sends and receives fixed-size frames on a reader and a
// writer.
type IOTransport struct {
	size int
	r    *bufio.Reader
	w    *bufio.Writer
	c    io.Closer
}

// SendFrame implements a method of the [portal.Transport] interface.
func (t *IOTransport) SendFrame(frame []byte) error {
	if len(frame) > t.size {
		return fmt.Errorf("frame too long (%d > %d bytes)", len(frame), t.size)
	}
	if _, err := t.w.Write(frame); err != nil {
		return err
	}
	for range t.size - len(frame) {
		if err := t.w.WriteByte(0); err != nil {
			return err
		}
	}
	return t.w.Flush()
}

// RecvFrame implements a method of the [portal.Transport] interface.
func (t *IOTransport) RecvFrame() ([]byte, error) {
	frame := make([]byte, t.size)
	if _, err := io.ReadFull(t.r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// Close implements a method of the [portal.Transport] interface.
func (t *IOTransport) Close() error { return t.c.Close() }
