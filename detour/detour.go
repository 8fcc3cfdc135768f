// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package detour implements the fragmentation of messages into bounded-size
// frames, and their reassembly.
//
// Each frame begins with a varuint sequence number. The frames of one message
// are numbered 0, 1, 2, ... in order, and frame 0 additionally carries the
// total length of the message as a varuint before the first message bytes:
//
//	frame[0] := varuint 0, varuint totalLength, bytes...
//	frame[i] := varuint i, bytes...
package detour

import (
	"errors"
	"fmt"
	"iter"
	"math"

	"github.com/fireflydesign/portal/packet"
)

// ErrUnexpectedStart is reported when frame 0 of a new message arrives while
// a previous message is only partly reassembled.
var ErrUnexpectedStart = errors.New("detour: unexpected start of message")

// OutOfSequenceError is reported for a continuation frame whose sequence
// number is not the one expected next.
type OutOfSequenceError struct {
	Got, Want uint64
}

func (e *OutOfSequenceError) Error() string {
	return fmt.Sprintf("detour: frame %d out of sequence (want %d)", e.Got, e.Want)
}

// State is the reassembly state of a [Detour].
type State int

const (
	Clear        State = iota // no message in progress
	Intermediate              // some frames received, more are expected
	Success                   // the message is complete
)

var stateStr = [...]string{Clear: "Clear", Intermediate: "Intermediate", Success: "Success"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateStr) {
		return stateStr[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// A Detour reassembles a single message from a sequence of frames.
// The zero value is ready for use in the [Clear] state.
//
// Once a message reaches [Success], the caller must call Clear before the
// Detour can accept the frames of another message. A Detour is not safe for
// concurrent use.
type Detour struct {
	state  State
	length int    // total message length, from frame 0
	seq    uint64 // next expected sequence number
	buf    []byte
}

// State reports the current reassembly state of d.
func (d *Detour) State() State { return d.state }

// Data returns the reassembled message. Its contents are only meaningful when
// the state is [Success], and remain valid only until the next call to Clear
// or Event.
func (d *Detour) Data() []byte { return d.buf }

// Clear discards any message in progress and returns d to the [Clear] state.
func (d *Detour) Clear() {
	d.state = Clear
	d.length = 0
	d.seq = 0
	d.buf = d.buf[:0]
}

// Event adds the contents of a received frame to the message. Bytes delivered
// past the declared total length of the message are discarded, since the
// transport may pad the final frame.
func (d *Detour) Event(frame []byte) error {
	s := packet.NewScanner(frame)
	seq, err := s.Varuint()
	if err != nil {
		return fmt.Errorf("frame sequence: %w", err)
	}
	if seq == 0 {
		if d.seq != 0 {
			return ErrUnexpectedStart
		}
		n, err := s.Varuint()
		if err != nil {
			return fmt.Errorf("message length: %w", err)
		} else if n > math.MaxInt {
			return fmt.Errorf("message length %d: %w", n, packet.ErrInvalidLength)
		}
		d.state = Intermediate
		d.length = int(n)
		d.buf = d.buf[:0]
	} else if seq != d.seq {
		return &OutOfSequenceError{Got: seq, Want: d.seq}
	}
	d.append(s.Rest())
	return nil
}

func (d *Detour) append(data []byte) {
	if need := d.length - len(d.buf); len(data) > need {
		data = data[:need]
	}
	d.buf = append(d.buf, data...)
	if len(d.buf) >= d.length {
		d.state = Success
	} else {
		d.seq++
	}
}

// A Source splits a message into frames. A Source is not restartable; to send
// the same data again, construct a new one.
type Source struct {
	size   int
	prefix int    // length of the total-length prefix in data
	data   []byte // the prefixed message
	pos    int    // offset of the next unsent byte of data
	seq    uint64
}

// NewSource constructs a Source that splits data into frames carrying at most
// size-1 bytes each after the sequence number. It will panic if size < 2.
func NewSource(data []byte, size int) *Source {
	if size < 2 {
		panic(fmt.Sprintf("detour: invalid frame size %d", size))
	}
	var b packet.Builder
	b.Grow(packet.VLen(len(data)))
	b.Varuint(uint64(len(data)))
	prefix := b.Len()
	b.Put(data...)
	return &Source{size: size, prefix: prefix, data: b.Bytes()}
}

// Next returns the next frame of the message, or nil, false when all frames
// have been produced. The caller owns the returned slice.
func (s *Source) Next() ([]byte, bool) {
	if s.pos >= len(s.data) {
		return nil, false
	}
	n := min(len(s.data)-s.pos, s.size-1)
	var b packet.Builder
	b.Grow(packet.VaruintLen(s.seq) + n)
	b.Varuint(s.seq)
	b.Put(s.data[s.pos : s.pos+n]...)
	s.pos += n
	s.seq++
	return b.Bytes(), true
}

// All returns an iterator over the remaining frames of s.
func (s *Source) All() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for {
			f, ok := s.Next()
			if !ok || !yield(f) {
				return
			}
		}
	}
}

// Consumed reports how many bytes of the original message have been included
// in the frames produced so far.
func (s *Source) Consumed() int { return max(0, s.pos-s.prefix) }

// Done reports whether all frames have been produced.
func (s *Source) Done() bool { return s.pos >= len(s.data) }
