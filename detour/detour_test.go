// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package detour_test

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/creachadair/mds/mtest"
	"github.com/fireflydesign/portal/detour"
	"github.com/fireflydesign/portal/packet"
	"github.com/google/go-cmp/cmp"
)

func mustEvent(t *testing.T, d *detour.Detour, frame ...byte) {
	t.Helper()
	if err := d.Event(frame); err != nil {
		t.Fatalf("Event %v: unexpected error: %v", frame, err)
	}
}

func TestDetourSingle(t *testing.T) {
	var d detour.Detour
	mustEvent(t, &d, 0, 2, 3, 4)
	if got := d.State(); got != detour.Success {
		t.Errorf("State = %v, want %v", got, detour.Success)
	}
	if diff := cmp.Diff(d.Data(), []byte{3, 4}); diff != "" {
		t.Errorf("Data (-got, +want):\n%s", diff)
	}
}

func TestDetourMultiple(t *testing.T) {
	var d detour.Detour
	mustEvent(t, &d, 0, 2)
	if got := d.State(); got != detour.Intermediate {
		t.Errorf("State = %v, want %v", got, detour.Intermediate)
	}

	// The trailing 0 is transport padding past the end of the message.
	mustEvent(t, &d, 1, 3, 4, 0)
	if got := d.State(); got != detour.Success {
		t.Errorf("State = %v, want %v", got, detour.Success)
	}
	if diff := cmp.Diff(d.Data(), []byte{3, 4}); diff != "" {
		t.Errorf("Data (-got, +want):\n%s", diff)
	}
}

func TestDetourEmpty(t *testing.T) {
	var d detour.Detour
	mustEvent(t, &d, 0, 0, 0xff, 0xff)
	if got := d.State(); got != detour.Success {
		t.Errorf("State = %v, want %v", got, detour.Success)
	}
	if len(d.Data()) != 0 {
		t.Errorf("Data = %v, want empty", d.Data())
	}
}

func TestDetourErrors(t *testing.T) {
	t.Run("OutOfSequence", func(t *testing.T) {
		var d detour.Detour
		err := d.Event([]byte{1, 2, 3, 4})
		var oe *detour.OutOfSequenceError
		if !errors.As(err, &oe) {
			t.Fatalf("Event: got %v, want %T", err, oe)
		}
		if oe.Got != 1 || oe.Want != 0 {
			t.Errorf("Error: got (%d, %d), want (1, 0)", oe.Got, oe.Want)
		}
	})

	t.Run("Skipped", func(t *testing.T) {
		var d detour.Detour
		mustEvent(t, &d, 0, 10, 1, 2)
		var oe *detour.OutOfSequenceError
		if err := d.Event([]byte{2, 3}); !errors.As(err, &oe) {
			t.Fatalf("Event: got %v, want %T", err, oe)
		} else if oe.Got != 2 || oe.Want != 1 {
			t.Errorf("Error: got (%d, %d), want (2, 1)", oe.Got, oe.Want)
		}
	})

	t.Run("UnexpectedStart", func(t *testing.T) {
		var d detour.Detour
		mustEvent(t, &d, 0, 2)
		if err := d.Event([]byte{0, 2}); !errors.Is(err, detour.ErrUnexpectedStart) {
			t.Errorf("Event: got %v, want %v", err, detour.ErrUnexpectedStart)
		}

		// After clearing, the same frame is accepted.
		d.Clear()
		if got := d.State(); got != detour.Clear {
			t.Errorf("State after Clear = %v, want %v", got, detour.Clear)
		}
		mustEvent(t, &d, 0, 2)
	})

	t.Run("LengthOverflow", func(t *testing.T) {
		var d detour.Detour
		frame := []byte{0, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x01, 0xaa}
		if err := d.Event(frame); !errors.Is(err, packet.ErrInvalidLength) {
			t.Errorf("Event: got %v, want %v", err, packet.ErrInvalidLength)
		}
		if got := d.State(); got != detour.Clear {
			t.Errorf("State = %v, want %v", got, detour.Clear)
		}

		// The rejected frame does not disturb the next message.
		mustEvent(t, &d, 0, 2, 5, 6)
		if got := d.State(); got != detour.Success {
			t.Errorf("State = %v, want %v", got, detour.Success)
		}
		if got := string(d.Data()); got != "\x05\x06" {
			t.Errorf("Data = %q, want %q", got, "\x05\x06")
		}
	})

	t.Run("Truncated", func(t *testing.T) {
		var d detour.Detour
		if err := d.Event(nil); !errors.Is(err, packet.ErrOutOfBounds) {
			t.Errorf("Event(nil): got %v, want %v", err, packet.ErrOutOfBounds)
		}
		if err := d.Event([]byte{0}); !errors.Is(err, packet.ErrOutOfBounds) {
			t.Errorf("Event(0): got %v, want %v", err, packet.ErrOutOfBounds)
		}
	})
}

func TestSourceSingle(t *testing.T) {
	s := detour.NewSource([]byte{0, 1}, 4)
	f, ok := s.Next()
	if !ok {
		t.Fatal("Next: no frame")
	}
	if diff := cmp.Diff(f, []byte{0, 2, 0, 1}); diff != "" {
		t.Errorf("Frame (-got, +want):\n%s", diff)
	}
	if f, ok := s.Next(); ok {
		t.Errorf("Next: got extra frame %v", f)
	}
	if !s.Done() {
		t.Error("Done: got false, want true")
	}
}

func TestSourceMultiple(t *testing.T) {
	s := detour.NewSource([]byte{0, 1, 2}, 4)
	var got [][]byte
	var consumed []int
	for f := range s.All() {
		got = append(got, f)
		consumed = append(consumed, s.Consumed())
	}
	if diff := cmp.Diff(got, [][]byte{{0, 3, 0, 1}, {1, 2}}); diff != "" {
		t.Errorf("Frames (-got, +want):\n%s", diff)
	}
	if diff := cmp.Diff(consumed, []int{2, 3}); diff != "" {
		t.Errorf("Consumed (-got, +want):\n%s", diff)
	}

	// The source is not restartable.
	if f, ok := s.Next(); ok {
		t.Errorf("Next after All: got %v", f)
	}
}

func TestSourcePanics(t *testing.T) {
	mtest.MustPanic(t, func() { detour.NewSource(nil, 1) })
}

func TestRoundTrip(t *testing.T) {
	msg := bytes.Repeat([]byte("0123456789abcdef"), 700) // more than 127 frames at size 64
	for _, size := range []int{2, 3, 7, 64, 65, 1 << 16} {
		t.Run(fmt.Sprint(size), func(t *testing.T) {
			var d detour.Detour
			var nframes int
			var concat []byte
			for f := range detour.NewSource(msg, size).All() {
				nframes++
				if d.State() == detour.Success {
					t.Fatalf("Frame %d after success", nframes)
				}
				if err := d.Event(f); err != nil {
					t.Fatalf("Event %d: unexpected error: %v", nframes, err)
				}
				s := packet.NewScanner(f)
				if _, err := s.Varuint(); err != nil {
					t.Fatalf("Frame %d sequence: %v", nframes, err)
				}
				concat = append(concat, s.Rest()...)
			}
			if got := d.State(); got != detour.Success {
				t.Fatalf("State = %v, want %v", got, detour.Success)
			}
			if !bytes.Equal(d.Data(), msg) {
				t.Errorf("Reassembled %d bytes, want %d", len(d.Data()), len(msg))
			}

			// The frame payloads concatenate to the length-prefixed message.
			var want packet.Builder
			want.Blob(msg)
			if !bytes.Equal(concat, want.Bytes()) {
				t.Errorf("Payloads: got %d bytes, want %d", len(concat), want.Len())
			}
			t.Logf("Size %d: %d frames", size, nframes)
		})
	}
}
