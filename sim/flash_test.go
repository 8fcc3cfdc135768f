package sim_test

import (
	"context"
	"crypto/sha1"
	"testing"

	"github.com/fireflydesign/portal/sim"
	"github.com/google/go-cmp/cmp"
)

func TestFlash(t *testing.T) {
	ctx := context.Background()
	f := sim.NewFlash(64)
	if f.Size() != 64 {
		t.Errorf("Size: got %d, want 64", f.Size())
	}

	mustRead := func(addr, length, sublength, substride uint32) []byte {
		t.Helper()
		data, err := f.Read(ctx, addr, length, sublength, substride)
		if err != nil {
			t.Fatalf("Read(%d, %d, %d, %d): unexpected error: %v", addr, length, sublength, substride, err)
		}
		return data
	}

	if diff := cmp.Diff([]byte{0xff, 0xff, 0xff}, mustRead(0, 3, 0, 0)); diff != "" {
		t.Errorf("Erased (-want, +got):\n%s", diff)
	}

	// Writes can only clear bits.
	if err := f.Write(ctx, 4, []byte{0x0f, 0xf0}); err != nil {
		t.Fatalf("Write: unexpected error: %v", err)
	}
	if err := f.Write(ctx, 4, []byte{0xf3, 0x3f}); err != nil {
		t.Fatalf("Write: unexpected error: %v", err)
	}
	if diff := cmp.Diff([]byte{0x03, 0x30}, mustRead(4, 2, 0, 0)); diff != "" {
		t.Errorf("Written (-want, +got):\n%s", diff)
	}

	if err := f.Erase(ctx, 0, 8); err != nil {
		t.Fatalf("Erase: unexpected error: %v", err)
	}
	if diff := cmp.Diff([]byte{0xff, 0xff}, mustRead(4, 2, 0, 0)); diff != "" {
		t.Errorf("Re-erased (-want, +got):\n%s", diff)
	}
	if f.Writes() != 2 || f.Erases() != 1 {
		t.Errorf("Counts: got %d writes %d erases, want 2, 1", f.Writes(), f.Erases())
	}

	t.Run("Bounds", func(t *testing.T) {
		if err := f.Write(ctx, 63, []byte{1, 2}); err == nil {
			t.Error("Write past the end: got nil error")
		}
		if err := f.Erase(ctx, 60, 5); err == nil {
			t.Error("Erase past the end: got nil error")
		}
		if got, err := f.Read(ctx, 62, 4, 0, 0); err == nil {
			t.Errorf("Read past the end: got %v, want error", got)
		}
		if got, err := f.Hash(ctx, 0, 65); err == nil {
			t.Errorf("Hash past the end: got %v, want error", got)
		}
	})

	t.Run("Hash", func(t *testing.T) {
		f.Poke(16, []byte("hello"))
		got, err := f.Hash(ctx, 16, 5)
		if err != nil {
			t.Fatalf("Hash: unexpected error: %v", err)
		}
		want := sha1.Sum([]byte("hello"))
		if diff := cmp.Diff(want[:], got); diff != "" {
			t.Errorf("Hash (-want, +got):\n%s", diff)
		}
	})
}

func TestFlashStrided(t *testing.T) {
	ctx := context.Background()
	f := sim.NewFlash(32)
	for i := range 32 {
		f.Poke(uint32(i), []byte{byte(i)})
	}

	tests := []struct {
		addr, length, sublength, substride uint32
		want                               []byte
	}{
		{0, 4, 0, 0, []byte{0, 1, 2, 3}},
		{2, 6, 2, 4, []byte{2, 3, 6, 7, 10, 11}},
		{1, 5, 2, 8, []byte{1, 2, 9, 10, 17}},
		{0, 3, 1, 10, []byte{0, 10, 20}},
		{8, 4, 8, 16, []byte{8, 9, 10, 11}},
		{5, 0, 0, 0, []byte{}},
	}
	for _, tc := range tests {
		got, err := f.Read(ctx, tc.addr, tc.length, tc.sublength, tc.substride)
		if err != nil {
			t.Errorf("Read(%d, %d, %d, %d): unexpected error: %v", tc.addr, tc.length, tc.sublength, tc.substride, err)
			continue
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("Read(%d, %d, %d, %d) (-want, +got):\n%s", tc.addr, tc.length, tc.sublength, tc.substride, diff)
		}
	}

	if got, err := f.Read(ctx, 0, 4, 1, 16); err == nil {
		t.Errorf("Strided read past the end: got %v, want error", got)
	}
}
