// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package instrument_test

import (
	"bytes"
	"context"
	"crypto/sha1"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/creachadair/mds/mtest"
	"github.com/fireflydesign/portal"
	"github.com/fireflydesign/portal/instrument"
	"github.com/fireflydesign/portal/packet"
	"github.com/fireflydesign/portal/sim"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

// bench records the commands received by the emulated analog instruments.
type bench struct {
	μ    sync.Mutex
	log  []string
	args map[string][]float32
}

func (b *bench) record(name string, content []byte) {
	b.μ.Lock()
	defer b.μ.Unlock()
	b.log = append(b.log, name)
	s := packet.NewScanner(content)
	var vs []float32
	for s.Len() >= 4 {
		v, _ := s.Float32()
		vs = append(vs, v)
	}
	if s.Len() != 0 {
		vs = append(vs, float32(content[len(content)-1]))
	}
	b.args[name] = vs
}

func (b *bench) get() ([]string, map[string][]float32) {
	b.μ.Lock()
	defer b.μ.Unlock()
	return append([]string(nil), b.log...), b.args
}

func (b *bench) handler(name string, reply ...float32) sim.Handler {
	return func(_ context.Context, req *sim.Request) ([]byte, error) {
		b.record(name, req.Content)
		if reply == nil {
			return nil, nil
		}
		var out packet.Builder
		for _, v := range reply {
			out.Float32(v)
		}
		return out.Bytes(), nil
	}
}

type fixture struct {
	*sim.Local
	Bench *bench
	Flash *sim.Flash
	RAM   *sim.RAM
	Reg   *instrument.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := &bench{args: make(map[string][]float32)}
	flash := sim.NewFlash(8192)
	ram := sim.NewRAM(0x20000000, 4096)

	d := sim.New(nil).
		Add("Battery", 1).
		Handle(1, 0, b.handler("battery.reset")).
		Handle(1, 1, b.handler("battery.convert", 0.25)).
		Handle(1, 2, b.handler("battery.voltage")).
		Handle(1, 3, b.handler("battery.enabled")).
		Add("Color", 2).
		Handle(2, 1, b.handler("color.convert", 100, 10, 20, 30)).
		Add("Current", 3).
		Handle(3, 1, b.handler("current.convert", 0.5)).
		Add("Voltage", 4).
		Handle(4, 1, b.handler("voltage.convert", 3.3)).
		Add("Relay", 5).
		Handle(5, 1, b.handler("relay.set")).
		Add("Indicator", 6).
		Handle(6, 1, b.handler("indicator.rgb")).
		Add("Widget", 7).
		AddStorage(8, flash)
	d.AddSerialWire(9, ram)

	loc := sim.NewLocal(portal.NewManager(nil), d)
	reg, err := instrument.Discover(t.Context(), loc.M)
	if err != nil {
		loc.Stop()
		t.Fatalf("Discover: unexpected error: %v", err)
	}
	return &fixture{Local: loc, Bench: b, Flash: flash, RAM: ram, Reg: reg}
}

func (f *fixture) stop(t *testing.T) {
	t.Helper()
	if err := f.Stop(); err != nil {
		t.Errorf("Stop: unexpected error: %v", err)
	}
}

func mustGet[T instrument.Instrument](t *testing.T, reg *instrument.Registry, name string) T {
	t.Helper()
	v, err := instrument.Get[T](reg, name)
	if err != nil {
		t.Fatalf("Get %q: unexpected error: %v", name, err)
	}
	return v
}

func TestRegistry(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t)
	defer f.stop(t)

	want := []string{"Battery1", "Color1", "Current1", "Voltage1", "Relay1", "Indicator1", "Storage1", "SerialWire1"}
	if diff := cmp.Diff(want, f.Reg.Names()); diff != "" {
		t.Errorf("Names (-want, +got):\n%s", diff)
	}
	if f.Reg.Len() != len(want) {
		t.Errorf("Len: got %d, want %d", f.Reg.Len(), len(want))
	}
	for _, name := range want {
		in, ok := f.Reg.Lookup(name)
		if !ok {
			t.Errorf("Lookup %q: not found", name)
			continue
		}
		if got := in.Category().String() + "1"; got != name {
			t.Errorf("Lookup %q: category %v", name, in.Category())
		}
	}

	var nfe *instrument.NotFoundError
	if _, err := instrument.Get[*instrument.Relay](f.Reg, "Widget1"); !errors.As(err, &nfe) {
		t.Errorf("Get Widget1: got %v, want %T", err, nfe)
	}
	if _, err := instrument.Get[*instrument.Relay](f.Reg, "Battery1"); !errors.Is(err, instrument.ErrWrongCategory) {
		t.Errorf("Get Battery1 as relay: got %v, want %v", err, instrument.ErrWrongCategory)
	}
	if got := instrument.All[*instrument.Relay](f.Reg); len(got) != 1 || got[0].ID() != 5 {
		t.Errorf("All relays: got %v, want one with ID 5", got)
	}

	if err := f.Reg.Reset(t.Context()); err != nil {
		t.Fatalf("Reset: unexpected error: %v", err)
	}
	if err := f.M.Echo(t.Context(), []byte("sync")); err != nil {
		t.Fatalf("Echo: unexpected error: %v", err)
	}
	if got := f.D.Resets(); got != 1 {
		t.Errorf("Resets: got %d, want 1", got)
	}
	if log, _ := f.Bench.get(); !cmp.Equal(log, []string{"battery.reset"}) {
		t.Errorf("Log: got %q, want battery.reset", log)
	}
}

func TestAnalog(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t)
	defer f.stop(t)
	ctx := t.Context()

	bat := mustGet[*instrument.Battery](t, f.Reg, "Battery1")
	if err := bat.SetVoltage(ctx, 3.7); err != nil {
		t.Errorf("SetVoltage: unexpected error: %v", err)
	}
	if err := bat.SetEnabled(ctx, true); err != nil {
		t.Errorf("SetEnabled: unexpected error: %v", err)
	}
	if got, err := bat.Convert(ctx); err != nil || got != 0.25 {
		t.Errorf("Battery Convert: got (%v, %v), want 0.25", got, err)
	}
	if err := bat.Reset(ctx); err != nil {
		t.Errorf("Reset: unexpected error: %v", err)
	}

	cur := mustGet[*instrument.Current](t, f.Reg, "Current1")
	if got, err := cur.Convert(ctx); err != nil || got != 0.5 {
		t.Errorf("Current Convert: got (%v, %v), want 0.5", got, err)
	}
	vol := mustGet[*instrument.Voltage](t, f.Reg, "Voltage1")
	if got, err := vol.Convert(ctx); err != nil || got != 3.3 {
		t.Errorf("Voltage Convert: got (%v, %v), want 3.3", got, err)
	}

	rel := mustGet[*instrument.Relay](t, f.Reg, "Relay1")
	if err := rel.Set(ctx, true); err != nil {
		t.Errorf("Relay Set: unexpected error: %v", err)
	}
	ind := mustGet[*instrument.Indicator](t, f.Reg, "Indicator1")
	if err := ind.SetRGB(ctx, 1, 0.5, 0); err != nil {
		t.Errorf("SetRGB: unexpected error: %v", err)
	}

	// Round trip so the device has processed all the commands.
	if err := f.M.Echo(ctx, []byte("sync")); err != nil {
		t.Fatalf("Echo: unexpected error: %v", err)
	}
	log, args := f.Bench.get()
	if diff := cmp.Diff([]string{
		"battery.voltage", "battery.enabled", "battery.convert", "battery.reset",
		"current.convert", "voltage.convert", "relay.set", "indicator.rgb",
	}, log); diff != "" {
		t.Errorf("Commands (-want, +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string][]float32{
		"battery.voltage": {3.7},
		"battery.enabled": {1},
		"battery.convert": nil,
		"battery.reset":   nil,
		"current.convert": nil,
		"voltage.convert": nil,
		"relay.set":       {1},
		"indicator.rgb":   {1, 0.5, 0},
	}, args); diff != "" {
		t.Errorf("Arguments (-want, +got):\n%s", diff)
	}
}

func TestColor(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t)
	defer f.stop(t)

	col := mustGet[*instrument.Color](t, f.Reg, "Color1")
	got, err := col.Convert(t.Context(), instrument.DefaultIntegrationTime, instrument.DefaultGain)
	if err != nil {
		t.Fatalf("Convert: unexpected error: %v", err)
	}
	if diff := cmp.Diff(instrument.Conversion{C: 100, R: 10, G: 20, B: 30}, got); diff != "" {
		t.Errorf("Conversion (-want, +got):\n%s", diff)
	}
	if _, args := f.Bench.get(); !cmp.Equal(args["color.convert"], []float32{0.6144, 1}) {
		t.Errorf("Arguments: got %v, want [0.6144 1]", args["color.convert"])
	}
}

func near(a, b float32) bool { return math.Abs(float64(a-b)) < 1e-3 }

func TestConversion(t *testing.T) {
	c := instrument.Conversion{C: 100, R: 10, G: 20, B: 30}
	if x := c.X(); !near(x, -0.14282*10+1.54924*20-0.95641*30) {
		t.Errorf("X: got %v", x)
	}
	if c.Illuminance() != c.Y() {
		t.Errorf("Illuminance: got %v, want %v", c.Illuminance(), c.Y())
	}

	tests := []struct {
		c       instrument.Conversion
		h, s, v float32
	}{
		{instrument.Conversion{}, 0, 0, 0},
		{instrument.Conversion{R: 1}, 0, 1, 1},
		{instrument.Conversion{G: 1}, 120, 1, 1},
		{instrument.Conversion{B: 1}, 240, 1, 1},
		{instrument.Conversion{R: 1, B: 1}, 300, 1, 1},
		{instrument.Conversion{R: 2, G: 2, B: 2}, 0, 0, 2},
	}
	for _, tc := range tests {
		h, s, v := tc.c.HSV()
		if !near(h, tc.h) || !near(s, tc.s) || !near(v, tc.v) {
			t.Errorf("HSV %+v: got (%v, %v, %v), want (%v, %v, %v)", tc.c, h, s, v, tc.h, tc.s, tc.v)
		}
	}

	if got := (instrument.Conversion{}).CCT(); got != 0 {
		t.Errorf("CCT of zero: got %v, want 0", got)
	}
	if got := c.CCT(); math.IsNaN(float64(got)) || math.IsInf(float64(got), 0) {
		t.Errorf("CCT: got %v", got)
	}
}

func TestStorage(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t)
	defer f.stop(t)
	ctx := t.Context()

	st := mustGet[*instrument.Storage](t, f.Reg, "Storage1")
	data := make([]byte, 2500) // spans three transfers
	for i := range data {
		data[i] = byte(i * 7)
	}
	if err := st.Erase(ctx, 0, 4096); err != nil {
		t.Fatalf("Erase: unexpected error: %v", err)
	}
	if err := st.Write(ctx, 100, data); err != nil {
		t.Fatalf("Write: unexpected error: %v", err)
	}

	got, err := st.Read(ctx, 100, uint32(len(data)), 0, 0)
	if err != nil {
		t.Fatalf("Read: unexpected error: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("Read: data does not match what was written")
	}
	if n := f.Flash.Writes(); n != 3 {
		t.Errorf("Flash writes: got %d, want 3", n)
	}

	// Gather 3 bytes of every 5. This takes two transfers, the second
	// starting at the run following the last one of the first.
	got, err = st.Read(ctx, 100, 1500, 3, 5)
	if err != nil {
		t.Fatalf("Strided read: unexpected error: %v", err)
	}
	var want []byte
	for off := 0; len(want) < 1500; off += 5 {
		want = append(want, data[off:off+3]...)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Strided read (-want, +got):\n%s", diff)
	}

	if _, err := st.Read(ctx, 0, 4096, 2000, 2048); err == nil {
		t.Error("Read with an oversized sublength: got nil error")
	}

	sum, err := st.Hash(ctx, 100, uint32(len(data)))
	if err != nil {
		t.Fatalf("Hash: unexpected error: %v", err)
	}
	wantSum := sha1.Sum(data)
	if diff := cmp.Diff(wantSum[:], sum); diff != "" {
		t.Errorf("Hash (-want, +got):\n%s", diff)
	}
}

func TestSerialWire(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t)
	defer f.stop(t)
	ctx := t.Context()

	sw := mustGet[*instrument.SerialWire](t, f.Reg, "SerialWire1")
	st := mustGet[*instrument.Storage](t, f.Reg, "Storage1")

	if err := sw.SetEnabled(ctx, true); err != nil {
		t.Fatalf("SetEnabled: unexpected error: %v", err)
	}
	if err := sw.WriteMemory(ctx, 0x20000100, []byte("target")); err != nil {
		t.Fatalf("WriteMemory: unexpected error: %v", err)
	}
	got, err := sw.ReadMemory(ctx, 0x20000100, 6)
	if err != nil {
		t.Fatalf("ReadMemory: unexpected error: %v", err)
	}
	if string(got) != "target" {
		t.Errorf("ReadMemory: got %q, want %q", got, "target")
	}

	var te *instrument.TransferError
	if _, err := sw.ReadMemory(ctx, 0x30000000, 4); !errors.As(err, &te) || te.Code != 1 {
		t.Errorf("ReadMemory out of range: got %v, want transfer error code 1", err)
	}

	// Stage an image in storage and copy it to the target.
	if err := st.Erase(ctx, 0, 4096); err != nil {
		t.Fatalf("Erase: unexpected error: %v", err)
	}
	if err := st.Write(ctx, 64, []byte("firmware image")); err != nil {
		t.Fatalf("Write: unexpected error: %v", err)
	}
	if err := st.Flush(ctx); err != nil {
		t.Fatalf("Flush: unexpected error: %v", err)
	}
	if err := sw.CompareToStorage(ctx, 0x20000200, 14, st.ID(), 64); !errors.As(err, &te) || te.Code != 2 {
		t.Errorf("CompareToStorage before write: got %v, want transfer error code 2", err)
	}
	if err := sw.WriteFromStorage(ctx, 0x20000200, 14, st.ID(), 64); err != nil {
		t.Errorf("WriteFromStorage: unexpected error: %v", err)
	}
	if err := sw.CompareToStorage(ctx, 0x20000200, 14, st.ID(), 64); err != nil {
		t.Errorf("CompareToStorage: unexpected error: %v", err)
	}
	img, _ := f.RAM.ReadMemory(ctx, 0x20000200, 14)
	if string(img) != "firmware image" {
		t.Errorf("Target memory: got %q", img)
	}

	// Shifted data loops back in the emulation.
	sw.SetReset(true)
	sw.TurnToWrite()
	sw.ShiftOutData([]byte{0xde, 0xad})
	sw.ShiftOutBits(0x03, 2)
	sw.TurnToRead()
	sw.ShiftInData(2)
	sw.ShiftInBits(2)
	data, err := sw.ReadData(ctx, 3)
	if err != nil {
		t.Fatalf("ReadData: unexpected error: %v", err)
	}
	if diff := cmp.Diff([]byte{0xde, 0xad, 0x03}, data); diff != "" {
		t.Errorf("ReadData (-want, +got):\n%s", diff)
	}
	if rest, err := sw.ReadAvailable(ctx); err != nil || len(rest) != 0 {
		t.Errorf("ReadAvailable: got (%v, %v), want empty", rest, err)
	}
	if on, err := sw.GetReset(ctx); err != nil || on {
		t.Errorf("GetReset: got (%v, %v), want false", on, err)
	}

	mtest.MustPanic(t, func() { sw.ShiftOutBits(0, 9) })
	mtest.MustPanic(t, func() { sw.ShiftOutData(nil) })
	mtest.MustPanic(t, func() { sw.ShiftInData(0) })
}
