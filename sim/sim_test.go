package sim_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/fireflydesign/portal"
	"github.com/fireflydesign/portal/packet"
	"github.com/fireflydesign/portal/sim"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

type errorLog struct {
	μ    sync.Mutex
	errs []error
}

func (e *errorLog) add(err error) {
	e.μ.Lock()
	defer e.μ.Unlock()
	e.errs = append(e.errs, err)
}

func (e *errorLog) get() []error {
	e.μ.Lock()
	defer e.μ.Unlock()
	return append([]error(nil), e.errs...)
}

func mustBind(t *testing.T, m *portal.Manager, name string) *portal.Portal {
	t.Helper()
	if _, err := m.DiscoverInstruments(t.Context()); err != nil {
		t.Fatalf("DiscoverInstruments: unexpected error: %v", err)
	}
	b, ok := m.Lookup(name)
	if !ok {
		t.Fatalf("Lookup %q: not found", name)
	}
	return b.Portal
}

func TestDispatchErrors(t *testing.T) {
	defer leaktest.Check(t)()

	var elog errorLog
	d := sim.New(nil).OnError(elog.add).Add("Relay", 1).
		Handle(1, 1, func(context.Context, *sim.Request) ([]byte, error) {
			return nil, errors.New("relay stuck")
		}).
		Handle(1, 2, func(context.Context, *sim.Request) ([]byte, error) {
			panic("relay on fire")
		})
	loc := sim.NewLocal(portal.NewManager(nil), d)
	defer loc.Stop()

	p := mustBind(t, loc.M, "Relay1")
	p.Send(1, nil) // handler error
	p.Send(2, nil) // handler panic
	p.Send(3, nil) // no handler
	if err := p.Write(t.Context()); err != nil {
		t.Fatalf("Write: unexpected error: %v", err)
	}
	if err := loc.M.Echo(t.Context(), []byte("sync")); err != nil {
		t.Fatalf("Echo: unexpected error: %v", err)
	}

	errs := elog.get()
	if len(errs) != 3 {
		t.Fatalf("Got %d errors, want 3: %v", len(errs), errs)
	}
	for i, err := range errs {
		t.Logf("Error %d: %v", i, err)
	}
	if got, _ := p.ReadAvailable(t.Context()); len(got) != 0 {
		t.Errorf("Unexpected replies: %q", got)
	}
}

func TestStorage(t *testing.T) {
	defer leaktest.Check(t)()

	f := sim.NewFlash(4096)
	loc := sim.NewLocal(portal.NewManager(nil), sim.New(nil).AddStorage(2, f))
	defer loc.Stop()

	p := mustBind(t, loc.M, "Storage1")
	req := func(args ...uint64) []byte {
		var b packet.Builder
		for _, v := range args {
			b.Varuint(v)
		}
		return b.Bytes()
	}

	p.Send(1, req(0, 4096))
	wr := req(100, 6)
	p.Send(2, append(wr, "abcdef"...))
	p.Send(3, req(100, 4, 1, 2))
	got, err := p.Read(t.Context(), 3)
	if err != nil {
		t.Fatalf("Read: unexpected error: %v", err)
	}
	if diff := cmp.Diff([]byte("ace\xff"), got); diff != "" {
		t.Errorf("Read (-want, +got):\n%s", diff)
	}

	p.Send(4, req(100, 6))
	sum, err := p.Read(t.Context(), 4)
	if err != nil {
		t.Fatalf("Hash: unexpected error: %v", err)
	}
	want, _ := f.Hash(t.Context(), 100, 6)
	if diff := cmp.Diff(want, sum); diff != "" {
		t.Errorf("Hash (-want, +got):\n%s", diff)
	}
}

func TestSerialWire(t *testing.T) {
	defer leaktest.Check(t)()

	ram := sim.NewRAM(0x20000000, 256)
	flash := sim.NewFlash(1024)
	flash.Poke(16, []byte("firmware"))

	d := sim.New(nil).AddStorage(1, flash)
	state := d.AddSerialWire(2, ram)
	loc := sim.NewLocal(portal.NewManager(nil), d)
	defer loc.Stop()

	p := mustBind(t, loc.M, "SerialWire1")
	call := func(typ uint64, build func(*packet.Builder)) []byte {
		t.Helper()
		var b packet.Builder
		build(&b)
		p.Send(typ, b.Bytes())
		rsp, err := p.Read(t.Context(), typ)
		if err != nil {
			t.Fatalf("Read type %d: unexpected error: %v", typ, err)
		}
		return rsp
	}

	p.Send(9, []byte{1})    // enable
	p.Send(1, []byte{3, 2}) // reset high, indicator low
	if err := p.Write(t.Context()); err != nil {
		t.Fatalf("Write: unexpected error: %v", err)
	}

	rsp := call(10, func(b *packet.Builder) {
		b.Varuint(0x20000010)
		b.Varuint(3)
		b.Put(7, 8, 9)
	})
	if diff := cmp.Diff([]byte{0}, rsp); diff != "" {
		t.Errorf("WriteMemory (-want, +got):\n%s", diff)
	}
	rsp = call(11, func(b *packet.Builder) {
		b.Varuint(0x20000010)
		b.Varuint(3)
	})
	if diff := cmp.Diff([]byte{0, 7, 8, 9}, rsp); diff != "" {
		t.Errorf("ReadMemory (-want, +got):\n%s", diff)
	}
	rsp = call(11, func(b *packet.Builder) {
		b.Varuint(0x10000000)
		b.Varuint(3)
	})
	if diff := cmp.Diff([]byte{1}, rsp); diff != "" {
		t.Errorf("ReadMemory out of range (-want, +got):\n%s", diff)
	}

	transfer := func(typ uint64) []byte {
		return call(typ, func(b *packet.Builder) {
			b.Varuint(0x20000020)
			b.Varuint(8)
			b.Varuint(1)
			b.Varuint(16)
		})
	}
	if diff := cmp.Diff([]byte{2}, transfer(13)); diff != "" {
		t.Errorf("CompareToStorage before (-want, +got):\n%s", diff)
	}
	if diff := cmp.Diff([]byte{0}, transfer(12)); diff != "" {
		t.Errorf("WriteFromStorage (-want, +got):\n%s", diff)
	}
	if diff := cmp.Diff([]byte{0}, transfer(13)); diff != "" {
		t.Errorf("CompareToStorage after (-want, +got):\n%s", diff)
	}

	// Bits shifted out are looped back in, and flushed as a data message.
	p.Send(4, []byte{1, 0xa5, 0x5a}) // two bytes
	p.Send(6, []byte{1})             // shift in two bytes
	p.Send(7, nil)
	data, err := p.Read(t.Context(), 8)
	if err != nil {
		t.Fatalf("Read data: unexpected error: %v", err)
	}
	if diff := cmp.Diff([]byte{0xa5, 0x5a}, data); diff != "" {
		t.Errorf("Shifted data (-want, +got):\n%s", diff)
	}

	if diff := cmp.Diff(sim.SerialWireState{Enabled: true, Outputs: 2}, state()); diff != "" {
		t.Errorf("State (-want, +got):\n%s", diff)
	}
}
