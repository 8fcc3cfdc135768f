package sim

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/fireflydesign/portal/packet"
)

// Message types of the serial wire instrument.
const (
	swdReset            = 0
	swdSetOutputs       = 1
	swdGetInputs        = 2
	swdShiftOutBits     = 3
	swdShiftOutData     = 4
	swdShiftInBits      = 5
	swdShiftInData      = 6
	swdFlush            = 7
	swdData             = 8
	swdSetEnabled       = 9
	swdWriteMemory      = 10
	swdReadMemory       = 11
	swdWriteFromStorage = 12
	swdCompareToStorage = 13
)

// Result codes of memory transfers.
const (
	codeOK       = 0
	codeFault    = 1
	codeMismatch = 2
)

// RAM is the emulated memory of a target microcontroller, occupying the
// address range [Base, Base+size). A RAM is safe for concurrent use.
type RAM struct {
	Base uint32

	μ   sync.Mutex
	mem []byte
}

// NewRAM constructs a zeroed RAM of size bytes starting at base.
func NewRAM(base uint32, size int) *RAM { return &RAM{Base: base, mem: make([]byte, size)} }

func (r *RAM) rangeLocked(addr, length uint32) ([]byte, error) {
	lo := uint64(addr) - uint64(r.Base)
	if addr < r.Base || lo+uint64(length) > uint64(len(r.mem)) {
		return nil, fmt.Errorf("memory range %#x+%#x out of bounds", addr, length)
	}
	return r.mem[lo : lo+uint64(length)], nil
}

// ReadMemory returns a copy of length bytes starting at addr.
func (r *RAM) ReadMemory(_ context.Context, addr, length uint32) ([]byte, error) {
	r.μ.Lock()
	defer r.μ.Unlock()
	m, err := r.rangeLocked(addr, length)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(m), nil
}

// WriteMemory copies data into memory starting at addr.
func (r *RAM) WriteMemory(_ context.Context, addr uint32, data []byte) error {
	r.μ.Lock()
	defer r.μ.Unlock()
	m, err := r.rangeLocked(addr, uint32(len(data)))
	if err != nil {
		return err
	}
	copy(m, data)
	return nil
}

// SerialWireState records the pin state of an emulated serial wire
// instrument.
type SerialWireState struct {
	Enabled bool
	Outputs byte // bit 0 indicator, bit 1 reset, bit 2 direction
	Inputs  byte
}

// serialWire is the state of an emulated serial wire instrument. The wire is
// looped back, so bits shifted out are shifted in again.
type serialWire struct {
	d     *Device
	id    uint64
	ram   *RAM
	μ     sync.Mutex
	state SerialWireState
	wire  []byte // shifted out, not yet shifted in
	input []byte // shifted in, not yet flushed
}

// AddSerialWire adds a serial wire instrument on the given channel, whose
// target memory is ram. It returns a function that reports the current pin
// state of the instrument.
func (d *Device) AddSerialWire(id uint64, ram *RAM) func() SerialWireState {
	sw := &serialWire{d: d, id: id, ram: ram}
	d.Add("SerialWire", id)
	for typ, h := range map[uint64]Handler{
		swdReset:            sw.reset,
		swdSetOutputs:       sw.setOutputs,
		swdGetInputs:        sw.getInputs,
		swdShiftOutBits:     sw.shiftOutBits,
		swdShiftOutData:     sw.shiftOutData,
		swdShiftInBits:      sw.shiftInBits,
		swdShiftInData:      sw.shiftInData,
		swdFlush:            sw.flush,
		swdSetEnabled:       sw.setEnabled,
		swdWriteMemory:      sw.writeMemory,
		swdReadMemory:       sw.readMemory,
		swdWriteFromStorage: sw.transferStorage,
		swdCompareToStorage: sw.transferStorage,
	} {
		d.Handle(id, typ, h)
	}
	return func() SerialWireState {
		sw.μ.Lock()
		defer sw.μ.Unlock()
		return sw.state
	}
}

func (sw *serialWire) reset(context.Context, *Request) ([]byte, error) {
	sw.μ.Lock()
	defer sw.μ.Unlock()
	sw.state = SerialWireState{}
	sw.wire, sw.input = nil, nil
	return nil, nil
}

func (sw *serialWire) setOutputs(_ context.Context, req *Request) ([]byte, error) {
	s := packet.NewScanner(req.Content)
	bits, err := s.Byte()
	if err != nil {
		return nil, err
	}
	values, err := s.Byte()
	if err != nil {
		return nil, err
	}
	sw.μ.Lock()
	defer sw.μ.Unlock()
	sw.state.Outputs = sw.state.Outputs&^bits | values&bits
	return nil, nil
}

func (sw *serialWire) getInputs(_ context.Context, req *Request) ([]byte, error) {
	bits, err := packet.NewScanner(req.Content).Byte()
	if err != nil {
		return nil, err
	}
	sw.μ.Lock()
	defer sw.μ.Unlock()
	if sw.state.Inputs&bits != 0 {
		return []byte{1}, nil
	}
	return []byte{0}, nil
}

func (sw *serialWire) setEnabled(_ context.Context, req *Request) ([]byte, error) {
	on, err := packet.NewScanner(req.Content).Bool()
	if err != nil {
		return nil, err
	}
	sw.μ.Lock()
	defer sw.μ.Unlock()
	sw.state.Enabled = on
	return nil, nil
}

func (sw *serialWire) shiftOutBits(_ context.Context, req *Request) ([]byte, error) {
	s := packet.NewScanner(req.Content)
	nbits, err := s.Byte()
	if err != nil {
		return nil, err
	}
	v, err := s.Byte()
	if err != nil {
		return nil, err
	}
	sw.μ.Lock()
	defer sw.μ.Unlock()
	sw.wire = append(sw.wire, v&byte(1<<(nbits+1)-1))
	return nil, nil
}

func (sw *serialWire) shiftOutData(_ context.Context, req *Request) ([]byte, error) {
	s := packet.NewScanner(req.Content)
	n, err := s.Varuint()
	if err != nil {
		return nil, err
	}
	data, err := packet.Get[[]byte](s, int(n)+1)
	if err != nil {
		return nil, err
	}
	sw.μ.Lock()
	defer sw.μ.Unlock()
	sw.wire = append(sw.wire, data...)
	return nil, nil
}

// shiftInLocked moves n bytes from the wire to the input, padding with zeroes.
func (sw *serialWire) shiftInLocked(n int) {
	m := min(n, len(sw.wire))
	sw.input = append(sw.input, sw.wire[:m]...)
	sw.wire = sw.wire[m:]
	sw.input = append(sw.input, make([]byte, n-m)...)
}

func (sw *serialWire) shiftInBits(_ context.Context, req *Request) ([]byte, error) {
	if _, err := packet.NewScanner(req.Content).Byte(); err != nil {
		return nil, err
	}
	sw.μ.Lock()
	defer sw.μ.Unlock()
	sw.shiftInLocked(1)
	return nil, nil
}

func (sw *serialWire) shiftInData(_ context.Context, req *Request) ([]byte, error) {
	n, err := packet.NewScanner(req.Content).Varuint()
	if err != nil {
		return nil, err
	}
	sw.μ.Lock()
	defer sw.μ.Unlock()
	sw.shiftInLocked(int(n) + 1)
	return nil, nil
}

// flush sends the accumulated input to the host as a data message.
func (sw *serialWire) flush(context.Context, *Request) ([]byte, error) {
	sw.μ.Lock()
	data := sw.input
	sw.input = nil
	sw.μ.Unlock()
	if len(data) == 0 {
		return nil, nil
	}
	return nil, sw.d.Send(sw.id, swdData, data)
}

func (sw *serialWire) writeMemory(ctx context.Context, req *Request) ([]byte, error) {
	s := packet.NewScanner(req.Content)
	addr, length, err := scanAddrLen(s)
	if err != nil {
		return nil, err
	}
	data, err := packet.Get[[]byte](s, int(length))
	if err != nil {
		return nil, err
	}
	if err := sw.ram.WriteMemory(ctx, addr, data); err != nil {
		return resultCode(codeFault), nil
	}
	return resultCode(codeOK), nil
}

func (sw *serialWire) readMemory(ctx context.Context, req *Request) ([]byte, error) {
	addr, length, err := scanAddrLen(packet.NewScanner(req.Content))
	if err != nil {
		return nil, err
	}
	data, err := sw.ram.ReadMemory(ctx, addr, length)
	if err != nil {
		return resultCode(codeFault), nil
	}
	return append(resultCode(codeOK), data...), nil
}

// transferStorage handles both writing target memory from a storage
// instrument, and comparing target memory to it.
func (sw *serialWire) transferStorage(ctx context.Context, req *Request) ([]byte, error) {
	s := packet.NewScanner(req.Content)
	addr, length, err := scanAddrLen(s)
	if err != nil {
		return nil, err
	}
	sid, err := s.Varuint()
	if err != nil {
		return nil, err
	}
	saddr, err := s.Varuint()
	if err != nil {
		return nil, err
	}
	flash := sw.d.storage(sid)
	if flash == nil {
		return resultCode(codeFault), nil
	}
	data, err := flash.Read(ctx, uint32(saddr), length, 0, 0)
	if err != nil {
		return resultCode(codeFault), nil
	}
	if req.Type == swdWriteFromStorage {
		if err := sw.ram.WriteMemory(ctx, addr, data); err != nil {
			return resultCode(codeFault), nil
		}
		return resultCode(codeOK), nil
	}
	cur, err := sw.ram.ReadMemory(ctx, addr, length)
	if err != nil {
		return resultCode(codeFault), nil
	} else if !bytes.Equal(cur, data) {
		return resultCode(codeMismatch), nil
	}
	return resultCode(codeOK), nil
}

func resultCode(code uint64) []byte {
	var b packet.Builder
	b.Varuint(code)
	return b.Bytes()
}
