// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package instrument

import (
	"context"
	"fmt"

	"github.com/fireflydesign/portal"
	"github.com/fireflydesign/portal/packet"
)

// Message types of the serial wire instrument.
const (
	swdSetOutputs       = 1
	swdGetInputs        = 2
	swdShiftOutBits     = 3
	swdShiftOutData     = 4
	swdShiftInBits      = 5
	swdShiftInData      = 6
	swdFlush            = 7
	swdSetEnabled       = 9
	swdWriteMemory      = 10
	swdReadMemory       = 11
	swdWriteFromStorage = 12
	swdCompareToStorage = 13
)

// Output pins of the serial wire instrument.
const (
	OutputIndicator = 0
	OutputReset     = 1
	OutputDirection = 2
)

// SerialWire is a serial wire debug probe attached to a target
// microcontroller.
//
// The pin and shift operations are only queued; they are transmitted by the
// next Flush, or by any operation that reads a reply. The memory operations
// run a complete transfer on the device and wait for its result.
type SerialWire struct{ conn }

// Category implements part of the [Instrument] interface.
func (*SerialWire) Category() portal.Category { return portal.SerialWire }

// SetEnabled turns the probe on or off.
func (sw *SerialWire) SetEnabled(ctx context.Context, on bool) error {
	var args packet.Builder
	args.Bool(on)
	return sw.send(ctx, swdSetEnabled, args.Bytes())
}

func (sw *SerialWire) setOutput(pin int, on bool) {
	bits := byte(1 << pin)
	var values byte
	if on {
		values = bits
	}
	sw.p.Send(swdSetOutputs, []byte{bits, values})
}

// SetIndicator queues a change to the indicator output.
func (sw *SerialWire) SetIndicator(on bool) { sw.setOutput(OutputIndicator, on) }

// SetReset queues a change to the target reset output.
func (sw *SerialWire) SetReset(on bool) { sw.setOutput(OutputReset, on) }

// TurnToRead queues a change of the data line direction to input.
func (sw *SerialWire) TurnToRead() { sw.setOutput(OutputDirection, false) }

// TurnToWrite queues a change of the data line direction to output.
func (sw *SerialWire) TurnToWrite() { sw.setOutput(OutputDirection, true) }

// GetReset reports the state of the target reset input.
func (sw *SerialWire) GetReset(ctx context.Context) (bool, error) {
	s, err := sw.call(ctx, swdGetInputs, []byte{1 << 0})
	if err != nil {
		return false, err
	}
	return s.Bool()
}

// ShiftOutBits queues the low-order n bits of v to be shifted out, for
// 1 ≤ n ≤ 8. It will panic if n is out of range.
func (sw *SerialWire) ShiftOutBits(v byte, n int) {
	if n < 1 || n > 8 {
		panic(fmt.Sprintf("invalid bit count %d", n))
	}
	sw.p.Send(swdShiftOutBits, []byte{byte(n - 1), v})
}

// ShiftOutData queues data to be shifted out. It will panic if data is empty.
func (sw *SerialWire) ShiftOutData(data []byte) {
	if len(data) == 0 {
		panic("empty shift data")
	}
	var args packet.Builder
	args.Varuint(uint64(len(data) - 1))
	args.Put(data...)
	sw.p.Send(swdShiftOutData, args.Bytes())
}

// ShiftInBits queues n bits to be shifted in, for 1 ≤ n ≤ 8. It will panic if
// n is out of range.
func (sw *SerialWire) ShiftInBits(n int) {
	if n < 1 || n > 8 {
		panic(fmt.Sprintf("invalid bit count %d", n))
	}
	sw.p.Send(swdShiftInBits, []byte{byte(n - 1)})
}

// ShiftInData queues n bytes to be shifted in. It will panic if n < 1.
func (sw *SerialWire) ShiftInData(n int) {
	if n < 1 {
		panic(fmt.Sprintf("invalid byte count %d", n))
	}
	var args packet.Builder
	args.Varuint(uint64(n - 1))
	sw.p.Send(swdShiftInData, args.Bytes())
}

// ReadData asks the device to send the data shifted in so far, and waits for
// n bytes of it.
func (sw *SerialWire) ReadData(ctx context.Context, n int) ([]byte, error) {
	sw.p.Send(swdFlush, nil)
	return sw.p.ReadLength(ctx, n)
}

// ReadAvailable returns whatever shifted-in data has arrived so far, without
// waiting.
func (sw *SerialWire) ReadAvailable(ctx context.Context) ([]byte, error) {
	return sw.p.ReadAvailable(ctx)
}

// transfer runs a memory transfer command and returns the content of the
// reply following the result code.
func (sw *SerialWire) transfer(ctx context.Context, op string, typ uint64, args []byte) ([]byte, error) {
	s, err := sw.call(ctx, typ, args)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	code, err := s.Varuint()
	if err != nil {
		return nil, fmt.Errorf("%s: result code: %w", op, err)
	}
	if code != 0 {
		return nil, &TransferError{Op: op, Code: code, Data: s.Rest()}
	}
	return s.Rest(), nil
}

// WriteMemory writes data to target memory starting at addr.
func (sw *SerialWire) WriteMemory(ctx context.Context, addr uint32, data []byte) error {
	var args packet.Builder
	args.Varuint(uint64(addr))
	args.Varuint(uint64(len(data)))
	args.Put(data...)
	_, err := sw.transfer(ctx, "write memory", swdWriteMemory, args.Bytes())
	return err
}

// ReadMemory reads length bytes of target memory starting at addr.
func (sw *SerialWire) ReadMemory(ctx context.Context, addr, length uint32) ([]byte, error) {
	var args packet.Builder
	args.Varuint(uint64(addr))
	args.Varuint(uint64(length))
	data, err := sw.transfer(ctx, "read memory", swdReadMemory, args.Bytes())
	if err != nil {
		return nil, err
	} else if len(data) != int(length) {
		return nil, &TransferError{Op: "read memory", Data: data}
	}
	return data, nil
}

func storageArgs(addr, length uint32, storage uint64, storageAddr uint32) []byte {
	var args packet.Builder
	args.Varuint(uint64(addr))
	args.Varuint(uint64(length))
	args.Varuint(storage)
	args.Varuint(uint64(storageAddr))
	return args.Bytes()
}

// WriteFromStorage copies length bytes from the storage instrument with the
// given identifier, starting at storageAddr, into target memory at addr.
func (sw *SerialWire) WriteFromStorage(ctx context.Context, addr, length uint32, storage uint64, storageAddr uint32) error {
	_, err := sw.transfer(ctx, "write from storage", swdWriteFromStorage, storageArgs(addr, length, storage, storageAddr))
	return err
}

// CompareToStorage compares length bytes of target memory at addr with the
// storage instrument with the given identifier, starting at storageAddr. A
// difference is reported as a *[TransferError].
func (sw *SerialWire) CompareToStorage(ctx context.Context, addr, length uint32, storage uint64, storageAddr uint32) error {
	_, err := sw.transfer(ctx, "compare to storage", swdCompareToStorage, storageArgs(addr, length, storage, storageAddr))
	return err
}
