// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package instrument

import (
	"context"
	"fmt"

	"github.com/fireflydesign/portal"
	"github.com/fireflydesign/portal/packet"
)

// MaxTransferLength is the largest number of data bytes carried by a single
// storage write or read command.
const MaxTransferLength = 1024

// HashLength is the length in bytes of a storage hash (SHA-1).
const HashLength = 20

// Message types of the storage instrument.
const (
	storageErase = 1
	storageWrite = 2
	storageRead  = 3
	storageHash  = 4
)

// Storage is the external flash memory of the device.
//
// Writes are transmitted as they are issued, so once Write returns the
// commands are ahead of anything sent later on any other portal. Before
// handing a region of storage to another instrument, for example with
// [SerialWire.WriteFromStorage], call Flush to make sure any queued commands
// have been sent.
type Storage struct {
	conn
	maxTransfer int
}

// Category implements part of the [Instrument] interface.
func (*Storage) Category() portal.Category { return portal.Storage }

// Erase erases length bytes of storage starting at addr. The region should
// be aligned to the sector size of the flash.
func (s *Storage) Erase(ctx context.Context, addr, length uint32) error {
	var args packet.Builder
	args.Varuint(uint64(addr))
	args.Varuint(uint64(length))
	return s.send(ctx, storageErase, args.Bytes())
}

// Write programs data into storage starting at addr, in chunks of at most
// [MaxTransferLength] bytes.
func (s *Storage) Write(ctx context.Context, addr uint32, data []byte) error {
	for off := 0; off < len(data); off += s.maxTransfer {
		chunk := data[off:min(len(data), off+s.maxTransfer)]
		var args packet.Builder
		args.Grow(2*packet.MaxVaruintLen + len(chunk))
		args.Varuint(uint64(addr) + uint64(off))
		args.Varuint(uint64(len(chunk)))
		args.Put(chunk...)
		if err := s.send(ctx, storageWrite, args.Bytes()); err != nil {
			return fmt.Errorf("write %#x: %w", addr+uint32(off), err)
		}
	}
	return nil
}

// Read returns length bytes of storage starting at addr.
//
// If sublength is non-zero, the bytes are gathered in runs of sublength,
// the start of each run substride bytes after the start of the previous one.
// This extracts, for example, one column of a table stored in rows. A zero
// sublength reads contiguously. The sublength must not exceed
// [MaxTransferLength].
func (s *Storage) Read(ctx context.Context, addr, length, sublength, substride uint32) ([]byte, error) {
	strided := sublength != 0 && sublength < length
	if strided && int(sublength) > s.maxTransfer {
		return nil, fmt.Errorf("read: sublength %d exceeds transfer limit %d", sublength, s.maxTransfer)
	}
	if substride == 0 {
		substride = sublength
	}

	// A strided transfer must carry whole runs, so that the next transfer
	// starts at the beginning of a run.
	chunk := s.maxTransfer
	if strided {
		chunk -= chunk % int(sublength)
	}

	out := make([]byte, 0, length)
	for off := 0; off < int(length); off += chunk {
		n := min(chunk, int(length)-off)
		start, sub, stride := uint64(addr)+uint64(off), uint64(n), uint64(0)
		if strided {
			start = uint64(addr) + uint64(off/int(sublength))*uint64(substride)
			sub, stride = uint64(sublength), uint64(substride)
		}
		var args packet.Builder
		args.Varuint(start)
		args.Varuint(uint64(n))
		args.Varuint(sub)
		args.Varuint(stride)

		sc, err := s.call(ctx, storageRead, args.Bytes())
		if err != nil {
			return nil, fmt.Errorf("read %#x: %w", start, err)
		}
		data, err := packet.Get[[]byte](sc, n)
		if err != nil {
			return nil, fmt.Errorf("read %#x: short reply: %w", start, err)
		}
		out = append(out, data...)
	}
	return out, nil
}

// Hash returns the SHA-1 digest of length bytes of storage starting at addr,
// as computed by the device.
func (s *Storage) Hash(ctx context.Context, addr, length uint32) ([]byte, error) {
	var args packet.Builder
	args.Varuint(uint64(addr))
	args.Varuint(uint64(length))
	sc, err := s.call(ctx, storageHash, args.Bytes())
	if err != nil {
		return nil, fmt.Errorf("hash %#x: %w", addr, err)
	}
	sum, err := packet.Get[[]byte](sc, HashLength)
	if err != nil {
		return nil, fmt.Errorf("hash %#x: short reply: %w", addr, err)
	}
	return sum, nil
}
