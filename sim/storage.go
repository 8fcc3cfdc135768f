package sim

import (
	"context"
	"fmt"

	"github.com/fireflydesign/portal/packet"
)

// Message types of the storage instrument.
const (
	storageReset = 0
	storageErase = 1
	storageWrite = 2
	storageRead  = 3
	storageHash  = 4
)

// AddStorage adds a storage instrument on the given channel, backed by f.
// AddStorage returns d to permit chaining.
func (d *Device) AddStorage(id uint64, f *Flash) *Device {
	d.μ.Lock()
	d.flashes[id] = f
	d.μ.Unlock()
	return d.Add("Storage", id).
		Handle(id, storageReset, func(context.Context, *Request) ([]byte, error) { return nil, nil }).
		Handle(id, storageErase, func(ctx context.Context, req *Request) ([]byte, error) {
			s := packet.NewScanner(req.Content)
			addr, length, err := scanAddrLen(s)
			if err != nil {
				return nil, err
			}
			return nil, f.Erase(ctx, addr, length)
		}).
		Handle(id, storageWrite, func(ctx context.Context, req *Request) ([]byte, error) {
			s := packet.NewScanner(req.Content)
			addr, length, err := scanAddrLen(s)
			if err != nil {
				return nil, err
			}
			data, err := packet.Get[[]byte](s, int(length))
			if err != nil {
				return nil, fmt.Errorf("write data: %w", err)
			}
			return nil, f.Write(ctx, addr, data)
		}).
		Handle(id, storageRead, func(ctx context.Context, req *Request) ([]byte, error) {
			s := packet.NewScanner(req.Content)
			addr, length, err := scanAddrLen(s)
			if err != nil {
				return nil, err
			}
			sublength, err := s.Varuint()
			if err != nil {
				return nil, fmt.Errorf("read sublength: %w", err)
			}
			substride, err := s.Varuint()
			if err != nil {
				return nil, fmt.Errorf("read substride: %w", err)
			}
			return f.Read(ctx, addr, length, uint32(sublength), uint32(substride))
		}).
		Handle(id, storageHash, func(ctx context.Context, req *Request) ([]byte, error) {
			s := packet.NewScanner(req.Content)
			addr, length, err := scanAddrLen(s)
			if err != nil {
				return nil, err
			}
			return f.Hash(ctx, addr, length)
		})
}

// scanAddrLen scans the varuint address and length arguments common to most
// memory and storage requests.
func scanAddrLen(s *packet.Scanner) (addr, length uint32, _ error) {
	a, err := s.Varuint()
	if err != nil {
		return 0, 0, fmt.Errorf("address: %w", err)
	}
	n, err := s.Varuint()
	if err != nil {
		return 0, 0, fmt.Errorf("length: %w", err)
	}
	if a > 1<<32-1 || n > 1<<32-1 {
		return 0, 0, fmt.Errorf("address range %#x+%#x: %w", a, n, packet.ErrInvalidRepresentation)
	}
	return uint32(a), uint32(n), nil
}
