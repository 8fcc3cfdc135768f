package sim

import (
	"context"
	"crypto/sha1"
	"fmt"
	"sync"
)

// Flash is an emulated NOR flash device. Erasing sets bytes to 0xff, and
// writing can only clear bits, so a region must be erased before it is
// rewritten. A Flash is safe for concurrent use.
type Flash struct {
	μ      sync.Mutex
	mem    []byte
	writes int
	erases int
}

// NewFlash constructs an erased flash device of the given size in bytes.
func NewFlash(size int) *Flash {
	mem := make([]byte, size)
	for i := range mem {
		mem[i] = 0xff
	}
	return &Flash{mem: mem}
}

// Size reports the capacity of f in bytes.
func (f *Flash) Size() int { return len(f.mem) }

func (f *Flash) checkLocked(addr, length uint32) error {
	if end := uint64(addr) + uint64(length); end > uint64(len(f.mem)) {
		return fmt.Errorf("address range %#x..%#x exceeds flash size %#x", addr, end, len(f.mem))
	}
	return nil
}

// Erase resets length bytes starting at addr to 0xff.
func (f *Flash) Erase(_ context.Context, addr, length uint32) error {
	f.μ.Lock()
	defer f.μ.Unlock()
	if err := f.checkLocked(addr, length); err != nil {
		return err
	}
	for i := range f.mem[addr : addr+length] {
		f.mem[int(addr)+i] = 0xff
	}
	f.erases++
	return nil
}

// Write programs data starting at addr.
func (f *Flash) Write(_ context.Context, addr uint32, data []byte) error {
	f.μ.Lock()
	defer f.μ.Unlock()
	if err := f.checkLocked(addr, uint32(len(data))); err != nil {
		return err
	}
	for i, b := range data {
		f.mem[int(addr)+i] &= b
	}
	f.writes++
	return nil
}

// Read returns length bytes gathered from f starting at addr. If sublength
// is non-zero, the bytes are gathered in runs of sublength, with the start of
// each run substride bytes after the previous one. A zero sublength reads
// contiguously.
func (f *Flash) Read(_ context.Context, addr, length, sublength, substride uint32) ([]byte, error) {
	f.μ.Lock()
	defer f.μ.Unlock()
	return gather(f.mem, addr, length, sublength, substride)
}

// Hash returns the SHA-1 digest of length bytes starting at addr.
func (f *Flash) Hash(_ context.Context, addr, length uint32) ([]byte, error) {
	f.μ.Lock()
	defer f.μ.Unlock()
	if err := f.checkLocked(addr, length); err != nil {
		return nil, err
	}
	h := sha1.Sum(f.mem[addr : addr+length])
	return h[:], nil
}

// Poke overwrites the contents of f at addr with data, without the
// constraints of a flash write, for example to simulate corruption.
func (f *Flash) Poke(addr uint32, data []byte) {
	f.μ.Lock()
	defer f.μ.Unlock()
	copy(f.mem[addr:], data)
}

// Writes reports the number of write operations f has performed.
func (f *Flash) Writes() int {
	f.μ.Lock()
	defer f.μ.Unlock()
	return f.writes
}

// Erases reports the number of erase operations f has performed.
func (f *Flash) Erases() int {
	f.μ.Lock()
	defer f.μ.Unlock()
	return f.erases
}

func gather(mem []byte, addr, length, sublength, substride uint32) ([]byte, error) {
	if sublength == 0 || sublength > length {
		sublength = length
	}
	if substride == 0 {
		substride = sublength
	}
	out := make([]byte, 0, length)
	for index := uint64(addr); uint32(len(out)) < length; index += uint64(substride) {
		n := min(uint64(sublength), uint64(length)-uint64(len(out)))
		if index+n > uint64(len(mem)) {
			return nil, fmt.Errorf("address range %#x..%#x exceeds size %#x", index, index+n, len(mem))
		}
		out = append(out, mem[index:index+n]...)
	}
	return out, nil
}
