// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package flashfs implements a small file system of named blobs on a flash
// device that is reachable only through erase, write, read, and hash
// primitives, such as the storage instrument of a Firefly device.
//
// The device is divided into fixed-size sectors. Each file occupies a run of
// consecutive sectors: a metadata sector holding a header, followed by the
// sectors holding its content. A header records the name, size, date, and
// SHA-1 hash of the file, so a file whose content was not completely written
// can be found and removed.
//
// # Usage
//
// An FS keeps a map of the sectors of the device in memory. Call Inspect to
// build the map from the device before any other operation:
//
//	fs := flashfs.New(storage, nil)
//	if err := fs.Inspect(ctx); err != nil {
//		log.Fatalf("Inspect: %v", err)
//	}
//
// When there is no room for a new file, Write evicts the least recently
// written files until there is. Ensure writes a file only if the device does
// not already hold the same content under that name.
//
// An FS is not safe for concurrent use without external synchronization.
package flashfs

import (
	"bytes"
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"github.com/fireflydesign/portal/packet"
	"go.uber.org/zap"
)

// Geometry of the flash device of a Firefly instrument.
const (
	DefaultSize               = 1 << 21
	DefaultSectorSize         = 1 << 12
	DefaultMinimumSectorCount = 2

	// PageSize is the size of the region read to decode a header.
	PageSize = 1 << 8

	// HashSize is the size in bytes of a content hash (SHA-1).
	HashSize = sha1.Size

	// headerSize is the size of a header without its name.
	headerSize = len(magic) + 3*4 + HashSize
)

// magic marks the start of a metadata sector.
var magic = [8]byte{0xf0, 'f', 'i', 'r', 'e', 'f', 'l', 'y'}

var (
	// ErrNotEnoughSpace is reported by Write when there is no run of free
	// sectors large enough for the file, even after evicting all others.
	ErrNotEnoughSpace = errors.New("flashfs: not enough space")

	// ErrNotFound is reported when no file has the requested name.
	ErrNotFound = errors.New("flashfs: file not found")

	// ErrCorruptWrite is reported by Ensure when the hash of the content
	// written to the device does not match the data.
	ErrCorruptWrite = errors.New("flashfs: corrupt write")

	// ErrInvalidName is reported for a file name that is empty, is not valid
	// UTF-8, or does not fit in a header.
	ErrInvalidName = errors.New("flashfs: invalid name")

	// ErrNotInspected is reported by operations that need the sector map
	// before Inspect or Scan has built it.
	ErrNotInspected = errors.New("flashfs: not inspected")
)

// Storage is the flash device underlying a file system.
type Storage interface {
	// Erase sets length bytes starting at addr to 0xff.
	Erase(ctx context.Context, addr, length uint32) error

	// Write programs data starting at addr, which must have been erased.
	Write(ctx context.Context, addr uint32, data []byte) error

	// Read returns length bytes starting at addr. If sublength is non-zero,
	// the bytes are gathered in runs of sublength bytes starting substride
	// bytes apart.
	Read(ctx context.Context, addr, length, sublength, substride uint32) ([]byte, error)

	// Hash returns the SHA-1 digest of length bytes starting at addr.
	Hash(ctx context.Context, addr, length uint32) ([]byte, error)
}

// Options are settings for an [FS]. A nil *Options is ready for use and
// provides default values as described.
type Options struct {
	// The size of the device in bytes. If ≤ 0, use DefaultSize.
	Size int

	// The size of a sector in bytes. If ≤ 0, use DefaultSectorSize.
	SectorSize int

	// The fewest sectors a file may occupy, including its metadata sector.
	// Larger values reduce fragmentation. If ≤ 0, use DefaultMinimumSectorCount.
	MinimumSectorCount int

	// Where to log corruption found and repaired. If nil, use a no-op logger.
	Logger *zap.Logger
}

func (o *Options) size() int {
	if o == nil || o.Size <= 0 {
		return DefaultSize
	}
	return o.Size
}

func (o *Options) sectorSize() int {
	if o == nil || o.SectorSize <= 0 {
		return DefaultSectorSize
	}
	return o.SectorSize
}

func (o *Options) minimumSectorCount() int {
	if o == nil || o.MinimumSectorCount <= 0 {
		return DefaultMinimumSectorCount
	}
	return o.MinimumSectorCount
}

func (o *Options) logger() *zap.Logger {
	if o == nil || o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// Status is the state of a sector.
type Status int

const (
	Available Status = iota // free for allocation
	Metadata                // the header of a file
	Content                 // the content of a file
)

func (s Status) String() string {
	switch s {
	case Available:
		return "Available"
	case Metadata:
		return "Metadata"
	case Content:
		return "Content"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// An Entry describes a file.
type Entry struct {
	Name        string
	SectorCount int       // sectors occupied, including the metadata sector
	Length      int       // content length in bytes
	Date        time.Time // when the file was written, to the second
	Hash        [HashSize]byte
	Address     uint32 // device address of the content
}

// A Sector is an element of the sector map.
type Sector struct {
	Address uint32
	Status  Status
	Entry   *Entry // for a Metadata sector, the file it describes
}

// FS is a file system on a flash device.
type FS struct {
	st         Storage
	size       int
	sectorSize int
	minSectors int
	log        *zap.Logger

	sectors []Sector // nil until scanned
}

// New constructs a file system on st with the given options. The sector map
// is empty until Inspect or Scan is called.
func New(st Storage, opts *Options) *FS {
	return &FS{
		st:         st,
		size:       opts.size(),
		sectorSize: opts.sectorSize(),
		minSectors: opts.minimumSectorCount(),
		log:        opts.logger(),
	}
}

// Sectors returns a copy of the sector map.
func (f *FS) Sectors() []Sector { return append([]Sector(nil), f.sectors...) }

// Free reports the number of available sectors.
func (f *FS) Free() int {
	var n int
	for _, s := range f.sectors {
		if s.Status == Available {
			n++
		}
	}
	return n
}

func (f *FS) numSectors() int { return f.size / f.sectorSize }

func (f *FS) address(index int) uint32 { return uint32(index * f.sectorSize) }

// Inspect rebuilds the sector map from the device, and then removes any file
// whose content does not match its hash, or whose name duplicates an earlier
// file. Call Inspect before any other operation.
func (f *FS) Inspect(ctx context.Context) error {
	if err := f.Scan(ctx); err != nil {
		return err
	}
	_, err := f.Repair(ctx)
	return err
}

// Scan rebuilds the sector map from the device. A sector whose header is
// damaged is treated as available.
func (f *FS) Scan(ctx context.Context) error {
	n := f.numSectors()

	// Probe the first byte of each sector, to find the candidate headers.
	markers, err := f.st.Read(ctx, 0, uint32(n), 1, uint32(f.sectorSize))
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	} else if len(markers) != n {
		return fmt.Errorf("scan: got %d markers, want %d", len(markers), n)
	}

	sectors := make([]Sector, 0, n)
	for i := 0; i < n; {
		addr := f.address(i)
		if markers[i] == magic[0] {
			page, err := f.st.Read(ctx, addr, PageSize, 0, 0)
			if err != nil {
				return fmt.Errorf("scan sector %d: %w", i, err)
			}
			e, err := f.decodeHeader(page, addr)
			if err == nil && i+e.SectorCount > n {
				err = fmt.Errorf("%d sectors extend past the end of the device", e.SectorCount)
			}
			if err == nil {
				sectors = append(sectors, Sector{Address: addr, Status: Metadata, Entry: e})
				for j := i + 1; j < i+e.SectorCount; j++ {
					sectors = append(sectors, Sector{Address: f.address(j), Status: Content})
				}
				i += e.SectorCount
				continue
			}
			f.log.Warn("treating corrupt sector as available", zap.Int("sector", i), zap.Error(err))
		}
		sectors = append(sectors, Sector{Address: addr, Status: Available})
		i++
	}
	f.sectors = sectors
	return nil
}

// decodeHeader decodes the header of a metadata sector at addr.
func (f *FS) decodeHeader(page []byte, addr uint32) (*Entry, error) {
	s := packet.NewScanner(page)
	tag, err := packet.Get[[]byte](s, len(magic))
	if err != nil {
		return nil, err
	} else if !bytes.Equal(tag, magic[:]) {
		return nil, errors.New("invalid magic")
	}
	count, err := s.Uint32()
	if err != nil {
		return nil, fmt.Errorf("sector count: %w", err)
	}
	length, err := s.Uint32()
	if err != nil {
		return nil, fmt.Errorf("length: %w", err)
	}
	date, err := s.Uint32()
	if err != nil {
		return nil, fmt.Errorf("date: %w", err)
	}
	hash, err := packet.Get[[]byte](s, HashSize)
	if err != nil {
		return nil, fmt.Errorf("hash: %w", err)
	}
	name, err := s.String()
	if err != nil {
		return nil, fmt.Errorf("name: %w", err)
	}
	if count < 1 {
		return nil, fmt.Errorf("invalid sector count %d", count)
	} else if int64(length) > int64(count-1)*int64(f.sectorSize) {
		return nil, fmt.Errorf("length %d exceeds %d sectors", length, count-1)
	}
	e := &Entry{
		Name:        name,
		SectorCount: int(count),
		Length:      int(length),
		Date:        time.Unix(int64(date), 0).UTC(),
		Address:     addr + uint32(f.sectorSize),
	}
	copy(e.Hash[:], hash)
	return e, nil
}

// storedDate returns date truncated to the second and clamped to the range
// of a header date.
func storedDate(date time.Time) time.Time {
	return time.Unix(min(max(date.Unix(), 0), math.MaxUint32), 0).UTC()
}

func encodeHeader(e *Entry) []byte {
	var b packet.Builder
	b.Grow(headerSize + packet.VLen(len(e.Name)))
	b.Put(magic[:]...)
	b.Uint32(uint32(e.SectorCount))
	b.Uint32(uint32(e.Length))
	b.Uint32(uint32(e.Date.Unix()))
	b.Put(e.Hash[:]...)
	b.String(e.Name)
	return b.Bytes()
}

// Repair removes each file whose content does not match its hash, and each
// file whose name duplicates an earlier intact file. It reports whether any
// file was removed.
func (f *FS) Repair(ctx context.Context) (bool, error) {
	if f.sectors == nil {
		return false, ErrNotInspected
	}
	var repaired bool
	seen := make(map[string]bool)
	for i := range f.sectors {
		s := f.sectors[i]
		if s.Status != Metadata {
			continue
		}
		e := s.Entry
		sum, err := f.st.Hash(ctx, e.Address, uint32(e.Length))
		if err != nil {
			return repaired, fmt.Errorf("repair %q: %w", e.Name, err)
		}
		var reason string
		if !bytes.Equal(sum, e.Hash[:]) {
			reason = "content hash mismatch"
		} else if seen[e.Name] {
			reason = "duplicate name"
		} else {
			seen[e.Name] = true
			continue
		}
		f.log.Warn("removing damaged file", zap.String("name", e.Name),
			zap.Uint32("address", s.Address), zap.String("reason", reason))
		if err := f.eraseAt(ctx, i); err != nil {
			return repaired, fmt.Errorf("repair %q: %w", e.Name, err)
		}
		repaired = true
	}
	return repaired, nil
}

// List returns the entries of all files, in device order.
func (f *FS) List() []Entry {
	var out []Entry
	for _, s := range f.sectors {
		if s.Status == Metadata {
			out = append(out, *s.Entry)
		}
	}
	return out
}

// Get returns the entry of the file with the given name, if there is one.
func (f *FS) Get(name string) (Entry, bool) {
	for _, s := range f.sectors {
		if s.Status == Metadata && s.Entry.Name == name {
			return *s.Entry, true
		}
	}
	return Entry{}, false
}

// Read returns the content of the file with the given name. It reports
// [ErrNotFound] if there is no such file.
func (f *FS) Read(ctx context.Context, name string) ([]byte, error) {
	e, ok := f.Get(name)
	if !ok {
		return nil, fmt.Errorf("read %q: %w", name, ErrNotFound)
	}
	data, err := f.st.Read(ctx, e.Address, uint32(e.Length), 0, 0)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", name, err)
	}
	return data, nil
}

// Erase removes every file with the given name. It is not an error if there
// is none.
func (f *FS) Erase(ctx context.Context, name string) error {
	for i := range f.sectors {
		if s := f.sectors[i]; s.Status == Metadata && s.Entry.Name == name {
			if err := f.eraseAt(ctx, i); err != nil {
				return fmt.Errorf("erase %q: %w", name, err)
			}
		}
	}
	return nil
}

// Format erases the whole device, removing all files.
func (f *FS) Format(ctx context.Context) error {
	if err := f.st.Erase(ctx, 0, uint32(f.size)); err != nil {
		return fmt.Errorf("format: %w", err)
	}
	n := f.numSectors()
	f.sectors = make([]Sector, n)
	for i := range n {
		f.sectors[i] = Sector{Address: f.address(i), Status: Available}
	}
	return nil
}

// eraseAt erases the sector at index i, with the rest of its file if it is a
// metadata sector, and marks the sectors available.
func (f *FS) eraseAt(ctx context.Context, i int) error {
	count := 1
	if s := f.sectors[i]; s.Status == Metadata {
		count = min(s.Entry.SectorCount, len(f.sectors)-i)
	}
	if err := f.st.Erase(ctx, f.sectors[i].Address, uint32(count*f.sectorSize)); err != nil {
		return err
	}
	for j := i; j < i+count; j++ {
		f.sectors[j] = Sector{Address: f.sectors[j].Address, Status: Available}
	}
	return nil
}

func checkName(name string) error {
	if name == "" || !utf8.ValidString(name) || headerSize+packet.VLen(len(name)) > PageSize {
		return fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	return nil
}

// sectorsFor reports the number of sectors needed for a file of n bytes.
func (f *FS) sectorsFor(n int) int {
	return max(1+(n+f.sectorSize-1)/f.sectorSize, f.minSectors)
}

// Write writes a file with the given name, content, and date. The date is
// stored to the second, and determines which files are evicted first when
// there is not enough space. Write does not replace an existing file of the
// same name; use Ensure for that.
//
// Write reports [ErrNotEnoughSpace] if the file does not fit on the device
// even when empty. In that case nothing is evicted, unlike a file that fits
// once older files are removed.
//
// Dates are stored as unsigned 32-bit Unix seconds. A date before 1970 is
// stored as the Unix epoch, and a date past the end of that range is stored
// as the latest representable time.
func (f *FS) Write(ctx context.Context, name string, data []byte, date time.Time) (Entry, error) {
	if err := checkName(name); err != nil {
		return Entry{}, err
	} else if f.sectors == nil {
		return Entry{}, ErrNotInspected
	}
	need := f.sectorsFor(len(data))
	if need > len(f.sectors) {
		return Entry{}, fmt.Errorf("write %q (%d bytes): %w", name, len(data), ErrNotEnoughSpace)
	}
	for {
		if i, ok := f.findRun(need); ok {
			return f.writeAt(ctx, i, need, name, data, date)
		}
		victim, ok := f.leastRecentlyUsed()
		if !ok {
			return Entry{}, fmt.Errorf("write %q (%d bytes): %w", name, len(data), ErrNotEnoughSpace)
		}
		f.log.Info("evicting file", zap.String("name", f.sectors[victim].Entry.Name),
			zap.Time("date", f.sectors[victim].Entry.Date))
		if err := f.eraseAt(ctx, victim); err != nil {
			return Entry{}, fmt.Errorf("write %q: evict: %w", name, err)
		}
	}
}

// findRun returns the index of the first sector of the first run of at least
// n available sectors, if there is one.
func (f *FS) findRun(n int) (int, bool) {
	start, count := -1, 0
	for i, s := range f.sectors {
		if s.Status != Available {
			start, count = -1, 0
			continue
		}
		if start < 0 {
			start = i
		}
		if count++; count >= n {
			return start, true
		}
	}
	return 0, false
}

// leastRecentlyUsed returns the index of the metadata sector of the file
// with the oldest date, if there are any files.
func (f *FS) leastRecentlyUsed() (int, bool) {
	best := -1
	for i, s := range f.sectors {
		if s.Status != Metadata {
			continue
		}
		if best < 0 || s.Entry.Date.Before(f.sectors[best].Entry.Date) {
			best = i
		}
	}
	return best, best >= 0
}

func (f *FS) writeAt(ctx context.Context, i, count int, name string, data []byte, date time.Time) (Entry, error) {
	addr := f.address(i)
	e := &Entry{
		Name:        name,
		SectorCount: count,
		Length:      len(data),
		Date:        storedDate(date),
		Hash:        sha1.Sum(data),
		Address:     addr + uint32(f.sectorSize),
	}
	if err := f.st.Erase(ctx, addr, uint32(count*f.sectorSize)); err != nil {
		return Entry{}, fmt.Errorf("write %q: %w", name, err)
	}
	if err := f.st.Write(ctx, addr, encodeHeader(e)); err != nil {
		return Entry{}, fmt.Errorf("write %q: header: %w", name, err)
	}
	if err := f.st.Write(ctx, e.Address, data); err != nil {
		return Entry{}, fmt.Errorf("write %q: content: %w", name, err)
	}

	f.sectors[i] = Sector{Address: addr, Status: Metadata, Entry: e}
	for j := i + 1; j < i+count; j++ {
		f.sectors[j] = Sector{Address: f.address(j), Status: Content}
	}
	return *e, nil
}

// Ensure makes sure the device holds a file with the given name and content.
// If it already does, Ensure returns the existing entry without writing.
// Otherwise it removes any file of that name, writes a new one as Write does,
// and checks the hash of the content written, reporting [ErrCorruptWrite] if
// it does not match.
func (f *FS) Ensure(ctx context.Context, name string, data []byte, date time.Time) (Entry, error) {
	if e, ok := f.Get(name); ok {
		if e.Length == len(data) && e.Hash == sha1.Sum(data) {
			return e, nil
		}
		if err := f.Erase(ctx, name); err != nil {
			return Entry{}, err
		}
	}
	e, err := f.Write(ctx, name, data, date)
	if err != nil {
		return Entry{}, err
	}
	sum, err := f.st.Hash(ctx, e.Address, uint32(e.Length))
	if err != nil {
		return Entry{}, fmt.Errorf("ensure %q: verify: %w", name, err)
	} else if !bytes.Equal(sum, e.Hash[:]) {
		return Entry{}, fmt.Errorf("ensure %q: %w", name, ErrCorruptWrite)
	}
	return e, nil
}
