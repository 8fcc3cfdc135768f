// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package packet provides support for encoding and decoding binary packet data
// in the conventions used by the instrument firmware.
//
// Fixed-width values are encoded in a configurable byte order (little-endian
// by default). Variable-width integers use the LEB128 convention: 7 bits per
// byte, least significant group first, with the high bit of each byte set when
// more bytes follow. Signed variable-width integers are zig-zag mapped onto the
// unsigned encoding. Strings and blobs are prefixed by their length as a
// varuint.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/creachadair/mds/value"
	"github.com/x448/float16"
)

var (
	// ErrOutOfBounds is reported when a value extends past the end of the input.
	ErrOutOfBounds = errors.New("packet: out of bounds")

	// ErrInvalidLength is reported for a negative length request.
	ErrInvalidLength = errors.New("packet: invalid length")

	// ErrInvalidRepresentation is reported for an encoding that cannot denote a
	// value, such as an overlong varuint or a string that is not UTF-8.
	ErrInvalidRepresentation = errors.New("packet: invalid representation")
)

// MaxVaruintLen is the maximum length in bytes of an encoded 64-bit varuint.
const MaxVaruintLen = 10

// A Builder is a buffer that accumulates data into a packet. The zero value is
// ready for use as an empty little-endian builder.
type Builder struct {
	buf   []byte
	order binary.AppendByteOrder
}

// NewBuilder constructs an empty builder that encodes fixed-width values in
// the specified byte order.
func NewBuilder(order binary.AppendByteOrder) *Builder { return &Builder{order: order} }

func (b *Builder) byteOrder() binary.AppendByteOrder {
	if b.order == nil {
		return binary.LittleEndian
	}
	return b.order
}

// Bool appends a Boolean to b. The encoding is a single byte with value 0 or 1.
func (b *Builder) Bool(ok bool) { b.Put(value.Cond[byte](ok, 1, 0)) }

// Put appends the specified bytes to b in order.
func (b *Builder) Put(vs ...byte) { b.buf = append(b.buf, vs...) }

// PutString appends the specified string to b without framing.
func (b *Builder) PutString(s string) { b.buf = append(b.buf, s...) }

// Blob appends a length-prefixed byte string to b.
func (b *Builder) Blob(vs []byte) {
	b.Grow(VLen(len(vs)))
	b.Varuint(uint64(len(vs)))
	b.buf = append(b.buf, vs...)
}

// String appends a length-prefixed UTF-8 string to b.
func (b *Builder) String(s string) {
	b.Grow(VLen(len(s)))
	b.Varuint(uint64(len(s)))
	b.buf = append(b.buf, s...)
}

// Uint8 appends a single byte to b.
func (b *Builder) Uint8(v uint8) { b.buf = append(b.buf, v) }

// Uint16 appends v to b in the builder's byte order.
func (b *Builder) Uint16(v uint16) { b.buf = b.byteOrder().AppendUint16(b.buf, v) }

// Uint32 appends v to b in the builder's byte order.
func (b *Builder) Uint32(v uint32) { b.buf = b.byteOrder().AppendUint32(b.buf, v) }

// Uint64 appends v to b in the builder's byte order.
func (b *Builder) Uint64(v uint64) { b.buf = b.byteOrder().AppendUint64(b.buf, v) }

// Int8 appends v to b as a single byte.
func (b *Builder) Int8(v int8) { b.Uint8(uint8(v)) }

// Int16 appends v to b in the builder's byte order.
func (b *Builder) Int16(v int16) { b.Uint16(uint16(v)) }

// Int32 appends v to b in the builder's byte order.
func (b *Builder) Int32(v int32) { b.Uint32(uint32(v)) }

// Int64 appends v to b in the builder's byte order.
func (b *Builder) Int64(v int64) { b.Uint64(uint64(v)) }

// Float16 appends v to b as an IEEE 754 binary16 value.
func (b *Builder) Float16(v float32) { b.Uint16(float16.Fromfloat32(v).Bits()) }

// Float32 appends v to b as an IEEE 754 binary32 value.
func (b *Builder) Float32(v float32) { b.Uint32(math.Float32bits(v)) }

// Float64 appends v to b as an IEEE 754 binary64 value.
func (b *Builder) Float64(v float64) { b.Uint64(math.Float64bits(v)) }

// Varuint appends an unsigned variable-width integer to b.
func (b *Builder) Varuint(v uint64) { b.buf = binary.AppendUvarint(b.buf, v) }

// Varint appends a zig-zag encoded signed variable-width integer to b.
func (b *Builder) Varint(v int64) { b.Varuint(ZigZag(v)) }

// Len reports the number of bytes currently in the buffer.
func (b *Builder) Len() int { return len(b.buf) }

// Bytes reports the current contents of the buffer. The builder retains ownership
// of the reported slice, and the caller must not retain or modify its contents
// unless b will no longer be accessed.
func (b *Builder) Bytes() []byte { return b.buf }

// Reset discards the contents of b and leaves it empty.
func (b *Builder) Reset() { b.buf = b.buf[:0] }

// Grow resizes the internal buffer of b if necessary to ensure that at least n
// more bytes can be added without triggering another allocation.
func (b *Builder) Grow(n int) {
	want := len(b.buf) + n
	if cap(b.buf) < want {
		r := make([]byte, len(b.buf), max(want, 2*cap(b.buf)))
		copy(r, b.buf)
		b.buf = r
	}
}

// A Scanner reads encoded values from the contents of a packet.
// Every read checks the remaining input before consuming it, and reports
// [ErrOutOfBounds] if the value is incomplete.
type Scanner struct {
	input  []byte
	rest   []byte
	offset int // of rest from input
	order  binary.ByteOrder
}

// NewScanner constructs a little-endian [Scanner] that consumes data from
// input. The scanner does not modify the contents of input, but retains
// slices into it, so the caller should ensure it is not modified while the
// scanner is in use.
func NewScanner[Str ~string | ~[]byte](input Str) *Scanner {
	data := []byte(input)
	return &Scanner{input: data, rest: data, order: binary.LittleEndian}
}

// WithOrder sets the byte order used for fixed-width values and returns s.
func (s *Scanner) WithOrder(order binary.ByteOrder) *Scanner {
	s.order = order
	return s
}

func (s *Scanner) fixed(n int) ([]byte, error) {
	if len(s.rest) < n {
		return nil, fmt.Errorf("value truncated (%d < %d bytes): %w", len(s.rest), n, ErrOutOfBounds)
	}
	out := s.rest[:n]
	s.offset += n
	s.rest = s.rest[n:]
	return out, nil
}

// Bool scans a single byte from the head of the input and converts it into a
// Boolean value (0 means false, non-zero means true).
func (s *Scanner) Bool() (bool, error) {
	b, err := s.Byte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

// Byte scans a single byte from the head of the input.
func (s *Scanner) Byte() (byte, error) {
	b, err := s.fixed(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Uint8 is a synonym for Byte.
func (s *Scanner) Uint8() (uint8, error) { return s.Byte() }

// Uint16 parses a uint16 value from the head of the input.
func (s *Scanner) Uint16() (uint16, error) {
	b, err := s.fixed(2)
	if err != nil {
		return 0, err
	}
	return s.order.Uint16(b), nil
}

// Uint32 parses a uint32 value from the head of the input.
func (s *Scanner) Uint32() (uint32, error) {
	b, err := s.fixed(4)
	if err != nil {
		return 0, err
	}
	return s.order.Uint32(b), nil
}

// Uint64 parses a uint64 value from the head of the input.
func (s *Scanner) Uint64() (uint64, error) {
	b, err := s.fixed(8)
	if err != nil {
		return 0, err
	}
	return s.order.Uint64(b), nil
}

// Int8 parses a signed byte from the head of the input.
func (s *Scanner) Int8() (int8, error) {
	v, err := s.Byte()
	return int8(v), err
}

// Int16 parses an int16 value from the head of the input.
func (s *Scanner) Int16() (int16, error) {
	v, err := s.Uint16()
	return int16(v), err
}

// Int32 parses an int32 value from the head of the input.
func (s *Scanner) Int32() (int32, error) {
	v, err := s.Uint32()
	return int32(v), err
}

// Int64 parses an int64 value from the head of the input.
func (s *Scanner) Int64() (int64, error) {
	v, err := s.Uint64()
	return int64(v), err
}

// Float16 parses an IEEE 754 binary16 value from the head of the input.
func (s *Scanner) Float16() (float32, error) {
	v, err := s.Uint16()
	if err != nil {
		return 0, err
	}
	return float16.Frombits(v).Float32(), nil
}

// Float32 parses an IEEE 754 binary32 value from the head of the input.
func (s *Scanner) Float32() (float32, error) {
	v, err := s.Uint32()
	return math.Float32frombits(v), err
}

// Float64 parses an IEEE 754 binary64 value from the head of the input.
func (s *Scanner) Float64() (float64, error) {
	v, err := s.Uint64()
	return math.Float64frombits(v), err
}

// Varuint parses an unsigned variable-width integer from the head of the
// input. It reports [ErrInvalidRepresentation] if the encoding does not fit in
// 64 bits, and [ErrOutOfBounds] if the input ends before the final byte.
func (s *Scanner) Varuint() (uint64, error) {
	var v uint64
	for i, b := range s.rest {
		if i == MaxVaruintLen-1 && b > 1 {
			return 0, fmt.Errorf("varuint overflows 64 bits at offset %d: %w", s.offset+i, ErrInvalidRepresentation)
		}
		v |= uint64(b&0x7f) << (7 * i)
		if b&0x80 == 0 {
			s.offset += i + 1
			s.rest = s.rest[i+1:]
			return v, nil
		}
	}
	return 0, fmt.Errorf("varuint truncated (%d bytes): %w", len(s.rest), ErrOutOfBounds)
}

// Varint parses a zig-zag encoded signed variable-width integer from the head
// of the input.
func (s *Scanner) Varint() (int64, error) {
	v, err := s.Varuint()
	if err != nil {
		return 0, err
	}
	return UnZigZag(v), nil
}

// Length parses a varuint length and checks that it is representable as an
// int no greater than the remaining input.
func (s *Scanner) Length() (int, error) {
	v, err := s.Varuint()
	if err != nil {
		return 0, err
	}
	if v > uint64(len(s.rest)) {
		return 0, fmt.Errorf("value truncated (%d < %d bytes): %w", len(s.rest), v, ErrOutOfBounds)
	}
	return int(v), nil
}

// String parses a length-prefixed UTF-8 string from the head of the input.
func (s *Scanner) String() (string, error) {
	n, err := s.Length()
	if err != nil {
		return "", err
	}
	b, err := s.fixed(n)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("string is not valid UTF-8: %w", ErrInvalidRepresentation)
	}
	return string(b), nil
}

// Blob parses a length-prefixed byte string from the head of the input.
// The result aliases the input, and the caller must not modify its contents.
func (s *Scanner) Blob() ([]byte, error) {
	n, err := s.Length()
	if err != nil {
		return nil, err
	}
	return s.fixed(n)
}

// Len reports the number of remaining unconsumed input bytes in s.
func (s *Scanner) Len() int { return len(s.rest) }

// Offset reports the offset (0-based) of the next unconsumed input byte in s.
func (s *Scanner) Offset() int { return s.offset }

// Rest returns a slice of the remaining unconsumed input of s.
// The reported slice is only valid until the next call to a method of s,
// and the caller must not modify its contents.
func (s *Scanner) Rest() []byte { return s.rest }

// Get returns a string of exactly n bytes from the head of the input.
// When the result is a slice, the value aliases the input, and the caller must
// not modify its contents.
func Get[Str ~string | ~[]byte](s *Scanner, n int) (Str, error) {
	if n < 0 {
		return Str(""), fmt.Errorf("length %d: %w", n, ErrInvalidLength)
	}
	b, err := s.fixed(n)
	if err != nil {
		return Str(""), err
	}
	return Str(b), nil
}

// ZigZag maps a signed integer onto an unsigned one so that values of small
// magnitude have short encodings regardless of sign.
func ZigZag(v int64) uint64 { return uint64(v<<1) ^ uint64(v>>63) }

// UnZigZag inverts [ZigZag].
func UnZigZag(v uint64) int64 { return int64(v>>1) ^ -int64(v&1) }

// VLen reports the encoded size in bytes of a length-prefixed encoding of an
// n-byte string.
func VLen(n int) int { return VaruintLen(uint64(n)) + n }

// VaruintLen reports the number of bytes needed to encode v as a varuint.
func VaruintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}
