// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package heap

import (
	"fmt"

	"github.com/fireflydesign/portal/packet"
)

// encodeValue returns the little-endian encoding of v.
func encodeValue[T Scalar](v T) []byte {
	var b packet.Builder
	switch x := any(v).(type) {
	case bool:
		b.Bool(x)
	case uint8:
		b.Uint8(x)
	case uint16:
		b.Uint16(x)
	case uint32:
		b.Uint32(x)
	case uint64:
		b.Uint64(x)
	case int8:
		b.Int8(x)
	case int16:
		b.Int16(x)
	case int32:
		b.Int32(x)
	case int64:
		b.Int64(x)
	case float32:
		b.Float32(x)
	case float64:
		b.Float64(x)
	}
	return b.Bytes()
}

// decodeValue decodes a value of type T from data, which must have been
// produced by encodeValue for the same type.
func decodeValue[T Scalar](data []byte) T {
	var v T
	s := packet.NewScanner(data)
	var err error
	switch p := any(&v).(type) {
	case *bool:
		*p, err = s.Bool()
	case *uint8:
		*p, err = s.Uint8()
	case *uint16:
		*p, err = s.Uint16()
	case *uint32:
		*p, err = s.Uint32()
	case *uint64:
		*p, err = s.Uint64()
	case *int8:
		*p, err = s.Int8()
	case *int16:
		*p, err = s.Int16()
	case *int32:
		*p, err = s.Int32()
	case *int64:
		*p, err = s.Int64()
	case *float32:
		*p, err = s.Float32()
	case *float64:
		*p, err = s.Float64()
	}
	if err != nil {
		panic(fmt.Sprintf("heap: decode %T: %v", v, err))
	}
	return v
}

// formatValue renders the primitive encoded in data, whose Go type is named
// by typ.
func formatValue(typ string, data []byte) string {
	switch typ {
	case "bool":
		return fmt.Sprint(decodeValue[bool](data))
	case "uint8":
		return fmt.Sprint(decodeValue[uint8](data))
	case "uint16":
		return fmt.Sprint(decodeValue[uint16](data))
	case "uint32":
		return fmt.Sprint(decodeValue[uint32](data))
	case "uint64":
		return fmt.Sprint(decodeValue[uint64](data))
	case "int8":
		return fmt.Sprint(decodeValue[int8](data))
	case "int16":
		return fmt.Sprint(decodeValue[int16](data))
	case "int32":
		return fmt.Sprint(decodeValue[int32](data))
	case "int64":
		return fmt.Sprint(decodeValue[int64](data))
	case "float32":
		return fmt.Sprint(decodeValue[float32](data))
	case "float64":
		return fmt.Sprint(decodeValue[float64](data))
	}
	return fmt.Sprintf("%x", data)
}
