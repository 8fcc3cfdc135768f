// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"strconv"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/fireflydesign/portal"
	"github.com/fireflydesign/portal/detour"
	"github.com/fireflydesign/portal/packet"
	"github.com/x448/float16"
)

var packFlags struct {
	Channel uint64 `flag:"channel,Wrap the packet in a message for this channel"`
	Type    uint64 `flag:"type,Message type, with -channel"`
	Frames  int    `flag:"frames,Split the output into frames of this size and print them in hex"`
}

var packCommand = &command.C{
	Name:  "pack",
	Usage: "<pattern> <argument>...",
	Help: `Pack arguments into a binary packet.

The pattern specifies the sequence of values to concatenate into the packet.
Whitespace in the pattern is ignored; otherwise the pattern specifies how the
corresponding argument is processed:

  q  : a quoted literal string (Go style) without framing
  r  : a raw literal string encoded without framing
  s  : a string encoded with a varuint length prefix
  %  : a Boolean constant (true or false)
  v  : a varuint value (unsigned)
  i  : a zig-zag varint value (signed)
  1  : a uint8 value (1 byte)
  2  : a uint16 value (2 bytes)
  4  : a uint32 value (4 bytes)
  8  : a uint64 value (8 bytes)
  h  : a float16 value (2 bytes)
  f  : a float32 value (4 bytes)
  d  : a float64 value (8 bytes)

Numeric arguments may be given in any base Go accepts (e.g., 0x10).
By default, fixed-width values are packed in little-endian order, matching the
device, but the following symbols modify the byte order for future values:

  <  : encode as little-endian (this is the default)
  >  : encode as big-endian

In addition, a "(" begins a subpattern, which goes until a matching ")".
Each subpattern is encoded according to its contents, with a varuint length
prefix prepended. Subpatterns may be nested.

With -channel, the packet is wrapped as the content of a message. With
-frames, the output is split into frames as sent to the device, and each frame
is printed in hex on its own line.
`,
	SetFlags: func(_ *command.Env, fs *flag.FlagSet) { flax.MustBind(fs, &packFlags) },
	Run: func(env *command.Env) error {
		if len(env.Args) == 0 {
			return env.Usagef("Missing format argument")
		}
		enc, rest, err := formatData(env.Args[0], env.Args[1:])
		if err != nil {
			return err
		} else if len(rest) != 0 {
			return fmt.Errorf("extra arguments: %q", rest)
		}
		if packFlags.Channel != 0 || packFlags.Type != 0 {
			enc = portal.Message{Channel: packFlags.Channel, Type: packFlags.Type, Content: enc}.Encode()
		}
		if packFlags.Frames == 0 {
			_, err := os.Stdout.Write(enc)
			return err
		} else if packFlags.Frames < 2 {
			return fmt.Errorf("frame size %d too small", packFlags.Frames)
		}
		for frame := range detour.NewSource(enc, packFlags.Frames).All() {
			fmt.Printf("%x\n", frame)
		}
		return nil
	},
}

func formatData(pat string, args []string) ([]byte, []string, error) {
	var byteOrder binary.AppendByteOrder = binary.LittleEndian
	var b packet.Builder
	for i := 0; i < len(pat); i++ {
		c := pat[i]
		switch c {
		case 'q', 'r', 's', '%', 'v', 'i', '1', '2', '4', '8', 'h', 'f', 'd':
			// OK, these need an argument (see below)
		case ' ', '\t', '\n':
			continue
		case '<':
			byteOrder = binary.LittleEndian
			continue
		case '>':
			byteOrder = binary.BigEndian
			continue
		case '(':
			sub, ok := cutParen(pat[i+1:], '(', ')')
			if !ok {
				return nil, nil, errors.New("missing close parenthesis")
			}
			sd, sa, err := formatData(sub, args)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid subpattern: %w", err)
			}
			b.Blob(sd)
			args = sa
			i += len(sub) + 1
			continue
		default:
			return nil, nil, fmt.Errorf("invalid pattern word %c", c)
		}

		if len(args) == 0 {
			return nil, nil, fmt.Errorf("missing argument for %c", c)
		}
		arg := args[0]
		args = args[1:]
		switch c {
		case 'q':
			dec, err := strconv.Unquote(`"` + arg + `"`)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid string: %w", err)
			}
			b.PutString(dec)
		case 'r':
			b.PutString(arg)
		case 's':
			b.Blob([]byte(arg))
		case '%':
			v, err := strconv.ParseBool(arg)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid bool: %w", err)
			}
			b.Bool(v)
		case 'v':
			v, err := strconv.ParseUint(arg, 0, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid varuint: %w", err)
			}
			b.Varuint(v)
		case 'i':
			v, err := strconv.ParseInt(arg, 0, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid varint: %w", err)
			}
			b.Varint(v)
		case '1':
			v, err := strconv.ParseUint(arg, 0, 8)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid byte: %w", err)
			}
			b.Uint8(uint8(v))
		case '2':
			v, err := strconv.ParseUint(arg, 0, 16)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid uint16: %w", err)
			}
			b.Put(byteOrder.AppendUint16(nil, uint16(v))...)
		case '4':
			v, err := strconv.ParseUint(arg, 0, 32)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid uint32: %w", err)
			}
			b.Put(byteOrder.AppendUint32(nil, uint32(v))...)
		case '8':
			v, err := strconv.ParseUint(arg, 0, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid uint64: %w", err)
			}
			b.Put(byteOrder.AppendUint64(nil, v)...)
		case 'h', 'f':
			v, err := strconv.ParseFloat(arg, 32)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid float: %w", err)
			}
			if c == 'h' {
				b.Put(byteOrder.AppendUint16(nil, float16.Fromfloat32(float32(v)).Bits())...)
			} else {
				b.Put(byteOrder.AppendUint32(nil, math.Float32bits(float32(v)))...)
			}
		case 'd':
			v, err := strconv.ParseFloat(arg, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid float: %w", err)
			}
			b.Put(byteOrder.AppendUint64(nil, math.Float64bits(v))...)
		default:
			panic("invalid code: " + string(c))
		}
	}
	return b.Bytes(), args, nil
}

func cutParen(s string, l, r rune) (string, bool) {
	d := 1
	for i, c := range s {
		if c == l {
			d++
		} else if c == r {
			d--
			if d == 0 {
				return s[:i], true
			}
		}
	}
	return s, false
}
