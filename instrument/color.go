// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package instrument

import (
	"context"

	"github.com/fireflydesign/portal"
	"github.com/fireflydesign/portal/packet"
)

// Settings of the color sensor (a TCS3471). The sensor supports gains of 1,
// 4, 16, and 60, and integration times from 2.4ms to 614.4ms.
const (
	DefaultIntegrationTime = 0.6144 // seconds
	DefaultGain            = 1
)

const colorConvert = 1

// Color is a color sensor.
type Color struct{ conn }

// Category implements part of the [Instrument] interface.
func (*Color) Category() portal.Category { return portal.Color }

// Convert takes a measurement with the given integration time (in seconds)
// and gain.
func (c *Color) Convert(ctx context.Context, integrationTime, gain float32) (Conversion, error) {
	var args packet.Builder
	args.Float32(integrationTime)
	args.Float32(gain)
	s, err := c.call(ctx, colorConvert, args.Bytes())
	if err != nil {
		return Conversion{}, err
	}
	var v [4]float32
	for i := range v {
		if v[i], err = s.Float32(); err != nil {
			return Conversion{}, err
		}
	}
	return Conversion{C: v[0], R: v[1], G: v[2], B: v[3]}, nil
}

// Conversion is a measurement of the color sensor: the clear, red, green, and
// blue channel values.
type Conversion struct {
	C, R, G, B float32
}

// X reports the CIE 1931 X tristimulus value of the measurement.
func (c Conversion) X() float32 { return -0.14282*c.R + 1.54924*c.G - 0.95641*c.B }

// Y reports the CIE 1931 Y tristimulus value of the measurement.
func (c Conversion) Y() float32 { return -0.32466*c.R + 1.57837*c.G - 0.73191*c.B }

// Z reports the CIE 1931 Z tristimulus value of the measurement.
func (c Conversion) Z() float32 { return -0.68202*c.R + 0.77073*c.G + 0.56332*c.B }

// Illuminance reports the illuminance of the measurement, which is Y.
func (c Conversion) Illuminance() float32 { return c.Y() }

// HSV reports the hue (in degrees), saturation, and value of the measurement.
// If all channels are zero, the hue and saturation are zero.
func (c Conversion) HSV() (h, s, v float32) {
	lo := min(c.R, c.G, c.B)
	hi := max(c.R, c.G, c.B)
	if hi == 0 {
		return 0, 0, 0
	}
	delta := hi - lo
	s = delta / hi
	switch {
	case delta == 0:
		h = 0
	case c.R == hi:
		h = (c.G - c.B) / delta
	case c.G == hi:
		h = 2 + (c.B-c.R)/delta
	default:
		h = 4 + (c.R-c.G)/delta
	}
	h *= 60
	if h < 0 {
		h += 360
	}
	return h, s, hi
}

// CCT reports the correlated color temperature of the measurement in
// kelvins, by McCamy's approximation. It reports 0 if X+Y+Z is zero.
func (c Conversion) CCT() float32 {
	x, y, z := c.X(), c.Y(), c.Z()
	d := x + y + z
	if d == 0 {
		return 0
	}
	cx, cy := x/d, y/d
	n := (cx - 0.3320) / (0.1858 - cy)
	return 449*n*n*n + 3525*n*n + 6823.3*n + 5520.33
}
