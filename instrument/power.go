// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package instrument

import (
	"context"

	"github.com/fireflydesign/portal"
	"github.com/fireflydesign/portal/packet"
)

// Message types of the battery simulator.
const (
	batteryConvertCurrent = 1
	batterySetVoltage     = 2
	batterySetEnabled     = 3
)

// Battery is a battery simulator: a programmable supply that measures the
// current drawn from it.
type Battery struct{ conn }

// Category implements part of the [Instrument] interface.
func (*Battery) Category() portal.Category { return portal.Battery }

// SetEnabled turns the supply on or off.
func (b *Battery) SetEnabled(ctx context.Context, on bool) error {
	var args packet.Builder
	args.Bool(on)
	return b.send(ctx, batterySetEnabled, args.Bytes())
}

// SetVoltage sets the output voltage of the supply, in volts.
func (b *Battery) SetVoltage(ctx context.Context, volts float32) error {
	var args packet.Builder
	args.Float32(volts)
	return b.send(ctx, batterySetVoltage, args.Bytes())
}

// Convert measures the current drawn from the supply, in amperes.
func (b *Battery) Convert(ctx context.Context) (float32, error) {
	return b.readFloat32(ctx, batteryConvertCurrent)
}

// Current is an ammeter.
type Current struct{ conn }

// Category implements part of the [Instrument] interface.
func (*Current) Category() portal.Category { return portal.Current }

// Convert measures the current, in amperes.
func (c *Current) Convert(ctx context.Context) (float32, error) { return c.readFloat32(ctx, 1) }

// Voltage is a voltmeter.
type Voltage struct{ conn }

// Category implements part of the [Instrument] interface.
func (*Voltage) Category() portal.Category { return portal.Voltage }

// Convert measures the voltage, in volts.
func (v *Voltage) Convert(ctx context.Context) (float32, error) { return v.readFloat32(ctx, 1) }

// Relay is a switch.
type Relay struct{ conn }

// Category implements part of the [Instrument] interface.
func (*Relay) Category() portal.Category { return portal.Relay }

// Set closes (true) or opens (false) the relay.
func (r *Relay) Set(ctx context.Context, closed bool) error {
	var args packet.Builder
	args.Bool(closed)
	return r.send(ctx, 1, args.Bytes())
}

// Indicator is an RGB LED.
type Indicator struct{ conn }

// Category implements part of the [Instrument] interface.
func (*Indicator) Category() portal.Category { return portal.Indicator }

// SetRGB sets the intensity of each color of the indicator, from 0 to 1.
func (in *Indicator) SetRGB(ctx context.Context, red, green, blue float32) error {
	var args packet.Builder
	args.Float32(red)
	args.Float32(green)
	args.Float32(blue)
	return in.send(ctx, 1, args.Bytes())
}
