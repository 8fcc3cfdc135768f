// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package portal

import "fmt"

// Category identifies the kind of an instrument reported by discovery.
type Category int

const (
	Unknown Category = iota
	Battery
	Color
	Current
	Indicator
	Relay
	SerialWire
	Storage
	Voltage
)

var categoryStr = [...]string{
	Unknown:    "Unknown",
	Battery:    "Battery",
	Color:      "Color",
	Current:    "Current",
	Indicator:  "Indicator",
	Relay:      "Relay",
	SerialWire: "SerialWire",
	Storage:    "Storage",
	Voltage:    "Voltage",
}

func (c Category) String() string {
	if c >= 0 && int(c) < len(categoryStr) {
		return categoryStr[c]
	}
	return fmt.Sprintf("Category(%d)", int(c))
}

// ParseCategory returns the category with the given name, as reported by the
// device during discovery. It reports false if the name is not recognized.
func ParseCategory(name string) (Category, bool) {
	switch name {
	case "Battery":
		return Battery, true
	case "Color":
		return Color, true
	case "Current":
		return Current, true
	case "Indicator":
		return Indicator, true
	case "Relay":
		return Relay, true
	case "SerialWire":
		return SerialWire, true
	case "Storage":
		return Storage, true
	case "Voltage":
		return Voltage, true
	}
	return Unknown, false
}
