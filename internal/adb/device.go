package adb

import (
	"strings"

	"github.com/FluidXR/droidprov/internal/device"
)

// Device is one row of the transport's device listing.
type Device struct {
	Serial      string
	State       string // "online", "offline", "unauthorized", etc.
	ConnType    device.ConnectionType
	Model       string
	Product     string
	TransportID string
}

// IsOnline returns true if the device is ready for commands.
func (d Device) IsOnline() bool {
	return d.State == "online" || d.State == "device"
}

// IsEmulator reports whether the serial follows the emulator naming scheme.
func (d Device) IsEmulator() bool {
	return strings.HasPrefix(d.Serial, "emulator-")
}

// classify derives the connection type from a serial and the usb attribute
// of the device listing.
func classify(serial string, usb bool) device.ConnectionType {
	switch {
	case strings.Contains(serial, ":"), strings.Contains(serial, "._adb-tls-connect._tcp"):
		return device.WiFi
	case usb:
		return device.USB
	default:
		return device.Unknown
	}
}
