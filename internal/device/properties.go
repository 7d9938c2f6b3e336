package device

import "strings"

// Type is the form factor of a device.
type Type string

const (
	TypeHandheld   Type = "handheld"
	TypeTV         Type = "tv"
	TypeWear       Type = "wear"
	TypeAutomotive Type = "automotive"
)

// ConnectionType indicates how a device is connected.
type ConnectionType string

const (
	USB     ConnectionType = "usb"
	WiFi    ConnectionType = "wifi"
	Unknown ConnectionType = "unknown"
)

// Well-known system properties read from a live device.
const (
	PropSerialNo        = "ro.serialno"
	PropManufacturer    = "ro.product.manufacturer"
	PropModel           = "ro.product.model"
	PropSDK             = "ro.build.version.sdk"
	PropRelease         = "ro.build.version.release"
	PropABI             = "ro.product.cpu.abi"
	PropCharacteristics = "ro.build.characteristics"
	PropKernelQemu      = "ro.kernel.qemu"
	PropBootQemu        = "ro.boot.qemu"
)

// AVDInfo identifies the on-disk definition behind a virtual device.
// The zero value means the device has no on-disk definition.
type AVDInfo struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Path        string `json:"path"`
}

// Properties is a descriptive snapshot of a device. It is built once per
// state transition and never mutated in place; all fields are comparable.
type Properties struct {
	Title          string         `json:"title"`
	Manufacturer   string         `json:"manufacturer,omitempty"`
	Model          string         `json:"model,omitempty"`
	AndroidVersion string         `json:"android_version,omitempty"`
	AndroidRelease string         `json:"android_release,omitempty"`
	ABI            string         `json:"abi,omitempty"`
	DeviceType     Type           `json:"device_type"`
	ConnectionType ConnectionType `json:"connection_type"`
	IsVirtual      bool           `json:"is_virtual"`
	Icon           string         `json:"icon"`
	AVD            AVDInfo        `json:"avd,omitempty"`
}

// FromProps builds Properties from the system properties of a live device.
func FromProps(props map[string]string, conn ConnectionType) Properties {
	p := Properties{
		Manufacturer:   props[PropManufacturer],
		Model:          props[PropModel],
		AndroidVersion: props[PropSDK],
		AndroidRelease: props[PropRelease],
		ABI:            props[PropABI],
		DeviceType:     TypeFromCharacteristics(props[PropCharacteristics]),
		ConnectionType: conn,
		IsVirtual:      props[PropKernelQemu] == "1" || props[PropBootQemu] == "1",
	}
	if p.ConnectionType == "" {
		p.ConnectionType = Unknown
	}
	p.Title = strings.TrimSpace(p.Manufacturer + " " + p.Model)
	p.Icon = IconFor(p.DeviceType)
	return p
}

// TypeFromCharacteristics maps ro.build.characteristics (or an AVD tag id)
// to a device type. Unrecognised values are handhelds.
func TypeFromCharacteristics(s string) Type {
	s = strings.ToLower(s)
	switch {
	case strings.Contains(s, "tv"):
		return TypeTV
	case strings.Contains(s, "watch"), strings.Contains(s, "wear"):
		return TypeWear
	case strings.Contains(s, "automotive"):
		return TypeAutomotive
	default:
		return TypeHandheld
	}
}

// IconFor returns the icon reference used for a device type.
func IconFor(t Type) string {
	switch t {
	case TypeTV:
		return "tv"
	case TypeWear:
		return "watch"
	case TypeAutomotive:
		return "car"
	default:
		return "phone"
	}
}

// Merge fills every field p leaves empty from live. Values p already knows
// win; live values cover what an on-disk definition cannot know, such as the
// resolved OS release or the connection type.
func (p Properties) Merge(live Properties) Properties {
	fill := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	fill(&p.Title, live.Title)
	fill(&p.Manufacturer, live.Manufacturer)
	fill(&p.Model, live.Model)
	fill(&p.AndroidVersion, live.AndroidVersion)
	fill(&p.AndroidRelease, live.AndroidRelease)
	fill(&p.ABI, live.ABI)
	fill(&p.Icon, live.Icon)
	if p.DeviceType == "" {
		p.DeviceType = live.DeviceType
	}
	if p.ConnectionType == "" || p.ConnectionType == Unknown {
		p.ConnectionType = live.ConnectionType
	}
	p.IsVirtual = p.IsVirtual || live.IsVirtual
	return p
}
