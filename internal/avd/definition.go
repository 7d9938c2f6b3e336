package avd

import (
	"regexp"
	"strings"

	"github.com/FluidXR/droidprov/internal/device"
)

// Definition is an AVD as described on disk. Path is its identity.
type Definition struct {
	Name         string `json:"name"`
	DisplayName  string `json:"display_name,omitempty"`
	Path         string `json:"path"`
	Target       string `json:"target,omitempty"`
	APILevel     string `json:"api_level,omitempty"`
	ABI          string `json:"abi,omitempty"`
	Tag          string `json:"tag,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
}

// Title is the name shown for the AVD.
func (d Definition) Title() string {
	if d.DisplayName != "" {
		return d.DisplayName
	}
	return strings.ReplaceAll(d.Name, "_", " ")
}

// Properties describes the device the AVD will boot as. Fields only a
// running device knows, such as the OS release, are left empty.
func (d Definition) Properties() device.Properties {
	t := device.TypeFromCharacteristics(d.Tag)
	return device.Properties{
		Title:          d.Title(),
		Manufacturer:   d.Manufacturer,
		Model:          d.Model,
		AndroidVersion: d.APILevel,
		ABI:            d.ABI,
		DeviceType:     t,
		ConnectionType: device.Unknown,
		IsVirtual:      true,
		Icon:           device.IconFor(t),
		AVD: device.AVDInfo{
			Name:        d.Name,
			DisplayName: d.DisplayName,
			Path:        d.Path,
		},
	}
}

// CreateRequest describes a new AVD.
type CreateRequest struct {
	Name        string
	DisplayName string
	// Package is the system image, e.g. "system-images;android-34;google_apis;x86_64".
	Package string
	// Device is the hardware profile id, e.g. "pixel_6".
	Device string
	Force  bool
}

var validName = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Config keys understood by Edit under a short alias.
var editAliases = map[string]string{
	"name":        keyDisplayName,
	"displayname": keyDisplayName,
	"ram":         "hw.ramSize",
	"heap":        "vm.heapSize",
	"cores":       "hw.cpu.ncore",
	"sdcard":      "sdcard.size",
	"keyboard":    "hw.keyboard",
}

const (
	keyDisplayName  = "avd.ini.displayname"
	keyABI          = "abi.type"
	keyTag          = "tag.id"
	keyManufacturer = "hw.device.manufacturer"
	keyModel        = "hw.device.name"
	keyPath         = "path"
	keyTarget       = "target"
	keySysDir       = "image.sysdir.1"
)

// apiLevel extracts the API level from a target such as "android-34" or a
// system image dir such as "system-images/android-34/google_apis/x86_64/".
func apiLevel(target, sysdir string) string {
	for _, s := range []string{target, sysdir} {
		for _, part := range strings.Split(s, "/") {
			if v, ok := strings.CutPrefix(part, "android-"); ok && v != "" {
				return v
			}
		}
	}
	return ""
}
