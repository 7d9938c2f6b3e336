package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/FluidXR/droidprov/internal/adb"
	"github.com/FluidXR/droidprov/internal/console"
	"github.com/FluidXR/droidprov/internal/device"
)

var devicesJSON bool

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List emulators and physical devices with their state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(e *engine) error {
			handles := e.service.Handles()

			if devicesJSON {
				summaries := make([]device.Summary, 0, len(handles))
				for _, h := range handles {
					summaries = append(summaries, device.Summarize(h, h.State()))
				}
				out, err := sonic.MarshalIndent(summaries, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}

			if len(handles) == 0 {
				fmt.Println("No devices found.")
			}
			for _, h := range handles {
				printDevice(h, h.State())
			}

			attached, err := e.adb.Devices()
			if err != nil {
				return err
			}
			if rest := unmanaged(attached, handles); len(rest) > 0 {
				fmt.Println("\nNot managed:")
				for _, d := range rest {
					fmt.Printf("  %-24s %-12s %s\n", d.Serial, d.State, transportNote(cmd.Context(), d))
				}
			}
			return nil
		})
	},
}

// unmanaged returns the attached transports no handle is connected through:
// offline or unauthorized devices, and emulators running an AVD from
// outside the AVD home.
func unmanaged(attached []adb.Device, handles []*device.Handle) []adb.Device {
	claimed := make(map[string]bool, len(handles))
	for _, h := range handles {
		if c := h.State().Connection; c != nil {
			claimed[c.Serial()] = true
		}
	}
	return lo.Filter(attached, func(d adb.Device, _ int) bool { return !claimed[d.Serial] })
}

// transportNote explains why a transport is not managed.
func transportNote(ctx context.Context, d adb.Device) string {
	switch {
	case !d.IsOnline():
		return "not ready"
	case d.IsEmulator():
		name, err := runningAVD(ctx, d.Serial)
		if err != nil {
			return "emulator, console unavailable"
		}
		return fmt.Sprintf("emulator running %s from outside %s", name, cfg.AVDHome())
	}
	return d.Model
}

// runningAVD asks the console of the emulator behind serial for its AVD name.
func runningAVD(ctx context.Context, serial string) (string, error) {
	port, err := strconv.Atoi(strings.TrimPrefix(serial, "emulator-"))
	if err != nil {
		return "", err
	}
	c, err := console.Dial(ctx, "localhost", port, consoleToken(cfg))
	if err != nil {
		return "", err
	}
	defer c.Close()
	return c.AvdName(ctx)
}

func printDevice(h *device.Handle, s device.State) {
	p := s.Properties
	name := p.AVD.Name
	if name == "" {
		name = h.Key()
	}
	serial := ""
	if s.Connection != nil {
		serial = " " + s.Connection.Serial()
	}
	fmt.Printf("%-24s %-28s [%s] [%s]%s\n", name, p.Title, h.Plugin(), s, serial)
	if p.AndroidRelease != "" || p.ABI != "" {
		fmt.Printf("  Android %s (API %s) | %s | %s\n", p.AndroidRelease, p.AndroidVersion, p.ABI, p.DeviceType)
	}
}

func init() {
	devicesCmd.Flags().BoolVar(&devicesJSON, "json", false, "print the device list as JSON")
	rootCmd.AddCommand(devicesCmd)
}
