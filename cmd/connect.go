package cmd

import (
	"fmt"
	"net"

	"github.com/spf13/cobra"

	"github.com/FluidXR/droidprov/internal/adb"
)

var connectPort int

var connectCmd = &cobra.Command{
	Use:   "connect <serial|ip>",
	Short: "Connect to a device over wireless ADB",
	Long: `Connects the adb server to a device on the network. The argument is an IP
address, or the serial of a device whose WiFi IP was saved with
'droidprov config set-wifi'.`,
	Args:              cobra.ExactArgs(1),
	PersistentPreRunE: requireDeps(),
	RunE: func(cmd *cobra.Command, args []string) error {
		ip := args[0]
		if net.ParseIP(ip) == nil {
			dc, ok := cfg.Devices[ip]
			if !ok || dc.WiFiIP == "" {
				return fmt.Errorf("no WiFi IP saved for %s, run 'droidprov config set-wifi %s <ip>' first", ip, ip)
			}
			ip = dc.WiFiIP
		}

		client, err := adb.NewClient(cfg.ADB.Host, cfg.ADB.Port)
		if err != nil {
			return err
		}
		if err := client.Connect(ip, connectPort); err != nil {
			return err
		}
		fmt.Printf("Connected to %s:%d\n", ip, connectPort)
		return nil
	},
}

func init() {
	connectCmd.Flags().IntVar(&connectPort, "port", 5555, "adb port on the device")
	rootCmd.AddCommand(connectCmd)
}
