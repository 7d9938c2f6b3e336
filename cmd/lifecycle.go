package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/FluidXR/droidprov/internal/avd"
	"github.com/FluidXR/droidprov/internal/device"
	"github.com/FluidXR/droidprov/internal/physical"
)

var startCmd = &cobra.Command{
	Use:               "start <device>",
	Short:             "Start an emulator and wait for it to come online",
	Args:              cobra.ExactArgs(1),
	PersistentPreRunE: requireDeps(),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(e *engine) error {
			e.background()
			fmt.Printf("Starting %s...\n", args[0])
			h, err := e.invoke(cmd.Context(), args[0], device.ActionActivate, nil)
			if err != nil {
				return err
			}
			printDevice(h, h.State())
			return nil
		})
	},
}

var stopCmd = &cobra.Command{
	Use:               "stop <device>",
	Short:             "Shut down a running emulator",
	Args:              cobra.ExactArgs(1),
	PersistentPreRunE: requireDeps(),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(e *engine) error {
			e.background()
			fmt.Printf("Stopping %s...\n", args[0])
			h, err := e.invoke(cmd.Context(), args[0], device.ActionDeactivate, nil)
			if err != nil {
				return err
			}
			printDevice(h, h.State())
			return nil
		})
	},
}

var (
	createPackage     string
	createDevice      string
	createDisplayName string
	createForce       bool
)

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new emulator definition",
	Long: `Creates an AVD with avdmanager.

Example: droidprov create Pixel_6 --package "system-images;android-34;google_apis;x86_64" --device pixel_6`,
	Args:              cobra.ExactArgs(1),
	PersistentPreRunE: requireDeps(),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(e *engine) error {
			if e.emulator == nil {
				return fmt.Errorf("the emulator plugin is disabled in %s", configFile())
			}
			if _, err := e.tooling.Find(cmd.Context(), args[0]); err == nil && !createForce {
				return fmt.Errorf("an AVD named %s already exists, use --force to replace it", args[0])
			}
			h, err := e.emulator.Create(cmd.Context(), avd.CreateRequest{
				Name:        args[0],
				DisplayName: createDisplayName,
				Package:     createPackage,
				Device:      createDevice,
				Force:       createForce,
			})
			if err != nil {
				return err
			}
			fmt.Println("Created:")
			printDevice(h, h.State())
			return nil
		})
	},
}

var (
	editDisplayName string
	editSet         map[string]string
)

var editCmd = &cobra.Command{
	Use:   "edit <device>",
	Short: "Change an emulator's settings",
	Long: `Edits the AVD's config.ini. Besides --display-name, --set accepts name,
ram, heap, cores, sdcard and keyboard as well as raw config.ini keys.

Example: droidprov edit Pixel_6 --display-name "Pixel 6 (work)" --set ram=4096`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := device.Params{}
		for k, v := range editSet {
			params[k] = v
		}
		if editDisplayName != "" {
			params["displayname"] = editDisplayName
		}
		if len(params) == 0 {
			return fmt.Errorf("nothing to change, use --display-name or --set")
		}
		return withEngine(cmd.Context(), func(e *engine) error {
			h, err := e.invoke(cmd.Context(), args[0], device.ActionEdit, params)
			if err != nil {
				return err
			}
			printDevice(h, h.State())
			return nil
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <device>",
	Short: "Delete a stopped emulator, or forget a disconnected device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(e *engine) error {
			h, err := e.invoke(cmd.Context(), args[0], device.ActionDelete, nil)
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %s\n", h.Key())
			return nil
		})
	},
}

var forgetCmd = &cobra.Command{
	Use:   "forget <serial>",
	Short: "Forget a disconnected physical device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(e *engine) error {
			h, err := e.service.Find(args[0])
			if err != nil {
				return err
			}
			if h.Plugin() != physical.Name {
				return fmt.Errorf("%s is not a physical device, use delete", args[0])
			}
			if err := h.Invoke(cmd.Context(), device.ActionDelete, nil); err != nil {
				return explain(h, "forget", err)
			}
			fmt.Printf("Forgot %s\n", h.Key())
			return nil
		})
	},
}

func init() {
	createCmd.Flags().StringVar(&createPackage, "package", "", "system image package (required)")
	createCmd.Flags().StringVar(&createDevice, "device", "", "hardware profile, e.g. pixel_6")
	createCmd.Flags().StringVar(&createDisplayName, "display-name", "", "name shown in device lists")
	createCmd.Flags().BoolVar(&createForce, "force", false, "overwrite an existing AVD with the same name")
	createCmd.MarkFlagRequired("package")

	editCmd.Flags().StringVar(&editDisplayName, "display-name", "", "new display name")
	editCmd.Flags().StringToStringVar(&editSet, "set", nil, "setting to change, as key=value")

	rootCmd.AddCommand(startCmd, stopCmd, createCmd, editCmd, deleteCmd, forgetCmd)
}
