package cmd

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"slices"
	"strings"

	"github.com/FluidXR/droidprov/internal/config"
)

type dependency struct {
	name       string
	binary     string
	installCmd map[string]string // GOOS -> install command
	plugin     string            // only needed when this plugin is enabled
}

func dependencies(c *config.Config) []dependency {
	return []dependency{
		{
			name:   "ADB (Android Debug Bridge)",
			binary: "adb",
			installCmd: map[string]string{
				"darwin":  "brew install android-platform-tools",
				"linux":   "sudo apt install android-tools-adb",
				"windows": "winget install Google.PlatformTools",
			},
		},
		{
			name:   "Android Emulator",
			binary: c.EmulatorBinary(),
			installCmd: map[string]string{
				"darwin": "sdkmanager emulator",
				"linux":  "sdkmanager emulator",
			},
			plugin: config.PluginEmulator,
		},
		{
			name:   "avdmanager (Android SDK command-line tools)",
			binary: c.AVDManagerBinary(),
			installCmd: map[string]string{
				"darwin": "brew install --cask android-commandlinetools",
				"linux":  "sdkmanager cmdline-tools;latest",
			},
			plugin: config.PluginEmulator,
		},
	}
}

// checkDeps verifies that the tools used by the enabled plugins are
// installed. Returns nil if all deps are present or the user installed them.
func checkDeps(c *config.Config) error {
	var missing []dependency
	for _, dep := range dependencies(c) {
		if dep.plugin != "" && !enabled(c, dep.plugin) {
			continue
		}
		if _, err := exec.LookPath(dep.binary); err != nil {
			missing = append(missing, dep)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	fmt.Println("droidprov requires the following tools that are not installed:")
	fmt.Println()
	for _, dep := range missing {
		fmt.Printf("  - %s (%s)\n", dep.name, dep.binary)
	}
	fmt.Println()

	reader := bufio.NewReader(os.Stdin)

	for _, dep := range missing {
		cmd, ok := dep.installCmd[runtime.GOOS]
		if !ok {
			fmt.Printf("Please install %s manually and try again.\n", dep.name)
			continue
		}

		fmt.Printf("Install %s with: %s\n", dep.name, cmd)
		fmt.Print("Run now? [Y/n] ")
		answer, _ := reader.ReadString('\n')
		answer = strings.TrimSpace(strings.ToLower(answer))

		if answer != "" && answer != "y" && answer != "yes" {
			fmt.Printf("Skipped. Install %s manually before using droidprov.\n", dep.name)
			continue
		}

		fmt.Printf("Running: %s\n", cmd)
		parts := strings.Fields(cmd)
		install := exec.Command(parts[0], parts[1:]...)
		install.Stdout = os.Stdout
		install.Stderr = os.Stderr
		install.Stdin = os.Stdin
		if err := install.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to install %s: %v\n", dep.name, err)
			fmt.Fprintf(os.Stderr, "Please install it manually and try again.\n")
		} else {
			fmt.Printf("%s installed successfully.\n\n", dep.name)
		}
	}

	// Re-check after install attempts
	for _, dep := range missing {
		if _, err := exec.LookPath(dep.binary); err != nil {
			return fmt.Errorf("%s is required but not installed", dep.binary)
		}
	}
	return nil
}

func enabled(c *config.Config, plugin string) bool {
	return slices.Contains(c.Plugins, plugin)
}
