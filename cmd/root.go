package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/FluidXR/droidprov/internal/config"
	"github.com/FluidXR/droidprov/internal/logging"
)

// Version of droidprov.
const Version = "0.1.0"

var (
	configPath string
	logLevel   string

	cfg       *config.Config
	logger    = zerolog.Nop()
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:     "droidprov",
	Short:   "Provision Android emulators and devices",
	Version: Version,
	Long: `droidprov keeps track of the Android emulators defined on this machine and
the physical devices attached over ADB, and starts, stops, creates and edits
them through one device list.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

// loadConfig reads the config file and builds the logger.
func loadConfig(cmd *cobra.Command, args []string) error {
	c, err := config.LoadFrom(configFile())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		c.Logging.Level = logLevel
	}
	l, closer, err := logging.New(c.Logging)
	if err != nil {
		return err
	}
	cfg, logger, logCloser = c, l, closer
	return nil
}

// configFile is the config file in use.
func configFile() string {
	if configPath != "" {
		return configPath
	}
	return config.ConfigPath()
}

// saveConfig writes cfg back to the file it was loaded from.
func saveConfig() error {
	return config.SaveTo(cfg, configFile())
}

// requireDeps returns a PersistentPreRunE that loads the config and checks
// for the external tools the command runs.
func requireDeps() func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(cmd, args); err != nil {
			return err
		}
		return checkDeps(cfg)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default "+config.ConfigPath()+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
}

// Execute runs the root command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
