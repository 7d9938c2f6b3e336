package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/FluidXR/droidprov/internal/adb"
	"github.com/FluidXR/droidprov/internal/avd"
	"github.com/FluidXR/droidprov/internal/catalog"
	"github.com/FluidXR/droidprov/internal/config"
	"github.com/FluidXR/droidprov/internal/console"
	"github.com/FluidXR/droidprov/internal/device"
	"github.com/FluidXR/droidprov/internal/emulator"
	"github.com/FluidXR/droidprov/internal/physical"
	"github.com/FluidXR/droidprov/internal/provision"
)

// engine is the wired set of components behind every device command.
type engine struct {
	log      zerolog.Logger
	adb      *adb.Client
	tracker  *adb.Tracker
	tooling  *avd.Tooling
	catalog  *catalog.DB
	emulator *emulator.Plugin
	physical *physical.Plugin
	service  *provision.Service

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

func openEngine(ctx context.Context, c *config.Config, log zerolog.Logger) (*engine, error) {
	client, err := adb.NewClient(c.ADB.Host, c.ADB.Port)
	if err != nil {
		return nil, err
	}
	e := &engine{log: log, adb: client}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.tracker = adb.NewTracker(client, c.ADB.PollInterval.Std(), log)

	var plugins []device.Plugin
	for _, name := range c.Plugins {
		switch name {
		case config.PluginEmulator:
			logDir := c.Emulator.LogDir
			if logDir == "" {
				logDir = filepath.Join(config.ConfigDir(), "logs")
			}
			e.tooling = avd.NewTooling(avd.Options{
				Home:         c.AVDHome(),
				SDKRoot:      c.SDKRoot(),
				Emulator:     c.EmulatorBinary(),
				AvdManager:   c.AVDManagerBinary(),
				EmulatorArgs: c.Emulator.ExtraArgs,
				LogDir:       config.ExpandPath(logDir),
				Logger:       log,
			})
			e.emulator = emulator.New(e.ctx, e.tooling, consoleOpener(consoleToken(c)), emulator.Options{
				ScanInterval:      c.Emulator.ScanInterval.Std(),
				ActivateTimeout:   c.Emulator.ActivateTimeout.Std(),
				DeactivateTimeout: c.Emulator.DeactivateTimeout.Std(),
				Logger:            log,
			})
			plugins = append(plugins, e.emulator)
		case config.PluginPhysical:
			var cat physical.Catalog
			if c.Catalog.Enabled {
				db, err := catalog.Open(c.CatalogDir())
				if err != nil {
					e.close()
					return nil, fmt.Errorf("open catalog: %w", err)
				}
				e.catalog = db
				cat = db
			}
			e.physical = physical.New(e.ctx, cat, physical.Options{Nicknames: c.Nicknames(), Logger: log})
			plugins = append(plugins, e.physical)
		}
	}
	e.service = provision.New(e.tracker, plugins, log)
	return e, nil
}

// consoleToken resolves the emulator console auth token file.
func consoleToken(c *config.Config) string {
	if c.SDK.ConsoleAuthToken == "" {
		return console.DefaultTokenPath()
	}
	return config.ExpandPath(c.SDK.ConsoleAuthToken)
}

// consoleOpener dials emulator consoles on the local host.
func consoleOpener(tokenPath string) emulator.ConsoleOpener {
	return func(ctx context.Context, port int) (emulator.Console, error) {
		c, err := console.Dial(ctx, "localhost", port, tokenPath)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// prime brings the device list up to date once: AVDs are scanned, known
// physical devices restored and every attached device offered to the
// plugins.
func (e *engine) prime(ctx context.Context) error {
	if e.emulator != nil {
		if err := e.emulator.Rescan(ctx); err != nil {
			return err
		}
	}
	if e.physical != nil {
		if err := e.physical.Restore(); err != nil {
			e.log.Warn().Err(err).Msg("restore catalog")
		}
	}
	conns, err := e.tracker.Poll(ctx)
	if err != nil {
		return err
	}
	var wg conc.WaitGroup
	for _, conn := range conns {
		wg.Go(func() { e.service.Offer(ctx, conn) })
	}
	wg.Wait()
	return nil
}

// background keeps the service running until the engine is closed, so that
// connections and disconnections keep flowing while an action waits.
func (e *engine) background() {
	e.wg.Go(func() {
		if err := e.service.Run(e.ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.log.Error().Err(err).Msg("provisioning stopped")
		}
	})
}

// invoke runs action on the device matching query.
func (e *engine) invoke(ctx context.Context, query, action string, params device.Params) (*device.Handle, error) {
	h, err := e.service.Find(query)
	if err != nil {
		return nil, err
	}
	if err := h.Invoke(ctx, action, params); err != nil {
		return h, explain(h, action, err)
	}
	return h, nil
}

// explain turns action errors into messages for the terminal.
func explain(h *device.Handle, action string, err error) error {
	title := h.State().Properties.Title
	switch {
	case errors.Is(err, device.ErrNoAction):
		return fmt.Errorf("%s devices do not support %s", h.Plugin(), action)
	case errors.Is(err, device.ErrNotApplicable):
		return fmt.Errorf("cannot %s %s while it is %s", action, title, h.State())
	case errors.Is(err, device.ErrTimeout):
		return fmt.Errorf("%s %s: gave up waiting, device is %s", action, title, h.State())
	}
	return fmt.Errorf("%s %s: %w", action, title, err)
}

func (e *engine) close() {
	e.cancel()
	e.wg.Wait()
	if e.emulator != nil {
		if err := e.emulator.Close(); err != nil {
			e.log.Warn().Err(err).Msg("close emulator plugin")
		}
	}
	if e.physical != nil {
		e.physical.Close()
	}
	if e.catalog != nil {
		e.catalog.Close()
	}
}

// withEngine opens an engine, primes it and runs fn.
func withEngine(ctx context.Context, fn func(e *engine) error) error {
	e, err := openEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer e.close()
	if err := e.prime(ctx); err != nil {
		return err
	}
	return fn(e)
}
