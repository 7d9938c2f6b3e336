package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"github.com/FluidXR/droidprov/internal/avd"
	"github.com/FluidXR/droidprov/internal/publish"
)

const watchDebounce = 500 * time.Millisecond

var watchQuiet bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Track devices continuously and report every state change",
	Long: `Runs the provisioning service until interrupted: AVDs are rescanned
periodically and whenever the AVD home changes, attached devices are claimed
as they appear, and every state change is printed. With mqtt.enabled the
state of every device is also published as retained MQTT messages.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEngine(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer e.close()

		events, unsubscribe := e.service.Subscribe(256)
		defer unsubscribe()

		var pub *publish.Publisher
		if cfg.MQTT.Enabled {
			pub, err = publish.Connect(publish.Options{
				Broker:      cfg.MQTT.Broker,
				ClientID:    cfg.MQTT.ClientID,
				Username:    cfg.MQTT.Username,
				Password:    cfg.MQTT.Password,
				TopicPrefix: cfg.MQTT.TopicPrefix,
				QoS:         byte(cfg.MQTT.QoS),
				Logger:      logger,
			})
			if err != nil {
				return err
			}
			defer pub.Close()
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		var wg conc.WaitGroup
		if e.emulator != nil && cfg.Emulator.WatchAVDHome {
			w, err := avd.NewWatcher(e.tooling.Home(), watchDebounce, logger)
			if err != nil {
				logger.Warn().Err(err).Msg("AVD home not watched, relying on periodic scans")
			} else {
				wg.Go(func() { w.Run(ctx, e.emulator.TriggerRescan) })
			}
		}

		if pub != nil {
			states, unsubscribe := e.service.Subscribe(256)
			defer unsubscribe()
			wg.Go(func() { pub.Run(ctx, states) })
		}

		var runErr error
		wg.Go(func() {
			defer cancel()
			runErr = e.service.Run(ctx)
		})

		fmt.Println("Watching devices, press Ctrl+C to stop.")
		for {
			select {
			case <-ctx.Done():
				wg.Wait()
				if errors.Is(runErr, context.Canceled) {
					return nil
				}
				return runErr
			case ev := <-events:
				if watchQuiet {
					continue
				}
				ts := ev.At.Format(time.TimeOnly)
				if ev.Removed {
					fmt.Printf("%s removed %s/%s\n", ts, ev.Plugin, ev.Handle.Key())
					continue
				}
				fmt.Printf("%s ", ts)
				printDevice(ev.Handle, ev.State)
			}
		}
	},
}

func init() {
	watchCmd.Flags().BoolVarP(&watchQuiet, "quiet", "q", false, "only log, do not print events")
	rootCmd.AddCommand(watchCmd)
}
