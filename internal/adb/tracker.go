package adb

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/FluidXR/droidprov/internal/device"
)

// ErrDisconnected is returned by operations on a connection that went away.
var ErrDisconnected = errors.New("device disconnected")

// Tracker polls the adb server and turns its device list into a stream of
// connections. Each device seen online yields one Connection whose Done
// channel closes when the device drops off the list.
type Tracker struct {
	source   Source
	interval time.Duration
	log      zerolog.Logger

	live map[string]*Connection
}

// NewTracker creates a tracker polling source every interval.
func NewTracker(source Source, interval time.Duration, log zerolog.Logger) *Tracker {
	return &Tracker{
		source:   source,
		interval: interval,
		log:      log.With().Str("component", "tracker").Logger(),
		live:     make(map[string]*Connection),
	}
}

// Run polls until ctx is done, sending new connections on out. All live
// connections are closed on return.
func (t *Tracker) Run(ctx context.Context, out chan<- device.ConnectedDevice) error {
	defer t.closeAll()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		added, err := t.Poll(ctx)
		if err != nil && ctx.Err() == nil {
			t.log.Warn().Err(err).Msg("poll adb server")
		}
		for _, c := range added {
			select {
			case out <- c:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll refreshes the device list once. It returns connections that appeared
// and closes the ones that disappeared. A failed listing leaves the live set
// unchanged.
func (t *Tracker) Poll(ctx context.Context) ([]*Connection, error) {
	transports, err := t.source.Transports(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(transports))
	var added []*Connection
	for _, tr := range transports {
		serial := tr.Serial()
		seen[serial] = true
		if _, ok := t.live[serial]; ok {
			continue
		}
		c := newConnection(tr)
		t.live[serial] = c
		added = append(added, c)
		t.log.Debug().Str("serial", serial).Str("conn", string(c.ConnectionType())).
			Bool("emulator", tr.Info().IsEmulator()).Msg("device attached")
	}
	for serial, c := range t.live {
		if seen[serial] {
			continue
		}
		delete(t.live, serial)
		c.close()
		t.log.Debug().Str("serial", serial).Msg("device detached")
	}
	return added, nil
}

func (t *Tracker) closeAll() {
	for serial, c := range t.live {
		delete(t.live, serial)
		c.close()
	}
}
