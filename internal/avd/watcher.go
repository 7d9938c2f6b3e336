package avd

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reports changes to AVD definitions on disk so that a rescan can
// run before the next periodic one.
type Watcher struct {
	home     string
	debounce time.Duration
	log      zerolog.Logger
	w        *fsnotify.Watcher
}

// NewWatcher watches home and every AVD data directory in it.
func NewWatcher(home string, debounce time.Duration, log zerolog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(home); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", home, err)
	}
	matches, _ := filepath.Glob(filepath.Join(home, "*.avd"))
	for _, dir := range matches {
		if err := w.Add(dir); err != nil {
			log.Debug().Err(err).Str("dir", dir).Msg("watch avd dir")
		}
	}
	return &Watcher{
		home:     home,
		debounce: debounce,
		log:      log.With().Str("component", "avd-watcher").Logger(),
		w:        w,
	}, nil
}

// Run calls notify after each burst of relevant changes, until ctx is done.
func (w *Watcher) Run(ctx context.Context, notify func()) error {
	defer w.w.Close()

	timer := time.NewTimer(0)
	<-timer.C
	pending := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.w.Events:
			if !ok {
				return nil
			}
			if !relevant(ev.Name) {
				continue
			}
			if ev.Has(fsnotify.Create) && strings.HasSuffix(ev.Name, ".avd") {
				if err := w.w.Add(ev.Name); err != nil {
					w.log.Debug().Err(err).Str("dir", ev.Name).Msg("watch new avd dir")
				}
			}
			pending = true
			timer.Reset(w.debounce)

		case <-timer.C:
			if pending {
				pending = false
				notify()
			}

		case err, ok := <-w.w.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("avd watcher error")
		}
	}
}

// relevant filters out the emulator's own churn (images, locks, snapshots).
func relevant(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(base, ".ini") && !strings.HasSuffix(base, ".lock") && base != "hardware-qemu.ini" ||
		strings.HasSuffix(base, ".avd")
}
