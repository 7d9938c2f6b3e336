// Package provision runs the device plugins against the live transport.
//
// Every connection reported by the tracker is offered to the plugins in
// their configured order; the first plugin to claim it owns it. The service
// also follows every plugin's handle list and turns state changes into a
// single Event stream.
package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/sourcegraph/conc"

	"github.com/FluidXR/droidprov/internal/device"
)

var (
	// ErrNotFound is returned by Find when no handle matches.
	ErrNotFound = errors.New("no matching device")
	// ErrAmbiguous is returned by Find when several handles match.
	ErrAmbiguous = errors.New("more than one device matches")
)

// Tracker reports live connections until ctx is done.
type Tracker interface {
	Run(ctx context.Context, out chan<- device.ConnectedDevice) error
}

// Service wires the tracker to the plugins.
type Service struct {
	tracker Tracker
	plugins []device.Plugin
	log     zerolog.Logger

	mu      sync.Mutex
	subs    map[string]chan device.Event
	watched map[string]bool
}

// New creates a service. plugins are offered connections in order.
func New(tracker Tracker, plugins []device.Plugin, log zerolog.Logger) *Service {
	return &Service{
		tracker: tracker,
		plugins: plugins,
		log:     log.With().Str("component", "provision").Logger(),
		subs:    make(map[string]chan device.Event),
		watched: make(map[string]bool),
	}
}

// Plugins returns the plugins in claim order.
func (s *Service) Plugins() []device.Plugin { return s.plugins }

// Run starts the plugins and the tracker and dispatches connections until
// ctx is done. If the tracker fails, everything is stopped and its error
// is returned.
func (s *Service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg conc.WaitGroup
	for _, p := range s.plugins {
		wg.Go(func() {
			if err := p.Run(ctx); err != nil && ctx.Err() == nil {
				s.log.Error().Err(err).Str("plugin", p.Name()).Msg("plugin stopped")
			}
		})
		wg.Go(func() { s.follow(ctx, &wg, p) })
	}

	conns := make(chan device.ConnectedDevice)
	var trackerErr error
	if s.tracker != nil {
		wg.Go(func() {
			if err := s.tracker.Run(ctx, conns); err != nil && ctx.Err() == nil {
				s.log.Error().Err(err).Msg("tracker stopped")
				trackerErr = err
				cancel()
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			if trackerErr != nil {
				return fmt.Errorf("device tracker: %w", trackerErr)
			}
			return ctx.Err()
		case conn := <-conns:
			wg.Go(func() { s.Offer(ctx, conn) })
		}
	}
}

// Offer hands conn to each plugin in order until one claims it.
func (s *Service) Offer(ctx context.Context, conn device.ConnectedDevice) (*device.Handle, bool) {
	for _, p := range s.plugins {
		if h, ok := p.Claim(ctx, conn); ok {
			return h, true
		}
	}
	s.log.Debug().Str("serial", conn.Serial()).Msg("no plugin claimed connection")
	return nil, false
}

// Handles returns every handle of every plugin.
func (s *Service) Handles() []*device.Handle {
	var out []*device.Handle
	for _, p := range s.plugins {
		out = append(out, p.Devices().Snapshot()...)
	}
	return out
}

// Find looks a handle up by id, key, AVD name, title or connection serial.
// Matching is case-insensitive; an exact id or key match wins outright.
func (s *Service) Find(query string) (*device.Handle, error) {
	handles := s.Handles()
	if h, ok := lo.Find(handles, func(h *device.Handle) bool {
		return h.ID() == query || h.Key() == query
	}); ok {
		return h, nil
	}

	matches := lo.Filter(handles, func(h *device.Handle, _ int) bool {
		st := h.State()
		p := st.Properties
		candidates := []string{p.AVD.Name, p.AVD.DisplayName, p.Title}
		if st.Connection != nil {
			candidates = append(candidates, st.Connection.Serial())
		}
		return lo.ContainsBy(candidates, func(c string) bool {
			return c != "" && strings.EqualFold(c, query)
		})
	})
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %q", ErrNotFound, query)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrAmbiguous, query)
	}
}

// Subscribe returns a stream of events. Slow subscribers lose events
// rather than stalling the service.
func (s *Service) Subscribe(buffer int) (<-chan device.Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	ch := make(chan device.Event, buffer)
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
}

func (s *Service) emit(ev device.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.log.Warn().Str("device", ev.Handle.String()).Msg("event subscriber lagging, dropping event")
		}
	}
}

// follow starts a state watcher for every handle that appears in p's list.
func (s *Service) follow(ctx context.Context, wg *conc.WaitGroup, p device.Plugin) {
	lists, unsubscribe := p.Devices().Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case handles := <-lists:
			for _, h := range handles {
				if s.markWatched(h) {
					wg.Go(func() { s.watch(ctx, p.Name(), h) })
				}
			}
		}
	}
}

func (s *Service) markWatched(h *device.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watched[h.ID()] {
		return false
	}
	s.watched[h.ID()] = true
	return true
}

func (s *Service) watch(ctx context.Context, plugin string, h *device.Handle) {
	states, unsubscribe := h.Subscribe()
	defer unsubscribe()
	defer func() {
		s.mu.Lock()
		delete(s.watched, h.ID())
		s.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.Done():
			if ctx.Err() == nil {
				s.emit(device.Event{Plugin: plugin, Handle: h, State: h.State(), Removed: true, At: time.Now()})
			}
			return
		case st := <-states:
			s.emit(device.Event{Plugin: plugin, Handle: h, State: st, At: time.Now()})
		}
	}
}
