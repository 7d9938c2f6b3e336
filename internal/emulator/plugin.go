// Package emulator provisions local virtual devices defined on disk.
//
// Handles are keyed by the absolute path of the AVD data directory. A
// periodic scan keeps the set of Disconnected handles in line with the
// definitions on disk; live connections are linked to handles by asking
// the emulator console which AVD it is running.
package emulator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/FluidXR/droidprov/internal/avd"
	"github.com/FluidXR/droidprov/internal/device"
)

// Name is the plugin name used in logs and events.
const Name = "emulator"

var serialPattern = regexp.MustCompile(`^emulator-(\d+)$`)

// ErrClosed is returned by operations on a closed plugin.
var ErrClosed = errors.New("emulator plugin closed")

// Registry manages on-disk AVD definitions and emulator processes.
type Registry interface {
	List(ctx context.Context) ([]avd.Definition, error)
	Create(ctx context.Context, req avd.CreateRequest) (avd.Definition, error)
	Edit(ctx context.Context, def avd.Definition, changes map[string]string) (avd.Definition, error)
	Start(ctx context.Context, def avd.Definition) error
	Stop(ctx context.Context, def avd.Definition) error
	Delete(ctx context.Context, def avd.Definition) error
}

// Console is an open emulator console session.
type Console interface {
	AvdPath(ctx context.Context) (string, error)
	Kill(ctx context.Context) error
	Close() error
}

// ConsoleOpener opens the console listening on port.
type ConsoleOpener func(ctx context.Context, port int) (Console, error)

// Options tunes the plugin.
type Options struct {
	ScanInterval      time.Duration
	ActivateTimeout   time.Duration
	DeactivateTimeout time.Duration
	Logger            zerolog.Logger
}

func (o *Options) defaults() {
	if o.ScanInterval <= 0 {
		o.ScanInterval = 10 * time.Second
	}
	if o.ActivateTimeout <= 0 {
		o.ActivateTimeout = 60 * time.Second
	}
	if o.DeactivateTimeout <= 0 {
		o.DeactivateTimeout = 20 * time.Second
	}
}

type record struct {
	handle *device.Handle
	def    atomic.Pointer[avd.Definition]

	mu      sync.Mutex
	conn    device.ConnectedDevice
	console Console
	release func()
}

func (r *record) Handle() *device.Handle { return r.handle }

func (r *record) definition() avd.Definition { return *r.def.Load() }

func (r *record) currentConsole() Console {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.console
}

// Plugin is the local emulator provisioner.
type Plugin struct {
	registry    Registry
	openConsole ConsoleOpener
	opts        Options
	log         zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	repo   *device.Repository[*record]
	scanMu sync.Mutex
	rescan chan struct{}

	// closeMu orders watcher registration against Close.
	closeMu sync.Mutex
	closed  bool
	wg      conc.WaitGroup
}

// New creates the plugin. Its scope, and every handle's, is a child of ctx.
func New(ctx context.Context, registry Registry, openConsole ConsoleOpener, opts Options) *Plugin {
	opts.defaults()
	ctx, cancel := context.WithCancel(ctx)
	return &Plugin{
		registry:    registry,
		openConsole: openConsole,
		opts:        opts,
		log:         opts.Logger.With().Str("plugin", Name).Logger(),
		ctx:         ctx,
		cancel:      cancel,
		repo:        device.NewRepository[*record](),
		rescan:      make(chan struct{}, 1),
	}
}

// Name implements device.Plugin.
func (p *Plugin) Name() string { return Name }

// Devices implements device.Plugin.
func (p *Plugin) Devices() *device.List { return p.repo.List() }

// Handle returns the handle for the AVD at path.
func (p *Plugin) Handle(path string) (*device.Handle, bool) {
	r, ok := p.repo.Get(path)
	if !ok {
		return nil, false
	}
	return r.handle, true
}

// Run rescans every ScanInterval, and whenever TriggerRescan is called,
// until ctx or the plugin scope ends. A failed or panicking scan is logged
// and the next one runs as scheduled.
func (p *Plugin) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.ScanInterval)
	defer ticker.Stop()

	p.scanOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.ctx.Done():
			return nil
		case <-ticker.C:
		case <-p.rescan:
		}
		p.scanOnce(ctx)
	}
}

// TriggerRescan schedules a scan ahead of the next tick.
func (p *Plugin) TriggerRescan() {
	select {
	case p.rescan <- struct{}{}:
	default:
	}
}

func (p *Plugin) scanOnce(ctx context.Context) {
	var pc panics.Catcher
	pc.Try(func() {
		if err := p.Rescan(ctx); err != nil && ctx.Err() == nil && !errors.Is(err, ErrClosed) {
			p.log.Error().Err(err).Msg("rescan failed")
		}
	})
	if r := pc.Recovered(); r != nil {
		p.log.Error().Str("panic", r.String()).Msg("rescan panicked")
	}
}

// Rescan reconciles the handles with the AVD definitions on disk.
//
// Disconnected handles whose definition is gone are removed; Connected ones
// are kept. New definitions get a Disconnected handle. A changed definition
// updates its Disconnected handle in place. A closed plugin returns
// ErrClosed.
func (p *Plugin) Rescan(ctx context.Context) error {
	p.scanMu.Lock()
	defer p.scanMu.Unlock()
	if p.ctx.Err() != nil {
		return ErrClosed
	}

	defs, err := p.registry.List(ctx)
	if err != nil {
		return fmt.Errorf("list avds: %w", err)
	}
	byPath := lo.KeyBy(defs, func(d avd.Definition) string { return d.Path })

	var added, removed, updated int
	p.repo.Mutate(func(m map[string]*record) {
		if p.ctx.Err() != nil {
			return
		}
		for path, r := range m {
			if _, ok := byPath[path]; ok {
				continue
			}
			if r.handle.State().IsConnected() {
				continue
			}
			delete(m, path)
			removed++
		}
		for path, def := range byPath {
			r, ok := m[path]
			if !ok {
				m[path] = p.newRecord(def)
				added++
				continue
			}
			if r.definition() == def {
				continue
			}
			r.def.Store(&def)
			updated++
			r.handle.UpdateState(func(s device.State) (device.State, bool) {
				if s.IsConnected() {
					return s, false
				}
				return s.WithProperties(def.Properties()), true
			})
		}
	})
	if added+removed+updated > 0 {
		p.log.Debug().Int("added", added).Int("removed", removed).Int("updated", updated).Msg("rescan applied")
	}
	return nil
}

// Claim links conn to the handle of the AVD it runs. Connections that are
// not emulators, whose console cannot tell their AVD path, or whose AVD is
// not on disk are declined. A closed plugin declines everything.
func (p *Plugin) Claim(ctx context.Context, conn device.ConnectedDevice) (*device.Handle, bool) {
	if p.ctx.Err() != nil {
		return nil, false
	}
	m := serialPattern.FindStringSubmatch(conn.Serial())
	if m == nil {
		return nil, false
	}
	port, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, false
	}
	log := p.log.With().Str("serial", conn.Serial()).Logger()

	cons, err := p.openConsole(ctx, port)
	if err != nil {
		log.Debug().Err(err).Msg("console unavailable, declining")
		return nil, false
	}
	path, err := cons.AvdPath(ctx)
	if err != nil {
		cons.Close()
		log.Debug().Err(err).Msg("avd path unavailable, declining")
		return nil, false
	}

	if _, ok := p.repo.Get(path); !ok {
		if err := p.Rescan(ctx); err != nil {
			log.Warn().Err(err).Msg("rescan before claim")
		}
	}
	if _, ok := p.repo.Get(path); !ok {
		cons.Close()
		log.Info().Str("path", path).Msg("emulator runs an unknown avd, declining")
		return nil, false
	}

	live, _, err := device.ReadProperties(ctx, conn)
	if err != nil {
		log.Warn().Err(err).Msg("read live properties")
	}

	var rec *record
	var release, previous func()
	var replaced Console
	p.repo.Mutate(func(m map[string]*record) {
		r, ok := m[path]
		if !ok || p.ctx.Err() != nil {
			return
		}
		rec = r
		release = sessionRelease(r, cons)
		r.mu.Lock()
		previous, replaced = r.release, r.console
		r.conn, r.console, r.release = conn, cons, release
		r.mu.Unlock()
		r.handle.SetState(device.Connected(r.definition().Properties().Merge(live), conn))
	})
	if rec == nil {
		cons.Close()
		return nil, false
	}
	if previous != nil && replaced != cons {
		previous()
	}
	if !p.watch(rec, conn, release) {
		release()
		return nil, false
	}
	log.Info().Str("path", path).Msg("emulator claimed")
	return rec.handle, true
}

// sessionRelease detaches cons from r and closes it. The returned func is
// safe to call any number of times; cons is closed once.
func sessionRelease(r *record, cons Console) func() {
	return sync.OnceFunc(func() {
		r.mu.Lock()
		if r.console == cons {
			r.console, r.conn, r.release = nil, nil, nil
		}
		r.mu.Unlock()
		cons.Close()
	})
}

// watch returns rec to Disconnected when conn goes away and calls release
// on disconnect or when the handle scope ends. It reports false, starting
// nothing, once the plugin is closed.
func (p *Plugin) watch(rec *record, conn device.ConnectedDevice, release func()) bool {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	if p.closed {
		return false
	}
	stop := context.AfterFunc(rec.handle.Context(), release)

	p.wg.Go(func() {
		select {
		case <-conn.Done():
		case <-rec.handle.Done():
			return
		}
		stop()
		release()
		changed := rec.handle.UpdateState(func(s device.State) (device.State, bool) {
			if s.Connection != conn {
				return s, false
			}
			return device.Disconnected(rec.definition().Properties()), true
		})
		if changed {
			p.log.Info().Str("path", rec.handle.Key()).Msg("emulator disconnected")
		}
	})
	return true
}

// Create makes a new AVD and returns its handle.
func (p *Plugin) Create(ctx context.Context, req avd.CreateRequest) (*device.Handle, error) {
	def, err := p.registry.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := p.Rescan(ctx); err != nil {
		return nil, err
	}
	h, ok := p.Handle(def.Path)
	if !ok {
		return nil, fmt.Errorf("created avd %s not found at %s", def.Name, def.Path)
	}
	return h, nil
}

// Close cancels the plugin scope and every handle, and waits for the
// connection watchers to exit.
func (p *Plugin) Close() error {
	p.closeMu.Lock()
	p.closed = true
	p.closeMu.Unlock()

	p.cancel()
	p.repo.Close()
	if r := p.wg.WaitAndRecover(); r != nil {
		return r.AsError()
	}
	return nil
}

func (p *Plugin) newRecord(def avd.Definition) *record {
	r := &record{handle: device.NewHandle(p.ctx, Name, def.Path, device.Disconnected(def.Properties()))}
	r.def.Store(&def)
	p.attachActions(r)
	return r
}

func (p *Plugin) attachActions(r *record) {
	h := r.handle
	h.AddAction(device.NewAction(device.ActionActivate, device.Settled(device.PhaseDisconnected),
		func(ctx context.Context, _ device.Params) error { return p.activate(ctx, r) }))
	h.AddAction(device.NewAction(device.ActionDeactivate, device.Settled(device.PhaseConnected),
		func(ctx context.Context, _ device.Params) error { return p.deactivate(ctx, r) }))
	h.AddAction(device.NewAction(device.ActionEdit, device.State.IsSettled,
		func(ctx context.Context, params device.Params) error { return p.edit(ctx, r, params) }))
	h.AddAction(device.NewAction(device.ActionDelete, device.Settled(device.PhaseDisconnected),
		func(ctx context.Context, _ device.Params) error { return p.delete(ctx, r) }))
}

func (p *Plugin) activate(ctx context.Context, r *record) error {
	err := device.Advance(ctx, r.handle.Cell(), p.opts.ActivateTimeout,
		func(s device.State) (device.State, bool) {
			if s.IsConnected() || s.Transitioning {
				return s, false
			}
			return s.Transition("Starting up"), true
		},
		func(ctx context.Context) error {
			return p.registry.Start(ctx, r.definition())
		},
		device.RevertOnError(),
	)
	if errors.Is(err, device.ErrTimeout) {
		p.log.Warn().Str("path", r.handle.Key()).Dur("timeout", p.opts.ActivateTimeout).Msg("emulator did not come online")
	}
	return err
}

func (p *Plugin) deactivate(ctx context.Context, r *record) error {
	err := device.Advance(ctx, r.handle.Cell(), p.opts.DeactivateTimeout,
		func(s device.State) (device.State, bool) {
			if !s.IsConnected() || s.Transitioning {
				return s, false
			}
			return s.Transition("Shutting down"), true
		},
		func(ctx context.Context) error {
			if cons := r.currentConsole(); cons != nil {
				err := cons.Kill(ctx)
				if err == nil {
					return nil
				}
				p.log.Warn().Err(err).Str("path", r.handle.Key()).Msg("console kill failed, stopping process")
			}
			return p.registry.Stop(ctx, r.definition())
		},
		device.RevertOnError(),
	)
	if errors.Is(err, device.ErrTimeout) {
		p.log.Warn().Str("path", r.handle.Key()).Dur("timeout", p.opts.DeactivateTimeout).Msg("emulator did not shut down")
	}
	return err
}

func (p *Plugin) edit(ctx context.Context, r *record, params device.Params) error {
	if _, err := p.registry.Edit(ctx, r.definition(), params); err != nil {
		return err
	}
	return p.Rescan(ctx)
}

func (p *Plugin) delete(ctx context.Context, r *record) error {
	if err := p.registry.Delete(ctx, r.definition()); err != nil {
		return err
	}
	p.repo.Mutate(func(m map[string]*record) {
		if m[r.handle.Key()] == r && !r.handle.State().IsConnected() {
			delete(m, r.handle.Key())
		}
	})
	p.TriggerRescan()
	return nil
}
