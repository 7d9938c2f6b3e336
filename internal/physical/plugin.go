// Package physical provisions USB and network attached hardware devices.
//
// Handles are keyed by the device's persistent serial (ro.serialno) and
// only ever created by a successful claim or restored from the catalog of
// previously seen devices. A disconnected device keeps its handle until
// the user forgets it.
package physical

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/FluidXR/droidprov/internal/catalog"
	"github.com/FluidXR/droidprov/internal/device"
)

// Name is the plugin name used in logs and events.
const Name = "physical"

// Catalog persists the devices the plugin has seen.
type Catalog interface {
	List() ([]catalog.Record, error)
	Upsert(serial string, p device.Properties) error
	Delete(serial string) error
}

// Options tunes the plugin.
type Options struct {
	// Nicknames override the title of devices by serial.
	Nicknames map[string]string
	Logger    zerolog.Logger
}

// Plugin is the physical device provisioner.
type Plugin struct {
	catalog   Catalog
	nicknames map[string]string
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	repo   *device.Repository[*device.Handle]

	// closeMu orders watcher registration against Close.
	closeMu sync.Mutex
	closed  bool
	wg      conc.WaitGroup
}

// New creates the plugin. cat may be nil, in which case nothing is
// remembered across runs.
func New(ctx context.Context, cat Catalog, opts Options) *Plugin {
	ctx, cancel := context.WithCancel(ctx)
	return &Plugin{
		catalog:   cat,
		nicknames: opts.Nicknames,
		log:       opts.Logger.With().Str("plugin", Name).Logger(),
		ctx:       ctx,
		cancel:    cancel,
		repo:      device.NewRepository[*device.Handle](),
	}
}

// Name implements device.Plugin.
func (p *Plugin) Name() string { return Name }

// Devices implements device.Plugin.
func (p *Plugin) Devices() *device.List { return p.repo.List() }

// Handle returns the handle for serial.
func (p *Plugin) Handle(serial string) (*device.Handle, bool) {
	return p.repo.Get(serial)
}

// Run restores catalogued devices as Disconnected handles, then waits for
// ctx. Physical devices have no background work beyond their watchers.
func (p *Plugin) Run(ctx context.Context) error {
	if err := p.Restore(); err != nil {
		p.log.Warn().Err(err).Msg("restore catalog")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return nil
	}
}

// Restore adds a Disconnected handle for every catalogued device that has
// none yet.
func (p *Plugin) Restore() error {
	if p.catalog == nil {
		return nil
	}
	records, err := p.catalog.List()
	if err != nil {
		return err
	}
	p.repo.Mutate(func(m map[string]*device.Handle) {
		if p.ctx.Err() != nil {
			return
		}
		for _, r := range records {
			if _, ok := m[r.Serial]; ok {
				continue
			}
			m[r.Serial] = p.newHandle(r.Serial, device.Disconnected(p.decorate(r.Serial, r.Properties)))
		}
	})
	return nil
}

// Claim binds conn to the handle of the physical device behind it.
// Virtual devices are declined, as are USB connections whose transport
// serial does not match the device's own serial. A closed plugin declines
// everything.
func (p *Plugin) Claim(ctx context.Context, conn device.ConnectedDevice) (*device.Handle, bool) {
	if p.ctx.Err() != nil {
		return nil, false
	}
	log := p.log.With().Str("serial", conn.Serial()).Logger()

	props, raw, err := device.ReadProperties(ctx, conn)
	if err != nil {
		log.Debug().Err(err).Msg("read properties, declining")
		return nil, false
	}
	if props.IsVirtual {
		return nil, false
	}
	serial := raw[device.PropSerialNo]
	if conn.ConnectionType() == device.USB && serial != conn.Serial() {
		log.Debug().Str("ro.serialno", serial).Msg("serial mismatch, declining")
		return nil, false
	}
	if serial == "" {
		serial = conn.Serial()
	}
	props = p.decorate(serial, props)

	h, ok := p.repo.Compute(serial, func(cur *device.Handle, ok bool) (*device.Handle, bool) {
		if p.ctx.Err() != nil {
			return cur, ok
		}
		if !ok {
			cur = p.newHandle(serial, device.Disconnected(props))
		}
		cur.SetState(device.Connected(props, conn))
		return cur, true
	})
	if !ok || !p.watch(h, conn) {
		return nil, false
	}

	if p.catalog != nil {
		if err := p.catalog.Upsert(serial, props); err != nil {
			log.Warn().Err(err).Msg("record device in catalog")
		}
	}
	log.Info().Str("device", serial).Str("title", props.Title).Msg("device claimed")
	return h, true
}

// watch returns h to Disconnected when conn goes away. It reports false,
// starting nothing, once the plugin is closed.
func (p *Plugin) watch(h *device.Handle, conn device.ConnectedDevice) bool {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	if p.closed {
		return false
	}
	p.wg.Go(func() {
		select {
		case <-conn.Done():
		case <-h.Done():
			return
		}
		changed := h.UpdateState(func(s device.State) (device.State, bool) {
			if s.Connection != conn {
				return s, false
			}
			return device.Disconnected(s.Properties), true
		})
		if changed {
			p.log.Info().Str("device", h.Key()).Msg("device disconnected")
		}
	})
	return true
}

// Close cancels the plugin scope and every handle.
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

// decorate applies a configured nickname.
func (p *Plugin) decorate(serial string, props device.Properties) device.Properties {
	if nick := p.nicknames[serial]; nick != "" {
		props.Title = nick
	}
	if props.Title == "" {
		props.Title = serial
	}
	return props
}

func (p *Plugin) newHandle(serial string, initial device.State) *device.Handle {
	h := device.NewHandle(p.ctx, Name, serial, initial)
	h.AddAction(device.NewAction(device.ActionDelete, device.Settled(device.PhaseDisconnected),
		func(context.Context, device.Params) error { return p.forget(h) }))
	return h
}

// forget removes a disconnected device and its catalog entry.
func (p *Plugin) forget(h *device.Handle) error {
	var removed bool
	p.repo.Mutate(func(m map[string]*device.Handle) {
		if m[h.Key()] == h && !h.State().IsConnected() {
			delete(m, h.Key())
			removed = true
		}
	})
	if !removed {
		return fmt.Errorf("forget %s: %w", h.Key(), device.ErrNotApplicable)
	}
	if p.catalog != nil {
		if err := p.catalog.Delete(h.Key()); err != nil && !errors.Is(err, catalog.ErrNotFound) {
			return err
		}
	}
	return nil
}
