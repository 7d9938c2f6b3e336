package emulator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/FluidXR/droidprov/internal/avd"
	"github.com/FluidXR/droidprov/internal/device"
)

type fakeRegistry struct {
	mu      sync.Mutex
	defs    map[string]avd.Definition
	started []string
	stopped []string
	listErr error
	panicky atomic.Int32
	startFn func(avd.Definition) error
	stopFn  func(avd.Definition)
}

func newFakeRegistry(defs ...avd.Definition) *fakeRegistry {
	r := &fakeRegistry{defs: make(map[string]avd.Definition)}
	for _, d := range defs {
		r.defs[d.Path] = d
	}
	return r
}

func (r *fakeRegistry) put(d avd.Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[d.Path] = d
}

func (r *fakeRegistry) remove(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.defs, path)
}

func (r *fakeRegistry) List(context.Context) ([]avd.Definition, error) {
	if r.panicky.Load() > 0 {
		r.panicky.Add(-1)
		panic("corrupt avd home")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	out := make([]avd.Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (r *fakeRegistry) Create(_ context.Context, req avd.CreateRequest) (avd.Definition, error) {
	d := avd.Definition{Name: req.Name, DisplayName: req.DisplayName, Path: "/avd/" + req.Name + ".avd"}
	r.put(d)
	return d, nil
}

func (r *fakeRegistry) Edit(_ context.Context, def avd.Definition, changes map[string]string) (avd.Definition, error) {
	if name, ok := changes["name"]; ok {
		def.DisplayName = name
	}
	r.put(def)
	return def, nil
}

func (r *fakeRegistry) Start(_ context.Context, def avd.Definition) error {
	r.mu.Lock()
	r.started = append(r.started, def.Name)
	fn := r.startFn
	r.mu.Unlock()
	if fn != nil {
		return fn(def)
	}
	return nil
}

func (r *fakeRegistry) Stop(_ context.Context, def avd.Definition) error {
	r.mu.Lock()
	r.stopped = append(r.stopped, def.Name)
	fn := r.stopFn
	r.mu.Unlock()
	if fn != nil {
		fn(def)
	}
	return nil
}

func (r *fakeRegistry) Delete(_ context.Context, def avd.Definition) error {
	r.remove(def.Path)
	return nil
}

func (r *fakeRegistry) stopCalls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.stopped...)
}

type fakeConsole struct {
	path    string
	pathErr error
	killErr error
	onKill  func()
	closes  atomic.Int32
}

func (c *fakeConsole) AvdPath(context.Context) (string, error) { return c.path, c.pathErr }
func (c *fakeConsole) Close() error                            { c.closes.Add(1); return nil }
func (c *fakeConsole) Kill(context.Context) error {
	if c.killErr != nil {
		return c.killErr
	}
	if c.onKill != nil {
		c.onKill()
	}
	return nil
}

// consoles maps console ports to sessions. A port registered with serve
// hands out a new session on every open, like a real console does.
type consoles struct {
	mu     sync.Mutex
	byPort map[int]*fakeConsole
	fresh  map[int]string
	opened []*fakeConsole
}

func (c *consoles) serve(port int, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fresh == nil {
		c.fresh = make(map[int]string)
	}
	c.fresh[port] = path
}

func (c *consoles) sessions() []*fakeConsole {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeConsole(nil), c.opened...)
}

func (c *consoles) set(port int, cons *fakeConsole) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byPort == nil {
		c.byPort = make(map[int]*fakeConsole)
	}
	c.byPort[port] = cons
}

func (c *consoles) open(_ context.Context, port int) (Console, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if path, ok := c.fresh[port]; ok {
		cons := &fakeConsole{path: path}
		c.opened = append(c.opened, cons)
		return cons, nil
	}
	cons, ok := c.byPort[port]
	if !ok {
		return nil, errors.New("connection refused")
	}
	return cons, nil
}

type fakeConn struct {
	serial string
	props  map[string]string
	once   sync.Once
	done   chan struct{}
}

func newFakeConn(serial string) *fakeConn {
	return &fakeConn{
		serial: serial,
		props: map[string]string{
			device.PropRelease:    "14",
			device.PropSDK:        "34",
			device.PropKernelQemu: "1",
		},
		done: make(chan struct{}),
	}
}

func (f *fakeConn) Serial() string                        { return f.serial }
func (f *fakeConn) ConnectionType() device.ConnectionType { return device.Unknown }
func (f *fakeConn) Done() <-chan struct{}                 { return f.done }
func (f *fakeConn) disconnect()                           { f.once.Do(func() { close(f.done) }) }
func (f *fakeConn) Properties(context.Context) (map[string]string, error) {
	return f.props, nil
}
func (f *fakeConn) Shell(context.Context, string, ...string) (string, error) { return "", nil }
