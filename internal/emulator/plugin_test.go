package emulator

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/FluidXR/droidprov/internal/avd"
	"github.com/FluidXR/droidprov/internal/device"
)

var pixel6 = avd.Definition{
	Name:         "Pixel_6",
	Path:         "/home/dev/.android/avd/Pixel_6.avd",
	APILevel:     "34",
	Manufacturer: "Google",
	Model:        "pixel_6",
}

type fixture struct {
	t        *testing.T
	registry *fakeRegistry
	consoles *consoles
	plugin   *Plugin
}

func newFixture(t *testing.T, opts Options, defs ...avd.Definition) *fixture {
	t.Helper()
	f := &fixture{t: t, registry: newFakeRegistry(defs...), consoles: &consoles{}}
	opts.Logger = zerolog.Nop()
	f.plugin = New(context.Background(), f.registry, f.consoles.open, opts)
	t.Cleanup(func() { f.plugin.Close() })
	return f
}

func (f *fixture) rescan() {
	f.t.Helper()
	if err := f.plugin.Rescan(context.Background()); err != nil {
		f.t.Fatalf("Rescan: %v", err)
	}
}

func (f *fixture) handle(path string) *device.Handle {
	f.t.Helper()
	h, ok := f.plugin.Handle(path)
	if !ok {
		f.t.Fatalf("no handle for %s", path)
	}
	return h
}

// boot simulates an emulator for def appearing on console port.
func (f *fixture) boot(def avd.Definition, port int) (*fakeConn, *fakeConsole) {
	cons := &fakeConsole{path: def.Path}
	f.consoles.set(port, cons)
	return newFakeConn("emulator-" + strconv.Itoa(port)), cons
}

func waitFor(t *testing.T, h *device.Handle, pred func(device.State) bool) device.State {
	t.Helper()
	states, unsubscribe := h.Subscribe()
	defer unsubscribe()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case s := <-states:
			if pred(s) {
				return s
			}
		case <-timeout:
			t.Fatalf("state never matched, last %v", h.State())
		}
	}
}

func TestRescanIsIdempotent(t *testing.T) {
	f := newFixture(t, Options{}, pixel6)
	list, unsubscribe := f.plugin.Devices().Subscribe()
	defer unsubscribe()
	<-list

	f.rescan()
	first := <-list
	if len(first) != 1 {
		t.Fatalf("published %d handles, want 1", len(first))
	}
	h := first[0]
	before := h.State()

	f.rescan()
	f.rescan()
	select {
	case again := <-list:
		t.Fatalf("unchanged scan republished the list: %v", again)
	default:
	}
	if f.handle(pixel6.Path) != h {
		t.Fatal("handle instance changed")
	}
	if !h.State().Equal(before) {
		t.Fatalf("state changed: %v -> %v", before, h.State())
	}
	if got := before.Properties; got.Title != "Pixel 6" || !got.IsVirtual || got.AVD.Path != pixel6.Path {
		t.Fatalf("properties = %+v", got)
	}
}

func TestRetention(t *testing.T) {
	pixel7 := avd.Definition{Name: "Pixel_7", Path: "/home/dev/.android/avd/Pixel_7.avd"}
	f := newFixture(t, Options{}, pixel6, pixel7)
	f.rescan()

	conn, _ := f.boot(pixel6, 5554)
	if _, ok := f.plugin.Claim(context.Background(), conn); !ok {
		t.Fatal("claim declined")
	}
	running := f.handle(pixel6.Path)
	idle := f.handle(pixel7.Path)

	f.registry.remove(pixel6.Path)
	f.registry.remove(pixel7.Path)
	f.rescan()

	if _, ok := f.plugin.Handle(pixel6.Path); !ok {
		t.Fatal("connected handle removed with its definition")
	}
	if _, ok := f.plugin.Handle(pixel7.Path); ok {
		t.Fatal("disconnected handle kept after its definition vanished")
	}
	select {
	case <-idle.Done():
	default:
		t.Fatal("removed handle scope not cancelled")
	}

	conn.disconnect()
	waitFor(t, running, func(s device.State) bool { return !s.IsConnected() })
	f.rescan()
	if _, ok := f.plugin.Handle(pixel6.Path); ok {
		t.Fatal("handle kept after disconnect with no definition")
	}
}

func TestEmulatorStart(t *testing.T) {
	f := newFixture(t, Options{ActivateTimeout: 2 * time.Second}, pixel6)
	f.rescan()
	h := f.handle(pixel6.Path)
	if h.State().IsConnected() {
		t.Fatal("new handle should be disconnected")
	}

	conn, _ := f.boot(pixel6, 5554)
	claimed := make(chan struct{})
	f.registry.startFn = func(avd.Definition) error {
		go func() {
			defer close(claimed)
			f.plugin.Claim(context.Background(), conn)
		}()
		return nil
	}

	if err := h.Invoke(context.Background(), device.ActionActivate, nil); err != nil {
		t.Fatalf("activate: %v", err)
	}
	<-claimed
	s := waitFor(t, h, func(s device.State) bool { return s.IsConnected() })
	if s.Connection != conn || s.Transitioning {
		t.Fatalf("state = %v", s)
	}
	if s.Properties.AndroidRelease != "14" || s.Properties.Title != "Pixel 6" {
		t.Fatalf("merged properties = %+v", s.Properties)
	}
	if f.handle(pixel6.Path) != h {
		t.Fatal("claim created a new handle")
	}
}

func TestGracefulStop(t *testing.T) {
	f := newFixture(t, Options{DeactivateTimeout: 2 * time.Second}, pixel6)
	f.rescan()
	conn, cons := f.boot(pixel6, 5554)
	h, ok := f.plugin.Claim(context.Background(), conn)
	if !ok {
		t.Fatal("claim declined")
	}

	sawShutdown := make(chan device.State, 1)
	cons.onKill = func() {
		sawShutdown <- h.State()
		go conn.disconnect()
	}
	if err := h.Invoke(context.Background(), device.ActionDeactivate, nil); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if s := <-sawShutdown; !s.IsConnected() || s.Status != "Shutting down" {
		t.Fatalf("state during kill = %v", s)
	}
	s := waitFor(t, h, func(s device.State) bool { return !s.IsConnected() })
	if !s.IsSettled() {
		t.Fatalf("state = %v, want settled", s)
	}
	if calls := f.registry.stopCalls(); len(calls) != 0 {
		t.Fatalf("fallback stop used: %v", calls)
	}
	waitClosed(t, cons)
}

func TestDeactivateFallsBack(t *testing.T) {
	f := newFixture(t, Options{DeactivateTimeout: 2 * time.Second}, pixel6)
	f.rescan()
	conn, cons := f.boot(pixel6, 5554)
	cons.killErr = errors.New("broken pipe")
	h, _ := f.plugin.Claim(context.Background(), conn)
	f.registry.stopFn = func(avd.Definition) { go conn.disconnect() }

	if err := h.Invoke(context.Background(), device.ActionDeactivate, nil); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if calls := f.registry.stopCalls(); len(calls) != 1 || calls[0] != "Pixel_6" {
		t.Fatalf("stop calls = %v", calls)
	}
	if h.State().IsConnected() {
		t.Fatalf("state = %v, want disconnected", h.State())
	}
}

func TestEditWithoutDisconnect(t *testing.T) {
	f := newFixture(t, Options{}, pixel6)
	f.rescan()
	h := f.handle(pixel6.Path)

	renamed := pixel6
	renamed.DisplayName = "Work phone"
	f.registry.put(renamed)
	f.rescan()

	if f.handle(pixel6.Path) != h {
		t.Fatal("edit replaced the handle")
	}
	if got := h.State().Properties.Title; got != "Work phone" {
		t.Fatalf("title = %q", got)
	}

	if err := h.Invoke(context.Background(), device.ActionEdit, device.Params{"name": "Test rig"}); err != nil {
		t.Fatalf("edit action: %v", err)
	}
	if got := h.State().Properties.Title; got != "Test rig" {
		t.Fatalf("title after edit action = %q", got)
	}
}

func TestDefinitionChangeIgnoredWhileConnected(t *testing.T) {
	f := newFixture(t, Options{}, pixel6)
	f.rescan()
	conn, _ := f.boot(pixel6, 5554)
	h, _ := f.plugin.Claim(context.Background(), conn)

	renamed := pixel6
	renamed.DisplayName = "Work phone"
	f.registry.put(renamed)
	f.rescan()
	if got := h.State().Properties.Title; got != "Pixel 6" {
		t.Fatalf("connected handle took disk change: %q", got)
	}

	conn.disconnect()
	s := waitFor(t, h, func(s device.State) bool { return !s.IsConnected() })
	if s.Properties.Title != "Work phone" {
		t.Fatalf("title after disconnect = %q", s.Properties.Title)
	}
}

func TestActivateTimeoutWithoutSignal(t *testing.T) {
	f := newFixture(t, Options{ActivateTimeout: 30 * time.Millisecond}, pixel6)
	f.rescan()
	h := f.handle(pixel6.Path)

	err := h.Invoke(context.Background(), device.ActionActivate, nil)
	if !errors.Is(err, device.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	s := h.State()
	if s.IsConnected() || !s.IsSettled() {
		t.Fatalf("state after timeout = %v, want settled disconnected", s)
	}
	a, _ := h.Action(device.ActionActivate)
	if !a.Enabled() {
		t.Fatal("activate should be enabled again after the timeout")
	}
}

func TestActivateStartFailureReverts(t *testing.T) {
	f := newFixture(t, Options{}, pixel6)
	f.rescan()
	h := f.handle(pixel6.Path)
	f.registry.startFn = func(avd.Definition) error { return errors.New("emulator: not found") }

	if err := h.Invoke(context.Background(), device.ActionActivate, nil); err == nil {
		t.Fatal("expected start error")
	}
	if s := h.State(); s.Transitioning {
		t.Fatalf("state = %v, want reverted", s)
	}
}

func TestConcurrentClaimsYieldOneHandle(t *testing.T) {
	f := newFixture(t, Options{}, pixel6)
	f.rescan()
	cons := &fakeConsole{path: pixel6.Path}
	f.consoles.set(5554, cons)

	const n = 16
	var wg sync.WaitGroup
	handles := make([]*device.Handle, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, ok := f.plugin.Claim(context.Background(), newFakeConn("emulator-5554"))
			if !ok {
				t.Error("claim declined")
			}
			handles[i] = h
		}(i)
	}
	wg.Wait()

	for _, h := range handles {
		if h != handles[0] {
			t.Fatal("claims resolved to different handles")
		}
	}
	if got := len(f.plugin.Devices().Snapshot()); got != 1 {
		t.Fatalf("list has %d handles, want 1", got)
	}
	if !handles[0].State().IsConnected() {
		t.Fatal("handle not connected")
	}
}

func TestClaimRescansOnceForNewDefinition(t *testing.T) {
	f := newFixture(t, Options{}, pixel6)
	f.rescan()

	pixel8 := avd.Definition{Name: "Pixel_8", Path: "/home/dev/.android/avd/Pixel_8.avd"}
	f.registry.put(pixel8)
	conn, _ := f.boot(pixel8, 5556)

	h, ok := f.plugin.Claim(context.Background(), conn)
	if !ok {
		t.Fatal("claim declined although the definition exists")
	}
	if h.Key() != pixel8.Path || !h.State().IsConnected() {
		t.Fatalf("handle = %s state = %v", h.Key(), h.State())
	}
}

func TestClaimDeclines(t *testing.T) {
	f := newFixture(t, Options{}, pixel6)
	f.rescan()

	if _, ok := f.plugin.Claim(context.Background(), newFakeConn("ABC123")); ok {
		t.Fatal("claimed a non-emulator serial")
	}
	if _, ok := f.plugin.Claim(context.Background(), newFakeConn("emulator-5560")); ok {
		t.Fatal("claimed without a console")
	}

	old := &fakeConsole{pathErr: errors.New("KO: unknown command")}
	f.consoles.set(5562, old)
	if _, ok := f.plugin.Claim(context.Background(), newFakeConn("emulator-5562")); ok {
		t.Fatal("claimed although avd path is unsupported")
	}
	if old.closes.Load() != 1 {
		t.Fatalf("console closed %d times, want 1", old.closes.Load())
	}

	stray := &fakeConsole{path: "/tmp/elsewhere.avd"}
	f.consoles.set(5564, stray)
	if _, ok := f.plugin.Claim(context.Background(), newFakeConn("emulator-5564")); ok {
		t.Fatal("claimed an avd that is not on disk")
	}
	if stray.closes.Load() != 1 {
		t.Fatalf("console closed %d times, want 1", stray.closes.Load())
	}
}

func TestConsoleReleasedOnce(t *testing.T) {
	f := newFixture(t, Options{}, pixel6)
	f.rescan()
	conn, cons := f.boot(pixel6, 5554)
	h, _ := f.plugin.Claim(context.Background(), conn)

	conn.disconnect()
	waitFor(t, h, func(s device.State) bool { return !s.IsConnected() })
	waitClosed(t, cons)
	h.Close()
	time.Sleep(20 * time.Millisecond)
	if n := cons.closes.Load(); n != 1 {
		t.Fatalf("console closed %d times, want 1", n)
	}
}

func TestConsoleReleasedWithHandleScope(t *testing.T) {
	f := newFixture(t, Options{}, pixel6)
	f.rescan()
	conn, cons := f.boot(pixel6, 5554)
	if _, ok := f.plugin.Claim(context.Background(), conn); !ok {
		t.Fatal("claim declined")
	}
	f.plugin.Close()
	waitClosed(t, cons)
}

func TestDeleteRemovesHandle(t *testing.T) {
	f := newFixture(t, Options{}, pixel6)
	f.rescan()
	h := f.handle(pixel6.Path)
	if err := h.Invoke(context.Background(), device.ActionDelete, nil); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := f.plugin.Handle(pixel6.Path); ok {
		t.Fatal("handle still registered")
	}
	<-h.Done()
	select {
	case <-f.plugin.rescan:
	default:
		t.Fatal("delete did not schedule a rescan")
	}
}

func TestClaimAfterCloseDeclines(t *testing.T) {
	f := newFixture(t, Options{}, pixel6)
	f.rescan()
	f.plugin.Close()

	conn, cons := f.boot(pixel6, 5554)
	if h, ok := f.plugin.Claim(context.Background(), conn); ok {
		t.Fatalf("closed plugin claimed %s", h)
	}
	if n := len(f.plugin.Devices().Snapshot()); n != 0 {
		t.Fatalf("closed plugin lists %d handles", n)
	}
	if err := f.plugin.Rescan(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Rescan after Close = %v, want ErrClosed", err)
	}
	if n := len(f.plugin.Devices().Snapshot()); n != 0 {
		t.Fatalf("rescan after Close rebuilt %d handles", n)
	}
	if n := cons.closes.Load(); n != 0 {
		t.Fatalf("console touched after Close: %d closes", n)
	}
}

func TestReplacedConsolesClosedOnce(t *testing.T) {
	f := newFixture(t, Options{}, pixel6)
	f.rescan()
	f.consoles.serve(5554, pixel6.Path)

	const n = 16
	conns := make([]*fakeConn, n)
	var wg sync.WaitGroup
	for i := range conns {
		conns[i] = newFakeConn("emulator-5554")
		wg.Add(1)
		go func(conn *fakeConn) {
			defer wg.Done()
			if _, ok := f.plugin.Claim(context.Background(), conn); !ok {
				t.Error("claim declined")
			}
		}(conns[i])
	}
	wg.Wait()

	h := f.handle(pixel6.Path)
	for _, c := range conns {
		c.disconnect()
	}
	waitFor(t, h, func(s device.State) bool { return !s.IsConnected() })

	sessions := f.consoles.sessions()
	if len(sessions) != n {
		t.Fatalf("opened %d consoles, want %d", len(sessions), n)
	}
	for _, cons := range sessions {
		waitClosed(t, cons)
	}
	time.Sleep(20 * time.Millisecond)
	for i, cons := range sessions {
		if got := cons.closes.Load(); got != 1 {
			t.Errorf("console %d closed %d times, want 1", i, got)
		}
	}
}

func TestCreate(t *testing.T) {
	f := newFixture(t, Options{})
	h, err := f.plugin.Create(context.Background(), avd.CreateRequest{Name: "Pixel_9", DisplayName: "Pixel 9", Package: "pkg"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if h.State().Properties.Title != "Pixel 9" {
		t.Fatalf("title = %q", h.State().Properties.Title)
	}
}

func TestRunSurvivesFailingScans(t *testing.T) {
	f := newFixture(t, Options{ScanInterval: 10 * time.Millisecond}, pixel6)
	f.registry.panicky.Store(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.plugin.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := f.plugin.Handle(pixel6.Path); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("scan loop stopped after a panic")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v", err)
	}
}

func waitClosed(t *testing.T, cons *fakeConsole) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for cons.closes.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("console not closed")
		case <-time.After(2 * time.Millisecond):
		}
	}
}
