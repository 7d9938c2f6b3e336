package provision

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/FluidXR/droidprov/internal/device"
)

type fakeConn struct {
	serial string
	once   sync.Once
	done   chan struct{}
}

func newFakeConn(serial string) *fakeConn {
	return &fakeConn{serial: serial, done: make(chan struct{})}
}

func (f *fakeConn) Serial() string                        { return f.serial }
func (f *fakeConn) ConnectionType() device.ConnectionType { return device.USB }
func (f *fakeConn) Done() <-chan struct{}                 { return f.done }
func (f *fakeConn) disconnect()                           { f.once.Do(func() { close(f.done) }) }

func (f *fakeConn) Properties(context.Context) (map[string]string, error) {
	return map[string]string{}, nil
}

func (f *fakeConn) Shell(context.Context, string, ...string) (string, error) { return "", nil }

// fakePlugin claims every serial with its prefix.
type fakePlugin struct {
	name   string
	prefix string
	ctx    context.Context
	cancel context.CancelFunc
	repo   *device.Repository[*device.Handle]

	mu     sync.Mutex
	claims []string
}

func newFakePlugin(name, prefix string) *fakePlugin {
	ctx, cancel := context.WithCancel(context.Background())
	return &fakePlugin{name: name, prefix: prefix, ctx: ctx, cancel: cancel, repo: device.NewRepository[*device.Handle]()}
}

func (p *fakePlugin) Name() string          { return p.name }
func (p *fakePlugin) Devices() *device.List { return p.repo.List() }
func (p *fakePlugin) Close() error          { p.cancel(); p.repo.Close(); return nil }

func (p *fakePlugin) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (p *fakePlugin) Claim(_ context.Context, conn device.ConnectedDevice) (*device.Handle, bool) {
	if !strings.HasPrefix(conn.Serial(), p.prefix) {
		return nil, false
	}
	p.mu.Lock()
	p.claims = append(p.claims, conn.Serial())
	p.mu.Unlock()
	props := device.Properties{Title: "Device " + conn.Serial()}
	h, _ := p.repo.Compute(conn.Serial(), func(cur *device.Handle, ok bool) (*device.Handle, bool) {
		if ok {
			cur.SetState(device.Connected(props, conn))
			return cur, true
		}
		return device.NewHandle(p.ctx, p.name, conn.Serial(), device.Connected(props, conn)), true
	})
	return h, true
}

func (p *fakePlugin) claimed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.claims...)
}

type fakeTracker struct {
	conns []device.ConnectedDevice
	err   error
}

func (t *fakeTracker) Run(ctx context.Context, out chan<- device.ConnectedDevice) error {
	if t.err != nil {
		return t.err
	}
	for _, c := range t.conns {
		select {
		case out <- c:
		case <-ctx.Done():
			return nil
		}
	}
	<-ctx.Done()
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOfferFirstClaimWins(t *testing.T) {
	first := newFakePlugin("first", "emulator-")
	second := newFakePlugin("second", "")
	svc := New(nil, []device.Plugin{first, second}, zerolog.Nop())

	h, ok := svc.Offer(context.Background(), newFakeConn("emulator-5554"))
	if !ok || h.Plugin() != "first" {
		t.Fatalf("emulator connection: got %v %v, want claimed by first", h, ok)
	}
	h, ok = svc.Offer(context.Background(), newFakeConn("R58M12345"))
	if !ok || h.Plugin() != "second" {
		t.Fatalf("physical connection: got %v %v, want claimed by second", h, ok)
	}
	if got := second.claimed(); len(got) != 1 {
		t.Errorf("second plugin saw %v, want only the unclaimed connection", got)
	}
}

func TestOfferNobodyClaims(t *testing.T) {
	svc := New(nil, []device.Plugin{newFakePlugin("only", "emulator-")}, zerolog.Nop())
	if _, ok := svc.Offer(context.Background(), newFakeConn("XYZ")); ok {
		t.Fatal("expected connection to be declined")
	}
}

func TestRunDispatchesTrackedConnections(t *testing.T) {
	p := newFakePlugin("p", "")
	tracker := &fakeTracker{conns: []device.ConnectedDevice{newFakeConn("A"), newFakeConn("B")}}
	svc := New(tracker, []device.Plugin{p}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	waitFor(t, "both connections claimed", func() bool { return len(svc.Handles()) == 2 })

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunReturnsTrackerFailure(t *testing.T) {
	adbDown := errors.New("cannot connect to daemon")
	svc := New(&fakeTracker{err: adbDown}, []device.Plugin{newFakePlugin("p", "")}, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- svc.Run(context.Background()) }()
	select {
	case err := <-done:
		if !errors.Is(err, adbDown) {
			t.Fatalf("Run returned %v, want the tracker error", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run kept going after the tracker failed")
	}
}

func TestEventsFollowStateAndRemoval(t *testing.T) {
	p := newFakePlugin("p", "")
	svc := New(&fakeTracker{}, []device.Plugin{p}, zerolog.Nop())
	events, unsubscribe := svc.Subscribe(64)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	conn := newFakeConn("A")
	h, _ := svc.Offer(ctx, conn)

	next := func() device.Event {
		t.Helper()
		select {
		case ev := <-events:
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("no event")
			return device.Event{}
		}
	}

	ev := next()
	if ev.Handle != h || !ev.State.IsConnected() || ev.Plugin != "p" {
		t.Fatalf("first event = %+v, want connected state of %s", ev, h)
	}

	h.SetState(device.Disconnected(ev.State.Properties))
	if ev := next(); ev.State.IsConnected() || ev.Removed {
		t.Fatalf("second event = %+v, want disconnected", ev)
	}

	p.repo.Remove(h.Key())
	if ev := next(); !ev.Removed || ev.Handle != h {
		t.Fatalf("third event = %+v, want removal", ev)
	}
}

func TestFind(t *testing.T) {
	p := newFakePlugin("p", "")
	svc := New(nil, []device.Plugin{p}, zerolog.Nop())
	a, _ := svc.Offer(context.Background(), newFakeConn("A"))
	svc.Offer(context.Background(), newFakeConn("B"))

	if h, err := svc.Find(a.ID()); err != nil || h != a {
		t.Errorf("Find(id) = %v, %v", h, err)
	}
	if h, err := svc.Find("device a"); err != nil || h != a {
		t.Errorf("Find(title) = %v, %v", h, err)
	}
	if _, err := svc.Find("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Find(missing) err = %v, want ErrNotFound", err)
	}

	dup := newFakePlugin("dup", "")
	svc = New(nil, []device.Plugin{p, dup}, zerolog.Nop())
	dup.Claim(context.Background(), newFakeConn("A"))
	if _, err := svc.Find("Device A"); !errors.Is(err, ErrAmbiguous) {
		t.Errorf("Find(shared title) err = %v, want ErrAmbiguous", err)
	}
}
