package device

import (
	"testing"
	"time"
)

func TestCellDropsEqualWrites(t *testing.T) {
	c := NewCell(Disconnected(Properties{Title: "Pixel 6"}))
	_, v0 := c.Snapshot()

	if c.Set(Disconnected(Properties{Title: "Pixel 6"})) {
		t.Fatal("equal write should be dropped")
	}
	if _, v := c.Snapshot(); v != v0 {
		t.Fatalf("version moved on equal write: %d -> %d", v0, v)
	}
	if !c.Set(Disconnected(Properties{Title: "Pixel 7"})) {
		t.Fatal("distinct write should be accepted")
	}
	if _, v := c.Snapshot(); v != v0+1 {
		t.Fatalf("version = %d, want %d", v, v0+1)
	}
}

func TestCellSubscribeConflates(t *testing.T) {
	c := NewCell(Disconnected(Properties{}))
	ch, unsubscribe := c.Subscribe()
	defer unsubscribe()

	for _, title := range []string{"a", "b", "c"} {
		c.Set(Disconnected(Properties{Title: title}))
	}

	select {
	case s := <-ch:
		if s.Properties.Title != "c" {
			t.Fatalf("got %q, want latest state %q", s.Properties.Title, "c")
		}
	case <-time.After(time.Second):
		t.Fatal("no state delivered")
	}
	select {
	case s := <-ch:
		t.Fatalf("unexpected extra state %v", s)
	default:
	}
}

func TestCellUnsubscribeClosesOnce(t *testing.T) {
	c := NewCell(Disconnected(Properties{}))
	ch, unsubscribe := c.Subscribe()
	<-ch
	unsubscribe()
	unsubscribe()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	c.Set(Connected(Properties{}, nil))
}

func TestCellUpdateRejected(t *testing.T) {
	c := NewCell(Disconnected(Properties{}))
	_, v0 := c.Snapshot()
	prev, v, ok := c.Update(func(s State) (State, bool) {
		return s.Transition("Starting up"), false
	})
	if ok || v != v0 || prev.Transitioning {
		t.Fatalf("rejected update wrote: ok=%v version %d->%d", ok, v0, v)
	}
	if c.Load().Transitioning {
		t.Fatal("state changed")
	}
}
