package device

import (
	"sync"

	"github.com/google/uuid"
)

// Cell holds the current State of one device.
//
// Writes are serialized by the cell's mutex and a write that does not
// change the state is dropped, so subscribers only see distinct values.
// Every accepted write bumps the version, so a reader can tell whether the
// state moved between two snapshots.
//
// Subscribers receive values on a conflated channel: a slow reader skips
// intermediate states but always ends up with the latest one.
type Cell struct {
	mu      sync.Mutex
	state   State
	version uint64
	subs    map[string]chan State
}

// NewCell creates a cell holding initial.
func NewCell(initial State) *Cell {
	return &Cell{
		state: initial,
		subs:  make(map[string]chan State),
	}
}

// Load returns the current state.
func (c *Cell) Load() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns the current state and its version.
func (c *Cell) Snapshot() (State, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.version
}

// Set replaces the state. It reports whether the state changed.
func (c *Cell) Set(s State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store(s)
}

// Update applies fn to the current state atomically. If fn returns false,
// or returns a state equal to the current one, nothing is written.
// It returns the state fn saw, the version after the call and whether a
// write happened.
func (c *Cell) Update(fn func(State) (State, bool)) (prev State, version uint64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev = c.state
	next, accept := fn(prev)
	if !accept {
		return prev, c.version, false
	}
	ok = c.store(next)
	return prev, c.version, ok
}

// Subscribe returns a channel that immediately holds the current state and
// then receives every later change. The returned func unsubscribes and
// closes the channel.
func (c *Cell) Subscribe() (<-chan State, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := uuid.NewString()
	ch := make(chan State, 1)
	ch <- c.state
	c.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.subs, id)
			close(ch)
		})
	}
}

// store must be called with c.mu held.
func (c *Cell) store(s State) bool {
	if c.state.Equal(s) {
		return false
	}
	c.state = s
	c.version++
	for _, ch := range c.subs {
		offer(ch, s)
	}
	return true
}

// offer replaces whatever is buffered in ch with v. Only one goroutine
// sends on ch at a time, so the final send cannot block.
func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
