package device

import (
	"context"
	"fmt"
)

// Params carries named arguments for an action, e.g. the new display name
// for an edit. Actions ignore keys they do not know.
type Params map[string]string

// Action is one named lifecycle operation on a handle.
type Action struct {
	name    string
	handle  *Handle
	enabled func(State) bool
	run     func(ctx context.Context, params Params) error
}

// NewAction creates an action. enabled decides from a state whether the
// action may run; run performs it.
func NewAction(name string, enabled func(State) bool, run func(ctx context.Context, params Params) error) *Action {
	return &Action{name: name, enabled: enabled, run: run}
}

// Name returns the action name.
func (a *Action) Name() string { return a.name }

// Enabled reports whether the action may run in the handle's current state.
func (a *Action) Enabled() bool {
	return a.enabledIn(a.handle.State())
}

func (a *Action) enabledIn(s State) bool {
	return a.enabled == nil || a.enabled(s)
}

// WatchEnabled streams the enabled flag, starting with its current value
// and then on every change. The channel closes when ctx is done or the
// handle is closed.
func (a *Action) WatchEnabled(ctx context.Context) <-chan bool {
	out := make(chan bool, 1)
	states, unsubscribe := a.handle.Subscribe()
	go func() {
		defer close(out)
		defer unsubscribe()
		last, first := false, true
		for {
			select {
			case <-ctx.Done():
				return
			case <-a.handle.Done():
				return
			case s, ok := <-states:
				if !ok {
					return
				}
				v := a.enabledIn(s)
				if !first && v == last {
					continue
				}
				first, last = false, v
				select {
				case out <- v:
				case <-ctx.Done():
					return
				case <-a.handle.Done():
					return
				}
			}
		}
	}()
	return out
}

// Invoke runs the action. It fails with ErrNotApplicable when the action is
// disabled in the current state.
func (a *Action) Invoke(ctx context.Context, params Params) error {
	if !a.Enabled() {
		return fmt.Errorf("%s %s: %w", a.name, a.handle, ErrNotApplicable)
	}
	return a.run(ctx, params)
}

// Settled reports whether s is not transitioning. Combine it with a phase
// check to build an enabled predicate.
func Settled(phase Phase) func(State) bool {
	return func(s State) bool {
		return s.Phase == phase && !s.Transitioning
	}
}
