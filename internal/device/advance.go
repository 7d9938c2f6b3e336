package device

import (
	"context"
	"fmt"
	"time"
)

type advanceConfig struct {
	revertOnError bool
}

// AdvanceOption tunes Advance.
type AdvanceOption func(*advanceConfig)

// RevertOnError makes Advance restore the pre-action state when the action
// itself fails.
func RevertOnError() AdvanceOption {
	return func(c *advanceConfig) { c.revertOnError = true }
}

// Advance drives one lifecycle action through the cell.
//
// optimistic maps the current state to a transitioning state; returning
// false aborts with ErrNotApplicable and leaves the cell untouched. Once the
// optimistic state is visible, action runs. Advance does not settle the
// state itself: it returns nil once an independent signal, such as a claim
// or a disconnection, has moved the cell off the optimistic state.
//
// If no signal arrives within timeout (or ctx ends first), the optimistic
// state is rolled back to the pre-action variant and ErrTimeout (or the
// context error) is returned. The action keeps running in the background;
// a late signal still applies.
func Advance(
	ctx context.Context,
	cell *Cell,
	timeout time.Duration,
	optimistic func(State) (State, bool),
	action func(ctx context.Context) error,
	opts ...AdvanceOption,
) error {
	var cfg advanceConfig
	for _, o := range opts {
		o(&cfg)
	}

	var next State
	prev, _, ok := cell.Update(func(s State) (State, bool) {
		var accept bool
		next, accept = optimistic(s)
		return next, accept
	})
	if !ok {
		return ErrNotApplicable
	}

	pending := func(s State) bool {
		return s.Transitioning && s.Phase == next.Phase && s.Status == next.Status
	}
	revert := func() bool {
		_, _, reverted := cell.Update(func(s State) (State, bool) {
			if !pending(s) {
				return s, false
			}
			return prev.WithProperties(s.Properties), true
		})
		return reverted
	}

	states, unsubscribe := cell.Subscribe()
	defer unsubscribe()

	// The action outlives the caller's wait, so it gets a detached context.
	actx := context.WithoutCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- action(actx)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case err := <-done:
			done = nil
			if err != nil {
				if cfg.revertOnError {
					revert()
				}
				return err
			}
			if !pending(cell.Load()) {
				return nil
			}
		case s := <-states:
			if done == nil && !pending(s) {
				return nil
			}
		case <-timer.C:
			if revert() {
				return fmt.Errorf("%w after %s", ErrTimeout, timeout)
			}
			return nil
		case <-ctx.Done():
			revert()
			return ctx.Err()
		}
	}
}

// AwaitSettled blocks until h is settled in phase, ctx ends or h closes.
func AwaitSettled(ctx context.Context, h *Handle, phase Phase) (State, error) {
	states, unsubscribe := h.Subscribe()
	defer unsubscribe()
	for {
		select {
		case s := <-states:
			if s.Phase == phase && s.IsSettled() {
				return s, nil
			}
		case <-h.Done():
			return h.State(), fmt.Errorf("%s: %w", h, context.Canceled)
		case <-ctx.Done():
			return h.State(), ctx.Err()
		}
	}
}
