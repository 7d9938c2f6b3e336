package device

import "errors"

var (
	// ErrTimeout is returned when a lifecycle action does not complete in time.
	ErrTimeout = errors.New("device: action timed out")

	// ErrNotApplicable is returned when an action cannot start from the
	// current state, for example because another transition is in progress.
	ErrNotApplicable = errors.New("device: action not applicable in current state")

	// ErrNoAction is returned when a handle has no action with the given name.
	ErrNoAction = errors.New("device: no such action")
)
