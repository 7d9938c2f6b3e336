package device

import "fmt"

// Phase is the connectivity phase of a device.
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnected
)

func (p Phase) String() string {
	if p == PhaseConnected {
		return "connected"
	}
	return "disconnected"
}

// State is everything known about a device at one instant.
//
// It has two variants, selected by Phase. Connection is set only while
// Connected. Transitioning plus Status describe an in-progress sub-phase
// ("Starting up", "Shutting down") without adding more variants.
type State struct {
	Phase         Phase
	Properties    Properties
	Connection    ConnectedDevice
	Transitioning bool
	Status        string
}

// Disconnected returns a settled Disconnected state.
func Disconnected(p Properties) State {
	return State{Phase: PhaseDisconnected, Properties: p}
}

// Connected returns a settled Connected state bound to conn.
func Connected(p Properties, conn ConnectedDevice) State {
	return State{Phase: PhaseConnected, Properties: p, Connection: conn}
}

// IsConnected reports whether s is the Connected variant.
func (s State) IsConnected() bool {
	return s.Phase == PhaseConnected
}

// IsSettled reports whether no transition is in progress.
func (s State) IsSettled() bool {
	return !s.Transitioning
}

// Transition returns a copy of s marked as transitioning with status.
func (s State) Transition(status string) State {
	s.Transitioning = true
	s.Status = status
	return s
}

// WithProperties returns a copy of s carrying p.
func (s State) WithProperties(p Properties) State {
	s.Properties = p
	return s
}

// Equal reports whether s and o describe the same state. Connections are
// compared by identity.
func (s State) Equal(o State) bool {
	return s.Phase == o.Phase &&
		s.Properties == o.Properties &&
		s.Connection == o.Connection &&
		s.Transitioning == o.Transitioning &&
		s.Status == o.Status
}

func (s State) String() string {
	if s.Transitioning {
		return fmt.Sprintf("%s(%s)", s.Phase, s.Status)
	}
	return s.Phase.String()
}
