package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Action names shared by the plugins.
const (
	ActionActivate   = "activate"
	ActionDeactivate = "deactivate"
	ActionEdit       = "edit"
	ActionDelete     = "delete"
)

// Handle is the stable identity of one managed device.
//
// A handle owns a lifetime scope (a child of its plugin's scope), the
// device's current State and a fixed set of named actions. Identity and
// actions survive reconnects; only the state changes.
type Handle struct {
	id     string
	key    string
	plugin string

	ctx    context.Context
	cancel context.CancelFunc
	cell   *Cell

	mu      sync.RWMutex
	actions []*Action
}

// NewHandle creates a handle keyed by key whose scope is a child of parent.
func NewHandle(parent context.Context, plugin, key string, initial State) *Handle {
	ctx, cancel := context.WithCancel(parent)
	return &Handle{
		id:     uuid.NewString(),
		key:    key,
		plugin: plugin,
		ctx:    ctx,
		cancel: cancel,
		cell:   NewCell(initial),
	}
}

// Handle returns h. It lets *Handle be stored directly in a Repository.
func (h *Handle) Handle() *Handle { return h }

// ID is a random identifier unique to this handle instance.
func (h *Handle) ID() string { return h.id }

// Key is the device identity the handle is registered under.
func (h *Handle) Key() string { return h.key }

// Plugin is the name of the owning plugin.
func (h *Handle) Plugin() string { return h.plugin }

// Context is the handle's lifetime scope. It is cancelled when the handle
// is removed or its plugin is closed.
func (h *Handle) Context() context.Context { return h.ctx }

// Done is closed when the handle's scope ends.
func (h *Handle) Done() <-chan struct{} { return h.ctx.Done() }

// Cell exposes the state cell for the Advance protocol.
func (h *Handle) Cell() *Cell { return h.cell }

// State returns the current state.
func (h *Handle) State() State { return h.cell.Load() }

// SetState replaces the current state.
func (h *Handle) SetState(s State) bool { return h.cell.Set(s) }

// UpdateState atomically rewrites the state; see Cell.Update.
func (h *Handle) UpdateState(fn func(State) (State, bool)) bool {
	_, _, ok := h.cell.Update(fn)
	return ok
}

// Subscribe follows state changes; see Cell.Subscribe.
func (h *Handle) Subscribe() (<-chan State, func()) { return h.cell.Subscribe() }

// OnClose registers f to run once the handle's scope ends, however it ends.
func (h *Handle) OnClose(f func()) {
	context.AfterFunc(h.ctx, f)
}

// Close ends the handle's scope.
func (h *Handle) Close() {
	h.cancel()
}

// AddAction attaches a to h. Actions are registered when the handle is
// built and never change afterwards.
func (h *Handle) AddAction(a *Action) {
	h.mu.Lock()
	defer h.mu.Unlock()
	a.handle = h
	h.actions = append(h.actions, a)
}

// Action looks up an action by name.
func (h *Handle) Action(name string) (*Action, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, a := range h.actions {
		if a.name == name {
			return a, true
		}
	}
	return nil, false
}

// Actions returns the handle's actions in registration order.
func (h *Handle) Actions() []*Action {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Action, len(h.actions))
	copy(out, h.actions)
	return out
}

// Invoke runs the named action.
func (h *Handle) Invoke(ctx context.Context, name string, params Params) error {
	a, ok := h.Action(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoAction, name)
	}
	return a.Invoke(ctx, params)
}

func (h *Handle) String() string {
	return fmt.Sprintf("%s/%s", h.plugin, h.key)
}

// Summary is a serializable view of a handle, used for JSON output and
// published state.
type Summary struct {
	ID            string     `json:"id"`
	Plugin        string     `json:"plugin"`
	Key           string     `json:"key"`
	Phase         string     `json:"phase"`
	Transitioning bool       `json:"transitioning"`
	Status        string     `json:"status,omitempty"`
	Serial        string     `json:"serial,omitempty"`
	Properties    Properties `json:"properties"`
	Actions       []string   `json:"enabled_actions"`
}

// Summarize builds a Summary of h in state s.
func Summarize(h *Handle, s State) Summary {
	sum := Summary{
		ID:            h.id,
		Plugin:        h.plugin,
		Key:           h.key,
		Phase:         s.Phase.String(),
		Transitioning: s.Transitioning,
		Status:        s.Status,
		Properties:    s.Properties,
		Actions:       []string{},
	}
	if s.Connection != nil {
		sum.Serial = s.Connection.Serial()
	}
	for _, a := range h.Actions() {
		if a.enabledIn(s) {
			sum.Actions = append(sum.Actions, a.name)
		}
	}
	return sum
}
