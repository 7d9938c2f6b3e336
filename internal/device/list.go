package device

import (
	"sync"

	"github.com/google/uuid"
)

// List is an observable snapshot of a plugin's handles.
type List struct {
	mu      sync.Mutex
	handles []*Handle
	subs    map[string]chan []*Handle
}

// NewList creates an empty list.
func NewList() *List {
	return &List{subs: make(map[string]chan []*Handle)}
}

// Snapshot returns the current handles. Callers must not modify the slice.
func (l *List) Snapshot() []*Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handles
}

// Subscribe returns a conflated channel holding the current snapshot and
// then each later one. The returned func unsubscribes.
func (l *List) Subscribe() (<-chan []*Handle, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := uuid.NewString()
	ch := make(chan []*Handle, 1)
	ch <- l.handles
	l.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.subs, id)
			close(ch)
		})
	}
}

func (l *List) publish(handles []*Handle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handles = handles
	for _, ch := range l.subs {
		offer(ch, handles)
	}
}
