package gateway

import (
	"slices"
	"sync"
)

// Listeners is a registry of callbacks of one shape. Transports embed one per
// event stream.
type Listeners[F any] struct {
	mu     sync.Mutex
	nextID int
	fns    map[int]F
}

// Add registers fn and returns a function that removes it. The returned
// function may be called more than once.
func (l *Listeners[F]) Add(fn F) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]F)
	}
	l.nextID++
	id := l.nextID
	l.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.fns, id)
		})
	}
}

// Each calls visit for every registered callback in registration order.
//
// The registry lock is not held while visiting, so callbacks may unsubscribe.
func (l *Listeners[F]) Each(visit func(F)) {
	l.mu.Lock()
	ids := make([]int, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}
	fns := make([]F, 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, l.fns[id])
	}
	l.mu.Unlock()

	for _, fn := range fns {
		visit(fn)
	}
}

// Len returns the number of registered callbacks.
func (l *Listeners[F]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fns)
}
