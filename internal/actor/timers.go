package actor

import (
	"sync"
	"time"
)

// Timers is a registry of named one-shot timers.
//
// Each name holds at most one pending timer: starting a name that is already
// armed replaces it. Names are concerns ("outbox-retry", "recovery"), not
// individual requests, so the reducer only ever reasons about one deadline per
// concern.
type Timers struct {
	mu      sync.Mutex
	pending map[string]*time.Timer
	stopped bool

	// afterFunc is swapped in tests.
	afterFunc func(d time.Duration, f func()) *time.Timer
}

// NewTimers returns an empty registry.
func NewTimers() *Timers {
	return &Timers{
		pending:   make(map[string]*time.Timer),
		afterFunc: time.AfterFunc,
	}
}

// Start arms name to call fire after d, replacing any pending timer with the
// same name. A non-positive d fires on the next scheduler tick.
func (t *Timers) Start(name string, d time.Duration, fire func()) {
	if fire == nil {
		return
	}
	if d < 0 {
		d = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if prev, ok := t.pending[name]; ok {
		prev.Stop()
	}

	var timer *time.Timer
	timer = t.afterFunc(d, func() {
		t.mu.Lock()
		current, ok := t.pending[name]
		if !ok || current != timer {
			t.mu.Unlock()
			return
		}
		delete(t.pending, name)
		t.mu.Unlock()
		fire()
	})
	t.pending[name] = timer
}

// Cancel disarms name. Unknown names are ignored.
func (t *Timers) Cancel(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.pending[name]; ok {
		prev.Stop()
		delete(t.pending, name)
	}
}

// armed reports whether name currently has a pending timer.
func (t *Timers) armed(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[name]
	return ok
}

// Stop disarms every timer and rejects further Starts.
func (t *Timers) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for name, timer := range t.pending {
		timer.Stop()
		delete(t.pending, name)
	}
}
