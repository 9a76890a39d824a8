package sdk

import (
	"errors"
	"sync"
)

var errDispatcherClosed = errors.New("sdk: client closed")

// dispatcher runs queued functions one at a time on its own goroutine.
//
// gomobile may call exported methods from any thread. Facade state and
// listener callbacks go through a dispatcher so callers observe them in
// submission order.
type dispatcher struct {
	name string
	q    chan func()

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func newDispatcher(name string, queueSize int) *dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	d := &dispatcher{
		name: name,
		q:    make(chan func(), queueSize),
		done: make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *dispatcher) loop() {
	defer close(d.done)
	for fn := range d.q {
		d.run(fn)
	}
}

func (d *dispatcher) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logPanic(d.name, r)
		}
	}()
	fn()
}

// do queues fn without waiting for it.
func (d *dispatcher) do(fn func()) error {
	if fn == nil {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return errDispatcherClosed
	}
	d.q <- fn
	return nil
}

// call queues fn and waits for its result.
func (d *dispatcher) call(fn func() (any, error)) (any, error) {
	if fn == nil {
		return nil, nil
	}
	type result struct {
		value any
		err   error
	}
	done := make(chan result, 1)
	err := d.do(func() {
		res := result{err: errors.New("sdk: call panicked")}
		defer func() { done <- res }()
		res.value, res.err = fn()
	})
	if err != nil {
		return nil, err
	}
	res := <-done
	return res.value, res.err
}

// close stops accepting work and waits for queued work to drain.
func (d *dispatcher) close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.q)
	}
	d.mu.Unlock()
	<-d.done
}
