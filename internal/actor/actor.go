// Package actor is the single-goroutine event loop underneath the gateway
// controller.
//
// One goroutine owns the state value. Inputs (caller commands and runtime
// observations) are reduced one at a time by a pure reducer that returns the
// next state plus declarative effects; a Runtime executes those effects off
// the loop and feeds results back in as new inputs.
package actor

import (
	"context"
	"errors"
	"sync"
)

// Input is an item delivered to an actor mailbox.
type Input interface {
	isActorInput()
}

// Effect is a declarative side-effect produced by a reducer. The Runtime
// interprets it and reports back through emitted inputs.
type Effect interface {
	isActorEffect()
}

// ReducerFunc is a pure state transition function.
//
// Reducers must not perform I/O, spawn goroutines, read the wall clock or
// mint random ids. Anything non-deterministic arrives on the input.
type ReducerFunc[S any] func(state S, input Input) (next S, effects []Effect)

// Runtime interprets effects and emits follow-up inputs back to the actor.
type Runtime interface {
	// HandleEffects executes effects. It must return quickly; blocking work
	// runs on its own goroutine and reports back through emit. Implementations
	// stop emitting once ctx is canceled.
	HandleEffects(ctx context.Context, effects []Effect, emit func(Input))

	// Stop releases background work (timers, in-flight calls). It may be
	// called more than once.
	Stop()
}

// Hooks observe the loop without participating in it.
type Hooks[S any] struct {
	// OnInput is called after an input is dequeued, before reducing.
	OnInput func(input Input)
	// OnTransition is called after the next state has been stored.
	OnTransition func(prev S, next S, input Input)
	// OnEffects is called before effects are handed to the Runtime.
	OnEffects func(effects []Effect)
	// OnDrop is called when Enqueue discards an input on a full mailbox.
	OnDrop func(input Input)
	// OnPanic is called when the loop panics. If nil, the panic propagates.
	OnPanic func(recovered any)
}

// Actor runs a single-threaded event loop that owns state of type S.
type Actor[S any] struct {
	reduce  ReducerFunc[S]
	runtime Runtime
	hooks   Hooks[S]

	mu     sync.Mutex
	state  S
	inbox  chan Input
	ctx    context.Context

	// feedback holds runtime observations. It is unbounded so a busy mailbox
	// never loses a result the reducer is waiting on.
	feedbackMu   sync.Mutex
	feedback     []Input
	feedbackKick chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// ErrStopped is returned when the actor no longer accepts inputs.
var ErrStopped = errors.New("actor stopped")

// Option configures an Actor.
type Option[S any] func(*Actor[S])

// WithHooks attaches hooks for observability.
func WithHooks[S any](hooks Hooks[S]) Option[S] {
	return func(a *Actor[S]) { a.hooks = hooks }
}

// WithMailboxSize sets the actor mailbox buffer size.
func WithMailboxSize[S any](n int) Option[S] {
	return func(a *Actor[S]) {
		if n > 0 {
			a.inbox = make(chan Input, n)
		}
	}
}

// New creates an actor with initial state, reducer, and runtime.
func New[S any](initial S, reducer ReducerFunc[S], runtime Runtime, opts ...Option[S]) *Actor[S] {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Actor[S]{
		reduce:  reducer,
		runtime: runtime,
		state:   initial,
		inbox:   make(chan Input, 256),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),

		feedbackKick: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start launches the loop. Calling it again has no effect.
func (a *Actor[S]) Start() {
	a.once.Do(func() { go a.loop() })
}

// Stop cancels the loop and stops the runtime.
func (a *Actor[S]) Stop() {
	a.cancel()
	if a.runtime != nil {
		a.runtime.Stop()
	}
}

// Done closes when the loop exits.
func (a *Actor[S]) Done() <-chan struct{} { return a.done }

// Enqueue delivers an input without blocking.
//
// It returns false when the actor is stopped or the mailbox is full. Runtime
// observations use Feed; caller commands should prefer Send.
func (a *Actor[S]) Enqueue(input Input) bool {
	if input == nil {
		return false
	}
	select {
	case <-a.ctx.Done():
		return false
	default:
	}
	select {
	case a.inbox <- input:
		return true
	default:
		if a.hooks.OnDrop != nil {
			a.hooks.OnDrop(input)
		}
		return false
	}
}

// Feed delivers a runtime observation. It never blocks and never drops the
// input while the actor runs; feedback is reduced in the order it was fed,
// ahead of newer mailbox inputs.
func (a *Actor[S]) Feed(input Input) bool {
	if input == nil {
		return false
	}
	select {
	case <-a.ctx.Done():
		return false
	default:
	}
	a.feedbackMu.Lock()
	a.feedback = append(a.feedback, input)
	a.feedbackMu.Unlock()
	select {
	case a.feedbackKick <- struct{}{}:
	default:
	}
	return true
}

func (a *Actor[S]) takeFeedback() []Input {
	a.feedbackMu.Lock()
	defer a.feedbackMu.Unlock()
	out := a.feedback
	a.feedback = nil
	return out
}

// Send delivers an input, waiting for mailbox space until ctx is done or the
// actor stops.
func (a *Actor[S]) Send(ctx context.Context, input Input) error {
	if input == nil {
		return nil
	}
	select {
	case <-a.ctx.Done():
		return ErrStopped
	default:
	}
	select {
	case a.inbox <- input:
		return nil
	case <-a.ctx.Done():
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the most recently stored state.
//
// The value shares reference types (maps, slices) with the loop; callers that
// hold onto it must copy what they need.
func (a *Actor[S]) State() S {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Actor[S]) loop() {
	defer close(a.done)
	defer func() {
		if r := recover(); r != nil {
			if a.hooks.OnPanic != nil {
				a.hooks.OnPanic(r)
				return
			}
			panic(r)
		}
	}()

	emit := func(in Input) {
		_ = a.Feed(in)
	}

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-a.feedbackKick:
			for _, in := range a.takeFeedback() {
				if a.ctx.Err() != nil {
					return
				}
				a.step(in, emit)
			}
		case in := <-a.inbox:
			if in == nil {
				continue
			}
			a.step(in, emit)
		}
	}
}

func (a *Actor[S]) step(in Input, emit func(Input)) {
	if a.hooks.OnInput != nil {
		a.hooks.OnInput(in)
	}

	a.mu.Lock()
	prev := a.state
	a.mu.Unlock()

	next, effects := a.reduce(prev, in)

	a.mu.Lock()
	a.state = next
	a.mu.Unlock()

	if a.hooks.OnTransition != nil {
		a.hooks.OnTransition(prev, next, in)
	}
	if len(effects) == 0 {
		return
	}
	if a.hooks.OnEffects != nil {
		a.hooks.OnEffects(effects)
	}
	if a.runtime != nil {
		a.runtime.HandleEffects(a.ctx, effects, emit)
	}
}
