package controller

import (
	"context"
	"sync"
	"time"

	"github.com/bhandras/gatewaykit/internal/actor"
	"github.com/bhandras/gatewaykit/internal/gateway"
	"github.com/bhandras/gatewaykit/internal/outbox"
	"github.com/bhandras/gatewaykit/internal/sessions"
	"github.com/bhandras/gatewaykit/internal/storage"
	"github.com/bhandras/gatewaykit/pkg/logger"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Runtime interprets controller effects against a gateway transport and a
// store.
//
// Runtime never touches controller state. Blocking calls run on their own
// goroutines and report back through emit.
type Runtime struct {
	transport gateway.Transport
	store     storage.Store
	signer    gateway.Signer
	clock     actor.Clock
	timers    *actor.Timers
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu sync.Mutex
	// connectCancel aborts the connect attempt in flight. Connects and
	// disconnects are chained through tail so they reach the transport in
	// the order the reducer issued them.
	connectCancel context.CancelFunc
	tail          chan struct{}

	persistMu   sync.Mutex
	persistJobs map[string]persistJob
	persistKick chan struct{}
	persistDone chan struct{}

	stopOnce sync.Once
}

type persistJob struct {
	data []byte
	done func(error)
}

// NewRuntime returns a Runtime. store may be nil, in which case nothing is
// persisted.
func NewRuntime(transport gateway.Transport, store storage.Store, signer gateway.Signer, clock actor.Clock) *Runtime {
	if clock == nil {
		clock = actor.RealClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		transport:   transport,
		store:       store,
		signer:      signer,
		clock:       clock,
		timers:      actor.NewTimers(),
		log:         logger.Component("controller"),
		ctx:         ctx,
		cancel:      cancel,
		persistJobs: make(map[string]persistJob),
		persistKick: make(chan struct{}, 1),
		persistDone: make(chan struct{}),
	}
	go r.persistLoop()
	return r
}

// HandleEffects implements actor.Runtime.
func (r *Runtime) HandleEffects(ctx context.Context, effects []actor.Effect, emit func(actor.Input)) {
	for _, eff := range effects {
		select {
		case <-ctx.Done():
			return
		default:
		}

		switch e := eff.(type) {
		case effConnect:
			r.connect(e, emit)
		case effDisconnect:
			r.disconnect()
		case effChatSend:
			go r.chatSend(e, emit)
		case effHealthCheck:
			go r.health(e, emit)
		case effFetchHistory:
			go r.fetchHistory(e, emit)
		case effListSessions:
			go r.listSessions(emit)
		case effPersistOutbox:
			r.persistOutbox(e)
		case effPersistPrefs:
			r.persistPrefs(e, emit)
		case effStartTimer:
			name, token := e.Name, e.Token
			r.timers.Start(name, ms(e.AfterMs), func() {
				emit(evTimerFired{Name: name, Token: token, NowMs: r.now()})
			})
		case effCancelTimer:
			r.timers.Cancel(e.Name)
		case effCompleteReply:
			if e.Reply == nil {
				continue
			}
			select {
			case e.Reply <- e.Err:
			default:
			}
		default:
			r.log.Warn().Msgf("unknown effect %T", eff)
		}
	}
}

// Stop implements actor.Runtime. Pending writes are flushed before it
// returns.
func (r *Runtime) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		if r.connectCancel != nil {
			r.connectCancel()
			r.connectCancel = nil
		}
		r.mu.Unlock()

		r.timers.Stop()
		r.cancel()
		<-r.persistDone
	})
}

func (r *Runtime) now() int64 { return actor.NowMs(r.clock) }

// chain returns a channel to close once the caller's transport operation is
// done, and the channel of the previous operation to wait for.
func (r *Runtime) chain() (prev, done chan struct{}) {
	done = make(chan struct{})
	r.mu.Lock()
	prev, r.tail = r.tail, done
	r.mu.Unlock()
	return prev, done
}

func (r *Runtime) connect(e effConnect, emit func(actor.Input)) {
	r.mu.Lock()
	if r.connectCancel != nil {
		r.connectCancel()
	}
	cctx, cancel := withTimeout(r.ctx, e.TimeoutMs)
	r.connectCancel = cancel
	r.mu.Unlock()

	prev, done := r.chain()
	go func() {
		defer close(done)
		defer cancel()
		if prev != nil {
			<-prev
		}

		err := r.transport.Connect(cctx, gateway.ConnectOptions{
			URL:        e.URL,
			Token:      e.Token,
			SessionKey: e.SessionKey,
			Signer:     r.signer,
			Timeout:    ms(e.TimeoutMs),
		})
		if errors.Is(err, context.DeadlineExceeded) {
			err = gateway.NewError(gateway.CodeTimeout, "connect timed out")
		}
		if err != nil {
			r.log.Debug().Err(err).Int64("gen", e.Gen).Msg("connect failed")
		}
		emit(evConnectResult{Gen: e.Gen, Err: err, NowMs: r.now()})
	}()
}

func (r *Runtime) disconnect() {
	r.mu.Lock()
	if r.connectCancel != nil {
		r.connectCancel()
		r.connectCancel = nil
	}
	r.mu.Unlock()

	prev, done := r.chain()
	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		if err := r.transport.Disconnect(); err != nil {
			r.log.Debug().Err(err).Msg("disconnect")
		}
	}()
}

func (r *Runtime) chatSend(e effChatSend, emit func(actor.Input)) {
	ctx, cancel := withTimeout(r.ctx, e.TimeoutMs)
	defer cancel()

	res, err := r.transport.ChatSend(ctx, e.SessionKey, e.Message, gateway.SendOptions{
		IdempotencyKey: e.IdempotencyKey,
		Timeout:        ms(e.TimeoutMs),
		Attachments:    e.Attachments,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = gateway.NewError(gateway.CodeTimeout, "chat.send timed out")
		}
		r.log.Debug().Err(err).Str("turn", e.TurnID).Msg("chat.send failed")
		emit(evSendFailed{
			TurnID:         e.TurnID,
			ItemID:         e.ItemID,
			SessionKey:     e.SessionKey,
			Message:        e.Message,
			IdempotencyKey: e.IdempotencyKey,
			Attachments:    e.Attachments,
			CreatedAt:      e.CreatedAt,
			Err:            err,
			NowMs:          r.now(),
		})
		return
	}
	emit(evSendAccepted{
		TurnID:     e.TurnID,
		ItemID:     e.ItemID,
		SessionKey: e.SessionKey,
		RunID:      res.RunID,
		NowMs:      r.now(),
	})
}

func (r *Runtime) health(e effHealthCheck, emit func(actor.Input)) {
	ok, err := r.transport.Health(r.ctx, ms(e.TimeoutMs))
	emit(evHealthResult{ItemID: e.ItemID, OK: ok, Err: err, NowMs: r.now()})
}

func (r *Runtime) fetchHistory(e effFetchHistory, emit func(actor.Input)) {
	h, err := r.transport.ChatHistory(r.ctx, e.SessionKey, e.Limit)
	if err != nil {
		emit(evHistoryFailed{Token: e.Token, Err: err, NowMs: r.now()})
		return
	}
	emit(evHistoryLoaded{Token: e.Token, History: h, NowMs: r.now()})
}

func (r *Runtime) listSessions(emit func(actor.Input)) {
	list, err := r.transport.SessionsList(r.ctx)
	if err != nil {
		r.log.Debug().Err(err).Msg("sessions.list failed")
	}
	emit(evSessionsListed{Sessions: list, Err: err})
}

func (r *Runtime) persistOutbox(e effPersistOutbox) {
	data, err := outbox.Encode(e.Snapshot)
	if err != nil {
		r.log.Error().Err(err).Msg("encode outbox")
		return
	}
	r.enqueuePersist(storage.KeyOutbox, data, nil)
}

func (r *Runtime) persistPrefs(e effPersistPrefs, emit func(actor.Input)) {
	seq := e.Seq
	done := func(err error) { emit(evPrefsPersisted{Seq: seq, Err: err}) }
	data, err := sessions.Encode(e.Prefs)
	if err != nil {
		done(err)
		return
	}
	r.enqueuePersist(storage.KeySessionPreferences, data, done)
}

// enqueuePersist schedules a write. Writes to the same key coalesce: only the
// newest value is written, and only its done callback runs.
func (r *Runtime) enqueuePersist(key string, data []byte, done func(error)) {
	if r.store == nil {
		if done != nil {
			done(nil)
		}
		return
	}
	r.persistMu.Lock()
	r.persistJobs[key] = persistJob{data: data, done: done}
	r.persistMu.Unlock()

	select {
	case r.persistKick <- struct{}{}:
	default:
	}
}

func (r *Runtime) persistLoop() {
	defer close(r.persistDone)
	for {
		select {
		case <-r.persistKick:
			r.flushPersist()
		case <-r.ctx.Done():
			r.flushPersist()
			return
		}
	}
}

func (r *Runtime) flushPersist() {
	r.persistMu.Lock()
	jobs := r.persistJobs
	r.persistJobs = make(map[string]persistJob)
	r.persistMu.Unlock()

	for key, job := range jobs {
		err := r.store.Save(key, job.data)
		if err != nil {
			r.log.Error().Err(err).Str("key", key).Msg("persist failed")
		}
		if job.done != nil {
			job.done(err)
		}
	}
}

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

func withTimeout(ctx context.Context, timeoutMs int64) (context.Context, context.CancelFunc) {
	if timeoutMs <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, ms(timeoutMs))
}
