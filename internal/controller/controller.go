// Package controller is the client-side conversation controller for a
// gateway: connection lifecycle, message delivery with an outbox, history
// reconciliation, missing-response recovery and session management.
//
// All state lives in one actor loop (see internal/actor). Controller methods
// send commands into it and wait for their replies; observers read the
// published Snapshot.
package controller

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/bhandras/gatewaykit/internal/actor"
	"github.com/bhandras/gatewaykit/internal/gateway"
	"github.com/bhandras/gatewaykit/internal/outbox"
	"github.com/bhandras/gatewaykit/internal/sessions"
	"github.com/bhandras/gatewaykit/internal/storage"
	"github.com/bhandras/gatewaykit/pkg/logger"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Options configures a Controller.
type Options struct {
	// Policy defaults to DefaultPolicy when zero.
	Policy Policy
	// SessionKey overrides the restored session.
	SessionKey string
	// Signer signs the connect challenge; nil connects without device auth.
	Signer gateway.Signer
	Clock  actor.Clock
	// NewID mints turn, outbox and idempotency ids. Defaults to uuid.
	NewID       func() string
	MailboxSize int
}

// Controller drives one gateway conversation.
type Controller struct {
	transport gateway.Transport
	store     storage.Store
	opts      Options
	clock     actor.Clock
	newID     func() string
	log       zerolog.Logger

	actor   *actor.Actor[State]
	runtime *Runtime

	snap atomic.Pointer[Snapshot]
	subs gateway.Listeners[func(Snapshot)]

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	unsubs    []func()
}

// New builds a controller over transport. store may be nil.
func New(transport gateway.Transport, store storage.Store, opts Options) (*Controller, error) {
	if transport == nil {
		return nil, errors.New("controller: missing transport")
	}
	if opts.Policy == (Policy{}) {
		opts.Policy = DefaultPolicy()
	}
	if opts.Clock == nil {
		opts.Clock = actor.RealClock{}
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = 1024
	}

	c := &Controller{
		transport: transport,
		store:     store,
		opts:      opts,
		clock:     opts.Clock,
		newID:     opts.NewID,
		log:       logger.Component("controller"),
	}
	c.runtime = NewRuntime(transport, store, opts.Signer, opts.Clock)

	initial := NewState(opts.Policy, opts.SessionKey)
	first := initial.Snapshot()
	c.snap.Store(&first)

	c.actor = actor.New(initial, Reduce, c.runtime,
		actor.WithMailboxSize[State](opts.MailboxSize),
		actor.WithHooks(actor.Hooks[State]{
			OnInput: func(in actor.Input) {
				if e := c.log.Trace(); e.Enabled() {
					e.Msgf("input %T", in)
				}
			},
			OnTransition: func(_ State, next State, _ actor.Input) {
				c.publish(next.Snapshot())
			},
			OnDrop: func(in actor.Input) {
				c.log.Warn().Msgf("mailbox full, dropped %T", in)
			},
		}),
	)
	return c, nil
}

// Start restores persisted state, subscribes to the transport and starts the
// loop. It does not connect.
func (c *Controller) Start(ctx context.Context) error {
	var err error
	c.startOnce.Do(func() { err = c.start(ctx) })
	return err
}

func (c *Controller) start(ctx context.Context) error {
	snap, prefs := c.loadPersisted()

	c.unsubs = append(c.unsubs,
		c.transport.OnConnectionStateChange(func(state gateway.ConnectionState, err error) {
			c.actor.Feed(evConnectionChanged{State: state, Err: err, NowMs: c.now()})
		}),
		c.transport.OnChatEvent(func(ev gateway.ChatEvent) {
			c.actor.Feed(evChatEvent{Event: ev, NowMs: c.now()})
		}),
		c.transport.OnEvent(gateway.EventPairingRequired, func(payload json.RawMessage) {
			var p struct {
				RequestID string `json:"requestId"`
			}
			_ = json.Unmarshal(payload, &p)
			c.actor.Feed(evPairingRequired{RequestID: p.RequestID})
		}),
	)

	c.actor.Start()
	c.started.Store(true)
	return c.call(ctx, func(rep chan error) actor.Input {
		return cmdRestore{
			SessionKey: c.opts.SessionKey,
			Outbox:     snap,
			Prefs:      prefs,
			Reply:      rep,
		}
	})
}

func (c *Controller) loadPersisted() (outbox.Snapshot, sessions.Preferences) {
	snap := outbox.Snapshot{}
	prefs := sessions.NewPreferences()
	if c.store == nil {
		return snap, prefs
	}

	if data, ok, err := c.store.Load(storage.KeyOutbox); err != nil {
		c.log.Warn().Err(err).Msg("load outbox")
	} else if ok {
		if decoded, err := outbox.Decode(data); err != nil {
			c.log.Warn().Err(err).Msg("discarding unreadable outbox")
		} else {
			snap = decoded
		}
	}

	if data, ok, err := c.store.Load(storage.KeySessionPreferences); err != nil {
		c.log.Warn().Err(err).Msg("load session preferences")
	} else if ok {
		if decoded, err := sessions.Decode(data); err != nil {
			c.log.Warn().Err(err).Msg("discarding unreadable session preferences")
		} else {
			prefs = decoded
		}
	}
	return snap, prefs
}

// Stop tears the controller down. Pending writes are flushed; the transport
// is left to the caller.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		for _, unsub := range c.unsubs {
			unsub()
		}
		c.actor.Stop()
		if c.started.Load() {
			<-c.actor.Done()
		}
	})
}

// Snapshot returns the latest published snapshot.
func (c *Controller) Snapshot() Snapshot {
	return *c.snap.Load()
}

// Subscribe registers fn for every published snapshot. fn runs on the
// controller loop and must not block or call back into the controller.
func (c *Controller) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	return c.subs.Add(fn)
}

func (c *Controller) publish(s Snapshot) {
	c.snap.Store(&s)
	c.subs.Each(func(fn func(Snapshot)) { fn(s) })
}

// Connect dials endpoint and waits for the handshake to finish. Failures are
// returned as *ConnectError.
func (c *Controller) Connect(ctx context.Context, endpoint, token string) error {
	return c.call(ctx, func(rep chan error) actor.Input {
		return cmdConnect{URL: endpoint, Token: token, NowMs: c.now(), Reply: rep}
	})
}

// Disconnect closes the connection. It is safe to call at any time.
func (c *Controller) Disconnect(ctx context.Context) error {
	return c.call(ctx, func(rep chan error) actor.Input {
		return cmdDisconnect{Reply: rep}
	})
}

// SendMessage submits text to the current session and returns the id of the
// turn that tracks it. The message is delivered now or queued in the outbox.
// Rejections are returned as *SendError.
func (c *Controller) SendMessage(ctx context.Context, text string, attachments ...gateway.Attachment) (string, error) {
	turnID := c.newID()
	err := c.call(ctx, func(rep chan error) actor.Input {
		return cmdSendMessage{
			Text:         text,
			Attachments:  attachments,
			TurnID:       turnID,
			ItemID:       c.newID(),
			KeyCandidate: c.newID(),
			NowMs:        c.now(),
			Reply:        rep,
		}
	})
	if err != nil {
		return "", err
	}
	return turnID, nil
}

// RefreshHistory reloads the transcript of the current session. Calls made
// while a refresh is running wait for that refresh.
func (c *Controller) RefreshHistory(ctx context.Context) error {
	return c.call(ctx, func(rep chan error) actor.Input {
		return cmdRefreshHistory{Reply: rep}
	})
}

// SwitchSession makes key the current session.
func (c *Controller) SwitchSession(ctx context.Context, key string) error {
	return c.call(ctx, func(rep chan error) actor.Input {
		return cmdSwitchSession{Key: key, Reply: rep}
	})
}

// CreateSession creates a local session and switches to it. An empty key is
// generated. The gateway learns about the session with its first message.
func (c *Controller) CreateSession(ctx context.Context, key string) (string, error) {
	if key == "" {
		id := c.newID()
		if len(id) > 8 {
			id = id[:8]
		}
		key = "chat-" + id
	}
	err := c.call(ctx, func(rep chan error) actor.Input {
		return cmdCreateSession{Key: key, NowMs: c.now(), Reply: rep}
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// RenameSession sets the local alias of key; an empty alias clears it.
func (c *Controller) RenameSession(ctx context.Context, key, alias string) error {
	return c.call(ctx, func(rep chan error) actor.Input {
		return cmdRenameSession{Key: key, Alias: alias, Reply: rep}
	})
}

// TogglePinned flips the pinned flag of key.
func (c *Controller) TogglePinned(ctx context.Context, key string) error {
	return c.call(ctx, func(rep chan error) actor.Input {
		return cmdTogglePinned{Key: key, Reply: rep}
	})
}

// RetryRecovery restarts recovery for the turn named by the current notice.
func (c *Controller) RetryRecovery(ctx context.Context) error {
	return c.call(ctx, func(rep chan error) actor.Input {
		return cmdRetryRecovery{Reply: rep}
	})
}

// DismissBanner clears one of the Banner* surfaces.
func (c *Controller) DismissBanner(ctx context.Context, banner string) error {
	return c.call(ctx, func(rep chan error) actor.Input {
		return cmdDismissBanner{Banner: banner, Reply: rep}
	})
}

func (c *Controller) call(ctx context.Context, build func(rep chan error) actor.Input) error {
	rep := make(chan error, 1)
	if err := c.actor.Send(ctx, build(rep)); err != nil {
		if errors.Is(err, actor.ErrStopped) {
			return ErrStopped
		}
		return err
	}
	select {
	case err := <-rep:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.actor.Done():
		return ErrStopped
	}
}

func (c *Controller) now() int64 { return actor.NowMs(c.clock) }
