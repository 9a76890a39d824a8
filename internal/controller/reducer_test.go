package controller

import (
	"testing"

	"github.com/bhandras/gatewaykit/internal/actor"
	"github.com/bhandras/gatewaykit/internal/actor/actortest"
	"github.com/bhandras/gatewaykit/internal/bridge"
	"github.com/bhandras/gatewaykit/internal/diagnostics"
	"github.com/bhandras/gatewaykit/internal/gateway"
	"github.com/bhandras/gatewaykit/internal/ledger"
	"github.com/bhandras/gatewaykit/internal/outbox"
	"github.com/bhandras/gatewaykit/internal/recovery"
	"github.com/bhandras/gatewaykit/internal/sessions"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

const testURL = "ws://gateway.test:18789"

func effectsOf[T actor.Effect](effects []actor.Effect) []T {
	var out []T
	for _, eff := range effects {
		if e, ok := eff.(T); ok {
			out = append(out, e)
		}
	}
	return out
}

func onlyEffect[T actor.Effect](t *testing.T, effects []actor.Effect) T {
	t.Helper()
	found := effectsOf[T](effects)
	require.Len(t, found, 1, "effects: %s", actortest.Pretty(effects))
	return found[0]
}

// replyTo returns the error completed on ch by effects.
func replyTo(t *testing.T, effects []actor.Effect, ch chan error) error {
	t.Helper()
	for _, r := range effectsOf[effCompleteReply](effects) {
		if r.Reply == ch {
			return r.Err
		}
	}
	t.Fatalf("no reply in %#v", effects)
	return nil
}

// connected returns a connected state whose initial refresh has finished.
func connected(t *testing.T) State {
	t.Helper()
	s := NewState(DefaultPolicy(), sessions.DefaultSessionKey)
	s, effects := Reduce(s, cmdConnect{URL: testURL, NowMs: 1})
	conn := onlyEffect[effConnect](t, effects)
	require.Equal(t, gateway.StateConnecting, s.Connection)

	s, effects = Reduce(s, evConnectResult{Gen: conn.Gen, NowMs: 2})
	require.Equal(t, gateway.StateConnected, s.Connection)
	fetch := onlyEffect[effFetchHistory](t, effects)

	s, _ = Reduce(s, evHistoryLoaded{Token: fetch.Token, NowMs: 3})
	require.False(t, s.Sync.InFlight)
	return s
}

func send(t *testing.T, s State, turnID, text string, nowMs int64, key string) (State, []actor.Effect) {
	t.Helper()
	rep := make(chan error, 1)
	s, effects := Reduce(s, cmdSendMessage{
		Text:         text,
		TurnID:       turnID,
		ItemID:       "item-" + turnID,
		KeyCandidate: key,
		NowMs:        nowMs,
		Reply:        rep,
	})
	require.NoError(t, replyTo(t, effects, rep))
	return s, effects
}

func turn(t *testing.T, s State, id string) ledger.Turn {
	t.Helper()
	got, ok := s.Ledger.FindByID(id)
	require.True(t, ok, "turn %s missing", id)
	return got
}

func TestConnectFailureClearsInFlightMarkers(t *testing.T) {
	t.Parallel()

	s := connected(t)
	s, _ = send(t, s, "t1", "hello", 1000, "k1")
	s, _ = Reduce(s, cmdSwitchSession{Key: "project-a"})
	s, _ = Reduce(s, evConnectionChanged{State: gateway.StateDisconnected})

	rep := make(chan error, 1)
	s, effects := Reduce(s, cmdConnect{URL: testURL, NowMs: 2000, Reply: rep})
	conn := onlyEffect[effConnect](t, effects)

	s.Sending = true
	s.Sync.HistoryLoading = true
	s.Recovery.InFlight = true

	s, effects = Reduce(s, evConnectResult{
		Gen: conn.Gen,
		Err: gateway.NewError(gateway.CodeUnauthorized, "bad token"),
	})

	require.Equal(t, gateway.StateDisconnected, s.Connection)
	require.False(t, s.Sending)
	require.False(t, s.Sync.HistoryLoading)
	require.False(t, s.Sync.InFlight)
	require.False(t, s.Recovery.InFlight)
	require.NotNil(t, s.Diagnostic)
	require.Equal(t, diagnostics.KindAuth, s.Diagnostic.Kind)

	var connErr *ConnectError
	require.ErrorAs(t, replyTo(t, effects, rep), &connErr)
	require.Equal(t, diagnostics.KindAuth, connErr.Diagnostic.Kind)
}

func TestConnectValidation(t *testing.T) {
	t.Parallel()

	t.Run("invalid url", func(t *testing.T) {
		t.Parallel()
		rep := make(chan error, 1)
		s, effects := Reduce(NewState(DefaultPolicy(), ""), cmdConnect{URL: "http://gw", Reply: rep})
		require.Empty(t, effectsOf[effConnect](effects))
		require.Equal(t, diagnostics.KindInvalidURL, s.Diagnostic.Kind)
		require.Error(t, replyTo(t, effects, rep))
	})

	t.Run("already connecting", func(t *testing.T) {
		t.Parallel()
		s, _ := Reduce(NewState(DefaultPolicy(), ""), cmdConnect{URL: testURL})
		rep := make(chan error, 1)
		_, effects := Reduce(s, cmdConnect{URL: testURL, Reply: rep})
		require.ErrorIs(t, replyTo(t, effects, rep), ErrAlreadyConnecting)
	})

	t.Run("stale result", func(t *testing.T) {
		t.Parallel()
		s, _ := Reduce(NewState(DefaultPolicy(), ""), cmdConnect{URL: testURL})
		gen := s.ConnectGen
		s, _ = Reduce(s, cmdDisconnect{})
		s, effects := Reduce(s, evConnectResult{Gen: gen})
		require.Equal(t, gateway.StateDisconnected, s.Connection)
		onlyEffect[effDisconnect](t, effects)
	})
}

func TestSendDispatchesAndBindsRun(t *testing.T) {
	t.Parallel()

	s := connected(t)
	s, effects := send(t, s, "t1", "  hello  ", 1000, "k1")

	call := onlyEffect[effChatSend](t, effects)
	require.Equal(t, "hello", call.Message)
	require.Equal(t, "k1", call.IdempotencyKey)
	require.True(t, s.Sending)
	require.Equal(t, ledger.StateSending, turn(t, s, "t1").State)

	s, effects = Reduce(s, evSendAccepted{TurnID: "t1", SessionKey: "main", RunID: "run-1", NowMs: 1100})
	got := turn(t, s, "t1")
	require.Equal(t, ledger.StateQueued, got.State)
	require.Equal(t, "run-1", got.RunID)
	require.Empty(t, s.DispatchingTurn)

	watchdog := onlyEffect[effStartTimer](t, effects)
	require.Equal(t, timerResponseWatchdog, watchdog.Name)
}

func TestSendRejections(t *testing.T) {
	t.Parallel()

	s := connected(t)

	rep := make(chan error, 1)
	_, effects := Reduce(s, cmdSendMessage{Text: "   ", TurnID: "t0", Reply: rep})
	var sendErr *SendError
	require.ErrorAs(t, replyTo(t, effects, rep), &sendErr)
	require.Equal(t, SendNoText, sendErr.Kind)

	s, _ = send(t, s, "t1", "hello", 1000, "k1")
	rep = make(chan error, 1)
	s, effects = Reduce(s, cmdSendMessage{Text: "hello", TurnID: "t2", KeyCandidate: "k2", NowMs: 1500, Reply: rep})
	require.ErrorAs(t, replyTo(t, effects, rep), &sendErr)
	require.Equal(t, SendDuplicateRapid, sendErr.Kind)
	require.Equal(t, 1, s.Ledger.Len())

	rep = make(chan error, 1)
	_, effects = Reduce(NewState(DefaultPolicy(), ""), cmdSendMessage{Text: "hi", TurnID: "t3", Reply: rep})
	require.ErrorAs(t, replyTo(t, effects, rep), &sendErr)
	require.Equal(t, SendNotConnected, sendErr.Kind)
}

func TestIdempotencyKeyReuseWindow(t *testing.T) {
	t.Parallel()

	s := connected(t)
	s, _ = send(t, s, "t1", "hello", 1_000, "k1")
	s, _ = Reduce(s, evSendAccepted{TurnID: "t1", SessionKey: "main", RunID: "r1"})

	s, effects := send(t, s, "t2", "hello", 40_000, "k2")
	require.Equal(t, "k1", onlyEffect[effChatSend](t, effects).IdempotencyKey)
	s, _ = Reduce(s, evSendAccepted{TurnID: "t2", SessionKey: "main", RunID: "r2"})

	// The window is measured from the latest dispatch, not from when k1
	// was first issued.
	s, effects = send(t, s, "t3", "hello", 70_000, "k3")
	require.Equal(t, "k1", onlyEffect[effChatSend](t, effects).IdempotencyKey)
	s, _ = Reduce(s, evSendAccepted{TurnID: "t3", SessionKey: "main", RunID: "r3"})

	_, effects = send(t, s, "t4", "hello", 130_000, "k4")
	require.Equal(t, "k4", onlyEffect[effChatSend](t, effects).IdempotencyKey)
}

func TestSendWhileOfflineQueuesAndFlushesOnConnect(t *testing.T) {
	t.Parallel()

	s := connected(t)
	s, _ = Reduce(s, cmdDisconnect{})
	require.Equal(t, gateway.StateDisconnected, s.Connection)

	s, effects := send(t, s, "t1", "offline hello", 5_000, "k1")
	require.Empty(t, effectsOf[effChatSend](effects))
	onlyEffect[effPersistOutbox](t, effects)
	require.Equal(t, 1, s.Outbox.Len())
	require.Equal(t, ledger.StateSending, turn(t, s, "t1").State)

	s, effects = Reduce(s, cmdConnect{URL: testURL, NowMs: 6_000})
	conn := onlyEffect[effConnect](t, effects)
	s, effects = Reduce(s, evConnectResult{Gen: conn.Gen, NowMs: 6_100})

	check := onlyEffect[effHealthCheck](t, effects)
	require.Equal(t, "item-t1", check.ItemID)

	s, effects = Reduce(s, evHealthResult{ItemID: check.ItemID, OK: true, NowMs: 6_200})
	call := onlyEffect[effChatSend](t, effects)
	require.Equal(t, "item-t1", call.ItemID)
	require.Equal(t, "k1", call.IdempotencyKey)
	require.True(t, s.Sending)

	s, effects = Reduce(s, evSendAccepted{TurnID: "t1", ItemID: "item-t1", SessionKey: "main", RunID: "r1", NowMs: 6_300})
	require.Zero(t, s.Outbox.Len())
	onlyEffect[effPersistOutbox](t, effects)
	require.Equal(t, ledger.StateQueued, turn(t, s, "t1").State)
}

func TestOutboxBackoffOnUnhealthyGateway(t *testing.T) {
	t.Parallel()

	s := connected(t)
	s.Outbox.Enqueue(outbox.Item{
		ID: "i1", SessionKey: "main", Message: "hi", TurnID: "t1",
		IdempotencyKey: "k1", NextRetryAt: 0,
	})
	effects := flushOutbox(&s, 10_000)
	onlyEffect[effHealthCheck](t, effects)

	s, effects = Reduce(s, evHealthResult{ItemID: "i1", OK: false, NowMs: 10_000})
	item, ok := s.Outbox.Get("i1")
	require.True(t, ok)
	require.Equal(t, 1, item.RetryCount)
	require.Empty(t, s.OutboxInFlight)

	timer := onlyEffect[effStartTimer](t, effects)
	require.Equal(t, timerOutboxRetry, timer.Name)
	require.EqualValues(t, 1500, timer.AfterMs)

	// An older arming of the same timer is ignored.
	_, effects = Reduce(s, evTimerFired{Name: timerOutboxRetry, Token: timer.Token - 1, NowMs: 20_000})
	require.Empty(t, effects)

	_, effects = Reduce(s, evTimerFired{Name: timerOutboxRetry, Token: timer.Token, NowMs: 11_500})
	onlyEffect[effHealthCheck](t, effects)
}

func TestSendFailure(t *testing.T) {
	t.Parallel()

	t.Run("retryable goes to outbox with same key", func(t *testing.T) {
		t.Parallel()
		s := connected(t)
		s, _ = send(t, s, "t1", "hello", 1000, "k1")
		s, effects := Reduce(s, evSendFailed{
			TurnID: "t1", SessionKey: "main", Message: "hello", IdempotencyKey: "k1",
			Err: gateway.NewError(gateway.CodeUnavailable, "busy"), NowMs: 1100,
		})
		require.Equal(t, 1, s.Outbox.Len())
		head, _ := s.Outbox.Head()
		require.Equal(t, "k1", head.IdempotencyKey)
		require.Equal(t, ledger.StateSending, turn(t, s, "t1").State)
		require.False(t, s.Sending)
		onlyEffect[effPersistOutbox](t, effects)
	})

	t.Run("retried ahead of later messages", func(t *testing.T) {
		t.Parallel()
		s := connected(t)
		s, effects := send(t, s, "t1", "first", 1000, "k1")
		call := onlyEffect[effChatSend](t, effects)
		require.EqualValues(t, 1000, call.CreatedAt)

		s, effects = send(t, s, "t2", "second", 1100, "k2")
		require.Empty(t, effectsOf[effChatSend](effects))
		require.Equal(t, 1, s.Outbox.Len())

		s, _ = Reduce(s, evSendFailed{
			TurnID: call.TurnID, SessionKey: call.SessionKey, Message: call.Message,
			IdempotencyKey: call.IdempotencyKey, CreatedAt: call.CreatedAt,
			Err: gateway.NewError(gateway.CodeUnavailable, "busy"), NowMs: 1200,
		})
		var order []string
		for _, it := range s.Outbox.Items() {
			order = append(order, it.TurnID)
		}
		require.Equal(t, []string{"t1", "t2"}, order)
		head, _ := s.Outbox.Head()
		require.EqualValues(t, 1000, head.CreatedAt)
	})

	t.Run("permanent marks turn failed", func(t *testing.T) {
		t.Parallel()
		s := connected(t)
		s, _ = send(t, s, "t1", "hello", 1000, "k1")
		s, _ = Reduce(s, evSendFailed{
			TurnID: "t1", SessionKey: "main",
			Err: gateway.NewError(gateway.CodeInvalidRequest, "too long"), NowMs: 1100,
		})
		require.Zero(t, s.Outbox.Len())
		require.Equal(t, ledger.StateError, turn(t, s, "t1").State)
		require.NotNil(t, s.SendError)
		require.False(t, s.Sending)
	})
}

func TestStreamingThenComplete(t *testing.T) {
	t.Parallel()

	s := connected(t)
	s, _ = send(t, s, "t1", "hello", 1000, "k1")
	s, _ = Reduce(s, evSendAccepted{TurnID: "t1", SessionKey: "main", RunID: "r1"})

	s, _ = Reduce(s, evChatEvent{Event: gateway.ChatEvent{RunID: "r1", SessionKey: "main", State: "delta", Text: "wor"}})
	require.Equal(t, "wor", turn(t, s, "t1").AssistantText)
	require.True(t, s.Sending)

	s, effects := Reduce(s, evChatEvent{Event: gateway.ChatEvent{RunID: "r1", SessionKey: "main", State: "final", Text: "world"}})
	got := turn(t, s, "t1")
	require.Equal(t, ledger.StateComplete, got.State)
	require.Equal(t, "world", got.AssistantText)
	require.False(t, s.Sending)
	require.Nil(t, s.Recovery.Active)
	// The delta already pulled history; the completion joins that refresh.
	require.Empty(t, effectsOf[effFetchHistory](effects))
	require.True(t, s.Sync.InFlight)
}

func TestMaxTokensCompletionUsesFallback(t *testing.T) {
	t.Parallel()

	s := connected(t)
	s, _ = send(t, s, "t1", "write a novel", 1000, "k1")
	s, _ = Reduce(s, evSendAccepted{TurnID: "t1", SessionKey: "main", RunID: "r1"})
	s, _ = Reduce(s, evChatEvent{Event: gateway.ChatEvent{
		RunID: "r1", SessionKey: "main", State: "final", StopReason: "max_tokens",
	}})

	got := turn(t, s, "t1")
	require.Equal(t, bridge.TruncatedText, got.AssistantText)
	require.Equal(t, "max_tokens", got.StopReason)
	require.False(t, s.Sending)
	require.Nil(t, s.Recovery.Active)
}

func TestEventsForOtherSessionsIgnored(t *testing.T) {
	t.Parallel()

	s := connected(t)
	s, _ = send(t, s, "t1", "hello", 1000, "k1")
	next, effects := actor.Replay(s, Reduce,
		evChatEvent{Event: gateway.ChatEvent{RunID: "x", SessionKey: "other", State: "delta", Text: "nope"}},
		evChatEvent{Event: gateway.ChatEvent{RunID: "x", SessionKey: "other", State: "final", Text: "nope"}},
	)
	require.Empty(t, effects)
	require.Empty(t, turn(t, next, "t1").AssistantText)
}

func TestStaleRefreshDiscardedAfterSwitch(t *testing.T) {
	t.Parallel()

	s := connected(t)
	s, effects := Reduce(s, cmdRefreshHistory{})
	stale := onlyEffect[effFetchHistory](t, effects)
	require.Equal(t, "main", stale.SessionKey)

	s, effects = Reduce(s, cmdSwitchSession{Key: "project-a"})
	fresh := onlyEffect[effFetchHistory](t, effects)
	require.Equal(t, "project-a", fresh.SessionKey)
	require.Greater(t, fresh.Token.Epoch, stale.Token.Epoch)
	require.True(t, s.Sync.HistoryLoading)

	s, _ = Reduce(s, evHistoryLoaded{Token: stale.Token, History: gateway.History{
		SessionKey: "main",
		Messages: []gateway.HistoryMessage{
			{ID: "m1", Role: "user", Text: "from main"},
			{ID: "m2", Role: "assistant", Text: "main reply"},
		},
	}})
	require.Zero(t, s.Ledger.Len())
	require.True(t, s.Sync.InFlight)

	s, _ = Reduce(s, evHistoryLoaded{Token: fresh.Token, History: gateway.History{
		SessionKey: "project-a",
		Messages: []gateway.HistoryMessage{
			{ID: "p1", Role: "user", Text: "from project"},
			{ID: "p2", Role: "assistant", Text: "project reply"},
		},
	}})
	require.Equal(t, 1, s.Ledger.Len())
	require.Equal(t, "from project", s.Ledger.Turns()[0].UserText)
	require.False(t, s.Sync.InFlight)
	require.False(t, s.Sync.HistoryLoading)
	require.Equal(t, "project-a", s.Prefs.LastSessionKey)
}

func TestDisconnectDuringRefreshResetsTurns(t *testing.T) {
	t.Parallel()

	s := connected(t)
	s, _ = send(t, s, "t1", "hello", 1000, "k1")
	s, effects := Reduce(s, cmdRefreshHistory{})
	fetch := onlyEffect[effFetchHistory](t, effects)
	epoch := s.Epoch

	s, effects = Reduce(s, cmdDisconnect{})
	onlyEffect[effDisconnect](t, effects)
	require.Zero(t, s.Ledger.Len())
	require.False(t, s.Sync.InFlight)
	require.Greater(t, s.Epoch, epoch)
	require.Empty(t, s.Timers)

	s, _ = Reduce(s, evHistoryLoaded{Token: fetch.Token, History: gateway.History{
		Messages: []gateway.HistoryMessage{{ID: "m1", Role: "user", Text: "hello"}},
	}})
	require.Zero(t, s.Ledger.Len())
}

func TestDisconnectDuringRefreshKeepsQueuedTurns(t *testing.T) {
	t.Parallel()

	s := connected(t)
	s, _ = Reduce(s, cmdDisconnect{})
	s, _ = send(t, s, "t1", "queued while offline", 5_000, "k1")

	s, effects := Reduce(s, cmdConnect{URL: testURL, NowMs: 6_000})
	conn := onlyEffect[effConnect](t, effects)
	s, _ = Reduce(s, evConnectResult{Gen: conn.Gen, NowMs: 6_100})
	require.True(t, s.Sync.InFlight)

	s, _ = Reduce(s, cmdDisconnect{})
	require.Equal(t, 1, s.Outbox.Len())
	require.Equal(t, ledger.StateSending, turn(t, s, "t1").State)
	require.Equal(t, 1, s.Ledger.Len())

	// Delivery after the next connect still finds the turn.
	s, effects = Reduce(s, cmdConnect{URL: testURL, NowMs: 7_000})
	conn = onlyEffect[effConnect](t, effects)
	s, effects = Reduce(s, evConnectResult{Gen: conn.Gen, NowMs: 7_100})
	check := onlyEffect[effHealthCheck](t, effects)
	s, _ = Reduce(s, evHealthResult{ItemID: check.ItemID, OK: true, NowMs: 7_200})
	s, _ = Reduce(s, evSendAccepted{TurnID: "t1", ItemID: check.ItemID, SessionKey: "main", RunID: "r1", NowMs: 7_300})
	require.Zero(t, s.Outbox.Len())
	require.Equal(t, ledger.StateQueued, turn(t, s, "t1").State)
}

func TestRefreshCollapsesAndTimesOut(t *testing.T) {
	t.Parallel()

	s := connected(t)
	first := make(chan error, 1)
	s, effects := Reduce(s, cmdRefreshHistory{Reply: first})
	fetch := onlyEffect[effFetchHistory](t, effects)
	timer := onlyEffect[effStartTimer](t, effects)
	require.Equal(t, timerRefreshTimeout, timer.Name)

	second := make(chan error, 1)
	s, effects = Reduce(s, cmdRefreshHistory{Reply: second})
	require.Empty(t, effects)

	requestID := s.RequestID
	s, effects = Reduce(s, evTimerFired{Name: timerRefreshTimeout, Token: timer.Token})
	require.False(t, s.Sync.InFlight)
	require.Equal(t, msgRefreshTimeout, s.Sync.Error)
	require.Greater(t, s.RequestID, requestID)

	var syncErr *SyncError
	require.ErrorAs(t, replyTo(t, effects, first), &syncErr)
	require.Equal(t, SyncTimeout, syncErr.Kind)
	require.ErrorAs(t, replyTo(t, effects, second), &syncErr)

	before := s.Ledger.Len()
	s, _ = Reduce(s, evHistoryLoaded{Token: fetch.Token, History: gateway.History{
		Messages: []gateway.HistoryMessage{{ID: "late", Role: "user", Text: "late"}},
	}})
	require.Equal(t, before, s.Ledger.Len())
}

func TestPlaceholderCompletionRecoversFromHistory(t *testing.T) {
	t.Parallel()

	s := connected(t)
	s, _ = send(t, s, "t1", "hello", 1000, "k1")
	s, _ = Reduce(s, evSendAccepted{TurnID: "t1", SessionKey: "main", RunID: "r1"})

	s, effects := Reduce(s, evChatEvent{Event: gateway.ChatEvent{RunID: "r1", SessionKey: "main", State: "final"}})
	require.Equal(t, bridge.NoTextFallback, turn(t, s, "t1").AssistantText)
	require.NotNil(t, s.Recovery.Active)
	require.Equal(t, "t1", s.Recovery.Active.TurnID)

	var recTimer effStartTimer
	for _, tm := range effectsOf[effStartTimer](effects) {
		if tm.Name == timerRecovery {
			recTimer = tm
		}
	}
	require.Equal(t, timerRecovery, recTimer.Name)

	// The completion already triggered a refresh; the attempt joins it.
	require.True(t, s.Sync.InFlight)
	tok := s.Sync.Token
	s, effects = Reduce(s, evTimerFired{Name: timerRecovery, Token: recTimer.Token})
	require.Empty(t, effectsOf[effFetchHistory](effects))
	require.True(t, s.Recovery.InFlight)
	require.Equal(t, 1, s.Recovery.Active.Attempt)

	s, _ = Reduce(s, evHistoryLoaded{Token: tok, History: gateway.History{
		Messages: []gateway.HistoryMessage{
			{ID: "m1", Role: "user", Text: "hello"},
			{ID: "m2", Role: "assistant", Text: "the real answer", RunID: "r1"},
		},
	}})
	got := turn(t, s, "t1")
	require.Equal(t, "the real answer", got.AssistantText)
	require.Nil(t, s.Recovery.Active)
	require.False(t, s.Recovery.InFlight)
}

func TestRecoveryExhaustsIntoNotice(t *testing.T) {
	t.Parallel()

	policy := DefaultPolicy()
	policy.Recovery = recovery.Policy{MaxAttempts: 2, BaseDelay: 10, MaxDelay: 100}
	s := connected(t)
	s.Policy = policy

	s, _ = send(t, s, "t1", "hello", 1000, "k1")
	s, effects := Reduce(s, evSendAccepted{TurnID: "t1", SessionKey: "main", RunID: "r1"})
	watchdog := onlyEffect[effStartTimer](t, effects)

	s, effects = Reduce(s, evTimerFired{Name: timerResponseWatchdog, Token: watchdog.Token})
	require.NotNil(t, s.Recovery.Active)

	for attempt := 1; attempt <= 2; attempt++ {
		timer := onlyEffect[effStartTimer](t, effects)
		require.Equal(t, timerRecovery, timer.Name)

		s, effects = Reduce(s, evTimerFired{Name: timerRecovery, Token: timer.Token})
		fetch := onlyEffect[effFetchHistory](t, effects)
		require.True(t, s.Recovery.InFlight)

		s, effects = Reduce(s, evHistoryLoaded{Token: fetch.Token, History: gateway.History{
			Messages: []gateway.HistoryMessage{{ID: "m1", Role: "user", Text: "hello"}},
		}})
		var timers []actor.Effect
		for _, e := range effectsOf[effStartTimer](effects) {
			timers = append(timers, e)
		}
		effects = timers
	}

	require.Nil(t, s.Recovery.Active)
	require.NotNil(t, s.Recovery.Notice)
	require.Equal(t, "t1", s.Recovery.Notice.TurnID)
	require.False(t, s.Sending)

	rep := make(chan error, 1)
	s, effects = Reduce(s, cmdRetryRecovery{Reply: rep})
	require.NoError(t, replyTo(t, effects, rep))
	require.Nil(t, s.Recovery.Notice)
	require.NotNil(t, s.Recovery.Active)
	require.Zero(t, s.Recovery.Active.Attempt)
}

func TestSessionOperationsAreSerialized(t *testing.T) {
	t.Parallel()

	s := connected(t)
	first := make(chan error, 1)
	s, effects := Reduce(s, cmdRenameSession{Key: "main", Alias: "Home", Reply: first})
	require.NoError(t, replyTo(t, effects, first))
	persist := onlyEffect[effPersistPrefs](t, effects)
	require.Equal(t, "Home", persist.Prefs.Get("main").Alias)
	require.True(t, s.SessionOpPending)

	second := make(chan error, 1)
	_, effects = Reduce(s, cmdTogglePinned{Key: "main", Reply: second})
	require.ErrorIs(t, replyTo(t, effects, second), ErrSessionOperationPending)

	s, _ = Reduce(s, evPrefsPersisted{Seq: persist.Seq})
	require.False(t, s.SessionOpPending)

	s, _ = Reduce(s, cmdTogglePinned{Key: "main"})
	require.True(t, s.Prefs.Get("main").Pinned)
}

func TestCreateSessionSwitches(t *testing.T) {
	t.Parallel()

	s := connected(t)
	s, effects := Reduce(s, cmdCreateSession{Key: "chat-1", NowMs: 42})
	require.Equal(t, "chat-1", s.SessionKey)
	require.True(t, s.SessionOpPending)
	require.EqualValues(t, 42, s.Prefs.Get("chat-1").CreatedAt)

	persist := onlyEffect[effPersistPrefs](t, effects)
	s, _ = Reduce(s, evPrefsPersisted{Seq: persist.Seq})
	require.False(t, s.SessionOpPending)

	snap := s.Snapshot()
	var found bool
	for _, e := range snap.Sessions {
		if e.Key == "chat-1" {
			found = true
			require.True(t, e.Current)
		}
	}
	require.True(t, found)
}

func TestRestoreRecreatesQueuedTurns(t *testing.T) {
	t.Parallel()

	rep := make(chan error, 1)
	prefs := sessions.NewPreferences()
	prefs.LastSessionKey = "project-a"
	s, effects := Reduce(NewState(DefaultPolicy(), ""), cmdRestore{
		Outbox: outbox.Snapshot{Items: []outbox.Item{
			{ID: "i1", SessionKey: "project-a", Message: "queued", TurnID: "t1", IdempotencyKey: "k1", CreatedAt: 7},
			{ID: "i2", SessionKey: "main", Message: "elsewhere", TurnID: "t2", IdempotencyKey: "k2"},
		}},
		Prefs: prefs,
		Reply: rep,
	})
	require.NoError(t, replyTo(t, effects, rep))
	require.Equal(t, "project-a", s.SessionKey)
	require.Equal(t, 2, s.Outbox.Len())
	require.Equal(t, 1, s.Ledger.Len())
	got := turn(t, s, "t1")
	require.Equal(t, ledger.StateSending, got.State)
	require.True(t, got.Local)
}

func TestTransportDropKeepsTurns(t *testing.T) {
	t.Parallel()

	s := connected(t)
	s, _ = send(t, s, "t1", "hello", 1000, "k1")
	s, _ = Reduce(s, evConnectionChanged{State: gateway.StateDisconnected, Err: errors.New("connection reset by peer")})
	require.Equal(t, gateway.StateDisconnected, s.Connection)
	require.Equal(t, 1, s.Ledger.Len())
	require.False(t, s.Sending)
	require.NotNil(t, s.Diagnostic)
	require.Equal(t, diagnostics.KindNetwork, s.Diagnostic.Kind)
}

func TestPairingRequired(t *testing.T) {
	t.Parallel()

	s, _ := Reduce(NewState(DefaultPolicy(), ""), evPairingRequired{RequestID: "req-9"})
	require.True(t, s.PairingRequired)
	require.Equal(t, diagnostics.KindPairing, s.Diagnostic.Kind)

	s, _ = Reduce(s, cmdDismissBanner{Banner: BannerDiagnostic})
	require.False(t, s.PairingRequired)
	require.Nil(t, s.Diagnostic)
}
