package controller

import (
	"time"

	"github.com/bhandras/gatewaykit/internal/actor"
	"github.com/bhandras/gatewaykit/internal/gateway"
)

// Reduce is the controller reducer.
func Reduce(state State, input actor.Input) (State, []actor.Effect) {
	switch in := input.(type) {
	case cmdConnect:
		return reduceConnect(state, in)
	case cmdDisconnect:
		return reduceDisconnect(state, in)
	case cmdSendMessage:
		return reduceSendMessage(state, in)
	case cmdRefreshHistory:
		return startRefresh(state, in.Reply)
	case cmdSwitchSession:
		return reduceSwitchSession(state, in)
	case cmdCreateSession:
		return reduceCreateSession(state, in)
	case cmdRenameSession:
		return reduceRenameSession(state, in)
	case cmdTogglePinned:
		return reduceTogglePinned(state, in)
	case cmdRetryRecovery:
		return reduceRetryRecovery(state, in)
	case cmdDismissBanner:
		return reduceDismissBanner(state, in)
	case cmdRestore:
		return reduceRestore(state, in)

	case evConnectResult:
		return reduceConnectResult(state, in)
	case evConnectionChanged:
		return reduceConnectionChanged(state, in)
	case evChatEvent:
		return reduceChatEvent(state, in)
	case evPairingRequired:
		return reducePairingRequired(state, in)
	case evSendAccepted:
		return reduceSendAccepted(state, in)
	case evSendFailed:
		return reduceSendFailed(state, in)
	case evHealthResult:
		return reduceHealthResult(state, in)
	case evHistoryLoaded:
		return reduceHistoryLoaded(state, in)
	case evHistoryFailed:
		return reduceHistoryFailed(state, in)
	case evSessionsListed:
		return reduceSessionsListed(state, in)
	case evPrefsPersisted:
		return reducePrefsPersisted(state, in)
	case evTimerFired:
		return reduceTimerFired(state, in)
	default:
		return state, nil
	}
}

func reply(ch chan error, err error) actor.Effect {
	return effCompleteReply{Reply: ch, Err: err}
}

// armTimer records a fresh token for name so that an earlier firing of the
// same timer is recognized as stale.
func (s *State) armTimer(name string, after time.Duration) actor.Effect {
	if s.Timers == nil {
		s.Timers = make(map[string]int64)
	}
	s.TimerSeq++
	s.Timers[name] = s.TimerSeq
	return effStartTimer{Name: name, Token: s.TimerSeq, AfterMs: after.Milliseconds()}
}

func (s *State) disarmTimer(name string) []actor.Effect {
	if _, ok := s.Timers[name]; !ok {
		return nil
	}
	delete(s.Timers, name)
	return []actor.Effect{effCancelTimer{Name: name}}
}

func (s *State) disarmAll() []actor.Effect {
	var effects []actor.Effect
	for _, name := range []string{
		timerOutboxRetry, timerRecovery, timerRefreshTimeout,
		timerResponseWatchdog, timerHealthPoll,
	} {
		effects = append(effects, s.disarmTimer(name)...)
	}
	return effects
}

func (s *State) persistOutbox() actor.Effect {
	return effPersistOutbox{Snapshot: s.Outbox.Snapshot()}
}

func (s *State) persistPrefs() (actor.Effect, int64) {
	s.PrefsSeq++
	return effPersistPrefs{Seq: s.PrefsSeq, Prefs: s.Prefs.Clone()}, s.PrefsSeq
}

func (s *State) connected() bool {
	return s.Connection == gateway.StateConnected
}

// endSending clears the awaiting-reply marker when turnID is the active turn.
func (s *State) endSending(turnID string) []actor.Effect {
	if turnID == "" || turnID != s.ActiveTurnID {
		return nil
	}
	s.Sending = false
	s.ActiveTurnID = ""
	return s.disarmTimer(timerResponseWatchdog)
}

// armWatchdog restarts the missing-response watchdog for the active turn.
func (s *State) armWatchdog() []actor.Effect {
	if s.Policy.ResponseWatchdog <= 0 || s.ActiveTurnID == "" {
		return nil
	}
	return []actor.Effect{s.armTimer(timerResponseWatchdog, s.Policy.ResponseWatchdog)}
}

// dropInFlight clears every in-flight marker after the connection went away.
// Turns are kept; a bumped epoch makes late history results stale.
func dropInFlight(state State) (State, []actor.Effect) {
	var effects []actor.Effect

	state.Epoch++
	state.Sending = false
	state.DispatchingTurn = ""
	state.OutboxInFlight = ""
	state.HealthOK = nil

	if state.Sync.InFlight {
		effects = append(effects, failWaiters(&state, &SyncError{
			Kind:    SyncNotConnected,
			Message: "Disconnected before the refresh finished",
			Err:     gateway.ErrNotConnected,
		})...)
	}
	state.Sync.InFlight = false
	state.Sync.HistoryLoading = false
	state.Recovery.InFlight = false

	effects = append(effects, state.disarmTimer(timerRefreshTimeout)...)
	effects = append(effects, state.disarmTimer(timerHealthPoll)...)
	effects = append(effects, state.disarmTimer(timerOutboxRetry)...)
	effects = append(effects, state.disarmTimer(timerResponseWatchdog)...)
	effects = append(effects, state.disarmTimer(timerRecovery)...)
	return state, effects
}

func failWaiters(state *State, err error) []actor.Effect {
	effects := make([]actor.Effect, 0, len(state.Sync.Waiters))
	for _, ch := range state.Sync.Waiters {
		effects = append(effects, reply(ch, err))
	}
	state.Sync.Waiters = nil
	return effects
}

func reduceTimerFired(state State, ev evTimerFired) (State, []actor.Effect) {
	if tok, ok := state.Timers[ev.Name]; !ok || tok != ev.Token {
		return state, nil
	}
	delete(state.Timers, ev.Name)

	switch ev.Name {
	case timerOutboxRetry:
		return state, flushOutbox(&state, ev.NowMs)
	case timerRefreshTimeout:
		return reduceRefreshTimeout(state)
	case timerRecovery:
		return reduceRecoveryAttempt(state)
	case timerResponseWatchdog:
		return reduceWatchdog(state)
	case timerHealthPoll:
		if !state.connected() {
			return state, nil
		}
		return state, []actor.Effect{effHealthCheck{
			TimeoutMs: state.Policy.HealthTimeout.Milliseconds(),
		}}
	default:
		return state, nil
	}
}

func reduceDismissBanner(state State, cmd cmdDismissBanner) (State, []actor.Effect) {
	switch cmd.Banner {
	case BannerSend:
		state.SendError = nil
	case BannerSync:
		state.Sync.Error = ""
	case BannerRecovery:
		state.Recovery.Notice = nil
	case BannerDiagnostic:
		state.Diagnostic = nil
		state.PairingRequired = false
	}
	return state, []actor.Effect{reply(cmd.Reply, nil)}
}
