package controller

import (
	"strings"

	"github.com/bhandras/gatewaykit/internal/actor"
	"github.com/bhandras/gatewaykit/internal/outbox"
	"github.com/bhandras/gatewaykit/internal/sessions"
)

func reduceSwitchSession(state State, cmd cmdSwitchSession) (State, []actor.Effect) {
	key := strings.TrimSpace(cmd.Key)
	if key == "" {
		return state, []actor.Effect{reply(cmd.Reply, ErrInvalidSessionKey)}
	}
	state, effects := switchTo(state, key)
	return state, append(effects, reply(cmd.Reply, nil))
}

// switchTo makes key the current session. Everything tied to the previous
// session is discarded and the epoch moves on, so results still in flight
// for it are ignored when they arrive.
func switchTo(state State, key string) (State, []actor.Effect) {
	if key == state.SessionKey {
		return startRefresh(state, nil)
	}

	var effects []actor.Effect
	if state.Sync.InFlight {
		effects = append(effects, failWaiters(&state, &SyncError{
			Kind:    SyncSuperseded,
			Message: "Session changed before the refresh finished",
		})...)
	}
	effects = append(effects, state.disarmTimer(timerRefreshTimeout)...)
	effects = append(effects, state.disarmTimer(timerResponseWatchdog)...)
	effects = append(effects, stopRecovery(&state)...)

	state.SessionKey = key
	state.Epoch++
	state.Sync.InFlight = false
	state.Sync.Error = ""
	state.Sync.HistoryLoading = state.connected()
	state.Sending = false
	state.ActiveTurnID = ""
	state.SendError = nil
	if n := state.Recovery.Notice; n != nil && n.SessionKey != key {
		state.Recovery.Notice = nil
	}

	resetTranscript(&state, key)

	state.Prefs.LastSessionKey = key
	persist, _ := state.persistPrefs()
	effects = append(effects, persist)

	var more []actor.Effect
	state, more = startRefresh(state, nil)
	return state, append(effects, more...)
}

func reduceCreateSession(state State, cmd cmdCreateSession) (State, []actor.Effect) {
	if state.SessionOpPending {
		return state, []actor.Effect{reply(cmd.Reply, ErrSessionOperationPending)}
	}
	key := strings.TrimSpace(cmd.Key)
	if key == "" {
		return state, []actor.Effect{reply(cmd.Reply, ErrInvalidSessionKey)}
	}

	pref := state.Prefs.Get(key)
	if pref.CreatedAt == 0 {
		pref.CreatedAt = cmd.NowMs
	}
	state.Prefs.Set(key, pref)

	state.SessionOpPending = true
	prev := state.SessionKey
	state, effects := switchTo(state, key)
	if key == prev {
		persist, seq := state.persistPrefs()
		effects = append(effects, persist)
		state.PendingOpSeq = seq
	} else {
		// switchTo persisted the preferences already.
		state.PendingOpSeq = state.PrefsSeq
	}
	return state, append(effects, reply(cmd.Reply, nil))
}

func reduceRenameSession(state State, cmd cmdRenameSession) (State, []actor.Effect) {
	if state.SessionOpPending {
		return state, []actor.Effect{reply(cmd.Reply, ErrSessionOperationPending)}
	}
	key := strings.TrimSpace(cmd.Key)
	if key == "" {
		return state, []actor.Effect{reply(cmd.Reply, ErrInvalidSessionKey)}
	}
	state.Prefs.Rename(key, cmd.Alias)
	return settleSessionOp(state, cmd.Reply)
}

func reduceTogglePinned(state State, cmd cmdTogglePinned) (State, []actor.Effect) {
	if state.SessionOpPending {
		return state, []actor.Effect{reply(cmd.Reply, ErrSessionOperationPending)}
	}
	key := strings.TrimSpace(cmd.Key)
	if key == "" {
		return state, []actor.Effect{reply(cmd.Reply, ErrInvalidSessionKey)}
	}
	state.Prefs.TogglePinned(key)
	return settleSessionOp(state, cmd.Reply)
}

func settleSessionOp(state State, rep chan error) (State, []actor.Effect) {
	state.SessionOpPending = true
	persist, seq := state.persistPrefs()
	state.PendingOpSeq = seq
	return state, []actor.Effect{persist, reply(rep, nil)}
}

func reducePrefsPersisted(state State, ev evPrefsPersisted) (State, []actor.Effect) {
	if state.SessionOpPending && ev.Seq >= state.PendingOpSeq {
		state.SessionOpPending = false
	}
	return state, nil
}

func reduceSessionsListed(state State, ev evSessionsListed) (State, []actor.Effect) {
	if ev.Err != nil {
		return state, nil
	}
	state.Sessions = ev.Sessions
	return state, nil
}

// reduceRestore installs what was persisted by a previous run.
func reduceRestore(state State, cmd cmdRestore) (State, []actor.Effect) {
	q := outbox.NewQueue(state.Policy.Outbox)
	q.Restore(cmd.Outbox)
	state.Outbox = q

	state.Prefs = cmd.Prefs.Clone()
	if key := strings.TrimSpace(cmd.SessionKey); key != "" {
		state.SessionKey = key
	} else if state.Prefs.LastSessionKey != "" {
		state.SessionKey = state.Prefs.LastSessionKey
	} else if state.SessionKey == "" {
		state.SessionKey = sessions.DefaultSessionKey
	}

	resetTranscript(&state, state.SessionKey)
	return state, []actor.Effect{reply(cmd.Reply, nil)}
}
