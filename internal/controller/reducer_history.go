package controller

import (
	"github.com/bhandras/gatewaykit/internal/actor"
	"github.com/bhandras/gatewaykit/internal/bridge"
	"github.com/bhandras/gatewaykit/internal/gateway"
	"github.com/bhandras/gatewaykit/internal/history"
)

// startRefresh requests the transcript of the current session. Concurrent
// refreshes collapse onto the one in flight; rep, when non-nil, completes
// with its outcome.
func startRefresh(state State, rep chan error) (State, []actor.Effect) {
	if state.Sync.InFlight {
		if rep != nil {
			state.Sync.Waiters = append(state.Sync.Waiters, rep)
		}
		return state, nil
	}
	if !state.connected() {
		if rep == nil {
			return state, nil
		}
		return state, []actor.Effect{reply(rep, &SyncError{
			Kind:    SyncNotConnected,
			Message: "Not connected to the gateway",
			Err:     gateway.ErrNotConnected,
		})}
	}

	state.RequestID++
	tok := history.Token{Epoch: state.Epoch, RequestID: state.RequestID}
	state.Sync.InFlight = true
	state.Sync.Token = tok
	if rep != nil {
		state.Sync.Waiters = append(state.Sync.Waiters, rep)
	}

	effects := []actor.Effect{effFetchHistory{
		Token:      tok,
		SessionKey: state.SessionKey,
		Limit:      state.Policy.HistoryLimit,
	}}
	if state.Policy.RefreshTimeout > 0 {
		effects = append(effects, state.armTimer(timerRefreshTimeout, state.Policy.RefreshTimeout))
	}
	return state, effects
}

// current reports whether tok belongs to the refresh still in flight.
func (s *State) current(tok history.Token) bool {
	return s.Sync.InFlight &&
		tok == s.Sync.Token &&
		tok.Epoch == s.Epoch &&
		tok.RequestID == s.RequestID
}

func reduceHistoryLoaded(state State, ev evHistoryLoaded) (State, []actor.Effect) {
	if !state.current(ev.Token) {
		return state, nil
	}
	state.Sync.InFlight = false
	state.Sync.Error = ""
	state.Sync.HistoryLoading = false

	effects := state.disarmTimer(timerRefreshTimeout)
	effects = append(effects, failWaiters(&state, nil)...)

	state.Ledger.Reconcile(history.BuildTurns(state.SessionKey, ev.History.Messages))

	if state.ActiveTurnID != "" {
		t, ok := state.Ledger.FindByID(state.ActiveTurnID)
		if !ok || t.State.IsTerminal() {
			effects = append(effects, state.endSending(state.ActiveTurnID)...)
		}
	}

	state, more := evaluateRecovery(state, true)
	return state, append(effects, more...)
}

func reduceHistoryFailed(state State, ev evHistoryFailed) (State, []actor.Effect) {
	if !state.current(ev.Token) {
		return state, nil
	}
	state.Sync.InFlight = false
	state.Sync.HistoryLoading = false
	state.Sync.Error = "Refresh failed: " + errText(ev.Err)

	kind := SyncTransportFailure
	if gateway.CodeOf(ev.Err) == gateway.CodeTimeout {
		kind = SyncTimeout
	}
	effects := state.disarmTimer(timerRefreshTimeout)
	effects = append(effects, failWaiters(&state, &SyncError{
		Kind:    kind,
		Message: state.Sync.Error,
		Err:     ev.Err,
	})...)

	state, more := evaluateRecovery(state, false)
	return state, append(effects, more...)
}

// reduceRefreshTimeout fails the refresh closed: the request id moves on so
// a late response is discarded.
func reduceRefreshTimeout(state State) (State, []actor.Effect) {
	if !state.Sync.InFlight {
		return state, nil
	}
	state.Sync.InFlight = false
	state.Sync.HistoryLoading = false
	state.Sync.Error = msgRefreshTimeout
	state.RequestID++

	effects := failWaiters(&state, &SyncError{Kind: SyncTimeout, Message: msgRefreshTimeout})
	state, more := evaluateRecovery(state, false)
	return state, append(effects, more...)
}

func reduceChatEvent(state State, ev evChatEvent) (State, []actor.Effect) {
	e := ev.Event
	if e.SessionKey != "" && e.SessionKey != state.SessionKey {
		return state, nil
	}

	d := bridge.Apply(&state.Ledger, e)
	var effects []actor.Effect
	if d.TurnID == "" {
		if d.SyncHistory {
			return startRefresh(state, nil)
		}
		return state, nil
	}

	if d.EndSending {
		effects = append(effects, state.endSending(d.TurnID)...)
		if !d.Placeholder && state.Recovery.Active != nil && state.Recovery.Active.TurnID == d.TurnID {
			effects = append(effects, stopRecovery(&state)...)
		}
	} else if d.TurnID == state.ActiveTurnID {
		effects = append(effects, state.armWatchdog()...)
	}

	if d.Placeholder {
		var more []actor.Effect
		state, more = startRecovery(state, d.TurnID)
		effects = append(effects, more...)
	}
	if d.SyncHistory {
		var more []actor.Effect
		state, more = startRefresh(state, nil)
		effects = append(effects, more...)
	}
	return state, effects
}
