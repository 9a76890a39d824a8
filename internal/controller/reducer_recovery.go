package controller

import (
	"github.com/bhandras/gatewaykit/internal/actor"
	"github.com/bhandras/gatewaykit/internal/recovery"
)

// startRecovery begins checking the transcript for turnID. A request for a
// different turn supersedes the active one.
func startRecovery(state State, turnID string) (State, []actor.Effect) {
	req := recovery.Request{SessionKey: state.SessionKey, TurnID: turnID}
	if state.Recovery.Active != nil && state.Recovery.Active.Same(req) {
		return state, nil
	}
	state.Recovery.Active = &req
	state.Recovery.InFlight = false
	state.Recovery.Notice = nil
	if !state.connected() {
		return state, state.disarmTimer(timerRecovery)
	}
	return state, []actor.Effect{state.armTimer(timerRecovery, recovery.Delay(state.Policy.Recovery, 0))}
}

func stopRecovery(state *State) []actor.Effect {
	state.Recovery.Active = nil
	state.Recovery.InFlight = false
	return state.disarmTimer(timerRecovery)
}

func reduceRecoveryAttempt(state State) (State, []actor.Effect) {
	active := state.Recovery.Active
	if active == nil {
		return state, nil
	}
	if active.SessionKey != state.SessionKey {
		return state, stopRecovery(&state)
	}
	if !state.connected() {
		// Resumed by onConnected.
		return state, nil
	}
	next := *active
	next.Attempt++
	state.Recovery.Active = &next
	state.Recovery.InFlight = true
	return startRefresh(state, nil)
}

// evaluateRecovery runs after every refresh outcome. loaded is true when the
// transcript was applied, so the turn can be judged.
func evaluateRecovery(state State, loaded bool) (State, []actor.Effect) {
	active := state.Recovery.Active
	if active == nil {
		return state, nil
	}
	if active.SessionKey != state.SessionKey {
		return state, stopRecovery(&state)
	}

	if loaded {
		t, found := state.Ledger.FindByID(active.TurnID)
		if !recovery.NeedsRecovery(t, found) {
			effects := stopRecovery(&state)
			if t.State.IsTerminal() {
				effects = append(effects, state.endSending(t.ID)...)
			}
			return state, effects
		}
	}
	if !state.Recovery.InFlight {
		return state, nil
	}
	state.Recovery.InFlight = false

	if recovery.Exhausted(state.Policy.Recovery, active.Attempt) {
		state.Recovery.Notice = &recovery.Notice{
			SessionKey: active.SessionKey,
			TurnID:     active.TurnID,
			Message:    recovery.ExhaustedMessage,
		}
		turnID := active.TurnID
		effects := stopRecovery(&state)
		return state, append(effects, state.endSending(turnID)...)
	}
	return state, []actor.Effect{state.armTimer(timerRecovery,
		recovery.Delay(state.Policy.Recovery, active.Attempt))}
}

func reduceWatchdog(state State) (State, []actor.Effect) {
	if state.ActiveTurnID == "" {
		return state, nil
	}
	t, ok := state.Ledger.FindByID(state.ActiveTurnID)
	if !ok || !t.State.IsWaiting() {
		return state, nil
	}
	return startRecovery(state, t.ID)
}

func reduceRetryRecovery(state State, cmd cmdRetryRecovery) (State, []actor.Effect) {
	notice := state.Recovery.Notice
	if notice == nil || notice.SessionKey != state.SessionKey {
		return state, []actor.Effect{reply(cmd.Reply, nil)}
	}
	state.Recovery.Notice = nil
	state.Recovery.Active = nil
	state, effects := startRecovery(state, notice.TurnID)
	return state, append(effects, reply(cmd.Reply, nil))
}
