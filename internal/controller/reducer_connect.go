package controller

import (
	"time"

	"github.com/bhandras/gatewaykit/internal/actor"
	"github.com/bhandras/gatewaykit/internal/diagnostics"
	"github.com/bhandras/gatewaykit/internal/gateway"
	"github.com/bhandras/gatewaykit/internal/identity"
	"github.com/bhandras/gatewaykit/internal/recovery"
)

func reduceConnect(state State, cmd cmdConnect) (State, []actor.Effect) {
	if state.Connection == gateway.StateConnecting {
		return state, []actor.Effect{reply(cmd.Reply, ErrAlreadyConnecting)}
	}

	u, err := diagnostics.ValidateEndpoint(cmd.URL)
	if err != nil {
		d := diagnostics.New(diagnostics.KindInvalidURL, err.Error())
		state.Diagnostic = &d
		return state, []actor.Effect{reply(cmd.Reply, &ConnectError{Diagnostic: d, Err: err})}
	}
	if err := identity.CheckToken(cmd.Token, time.UnixMilli(cmd.NowMs)); err != nil {
		d := diagnostics.Classify(err)
		state.Diagnostic = &d
		return state, []actor.Effect{reply(cmd.Reply, &ConnectError{Diagnostic: d, Err: err})}
	}

	var effects []actor.Effect
	if state.Connection != gateway.StateDisconnected {
		state, effects = dropInFlight(state)
	}

	state.ConnectGen++
	state.Connection = gateway.StateConnecting
	state.ConnectReply = cmd.Reply
	state.Endpoint = u.String()
	state.Token = cmd.Token
	state.Diagnostic = nil
	state.PairingRequired = false

	effects = append(effects, effConnect{
		Gen:        state.ConnectGen,
		URL:        state.Endpoint,
		Token:      state.Token,
		SessionKey: state.SessionKey,
		TimeoutMs:  state.Policy.ConnectTimeout.Milliseconds(),
	})
	return state, effects
}

func reduceConnectResult(state State, ev evConnectResult) (State, []actor.Effect) {
	if ev.Gen != state.ConnectGen || state.Connection != gateway.StateConnecting {
		// A superseded attempt that still managed to connect is torn down.
		if ev.Err == nil && state.Connection == gateway.StateDisconnected {
			return state, []actor.Effect{effDisconnect{}}
		}
		return state, nil
	}

	pending := state.ConnectReply
	state.ConnectReply = nil

	if ev.Err != nil {
		var effects []actor.Effect
		state, effects = dropInFlight(state)
		state.Connection = gateway.StateDisconnected
		d := diagnostics.Classify(ev.Err)
		state.Diagnostic = &d
		state.PairingRequired = d.Kind == diagnostics.KindPairing
		effects = append(effects, reply(pending, &ConnectError{Diagnostic: d, Err: ev.Err}))
		return state, effects
	}

	state.Connection = gateway.StateConnected
	state.Diagnostic = nil
	state.PairingRequired = false
	effects := []actor.Effect{reply(pending, nil)}
	state, more := onConnected(state, ev.NowMs)
	return state, append(effects, more...)
}

// onConnected starts the work that follows every (re)connect: history for the
// current session, the session list, health polling, the outbox and any
// recovery that was paused while offline.
func onConnected(state State, nowMs int64) (State, []actor.Effect) {
	state, effects := startRefresh(state, nil)
	effects = append(effects, effListSessions{})
	if state.Policy.HealthInterval > 0 {
		effects = append(effects, state.armTimer(timerHealthPoll, state.Policy.HealthInterval))
	}
	effects = append(effects, flushOutbox(&state, nowMs)...)

	switch {
	case state.Recovery.Active != nil:
		effects = append(effects, state.armTimer(timerRecovery,
			recovery.Delay(state.Policy.Recovery, state.Recovery.Active.Attempt)))
	case state.ActiveTurnID != "":
		if t, ok := state.Ledger.FindByID(state.ActiveTurnID); ok && t.State.IsWaiting() &&
			!outboxHasTurn(&state, t.ID) {
			// The reply may have finished while we were away.
			var more []actor.Effect
			state, more = startRecovery(state, state.ActiveTurnID)
			effects = append(effects, more...)
		}
	}
	return state, effects
}

func reduceConnectionChanged(state State, ev evConnectionChanged) (State, []actor.Effect) {
	switch ev.State {
	case gateway.StateReconnecting:
		if state.Connection != gateway.StateConnected {
			return state, nil
		}
		state, effects := dropInFlight(state)
		state.Connection = gateway.StateReconnecting
		return state, effects

	case gateway.StateConnected:
		if state.Connection != gateway.StateReconnecting {
			return state, nil
		}
		state.Connection = gateway.StateConnected
		state.Diagnostic = nil
		state.PairingRequired = false
		return onConnected(state, ev.NowMs)

	case gateway.StateDisconnected:
		switch state.Connection {
		case gateway.StateConnected, gateway.StateReconnecting:
		default:
			// Connecting is reported by the connect result.
			return state, nil
		}
		state, effects := dropInFlight(state)
		state.Connection = gateway.StateDisconnected
		if ev.Err != nil {
			d := diagnostics.Classify(ev.Err)
			state.Diagnostic = &d
			state.PairingRequired = d.Kind == diagnostics.KindPairing
		}
		return state, effects
	}
	return state, nil
}

func reduceDisconnect(state State, cmd cmdDisconnect) (State, []actor.Effect) {
	var effects []actor.Effect
	if state.ConnectReply != nil {
		effects = append(effects, reply(state.ConnectReply, ErrConnectCanceled))
		state.ConnectReply = nil
	}
	state.ConnectGen++

	// A refresh interrupted by disconnect leaves no partial transcript,
	// only the messages still waiting in the outbox.
	if state.Sync.InFlight {
		resetTranscript(&state, state.SessionKey)
		state.ActiveTurnID = ""
	}

	var more []actor.Effect
	state, more = dropInFlight(state)
	effects = append(effects, more...)
	effects = append(effects, state.disarmAll()...)

	state.Connection = gateway.StateDisconnected
	state.Recovery.Active = nil
	state.PairingRequired = false

	effects = append(effects, effDisconnect{}, reply(cmd.Reply, nil))
	return state, effects
}

func reducePairingRequired(state State, ev evPairingRequired) (State, []actor.Effect) {
	d := diagnostics.ForPairing(ev.RequestID)
	state.Diagnostic = &d
	state.PairingRequired = true
	return state, nil
}

func reduceHealthResult(state State, ev evHealthResult) (State, []actor.Effect) {
	ok := ev.OK && ev.Err == nil
	state.HealthOK = &ok
	state.LastHealthAt = ev.NowMs

	if ev.ItemID == "" {
		if !state.connected() || state.Policy.HealthInterval <= 0 {
			return state, nil
		}
		return state, []actor.Effect{state.armTimer(timerHealthPoll, state.Policy.HealthInterval)}
	}
	return reduceFlushHealth(state, ev, ok)
}
