package controller

import (
	"strings"

	"github.com/bhandras/gatewaykit/internal/actor"
	"github.com/bhandras/gatewaykit/internal/gateway"
	"github.com/bhandras/gatewaykit/internal/ledger"
	"github.com/bhandras/gatewaykit/internal/outbox"
)

func reduceSendMessage(state State, cmd cmdSendMessage) (State, []actor.Effect) {
	text := strings.TrimSpace(cmd.Text)
	if text == "" && len(cmd.Attachments) == 0 {
		return state, []actor.Effect{reply(cmd.Reply, &SendError{Kind: SendNoText, Message: msgNoText})}
	}
	if state.Endpoint == "" {
		return state, []actor.Effect{reply(cmd.Reply, &SendError{Kind: SendNotConnected, Message: msgNotConnected})}
	}
	if err := state.Outbox.CheckDuplicate(state.SessionKey, text, cmd.NowMs); err != nil {
		return state, []actor.Effect{reply(cmd.Reply, &SendError{
			Kind:    SendDuplicateRapid,
			Message: msgDuplicate,
			Err:     err,
		})}
	}

	key := state.Outbox.ResolveIdempotencyKey(state.SessionKey, text, cmd.NowMs, cmd.KeyCandidate)
	state.Outbox.RecordDispatch(state.SessionKey, text, key, cmd.NowMs)
	state.Ledger.Create(cmd.TurnID, text, cmd.NowMs)
	state.SendError = nil

	canDispatch := state.connected() &&
		state.DispatchingTurn == "" &&
		state.OutboxInFlight == "" &&
		state.Outbox.Len() == 0
	if canDispatch {
		state.DispatchingTurn = cmd.TurnID
		state.Sending = true
		state.ActiveTurnID = cmd.TurnID
		return state, []actor.Effect{
			effChatSend{
				TurnID:         cmd.TurnID,
				SessionKey:     state.SessionKey,
				Message:        text,
				IdempotencyKey: key,
				Attachments:    cmd.Attachments,
				CreatedAt:      cmd.NowMs,
				TimeoutMs:      state.Policy.SendTimeout.Milliseconds(),
			},
			reply(cmd.Reply, nil),
		}
	}

	state.Outbox.Enqueue(outbox.Item{
		ID:             cmd.ItemID,
		SessionKey:     state.SessionKey,
		Message:        text,
		TurnID:         cmd.TurnID,
		IdempotencyKey: key,
		Attachments:    cmd.Attachments,
		CreatedAt:      cmd.NowMs,
		NextRetryAt:    cmd.NowMs,
	})
	effects := []actor.Effect{state.persistOutbox()}
	effects = append(effects, flushOutbox(&state, cmd.NowMs)...)
	effects = append(effects, reply(cmd.Reply, nil))
	return state, effects
}

func reduceSendAccepted(state State, ev evSendAccepted) (State, []actor.Effect) {
	var effects []actor.Effect
	if ev.ItemID == "" {
		if ev.TurnID == state.DispatchingTurn {
			state.DispatchingTurn = ""
		}
	} else {
		if ev.ItemID == state.OutboxInFlight {
			state.OutboxInFlight = ""
		}
		if state.Outbox.Remove(ev.ItemID) {
			effects = append(effects, state.persistOutbox())
		}
	}

	if ev.SessionKey == state.SessionKey {
		if ev.RunID != "" {
			state.Ledger.BindRunID(ev.TurnID, ev.RunID)
		}
		state.Ledger.UpdateByTurnID(ev.TurnID, func(t *ledger.Turn) {
			if t.State == ledger.StateSending {
				t.State = ledger.StateQueued
			}
		})
		if t, ok := state.Ledger.FindByID(ev.TurnID); ok && t.State.IsWaiting() && ev.TurnID == state.ActiveTurnID {
			effects = append(effects, state.armWatchdog()...)
		}
	}

	effects = append(effects, flushOutbox(&state, ev.NowMs)...)
	return state, effects
}

func reduceSendFailed(state State, ev evSendFailed) (State, []actor.Effect) {
	var effects []actor.Effect
	current := ev.SessionKey == state.SessionKey

	if ev.ItemID == "" {
		if ev.TurnID == state.DispatchingTurn {
			state.DispatchingTurn = ""
		}
		if gateway.IsRetryable(ev.Err) {
			// Kept with its idempotency key so the retry cannot duplicate
			// a message the gateway did receive. Messages submitted while
			// this one was in flight are already queued behind it.
			createdAt := ev.CreatedAt
			if createdAt == 0 {
				createdAt = ev.NowMs
			}
			item := outbox.Item{
				ID:             "retry:" + ev.TurnID,
				SessionKey:     ev.SessionKey,
				Message:        ev.Message,
				TurnID:         ev.TurnID,
				IdempotencyKey: ev.IdempotencyKey,
				Attachments:    ev.Attachments,
				CreatedAt:      createdAt,
				RetryCount:     1,
				NextRetryAt:    ev.NowMs + outbox.Backoff(state.Outbox.Policy(), 0).Milliseconds(),
				LastError:      errText(ev.Err),
			}
			state.Outbox.Requeue(item)
			if current {
				effects = append(effects, state.endSending(ev.TurnID)...)
			}
			effects = append(effects, state.persistOutbox())
			effects = append(effects, flushOutbox(&state, ev.NowMs)...)
			return state, effects
		}
		effects = append(effects, failTurn(&state, ev.TurnID, current, ev.Err)...)
		effects = append(effects, flushOutbox(&state, ev.NowMs)...)
		return state, effects
	}

	if ev.ItemID == state.OutboxInFlight {
		state.OutboxInFlight = ""
	}
	if !gateway.IsRetryable(ev.Err) {
		if state.Outbox.Remove(ev.ItemID) {
			effects = append(effects, state.persistOutbox())
		}
		if current {
			effects = append(effects, failTurn(&state, ev.TurnID, current, ev.Err)...)
		}
		effects = append(effects, flushOutbox(&state, ev.NowMs)...)
		return state, effects
	}
	effects = append(effects, outboxFailure(&state, ev.ItemID, ev.Err, ev.NowMs)...)
	effects = append(effects, flushOutbox(&state, ev.NowMs)...)
	return state, effects
}

// outboxFailure records a failed delivery attempt; an item that ran out of
// retries is dropped and its turn marked failed.
func outboxFailure(state *State, itemID string, err error, nowMs int64) []actor.Effect {
	item, exhausted, ok := state.Outbox.MarkFailure(itemID, errText(err), nowMs)
	if !ok {
		return nil
	}
	current := item.SessionKey == state.SessionKey
	var effects []actor.Effect
	if current {
		effects = append(effects, state.endSending(item.TurnID)...)
	}
	if exhausted {
		state.Outbox.Remove(itemID)
		effects = append(effects, failTurn(state, item.TurnID, current, err)...)
	}
	return append(effects, state.persistOutbox())
}

func failTurn(state *State, turnID string, current bool, err error) []actor.Effect {
	if !current {
		return nil
	}
	msg := errText(err)
	state.Ledger.UpdateByTurnID(turnID, func(t *ledger.Turn) {
		if t.State.IsTerminal() {
			return
		}
		t.State = ledger.StateError
		t.ErrorMessage = msg
	})
	state.SendError = &Banner{Kind: string(SendTransportFailure), Message: msg}
	return state.endSending(turnID)
}

// flushOutbox moves the outbox forward: it either arms the retry timer for
// the head item or starts delivering it with a health check.
func flushOutbox(state *State, nowMs int64) []actor.Effect {
	if !state.connected() || state.OutboxInFlight != "" || state.DispatchingTurn != "" {
		return nil
	}
	delay, ok := state.Outbox.DelayUntilHead(nowMs)
	if !ok {
		return state.disarmTimer(timerOutboxRetry)
	}
	if delay > 0 {
		return []actor.Effect{state.armTimer(timerOutboxRetry, delay)}
	}

	head, _ := state.Outbox.Head()
	state.OutboxInFlight = head.ID
	effects := state.disarmTimer(timerOutboxRetry)
	return append(effects, effHealthCheck{
		ItemID:    head.ID,
		TimeoutMs: state.Policy.HealthTimeout.Milliseconds(),
	})
}

func reduceFlushHealth(state State, ev evHealthResult, healthy bool) (State, []actor.Effect) {
	if ev.ItemID != state.OutboxInFlight {
		return state, nil
	}
	item, ok := state.Outbox.Get(ev.ItemID)
	if !ok {
		state.OutboxInFlight = ""
		return state, flushOutbox(&state, ev.NowMs)
	}

	if !healthy {
		state.OutboxInFlight = ""
		err := ev.Err
		if err == nil {
			err = gateway.NewError(gateway.CodeUnavailable, "gateway health check failed")
		}
		effects := outboxFailure(&state, item.ID, err, ev.NowMs)
		return state, append(effects, flushOutbox(&state, ev.NowMs)...)
	}

	var effects []actor.Effect
	if item.SessionKey == state.SessionKey {
		state.Sending = true
		state.ActiveTurnID = item.TurnID
	}
	effects = append(effects, effChatSend{
		TurnID:         item.TurnID,
		ItemID:         item.ID,
		SessionKey:     item.SessionKey,
		Message:        item.Message,
		IdempotencyKey: item.IdempotencyKey,
		Attachments:    item.Attachments,
		CreatedAt:      item.CreatedAt,
		TimeoutMs:      state.Policy.SendTimeout.Milliseconds(),
	})
	return state, effects
}

func outboxHasTurn(state *State, turnID string) bool {
	for _, item := range state.Outbox.Items() {
		if item.TurnID == turnID {
			return true
		}
	}
	return false
}

// resetTranscript empties the ledger down to the queued turns of sessionKey.
func resetTranscript(state *State, sessionKey string) {
	state.Ledger.Reset()
	for _, t := range queuedTurns(&state.Outbox, sessionKey) {
		state.Ledger.Append(t)
	}
}

// queuedTurns returns placeholder turns for outbox items of sessionKey so
// undelivered messages stay visible across restarts and session switches.
func queuedTurns(q *outbox.Queue, sessionKey string) []ledger.Turn {
	items := q.ForSession(sessionKey)
	turns := make([]ledger.Turn, 0, len(items))
	for _, item := range items {
		turns = append(turns, ledger.Turn{
			ID:        item.TurnID,
			UserText:  item.Message,
			State:     ledger.StateSending,
			CreatedAt: item.CreatedAt,
			Local:     true,
		})
	}
	return turns
}

func errText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
