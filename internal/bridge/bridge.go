// Package bridge turns raw gateway chat events into turn ledger updates.
package bridge

import (
	"strings"

	"github.com/bhandras/gatewaykit/internal/gateway"
	"github.com/bhandras/gatewaykit/internal/ledger"
)

const (
	// TruncatedText replaces an empty completion cut off by the token limit.
	TruncatedText = "Response was truncated (max tokens reached)."
	// NoTextFallback replaces any other empty completion.
	NoTextFallback = "The assistant finished without any text content."
)

var maxTokenReasons = map[string]bool{
	"max_tokens":        true,
	"max_output_tokens": true,
	"length":            true,
	"token_limit":       true,
}

// NormalizeState maps wire states onto ledger states. Unknown or empty states
// are reported as streaming so they never end a turn.
func NormalizeState(raw string) ledger.State {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "done", "final", "complete", "completed":
		return ledger.StateComplete
	case "error", "failed":
		return ledger.StateError
	case "aborted", "cancelled", "canceled":
		return ledger.StateAborted
	case "delta":
		return ledger.StateDelta
	case "queued", "accepted", "started":
		return ledger.StateQueued
	default:
		return ledger.StateStreaming
	}
}

// ShouldEndSending reports whether a turn in state releases the sending flag.
func ShouldEndSending(state ledger.State) bool {
	return state.IsTerminal()
}

// ShouldSyncHistory reports whether an update warrants pulling the transcript.
func ShouldSyncHistory(state ledger.State, finalText string) bool {
	return strings.TrimSpace(finalText) != "" || state.IsTerminal()
}

// IsTokenLimit reports whether stopReason means the output budget ran out.
func IsTokenLimit(stopReason string) bool {
	return maxTokenReasons[strings.ToLower(strings.TrimSpace(stopReason))]
}

// FinalText returns the assistant text to show for an update. Completions
// without text get a fallback so the turn never renders blank.
func FinalText(state ledger.State, text, stopReason string) string {
	if state != ledger.StateComplete || strings.TrimSpace(text) != "" {
		return text
	}
	if IsTokenLimit(stopReason) {
		return TruncatedText
	}
	return NoTextFallback
}

// IsPlaceholder reports whether text is empty or one of the fallbacks, i.e.
// not a real reply.
func IsPlaceholder(text string) bool {
	trimmed := strings.TrimSpace(text)
	return trimmed == "" || trimmed == NoTextFallback
}

// MergeDelta folds a streamed chunk into the text seen so far.
//
// Gateways send cumulative deltas; a chunk that extends prev replaces it, a
// stale shorter prefix is ignored, anything else is treated as an increment.
func MergeDelta(prev, next string) string {
	switch {
	case next == "":
		return prev
	case prev == "":
		return next
	case strings.HasPrefix(next, prev):
		return next
	case strings.HasPrefix(prev, next):
		return prev
	default:
		return prev + next
	}
}

// Decision is the outcome of applying one event.
type Decision struct {
	// TurnID is the turn the event landed on, empty when none matched.
	TurnID string
	// Bound is true when this event attached its run id to a pending turn.
	Bound bool
	State ledger.State
	// Text is the assistant text after the update.
	Text        string
	EndSending  bool
	SyncHistory bool
	// Placeholder is true for a completion that only carries fallback text.
	Placeholder bool
}

// Apply routes ev to its turn and updates it in place.
//
// The turn owning ev.RunID wins; otherwise the most recent pending turn is
// bound to the run, which covers events that arrive before the chat.send
// acknowledgement does.
func Apply(l *ledger.Ledger, ev gateway.ChatEvent) Decision {
	state := NormalizeState(ev.State)
	d := Decision{
		State:       state,
		EndSending:  ShouldEndSending(state),
		SyncHistory: ShouldSyncHistory(state, ev.Text),
	}

	turn, ok := l.FindByRunID(ev.RunID)
	if !ok || ev.RunID == "" {
		pending, found := l.LatestPending()
		if !found {
			return d
		}
		turn = pending
		if ev.RunID != "" {
			l.BindRunID(turn.ID, ev.RunID)
			d.Bound = true
		}
	}
	d.TurnID = turn.ID

	l.UpdateByTurnID(turn.ID, func(t *ledger.Turn) {
		// A late non-terminal chunk must not reopen a finished turn.
		if t.State.IsTerminal() && !state.IsTerminal() {
			return
		}
		switch state {
		case ledger.StateComplete:
			text := ev.Text
			if strings.TrimSpace(text) == "" {
				text = t.AssistantText
			}
			t.AssistantText = FinalText(state, text, ev.StopReason)
			t.StopReason = ev.StopReason
		case ledger.StateError:
			t.AssistantText = MergeDelta(t.AssistantText, ev.Text)
			t.ErrorMessage = ev.ErrorMessage
			if t.ErrorMessage == "" {
				t.ErrorMessage = "The assistant run failed."
			}
		case ledger.StateAborted:
			t.AssistantText = MergeDelta(t.AssistantText, ev.Text)
		case ledger.StateQueued:
			if t.State != ledger.StateSending {
				return
			}
		default:
			t.AssistantText = MergeDelta(t.AssistantText, ev.Text)
		}
		t.State = state
	})

	updated, _ := l.FindByID(turn.ID)
	d.State = updated.State
	d.Text = updated.AssistantText
	d.Placeholder = updated.State == ledger.StateComplete && IsPlaceholder(updated.AssistantText)
	return d
}
