// Package history rebuilds turns from a gateway transcript and carries the
// tokens that tell a fresh refresh result from a stale one.
package history

import (
	"fmt"
	"strings"

	"github.com/bhandras/gatewaykit/internal/bridge"
	"github.com/bhandras/gatewaykit/internal/gateway"
	"github.com/bhandras/gatewaykit/internal/ledger"
)

// Token identifies one refresh request. A result is applied only when its
// token still equals the controller's current (epoch, request id) pair.
type Token struct {
	Epoch     int64 `json:"epoch"`
	RequestID int64 `json:"requestId"`
}

// String implements fmt.Stringer.
func (t Token) String() string {
	return fmt.Sprintf("%d/%d", t.Epoch, t.RequestID)
}

// InferState derives the turn state from an assistant message status.
func InferState(msg gateway.HistoryMessage) ledger.State {
	switch strings.ToLower(strings.TrimSpace(msg.Status)) {
	case "delta", "streaming", "pending", "running":
		return ledger.StateStreaming
	case "error", "failed":
		return ledger.StateError
	case "aborted", "cancelled", "canceled":
		return ledger.StateAborted
	default:
		return ledger.StateComplete
	}
}

// BuildTurns pairs transcript messages into turns.
//
// A user message followed by assistant messages forms one turn; consecutive
// assistant messages are joined. An assistant message with no preceding user
// message becomes a turn with empty user text. A trailing user message with no
// reply yields a waiting turn. Other roles (system, tool) are skipped.
func BuildTurns(sessionKey string, messages []gateway.HistoryMessage) []ledger.Turn {
	var (
		turns   []ledger.Turn
		current *ledger.Turn
		replied bool
	)

	flush := func() {
		if current == nil {
			return
		}
		if !replied {
			current.State = ledger.StateQueued
		}
		turns = append(turns, *current)
		current = nil
		replied = false
	}

	for i, msg := range messages {
		switch msg.Role {
		case "user":
			flush()
			current = &ledger.Turn{
				ID:        turnID(sessionKey, i, msg),
				UserText:  msg.Text,
				CreatedAt: msg.Timestamp,
				RunID:     msg.RunID,
			}
		case "assistant":
			if current == nil {
				current = &ledger.Turn{
					ID:        turnID(sessionKey, i, msg),
					CreatedAt: msg.Timestamp,
				}
			}
			state := InferState(msg)
			if replied && current.AssistantText != "" && msg.Text != "" {
				current.AssistantText += "\n\n" + msg.Text
			} else if msg.Text != "" {
				current.AssistantText = msg.Text
			}
			if msg.RunID != "" {
				current.RunID = msg.RunID
			}
			current.StopReason = msg.StopReason
			current.ErrorMessage = msg.ErrorMessage
			current.State = state
			if state == ledger.StateComplete {
				current.AssistantText = bridge.FinalText(state, current.AssistantText, msg.StopReason)
			}
			replied = true
		}
	}
	flush()
	return turns
}

func turnID(sessionKey string, index int, msg gateway.HistoryMessage) string {
	if msg.ID != "" {
		return "h:" + msg.ID
	}
	return fmt.Sprintf("h:%s:%d", sessionKey, index)
}
