package bridge

import (
	"testing"

	"github.com/bhandras/gatewaykit/internal/gateway"
	"github.com/bhandras/gatewaykit/internal/ledger"
	"github.com/stretchr/testify/require"
)

func TestNormalizeState(t *testing.T) {
	t.Parallel()

	tests := map[string]ledger.State{
		"done":      ledger.StateComplete,
		"final":     ledger.StateComplete,
		" FINAL ":   ledger.StateComplete,
		"error":     ledger.StateError,
		"aborted":   ledger.StateAborted,
		"delta":     ledger.StateDelta,
		"streaming": ledger.StateStreaming,
		"":          ledger.StateStreaming,
		"started":   ledger.StateQueued,
	}
	for raw, want := range tests {
		require.Equal(t, want, NormalizeState(raw), raw)
	}
}

func TestShouldEndSendingAndSync(t *testing.T) {
	t.Parallel()

	require.True(t, ShouldEndSending(ledger.StateComplete))
	require.True(t, ShouldEndSending(ledger.StateError))
	require.True(t, ShouldEndSending(ledger.StateAborted))
	require.False(t, ShouldEndSending(ledger.StateStreaming))

	require.True(t, ShouldSyncHistory(ledger.StateDelta, "partial"))
	require.True(t, ShouldSyncHistory(ledger.StateAborted, ""))
	require.False(t, ShouldSyncHistory(ledger.StateStreaming, "  "))
}

func TestFinalTextFallbacks(t *testing.T) {
	t.Parallel()

	require.Equal(t, TruncatedText, FinalText(ledger.StateComplete, "", "max_tokens"))
	require.Equal(t, NoTextFallback, FinalText(ledger.StateComplete, " ", "end_turn"))
	require.Equal(t, "hi", FinalText(ledger.StateComplete, "hi", "max_tokens"))
	require.Equal(t, "", FinalText(ledger.StateStreaming, "", "max_tokens"))

	require.True(t, IsPlaceholder(NoTextFallback))
	require.True(t, IsPlaceholder(""))
	require.False(t, IsPlaceholder(TruncatedText))
}

func TestMergeDelta(t *testing.T) {
	t.Parallel()

	require.Equal(t, "wor", MergeDelta("", "wor"))
	require.Equal(t, "world", MergeDelta("wor", "world"))
	require.Equal(t, "world", MergeDelta("world", "wor"))
	require.Equal(t, "ab", MergeDelta("a", "b"))
	require.Equal(t, "a", MergeDelta("a", ""))
}

func TestApplyStreamingThenComplete(t *testing.T) {
	t.Parallel()

	var l ledger.Ledger
	l.Create("t1", "hello", 1)
	l.BindRunID("t1", "r1")

	d := Apply(&l, gateway.ChatEvent{RunID: "r1", State: "streaming", Text: "wor"})
	require.Equal(t, "t1", d.TurnID)
	require.False(t, d.EndSending)
	require.Equal(t, ledger.StateStreaming, d.State)

	d = Apply(&l, gateway.ChatEvent{RunID: "r1", State: "final", Text: "world"})
	require.True(t, d.EndSending)
	require.True(t, d.SyncHistory)
	require.False(t, d.Placeholder)

	turn, _ := l.FindByID("t1")
	require.Equal(t, ledger.StateComplete, turn.State)
	require.Equal(t, "world", turn.AssistantText)
}

func TestApplyBindsUnknownRunToLatestPending(t *testing.T) {
	t.Parallel()

	var l ledger.Ledger
	l.Create("t1", "older", 1)
	l.UpdateByTurnID("t1", func(t *ledger.Turn) { t.State = ledger.StateComplete })
	l.Create("t2", "newer", 2)

	d := Apply(&l, gateway.ChatEvent{RunID: "r9", State: "delta", Text: "x"})
	require.True(t, d.Bound)
	require.Equal(t, "t2", d.TurnID)

	owner, ok := l.FindByRunID("r9")
	require.True(t, ok)
	require.Equal(t, "t2", owner.ID)
}

func TestApplyWithoutPendingTurn(t *testing.T) {
	t.Parallel()

	var l ledger.Ledger
	d := Apply(&l, gateway.ChatEvent{RunID: "r1", State: "final", Text: "x"})
	require.Empty(t, d.TurnID)
	require.True(t, d.SyncHistory)
}

func TestApplyMaxTokensWithoutText(t *testing.T) {
	t.Parallel()

	var l ledger.Ledger
	l.Create("t1", "long question", 1)
	l.BindRunID("t1", "r1")

	d := Apply(&l, gateway.ChatEvent{RunID: "r1", State: "done", StopReason: "max_tokens"})
	require.Equal(t, TruncatedText, d.Text)
	require.False(t, d.Placeholder)

	l.Create("t2", "again", 2)
	l.BindRunID("t2", "r2")
	d = Apply(&l, gateway.ChatEvent{RunID: "r2", State: "final"})
	require.Equal(t, NoTextFallback, d.Text)
	require.True(t, d.Placeholder)
}

func TestApplyLateDeltaDoesNotReopen(t *testing.T) {
	t.Parallel()

	var l ledger.Ledger
	l.Create("t1", "q", 1)
	l.BindRunID("t1", "r1")
	Apply(&l, gateway.ChatEvent{RunID: "r1", State: "final", Text: "done"})

	d := Apply(&l, gateway.ChatEvent{RunID: "r1", State: "delta", Text: "do"})
	require.Equal(t, ledger.StateComplete, d.State)
	require.Equal(t, "done", d.Text)
}

func TestApplyErrorKeepsMessage(t *testing.T) {
	t.Parallel()

	var l ledger.Ledger
	l.Create("t1", "q", 1)
	l.BindRunID("t1", "r1")

	Apply(&l, gateway.ChatEvent{RunID: "r1", State: "error", ErrorMessage: "model overloaded"})
	turn, _ := l.FindByID("t1")
	require.Equal(t, ledger.StateError, turn.State)
	require.Equal(t, "model overloaded", turn.ErrorMessage)
}
