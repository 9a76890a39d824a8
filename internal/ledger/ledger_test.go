package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateAndUpdate(t *testing.T) {
	t.Parallel()

	var l Ledger
	turn := l.Create("t1", "hello", 100)
	require.Equal(t, StateSending, turn.State)
	require.True(t, turn.Local)

	require.True(t, l.BindRunID("t1", "r1"))
	require.True(t, l.UpdateByRunID("r1", func(t *Turn) {
		t.State = StateStreaming
		t.AssistantText = "wor"
		t.ID = "hijack"
	}))

	got, ok := l.FindByID("t1")
	require.True(t, ok)
	require.Equal(t, StateStreaming, got.State)
	require.Equal(t, "wor", got.AssistantText)

	require.False(t, l.UpdateByTurnID("missing", func(*Turn) {}))
	require.False(t, l.UpdateByRunID("", func(*Turn) {}))
}

func TestBindRunIDIsExclusive(t *testing.T) {
	t.Parallel()

	var l Ledger
	l.Create("t1", "a", 1)
	l.Create("t2", "b", 2)
	require.True(t, l.BindRunID("t1", "r1"))
	require.True(t, l.BindRunID("t2", "r1"))

	owner, ok := l.FindByRunID("r1")
	require.True(t, ok)
	require.Equal(t, "t2", owner.ID)

	first, _ := l.FindByID("t1")
	require.Empty(t, first.RunID)
	require.False(t, l.BindRunID("nope", "r2"))
}

func TestLatestPending(t *testing.T) {
	t.Parallel()

	var l Ledger
	_, ok := l.LatestPending()
	require.False(t, ok)

	l.Create("t1", "a", 1)
	l.Create("t2", "b", 2)
	l.Create("t3", "c", 3)
	l.BindRunID("t3", "r3")
	l.UpdateByTurnID("t2", func(t *Turn) { t.State = StateComplete })

	got, ok := l.LatestPending()
	require.True(t, ok)
	require.Equal(t, "t1", got.ID)
}

func TestTurnsIsACopy(t *testing.T) {
	t.Parallel()

	var l Ledger
	l.Create("t1", "a", 1)
	turns := l.Turns()
	turns[0].UserText = "changed"

	got, _ := l.FindByID("t1")
	require.Equal(t, "a", got.UserText)

	var copied Ledger
	copied.Replace(l.Turns())
	copied.UpdateByTurnID("t1", func(t *Turn) { t.UserText = "copy" })
	got, _ = l.FindByID("t1")
	require.Equal(t, "a", got.UserText)
}

func TestReconcileKeepsIdentities(t *testing.T) {
	t.Parallel()

	var l Ledger
	l.Replace([]Turn{
		{ID: "old-1", UserText: "first", AssistantText: "one", State: StateComplete, CreatedAt: 10},
	})
	l.Create("local-2", "second  question", 20)
	l.BindRunID("local-2", "r2")
	l.Create("local-3", "not yet on server", 30)

	l.Reconcile([]Turn{
		{ID: "h-0", UserText: "first", AssistantText: "one", State: StateComplete, CreatedAt: 9},
		{ID: "h-1", UserText: "second question", AssistantText: "two", State: StateComplete, CreatedAt: 19},
	})

	turns := l.Turns()
	require.Len(t, turns, 3)
	require.Equal(t, "old-1", turns[0].ID)
	require.Equal(t, int64(9), turns[0].CreatedAt)
	require.Equal(t, "local-2", turns[1].ID)
	require.Equal(t, "r2", turns[1].RunID)
	require.Equal(t, int64(20), turns[1].CreatedAt)
	require.False(t, turns[1].Local)
	require.Equal(t, StateComplete, turns[1].State)
	require.Equal(t, "local-3", turns[2].ID)
	require.True(t, turns[2].Local)
	require.Equal(t, StateSending, turns[2].State)
}

func TestReconcileMatchesByRunID(t *testing.T) {
	t.Parallel()

	var l Ledger
	l.Create("local", "hi", 1)
	l.BindRunID("local", "r1")

	l.Reconcile([]Turn{{ID: "h-0", UserText: "", AssistantText: "orphan", RunID: "r1", State: StateComplete}})
	turns := l.Turns()
	require.Len(t, turns, 1)
	require.Equal(t, "local", turns[0].ID)
}

func TestStatePredicates(t *testing.T) {
	t.Parallel()

	for _, s := range []State{StateSending, StateQueued, StateDelta, StateStreaming} {
		require.True(t, s.IsWaiting(), s)
		require.False(t, s.IsTerminal(), s)
	}
	for _, s := range []State{StateComplete, StateError, StateAborted} {
		require.False(t, s.IsWaiting(), s)
		require.True(t, s.IsTerminal(), s)
	}
}
