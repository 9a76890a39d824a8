// Package ledger keeps the ordered list of chat turns for the active session.
package ledger

import "strings"

// State is the lifecycle of a turn.
type State string

const (
	StateSending   State = "sending"
	StateQueued    State = "queued"
	StateDelta     State = "delta"
	StateStreaming State = "streaming"
	StateComplete  State = "complete"
	StateError     State = "error"
	StateAborted   State = "aborted"
)

// IsWaiting reports whether the turn still expects a terminal update.
func (s State) IsWaiting() bool {
	switch s {
	case StateSending, StateQueued, StateDelta, StateStreaming:
		return true
	}
	return false
}

// IsTerminal reports whether the turn has finished.
func (s State) IsTerminal() bool {
	switch s {
	case StateComplete, StateError, StateAborted:
		return true
	}
	return false
}

// Turn is one user message paired with the assistant reply.
type Turn struct {
	ID            string `json:"id"`
	UserText      string `json:"userText"`
	AssistantText string `json:"assistantText"`
	State         State  `json:"state"`
	RunID         string `json:"runId,omitempty"`
	CreatedAt     int64  `json:"createdAt"`
	StopReason    string `json:"stopReason,omitempty"`
	ErrorMessage  string `json:"errorMessage,omitempty"`
	// Local marks turns created on this device that the gateway transcript
	// has not confirmed yet.
	Local bool `json:"local,omitempty"`
}

// Ledger is an append-only sequence of turns.
//
// Order is creation order. Turns are never reordered or removed except by
// Replace, which swaps the whole sequence.
type Ledger struct {
	turns []Turn
}

// Len returns the number of turns.
func (l *Ledger) Len() int { return len(l.turns) }

// Turns returns a copy of the turns in order.
func (l *Ledger) Turns() []Turn {
	out := make([]Turn, len(l.turns))
	copy(out, l.turns)
	return out
}

// Replace swaps in a new sequence wholesale.
func (l *Ledger) Replace(turns []Turn) {
	l.turns = make([]Turn, len(turns))
	copy(l.turns, turns)
}

// Reset empties the ledger.
func (l *Ledger) Reset() { l.turns = nil }

// Create appends a new local turn in the sending state and returns a copy.
func (l *Ledger) Create(id, userText string, createdAt int64) Turn {
	t := Turn{
		ID:        id,
		UserText:  userText,
		State:     StateSending,
		CreatedAt: createdAt,
		Local:     true,
	}
	l.turns = append(l.turns, t)
	return t
}

// Append adds an already built turn.
func (l *Ledger) Append(t Turn) {
	l.turns = append(l.turns, t)
}

// FindByID returns the turn with id.
func (l *Ledger) FindByID(id string) (Turn, bool) {
	if i := l.indexByID(id); i >= 0 {
		return l.turns[i], true
	}
	return Turn{}, false
}

// FindByRunID returns the turn owning runID.
func (l *Ledger) FindByRunID(runID string) (Turn, bool) {
	if i := l.indexByRunID(runID); i >= 0 {
		return l.turns[i], true
	}
	return Turn{}, false
}

// UpdateByTurnID applies fn to the turn with id. It reports whether the turn
// exists.
func (l *Ledger) UpdateByTurnID(id string, fn func(*Turn)) bool {
	i := l.indexByID(id)
	if i < 0 {
		return false
	}
	l.apply(i, fn)
	return true
}

// UpdateByRunID applies fn to the turn owning runID. It reports whether such
// a turn exists.
func (l *Ledger) UpdateByRunID(runID string, fn func(*Turn)) bool {
	i := l.indexByRunID(runID)
	if i < 0 {
		return false
	}
	l.apply(i, fn)
	return true
}

// BindRunID gives turnID ownership of runID, taking it away from any other
// turn. It reports whether turnID exists.
func (l *Ledger) BindRunID(turnID, runID string) bool {
	target := l.indexByID(turnID)
	if target < 0 {
		return false
	}
	if runID != "" {
		for i := range l.turns {
			if i != target && l.turns[i].RunID == runID {
				l.turns[i].RunID = ""
			}
		}
	}
	l.turns[target].RunID = runID
	return true
}

// LatestPending returns the most recently created waiting turn that has not
// been bound to a run yet.
func (l *Ledger) LatestPending() (Turn, bool) {
	for i := len(l.turns) - 1; i >= 0; i-- {
		t := l.turns[i]
		if t.State.IsWaiting() && t.RunID == "" {
			return t, true
		}
	}
	return Turn{}, false
}

// Reconcile replaces the ledger with rebuilt (a transcript-derived sequence)
// while keeping identities stable.
//
// Rebuilt turns adopt the id, run id and creation time of the local turn with
// the same user text, matched in order. Local turns that found no match are
// appended after the rebuilt ones so unconfirmed messages stay visible.
func (l *Ledger) Reconcile(rebuilt []Turn) {
	old := l.turns
	used := make([]bool, len(old))
	cursor := 0

	next := make([]Turn, 0, len(rebuilt)+1)
	for _, t := range rebuilt {
		if j := matchForward(old, used, cursor, t); j >= 0 {
			used[j] = true
			cursor = j + 1
			prev := old[j]
			t.ID = prev.ID
			if t.RunID == "" {
				t.RunID = prev.RunID
			}
			if prev.CreatedAt != 0 && (t.CreatedAt == 0 || prev.Local) {
				t.CreatedAt = prev.CreatedAt
			}
		}
		t.Local = false
		next = append(next, t)
	}

	for j, prev := range old {
		if used[j] || !prev.Local {
			continue
		}
		next = append(next, prev)
	}

	// Run ids must stay unique after merging.
	seen := make(map[string]int, len(next))
	for i := range next {
		id := next[i].RunID
		if id == "" {
			continue
		}
		if k, dup := seen[id]; dup {
			next[k].RunID = ""
		}
		seen[id] = i
	}
	l.turns = next
}

func matchForward(old []Turn, used []bool, from int, t Turn) int {
	if t.RunID != "" {
		for j := range old {
			if !used[j] && old[j].RunID == t.RunID {
				return j
			}
		}
	}
	want := normalize(t.UserText)
	if want == "" {
		return -1
	}
	for j := from; j < len(old); j++ {
		if !used[j] && normalize(old[j].UserText) == want {
			return j
		}
	}
	return -1
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func (l *Ledger) apply(i int, fn func(*Turn)) {
	id := l.turns[i].ID
	fn(&l.turns[i])
	// The id is the ledger's key; callers cannot move it.
	l.turns[i].ID = id
}

func (l *Ledger) indexByID(id string) int {
	if id == "" {
		return -1
	}
	for i := range l.turns {
		if l.turns[i].ID == id {
			return i
		}
	}
	return -1
}

func (l *Ledger) indexByRunID(runID string) int {
	if runID == "" {
		return -1
	}
	for i := range l.turns {
		if l.turns[i].RunID == runID {
			return i
		}
	}
	return -1
}
