// Package recovery decides when a turn that never received its reply should
// be re-checked against the gateway transcript, and how often.
package recovery

import (
	"time"

	"github.com/bhandras/gatewaykit/internal/bridge"
	"github.com/bhandras/gatewaykit/internal/ledger"
)

// Policy bounds the recovery loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   1500 * time.Millisecond,
		MaxDelay:    15 * time.Second,
	}
}

// Request is the single active recovery.
type Request struct {
	SessionKey string `json:"sessionKey"`
	TurnID     string `json:"turnId"`
	// Attempt counts checks already issued.
	Attempt int `json:"attempt"`
}

// Same reports whether r and other target the same turn.
func (r Request) Same(other Request) bool {
	return r.SessionKey == other.SessionKey && r.TurnID == other.TurnID
}

// Notice is shown once attempts are exhausted. It is informational; the user
// may retry or dismiss it.
type Notice struct {
	SessionKey string `json:"sessionKey"`
	TurnID     string `json:"turnId"`
	Message    string `json:"message"`
}

// ExhaustedMessage is the notice text after the last failed attempt.
const ExhaustedMessage = "No response arrived for this message yet. Retry to check again."

// Delay returns the wait before the check numbered attempt (zero based).
func Delay(p Policy, attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt && i < 32; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

// Exhausted reports whether attempt checks have used up the policy.
func Exhausted(p Policy, attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

// NeedsRecovery reports whether a turn still lacks a concrete reply. found is
// false when the turn is absent from the synced transcript.
func NeedsRecovery(turn ledger.Turn, found bool) bool {
	if !found {
		return true
	}
	switch turn.State {
	case ledger.StateError, ledger.StateAborted:
		return false
	}
	if turn.State.IsWaiting() {
		return true
	}
	return bridge.IsPlaceholder(turn.AssistantText)
}
