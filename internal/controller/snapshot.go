package controller

import (
	"github.com/bhandras/gatewaykit/internal/diagnostics"
	"github.com/bhandras/gatewaykit/internal/gateway"
	"github.com/bhandras/gatewaykit/internal/ledger"
	"github.com/bhandras/gatewaykit/internal/outbox"
	"github.com/bhandras/gatewaykit/internal/recovery"
	"github.com/bhandras/gatewaykit/internal/sessions"
)

// Snapshot is the read-only view published to observers after every
// transition. It shares nothing with the controller state.
type Snapshot struct {
	ConnectionState gateway.ConnectionState `json:"connectionState"`
	Endpoint        string                  `json:"endpoint,omitempty"`
	Diagnostic      *diagnostics.Diagnostic `json:"diagnostic,omitempty"`
	PairingRequired bool                    `json:"pairingRequired"`
	HealthOK        *bool                   `json:"healthOk,omitempty"`
	LastHealthAt    int64                   `json:"lastHealthAt,omitempty"`

	SessionKey string        `json:"sessionKey"`
	Turns      []ledger.Turn `json:"turns"`

	IsSending                         bool `json:"isSending"`
	IsSyncing                         bool `json:"isSyncing"`
	IsSessionHistoryLoading           bool `json:"isSessionHistoryLoading"`
	IsMissingResponseRecoveryInFlight bool `json:"isMissingResponseRecoveryInFlight"`
	IsSessionOperationPending         bool `json:"isSessionOperationPending"`

	SendError      *Banner          `json:"sendError,omitempty"`
	SyncError      string           `json:"syncError,omitempty"`
	RecoveryNotice *recovery.Notice `json:"recoveryNotice,omitempty"`

	OutboxQueue []outbox.Item    `json:"outboxQueue"`
	Sessions    []sessions.Entry `json:"sessions"`
}

// Snapshot derives the observer view of s.
func (s State) Snapshot() Snapshot {
	snap := Snapshot{
		ConnectionState:                   s.Connection,
		Endpoint:                          s.Endpoint,
		PairingRequired:                   s.PairingRequired,
		LastHealthAt:                      s.LastHealthAt,
		SessionKey:                        s.SessionKey,
		Turns:                             s.Ledger.Turns(),
		IsSending:                         s.Sending,
		IsSyncing:                         s.Sync.InFlight,
		IsSessionHistoryLoading:           s.Sync.HistoryLoading,
		IsMissingResponseRecoveryInFlight: s.Recovery.InFlight,
		IsSessionOperationPending:         s.SessionOpPending,
		SyncError:                         s.Sync.Error,
		OutboxQueue:                       s.Outbox.Items(),
		Sessions:                          sessions.Merge(s.Sessions, s.Prefs, s.SessionKey),
	}
	if s.Diagnostic != nil {
		d := *s.Diagnostic
		snap.Diagnostic = &d
	}
	if s.HealthOK != nil {
		ok := *s.HealthOK
		snap.HealthOK = &ok
	}
	if s.SendError != nil {
		b := *s.SendError
		snap.SendError = &b
	}
	if s.Recovery.Notice != nil {
		n := *s.Recovery.Notice
		snap.RecoveryNotice = &n
	}
	return snap
}

// Turn returns the turn with id.
func (s Snapshot) Turn(id string) (ledger.Turn, bool) {
	for _, t := range s.Turns {
		if t.ID == id {
			return t, true
		}
	}
	return ledger.Turn{}, false
}

// LastTurn returns the newest turn.
func (s Snapshot) LastTurn() (ledger.Turn, bool) {
	if len(s.Turns) == 0 {
		return ledger.Turn{}, false
	}
	return s.Turns[len(s.Turns)-1], true
}
