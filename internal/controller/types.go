package controller

import (
	"github.com/bhandras/gatewaykit/internal/actor"
	"github.com/bhandras/gatewaykit/internal/diagnostics"
	"github.com/bhandras/gatewaykit/internal/gateway"
	"github.com/bhandras/gatewaykit/internal/history"
	"github.com/bhandras/gatewaykit/internal/ledger"
	"github.com/bhandras/gatewaykit/internal/outbox"
	"github.com/bhandras/gatewaykit/internal/recovery"
	"github.com/bhandras/gatewaykit/internal/sessions"
)

// Timer names. Each concern owns at most one pending timer.
const (
	timerOutboxRetry      = "outbox-retry"
	timerRecovery         = "recovery"
	timerRefreshTimeout   = "refresh-timeout"
	timerResponseWatchdog = "response-watchdog"
	timerHealthPoll       = "health-poll"
)

// State is the controller state owned by the actor loop.
//
// It is a value: the reducer receives a copy and returns the next one. The
// ledger, outbox and preferences hold slices and maps that the loop shares
// with the previous value, which is never read again.
type State struct {
	Policy Policy

	// Connection.
	Connection      gateway.ConnectionState
	ConnectGen      int64
	ConnectReply    chan error
	Endpoint        string
	Token           string
	Diagnostic      *diagnostics.Diagnostic
	PairingRequired bool

	// Conversation.
	SessionKey      string
	Ledger          ledger.Ledger
	Sending         bool
	ActiveTurnID    string
	DispatchingTurn string
	SendError       *Banner

	// Outbox.
	Outbox         outbox.Queue
	OutboxInFlight string

	// History synchronization. Epoch changes on session switch and
	// disconnect; RequestID changes on every refresh and on timeout.
	Epoch     int64
	RequestID int64
	Sync      SyncState

	Recovery RecoveryState

	// Sessions.
	Sessions         []gateway.SessionInfo
	Prefs            sessions.Preferences
	SessionOpPending bool
	PrefsSeq         int64
	PendingOpSeq     int64

	HealthOK     *bool
	LastHealthAt int64

	// Timers maps armed timer names to the token they were armed with.
	Timers   map[string]int64
	TimerSeq int64
}

// SyncState tracks the in-flight history refresh.
type SyncState struct {
	InFlight       bool
	Token          history.Token
	Waiters        []chan error
	Error          string
	HistoryLoading bool
}

// RecoveryState tracks missing-response recovery.
type RecoveryState struct {
	Active   *recovery.Request
	InFlight bool
	Notice   *recovery.Notice
}

// NewState returns the initial state for sessionKey.
func NewState(policy Policy, sessionKey string) State {
	if sessionKey == "" {
		sessionKey = sessions.DefaultSessionKey
	}
	return State{
		Policy:     policy,
		Connection: gateway.StateDisconnected,
		SessionKey: sessionKey,
		Outbox:     outbox.NewQueue(policy.Outbox),
		Prefs:      sessions.NewPreferences(),
		Timers:     make(map[string]int64),
	}
}

// Commands are sent by Controller methods. Ids and timestamps are minted by
// the caller so the reducer stays deterministic.

type cmdConnect struct {
	actor.InputBase
	URL   string
	Token string
	NowMs int64
	Reply chan error
}

type cmdDisconnect struct {
	actor.InputBase
	Reply chan error
}

type cmdSendMessage struct {
	actor.InputBase
	Text         string
	Attachments  []gateway.Attachment
	TurnID       string
	ItemID       string
	KeyCandidate string
	NowMs        int64
	Reply        chan error
}

type cmdRefreshHistory struct {
	actor.InputBase
	Reply chan error
}

type cmdSwitchSession struct {
	actor.InputBase
	Key   string
	Reply chan error
}

type cmdCreateSession struct {
	actor.InputBase
	Key   string
	NowMs int64
	Reply chan error
}

type cmdRenameSession struct {
	actor.InputBase
	Key   string
	Alias string
	Reply chan error
}

type cmdTogglePinned struct {
	actor.InputBase
	Key   string
	Reply chan error
}

type cmdRetryRecovery struct {
	actor.InputBase
	Reply chan error
}

type cmdDismissBanner struct {
	actor.InputBase
	Banner string
	Reply  chan error
}

type cmdRestore struct {
	actor.InputBase
	SessionKey string
	Outbox     outbox.Snapshot
	Prefs      sessions.Preferences
	Reply      chan error
}

// Events are emitted by the runtime and the transport subscriptions.

type evConnectResult struct {
	actor.InputBase
	Gen   int64
	Err   error
	NowMs int64
}

type evConnectionChanged struct {
	actor.InputBase
	State gateway.ConnectionState
	Err   error
	NowMs int64
}

type evChatEvent struct {
	actor.InputBase
	Event gateway.ChatEvent
	NowMs int64
}

type evPairingRequired struct {
	actor.InputBase
	RequestID string
}

type evSendAccepted struct {
	actor.InputBase
	TurnID     string
	ItemID     string
	SessionKey string
	RunID      string
	NowMs      int64
}

type evSendFailed struct {
	actor.InputBase
	TurnID         string
	ItemID         string
	SessionKey     string
	Message        string
	IdempotencyKey string
	Attachments    []gateway.Attachment
	CreatedAt      int64
	Err            error
	NowMs          int64
}

type evHealthResult struct {
	actor.InputBase
	// ItemID is the outbox item the check gates; empty for polling.
	ItemID string
	OK     bool
	Err    error
	NowMs  int64
}

type evHistoryLoaded struct {
	actor.InputBase
	Token   history.Token
	History gateway.History
	NowMs   int64
}

type evHistoryFailed struct {
	actor.InputBase
	Token history.Token
	Err   error
	NowMs int64
}

type evSessionsListed struct {
	actor.InputBase
	Sessions []gateway.SessionInfo
	Err      error
}

type evPrefsPersisted struct {
	actor.InputBase
	Seq int64
	Err error
}

type evTimerFired struct {
	actor.InputBase
	Name  string
	Token int64
	NowMs int64
}

// Effects are interpreted by Runtime.

type effConnect struct {
	actor.EffectBase
	Gen        int64
	URL        string
	Token      string
	SessionKey string
	TimeoutMs  int64
}

type effDisconnect struct {
	actor.EffectBase
}

type effChatSend struct {
	actor.EffectBase
	TurnID         string
	ItemID         string
	SessionKey     string
	Message        string
	IdempotencyKey string
	Attachments    []gateway.Attachment
	CreatedAt      int64
	TimeoutMs      int64
}

type effHealthCheck struct {
	actor.EffectBase
	ItemID    string
	TimeoutMs int64
}

type effFetchHistory struct {
	actor.EffectBase
	Token      history.Token
	SessionKey string
	Limit      int
}

type effListSessions struct {
	actor.EffectBase
}

type effPersistOutbox struct {
	actor.EffectBase
	Snapshot outbox.Snapshot
}

type effPersistPrefs struct {
	actor.EffectBase
	Seq   int64
	Prefs sessions.Preferences
}

type effStartTimer struct {
	actor.EffectBase
	Name    string
	Token   int64
	AfterMs int64
}

type effCancelTimer struct {
	actor.EffectBase
	Name string
}

type effCompleteReply struct {
	actor.EffectBase
	Reply chan error
	Err   error
}
