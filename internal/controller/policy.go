package controller

import (
	"time"

	"github.com/bhandras/gatewaykit/internal/outbox"
	"github.com/bhandras/gatewaykit/internal/recovery"
)

// Policy collects every timeout and retry knob of the controller.
type Policy struct {
	ConnectTimeout time.Duration
	HealthTimeout  time.Duration
	// HealthInterval is the polling period while connected; zero disables
	// polling (outbox flushes still check health).
	HealthInterval time.Duration
	SendTimeout    time.Duration
	RefreshTimeout time.Duration
	HistoryLimit   int
	// ResponseWatchdog starts missing-response recovery when the active turn
	// sees no event for this long; zero disables it.
	ResponseWatchdog time.Duration

	Outbox   outbox.Policy
	Recovery recovery.Policy
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		ConnectTimeout:   15 * time.Second,
		HealthTimeout:    3 * time.Second,
		HealthInterval:   30 * time.Second,
		SendTimeout:      30 * time.Second,
		RefreshTimeout:   20 * time.Second,
		HistoryLimit:     200,
		ResponseWatchdog: 90 * time.Second,
		Outbox:           outbox.DefaultPolicy(),
		Recovery:         recovery.DefaultPolicy(),
	}
}
