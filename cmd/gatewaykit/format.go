package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/bhandras/gatewaykit/internal/controller"
	"github.com/bhandras/gatewaykit/internal/diagnostics"
	"github.com/bhandras/gatewaykit/internal/ledger"
	"github.com/bhandras/gatewaykit/internal/sessions"
)

func formatDiagnostic(d diagnostics.Diagnostic) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)", d.Summary, d.Kind)
	if d.Remediation != "" {
		fmt.Fprintf(&b, "\n  %s", d.Remediation)
	}
	if d.Detail != "" {
		fmt.Fprintf(&b, "\n  detail: %s", d.Detail)
	}
	return b.String()
}

// formatTurn renders a turn as "you:" and "assistant:" lines. Unfinished
// turns carry their state in brackets.
func formatTurn(t ledger.Turn) string {
	var b strings.Builder
	if t.UserText != "" {
		fmt.Fprintf(&b, "you: %s\n", t.UserText)
	}
	switch t.State {
	case ledger.StateComplete:
		fmt.Fprintf(&b, "assistant: %s\n", t.AssistantText)
	case ledger.StateError:
		msg := t.ErrorMessage
		if msg == "" {
			msg = "failed"
		}
		fmt.Fprintf(&b, "assistant [error]: %s\n", msg)
	case ledger.StateAborted:
		fmt.Fprintf(&b, "assistant [aborted]: %s\n", t.AssistantText)
	default:
		if t.AssistantText != "" {
			fmt.Fprintf(&b, "assistant [%s]: %s\n", t.State, t.AssistantText)
		} else {
			fmt.Fprintf(&b, "assistant [%s]\n", t.State)
		}
	}
	return b.String()
}

func formatTurns(turns []ledger.Turn) string {
	if len(turns) == 0 {
		return "(no messages)\n"
	}
	var b strings.Builder
	for _, t := range turns {
		b.WriteString(formatTurn(t))
	}
	return b.String()
}

func formatSessions(entries []sessions.Entry) string {
	if len(entries) == 0 {
		return "(no sessions)\n"
	}
	var b strings.Builder
	for _, e := range entries {
		marker := " "
		if e.Current {
			marker = "*"
		}
		flags := ""
		if e.Pinned {
			flags += " pinned"
		}
		if e.LocalOnly {
			flags += " local"
		}
		updated := ""
		if e.UpdatedAt > 0 {
			updated = " " + time.UnixMilli(e.UpdatedAt).Format("2006-01-02 15:04")
		}
		name := e.DisplayName()
		if name != e.Key {
			name = fmt.Sprintf("%s (%s)", name, e.Key)
		}
		fmt.Fprintf(&b, "%s %s%s%s\n", marker, name, updated, flags)
	}
	return b.String()
}

// formatBanners lists the snapshot's error surfaces, one per line.
func formatBanners(s controller.Snapshot) []string {
	var out []string
	if s.Diagnostic != nil {
		out = append(out, "! "+s.Diagnostic.Summary)
	}
	if s.SendError != nil {
		out = append(out, "! send: "+s.SendError.Message)
	}
	if s.SyncError != "" {
		out = append(out, "! sync: "+s.SyncError)
	}
	if s.RecoveryNotice != nil {
		out = append(out, "! "+s.RecoveryNotice.Message+" (/retry)")
	}
	if s.PairingRequired {
		out = append(out, "! this device is waiting for pairing approval (see `gatewaykit pair`)")
	}
	return out
}
