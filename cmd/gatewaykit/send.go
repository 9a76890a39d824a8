package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bhandras/gatewaykit/internal/controller"
	"github.com/bhandras/gatewaykit/internal/ledger"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newSendCmd(flags *globalFlags) *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "send <message>",
		Short: "Send one message and print the reply",
		Long:  "Sends a message to the current session and waits for the reply. Messages that cannot be delivered stay in the outbox and are retried by the next run.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, flags, strings.Join(args, " "), wait)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 2*time.Minute, "how long to wait for the reply (0 returns once queued)")
	return cmd
}

func runSend(cmd *cobra.Command, flags *globalFlags, text string, wait time.Duration) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := connect(ctx, a); err != nil {
		return err
	}
	turnID, err := a.Controller.SendMessage(ctx, text)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if wait <= 0 {
		fmt.Fprintln(out, "sent", turnID)
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	turn, err := waitForTurn(waitCtx, a.Controller, turnID, text)
	if err != nil {
		return err
	}
	fmt.Fprint(out, formatTurn(turn))
	if turn.State == ledger.StateError {
		return errors.New("message failed")
	}
	return nil
}

// latestSnapshots subscribes to ctrl and keeps only the newest snapshot in
// the returned channel.
func latestSnapshots(ctrl *controller.Controller) (<-chan controller.Snapshot, func()) {
	updates := make(chan controller.Snapshot, 1)
	unsub := ctrl.Subscribe(func(s controller.Snapshot) {
		select {
		case <-updates:
		default:
		}
		select {
		case updates <- s:
		default:
		}
	})
	return updates, unsub
}

// waitFor blocks until pred holds for a published snapshot.
func waitFor(ctx context.Context, ctrl *controller.Controller, pred func(controller.Snapshot) bool) error {
	updates, unsub := latestSnapshots(ctrl)
	defer unsub()
	if pred(ctrl.Snapshot()) {
		return nil
	}
	for {
		select {
		case s := <-updates:
			if pred(s) {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// waitForTurn waits until the turn created for text reaches a terminal
// state. A history rebuild replaces local turn ids, so the turn is also
// matched by run id and finally by its text.
func waitForTurn(ctx context.Context, ctrl *controller.Controller, turnID, text string) (ledger.Turn, error) {
	updates, unsub := latestSnapshots(ctrl)
	defer unsub()

	var runID string
	check := func(s controller.Snapshot) (ledger.Turn, bool) {
		turn, ok := findTurn(s, turnID, runID, text)
		if !ok {
			return ledger.Turn{}, false
		}
		if turn.RunID != "" {
			runID = turn.RunID
		}
		return turn, turn.State.IsTerminal()
	}

	if turn, done := check(ctrl.Snapshot()); done {
		return turn, nil
	}
	for {
		select {
		case s := <-updates:
			if turn, done := check(s); done {
				return turn, nil
			}
		case <-ctx.Done():
			return ledger.Turn{}, errors.New("timed out waiting for the reply; it will show up in `gatewaykit history`")
		}
	}
}

func findTurn(s controller.Snapshot, turnID, runID, text string) (ledger.Turn, bool) {
	if t, ok := s.Turn(turnID); ok {
		return t, true
	}
	for i := len(s.Turns) - 1; i >= 0; i-- {
		if runID != "" && s.Turns[i].RunID == runID {
			return s.Turns[i], true
		}
	}
	for i := len(s.Turns) - 1; i >= 0; i-- {
		if strings.TrimSpace(s.Turns[i].UserText) == strings.TrimSpace(text) {
			return s.Turns[i], true
		}
	}
	return ledger.Turn{}, false
}
