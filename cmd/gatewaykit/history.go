package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bhandras/gatewaykit/internal/controller"
	"github.com/spf13/cobra"
)

func newHistoryCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Print the transcript of the current session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
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
			if err := a.Controller.RefreshHistory(ctx); err != nil {
				return err
			}
			s := a.Controller.Snapshot()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "session %s\n", s.SessionKey)
			fmt.Fprint(out, formatTurns(s.Turns))
			return nil
		},
	}
}

func newSessionsCmd(flags *globalFlags) *cobra.Command {
	var offline bool

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions known to the gateway and this device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := openApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			if !offline {
				if err := connect(ctx, a); err != nil {
					return err
				}
				// The gateway list is fetched in the background after
				// connect.
				waitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				_ = waitFor(waitCtx, a.Controller, func(s controller.Snapshot) bool {
					for _, e := range s.Sessions {
						if !e.LocalOnly {
							return true
						}
					}
					return false
				})
				cancel()
			}
			fmt.Fprint(cmd.OutOrStdout(), formatSessions(a.Controller.Snapshot().Sessions))
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "only list locally stored sessions")
	return cmd
}
