package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/bhandras/gatewaykit/internal/gateway/fakegateway"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newMockGatewayCmd() *cobra.Command {
	var (
		addr        string
		token       string
		pairing     bool
		autoApprove bool
		dropFinal   bool
		chunkDelay  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "mock-gateway",
		Short: "Run an in-process gateway for local testing",
		Long:  "Serves the gateway WebSocket protocol on /ws and the Socket.IO relay on " + fakegateway.RelayPath + ". Replies echo the message back in streamed chunks.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			gin.SetMode(gin.ReleaseMode)
			srv := fakegateway.New(fakegateway.Options{
				Token:          token,
				RequirePairing: pairing,
				ChunkDelay:     chunkDelay,
				DropFinal:      dropFinal,
			})

			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "mock gateway on ws://%s/ws (relay %s)\n", addr, fakegateway.RelayPath)

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return srv.ListenAndServe(ctx, addr)
			})
			if pairing && autoApprove {
				g.Go(func() error {
					return approveLoop(ctx, srv, func(id string) {
						fmt.Fprintln(out, "approved pairing request", id)
					})
				})
			}
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:18789", "listen address")
	cmd.Flags().StringVar(&token, "require-token", "", "reject clients that do not present this token")
	cmd.Flags().BoolVar(&pairing, "require-pairing", false, "require device pairing")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "approve pairing requests as they arrive")
	cmd.Flags().BoolVar(&dropFinal, "drop-final", false, "never send final chat events (exercises recovery)")
	cmd.Flags().DurationVar(&chunkDelay, "chunk-delay", 50*time.Millisecond, "delay between streamed chunks")
	return cmd
}

// approveLoop approves pending pairing requests until ctx ends.
func approveLoop(ctx context.Context, srv *fakegateway.Server, onApprove func(id string)) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, id := range srv.PendingPairings() {
				if err := srv.Approve(id); err == nil {
					onApprove(id)
				}
			}
		}
	}
}
