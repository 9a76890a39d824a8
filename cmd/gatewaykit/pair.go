package main

import (
	"context"
	"fmt"

	"github.com/bhandras/gatewaykit/internal/app"
	"github.com/bhandras/gatewaykit/internal/storage"
	"github.com/pkg/errors"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
)

func newPairCmd(flags *globalFlags) *cobra.Command {
	var (
		noQR  bool
		check bool
	)

	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Show this device's pairing code",
		Long:  "Prints the device id and a QR code the gateway operator scans to approve this device. With --check, connects and reports whether approval has been granted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if cfg.Storage.Backend == storage.BackendMemory {
				return errors.New("pairing needs a persistent storage backend")
			}
			a, err := app.New(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := a.Identity.Get()
			if err != nil {
				return err
			}
			uri := id.PairingURI(cfg.Gateway.URL)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "device: %s\n", id.DeviceID)
			fmt.Fprintf(out, "key:    %s\n", id.PublicKeyString())
			fmt.Fprintf(out, "uri:    %s\n", uri)
			if !noQR {
				art, err := renderQR(uri)
				if err != nil {
					return err
				}
				fmt.Fprintln(out)
				fmt.Fprint(out, art)
			}

			if !check {
				return nil
			}
			if err := a.Start(ctx); err != nil {
				return err
			}
			if err := connect(ctx, a); err != nil {
				return err
			}
			fmt.Fprintln(out, "paired: connected to", cfg.Gateway.URL)
			return nil
		},
	}
	cmd.Flags().BoolVar(&noQR, "no-qr", false, "do not print the QR code")
	cmd.Flags().BoolVar(&check, "check", false, "connect to verify the device is approved")
	return cmd
}

func renderQR(content string) (string, error) {
	qr, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return "", errors.Wrap(err, "encode pairing QR")
	}
	return qr.ToSmallString(false), nil
}
