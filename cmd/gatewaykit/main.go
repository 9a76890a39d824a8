package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/bhandras/gatewaykit/internal/app"
	"github.com/bhandras/gatewaykit/internal/config"
	"github.com/bhandras/gatewaykit/internal/controller"
	"github.com/bhandras/gatewaykit/internal/version"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// globalFlags override values from config.yaml and the environment.
type globalFlags struct {
	configPath string
	url        string
	token      string
	session    string
	logLevel   string
	transport  string
	storage    string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "gatewaykit",
		Short:         "Chat with a gateway from the terminal",
		Long:          "gatewaykit drives the same conversation controller as the mobile SDK: queued sends, history sync, missing-response recovery and sessions.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "path to config.yaml (default $GATEWAYKIT_HOME/config.yaml)")
	pf.StringVar(&flags.url, "url", "", "gateway URL (ws:// or wss://)")
	pf.StringVar(&flags.token, "token", "", "gateway token")
	pf.StringVarP(&flags.session, "session", "s", "", "session key")
	pf.StringVar(&flags.logLevel, "log-level", "", "trace, debug, info, warn or error")
	pf.StringVar(&flags.transport, "transport", "", "ws or relay")
	pf.StringVar(&flags.storage, "storage", "", "file, sqlite or memory")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newChatCmd(flags))
	cmd.AddCommand(newSendCmd(flags))
	cmd.AddCommand(newHistoryCmd(flags))
	cmd.AddCommand(newSessionsCmd(flags))
	cmd.AddCommand(newPairCmd(flags))
	cmd.AddCommand(newMockGatewayCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "gatewaykit %s\n", version.RichVersion())
		},
	}
}

// loadConfig reads the configuration and applies command line overrides.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.url != "" {
		cfg.Gateway.URL = flags.url
	}
	if flags.token != "" {
		cfg.Gateway.Token = flags.token
	}
	if flags.session != "" {
		cfg.Gateway.SessionKey = flags.session
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if flags.transport != "" {
		cfg.Gateway.Transport = flags.transport
	}
	if flags.storage != "" {
		cfg.Storage.Backend = flags.storage
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openApp builds and starts the controller stack. The caller closes it.
func openApp(ctx context.Context, flags *globalFlags) (*app.App, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	a, err := app.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// connect connects a and turns a classified failure into a readable error.
func connect(ctx context.Context, a *app.App) error {
	if a.Config.Gateway.URL == "" {
		return errors.New("no gateway URL: pass --url or set gateway.url in config.yaml")
	}
	ctx, cancel := context.WithTimeout(ctx, a.Config.Policy().ConnectTimeout+5*time.Second)
	defer cancel()

	err := a.Connect(ctx)
	var cerr *controller.ConnectError
	if errors.As(err, &cerr) {
		return errors.New(formatDiagnostic(cerr.Diagnostic))
	}
	return err
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
