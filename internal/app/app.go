// Package app assembles a controller with its store, device identity and
// transport from a Config. The CLI and the mobile SDK both start here.
package app

import (
	"context"

	"github.com/bhandras/gatewaykit/internal/config"
	"github.com/bhandras/gatewaykit/internal/controller"
	"github.com/bhandras/gatewaykit/internal/gateway"
	"github.com/bhandras/gatewaykit/internal/gateway/wsgateway"
	"github.com/bhandras/gatewaykit/internal/identity"
	"github.com/bhandras/gatewaykit/internal/storage"
	"github.com/bhandras/gatewaykit/internal/websocket"
	"github.com/bhandras/gatewaykit/pkg/logger"
	"github.com/pkg/errors"
)

// App owns everything a running controller needs.
type App struct {
	Config     *config.Config
	Store      storage.Store
	Identity   *identity.Provider
	Transport  gateway.Transport
	Controller *controller.Controller
}

// New opens the store, loads (or creates) the device identity and builds
// the transport and controller. The controller is not started.
func New(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: missing config")
	}
	applyLogging(cfg)

	if cfg.Storage.Backend != storage.BackendMemory {
		if err := cfg.EnsureHome(); err != nil {
			return nil, err
		}
	}
	store, err := storage.Open(cfg.StorageOptions())
	if err != nil {
		return nil, errors.Wrap(err, "app: open store")
	}

	ids := identity.NewProvider(store)
	id, err := ids.Get()
	if err != nil {
		_ = store.Close()
		return nil, errors.Wrap(err, "app: device identity")
	}

	transport := NewTransport(cfg, id.DeviceID)
	ctrl, err := controller.New(transport, store, controller.Options{
		Policy:     cfg.Policy(),
		SessionKey: cfg.Gateway.SessionKey,
		Signer:     ids,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &App{
		Config:     cfg,
		Store:      store,
		Identity:   ids,
		Transport:  transport,
		Controller: ctrl,
	}, nil
}

// NewTransport returns the transport selected by cfg.Gateway.Transport.
func NewTransport(cfg *config.Config, deviceID string) gateway.Transport {
	if cfg.Gateway.Transport == config.TransportRelay {
		return websocket.NewClient(websocket.Options{
			Path:     cfg.Gateway.RelayPath,
			DeviceID: deviceID,
		})
	}
	return wsgateway.New(wsgateway.Options{})
}

func applyLogging(cfg *config.Config) {
	lvl, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		logger.Warnf("config: %v, using info", err)
	}
	if cfg.Debug && lvl > logger.LevelDebug {
		lvl = logger.LevelDebug
	}
	logger.SetLevel(lvl)
}

// Start restores persisted state and starts the controller loop.
func (a *App) Start(ctx context.Context) error {
	return a.Controller.Start(ctx)
}

// Connect connects to the configured gateway.
func (a *App) Connect(ctx context.Context) error {
	return a.Controller.Connect(ctx, a.Config.Gateway.URL, a.Config.Gateway.Token)
}

// Close stops the controller, drops the connection and closes the store.
func (a *App) Close() error {
	a.Controller.Stop()
	_ = a.Transport.Disconnect()
	if err := a.Store.Close(); err != nil {
		return errors.Wrap(err, "app: close store")
	}
	return nil
}
