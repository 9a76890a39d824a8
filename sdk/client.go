// Package sdk is the gomobile facade over the gateway controller.
//
// All exported methods are safe to call from any thread. Methods that
// produce text return a *Buffer instead of a string.
package sdk

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/bhandras/gatewaykit/internal/app"
	"github.com/bhandras/gatewaykit/internal/config"
	"github.com/bhandras/gatewaykit/internal/controller"
	"github.com/bhandras/gatewaykit/internal/gateway"
	"github.com/bhandras/gatewaykit/pkg/logger"
	"github.com/pkg/errors"
)

const (
	callTimeout    = 30 * time.Second
	connectTimeout = 2 * time.Minute
)

// Listener receives controller updates. Callbacks are delivered in order
// on a single goroutine.
type Listener interface {
	// OnStateChanged receives the snapshot as JSON.
	OnStateChanged(snapshotJSON string)
	OnError(message string)
}

// Client is one gateway conversation controller.
type Client struct {
	app *app.App

	mu       sync.Mutex
	listener Listener
	closed   bool
	unsub    func()

	// pending is the newest snapshot not yet handed to the listener.
	pending   []byte
	scheduled bool

	dispatch  *dispatcher
	callbacks *dispatcher
}

// NewClient opens the controller state stored under homeDir. Settings come
// from homeDir/config.yaml and the GATEWAYKIT_* environment; homeDir wins
// over GATEWAYKIT_HOME.
func NewClient(homeDir string) (*Client, error) {
	installLogs()

	cfg, err := config.LoadWithEnv("", func(key string) string {
		if key == "GATEWAYKIT_HOME" && homeDir != "" {
			return homeDir
		}
		return os.Getenv(key)
	})
	if err != nil {
		return nil, err
	}
	return newClient(cfg)
}

func newClient(cfg *config.Config) (*Client, error) {
	a, err := app.New(cfg)
	if err != nil {
		return nil, err
	}
	c := &Client{
		app:       a,
		dispatch:  newDispatcher("dispatch", 256),
		callbacks: newDispatcher("callbacks", 256),
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	if err := a.Start(ctx); err != nil {
		c.dispatch.close()
		c.callbacks.close()
		_ = a.Close()
		return nil, err
	}
	c.unsub = a.Controller.Subscribe(c.onSnapshot)
	return c, nil
}

// SetListener registers the listener and immediately delivers the current
// snapshot to it. A nil listener stops delivery.
func (c *Client) SetListener(listener Listener) {
	_, _ = c.dispatch.call(func() (any, error) {
		c.mu.Lock()
		c.listener = listener
		c.mu.Unlock()
		if listener != nil {
			c.onSnapshot(c.app.Controller.Snapshot())
		}
		return nil, nil
	})
}

// onSnapshot runs on the controller loop. It coalesces bursts so a slow
// listener only ever sees the newest state.
func (c *Client) onSnapshot(s controller.Snapshot) {
	raw, err := json.Marshal(s)
	if err != nil {
		logger.Warnf("sdk: encode snapshot: %v", err)
		return
	}

	c.mu.Lock()
	c.pending = raw
	if c.scheduled || c.closed {
		c.mu.Unlock()
		return
	}
	c.scheduled = true
	c.mu.Unlock()

	if err := c.callbacks.do(c.deliver); err != nil {
		c.mu.Lock()
		c.scheduled = false
		c.mu.Unlock()
	}
}

func (c *Client) deliver() {
	c.mu.Lock()
	raw := c.pending
	c.pending = nil
	c.scheduled = false
	listener := c.listener
	c.mu.Unlock()

	if listener == nil || raw == nil {
		return
	}
	listener.OnStateChanged(string(raw))
}

func (c *Client) reportError(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	listener := c.listener
	c.mu.Unlock()
	if listener == nil {
		return
	}
	msg := err.Error()
	_ = c.callbacks.do(func() { listener.OnError(msg) })
}

// run executes an action with a timeout, recovering panics and forwarding
// failures to the listener.
func (c *Client) run(name string, timeout time.Duration, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logPanic(name, r)
			err = errors.Errorf("sdk: %s panicked", name)
		}
	}()

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errDispatcherClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		c.reportError(err)
		return err
	}
	return nil
}

// Connect connects to endpoint. Empty arguments fall back to the
// configured gateway URL and token.
func (c *Client) Connect(endpoint, token string) error {
	gw := c.app.Config.Gateway
	if endpoint == "" {
		endpoint = gw.URL
	}
	if token == "" {
		token = gw.Token
	}
	return c.run("Connect", connectTimeout, func(ctx context.Context) error {
		return c.app.Controller.Connect(ctx, endpoint, token)
	})
}

// Disconnect closes the gateway connection.
func (c *Client) Disconnect() error {
	return c.run("Disconnect", callTimeout, func(ctx context.Context) error {
		return c.app.Controller.Disconnect(ctx)
	})
}

// SendMessage sends text to the current session and returns the turn id.
func (c *Client) SendMessage(text string) (*Buffer, error) {
	return c.send("SendMessage", text)
}

// SendMessageWithAttachment sends text with one inline attachment.
// contentBase64 is the attachment body.
func (c *Client) SendMessageWithAttachment(text, mimeType, fileName, contentBase64 string) (*Buffer, error) {
	att := gateway.Attachment{
		Type:     "file",
		MimeType: mimeType,
		FileName: fileName,
		Content:  contentBase64,
	}
	return c.send("SendMessageWithAttachment", text, att)
}

func (c *Client) send(name, text string, atts ...gateway.Attachment) (*Buffer, error) {
	var turnID string
	err := c.run(name, callTimeout, func(ctx context.Context) error {
		id, err := c.app.Controller.SendMessage(ctx, text, atts...)
		turnID = id
		return err
	})
	if err != nil {
		return nil, err
	}
	return newBufferFromString(turnID), nil
}

// RefreshHistory reloads the current session transcript.
func (c *Client) RefreshHistory() error {
	return c.run("RefreshHistory", callTimeout, func(ctx context.Context) error {
		return c.app.Controller.RefreshHistory(ctx)
	})
}

// SwitchSession makes key the current session.
func (c *Client) SwitchSession(key string) error {
	return c.run("SwitchSession", callTimeout, func(ctx context.Context) error {
		return c.app.Controller.SwitchSession(ctx, key)
	})
}

// CreateSessionBuffer creates a session (key may be empty) and returns its
// key.
func (c *Client) CreateSessionBuffer(key string) (*Buffer, error) {
	var created string
	err := c.run("CreateSession", callTimeout, func(ctx context.Context) error {
		k, err := c.app.Controller.CreateSession(ctx, key)
		created = k
		return err
	})
	if err != nil {
		return nil, err
	}
	return newBufferFromString(created), nil
}

// RenameSession sets the local alias of key.
func (c *Client) RenameSession(key, alias string) error {
	return c.run("RenameSession", callTimeout, func(ctx context.Context) error {
		return c.app.Controller.RenameSession(ctx, key, alias)
	})
}

// TogglePinned flips the pinned flag of key.
func (c *Client) TogglePinned(key string) error {
	return c.run("TogglePinned", callTimeout, func(ctx context.Context) error {
		return c.app.Controller.TogglePinned(ctx, key)
	})
}

// RetryRecovery retries the missing-response check named by the notice.
func (c *Client) RetryRecovery() error {
	return c.run("RetryRecovery", callTimeout, func(ctx context.Context) error {
		return c.app.Controller.RetryRecovery(ctx)
	})
}

// DismissBanner clears a banner: send, sync, recovery or diagnostic.
func (c *Client) DismissBanner(banner string) error {
	return c.run("DismissBanner", callTimeout, func(ctx context.Context) error {
		return c.app.Controller.DismissBanner(ctx, banner)
	})
}

// SnapshotBuffer returns the current snapshot as JSON.
func (c *Client) SnapshotBuffer() (*Buffer, error) {
	raw, err := json.Marshal(c.app.Controller.Snapshot())
	if err != nil {
		return nil, errors.Wrap(err, "encode snapshot")
	}
	return newBuffer(raw), nil
}

// PairingURIBuffer returns the URI a gateway operator scans to approve this
// device.
func (c *Client) PairingURIBuffer() (*Buffer, error) {
	id, err := c.app.Identity.Get()
	if err != nil {
		return nil, err
	}
	return newBufferFromString(id.PairingURI(c.app.Config.Gateway.URL)), nil
}

// SetLogDirectory starts writing SDK logs to rotating files in path.
func (c *Client) SetLogDirectory(path string) error {
	_, err := c.dispatch.call(func() (any, error) {
		return nil, sdkLogs.setDir(path)
	})
	return err
}

// SetDebug toggles debug logging.
func (c *Client) SetDebug(enabled bool) {
	_ = c.dispatch.do(func() {
		if enabled {
			logger.SetLevel(logger.LevelDebug)
		} else {
			logger.SetLevel(logger.LevelInfo)
		}
	})
}

// LogTailBuffer returns the most recent log lines.
func (c *Client) LogTailBuffer() *Buffer {
	return newBufferFromString(sdkLogs.tailText())
}

// Close stops the controller and releases the store. The client cannot be
// used afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	unsub := c.unsub
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	err := c.app.Close()
	c.dispatch.close()
	c.callbacks.close()
	return err
}
