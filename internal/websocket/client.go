// Package websocket implements gateway.Transport over Socket.IO for
// deployments that put a relay in front of the gateway.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bhandras/gatewaykit/internal/gateway"
	"github.com/bhandras/gatewaykit/pkg/logger"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	socket "github.com/zishang520/socket.io/clients/socket/v3"
	"github.com/zishang520/socket.io/v3/pkg/types"
)

// DefaultPath is the relay's Socket.IO mount point.
const DefaultPath = "/relay"

// Options configures the relay client.
type Options struct {
	// Path is used when the gateway URL has no path of its own.
	Path string
	// DeviceID is presented in the handshake auth for pairing.
	DeviceID   string
	ClientType string
	// RequestTimeout applies to requests whose context has no deadline.
	RequestTimeout time.Duration
	ConnectTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Path == "" {
		o.Path = DefaultPath
	}
	if o.ClientType == "" {
		o.ClientType = "mobile"
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 15 * time.Second
	}
	return o
}

type ackResult struct {
	payload json.RawMessage
	err     error
}

// Client is a gateway.Transport over a Socket.IO relay. The Socket.IO
// manager owns reconnection; the client maps its socket events onto
// connection states.
type Client struct {
	gateway.Hub

	opts Options
	log  zerolog.Logger

	mu     sync.Mutex
	socket *socket.Socket
	state  gateway.ConnectionState
	// gen changes on every Connect and Disconnect so handlers bound to an
	// older socket stay silent.
	gen     uint64
	nextAck uint64
	pending map[uint64]chan ackResult
}

var _ gateway.Transport = (*Client)(nil)

// NewClient builds a disconnected relay client.
func NewClient(opts Options) *Client {
	return &Client{
		opts:    opts.withDefaults(),
		log:     logger.Component("relay"),
		state:   gateway.StateDisconnected,
		pending: make(map[uint64]chan ackResult),
	}
}

// EngineURL maps a ws(s) gateway URL onto the http(s) base and path the
// engine.io handshake needs.
func EngineURL(raw, defaultPath string) (base string, path string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", errors.Wrap(err, "parse relay URL")
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "http":
		u.Scheme = "http"
	case "wss", "https":
		u.Scheme = "https"
	default:
		return "", "", errors.Errorf("unsupported relay scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", "", errors.New("relay URL has no host")
	}
	path = strings.TrimRight(u.Path, "/")
	if path == "" {
		path = defaultPath
	}
	return u.Scheme + "://" + u.Host, path, nil
}

// State returns the current connection state.
func (c *Client) State() gateway.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the relay socket and waits until the relay accepts the
// handshake auth.
func (c *Client) Connect(ctx context.Context, opts gateway.ConnectOptions) error {
	base, path, err := EngineURL(opts.URL, c.opts.Path)
	if err != nil {
		return err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.opts.ConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.mu.Lock()
	old := c.socket
	c.socket = nil
	c.gen++
	gen := c.gen
	c.state = gateway.StateConnecting
	c.failPendingLocked("connection replaced")
	c.mu.Unlock()
	if old != nil {
		old.Disconnect()
	}

	sockOpts := socket.DefaultOptions()
	sockOpts.SetPath(path)
	sockOpts.SetTransports(types.NewSet(socket.Polling, socket.WebSocket))
	auth := map[string]interface{}{
		"token":      opts.Token,
		"clientType": c.opts.ClientType,
	}
	if c.opts.DeviceID != "" {
		auth["deviceId"] = c.opts.DeviceID
	}
	sockOpts.SetAuth(auth)

	c.log.Info().Str("url", base).Str("path", path).Msg("connecting to relay")
	sock, err := socket.Connect(base, sockOpts)
	if err != nil {
		c.setDisconnected(gen)
		return errors.Wrap(err, "connect relay")
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		sock.Disconnect()
		return gateway.NewError(gateway.CodeDisconnected, "connect canceled")
	}
	c.socket = sock
	c.mu.Unlock()

	ready := make(chan error, 1)
	signal := func(err error) {
		select {
		case ready <- err:
		default:
		}
	}
	c.bind(sock, gen, signal)

	var connErr error
	select {
	case connErr = <-ready:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			connErr = gateway.NewError(gateway.CodeTimeout, "relay handshake timed out")
		} else {
			connErr = errors.Wrap(ctx.Err(), "relay handshake")
		}
	}

	c.mu.Lock()
	if connErr == nil && c.gen != gen {
		connErr = gateway.NewError(gateway.CodeDisconnected, "connect canceled")
	}
	if connErr != nil {
		if c.gen == gen {
			c.socket = nil
			c.state = gateway.StateDisconnected
		}
		c.mu.Unlock()
		sock.Disconnect()
		c.log.Warn().Err(connErr).Msg("relay connect failed")
		return connErr
	}
	c.state = gateway.StateConnected
	c.mu.Unlock()

	c.log.Info().Msg("connected to relay")
	c.EmitState(gateway.StateConnected, nil)
	return nil
}

// bind registers the socket handlers. signal receives the outcome of the
// first handshake.
func (c *Client) bind(sock *socket.Socket, gen uint64, signal func(error)) {
	sock.On(types.EventName(gateway.EventRelayReady), func(args ...any) {
		signal(nil)

		c.mu.Lock()
		if c.gen != gen || c.state != gateway.StateReconnecting {
			c.mu.Unlock()
			return
		}
		c.state = gateway.StateConnected
		c.mu.Unlock()
		c.log.Info().Msg("reconnected to relay")
		c.EmitState(gateway.StateConnected, nil)
	})

	sock.On(types.EventName("connect_error"), func(args ...any) {
		err := gateway.NewError(gateway.CodeUnavailable, argText(args))
		c.log.Debug().Err(err).Msg("relay connect error")
		signal(err)
	})

	sock.On(types.EventName(gateway.EventRelayError), func(args ...any) {
		err := decodeRelayError(args)
		c.log.Warn().Err(err).Msg("relay rejected the connection")
		signal(err)

		c.mu.Lock()
		if c.gen != gen || c.state == gateway.StateConnecting {
			c.mu.Unlock()
			return
		}
		c.gen++
		c.socket = nil
		c.state = gateway.StateDisconnected
		c.failPendingLocked("relay error")
		c.mu.Unlock()
		sock.Disconnect()
		c.EmitState(gateway.StateDisconnected, err)
	})

	sock.On(types.EventName("disconnect"), func(args ...any) {
		reason := argText(args)
		err := gateway.NewError(gateway.CodeDisconnected, reason)
		signal(err)

		c.mu.Lock()
		if c.gen != gen || c.state == gateway.StateConnecting {
			c.mu.Unlock()
			return
		}
		c.failPendingLocked("connection lost")
		if reason == "io server disconnect" {
			// Socket.IO does not reconnect after a server side close.
			c.gen++
			c.socket = nil
			c.state = gateway.StateDisconnected
			c.mu.Unlock()
			c.EmitState(gateway.StateDisconnected, err)
			return
		}
		c.state = gateway.StateReconnecting
		c.mu.Unlock()
		c.log.Warn().Str("reason", reason).Msg("relay connection lost, reconnecting")
		c.EmitState(gateway.StateReconnecting, err)
	})

	sock.On(types.EventName(gateway.EventChat), func(args ...any) {
		raw, ok := rawArg(args)
		if !ok {
			return
		}
		ev, err := gateway.DecodeChatEvent(raw)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed chat event")
			return
		}
		c.EmitChat(ev)
	})

	sock.On(types.EventName(gateway.EventPairingRequired), func(args ...any) {
		raw, ok := rawArg(args)
		if !ok {
			return
		}
		c.EmitEvent(gateway.EventPairingRequired, raw)
	})
}

func (c *Client) setDisconnected(gen uint64) {
	c.mu.Lock()
	if c.gen == gen {
		c.state = gateway.StateDisconnected
	}
	c.mu.Unlock()
}

// Disconnect closes the socket. It is safe to call at any time.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.gen++
	sock := c.socket
	c.socket = nil
	was := c.state
	c.state = gateway.StateDisconnected
	c.failPendingLocked("disconnected by client")
	c.mu.Unlock()

	if sock != nil {
		sock.Disconnect()
	}
	if was != gateway.StateDisconnected {
		c.EmitState(gateway.StateDisconnected, nil)
	}
	return nil
}

func (c *Client) failPendingLocked(reason string) {
	for id, ch := range c.pending {
		ch <- ackResult{err: gateway.NewError(gateway.CodeDisconnected, reason)}
		delete(c.pending, id)
	}
}

// EmitWithAck sends an event and waits for the relay's ack, which carries
// {ok, payload, error}.
func (c *Client) EmitWithAck(ctx context.Context, event string, data any) (json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
	}

	args, err := toMap(data)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s", event)
	}

	c.mu.Lock()
	sock := c.socket
	if sock == nil || c.state != gateway.StateConnected {
		c.mu.Unlock()
		return nil, gateway.ErrNotConnected
	}
	c.nextAck++
	id := c.nextAck
	ch := make(chan ackResult, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	c.log.Trace().Str("event", event).Msg("sending event with ack")
	sock.Emit(event, args, func(res []any, err error) {
		c.mu.Lock()
		ch, ok := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if !ok {
			return
		}
		if err != nil {
			ch <- ackResult{err: gateway.NewError(gateway.CodeUnavailable, err.Error())}
			return
		}
		ch <- decodeAck(event, res)
	})

	select {
	case res := <-ch:
		return res.payload, res.err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, gateway.NewError(gateway.CodeTimeout, event+" timed out")
		}
		return nil, ctx.Err()
	}
}

func decodeAck(event string, args []any) ackResult {
	raw, ok := rawArg(args)
	if !ok {
		return ackResult{err: gateway.NewError(gateway.CodeUnavailable, "missing ack for "+event)}
	}
	var ack struct {
		OK      bool            `json:"ok"`
		Payload json.RawMessage `json:"payload"`
		Error   *gateway.Error  `json:"error"`
	}
	if err := json.Unmarshal(raw, &ack); err != nil {
		return ackResult{err: errors.Wrapf(err, "decode %s ack", event)}
	}
	if !ack.OK {
		if ack.Error != nil {
			return ackResult{err: ack.Error}
		}
		return ackResult{err: gateway.NewError(gateway.CodeUnavailable, event+" failed")}
	}
	return ackResult{payload: ack.Payload}
}

func decodeRelayError(args []any) *gateway.Error {
	raw, ok := rawArg(args)
	if ok {
		var gwErr gateway.Error
		if json.Unmarshal(raw, &gwErr) == nil && (gwErr.Code != "" || gwErr.Message != "") {
			if gwErr.Code == "" {
				gwErr.Code = gateway.CodeUnauthorized
			}
			return &gwErr
		}
	}
	return gateway.NewError(gateway.CodeUnavailable, argText(args))
}

func rawArg(args []any) (json.RawMessage, bool) {
	if len(args) == 0 || args[0] == nil {
		return nil, false
	}
	raw, err := json.Marshal(args[0])
	if err != nil {
		return nil, false
	}
	return raw, true
}

func argText(args []any) string {
	if len(args) == 0 {
		return ""
	}
	if s, ok := args[0].(string); ok {
		return s
	}
	if err, ok := args[0].(error); ok {
		return err.Error()
	}
	return fmt.Sprintf("%v", args[0])
}

func toMap(data any) (map[string]interface{}, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ChatSend implements gateway.Transport.
func (c *Client) ChatSend(ctx context.Context, sessionKey, message string, opts gateway.SendOptions) (gateway.SendResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	payload, err := c.EmitWithAck(ctx, gateway.MethodChatSend, gateway.ChatSendParams{
		SessionKey:     sessionKey,
		Message:        message,
		IdempotencyKey: opts.IdempotencyKey,
		Attachments:    opts.Attachments,
		TimeoutMs:      opts.Timeout.Milliseconds(),
	})
	if err != nil {
		return gateway.SendResult{}, err
	}
	var res gateway.SendResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return gateway.SendResult{}, errors.Wrap(err, "decode chat.send result")
	}
	return res, nil
}

// ChatHistory implements gateway.Transport.
func (c *Client) ChatHistory(ctx context.Context, sessionKey string, limit int) (gateway.History, error) {
	payload, err := c.EmitWithAck(ctx, gateway.MethodChatHistory, gateway.ChatHistoryParams{
		SessionKey: sessionKey,
		Limit:      limit,
	})
	if err != nil {
		return gateway.History{}, err
	}
	h, err := gateway.DecodeHistory(payload)
	if err != nil {
		return gateway.History{}, err
	}
	if h.SessionKey == "" {
		h.SessionKey = sessionKey
	}
	return h, nil
}

// SessionsList implements gateway.Transport.
func (c *Client) SessionsList(ctx context.Context) ([]gateway.SessionInfo, error) {
	payload, err := c.EmitWithAck(ctx, gateway.MethodSessionsList, struct{}{})
	if err != nil {
		return nil, err
	}
	return gateway.DecodeSessions(payload)
}

// Health implements gateway.Transport.
func (c *Client) Health(ctx context.Context, timeout time.Duration) (bool, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	payload, err := c.EmitWithAck(ctx, gateway.MethodHealth, struct{}{})
	if err != nil {
		return false, err
	}
	var res struct {
		OK *bool `json:"ok"`
	}
	if err := json.Unmarshal(payload, &res); err != nil {
		return false, errors.Wrap(err, "decode health result")
	}
	return res.OK == nil || *res.OK, nil
}
