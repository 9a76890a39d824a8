// Package wsgateway implements gateway.Transport over a plain WebSocket
// speaking the v3 frame protocol: challenge, connect request, then req/res
// frames matched by id with events interleaved.
package wsgateway

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/bhandras/gatewaykit/internal/gateway"
	"github.com/bhandras/gatewaykit/internal/version"
	"github.com/bhandras/gatewaykit/pkg/logger"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Options tunes the client. Zero fields take DefaultOptions values.
type Options struct {
	ClientID string
	Version  string
	Platform string
	Mode     string
	Role     string
	Scopes   []string

	HandshakeTimeout time.Duration
	// RequestTimeout applies to requests whose context has no deadline.
	RequestTimeout time.Duration

	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	// MaxReconnectAttempts bounds the reconnect loop; 0 retries forever.
	MaxReconnectAttempts int

	Dialer *websocket.Dialer
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		ClientID:         "gatewaykit",
		Version:          version.Version(),
		Platform:         runtime.GOOS,
		Mode:             "mobile",
		Role:             "operator",
		Scopes:           []string{"operator.read", "operator.write"},
		HandshakeTimeout: 10 * time.Second,
		RequestTimeout:   30 * time.Second,
		ReconnectBase:    time.Second,
		ReconnectMax:     30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ClientID == "" {
		o.ClientID = d.ClientID
	}
	if o.Version == "" {
		o.Version = d.Version
	}
	if o.Platform == "" {
		o.Platform = d.Platform
	}
	if o.Mode == "" {
		o.Mode = d.Mode
	}
	if o.Role == "" {
		o.Role = d.Role
	}
	if len(o.Scopes) == 0 {
		o.Scopes = d.Scopes
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = d.HandshakeTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = d.ReconnectBase
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = d.ReconnectMax
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: o.HandshakeTimeout,
		}
	}
	return o
}

// Client is a gateway.Transport over gorilla/websocket.
type Client struct {
	gateway.Hub

	opts Options
	log  zerolog.Logger

	mu    sync.Mutex
	conn  *websocket.Conn
	state gateway.ConnectionState
	// gen changes on every Connect and Disconnect. Read loops and reconnect
	// loops of an older generation exit without touching state.
	gen             uint64
	connectOpts     gateway.ConnectOptions
	pending         map[string]chan gateway.Frame
	cancelReconnect context.CancelFunc

	writeMu sync.Mutex
}

var _ gateway.Transport = (*Client)(nil)

// New builds a disconnected client.
func New(opts Options) *Client {
	return &Client{
		opts:    opts.withDefaults(),
		log:     logger.Component("wsgateway"),
		state:   gateway.StateDisconnected,
		pending: make(map[string]chan gateway.Frame),
	}
}

// State returns the current connection state.
func (c *Client) State() gateway.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials and completes the handshake. An existing connection is torn
// down first.
func (c *Client) Connect(ctx context.Context, opts gateway.ConnectOptions) error {
	c.mu.Lock()
	old := c.conn
	c.conn = nil
	if c.cancelReconnect != nil {
		c.cancelReconnect()
		c.cancelReconnect = nil
	}
	c.failPendingLocked("connection replaced")
	c.gen++
	gen := c.gen
	c.state = gateway.StateConnecting
	c.connectOpts = opts
	c.mu.Unlock()

	if old != nil {
		closeConn(old)
	}

	c.log.Info().Str("url", opts.URL).Msg("connecting to gateway")
	conn, err := c.dial(ctx, opts)
	if err != nil {
		c.mu.Lock()
		if c.gen == gen {
			c.state = gateway.StateDisconnected
		}
		c.mu.Unlock()
		c.log.Warn().Err(err).Msg("connect failed")
		return err
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		closeConn(conn)
		return gateway.NewError(gateway.CodeDisconnected, "connect canceled")
	}
	c.conn = conn
	c.state = gateway.StateConnected
	c.mu.Unlock()

	go c.readLoop(conn, gen)
	c.log.Info().Msg("connected to gateway")
	c.EmitState(gateway.StateConnected, nil)
	return nil
}

// Disconnect closes the connection and stops reconnecting. It is safe to
// call at any time.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.gen++
	conn := c.conn
	c.conn = nil
	was := c.state
	c.state = gateway.StateDisconnected
	if c.cancelReconnect != nil {
		c.cancelReconnect()
		c.cancelReconnect = nil
	}
	c.failPendingLocked("disconnected by client")
	c.mu.Unlock()

	if conn != nil {
		closeConn(conn)
	}
	if was != gateway.StateDisconnected {
		c.EmitState(gateway.StateDisconnected, nil)
	}
	return nil
}

func closeConn(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}

// dial opens the socket and runs the handshake.
func (c *Client) dial(ctx context.Context, opts gateway.ConnectOptions) (*websocket.Conn, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.opts.HandshakeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}
	conn, resp, err := c.opts.Dialer.DialContext(ctx, opts.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, gateway.NewError(gateway.CodeUnauthorized, "gateway rejected the token ("+resp.Status+")")
		}
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, gateway.NewError(gateway.CodeTimeout, "dial timed out")
		}
		return nil, errors.Wrap(err, "dial gateway")
	}

	if err := c.handshake(ctx, conn, opts); err != nil {
		_ = conn.Close()
		if ctx.Err() != nil && gateway.CodeOf(err) == "" {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, gateway.NewError(gateway.CodeTimeout, "handshake timed out")
			}
			return nil, errors.Wrap(ctx.Err(), "handshake")
		}
		return nil, err
	}
	return conn, nil
}

// handshake waits for connect.challenge, sends the connect request and
// waits for its response. Events other than the challenge are dispatched
// as usual, which lets pairing.required reach subscribers.
func (c *Client) handshake(ctx context.Context, conn *websocket.Conn, opts gateway.ConnectOptions) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	var challenge gateway.ChallengePayload
	for {
		f, err := readFrame(conn)
		if err != nil {
			return errors.Wrap(err, "read challenge")
		}
		if f.Type == gateway.FrameEvent && f.Event == gateway.EventChallenge {
			if err := json.Unmarshal(f.Payload, &challenge); err != nil {
				return errors.Wrap(err, "parse challenge")
			}
			break
		}
	}
	c.log.Debug().Msg("received connect.challenge")

	params := gateway.ConnectParams{
		MinProtocol: gateway.ProtocolVersion,
		MaxProtocol: gateway.ProtocolVersion,
		Client: gateway.ClientInfo{
			ID:       c.opts.ClientID,
			Version:  c.opts.Version,
			Platform: c.opts.Platform,
			Mode:     c.opts.Mode,
		},
		Role:   c.opts.Role,
		Scopes: c.opts.Scopes,
		Caps:   []string{},
	}
	if opts.Token != "" {
		params.Auth = &gateway.ConnectAuth{Token: opts.Token}
	}
	if opts.Signer != nil {
		device, err := opts.Signer.SignChallenge(challenge.Nonce, opts.Token, time.Now().UnixMilli())
		if err != nil {
			return errors.Wrap(err, "sign challenge")
		}
		params.Device = &device
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return errors.Wrap(err, "marshal connect params")
	}

	reqID := uuid.NewString()
	req := gateway.Frame{Type: gateway.FrameRequest, ID: reqID, Method: gateway.MethodConnect, Params: raw}
	if err := conn.WriteJSON(req); err != nil {
		return errors.Wrap(err, "send connect")
	}

	for {
		f, err := readFrame(conn)
		if err != nil {
			return errors.Wrap(err, "read connect response")
		}
		switch {
		case f.Type == gateway.FrameEvent:
			c.dispatchEvent(f)
		case f.Type == gateway.FrameResponse && f.ID == reqID:
			if f.OK != nil && *f.OK {
				_ = conn.SetReadDeadline(time.Time{})
				return nil
			}
			if f.Error != nil {
				return f.Error
			}
			return gateway.NewError(gateway.CodeUnavailable, "connect rejected")
		}
	}
}

func readFrame(conn *websocket.Conn) (gateway.Frame, error) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return gateway.Frame{}, err
		}
		var f gateway.Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			continue
		}
		return f, nil
	}
}

func (c *Client) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.connectionLost(conn, gen, err)
			return
		}
		var f gateway.Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			c.log.Warn().Err(err).Msg("ws parse error")
			continue
		}

		switch f.Type {
		case gateway.FrameResponse:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			if ok {
				delete(c.pending, f.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		case gateway.FrameEvent:
			c.dispatchEvent(f)
		}
	}
}

func (c *Client) dispatchEvent(f gateway.Frame) {
	switch f.Event {
	case gateway.EventChat:
		ev, err := gateway.DecodeChatEvent(f.Payload)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed chat event")
			return
		}
		c.EmitChat(ev)
	case gateway.EventTick, gateway.EventChallenge:
		c.log.Trace().Str("event", f.Event).Msg("event received")
	default:
		if !c.EmitEvent(f.Event, f.Payload) {
			c.log.Trace().Str("event", f.Event).Msg("unhandled event")
		}
	}
}

// connectionLost handles a read failure that Disconnect did not cause.
func (c *Client) connectionLost(conn *websocket.Conn, gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.failPendingLocked("connection lost")
	c.state = gateway.StateReconnecting
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelReconnect = cancel
	opts := c.connectOpts
	c.mu.Unlock()

	_ = conn.Close()
	c.log.Warn().Err(err).Msg("connection lost, reconnecting")
	c.EmitState(gateway.StateReconnecting, err)
	go c.reconnectLoop(ctx, gen, opts)
}

func (c *Client) reconnectLoop(ctx context.Context, gen uint64, opts gateway.ConnectOptions) {
	delay := c.opts.ReconnectBase
	var lastErr error
	for attempt := 1; ; attempt++ {
		if c.opts.MaxReconnectAttempts > 0 && attempt > c.opts.MaxReconnectAttempts {
			c.giveUp(gen, lastErr)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		conn, err := c.dial(ctx, opts)
		if err == nil {
			c.mu.Lock()
			if c.gen != gen || ctx.Err() != nil {
				c.mu.Unlock()
				closeConn(conn)
				return
			}
			c.conn = conn
			c.state = gateway.StateConnected
			c.cancelReconnect = nil
			c.mu.Unlock()

			go c.readLoop(conn, gen)
			c.log.Info().Int("attempt", attempt).Msg("reconnected to gateway")
			c.EmitState(gateway.StateConnected, nil)
			return
		}
		if ctx.Err() != nil {
			return
		}

		lastErr = err
		c.log.Debug().Err(err).Int("attempt", attempt).Msg("reconnect failed")
		if isFatal(err) {
			c.giveUp(gen, err)
			return
		}
		delay *= 2
		if delay > c.opts.ReconnectMax {
			delay = c.opts.ReconnectMax
		}
	}
}

func (c *Client) giveUp(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.state = gateway.StateDisconnected
	c.cancelReconnect = nil
	c.mu.Unlock()

	if err == nil {
		err = gateway.NewError(gateway.CodeDisconnected, "reconnect attempts exhausted")
	}
	c.log.Warn().Err(err).Msg("giving up on reconnect")
	c.EmitState(gateway.StateDisconnected, err)
}

// isFatal reports errors that another attempt cannot fix.
func isFatal(err error) bool {
	switch gateway.CodeOf(err) {
	case gateway.CodeUnauthorized, gateway.CodePairingRequired, gateway.CodeNotPaired:
		return true
	}
	return false
}

func (c *Client) failPendingLocked(reason string) {
	for id, ch := range c.pending {
		ch <- gateway.Frame{
			Type:  gateway.FrameResponse,
			ID:    id,
			OK:    gateway.Bool(false),
			Error: gateway.NewError(gateway.CodeDisconnected, reason),
		}
		delete(c.pending, id)
	}
}

func (c *Client) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// request sends one req frame and waits for the matching res.
func (c *Client) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s params", method)
	}

	c.mu.Lock()
	conn := c.conn
	if conn == nil || c.state != gateway.StateConnected {
		c.mu.Unlock()
		return nil, gateway.ErrNotConnected
	}
	id := uuid.NewString()
	ch := make(chan gateway.Frame, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err = conn.WriteJSON(gateway.Frame{Type: gateway.FrameRequest, ID: id, Method: method, Params: raw})
	c.writeMu.Unlock()
	if err != nil {
		c.dropPending(id)
		return nil, gateway.NewError(gateway.CodeDisconnected, "send "+method+": "+err.Error())
	}

	select {
	case f := <-ch:
		if f.Error != nil {
			return nil, f.Error
		}
		if f.OK == nil || !*f.OK {
			return nil, gateway.NewError(gateway.CodeUnavailable, method+" failed")
		}
		return f.Payload, nil
	case <-ctx.Done():
		c.dropPending(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, gateway.NewError(gateway.CodeTimeout, method+" timed out")
		}
		return nil, ctx.Err()
	}
}

// ChatSend implements gateway.Transport.
func (c *Client) ChatSend(ctx context.Context, sessionKey, message string, opts gateway.SendOptions) (gateway.SendResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	payload, err := c.request(ctx, gateway.MethodChatSend, gateway.ChatSendParams{
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
	payload, err := c.request(ctx, gateway.MethodChatHistory, gateway.ChatHistoryParams{
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
	payload, err := c.request(ctx, gateway.MethodSessionsList, struct{}{})
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
	payload, err := c.request(ctx, gateway.MethodHealth, struct{}{})
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
