// Package gatewaytest provides an in-memory gateway.Transport for tests.
package gatewaytest

import (
	"context"
	"sync"
	"time"

	"github.com/bhandras/gatewaykit/internal/gateway"
)

// SendCall records one ChatSend.
type SendCall struct {
	SessionKey string
	Message    string
	Opts       gateway.SendOptions
}

// FakeTransport is a scriptable gateway.Transport.
//
// By default every call succeeds: connect works, health is ok, chat.send
// returns a run id derived from the idempotency key, and history returns
// whatever SetHistory stored for the session.
type FakeTransport struct {
	gateway.Hub

	mu          sync.Mutex
	connected   bool
	connectErr  error
	connects    []gateway.ConnectOptions
	healthy     bool
	healthErr   error
	sends       []SendCall
	sendFunc    func(ctx context.Context, call SendCall) (gateway.SendResult, error)
	histories   map[string]gateway.History
	historyFunc func(ctx context.Context, sessionKey string, limit int) (gateway.History, error)
	historyReqs []string
	sessions    []gateway.SessionInfo
}

var _ gateway.Transport = (*FakeTransport)(nil)

// New returns a healthy fake.
func New() *FakeTransport {
	return &FakeTransport{
		healthy:   true,
		histories: make(map[string]gateway.History),
	}
}

// SetConnectError makes Connect fail with err (nil restores success).
func (f *FakeTransport) SetConnectError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

// SetHealth sets the Health result.
func (f *FakeTransport) SetHealth(ok bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy, f.healthErr = ok, err
}

// SetSendFunc overrides ChatSend.
func (f *FakeTransport) SetSendFunc(fn func(ctx context.Context, call SendCall) (gateway.SendResult, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendFunc = fn
}

// SetHistory stores the transcript returned for sessionKey.
func (f *FakeTransport) SetHistory(sessionKey string, messages ...gateway.HistoryMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.histories[sessionKey] = gateway.History{SessionKey: sessionKey, Messages: messages}
}

// SetHistoryFunc overrides ChatHistory. It may block to hold a refresh in
// flight.
func (f *FakeTransport) SetHistoryFunc(fn func(ctx context.Context, sessionKey string, limit int) (gateway.History, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyFunc = fn
}

// SetSessions stores the SessionsList result.
func (f *FakeTransport) SetSessions(list ...gateway.SessionInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = list
}

// Connected reports whether the fake is connected.
func (f *FakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Connects returns the options of every Connect call.
func (f *FakeTransport) Connects() []gateway.ConnectOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.ConnectOptions(nil), f.connects...)
}

// Sends returns every ChatSend call.
func (f *FakeTransport) Sends() []SendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SendCall(nil), f.sends...)
}

// HistoryRequests returns the session key of every ChatHistory call.
func (f *FakeTransport) HistoryRequests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.historyReqs...)
}

// Drop simulates the gateway closing the connection.
func (f *FakeTransport) Drop(err error) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.EmitState(gateway.StateDisconnected, err)
}

// Connect implements gateway.Transport.
func (f *FakeTransport) Connect(ctx context.Context, opts gateway.ConnectOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.connects = append(f.connects, opts)
	err := f.connectErr
	f.connected = err == nil
	f.mu.Unlock()

	if err != nil {
		return err
	}
	f.EmitState(gateway.StateConnected, nil)
	return nil
}

// Disconnect implements gateway.Transport.
func (f *FakeTransport) Disconnect() error {
	f.mu.Lock()
	was := f.connected
	f.connected = false
	f.mu.Unlock()
	if was {
		f.EmitState(gateway.StateDisconnected, nil)
	}
	return nil
}

// ChatSend implements gateway.Transport.
func (f *FakeTransport) ChatSend(ctx context.Context, sessionKey, message string, opts gateway.SendOptions) (gateway.SendResult, error) {
	call := SendCall{SessionKey: sessionKey, Message: message, Opts: opts}
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return gateway.SendResult{}, gateway.ErrNotConnected
	}
	f.sends = append(f.sends, call)
	fn := f.sendFunc
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, call)
	}
	return gateway.SendResult{RunID: "run-" + opts.IdempotencyKey, Status: "started"}, nil
}

// ChatHistory implements gateway.Transport.
func (f *FakeTransport) ChatHistory(ctx context.Context, sessionKey string, limit int) (gateway.History, error) {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return gateway.History{}, gateway.ErrNotConnected
	}
	f.historyReqs = append(f.historyReqs, sessionKey)
	fn := f.historyFunc
	h, ok := f.histories[sessionKey]
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, sessionKey, limit)
	}
	if !ok {
		h = gateway.History{SessionKey: sessionKey}
	}
	return h, nil
}

// SessionsList implements gateway.Transport.
func (f *FakeTransport) SessionsList(ctx context.Context) ([]gateway.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return nil, gateway.ErrNotConnected
	}
	return append([]gateway.SessionInfo(nil), f.sessions...), nil
}

// Health implements gateway.Transport.
func (f *FakeTransport) Health(ctx context.Context, timeout time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return false, gateway.ErrNotConnected
	}
	return f.healthy, f.healthErr
}
