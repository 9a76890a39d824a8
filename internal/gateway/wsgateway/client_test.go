package wsgateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bhandras/gatewaykit/internal/gateway"
	"github.com/bhandras/gatewaykit/internal/gateway/fakegateway"
	"github.com/bhandras/gatewaykit/internal/identity"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func startGateway(t *testing.T, opts fakegateway.Options) (*fakegateway.Server, *httptest.Server, string) {
	t.Helper()
	fake := fakegateway.New(opts)
	t.Cleanup(fake.Close)
	srv := httptest.NewServer(fake.Handler())
	t.Cleanup(srv.Close)
	return fake, srv, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func newClient(t *testing.T, opts Options) *Client {
	t.Helper()
	c := New(opts)
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

type stateRecorder struct {
	mu     sync.Mutex
	states []gateway.ConnectionState
	errs   []error
}

func (r *stateRecorder) record(s gateway.ConnectionState, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
	r.errs = append(r.errs, err)
}

func (r *stateRecorder) snapshot() []gateway.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]gateway.ConnectionState(nil), r.states...)
}

func (r *stateRecorder) lastErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.errs) == 0 {
		return nil
	}
	return r.errs[len(r.errs)-1]
}

func TestConnectSendAndQuery(t *testing.T) {
	t.Parallel()

	_, _, url := startGateway(t, fakegateway.Options{
		Token: "secret",
		Reply: func(string) string { return "hello world" },
	})
	c := newClient(t, Options{})

	finals := make(chan gateway.ChatEvent, 4)
	var deltas sync.WaitGroup
	deltas.Add(1)
	var once sync.Once
	c.OnChatEvent(func(ev gateway.ChatEvent) {
		switch ev.State {
		case "delta":
			once.Do(deltas.Done)
		case "final":
			finals <- ev
		}
	})

	ctx := context.Background()
	require.NoError(t, c.Connect(ctx, gateway.ConnectOptions{URL: url, Token: "secret"}))
	require.Equal(t, gateway.StateConnected, c.State())

	res, err := c.ChatSend(ctx, "main", "hi", gateway.SendOptions{IdempotencyKey: "k1", Timeout: time.Second})
	require.NoError(t, err)
	require.NotEmpty(t, res.RunID)

	select {
	case ev := <-finals:
		require.Equal(t, res.RunID, ev.RunID)
		require.Equal(t, "main", ev.SessionKey)
		require.Equal(t, "hello world", ev.Text)
	case <-time.After(5 * time.Second):
		t.Fatal("no final event")
	}
	deltas.Wait()

	h, err := c.ChatHistory(ctx, "main", 50)
	require.NoError(t, err)
	require.Equal(t, "main", h.SessionKey)
	require.Len(t, h.Messages, 2)
	require.Equal(t, "user", h.Messages[0].Role)
	require.Equal(t, "hi", h.Messages[0].Text)
	require.Equal(t, "assistant", h.Messages[1].Role)
	require.Equal(t, "hello world", h.Messages[1].Text)

	sessions, err := c.SessionsList(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, "main", sessions[0].Key)

	ok, err := c.Health(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestChatSendIsIdempotent(t *testing.T) {
	t.Parallel()

	fake, _, url := startGateway(t, fakegateway.Options{})
	c := newClient(t, Options{})
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx, gateway.ConnectOptions{URL: url}))

	first, err := c.ChatSend(ctx, "main", "hi", gateway.SendOptions{IdempotencyKey: "same"})
	require.NoError(t, err)
	second, err := c.ChatSend(ctx, "main", "hi", gateway.SendOptions{IdempotencyKey: "same"})
	require.NoError(t, err)

	require.Equal(t, first.RunID, second.RunID)
	require.Equal(t, 1, fake.SendCount())
}

func TestConnectRejectsBadToken(t *testing.T) {
	t.Parallel()

	_, _, url := startGateway(t, fakegateway.Options{Token: "secret"})

	tests := []struct {
		name  string
		token string
	}{
		{name: "wrong bearer", token: "wrong"},
		{name: "missing token", token: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := newClient(t, Options{})
			err := c.Connect(context.Background(), gateway.ConnectOptions{URL: url, Token: tc.token})
			require.Error(t, err)
			require.Equal(t, gateway.CodeUnauthorized, gateway.CodeOf(err))
			require.Equal(t, gateway.StateDisconnected, c.State())
		})
	}
}

func TestPairingFlow(t *testing.T) {
	t.Parallel()

	fake, _, url := startGateway(t, fakegateway.Options{RequirePairing: true})
	id, err := identity.Generate()
	require.NoError(t, err)

	c := newClient(t, Options{})
	requests := make(chan gateway.PairingPayload, 1)
	c.OnEvent(gateway.EventPairingRequired, func(raw json.RawMessage) {
		var p gateway.PairingPayload
		if json.Unmarshal(raw, &p) == nil {
			requests <- p
		}
	})

	opts := gateway.ConnectOptions{URL: url, Signer: id}
	err = c.Connect(context.Background(), opts)
	require.Error(t, err)
	require.Equal(t, gateway.CodePairingRequired, gateway.CodeOf(err))

	var req gateway.PairingPayload
	select {
	case req = <-requests:
	case <-time.After(time.Second):
		t.Fatal("no pairing.required event")
	}
	require.Equal(t, id.DeviceID, req.DeviceID)
	require.Equal(t, []string{req.RequestID}, fake.PendingPairings())

	require.NoError(t, fake.Approve(req.RequestID))
	require.NoError(t, c.Connect(context.Background(), opts))
	require.Equal(t, gateway.StateConnected, c.State())
}

func TestReconnectsAfterDrop(t *testing.T) {
	t.Parallel()

	fake, _, url := startGateway(t, fakegateway.Options{})
	c := newClient(t, Options{ReconnectBase: 10 * time.Millisecond, ReconnectMax: 50 * time.Millisecond})
	rec := &stateRecorder{}
	c.OnConnectionStateChange(rec.record)

	ctx := context.Background()
	require.NoError(t, c.Connect(ctx, gateway.ConnectOptions{URL: url}))
	fake.DropConnections()

	require.Eventually(t, func() bool {
		states := rec.snapshot()
		return len(states) >= 3 && states[len(states)-1] == gateway.StateConnected
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, []gateway.ConnectionState{
		gateway.StateConnected, gateway.StateReconnecting, gateway.StateConnected,
	}, rec.snapshot())

	_, err := c.ChatSend(ctx, "main", "after reconnect", gateway.SendOptions{IdempotencyKey: "k"})
	require.NoError(t, err)
}

func TestReconnectGivesUp(t *testing.T) {
	t.Parallel()

	fake, srv, url := startGateway(t, fakegateway.Options{})
	c := newClient(t, Options{
		ReconnectBase:        5 * time.Millisecond,
		ReconnectMax:         10 * time.Millisecond,
		MaxReconnectAttempts: 2,
	})
	rec := &stateRecorder{}
	c.OnConnectionStateChange(rec.record)

	require.NoError(t, c.Connect(context.Background(), gateway.ConnectOptions{URL: url}))
	srv.Close()
	fake.DropConnections()

	require.Eventually(t, func() bool {
		states := rec.snapshot()
		return states[len(states)-1] == gateway.StateDisconnected
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, gateway.StateDisconnected, c.State())
	require.Error(t, rec.lastErr())
}

func TestRequestsRequireConnection(t *testing.T) {
	t.Parallel()

	c := newClient(t, Options{})
	ctx := context.Background()

	_, err := c.ChatSend(ctx, "main", "hi", gateway.SendOptions{})
	require.ErrorIs(t, err, gateway.ErrNotConnected)
	_, err = c.ChatHistory(ctx, "main", 10)
	require.Equal(t, gateway.CodeNotConnected, gateway.CodeOf(err))
	_, err = c.Health(ctx, time.Second)
	require.True(t, gateway.IsRetryable(err))
}

func TestDisconnectIsIdempotent(t *testing.T) {
	t.Parallel()

	_, _, url := startGateway(t, fakegateway.Options{})
	c := newClient(t, Options{})
	rec := &stateRecorder{}
	c.OnConnectionStateChange(rec.record)

	require.NoError(t, c.Connect(context.Background(), gateway.ConnectOptions{URL: url}))
	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Disconnect())

	require.Equal(t, []gateway.ConnectionState{
		gateway.StateConnected, gateway.StateDisconnected,
	}, rec.snapshot())
}
