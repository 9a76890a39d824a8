package sdk

import (
	"encoding/json"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bhandras/gatewaykit/internal/config"
	"github.com/bhandras/gatewaykit/internal/controller"
	"github.com/bhandras/gatewaykit/internal/gateway"
	"github.com/bhandras/gatewaykit/internal/gateway/fakegateway"
	"github.com/bhandras/gatewaykit/internal/ledger"
	"github.com/bhandras/gatewaykit/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type recordingListener struct {
	mu     sync.Mutex
	states []controller.Snapshot
	errs   []string
}

func (l *recordingListener) OnStateChanged(snapshotJSON string) {
	var s controller.Snapshot
	if err := json.Unmarshal([]byte(snapshotJSON), &s); err != nil {
		panic(err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *recordingListener) OnError(message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, message)
}

func (l *recordingListener) last() (controller.Snapshot, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.states) == 0 {
		return controller.Snapshot{}, false
	}
	return l.states[len(l.states)-1], true
}

func (l *recordingListener) errors() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.errs...)
}

func startGateway(t *testing.T, opts fakegateway.Options) string {
	t.Helper()
	fake := fakegateway.New(opts)
	srv := httptest.NewServer(fake.Handler())
	t.Cleanup(func() {
		fake.Close()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	cfg := config.Default(t.TempDir())
	cfg.Gateway.URL = url
	cfg.Storage.Backend = storage.BackendMemory
	c, err := newClient(&cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSendMessageUpdatesListener(t *testing.T) {
	t.Parallel()

	url := startGateway(t, fakegateway.Options{Reply: func(string) string { return "world" }})
	c := newTestClient(t, url)
	l := &recordingListener{}
	c.SetListener(l)

	require.NoError(t, c.Connect("", ""))
	turnID, err := c.SendMessage("hello")
	require.NoError(t, err)
	require.NotZero(t, turnID.Len())

	require.Eventually(t, func() bool {
		s, ok := l.last()
		if !ok || s.ConnectionState != gateway.StateConnected {
			return false
		}
		turn, ok := s.LastTurn()
		return ok && turn.State == ledger.StateComplete && turn.AssistantText == "world"
	}, 5*time.Second, 20*time.Millisecond)

	snap, err := c.SnapshotBuffer()
	require.NoError(t, err)
	require.Contains(t, snap.text(), `"connectionState":"connected"`)
}

func TestErrorsReachListener(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, "")
	l := &recordingListener{}
	c.SetListener(l)

	err := c.Connect("http://not-a-gateway", "")
	require.Error(t, err)

	_, err = c.SendMessage("   ")
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return len(l.errors()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	s, ok := l.last()
	require.True(t, ok)
	require.NotNil(t, s.Diagnostic)
}

func TestSessionOperations(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, "")

	key, err := c.CreateSessionBuffer("")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(key.text(), "chat-"))

	// Each operation holds the session lock until its preferences are
	// persisted, so the next one may be rejected briefly.
	settle := func(op func() error) {
		require.Eventually(t, func() bool { return op() == nil }, 2*time.Second, 5*time.Millisecond)
	}
	settle(func() error { return c.RenameSession(key.text(), "Groceries") })
	settle(func() error { return c.TogglePinned(key.text()) })
	settle(func() error { return c.SwitchSession("main") })
	require.NoError(t, c.DismissBanner(controller.BannerSend))

	var snap controller.Snapshot
	buf, err := c.SnapshotBuffer()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(buf.text()), &snap))
	require.Equal(t, "main", snap.SessionKey)

	var found bool
	for _, e := range snap.Sessions {
		if e.Key == key.text() {
			found = true
			require.Equal(t, "Groceries", e.Alias)
			require.True(t, e.Pinned)
		}
	}
	require.True(t, found)
}

func TestClientSerializesConcurrentCalls(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, "")
	l := &recordingListener{}

	const goroutines = 20
	const iterations = 10

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(g int) {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				c.SetListener(l)
				_, _ = c.SnapshotBuffer()
				_ = c.RenameSession("main", "alias")
				c.SetDebug((g+i)%2 == 0)
				_ = c.LogTailBuffer()
			}
		}(g)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("concurrent calls did not finish")
	}
}

func TestCloseIsFinal(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, "")
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	require.ErrorIs(t, c.RefreshHistory(), errDispatcherClosed)
}

func TestNewClientUsesHomeDir(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.WriteFile(home+"/"+config.FileName, []byte("storage:\n  backend: sqlite\n"), 0o600))

	c, err := NewClient(home)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.Equal(t, home, c.app.Config.Home)

	uri, err := c.PairingURIBuffer()
	require.NoError(t, err)
	require.NotZero(t, uri.Len())
}
