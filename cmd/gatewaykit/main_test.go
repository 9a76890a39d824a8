package main

import (
	"bytes"
	"io"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bhandras/gatewaykit/internal/controller"
	"github.com/bhandras/gatewaykit/internal/diagnostics"
	"github.com/bhandras/gatewaykit/internal/gateway"
	"github.com/bhandras/gatewaykit/internal/gateway/fakegateway"
	"github.com/bhandras/gatewaykit/internal/ledger"
	"github.com/bhandras/gatewaykit/internal/recovery"
	"github.com/bhandras/gatewaykit/internal/sessions"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

// syncBuffer is a bytes.Buffer safe for a writer and a polling reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startGateway(t *testing.T) string {
	t.Helper()
	fake := fakegateway.New(fakegateway.Options{})
	srv := httptest.NewServer(fake.Handler())
	t.Cleanup(func() {
		fake.Close()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestVersionCmd(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	require.True(t, strings.HasPrefix(buf.String(), "gatewaykit 0.4.0-beta"))
}

func TestRootCmdListsSubcommands(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--help"})

	require.NoError(t, cmd.Execute())
	for _, sub := range []string{"chat", "send", "history", "sessions", "pair", "mock-gateway", "version"} {
		require.Contains(t, buf.String(), sub)
	}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		line     string
		wantName string
		wantArgs []string
		wantOK   bool
	}{
		{line: "hello", wantOK: false},
		{line: "/", wantOK: false},
		{line: "/quit", wantName: "quit", wantArgs: []string{}, wantOK: true},
		{line: "  /Rename main My Chat ", wantName: "rename", wantArgs: []string{"main", "My", "Chat"}, wantOK: true},
	}
	for _, tc := range tests {
		t.Run(tc.line, func(t *testing.T) {
			t.Parallel()
			name, args, ok := parseCommand(tc.line)
			require.Equal(t, tc.wantOK, ok)
			if !ok {
				return
			}
			require.Equal(t, tc.wantName, name)
			require.Equal(t, tc.wantArgs, args)
		})
	}
}

func TestFormatTurn(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		turn ledger.Turn
		want string
	}{
		{
			name: "complete",
			turn: ledger.Turn{UserText: "hi", AssistantText: "hello", State: ledger.StateComplete},
			want: "you: hi\nassistant: hello\n",
		},
		{
			name: "error without message",
			turn: ledger.Turn{UserText: "hi", State: ledger.StateError},
			want: "you: hi\nassistant [error]: failed\n",
		},
		{
			name: "streaming",
			turn: ledger.Turn{UserText: "hi", AssistantText: "hel", State: ledger.StateStreaming},
			want: "you: hi\nassistant [streaming]: hel\n",
		},
		{
			name: "queued",
			turn: ledger.Turn{UserText: "hi", State: ledger.StateQueued},
			want: "you: hi\nassistant [queued]\n",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, formatTurn(tc.turn))
		})
	}
}

func TestFormatSessionsAndBanners(t *testing.T) {
	t.Parallel()

	out := formatSessions([]sessions.Entry{
		{Key: "main", Current: true},
		{Key: "chat-1", Alias: "Groceries", Pinned: true, LocalOnly: true},
	})
	require.Equal(t, "* main\n  Groceries (chat-1) pinned local\n", out)
	require.Equal(t, "(no sessions)\n", formatSessions(nil))

	banners := formatBanners(controller.Snapshot{
		Diagnostic:     &diagnostics.Diagnostic{Kind: diagnostics.KindAuth, Summary: "Rejected."},
		SendError:      &controller.Banner{Kind: "duplicate-rapid", Message: "Message already sent"},
		SyncError:      "Refresh timed out",
		RecoveryNotice: &recovery.Notice{Message: recovery.ExhaustedMessage},
	})
	require.Equal(t, []string{
		"! Rejected.",
		"! send: Message already sent",
		"! sync: Refresh timed out",
		"! " + recovery.ExhaustedMessage + " (/retry)",
	}, banners)
}

func TestRendererPrintsEachReplyOnce(t *testing.T) {
	t.Parallel()

	buf := new(bytes.Buffer)
	r := newRenderer(buf)
	done := ledger.Turn{ID: "t1", UserText: "hi", AssistantText: "hello", State: ledger.StateComplete}

	r.render(controller.Snapshot{ConnectionState: gateway.StateConnected, SessionKey: "main"})
	r.render(controller.Snapshot{
		ConnectionState: gateway.StateConnected,
		SessionKey:      "main",
		Turns:           []ledger.Turn{{ID: "t1", UserText: "hi", State: ledger.StateSending}},
	})
	r.render(controller.Snapshot{ConnectionState: gateway.StateConnected, SessionKey: "main", Turns: []ledger.Turn{done}})

	// A history rebuild renames the turn.
	rebuilt := done
	rebuilt.ID = "h:a1"
	r.render(controller.Snapshot{ConnectionState: gateway.StateConnected, SessionKey: "main", Turns: []ledger.Turn{rebuilt}})

	require.Equal(t, "[connected]\n[session main]\nassistant: hello\n", buf.String())
}

func TestSendCmdAgainstMockGateway(t *testing.T) {
	t.Setenv("GATEWAYKIT_HOME", t.TempDir())
	url := startGateway(t)

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"send", "--url", url, "--storage", "memory", "--wait", "10s", "hello", "there"})

	require.NoError(t, cmd.Execute())
	require.Contains(t, buf.String(), "assistant: echo: hello there")
}

func TestSendCmdReportsInvalidURL(t *testing.T) {
	t.Setenv("GATEWAYKIT_HOME", t.TempDir())

	cmd := newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetArgs([]string{"send", "--url", "http://example.com", "--storage", "memory", "hi"})

	err := cmd.Execute()
	require.Error(t, err)
	require.Contains(t, err.Error(), string(diagnostics.KindInvalidURL))
}

func TestChatCmdRoundTrip(t *testing.T) {
	t.Setenv("GATEWAYKIT_HOME", t.TempDir())
	url := startGateway(t)

	in, feed := io.Pipe()
	out := &syncBuffer{}
	cmd := newRootCmd()
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetArgs([]string{"chat", "--url", url, "--storage", "memory"})

	errCh := make(chan error, 1)
	go func() { errCh <- cmd.Execute() }()

	_, err := io.WriteString(feed, "hi\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "assistant: echo: hi")
	}, 10*time.Second, 20*time.Millisecond)

	_, err = io.WriteString(feed, "/new project-a\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "[session project-a]")
	}, 5*time.Second, 20*time.Millisecond)

	_, err = io.WriteString(feed, "/quit\n")
	require.NoError(t, err)
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("chat did not exit")
	}
	require.NoError(t, feed.Close())
}
