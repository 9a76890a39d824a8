package gateway

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		raw      string
		wantText string
		wantStop string
	}{
		{name: "empty", raw: ``},
		{name: "null", raw: `null`},
		{name: "string", raw: `"hello"`, wantText: "hello"},
		{
			name:     "blocks skip non-text",
			raw:      `[{"type":"text","text":"a"},{"type":"image","text":"x"},{"type":"text","text":"b"}]`,
			wantText: "a\nb",
		},
		{
			name:     "object with blocks and stop reason",
			raw:      `{"role":"assistant","content":[{"type":"text","text":"hi"}],"stopReason":"max_tokens"}`,
			wantText: "hi",
			wantStop: "max_tokens",
		},
		{name: "object with flat text", raw: `{"text":"flat"}`, wantText: "flat"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			text, stop := ExtractText(json.RawMessage(tc.raw))
			require.Equal(t, tc.wantText, text)
			require.Equal(t, tc.wantStop, stop)
		})
	}
}

func TestDecodeChatEvent(t *testing.T) {
	t.Parallel()

	ev, err := DecodeChatEvent(json.RawMessage(`{
		"runId":"r1","sessionKey":"main","seq":3,"state":" Final ",
		"message":{"content":[{"type":"text","text":"world"}]},
		"stopReason":"end_turn"
	}`))
	require.NoError(t, err)
	require.Equal(t, ChatEvent{
		RunID:      "r1",
		SessionKey: "main",
		Seq:        3,
		State:      "final",
		Text:       "world",
		StopReason: "end_turn",
	}, ev)

	_, err = DecodeChatEvent(json.RawMessage(`[`))
	require.Error(t, err)
}

func TestDecodeHistory(t *testing.T) {
	t.Parallel()

	h, err := DecodeHistory(json.RawMessage(`{
		"sessionKey":"main",
		"messages":[
			{"role":"User","content":"hello","timestamp":1},
			{"role":"assistant","content":[{"type":"text","text":"hi"}],"status":"delta","runId":"r1"}
		]
	}`))
	require.NoError(t, err)
	require.Equal(t, "main", h.SessionKey)
	require.Len(t, h.Messages, 2)
	require.Equal(t, "user", h.Messages[0].Role)
	require.Equal(t, "hello", h.Messages[0].Text)
	require.Equal(t, "delta", h.Messages[1].Status)
	require.Equal(t, "r1", h.Messages[1].RunID)
}

func TestDecodeSessions(t *testing.T) {
	t.Parallel()

	wrapped, err := DecodeSessions(json.RawMessage(`{"sessions":[{"key":"main","displayName":"Main","updatedAt":5},{"key":" "}]}`))
	require.NoError(t, err)
	require.Equal(t, []SessionInfo{{Key: "main", Label: "Main", UpdatedAt: 5}}, wrapped)

	bare, err := DecodeSessions(json.RawMessage(`[{"key":"a","label":"A"}]`))
	require.NoError(t, err)
	require.Equal(t, []SessionInfo{{Key: "a", Label: "A"}}, bare)
}
