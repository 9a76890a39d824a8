package gateway

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// ChatEvent is one streamed update for a run.
type ChatEvent struct {
	RunID        string `json:"runId"`
	SessionKey   string `json:"sessionKey,omitempty"`
	Seq          int64  `json:"seq,omitempty"`
	State        string `json:"state"`
	Text         string `json:"text,omitempty"`
	StopReason   string `json:"stopReason,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// HistoryMessage is one transcript entry returned by chat.history.
type HistoryMessage struct {
	ID           string `json:"id,omitempty"`
	Role         string `json:"role"`
	Text         string `json:"text"`
	Status       string `json:"status,omitempty"`
	RunID        string `json:"runId,omitempty"`
	StopReason   string `json:"stopReason,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	Timestamp    int64  `json:"timestamp,omitempty"`
}

// History is a chat.history result.
type History struct {
	SessionKey string           `json:"sessionKey"`
	Messages   []HistoryMessage `json:"messages"`
}

// SessionInfo is one sessions.list entry.
type SessionInfo struct {
	Key       string `json:"key"`
	Label     string `json:"label,omitempty"`
	UpdatedAt int64  `json:"updatedAt,omitempty"`
}

type chatEventWire struct {
	RunID        string          `json:"runId"`
	SessionKey   string          `json:"sessionKey"`
	Seq          int64           `json:"seq"`
	State        string          `json:"state"`
	Message      json.RawMessage `json:"message"`
	Text         string          `json:"text"`
	StopReason   string          `json:"stopReason"`
	ErrorMessage string          `json:"errorMessage"`
}

// DecodeChatEvent decodes a "chat" event payload.
func DecodeChatEvent(raw json.RawMessage) (ChatEvent, error) {
	var w chatEventWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return ChatEvent{}, errors.Wrap(err, "decode chat event")
	}
	text, stop := ExtractText(w.Message)
	if text == "" {
		text = w.Text
	}
	if w.StopReason != "" {
		stop = w.StopReason
	}
	return ChatEvent{
		RunID:        w.RunID,
		SessionKey:   w.SessionKey,
		Seq:          w.Seq,
		State:        strings.ToLower(strings.TrimSpace(w.State)),
		Text:         text,
		StopReason:   stop,
		ErrorMessage: w.ErrorMessage,
	}, nil
}

type historyMessageWire struct {
	ID           string          `json:"id"`
	Role         string          `json:"role"`
	Content      json.RawMessage `json:"content"`
	Text         string          `json:"text"`
	Status       string          `json:"status"`
	RunID        string          `json:"runId"`
	StopReason   string          `json:"stopReason"`
	ErrorMessage string          `json:"errorMessage"`
	Timestamp    int64           `json:"timestamp"`
}

type historyWire struct {
	SessionKey string               `json:"sessionKey"`
	Messages   []historyMessageWire `json:"messages"`
}

// DecodeHistory decodes a chat.history payload.
func DecodeHistory(raw json.RawMessage) (History, error) {
	var w historyWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return History{}, errors.Wrap(err, "decode history")
	}
	out := History{SessionKey: w.SessionKey, Messages: make([]HistoryMessage, 0, len(w.Messages))}
	for _, m := range w.Messages {
		text, stop := ExtractText(m.Content)
		if text == "" {
			text = m.Text
		}
		if m.StopReason != "" {
			stop = m.StopReason
		}
		out.Messages = append(out.Messages, HistoryMessage{
			ID:           m.ID,
			Role:         strings.ToLower(strings.TrimSpace(m.Role)),
			Text:         text,
			Status:       strings.ToLower(strings.TrimSpace(m.Status)),
			RunID:        m.RunID,
			StopReason:   stop,
			ErrorMessage: m.ErrorMessage,
			Timestamp:    m.Timestamp,
		})
	}
	return out, nil
}

type sessionWire struct {
	Key         string `json:"key"`
	Label       string `json:"label"`
	DisplayName string `json:"displayName"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// DecodeSessions decodes a sessions.list payload, either a bare array or an
// object with a "sessions" field.
func DecodeSessions(raw json.RawMessage) ([]SessionInfo, error) {
	raw = bytes.TrimSpace(raw)
	var list []sessionWire
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, errors.Wrap(err, "decode sessions")
		}
	} else {
		var wrapped struct {
			Sessions []sessionWire `json:"sessions"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, errors.Wrap(err, "decode sessions")
		}
		list = wrapped.Sessions
	}
	out := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		if strings.TrimSpace(s.Key) == "" {
			continue
		}
		label := s.Label
		if label == "" {
			label = s.DisplayName
		}
		out = append(out, SessionInfo{Key: s.Key, Label: label, UpdatedAt: s.UpdatedAt})
	}
	return out, nil
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type messageWire struct {
	Content    json.RawMessage `json:"content"`
	Text       string          `json:"text"`
	StopReason string          `json:"stopReason"`
}

// ExtractText pulls plain text out of a message payload. It accepts a JSON
// string, an array of content blocks, or an object carrying either under
// "content" (or a flat "text"). Non-text blocks are skipped.
func ExtractText(raw json.RawMessage) (text string, stopReason string) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", ""
	}
	switch raw[0] {
	case '"':
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s, ""
		}
	case '[':
		var blocks []contentBlock
		if json.Unmarshal(raw, &blocks) == nil {
			return joinTextBlocks(blocks), ""
		}
	case '{':
		var m messageWire
		if json.Unmarshal(raw, &m) == nil {
			inner, _ := ExtractText(m.Content)
			if inner == "" {
				inner = m.Text
			}
			return inner, m.StopReason
		}
	}
	return "", ""
}

func joinTextBlocks(blocks []contentBlock) string {
	var parts []string
	for _, b := range blocks {
		if b.Type != "" && b.Type != "text" {
			continue
		}
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
