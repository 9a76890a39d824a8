package gateway

import (
	"encoding/json"
	"sync"
)

// Hub fans transport observations out to subscribers. Transports embed it to
// satisfy the On* half of Transport.
type Hub struct {
	state Listeners[func(ConnectionState, error)]
	chat  Listeners[func(ChatEvent)]

	mu    sync.Mutex
	named map[string]*Listeners[func(json.RawMessage)]
}

// OnConnectionStateChange implements Transport.
func (h *Hub) OnConnectionStateChange(fn func(ConnectionState, error)) func() {
	return h.state.Add(fn)
}

// OnChatEvent implements Transport.
func (h *Hub) OnChatEvent(fn func(ChatEvent)) func() {
	return h.chat.Add(fn)
}

// OnEvent implements Transport.
func (h *Hub) OnEvent(name string, fn func(json.RawMessage)) func() {
	h.mu.Lock()
	if h.named == nil {
		h.named = make(map[string]*Listeners[func(json.RawMessage)])
	}
	l, ok := h.named[name]
	if !ok {
		l = &Listeners[func(json.RawMessage)]{}
		h.named[name] = l
	}
	h.mu.Unlock()
	return l.Add(fn)
}

// EmitState notifies connection state subscribers.
func (h *Hub) EmitState(state ConnectionState, err error) {
	h.state.Each(func(fn func(ConnectionState, error)) { fn(state, err) })
}

// EmitChat notifies chat event subscribers.
func (h *Hub) EmitChat(ev ChatEvent) {
	h.chat.Each(func(fn func(ChatEvent)) { fn(ev) })
}

// EmitEvent notifies subscribers of a named event. It reports whether anyone
// was listening.
func (h *Hub) EmitEvent(name string, payload json.RawMessage) bool {
	h.mu.Lock()
	l, ok := h.named[name]
	h.mu.Unlock()
	if !ok || l.Len() == 0 {
		return false
	}
	l.Each(func(fn func(json.RawMessage)) { fn(payload) })
	return true
}
