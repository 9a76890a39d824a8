// Package fakegateway is an in-process gateway. It speaks the v3 frame
// protocol on /ws and the same methods over Socket.IO on RelayPath.
// Transport tests and the mock-gateway command run against it.
package fakegateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/bhandras/gatewaykit/internal/gateway"
	"github.com/bhandras/gatewaykit/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	socket "github.com/zishang520/socket.io/servers/socket/v3"
)

// Options configures the fake.
type Options struct {
	// Token is the shared gateway token. Empty accepts any token.
	Token string
	// RequirePairing rejects devices until Approve is called for them.
	RequirePairing bool
	// Reply produces the assistant text for a user message.
	Reply func(message string) string
	// ChunkRunes is the number of runes added per streamed delta.
	ChunkRunes int
	// ChunkDelay is the pause between deltas.
	ChunkDelay time.Duration
	// DropFinal records the reply in the transcript without emitting the
	// final chat event.
	DropFinal bool
}

func (o Options) withDefaults() Options {
	if o.Reply == nil {
		o.Reply = func(message string) string { return "echo: " + message }
	}
	if o.ChunkRunes <= 0 {
		o.ChunkRunes = 4
	}
	return o
}

// peer is one client of either front.
type peer interface {
	sendEvent(name string, payload json.RawMessage)
	close()
}

type session struct {
	messages  []gateway.HistoryMessage
	updatedAt int64
}

// Server is the fake gateway.
type Server struct {
	opts     Options
	upgrader websocket.Upgrader
	relay    *socket.Server
	router   *gin.Engine
	log      zerolog.Logger

	mu sync.Mutex
	// peers maps connected clients to whether they passed auth.
	peers    map[peer]bool
	approved map[string]bool
	// pendingPairs maps pairing request ids to device ids.
	pendingPairs map[string]string
	runs         map[string]string
	sessions     map[string]*session
	seq          int64
	sendCount    int
}

// New builds a fake gateway.
func New(opts Options) *Server {
	s := &Server{
		opts: opts.withDefaults(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log:          logger.Component("fakegateway"),
		peers:        make(map[peer]bool),
		approved:     make(map[string]bool),
		pendingPairs: make(map[string]string),
		runs:         make(map[string]string),
		sessions:     make(map[string]*session),
	}
	s.relay = s.newRelay()

	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/ws", s.authMiddleware(), s.handleWS)

	relay := gin.WrapH(s.relay.ServeHandler(nil))
	r.Any(RelayPath, relay)
	r.Any(RelayPath+"/*any", relay)

	s.router = r
	return s
}

// Handler exposes the HTTP routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close drops every client and stops the Socket.IO front.
func (s *Server) Close() {
	s.DropConnections()
	s.relay.Close(nil)
}

// ListenAndServe serves on addr until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "listen")
	case <-ctx.Done():
	}
	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) addPeer(p peer) {
	s.mu.Lock()
	s.peers[p] = false
	s.mu.Unlock()
}

func (s *Server) authorize(p peer) {
	s.mu.Lock()
	if _, ok := s.peers[p]; ok {
		s.peers[p] = true
	}
	s.mu.Unlock()
}

func (s *Server) authorized(p peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peers[p]
}

func (s *Server) removePeer(p peer) {
	s.mu.Lock()
	delete(s.peers, p)
	s.mu.Unlock()
}

// admitDevice reports whether deviceID may connect. Unknown devices get a
// pairing request id.
func (s *Server) admitDevice(deviceID string) (ok bool, requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.approved[deviceID] {
		return true, ""
	}
	for id, dev := range s.pendingPairs {
		if dev == deviceID {
			return false, id
		}
	}
	requestID = uuid.NewString()[:8]
	s.pendingPairs[requestID] = deviceID
	s.log.Info().Str("device", deviceID).Str("request", requestID).Msg("pairing required")
	return false, requestID
}

// call runs one method for an authenticated client. after, when set, runs
// once the response has been written.
func (s *Server) call(method string, raw json.RawMessage) (payload any, after func(), err *gateway.Error) {
	switch method {
	case gateway.MethodChatSend:
		return s.chatSend(raw)

	case gateway.MethodChatHistory:
		var params gateway.ChatHistoryParams
		if json.Unmarshal(raw, &params) != nil || params.SessionKey == "" {
			return nil, nil, gateway.NewError(gateway.CodeInvalidRequest, "sessionKey required")
		}
		msgs := s.Transcript(params.SessionKey)
		if params.Limit > 0 && len(msgs) > params.Limit {
			msgs = msgs[len(msgs)-params.Limit:]
		}
		return map[string]any{
			"sessionKey": params.SessionKey,
			"messages":   historyWire(msgs),
		}, nil, nil

	case gateway.MethodSessionsList:
		return map[string]any{"sessions": s.sessionList()}, nil, nil

	case gateway.MethodHealth:
		return map[string]any{"ok": true, "ts": time.Now().UnixMilli()}, nil, nil

	default:
		return nil, nil, gateway.NewError(gateway.CodeInvalidRequest, "unknown method "+method)
	}
}

func (s *Server) chatSend(raw json.RawMessage) (any, func(), *gateway.Error) {
	var params gateway.ChatSendParams
	if json.Unmarshal(raw, &params) != nil || params.SessionKey == "" {
		return nil, nil, gateway.NewError(gateway.CodeInvalidRequest, "sessionKey required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if params.IdempotencyKey != "" {
		if runID, ok := s.runs[params.IdempotencyKey]; ok {
			return gateway.SendResult{RunID: runID, Status: "in_flight"}, nil, nil
		}
	}
	s.sendCount++
	runID := "run-" + uuid.NewString()[:8]
	if params.IdempotencyKey != "" {
		s.runs[params.IdempotencyKey] = runID
	}
	now := time.Now().UnixMilli()
	sess := s.sessionLocked(params.SessionKey)
	sess.messages = append(sess.messages, gateway.HistoryMessage{
		ID:        uuid.NewString(),
		Role:      "user",
		Text:      params.Message,
		RunID:     runID,
		Timestamp: now,
	})
	sess.updatedAt = now

	reply := s.opts.Reply(params.Message)
	return gateway.SendResult{RunID: runID, Status: "started"}, func() {
		s.stream(params.SessionKey, runID, reply)
	}, nil
}

// stream emits cumulative deltas, then records the reply and emits final.
func (s *Server) stream(sessionKey, runID, reply string) {
	runes := []rune(reply)
	for n := s.opts.ChunkRunes; n < len(runes); n += s.opts.ChunkRunes {
		s.broadcastChat(sessionKey, runID, "delta", string(runes[:n]))
		if s.opts.ChunkDelay > 0 {
			time.Sleep(s.opts.ChunkDelay)
		}
	}

	s.mu.Lock()
	sess := s.sessionLocked(sessionKey)
	now := time.Now().UnixMilli()
	sess.messages = append(sess.messages, gateway.HistoryMessage{
		ID:         uuid.NewString(),
		Role:       "assistant",
		Text:       reply,
		RunID:      runID,
		StopReason: "end_turn",
		Timestamp:  now,
	})
	sess.updatedAt = now
	s.mu.Unlock()

	if s.opts.DropFinal {
		return
	}
	s.broadcastChat(sessionKey, runID, "final", reply)
}

func (s *Server) broadcastChat(sessionKey, runID, state, text string) {
	s.mu.Lock()
	s.seq++
	ev := map[string]any{
		"runId":      runID,
		"sessionKey": sessionKey,
		"seq":        s.seq,
		"state":      state,
		"message": map[string]any{
			"role":    "assistant",
			"content": []map[string]string{{"type": "text", "text": text}},
		},
	}
	if state == "final" {
		ev["stopReason"] = "end_turn"
	}
	targets := make([]peer, 0, len(s.peers))
	for p, authed := range s.peers {
		if authed {
			targets = append(targets, p)
		}
	}
	s.mu.Unlock()

	payload, _ := json.Marshal(ev)
	for _, p := range targets {
		p.sendEvent(gateway.EventChat, payload)
	}
}

func (s *Server) sessionLocked(key string) *session {
	sess, ok := s.sessions[key]
	if !ok {
		sess = &session{}
		s.sessions[key] = sess
	}
	return sess
}

func (s *Server) sessionList() []gateway.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]gateway.SessionInfo, 0, len(s.sessions))
	for key, sess := range s.sessions {
		out = append(out, gateway.SessionInfo{Key: key, UpdatedAt: sess.updatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Seed appends messages to a session transcript.
func (s *Server) Seed(sessionKey string, msgs ...gateway.HistoryMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessionLocked(sessionKey)
	sess.messages = append(sess.messages, msgs...)
	for _, m := range msgs {
		if m.Timestamp > sess.updatedAt {
			sess.updatedAt = m.Timestamp
		}
	}
}

// Transcript returns a copy of a session transcript.
func (s *Server) Transcript(sessionKey string) []gateway.HistoryMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionKey]
	if !ok {
		return nil
	}
	return append([]gateway.HistoryMessage(nil), sess.messages...)
}

// SendCount is the number of chat.send requests that started a run.
func (s *Server) SendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendCount
}

// PendingPairings returns outstanding pairing request ids.
func (s *Server) PendingPairings() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.pendingPairs))
	for id := range s.pendingPairs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Approve accepts the device behind a pairing request.
func (s *Server) Approve(requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	deviceID, ok := s.pendingPairs[requestID]
	if !ok {
		return errors.Errorf("unknown pairing request %q", requestID)
	}
	delete(s.pendingPairs, requestID)
	s.approved[deviceID] = true
	return nil
}

// DropConnections closes every open client connection abruptly.
func (s *Server) DropConnections() {
	s.mu.Lock()
	targets := make([]peer, 0, len(s.peers))
	for p := range s.peers {
		targets = append(targets, p)
	}
	s.mu.Unlock()
	for _, p := range targets {
		p.close()
	}
}

// historyWire renders assistant text as content blocks, the way real
// gateways do.
func historyWire(msgs []gateway.HistoryMessage) []map[string]any {
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		entry := map[string]any{
			"id":        m.ID,
			"role":      m.Role,
			"runId":     m.RunID,
			"timestamp": m.Timestamp,
		}
		if m.Role == "assistant" {
			entry["content"] = []map[string]string{{"type": "text", "text": m.Text}}
		} else {
			entry["text"] = m.Text
		}
		if m.StopReason != "" {
			entry["stopReason"] = m.StopReason
		}
		if m.Status != "" {
			entry["status"] = m.Status
		}
		out = append(out, entry)
	}
	return out
}
