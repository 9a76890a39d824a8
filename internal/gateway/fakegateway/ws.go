package fakegateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bhandras/gatewaykit/internal/gateway"
	"github.com/bhandras/gatewaykit/internal/identity"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type wsPeer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (p *wsPeer) send(f gateway.Frame) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteJSON(f)
}

func (p *wsPeer) sendEvent(name string, payload json.RawMessage) {
	_ = p.send(gateway.Frame{Type: gateway.FrameEvent, Event: name, Payload: payload})
}

func (p *wsPeer) close() {
	_ = p.conn.Close()
}

// authMiddleware rejects a wrong bearer token before the upgrade. Clients
// that send no header are checked during the connect request instead.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" || s.opts.Token == "" {
			c.Next()
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")
		if token == header || token != s.opts.Token {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	p := &wsPeer{conn: conn}
	s.addPeer(p)
	defer func() {
		s.removePeer(p)
		_ = conn.Close()
	}()

	nonce := uuid.NewString()
	challenge, _ := json.Marshal(gateway.ChallengePayload{Nonce: nonce, TS: time.Now().UnixMilli()})
	p.sendEvent(gateway.EventChallenge, challenge)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f gateway.Frame
		if err := json.Unmarshal(msg, &f); err != nil || f.Type != gateway.FrameRequest {
			continue
		}

		if f.Method == gateway.MethodConnect {
			if !s.handleConnect(p, f, nonce) {
				return
			}
			continue
		}
		if !s.authorized(p) {
			_ = p.send(errorFrame(f.ID, gateway.CodeUnauthorized, "connect first"))
			continue
		}

		payload, after, gwErr := s.call(f.Method, f.Params)
		if gwErr != nil {
			_ = p.send(errorFrame(f.ID, gwErr.Code, gwErr.Message))
			continue
		}
		_ = p.send(okFrame(f.ID, payload))
		if after != nil {
			go after()
		}
	}
}

// handleConnect answers the connect request. It reports whether the
// connection may stay open.
func (s *Server) handleConnect(p *wsPeer, f gateway.Frame, nonce string) bool {
	var params gateway.ConnectParams
	if err := json.Unmarshal(f.Params, &params); err != nil {
		_ = p.send(errorFrame(f.ID, gateway.CodeInvalidRequest, "bad connect params"))
		return false
	}
	if params.MaxProtocol < gateway.ProtocolVersion || params.MinProtocol > gateway.ProtocolVersion {
		_ = p.send(errorFrame(f.ID, gateway.CodeInvalidRequest, "unsupported protocol"))
		return false
	}
	token := ""
	if params.Auth != nil {
		token = params.Auth.Token
	}
	if s.opts.Token != "" && token != s.opts.Token {
		_ = p.send(errorFrame(f.ID, gateway.CodeUnauthorized, "invalid token"))
		return false
	}

	if s.opts.RequirePairing {
		if params.Device == nil {
			_ = p.send(errorFrame(f.ID, gateway.CodeNotPaired, "device identity required"))
			return false
		}
		if params.Device.Nonce != nonce {
			_ = p.send(errorFrame(f.ID, gateway.CodeUnauthorized, "stale challenge"))
			return false
		}
		if err := identity.VerifyChallenge(*params.Device, token); err != nil {
			_ = p.send(errorFrame(f.ID, gateway.CodeUnauthorized, err.Error()))
			return false
		}
		if ok, requestID := s.admitDevice(params.Device.ID); !ok {
			payload, _ := json.Marshal(gateway.PairingPayload{RequestID: requestID, DeviceID: params.Device.ID})
			p.sendEvent(gateway.EventPairingRequired, payload)
			_ = p.send(errorFrame(f.ID, gateway.CodePairingRequired, "pairing request "+requestID))
			return false
		}
	}

	s.authorize(p)
	_ = p.send(okFrame(f.ID, map[string]any{
		"protocol": gateway.ProtocolVersion,
		"server":   map[string]string{"name": "fakegateway"},
	}))
	s.log.Debug().Str("client", params.Client.ID).Msg("client connected")
	return true
}

func okFrame(id string, payload any) gateway.Frame {
	raw, _ := json.Marshal(payload)
	return gateway.Frame{Type: gateway.FrameResponse, ID: id, OK: gateway.Bool(true), Payload: raw}
}

func errorFrame(id, code, message string) gateway.Frame {
	return gateway.Frame{
		Type:  gateway.FrameResponse,
		ID:    id,
		OK:    gateway.Bool(false),
		Error: gateway.NewError(code, message),
	}
}
