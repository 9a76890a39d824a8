package fakegateway

import (
	"encoding/json"
	"time"

	"github.com/bhandras/gatewaykit/internal/gateway"
	socket "github.com/zishang520/socket.io/servers/socket/v3"
	"github.com/zishang520/socket.io/v3/pkg/types"
)

// RelayPath is where the Socket.IO front is mounted.
const RelayPath = "/relay"

// relayMethods are answered through Socket.IO acks.
var relayMethods = []string{
	gateway.MethodChatSend,
	gateway.MethodChatHistory,
	gateway.MethodSessionsList,
	gateway.MethodHealth,
}

type relayAuth struct {
	Token      string `json:"token"`
	DeviceID   string `json:"deviceId"`
	ClientType string `json:"clientType"`
}

type relayPeer struct {
	sock *socket.Socket
}

func (p *relayPeer) sendEvent(name string, payload json.RawMessage) {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return
	}
	p.sock.Emit(name, v)
}

func (p *relayPeer) close() {
	p.sock.Disconnect(true)
}

func (s *Server) newRelay() *socket.Server {
	opts := socket.DefaultServerOptions()
	opts.SetCors(&types.Cors{
		Origin:      "*",
		Credentials: false,
	})
	opts.SetPingInterval(5 * time.Second)
	opts.SetPingTimeout(15 * time.Second)
	opts.SetPath(RelayPath)

	srv := socket.NewServer(nil, opts)
	srv.On("connection", func(clients ...any) {
		client, ok := clients[0].(*socket.Socket)
		if !ok {
			return
		}
		s.handleRelay(client)
	})
	return srv
}

func (s *Server) handleRelay(client *socket.Socket) {
	var auth relayAuth
	if raw, err := json.Marshal(client.Handshake().Auth); err == nil {
		_ = json.Unmarshal(raw, &auth)
	}

	reject := func(code, message string) {
		client.Emit(gateway.EventRelayError, gateway.NewError(code, message))
		client.Disconnect(true)
	}
	if s.opts.Token != "" && auth.Token != s.opts.Token {
		reject(gateway.CodeUnauthorized, "invalid token")
		return
	}
	if s.opts.RequirePairing {
		if auth.DeviceID == "" {
			reject(gateway.CodeNotPaired, "device id required")
			return
		}
		if ok, requestID := s.admitDevice(auth.DeviceID); !ok {
			client.Emit(gateway.EventPairingRequired, gateway.PairingPayload{RequestID: requestID, DeviceID: auth.DeviceID})
			reject(gateway.CodePairingRequired, "pairing request "+requestID)
			return
		}
	}

	p := &relayPeer{sock: client}
	s.addPeer(p)
	s.authorize(p)
	s.log.Debug().Str("socket", string(client.Id())).Str("clientType", auth.ClientType).Msg("relay client connected")

	for _, method := range relayMethods {
		client.On(method, func(data ...any) {
			arg, ack := firstWithAck(data)
			raw, _ := json.Marshal(arg)
			payload, after, gwErr := s.call(method, raw)
			if ack != nil {
				if gwErr != nil {
					ack(map[string]any{"ok": false, "error": gwErr})
				} else {
					ack(map[string]any{"ok": true, "payload": payload})
				}
			}
			if after != nil {
				go after()
			}
		})
	}

	client.On("disconnect", func(...any) {
		s.removePeer(p)
	})

	client.Emit(gateway.EventRelayReady, map[string]any{"protocol": gateway.ProtocolVersion})
}

// firstWithAck splits Socket.IO handler arguments into the first payload
// and the trailing ack callback, if any.
func firstWithAck(data []any) (any, func(...any)) {
	if len(data) == 0 {
		return nil, nil
	}
	var ack func(...any)
	switch cb := data[len(data)-1].(type) {
	case func(...any):
		ack = cb
		data = data[:len(data)-1]
	case socket.Ack:
		ack = func(args ...any) { cb(args, nil) }
		data = data[:len(data)-1]
	}
	if len(data) == 0 {
		return nil, ack
	}
	return data[0], ack
}
