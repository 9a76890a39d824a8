package gateway

import "encoding/json"

// ProtocolVersion is the frame protocol spoken by the WebSocket transport.
const ProtocolVersion = 3

// Frame types.
const (
	FrameRequest  = "req"
	FrameResponse = "res"
	FrameEvent    = "event"
)

// Methods and events of the gateway protocol.
const (
	MethodConnect      = "connect"
	MethodChatSend     = "chat.send"
	MethodChatHistory  = "chat.history"
	MethodSessionsList = "sessions.list"
	MethodHealth       = "health"

	EventChallenge = "connect.challenge"
	EventChat      = "chat"
	EventTick      = "tick"

	// EventRelayReady is sent by Socket.IO relays once auth has passed.
	EventRelayReady = "relay.ready"
	// EventRelayError carries a *Error before a relay drops the socket.
	EventRelayError = "error"
)

// Frame is one protocol message in either direction.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Event   string          `json:"event,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// ChallengePayload is the connect.challenge event payload.
type ChallengePayload struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts"`
}

// ConnectParams are sent with the connect request.
type ConnectParams struct {
	MinProtocol int          `json:"minProtocol"`
	MaxProtocol int          `json:"maxProtocol"`
	Client      ClientInfo   `json:"client"`
	Auth        *ConnectAuth `json:"auth,omitempty"`
	Device      *DeviceAuth  `json:"device,omitempty"`
	Role        string       `json:"role"`
	Scopes      []string     `json:"scopes"`
	Caps        []string     `json:"caps"`
}

// ClientInfo identifies the connecting client.
type ClientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

// ConnectAuth carries the shared gateway token.
type ConnectAuth struct {
	Token string `json:"token,omitempty"`
}

// ChatSendParams are the chat.send request params.
type ChatSendParams struct {
	SessionKey     string       `json:"sessionKey"`
	Message        string       `json:"message"`
	IdempotencyKey string       `json:"idempotencyKey,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	TimeoutMs      int64        `json:"timeoutMs,omitempty"`
}

// ChatHistoryParams are the chat.history request params.
type ChatHistoryParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit,omitempty"`
}

// PairingPayload is the pairing.required event payload.
type PairingPayload struct {
	RequestID string `json:"requestId"`
	DeviceID  string `json:"deviceId,omitempty"`
}

// Bool returns a pointer to v, for Frame.OK.
func Bool(v bool) *bool { return &v }
