// Package gateway defines the contract between the controller and a gateway
// connection, plus the wire types both transports decode into.
package gateway

import (
	"context"
	"encoding/json"
	"time"
)

// ConnectionState is the lifecycle of the gateway link.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// EventPairingRequired is emitted when the gateway refuses this device until
// an operator approves it.
const EventPairingRequired = "pairing.required"

// DeviceAuth is the signed device block presented during the handshake.
type DeviceAuth struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signedAt"`
	Nonce     string `json:"nonce,omitempty"`
}

// Signer produces a DeviceAuth for a handshake challenge.
type Signer interface {
	SignChallenge(nonce, token string, signedAtMs int64) (DeviceAuth, error)
}

// ConnectOptions configures a single connect attempt.
type ConnectOptions struct {
	URL        string
	Token      string
	SessionKey string
	// Signer is optional; gateways that do not require device identity skip
	// the device block.
	Signer  Signer
	Timeout time.Duration
}

// Attachment is an inline file sent alongside a chat message.
type Attachment struct {
	Type     string `json:"type"`
	MimeType string `json:"mimeType,omitempty"`
	FileName string `json:"fileName,omitempty"`
	// Content is base64 encoded.
	Content string `json:"content"`
}

// SendOptions are per-call options for ChatSend.
type SendOptions struct {
	IdempotencyKey string
	Timeout        time.Duration
	Attachments    []Attachment
}

// SendResult is the gateway's acknowledgement of a dispatched message.
type SendResult struct {
	RunID  string `json:"runId"`
	Status string `json:"status,omitempty"`
}

// Transport is a connection to a gateway.
//
// Implementations are safe for concurrent use. Callbacks are invoked from
// transport goroutines and must not block.
type Transport interface {
	Connect(ctx context.Context, opts ConnectOptions) error
	Disconnect() error

	ChatSend(ctx context.Context, sessionKey, message string, opts SendOptions) (SendResult, error)
	ChatHistory(ctx context.Context, sessionKey string, limit int) (History, error)
	SessionsList(ctx context.Context) ([]SessionInfo, error)
	Health(ctx context.Context, timeout time.Duration) (bool, error)

	OnConnectionStateChange(fn func(state ConnectionState, err error)) (unsubscribe func())
	OnChatEvent(fn func(ev ChatEvent)) (unsubscribe func())
	OnEvent(name string, fn func(payload json.RawMessage)) (unsubscribe func())
}
