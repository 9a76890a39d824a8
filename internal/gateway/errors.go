package gateway

import (
	"context"
	"net"
	"strings"

	"github.com/pkg/errors"
)

// Error codes used by gateways and by the transports themselves.
const (
	CodeUnauthorized    = "UNAUTHORIZED"
	CodePairingRequired = "PAIRING_REQUIRED"
	CodeNotPaired       = "NOT_PAIRED"
	CodeDisconnected    = "DISCONNECTED"
	CodeNotConnected    = "NOT_CONNECTED"
	CodeTimeout         = "TIMEOUT"
	CodeUnavailable     = "UNAVAILABLE"
	CodeInvalidRequest  = "INVALID_REQUEST"
)

// Error is a structured rejection from the gateway or the transport.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements error.
func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// ErrNotConnected is returned by requests issued without a live connection.
var ErrNotConnected = &Error{Code: CodeNotConnected, Message: "not connected to gateway"}

// NewError builds an *Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// CodeOf returns the gateway error code in err's chain, or "".
func CodeOf(err error) string {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return strings.ToUpper(gwErr.Code)
	}
	return ""
}

// IsRetryable reports whether a failed request may succeed if repeated later
// with the same idempotency key.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case CodeDisconnected, CodeNotConnected, CodeTimeout, CodeUnavailable:
		return true
	case "":
	default:
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
