// Package diagnostics validates gateway endpoints and turns connection
// failures into something a user can act on.
package diagnostics

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/url"
	"strings"

	"github.com/bhandras/gatewaykit/internal/gateway"
	"github.com/bhandras/gatewaykit/internal/identity"
	"github.com/pkg/errors"
)

// Kind is the failure class shown to the user.
type Kind string

const (
	KindNetwork    Kind = "network"
	KindTLS        Kind = "tls"
	KindAuth       Kind = "auth"
	KindPairing    Kind = "pairing"
	KindInvalidURL Kind = "invalid-url"
	KindUnknown    Kind = "unknown"
)

// Diagnostic explains a failed connection.
type Diagnostic struct {
	Kind        Kind   `json:"kind"`
	Summary     string `json:"summary"`
	Remediation string `json:"remediation"`
	// Detail is the underlying error text.
	Detail string `json:"detail,omitempty"`
}

var texts = map[Kind][2]string{
	KindNetwork: {
		"Could not reach the gateway.",
		"Check that the gateway is running and reachable from this device, then try again.",
	},
	KindTLS: {
		"The secure connection to the gateway failed.",
		"Verify the gateway certificate is valid for this host, or use ws:// on a trusted network.",
	},
	KindAuth: {
		"The gateway rejected the credentials.",
		"Update the gateway token and reconnect.",
	},
	KindPairing: {
		"This device is not paired with the gateway yet.",
		"Approve the pairing request on the gateway host, then reconnect.",
	},
	KindInvalidURL: {
		"The gateway address is not valid.",
		"Enter a ws:// or wss:// URL such as wss://gateway.example.com.",
	},
	KindUnknown: {
		"Connecting to the gateway failed.",
		"Try again. If the problem persists, check the gateway logs.",
	},
}

// New builds a Diagnostic of kind with the standard texts.
func New(kind Kind, detail string) Diagnostic {
	t, ok := texts[kind]
	if !ok {
		kind = KindUnknown
		t = texts[KindUnknown]
	}
	return Diagnostic{Kind: kind, Summary: t[0], Remediation: t[1], Detail: detail}
}

// ForPairing builds the pairing diagnostic, naming the request when known.
func ForPairing(requestID string) Diagnostic {
	d := New(KindPairing, "")
	if requestID != "" {
		d.Detail = "pairing request " + requestID
	}
	return d
}

// ValidateEndpoint parses raw and requires a ws or wss URL with a host.
func ValidateEndpoint(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("gateway URL is empty")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, errors.Wrap(err, "parse gateway URL")
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	default:
		return nil, errors.Errorf("unsupported scheme %q (want ws or wss)", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, errors.New("gateway URL has no host")
	}
	return u, nil
}

// Classify maps a connect failure onto a Diagnostic.
func Classify(err error) Diagnostic {
	if err == nil {
		return New(KindUnknown, "")
	}
	return New(classify(err), err.Error())
}

func classify(err error) Kind {
	switch gateway.CodeOf(err) {
	case gateway.CodePairingRequired, gateway.CodeNotPaired:
		return KindPairing
	case gateway.CodeUnauthorized, "AUTH_FAILED", "INVALID_TOKEN", "FORBIDDEN":
		return KindAuth
	case gateway.CodeTimeout, gateway.CodeDisconnected, gateway.CodeUnavailable:
		return KindNetwork
	}

	if errors.Is(err, identity.ErrTokenExpired) {
		return KindAuth
	}

	var (
		unknownAuthority x509.UnknownAuthorityError
		hostname         x509.HostnameError
		invalidCert      x509.CertificateInvalidError
		verifyErr        *tls.CertificateVerificationError
		recordErr        tls.RecordHeaderError
	)
	if errors.As(err, &unknownAuthority) || errors.As(err, &hostname) ||
		errors.As(err, &invalidCert) || errors.As(err, &verifyErr) ||
		errors.As(err, &recordErr) {
		return KindTLS
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && strings.Contains(urlErr.Err.Error(), "unsupported protocol scheme") {
		return KindInvalidURL
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "pairing required", "not paired", "device not approved", "pairing"):
		return KindPairing
	case containsAny(msg, "x509:", "tls:", "certificate", "handshake failure"):
		return KindTLS
	case containsAny(msg, "unauthorized", "401", "403", "forbidden", "invalid token", "auth failed", "authentication"):
		return KindAuth
	case containsAny(msg, "malformed ws or wss url", "bad scheme", "invalid url"):
		return KindInvalidURL
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	if containsAny(msg, "connection refused", "no such host", "network is unreachable",
		"connection reset", "i/o timeout", "timeout", "eof", "broken pipe", "host is down") {
		return KindNetwork
	}
	return KindUnknown
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
