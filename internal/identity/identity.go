// Package identity manages this device's keypair and the checks done on the
// gateway token before connecting.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"

	"github.com/bhandras/gatewaykit/internal/gateway"
	"github.com/pkg/errors"
)

// Identity is the device keypair. The device id is derived from the public
// key so it survives reinstalls only when the key does.
type Identity struct {
	DeviceID   string
	PublicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
}

var _ gateway.Signer = (*Identity)(nil)

// Generate creates a fresh identity.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate device key")
	}
	return fromKeys(pub, priv), nil
}

// FromSeed rebuilds an identity from its 32-byte private seed.
func FromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, errors.Errorf("invalid seed length: %d (expected %d)", len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return fromKeys(priv.Public().(ed25519.PublicKey), priv), nil
}

func fromKeys(pub ed25519.PublicKey, priv ed25519.PrivateKey) *Identity {
	sum := sha256.Sum256(pub)
	return &Identity{
		DeviceID:   hex.EncodeToString(sum[:]),
		PublicKey:  pub,
		privateKey: priv,
	}
}

// Seed returns the private seed for persistence.
func (i *Identity) Seed() []byte {
	return i.privateKey.Seed()
}

// PublicKeyString is the base64url (unpadded) public key.
func (i *Identity) PublicKeyString() string {
	return base64.RawURLEncoding.EncodeToString(i.PublicKey)
}

// SignChallenge implements gateway.Signer.
func (i *Identity) SignChallenge(nonce, token string, signedAtMs int64) (gateway.DeviceAuth, error) {
	if i == nil || len(i.privateKey) == 0 {
		return gateway.DeviceAuth{}, errors.New("identity not initialized")
	}
	msg := challengePayload(i.DeviceID, nonce, token, signedAtMs)
	sig := ed25519.Sign(i.privateKey, msg)
	return gateway.DeviceAuth{
		ID:        i.DeviceID,
		PublicKey: i.PublicKeyString(),
		Signature: base64.RawURLEncoding.EncodeToString(sig),
		SignedAt:  signedAtMs,
		Nonce:     nonce,
	}, nil
}

// VerifyChallenge checks a DeviceAuth produced by SignChallenge. Gateways and
// test fakes use it.
func VerifyChallenge(auth gateway.DeviceAuth, token string) error {
	pub, err := base64.RawURLEncoding.DecodeString(auth.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return errors.New("invalid device public key")
	}
	sum := sha256.Sum256(pub)
	if hex.EncodeToString(sum[:]) != auth.ID {
		return errors.New("device id does not match public key")
	}
	sig, err := base64.RawURLEncoding.DecodeString(auth.Signature)
	if err != nil {
		return errors.New("invalid device signature encoding")
	}
	if !ed25519.Verify(pub, challengePayload(auth.ID, auth.Nonce, token, auth.SignedAt), sig) {
		return errors.New("device signature mismatch")
	}
	return nil
}

func challengePayload(deviceID, nonce, token string, signedAtMs int64) []byte {
	return []byte(fmt.Sprintf("v2|%s|%s|%d|%s", deviceID, nonce, signedAtMs, token))
}

// PairingURI encodes the device for a pairing QR code.
func (i *Identity) PairingURI(gatewayURL string) string {
	q := url.Values{}
	q.Set("device", i.DeviceID)
	q.Set("key", i.PublicKeyString())
	if gatewayURL != "" {
		q.Set("gateway", gatewayURL)
	}
	return "gatewaykit://pair?" + q.Encode()
}
