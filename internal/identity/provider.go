package identity

import (
	"encoding/base64"
	"encoding/json"
	"sync"

	"github.com/bhandras/gatewaykit/internal/gateway"
	"github.com/bhandras/gatewaykit/internal/storage"
	"github.com/pkg/errors"
)

type persisted struct {
	Version  int    `json:"version"`
	DeviceID string `json:"deviceId"`
	Seed     string `json:"seed"`
}

// Provider hands out the device identity, loading or creating it on first
// use. The store is injected so tests and platforms choose where the key
// lives.
type Provider struct {
	store storage.Store

	mu  sync.Mutex
	cur *Identity
}

var _ gateway.Signer = (*Provider)(nil)

// NewProvider returns a Provider backed by store.
func NewProvider(store storage.Store) *Provider {
	return &Provider{store: store}
}

// Get returns the identity, creating and persisting one if the store has
// none.
func (p *Provider) Get() (*Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cur != nil {
		return p.cur, nil
	}
	if p.store == nil {
		return nil, errors.New("identity provider has no store")
	}

	data, ok, err := p.store.Load(storage.KeyDeviceIdentity)
	if err != nil {
		return nil, errors.Wrap(err, "load device identity")
	}
	if ok {
		id, err := decode(data)
		if err != nil {
			return nil, err
		}
		p.cur = id
		return id, nil
	}

	id, err := Generate()
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(persisted{
		Version:  1,
		DeviceID: id.DeviceID,
		Seed:     base64.StdEncoding.EncodeToString(id.Seed()),
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode device identity")
	}
	if err := p.store.Save(storage.KeyDeviceIdentity, raw); err != nil {
		return nil, errors.Wrap(err, "save device identity")
	}
	p.cur = id
	return id, nil
}

// SignChallenge implements gateway.Signer, initializing the identity if
// needed.
func (p *Provider) SignChallenge(nonce, token string, signedAtMs int64) (gateway.DeviceAuth, error) {
	id, err := p.Get()
	if err != nil {
		return gateway.DeviceAuth{}, err
	}
	return id.SignChallenge(nonce, token, signedAtMs)
}

func decode(data []byte) (*Identity, error) {
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(err, "decode device identity")
	}
	seed, err := base64.StdEncoding.DecodeString(p.Seed)
	if err != nil {
		return nil, errors.Wrap(err, "decode device seed")
	}
	id, err := FromSeed(seed)
	if err != nil {
		return nil, err
	}
	if p.DeviceID != "" && p.DeviceID != id.DeviceID {
		return nil, errors.New("stored device id does not match its key")
	}
	return id, nil
}
