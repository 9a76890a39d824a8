// Package sessions merges the gateway's session list with the device-local
// preference overlay (aliases and pins).
package sessions

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/bhandras/gatewaykit/internal/gateway"
	"github.com/pkg/errors"
)

// DefaultSessionKey is used until the user picks another session.
const DefaultSessionKey = "main"

// Preference is the local overlay for one session.
type Preference struct {
	Alias     string `json:"alias,omitempty"`
	Pinned    bool   `json:"pinned,omitempty"`
	CreatedAt int64  `json:"createdAt,omitempty"`
}

// Preferences is the persisted overlay for every known session.
type Preferences struct {
	Entries        map[string]Preference `json:"entries"`
	LastSessionKey string                `json:"lastSessionKey,omitempty"`
}

// NewPreferences returns an empty overlay.
func NewPreferences() Preferences {
	return Preferences{Entries: make(map[string]Preference)}
}

// Clone returns an independent copy.
func (p Preferences) Clone() Preferences {
	out := Preferences{
		Entries:        make(map[string]Preference, len(p.Entries)),
		LastSessionKey: p.LastSessionKey,
	}
	for k, v := range p.Entries {
		out.Entries[k] = v
	}
	return out
}

// Get returns the preference for key (zero value when absent).
func (p Preferences) Get(key string) Preference {
	return p.Entries[key]
}

// Set stores pref for key, dropping entries that carry nothing.
func (p *Preferences) Set(key string, pref Preference) {
	if p.Entries == nil {
		p.Entries = make(map[string]Preference)
	}
	if pref == (Preference{}) {
		delete(p.Entries, key)
		return
	}
	p.Entries[key] = pref
}

// Rename sets or clears the alias of key.
func (p *Preferences) Rename(key, alias string) {
	pref := p.Get(key)
	pref.Alias = strings.TrimSpace(alias)
	p.Set(key, pref)
}

// TogglePinned flips the pin of key and returns the new value.
func (p *Preferences) TogglePinned(key string) bool {
	pref := p.Get(key)
	pref.Pinned = !pref.Pinned
	p.Set(key, pref)
	return pref.Pinned
}

// Entry is one row of the merged session list.
type Entry struct {
	Key       string `json:"key"`
	Label     string `json:"label,omitempty"`
	Alias     string `json:"alias,omitempty"`
	Pinned    bool   `json:"pinned"`
	UpdatedAt int64  `json:"updatedAt,omitempty"`
	Current   bool   `json:"current"`
	// LocalOnly marks sessions created on this device that the gateway has
	// not listed yet.
	LocalOnly bool `json:"localOnly,omitempty"`
}

// DisplayName is the alias, then the gateway label, then the key.
func (e Entry) DisplayName() string {
	if e.Alias != "" {
		return e.Alias
	}
	if e.Label != "" {
		return e.Label
	}
	return e.Key
}

// Merge combines the gateway list with the overlay. Sessions that only exist
// locally (created here, or the current one) are included. Pinned sessions
// come first, then most recently updated, then by key.
func Merge(server []gateway.SessionInfo, prefs Preferences, current string) []Entry {
	byKey := make(map[string]*Entry, len(server)+len(prefs.Entries)+1)
	var order []string
	add := func(key string) *Entry {
		if e, ok := byKey[key]; ok {
			return e
		}
		e := &Entry{Key: key}
		byKey[key] = e
		order = append(order, key)
		return e
	}

	for _, s := range server {
		e := add(s.Key)
		e.Label = s.Label
		e.UpdatedAt = s.UpdatedAt
	}
	for key, pref := range prefs.Entries {
		_, listed := byKey[key]
		e := add(key)
		e.Alias = pref.Alias
		e.Pinned = pref.Pinned
		if !listed {
			e.LocalOnly = true
			e.UpdatedAt = pref.CreatedAt
		}
	}
	if current != "" {
		if _, ok := byKey[current]; !ok {
			add(current).LocalOnly = true
		}
		byKey[current].Current = true
	}

	out := make([]Entry, 0, len(order))
	for _, key := range order {
		out = append(out, *byKey[key])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Pinned != out[j].Pinned {
			return out[i].Pinned
		}
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt > out[j].UpdatedAt
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Encode serializes the overlay.
func Encode(p Preferences) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrap(err, "encode session preferences")
	}
	return data, nil
}

// Decode parses a persisted overlay; empty input yields an empty overlay.
func Decode(data []byte) (Preferences, error) {
	p := NewPreferences()
	if len(strings.TrimSpace(string(data))) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return NewPreferences(), errors.Wrap(err, "decode session preferences")
	}
	if p.Entries == nil {
		p.Entries = make(map[string]Preference)
	}
	return p, nil
}
