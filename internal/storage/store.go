// Package storage persists small controller blobs (outbox, session
// preferences, device identity) behind a key/value interface so the backend
// can be swapped per platform.
package storage

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Well-known keys.
const (
	KeyOutbox             = "outbox"
	KeySessionPreferences = "session-preferences"
	KeyDeviceIdentity     = "device-identity"
)

// ErrClosed is returned by stores used after Close.
var ErrClosed = errors.New("store closed")

// Store is a small durable key/value store.
//
// Implementations are safe for concurrent use. Load reports ok=false for a
// missing key rather than an error.
type Store interface {
	Load(key string) (data []byte, ok bool, err error)
	Save(key string, data []byte) error
	Delete(key string) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Options selects and configures a backend.
type Options struct {
	Backend string
	// Dir is the state directory for the file backend and the default
	// location of the sqlite database.
	Dir string
	// Path overrides the sqlite database file.
	Path string
	// Seal encrypts file backend values at rest.
	Seal bool
}

// Open returns the Store described by opts.
func Open(opts Options) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendFile:
		return NewFileStore(opts.Dir, opts.Seal)
	case BackendSQLite:
		path := opts.Path
		if path == "" {
			if opts.Dir == "" {
				return nil, errors.New("sqlite store: missing dir or path")
			}
			path = filepath.Join(opts.Dir, "gatewaykit.db")
		}
		return NewSQLiteStore(path)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, errors.Errorf("unknown storage backend %q", opts.Backend)
	}
}

func validKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("missing key")
	}
	return nil
}
