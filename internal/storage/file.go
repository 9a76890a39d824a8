package storage

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// FileStore keeps one file per key under a directory. Writes go through a
// temp file and rename so a crash never leaves a torn value behind.
type FileStore struct {
	dir string

	mu     sync.Mutex
	sealer *Sealer
	closed bool
}

// NewFileStore creates dir if needed. With seal set, values are encrypted with
// a key stored next to them (created on first use).
func NewFileStore(dir string, seal bool) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("file store: missing dir")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "file store: create dir")
	}
	s := &FileStore{dir: dir}
	if seal {
		key, err := GetOrCreateSecretKey(filepath.Join(dir, "store.key"))
		if err != nil {
			return nil, err
		}
		s.sealer, err = NewSealer(key)
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Load implements Store.
func (s *FileStore) Load(key string) ([]byte, bool, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errors.Wrapf(err, "file store: read %s", key)
	}
	if s.sealer != nil {
		data, err = s.sealer.Open(data)
		if err != nil {
			return nil, false, errors.Wrapf(err, "file store: open %s", key)
		}
	}
	return data, true, nil
}

// Save implements Store.
func (s *FileStore) Save(key string, data []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.sealer != nil {
		data, err = s.sealer.Seal(data)
		if err != nil {
			return errors.Wrapf(err, "file store: seal %s", key)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrapf(err, "file store: write %s", key)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "file store: rename %s", key)
	}
	return nil
}

// Delete implements Store.
func (s *FileStore) Delete(key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "file store: delete %s", key)
	}
	return nil
}

// Close implements Store.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// path maps key to a file name inside dir. Separators are replaced so keys
// cannot escape the directory.
func (s *FileStore) path(key string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	name := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(strings.TrimSpace(key))
	return filepath.Join(s.dir, name+".json"), nil
}
