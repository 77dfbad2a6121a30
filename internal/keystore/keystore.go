// ABOUTME: Opaque secure credential store interface with a file-backed implementation
// ABOUTME: Holds small key/value secrets such as the password verification hash

package keystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrNotFound is returned when a key is absent from the store.
var ErrNotFound = errors.New("keystore: key not found")

// Keystore is the opaque get/set/delete-by-key credential store the vault
// consumes. The OS keychain satisfies this on device; the file
// implementation below serves everywhere else.
type Keystore interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}

// FileKeystore persists entries as a JSON object in a single 0600 file.
type FileKeystore struct {
	mu   sync.Mutex
	path string
}

// NewFileKeystore creates a file-backed keystore at the given path.
func NewFileKeystore(path string) *FileKeystore {
	return &FileKeystore{path: path}
}

func (k *FileKeystore) Get(key string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	entries, err := k.read()
	if err != nil {
		return "", err
	}
	value, ok := entries[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return value, nil
}

func (k *FileKeystore) Set(key, value string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	entries, err := k.read()
	if err != nil {
		return err
	}
	entries[key] = value
	return k.write(entries)
}

func (k *FileKeystore) Delete(key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	entries, err := k.read()
	if err != nil {
		return err
	}
	delete(entries, key)
	return k.write(entries)
}

func (k *FileKeystore) read() (map[string]string, error) {
	data, err := os.ReadFile(k.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading keystore: %w", err)
	}

	entries := map[string]string{}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decoding keystore: %w", err)
	}
	return entries, nil
}

func (k *FileKeystore) write(entries map[string]string) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encoding keystore: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(k.path), 0o700); err != nil {
		return fmt.Errorf("creating keystore directory: %w", err)
	}
	if err := os.WriteFile(k.path, data, 0o600); err != nil {
		return fmt.Errorf("writing keystore: %w", err)
	}
	return nil
}

var _ Keystore = (*FileKeystore)(nil)
