// ABOUTME: Filesystem collaborator interface used by the flat-file backend and migration
// ABOUTME: OSFS writes via temp-then-rename so a failing save never clobbers the prior file

package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// FS is the opaque byte store the flat-file backend and the migrator write
// through. Tests substitute counting or failing implementations.
type FS interface {
	Exists(path string) bool
	Read(path string) ([]byte, error)
	Write(path string, data []byte) error
	Delete(path string) error
	Copy(src, dst string) error
}

// OSFS is the real-filesystem implementation of FS.
type OSFS struct{}

func (OSFS) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (OSFS) Read(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// Write writes atomically: the data lands in a temp file in the same
// directory and is renamed over the target, so an interrupted write leaves
// the previous file intact.
func (OSFS) Write(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("setting file mode: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

func (OSFS) Delete(path string) error {
	return os.Remove(path)
}

// Copy duplicates src to dst byte-for-byte.
func (o OSFS) Copy(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("reading source: %w", err)
	}
	return o.Write(dst, data)
}

var _ FS = OSFS{}
