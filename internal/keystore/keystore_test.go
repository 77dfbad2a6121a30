// ABOUTME: Tests for the file-backed keystore
// ABOUTME: Covers get/set/delete semantics and file permissions

package keystore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupKeystore(t *testing.T) *FileKeystore {
	t.Helper()
	return NewFileKeystore(filepath.Join(t.TempDir(), "keystore.json"))
}

func TestFileKeystore_SetGet(t *testing.T) {
	ks := setupKeystore(t)

	require.NoError(t, ks.Set("verifier", "hash-value"))

	got, err := ks.Get("verifier")
	require.NoError(t, err)
	assert.Equal(t, "hash-value", got)
}

func TestFileKeystore_GetMissing(t *testing.T) {
	ks := setupKeystore(t)

	_, err := ks.Get("absent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileKeystore_Overwrite(t *testing.T) {
	ks := setupKeystore(t)

	require.NoError(t, ks.Set("k", "v1"))
	require.NoError(t, ks.Set("k", "v2"))

	got, err := ks.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v2", got)
}

func TestFileKeystore_Delete(t *testing.T) {
	ks := setupKeystore(t)

	require.NoError(t, ks.Set("k", "v"))
	require.NoError(t, ks.Delete("k"))

	_, err := ks.Get("k")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting an absent key is not an error.
	assert.NoError(t, ks.Delete("k"))
}

func TestFileKeystore_FileMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keystore.json")
	ks := NewFileKeystore(path)

	require.NoError(t, ks.Set("k", "v"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
