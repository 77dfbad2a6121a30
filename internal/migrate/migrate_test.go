// ABOUTME: Tests for the flat-file to relational migration
// ABOUTME: Verifies field-for-field fidelity, the .bak copy and the wrong-password path

package migrate

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hearth-vault/internal/blob"
	"github.com/2389/hearth-vault/internal/store"
)

func setupBackends(t *testing.T) (*store.FlatFileStore, *store.SQLiteStore, string) {
	t.Helper()
	dir := t.TempDir()

	flatPath := filepath.Join(dir, "data.json")
	flat := store.NewFlatFileStore(flatPath, nil)

	rel, err := store.NewSQLiteStore(filepath.Join(dir, "vault", "hearth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { rel.Close() })

	return flat, rel, flatPath
}

func TestMigrate_Fidelity(t *testing.T) {
	flat, rel, flatPath := setupBackends(t)
	ctx := context.Background()

	model := store.ModelDescriptor{ID: "gpt-4o-mini", DisplayName: "GPT-4o mini", Provider: "openai"}
	data := &store.Dataset{
		APIKeys: []store.APIKey{
			{Service: "anthropic", Key: "sk-ant-1"},
			{Service: "mistral", Key: "sk-mis-3"},
			{Service: "openai", Key: "sk-oai-2"},
		},
		Settings: store.Settings{CustomPrompt: "answer briefly", CustomModels: []string{"local-llama"}},
		Threads: []*store.ChatThread{
			{
				ID: "t1", Title: "First", Model: model, IsActive: true, CreatedAt: 1, UpdatedAt: 10,
				Messages: []store.Message{
					{IsUser: true, Text: "hello", Timestamp: 1},
					{IsUser: false, Text: "hi there", Timestamp: 2},
				},
			},
			{
				ID: "t2", Title: "Second", Model: model, CreatedAt: 2, UpdatedAt: 20,
				Messages: []store.Message{
					{IsUser: true, Text: "another thread", Timestamp: 3},
				},
			},
		},
	}
	require.NoError(t, flat.Save(ctx, data, "pw"))

	original, err := os.ReadFile(flatPath)
	require.NoError(t, err)

	require.NoError(t, New(flat, rel, nil).Migrate(ctx, "pw"))

	// Decrypted relational contents equal the pre-migration values.
	migrated, err := rel.Load(ctx, "pw")
	require.NoError(t, err)
	assert.Equal(t, data, migrated)

	// The .bak file is byte-identical to the pre-migration flat file.
	bak, err := os.ReadFile(flatPath + ".bak")
	require.NoError(t, err)
	assert.Equal(t, original, bak)

	// The original flat file is copied, not moved.
	after, err := os.ReadFile(flatPath)
	require.NoError(t, err)
	assert.Equal(t, original, after)
}

func TestMigrate_WrongPassword(t *testing.T) {
	flat, rel, flatPath := setupBackends(t)
	ctx := context.Background()

	require.NoError(t, flat.Save(ctx, &store.Dataset{}, "right"))

	err := New(flat, rel, nil).Migrate(ctx, "wrong")
	require.Error(t, err)
	assert.ErrorIs(t, err, blob.ErrAuthentication)

	var merr *Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, "decode", merr.Step)

	// No backup is taken when decoding fails.
	_, statErr := os.Stat(flatPath + ".bak")
	assert.True(t, os.IsNotExist(statErr))
}

func TestMigrate_EmptyVault(t *testing.T) {
	flat, rel, _ := setupBackends(t)
	ctx := context.Background()

	// No flat file at all: migration succeeds with an empty relational store.
	require.NoError(t, New(flat, rel, nil).Migrate(ctx, "pw"))

	migrated, err := rel.Load(ctx, "pw")
	require.NoError(t, err)
	assert.Empty(t, migrated.Threads)
	assert.Empty(t, migrated.APIKeys)
}
