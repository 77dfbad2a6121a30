// ABOUTME: Tests for the SQLite Store backend
// ABOUTME: Covers per-field encryption at rest, self-healing reads, no-op writes and active handling

package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hearth-vault/internal/blob"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		s.Close()
	})

	return s
}

func TestSQLite_SaveLoadRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	data := &Dataset{
		APIKeys:  []APIKey{{Service: "openai", Key: "sk-123"}},
		Settings: Settings{CustomPrompt: "be brief", CustomModels: []string{"local-llama"}},
		Threads: []*ChatThread{{
			ID:        "t1",
			Title:     "Greetings",
			Model:     testModel(),
			IsActive:  true,
			CreatedAt: 1,
			UpdatedAt: 2,
			Messages: []Message{
				{IsUser: true, Text: "hi", Timestamp: 1},
				{IsUser: false, Text: "hello", Timestamp: 2},
			},
		}},
	}

	require.NoError(t, s.Save(ctx, data, "pw"))

	loaded, err := s.Load(ctx, "pw")
	require.NoError(t, err)
	assert.Equal(t, data, loaded)
}

func TestSQLite_MessageTextEncryptedAtRest(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	id, err := s.CreateThread(ctx, testModel(), "pw")
	require.NoError(t, err)
	require.NoError(t, s.UpdateThreadMessages(ctx, id, []Message{
		{IsUser: true, Text: "my secret question", Timestamp: 1},
	}, "pw"))

	var stored string
	require.NoError(t, s.db.QueryRow(`SELECT text FROM messages WHERE thread_id = ?`, id).Scan(&stored))
	assert.True(t, blob.IsEncoded(stored), "text column must hold an encoded field, got %q", stored)
	assert.NotContains(t, stored, "my secret question")
}

func TestSQLite_APIKeyEncryptedAtRest(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertAPIKey(ctx, "openai", "sk-super-secret", "pw"))

	var stored string
	require.NoError(t, s.db.QueryRow(`SELECT encrypted_key FROM api_keys WHERE service_name = 'openai'`).Scan(&stored))
	assert.True(t, blob.IsEncoded(stored))

	keys, err := s.loadAPIKeys(ctx, "pw")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "sk-super-secret", keys[0].Key)
}

func TestSQLite_WrongPasswordOnLoad(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	id, err := s.CreateThread(ctx, testModel(), "right")
	require.NoError(t, err)
	require.NoError(t, s.UpdateThreadMessages(ctx, id, []Message{
		{IsUser: true, Text: "hi", Timestamp: 1},
	}, "right"))

	_, err = s.Load(ctx, "wrong")
	assert.ErrorIs(t, err, blob.ErrAuthentication)
}

func TestSQLite_SelfHealsLegacyPlaintext(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	id, err := s.CreateThread(ctx, testModel(), "pw")
	require.NoError(t, err)

	// Simulate a legacy row written before field encryption existed.
	_, err = s.db.Exec(`
		INSERT INTO messages (thread_id, is_user, text, timestamp) VALUES (?, 1, 'plain old text', 42)
	`, id)
	require.NoError(t, err)

	msgs, err := s.loadMessages(ctx, id, "pw")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "plain old text", msgs[0].Text)

	// The row must now be encoded at rest.
	var stored string
	require.NoError(t, s.db.QueryRow(`SELECT text FROM messages WHERE thread_id = ?`, id).Scan(&stored))
	assert.True(t, blob.IsEncoded(stored), "legacy plaintext should be re-encoded on first read")

	// And still decode to the same value.
	again, err := s.loadMessages(ctx, id, "pw")
	require.NoError(t, err)
	assert.Equal(t, msgs, again)
}

func TestSQLite_UpdateThreadMessages_NoOp(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	id, err := s.CreateThread(ctx, testModel(), "pw")
	require.NoError(t, err)

	msgs := []Message{
		{IsUser: true, Text: "hi", Timestamp: 1},
		{IsUser: false, Text: "hello there, nice to meet you", Timestamp: 2},
	}
	require.NoError(t, s.UpdateThreadMessages(ctx, id, msgs, "pw"))

	// Pin updated_at, then re-submit the identical list: nothing may change.
	_, err = s.db.Exec(`UPDATE threads SET updated_at = 12345 WHERE id = ?`, id)
	require.NoError(t, err)

	require.NoError(t, s.UpdateThreadMessages(ctx, id, msgs, "pw"))

	var updatedAt int64
	require.NoError(t, s.db.QueryRow(`SELECT updated_at FROM threads WHERE id = ?`, id).Scan(&updatedAt))
	assert.EqualValues(t, 12345, updatedAt, "identical message list must not write")
}

func TestSQLite_UpdateThreadMessages_TitleInference(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	id, err := s.CreateThread(ctx, testModel(), "pw")
	require.NoError(t, err)

	msgs := []Message{
		{IsUser: true, Text: "# Hello\nworld", Timestamp: 1},
		{IsUser: false, Text: "hi", Timestamp: 2},
	}
	require.NoError(t, s.UpdateThreadMessages(ctx, id, msgs, "pw"))

	var title string
	require.NoError(t, s.db.QueryRow(`SELECT title FROM threads WHERE id = ?`, id).Scan(&title))
	assert.Equal(t, "Hello", title)
}

func TestSQLite_UpdateThreadMessages_NotFound(t *testing.T) {
	s := setupTestStore(t)

	err := s.UpdateThreadMessages(context.Background(), "missing", nil, "pw")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_SetActiveThread_SingleHolder(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	id1, err := s.CreateThread(ctx, testModel(), "pw")
	require.NoError(t, err)
	id2, err := s.CreateThread(ctx, testModel(), "pw")
	require.NoError(t, err)

	require.NoError(t, s.SetActiveThread(ctx, id1, "pw"))
	require.NoError(t, s.SetActiveThread(ctx, id2, "pw"))

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM threads WHERE is_active = 1`).Scan(&count))
	assert.Equal(t, 1, count)

	var activeID string
	require.NoError(t, s.db.QueryRow(`SELECT id FROM threads WHERE is_active = 1`).Scan(&activeID))
	assert.Equal(t, id2, activeID)
}

func TestSQLite_DeleteThread_CascadesAndReassigns(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	data := &Dataset{Threads: []*ChatThread{
		{ID: "t1", Title: "one", Model: testModel(), UpdatedAt: 1},
		{ID: "t2", Title: "two", Model: testModel(), UpdatedAt: 2},
		{ID: "t3", Title: "three", Model: testModel(), UpdatedAt: 3, IsActive: true,
			Messages: []Message{{IsUser: true, Text: "bye", Timestamp: 1}}},
	}}
	require.NoError(t, s.Save(ctx, data, "pw"))

	require.NoError(t, s.DeleteThread(ctx, "t3", "pw"))

	var msgCount int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE thread_id = 't3'`).Scan(&msgCount))
	assert.Equal(t, 0, msgCount, "deleting a thread cascades to its messages")

	var activeID string
	require.NoError(t, s.db.QueryRow(`SELECT id FROM threads WHERE is_active = 1`).Scan(&activeID))
	assert.Equal(t, "t2", activeID, "thread with greatest updated_at becomes active")
}

func TestSQLite_DeleteNonActiveThread_NoPromotion(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	// Neither thread active. Deleting one must not promote the survivor.
	require.NoError(t, s.Save(ctx, &Dataset{Threads: []*ChatThread{
		{ID: "t1", Title: "one", Model: testModel(), UpdatedAt: 1},
		{ID: "t2", Title: "two", Model: testModel(), UpdatedAt: 2},
	}}, "pw"))

	require.NoError(t, s.DeleteThread(ctx, "t1", "pw"))

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM threads WHERE is_active = 1`).Scan(&count))
	assert.Equal(t, 0, count, "deleting a non-active thread leaves no thread active")
}

func TestSQLite_LoadOrderStableForEqualCreatedAt(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	// Same created_at millisecond; id breaks the tie (ids are time-ordered).
	require.NoError(t, s.Save(ctx, &Dataset{Threads: []*ChatThread{
		{ID: "b", Title: "second", Model: testModel(), CreatedAt: 100},
		{ID: "a", Title: "first", Model: testModel(), CreatedAt: 100},
	}}, "pw"))

	loaded, err := s.Load(ctx, "pw")
	require.NoError(t, err)
	require.Len(t, loaded.Threads, 2)
	assert.Equal(t, "a", loaded.Threads[0].ID)
	assert.Equal(t, "b", loaded.Threads[1].ID)
}

func TestSQLite_DeleteThread_NotFound(t *testing.T) {
	s := setupTestStore(t)

	err := s.DeleteThread(context.Background(), "missing", "pw")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_SettingsRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	settings := Settings{CustomPrompt: "talk like a pirate", CustomModels: []string{"m1", "m2"}}
	require.NoError(t, s.UpsertSettings(ctx, settings))

	loaded, err := s.loadSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, settings, loaded)

	// Upsert replaces, never versions.
	settings.CustomPrompt = "be serious"
	require.NoError(t, s.UpsertSettings(ctx, settings))
	loaded, err = s.loadSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "be serious", loaded.CustomPrompt)
}

func TestSQLite_SaveRemovesStaleThreads(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, &Dataset{Threads: []*ChatThread{
		{ID: "t1", Title: "one", Model: testModel()},
		{ID: "t2", Title: "two", Model: testModel()},
	}}, "pw"))

	require.NoError(t, s.Save(ctx, &Dataset{Threads: []*ChatThread{
		{ID: "t2", Title: "two", Model: testModel()},
	}}, "pw"))

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM threads`).Scan(&count))
	assert.Equal(t, 1, count)
}
