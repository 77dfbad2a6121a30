// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Thread metadata is stored in the clear; message text and api keys are field-encrypted

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/2389/hearth-vault/internal/blob"
)

// SQLiteStore implements the Store interface using SQLite. Only content is
// sensitive, not metadata: message text and api key values go through the
// field codec, thread rows do not.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path. The schema is
// automatically created if it doesn't exist. Parent directories are created
// if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "sqlite-store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			model_id TEXT NOT NULL,
			model_display_name TEXT NOT NULL,
			model_provider TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_id TEXT NOT NULL,
			is_user INTEGER NOT NULL,
			text TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			FOREIGN KEY (thread_id) REFERENCES threads(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_messages_thread_id
			ON messages(thread_id);

		CREATE TABLE IF NOT EXISTS api_keys (
			service_name TEXT PRIMARY KEY,
			encrypted_key TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS settings (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			custom_prompt TEXT NOT NULL DEFAULT '',
			custom_models TEXT NOT NULL DEFAULT '[]'
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// decodeStoredField decodes a field-encrypted column value. Legacy plaintext
// values fail the encoding probe and are returned as-is along with
// healed=true so the caller can re-encode them in place.
func decodeStoredField(stored, password string) (value string, healed bool, err error) {
	if !blob.IsEncoded(stored) {
		return stored, true, nil
	}
	value, err = blob.DecodeField(stored, password)
	return value, false, err
}

// Load decodes the full persisted Dataset. Message text and api key columns
// are decrypted individually via the field codec; legacy plaintext rows are
// re-encoded on first read.
func (s *SQLiteStore) Load(ctx context.Context, password string) (*Dataset, error) {
	data := &Dataset{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, model_id, model_display_name, model_provider, is_active, created_at, updated_at
		FROM threads
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying threads: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t ChatThread
		if err := rows.Scan(&t.ID, &t.Title, &t.Model.ID, &t.Model.DisplayName,
			&t.Model.Provider, &t.IsActive, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning thread row: %w", err)
		}
		data.Threads = append(data.Threads, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating thread rows: %w", err)
	}

	for _, t := range data.Threads {
		msgs, err := s.loadMessages(ctx, t.ID, password)
		if err != nil {
			return nil, err
		}
		t.Messages = msgs
	}

	keys, err := s.loadAPIKeys(ctx, password)
	if err != nil {
		return nil, err
	}
	data.APIKeys = keys

	settings, err := s.loadSettings(ctx)
	if err != nil {
		return nil, err
	}
	data.Settings = settings

	return data, nil
}

// loadMessages returns a thread's messages in insertion order, decrypting
// each text column. Plaintext legacy rows are healed in place.
func (s *SQLiteStore) loadMessages(ctx context.Context, threadID, password string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, is_user, text, timestamp
		FROM messages
		WHERE thread_id = ?
		ORDER BY id ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	type healRow struct {
		rowID int64
		text  string
	}
	var messages []Message
	var heals []healRow

	for rows.Next() {
		var rowID int64
		var m Message
		var stored string
		if err := rows.Scan(&rowID, &m.IsUser, &stored, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		text, healed, err := decodeStoredField(stored, password)
		if err != nil {
			return nil, fmt.Errorf("decrypting message text: %w", err)
		}
		m.Text = text
		if healed {
			heals = append(heals, healRow{rowID: rowID, text: text})
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	for _, h := range heals {
		encoded, err := blob.EncodeField(h.text, password)
		if err != nil {
			return nil, fmt.Errorf("re-encoding legacy message: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE messages SET text = ? WHERE id = ?`, encoded, h.rowID); err != nil {
			return nil, fmt.Errorf("healing legacy message: %w", err)
		}
		s.logger.Debug("re-encoded legacy plaintext message", "row_id", h.rowID, "thread_id", threadID)
	}

	return messages, nil
}

func (s *SQLiteStore) loadAPIKeys(ctx context.Context, password string) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT service_name, encrypted_key FROM api_keys ORDER BY service_name
	`)
	if err != nil {
		return nil, fmt.Errorf("querying api keys: %w", err)
	}
	defer rows.Close()

	var keys []APIKey
	var healServices []APIKey

	for rows.Next() {
		var k APIKey
		var stored string
		if err := rows.Scan(&k.Service, &stored); err != nil {
			return nil, fmt.Errorf("scanning api key row: %w", err)
		}

		value, healed, err := decodeStoredField(stored, password)
		if err != nil {
			return nil, fmt.Errorf("decrypting api key %s: %w", k.Service, err)
		}
		k.Key = value
		if healed {
			healServices = append(healServices, k)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating api key rows: %w", err)
	}

	for _, k := range healServices {
		if err := s.UpsertAPIKey(ctx, k.Service, k.Key, password); err != nil {
			return nil, fmt.Errorf("healing legacy api key: %w", err)
		}
		s.logger.Debug("re-encoded legacy plaintext api key", "service", k.Service)
	}

	return keys, nil
}

func (s *SQLiteStore) loadSettings(ctx context.Context) (Settings, error) {
	var settings Settings
	var modelsJSON string

	err := s.db.QueryRowContext(ctx, `
		SELECT custom_prompt, custom_models FROM settings WHERE id = 1
	`).Scan(&settings.CustomPrompt, &modelsJSON)
	if err == sql.ErrNoRows {
		return Settings{}, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("querying settings: %w", err)
	}

	if modelsJSON != "" {
		if err := json.Unmarshal([]byte(modelsJSON), &settings.CustomModels); err != nil {
			return Settings{}, fmt.Errorf("decoding custom models: %w", err)
		}
	}
	return settings, nil
}

// Save write-through persists the full Dataset: threads and messages are
// upserted, rows absent from the dataset are removed, api keys and settings
// are upserted.
func (s *SQLiteStore) Save(ctx context.Context, data *Dataset, password string) error {
	keep := make(map[string]bool, len(data.Threads))
	for _, t := range data.Threads {
		keep[t.ID] = true
		if err := s.PersistThread(ctx, t, password); err != nil {
			return err
		}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM threads`)
	if err != nil {
		return fmt.Errorf("querying thread ids: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scanning thread id: %w", err)
		}
		if !keep[id] {
			stale = append(stale, id)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterating thread ids: %w", err)
	}
	rows.Close()

	for _, id := range stale {
		if err := s.deleteThreadRows(ctx, id); err != nil {
			return err
		}
	}

	for _, k := range data.APIKeys {
		if err := s.UpsertAPIKey(ctx, k.Service, k.Key, password); err != nil {
			return err
		}
	}

	return s.UpsertSettings(ctx, data.Settings)
}

// PersistThread upserts a thread row and replaces its messages, encrypting
// each message text. The delete-then-reinsert pair is deliberately not
// wrapped in a transaction; a crash between the two writes loses messages.
func (s *SQLiteStore) PersistThread(ctx context.Context, t *ChatThread, password string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (id, title, model_id, model_display_name, model_provider, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			model_id = excluded.model_id,
			model_display_name = excluded.model_display_name,
			model_provider = excluded.model_provider,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
	`, t.ID, t.Title, t.Model.ID, t.Model.DisplayName, t.Model.Provider,
		t.IsActive, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting thread: %w", err)
	}

	return s.replaceMessages(ctx, t.ID, t.Messages, password)
}

func (s *SQLiteStore) replaceMessages(ctx context.Context, threadID string, messages []Message, password string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("clearing messages: %w", err)
	}

	for _, m := range messages {
		encoded, err := blob.EncodeField(m.Text, password)
		if err != nil {
			return fmt.Errorf("encrypting message text: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (thread_id, is_user, text, timestamp)
			VALUES (?, ?, ?, ?)
		`, threadID, m.IsUser, encoded, m.Timestamp); err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}
	}
	return nil
}

// UpsertAPIKey field-encrypts and upserts a provider credential.
func (s *SQLiteStore) UpsertAPIKey(ctx context.Context, service, key, password string) error {
	encoded, err := blob.EncodeField(key, password)
	if err != nil {
		return fmt.Errorf("encrypting api key: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_keys (service_name, encrypted_key)
		VALUES (?, ?)
		ON CONFLICT(service_name) DO UPDATE SET encrypted_key = excluded.encrypted_key
	`, service, encoded)
	if err != nil {
		return fmt.Errorf("upserting api key: %w", err)
	}
	return nil
}

// UpsertSettings upserts the singleton settings row. The model list is
// stored serialized.
func (s *SQLiteStore) UpsertSettings(ctx context.Context, settings Settings) error {
	models := settings.CustomModels
	if models == nil {
		models = []string{}
	}
	modelsJSON, err := json.Marshal(models)
	if err != nil {
		return fmt.Errorf("encoding custom models: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (id, custom_prompt, custom_models)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			custom_prompt = excluded.custom_prompt,
			custom_models = excluded.custom_models
	`, settings.CustomPrompt, string(modelsJSON))
	if err != nil {
		return fmt.Errorf("upserting settings: %w", err)
	}
	return nil
}

// CreateThread inserts a new empty thread with the default title and
// returns its id. IDs are time-ordered. The password is unused here since
// thread metadata is not encrypted; it is part of the Store signature.
func (s *SQLiteStore) CreateThread(ctx context.Context, model ModelDescriptor, password string) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generating thread id: %w", err)
	}

	now := nowMillis()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO threads (id, title, model_id, model_display_name, model_provider, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
	`, id.String(), DefaultTitle, model.ID, model.DisplayName, model.Provider, now, now)
	if err != nil {
		return "", fmt.Errorf("inserting thread: %w", err)
	}

	s.logger.Debug("created thread", "id", id.String())
	return id.String(), nil
}

// UpdateThreadMessages persists a thread's full message list and runs title
// inference. An element-wise identical list is a no-op: no write occurs.
func (s *SQLiteStore) UpdateThreadMessages(ctx context.Context, threadID string, messages []Message, password string) error {
	var title string
	err := s.db.QueryRowContext(ctx, `SELECT title FROM threads WHERE id = ?`, threadID).Scan(&title)
	if err == sql.ErrNoRows {
		return fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("querying thread: %w", err)
	}

	stored, err := s.loadMessages(ctx, threadID, password)
	if err != nil {
		return err
	}
	if MessagesEqual(stored, messages) {
		s.logger.Debug("message list unchanged, skipping write", "thread_id", threadID)
		return nil
	}

	if err := s.replaceMessages(ctx, threadID, messages, password); err != nil {
		return err
	}

	now := nowMillis()
	if title == DefaultTitle && len(messages) >= 2 {
		if inferred := InferTitle(messages); inferred != "" {
			title = inferred
		}
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE threads SET title = ?, updated_at = ? WHERE id = ?
	`, title, now, threadID); err != nil {
		return fmt.Errorf("updating thread: %w", err)
	}

	return nil
}

// SetActiveThread makes threadID the single active thread. The previous
// holder's flag is cleared before the new one is set.
func (s *SQLiteStore) SetActiveThread(ctx context.Context, threadID string, password string) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM threads WHERE id = ?`, threadID).Scan(&exists)
	if err == sql.ErrNoRows {
		return fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("querying thread: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE threads SET is_active = 0 WHERE is_active = 1`); err != nil {
		return fmt.Errorf("clearing active flag: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE threads SET is_active = 1 WHERE id = ?`, threadID); err != nil {
		return fmt.Errorf("setting active flag: %w", err)
	}
	return nil
}

// DeleteThread removes a thread, cascading to its messages. If the removed
// thread was active, the remaining thread with the greatest updated_at
// becomes active.
func (s *SQLiteStore) DeleteThread(ctx context.Context, threadID string, password string) error {
	var wasActive bool
	err := s.db.QueryRowContext(ctx, `SELECT is_active FROM threads WHERE id = ?`, threadID).Scan(&wasActive)
	if err == sql.ErrNoRows {
		return fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("querying thread: %w", err)
	}

	if err := s.deleteThreadRows(ctx, threadID); err != nil {
		return err
	}

	if wasActive {
		var nextID string
		err := s.db.QueryRowContext(ctx, `
			SELECT id FROM threads ORDER BY updated_at DESC LIMIT 1
		`).Scan(&nextID)
		if err == nil {
			if _, err := s.db.ExecContext(ctx, `UPDATE threads SET is_active = 1 WHERE id = ?`, nextID); err != nil {
				return fmt.Errorf("reassigning active thread: %w", err)
			}
		} else if err != sql.ErrNoRows {
			return fmt.Errorf("finding next active thread: %w", err)
		}
	}

	s.logger.Debug("deleted thread", "id", threadID, "was_active", wasActive)
	return nil
}

func (s *SQLiteStore) deleteThreadRows(ctx context.Context, threadID string) error {
	// Explicit message delete first; the FK cascade covers databases created
	// before foreign keys were enabled.
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, threadID); err != nil {
		return fmt.Errorf("deleting thread: %w", err)
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
