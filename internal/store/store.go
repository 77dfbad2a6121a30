// ABOUTME: Store interface and data types for hearth-vault persistence
// ABOUTME: Defines Dataset, ChatThread, Message and the Store interface over both backends

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// DefaultTitle is the title a thread carries until inference rewrites it.
const DefaultTitle = "New Chat"

// ModelDescriptor identifies the model a thread talks to
type ModelDescriptor struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Provider    string `json:"provider"`
}

// Message is a single chat message. Text is plaintext in memory; the
// relational backend field-encrypts it at rest, the flat-file backend
// protects it as part of the whole-document blob.
type Message struct {
	IsUser    bool   `json:"is_user"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"` // epoch millis
}

// ChatThread is a conversation. Messages are kept in insertion order, which
// is chronological order; they are never reordered. At most one thread is
// active at any time.
type ChatThread struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Model     ModelDescriptor `json:"model"`
	IsActive  bool            `json:"is_active"`
	CreatedAt int64           `json:"created_at"` // epoch millis
	UpdatedAt int64           `json:"updated_at"` // epoch millis
	Messages  []Message       `json:"messages"`
}

// APIKey is a provider credential. Key is plaintext in memory and
// field-encrypted at rest by the relational backend.
type APIKey struct {
	Service string `json:"service"`
	Key     string `json:"key"`
}

// Settings is the singleton settings record.
type Settings struct {
	CustomPrompt string   `json:"custom_prompt"`
	CustomModels []string `json:"custom_models"`
}

// Dataset is everything the vault persists: api keys, settings and all
// threads with their messages.
type Dataset struct {
	APIKeys  []APIKey      `json:"api_keys"`
	Settings Settings      `json:"settings"`
	Threads  []*ChatThread `json:"threads"`
}

// Thread returns the thread with the given id, or nil.
func (d *Dataset) Thread(id string) *ChatThread {
	for _, t := range d.Threads {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// ActiveThread returns the currently active thread, or nil.
func (d *Dataset) ActiveThread() *ChatThread {
	for _, t := range d.Threads {
		if t.IsActive {
			return t
		}
	}
	return nil
}

// KeyFor returns the api key value for a service, or "".
func (d *Dataset) KeyFor(service string) string {
	for _, k := range d.APIKeys {
		if k.Service == service {
			return k.Key
		}
	}
	return ""
}

// Store is the persistence capability the vault is polymorphic over. The
// two implementations are FlatFileStore (one encoded JSON document) and
// SQLiteStore (rows with per-field encryption). Callers never branch on the
// backend type. The password is passed per call because every write
// re-encodes through the backend's codec.
type Store interface {
	Load(ctx context.Context, password string) (*Dataset, error)
	Save(ctx context.Context, data *Dataset, password string) error

	CreateThread(ctx context.Context, model ModelDescriptor, password string) (string, error)
	UpdateThreadMessages(ctx context.Context, threadID string, messages []Message, password string) error
	SetActiveThread(ctx context.Context, threadID string, password string) error
	DeleteThread(ctx context.Context, threadID string, password string) error

	Close() error
}

// nowMillis returns the current time in epoch millis.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// MessagesEqual reports whether two message lists are element-wise identical
// by content. Callers rely on an unchanged write being observably a no-op.
func MessagesEqual(a, b []Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ApplyMessageUpdate applies an incoming message list to a thread in memory.
// Returns false without mutating anything if the list is element-wise equal
// to what the thread already holds. Otherwise it replaces the list, advances
// UpdatedAt, and runs title inference while the thread still carries the
// default title and has accumulated at least two messages.
func ApplyMessageUpdate(t *ChatThread, messages []Message, now int64) bool {
	if MessagesEqual(t.Messages, messages) {
		return false
	}
	t.Messages = append([]Message(nil), messages...)
	t.UpdatedAt = now
	if t.Title == DefaultTitle && len(messages) >= 2 {
		if title := InferTitle(messages); title != "" {
			t.Title = title
		}
	}
	return true
}

// ReassignActive makes the thread with the greatest UpdatedAt the single
// active thread. With no threads remaining there is no active thread.
func ReassignActive(threads []*ChatThread) {
	var winner *ChatThread
	for _, t := range threads {
		t.IsActive = false
		if winner == nil || t.UpdatedAt > winner.UpdatedAt {
			winner = t
		}
	}
	if winner != nil {
		winner.IsActive = true
	}
}
