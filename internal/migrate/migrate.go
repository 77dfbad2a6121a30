// ABOUTME: One-way migration from the flat-file backend to the relational backend
// ABOUTME: Leaves a .bak copy of the flat file; not transactional across backends

package migrate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/hearth-vault/internal/store"
)

// Error wraps a failure in a named migration step. Failure leaves the
// relational store partially populated and the flat file untouched.
type Error struct {
	Step string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("migration %s: %v", e.Step, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Migrator performs the one-shot flat-file to relational transform.
type Migrator struct {
	flat   *store.FlatFileStore
	rel    *store.SQLiteStore
	fs     store.FS
	logger *slog.Logger
}

// New creates a migrator between the two backends. Pass nil fs to use the
// real filesystem.
func New(flat *store.FlatFileStore, rel *store.SQLiteStore, fsys store.FS) *Migrator {
	if fsys == nil {
		fsys = store.OSFS{}
	}
	return &Migrator{
		flat:   flat,
		rel:    rel,
		fs:     fsys,
		logger: slog.Default().With("component", "migrate"),
	}
}

// Migrate decodes the flat-file dataset with the given password and imports
// it into the relational store, field-encrypting message text and api keys.
// The original flat file is copied (not moved) to a .bak sibling and left in
// place.
func (m *Migrator) Migrate(ctx context.Context, password string) error {
	data, err := m.flat.Load(ctx, password)
	if err != nil {
		return &Error{Step: "decode", Err: err}
	}

	bakPath := m.flat.Path() + ".bak"
	if m.fs.Exists(m.flat.Path()) {
		if err := m.fs.Copy(m.flat.Path(), bakPath); err != nil {
			return &Error{Step: "backup", Err: err}
		}
		m.logger.Info("flat file backed up", "path", bakPath)
	}

	for _, thread := range data.Threads {
		if err := m.rel.PersistThread(ctx, thread, password); err != nil {
			return &Error{Step: "threads", Err: err}
		}
	}

	for _, key := range data.APIKeys {
		if err := m.rel.UpsertAPIKey(ctx, key.Service, key.Key, password); err != nil {
			return &Error{Step: "api_keys", Err: err}
		}
	}

	if err := m.rel.UpsertSettings(ctx, data.Settings); err != nil {
		return &Error{Step: "settings", Err: err}
	}

	m.logger.Info("migration complete",
		"threads", len(data.Threads),
		"api_keys", len(data.APIKeys))
	return nil
}
