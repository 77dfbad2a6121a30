// ABOUTME: Flat-file implementation of the Store interface
// ABOUTME: The whole Dataset is one JSON document encoded as a single blob at data.json

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/2389/hearth-vault/internal/blob"
)

// FlatFileStore keeps the entire Dataset in one file containing exactly one
// encoded blob. Any mutation reads the whole document, mutates it in memory,
// re-encodes and overwrites the file.
type FlatFileStore struct {
	path   string
	fs     FS
	logger *slog.Logger
}

// NewFlatFileStore creates a flat-file store at the given path. Pass nil fs
// to use the real filesystem.
func NewFlatFileStore(path string, fsys FS) *FlatFileStore {
	if fsys == nil {
		fsys = OSFS{}
	}
	return &FlatFileStore{
		path:   path,
		fs:     fsys,
		logger: slog.Default().With("component", "flatfile-store"),
	}
}

// Path returns the location of the data file.
func (s *FlatFileStore) Path() string {
	return s.path
}

// Load decodes the persisted Dataset. A missing file yields an empty
// Dataset (fresh vault). A wrong password surfaces as blob.ErrAuthentication.
func (s *FlatFileStore) Load(ctx context.Context, password string) (*Dataset, error) {
	if !s.fs.Exists(s.path) {
		s.logger.Debug("no data file, starting empty", "path", s.path)
		return &Dataset{}, nil
	}

	raw, err := s.fs.Read(s.path)
	if err != nil {
		return nil, fmt.Errorf("reading data file: %w", err)
	}

	doc, err := blob.DecodeDocument(string(raw), password)
	if err != nil {
		return nil, err
	}

	var data Dataset
	if err := json.Unmarshal(doc, &data); err != nil {
		return nil, fmt.Errorf("%w: decoding dataset: %v", blob.ErrFormat, err)
	}
	return &data, nil
}

// Save re-encodes the whole Dataset and overwrites the file.
func (s *FlatFileStore) Save(ctx context.Context, data *Dataset, password string) error {
	doc, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding dataset: %w", err)
	}

	encoded, err := blob.EncodeDocument(doc, password)
	if err != nil {
		return err
	}

	if err := s.fs.Write(s.path, []byte(encoded)); err != nil {
		return fmt.Errorf("writing data file: %w", err)
	}

	s.logger.Debug("saved dataset", "path", s.path, "threads", len(data.Threads))
	return nil
}

// CreateThread appends a new empty thread with the default title and
// returns its id. IDs are time-ordered.
func (s *FlatFileStore) CreateThread(ctx context.Context, model ModelDescriptor, password string) (string, error) {
	data, err := s.Load(ctx, password)
	if err != nil {
		return "", err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generating thread id: %w", err)
	}

	now := nowMillis()
	data.Threads = append(data.Threads, &ChatThread{
		ID:        id.String(),
		Title:     DefaultTitle,
		Model:     model,
		CreatedAt: now,
		UpdatedAt: now,
	})

	if err := s.Save(ctx, data, password); err != nil {
		return "", err
	}

	s.logger.Debug("created thread", "id", id.String())
	return id.String(), nil
}

// UpdateThreadMessages persists a thread's full message list. A list that is
// element-wise identical to what is stored is a no-op: no write occurs.
func (s *FlatFileStore) UpdateThreadMessages(ctx context.Context, threadID string, messages []Message, password string) error {
	data, err := s.Load(ctx, password)
	if err != nil {
		return err
	}

	thread := data.Thread(threadID)
	if thread == nil {
		return fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}

	if !ApplyMessageUpdate(thread, messages, nowMillis()) {
		s.logger.Debug("message list unchanged, skipping write", "thread_id", threadID)
		return nil
	}

	return s.Save(ctx, data, password)
}

// SetActiveThread makes threadID the single active thread, clearing the
// flag on the previous holder.
func (s *FlatFileStore) SetActiveThread(ctx context.Context, threadID string, password string) error {
	data, err := s.Load(ctx, password)
	if err != nil {
		return err
	}

	target := data.Thread(threadID)
	if target == nil {
		return fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}

	for _, t := range data.Threads {
		t.IsActive = false
	}
	target.IsActive = true

	return s.Save(ctx, data, password)
}

// DeleteThread removes a thread and its messages. If the removed thread was
// active, the remaining thread with the greatest UpdatedAt becomes active.
func (s *FlatFileStore) DeleteThread(ctx context.Context, threadID string, password string) error {
	data, err := s.Load(ctx, password)
	if err != nil {
		return err
	}

	idx := -1
	for i, t := range data.Threads {
		if t.ID == threadID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}

	wasActive := data.Threads[idx].IsActive
	data.Threads = append(data.Threads[:idx], data.Threads[idx+1:]...)

	if wasActive {
		ReassignActive(data.Threads)
	}

	if err := s.Save(ctx, data, password); err != nil {
		return err
	}

	s.logger.Debug("deleted thread", "id", threadID, "was_active", wasActive)
	return nil
}

// Close is a no-op for the flat-file backend.
func (s *FlatFileStore) Close() error {
	return nil
}

var _ Store = (*FlatFileStore)(nil)
