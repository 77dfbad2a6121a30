// ABOUTME: Service is the central layer between the UI and the persistence backend
// ABOUTME: Owns the in-memory Dataset mirror and write-through plus local-only mutations

package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/hearth-vault/internal/auth"
	"github.com/2389/hearth-vault/internal/store"
)

// Service owns the held Dataset and routes mutations to the configured
// backend. Write-through methods persist and then reconcile the in-memory
// mirror; the *Local variants mutate only the mirror so the UI can feel
// instant, with a deferred write-through following.
type Service struct {
	mu      sync.Mutex
	store   store.Store
	session *auth.Session
	data    *store.Dataset
	logger  *slog.Logger
}

// New creates a chat service over the given backend. The auth session
// supplies the password every codec operation needs.
func New(st store.Store, session *auth.Session, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   st,
		session: session,
		logger:  logger.With("component", "chat"),
	}
}

// LoadData decodes the persisted Dataset and keeps it as the in-memory
// mirror. Codec errors propagate uncaught; the caller decides how to
// surface them.
func (s *Service) LoadData(ctx context.Context) (*store.Dataset, error) {
	data, err := s.store.Load(ctx, s.session.Password())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.data = data
	s.mu.Unlock()

	s.logger.Debug("dataset loaded", "threads", len(data.Threads), "api_keys", len(data.APIKeys))
	return data, nil
}

// SaveData persists the given Dataset wholesale and adopts it as the mirror.
func (s *Service) SaveData(ctx context.Context, data *store.Dataset) error {
	if err := s.store.Save(ctx, data, s.session.Password()); err != nil {
		return err
	}

	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
	return nil
}

// Dataset returns the in-memory mirror, which may be nil before LoadData.
func (s *Service) Dataset() *store.Dataset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// CreateChatThread creates a new empty thread and mirrors it locally.
func (s *Service) CreateChatThread(ctx context.Context, model store.ModelDescriptor) (string, error) {
	id, err := s.store.CreateThread(ctx, model, s.session.Password())
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.data != nil {
		now := time.Now().UnixMilli()
		s.data.Threads = append(s.data.Threads, &store.ChatThread{
			ID:        id,
			Title:     store.DefaultTitle,
			Model:     model,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	s.mu.Unlock()

	return id, nil
}

// UpdateChatThread persists a thread's full message list through the
// backend and applies the same update to the mirror.
func (s *Service) UpdateChatThread(ctx context.Context, threadID string, messages []store.Message) error {
	if err := s.store.UpdateThreadMessages(ctx, threadID, messages, s.session.Password()); err != nil {
		return err
	}

	s.mu.Lock()
	if s.data != nil {
		if thread := s.data.Thread(threadID); thread != nil {
			store.ApplyMessageUpdate(thread, messages, time.Now().UnixMilli())
		}
	}
	s.mu.Unlock()
	return nil
}

// SetActiveThread makes threadID the single active thread.
func (s *Service) SetActiveThread(ctx context.Context, threadID string) error {
	if err := s.store.SetActiveThread(ctx, threadID, s.session.Password()); err != nil {
		return err
	}

	s.mu.Lock()
	if s.data != nil {
		for _, t := range s.data.Threads {
			t.IsActive = t.ID == threadID
		}
	}
	s.mu.Unlock()
	return nil
}

// DeleteChatThread removes a thread and its messages, reassigning the
// active thread when needed.
func (s *Service) DeleteChatThread(ctx context.Context, threadID string) error {
	if err := s.store.DeleteThread(ctx, threadID, s.session.Password()); err != nil {
		return err
	}

	s.mu.Lock()
	s.deleteLocal(threadID)
	s.mu.Unlock()
	return nil
}

// UpdateChatThreadLocal mutates only the in-memory mirror. Used for
// optimistic UI updates before write-through.
func (s *Service) UpdateChatThreadLocal(threadID string, messages []store.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return fmt.Errorf("dataset not loaded: %w", store.ErrNotFound)
	}
	thread := s.data.Thread(threadID)
	if thread == nil {
		return fmt.Errorf("thread %s: %w", threadID, store.ErrNotFound)
	}
	store.ApplyMessageUpdate(thread, messages, time.Now().UnixMilli())
	return nil
}

// SetActiveThreadLocal flips the active flag only in the mirror.
func (s *Service) SetActiveThreadLocal(threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil || s.data.Thread(threadID) == nil {
		return fmt.Errorf("thread %s: %w", threadID, store.ErrNotFound)
	}
	for _, t := range s.data.Threads {
		t.IsActive = t.ID == threadID
	}
	return nil
}

// DeleteChatThreadLocal removes a thread only from the mirror.
func (s *Service) DeleteChatThreadLocal(threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil || s.data.Thread(threadID) == nil {
		return fmt.Errorf("thread %s: %w", threadID, store.ErrNotFound)
	}
	s.deleteLocal(threadID)
	return nil
}

// deleteLocal removes threadID from the mirror and reassigns the active
// thread if the removed one held the flag. Caller holds s.mu.
func (s *Service) deleteLocal(threadID string) {
	if s.data == nil {
		return
	}
	for i, t := range s.data.Threads {
		if t.ID == threadID {
			wasActive := t.IsActive
			s.data.Threads = append(s.data.Threads[:i], s.data.Threads[i+1:]...)
			if wasActive {
				store.ReassignActive(s.data.Threads)
			}
			return
		}
	}
}

// RecordExchange appends a finished user/assistant exchange to a thread and
// persists the full message list. The streaming session commits completed
// and cancelled turns through here.
func (s *Service) RecordExchange(ctx context.Context, threadID, userText, assistantText string) error {
	s.mu.Lock()
	var existing []store.Message
	var found bool
	if s.data != nil {
		if thread := s.data.Thread(threadID); thread != nil {
			existing = append([]store.Message(nil), thread.Messages...)
			found = true
		}
	}
	s.mu.Unlock()

	if !found {
		data, err := s.store.Load(ctx, s.session.Password())
		if err != nil {
			return err
		}
		thread := data.Thread(threadID)
		if thread == nil {
			return fmt.Errorf("thread %s: %w", threadID, store.ErrNotFound)
		}
		existing = thread.Messages
	}

	now := time.Now().UnixMilli()
	messages := append(existing,
		store.Message{IsUser: true, Text: userText, Timestamp: now},
		store.Message{IsUser: false, Text: assistantText, Timestamp: now + 1},
	)
	return s.UpdateChatThread(ctx, threadID, messages)
}
