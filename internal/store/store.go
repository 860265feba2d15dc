// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/quill/internal/model"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// historyKey is the single backend key the whole conversation list
	// lives under.
	historyKey = "chat_history"

	// DefaultRetention is how long an untouched conversation survives.
	DefaultRetention = 30 * 24 * time.Hour
)

// TitleFunc produces a short title for a conversation from its first user
// message. It runs on a background goroutine and may take as long as a
// network round trip.
type TitleFunc func(ctx context.Context, firstUserMessage string) (string, error)

// =============================================================================
// STORE
// =============================================================================

// Store is the in-memory conversation list plus its persistence policy.
// The list is ordered most recently used first and written through the
// backend as one document on every mutation. All methods are safe for
// concurrent use.
type Store struct {
	mu      sync.Mutex
	convs   []model.Conversation
	backend Backend
	logger  *zap.Logger

	// Retention is the age past which conversations are dropped.
	Retention time.Duration

	// TitleFn, when set, is invoked asynchronously to title new
	// conversations. The result is applied only while the conversation
	// still carries the default title.
	TitleFn TitleFunc

	// now is the clock, replaceable in tests.
	now func() time.Time

	// titleWG tracks in-flight title generation for clean shutdown.
	titleWG sync.WaitGroup
}

// New creates a store over backend. logger may not be nil; pass zap.NewNop()
// to discard.
func New(backend Backend, logger *zap.Logger) *Store {
	return &Store{
		backend:   backend,
		logger:    logger,
		Retention: DefaultRetention,
		now:       time.Now,
	}
}

// SetRetention changes the retention horizon. Safe to call while the store
// is in use; the next mutation prunes against the new horizon.
func (s *Store) SetRetention(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Retention = d
}

// Load reads the persisted conversation list, dropping expired entries.
// A missing key is a fresh install, not an error; a corrupt document is
// logged and treated as empty rather than blocking startup.
func (s *Store) Load(ctx context.Context) error {
	data, err := s.backend.Read(ctx, historyKey)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	var convs []model.Conversation
	if err := json.Unmarshal(data, &convs); err != nil {
		s.logger.Warn("history document corrupt, starting empty",
			zap.Error(err))
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs = s.pruneLocked(convs)
	return nil
}

// pruneLocked drops conversations older than the retention horizon.
func (s *Store) pruneLocked(convs []model.Conversation) []model.Conversation {
	now := s.now()
	kept := convs[:0]
	for _, c := range convs {
		if !c.OlderThan(s.Retention, now) {
			kept = append(kept, c)
		}
	}
	if n := len(convs) - len(kept); n > 0 {
		s.logger.Info("expired conversations dropped", zap.Int("count", n))
	}
	return kept
}

// =============================================================================
// MUTATIONS
// =============================================================================

// Upsert creates or updates the conversation with id, setting its messages,
// refreshing its timestamp and moving it to the front of the list, then
// persists. A new conversation starts with the default title and, when
// TitleFn is set, gets titled in the background from its first user message.
func (s *Store) Upsert(ctx context.Context, id string, messages []model.Message) (*model.Conversation, error) {
	s.mu.Lock()

	idx := s.indexLocked(id)
	var conv *model.Conversation
	created := false
	if idx < 0 {
		s.convs = append([]model.Conversation{{
			ID:    id,
			Title: model.DefaultTitle,
		}}, s.convs...)
		conv = &s.convs[0]
		created = true
	} else {
		// Move to front; most recently used leads the persisted order.
		c := s.convs[idx]
		s.convs = append(s.convs[:idx], s.convs[idx+1:]...)
		s.convs = append([]model.Conversation{c}, s.convs...)
		conv = &s.convs[0]
	}

	conv.Messages = messages
	conv.Touch()

	if err := s.saveLocked(ctx); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	snapshot := conv.Clone()
	needsTitle := created && conv.Title == model.DefaultTitle
	s.mu.Unlock()

	if needsTitle && s.TitleFn != nil {
		if first := firstUserText(messages); first != "" {
			s.spawnTitle(id, first)
		}
	}
	return snapshot, nil
}

// firstUserText returns the text of the first user message, if any.
func firstUserText(messages []model.Message) string {
	for _, m := range messages {
		if m.Role == model.RoleUser {
			return m.Content.Plain()
		}
	}
	return ""
}

// spawnTitle generates a title in the background and applies it only if the
// conversation still carries the default title when the result arrives.
func (s *Store) spawnTitle(id, firstUserMessage string) {
	s.titleWG.Add(1)
	go func() {
		defer s.titleWG.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		title, err := s.TitleFn(ctx, firstUserMessage)
		if err != nil || title == "" {
			s.logger.Debug("title generation failed",
				zap.String("conversation", id), zap.Error(err))
			return
		}
		if err := s.SetTitleIfDefault(ctx, id, title); err != nil {
			s.logger.Warn("title save failed",
				zap.String("conversation", id), zap.Error(err))
		}
	}()
}

// SetTitleIfDefault applies title to the conversation with id, but only
// while it still has the default title. Renames the user made in the
// meantime win; so does deletion.
func (s *Store) SetTitleIfDefault(ctx context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(id)
	if idx < 0 || s.convs[idx].Title != model.DefaultTitle {
		return nil
	}
	s.convs[idx].Title = title
	return s.saveLocked(ctx)
}

// Remove deletes the conversation with id and persists.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(id)
	if idx < 0 {
		return ErrNotFound
	}
	s.convs = append(s.convs[:idx], s.convs[idx+1:]...)
	return s.saveLocked(ctx)
}

// EvictExpired drops conversations past the retention horizon and persists
// if anything changed.
func (s *Store) EvictExpired(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := len(s.convs)
	s.convs = s.pruneLocked(s.convs)
	if len(s.convs) == before {
		return nil
	}
	return s.saveLocked(ctx)
}

// Wait blocks until background title generation has drained.
func (s *Store) Wait() {
	s.titleWG.Wait()
}

// =============================================================================
// SAVE
// =============================================================================

// saveLocked writes the list through the backend. Expired conversations are
// pruned first. On ErrQuotaExceeded the oldest conversation (the tail of the
// MRU order) is evicted and the write retried; the loop is bounded by the
// list length, and an empty list that still does not fit surfaces the error.
func (s *Store) saveLocked(ctx context.Context) error {
	s.convs = s.pruneLocked(s.convs)

	for {
		data, err := json.Marshal(s.convs)
		if err != nil {
			return fmt.Errorf("marshal history: %w", err)
		}

		err = s.backend.Write(ctx, historyKey, data)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrQuotaExceeded) {
			return fmt.Errorf("save history: %w", err)
		}
		if len(s.convs) == 0 {
			return err
		}

		evicted := s.convs[len(s.convs)-1]
		s.convs = s.convs[:len(s.convs)-1]
		s.logger.Info("quota exceeded, evicted oldest conversation",
			zap.String("conversation", evicted.ID),
			zap.String("title", evicted.Title))
	}
}

// =============================================================================
// QUERIES
// =============================================================================

// indexLocked returns the position of id in the list, or -1.
func (s *Store) indexLocked(id string) int {
	for i := range s.convs {
		if s.convs[i].ID == id {
			return i
		}
	}
	return -1
}

// List returns the conversations most recently used first. The result is a
// deep copy; callers may mutate it freely.
func (s *Store) List() []model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Conversation, len(s.convs))
	for i := range s.convs {
		out[i] = *s.convs[i].Clone()
	}
	return out
}

// Get returns a copy of the conversation with id, or ErrNotFound.
func (s *Store) Get(id string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(id)
	if idx < 0 {
		return nil, ErrNotFound
	}
	return s.convs[idx].Clone(), nil
}

// Len returns the number of stored conversations.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.convs)
}
