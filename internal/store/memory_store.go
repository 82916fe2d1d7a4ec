// Package store provides storage backends for the therapy orchestrator.
//
// This file implements the in-memory store used by tests and local development.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/barisgudul/Therapy-New-sub003/internal/models"
)

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

type diaryCounter struct {
	userID string
	turns  int
}

// InMemoryStore keeps all state in process memory.
type InMemoryStore struct {
	mu        sync.RWMutex
	events    map[string]models.Event
	decisions []models.DecisionLog
	diary     map[string]diaryCounter
	vaults    map[string]*models.Vault
	fragments []models.MemoryFragment
	nextFragI int64
	dedup     map[string]*DedupRecord
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		events: make(map[string]models.Event),
		diary:  make(map[string]diaryCounter),
		vaults: make(map[string]*models.Vault),
		dedup:  make(map[string]*DedupRecord),
	}
}

func (s *InMemoryStore) UpsertEvent(ctx context.Context, e models.Event) (models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e = e.WithData(nil)
	if prev, ok := s.events[e.ID]; ok {
		e.CreatedAt = prev.CreatedAt
	}
	s.events[e.ID] = e
	return e, nil
}

func (s *InMemoryStore) InsertEvent(ctx context.Context, e models.Event) (models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[e.ID]; ok {
		return models.Event{}, ErrDuplicateKey
	}
	e = e.WithData(nil)
	s.events[e.ID] = e
	return e, nil
}

func (s *InMemoryStore) UpdateEventData(ctx context.Context, id string, patch map[string]any) (models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return models.Event{}, models.ErrEventNotFound
	}
	e = e.WithData(patch)
	s.events[id] = e
	return e, nil
}

func (s *InMemoryStore) ClaimEventData(ctx context.Context, id, flag string, patch map[string]any) (models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return models.Event{}, models.ErrEventNotFound
	}
	if claimed, _ := e.Data[flag].(bool); claimed {
		return models.Event{}, models.ErrEventClaimed
	}
	e = e.WithData(patch)
	s.events[id] = e
	return e, nil
}

func (s *InMemoryStore) GetEvent(ctx context.Context, userID, id string) (*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok || e.UserID != userID {
		return nil, models.ErrEventNotFound
	}
	e = e.WithData(nil)
	return &e, nil
}

func (s *InMemoryStore) ListRecentEvents(ctx context.Context, userID string, limit int, types ...models.EventType) ([]models.Event, error) {
	if limit <= 0 {
		limit = DefaultRecentEventsLimit
	}
	want := make(map[models.EventType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}

	s.mu.RLock()
	var out []models.Event
	for _, e := range s.events {
		if e.UserID != userID || (len(want) > 0 && !want[e.Type]) {
			continue
		}
		out = append(out, e.WithData(nil))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) InsertDecisionLog(ctx context.Context, d models.DecisionLog) (models.DecisionLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, d)
	return d, nil
}

// DecisionLogs returns a copy of the stored decision logs.
func (s *InMemoryStore) DecisionLogs() []models.DecisionLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.DecisionLog(nil), s.decisions...)
}

func (s *InMemoryStore) DiaryTurns(ctx context.Context, userID, conversationID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.diary[conversationID]
	if ok && c.userID != userID {
		return 0, ErrConversationOwnership
	}
	return c.turns, nil
}

func (s *InMemoryStore) IncrementDiaryTurn(ctx context.Context, userID, conversationID string, maxTurns int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.diary[conversationID]
	if ok && c.userID != userID {
		return 0, ErrConversationOwnership
	}
	if c.turns >= maxTurns {
		return c.turns, ErrConversationFinished
	}
	c.userID = userID
	c.turns++
	s.diary[conversationID] = c
	return c.turns, nil
}

func (s *InMemoryStore) GetUserVault(ctx context.Context, userID string) (*models.Vault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.vaults[userID]; ok {
		return v.Clone(), nil
	}
	return models.NewVault(userID), nil
}

func (s *InMemoryStore) UpdateUserVault(ctx context.Context, userID string, patch models.VaultPatch) (*models.Vault, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.vaults[userID]
	if !ok {
		current = models.NewVault(userID)
	}
	next := current.Apply(patch, time.Now())
	next.UserID = userID
	s.vaults[userID] = next
	return next.Clone(), nil
}

func (s *InMemoryStore) AddMemoryFragment(ctx context.Context, f models.MemoryFragment) (models.MemoryFragment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextFragI++
	f.ID = s.nextFragI
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	f.Embedding = append([]float32(nil), f.Embedding...)
	s.fragments = append(s.fragments, f)
	return f, nil
}

func (s *InMemoryStore) ListMemoryFragments(ctx context.Context, userID string, layers ...models.SourceLayer) ([]models.MemoryFragment, error) {
	want := make(map[models.SourceLayer]bool, len(layers))
	for _, l := range layers {
		want[l] = true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.MemoryFragment
	for _, f := range s.fragments {
		if f.UserID != userID || (len(want) > 0 && !want[f.SourceLayer]) {
			continue
		}
		f.Embedding = append([]float32(nil), f.Embedding...)
		out = append(out, f)
	}
	return out, nil
}

func (s *InMemoryStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.dedup[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(ctx context.Context, messageID, senderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = &DedupRecord{MessageID: messageID, SenderID: senderID, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) ReleaseInbound(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.dedup[messageID]; ok && rec.ProcessedAt == nil {
		delete(s.dedup, messageID)
	}
	return nil
}

func (s *InMemoryStore) MarkProcessed(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.dedup[messageID]; ok {
		now := time.Now()
		rec.ProcessedAt = &now
	}
	return nil
}

// Ping always succeeds.
func (s *InMemoryStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }
