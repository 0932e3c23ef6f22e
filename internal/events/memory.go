package events

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aura-webinar/bbb-monitor/internal/models"
)

// MemoryStore is an in-process event store for tests and development.
type MemoryStore struct {
	mu      sync.Mutex
	byID    map[uuid.UUID]*models.WebhookEvent
	byDedup map[string]uuid.UUID
	now     func() time.Time
}

// NewMemoryStore creates an empty event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[uuid.UUID]*models.WebhookEvent),
		byDedup: make(map[string]uuid.UUID),
		now:     time.Now,
	}
}

func (m *MemoryStore) Append(_ context.Context, e *models.WebhookEvent) (*models.WebhookEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byDedup[e.DedupKey]; ok {
		return copyEvent(m.byID[id]), true, nil
	}
	stored := copyEvent(e)
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	if stored.ReceivedAt.IsZero() {
		stored.ReceivedAt = m.now().UTC()
	}
	stored.Processed, stored.ProcessedAt, stored.Error = false, nil, nil
	m.byID[stored.ID] = stored
	m.byDedup[stored.DedupKey] = stored.ID
	return copyEvent(stored), false, nil
}

func (m *MemoryStore) MarkProcessed(_ context.Context, id uuid.UUID) error {
	return m.mark(id, nil)
}

func (m *MemoryStore) MarkFailed(_ context.Context, id uuid.UUID, reason string) error {
	return m.mark(id, &reason)
}

func (m *MemoryStore) mark(id uuid.UUID, reason *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	if !ok {
		return ErrEventNotFound
	}
	now := m.now().UTC()
	e.Processed = true
	e.ProcessedAt = &now
	e.Error = reason
	return nil
}

func (m *MemoryStore) ListUnprocessed(_ context.Context, limit int) ([]models.WebhookEvent, error) {
	m.mu.Lock()
	var list []models.WebhookEvent
	for _, e := range m.byID {
		if !e.Processed {
			list = append(list, *copyEvent(e))
		}
	}
	m.mu.Unlock()
	sort.Slice(list, func(i, j int) bool {
		if list[i].ReceivedAt.Equal(list[j].ReceivedAt) {
			return list[i].ID.String() < list[j].ID.String()
		}
		return list[i].ReceivedAt.Before(list[j].ReceivedAt)
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (m *MemoryStore) DeleteProcessedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, e := range m.byID {
		if e.Processed && e.ReceivedAt.Before(cutoff) {
			delete(m.byID, id)
			delete(m.byDedup, e.DedupKey)
			n++
		}
	}
	return n, nil
}

// Get returns a copy of an event by ID.
func (m *MemoryStore) Get(id uuid.UUID) (*models.WebhookEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	if !ok {
		return nil, false
	}
	return copyEvent(e), true
}

func copyEvent(e *models.WebhookEvent) *models.WebhookEvent {
	c := *e
	c.RawPayload = append([]byte(nil), e.RawPayload...)
	if e.ProcessedAt != nil {
		t := *e.ProcessedAt
		c.ProcessedAt = &t
	}
	if e.Error != nil {
		s := *e.Error
		c.Error = &s
	}
	return &c
}
