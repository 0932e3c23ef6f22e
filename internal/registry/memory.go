package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aura-webinar/bbb-monitor/internal/models"
)

// MemoryStore is an in-process Store. It backs tests and single-node development runs.
type MemoryStore struct {
	mu           sync.RWMutex
	sessions     map[uuid.UUID]*models.Session
	byMeeting    map[string]uuid.UUID
	participants map[uuid.UUID][]*models.Participant

	locks *keyedMutex
	now   func() time.Time
}

// NewMemoryStore creates an empty in-memory registry.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:     make(map[uuid.UUID]*models.Session),
		byMeeting:    make(map[string]uuid.UUID),
		participants: make(map[uuid.UUID][]*models.Participant),
		locks:        newKeyedMutex(),
		now:          time.Now,
	}
}

// WithMeeting runs fn while holding the meeting's lock.
// Writes are applied immediately; a failing fn does not roll back earlier writes.
func (m *MemoryStore) WithMeeting(ctx context.Context, meetingID string, fn func(tx MeetingTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := m.locks.Lock(meetingID)
	defer unlock()
	return fn(&memoryTx{store: m, meetingID: meetingID})
}

// GetSession returns a session by internal ID.
func (m *MemoryStore) GetSession(_ context.Context, id uuid.UUID) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

// GetSessionByMeetingID returns a session by BBB meeting ID.
func (m *MemoryStore) GetSessionByMeetingID(_ context.Context, meetingID string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byMeeting[meetingID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return m.sessions[id].Clone(), nil
}

// ListSessions returns matching sessions, newest start first.
func (m *MemoryStore) ListSessions(_ context.Context, f Filter) ([]models.Session, error) {
	m.mu.RLock()
	list := make([]models.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if f.Match(s) {
			list = append(list, *s.Clone())
		}
	}
	m.mu.RUnlock()
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].StartTime.Equal(list[j].StartTime) {
			return list[i].MeetingID < list[j].MeetingID
		}
		return list[i].StartTime.After(list[j].StartTime)
	})
	return list, nil
}

// Participants returns the session's participants ordered by join time.
func (m *MemoryStore) Participants(_ context.Context, sessionID uuid.UUID) ([]models.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.participantsLocked(sessionID, false), nil
}

// DeleteEndedBefore removes sessions ended before cutoff and their participants.
func (m *MemoryStore) DeleteEndedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.sessions {
		if s.Status != models.SessionStatusEnded || s.EndTime == nil || !s.EndTime.Before(cutoff) {
			continue
		}
		delete(m.sessions, id)
		delete(m.byMeeting, s.MeetingID)
		delete(m.participants, id)
		n++
	}
	return n, nil
}

func (m *MemoryStore) participantsLocked(sessionID uuid.UUID, openOnly bool) []models.Participant {
	var out []models.Participant
	for _, p := range m.participants[sessionID] {
		if openOnly && !p.IsOpen() {
			continue
		}
		out = append(out, *p.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].JoinTime.Before(out[j].JoinTime) })
	return out
}

type memoryTx struct {
	store     *MemoryStore
	meetingID string
}

func (t *memoryTx) Session(_ context.Context) (*models.Session, error) {
	m := t.store
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byMeeting[t.meetingID]
	if !ok {
		return nil, nil
	}
	return m.sessions[id].Clone(), nil
}

func (t *memoryTx) InsertSession(_ context.Context, s *models.Session) error {
	m := t.store
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byMeeting[s.MeetingID]; ok {
		return ErrDuplicateMeeting
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	now := m.now()
	s.CreatedAt, s.UpdatedAt = now, now
	stored := s.Clone()
	stored.Participants = nil
	m.sessions[s.ID] = stored
	m.byMeeting[s.MeetingID] = s.ID
	return nil
}

func (t *memoryTx) UpdateSession(_ context.Context, s *models.Session) error {
	m := t.store
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return ErrSessionNotFound
	}
	s.UpdatedAt = m.now()
	stored := s.Clone()
	stored.Participants = nil
	m.sessions[s.ID] = stored
	return nil
}

func (t *memoryTx) OpenParticipants(_ context.Context, sessionID uuid.UUID) ([]models.Participant, error) {
	m := t.store
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.participantsLocked(sessionID, true), nil
}

func (t *memoryTx) InsertParticipant(_ context.Context, p *models.Participant) error {
	m := t.store
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[p.SessionID]; !ok {
		return ErrSessionNotFound
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	m.participants[p.SessionID] = append(m.participants[p.SessionID], p.Clone())
	return nil
}

func (t *memoryTx) CloseParticipant(_ context.Context, id uuid.UUID, leaveTime time.Time) error {
	m := t.store
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, list := range m.participants {
		for _, p := range list {
			if p.ID != id {
				continue
			}
			if !p.IsOpen() {
				return ErrParticipantClosed
			}
			lt := leaveTime
			p.LeaveTime = &lt
			return nil
		}
	}
	return ErrParticipantAbsent
}
