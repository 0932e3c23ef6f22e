// Package registry is the authoritative store of sessions and their participants.
package registry

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aura-webinar/bbb-monitor/internal/models"
)

// MeetingTx is the view of one meeting's rows inside an exclusive per-meeting scope.
// Every write made through it is committed together when the scope returns nil.
type MeetingTx interface {
	// Session returns the meeting's session, or nil when none exists yet.
	Session(ctx context.Context) (*models.Session, error)
	InsertSession(ctx context.Context, s *models.Session) error
	UpdateSession(ctx context.Context, s *models.Session) error
	// OpenParticipants returns participants without a leave time, oldest join first.
	OpenParticipants(ctx context.Context, sessionID uuid.UUID) ([]models.Participant, error)
	InsertParticipant(ctx context.Context, p *models.Participant) error
	CloseParticipant(ctx context.Context, id uuid.UUID, leaveTime time.Time) error
}

// Store persists sessions and participants.
//
// WithMeeting serializes all callers for the same meeting ID; callers for
// different meetings proceed in parallel.
type Store interface {
	WithMeeting(ctx context.Context, meetingID string, fn func(tx MeetingTx) error) error
	GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error)
	GetSessionByMeetingID(ctx context.Context, meetingID string) (*models.Session, error)
	// ListSessions returns sessions matching f, newest start time first.
	ListSessions(ctx context.Context, f Filter) ([]models.Session, error)
	// Participants returns all participants of a session ordered by join time.
	Participants(ctx context.Context, sessionID uuid.UUID) ([]models.Participant, error)
	// DeleteEndedBefore removes ended sessions whose end time is before cutoff, with their participants.
	DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Filter narrows session queries. Zero-valued fields impose no restriction.
type Filter struct {
	Status          models.SessionStatus
	DateFrom        *time.Time // inclusive
	DateTo          *time.Time // inclusive through the end of that calendar day
	CourseID        *int64
	Lecturer        string // case-insensitive substring of the moderator name
	RecordingStatus models.RecordingStatus
}

// dateToExclusive returns the first instant after the DateTo day.
func (f Filter) dateToExclusive() time.Time {
	d := *f.DateTo
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, d.Location()).AddDate(0, 0, 1)
}

// Match reports whether s satisfies the filter.
func (f Filter) Match(s *models.Session) bool {
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.DateFrom != nil && s.StartTime.Before(*f.DateFrom) {
		return false
	}
	if f.DateTo != nil && !s.StartTime.Before(f.dateToExclusive()) {
		return false
	}
	if f.CourseID != nil && s.CourseID != *f.CourseID {
		return false
	}
	if f.Lecturer != "" && !strings.Contains(strings.ToLower(s.ModeratorName), strings.ToLower(f.Lecturer)) {
		return false
	}
	if f.RecordingStatus != "" && s.RecordingStatus != f.RecordingStatus {
		return false
	}
	return true
}

var (
	_ Store = (*Repository)(nil)
	_ Store = (*MemoryStore)(nil)
)
