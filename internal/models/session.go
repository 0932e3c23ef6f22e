package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a conferencing session.
type SessionStatus string

const (
	SessionStatusActive SessionStatus = "active"
	SessionStatusEnded  SessionStatus = "ended"
)

// RecordingStatus represents the recording lifecycle of a session.
type RecordingStatus string

const (
	RecordingStatusNone       RecordingStatus = "none"
	RecordingStatusRecording  RecordingStatus = "recording"
	RecordingStatusProcessing RecordingStatus = "processing"
	RecordingStatusAvailable  RecordingStatus = "available"
)

// Valid reports whether s is a known recording status.
func (s RecordingStatus) Valid() bool {
	switch s {
	case RecordingStatusNone, RecordingStatusRecording, RecordingStatusProcessing, RecordingStatusAvailable:
		return true
	}
	return false
}

// Session is one BBB meeting instance as tracked by the registry.
type Session struct {
	ID                  uuid.UUID       `json:"id"`
	MeetingID           string          `json:"meeting_id"`
	CourseID            int64           `json:"course_id"`
	CourseName          string          `json:"course_name"`
	ActivityID          *int64          `json:"activity_id,omitempty"`
	SessionName         string          `json:"session_name"`
	ModeratorName       string          `json:"moderator_name"`
	StartTime           time.Time       `json:"start_time"`
	EndTime             *time.Time      `json:"end_time,omitempty"`
	DurationMinutes     *int            `json:"duration_minutes,omitempty"`
	CurrentParticipants int             `json:"current_participants"`
	PeakParticipants    int             `json:"peak_participants"`
	RecordingStatus     RecordingStatus `json:"recording_status"`
	RecordingURL        *string         `json:"recording_url,omitempty"`
	Status              SessionStatus   `json:"status"`
	// LastWebhookAt is the observation time of the newest webhook fact that
	// changed the participant count. Poll snapshots older than this are ignored.
	LastWebhookAt *time.Time `json:"last_webhook_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`

	Participants []Participant `json:"participants,omitempty"`
}

// IsActive reports whether the session is still running.
func (s *Session) IsActive() bool { return s.Status == SessionStatusActive }

// Clone returns a deep copy of s, so snapshots handed to callers cannot alias registry state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.ActivityID = clonePtr(s.ActivityID)
	c.EndTime = clonePtr(s.EndTime)
	c.DurationMinutes = clonePtr(s.DurationMinutes)
	c.RecordingURL = clonePtr(s.RecordingURL)
	c.LastWebhookAt = clonePtr(s.LastWebhookAt)
	if s.Participants != nil {
		c.Participants = make([]Participant, len(s.Participants))
		for i := range s.Participants {
			c.Participants[i] = *s.Participants[i].Clone()
		}
	}
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
