package reconciler

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/aura-webinar/bbb-monitor/internal/models"
)

// Kind names a fact variant.
type Kind string

const (
	KindMeetingCreated Kind = "meeting_created"
	KindMeetingEnded   Kind = "meeting_ended"
	KindUserJoined     Kind = "user_joined"
	KindUserLeft       Kind = "user_left"
	KindRecordingReady Kind = "recording_ready"
	KindPollSnapshot   Kind = "poll_snapshot"
)

// Fact is one observation about a meeting, from a webhook or a poll.
// The set of implementations is closed to this package.
type Fact interface {
	Kind() Kind
	Meeting() string
	// ObservedAt is when the fact became true upstream.
	ObservedAt() time.Time
	isFact()
}

// MeetingCreated reports a new meeting.
type MeetingCreated struct {
	MeetingID     string    `validate:"required,max=256"`
	CourseID      int64     `validate:"gte=0"`
	CourseName    string    `validate:"max=255"`
	ActivityID    *int64    `validate:"omitempty,gt=0"`
	SessionName   string    `validate:"required,max=255"`
	ModeratorName string    `validate:"max=255"`
	StartTime     time.Time `validate:"required"`
}

// MeetingEnded reports that a meeting finished.
type MeetingEnded struct {
	MeetingID string    `validate:"required,max=256"`
	EndTime   time.Time `validate:"required"`
}

// UserJoined reports a participant entering a meeting.
type UserJoined struct {
	MeetingID      string                 `validate:"required,max=256"`
	ExternalUserID string                 `validate:"required,max=256"`
	UserID         *int64                 `validate:"omitempty,gt=0"`
	DisplayName    string                 `validate:"max=255"`
	Role           models.ParticipantRole `validate:"omitempty,oneof=student teacher admin"`
	JoinTime       time.Time              `validate:"required"`
}

// UserLeft reports a participant leaving a meeting. ExternalUserID is the join's participant reference.
type UserLeft struct {
	MeetingID      string    `validate:"required,max=256"`
	ExternalUserID string    `validate:"required,max=256"`
	LeaveTime      time.Time `validate:"required"`
}

// RecordingReady reports that a recording of the meeting is published.
type RecordingReady struct {
	MeetingID    string    `validate:"required,max=256"`
	RecordingURL string    `validate:"required,url"`
	ReadyAt      time.Time `validate:"required"`
}

// PollSnapshot is the conferencing API's view of a meeting at PolledAt.
type PollSnapshot struct {
	MeetingID        string `validate:"required,max=256"`
	ParticipantCount int    `validate:"gte=0"`
	StillActive      bool
	PolledAt         time.Time `validate:"required"`
}

func (MeetingCreated) Kind() Kind { return KindMeetingCreated }
func (MeetingEnded) Kind() Kind   { return KindMeetingEnded }
func (UserJoined) Kind() Kind     { return KindUserJoined }
func (UserLeft) Kind() Kind       { return KindUserLeft }
func (RecordingReady) Kind() Kind { return KindRecordingReady }
func (PollSnapshot) Kind() Kind   { return KindPollSnapshot }

func (f MeetingCreated) Meeting() string { return f.MeetingID }
func (f MeetingEnded) Meeting() string   { return f.MeetingID }
func (f UserJoined) Meeting() string     { return f.MeetingID }
func (f UserLeft) Meeting() string       { return f.MeetingID }
func (f RecordingReady) Meeting() string { return f.MeetingID }
func (f PollSnapshot) Meeting() string   { return f.MeetingID }

func (f MeetingCreated) ObservedAt() time.Time { return f.StartTime }
func (f MeetingEnded) ObservedAt() time.Time   { return f.EndTime }
func (f UserJoined) ObservedAt() time.Time     { return f.JoinTime }
func (f UserLeft) ObservedAt() time.Time       { return f.LeaveTime }
func (f RecordingReady) ObservedAt() time.Time { return f.ReadyAt }
func (f PollSnapshot) ObservedAt() time.Time   { return f.PolledAt }

func (MeetingCreated) isFact() {}
func (MeetingEnded) isFact()   {}
func (UserJoined) isFact()     {}
func (UserLeft) isFact()       {}
func (RecordingReady) isFact() {}
func (PollSnapshot) isFact()   {}

var validate = validator.New()

var errNilFact = errors.New("fact is nil")

// Validate checks a fact's required fields and bounds.
func Validate(f Fact) error {
	if f == nil {
		return &ValidationError{Err: errNilFact}
	}
	if err := validate.Struct(f); err != nil {
		return &ValidationError{Kind: f.Kind(), Err: err}
	}
	return nil
}
