// Package bbb adapts BigBlueButton webhook payloads and API responses into reconciler facts.
package bbb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aura-webinar/bbb-monitor/internal/models"
	"github.com/aura-webinar/bbb-monitor/internal/reconciler"
)

// Envelope is the body of a webhook delivery: {"event": "...", "data": {...}}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ParseEnvelope decodes a webhook body. An empty or non-object body is an error.
func ParseEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	env.Event = strings.TrimSpace(env.Event)
	if env.Event == "" {
		return nil, fmt.Errorf("%w: missing event", ErrMalformedPayload)
	}
	if len(bytes.TrimSpace(env.Data)) == 0 || bytes.Equal(bytes.TrimSpace(env.Data), []byte("null")) {
		env.Data = json.RawMessage("{}")
	}
	return &env, nil
}

// Payload is the subset of webhook data fields the monitor consumes.
type Payload struct {
	EventID        string    `json:"event_id"`
	MeetingID      string    `json:"meeting_id"`
	CourseID       FlexInt   `json:"course_id"`
	CourseName     string    `json:"course_name"`
	ActivityID     *FlexInt  `json:"activity_id"`
	MeetingName    string    `json:"meeting_name"`
	ModeratorName  string    `json:"moderator_name"`
	InternalUserID string    `json:"internal_user_id"`
	ExternalUserID string    `json:"external_user_id"`
	UserID         *FlexInt  `json:"user_id"`
	UserName       string    `json:"user_name"`
	Role           string    `json:"role"`
	RecordingURL   string    `json:"recording_url"`
	Timestamp      Timestamp `json:"timestamp"`
}

// ParsePayload decodes the data object of an envelope.
func ParsePayload(data []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return &p, nil
}

// userRef is the participant reference used to pair joins with leaves.
func (p *Payload) userRef() string {
	if p.InternalUserID != "" {
		return p.InternalUserID
	}
	return p.ExternalUserID
}

func (p *Payload) at(receivedAt time.Time) time.Time {
	if p.Timestamp.IsZero() {
		return receivedAt.UTC()
	}
	return p.Timestamp.Time
}

// DecodeEvent maps a webhook delivery onto a fact. receivedAt stands in for a missing timestamp.
// Field validation is left to the reconciler.
func DecodeEvent(eventType string, data []byte, receivedAt time.Time) (reconciler.Fact, error) {
	p, err := ParsePayload(data)
	if err != nil {
		return nil, err
	}
	at := p.at(receivedAt)

	switch eventType {
	case models.EventMeetingCreated:
		name := p.MeetingName
		if name == "" {
			name = p.MeetingID
		}
		return reconciler.MeetingCreated{
			MeetingID:     p.MeetingID,
			CourseID:      int64(p.CourseID),
			CourseName:    p.CourseName,
			ActivityID:    p.ActivityID.int64Ptr(),
			SessionName:   name,
			ModeratorName: p.ModeratorName,
			StartTime:     at,
		}, nil
	case models.EventMeetingEnded:
		return reconciler.MeetingEnded{MeetingID: p.MeetingID, EndTime: at}, nil
	case models.EventUserJoined:
		return reconciler.UserJoined{
			MeetingID:      p.MeetingID,
			ExternalUserID: p.userRef(),
			UserID:         p.UserID.int64Ptr(),
			DisplayName:    p.UserName,
			Role:           models.ParseRole(p.Role),
			JoinTime:       at,
		}, nil
	case models.EventUserLeft:
		return reconciler.UserLeft{MeetingID: p.MeetingID, ExternalUserID: p.userRef(), LeaveTime: at}, nil
	case models.EventRecordingReady:
		return reconciler.RecordingReady{MeetingID: p.MeetingID, RecordingURL: p.RecordingURL, ReadyAt: at}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, eventType)
}

// FlexInt accepts a JSON number or a numeric string. BBB metadata values arrive as strings.
type FlexInt int64

func (n *FlexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("integer field: %w", err)
	}
	*n = FlexInt(v)
	return nil
}

func (n *FlexInt) int64Ptr() *int64 {
	if n == nil || *n == 0 {
		return nil
	}
	v := int64(*n)
	return &v
}

// Timestamp accepts unix seconds, unix milliseconds (number or string) or RFC 3339.
type Timestamp struct {
	time.Time
}

// Values at or above this are taken as milliseconds.
const millisThreshold = 1e11

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n >= millisThreshold {
			t.Time = time.UnixMilli(n).UTC()
		} else {
			t.Time = time.Unix(n, 0).UTC()
		}
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("timestamp %q: %w", s, err)
	}
	t.Time = parsed.UTC()
	return nil
}
