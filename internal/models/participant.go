package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ParticipantRole is the LMS-facing role of a participant.
type ParticipantRole string

const (
	RoleStudent ParticipantRole = "student"
	RoleTeacher ParticipantRole = "teacher"
	RoleAdmin   ParticipantRole = "admin"
)

// ParseRole maps both LMS roles and BBB roles (MODERATOR, VIEWER) onto a ParticipantRole.
// Unknown values fall back to student.
func ParseRole(s string) ParticipantRole {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "teacher", "moderator", "editingteacher":
		return RoleTeacher
	case "admin", "manager":
		return RoleAdmin
	default:
		return RoleStudent
	}
}

// Participant is one join/leave span within a session.
type Participant struct {
	ID             uuid.UUID       `json:"id"`
	SessionID      uuid.UUID       `json:"session_id"`
	ExternalUserID string          `json:"external_user_id"`
	UserID         *int64          `json:"user_id,omitempty"`
	DisplayName    string          `json:"display_name"`
	Role           ParticipantRole `json:"role"`
	JoinTime       time.Time       `json:"join_time"`
	LeaveTime      *time.Time      `json:"leave_time,omitempty"`
}

// IsOpen reports whether the participant is still present.
func (p *Participant) IsOpen() bool { return p.LeaveTime == nil }

// DurationMinutes returns the attended minutes, or nil while the participant is present.
func (p *Participant) DurationMinutes() *int {
	if p.LeaveTime == nil {
		return nil
	}
	m := int(p.LeaveTime.Sub(p.JoinTime).Round(time.Minute) / time.Minute)
	return &m
}

// Clone returns a deep copy of p.
func (p *Participant) Clone() *Participant {
	c := *p
	c.UserID = clonePtr(p.UserID)
	c.LeaveTime = clonePtr(p.LeaveTime)
	return &c
}
