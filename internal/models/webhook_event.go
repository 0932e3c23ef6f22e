package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Webhook event types emitted by BBB.
const (
	EventMeetingCreated = "meeting-created"
	EventMeetingEnded   = "meeting-ended"
	EventUserJoined     = "user-joined"
	EventUserLeft       = "user-left"
	EventRecordingReady = "recording-ready"
)

// WebhookEvent is an inbound webhook delivery as recorded by the event store.
type WebhookEvent struct {
	ID          uuid.UUID       `json:"id"`
	EventType   string          `json:"event_type"`
	MeetingID   string          `json:"meeting_id"`
	RawPayload  json.RawMessage `json:"raw_payload"`
	DedupKey    string          `json:"-"`
	ReceivedAt  time.Time       `json:"received_at"`
	Processed   bool            `json:"processed"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	Error       *string         `json:"error,omitempty"`
}
