package live

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aura-webinar/bbb-monitor/internal/models"
	"github.com/aura-webinar/bbb-monitor/internal/reconciler"
)

// Notifier publishes dashboard events. With a bus, every instance's hub (this one
// included) receives the event through its subscription; without one, events go
// straight to the local hub.
type Notifier struct {
	hub    *Hub
	bus    Bus
	logger *zap.Logger
	now    func() time.Time
}

// NewNotifier creates a notifier. Either hub or bus may be nil, not both.
func NewNotifier(hub *Hub, bus Bus, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{hub: hub, bus: bus, logger: logger, now: time.Now}
}

// SessionUpdate is the payload of a session_updated event.
type SessionUpdate struct {
	Kind    reconciler.Kind    `json:"kind"`
	Outcome reconciler.Outcome `json:"outcome"`
	Session *models.Session    `json:"session"`
}

// Alert is the payload of a participant_alert event.
type Alert struct {
	MeetingID    string    `json:"meeting_id"`
	SessionName  string    `json:"session_name"`
	CourseName   string    `json:"course_name"`
	Participants int       `json:"participants"`
	Threshold    int       `json:"threshold"`
	At           time.Time `json:"at"`
}

// Notify publishes one event.
func (n *Notifier) Notify(ctx context.Context, event string, courseID int64, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	e := Event{Event: event, CourseID: courseID, Data: data, At: n.now().Unix()}
	if n.bus != nil {
		return n.bus.Publish(ctx, e)
	}
	if n.hub != nil {
		n.hub.Deliver(e)
	}
	return nil
}

// Reconciled pushes a session_updated event for every registry change.
func (n *Notifier) Reconciled(ctx context.Context, res reconciler.Result) {
	if !res.Changed() || res.After == nil {
		return
	}
	s := res.After.Clone()
	s.Participants = nil
	err := n.Notify(ctx, EventSessionUpdated, s.CourseID, SessionUpdate{Kind: res.Kind, Outcome: res.Outcome, Session: s})
	if err != nil {
		n.logger.Warn("push session update", zap.String("meeting_id", res.MeetingID), zap.Error(err))
	}
}

// Alert pushes a participant_alert event.
func (n *Notifier) Alert(ctx context.Context, courseID int64, a Alert) error {
	return n.Notify(ctx, EventParticipantAlert, courseID, a)
}

var _ reconciler.Observer = (*Notifier)(nil)
