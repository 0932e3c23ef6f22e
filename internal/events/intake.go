package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aura-webinar/bbb-monitor/internal/bbb"
	"github.com/aura-webinar/bbb-monitor/internal/metrics"
	"github.com/aura-webinar/bbb-monitor/internal/models"
	"github.com/aura-webinar/bbb-monitor/internal/reconciler"
	"github.com/aura-webinar/bbb-monitor/pkg/utils"
)

// Status is the outcome of ingesting one delivery.
type Status string

const (
	StatusProcessed Status = "processed"
	StatusDuplicate Status = "duplicate"
	StatusDropped   Status = "dropped"
)

// Applier applies facts to the registry. *reconciler.Reconciler implements it.
type Applier interface {
	Apply(ctx context.Context, f reconciler.Fact) (reconciler.Result, error)
}

// Intake appends webhook deliveries to the store and drives them through the reconciler.
type Intake struct {
	store   Store
	applier Applier
	logger  *zap.Logger
}

// NewIntake creates an intake.
func NewIntake(store Store, applier Applier, logger *zap.Logger) *Intake {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Intake{store: store, applier: applier, logger: logger}
}

// DedupKey identifies a delivery: the upstream event ID when present, else a content hash.
func DedupKey(eventType string, data []byte, eventID string) string {
	if eventID != "" {
		return "id:" + eventID
	}
	return "sha:" + utils.ContentHash([]byte(eventType), data)
}

// Ingest records a delivery and applies it. A returned error means the event was not applied
// and stays unprocessed; the sender should retry.
func (in *Intake) Ingest(ctx context.Context, eventType string, data []byte, receivedAt time.Time) (Status, error) {
	var meetingID, eventID string
	if p, err := bbb.ParsePayload(data); err == nil {
		meetingID, eventID = p.MeetingID, p.EventID
	}
	raw := data
	if !json.Valid(raw) {
		raw, _ = json.Marshal(string(data))
	}

	stored, dup, err := in.store.Append(ctx, &models.WebhookEvent{
		EventType:  eventType,
		MeetingID:  meetingID,
		RawPayload: raw,
		DedupKey:   DedupKey(eventType, data, eventID),
		ReceivedAt: receivedAt.UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("append event: %w", err)
	}
	if dup && stored.Processed {
		in.logger.Debug("duplicate webhook ignored", zap.String("event_id", stored.ID.String()), zap.String("event_type", eventType))
		return StatusDuplicate, nil
	}
	// An unprocessed duplicate is a redelivery after a failed apply.
	return in.process(ctx, stored)
}

// ReplayReport summarises a replay pass.
type ReplayReport struct {
	Applied int
	Dropped int
}

// Replay re-applies unprocessed events oldest first. It stops at the first storage error so
// that later events for the same meeting are not applied ahead of an earlier one.
func (in *Intake) Replay(ctx context.Context, limit int) (ReplayReport, error) {
	var rep ReplayReport
	pending, err := in.store.ListUnprocessed(ctx, limit)
	if err != nil {
		return rep, fmt.Errorf("list unprocessed: %w", err)
	}
	for i := range pending {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		status, err := in.process(ctx, &pending[i])
		if err != nil {
			metrics.EventsReplayed.WithLabelValues("failed").Inc()
			return rep, err
		}
		metrics.EventsReplayed.WithLabelValues(string(status)).Inc()
		if status == StatusDropped {
			rep.Dropped++
		} else {
			rep.Applied++
		}
	}
	if len(pending) > 0 {
		in.logger.Info("replayed webhook events", zap.Int("applied", rep.Applied), zap.Int("dropped", rep.Dropped))
	}
	return rep, nil
}

func (in *Intake) process(ctx context.Context, e *models.WebhookEvent) (Status, error) {
	log := in.logger.With(zap.String("event_id", e.ID.String()), zap.String("event_type", e.EventType), zap.String("meeting_id", e.MeetingID))

	fact, err := bbb.DecodeEvent(e.EventType, e.RawPayload, e.ReceivedAt)
	if err != nil {
		log.Warn("webhook event dropped", zap.Error(err))
		return in.drop(ctx, e, err)
	}
	if _, err := in.applier.Apply(ctx, fact); err != nil {
		if reconciler.IsValidation(err) {
			return in.drop(ctx, e, err)
		}
		return "", err
	}
	if err := in.store.MarkProcessed(ctx, e.ID); err != nil {
		return "", fmt.Errorf("mark processed: %w", err)
	}
	return StatusProcessed, nil
}

func (in *Intake) drop(ctx context.Context, e *models.WebhookEvent, cause error) (Status, error) {
	if err := in.store.MarkFailed(ctx, e.ID, cause.Error()); err != nil {
		return "", fmt.Errorf("mark failed: %w", err)
	}
	return StatusDropped, nil
}
