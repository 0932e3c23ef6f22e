// Package alerts raises a notification when a session's participant count first reaches a threshold.
package alerts

import (
	"context"

	"go.uber.org/zap"

	"github.com/aura-webinar/bbb-monitor/internal/live"
	"github.com/aura-webinar/bbb-monitor/internal/metrics"
	"github.com/aura-webinar/bbb-monitor/internal/reconciler"
	"github.com/aura-webinar/bbb-monitor/pkg/queue"
)

// Config controls threshold alerts.
type Config struct {
	Enabled    bool
	Threshold  int
	Recipients []string
}

// Enqueuer queues alert mail for the worker.
type Enqueuer interface {
	EnqueueAlert(ctx context.Context, payload queue.AlertPayload) error
}

// Pusher sends live dashboard alerts.
type Pusher interface {
	Alert(ctx context.Context, courseID int64, a live.Alert) error
}

// Observer watches reconcile results for threshold crossings. Peak participants
// only grow, so each session alerts at most once.
type Observer struct {
	cfg    Config
	mail   Enqueuer
	push   Pusher
	logger *zap.Logger
}

// NewObserver creates an alert observer. mail and push may be nil.
func NewObserver(cfg Config, mail Enqueuer, push Pusher, logger *zap.Logger) *Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Observer{cfg: cfg, mail: mail, push: push, logger: logger}
}

// Crossed reports whether a change from peak before to peak after reaches threshold for the first time.
func Crossed(before, after, threshold int) bool {
	return threshold > 0 && before < threshold && after >= threshold
}

// Reconciled implements reconciler.Observer.
func (o *Observer) Reconciled(ctx context.Context, res reconciler.Result) {
	if !o.cfg.Enabled || !res.Changed() || res.After == nil {
		return
	}
	before := 0
	if res.Before != nil {
		before = res.Before.PeakParticipants
	}
	s := res.After
	if !Crossed(before, s.PeakParticipants, o.cfg.Threshold) {
		return
	}
	log := o.logger.With(zap.String("meeting_id", s.MeetingID), zap.Int("peak", s.PeakParticipants), zap.Int("threshold", o.cfg.Threshold))
	log.Info("participant threshold reached")

	if o.push != nil {
		err := o.push.Alert(ctx, s.CourseID, live.Alert{
			MeetingID:    s.MeetingID,
			SessionName:  s.SessionName,
			CourseName:   s.CourseName,
			Participants: s.PeakParticipants,
			Threshold:    o.cfg.Threshold,
			At:           res.At.UTC(),
		})
		if err != nil {
			log.Warn("push participant alert", zap.Error(err))
		}
	}
	if o.mail == nil || len(o.cfg.Recipients) == 0 {
		return
	}
	err := o.mail.EnqueueAlert(ctx, queue.AlertPayload{
		MeetingID:     s.MeetingID,
		SessionName:   s.SessionName,
		CourseName:    s.CourseName,
		ModeratorName: s.ModeratorName,
		Participants:  s.PeakParticipants,
		Threshold:     o.cfg.Threshold,
		Recipients:    o.cfg.Recipients,
		At:            res.At.UTC(),
	})
	if err != nil {
		log.Error("enqueue participant alert", zap.Error(err))
		return
	}
	metrics.AlertsEnqueued.Inc()
}

var _ reconciler.Observer = (*Observer)(nil)
