// Package retention removes old sessions and webhook events.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aura-webinar/bbb-monitor/internal/metrics"
)

// Defaults.
const (
	DefaultSessionDays = 150
	DefaultEventDays   = 30
	DefaultInterval    = 24 * time.Hour
)

// Config controls retention windows, in days. Zero means keep forever.
type Config struct {
	SessionDays int
	EventDays   int
	Interval    time.Duration
}

// SessionPurger deletes ended sessions.
type SessionPurger interface {
	DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// EventPurger deletes processed webhook events.
type EventPurger interface {
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Report counts the rows one cleanup removed.
type Report struct {
	Sessions int64
	Events   int64
}

// Cleaner applies the retention windows.
type Cleaner struct {
	cfg      Config
	sessions SessionPurger
	events   EventPurger
	logger   *zap.Logger
	now      func() time.Time
}

// NewCleaner creates a cleaner.
func NewCleaner(cfg Config, sessions SessionPurger, events EventPurger, logger *zap.Logger) *Cleaner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Cleaner{cfg: cfg, sessions: sessions, events: events, logger: logger, now: time.Now}
}

// RunOnce deletes sessions ended more than SessionDays ago and processed events
// received more than EventDays ago. Active sessions are never touched.
func (c *Cleaner) RunOnce(ctx context.Context) (Report, error) {
	var rep Report
	var errs []error
	now := c.now().UTC()

	if c.cfg.SessionDays > 0 {
		n, err := c.sessions.DeleteEndedBefore(ctx, now.AddDate(0, 0, -c.cfg.SessionDays))
		if err != nil {
			errs = append(errs, fmt.Errorf("delete sessions: %w", err))
		}
		rep.Sessions = n
		metrics.RetentionDeleted.WithLabelValues("sessions").Add(float64(n))
	}
	if c.cfg.EventDays > 0 {
		n, err := c.events.DeleteProcessedBefore(ctx, now.AddDate(0, 0, -c.cfg.EventDays))
		if err != nil {
			errs = append(errs, fmt.Errorf("delete webhook events: %w", err))
		}
		rep.Events = n
		metrics.RetentionDeleted.WithLabelValues("webhook_events").Add(float64(n))
	}
	if err := errors.Join(errs...); err != nil {
		return rep, err
	}
	c.logger.Info("retention cleanup finished", zap.Int64("sessions_deleted", rep.Sessions), zap.Int64("events_deleted", rep.Events))
	return rep, nil
}

// Run cleans up immediately and then every Interval until ctx is done.
func (c *Cleaner) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := c.RunOnce(ctx); err != nil {
			c.logger.Error("retention cleanup failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
