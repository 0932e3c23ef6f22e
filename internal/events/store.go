// Package events is the durable log of inbound webhook deliveries and the intake that feeds them to the reconciler.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/aura-webinar/bbb-monitor/internal/models"
)

var ErrEventNotFound = errors.New("webhook event not found")

// Store persists webhook events.
type Store interface {
	// Append records an event. When an event with the same dedup key already exists it returns
	// that event and dup=true without writing.
	Append(ctx context.Context, e *models.WebhookEvent) (stored *models.WebhookEvent, dup bool, err error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	// MarkFailed records why an event was dropped. A failed event is also marked processed so replay skips it.
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	// ListUnprocessed returns up to limit unprocessed events, oldest first.
	ListUnprocessed(ctx context.Context, limit int) ([]models.WebhookEvent, error)
	// DeleteProcessedBefore removes processed events received before cutoff.
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

var (
	_ Store = (*Repository)(nil)
	_ Store = (*MemoryStore)(nil)
)
