package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-webinar/bbb-monitor/internal/models"
)

const eventColumns = `id, event_type, meeting_id, raw_payload, dedup_key, received_at, processed, processed_at, error`

// Repository is the PostgreSQL event store.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a webhook event repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Append inserts the event unless its dedup key is taken, in which case the existing row is returned.
func (r *Repository) Append(ctx context.Context, e *models.WebhookEvent) (*models.WebhookEvent, bool, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	const q = `INSERT INTO webhook_events (id, event_type, meeting_id, raw_payload, dedup_key, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (dedup_key) DO NOTHING
		RETURNING ` + eventColumns
	stored, err := scanEvent(r.pool.QueryRow(ctx, q, e.ID, e.EventType, e.MeetingID, []byte(e.RawPayload), e.DedupKey, e.ReceivedAt))
	if err == nil {
		return stored, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}
	existing, err := scanEvent(r.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM webhook_events WHERE dedup_key = $1`, e.DedupKey))
	if err != nil {
		return nil, false, err
	}
	return existing, true, nil
}

// MarkProcessed flags an event as applied.
func (r *Repository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `UPDATE webhook_events SET processed = TRUE, processed_at = NOW(), error = NULL WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

// MarkFailed flags an event as dropped with reason.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE webhook_events SET processed = TRUE, processed_at = NOW(), error = $2 WHERE id = $1`, id, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

// ListUnprocessed returns the oldest unprocessed events.
func (r *Repository) ListUnprocessed(ctx context.Context, limit int) ([]models.WebhookEvent, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+eventColumns+` FROM webhook_events
		WHERE NOT processed ORDER BY received_at ASC, id ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.WebhookEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *e)
	}
	return list, rows.Err()
}

// DeleteProcessedBefore removes processed events older than cutoff.
func (r *Repository) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM webhook_events WHERE processed AND received_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanEvent(row pgx.Row) (*models.WebhookEvent, error) {
	var e models.WebhookEvent
	var raw []byte
	if err := row.Scan(&e.ID, &e.EventType, &e.MeetingID, &raw, &e.DedupKey, &e.ReceivedAt, &e.Processed, &e.ProcessedAt, &e.Error); err != nil {
		return nil, err
	}
	e.RawPayload = raw
	return &e, nil
}
