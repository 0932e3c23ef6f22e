// Package worker delivers queued participant alert mail.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aura-webinar/bbb-monitor/pkg/queue"
)

// JobQueue is the alert job queue.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// AlertProcessor turns participant alert jobs into e-mail.
type AlertProcessor struct {
	queue   JobQueue
	mailer  Mailer
	loc     *time.Location
	logger  *zap.Logger
	backoff time.Duration
}

// NewAlertProcessor creates an alert mail processor. Times in the mail use loc.
func NewAlertProcessor(q JobQueue, mailer Mailer, loc *time.Location, logger *zap.Logger) *AlertProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &AlertProcessor{queue: q, mailer: mailer, loc: loc, logger: logger, backoff: queue.RetryBackoff}
}

// Process executes one alert job.
func (p *AlertProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeParticipantAlert {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.AlertPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if len(payload.Recipients) == 0 {
		p.logger.Warn("alert job without recipients", zap.String("job_id", job.ID))
		return nil
	}
	if err := p.mailer.Send(ctx, alertMessage(payload, p.loc)); err != nil {
		return fmt.Errorf("send alert mail: %w", err)
	}
	p.logger.Info("participant alert mailed",
		zap.String("job_id", job.ID),
		zap.String("meeting_id", payload.MeetingID),
		zap.Int("recipients", len(payload.Recipients)),
	)
	return nil
}

func alertMessage(a queue.AlertPayload, loc *time.Location) Message {
	name := a.SessionName
	if name == "" {
		name = a.MeetingID
	}
	var body strings.Builder
	fmt.Fprintf(&body, "The session %q reached %d participants (alert threshold %d).\n\n", name, a.Participants, a.Threshold)
	if a.CourseName != "" {
		fmt.Fprintf(&body, "Course: %s\n", a.CourseName)
	}
	if a.ModeratorName != "" {
		fmt.Fprintf(&body, "Lecturer: %s\n", a.ModeratorName)
	}
	fmt.Fprintf(&body, "Meeting ID: %s\n", a.MeetingID)
	fmt.Fprintf(&body, "Time: %s\n", a.At.In(loc).Format("2006-01-02 15:04:05 MST"))
	return Message{
		To:      a.Recipients,
		Subject: fmt.Sprintf("[BBB] %s reached %d participants", name, a.Participants),
		Body:    body.String(),
	}
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *AlertProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("alert worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *AlertProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
