// Package reconciler applies webhook and poll facts to the session registry.
package reconciler

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/bbb-monitor/internal/metrics"
	"github.com/aura-webinar/bbb-monitor/internal/models"
	"github.com/aura-webinar/bbb-monitor/internal/registry"
)

// Outcome classifies what an Apply call did to the registry.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeMutated Outcome = "mutated"
	OutcomeNoOp    Outcome = "noop"
)

// Result describes one Apply call. Before and After are snapshots; After is nil for no-ops.
type Result struct {
	Kind      Kind
	MeetingID string
	At        time.Time // observation time of the fact
	Outcome   Outcome
	SessionID uuid.UUID
	Before    *models.Session
	After     *models.Session
	Reason    string // why a fact was a no-op
}

// Changed reports whether the registry was written.
func (r Result) Changed() bool { return r.Outcome != OutcomeNoOp }

func (r *Result) noop(reason string) {
	r.Outcome = OutcomeNoOp
	r.Reason = reason
}

func (r *Result) wrote(outcome Outcome, s *models.Session) {
	r.Outcome = outcome
	r.SessionID = s.ID
	r.After = s.Clone()
}

// Observer is notified after a fact changed the registry, outside the per-meeting scope.
type Observer interface {
	Reconciled(ctx context.Context, res Result)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, res Result)

// Reconciled calls f.
func (f ObserverFunc) Reconciled(ctx context.Context, res Result) { f(ctx, res) }

// Reconciler turns facts into registry mutations. It keeps no state of its own and never retries.
type Reconciler struct {
	store  registry.Store
	logger *zap.Logger

	mu        sync.RWMutex
	observers []Observer
}

// New creates a reconciler over store.
func New(store registry.Store, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{store: store, logger: logger}
}

// AddObserver registers o for state-changing results.
func (r *Reconciler) AddObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Apply validates f and applies it under the registry's per-meeting scope.
// It returns a *ValidationError for malformed facts and a *StorageError when the registry fails.
func (r *Reconciler) Apply(ctx context.Context, f Fact) (Result, error) {
	if err := Validate(f); err != nil {
		kind := Kind("unknown")
		if f != nil {
			kind = f.Kind()
		}
		metrics.FactErrors.WithLabelValues(string(kind), "validation").Inc()
		r.logger.Warn("fact rejected", zap.String("kind", string(kind)), zap.Error(err))
		return Result{Kind: kind}, err
	}

	var res Result
	err := r.store.WithMeeting(ctx, f.Meeting(), func(tx registry.MeetingTx) error {
		cur, err := tx.Session(ctx)
		if err != nil {
			return err
		}
		res = Result{Kind: f.Kind(), MeetingID: f.Meeting(), At: f.ObservedAt(), Before: cur}
		if cur != nil {
			res.SessionID = cur.ID
		}
		switch f := f.(type) {
		case MeetingCreated:
			return r.meetingCreated(ctx, tx, cur, f, &res)
		case MeetingEnded:
			return r.meetingEnded(ctx, tx, cur, f.MeetingID, f.EndTime, &res)
		case UserJoined:
			return r.userJoined(ctx, tx, cur, f, &res)
		case UserLeft:
			return r.userLeft(ctx, tx, cur, f, &res)
		case RecordingReady:
			return r.recordingReady(ctx, tx, cur, f, &res)
		case PollSnapshot:
			return r.pollSnapshot(ctx, tx, cur, f, &res)
		}
		return nil
	})
	if err != nil {
		var se *StorageError
		if !errors.As(err, &se) {
			se = &StorageError{Kind: f.Kind(), MeetingID: f.Meeting(), Err: err}
		}
		metrics.FactErrors.WithLabelValues(string(f.Kind()), "storage").Inc()
		r.logger.Error("apply fact failed", zap.String("kind", string(f.Kind())), zap.String("meeting_id", f.Meeting()), zap.Error(err))
		return Result{Kind: f.Kind(), MeetingID: f.Meeting()}, se
	}

	metrics.FactsApplied.WithLabelValues(string(res.Kind), string(res.Outcome)).Inc()
	if res.Changed() {
		r.logger.Info("fact applied",
			zap.String("kind", string(res.Kind)),
			zap.String("meeting_id", res.MeetingID),
			zap.String("outcome", string(res.Outcome)),
			zap.Int("current_participants", res.After.CurrentParticipants),
			zap.Int("peak_participants", res.After.PeakParticipants),
		)
		r.notify(ctx, res)
	} else {
		r.logger.Debug("fact ignored",
			zap.String("kind", string(res.Kind)),
			zap.String("meeting_id", res.MeetingID),
			zap.String("reason", res.Reason),
		)
	}
	return res, nil
}

func (r *Reconciler) notify(ctx context.Context, res Result) {
	r.mu.RLock()
	observers := r.observers
	r.mu.RUnlock()
	for _, o := range observers {
		o.Reconciled(ctx, res)
	}
}

// meetingCreated is create-or-ignore: a repeated create must never reset counters or the start time.
func (r *Reconciler) meetingCreated(ctx context.Context, tx registry.MeetingTx, cur *models.Session, f MeetingCreated, res *Result) error {
	if cur != nil {
		res.noop("session already exists")
		return nil
	}
	s := &models.Session{
		MeetingID:       f.MeetingID,
		CourseID:        f.CourseID,
		CourseName:      f.CourseName,
		ActivityID:      f.ActivityID,
		SessionName:     f.SessionName,
		ModeratorName:   f.ModeratorName,
		StartTime:       f.StartTime,
		RecordingStatus: models.RecordingStatusNone,
		Status:          models.SessionStatusActive,
	}
	if err := tx.InsertSession(ctx, s); err != nil {
		return err
	}
	res.wrote(OutcomeCreated, s)
	return nil
}

func (r *Reconciler) meetingEnded(ctx context.Context, tx registry.MeetingTx, cur *models.Session, meetingID string, endTime time.Time, res *Result) error {
	if cur == nil {
		// Ordering between webhooks and polls is not guaranteed; keep the fact instead of dropping it.
		s := placeholder(meetingID, endTime)
		s.Status = models.SessionStatusEnded
		s.EndTime = &endTime
		zero := 0
		s.DurationMinutes = &zero
		if err := tx.InsertSession(ctx, s); err != nil {
			return err
		}
		res.wrote(OutcomeCreated, s)
		return nil
	}
	if !cur.IsActive() {
		res.noop("session already ended")
		return nil
	}
	if endTime.Before(cur.StartTime) {
		endTime = cur.StartTime
	}

	open, err := tx.OpenParticipants(ctx, cur.ID)
	if err != nil {
		return err
	}
	for _, p := range open {
		leave := endTime
		if leave.Before(p.JoinTime) {
			leave = p.JoinTime
		}
		if err := tx.CloseParticipant(ctx, p.ID, leave); err != nil && !errors.Is(err, registry.ErrParticipantClosed) {
			return err
		}
	}

	s := cur.Clone()
	s.Status = models.SessionStatusEnded
	s.EndTime = &endTime
	d := durationMinutes(s.StartTime, endTime)
	s.DurationMinutes = &d
	s.CurrentParticipants = 0
	if err := tx.UpdateSession(ctx, s); err != nil {
		return err
	}
	res.wrote(OutcomeMutated, s)
	return nil
}

func (r *Reconciler) userJoined(ctx context.Context, tx registry.MeetingTx, cur *models.Session, f UserJoined, res *Result) error {
	s := cur.Clone()
	outcome := OutcomeMutated
	if s == nil {
		s = placeholder(f.MeetingID, f.JoinTime)
		if err := tx.InsertSession(ctx, s); err != nil {
			return err
		}
		outcome = OutcomeCreated
	} else if !s.IsActive() {
		r.logger.Warn("join for ended session ignored", zap.String("meeting_id", f.MeetingID), zap.String("external_user_id", f.ExternalUserID))
		res.noop("session already ended")
		return nil
	} else {
		open, err := tx.OpenParticipants(ctx, s.ID)
		if err != nil {
			return err
		}
		for _, p := range open {
			if p.ExternalUserID == f.ExternalUserID && p.JoinTime.Equal(f.JoinTime) {
				res.noop("participant already joined")
				return nil
			}
		}
	}

	role := f.Role
	if role == "" {
		role = models.RoleStudent
	}
	p := &models.Participant{
		SessionID:      s.ID,
		ExternalUserID: f.ExternalUserID,
		UserID:         f.UserID,
		DisplayName:    f.DisplayName,
		Role:           role,
		JoinTime:       f.JoinTime,
	}
	if err := tx.InsertParticipant(ctx, p); err != nil {
		return err
	}

	s.CurrentParticipants++
	if s.CurrentParticipants > s.PeakParticipants {
		s.PeakParticipants = s.CurrentParticipants
	}
	s.LastWebhookAt = later(s.LastWebhookAt, f.JoinTime)
	if err := tx.UpdateSession(ctx, s); err != nil {
		return err
	}
	res.wrote(outcome, s)
	return nil
}

func (r *Reconciler) userLeft(ctx context.Context, tx registry.MeetingTx, cur *models.Session, f UserLeft, res *Result) error {
	if cur == nil {
		res.noop("no session for meeting")
		return nil
	}
	open, err := tx.OpenParticipants(ctx, cur.ID)
	if err != nil {
		return err
	}
	// Close the most recent open span for this user.
	var match *models.Participant
	for i := len(open) - 1; i >= 0; i-- {
		if open[i].ExternalUserID == f.ExternalUserID {
			match = &open[i]
			break
		}
	}
	if match == nil {
		res.noop("no open participant")
		return nil
	}
	leave := f.LeaveTime
	if leave.Before(match.JoinTime) {
		leave = match.JoinTime
	}
	if err := tx.CloseParticipant(ctx, match.ID, leave); err != nil {
		if errors.Is(err, registry.ErrParticipantClosed) {
			res.noop("no open participant")
			return nil
		}
		return err
	}

	s := cur.Clone()
	if s.CurrentParticipants > 0 {
		s.CurrentParticipants--
	}
	s.LastWebhookAt = later(s.LastWebhookAt, f.LeaveTime)
	if err := tx.UpdateSession(ctx, s); err != nil {
		return err
	}
	res.wrote(OutcomeMutated, s)
	return nil
}

func (r *Reconciler) recordingReady(ctx context.Context, tx registry.MeetingTx, cur *models.Session, f RecordingReady, res *Result) error {
	if cur == nil {
		res.noop("no session for meeting")
		return nil
	}
	switch cur.RecordingStatus {
	case models.RecordingStatusNone, models.RecordingStatusProcessing:
	default:
		r.logger.Warn("illegal recording transition ignored",
			zap.String("meeting_id", f.MeetingID),
			zap.String("from", string(cur.RecordingStatus)),
			zap.String("to", string(models.RecordingStatusAvailable)),
		)
		res.noop("illegal recording transition from " + string(cur.RecordingStatus))
		return nil
	}
	s := cur.Clone()
	s.RecordingStatus = models.RecordingStatusAvailable
	url := f.RecordingURL
	s.RecordingURL = &url
	if err := tx.UpdateSession(ctx, s); err != nil {
		return err
	}
	res.wrote(OutcomeMutated, s)
	return nil
}

// pollSnapshot corrects drift only: webhook-derived counts win unless the poll is strictly newer.
func (r *Reconciler) pollSnapshot(ctx context.Context, tx registry.MeetingTx, cur *models.Session, f PollSnapshot, res *Result) error {
	if cur == nil {
		if !f.StillActive {
			res.noop("no session for meeting")
			return nil
		}
		s := placeholder(f.MeetingID, f.PolledAt)
		s.CurrentParticipants = f.ParticipantCount
		s.PeakParticipants = f.ParticipantCount
		if err := tx.InsertSession(ctx, s); err != nil {
			return err
		}
		res.wrote(OutcomeCreated, s)
		return nil
	}
	if !cur.IsActive() {
		res.noop("session already ended")
		return nil
	}
	if !f.StillActive {
		return r.meetingEnded(ctx, tx, cur, f.MeetingID, f.PolledAt, res)
	}
	if cur.LastWebhookAt != nil && !f.PolledAt.After(*cur.LastWebhookAt) {
		res.noop("webhook data is newer than poll")
		return nil
	}
	if cur.CurrentParticipants == f.ParticipantCount {
		res.noop("participant count unchanged")
		return nil
	}
	s := cur.Clone()
	s.CurrentParticipants = f.ParticipantCount
	if s.CurrentParticipants > s.PeakParticipants {
		s.PeakParticipants = s.CurrentParticipants
	}
	if err := tx.UpdateSession(ctx, s); err != nil {
		return err
	}
	res.wrote(OutcomeMutated, s)
	return nil
}

// placeholder builds an active session for a meeting first seen through a fact other than MeetingCreated.
func placeholder(meetingID string, start time.Time) *models.Session {
	return &models.Session{
		MeetingID:       meetingID,
		SessionName:     meetingID,
		StartTime:       start,
		RecordingStatus: models.RecordingStatusNone,
		Status:          models.SessionStatusActive,
	}
}

func durationMinutes(start, end time.Time) int {
	return int(math.Round(end.Sub(start).Seconds() / 60))
}

func later(cur *time.Time, t time.Time) *time.Time {
	if cur != nil && !t.After(*cur) {
		return cur
	}
	return &t
}
