package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-webinar/bbb-monitor/internal/models"
)

const sessionColumns = `id, meeting_id, course_id, course_name, activity_id, session_name, moderator_name,
	start_time, end_time, duration_minutes, current_participants, peak_participants,
	recording_status, recording_url, status, last_webhook_at, created_at, updated_at`

const participantColumns = `id, session_id, external_user_id, user_id, display_name, role, join_time, leave_time`

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository is the PostgreSQL Store.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a session registry repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithMeeting runs fn in a transaction holding a transaction-scoped advisory lock on the meeting ID,
// so every instance of the service serializes writes for that meeting.
func (r *Repository) WithMeeting(ctx context.Context, meetingID string, fn func(tx MeetingTx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, meetingID); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	if err := fn(&pgMeetingTx{q: tx, meetingID: meetingID}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetSession returns a session by internal ID.
func (r *Repository) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	s, err := scanSession(r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	return s, err
}

// GetSessionByMeetingID returns a session by BBB meeting ID.
func (r *Repository) GetSessionByMeetingID(ctx context.Context, meetingID string) (*models.Session, error) {
	s, err := scanSession(r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE meeting_id = $1`, meetingID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	return s, err
}

// ListSessions returns sessions matching f ordered by start_time DESC.
func (r *Repository) ListSessions(ctx context.Context, f Filter) ([]models.Session, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.DateFrom != nil {
		add("start_time >= $%d", *f.DateFrom)
	}
	if f.DateTo != nil {
		add("start_time < $%d", f.dateToExclusive())
	}
	if f.CourseID != nil {
		add("course_id = $%d", *f.CourseID)
	}
	if f.Lecturer != "" {
		// Escape LIKE metacharacters so the match is a literal substring, as in MemoryStore.
		add(`moderator_name ILIKE '%%' || replace(replace(replace($%d, '\', '\\'), '%%', '\%%'), '_', '\_') || '%%'`, f.Lecturer)
	}
	if f.RecordingStatus != "" {
		add("recording_status = $%d", string(f.RecordingStatus))
	}

	q := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY start_time DESC, meeting_id ASC`

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *s)
	}
	return list, rows.Err()
}

// Participants returns all participants of a session ordered by join time.
func (r *Repository) Participants(ctx context.Context, sessionID uuid.UUID) ([]models.Participant, error) {
	return listParticipants(ctx, r.pool,
		`SELECT `+participantColumns+` FROM participants WHERE session_id = $1 ORDER BY join_time ASC`, sessionID)
}

// DeleteEndedBefore removes ended sessions whose end_time is before cutoff. Participants go with them (ON DELETE CASCADE).
func (r *Repository) DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE status = 'ended' AND end_time < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type pgMeetingTx struct {
	q         querier
	meetingID string
}

func (t *pgMeetingTx) Session(ctx context.Context) (*models.Session, error) {
	s, err := scanSession(t.q.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE meeting_id = $1`, t.meetingID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (t *pgMeetingTx) InsertSession(ctx context.Context, s *models.Session) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	const q = `INSERT INTO sessions (id, meeting_id, course_id, course_name, activity_id, session_name, moderator_name,
		start_time, end_time, duration_minutes, current_participants, peak_participants,
		recording_status, recording_url, status, last_webhook_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING created_at, updated_at`
	err := t.q.QueryRow(ctx, q, s.ID, s.MeetingID, s.CourseID, s.CourseName, s.ActivityID, s.SessionName, s.ModeratorName,
		s.StartTime, s.EndTime, s.DurationMinutes, s.CurrentParticipants, s.PeakParticipants,
		string(s.RecordingStatus), s.RecordingURL, string(s.Status), s.LastWebhookAt).
		Scan(&s.CreatedAt, &s.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateMeeting
	}
	return err
}

func (t *pgMeetingTx) UpdateSession(ctx context.Context, s *models.Session) error {
	const q = `UPDATE sessions SET course_id = $1, course_name = $2, activity_id = $3, session_name = $4, moderator_name = $5,
		start_time = $6, end_time = $7, duration_minutes = $8, current_participants = $9, peak_participants = $10,
		recording_status = $11, recording_url = $12, status = $13, last_webhook_at = $14, updated_at = NOW()
		WHERE id = $15
		RETURNING updated_at`
	err := t.q.QueryRow(ctx, q, s.CourseID, s.CourseName, s.ActivityID, s.SessionName, s.ModeratorName,
		s.StartTime, s.EndTime, s.DurationMinutes, s.CurrentParticipants, s.PeakParticipants,
		string(s.RecordingStatus), s.RecordingURL, string(s.Status), s.LastWebhookAt, s.ID).
		Scan(&s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrSessionNotFound
	}
	return err
}

func (t *pgMeetingTx) OpenParticipants(ctx context.Context, sessionID uuid.UUID) ([]models.Participant, error) {
	return listParticipants(ctx, t.q,
		`SELECT `+participantColumns+` FROM participants WHERE session_id = $1 AND leave_time IS NULL ORDER BY join_time ASC`, sessionID)
}

func (t *pgMeetingTx) InsertParticipant(ctx context.Context, p *models.Participant) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	const q = `INSERT INTO participants (id, session_id, external_user_id, user_id, display_name, role, join_time, leave_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := t.q.Exec(ctx, q, p.ID, p.SessionID, p.ExternalUserID, p.UserID, p.DisplayName, string(p.Role), p.JoinTime, p.LeaveTime)
	return err
}

// CloseParticipant sets leave_time once; a closed row is never touched again.
func (t *pgMeetingTx) CloseParticipant(ctx context.Context, id uuid.UUID, leaveTime time.Time) error {
	tag, err := t.q.Exec(ctx, `UPDATE participants SET leave_time = $1 WHERE id = $2 AND leave_time IS NULL`, leaveTime, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrParticipantClosed
	}
	return nil
}

func scanSession(row pgx.Row) (*models.Session, error) {
	var s models.Session
	var recordingStatus, status string
	err := row.Scan(&s.ID, &s.MeetingID, &s.CourseID, &s.CourseName, &s.ActivityID, &s.SessionName, &s.ModeratorName,
		&s.StartTime, &s.EndTime, &s.DurationMinutes, &s.CurrentParticipants, &s.PeakParticipants,
		&recordingStatus, &s.RecordingURL, &status, &s.LastWebhookAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.RecordingStatus = models.RecordingStatus(recordingStatus)
	s.Status = models.SessionStatus(status)
	return &s, nil
}

func listParticipants(ctx context.Context, q querier, sql string, args ...any) ([]models.Participant, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Participant
	for rows.Next() {
		var p models.Participant
		var role string
		if err := rows.Scan(&p.ID, &p.SessionID, &p.ExternalUserID, &p.UserID, &p.DisplayName, &role, &p.JoinTime, &p.LeaveTime); err != nil {
			return nil, err
		}
		p.Role = models.ParticipantRole(role)
		list = append(list, p)
	}
	return list, rows.Err()
}
