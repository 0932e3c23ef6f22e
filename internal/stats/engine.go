// Package stats derives dashboard aggregates and file exports from the session registry.
package stats

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/aura-webinar/bbb-monitor/internal/models"
	"github.com/aura-webinar/bbb-monitor/internal/registry"
)

// ErrNoData is returned by Export when no session matches the filter.
var ErrNoData = errors.New("no sessions match the filter")

const (
	daysInSeries  = 7
	hoursInSeries = 24
)

// SessionLister lists sessions from the registry.
type SessionLister interface {
	ListSessions(ctx context.Context, f registry.Filter) ([]models.Session, error)
}

// DayCount is the number of sessions started on one calendar day.
type DayCount struct {
	Date     string `json:"date"`
	Sessions int    `json:"sessions"`
}

// HourCount is the summed peak participants of sessions started within one hour.
type HourCount struct {
	Hour         string `json:"hour"`
	Participants int    `json:"participants"`
}

// Statistics is the dashboard summary.
type Statistics struct {
	TotalSessions          int         `json:"total_sessions"`
	ActiveSessions         int         `json:"active_sessions"`
	SessionsToday          int         `json:"sessions_today"`
	AverageDurationMinutes int         `json:"average_duration"`
	PeakParticipants       int         `json:"peak_participants"`
	RecordingsAvailable    int         `json:"recordings_available"`
	SessionsByDay          []DayCount  `json:"sessions_by_day"`
	ParticipantsByHour     []HourCount `json:"participants_by_hour"`
	GeneratedAt            time.Time   `json:"generated_at"`
}

// Engine computes statistics and exports. It never caches.
type Engine struct {
	store SessionLister
	loc   *time.Location
	now   func() time.Time
}

// NewEngine creates an engine. Calendar days and export timestamps use loc (UTC when nil).
func NewEngine(store SessionLister, loc *time.Location) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{store: store, loc: loc, now: time.Now}
}

// Compute returns aggregates over the sessions matching f.
func (e *Engine) Compute(ctx context.Context, f registry.Filter) (*Statistics, error) {
	sessions, err := e.store.ListSessions(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	now := e.now().In(e.loc)
	return summarize(sessions, now), nil
}

func summarize(sessions []models.Session, now time.Time) *Statistics {
	loc := now.Location()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	firstDay := today.AddDate(0, 0, -(daysInSeries - 1))
	// Truncate works on absolute time and would misalign buckets in half-hour zones.
	thisHour := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, loc)
	firstHour := thisHour.Add(-(hoursInSeries - 1) * time.Hour)

	st := &Statistics{
		TotalSessions:      len(sessions),
		SessionsByDay:      make([]DayCount, daysInSeries),
		ParticipantsByHour: make([]HourCount, hoursInSeries),
		GeneratedAt:        now,
	}
	for i := range st.SessionsByDay {
		st.SessionsByDay[i].Date = firstDay.AddDate(0, 0, i).Format("2006-01-02")
	}
	for i := range st.ParticipantsByHour {
		st.ParticipantsByHour[i].Hour = firstHour.Add(time.Duration(i) * time.Hour).Format("15:00")
	}

	var durationSum, durationCount int
	for i := range sessions {
		s := &sessions[i]
		if s.IsActive() {
			st.ActiveSessions++
		}
		if s.DurationMinutes != nil {
			durationSum += *s.DurationMinutes
			durationCount++
		}
		if s.PeakParticipants > st.PeakParticipants {
			st.PeakParticipants = s.PeakParticipants
		}
		if s.RecordingStatus == models.RecordingStatusAvailable {
			st.RecordingsAvailable++
		}

		start := s.StartTime.In(loc)
		day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
		if day.Equal(today) {
			st.SessionsToday++
		}
		if !day.Before(firstDay) && !day.After(today) {
			// AddDate keeps day arithmetic correct across DST changes.
			for i := range st.SessionsByDay {
				if firstDay.AddDate(0, 0, i).Equal(day) {
					st.SessionsByDay[i].Sessions++
					break
				}
			}
		}
		if !start.Before(firstHour) && start.Before(thisHour.Add(time.Hour)) {
			st.ParticipantsByHour[int(start.Sub(firstHour)/time.Hour)].Participants += s.PeakParticipants
		}
	}
	if durationCount > 0 {
		st.AverageDurationMinutes = int(math.Round(float64(durationSum) / float64(durationCount)))
	}
	return st
}

// History returns ended sessions matching f, newest first.
func (e *Engine) History(ctx context.Context, f registry.Filter) ([]models.Session, error) {
	f.Status = models.SessionStatusEnded
	sessions, err := e.store.ListSessions(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}
