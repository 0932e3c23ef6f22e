// Package dashboard serves the session monitor's read API and on-demand operations.
package dashboard

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/bbb-monitor/internal/bbb"
	"github.com/aura-webinar/bbb-monitor/internal/models"
	"github.com/aura-webinar/bbb-monitor/internal/reconciler"
	"github.com/aura-webinar/bbb-monitor/internal/registry"
	"github.com/aura-webinar/bbb-monitor/internal/stats"
	"github.com/aura-webinar/bbb-monitor/pkg/response"
)

const dateLayout = "2006-01-02"

// SessionReader reads sessions and participants from the registry.
type SessionReader interface {
	GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error)
	ListSessions(ctx context.Context, f registry.Filter) ([]models.Session, error)
	Participants(ctx context.Context, sessionID uuid.UUID) ([]models.Participant, error)
}

// Reporter computes statistics, history and exports.
type Reporter interface {
	Compute(ctx context.Context, f registry.Filter) (*stats.Statistics, error)
	History(ctx context.Context, f registry.Filter) ([]models.Session, error)
	Export(ctx context.Context, f registry.Filter, format stats.Format) ([]byte, error)
}

// Refresher polls one meeting on demand.
type Refresher interface {
	Refresh(ctx context.Context, meetingID string) (reconciler.Result, error)
}

// ExportUploader stores export files and signs download links.
type ExportUploader interface {
	UploadExport(ctx context.Context, filename, contentType string, data []byte, at time.Time) (string, error)
	PresignExportURL(ctx context.Context, key string) (string, error)
	PresignExpire() time.Duration
}

// FilterQuery is the filter accepted by history, statistics and export.
type FilterQuery struct {
	DateFrom        string `form:"date_from" json:"date_from"`
	DateTo          string `form:"date_to" json:"date_to"`
	CourseID        *int64 `form:"course" json:"course" binding:"omitempty,gt=0"`
	Lecturer        string `form:"lecturer" json:"lecturer" binding:"max=255"`
	RecordingStatus string `form:"recording_status" json:"recording_status" binding:"omitempty,oneof=none recording processing available"`
}

// ExportRequest is the body for POST /api/export.
type ExportRequest struct {
	FilterQuery
	Format string `json:"format" binding:"omitempty,oneof=csv xlsx CSV XLSX"`
}

// ParticipantView is a participant with attended minutes.
type ParticipantView struct {
	models.Participant
	DurationMinutes *int `json:"duration_minutes,omitempty"`
}

// ExportLink is the response of POST /api/export.
type ExportLink struct {
	FileName  string    `json:"file_name"`
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Handler handles dashboard HTTP endpoints.
type Handler struct {
	sessions  SessionReader
	reports   Reporter
	refresher Refresher
	uploader  ExportUploader
	loc       *time.Location
	logger    *zap.Logger
	now       func() time.Time
}

// NewHandler creates a dashboard handler. refresher and uploader may be nil; the
// endpoints that need them then answer 503.
func NewHandler(sessions SessionReader, reports Reporter, refresher Refresher, uploader ExportUploader, loc *time.Location, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Handler{
		sessions:  sessions,
		reports:   reports,
		refresher: refresher,
		uploader:  uploader,
		loc:       loc,
		logger:    logger,
		now:       time.Now,
	}
}

// Register mounts the dashboard routes on g. requireAdmin guards the refresh endpoint.
func (h *Handler) Register(g gin.IRoutes, requireAdmin gin.HandlerFunc) {
	g.GET("/sessions/active", h.ActiveSessions)
	g.GET("/sessions/history", h.History)
	g.GET("/sessions/:id", h.Session)
	g.GET("/sessions/:id/participants", h.Participants)
	g.GET("/statistics", h.Statistics)
	g.GET("/export", h.Download)
	g.POST("/export", h.CreateExport)
	g.POST("/sessions/:id/refresh", requireAdmin, h.Refresh)
}

// ActiveSessions handles GET /api/sessions/active. Each session carries its present participants.
func (h *Handler) ActiveSessions(c *gin.Context) {
	ctx := c.Request.Context()
	list, err := h.sessions.ListSessions(ctx, registry.Filter{Status: models.SessionStatusActive})
	if err != nil {
		h.logger.Error("list active sessions", zap.Error(err))
		response.Internal(c, "failed to list active sessions")
		return
	}
	for i := range list {
		ps, err := h.sessions.Participants(ctx, list[i].ID)
		if err != nil {
			h.logger.Error("list participants", zap.String("session_id", list[i].ID.String()), zap.Error(err))
			response.Internal(c, "failed to list participants")
			return
		}
		present := make([]models.Participant, 0, len(ps))
		for _, p := range ps {
			if p.IsOpen() {
				present = append(present, p)
			}
		}
		list[i].Participants = present
	}
	response.OK(c, list)
}

// History handles GET /api/sessions/history.
func (h *Handler) History(c *gin.Context) {
	f, ok := h.bindFilter(c)
	if !ok {
		return
	}
	list, err := h.reports.History(c.Request.Context(), f)
	if err != nil {
		h.logger.Error("session history", zap.Error(err))
		response.Internal(c, "failed to load session history")
		return
	}
	response.OK(c, list)
}

// Session handles GET /api/sessions/:id with all participants.
func (h *Handler) Session(c *gin.Context) {
	s, ok := h.loadSession(c)
	if !ok {
		return
	}
	ps, err := h.sessions.Participants(c.Request.Context(), s.ID)
	if err != nil {
		h.logger.Error("list participants", zap.String("session_id", s.ID.String()), zap.Error(err))
		response.Internal(c, "failed to list participants")
		return
	}
	s.Participants = ps
	response.OK(c, s)
}

// Participants handles GET /api/sessions/:id/participants.
func (h *Handler) Participants(c *gin.Context) {
	s, ok := h.loadSession(c)
	if !ok {
		return
	}
	ps, err := h.sessions.Participants(c.Request.Context(), s.ID)
	if err != nil {
		h.logger.Error("list participants", zap.String("session_id", s.ID.String()), zap.Error(err))
		response.Internal(c, "failed to list participants")
		return
	}
	out := make([]ParticipantView, len(ps))
	for i := range ps {
		out[i] = ParticipantView{Participant: ps[i], DurationMinutes: ps[i].DurationMinutes()}
	}
	response.OK(c, out)
}

// Statistics handles GET /api/statistics.
func (h *Handler) Statistics(c *gin.Context) {
	f, ok := h.bindFilter(c)
	if !ok {
		return
	}
	st, err := h.reports.Compute(c.Request.Context(), f)
	if err != nil {
		h.logger.Error("compute statistics", zap.Error(err))
		response.Internal(c, "failed to compute statistics")
		return
	}
	response.OK(c, st)
}

// Download handles GET /api/export?format=csv|xlsx and streams the file.
func (h *Handler) Download(c *gin.Context) {
	format, err := stats.ParseFormat(c.Query("format"))
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	f, ok := h.bindFilter(c)
	if !ok {
		return
	}
	data, ok := h.export(c, f, format)
	if !ok {
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+format.FileName(h.now().In(h.loc))+`"`)
	c.Data(http.StatusOK, format.ContentType(), data)
}

// CreateExport handles POST /api/export: the file is stored and a signed download URL returned.
func (h *Handler) CreateExport(c *gin.Context) {
	if h.uploader == nil {
		response.ServiceUnavailable(c, "export storage not configured")
		return
	}
	var req ExportRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "invalid request: "+err.Error())
			return
		}
	}
	format, err := stats.ParseFormat(req.Format)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	f, err := h.toFilter(req.FilterQuery)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	data, ok := h.export(c, f, format)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	now := h.now().In(h.loc)
	name := format.FileName(now)
	key, err := h.uploader.UploadExport(ctx, name, format.ContentType(), data, now)
	if err != nil {
		h.logger.Error("upload export", zap.String("file", name), zap.Error(err))
		response.ServiceUnavailable(c, "failed to store export")
		return
	}
	url, err := h.uploader.PresignExportURL(ctx, key)
	if err != nil {
		h.logger.Error("presign export", zap.String("key", key), zap.Error(err))
		response.Internal(c, "failed to sign export url")
		return
	}
	response.OK(c, ExportLink{
		FileName:  name,
		Key:       key,
		URL:       url,
		ExpiresAt: h.now().Add(h.uploader.PresignExpire()).UTC(),
	})
}

// Refresh handles POST /api/sessions/:id/refresh, where :id is the BBB meeting ID.
func (h *Handler) Refresh(c *gin.Context) {
	if h.refresher == nil {
		response.ServiceUnavailable(c, "BBB API not configured")
		return
	}
	meetingID := strings.TrimSpace(c.Param("id"))
	if meetingID == "" {
		response.BadRequest(c, "meeting id required")
		return
	}
	res, err := h.refresher.Refresh(c.Request.Context(), meetingID)
	var verr *reconciler.ValidationError
	var uerr *bbb.UpstreamError
	switch {
	case err == nil:
	case errors.Is(err, bbb.ErrNotConfigured):
		response.ServiceUnavailable(c, "BBB API not configured")
		return
	case errors.As(err, &verr):
		response.BadRequest(c, verr.Error())
		return
	case errors.As(err, &uerr), errors.Is(err, context.DeadlineExceeded):
		h.logger.Warn("refresh meeting", zap.String("meeting_id", meetingID), zap.Error(err))
		response.BadGateway(c, "BBB API unavailable")
		return
	default:
		h.logger.Error("refresh meeting", zap.String("meeting_id", meetingID), zap.Error(err))
		response.ServiceUnavailable(c, "failed to refresh meeting")
		return
	}
	response.OK(c, gin.H{
		"outcome": res.Outcome,
		"reason":  res.Reason,
		"session": res.After,
	})
}

func (h *Handler) export(c *gin.Context, f registry.Filter, format stats.Format) ([]byte, bool) {
	data, err := h.reports.Export(c.Request.Context(), f, format)
	if errors.Is(err, stats.ErrNoData) {
		response.NotFound(c, err.Error())
		return nil, false
	}
	if err != nil {
		h.logger.Error("export sessions", zap.String("format", string(format)), zap.Error(err))
		response.Internal(c, "failed to export sessions")
		return nil, false
	}
	return data, true
}

func (h *Handler) loadSession(c *gin.Context) (*models.Session, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return nil, false
	}
	s, err := h.sessions.GetSession(c.Request.Context(), id)
	if errors.Is(err, registry.ErrSessionNotFound) {
		response.NotFound(c, "session not found")
		return nil, false
	}
	if err != nil {
		h.logger.Error("get session", zap.String("session_id", id.String()), zap.Error(err))
		response.Internal(c, "failed to load session")
		return nil, false
	}
	return s, true
}

func (h *Handler) bindFilter(c *gin.Context) (registry.Filter, bool) {
	var q FilterQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.BadRequest(c, "invalid filter: "+err.Error())
		return registry.Filter{}, false
	}
	f, err := h.toFilter(q)
	if err != nil {
		response.BadRequest(c, err.Error())
		return registry.Filter{}, false
	}
	return f, true
}

func (h *Handler) toFilter(q FilterQuery) (registry.Filter, error) {
	f := registry.Filter{
		CourseID:        q.CourseID,
		Lecturer:        strings.TrimSpace(q.Lecturer),
		RecordingStatus: models.RecordingStatus(q.RecordingStatus),
	}
	if q.DateFrom != "" {
		t, err := time.ParseInLocation(dateLayout, q.DateFrom, h.loc)
		if err != nil {
			return f, errors.New("invalid date_from, want YYYY-MM-DD")
		}
		f.DateFrom = &t
	}
	if q.DateTo != "" {
		t, err := time.ParseInLocation(dateLayout, q.DateTo, h.loc)
		if err != nil {
			return f, errors.New("invalid date_to, want YYYY-MM-DD")
		}
		f.DateTo = &t
	}
	if f.DateFrom != nil && f.DateTo != nil && f.DateTo.Before(*f.DateFrom) {
		return f, errors.New("date_to is before date_from")
	}
	return f, nil
}
