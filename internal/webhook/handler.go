package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-webinar/bbb-monitor/internal/bbb"
	"github.com/aura-webinar/bbb-monitor/internal/events"
	"github.com/aura-webinar/bbb-monitor/internal/metrics"
	"github.com/aura-webinar/bbb-monitor/pkg/response"
)

// DefaultSignatureHeader carries the hex HMAC of the body.
const DefaultSignatureHeader = "X-BBB-Signature"

const maxBodyBytes = 1 << 20

// Ingester records and applies one delivery. *events.Intake implements it.
type Ingester interface {
	Ingest(ctx context.Context, eventType string, data []byte, receivedAt time.Time) (events.Status, error)
}

// Handler serves POST /webhooks/bbb.
type Handler struct {
	intake          Ingester
	verifier        *Verifier
	signatureHeader string
	logger          *zap.Logger
	now             func() time.Time
}

// NewHandler creates a webhook handler.
func NewHandler(intake Ingester, verifier *Verifier, signatureHeader string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if signatureHeader == "" {
		signatureHeader = DefaultSignatureHeader
	}
	return &Handler{intake: intake, verifier: verifier, signatureHeader: signatureHeader, logger: logger, now: time.Now}
}

// Receive handles one delivery: allow-list, signature, JSON envelope, then intake.
// Processed, duplicate and dropped deliveries all answer 200 so BBB does not resend them;
// storage failures answer 503 so it does.
func (h *Handler) Receive(c *gin.Context) {
	receivedAt := h.now().UTC()
	clientIP := h.verifier.ClientAddr(c.RemoteIP(), c.GetHeader("X-Forwarded-For"))

	if err := h.verifier.CheckIP(clientIP); err != nil {
		h.reject(c, err, "forbidden", zap.String("client_ip", clientIP))
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil {
		metrics.WebhookRequests.WithLabelValues("bad_request").Inc()
		response.BadRequest(c, "could not read body")
		return
	}
	if len(body) > maxBodyBytes {
		metrics.WebhookRequests.WithLabelValues("bad_request").Inc()
		response.Fail(c, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	if err := h.verifier.CheckSignature(body, c.GetHeader(h.signatureHeader)); err != nil {
		h.reject(c, err, "unauthorized", zap.String("client_ip", clientIP))
		return
	}

	env, err := bbb.ParseEnvelope(body)
	if err != nil {
		metrics.WebhookRequests.WithLabelValues("bad_request").Inc()
		response.BadRequest(c, "invalid JSON")
		return
	}

	status, err := h.intake.Ingest(c.Request.Context(), env.Event, env.Data, receivedAt)
	if err != nil {
		metrics.WebhookRequests.WithLabelValues("unavailable").Inc()
		h.logger.Error("webhook ingest failed", zap.String("event", env.Event), zap.Error(err))
		response.ServiceUnavailable(c, "event not stored, retry later")
		return
	}
	metrics.WebhookRequests.WithLabelValues(string(status)).Inc()
	h.logger.Debug("webhook received", zap.String("event", env.Event), zap.String("status", string(status)))
	response.OK(c, gin.H{"status": status})
}

func (h *Handler) reject(c *gin.Context, err error, result string, fields ...zap.Field) {
	metrics.WebhookRequests.WithLabelValues(result).Inc()
	h.logger.Warn("webhook rejected", append(fields, zap.Error(err))...)
	status, msg := http.StatusUnauthorized, err.Error()
	var ae *AuthError
	if errors.As(err, &ae) {
		status, msg = ae.Status, ae.Err.Error()
	}
	response.Fail(c, status, msg)
}
