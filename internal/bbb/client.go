package bbb

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aura-webinar/bbb-monitor/internal/metrics"
)

const breakerName = "bbb-api"

// ClientConfig holds BBB API settings.
type ClientConfig struct {
	URL               string // server base, e.g. https://bbb.example.com/bigbluebutton
	Secret            string
	ChecksumAlgorithm string // sha1 or sha256
	Timeout           time.Duration
	RequestsPerSecond float64 // 0 disables pacing
	Burst             int
}

// Configured reports whether the API can be called at all.
func (c ClientConfig) Configured() bool {
	return strings.TrimSpace(c.URL) != "" && c.Secret != ""
}

// MeetingInfo is the part of a getMeetingInfo response the poller needs.
type MeetingInfo struct {
	MeetingID        string
	MeetingName      string
	Running          bool
	ParticipantCount int
	ModeratorCount   int
	Recording        bool
	// EndTime is the end in Unix milliseconds, 0 while the meeting has not ended.
	EndTime       int64
	ForciblyEnded bool
}

// Ended reports whether BBB has positively ended the meeting. A meeting that is
// not running but has no end time is idle (created and not joined yet, or
// everyone briefly left) and still open.
func (m *MeetingInfo) Ended() bool {
	return m.EndTime != 0 || m.ForciblyEnded
}

type meetingInfoXML struct {
	XMLName          xml.Name `xml:"response"`
	ReturnCode       string   `xml:"returncode"`
	MessageKey       string   `xml:"messageKey"`
	Message          string   `xml:"message"`
	MeetingID        string   `xml:"meetingID"`
	MeetingName      string   `xml:"meetingName"`
	Running          bool     `xml:"running"`
	ParticipantCount int      `xml:"participantCount"`
	ModeratorCount   int      `xml:"moderatorCount"`
	Recording        bool     `xml:"recording"`
	EndTime          int64    `xml:"endTime"`
	ForciblyEnded    bool     `xml:"hasBeenForciblyEnded"`
}

// Client calls the BBB API behind a rate limiter and a circuit breaker.
type Client struct {
	baseURL string
	secret  string
	newHash func() hash.Hash
	http    *http.Client
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker[*MeetingInfo]
	logger  *zap.Logger
}

// NewClient creates a BBB API client. It returns ErrNotConfigured when URL or secret is empty.
func NewClient(cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	if !cfg.Configured() {
		return nil, ErrNotConfigured
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	newHash := sha1.New
	switch strings.ToLower(cfg.ChecksumAlgorithm) {
	case "", "sha1":
	case "sha256":
		newHash = sha256.New
	default:
		return nil, fmt.Errorf("unsupported checksum algorithm %q", cfg.ChecksumAlgorithm)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	c := &Client{
		baseURL: apiBase(cfg.URL),
		secret:  cfg.Secret,
		newHash: newHash,
		http:    &http.Client{Timeout: timeout},
		limiter: limiter,
		logger:  logger,
	}
	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)
	c.cb = gobreaker.NewCircuitBreaker[*MeetingInfo](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		// A missing meeting is an answer, not an outage.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrMeetingNotFound) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state change",
				zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})
	return c, nil
}

// apiBase normalises the configured server URL to ".../api/".
func apiBase(raw string) string {
	u := strings.TrimRight(strings.TrimSpace(raw), "/")
	if !strings.HasSuffix(u, "/api") {
		u += "/api"
	}
	return u + "/"
}

// checksum signs a call: hex(hash(callName + query + secret)).
func (c *Client) checksum(call, query string) string {
	h := c.newHash()
	h.Write([]byte(call + query + c.secret))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Client) callURL(call string, params url.Values) string {
	query := params.Encode()
	sum := c.checksum(call, query)
	if query != "" {
		query += "&"
	}
	return c.baseURL + call + "?" + query + "checksum=" + sum
}

// GetMeetingInfo returns the live state of a meeting, ErrMeetingNotFound when BBB does not know it,
// or an *UpstreamError.
func (c *Client) GetMeetingInfo(ctx context.Context, meetingID string) (*MeetingInfo, error) {
	const call = "getMeetingInfo"
	info, err := c.cb.Execute(func() (*MeetingInfo, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &UpstreamError{Call: call, Err: err}
		}
		return c.getMeetingInfo(ctx, meetingID)
	})
	switch {
	case err == nil:
		metrics.UpstreamRequests.WithLabelValues(call, "success").Inc()
	case errors.Is(err, ErrMeetingNotFound):
		metrics.UpstreamRequests.WithLabelValues(call, "not_found").Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.UpstreamRequests.WithLabelValues(call, "rejected").Inc()
		return nil, &UpstreamError{Call: call, Err: err}
	default:
		metrics.UpstreamRequests.WithLabelValues(call, "failure").Inc()
	}
	return info, err
}

func (c *Client) getMeetingInfo(ctx context.Context, meetingID string) (*MeetingInfo, error) {
	const call = "getMeetingInfo"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.callURL(call, url.Values{"meetingID": {meetingID}}), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &UpstreamError{Call: call, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &UpstreamError{Call: call, StatusCode: resp.StatusCode}
	}

	var body meetingInfoXML
	if err := xml.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return nil, &UpstreamError{Call: call, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if !strings.EqualFold(body.ReturnCode, "SUCCESS") {
		if body.MessageKey == "notFound" {
			return nil, ErrMeetingNotFound
		}
		return nil, &UpstreamError{Call: call, StatusCode: resp.StatusCode, MessageKey: body.MessageKey, Err: errors.New(body.Message)}
	}
	return &MeetingInfo{
		MeetingID:        body.MeetingID,
		MeetingName:      body.MeetingName,
		Running:          body.Running,
		ParticipantCount: body.ParticipantCount,
		ModeratorCount:   body.ModeratorCount,
		Recording:        body.Recording,
		EndTime:          body.EndTime,
		ForciblyEnded:    body.ForciblyEnded,
	}, nil
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return -1
}
