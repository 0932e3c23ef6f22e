// Package poller periodically asks the BBB API about every active session and feeds the answers to the reconciler.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aura-webinar/bbb-monitor/internal/bbb"
	"github.com/aura-webinar/bbb-monitor/internal/metrics"
	"github.com/aura-webinar/bbb-monitor/internal/models"
	"github.com/aura-webinar/bbb-monitor/internal/reconciler"
	"github.com/aura-webinar/bbb-monitor/internal/registry"
)

// MeetingSource answers whether a meeting is running and how many people are in it.
type MeetingSource interface {
	GetMeetingInfo(ctx context.Context, meetingID string) (*bbb.MeetingInfo, error)
}

// Applier applies facts to the registry.
type Applier interface {
	Apply(ctx context.Context, f reconciler.Fact) (reconciler.Result, error)
}

// SessionLister lists sessions from the registry.
type SessionLister interface {
	ListSessions(ctx context.Context, f registry.Filter) ([]models.Session, error)
}

// Config controls the poll cycle.
type Config struct {
	Enabled     bool
	Interval    time.Duration
	CallTimeout time.Duration
	Concurrency int
}

// CycleReport counts per-session results of one cycle.
type CycleReport struct {
	Skipped bool `json:"skipped"`
	Polled  int  `json:"polled"`
	Updated int  `json:"updated"`
	Ended   int  `json:"ended"`
	Failed  int  `json:"failed"`
}

// Poller runs poll cycles on a ticker.
type Poller struct {
	cfg     Config
	source  MeetingSource
	store   SessionLister
	applier Applier
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a poller. A nil source means the BBB API is not configured and cycles are skipped.
func New(cfg Config, source MeetingSource, store SessionLister, applier Applier, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Poller{cfg: cfg, source: source, store: store, applier: applier, logger: logger, now: time.Now}
}

type pollOutcome int

const (
	outcomeUnchanged pollOutcome = iota
	outcomeUpdated
	outcomeEnded
	outcomeFailed
)

// RunCycle polls every active session once.
func (p *Poller) RunCycle(ctx context.Context) (CycleReport, error) {
	var rep CycleReport
	if !p.cfg.Enabled || p.source == nil {
		rep.Skipped = true
		metrics.PollCycles.WithLabelValues("skipped").Inc()
		return rep, nil
	}
	start := time.Now()
	defer func() { metrics.PollCycleDuration.Observe(time.Since(start).Seconds()) }()

	active, err := p.store.ListSessions(ctx, registry.Filter{Status: models.SessionStatusActive})
	if err != nil {
		metrics.PollCycles.WithLabelValues("failed").Inc()
		return rep, fmt.Errorf("list active sessions: %w", err)
	}
	metrics.ActiveSessions.Set(float64(len(active)))

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for i := range active {
		meetingID := active[i].MeetingID
		g.Go(func() error {
			outcome := p.pollOne(ctx, meetingID)
			mu.Lock()
			defer mu.Unlock()
			rep.Polled++
			switch outcome {
			case outcomeUpdated:
				rep.Updated++
			case outcomeEnded:
				rep.Ended++
			case outcomeFailed:
				rep.Failed++
			}
			return nil
		})
	}
	_ = g.Wait() // per-session failures are counted, never returned

	metrics.PollCycles.WithLabelValues("completed").Inc()
	p.logger.Info("poll cycle completed",
		zap.Int("polled", rep.Polled),
		zap.Int("updated", rep.Updated),
		zap.Int("ended", rep.Ended),
		zap.Int("failed", rep.Failed),
		zap.Duration("took", time.Since(start)),
	)
	return rep, nil
}

func (p *Poller) pollOne(ctx context.Context, meetingID string) pollOutcome {
	res, err := p.Refresh(ctx, meetingID)
	if err != nil {
		metrics.PollSessions.WithLabelValues("failed").Inc()
		p.logger.Warn("poll failed", zap.String("meeting_id", meetingID), zap.Error(err))
		return outcomeFailed
	}
	switch {
	case !res.Changed():
		metrics.PollSessions.WithLabelValues("unchanged").Inc()
		return outcomeUnchanged
	case res.After != nil && !res.After.IsActive():
		metrics.PollSessions.WithLabelValues("ended").Inc()
		return outcomeEnded
	default:
		metrics.PollSessions.WithLabelValues("updated").Inc()
		return outcomeUpdated
	}
}

// Refresh polls one meeting and applies the snapshot. Upstream errors and timeouts leave the session untouched.
func (p *Poller) Refresh(ctx context.Context, meetingID string) (reconciler.Result, error) {
	if p.source == nil {
		return reconciler.Result{}, bbb.ErrNotConfigured
	}
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	info, err := p.source.GetMeetingInfo(callCtx, meetingID)
	cancel()

	snap := reconciler.PollSnapshot{MeetingID: meetingID, PolledAt: p.now().UTC()}
	switch {
	case errors.Is(err, bbb.ErrMeetingNotFound):
		snap.StillActive = false
	case err != nil:
		return reconciler.Result{}, fmt.Errorf("get meeting info: %w", err)
	default:
		snap.StillActive = !info.Ended()
		snap.ParticipantCount = info.ParticipantCount
	}
	return p.applier.Apply(ctx, snap)
}

// Start runs a cycle immediately and then every Interval until Stop or ctx is done.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopChan = make(chan struct{})
	p.mu.Unlock()

	p.logger.Info("session poller starting", zap.Duration("interval", p.cfg.Interval), zap.Bool("enabled", p.cfg.Enabled))
	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop halts the loop and waits for the running cycle to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopChan)
	p.mu.Unlock()
	p.wg.Wait()
	p.logger.Info("session poller stopped")
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()
	p.cycle(ctx)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

func (p *Poller) cycle(ctx context.Context) {
	if _, err := p.RunCycle(ctx); err != nil {
		p.logger.Error("poll cycle failed", zap.Error(err))
	}
}
