package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/bbb-monitor/internal/bbb"
	"github.com/aura-webinar/bbb-monitor/internal/models"
	"github.com/aura-webinar/bbb-monitor/internal/reconciler"
	"github.com/aura-webinar/bbb-monitor/internal/registry"
)

var t0 = time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)

type answer struct {
	info  *bbb.MeetingInfo
	err   error
	block bool
}

type fakeSource struct {
	mu       sync.Mutex
	answers  map[string]answer
	calls    map[string]int
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func newFakeSource() *fakeSource {
	return &fakeSource{answers: map[string]answer{}, calls: map[string]int{}}
}

func (f *fakeSource) GetMeetingInfo(ctx context.Context, meetingID string) (*bbb.MeetingInfo, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	f.mu.Lock()
	f.calls[meetingID]++
	a, ok := f.answers[meetingID]
	f.mu.Unlock()
	if !ok {
		return nil, bbb.ErrMeetingNotFound
	}
	if a.block {
		<-ctx.Done()
		return nil, &bbb.UpstreamError{Call: "getMeetingInfo", Err: ctx.Err()}
	}
	time.Sleep(5 * time.Millisecond)
	return a.info, a.err
}

func setup(t *testing.T, meetings ...string) (*registry.MemoryStore, *reconciler.Reconciler) {
	t.Helper()
	store := registry.NewMemoryStore()
	r := reconciler.New(store, nil)
	for _, m := range meetings {
		_, err := r.Apply(context.Background(), reconciler.MeetingCreated{MeetingID: m, SessionName: m, StartTime: t0})
		require.NoError(t, err)
	}
	return store, r
}

func TestRunCycle_SkippedWhenDisabledOrUnconfigured(t *testing.T) {
	store, r := setup(t, "m1")
	src := newFakeSource()

	rep, err := New(Config{Enabled: false}, src, store, r, nil).RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Skipped)

	rep, err = New(Config{Enabled: true}, nil, store, r, nil).RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Skipped)
	assert.Empty(t, src.calls)
}

func TestRunCycle_AppliesSnapshots(t *testing.T) {
	store, r := setup(t, "running", "gone", "stopped", "broken", "same")
	src := newFakeSource()
	src.answers["running"] = answer{info: &bbb.MeetingInfo{Running: true, ParticipantCount: 8}}
	src.answers["stopped"] = answer{info: &bbb.MeetingInfo{Running: false, EndTime: t0.Add(29 * time.Minute).UnixMilli()}}
	src.answers["broken"] = answer{err: &bbb.UpstreamError{Call: "getMeetingInfo", StatusCode: 502}}
	src.answers["same"] = answer{info: &bbb.MeetingInfo{Running: true, ParticipantCount: 0}}

	p := New(Config{Enabled: true, Concurrency: 2}, src, store, r, nil)
	p.now = func() time.Time { return t0.Add(30 * time.Minute) }
	rep, err := p.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, CycleReport{Polled: 5, Updated: 1, Ended: 2, Failed: 1}, rep)

	ctx := context.Background()
	s, err := store.GetSessionByMeetingID(ctx, "running")
	require.NoError(t, err)
	assert.Equal(t, 8, s.CurrentParticipants)
	assert.Equal(t, 8, s.PeakParticipants)

	for _, m := range []string{"gone", "stopped"} {
		s, err = store.GetSessionByMeetingID(ctx, m)
		require.NoError(t, err)
		assert.Equal(t, models.SessionStatusEnded, s.Status, m)
		assert.Equal(t, 30, *s.DurationMinutes, m)
	}

	s, err = store.GetSessionByMeetingID(ctx, "broken")
	require.NoError(t, err)
	assert.True(t, s.IsActive(), "an upstream failure is not evidence the meeting ended")
}

func TestRunCycle_IdleMeetingStaysActive(t *testing.T) {
	store, r := setup(t, "waiting")
	src := newFakeSource()
	src.answers["waiting"] = answer{info: &bbb.MeetingInfo{Running: false, ParticipantCount: 0, EndTime: 0}}

	p := New(Config{Enabled: true, Concurrency: 1}, src, store, r, nil)
	p.now = func() time.Time { return t0.Add(10 * time.Minute) }
	rep, err := p.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Ended)

	ctx := context.Background()
	s, err := store.GetSessionByMeetingID(ctx, "waiting")
	require.NoError(t, err)
	assert.True(t, s.IsActive(), "not running without an end time is not an end")

	res, err := r.Apply(ctx, reconciler.UserJoined{MeetingID: "waiting", ExternalUserID: "u1", JoinTime: t0.Add(11 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, reconciler.OutcomeMutated, res.Outcome)
	assert.Equal(t, 1, res.After.CurrentParticipants)
}

func TestRunCycle_PollsEachSessionOnceWithBoundedConcurrency(t *testing.T) {
	var ids []string
	for i := 0; i < 12; i++ {
		ids = append(ids, fmt.Sprintf("m%02d", i))
	}
	store, r := setup(t, ids...)
	src := newFakeSource()
	for _, id := range ids {
		src.answers[id] = answer{info: &bbb.MeetingInfo{Running: true, ParticipantCount: 1}}
	}

	rep, err := New(Config{Enabled: true, Concurrency: 3}, src, store, r, nil).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, rep.Polled)
	for _, id := range ids {
		assert.Equal(t, 1, src.calls[id], id)
	}
	assert.LessOrEqual(t, src.maxSeen.Load(), int32(3))
}

func TestRunCycle_TimeoutIsSoftFailure(t *testing.T) {
	store, r := setup(t, "slow")
	src := newFakeSource()
	src.answers["slow"] = answer{block: true}

	rep, err := New(Config{Enabled: true, CallTimeout: 20 * time.Millisecond}, src, store, r, nil).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)

	s, err := store.GetSessionByMeetingID(context.Background(), "slow")
	require.NoError(t, err)
	assert.True(t, s.IsActive())
}

func TestRunCycle_ListFailure(t *testing.T) {
	_, r := setup(t)
	p := New(Config{Enabled: true}, newFakeSource(), failingLister{}, r, nil)
	_, err := p.RunCycle(context.Background())
	assert.Error(t, err)
}

type failingLister struct{}

func (failingLister) ListSessions(context.Context, registry.Filter) ([]models.Session, error) {
	return nil, errors.New("db down")
}

func TestRefresh(t *testing.T) {
	store, r := setup(t, "m1")
	src := newFakeSource()
	src.answers["m1"] = answer{info: &bbb.MeetingInfo{Running: true, ParticipantCount: 4}}

	p := New(Config{Enabled: false}, src, store, r, nil)
	res, err := p.Refresh(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, reconciler.OutcomeMutated, res.Outcome)
	assert.Equal(t, 4, res.After.CurrentParticipants)

	_, err = New(Config{}, nil, store, r, nil).Refresh(context.Background(), "m1")
	assert.ErrorIs(t, err, bbb.ErrNotConfigured)
}

func TestStartStop(t *testing.T) {
	store, r := setup(t, "m1")
	src := newFakeSource()
	src.answers["m1"] = answer{info: &bbb.MeetingInfo{Running: true, ParticipantCount: 2}}

	p := New(Config{Enabled: true, Interval: 10 * time.Millisecond}, src, store, r, nil)
	p.Start(context.Background())
	p.Start(context.Background())
	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.calls["m1"] >= 2
	}, time.Second, 5*time.Millisecond)
	p.Stop()
	p.Stop()
}
