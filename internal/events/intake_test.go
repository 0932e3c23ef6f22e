package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/bbb-monitor/internal/models"
	"github.com/aura-webinar/bbb-monitor/internal/reconciler"
	"github.com/aura-webinar/bbb-monitor/internal/registry"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	intake   *Intake
	events   *MemoryStore
	registry *registry.MemoryStore
}

func newHarness() *harness {
	reg := registry.NewMemoryStore()
	ev := NewMemoryStore()
	return &harness{
		intake:   NewIntake(ev, reconciler.New(reg, nil), nil),
		events:   ev,
		registry: reg,
	}
}

// flakyApplier fails with a storage error while down is set.
type flakyApplier struct {
	next Applier
	down bool
}

func (f *flakyApplier) Apply(ctx context.Context, fact reconciler.Fact) (reconciler.Result, error) {
	if f.down {
		return reconciler.Result{}, &reconciler.StorageError{Kind: fact.Kind(), MeetingID: fact.Meeting(), Err: errors.New("db down")}
	}
	return f.next.Apply(ctx, fact)
}

func TestDedupKey(t *testing.T) {
	assert.Equal(t, "id:evt-1", DedupKey("user-joined", []byte(`{}`), "evt-1"))
	k := DedupKey("user-joined", []byte(`{"meeting_id":"m1"}`), "")
	assert.Regexp(t, `^sha:[0-9a-f]{64}$`, k)
	assert.NotEqual(t, k, DedupKey("user-left", []byte(`{"meeting_id":"m1"}`), ""))
}

func TestIngest_AppliesAndMarksProcessed(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	st, err := h.intake.Ingest(ctx, models.EventMeetingCreated, []byte(`{"meeting_id":"m1","meeting_name":"Intro","timestamp":1780300000}`), now)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, st)

	s, err := h.registry.GetSessionByMeetingID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "Intro", s.SessionName)

	pending, err := h.events.ListUnprocessed(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestIngest_DuplicateDeliveryIgnored(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	body := []byte(`{"meeting_id":"m1","internal_user_id":"u1","timestamp":1780300000}`)

	st, err := h.intake.Ingest(ctx, models.EventUserJoined, body, now)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, st)

	st, err = h.intake.Ingest(ctx, models.EventUserJoined, body, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, st)

	s, err := h.registry.GetSessionByMeetingID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, s.CurrentParticipants)
}

func TestIngest_MalformedEventIsDropped(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	st, err := h.intake.Ingest(ctx, "meeting-paused", []byte(`{"meeting_id":"m1"}`), now)
	require.NoError(t, err)
	assert.Equal(t, StatusDropped, st)

	// Passes decoding, fails validation: no recording URL.
	st, err = h.intake.Ingest(ctx, models.EventRecordingReady, []byte(`{"meeting_id":"m1"}`), now)
	require.NoError(t, err)
	assert.Equal(t, StatusDropped, st)

	pending, err := h.events.ListUnprocessed(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "dropped events are never replayed")
}

func TestIngest_StorageFailureLeavesEventForReplay(t *testing.T) {
	reg := registry.NewMemoryStore()
	ev := NewMemoryStore()
	flaky := &flakyApplier{next: reconciler.New(reg, nil), down: true}
	in := NewIntake(ev, flaky, nil)
	ctx := context.Background()

	_, err := in.Ingest(ctx, models.EventMeetingCreated, []byte(`{"meeting_id":"m1","event_id":"e-1"}`), now)
	require.Error(t, err)
	assert.True(t, reconciler.IsStorage(err))

	_, err = in.Ingest(ctx, models.EventUserJoined, []byte(`{"meeting_id":"m1","event_id":"e-2","internal_user_id":"u1"}`), now.Add(time.Second))
	require.Error(t, err)

	pending, err := ev.ListUnprocessed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, models.EventMeetingCreated, pending[0].EventType, "oldest first")

	flaky.down = false
	rep, err := in.Replay(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Applied)

	s, err := reg.GetSessionByMeetingID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, s.CurrentParticipants)

	// A redelivery of an already replayed event is a duplicate.
	st, err := in.Ingest(ctx, models.EventUserJoined, []byte(`{"meeting_id":"m1","event_id":"e-2","internal_user_id":"u1"}`), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, st)
}

func TestIngest_RedeliveryOfUnprocessedEventIsApplied(t *testing.T) {
	reg := registry.NewMemoryStore()
	ev := NewMemoryStore()
	flaky := &flakyApplier{next: reconciler.New(reg, nil), down: true}
	in := NewIntake(ev, flaky, nil)
	ctx := context.Background()
	body := []byte(`{"meeting_id":"m1","event_id":"e-1","meeting_name":"Retry"}`)

	_, err := in.Ingest(ctx, models.EventMeetingCreated, body, now)
	require.Error(t, err)

	flaky.down = false
	st, err := in.Ingest(ctx, models.EventMeetingCreated, body, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, st)

	s, err := reg.GetSessionByMeetingID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, now, s.StartTime, "the original receipt time stands in for the missing timestamp")
}

func TestReplay_StopsAtFirstStorageError(t *testing.T) {
	ev := NewMemoryStore()
	flaky := &flakyApplier{next: reconciler.New(registry.NewMemoryStore(), nil), down: true}
	in := NewIntake(ev, flaky, nil)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		_, _ = in.Ingest(ctx, models.EventMeetingCreated, []byte(`{"meeting_id":"m-`+id+`"}`), now.Add(time.Duration(i)*time.Second))
	}

	rep, err := in.Replay(ctx, 10)
	require.Error(t, err)
	assert.Equal(t, 0, rep.Applied)

	pending, err := ev.ListUnprocessed(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}

func TestMemoryStore_DeleteProcessedBefore(t *testing.T) {
	ev := NewMemoryStore()
	ctx := context.Background()

	old, _, err := ev.Append(ctx, &models.WebhookEvent{EventType: "x", DedupKey: "k1", RawPayload: []byte(`{}`), ReceivedAt: now.AddDate(0, 0, -40)})
	require.NoError(t, err)
	require.NoError(t, ev.MarkProcessed(ctx, old.ID))
	_, _, err = ev.Append(ctx, &models.WebhookEvent{EventType: "x", DedupKey: "k2", RawPayload: []byte(`{}`), ReceivedAt: now.AddDate(0, 0, -40)})
	require.NoError(t, err)
	fresh, _, err := ev.Append(ctx, &models.WebhookEvent{EventType: "x", DedupKey: "k3", RawPayload: []byte(`{}`), ReceivedAt: now})
	require.NoError(t, err)
	require.NoError(t, ev.MarkProcessed(ctx, fresh.ID))

	n, err := ev.DeleteProcessedBefore(ctx, now.AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, ok := ev.Get(old.ID)
	assert.False(t, ok)
	assert.ErrorIs(t, ev.MarkProcessed(ctx, old.ID), ErrEventNotFound)
}
