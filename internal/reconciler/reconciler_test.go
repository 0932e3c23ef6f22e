package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/bbb-monitor/internal/models"
	"github.com/aura-webinar/bbb-monitor/internal/registry"
)

var t0 = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func newTestReconciler() (*Reconciler, *registry.MemoryStore) {
	store := registry.NewMemoryStore()
	return New(store, nil), store
}

func created(meetingID string) MeetingCreated {
	return MeetingCreated{
		MeetingID:     meetingID,
		CourseID:      42,
		CourseName:    "Algebra I",
		SessionName:   "Week 3 lecture",
		ModeratorName: "Dr. Smith",
		StartTime:     t0,
	}
}

func joined(meetingID, user string, at time.Time) UserJoined {
	return UserJoined{MeetingID: meetingID, ExternalUserID: user, DisplayName: user, Role: models.RoleStudent, JoinTime: at}
}

func left(meetingID, user string, at time.Time) UserLeft {
	return UserLeft{MeetingID: meetingID, ExternalUserID: user, LeaveTime: at}
}

func mustApply(t *testing.T, r *Reconciler, f Fact) Result {
	t.Helper()
	res, err := r.Apply(context.Background(), f)
	require.NoError(t, err)
	return res
}

func session(t *testing.T, store *registry.MemoryStore, meetingID string) *models.Session {
	t.Helper()
	s, err := store.GetSessionByMeetingID(context.Background(), meetingID)
	require.NoError(t, err)
	return s
}

func TestMeetingCreated_IsCreateOrIgnore(t *testing.T) {
	r, store := newTestReconciler()

	res := mustApply(t, r, created("m1"))
	assert.Equal(t, OutcomeCreated, res.Outcome)
	mustApply(t, r, joined("m1", "u1", t0.Add(time.Minute)))

	dup := created("m1")
	dup.StartTime = t0.Add(time.Hour)
	dup.SessionName = "Overwritten"
	res = mustApply(t, r, dup)
	assert.Equal(t, OutcomeNoOp, res.Outcome)

	list, err := store.ListSessions(context.Background(), registry.Filter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, t0, list[0].StartTime)
	assert.Equal(t, "Week 3 lecture", list[0].SessionName)
	assert.Equal(t, 1, list[0].CurrentParticipants)
	assert.Equal(t, 1, list[0].PeakParticipants)
}

func TestMeetingEnded_ClosesOpenParticipants(t *testing.T) {
	r, store := newTestReconciler()
	mustApply(t, r, created("m1"))
	for i := 0; i < 3; i++ {
		mustApply(t, r, joined("m1", fmt.Sprintf("u%d", i), t0.Add(time.Duration(i)*time.Minute)))
	}

	end := t0.Add(90*time.Minute + 31*time.Second)
	res := mustApply(t, r, MeetingEnded{MeetingID: "m1", EndTime: end})
	assert.Equal(t, OutcomeMutated, res.Outcome)

	s := session(t, store, "m1")
	assert.Equal(t, models.SessionStatusEnded, s.Status)
	require.NotNil(t, s.EndTime)
	assert.Equal(t, end, *s.EndTime)
	require.NotNil(t, s.DurationMinutes)
	assert.Equal(t, 91, *s.DurationMinutes)
	assert.Equal(t, 0, s.CurrentParticipants)
	assert.Equal(t, 3, s.PeakParticipants)

	ps, err := store.Participants(context.Background(), s.ID)
	require.NoError(t, err)
	require.Len(t, ps, 3)
	for _, p := range ps {
		require.NotNil(t, p.LeaveTime)
		assert.Equal(t, end, *p.LeaveTime)
	}
}

func TestMeetingEnded_MissingSessionIsSynthesized(t *testing.T) {
	r, store := newTestReconciler()

	res := mustApply(t, r, MeetingEnded{MeetingID: "ghost", EndTime: t0})
	assert.Equal(t, OutcomeCreated, res.Outcome)

	s := session(t, store, "ghost")
	assert.Equal(t, models.SessionStatusEnded, s.Status)
	require.NotNil(t, s.EndTime)
	require.NotNil(t, s.DurationMinutes)
	assert.Equal(t, 0, *s.DurationMinutes)
}

func TestMeetingEnded_Twice_KeepsDuration(t *testing.T) {
	r, store := newTestReconciler()
	mustApply(t, r, created("m1"))
	mustApply(t, r, MeetingEnded{MeetingID: "m1", EndTime: t0.Add(45 * time.Minute)})

	res := mustApply(t, r, MeetingEnded{MeetingID: "m1", EndTime: t0.Add(3 * time.Hour)})
	assert.Equal(t, OutcomeNoOp, res.Outcome)
	assert.Equal(t, 45, *session(t, store, "m1").DurationMinutes)
}

func TestUserJoined_MissingSessionCreatesPlaceholder(t *testing.T) {
	r, store := newTestReconciler()

	res := mustApply(t, r, joined("m9", "u1", t0))
	assert.Equal(t, OutcomeCreated, res.Outcome)

	s := session(t, store, "m9")
	assert.True(t, s.IsActive())
	assert.Equal(t, 1, s.CurrentParticipants)
	assert.Equal(t, 1, s.PeakParticipants)

	// A late create must not reset the counters of the placeholder.
	assert.Equal(t, OutcomeNoOp, mustApply(t, r, created("m9")).Outcome)
	assert.Equal(t, 1, session(t, store, "m9").CurrentParticipants)
}

func TestUserJoined_DuplicateDeliveryIgnored(t *testing.T) {
	r, store := newTestReconciler()
	mustApply(t, r, created("m1"))
	mustApply(t, r, joined("m1", "u1", t0.Add(time.Minute)))

	res := mustApply(t, r, joined("m1", "u1", t0.Add(time.Minute)))
	assert.Equal(t, OutcomeNoOp, res.Outcome)
	assert.Equal(t, 1, session(t, store, "m1").CurrentParticipants)
}

func TestUserJoined_AfterEndIgnored(t *testing.T) {
	r, store := newTestReconciler()
	mustApply(t, r, created("m1"))
	mustApply(t, r, MeetingEnded{MeetingID: "m1", EndTime: t0.Add(time.Hour)})

	res := mustApply(t, r, joined("m1", "late", t0.Add(2*time.Hour)))
	assert.Equal(t, OutcomeNoOp, res.Outcome)
	assert.Equal(t, 0, session(t, store, "m1").CurrentParticipants)
}

func TestUserLeft_UnmatchedIsNoOp(t *testing.T) {
	r, store := newTestReconciler()
	mustApply(t, r, created("m1"))

	res := mustApply(t, r, left("m1", "nobody", t0.Add(time.Minute)))
	assert.Equal(t, OutcomeNoOp, res.Outcome)
	assert.Equal(t, 0, session(t, store, "m1").CurrentParticipants)

	res = mustApply(t, r, left("unknown-meeting", "u1", t0))
	assert.Equal(t, OutcomeNoOp, res.Outcome)
}

func TestUserLeft_ClosesMostRecentSpan(t *testing.T) {
	r, store := newTestReconciler()
	mustApply(t, r, created("m1"))
	mustApply(t, r, joined("m1", "u1", t0.Add(time.Minute)))
	mustApply(t, r, joined("m1", "u1", t0.Add(2*time.Minute))) // second tab

	mustApply(t, r, left("m1", "u1", t0.Add(3*time.Minute)))

	s := session(t, store, "m1")
	assert.Equal(t, 1, s.CurrentParticipants)
	assert.Equal(t, 2, s.PeakParticipants)
	ps, err := store.Participants(context.Background(), s.ID)
	require.NoError(t, err)
	require.Len(t, ps, 2)
	assert.Nil(t, ps[0].LeaveTime)
	require.NotNil(t, ps[1].LeaveTime)
}

func TestJoinLeaveSequences_CountInvariants(t *testing.T) {
	type step struct {
		join bool
		user string
	}
	sequences := map[string][]step{
		"leave before join": {{false, "a"}, {true, "a"}, {false, "a"}, {false, "a"}},
		"interleaved":       {{true, "a"}, {true, "b"}, {false, "a"}, {true, "c"}, {false, "b"}, {false, "c"}, {false, "c"}},
		"burst then drain":  {{true, "a"}, {true, "b"}, {true, "c"}, {true, "d"}, {false, "d"}, {false, "c"}, {false, "b"}, {false, "a"}},
		"only leaves":       {{false, "x"}, {false, "y"}},
	}

	for name, seq := range sequences {
		seq := seq
		t.Run(name, func(t *testing.T) {
			r, store := newTestReconciler()
			mustApply(t, r, created("m1"))

			present := map[string]int{}
			expected, peak := 0, 0
			for i, st := range seq {
				at := t0.Add(time.Duration(i+1) * time.Second)
				if st.join {
					mustApply(t, r, joined("m1", st.user, at))
					present[st.user]++
					expected++
				} else {
					mustApply(t, r, left("m1", st.user, at))
					if present[st.user] > 0 {
						present[st.user]--
						expected--
					}
				}
				s := session(t, store, "m1")
				assert.GreaterOrEqual(t, s.CurrentParticipants, 0)
				assert.Equal(t, expected, s.CurrentParticipants, "step %d", i)
				assert.GreaterOrEqual(t, s.PeakParticipants, peak, "peak decreased at step %d", i)
				assert.GreaterOrEqual(t, s.PeakParticipants, s.CurrentParticipants)
				peak = s.PeakParticipants
			}
		})
	}
}

func TestRecordingReady_Transitions(t *testing.T) {
	r, store := newTestReconciler()
	mustApply(t, r, created("m1"))

	res := mustApply(t, r, RecordingReady{MeetingID: "m1", RecordingURL: "https://bbb.example.com/playback/1", ReadyAt: t0})
	assert.Equal(t, OutcomeMutated, res.Outcome)
	s := session(t, store, "m1")
	assert.Equal(t, models.RecordingStatusAvailable, s.RecordingStatus)
	require.NotNil(t, s.RecordingURL)

	// available -> available is not a legal transition
	res = mustApply(t, r, RecordingReady{MeetingID: "m1", RecordingURL: "https://bbb.example.com/playback/2", ReadyAt: t0})
	assert.Equal(t, OutcomeNoOp, res.Outcome)
	assert.Equal(t, "https://bbb.example.com/playback/1", *session(t, store, "m1").RecordingURL)
}

func TestPollSnapshot_EndsThenWebhookEndIsIdempotent(t *testing.T) {
	r, store := newTestReconciler()
	mustApply(t, r, created("m1"))
	mustApply(t, r, joined("m1", "u1", t0.Add(time.Minute)))

	res := mustApply(t, r, PollSnapshot{MeetingID: "m1", StillActive: false, PolledAt: t0.Add(30 * time.Minute)})
	assert.Equal(t, OutcomeMutated, res.Outcome)
	s := session(t, store, "m1")
	assert.Equal(t, models.SessionStatusEnded, s.Status)
	assert.Equal(t, 30, *s.DurationMinutes)

	res = mustApply(t, r, MeetingEnded{MeetingID: "m1", EndTime: t0.Add(40 * time.Minute)})
	assert.Equal(t, OutcomeNoOp, res.Outcome)
	assert.Equal(t, 30, *session(t, store, "m1").DurationMinutes)
}

func TestPollSnapshot_LastWriterWinsByTimestamp(t *testing.T) {
	r, store := newTestReconciler()
	mustApply(t, r, created("m1"))
	mustApply(t, r, joined("m1", "u1", t0.Add(10*time.Minute)))
	mustApply(t, r, joined("m1", "u2", t0.Add(11*time.Minute)))

	// Poll taken before the latest webhook: webhook data stays authoritative.
	res := mustApply(t, r, PollSnapshot{MeetingID: "m1", ParticipantCount: 7, StillActive: true, PolledAt: t0.Add(5 * time.Minute)})
	assert.Equal(t, OutcomeNoOp, res.Outcome)
	assert.Equal(t, 2, session(t, store, "m1").CurrentParticipants)

	// A fresher poll corrects drift and raises the peak.
	res = mustApply(t, r, PollSnapshot{MeetingID: "m1", ParticipantCount: 5, StillActive: true, PolledAt: t0.Add(20 * time.Minute)})
	assert.Equal(t, OutcomeMutated, res.Outcome)
	s := session(t, store, "m1")
	assert.Equal(t, 5, s.CurrentParticipants)
	assert.Equal(t, 5, s.PeakParticipants)

	// Lower counts never lower the peak.
	mustApply(t, r, PollSnapshot{MeetingID: "m1", ParticipantCount: 1, StillActive: true, PolledAt: t0.Add(25 * time.Minute)})
	s = session(t, store, "m1")
	assert.Equal(t, 1, s.CurrentParticipants)
	assert.Equal(t, 5, s.PeakParticipants)
}

func TestPollSnapshot_UnknownMeeting(t *testing.T) {
	r, store := newTestReconciler()

	res := mustApply(t, r, PollSnapshot{MeetingID: "gone", StillActive: false, PolledAt: t0})
	assert.Equal(t, OutcomeNoOp, res.Outcome)
	_, err := store.GetSessionByMeetingID(context.Background(), "gone")
	assert.ErrorIs(t, err, registry.ErrSessionNotFound)

	res = mustApply(t, r, PollSnapshot{MeetingID: "found", ParticipantCount: 3, StillActive: true, PolledAt: t0})
	assert.Equal(t, OutcomeCreated, res.Outcome)
	assert.Equal(t, 3, session(t, store, "found").PeakParticipants)
}

func TestApply_ValidationError(t *testing.T) {
	r, _ := newTestReconciler()

	cases := map[string]Fact{
		"missing meeting id": MeetingCreated{SessionName: "x", StartTime: t0},
		"missing start":      MeetingCreated{MeetingID: "m1", SessionName: "x"},
		"missing user ref":   UserJoined{MeetingID: "m1", JoinTime: t0},
		"bad role":           UserJoined{MeetingID: "m1", ExternalUserID: "u", Role: "guest", JoinTime: t0},
		"bad url":            RecordingReady{MeetingID: "m1", RecordingURL: "not a url", ReadyAt: t0},
		"negative count":     PollSnapshot{MeetingID: "m1", ParticipantCount: -1, PolledAt: t0},
		"nil":                nil,
	}
	for name, f := range cases {
		f := f
		t.Run(name, func(t *testing.T) {
			_, err := r.Apply(context.Background(), f)
			require.Error(t, err)
			assert.True(t, IsValidation(err))
			assert.False(t, IsStorage(err))
		})
	}
}

type failingStore struct {
	registry.Store
	err error
}

func (f failingStore) WithMeeting(context.Context, string, func(registry.MeetingTx) error) error {
	return f.err
}

func TestApply_StorageError(t *testing.T) {
	down := errors.New("connection refused")
	r := New(failingStore{err: down}, nil)

	_, err := r.Apply(context.Background(), created("m1"))
	require.Error(t, err)
	assert.True(t, IsStorage(err))
	assert.ErrorIs(t, err, down)
}

func TestApply_NotifiesObserversOnlyOnChange(t *testing.T) {
	r, _ := newTestReconciler()
	var got []Outcome
	r.AddObserver(ObserverFunc(func(_ context.Context, res Result) {
		got = append(got, res.Outcome)
	}))

	mustApply(t, r, created("m1"))
	mustApply(t, r, created("m1"))
	mustApply(t, r, joined("m1", "u1", t0.Add(time.Minute)))

	assert.Equal(t, []Outcome{OutcomeCreated, OutcomeMutated}, got)
}

func TestApply_ConcurrentJoinsNoLostUpdates(t *testing.T) {
	r, store := newTestReconciler()
	mustApply(t, r, created("m1"))

	const joins = 50
	const leaves = 20
	var wg sync.WaitGroup
	for i := 0; i < joins; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.Apply(context.Background(), joined("m1", fmt.Sprintf("u%d", i), t0.Add(time.Duration(i)*time.Millisecond)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	for i := 0; i < leaves; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.Apply(context.Background(), left("m1", fmt.Sprintf("u%d", i), t0.Add(time.Minute)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	s := session(t, store, "m1")
	assert.Equal(t, joins-leaves, s.CurrentParticipants)
	assert.Equal(t, joins, s.PeakParticipants)
}

func TestApply_DifferentMeetingsInParallel(t *testing.T) {
	r, store := newTestReconciler()
	var wg sync.WaitGroup
	for m := 0; m < 5; m++ {
		meetingID := fmt.Sprintf("m%d", m)
		mustApply(t, r, created(meetingID))
		for u := 0; u < 10; u++ {
			wg.Add(1)
			go func(u int) {
				defer wg.Done()
				_, _ = r.Apply(context.Background(), joined(meetingID, fmt.Sprintf("u%d", u), t0.Add(time.Second)))
			}(u)
		}
	}
	wg.Wait()

	list, err := store.ListSessions(context.Background(), registry.Filter{Status: models.SessionStatusActive})
	require.NoError(t, err)
	require.Len(t, list, 5)
	for _, s := range list {
		assert.Equal(t, 10, s.CurrentParticipants, s.MeetingID)
		assert.NotEqual(t, uuid.Nil, s.ID)
	}
}
