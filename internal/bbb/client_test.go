package bbb

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, algo string) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(ClientConfig{URL: srv.URL + "/bigbluebutton/", Secret: "s3cret", ChecksumAlgorithm: algo, Timeout: time.Second}, nil)
	require.NoError(t, err)
	return c
}

func TestNewClient_NotConfigured(t *testing.T) {
	_, err := NewClient(ClientConfig{URL: "https://bbb.example.com"}, nil)
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = NewClient(ClientConfig{URL: "https://bbb.example.com", Secret: "x", ChecksumAlgorithm: "md5"}, nil)
	assert.Error(t, err)
}

func TestAPIBase(t *testing.T) {
	assert.Equal(t, "https://bbb.example.com/bigbluebutton/api/", apiBase("https://bbb.example.com/bigbluebutton/"))
	assert.Equal(t, "https://bbb.example.com/bigbluebutton/api/", apiBase("https://bbb.example.com/bigbluebutton/api"))
}

func TestGetMeetingInfo_Running(t *testing.T) {
	for _, algo := range []string{"sha1", "sha256"} {
		t.Run(algo, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/bigbluebutton/api/getMeetingInfo", r.URL.Path)
				assert.Equal(t, "m-1", r.URL.Query().Get("meetingID"))

				var sum []byte
				if algo == "sha256" {
					s := sha256.Sum256([]byte("getMeetingInfo" + "meetingID=m-1" + "s3cret"))
					sum = s[:]
				} else {
					s := sha1.Sum([]byte("getMeetingInfo" + "meetingID=m-1" + "s3cret"))
					sum = s[:]
				}
				assert.Equal(t, hex.EncodeToString(sum), r.URL.Query().Get("checksum"))

				_, _ = w.Write([]byte(`<response><returncode>SUCCESS</returncode><meetingName>Week 1</meetingName>
					<meetingID>m-1</meetingID><running>true</running><participantCount>12</participantCount>
					<moderatorCount>1</moderatorCount><recording>false</recording></response>`))
			}, algo)

			info, err := c.GetMeetingInfo(context.Background(), "m-1")
			require.NoError(t, err)
			assert.True(t, info.Running)
			assert.Equal(t, 12, info.ParticipantCount)
			assert.Equal(t, "Week 1", info.MeetingName)
		})
	}
}

func TestGetMeetingInfo_EndEvidence(t *testing.T) {
	cases := []struct {
		name  string
		xml   string
		ended bool
	}{
		{"idle", `<running>false</running><participantCount>0</participantCount><endTime>0</endTime><hasBeenForciblyEnded>false</hasBeenForciblyEnded>`, false},
		{"finished", `<running>false</running><endTime>1789000000000</endTime>`, true},
		{"forcibly ended", `<running>false</running><endTime>0</endTime><hasBeenForciblyEnded>true</hasBeenForciblyEnded>`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`<response><returncode>SUCCESS</returncode><meetingID>m-1</meetingID>` + tc.xml + `</response>`))
			}, "")

			info, err := c.GetMeetingInfo(context.Background(), "m-1")
			require.NoError(t, err)
			assert.False(t, info.Running)
			assert.Equal(t, tc.ended, info.Ended())
		})
	}
}

func TestGetMeetingInfo_NotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<response><returncode>FAILED</returncode><messageKey>notFound</messageKey>
			<message>We could not find a meeting with that meeting ID</message></response>`))
	}, "")

	_, err := c.GetMeetingInfo(context.Background(), "gone")
	assert.ErrorIs(t, err, ErrMeetingNotFound)
}

func TestGetMeetingInfo_UpstreamFailures(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}, "")
	_, err := c.GetMeetingInfo(context.Background(), "m-1")
	var ue *UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, http.StatusBadGateway, ue.StatusCode)

	c = newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<response><returncode>FAILED</returncode><messageKey>checksumError</messageKey></response>`))
	}, "")
	_, err = c.GetMeetingInfo(context.Background(), "m-1")
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "checksumError", ue.MessageKey)
}

func TestGetMeetingInfo_TimeoutIsUpstreamError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}, "")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.GetMeetingInfo(ctx, "m-1")
	var ue *UpstreamError
	assert.True(t, errors.As(err, &ue))
	assert.False(t, errors.Is(err, ErrMeetingNotFound))
}

func TestGetMeetingInfo_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}, "")

	for i := 0; i < 10; i++ {
		_, _ = c.GetMeetingInfo(context.Background(), "m-1")
	}
	_, err := c.GetMeetingInfo(context.Background(), "m-1")
	var ue *UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, 0, ue.StatusCode, "rejected by the open breaker without a request")
	assert.Equal(t, int32(10), calls.Load())
}
