package worker

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/bbb-monitor/pkg/queue"
)

type fakeQueue struct {
	mu      sync.Mutex
	jobs    []*queue.Job
	retried []*queue.Job
}

func (q *fakeQueue) Dequeue(ctx context.Context) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		time.Sleep(time.Millisecond)
		return nil, ctx.Err()
	}
	j := q.jobs[0]
	q.jobs = q.jobs[1:]
	return j, nil
}

func (q *fakeQueue) Retry(_ context.Context, job *queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job.Attempt++
	q.retried = append(q.retried, job)
	return nil
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

func (m *fakeMailer) Send(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func alertJob(t *testing.T, p queue.AlertPayload) *queue.Job {
	t.Helper()
	j, err := queue.NewJob(queue.JobTypeParticipantAlert, p)
	require.NoError(t, err)
	return j
}

var payload = queue.AlertPayload{
	MeetingID:     "m-1",
	SessionName:   "Anatomy",
	CourseName:    "Medicine 101",
	ModeratorName: "Dr. Who",
	Participants:  50,
	Threshold:     50,
	Recipients:    []string{"ops@example.edu", "dean@example.edu"},
	At:            time.Date(2026, 9, 16, 12, 30, 0, 0, time.UTC),
}

func TestProcess_SendsMail(t *testing.T) {
	m := &fakeMailer{}
	p := NewAlertProcessor(&fakeQueue{}, m, time.UTC, nil)
	require.NoError(t, p.Process(context.Background(), alertJob(t, payload)))

	require.Len(t, m.sent, 1)
	msg := m.sent[0]
	assert.Equal(t, payload.Recipients, msg.To)
	assert.Equal(t, "[BBB] Anatomy reached 50 participants", msg.Subject)
	assert.Contains(t, msg.Body, "Course: Medicine 101")
	assert.Contains(t, msg.Body, "2026-09-16 12:30:00 UTC")
}

func TestProcess_RejectsUnknownJob(t *testing.T) {
	p := NewAlertProcessor(&fakeQueue{}, &fakeMailer{}, nil, nil)
	err := p.Process(context.Background(), &queue.Job{Type: "recording_upload"})
	assert.Error(t, err)

	noRecipients := payload
	noRecipients.Recipients = nil
	assert.NoError(t, p.Process(context.Background(), alertJob(t, noRecipients)))
}

func TestRun_RetriesFailedJobs(t *testing.T) {
	q := &fakeQueue{jobs: []*queue.Job{alertJob(t, payload)}}
	m := &fakeMailer{err: errors.New("relay refused")}
	p := NewAlertProcessor(q, m, nil, nil)
	p.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.retried) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, 1, q.retried[0].Attempt)
}

// fakeSMTP accepts one message and records the DATA section.
func fakeSMTP(t *testing.T) (addr string, data <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	out := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		reply := func(s string) { _, _ = conn.Write([]byte(s + "\r\n")) }
		reply("220 localhost ESMTP")
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			cmd := strings.ToUpper(strings.TrimSpace(line))
			switch {
			case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
				reply("250 localhost")
			case strings.HasPrefix(cmd, "MAIL"), strings.HasPrefix(cmd, "RCPT"):
				reply("250 OK")
			case cmd == "DATA":
				reply("354 go ahead")
				var b strings.Builder
				for {
					l, err := r.ReadString('\n')
					if err != nil {
						return
					}
					if l == ".\r\n" {
						break
					}
					b.WriteString(l)
				}
				out <- b.String()
				reply("250 queued")
			case cmd == "QUIT":
				reply("221 bye")
				return
			default:
				reply("250 OK")
			}
		}
	}()
	return ln.Addr().String(), out
}

func TestSMTPMailer_Send(t *testing.T) {
	addr, data := fakeSMTP(t)
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	portNum, err := strconv.Atoi(port)
	require.NoError(t, err)

	m, err := NewSMTPMailer(SMTPConfig{Host: host, Port: portNum, FromAddress: "monitor@example.edu", FromName: "BBB Monitor", Timeout: 2 * time.Second})
	require.NoError(t, err)
	require.NoError(t, m.Send(context.Background(), alertMessage(payload, time.UTC)))

	select {
	case body := <-data:
		assert.Contains(t, body, "From: BBB Monitor <monitor@example.edu>")
		assert.Contains(t, body, "To: ops@example.edu, dean@example.edu")
		assert.Contains(t, body, "Subject: [BBB] Anatomy reached 50 participants")
		assert.Contains(t, body, "Lecturer: Dr. Who\r\n")
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestNewSMTPMailer_RequiresHost(t *testing.T) {
	_, err := NewSMTPMailer(SMTPConfig{FromAddress: "x@example.edu"})
	assert.Error(t, err)
}
