package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvester/internal/domain"
	"harvester/internal/group"
)

func sampleEvent() group.CompletedEvent {
	start := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	return group.CompletedEvent{
		GroupID:     "g1",
		GroupName:   "grants",
		GroupRunID:  "gr1",
		Mode:        "parallel",
		TasksRun:    2,
		Succeeded:   1,
		FailedTasks: 1,
		ItemsFound:  3,
		NewItems:    2,
		Results: []domain.JobOutcome{
			{JobID: "j1", JobName: "nsf", Status: domain.RunSuccess, Success: true, ItemsFound: 3, NewItems: 2},
			{JobID: "j2", JobName: "nih", Status: domain.RunTimeout, Error: "deadline of 1s exceeded;\nsandbox terminated"},
		},
		Destinations: []string{"https://hooks.example.org/h", "ops@example.org"},
		StartedAt:    start,
		CompletedAt:  start.Add(90 * time.Second),
	}
}

func TestMessages(t *testing.T) {
	msgs, err := Messages(sampleEvent())
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "https://hooks.example.org/h", msgs[0].Destination)
	assert.Equal(t, "gr1", msgs[1].GroupRunID)

	var body map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &body))
	assert.Equal(t, "group.completed", body["event"])
	assert.Equal(t, "grants", body["group_name"])
	assert.EqualValues(t, 1, body["failed_tasks"])
	assert.NotContains(t, body, "Destinations")

	assert.Equal(t, "[harvester] grants completed with 1 failed: 2 new items", msgs[0].Subject)
	assert.Contains(t, msgs[0].Text, "Jobs: 2 run, 1 succeeded, 1 failed")
	assert.Contains(t, msgs[0].Text, "Took: 1m30s")
	assert.Contains(t, msgs[0].Text, "FAIL  nih [TIMEOUT]: deadline of 1s exceeded; sandbox terminated")
}

func TestWebhookSignsBody(t *testing.T) {
	var (
		gotBody []byte
		gotHdr  http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHdr = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ws := NewWebhookSender("s3cret", time.Second)
	err := ws.Send(context.Background(), srv.URL, Message{Payload: []byte(`{"a":1}`), GroupRunID: "gr1"})
	require.NoError(t, err)

	assert.Equal(t, `{"a":1}`, string(gotBody))
	assert.Equal(t, "application/json", gotHdr.Get("Content-Type"))
	assert.Equal(t, "group.completed", gotHdr.Get(HeaderEvent))
	assert.Equal(t, "gr1", gotHdr.Get(HeaderDelivery))
	assert.True(t, VerifySignature("s3cret", gotBody, gotHdr.Get(HeaderSignature)))
	assert.False(t, VerifySignature("other", gotBody, gotHdr.Get(HeaderSignature)))
	assert.False(t, VerifySignature("s3cret", gotBody, "deadbeef"))
}

func TestWebhookUnsignedWithoutSecret(t *testing.T) {
	var sig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig = r.Header.Get(HeaderSignature)
	}))
	defer srv.Close()

	require.NoError(t, NewWebhookSender("", time.Second).Send(context.Background(), srv.URL, Message{}))
	assert.Empty(t, sig)
}

func TestWebhookStatusClassification(t *testing.T) {
	status := http.StatusInternalServerError
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()
	ws := NewWebhookSender("", time.Second)

	err := ws.Send(context.Background(), srv.URL, Message{})
	require.Error(t, err)
	assert.False(t, isPermanent(err))

	status = http.StatusTooManyRequests
	err = ws.Send(context.Background(), srv.URL, Message{})
	require.Error(t, err)
	assert.False(t, isPermanent(err))

	status = http.StatusGone
	err = ws.Send(context.Background(), srv.URL, Message{})
	require.Error(t, err)
	assert.True(t, isPermanent(err))
	assert.Contains(t, err.Error(), "410")
}

// smtpRelay is an in-process SMTP server that records one transaction.
type smtpRelay struct {
	mu         sync.Mutex
	user, pass string
	from       string
	to         []string
	data       []byte
	rcptErr    error
}

func (r *smtpRelay) NewSession(*smtp.Conn) (smtp.Session, error) { return &relaySession{r: r}, nil }

type relaySession struct{ r *smtpRelay }

func (s *relaySession) AuthMechanisms() []string { return []string{sasl.Plain} }

func (s *relaySession) Auth(string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(_, username, password string) error {
		s.r.mu.Lock()
		defer s.r.mu.Unlock()
		s.r.user, s.r.pass = username, password
		return nil
	}), nil
}

func (s *relaySession) Mail(from string, _ *smtp.MailOptions) error {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	s.r.from = from
	return nil
}

func (s *relaySession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	if s.r.rcptErr != nil {
		return s.r.rcptErr
	}
	s.r.to = append(s.r.to, to)
	return nil
}

func (s *relaySession) Data(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	s.r.data = b
	return nil
}

func (s *relaySession) Reset() {}

func (s *relaySession) Logout() error { return nil }

func startRelay(t *testing.T, r *smtpRelay) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := smtp.NewServer(r)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })
	return ln.Addr().(*net.TCPAddr).Port
}

func TestEmailComposeAndSend(t *testing.T) {
	relay := &smtpRelay{}
	port := startRelay(t, relay)
	es, err := NewEmailSender(SMTPConfig{Host: "127.0.0.1", Port: port, Username: "u", Password: "p", From: "Harvester <bot@example.org>", Security: SMTPNone})
	require.NoError(t, err)
	es.now = func() time.Time { return time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC) }

	require.NoError(t, es.Send(context.Background(), "Ops <ops@example.org>", Message{Subject: "grants done", Text: "Items: 3 found\n"}))

	relay.mu.Lock()
	defer relay.mu.Unlock()
	assert.Equal(t, "u", relay.user)
	assert.Equal(t, "p", relay.pass)
	assert.Equal(t, "bot@example.org", relay.from)
	assert.Equal(t, []string{"ops@example.org"}, relay.to)

	mr, err := mail.CreateReader(bytes.NewReader(relay.data))
	require.NoError(t, err)
	subj, err := mr.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "grants done", subj)
	to, err := mr.Header.AddressList("To")
	require.NoError(t, err)
	require.Len(t, to, 1)
	assert.Equal(t, "ops@example.org", to[0].Address)
	id, err := mr.Header.MessageID()
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	p, err := mr.NextPart()
	require.NoError(t, err)
	body, err := io.ReadAll(p.Body)
	require.NoError(t, err)
	assert.Equal(t, "Items: 3 found\n", strings.ReplaceAll(string(body), "\r\n", "\n"))
}

func TestEmailErrors(t *testing.T) {
	_, err := NewEmailSender(SMTPConfig{From: "bot@example.org"})
	require.Error(t, err)
	_, err = NewEmailSender(SMTPConfig{Host: "smtp.example.org"})
	require.Error(t, err)
	_, err = NewEmailSender(SMTPConfig{Host: "smtp.example.org", From: "bot@example.org", Security: "ssl3"})
	require.Error(t, err)

	relay := &smtpRelay{rcptErr: &smtp.SMTPError{Code: 421, Message: "try later"}}
	port := startRelay(t, relay)
	es, err := NewEmailSender(SMTPConfig{Host: "127.0.0.1", Port: port, From: "bot@example.org", Security: SMTPNone})
	require.NoError(t, err)
	err = es.Send(context.Background(), "ops@example.org", Message{Subject: "x"})
	require.Error(t, err)
	assert.False(t, isPermanent(err))

	relay.mu.Lock()
	relay.rcptErr = &smtp.SMTPError{Code: 550, Message: "no such user"}
	relay.mu.Unlock()
	err = es.Send(context.Background(), "ops@example.org", Message{Subject: "x"})
	require.Error(t, err)
	assert.True(t, isPermanent(err))

	err = es.Send(context.Background(), "not an address", Message{})
	require.Error(t, err)
	assert.True(t, isPermanent(err))
}

// silentServer accepts connections and never sends a greeting.
func silentServer(t *testing.T) (int, *sync.WaitGroup) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var open sync.WaitGroup
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			open.Add(1)
			go func() {
				defer open.Done()
				defer c.Close()
				// Returns once the client hangs up.
				_, _ = io.Copy(io.Discard, c)
			}()
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return ln.Addr().(*net.TCPAddr).Port, &open
}

func TestEmailSendHonoursCancellation(t *testing.T) {
	port, open := silentServer(t)
	es, err := NewEmailSender(SMTPConfig{Host: "127.0.0.1", Port: port, From: "bot@example.org", Security: SMTPNone})
	require.NoError(t, err)

	t.Run("deadline", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		start := time.Now()
		err := es.Send(ctx, "ops@example.org", Message{Subject: "x"})
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), 3*time.Second)
	})

	t.Run("cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(150*time.Millisecond, cancel)
		start := time.Now()
		err := es.Send(ctx, "ops@example.org", Message{Subject: "x"})
		require.ErrorIs(t, err, context.Canceled)
		assert.Less(t, time.Since(start), 3*time.Second)
	})

	// Both client connections were closed, so nothing is left sending.
	done := make(chan struct{})
	go func() {
		open.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("smtp connection still open after the send returned")
	}
}

func TestTelegramSend(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
		body  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		paths = append(paths, r.URL.Path)
		body = string(b)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"},"text":"x"}}`)
	}))
	defer srv.Close()

	ts, err := NewTelegramSender(TelegramConfig{Token: "123:abc", APIURL: srv.URL})
	require.NoError(t, err)
	require.NoError(t, ts.Send(context.Background(), "42", Message{Subject: "grants done", Text: "3 new"}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, paths, 1)
	assert.True(t, strings.HasSuffix(paths[0], "/sendMessage"), paths[0])
	assert.Contains(t, body, "42")
	assert.Contains(t, body, "grants done")
	assert.Contains(t, body, "3 new")

	err = ts.Send(context.Background(), "forty-two", Message{})
	assert.True(t, isPermanent(err))

	_, err = NewTelegramSender(TelegramConfig{})
	assert.Error(t, err)
}

func TestTelegramHTMLEscapesAndBounds(t *testing.T) {
	got := telegramHTML(Message{Subject: "a<b", Text: "x & y"})
	assert.Equal(t, "<b>a&lt;b</b>\n\nx &amp; y", got)

	long := strings.Repeat("<tag> ", 2000)
	got = telegramHTML(Message{Subject: "s", Text: long})
	assert.LessOrEqual(t, utf8.RuneCountInString(got), maxTelegramText)
	assert.True(t, strings.HasSuffix(got, "…"))
	assert.NotContains(t, got, "<tag>")
}
