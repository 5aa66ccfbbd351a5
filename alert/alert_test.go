package alert

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/alepar/aranet/aranet"
)

type recordingMailer struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

func (m *recordingMailer) Send(ctx context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return m.err
}

func TestAlertComposesDiagnostics(t *testing.T) {
	m := &recordingMailer{}
	a := New(m, "living-room", "ops@example.com", "sensor@example.com", 0)

	cause := errors.Wrap(aranet.ErrServiceNotFound, "session read")
	a.Alert(context.Background(), cause)

	require.Len(t, m.sent, 1)
	msg := m.sent[0]
	assert.Equal(t, "ops@example.com", msg.To)
	assert.Equal(t, "sensor@example.com", msg.From)
	assert.Contains(t, msg.Subject, "living-room")
	assert.Contains(t, msg.Text, "device id: living-room")
	assert.Contains(t, msg.Text, "session read: did not find expected sensor service")
	assert.Contains(t, msg.Text, "stack trace:")
	assert.Contains(t, msg.Text, "alert_test.go")
	assert.Contains(t, msg.Text, "process uptime:")
	assert.Contains(t, msg.Text, "goroutines:")
}

func TestAlertCarriesStackForTypedErrors(t *testing.T) {
	for _, tc := range []struct {
		name  string
		cause error
	}{
		{"session", &aranet.SessionError{Op: "read", Address: "aa:bb", Err: errors.Wrap(aranet.ErrEmptyPayload, "read current readings")}},
		{"timeout", &aranet.TimeoutError{After: time.Minute}},
		{"timeout busy", &aranet.TimeoutError{After: time.Minute, Cause: aranet.ErrAdapterBusy}},
		{"discovery", &aranet.DiscoveryError{Err: errors.New("hci0: operation not permitted")}},
		{"decode", &aranet.DecodeError{Err: aranet.ErrTooShort, Len: 3}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := &recordingMailer{}
			a := New(m, "d", "to", "from", 0)

			a.Alert(context.Background(), tc.cause)

			require.Len(t, m.sent, 1)
			text := m.sent[0].Text
			i := strings.Index(text, "stack trace:\n")
			require.GreaterOrEqual(t, i, 0)
			trace := text[i:]
			assert.Contains(t, trace, tc.cause.Error())
			assert.Contains(t, trace, ".go:")
			assert.Contains(t, trace, "alert_test.go")
		})
	}
}

func TestAlertSessionErrorKeepsInnerStack(t *testing.T) {
	m := &recordingMailer{}
	a := New(m, "d", "to", "from", 0)

	inner := errors.Wrap(aranet.ErrServiceNotFound, "discover services")
	a.Alert(context.Background(), &aranet.SessionError{Op: "read", Address: "aa:bb", Err: inner})

	require.Len(t, m.sent, 1)
	assert.Contains(t, m.sent[0].Text, "caused by: ")
	assert.Equal(t, 2, strings.Count(m.sent[0].Text, "TestAlertSessionErrorKeepsInnerStack"),
		"one stack from the wrapped error, one from where the alert was raised")
}

func TestAlertSendFailureIsSwallowed(t *testing.T) {
	m := &recordingMailer{err: errors.New("sendgrid: unexpected status 401")}
	a := New(m, "d", "to", "from", 0)

	assert.NotPanics(t, func() {
		a.Alert(context.Background(), errors.New("boom"))
		a.Alert(context.Background(), errors.New("boom again"))
	})
	assert.Len(t, m.sent, 2)
}

func TestAlertThrottling(t *testing.T) {
	m := &recordingMailer{}
	a := New(m, "d", "to", "from", time.Hour)

	a.Alert(context.Background(), errors.New("first"))
	a.Alert(context.Background(), errors.New("second"))
	a.Alert(context.Background(), errors.New("third"))
	require.Len(t, m.sent, 1)

	a.limiter = rate.NewLimiter(rate.Inf, 1)
	a.Alert(context.Background(), errors.New("fourth"))
	require.Len(t, m.sent, 2)
	assert.Contains(t, m.sent[1].Text, "2 alert(s) suppressed")

	a.Alert(context.Background(), errors.New("fifth"))
	assert.NotContains(t, m.sent[2].Text, "suppressed")
}

func TestSelfTest(t *testing.T) {
	m := &recordingMailer{}
	a := New(m, "d", "to", "from", time.Hour)

	require.NoError(t, a.SelfTest(context.Background()))
	require.Len(t, m.sent, 1)
	assert.Contains(t, m.sent[0].Subject, "test email")

	// the self test does not use up the alert budget
	a.Alert(context.Background(), errors.New("x"))
	assert.Len(t, m.sent, 2)

	m.err = errors.New("bad key")
	var ae *AlertingError
	assert.True(t, errors.As(a.SelfTest(context.Background()), &ae))
}

func TestLogMailer(t *testing.T) {
	assert.NoError(t, LogMailer{}.Send(context.Background(), Message{Subject: "s", Text: "t"}))
}
