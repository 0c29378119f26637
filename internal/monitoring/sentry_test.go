package monitoring

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"backend-pilgrimhub/internal/syncqueue"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type captured struct {
	mu     sync.Mutex
	events []*sentry.Event
}

func (c *captured) beforeSend(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captured) all() []*sentry.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*sentry.Event(nil), c.events...)
}

func initCapture(t *testing.T) *captured {
	t.Helper()
	c := &captured{}
	require.NoError(t, sentry.Init(sentry.ClientOptions{
		Dsn:        "https://public@example.com/1",
		BeforeSend: c.beforeSend,
	}))
	t.Cleanup(func() { _ = sentry.Init(sentry.ClientOptions{}) })
	return c
}

func TestInitWithoutDSNIsNoop(t *testing.T) {
	require.NoError(t, Init(Config{}, quietLogger()))
}

func TestInitRejectsMalformedDSN(t *testing.T) {
	err := Init(Config{DSN: "not a dsn"}, quietLogger())
	require.Error(t, err)
	t.Cleanup(func() { _ = sentry.Init(sentry.ClientOptions{}) })
}

func TestReporterCapturesExhaustedAction(t *testing.T) {
	c := initCapture(t)

	Reporter{Logger: quietLogger()}.ReportExhausted(&syncqueue.ExhaustedError{Action: syncqueue.Action{
		ID: "a1", Name: "save_session", Endpoint: "/archive/sessions", Method: "POST", RetryCount: 3, MaxRetries: 3,
		LastError: "status 503",
	}})

	events := c.all()
	require.Len(t, events, 1)
	assert.Equal(t, "save_session", events[0].Tags["sync_action"])
	assert.Equal(t, "/archive/sessions", events[0].Contexts["action"]["endpoint"])
}

func TestCaptureExceptionSkipsNil(t *testing.T) {
	c := initCapture(t)
	CaptureException(nil, nil)
	CaptureException(errors.New("boom"), map[string]any{"session": "s1"})
	Flush(time.Second)

	events := c.all()
	require.Len(t, events, 1)
	assert.Equal(t, "s1", events[0].Contexts["session"]["value"])
}
