package monitoring

import (
	"fmt"
	"log/slog"
	"time"

	"backend-pilgrimhub/internal/syncqueue"

	"github.com/getsentry/sentry-go"
)

type Config struct {
	DSN         string
	Environment string
	Release     string
	ServerName  string
}

// Init enables error reporting. An empty DSN leaves reporting off.
func Init(cfg Config, logger *slog.Logger) error {
	if cfg.DSN == "" {
		logger.Warn("sentry DSN not configured, error reporting disabled")
		return nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
		ServerName:  cfg.ServerName,
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			if event.Request != nil && event.Request.Headers != nil {
				delete(event.Request.Headers, "Authorization")
				delete(event.Request.Headers, "Cookie")
			}
			return event
		},
	})
	if err != nil {
		logger.Error("sentry init failed", "error", err)
		return fmt.Errorf("sentry init: %w", err)
	}
	logger.Info("sentry initialized", "environment", cfg.Environment)
	return nil
}

// CaptureException reports err with each context entry attached to the event scope.
func CaptureException(err error, context map[string]any) {
	if err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		for key, value := range context {
			scope.SetContext(key, sentry.Context{"value": value})
		}
		sentry.CaptureException(err)
	})
}

func Flush(timeout time.Duration) bool {
	return sentry.Flush(timeout)
}

// Reporter forwards permanently failed sync actions to sentry.
type Reporter struct {
	Logger *slog.Logger
}

func (r Reporter) ReportExhausted(err *syncqueue.ExhaustedError) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("sync_action", err.Action.Name)
		scope.SetContext("action", sentry.Context{
			"id":          err.Action.ID,
			"endpoint":    err.Action.Endpoint,
			"method":      err.Action.Method,
			"retry_count": err.Action.RetryCount,
			"last_error":  err.Action.LastError,
		})
		sentry.CaptureException(err)
	})
	if r.Logger != nil {
		r.Logger.Debug("sync exhaustion reported", "action_id", err.Action.ID)
	}
}

// Recover captures a panic value and re-panics so the caller's recovery still runs.
func Recover() {
	if v := recover(); v != nil {
		err, ok := v.(error)
		if !ok {
			err = fmt.Errorf("panic: %v", v)
		}
		CaptureException(err, nil)
		Flush(2 * time.Second)
		panic(v)
	}
}
