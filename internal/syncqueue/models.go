package syncqueue

import (
	"encoding/json"
	"fmt"
	"time"
)

const DefaultMaxRetries = 3

// Action is one outbound mutation waiting to reach the backend.
type Action struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Endpoint      string          `json:"endpoint"`
	Method        string          `json:"method"`
	Payload       json.RawMessage `json:"payload"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	LastError     string          `json:"last_error,omitempty"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	FailedAt      *time.Time      `json:"failed_at,omitempty"`
}

type Status struct {
	Pending  int  `json:"pending_count"`
	Failed   int  `json:"failed_count"`
	Online   bool `json:"online"`
	Draining bool `json:"draining"`
}

// ExhaustedError reports an action dropped from the queue after MaxRetries failed attempts.
type ExhaustedError struct {
	Action Action
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("sync action %s (%s %s %s) exhausted %d retries: %s",
		e.Action.ID, e.Action.Name, e.Action.Method, e.Action.Endpoint, e.Action.MaxRetries, e.Action.LastError)
}

// snapshot is the persisted form of the queue under the "queue" key.
type snapshot struct {
	Version int      `json:"version"`
	Pending []Action `json:"pending"`
	Failed  []Action `json:"failed"`
}
