package safety

import (
	"errors"
	"time"
)

var ErrAlertNotFound = errors.New("alert not found")

// Book is the alert log of one session. It is owned by the session's goroutine and is not
// safe for concurrent use.
type Book struct {
	alerts      []Alert
	autoResolve time.Duration
}

func NewBook() *Book {
	return &Book{autoResolve: DeviationAutoResolve}
}

// Add records a. A new deviation supersedes any open one; a stationary alert is not repeated
// while an earlier one is still open. The second result is false when a was discarded.
func (b *Book) Add(a Alert) (Alert, bool) {
	switch a.Type {
	case AlertRouteDeviation:
		for i := range b.alerts {
			if b.alerts[i].Type == AlertRouteDeviation && !b.alerts[i].Resolved {
				b.resolve(i, a.CreatedAt)
			}
		}
	case AlertMedical:
		if b.HasOpen(AlertMedical) {
			return Alert{}, false
		}
	}
	b.alerts = append(b.alerts, a)
	return a, true
}

// RestoreBook rebuilds a session's alert log from a snapshot.
func RestoreBook(alerts []Alert) *Book {
	b := NewBook()
	b.alerts = append(b.alerts, alerts...)
	return b
}

func (b *Book) HasOpen(t AlertType) bool {
	_, ok := b.LatestOpen(t)
	return ok
}

// LatestOpen returns the most recent unresolved alert of type t.
func (b *Book) LatestOpen(t AlertType) (Alert, bool) {
	for i := len(b.alerts) - 1; i >= 0; i-- {
		if b.alerts[i].Type == t && !b.alerts[i].Resolved {
			return b.alerts[i], true
		}
	}
	return Alert{}, false
}

func (b *Book) Resolve(id string, now time.Time) (Alert, error) {
	for i := range b.alerts {
		if b.alerts[i].ID == id {
			if !b.alerts[i].Resolved {
				b.resolve(i, now)
			}
			return b.alerts[i], nil
		}
	}
	return Alert{}, ErrAlertNotFound
}

// Sweep resolves every auto-resolving alert older than the timeout and returns them.
func (b *Book) Sweep(now time.Time) []Alert {
	var resolved []Alert
	for i := range b.alerts {
		a := b.alerts[i]
		if a.Resolved || !a.AutoResolves() {
			continue
		}
		if now.Sub(a.CreatedAt) >= b.autoResolve {
			b.resolve(i, now)
			resolved = append(resolved, b.alerts[i])
		}
	}
	return resolved
}

func (b *Book) All() []Alert {
	return append([]Alert(nil), b.alerts...)
}

func (b *Book) Open() []Alert {
	var open []Alert
	for _, a := range b.alerts {
		if !a.Resolved {
			open = append(open, a)
		}
	}
	return open
}

func (b *Book) resolve(i int, at time.Time) {
	b.alerts[i].Resolved = true
	b.alerts[i].ResolvedAt = &at
}
