package tracking

import (
	"errors"
	"fmt"
	"math"
	"time"

	"backend-pilgrimhub/internal/location"
	"backend-pilgrimhub/internal/safety"
	"backend-pilgrimhub/internal/shared/geo"
)

var (
	ErrAlreadyTracking  = errors.New("a tracking session is already in progress")
	ErrPermissionDenied = errors.New("location permission denied")
	ErrNotActive        = errors.New("session is not active")
	ErrNotPaused        = errors.New("session is not paused")
	ErrNoSession        = errors.New("no tracking session")
	ErrUnknownRoute     = errors.New("unknown route")
	ErrClosed           = errors.New("tracking manager closed")
)

// AlreadyTrackingError names the session that blocked a new start.
type AlreadyTrackingError struct {
	SessionID string
}

func (e *AlreadyTrackingError) Error() string {
	return fmt.Sprintf("%s (session %s)", ErrAlreadyTracking, e.SessionID)
}

func (e *AlreadyTrackingError) Unwrap() error { return ErrAlreadyTracking }

type State string

const (
	StateIdle      State = "idle"
	StateActive    State = "active"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateStopped   State = "stopped"
)

// Terminal states end a session for good.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateStopped
}

const (
	CaloriesPerKm = 50.0
	StepsPerKm    = 1300.0
)

type Checkpoint struct {
	WaypointID string    `json:"waypoint_id"`
	Name       string    `json:"name"`
	ArrivedAt  time.Time `json:"arrived_at"`
	Location   geo.Point `json:"location"`
}

type Session struct {
	ID             string            `json:"id"`
	DeviceID       string            `json:"device_id,omitempty"`
	RouteID        string            `json:"route_id,omitempty"`
	State          State             `json:"state"`
	StartTime      time.Time         `json:"start_time"`
	EndTime        *time.Time        `json:"end_time,omitempty"`
	Path           []location.Sample `json:"path"`
	DistanceM      float64           `json:"distance_m"`
	DurationSec    float64           `json:"duration_sec"`
	AvgSpeedKmh    float64           `json:"avg_speed_kmh"`
	MaxSpeedKmh    float64           `json:"max_speed_kmh"`
	ElevationGainM float64           `json:"elevation_gain_m"`
	Checkpoints    []Checkpoint      `json:"checkpoints"`
	Calories       float64           `json:"calories"`
	Steps          int               `json:"steps"`
	Alerts         []safety.Alert    `json:"alerts,omitempty"`
	ActiveSince    *time.Time        `json:"active_since,omitempty"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

func (s *Session) hasCheckpoint(id string) bool {
	for _, cp := range s.Checkpoints {
		if cp.WaypointID == id {
			return true
		}
	}
	return false
}

func (s *Session) lastSample() (location.Sample, bool) {
	if len(s.Path) == 0 {
		return location.Sample{}, false
	}
	return s.Path[len(s.Path)-1], true
}

// activeSeconds is the accumulated active time plus the running stretch, if any.
func (s *Session) activeSeconds(now time.Time) float64 {
	d := s.DurationSec
	if s.ActiveSince != nil {
		d += now.Sub(*s.ActiveSince).Seconds()
	}
	return d
}

// closeStretch folds the running active stretch into DurationSec.
func (s *Session) closeStretch(now time.Time) {
	s.DurationSec = s.activeSeconds(now)
	s.ActiveSince = nil
}

func (s *Session) finalize(state State, now time.Time) {
	s.closeStretch(now)
	s.State = state
	s.EndTime = &now
	s.AvgSpeedKmh = geo.AverageSpeedKmh(s.DistanceM, s.DurationSec)
	km := s.DistanceM / 1000
	s.Calories = km * CaloriesPerKm
	s.Steps = int(math.Round(km * StepsPerKm))
}

func (s *Session) clone() Session {
	c := *s
	c.Path = append([]location.Sample(nil), s.Path...)
	c.Checkpoints = append([]Checkpoint(nil), s.Checkpoints...)
	c.Alerts = append([]safety.Alert(nil), s.Alerts...)
	if s.EndTime != nil {
		t := *s.EndTime
		c.EndTime = &t
	}
	if s.ActiveSince != nil {
		t := *s.ActiveSince
		c.ActiveSince = &t
	}
	return c
}

// Event is a live update about the current session.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	At        time.Time `json:"at"`
	Data      any       `json:"data,omitempty"`
}

const (
	EventSample     = "sample"
	EventAlert      = "alert"
	EventCheckpoint = "checkpoint"
	EventState      = "state"
)

type SampleUpdate struct {
	Sample      location.Sample `json:"sample"`
	DistanceM   float64         `json:"distance_m"`
	SpeedKmh    float64         `json:"speed_kmh"`
	AvgSpeedKmh float64         `json:"avg_speed_kmh"`
	Nearest     string          `json:"nearest,omitempty"`
	NearestM    float64         `json:"nearest_m,omitempty"`
}

type Publisher interface {
	Publish(e Event)
}

type PublisherFunc func(Event)

func (f PublisherFunc) Publish(e Event) { f(e) }

// Consumer receives every finalized session. It is called on its own goroutine and never awaited.
type Consumer interface {
	Consume(s Session)
}

type ConsumerFunc func(Session)

func (f ConsumerFunc) Consume(s Session) { f(s) }
