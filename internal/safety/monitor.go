package safety

import (
	"fmt"
	"time"

	"backend-pilgrimhub/internal/location"
	"backend-pilgrimhub/internal/shared/geo"

	"github.com/google/uuid"
)

const (
	StationaryWindow       = 10
	StationaryMinMovementM = 20.0
	DeviationAutoResolve   = 5 * time.Minute
)

// Monitor turns the recent path tail into alerts. It holds no per-session state.
type Monitor struct {
	window   int
	minMoveM float64
	watchdog time.Duration
	now      func() time.Time
}

// NewMonitor builds a monitor; a zero watchdog disables the no-sample check.
func NewMonitor(watchdog time.Duration) *Monitor {
	return &Monitor{
		window:   StationaryWindow,
		minMoveM: StationaryMinMovementM,
		watchdog: watchdog,
		now:      time.Now,
	}
}

// Evaluate inspects the path after a new sample was appended.
func (m *Monitor) Evaluate(sessionID string, path []location.Sample) []Alert {
	if len(path) < m.window {
		return nil
	}
	tail := make([]geo.Point, m.window)
	for i, s := range path[len(path)-m.window:] {
		tail[i] = s.Point()
	}
	if geo.PathDistance(tail) >= m.minMoveM {
		return nil
	}
	last := tail[len(tail)-1]
	return []Alert{m.newAlert(sessionID, AlertMedical, SeverityMedium, last,
		"You have been stationary for a while. Are you okay?")}
}

// Overdue reports whether the sensor has been silent longer than the watchdog allows.
func (m *Monitor) Overdue(lastSample time.Time) bool {
	if m.watchdog <= 0 || lastSample.IsZero() {
		return false
	}
	return m.now().Sub(lastSample) > m.watchdog
}

// SilenceAlert is raised by the watchdog when no fix has arrived for too long.
func (m *Monitor) SilenceAlert(sessionID string, last geo.Point) Alert {
	return m.newAlert(sessionID, AlertMedical, SeverityMedium, last,
		"No location update received for a while. Are you okay?")
}

// Emergency always produces a critical alert; it is never auto-resolved.
func (m *Monitor) Emergency(sessionID string, at geo.Point, note string) Alert {
	msg := "Emergency assistance requested"
	if note != "" {
		msg += ": " + note
	}
	return m.newAlert(sessionID, AlertEmergency, SeverityCritical, at, msg)
}

// Landmark is the waypoint a deviation is measured against.
type Landmark struct {
	ID   string
	Name string
	At   geo.Point
}

// Deviation tells the walker how far off the route they are and which way to head to rejoin it.
func (m *Monitor) Deviation(sessionID string, at geo.Point, distanceM float64, to Landmark) Alert {
	msg := fmt.Sprintf("You are %.0fm from %s, head %s to rejoin", distanceM, to.Name, geo.Compass(geo.Bearing(at, to.At)))
	a := m.newAlert(sessionID, AlertRouteDeviation, SeverityMedium, at, msg)
	a.Ref = to.ID
	return a
}

func (m *Monitor) newAlert(sessionID string, t AlertType, sev Severity, at geo.Point, msg string) Alert {
	return Alert{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Type:      t,
		Message:   msg,
		Location:  at,
		Severity:  sev,
		CreatedAt: m.now(),
	}
}
