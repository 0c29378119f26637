package safety

import (
	"time"

	"backend-pilgrimhub/internal/shared/geo"
)

type AlertType string

const (
	AlertRouteDeviation AlertType = "route_deviation"
	AlertMedical        AlertType = "medical"
	AlertEmergency      AlertType = "emergency"
)

type Severity string

const (
	SeverityMedium   Severity = "medium"
	SeverityCritical Severity = "critical"
)

type Alert struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	Type       AlertType  `json:"type"`
	Message    string     `json:"message"`
	Location   geo.Point  `json:"location"`
	Severity   Severity   `json:"severity"`
	Ref        string     `json:"ref,omitempty"` // waypoint id for route deviations
	Resolved   bool       `json:"resolved"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// AutoResolves reports whether the alert clears itself after DeviationAutoResolve.
func (a Alert) AutoResolves() bool {
	return a.Type == AlertRouteDeviation
}
