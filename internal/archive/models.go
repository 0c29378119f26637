package archive

import "time"

type TrackPoint struct {
	Seq        int       `json:"seq"`
	SessionID  string    `json:"session_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	ElevationM *float64  `json:"elevation_m,omitempty"`
	AccuracyM  *float64  `json:"accuracy_m,omitempty"`
	SpeedMps   *float64  `json:"speed_mps,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

type Summary struct {
	SessionID       string     `json:"session_id"`
	DeviceID        string     `json:"device_id,omitempty"`
	RouteID         string     `json:"route_id,omitempty"`
	State           string     `json:"state"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	PointCount      int        `json:"point_count"`
	CheckpointCount int        `json:"checkpoint_count"`
	AlertCount      int        `json:"alert_count"`
	DistanceM       float64    `json:"distance_m"`
	DurationSec     float64    `json:"duration_sec"`
	AvgSpeedKmh     float64    `json:"avg_speed_kmh"`
	MaxSpeedKmh     float64    `json:"max_speed_kmh"`
	ElevationGainM  float64    `json:"elevation_gain_m"`
	Calories        float64    `json:"calories"`
	Steps           int        `json:"steps"`
}
