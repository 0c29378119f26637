package route

import "backend-pilgrimhub/internal/shared/geo"

type WaypointType string

const (
	TypeStart      WaypointType = "start"
	TypeCheckpoint WaypointType = "checkpoint"
	TypeRest       WaypointType = "rest"
	TypeScenic     WaypointType = "scenic"
	TypeEnd        WaypointType = "end"
)

func (t WaypointType) Valid() bool {
	switch t {
	case TypeStart, TypeCheckpoint, TypeRest, TypeScenic, TypeEnd:
		return true
	}
	return false
}

type Waypoint struct {
	ID                 string       `json:"id"`
	Name               string       `json:"name"`
	Description        string       `json:"description,omitempty"`
	Type               WaypointType `json:"type"`
	Lat                float64      `json:"lat"`
	Lng                float64      `json:"lng"`
	ElevationM         float64      `json:"elevation_m"`
	DistanceFromPrevM  float64      `json:"distance_from_prev_m"`
	DistanceFromStartM float64      `json:"distance_from_start_m"`
	ElevationGainM     float64      `json:"elevation_gain_m"` // cumulative climb from the start
}

func (w Waypoint) Point() geo.Point {
	return geo.Point{Lat: w.Lat, Lng: w.Lng}
}

type Safety struct {
	Warnings            []string `json:"warnings"`
	DeviationThresholdM float64  `json:"deviation_threshold_m"`
	CheckpointRadiusM   float64  `json:"checkpoint_radius_m"`
}

type Route struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Waypoints   []Waypoint `json:"waypoints"`
	Safety      Safety     `json:"safety"`
}

// TotalDistanceM is the declared length of the whole route.
func (r Route) TotalDistanceM() float64 {
	if len(r.Waypoints) == 0 {
		return 0
	}
	return r.Waypoints[len(r.Waypoints)-1].DistanceFromStartM
}

func (r Route) Waypoint(id string) (Waypoint, bool) {
	for _, wp := range r.Waypoints {
		if wp.ID == id {
			return wp, true
		}
	}
	return Waypoint{}, false
}
