package route

import "backend-pilgrimhub/internal/shared/geo"

type Result struct {
	Nearest   Waypoint  `json:"nearest"`
	DistanceM float64   `json:"distance_m"`
	Deviated  bool      `json:"deviated"`
	Arrived   *Waypoint `json:"arrived,omitempty"`
}

// Match locates pos against r. recorded reports waypoints already counted as arrived;
// it may be nil. Ties on distance go to the earlier waypoint in route order.
func Match(pos geo.Point, r Route, recorded func(id string) bool) Result {
	if len(r.Waypoints) == 0 {
		return Result{}
	}

	best := 0
	bestDist := geo.Distance(pos, r.Waypoints[0].Point())
	for i := 1; i < len(r.Waypoints); i++ {
		d := geo.Distance(pos, r.Waypoints[i].Point())
		if d < bestDist {
			best, bestDist = i, d
		}
	}

	nearest := r.Waypoints[best]
	res := Result{
		Nearest:   nearest,
		DistanceM: bestDist,
		Deviated:  Deviated(bestDist, threshold(r.Safety.DeviationThresholdM, DefaultDeviationThresholdM)),
	}
	if bestDist < threshold(r.Safety.CheckpointRadiusM, DefaultCheckpointRadiusM) &&
		nearest.Type != TypeStart &&
		(recorded == nil || !recorded(nearest.ID)) {
		res.Arrived = &nearest
	}
	return res
}

// Deviated is true only when the distance is strictly beyond the threshold.
func Deviated(distanceM, thresholdM float64) bool {
	return distanceM > thresholdM
}

func threshold(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}
