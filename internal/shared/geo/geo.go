package geo

import (
	"math"

	"github.com/golang/geo/s2"
)

// EarthRadiusM is the mean Earth radius used for every great-circle distance.
const EarthRadiusM = 6371000.0

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Distance returns the haversine great-circle distance between a and b in meters.
func Distance(a, b Point) float64 {
	p1 := s2.LatLngFromDegrees(a.Lat, a.Lng)
	p2 := s2.LatLngFromDegrees(b.Lat, b.Lng)
	return p1.Distance(p2).Radians() * EarthRadiusM
}

// PathDistance sums the distances between consecutive points.
func PathDistance(points []Point) float64 {
	total := 0.0
	for i := 1; i < len(points); i++ {
		total += Distance(points[i-1], points[i])
	}
	return total
}

func AverageSpeedKmh(distanceM, durationSec float64) float64 {
	if durationSec <= 0 {
		return 0
	}
	return distanceM / durationSec * 3.6
}

// ElevationDelta is the climb from prev to curr. Descents and unknown altitudes count as zero.
func ElevationDelta(prev, curr *float64) float64 {
	if prev == nil || curr == nil {
		return 0
	}
	return math.Max(0, *curr-*prev)
}

// Bearing returns the initial bearing from a to b in degrees, 0 = north.
func Bearing(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	y := math.Sin(dLng) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLng)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

// Compass maps a bearing onto one of eight compass points.
func Compass(bearing float64) string {
	points := []string{"N", "NE", "E", "SE", "S", "SW", "W", "NW"}
	idx := int(math.Round(math.Mod(bearing+360, 360)/45)) % len(points)
	return points[idx]
}
