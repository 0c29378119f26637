package route

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"backend-pilgrimhub/internal/shared/geo"

	"github.com/tkrajina/gpxgo/gpx"
)

// LoadGPX builds a route from the <wpt> entries of a GPX document, falling back to the first
// <rte> when there are none. The waypoint <type> tag selects the waypoint type; untyped
// waypoints become start, checkpoint or end by position.
// GPX carries no declared leg distances, so they are measured between consecutive waypoints.
func LoadGPX(r io.Reader, id string) (Route, error) {
	g, err := gpx.Parse(r)
	if err != nil {
		return Route{}, fmt.Errorf("parse gpx %s: %w", id, err)
	}
	points := g.Waypoints
	if len(points) == 0 && len(g.Routes) > 0 {
		points = g.Routes[0].Points
	}
	if len(points) == 0 {
		return Route{}, fmt.Errorf("%w: %s has no waypoints", ErrInvalidRoute, id)
	}

	name := g.Name
	if name == "" {
		name = id
	}
	rt := Route{ID: id, Name: name, Description: g.Description}

	last := len(points) - 1
	for i, pt := range points {
		wp := Waypoint{
			ID:          fmt.Sprintf("%s_%d", id, i),
			Name:        pt.Name,
			Description: pt.Description,
			Type:        WaypointType(strings.ToLower(strings.TrimSpace(pt.Type))),
			Lat:         pt.Latitude,
			Lng:         pt.Longitude,
		}
		if wp.Name == "" {
			wp.Name = wp.ID
		}
		if pt.Elevation.NotNull() {
			wp.ElevationM = pt.Elevation.Value()
		}
		if !wp.Type.Valid() {
			switch i {
			case 0:
				wp.Type = TypeStart
			case last:
				wp.Type = TypeEnd
			default:
				wp.Type = TypeCheckpoint
			}
		}
		if i > 0 {
			prev := rt.Waypoints[i-1]
			wp.DistanceFromPrevM = geo.Distance(prev.Point(), wp.Point())
		}
		rt.Waypoints = append(rt.Waypoints, wp)
	}
	return Normalize(rt)
}

// LoadGPXDir adds every *.gpx file in dir to the catalog, keyed by file name.
// Unreadable files are logged and skipped.
func LoadGPXDir(c *Catalog, dir string, logger *slog.Logger) (int, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.gpx"))
	if err != nil {
		return 0, err
	}
	loaded := 0
	for _, file := range files {
		id := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
		rt, err := loadGPXFile(file, id)
		if err == nil {
			err = c.Add(rt)
		}
		if err != nil {
			logger.Warn("skipping gpx route", "file", file, "error", err)
			continue
		}
		loaded++
	}
	return loaded, nil
}

func loadGPXFile(path, id string) (Route, error) {
	f, err := os.Open(path)
	if err != nil {
		return Route{}, err
	}
	defer f.Close()
	return LoadGPX(f, id)
}
