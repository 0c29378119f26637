package route

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

const (
	DefaultDeviationThresholdM = 100.0
	DefaultCheckpointRadiusM   = 50.0
)

var (
	ErrNotFound     = errors.New("route not found")
	ErrInvalidRoute = errors.New("invalid route")
)

// Catalog is the set of walkable routes. Routes are normalized on Add and handed out by value,
// so a session keeps a stable copy even if the catalog is reloaded.
type Catalog struct {
	mu     sync.RWMutex
	routes map[string]Route
}

func NewCatalog(routes ...Route) (*Catalog, error) {
	c := &Catalog{routes: map[string]Route{}}
	for _, r := range routes {
		if err := c.Add(r); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Catalog) Add(r Route) error {
	normalized, err := Normalize(r)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes[normalized.ID] = normalized
	return nil
}

func (c *Catalog) Get(id string) (Route, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.routes[id]
	if !ok {
		return Route{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, nil
}

func (c *Catalog) List() []Route {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Route, 0, len(c.routes))
	for _, r := range c.routes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Normalize validates r, fills default safety thresholds and recomputes the cumulative
// distance and climb of every waypoint from the declared per-leg distances.
func Normalize(r Route) (Route, error) {
	if r.ID == "" {
		return Route{}, fmt.Errorf("%w: id required", ErrInvalidRoute)
	}
	if len(r.Waypoints) == 0 {
		return Route{}, fmt.Errorf("%w: %s has no waypoints", ErrInvalidRoute, r.ID)
	}
	if r.Safety.DeviationThresholdM <= 0 {
		r.Safety.DeviationThresholdM = DefaultDeviationThresholdM
	}
	if r.Safety.CheckpointRadiusM <= 0 {
		r.Safety.CheckpointRadiusM = DefaultCheckpointRadiusM
	}

	seen := map[string]bool{}
	wps := make([]Waypoint, len(r.Waypoints))
	copy(wps, r.Waypoints)
	for i := range wps {
		wp := &wps[i]
		if wp.ID == "" || seen[wp.ID] {
			return Route{}, fmt.Errorf("%w: %s waypoint %d has missing or duplicate id", ErrInvalidRoute, r.ID, i)
		}
		seen[wp.ID] = true
		if !wp.Type.Valid() {
			return Route{}, fmt.Errorf("%w: %s waypoint %s has type %q", ErrInvalidRoute, r.ID, wp.ID, wp.Type)
		}
		if i == 0 {
			wp.DistanceFromPrevM = 0
			wp.DistanceFromStartM = 0
			wp.ElevationGainM = 0
			continue
		}
		prev := wps[i-1]
		wp.DistanceFromStartM = prev.DistanceFromStartM + wp.DistanceFromPrevM
		wp.ElevationGainM = prev.ElevationGainM
		if wp.ElevationM > prev.ElevationM {
			wp.ElevationGainM += wp.ElevationM - prev.ElevationM
		}
	}
	r.Waypoints = wps
	return r, nil
}
