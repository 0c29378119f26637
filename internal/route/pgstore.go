package route

import (
	"context"

	"backend-pilgrimhub/internal/db"
)

// PGStore reads and writes route definitions kept in postgres.
type PGStore struct {
	db db.Querier
}

func NewPGStore(db db.Querier) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) LoadRoutes(ctx context.Context) ([]Route, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, COALESCE(description,''), COALESCE(warnings, '{}'),
		       COALESCE(deviation_threshold_m,0), COALESCE(checkpoint_radius_m,0)
		FROM routes
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	var routes []Route
	for rows.Next() {
		var r Route
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.Safety.Warnings, &r.Safety.DeviationThresholdM, &r.Safety.CheckpointRadiusM); err != nil {
			rows.Close()
			return nil, err
		}
		routes = append(routes, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range routes {
		wps, err := s.waypoints(ctx, routes[i].ID)
		if err != nil {
			return nil, err
		}
		routes[i].Waypoints = wps
	}
	return routes, nil
}

func (s *PGStore) waypoints(ctx context.Context, routeID string) ([]Waypoint, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, COALESCE(description,''), type, ST_Y(location::geometry), ST_X(location::geometry),
		       COALESCE(elevation_m,0), COALESCE(distance_from_prev_m,0)
		FROM route_waypoints WHERE route_id=$1
		ORDER BY position
	`, routeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wps []Waypoint
	for rows.Next() {
		var wp Waypoint
		var typ string
		if err := rows.Scan(&wp.ID, &wp.Name, &wp.Description, &typ, &wp.Lat, &wp.Lng, &wp.ElevationM, &wp.DistanceFromPrevM); err != nil {
			return nil, err
		}
		wp.Type = WaypointType(typ)
		wps = append(wps, wp)
	}
	return wps, rows.Err()
}

// SaveRoute upserts the route and replaces its waypoint list.
func (s *PGStore) SaveRoute(ctx context.Context, r Route) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO routes (id, name, description, warnings, deviation_threshold_m, checkpoint_radius_m)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE
		SET name=EXCLUDED.name, description=EXCLUDED.description, warnings=EXCLUDED.warnings,
		    deviation_threshold_m=EXCLUDED.deviation_threshold_m, checkpoint_radius_m=EXCLUDED.checkpoint_radius_m
	`, r.ID, r.Name, r.Description, r.Safety.Warnings, r.Safety.DeviationThresholdM, r.Safety.CheckpointRadiusM)
	if err != nil {
		return err
	}

	if _, err := s.db.Exec(ctx, `DELETE FROM route_waypoints WHERE route_id=$1`, r.ID); err != nil {
		return err
	}
	for i, wp := range r.Waypoints {
		_, err := s.db.Exec(ctx, `
			INSERT INTO route_waypoints (id, route_id, position, name, description, type, location, elevation_m, distance_from_prev_m)
			VALUES ($1,$2,$3,$4,$5,$6, ST_SetSRID(ST_MakePoint($7,$8), 4326)::geography, $9, $10)
		`, wp.ID, r.ID, i, wp.Name, wp.Description, string(wp.Type), wp.Lng, wp.Lat, wp.ElevationM, wp.DistanceFromPrevM)
		if err != nil {
			return err
		}
	}
	return nil
}

// LoadInto adds every stored route to c and returns how many were loaded.
func (s *PGStore) LoadInto(ctx context.Context, c *Catalog) (int, error) {
	routes, err := s.LoadRoutes(ctx)
	if err != nil {
		return 0, err
	}
	for _, r := range routes {
		if err := c.Add(r); err != nil {
			return 0, err
		}
	}
	return len(routes), nil
}
