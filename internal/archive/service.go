package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"backend-pilgrimhub/internal/db"
	"backend-pilgrimhub/internal/shared/geo"
	"backend-pilgrimhub/internal/tracking"

	"github.com/jackc/pgx/v5"
	"github.com/tkrajina/gpxgo/gpx"
)

var (
	ErrSessionNotFound = errors.New("archived session not found")
	ErrInvalidSession  = errors.New("invalid session record")
)

// Service stores finished sessions uploaded by devices. Every write is an upsert so a
// redelivered upload leaves the archive unchanged.
type Service struct {
	db     db.Querier
	logger *slog.Logger
}

func NewService(db db.Querier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, logger: logger}
}

func (s *Service) SaveSession(ctx context.Context, rec tracking.Session) error {
	if rec.ID == "" || !rec.State.Terminal() {
		return fmt.Errorf("%w: id=%q state=%q", ErrInvalidSession, rec.ID, rec.State)
	}

	err := db.InTx(ctx, s.db, func(q db.Querier) error {
		_, err := q.Exec(ctx, `
			INSERT INTO track_sessions (id, device_id, route_id, state, started_at, ended_at, distance_m,
				duration_sec, avg_speed_kmh, max_speed_kmh, elevation_gain_m, calories, steps)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
			ON CONFLICT (id) DO UPDATE SET
				state = EXCLUDED.state,
				ended_at = EXCLUDED.ended_at,
				distance_m = EXCLUDED.distance_m,
				duration_sec = EXCLUDED.duration_sec,
				avg_speed_kmh = EXCLUDED.avg_speed_kmh,
				max_speed_kmh = EXCLUDED.max_speed_kmh,
				elevation_gain_m = EXCLUDED.elevation_gain_m,
				calories = EXCLUDED.calories,
				steps = EXCLUDED.steps
		`, rec.ID, rec.DeviceID, rec.RouteID, string(rec.State), rec.StartTime, rec.EndTime, rec.DistanceM,
			rec.DurationSec, rec.AvgSpeedKmh, rec.MaxSpeedKmh, rec.ElevationGainM, rec.Calories, rec.Steps)
		if err != nil {
			return fmt.Errorf("save session %s: %w", rec.ID, err)
		}

		for i, p := range rec.Path {
			_, err := q.Exec(ctx, `
				INSERT INTO track_points (session_id, seq, location, elevation_m, accuracy_m, speed_mps, recorded_at)
				VALUES ($1, $2, ST_SetSRID(ST_MakePoint($3,$4), 4326)::geography, $5, $6, $7, $8)
				ON CONFLICT (session_id, seq) DO NOTHING
			`, rec.ID, i, p.Lng, p.Lat, p.Altitude, p.Accuracy, p.Speed, p.Timestamp)
			if err != nil {
				return fmt.Errorf("save point %d of %s: %w", i, rec.ID, err)
			}
		}

		for _, cp := range rec.Checkpoints {
			_, err := q.Exec(ctx, `
				INSERT INTO track_checkpoints (session_id, waypoint_id, name, location, arrived_at)
				VALUES ($1, $2, $3, ST_SetSRID(ST_MakePoint($4,$5), 4326)::geography, $6)
				ON CONFLICT (session_id, waypoint_id) DO NOTHING
			`, rec.ID, cp.WaypointID, cp.Name, cp.Location.Lng, cp.Location.Lat, cp.ArrivedAt)
			if err != nil {
				return fmt.Errorf("save checkpoint %s of %s: %w", cp.WaypointID, rec.ID, err)
			}
		}

		for _, a := range rec.Alerts {
			_, err := q.Exec(ctx, `
				INSERT INTO track_alerts (id, session_id, type, severity, message, location, created_at, resolved_at)
				VALUES ($1, $2, $3, $4, $5, ST_SetSRID(ST_MakePoint($6,$7), 4326)::geography, $8, $9)
				ON CONFLICT (id) DO UPDATE SET resolved_at = EXCLUDED.resolved_at
			`, a.ID, rec.ID, string(a.Type), string(a.Severity), a.Message, a.Location.Lng, a.Location.Lat, a.CreatedAt, a.ResolvedAt)
			if err != nil {
				return fmt.Errorf("save alert %s of %s: %w", a.ID, rec.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("session archived", "session_id", rec.ID, "points", len(rec.Path), "checkpoints", len(rec.Checkpoints))
	return nil
}

func (s *Service) Summary(ctx context.Context, sessionID string) (Summary, error) {
	var sum Summary
	row := s.db.QueryRow(ctx, `
		SELECT id, COALESCE(device_id,''), COALESCE(route_id,''), state, started_at, ended_at,
			distance_m, duration_sec, avg_speed_kmh, max_speed_kmh, elevation_gain_m, calories, steps,
			(SELECT COUNT(*) FROM track_points p WHERE p.session_id = s.id),
			(SELECT COUNT(*) FROM track_checkpoints c WHERE c.session_id = s.id),
			(SELECT COUNT(*) FROM track_alerts a WHERE a.session_id = s.id)
		FROM track_sessions s WHERE id=$1
	`, sessionID)
	err := row.Scan(&sum.SessionID, &sum.DeviceID, &sum.RouteID, &sum.State, &sum.StartedAt, &sum.EndedAt,
		&sum.DistanceM, &sum.DurationSec, &sum.AvgSpeedKmh, &sum.MaxSpeedKmh, &sum.ElevationGainM,
		&sum.Calories, &sum.Steps, &sum.PointCount, &sum.CheckpointCount, &sum.AlertCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return Summary{}, ErrSessionNotFound
	}
	if err != nil {
		return Summary{}, err
	}
	return sum, nil
}

func (s *Service) Points(ctx context.Context, sessionID string) ([]TrackPoint, error) {
	rows, err := s.db.Query(ctx, `
		SELECT seq, session_id, ST_Y(location::geometry), ST_X(location::geometry), elevation_m, accuracy_m, speed_mps, recorded_at
		FROM track_points WHERE session_id=$1
		ORDER BY seq
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	points := []TrackPoint{}
	for rows.Next() {
		var p TrackPoint
		if err := rows.Scan(&p.Seq, &p.SessionID, &p.Lat, &p.Lng, &p.ElevationM, &p.AccuracyM, &p.SpeedMps, &p.RecordedAt); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

func (s *Service) Checkpoints(ctx context.Context, sessionID string) ([]tracking.Checkpoint, error) {
	rows, err := s.db.Query(ctx, `
		SELECT waypoint_id, name, ST_Y(location::geometry), ST_X(location::geometry), arrived_at
		FROM track_checkpoints WHERE session_id=$1
		ORDER BY arrived_at
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	checkpoints := []tracking.Checkpoint{}
	for rows.Next() {
		var cp tracking.Checkpoint
		var lat, lng float64
		if err := rows.Scan(&cp.WaypointID, &cp.Name, &lat, &lng, &cp.ArrivedAt); err != nil {
			return nil, err
		}
		cp.Location = geo.Point{Lat: lat, Lng: lng}
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, rows.Err()
}

// GPX renders an archived session as a GPX 1.1 document: one track for the path and one
// waypoint per reached checkpoint.
func (s *Service) GPX(ctx context.Context, sessionID string) ([]byte, error) {
	sum, err := s.Summary(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	points, err := s.Points(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	checkpoints, err := s.Checkpoints(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	name := "Pilgrimage " + sum.StartedAt.Format("2006-01-02")
	if sum.RouteID != "" {
		name = sum.RouteID + " " + sum.StartedAt.Format("2006-01-02")
	}
	seg := gpx.GPXTrackSegment{}
	for _, p := range points {
		pt := gpx.GPXPoint{
			Point:     gpx.Point{Latitude: p.Lat, Longitude: p.Lng},
			Timestamp: p.RecordedAt,
		}
		if p.ElevationM != nil {
			pt.Elevation = *gpx.NewNullableFloat64(*p.ElevationM)
		}
		seg.Points = append(seg.Points, pt)
	}

	g := &gpx.GPX{Version: "1.1", Creator: "pilgrimhub", Name: name}
	g.Tracks = []gpx.GPXTrack{{Name: name, Segments: []gpx.GPXTrackSegment{seg}}}
	for _, cp := range checkpoints {
		g.Waypoints = append(g.Waypoints, gpx.GPXPoint{
			Point:     gpx.Point{Latitude: cp.Location.Lat, Longitude: cp.Location.Lng},
			Timestamp: cp.ArrivedAt,
			Name:      cp.Name,
		})
	}
	return g.ToXml(gpx.ToXmlParams{Version: "1.1", Indent: true})
}
