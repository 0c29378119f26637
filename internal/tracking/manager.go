package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"backend-pilgrimhub/internal/location"
	"backend-pilgrimhub/internal/route"
	"backend-pilgrimhub/internal/safety"
	"backend-pilgrimhub/internal/shared/geo"
	"backend-pilgrimhub/internal/store"
	"backend-pilgrimhub/internal/syncqueue"

	"github.com/google/uuid"
)

const (
	SnapshotPrefix       = "session:"
	DefaultSnapshotEvery = 10
	DefaultSweepInterval = 30 * time.Second

	SaveSessionAction   = "save_session"
	SaveSessionEndpoint = "/archive/sessions"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, a syncqueue.Action) (syncqueue.Action, error)
}

type Config struct {
	DeviceID      string
	SnapshotEvery int
	SweepInterval time.Duration
	Sensor        location.Options
}

// Deps are the collaborators of a Manager. Store, Queue, Consumer and Events may be nil.
type Deps struct {
	Source   location.Source
	Routes   *route.Catalog
	Monitor  *safety.Monitor
	Store    store.Store
	Writer   *store.AsyncWriter
	Queue    Enqueuer
	Consumer Consumer
	Events   Publisher
	Logger   *slog.Logger
}

// Manager runs the tracking state machine. A single goroutine owns the session; every API call
// and every sensor delivery is a message on its inbox.
type Manager struct {
	cfg  Config
	deps Deps
	now  func() time.Time

	inbox   chan func()
	stop    chan struct{}
	stopped chan struct{}

	// finished sessions wait here for the sync queue and the consumer, in finish order
	handoffs     chan Session
	handoffsDone chan struct{}
	closeOnce    sync.Once

	// owned by the loop goroutine
	session       *Session
	route         *route.Route
	book          *safety.Book
	sub           location.Subscription
	gen           uint64
	sinceSnapshot int
	lastSampleAt  time.Time
	silenced      bool
}

func NewManager(cfg Config, deps Deps) *Manager {
	return newManager(cfg, deps, time.Now)
}

func newManager(cfg Config, deps Deps, now func() time.Time) *Manager {
	if cfg.SnapshotEvery <= 0 {
		cfg.SnapshotEvery = DefaultSnapshotEvery
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if deps.Monitor == nil {
		deps.Monitor = safety.NewMonitor(0)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	m := &Manager{
		cfg:     cfg,
		deps:    deps,
		now:     now,
		inbox:   make(chan func(), 256),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),

		handoffs:     make(chan Session, 16),
		handoffsDone: make(chan struct{}),
	}
	go m.loop()
	go m.handOffLoop()
	return m
}

func (m *Manager) loop() {
	defer close(m.stopped)
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case fn := <-m.inbox:
			fn()
		case <-ticker.C:
			m.sweep()
		case <-m.stop:
			m.shutdown()
			return
		}
	}
}

// Close stops the loop after snapshotting any live session, then waits for queued hand-offs.
// Pending writer output is flushed by whoever owns the writer.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.stop)
		<-m.stopped
		close(m.handoffs)
	})
	<-m.handoffsDone
}

// call runs fn on the loop goroutine and waits for it.
func (m *Manager) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case m.inbox <- func() { fn(); close(done) }:
	case <-m.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-m.stopped:
		return ErrClosed
	}
}

func (m *Manager) post(fn func()) {
	select {
	case m.inbox <- fn:
	case <-m.stopped:
	}
}

func (m *Manager) Start(ctx context.Context, routeID string) (Session, error) {
	var out Session
	var err error
	if cerr := m.call(ctx, func() { out, err = m.start(routeID) }); cerr != nil {
		return Session{}, cerr
	}
	return out, err
}

func (m *Manager) start(routeID string) (Session, error) {
	if m.session != nil && !m.session.State.Terminal() {
		return Session{}, &AlreadyTrackingError{SessionID: m.session.ID}
	}

	var rt *route.Route
	if routeID != "" {
		if m.deps.Routes == nil {
			return Session{}, fmt.Errorf("%w: %s", ErrUnknownRoute, routeID)
		}
		r, err := m.deps.Routes.Get(routeID)
		if err != nil {
			return Session{}, fmt.Errorf("%w: %s", ErrUnknownRoute, routeID)
		}
		rt = &r
	}

	now := m.now()
	s := &Session{
		ID:          uuid.NewString(),
		DeviceID:    m.cfg.DeviceID,
		RouteID:     routeID,
		State:       StateActive,
		StartTime:   now,
		Path:        []location.Sample{},
		Checkpoints: []Checkpoint{},
		ActiveSince: &now,
		UpdatedAt:   now,
	}
	if err := m.subscribe(); err != nil {
		return Session{}, err
	}

	m.session = s
	m.route = rt
	m.book = safety.NewBook()
	m.sinceSnapshot = 0
	m.lastSampleAt = now
	m.silenced = false

	m.deps.Logger.Info("tracking session started", "session_id", s.ID, "route_id", routeID)
	m.snapshot()
	m.publish(EventState, s.State)
	return s.clone(), nil
}

func (m *Manager) subscribe() error {
	if m.deps.Source == nil {
		return fmt.Errorf("subscribe sensor: no location source")
	}
	m.gen++
	gen := m.gen
	sub, err := m.deps.Source.Subscribe(m.cfg.Sensor,
		func(s location.Sample) { m.post(func() { m.handleSample(gen, s) }) },
		func(err error) { m.post(func() { m.handleSensorError(gen, err) }) },
	)
	if err != nil {
		if errors.Is(err, location.ErrPermissionDenied) {
			return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return fmt.Errorf("subscribe sensor: %w", err)
	}
	m.sub = sub
	return nil
}

// unsubscribe bumps the generation so deliveries still in flight are dropped.
func (m *Manager) unsubscribe() {
	m.gen++
	if m.sub != nil {
		m.sub.Unsubscribe()
		m.sub = nil
	}
}

func (m *Manager) Pause(ctx context.Context) (Session, error) {
	var out Session
	var err error
	if cerr := m.call(ctx, func() { out, err = m.pause() }); cerr != nil {
		return Session{}, cerr
	}
	return out, err
}

func (m *Manager) pause() (Session, error) {
	if m.session == nil {
		return Session{}, ErrNoSession
	}
	if m.session.State != StateActive {
		return m.session.clone(), ErrNotActive
	}
	m.unsubscribe()
	now := m.now()
	m.session.closeStretch(now)
	m.session.State = StatePaused
	m.session.UpdatedAt = now
	m.snapshot()
	m.publish(EventState, m.session.State)
	return m.session.clone(), nil
}

func (m *Manager) Resume(ctx context.Context) (Session, error) {
	var out Session
	var err error
	if cerr := m.call(ctx, func() { out, err = m.resume() }); cerr != nil {
		return Session{}, cerr
	}
	return out, err
}

func (m *Manager) resume() (Session, error) {
	if m.session == nil {
		return Session{}, ErrNoSession
	}
	if m.session.State != StatePaused {
		return m.session.clone(), ErrNotPaused
	}
	if err := m.subscribe(); err != nil {
		return m.session.clone(), err
	}
	now := m.now()
	m.session.State = StateActive
	m.session.ActiveSince = &now
	m.session.UpdatedAt = now
	m.lastSampleAt = now
	m.silenced = false
	m.snapshot()
	m.publish(EventState, m.session.State)
	return m.session.clone(), nil
}

// Stop completes the session, finalizes its aggregates and hands it off.
func (m *Manager) Stop(ctx context.Context) (Session, error) {
	return m.end(ctx, StateCompleted)
}

// Abort ends the session early with state stopped. The record is still handed off.
func (m *Manager) Abort(ctx context.Context) (Session, error) {
	return m.end(ctx, StateStopped)
}

func (m *Manager) end(ctx context.Context, state State) (Session, error) {
	var out Session
	var err error
	if cerr := m.call(ctx, func() { out, err = m.finish(state) }); cerr != nil {
		return Session{}, cerr
	}
	return out, err
}

func (m *Manager) finish(state State) (Session, error) {
	if m.session == nil {
		return Session{}, ErrNoSession
	}
	if m.session.State != StateActive && m.session.State != StatePaused {
		return m.session.clone(), ErrNotActive
	}
	m.unsubscribe()
	now := m.now()
	m.session.finalize(state, now)
	m.session.Alerts = m.book.All()
	m.session.UpdatedAt = now
	m.snapshot()

	final := m.session.clone()
	m.deps.Logger.Info("tracking session finished",
		"session_id", final.ID, "state", final.State,
		"distance_m", final.DistanceM, "checkpoints", len(final.Checkpoints))
	m.publish(EventState, final.State)
	m.handoffs <- final
	return final, nil
}

// handOffLoop moves finished sessions to the sync queue and then to the consumer. Queue writes
// hit the store, so they stay off the loop goroutine.
func (m *Manager) handOffLoop() {
	defer close(m.handoffsDone)
	for s := range m.handoffs {
		m.handOff(s)
	}
}

func (m *Manager) handOff(s Session) {
	if m.deps.Queue != nil {
		action, err := syncqueue.NewAction(SaveSessionAction, SaveSessionEndpoint, http.MethodPost, s)
		if err != nil {
			m.deps.Logger.Error("encode session for sync failed", "session_id", s.ID, "error", err)
		} else if _, err := m.deps.Queue.Enqueue(context.Background(), action); err != nil {
			// the action stays queued in memory; the next successful write persists it
			m.deps.Logger.Error("enqueue session failed", "session_id", s.ID, "error", err)
		}
	}
	if m.deps.Consumer != nil {
		go m.deps.Consumer.Consume(s)
	}
}

func (m *Manager) handleSample(gen uint64, smp location.Sample) {
	s := m.session
	if s == nil || s.State != StateActive || gen != m.gen {
		return
	}
	now := m.now()
	if smp.Timestamp.IsZero() {
		smp.Timestamp = now
	}

	prev, hasPrev := s.lastSample()
	if hasPrev && smp.Timestamp.Before(prev.Timestamp) {
		m.deps.Logger.Warn("dropping out-of-order sample",
			"session_id", s.ID, "timestamp", smp.Timestamp, "last", prev.Timestamp)
		return
	}

	s.Path = append(s.Path, smp)
	speedKmh := 0.0
	if hasPrev {
		d := geo.Distance(prev.Point(), smp.Point())
		s.DistanceM += d
		s.ElevationGainM += geo.ElevationDelta(prev.Altitude, smp.Altitude)
		if dt := smp.Timestamp.Sub(prev.Timestamp).Seconds(); dt > 0 {
			speedKmh = d / dt * 3.6
		}
	}
	if smp.Speed != nil && *smp.Speed >= 0 {
		speedKmh = *smp.Speed * 3.6
	}
	if speedKmh > s.MaxSpeedKmh {
		s.MaxSpeedKmh = speedKmh
	}
	s.DurationSec, s.ActiveSince = s.activeSeconds(now), &now
	s.AvgSpeedKmh = geo.AverageSpeedKmh(s.DistanceM, s.DurationSec)
	s.UpdatedAt = now
	m.lastSampleAt = now
	m.silenced = false

	update := SampleUpdate{Sample: smp, DistanceM: s.DistanceM, SpeedKmh: speedKmh, AvgSpeedKmh: s.AvgSpeedKmh}
	if m.route != nil {
		res := route.Match(smp.Point(), *m.route, s.hasCheckpoint)
		update.Nearest, update.NearestM = res.Nearest.ID, res.DistanceM
		if res.Deviated {
			m.raiseDeviation(smp.Point(), res)
		}
		if res.Arrived != nil {
			cp := Checkpoint{
				WaypointID: res.Arrived.ID,
				Name:       res.Arrived.Name,
				ArrivedAt:  smp.Timestamp,
				Location:   smp.Point(),
			}
			s.Checkpoints = append(s.Checkpoints, cp)
			m.deps.Logger.Info("checkpoint reached", "session_id", s.ID, "waypoint_id", cp.WaypointID)
			m.publish(EventCheckpoint, cp)
		}
	}
	for _, a := range m.deps.Monitor.Evaluate(s.ID, s.Path) {
		m.addAlert(a)
	}
	m.publish(EventSample, update)

	m.sinceSnapshot++
	if m.sinceSnapshot >= m.cfg.SnapshotEvery {
		m.snapshot()
	}
}

// raiseDeviation opens a deviation alert unless one is already open against the same waypoint.
func (m *Manager) raiseDeviation(at geo.Point, res route.Result) {
	if open, ok := m.book.LatestOpen(safety.AlertRouteDeviation); ok && open.Ref == res.Nearest.ID {
		return
	}
	to := safety.Landmark{ID: res.Nearest.ID, Name: res.Nearest.Name, At: res.Nearest.Point()}
	m.addAlert(m.deps.Monitor.Deviation(m.session.ID, at, res.DistanceM, to))
}

func (m *Manager) addAlert(a safety.Alert) {
	if added, ok := m.book.Add(a); ok {
		m.deps.Logger.Warn("safety alert raised",
			"session_id", added.SessionID, "type", added.Type, "severity", added.Severity)
		m.publish(EventAlert, added)
	}
}

func (m *Manager) handleSensorError(gen uint64, err error) {
	if m.session == nil || gen != m.gen {
		return
	}
	m.deps.Logger.Warn("location sensor error", "session_id", m.session.ID, "error", err)
}

// TriggerEmergency raises a critical alert at the given location, or at the last known fix when
// at is nil. It works without a session as well.
func (m *Manager) TriggerEmergency(ctx context.Context, at *geo.Point, note string) (safety.Alert, error) {
	var out safety.Alert
	err := m.call(ctx, func() {
		sessionID := ""
		var loc geo.Point
		live := m.session != nil && !m.session.State.Terminal()
		if live {
			sessionID = m.session.ID
			if last, ok := m.session.lastSample(); ok {
				loc = last.Point()
			}
		}
		if at != nil {
			loc = *at
		}
		out = m.deps.Monitor.Emergency(sessionID, loc, note)
		m.deps.Logger.Error("emergency triggered", "session_id", sessionID, "lat", loc.Lat, "lng", loc.Lng)
		if live {
			m.book.Add(out)
			m.snapshot()
		}
		m.publishFor(sessionID, EventAlert, out)
	})
	return out, err
}

func (m *Manager) ResolveAlert(ctx context.Context, id string) (safety.Alert, error) {
	var out safety.Alert
	var err error
	if cerr := m.call(ctx, func() {
		if m.book == nil {
			err = safety.ErrAlertNotFound
			return
		}
		out, err = m.book.Resolve(id, m.now())
		if err == nil {
			m.publish(EventAlert, out)
		}
	}); cerr != nil {
		return safety.Alert{}, cerr
	}
	return out, err
}

// Current returns a copy of the current or most recently finished session.
func (m *Manager) Current(ctx context.Context) (Session, error) {
	var out Session
	var err error
	if cerr := m.call(ctx, func() {
		if m.session == nil {
			err = ErrNoSession
			return
		}
		out = m.session.clone()
		if !out.State.Terminal() {
			out.Alerts = m.book.All()
		}
	}); cerr != nil {
		return Session{}, cerr
	}
	return out, err
}

func (m *Manager) Alerts(ctx context.Context) ([]safety.Alert, error) {
	var out []safety.Alert
	err := m.call(ctx, func() {
		if m.book != nil {
			out = m.book.All()
		}
	})
	return out, err
}

// OpenAlerts lists the alerts of the current session that are still unresolved.
func (m *Manager) OpenAlerts(ctx context.Context) ([]safety.Alert, error) {
	var out []safety.Alert
	err := m.call(ctx, func() {
		if m.book != nil {
			out = m.book.Open()
		}
	})
	return out, err
}

// Recover loads the newest unfinished snapshot and restores it as paused. It is a no-op when a
// live session already exists or nothing was left behind.
func (m *Manager) Recover(ctx context.Context) (*Session, error) {
	if m.deps.Store == nil {
		return nil, nil
	}
	keys, err := m.deps.Store.ListKeys(ctx, SnapshotPrefix)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	sort.Strings(keys)

	var latest *Session
	for _, k := range keys {
		raw, err := m.deps.Store.Get(ctx, k)
		if err != nil {
			m.deps.Logger.Warn("read snapshot failed", "key", k, "error", err)
			continue
		}
		var s Session
		if err := json.Unmarshal(raw, &s); err != nil {
			m.deps.Logger.Warn("decode snapshot failed", "key", k, "error", err)
			continue
		}
		if s.State.Terminal() || strings.TrimPrefix(k, SnapshotPrefix) != s.ID {
			continue
		}
		if latest == nil || s.UpdatedAt.After(latest.UpdatedAt) {
			cp := s
			latest = &cp
		}
	}
	if latest == nil {
		return nil, nil
	}

	var out *Session
	cerr := m.call(ctx, func() {
		if m.session != nil && !m.session.State.Terminal() {
			return
		}
		s := latest
		// downtime is not active time
		s.ActiveSince = nil
		s.State = StatePaused
		s.UpdatedAt = m.now()
		if s.Path == nil {
			s.Path = []location.Sample{}
		}
		if s.Checkpoints == nil {
			s.Checkpoints = []Checkpoint{}
		}
		m.route = nil
		if s.RouteID != "" && m.deps.Routes != nil {
			if r, err := m.deps.Routes.Get(s.RouteID); err == nil {
				m.route = &r
			} else {
				m.deps.Logger.Warn("recovered session references unknown route", "route_id", s.RouteID)
			}
		}
		m.book = safety.RestoreBook(s.Alerts)
		s.Alerts = nil
		m.session = s
		m.sinceSnapshot = 0
		m.deps.Logger.Info("tracking session recovered", "session_id", s.ID, "samples", len(s.Path))
		m.snapshot()
		c := s.clone()
		out = &c
	})
	if cerr != nil {
		return nil, cerr
	}
	return out, nil
}

func (m *Manager) sweep() {
	if m.session == nil || m.session.State.Terminal() {
		return
	}
	for _, a := range m.book.Sweep(m.now()) {
		m.publish(EventAlert, a)
	}
	if m.session.State != StateActive || m.silenced {
		return
	}
	if m.deps.Monitor.Overdue(m.lastSampleAt) {
		var last geo.Point
		if smp, ok := m.session.lastSample(); ok {
			last = smp.Point()
		}
		m.silenced = true
		m.addAlert(m.deps.Monitor.SilenceAlert(m.session.ID, last))
	}
}

func (m *Manager) shutdown() {
	if m.session == nil || m.session.State.Terminal() {
		return
	}
	m.unsubscribe()
	m.snapshot()
}

// snapshot queues the session for persistence. Live sessions carry their open alert log.
func (m *Manager) snapshot() {
	m.sinceSnapshot = 0
	if m.deps.Writer == nil || m.session == nil {
		return
	}
	s := m.session.clone()
	if !s.State.Terminal() && m.book != nil {
		s.Alerts = m.book.All()
	}
	raw, err := json.Marshal(s)
	if err != nil {
		m.deps.Logger.Error("encode snapshot failed", "session_id", s.ID, "error", err)
		return
	}
	m.deps.Writer.Write(SnapshotPrefix+s.ID, raw)
}

func (m *Manager) publish(kind string, data any) {
	id := ""
	if m.session != nil {
		id = m.session.ID
	}
	m.publishFor(id, kind, data)
}

func (m *Manager) publishFor(sessionID, kind string, data any) {
	if m.deps.Events == nil {
		return
	}
	m.deps.Events.Publish(Event{Type: kind, SessionID: sessionID, At: m.now(), Data: data})
}
