package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"testing"
	"time"

	"backend-pilgrimhub/internal/location"
	"backend-pilgrimhub/internal/route"
	"backend-pilgrimhub/internal/safety"
	"backend-pilgrimhub/internal/shared/geo"
	"backend-pilgrimhub/internal/store"
	"backend-pilgrimhub/internal/syncqueue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock { return &fakeClock{t: time.Now()} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return c.t
}

type recordingEvents struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingEvents) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingEvents) OfType(kind string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == kind {
			out = append(out, e)
		}
	}
	return out
}

// captureSource keeps every deliver callback it handed out so tests can replay stale ones.
type captureSource struct {
	mu       sync.Mutex
	delivers []func(location.Sample)
}

type nopSub struct{}

func (nopSub) Unsubscribe() {}

func (c *captureSource) Subscribe(_ location.Options, deliver func(location.Sample), _ func(error)) (location.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delivers = append(c.delivers, deliver)
	return nopSub{}, nil
}

func (c *captureSource) deliver(i int) func(location.Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delivers[i]
}

type harness struct {
	m      *Manager
	src    *location.PushSource
	clock  *fakeClock
	st     *store.Memory
	writer *store.AsyncWriter
	queue  *syncqueue.Queue
	events *recordingEvents
	done   chan Session
}

type noopExec struct{}

func (noopExec) Execute(context.Context, syncqueue.Action) error { return nil }

func newHarness(t *testing.T, mutate func(*Config, *Deps)) *harness {
	t.Helper()
	catalog, err := route.NewCatalog(route.Builtin()...)
	require.NoError(t, err)

	h := &harness{
		src:    location.NewPushSource(),
		clock:  newClock(),
		st:     store.NewMemory(),
		events: &recordingEvents{},
		done:   make(chan Session, 4),
	}
	h.writer = store.NewAsyncWriter(h.st, quietLogger())
	h.queue, err = syncqueue.New(context.Background(), h.st, noopExec{}, quietLogger())
	require.NoError(t, err)

	cfg := Config{DeviceID: "device-1", Sensor: location.Options{Accuracy: location.AccuracyHigh}}
	deps := Deps{
		Source:   h.src,
		Routes:   catalog,
		Monitor:  safety.NewMonitor(0),
		Store:    h.st,
		Writer:   h.writer,
		Queue:    h.queue,
		Consumer: ConsumerFunc(func(s Session) { h.done <- s }),
		Events:   h.events,
		Logger:   quietLogger(),
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	h.m = newManager(cfg, deps, h.clock.Now)
	t.Cleanup(func() {
		h.m.Close()
		h.writer.Close()
	})
	return h
}

func (h *harness) push(t *testing.T, lat, lng float64, alt *float64) {
	t.Helper()
	at := h.clock.Now()
	require.Equal(t, 1, h.src.Push(location.Sample{Lat: lat, Lng: lng, Timestamp: at, Altitude: alt}))
}

func (h *harness) current(t *testing.T) Session {
	t.Helper()
	s, err := h.m.Current(context.Background())
	require.NoError(t, err)
	return s
}

func ptr(v float64) *float64 { return &v }

func TestMainPilgrimageScenario(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	started, err := h.m.Start(ctx, "main_pilgrimage")
	require.NoError(t, err)
	assert.Equal(t, StateActive, started.State)
	assert.Equal(t, "device-1", started.DeviceID)

	rt := route.Builtin()[0]
	for i, wp := range rt.Waypoints {
		if i > 0 {
			h.clock.Advance(20 * time.Minute)
		}
		h.push(t, wp.Lat, wp.Lng, ptr(wp.ElevationM))
	}

	final, err := h.m.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, final.State)
	require.NotNil(t, final.EndTime)

	require.Len(t, final.Checkpoints, 2)
	assert.Equal(t, "checkpoint1", final.Checkpoints[0].WaypointID)
	assert.Equal(t, "temple_entrance", final.Checkpoints[1].WaypointID)

	want := geo.Distance(rt.Waypoints[0].Point(), rt.Waypoints[1].Point()) +
		geo.Distance(rt.Waypoints[1].Point(), rt.Waypoints[2].Point())
	assert.InDelta(t, want, final.DistanceM, 1e-6)
	assert.InDelta(t, 3663, final.DistanceM, 5)
	assert.InDelta(t, final.DistanceM/1000*50, final.Calories, 1e-9)
	assert.Equal(t, int(math.Round(final.DistanceM/1000*1300)), final.Steps)
	assert.InDelta(t, 601, final.ElevationGainM, 1e-9)
	assert.InDelta(t, 2400, final.DurationSec, 1e-6)
	assert.InDelta(t, geo.AverageSpeedKmh(final.DistanceM, 2400), final.AvgSpeedKmh, 1e-9)
	assert.Empty(t, final.Alerts)

	// the consumer is notified only after the sync action was queued
	select {
	case got := <-h.done:
		assert.Equal(t, final.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatalf("consumer was not notified")
	}

	pending := h.queue.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, SaveSessionAction, pending[0].Name)
	assert.Equal(t, SaveSessionEndpoint, pending[0].Endpoint)
	assert.Equal(t, http.MethodPost, pending[0].Method)
	var sent Session
	require.NoError(t, json.Unmarshal(pending[0].Payload, &sent))
	assert.Equal(t, final.ID, sent.ID)

	assert.Len(t, h.events.OfType(EventCheckpoint), 2)
	assert.Len(t, h.events.OfType(EventSample), 3)
}

func TestStartWhileTrackingFails(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first, err := h.m.Start(ctx, "")
	require.NoError(t, err)

	_, err = h.m.Start(ctx, "")
	require.ErrorIs(t, err, ErrAlreadyTracking)
	var already *AlreadyTrackingError
	require.True(t, errors.As(err, &already))
	assert.Equal(t, first.ID, already.SessionID)

	_, err = h.m.Pause(ctx)
	require.NoError(t, err)
	_, err = h.m.Start(ctx, "")
	require.ErrorIs(t, err, ErrAlreadyTracking, "a paused session still blocks a new one")
}

func TestStartPermissionDenied(t *testing.T) {
	h := newHarness(t, nil)
	h.src.SetPermission(false)

	_, err := h.m.Start(context.Background(), "main_pilgrimage")
	require.ErrorIs(t, err, ErrPermissionDenied)

	_, err = h.m.Current(context.Background())
	require.ErrorIs(t, err, ErrNoSession)
	assert.Zero(t, h.src.Subscribers())
}

func TestStartUnknownRoute(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.m.Start(context.Background(), "nowhere")
	require.ErrorIs(t, err, ErrUnknownRoute)
	assert.Zero(t, h.src.Subscribers())
}

func TestStateMachineLegality(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.m.Pause(ctx)
	require.ErrorIs(t, err, ErrNoSession)
	_, err = h.m.Stop(ctx)
	require.ErrorIs(t, err, ErrNoSession)

	_, err = h.m.Start(ctx, "")
	require.NoError(t, err)

	s, err := h.m.Resume(ctx)
	require.ErrorIs(t, err, ErrNotPaused)
	assert.Equal(t, StateActive, s.State)

	s, err = h.m.Pause(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, s.State)
	assert.Zero(t, h.src.Subscribers())

	s, err = h.m.Pause(ctx)
	require.ErrorIs(t, err, ErrNotActive)
	assert.Equal(t, StatePaused, s.State)

	s, err = h.m.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateActive, s.State)
	assert.Equal(t, 1, h.src.Subscribers())

	s, err = h.m.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, s.State)
	assert.Zero(t, h.src.Subscribers())

	_, err = h.m.Stop(ctx)
	require.ErrorIs(t, err, ErrNotActive)
	_, err = h.m.Pause(ctx)
	require.ErrorIs(t, err, ErrNotActive)
	_, err = h.m.Resume(ctx)
	require.ErrorIs(t, err, ErrNotPaused)

	next, err := h.m.Start(ctx, "")
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, next.ID)
}

func TestAbortFromPausedStopsSession(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.m.Start(ctx, "")
	require.NoError(t, err)
	h.clock.Advance(10 * time.Minute)
	_, err = h.m.Pause(ctx)
	require.NoError(t, err)
	h.clock.Advance(time.Hour)

	s, err := h.m.Abort(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, s.State)
	assert.InDelta(t, 600, s.DurationSec, 1e-6, "paused time is not active time")
	require.Eventually(t, func() bool { return len(h.queue.Pending()) == 1 }, time.Second, 10*time.Millisecond)
}

// gatedQueue holds every Enqueue until released.
type gatedQueue struct {
	release chan struct{}
	once    sync.Once
	got     chan syncqueue.Action
}

func (g *gatedQueue) Enqueue(_ context.Context, a syncqueue.Action) (syncqueue.Action, error) {
	<-g.release
	g.got <- a
	return a, nil
}

func (g *gatedQueue) open() { g.once.Do(func() { close(g.release) }) }

func TestStopDoesNotWaitForSyncQueue(t *testing.T) {
	q := &gatedQueue{release: make(chan struct{}), got: make(chan syncqueue.Action, 2)}
	h := newHarness(t, func(_ *Config, d *Deps) { d.Queue = q })
	t.Cleanup(q.open)
	ctx := context.Background()

	first, err := h.m.Start(ctx, "")
	require.NoError(t, err)
	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err = h.m.Stop(stopCtx)
	require.NoError(t, err)

	// the loop keeps serving while the queue write is stuck
	second, err := h.m.Start(stopCtx, "")
	require.NoError(t, err)
	_, err = h.m.Abort(stopCtx)
	require.NoError(t, err)
	select {
	case <-h.done:
		t.Fatalf("consumer ran before the session was queued")
	default:
	}

	q.open()
	for _, want := range []string{first.ID, second.ID} {
		select {
		case a := <-q.got:
			var sent Session
			require.NoError(t, json.Unmarshal(a.Payload, &sent))
			assert.Equal(t, want, sent.ID)
		case <-time.After(time.Second):
			t.Fatalf("session %s was not queued", want)
		}
	}
	for i := 0; i < 2; i++ {
		select {
		case <-h.done:
		case <-time.After(time.Second):
			t.Fatalf("consumer was not notified")
		}
	}
}

func TestSamplesDiscardedAfterPause(t *testing.T) {
	src := &captureSource{}
	h := newHarness(t, func(_ *Config, d *Deps) { d.Source = src })
	ctx := context.Background()

	_, err := h.m.Start(ctx, "")
	require.NoError(t, err)
	stale := src.deliver(0)
	stale(location.Sample{Lat: 30.1, Lng: 79.1, Timestamp: h.clock.Now()})

	_, err = h.m.Pause(ctx)
	require.NoError(t, err)
	stale(location.Sample{Lat: 30.2, Lng: 79.2, Timestamp: h.clock.Advance(time.Minute)})
	assert.Len(t, h.current(t).Path, 1)

	_, err = h.m.Resume(ctx)
	require.NoError(t, err)
	stale(location.Sample{Lat: 30.2, Lng: 79.2, Timestamp: h.clock.Advance(time.Minute)})
	assert.Len(t, h.current(t).Path, 1, "delivery from the first subscription must stay dropped")

	src.deliver(1)(location.Sample{Lat: 30.2, Lng: 79.2, Timestamp: h.clock.Advance(time.Minute)})
	assert.Len(t, h.current(t).Path, 2)
}

func TestCheckpointRecordedOnce(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.m.Start(context.Background(), "main_pilgrimage")
	require.NoError(t, err)

	cp := route.Builtin()[0].Waypoints[1]
	h.push(t, cp.Lat, cp.Lng, nil)
	h.clock.Advance(time.Minute)
	h.push(t, cp.Lat+0.0001, cp.Lng, nil)

	s := h.current(t)
	require.Len(t, s.Checkpoints, 1)
	assert.Equal(t, "checkpoint1", s.Checkpoints[0].WaypointID)
}

func TestDistanceNeverDecreases(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.m.Start(context.Background(), "")
	require.NoError(t, err)

	lat, lng := 25.3176, 82.9739
	prev := 0.0
	for i := 0; i < 25; i++ {
		h.clock.Advance(30 * time.Second)
		lat += 0.0003 * float64(i%3)
		lng -= 0.0002 * float64(i%2)
		h.push(t, lat, lng, nil)
		got := h.current(t).DistanceM
		assert.GreaterOrEqual(t, got, prev)
		prev = got
	}
}

func TestOutOfOrderSampleDropped(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.m.Start(context.Background(), "")
	require.NoError(t, err)

	now := h.clock.Advance(time.Minute)
	h.src.Push(location.Sample{Lat: 30.0, Lng: 79.0, Timestamp: now})
	h.src.Push(location.Sample{Lat: 30.1, Lng: 79.1, Timestamp: now.Add(-time.Second)})

	s := h.current(t)
	require.Len(t, s.Path, 1)
	assert.Zero(t, s.DistanceM)
}

func TestDeviationAlertNotRepeatedForSameWaypoint(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.m.Start(context.Background(), "main_pilgrimage")
	require.NoError(t, err)

	start := route.Builtin()[0].Waypoints[0]
	h.push(t, start.Lat-0.005, start.Lng, nil)
	h.clock.Advance(time.Minute)
	h.push(t, start.Lat-0.006, start.Lng, nil)

	alerts, err := h.m.Alerts(context.Background())
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, safety.AlertRouteDeviation, alerts[0].Type)
	assert.Equal(t, "start", alerts[0].Ref)
	assert.Contains(t, alerts[0].Message, "Valley Gate")
}

func TestStationaryRaisesSingleMedicalAlert(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.m.Start(context.Background(), "")
	require.NoError(t, err)

	for i := 0; i < 12; i++ {
		h.clock.Advance(time.Minute)
		h.push(t, 30.5, 79.5, nil)
	}
	alerts, err := h.m.Alerts(context.Background())
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, safety.AlertMedical, alerts[0].Type)
	assert.Equal(t, "You have been stationary for a while. Are you okay?", alerts[0].Message)
}

func TestStationaryAlertWithDefaultSensorOptions(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Deps) { c.Sensor = location.DefaultOptions() })
	_, err := h.m.Start(context.Background(), "")
	require.NoError(t, err)

	for i := 0; i < 12; i++ {
		h.clock.Advance(6 * time.Second)
		jitter := float64(i%3) * 0.00001
		h.push(t, 30.5+jitter, 79.5, nil)
	}
	alerts, err := h.m.Alerts(context.Background())
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, safety.AlertMedical, alerts[0].Type)
}

func TestSnapshotEveryNthSample(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Deps) { c.SnapshotEvery = 3 })
	ctx := context.Background()
	started, err := h.m.Start(ctx, "")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		h.clock.Advance(time.Minute)
		h.push(t, 30.5+float64(i)*0.001, 79.5, nil)
	}
	h.current(t)
	require.NoError(t, h.writer.Flush(ctx))

	raw, err := h.st.Get(ctx, SnapshotPrefix+started.ID)
	require.NoError(t, err)
	var snap Session
	require.NoError(t, json.Unmarshal(raw, &snap))
	assert.Len(t, snap.Path, 3)
	assert.Equal(t, StateActive, snap.State)

	_, err = h.m.Pause(ctx)
	require.NoError(t, err)
	require.NoError(t, h.writer.Flush(ctx))
	raw, err = h.st.Get(ctx, SnapshotPrefix+started.ID)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &snap))
	assert.Len(t, snap.Path, 4)
	assert.Equal(t, StatePaused, snap.State)
}

func TestRecoverRestoresUnfinishedSessionAsPaused(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	started, err := h.m.Start(ctx, "main_pilgrimage")
	require.NoError(t, err)
	start := route.Builtin()[0].Waypoints[0]
	h.push(t, start.Lat, start.Lng, nil)
	h.clock.Advance(time.Minute)
	h.push(t, start.Lat+0.0003, start.Lng, nil)
	before := h.current(t)
	h.m.Close()
	require.NoError(t, h.writer.Flush(ctx))

	h2 := newHarness(t, func(_ *Config, d *Deps) { d.Store = h.st })
	recovered, err := h2.m.Recover(ctx)
	require.NoError(t, err)
	require.NotNil(t, recovered)
	assert.Equal(t, started.ID, recovered.ID)
	assert.Equal(t, StatePaused, recovered.State)
	assert.InDelta(t, before.DistanceM, recovered.DistanceM, 1e-9)
	assert.Len(t, recovered.Path, 2)

	s, err := h2.m.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateActive, s.State)
	h2.clock.Advance(time.Minute)
	h2.push(t, start.Lat+0.0006, start.Lng, nil)
	assert.Greater(t, h2.current(t).DistanceM, before.DistanceM)
}

func TestRecoverIgnoresFinishedSessions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	_, err := h.m.Start(ctx, "")
	require.NoError(t, err)
	_, err = h.m.Stop(ctx)
	require.NoError(t, err)
	require.NoError(t, h.writer.Flush(ctx))

	h2 := newHarness(t, func(_ *Config, d *Deps) { d.Store = h.st })
	recovered, err := h2.m.Recover(ctx)
	require.NoError(t, err)
	assert.Nil(t, recovered)
}

func TestEmergencyWithAndWithoutSession(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	a, err := h.m.TriggerEmergency(ctx, &geo.Point{Lat: 30.6, Lng: 79.0}, "twisted ankle")
	require.NoError(t, err)
	assert.Equal(t, safety.AlertEmergency, a.Type)
	assert.Equal(t, safety.SeverityCritical, a.Severity)
	assert.Empty(t, a.SessionID)
	assert.Equal(t, "Emergency assistance requested: twisted ankle", a.Message)

	_, err = h.m.Start(ctx, "")
	require.NoError(t, err)
	h.push(t, 30.61, 79.01, nil)
	a, err = h.m.TriggerEmergency(ctx, nil, "")
	require.NoError(t, err)
	assert.NotEmpty(t, a.SessionID)
	assert.Equal(t, geo.Point{Lat: 30.61, Lng: 79.01}, a.Location)

	h.clock.Advance(time.Hour)
	require.NoError(t, h.m.call(ctx, h.m.sweep))
	alerts, err := h.m.Alerts(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.False(t, alerts[0].Resolved, "emergencies never auto-resolve")

	resolved, err := h.m.ResolveAlert(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)

	_, err = h.m.ResolveAlert(ctx, "missing")
	require.ErrorIs(t, err, safety.ErrAlertNotFound)
}

func TestSweepAutoResolvesDeviation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.m.Start(ctx, "main_pilgrimage")
	require.NoError(t, err)

	start := route.Builtin()[0].Waypoints[0]
	h.push(t, start.Lat-0.005, start.Lng, nil)

	h.clock.Advance(safety.DeviationAutoResolve + time.Minute)
	require.NoError(t, h.m.call(ctx, h.m.sweep))

	alerts, err := h.m.Alerts(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.True(t, alerts[0].Resolved)
}

func TestWatchdogRaisesSilenceAlertOnce(t *testing.T) {
	h := newHarness(t, func(_ *Config, d *Deps) { d.Monitor = safety.NewMonitor(time.Millisecond) })
	ctx := context.Background()
	_, err := h.m.Start(ctx, "")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, h.m.call(ctx, h.m.sweep))
	require.NoError(t, h.m.call(ctx, h.m.sweep))

	alerts, err := h.m.Alerts(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, safety.AlertMedical, alerts[0].Type)
}

func TestClosedManagerRejectsCalls(t *testing.T) {
	h := newHarness(t, nil)
	h.m.Close()
	_, err := h.m.Start(context.Background(), "")
	require.ErrorIs(t, err, ErrClosed)
}
