package server

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"backend-pilgrimhub/internal/config"
	"backend-pilgrimhub/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func testConfig() config.Config {
	return config.Config{
		JWTSecret:      "secret",
		ServerPort:     ":0",
		StoreDriver:    "memory",
		DeviceID:       "device-1",
		SyncMaxRetries: 3,
		SnapshotEvery:  10,
	}
}

func newTestServer(t *testing.T, cfg config.Config, rdb *redis.Client, local *sql.DB) *Server {
	t.Helper()
	s, err := NewServer(cfg, nil, rdb, local, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func do(t *testing.T, s *Server, method, path, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.App.Test(req)
	require.NoError(t, err)
	return resp
}

func TestHealthRoute(t *testing.T) {
	s := newTestServer(t, testConfig(), nil, nil)

	resp := do(t, s, http.MethodGet, "/health", "")
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200 status")
	}
	var body struct {
		Status                string `json:"status"`
		SnapshotWriteFailures *int64 `json:"snapshot_write_failures"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	require.NotNil(t, body.SnapshotWriteFailures)
	assert.Equal(t, int64(0), *body.SnapshotWriteFailures)
}

func TestDeviceRoutesWired(t *testing.T) {
	s := newTestServer(t, testConfig(), nil, nil)

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/tracking/session", "").StatusCode)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/sync/status", "").StatusCode)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/routes", "").StatusCode)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/routes/main_pilgrimage", "").StatusCode)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/network", `{"online":false}`).StatusCode)

	// no postgres: backend-only groups are not mounted
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/archive/sessions/x/summary", "").StatusCode)
}

func TestTrackingThroughServer(t *testing.T) {
	s := newTestServer(t, testConfig(), nil, nil)

	resp := do(t, s, http.MethodPost, "/tracking/start", `{"route_id":"main_pilgrimage"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = do(t, s, http.MethodPost, "/tracking/stop", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// offline: the hand-off waits in the queue
	require.Eventually(t, func() bool { return s.Queue.Status().Pending == 1 }, time.Second, 10*time.Millisecond)
}

func TestSQLiteStore(t *testing.T) {
	local, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	local.SetMaxOpenConns(1)
	defer local.Close()

	cfg := testConfig()
	cfg.StoreDriver = "sqlite"
	s := newTestServer(t, cfg, nil, local)
	_, ok := s.Store.(*store.SQLite)
	assert.True(t, ok, "expected sqlite store")
}

func TestRedisStoreAndStream(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	cfg := testConfig()
	cfg.StoreDriver = "redis"
	s := newTestServer(t, cfg, rdb, nil)
	_, ok := s.Store.(*store.Redis)
	assert.True(t, ok, "expected redis store")
}

func TestStoreFallsBackToMemory(t *testing.T) {
	var buf bytes.Buffer
	cfg := testConfig()
	cfg.StoreDriver = "sqlite"
	s, err := NewServer(cfg, nil, nil, nil, slog.New(slog.NewJSONHandler(&buf, nil)))
	require.NoError(t, err)
	defer s.Close()

	_, ok := s.Store.(*store.Memory)
	assert.True(t, ok)
	assert.Contains(t, buf.String(), "store backend unavailable")
}

func TestUnknownStoreDriver(t *testing.T) {
	cfg := testConfig()
	cfg.StoreDriver = "floppy"
	_, err := NewServer(cfg, nil, nil, nil, nil)
	require.Error(t, err)
}

const replayTrack = `<?xml version="1.0" encoding="UTF-8"?>
<gpx version="1.1" creator="test" xmlns="http://www.topografix.com/GPX/1/1">
  <trk><name>rehearsal</name><trkseg>
    <trkpt lat="30.6520" lon="79.0240"><ele>3200</ele><time>2026-05-01T05:30:00Z</time></trkpt>
    <trkpt lat="30.6530" lon="79.0250"><ele>3210</ele><time>2026-05-01T05:31:00Z</time></trkpt>
  </trkseg></trk>
</gpx>`

func TestReplaySourceReplacesPush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rehearsal.gpx")
	require.NoError(t, os.WriteFile(path, []byte(replayTrack), 0o600))

	cfg := testConfig()
	cfg.ReplayGPXFile = path
	cfg.ReplaySpeedup = 60
	s := newTestServer(t, cfg, nil, nil)

	assert.Nil(t, s.Samples)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodPost, "/tracking/samples", `[]`).StatusCode)
}

func TestReplayFileMissing(t *testing.T) {
	cfg := testConfig()
	cfg.ReplayGPXFile = filepath.Join(t.TempDir(), "missing.gpx")
	_, err := NewServer(cfg, nil, nil, nil, nil)
	require.Error(t, err)
}
