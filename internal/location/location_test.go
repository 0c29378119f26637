package location

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushSourceDeliversAndUnsubscribes(t *testing.T) {
	src := NewPushSource()
	var got []Sample
	sub, err := src.Subscribe(Options{}, func(s Sample) { got = append(got, s) }, nil)
	require.NoError(t, err)

	now := time.Now()
	src.Push(Sample{Lat: 1, Lng: 1, Timestamp: now})
	src.Push(Sample{Lat: 1.1, Lng: 1, Timestamp: now.Add(time.Second)})
	require.Len(t, got, 2)

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 0, src.Push(Sample{Lat: 2, Lng: 2, Timestamp: now.Add(2 * time.Second)}))
	assert.Len(t, got, 2)
	assert.Equal(t, 0, src.Subscribers())
}

func TestPushSourcePermissionDenied(t *testing.T) {
	src := NewPushSource()
	src.SetPermission(false)
	_, err := src.Subscribe(Options{}, func(Sample) {}, nil)
	require.ErrorIs(t, err, ErrPermissionDenied)

	src.SetPermission(true)
	_, err = src.Subscribe(Options{}, func(Sample) {}, nil)
	require.NoError(t, err)
}

func TestPushSourceThrottle(t *testing.T) {
	src := NewPushSource()
	count := 0
	_, err := src.Subscribe(Options{MinInterval: 5 * time.Second, MinDistanceM: 10}, func(Sample) { count++ }, nil)
	require.NoError(t, err)

	now := time.Now()
	src.Push(Sample{Lat: 0, Lng: 0, Timestamp: now})
	src.Push(Sample{Lat: 0.001, Lng: 0, Timestamp: now.Add(time.Second)})        // too soon
	src.Push(Sample{Lat: 0.00001, Lng: 0, Timestamp: now.Add(10 * time.Second)}) // too close
	src.Push(Sample{Lat: 0.001, Lng: 0, Timestamp: now.Add(20 * time.Second)})
	assert.Equal(t, 2, count)
}

func TestPushSourceStampsMissingTimestamps(t *testing.T) {
	src := NewPushSource()
	now := time.Date(2026, 5, 1, 6, 0, 0, 0, time.UTC)
	src.now = func() time.Time { return now }

	var got []Sample
	_, err := src.Subscribe(DefaultOptions(), func(s Sample) { got = append(got, s) }, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		src.Push(Sample{Lat: float64(i) * 0.001, Lng: 0})
		now = now.Add(6 * time.Second)
	}
	require.Len(t, got, 5)
	for i, s := range got {
		assert.False(t, s.Timestamp.IsZero(), "sample %d", i)
	}
	assert.Equal(t, 6*time.Second, got[1].Timestamp.Sub(got[0].Timestamp))
}

func TestDefaultOptionsKeepStationaryFixes(t *testing.T) {
	src := NewPushSource()
	count := 0
	_, err := src.Subscribe(DefaultOptions(), func(Sample) { count++ }, nil)
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 30; i++ {
		jitter := float64(i%3) * 0.00001 // about 1 m
		src.Push(Sample{Lat: 30.65 + jitter, Lng: 79.02, Timestamp: start.Add(time.Duration(i) * 6 * time.Second)})
	}
	assert.Equal(t, 30, count)
}

func TestPushSourceFail(t *testing.T) {
	src := NewPushSource()
	var gotErr error
	_, err := src.Subscribe(Options{}, func(Sample) {}, func(err error) { gotErr = err })
	require.NoError(t, err)

	boom := errors.New("gps lost")
	src.Fail(boom)
	assert.ErrorIs(t, gotErr, boom)
}

const replayTrack = `<?xml version="1.0" encoding="UTF-8"?>
<gpx version="1.1" creator="test" xmlns="http://www.topografix.com/GPX/1/1">
  <trk><name>walk</name><trkseg>
    <trkpt lat="30.6520" lon="79.0240"><ele>1982</ele><time>2024-05-01T05:00:00Z</time></trkpt>
    <trkpt lat="30.6530" lon="79.0250"><ele>1990</ele><time>2024-05-01T05:01:00Z</time></trkpt>
    <trkpt lat="30.6540" lon="79.0260"><time>2024-05-01T05:02:00Z</time></trkpt>
  </trkseg></trk>
</gpx>`

func TestReplaySource(t *testing.T) {
	src, err := NewReplaySource(strings.NewReader(replayTrack), 60)
	require.NoError(t, err)
	require.Equal(t, 3, src.Len())

	immediate := make(chan time.Time)
	close(immediate)
	src.after = func(time.Duration) <-chan time.Time { return immediate }
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	src.now = func() time.Time { return base }

	var mu sync.Mutex
	var got []Sample
	done := make(chan struct{})
	_, err = src.Subscribe(Options{}, func(s Sample) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, s)
		if len(got) == 3 {
			close(done)
		}
	}, nil)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for replay")
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got[0].Altitude)
	assert.Equal(t, 1982.0, *got[0].Altitude)
	assert.Nil(t, got[2].Altitude)
	assert.Equal(t, base, got[0].Timestamp)
	assert.Equal(t, base.Add(time.Second), got[1].Timestamp)
}

func TestReplaySourceEmpty(t *testing.T) {
	_, err := NewReplaySource(strings.NewReader(`<gpx version="1.1" creator="t"></gpx>`), 1)
	require.Error(t, err)
}
