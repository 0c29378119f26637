package location

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/tkrajina/gpxgo/gpx"
)

var errEmptyTrack = errors.New("gpx track has no points")

// ReplaySource plays back a recorded GPX track as live fixes, used for field rehearsals.
// Timestamps are rebased onto the moment of subscription.
type ReplaySource struct {
	samples []Sample
	speedup float64
	now     func() time.Time
	after   func(time.Duration) <-chan time.Time
}

func NewReplaySource(r io.Reader, speedup float64) (*ReplaySource, error) {
	g, err := gpx.Parse(r)
	if err != nil {
		return nil, err
	}
	samples := SamplesFromGPX(g)
	if len(samples) == 0 {
		return nil, errEmptyTrack
	}
	if speedup <= 0 {
		speedup = 1
	}
	return &ReplaySource{samples: samples, speedup: speedup, now: time.Now, after: time.After}, nil
}

// SamplesFromGPX flattens every track segment of g into samples, in file order.
func SamplesFromGPX(g *gpx.GPX) []Sample {
	var out []Sample
	for _, track := range g.Tracks {
		for _, segment := range track.Segments {
			for _, pt := range segment.Points {
				s := Sample{Lat: pt.Latitude, Lng: pt.Longitude, Timestamp: pt.Timestamp}
				if pt.Elevation.NotNull() {
					alt := pt.Elevation.Value()
					s.Altitude = &alt
				}
				out = append(out, s)
			}
		}
	}
	return out
}

func (r *ReplaySource) Len() int { return len(r.samples) }

func (r *ReplaySource) Subscribe(opts Options, deliver func(Sample), onError func(error)) (Subscription, error) {
	sub := &replaySub{stop: make(chan struct{})}
	go r.play(sub, throttle{opts: opts}, deliver)
	return sub, nil
}

func (r *ReplaySource) play(sub *replaySub, th throttle, deliver func(Sample)) {
	base := r.now()
	first := r.samples[0].Timestamp
	var prev time.Time
	for i, s := range r.samples {
		if i > 0 && !s.Timestamp.IsZero() && !prev.IsZero() {
			wait := time.Duration(float64(s.Timestamp.Sub(prev)) / r.speedup)
			if wait > 0 {
				select {
				case <-sub.stop:
					return
				case <-r.after(wait):
				}
			}
		}
		select {
		case <-sub.stop:
			return
		default:
		}
		prev = s.Timestamp

		out := s
		if !first.IsZero() && !s.Timestamp.IsZero() {
			out.Timestamp = base.Add(time.Duration(float64(s.Timestamp.Sub(first)) / r.speedup))
		} else {
			out.Timestamp = r.now()
		}
		if th.accept(out) {
			deliver(out)
		}
	}
}

type replaySub struct {
	once sync.Once
	stop chan struct{}
}

func (s *replaySub) Unsubscribe() {
	s.once.Do(func() { close(s.stop) })
}
