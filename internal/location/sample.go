package location

import (
	"errors"
	"time"

	"backend-pilgrimhub/internal/shared/geo"
)

var ErrPermissionDenied = errors.New("location permission denied")

// Sample is one positioning fix. Optional readings are nil when the sensor did not report them.
type Sample struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Altitude  *float64  `json:"altitude,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
	Speed     *float64  `json:"speed,omitempty"` // m/s
}

func (s Sample) Point() geo.Point {
	return geo.Point{Lat: s.Lat, Lng: s.Lng}
}

type Accuracy string

const (
	AccuracyHigh     Accuracy = "high"
	AccuracyBalanced Accuracy = "balanced"
	AccuracyLow      Accuracy = "low"
)

type Options struct {
	Accuracy     Accuracy
	MinInterval  time.Duration
	MinDistanceM float64
}

// DefaultOptions is the subscription profile used while walking a route. It has no distance
// filter: stationary detection needs the fixes of a user who is standing still.
func DefaultOptions() Options {
	return Options{Accuracy: AccuracyHigh, MinInterval: 5 * time.Second}
}

type Subscription interface {
	Unsubscribe()
}

// Source delivers samples to deliver until the returned subscription is cancelled.
// A delivery already in flight when Unsubscribe returns may still land; consumers discard it.
type Source interface {
	Subscribe(opts Options, deliver func(Sample), onError func(error)) (Subscription, error)
}

// throttle applies the MinInterval / MinDistanceM options of a subscription.
type throttle struct {
	opts Options
	last *Sample
}

func (t *throttle) accept(s Sample) bool {
	if t.last != nil {
		if t.opts.MinInterval > 0 && s.Timestamp.Sub(t.last.Timestamp) < t.opts.MinInterval {
			return false
		}
		if t.opts.MinDistanceM > 0 && geo.Distance(t.last.Point(), s.Point()) < t.opts.MinDistanceM {
			return false
		}
	}
	t.last = &s
	return true
}
