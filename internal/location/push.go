package location

import (
	"sync"
	"sync/atomic"
	"time"
)

// PushSource receives fixes forwarded by the device client and fans them out to subscribers.
type PushSource struct {
	mu     sync.Mutex
	subs   map[*pushSub]struct{}
	denied bool
	now    func() time.Time
}

type pushSub struct {
	src     *PushSource
	deliver func(Sample)
	onError func(error)
	closed  atomic.Bool

	mu       sync.Mutex
	throttle throttle
}

func NewPushSource() *PushSource {
	return &PushSource{subs: map[*pushSub]struct{}{}, now: time.Now}
}

// SetPermission toggles whether new subscriptions are allowed.
func (p *PushSource) SetPermission(granted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.denied = !granted
}

func (p *PushSource) Subscribe(opts Options, deliver func(Sample), onError func(error)) (Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.denied {
		return nil, ErrPermissionDenied
	}
	sub := &pushSub{src: p, deliver: deliver, onError: onError, throttle: throttle{opts: opts}}
	p.subs[sub] = struct{}{}
	return sub, nil
}

// Push hands a sample to every live subscription and reports how many accepted it.
// A fix without a timestamp is stamped with the arrival time before any throttling.
func (p *PushSource) Push(s Sample) int {
	if s.Timestamp.IsZero() {
		s.Timestamp = p.now()
	}
	accepted := 0
	for _, sub := range p.snapshot() {
		if sub.closed.Load() {
			continue
		}
		sub.mu.Lock()
		ok := sub.throttle.accept(s)
		sub.mu.Unlock()
		if ok {
			sub.deliver(s)
			accepted++
		}
	}
	return accepted
}

// Fail forwards a sensor error to every live subscription.
func (p *PushSource) Fail(err error) {
	for _, sub := range p.snapshot() {
		if !sub.closed.Load() && sub.onError != nil {
			sub.onError(err)
		}
	}
}

func (p *PushSource) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

func (p *PushSource) snapshot() []*pushSub {
	p.mu.Lock()
	defer p.mu.Unlock()
	subs := make([]*pushSub, 0, len(p.subs))
	for sub := range p.subs {
		subs = append(subs, sub)
	}
	return subs
}

func (s *pushSub) Unsubscribe() {
	if s.closed.Swap(true) {
		return
	}
	s.src.mu.Lock()
	delete(s.src.subs, s)
	s.src.mu.Unlock()
}
