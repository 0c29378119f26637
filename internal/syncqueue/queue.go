package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"backend-pilgrimhub/internal/store"

	"github.com/google/uuid"
)

// StoreKey is the single key the whole queue is persisted under.
const StoreKey = "queue"

var ErrActionNotFound = errors.New("sync action not found")

// Executor performs one action against the backend. A nil error means the backend accepted it.
type Executor interface {
	Execute(ctx context.Context, a Action) error
}

// Reporter is told about every action that ran out of retries.
type Reporter interface {
	ReportExhausted(err *ExhaustedError)
}

type Option func(*Queue)

func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxRetries = n
		}
	}
}

// WithBackoff delays a failed action by base * 2^(retries-1) before it becomes eligible again.
// It never changes how many attempts an action gets. Zero keeps the immediate-retry policy.
func WithBackoff(base time.Duration) Option {
	return func(q *Queue) { q.backoff = base }
}

func WithReporter(r Reporter) Option {
	return func(q *Queue) { q.reporter = r }
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// Queue is a durable at-least-once outbox. Every mutation is written through to the store,
// a drain runs only while online and never overlaps another drain.
type Queue struct {
	store    store.Store
	exec     Executor
	logger   *slog.Logger
	reporter Reporter

	maxRetries int
	backoff    time.Duration
	now        func() time.Time

	mu      sync.Mutex
	pending []Action
	failed  []Action

	online   atomic.Bool
	draining atomic.Bool
	bg       sync.WaitGroup
}

// New restores the queue persisted in st, if any.
func New(ctx context.Context, st store.Store, exec Executor, logger *slog.Logger, opts ...Option) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		store:      st,
		exec:       exec,
		logger:     logger,
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}

	raw, err := st.Get(ctx, StoreKey)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load sync queue: %w", err)
	default:
		var snap snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return nil, fmt.Errorf("decode sync queue: %w", err)
		}
		q.pending, q.failed = snap.Pending, snap.Failed
		q.logger.Info("sync queue restored", "pending", len(q.pending), "failed", len(q.failed))
	}
	return q, nil
}

// NewAction encodes payload as JSON and builds an action ready for Enqueue.
func NewAction(name, endpoint, method string, payload any) (Action, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Action{}, fmt.Errorf("encode %s payload: %w", name, err)
	}
	return Action{Name: name, Endpoint: endpoint, Method: method, Payload: raw}, nil
}

// Enqueue appends a and persists the queue before returning. When the write fails the
// action stays queued in memory and the returned error is a *store.WriteError.
func (q *Queue) Enqueue(ctx context.Context, a Action) (Action, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.EnqueuedAt = q.now()
	a.RetryCount = 0
	a.NextAttemptAt = nil
	a.FailedAt = nil
	a.LastError = ""
	if a.MaxRetries <= 0 {
		a.MaxRetries = q.maxRetries
	}

	q.mu.Lock()
	q.pending = append(q.pending, a)
	err := q.persistLocked(ctx)
	q.mu.Unlock()

	q.logger.Info("sync action queued", "action_id", a.ID, "name", a.Name, "endpoint", a.Endpoint)
	return a, err
}

// SetOnline records connectivity. An offline to online transition starts a drain in the background.
func (q *Queue) SetOnline(online bool) {
	was := q.online.Swap(online)
	if online && !was {
		q.logger.Info("connectivity restored, draining sync queue")
		q.bg.Add(1)
		go func() {
			defer q.bg.Done()
			q.Drain(context.Background())
		}()
	}
}

// Watch follows connectivity events until ctx is done or events is closed.
func (q *Queue) Watch(ctx context.Context, events <-chan bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-events:
			if !ok {
				return
			}
			q.SetOnline(online)
		}
	}
}

// Drain attempts every eligible action once, oldest first. It returns false without doing
// anything when offline or when another drain is already running.
func (q *Queue) Drain(ctx context.Context) bool {
	if !q.online.Load() {
		return false
	}
	if !q.draining.CompareAndSwap(false, true) {
		return false
	}
	defer q.draining.Store(false)

	for _, id := range q.eligible() {
		if ctx.Err() != nil || !q.online.Load() {
			break
		}
		a, ok := q.lookup(id)
		if !ok {
			continue
		}
		// an action in flight is allowed to finish even if ctx is cancelled
		err := q.exec.Execute(context.WithoutCancel(ctx), a)
		q.settle(ctx, id, err)
	}
	return true
}

// Retry moves a permanently failed action back into the queue with a fresh retry budget.
func (q *Queue) Retry(ctx context.Context, id string) (Action, error) {
	q.mu.Lock()
	idx := -1
	for i, a := range q.failed {
		if a.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return Action{}, ErrActionNotFound
	}
	a := q.failed[idx]
	q.failed = append(q.failed[:idx], q.failed[idx+1:]...)
	a.RetryCount = 0
	a.FailedAt = nil
	a.NextAttemptAt = nil
	q.pending = append(q.pending, a)
	err := q.persistLocked(ctx)
	q.mu.Unlock()

	if q.online.Load() {
		q.bg.Add(1)
		go func() {
			defer q.bg.Done()
			q.Drain(context.Background())
		}()
	}
	return a, err
}

func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Status{
		Pending:  len(q.pending),
		Failed:   len(q.failed),
		Online:   q.online.Load(),
		Draining: q.draining.Load(),
	}
}

func (q *Queue) Pending() []Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Action(nil), q.pending...)
}

func (q *Queue) Failed() []Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Action(nil), q.failed...)
}

// Wait blocks until background drains started by SetOnline or Retry have finished.
func (q *Queue) Wait() {
	q.bg.Wait()
}

func (q *Queue) eligible() []string {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.pending))
	for _, a := range q.pending {
		if a.NextAttemptAt != nil && now.Before(*a.NextAttemptAt) {
			continue
		}
		ids = append(ids, a.ID)
	}
	return ids
}

func (q *Queue) lookup(id string) (Action, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, a := range q.pending {
		if a.ID == id {
			return a, true
		}
	}
	return Action{}, false
}

func (q *Queue) settle(ctx context.Context, id string, execErr error) {
	q.mu.Lock()
	idx := -1
	for i := range q.pending {
		if q.pending[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return
	}

	var exhausted *ExhaustedError
	if execErr == nil {
		q.pending = append(q.pending[:idx], q.pending[idx+1:]...)
	} else {
		a := &q.pending[idx]
		a.RetryCount++
		a.LastError = execErr.Error()
		if a.RetryCount >= a.MaxRetries {
			now := q.now()
			a.FailedAt = &now
			a.NextAttemptAt = nil
			q.failed = append(q.failed, *a)
			exhausted = &ExhaustedError{Action: *a}
			q.pending = append(q.pending[:idx], q.pending[idx+1:]...)
		} else if q.backoff > 0 {
			next := q.now().Add(q.backoff << (a.RetryCount - 1))
			a.NextAttemptAt = &next
		}
	}
	persistErr := q.persistLocked(context.WithoutCancel(ctx))
	q.mu.Unlock()

	switch {
	case execErr == nil:
		q.logger.Info("sync action delivered", "action_id", id)
	case exhausted != nil:
		q.logger.Error("sync action permanently failed", "action_id", id, "error", exhausted)
		if q.reporter != nil {
			q.reporter.ReportExhausted(exhausted)
		}
	default:
		q.logger.Warn("sync action failed, will retry", "action_id", id, "error", execErr)
	}
	if persistErr != nil {
		q.logger.Error("persist sync queue", "error", persistErr)
	}
}

func (q *Queue) persistLocked(ctx context.Context) error {
	raw, err := json.Marshal(snapshot{Version: 1, Pending: q.pending, Failed: q.failed})
	if err != nil {
		return err
	}
	if err := q.store.Set(ctx, StoreKey, raw); err != nil {
		return &store.WriteError{Key: StoreKey, Err: err}
	}
	return nil
}
