package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const writeTimeout = 5 * time.Second

// AsyncWriter moves snapshot writes off the caller's goroutine. Only the newest pending
// value per key is kept; a failed write is logged and left for the next snapshot of that key.
type AsyncWriter struct {
	store  Store
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string][]byte
	order   []string

	wake    chan struct{}
	flushCh chan chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once

	failures atomic.Int64
	OnError  func(*WriteError)
}

func NewAsyncWriter(s Store, logger *slog.Logger) *AsyncWriter {
	if logger == nil {
		logger = slog.Default()
	}
	w := &AsyncWriter{
		store:   s,
		logger:  logger,
		pending: map[string][]byte{},
		wake:    make(chan struct{}, 1),
		flushCh: make(chan chan struct{}),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w
}

// Write schedules value for key and returns immediately.
func (w *AsyncWriter) Write(key string, value []byte) {
	w.mu.Lock()
	if _, ok := w.pending[key]; !ok {
		w.order = append(w.order, key)
	}
	w.pending[key] = value
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Flush blocks until everything written before the call has been attempted.
func (w *AsyncWriter) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case w.flushCh <- ack:
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close writes whatever is pending and stops the writer goroutine.
func (w *AsyncWriter) Close() {
	w.once.Do(func() { close(w.stop) })
	<-w.done
}

func (w *AsyncWriter) Failures() int64 {
	return w.failures.Load()
}

func (w *AsyncWriter) loop() {
	defer close(w.done)
	for {
		select {
		case <-w.wake:
			w.writePending()
		case ack := <-w.flushCh:
			w.writePending()
			close(ack)
		case <-w.stop:
			w.writePending()
			return
		}
	}
}

func (w *AsyncWriter) writePending() {
	w.mu.Lock()
	batch, order := w.pending, w.order
	w.pending, w.order = map[string][]byte{}, nil
	w.mu.Unlock()

	for _, key := range order {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := w.store.Set(ctx, key, batch[key])
		cancel()
		if err != nil {
			werr := &WriteError{Key: key, Err: err}
			w.failures.Add(1)
			w.logger.Error("snapshot write failed", "key", key, "error", err)
			if w.OnError != nil {
				w.OnError(werr)
			}
		}
	}
}
