package store

import (
	"context"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("store: key not found")

// Store is the key/value persistence used for session snapshots and the sync queue.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	ListKeys(ctx context.Context, prefix string) ([]string, error)
}

// WriteError wraps a failed persistence write. In-memory state is never dropped because of it.
type WriteError struct {
	Key string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("persist %q: %v", e.Key, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
