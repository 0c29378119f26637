package store

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "session:b", []byte("two")))
	require.NoError(t, s.Set(ctx, "session:a", []byte("one")))
	require.NoError(t, s.Set(ctx, "queue", []byte("q")))
	require.NoError(t, s.Set(ctx, "session:a", []byte("one-v2")))

	v, err := s.Get(ctx, "session:a")
	require.NoError(t, err)
	assert.Equal(t, "one-v2", string(v))

	keys, err := s.ListKeys(ctx, "session:")
	require.NoError(t, err)
	assert.Equal(t, []string{"session:a", "session:b"}, keys)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestSQLiteStore(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()

	s, err := NewSQLite(context.Background(), db)
	require.NoError(t, err)
	exerciseStore(t, s)

	require.NoError(t, s.Set(context.Background(), "a_b", []byte("x")))
	require.NoError(t, s.Set(context.Background(), "axb", []byte("y")))
	keys, err := s.ListKeys(context.Background(), "a_")
	require.NoError(t, err)
	assert.Equal(t, []string{"a_b"}, keys)
}

func TestRedisStore(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	s := NewRedis(client, "device-1")
	exerciseStore(t, s)
	assert.True(t, srv.Exists("device-1:queue"))
}

type flakyStore struct {
	*Memory
	mu    sync.Mutex
	fails int
}

func (f *flakyStore) Set(ctx context.Context, key string, value []byte) error {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return errors.New("disk full")
	}
	f.mu.Unlock()
	return f.Memory.Set(ctx, key, value)
}

func TestAsyncWriterKeepsLatestValue(t *testing.T) {
	mem := NewMemory()
	w := NewAsyncWriter(mem, nil)
	defer w.Close()

	for i := 0; i < 20; i++ {
		w.Write("session:1", []byte{byte(i)})
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.Flush(ctx))

	v, err := mem.Get(context.Background(), "session:1")
	require.NoError(t, err)
	assert.Equal(t, []byte{19}, v)
}

func TestAsyncWriterReportsFailures(t *testing.T) {
	fs := &flakyStore{Memory: NewMemory(), fails: 1}
	w := NewAsyncWriter(fs, nil)

	var got *WriteError
	var mu sync.Mutex
	w.OnError = func(err *WriteError) {
		mu.Lock()
		got = err
		mu.Unlock()
	}

	w.Write("session:1", []byte("a"))
	require.NoError(t, w.Flush(context.Background()))
	w.Write("session:1", []byte("b"))
	w.Close()

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got)
	assert.Equal(t, "session:1", got.Key)
	assert.Equal(t, int64(1), w.Failures())

	v, err := fs.Get(context.Background(), "session:1")
	require.NoError(t, err)
	assert.Equal(t, "b", string(v))

	require.NoError(t, w.Flush(context.Background()))
}
