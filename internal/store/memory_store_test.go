package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemoryIdempotencyStore_GetSet(t *testing.T) {
	s := NewMemoryIdempotencyStore(10, zap.NewNop())
	defer s.Close()
	ctx := context.Background()

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "k", []byte(`{"ok":true}`), time.Hour))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(got))

	require.NoError(t, s.Delete(ctx, "k"))
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryIdempotencyStore_SetNX(t *testing.T) {
	s := NewMemoryIdempotencyStore(10, zap.NewNop())
	defer s.Close()
	ctx := context.Background()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	ok, err := s.SetNX(ctx, "k", []byte("first"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetNX(ctx, "k", []byte("second"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))

	// An expired entry no longer holds the key
	now = now.Add(2 * time.Minute)
	ok, err = s.SetNX(ctx, "k", []byte("third"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	got, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "third", string(got))
}

func TestMemoryIdempotencyStore_Expiry(t *testing.T) {
	s := NewMemoryIdempotencyStore(10, zap.NewNop())
	defer s.Close()
	ctx := context.Background()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
	now = now.Add(2 * time.Minute)

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryIdempotencyStore_EvictsClosestToExpiry(t *testing.T) {
	s := NewMemoryIdempotencyStore(2, zap.NewNop())
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "short", []byte("1"), time.Minute))
	require.NoError(t, s.Set(ctx, "long", []byte("2"), time.Hour))
	require.NoError(t, s.Set(ctx, "new", []byte("3"), time.Hour))

	assert.Equal(t, 2, s.Size())
	_, err := s.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "long")
	assert.NoError(t, err)
}

func TestLocalSweepLock(t *testing.T) {
	l := NewLocalSweepLock()
	ctx := context.Background()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.nowFn = func() time.Time { return now }

	ok, err := l.TryAcquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.TryAcquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	ok, err = l.TryAcquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired holder is replaced")

	require.NoError(t, l.Release(ctx, "sweep"))
	ok, err = l.TryAcquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLiteDSN(t *testing.T) {
	dsn := sqliteDSN("/tmp/floor.db", 2*time.Second)
	assert.Contains(t, dsn, "/tmp/floor.db?")
	assert.Contains(t, dsn, "_txlock=immediate")
	assert.Contains(t, dsn, "busy_timeout%282000%29")
}
