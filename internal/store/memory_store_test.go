package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore() (*MemoryStore, *time.Time) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore()
	s.Now = func() time.Time { return now }
	return s, &now
}

func TestMemoryStoreIncrementAndExpire(t *testing.T) {
	s, now := newTestStore()
	ctx := context.Background()

	n, err := s.IncrementAndExpire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.IncrementAndExpire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Past the TTL the counter restarts from zero.
	*now = now.Add(2 * time.Minute)
	n, err = s.IncrementAndExpire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemoryStoreGetIntExpiry(t *testing.T) {
	s, now := newTestStore()
	ctx := context.Background()

	_, err := s.IncrementAndExpire(ctx, "k", time.Minute)
	require.NoError(t, err)

	n, err := s.GetInt(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	*now = now.Add(61 * time.Second)
	n, err = s.GetInt(ctx, "k")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.GetInt(ctx, "missing")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryStoreDecrementClampsAtZero(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	_, err := s.IncrementAndExpire(ctx, "k", time.Minute)
	require.NoError(t, err)

	n, err := s.Decrement(ctx, "k")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.Decrement(ctx, "k")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.Decrement(ctx, "missing")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryStoreHashOperations(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	require.NoError(t, s.HashSet(ctx, "blocks", "1.2.3.4", "a"))
	require.NoError(t, s.HashSet(ctx, "blocks", "5.6.7.8", "b"))

	all, err := s.HashGetAll(ctx, "blocks")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"1.2.3.4": "a", "5.6.7.8": "b"}, all)

	require.NoError(t, s.HashDelete(ctx, "blocks", "1.2.3.4"))
	all, err = s.HashGetAll(ctx, "blocks")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"5.6.7.8": "b"}, all)

	all, err = s.HashGetAll(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestMemoryStoreListPushBounded(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.ListPush(ctx, "log", v, 3, time.Minute))
	}

	// Newest first, oldest trimmed past the cap.
	assert.Equal(t, []string{"d", "c", "b"}, s.ListRange("log", 10))
	assert.Equal(t, []string{"d"}, s.ListRange("log", 1))
}
