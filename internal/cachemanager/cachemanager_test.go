package cachemanager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInMemory_SetGet(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCacheManager[string, int]("test", DefaultExpiration, DefaultCleanupInterval)

	_, found := c.Get(ctx, "missing")
	require.False(t, found)

	c.Set(ctx, "answer", 42, time.Minute)
	v, found := c.Get(ctx, "answer")
	require.True(t, found)
	require.Equal(t, 42, v)
}

func TestInMemory_Expiry(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCacheManager[string, string]("test", DefaultExpiration, DefaultCleanupInterval)

	c.Set(ctx, "k", "v", 20*time.Millisecond)
	require.Eventually(t, func() bool {
		_, found := c.Get(ctx, "k")
		return !found
	}, time.Second, 10*time.Millisecond)
}

func TestInMemory_DeleteAndFlush(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCacheManager[string, int]("test", DefaultExpiration, DefaultCleanupInterval)

	c.Set(ctx, "a", 1, time.Minute)
	c.Set(ctx, "b", 2, time.Minute)

	require.NoError(t, c.Delete(ctx, "a"))
	_, found := c.Get(ctx, "a")
	require.False(t, found)

	require.NoError(t, c.Flush(ctx))
	_, found = c.Get(ctx, "b")
	require.False(t, found)
}

func TestReadThrough_CachesComputedValue(t *testing.T) {
	ctx := context.Background()
	inner := NewInMemoryCacheManager[string, string]("test", DefaultExpiration, DefaultCleanupInterval)

	calls := 0
	rt := NewReadThroughCache(inner, func(_ context.Context, input string) (string, error) {
		calls++
		return "computed:" + input, nil
	}, false)

	v, err := rt.Get(ctx, "k", "in", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "computed:in", v)

	v, err = rt.Get(ctx, "k", "in", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "computed:in", v)
	require.Equal(t, 1, calls)
}

func TestReadThrough_ErrorsAreNotCached(t *testing.T) {
	ctx := context.Background()
	inner := NewInMemoryCacheManager[string, string]("test", DefaultExpiration, DefaultCleanupInterval)

	calls := 0
	rt := NewReadThroughCache(inner, func(_ context.Context, _ string) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("transient")
		}
		return "ok", nil
	}, false)

	_, err := rt.Get(ctx, "k", "in", time.Minute)
	require.Error(t, err)

	v, err := rt.Get(ctx, "k", "in", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "ok", v)
	require.Equal(t, 2, calls)
}

func TestReadThrough_SkipCache(t *testing.T) {
	ctx := context.Background()
	inner := NewInMemoryCacheManager[string, string]("test", DefaultExpiration, DefaultCleanupInterval)

	calls := 0
	rt := NewReadThroughCache(inner, func(_ context.Context, _ string) (string, error) {
		calls++
		return "v", nil
	}, true)

	for i := 0; i < 3; i++ {
		_, err := rt.Get(ctx, "k", "in", time.Minute)
		require.NoError(t, err)
	}
	require.Equal(t, 3, calls)
}
