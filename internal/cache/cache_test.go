// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMemoryCache_SetGetExpire(t *testing.T) {
	c := NewMemoryCache(0)
	defer c.Close()

	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Second))
	val, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v", string(val))

	now = now.Add(2 * time.Second)
	_, found, _ = c.Get(ctx, "k")
	assert.False(t, found)

	assert.Equal(t, 1, c.deleteExpired())
	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Evictions)
	assert.Equal(t, 0, stats.CurrentSize)
}

func TestMemoryCache_ValuesAreCopied(t *testing.T) {
	c := NewMemoryCache(0)
	defer c.Close()
	ctx := context.Background()

	buf := []byte("abc")
	require.NoError(t, c.Set(ctx, "k", buf, time.Minute))
	buf[0] = 'x'

	val, _, _ := c.Get(ctx, "k")
	assert.Equal(t, "abc", string(val))
}

func TestMemoryCache_Delete(t *testing.T) {
	c := NewMemoryCache(0)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	require.NoError(t, c.Delete(ctx, "k"))
	_, found, _ := c.Get(ctx, "k")
	assert.False(t, found)
}

func TestMemoryCache_CloseStopsJanitor(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	c := NewMemoryCache(5 * time.Millisecond)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}
