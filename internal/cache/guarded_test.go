// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/botpipe/internal/resilience"
)

func TestGuarded_OpensOnRedisErrors(t *testing.T) {
	mr, rc := setupMiniRedis(t)
	g := NewGuarded(rc, resilience.NewCircuitBreaker("test.redis", 2, time.Hour))
	ctx := context.Background()

	require.NoError(t, g.Set(ctx, "k", []byte("v"), time.Minute))
	val, found, err := g.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v", string(val))

	mr.SetError("ERR injected failure")
	for i := 0; i < 2; i++ {
		_, _, err := g.Get(ctx, "k")
		require.Error(t, err)
		assert.NotErrorIs(t, err, resilience.ErrCircuitOpen)
	}
	assert.Equal(t, resilience.StateOpen, g.Breaker())

	mr.SetError("")
	_, _, err = g.Get(ctx, "k")
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.ErrorIs(t, g.Delete(ctx, "k"), resilience.ErrCircuitOpen)
}

func TestGuarded_MissIsNotAFailure(t *testing.T) {
	g := NewGuarded(NewMemoryCache(time.Minute), resilience.NewCircuitBreaker("test.memory", 1, time.Hour))
	t.Cleanup(func() { _ = g.Close() })

	for i := 0; i < 3; i++ {
		_, found, err := g.Get(context.Background(), "missing")
		require.NoError(t, err)
		assert.False(t, found)
	}
	assert.Equal(t, resilience.StateClosed, g.Breaker())
}

func TestGuarded_CancellationIsNotCounted(t *testing.T) {
	_, rc := setupMiniRedis(t)
	g := NewGuarded(rc, resilience.NewCircuitBreaker("test.cancel", 1, time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := g.Get(ctx, "k")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, resilience.StateClosed, g.Breaker())
}
