// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"errors"
	"time"

	"github.com/ManuGH/botpipe/internal/resilience"
)

// Guarded wraps a Cache with a circuit breaker. While the breaker is open
// every call fails fast with resilience.ErrCircuitOpen, and callers fall
// back to their persistent store.
type Guarded struct {
	Cache
	breaker *resilience.CircuitBreaker
}

// NewGuarded returns c guarded by breaker.
func NewGuarded(c Cache, breaker *resilience.CircuitBreaker) *Guarded {
	return &Guarded{Cache: c, breaker: breaker}
}

// countable excludes caller cancellations from the failure count.
func countable(err error) bool {
	return !errors.Is(err, context.Canceled)
}

func (g *Guarded) Get(ctx context.Context, key string) (value []byte, found bool, err error) {
	err = g.breaker.Execute(func() error {
		var getErr error
		value, found, getErr = g.Cache.Get(ctx, key)
		return getErr
	}, countable)
	return value, found, err
}

func (g *Guarded) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return g.breaker.Execute(func() error {
		return g.Cache.Set(ctx, key, value, ttl)
	}, countable)
}

func (g *Guarded) Delete(ctx context.Context, key string) error {
	return g.breaker.Execute(func() error {
		return g.Cache.Delete(ctx, key)
	}, countable)
}

// Breaker returns the state of the guarding breaker.
func (g *Guarded) Breaker() resilience.State {
	return g.breaker.State()
}
