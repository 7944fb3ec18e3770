// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockClock struct {
	now time.Time
}

func (m *mockClock) Now() time.Time { return m.now }

var errDown = errors.New("connection refused")

func fail() error    { return errDown }
func succeed() error { return nil }

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	cb := NewCircuitBreaker("cache", 3, 10*time.Second, WithClock(clock))

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, cb.Execute(fail, nil), errDown)
	}
	assert.Equal(t, StateClosed, cb.State())

	assert.ErrorIs(t, cb.Execute(fail, nil), errDown)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(func() error { called = true; return nil }, nil)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker("cache", 2, time.Second)

	_ = cb.Execute(fail, nil)
	require.NoError(t, cb.Execute(succeed, nil))
	_ = cb.Execute(fail, nil)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	cb := NewCircuitBreaker("cache", 1, 10*time.Second, WithClock(clock))

	_ = cb.Execute(fail, nil)
	require.Equal(t, StateOpen, cb.State())

	clock.now = clock.now.Add(11 * time.Second)
	assert.ErrorIs(t, cb.Execute(fail, nil), errDown, "failed probe")
	assert.Equal(t, StateOpen, cb.State())

	clock.now = clock.now.Add(11 * time.Second)
	require.NoError(t, cb.Execute(succeed, nil))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_SingleProbeInFlight(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	cb := NewCircuitBreaker("cache", 1, time.Second, WithClock(clock))
	_ = cb.Execute(fail, nil)
	clock.now = clock.now.Add(2 * time.Second)

	err := cb.Execute(func() error {
		assert.ErrorIs(t, cb.Execute(succeed, nil), ErrCircuitOpen)
		return nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_UncountedErrorsPassThrough(t *testing.T) {
	errMiss := errors.New("miss")
	cb := NewCircuitBreaker("cache", 1, time.Second)

	err := cb.Execute(func() error { return errMiss }, func(err error) bool { return !errors.Is(err, errMiss) })
	assert.ErrorIs(t, err, errMiss)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_PanicRecordsFailure(t *testing.T) {
	cb := NewCircuitBreaker("cache", 1, time.Second, WithPanicRecovery(true))

	assert.Panics(t, func() {
		_ = cb.Execute(func() error { panic("boom") }, nil)
	})
	assert.Equal(t, StateOpen, cb.State())
}
