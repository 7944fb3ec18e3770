// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package kvs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerStore_BotStateRoundTrip(t *testing.T) {
	s, err := OpenBadgerStore("")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	got, err := s.GetBotState(ctx, "bot1")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.SetBotState(ctx, "bot1", map[string]any{"counter": 3.0}))
	got, err = s.GetBotState(ctx, "bot1")
	require.NoError(t, err)
	assert.Equal(t, 3.0, got["counter"])

	other, err := s.GetBotState(ctx, "bot2")
	require.NoError(t, err)
	assert.Empty(t, other)

	require.NoError(t, s.DeleteBotState(ctx, "bot1"))
	got, err = s.GetBotState(ctx, "bot1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBadgerStore_PersistsOnDisk(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := OpenBadgerStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.SetBotState(ctx, "bot1", map[string]any{"greeting": "hi"}))
	require.NoError(t, s.Close())

	s, err = OpenBadgerStore(dir)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetBotState(ctx, "bot1")
	require.NoError(t, err)
	assert.Equal(t, "hi", got["greeting"])
}
