// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvider_BotOverrideElsePlatform(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bot1.yaml", `
converse:
  timeout: 9s
  maxMessageLength: 100
dialog:
  timeoutInterval: 1m
`)
	writeFile(t, dir, "notes.txt", "ignored")

	cfg := Defaults()
	cfg.Bots.Dir = dir
	p := NewProvider(cfg)
	require.NoError(t, p.LoadBots())

	c := p.Converse("bot1")
	assert.Equal(t, 9*time.Second, c.Timeout)
	assert.Equal(t, 100, c.MaxMessageLength)
	assert.Equal(t, 250*time.Millisecond, c.BufferDelay)

	d := p.Dialog("bot1")
	assert.Equal(t, time.Minute, d.TimeoutInterval)
	assert.Equal(t, 30*time.Minute, d.SessionTimeoutInterval)

	other := p.Converse("bot2")
	assert.Equal(t, 5*time.Second, other.Timeout)
	assert.Equal(t, 360, other.MaxMessageLength)
	assert.Equal(t, []string{"bot1"}, p.Bots())
}

func TestProvider_InvalidBotFileIsSkipped(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bad.yaml", "converse:\n  timeout: -1s\n")

	cfg := Defaults()
	cfg.Bots.Dir = dir
	p := NewProvider(cfg)
	require.NoError(t, p.LoadBots())
	assert.Empty(t, p.Bots())
}

func TestProvider_MissingDirIsNotAnError(t *testing.T) {
	cfg := Defaults()
	cfg.Bots.Dir = filepath.Join(t.TempDir(), "absent")
	require.NoError(t, NewProvider(cfg).LoadBots())
}

func TestProvider_WatchReloadsAndKeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bot1.yaml", "converse:\n  timeout: 3s\n")

	cfg := Defaults()
	cfg.Bots.Dir = dir
	p := NewProvider(cfg)
	require.NoError(t, p.LoadBots())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Watch(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("converse:\n  timeout: 7s\n"), 0o600))
	require.Eventually(t, func() bool {
		return p.Converse("bot1").Timeout == 7*time.Second
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("converse:\n  bogus: 1\n"), 0o600))
	time.Sleep(debounceDuration + 300*time.Millisecond)
	assert.Equal(t, 7*time.Second, p.Converse("bot1").Timeout)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		return p.Converse("bot1").Timeout == 5*time.Second
	}, 5*time.Second, 50*time.Millisecond)
}
