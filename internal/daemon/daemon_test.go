// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/botpipe/internal/bus"
	"github.com/ManuGH/botpipe/internal/cache"
	"github.com/ManuGH/botpipe/internal/config"
	"github.com/ManuGH/botpipe/internal/kvs"
)

func testConfig(t *testing.T) config.AppConfig {
	t.Helper()
	cfg := config.Defaults()
	cfg.Database.Path = filepath.Join(t.TempDir(), "data", "botpipe.db")
	cfg.Bots.Dir = t.TempDir()
	cfg.HTTP.ListenAddr = "127.0.0.1:0"
	cfg.Log.Level = "error"
	cfg.Converse.BufferDelayMs = 20
	return cfg
}

// start runs d until the test ends and returns its base URL.
func start(t *testing.T, d *Daemon) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("daemon did not stop")
		}
		assert.NoError(t, d.Close())
	})

	require.Eventually(t, func() bool {
		return d.Addr() != "" && d.bus.Subscribers(bus.TopicIncomingProcessed) > 0
	}, 5*time.Second, 10*time.Millisecond)
	return "http://" + d.Addr()
}

func postConverse(t *testing.T, base, botID, userID, text string) (*http.Response, map[string]any) {
	t.Helper()
	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}, Timeout: 10 * time.Second}
	body := strings.NewReader(`{"type":"text","text":"` + text + `"}`)
	resp, err := client.Post(base+"/api/v1/bots/"+botID+"/converse/"+userID, "application/json", body)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestDaemon_ConverseRoundTrip(t *testing.T) {
	d, err := NewFromConfig(context.Background(), Config{Version: "test"}, testConfig(t))
	require.NoError(t, err)
	base := start(t, d)

	resp, body := postConverse(t, base, "welcome", "u1", "hi")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	responses, ok := body["responses"].([]any)
	require.True(t, ok, body)
	require.Len(t, responses, 1)
	assert.Equal(t, "You said: hi", responses[0].(map[string]any)["text"])

	decision, ok := body["decision"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "echo", decision["source"])

	user, err := d.store.GetUser(context.Background(), "api", "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", user.UserID)

	sess, err := d.store.GetSession(context.Background(), "welcome::api::u1")
	require.NoError(t, err)
	require.Len(t, sess.SessionData.LastMessages, 1)
	assert.Equal(t, "You said: hi", sess.SessionData.LastMessages[0].ReplyPreview)
}

func TestDaemon_BotOverridesApply(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Bots.Dir, "short.yaml"), []byte("converse:\n  maxMessageLength: 3\n"), 0o600))

	d, err := NewFromConfig(context.Background(), Config{Version: "test"}, cfg)
	require.NoError(t, err)
	base := start(t, d)

	resp, body := postConverse(t, base, "short", "u1", "hello")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)

	resp, _ = postConverse(t, base, "other", "u1", "hello")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDaemon_RedisCacheWiring(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Redis.Addr = mr.Addr()

	d, err := NewFromConfig(context.Background(), Config{Version: "test"}, cfg)
	require.NoError(t, err)
	require.NotNil(t, d.redis)
	_, guarded := d.cache.(*cache.Guarded)
	require.True(t, guarded)
	base := start(t, d)

	resp, _ := postConverse(t, base, "welcome", "u2", "hi")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, mr.Exists(cache.SessionKey("welcome::api::u2")))

	health, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	defer func() { _ = health.Body.Close() }()
	var hb map[string]any
	require.NoError(t, json.NewDecoder(health.Body).Decode(&hb))
	assert.Equal(t, http.StatusOK, health.StatusCode)
	assert.Equal(t, map[string]any{"sqlite": "ok", "redis": "ok"}, hb["checks"])
}

func TestDaemon_CacheSelection(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Session.CacheEnabled = true
		d, err := NewFromConfig(context.Background(), Config{}, cfg)
		require.NoError(t, err)
		defer func() { _ = d.Close() }()
		_, isMemory := d.cache.(*cache.MemoryCache)
		assert.True(t, isMemory)
	})

	t.Run("none", func(t *testing.T) {
		d, err := NewFromConfig(context.Background(), Config{}, testConfig(t))
		require.NoError(t, err)
		defer func() { _ = d.Close() }()
		assert.Nil(t, d.cache)
		assert.False(t, d.sessions.CacheEnabled())
	})
}

func TestDaemon_UnreachableRedisFailsStartup(t *testing.T) {
	cfg := testConfig(t)
	cfg.Redis.Addr = "127.0.0.1:1"
	cfg.KVS.Path = t.TempDir()

	d, err := NewFromConfig(context.Background(), Config{}, cfg)
	require.Error(t, err)
	assert.Nil(t, d)
	assert.Contains(t, err.Error(), "open session cache")

	// The bot state store opened before the cache must have been released.
	bots, err := kvs.OpenBadgerStore(cfg.KVS.Path)
	require.NoError(t, err)
	assert.NoError(t, bots.Close())
}

func TestDaemon_UnreadableBotsDirFailsStartup(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bots.Dir = filepath.Join(t.TempDir(), "bots.yaml")
	require.NoError(t, os.WriteFile(cfg.Bots.Dir, []byte("not a directory\n"), 0o600))

	d, err := NewFromConfig(context.Background(), Config{}, cfg)
	require.Error(t, err)
	assert.Nil(t, d)
	assert.Contains(t, err.Error(), "failed to load bot configs")
}

func TestNew_LoadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "database:\n  path: " + filepath.Join(dir, "botpipe.db") + "\n" +
		"bots:\n  dir: " + filepath.Join(dir, "bots") + "\n" +
		"log:\n  level: error\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	d, err := New(context.Background(), Config{ConfigPath: path, Version: "1.2.3"})
	require.NoError(t, err)
	defer func() { _ = d.Close() }()

	assert.Equal(t, "1.2.3", d.app.Version)
	assert.Equal(t, filepath.Join(dir, "botpipe.db"), d.app.Database.Path)
}

func TestNew_RejectsUnknownConfigKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nope: true\n"), 0o600))

	_, err := New(context.Background(), Config{ConfigPath: path})
	require.ErrorIs(t, err, config.ErrUnknownConfigField)
}
