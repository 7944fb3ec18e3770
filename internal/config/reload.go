// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDuration = 500 * time.Millisecond

// Watch reloads bot files when they change until ctx is done. If the bots
// directory is unset or missing this is a no-op that returns when ctx does.
func (p *Provider) Watch(ctx context.Context) error {
	if p.dir == "" {
		<-ctx.Done()
		return nil
	}
	if _, err := os.Stat(p.dir); err != nil {
		p.logger.Info().
			Str("event", "config.watcher_disabled").
			Str("path", p.dir).
			Msg("bots directory missing, hot reload disabled")
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(p.dir); err != nil {
		return fmt.Errorf("watch bots dir: %w", err)
	}

	p.logger.Info().
		Str("event", "config.watcher_started").
		Str("path", p.dir).
		Msg("watching bot configs for changes")

	var (
		mu     sync.Mutex
		timers = make(map[string]*time.Timer)
		wg     sync.WaitGroup
	)
	defer func() {
		mu.Lock()
		for _, t := range timers {
			if t.Stop() {
				wg.Done()
			}
		}
		mu.Unlock()
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Str("event", "config.watcher_stopped").Msg("config watcher stopped")
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if botIDFromPath(ev.Name) == "" {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}

			p.logger.Debug().
				Str("event", "config.file_changed").
				Str("op", ev.Op.String()).
				Str("path", ev.Name).
				Msg("bot config changed")

			path := ev.Name
			mu.Lock()
			if t, exists := timers[path]; exists && t.Stop() {
				wg.Done()
			}
			wg.Add(1)
			var timer *time.Timer
			timer = time.AfterFunc(debounceDuration, func() {
				defer wg.Done()
				mu.Lock()
				if timers[path] == timer {
					delete(timers, path)
				}
				mu.Unlock()
				if err := p.reloadFile(path); err != nil {
					p.logger.Error().
						Err(err).
						Str("event", "config.auto_reload_failed").
						Msg("bot config reload failed, keeping previous values")
				}
			})
			timers[path] = timer
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Error().
				Err(err).
				Str("event", "config.watcher_error").
				Msg("config watcher error")
		}
	}
}
