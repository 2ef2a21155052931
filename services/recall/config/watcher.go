// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/AleutianRecall/services/recall/datatypes"
)

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = 250 * time.Millisecond

// Watcher hot-reloads a configuration file.
//
// # Description
//
// Watches the directory containing the file rather than the file itself,
// because editors and config management tools usually replace files by
// rename. Events for the file are debounced; when they settle the file is
// loaded and validated. A valid config is published atomically. An invalid
// one is logged and the previous config stays active.
//
// Only settings read per request (the multi-turn section) take effect on
// reload. Listener addresses, backends and the journal are fixed at startup.
//
// # Thread Safety
//
// Current and MultiTurnSettings are safe to call from any goroutine.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(*Config)

	current atomic.Pointer[Config]
	fsw     *fsnotify.Watcher

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	// Debounce is the settle window. Default: DefaultDebounce
	Debounce time.Duration

	// OnChange is called after each successful reload, from the watcher
	// goroutine. Optional.
	OnChange func(*Config)
}

// NewWatcher creates a watcher for path seeded with initial.
//
// # Inputs
//
//   - path: The YAML file initial was loaded from.
//   - initial: The active configuration. Must not be nil.
//   - opts: Optional settings. Nil uses defaults.
//
// # Outputs
//
//   - *Watcher: Not watching until Start is called.
//   - error: Non-nil if the fsnotify watcher cannot be created.
func NewWatcher(path string, initial *Config, opts *WatcherOptions) (*Watcher, error) {
	if initial == nil {
		return nil, errors.New("initial config must not be nil")
	}
	if path == "" {
		return nil, errors.New("config path must not be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:     abs,
		debounce: DefaultDebounce,
		fsw:      fsw,
		done:     make(chan struct{}),
	}
	if opts != nil {
		if opts.Debounce > 0 {
			w.debounce = opts.Debounce
		}
		w.onChange = opts.OnChange
	}
	w.current.Store(initial)
	return w, nil
}

// Current returns the active configuration. Callers must not modify it.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// MultiTurnSettings returns the active multi-turn section.
func (w *Watcher) MultiTurnSettings() datatypes.MultiTurnConfig {
	return w.current.Load().MultiTurn
}

// Start begins watching. Watching stops when ctx is cancelled or Stop is
// called. If the directory cannot be watched the watcher is stopped and
// cannot be restarted.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.fsw.Add(filepath.Dir(w.path)); err != nil {
		w.Stop()
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	w.wg.Add(1)
	go w.loop(ctx)

	slog.Info("Watching config file", "path", w.path)
	return nil
}

// Stop halts watching and waits for the goroutine to exit. Safe to call
// more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.fsw.Close()
	})
	w.wg.Wait()
}

// Reload loads the file now and publishes it if valid.
func (w *Watcher) Reload() error {
	cfg, err := Load(w.path)
	if err != nil {
		return err
	}
	w.current.Store(cfg)
	if w.onChange != nil {
		w.onChange(cfg)
	}
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerCh = timer.C

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("Config watcher error", "error", err)

		case <-timerCh:
			timerCh = nil
			if err := w.Reload(); err != nil {
				slog.Warn("Config reload rejected, keeping previous config", "path", w.path, "error", err)
				continue
			}
			slog.Info("Config reloaded", "path", w.path)
		}
	}
}
