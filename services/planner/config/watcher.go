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
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Watcher keeps the latest valid configuration for a file.
//
// Description:
//
//	The parent directory is watched so editors that replace the file by
//	rename are seen. A reload that fails to parse or validate is logged
//	and the previous configuration stays current. Running sessions keep
//	the configuration they started with.
//
// Thread Safety: Safe for concurrent use.
type Watcher struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[Config]
	watcher *fsnotify.Watcher

	mu        sync.Mutex
	callbacks []func(Config)

	done      chan struct{}
	closeOnce sync.Once
}

// NewWatcher loads path and starts watching it.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating config watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		path:    abs,
		logger:  logger,
		watcher: fsw,
		done:    make(chan struct{}),
	}
	w.current.Store(&cfg)
	go w.watchLoop()
	return w, nil
}

// Current returns the latest valid configuration.
func (w *Watcher) Current() Config {
	return *w.current.Load()
}

// OnChange registers fn to run after every successful reload.
func (w *Watcher) OnChange(fn func(Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Close stops watching.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.watcher.Close()
		<-w.done
	})
	return err
}

func (w *Watcher) watchLoop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	w.reload()
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload rejected, keeping previous", slog.String("path", w.path), slog.String("error", err.Error()))
		return
	}
	w.current.Store(&cfg)
	w.logger.Info("config reloaded", slog.String("path", w.path))

	w.mu.Lock()
	callbacks := append([]func(Config){}, w.callbacks...)
	w.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
}
