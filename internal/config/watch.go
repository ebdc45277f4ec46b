// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// =============================================================================
// CONFIG WATCHER
// =============================================================================

// DefaultWatchDebounce coalesces editor write bursts into one reload.
const DefaultWatchDebounce = 500 * time.Millisecond

// Watcher reloads the config file on change and hands validated configs
// to a callback. Invalid or unreadable files keep the previous config;
// the watcher never pushes a config that failed Validate.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(*Config)
	zlog     *zap.Logger

	fw     *fsnotify.Watcher
	cancel context.CancelFunc

	mu      sync.Mutex
	pending time.Time
}

// NewWatcher builds a watcher for the config file at path. onChange runs
// on the watcher goroutine with each successfully reloaded config.
func NewWatcher(path string, onChange func(*Config), zlog *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if zlog == nil {
		zlog = zap.NewNop()
	}
	return &Watcher{
		path:     path,
		debounce: DefaultWatchDebounce,
		onChange: onChange,
		zlog:     zlog,
		fw:       fw,
	}, nil
}

// Watch starts watching. The parent directory is watched rather than the
// file itself: editors and atomic writers replace the file by rename,
// which would silently detach a file-level watch.
func (w *Watcher) Watch() error {
	if err := w.fw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	go w.processEvents(ctx)
	go w.processPending(ctx)
	return nil
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.mu.Lock()
				w.pending = time.Now()
				w.mu.Unlock()
			}

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.zlog.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) processPending(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			w.mu.Lock()
			due := !w.pending.IsZero() && time.Since(w.pending) >= w.debounce
			if due {
				w.pending = time.Time{}
			}
			w.mu.Unlock()

			if due {
				w.reload()
			}
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.zlog.Warn("config reload rejected, keeping previous config",
			zap.String("path", w.path), zap.Error(err))
		return
	}
	w.zlog.Info("config reloaded", zap.String("path", w.path))
	w.onChange(cfg)
}

// Close stops watching and releases resources.
func (w *Watcher) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	return w.fw.Close()
}
