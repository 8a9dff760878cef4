package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

const defaultPollInterval = 5 * time.Second

// ApplyFunc receives the new config together with what changed. It is only
// called for edits that produce a non-empty [ConfigDiff].
type ApplyFunc func(cur *Config, d ConfigDiff)

// fileStamp identifies one revision of the config file.
type fileStamp struct {
	size  int64
	mtime time.Time
	sum   [sha256.Size]byte
}

// Watcher re-reads a config file while [Watcher.Run] is active and hands
// effective changes to an [ApplyFunc]. An edit that fails to parse or
// validate is logged and the previous config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	apply    ApplyFunc

	mu      sync.Mutex
	current *Config
	stamp   fileStamp
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithPollInterval sets how often Run stats the file. Default: 5s.
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path once and returns a watcher holding it. Polling
// starts with Run.
func NewWatcher(path string, apply ApplyFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: defaultPollInterval, apply: apply}
	for _, o := range opts {
		o(w)
	}
	cfg, stamp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.stamp = cfg, stamp
	return w, nil
}

// Current returns the last valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls the file until ctx ends. It always returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if !w.touched() {
				continue
			}
			if _, err := w.Reload(); err != nil {
				slog.Warn("config: reload rejected, keeping previous config", "path", w.path, "err", err)
			}
		}
	}
}

// touched reports whether size or mtime moved since the last read.
func (w *Watcher) touched() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config: stat failed", "path", w.path, "err", err)
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return info.Size() != w.stamp.size || !info.ModTime().Equal(w.stamp.mtime)
}

// Reload reads the file now, regardless of its timestamps, and applies it
// when the content differs. The returned diff is empty when nothing changed.
func (w *Watcher) Reload() (ConfigDiff, error) {
	cfg, stamp, err := w.read()
	if err != nil {
		return ConfigDiff{}, err
	}

	w.mu.Lock()
	if stamp.sum == w.stamp.sum {
		w.stamp = stamp
		w.mu.Unlock()
		return ConfigDiff{}, nil
	}
	old := w.current
	w.current, w.stamp = cfg, stamp
	w.mu.Unlock()

	d := Diff(old, cfg)
	if d.Empty() {
		return d, nil
	}
	slog.Info("config: reloaded", "path", w.path, "restart_required", d.RestartRequired)
	if w.apply != nil {
		w.apply(cfg, d)
	}
	return d, nil
}

func (w *Watcher) read() (*Config, fileStamp, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileStamp{}, err
	}
	return cfg, fileStamp{size: info.Size(), mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
