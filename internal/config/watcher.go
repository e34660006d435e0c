package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher monitors a file for changes and calls a callback when its content
// changes and still parses. It uses polling (not fsnotify) to keep
// dependencies minimal.
type Watcher[T any] struct {
	path     string
	interval time.Duration
	parse    func([]byte) (T, error)
	onChange func(old, new T)

	mu       sync.Mutex
	current  T
	done     chan struct{}
	stopOnce sync.Once

	// last known file state for change detection
	lastMtime time.Time
	lastHash  [sha256.Size]byte
}

type watchSettings struct {
	interval time.Duration
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*watchSettings)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(s *watchSettings) {
		if d > 0 {
			s.interval = d
		}
	}
}

// NewWatcher creates a config file watcher. It loads the initial config
// immediately and starts polling in a background goroutine.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher[*Config], error) {
	w, err := WatchFile(path, func(data []byte) (*Config, error) {
		return LoadFromReader(bytes.NewReader(data))
	}, onChange, opts...)
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	return w, nil
}

// WatchFile watches an arbitrary file, decoding it with parse. Invalid
// content is logged and the previous value is kept.
func WatchFile[T any](path string, parse func([]byte) (T, error), onChange func(old, new T), opts ...WatcherOption) (*Watcher[T], error) {
	s := watchSettings{interval: 5 * time.Second}
	for _, opt := range opts {
		opt(&s)
	}
	w := &Watcher[T]{
		path:     path,
		interval: s.interval,
		parse:    parse,
		onChange: onChange,
		done:     make(chan struct{}),
	}

	v, hash, mtime, err := w.loadAndHash()
	if err != nil {
		return nil, err
	}
	w.current = v
	w.lastHash = hash
	w.lastMtime = mtime

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid value.
func (w *Watcher[T]) Current() T {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop stops the file watcher.
func (w *Watcher[T]) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}

func (w *Watcher[T]) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check reads the file and, if it has changed and is valid, calls onChange
// and updates the current value.
func (w *Watcher[T]) check() {
	// Quick mtime check first to avoid hashing unchanged files.
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	mtime := w.lastMtime
	w.mu.Unlock()

	if info.ModTime().Equal(mtime) {
		return
	}

	v, hash, newMtime, err := w.loadAndHash()
	if err != nil {
		slog.Warn("config watcher: failed to load file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if hash == w.lastHash {
		// Touched but identical.
		w.lastMtime = newMtime
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current = v
	w.lastHash = hash
	w.lastMtime = newMtime
	w.mu.Unlock()

	slog.Info("config watcher: file reloaded", "path", w.path)

	// Outside the lock so the callback can call Current.
	if w.onChange != nil {
		w.onChange(old, v)
	}
}

func (w *Watcher[T]) loadAndHash() (T, [sha256.Size]byte, time.Time, error) {
	var (
		zero     T
		zeroHash [sha256.Size]byte
	)

	info, err := os.Stat(w.path)
	if err != nil {
		return zero, zeroHash, time.Time{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return zero, zeroHash, time.Time{}, err
	}

	v, err := w.parse(data)
	if err != nil {
		return zero, zeroHash, time.Time{}, err
	}
	return v, sha256.Sum256(data), info.ModTime(), nil
}
