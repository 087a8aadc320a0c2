package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const debounceDelay = 500 * time.Millisecond

// Watcher reloads the config file when it changes and notifies subscribers.
type Watcher struct {
	path      string
	logger    *zap.Logger
	watcher   *fsnotify.Watcher
	mu        sync.RWMutex
	config    *Config
	callbacks []func(*Config)
}

// NewWatcher watches path for changes. The directory is watched so that
// editors that replace the file by rename are picked up.
func NewWatcher(path string, initial *Config, logger *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	return &Watcher{
		path:    filepath.Clean(path),
		logger:  logger.Named("config"),
		watcher: fsw,
		config:  initial,
	}, nil
}

// OnChange registers a callback invoked with each successfully reloaded config.
func (w *Watcher) OnChange(cb func(*Config)) {
	w.mu.Lock()
	w.callbacks = append(w.callbacks, cb)
	w.mu.Unlock()
}

// Current returns the latest valid configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

// Run processes file events until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Info("config file changed", zap.String("op", ev.Op.String()))
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload rejected", zap.Error(err))
		return
	}

	w.mu.Lock()
	old := w.config
	w.config = cfg
	callbacks := make([]func(*Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	logChanges(w.logger, old, cfg)

	for i, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("config callback panicked", zap.Int("callback", i), zap.Any("panic", r))
				}
			}()
			cb(cfg)
		}()
	}
}

func logChanges(logger *zap.Logger, old, new *Config) {
	if old.Emergency != new.Emergency {
		logger.Info("emergency settings changed",
			zap.String("threshold", new.Emergency.Threshold),
			zap.Duration("action_window", new.Emergency.ActionWindow))
	}
	if old.Classifier.Timeout != new.Classifier.Timeout {
		logger.Info("classifier timeout changed", zap.Duration("timeout", new.Classifier.Timeout))
	}
	if old.Alert.MaxAttempts != new.Alert.MaxAttempts || old.Alert.BaseBackoff != new.Alert.BaseBackoff ||
		old.Alert.MaxBackoff != new.Alert.MaxBackoff {
		logger.Info("alert retry policy changed",
			zap.Int("max_attempts", new.Alert.MaxAttempts),
			zap.Duration("base_backoff", new.Alert.BaseBackoff),
			zap.Duration("max_backoff", new.Alert.MaxBackoff))
	}
	if old.DBPath != new.DBPath || old.HTTP.Addr != new.HTTP.Addr || old.Pipeline != new.Pipeline {
		logger.Warn("db, http and pipeline settings take effect on restart")
	}
}
