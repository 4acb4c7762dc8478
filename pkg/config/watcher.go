package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/polisai/polis-relay/pkg/relay"
)

// Reload statuses recorded on relay_config_reloads_total
const (
	ReloadSuccess = "success"
	ReloadFailure = "failure"
)

// ApplyFunc receives every successfully loaded configuration.
type ApplyFunc func(*Config) error

// ReconfigureDispatcher returns an ApplyFunc pushing the relay and retry
// sections into d.
func ReconfigureDispatcher(d *relay.Dispatcher) ApplyFunc {
	return func(cfg *Config) error {
		return d.Reconfigure(cfg.Relay, cfg.Retry)
	}
}

// Watcher reloads a configuration file when it changes.
type Watcher struct {
	path     string
	apply    ApplyFunc
	logger   *slog.Logger
	metrics  *relay.Metrics
	debounce time.Duration

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewWatcher creates a watcher for path. metrics may be nil.
func NewWatcher(path string, apply ApplyFunc, logger *slog.Logger, metrics *relay.Metrics) (*Watcher, error) {
	if apply == nil {
		return nil, fmt.Errorf("apply function cannot be nil")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		path:     abs,
		apply:    apply,
		logger:   logger,
		metrics:  metrics,
		debounce: time.Second,
		watcher:  fw,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// SetDebounce changes the quiet period before a reload. Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Start begins watching. The directory is watched because editors often
// replace files by rename.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch directory: %w", err)
	}
	w.running = true

	w.logger.Info("Config watcher started", "config_path", w.path)
	go w.loop(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return w.watcher.Close()
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	err := w.watcher.Close()
	<-w.done
	return err
}

// Reload loads the file now and applies it.
func (w *Watcher) Reload() error {
	start := time.Now()
	cfg, err := Load(w.path)
	if err == nil {
		err = w.apply(cfg)
	}
	if err != nil {
		w.metrics.RecordConfigReload(ReloadFailure)
		w.logger.Error("Config reload failed",
			"config_path", w.path,
			"error", err,
			"duration", time.Since(start),
		)
		return err
	}
	w.metrics.RecordConfigReload(ReloadSuccess)
	w.logger.Info("Config reload completed successfully",
		"config_path", w.path,
		"duration", time.Since(start),
	)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.matches(event) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("Config file event detected", "event", event.Op.String(), "file", event.Name)

			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Stop()
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			_ = w.Reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Config watcher error", "error", err)

		case <-w.stopCh:
			w.logger.Info("Config watcher stopped")
			return

		case <-ctx.Done():
			w.logger.Info("Config watcher context cancelled")
			return
		}
	}
}

func (w *Watcher) matches(event fsnotify.Event) bool {
	p, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	return p == w.path
}
