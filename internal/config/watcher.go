package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of events editors emit on save.
const reloadDebounce = 250 * time.Millisecond

// Watcher re-reads the YAML overlay when it changes and hands the new
// config to registered callbacks. The base config is kept so each reload
// starts from env values rather than the previous overlay.
type Watcher struct {
	path   string
	base   Config
	logger *slog.Logger

	mu       sync.RWMutex
	current  *Config
	onChange []func(*Config)
}

func NewWatcher(cfg *Config, logger *slog.Logger) (*Watcher, error) {
	if cfg.File == "" {
		return nil, fmt.Errorf("config watcher: no config file")
	}
	if logger == nil {
		logger = slog.Default()
	}
	base := *cfg
	if cfg.env != nil {
		base = *cfg.env
	}
	base.Fx.Rates = copyRates(base.Fx.Rates)
	return &Watcher{
		path:    cfg.File,
		base:    base,
		logger:  logger.With("component", "config_watcher"),
		current: cfg,
	}, nil
}

// Config returns the latest successfully loaded config.
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers fn to run after every successful reload.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// Reload re-reads the file. An invalid file leaves the current config in
// place and returns the error.
func (w *Watcher) Reload() (*Config, error) {
	next := w.base
	next.Fx.Rates = copyRates(w.base.Fx.Rates)
	if err := next.ApplyFile(w.path); err != nil {
		return nil, err
	}
	if err := next.validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", w.path, err)
	}

	w.mu.Lock()
	w.current = &next
	callbacks := make([]func(*Config), len(w.onChange))
	copy(callbacks, w.onChange)
	w.mu.Unlock()

	for _, fn := range callbacks {
		fn(&next)
	}
	return &next, nil
}

// Run watches the file's directory until ctx is done. Watching the
// directory survives editors that replace the file on save.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("config watcher add %s: %w", w.path, err)
	}
	target := filepath.Clean(w.path)

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				debounce = time.After(reloadDebounce)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", "error", err)
		case <-debounce:
			debounce = nil
			if _, err := w.Reload(); err != nil {
				w.logger.Error("config reload failed, keeping previous config", "path", w.path, "error", err)
				continue
			}
			w.logger.Info("config reloaded", "path", w.path)
		}
	}
}

func copyRates(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
