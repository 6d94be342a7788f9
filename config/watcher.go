package config

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/driftlab/pulse/logging"
)

// Watcher watches a config file's directory for changes and triggers a
// reload callback. fsnotify editors often replace files (rename+create), so
// the directory is watched rather than the file itself.
type Watcher struct {
	watcher    *fsnotify.Watcher
	path       string
	debounce   time.Duration
	lastChange time.Time
	mu         sync.Mutex
	onReload   func(cfg *Config)
	logger     interface {
		Debugf(format string, args ...interface{})
		Infof(format string, args ...interface{})
		Errorf(format string, args ...interface{})
	}
}

// NewWatcher creates a watcher for the given config file. The onReload
// callback receives the freshly loaded config whenever the file changes and
// still parses; parse failures are logged and the previous config stays
// active.
func NewWatcher(path string, onReload func(cfg *Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	return &Watcher{
		watcher:  fsw,
		path:     path,
		debounce: 100 * time.Millisecond,
		onReload: onReload,
		logger:   logging.NewLogger("config-watcher"),
	}, nil
}

// Start begins watching for config changes. It blocks until the context is
// cancelled.
func (w *Watcher) Start(ctx context.Context) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, filepath.Base(w.path)) {
				continue
			}
			w.handleChange()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Errorf("Watcher error: %v", err)
		case <-ctx.Done():
			w.watcher.Close()
			return
		}
	}
}

// handleChange reloads the config with debouncing.
func (w *Watcher) handleChange() {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Debounce rapid writes
	if time.Since(w.lastChange) < w.debounce {
		return
	}
	w.lastChange = time.Now()

	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Errorf("Config reload failed, keeping previous config: %v", err)
		return
	}

	w.logger.Infof("Config reloaded: %s", filepath.Base(w.path))
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

// Close stops the watcher and releases resources.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
