package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/wudi/isogate/internal/logging"
	"go.uber.org/zap"
)

// Watcher watches the configuration file and reports edits. The running
// route table is never swapped; callbacks receive the newly parsed config
// so the caller can tell the operator that a restart is needed.
type Watcher struct {
	watcher    *fsnotify.Watcher
	loader     *Loader
	configPath string
	callbacks  []func(*Config, error)
	mu         sync.Mutex
	debounce   time.Duration
	done       chan struct{}
}

// NewWatcher creates a new configuration watcher
func NewWatcher(configPath string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		watcher:    fsWatcher,
		loader:     NewLoader(),
		configPath: configPath,
		debounce:   500 * time.Millisecond,
		done:       make(chan struct{}),
	}, nil
}

// OnChange registers a callback invoked after the file changed. err is
// non-nil when the new contents fail to parse or validate.
func (w *Watcher) OnChange(callback func(*Config, error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching for configuration changes
func (w *Watcher) Start() error {
	// Watch the directory so editors that replace the file are seen
	dir := filepath.Dir(w.configPath)
	if err := w.watcher.Add(dir); err != nil {
		return err
	}

	go w.watch()
	return nil
}

func (w *Watcher) watch() {
	defer close(w.done)
	var debounceTimer *time.Timer

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				return
			}

			if filepath.Base(event.Name) != filepath.Base(w.configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, w.check)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("config watcher error", zap.Error(err))
		}
	}
}

// check parses the file and notifies callbacks
func (w *Watcher) check() {
	cfg, err := w.loader.Load(w.configPath)
	if err != nil {
		logging.Warn("configuration changed on disk but is invalid",
			zap.String("path", w.configPath),
			zap.Error(err),
		)
	} else {
		logging.Warn("configuration changed on disk; restart to apply",
			zap.String("path", w.configPath),
			zap.Int("routes", len(cfg.Routes)),
		)
	}

	w.mu.Lock()
	callbacks := make([]func(*Config, error), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	for _, cb := range callbacks {
		cb(cfg, err)
	}
}

// Stop stops watching for changes
func (w *Watcher) Stop() error {
	err := w.watcher.Close()
	<-w.done
	return err
}

// SetDebounce sets the debounce duration for file changes
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}
