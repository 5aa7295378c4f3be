// internal/config/watcher.go
package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/valpere/crawlguard/internal/utils"
)

var watcherLogger = utils.NewComponentLogger("config")

// Watcher reloads the configuration file when it changes and hands the new
// configuration to registered callbacks. Invalid edits are logged and
// ignored; the previous configuration stays in effect.
type Watcher struct {
	watcher    *fsnotify.Watcher
	configPath string

	mu        sync.RWMutex
	callbacks []func(*Config)
	stopped   bool
	done      chan struct{}
}

// NewWatcher starts watching configPath.
func NewWatcher(configPath string) (*Watcher, error) {
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Editors often replace the file instead of writing it, which drops a
	// watch on the file itself; the directory watch survives that.
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	w := &Watcher{
		watcher:    fw,
		configPath: abs,
		done:       make(chan struct{}),
	}
	go w.watch()
	return w, nil
}

// OnChange registers a callback to be called when the config changes
func (w *Watcher) OnChange(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

func (w *Watcher) watch() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.configPath {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.reload()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			watcherLogger.Warnf("config watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	w.mu.RLock()
	if w.stopped {
		w.mu.RUnlock()
		return
	}
	callbacks := make([]func(*Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.RUnlock()

	config, err := LoadFromFile(w.configPath)
	if err != nil {
		watcherLogger.Errorf("failed to reload config, keeping previous: %v", err)
		return
	}

	watcherLogger.Infof("configuration reloaded from %s", w.configPath)
	for _, callback := range callbacks {
		callback(config)
	}
}

// Close stops the watcher and waits for the event loop to exit.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	w.mu.Unlock()

	err := w.watcher.Close()
	<-w.done
	return err
}
