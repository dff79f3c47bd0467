// Package watcher hot-reloads the configuration file. Changes to the log
// level, solver keys, and the error-ban threshold apply without a restart.
package watcher

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/yuunie/flow2api/internal/config"
	"github.com/yuunie/flow2api/internal/util"
)

const reloadDebounce = 500 * time.Millisecond

// Watcher tails one config file and notifies subscribers on material change.
type Watcher struct {
	configPath string
	fsWatcher  *fsnotify.Watcher

	mu          sync.Mutex
	lastHash    string
	reloadTimer *time.Timer
	subscribers []func(*config.Config)

	done chan struct{}
}

// New builds a watcher for configPath. Subscribe before calling Start.
func New(configPath string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		configPath: configPath,
		fsWatcher:  fsWatcher,
		done:       make(chan struct{}),
	}
	if data, err := os.ReadFile(configPath); err == nil {
		w.lastHash = hashConfig(data)
	}
	return w, nil
}

// Subscribe registers a callback invoked with each successfully reloaded
// config.
func (w *Watcher) Subscribe(fn func(*config.Config)) {
	w.mu.Lock()
	w.subscribers = append(w.subscribers, fn)
	w.mu.Unlock()
}

// Start begins watching. Editors replace files rather than write in place,
// so the parent directory is watched and events are filtered by name.
func (w *Watcher) Start() error {
	if err := w.fsWatcher.Add(filepath.Dir(w.configPath)); err != nil {
		return err
	}
	go w.loop()
	log.Infof("watcher: watching %s", w.configPath)
	return nil
}

// Stop ends the watch loop and releases the inotify handle.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsWatcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Warnf("watcher: fsnotify error: %v", err)
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.reloadTimer != nil {
		w.reloadTimer.Stop()
	}
	w.reloadTimer = time.AfterFunc(reloadDebounce, w.reloadIfChanged)
}

func (w *Watcher) reloadIfChanged() {
	data, err := os.ReadFile(w.configPath)
	if err != nil {
		log.Errorf("watcher: failed to read config: %v", err)
		return
	}
	if len(data) == 0 {
		// Editors may truncate before writing; the write event follows.
		return
	}
	newHash := hashConfig(data)

	w.mu.Lock()
	unchanged := w.lastHash != "" && w.lastHash == newHash
	w.mu.Unlock()
	if unchanged {
		return
	}

	cfg, err := config.LoadConfig(w.configPath)
	if err != nil {
		log.Errorf("watcher: config reload failed, keeping previous config: %v", err)
		return
	}

	w.mu.Lock()
	w.lastHash = newHash
	subscribers := make([]func(*config.Config), len(w.subscribers))
	copy(subscribers, w.subscribers)
	w.mu.Unlock()

	util.SetLogLevel(cfg)
	log.Infof("watcher: config reloaded from %s", w.configPath)
	for _, fn := range subscribers {
		fn(cfg)
	}
}

func hashConfig(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
