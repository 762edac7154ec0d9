// Package manager holds the loaded configuration and reloads it when the
// file on disk changes.
package manager

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"forward-proxy/internal/config"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// DefaultDebounce is how long Watch waits after the last file event before
// reloading.
const DefaultDebounce = 200 * time.Millisecond

// ConfigManager holds the current configuration snapshot. Snapshots are never
// modified after they are published.
type ConfigManager struct {
	mu         sync.RWMutex
	config     *config.Config
	path       string
	digest     [sha256.Size]byte
	reloadedAt time.Time

	// reloadMu serialises reloads triggered by the watcher.
	reloadMu sync.Mutex
	Debounce time.Duration
}

// New creates a ConfigManager serving cfg, which was loaded from configPath.
func New(cfg *config.Config, configPath string) *ConfigManager {
	cm := &ConfigManager{
		config:     cfg,
		path:       configPath,
		reloadedAt: time.Now(),
		Debounce:   DefaultDebounce,
	}
	if data, err := os.ReadFile(configPath); err == nil {
		cm.digest = sha256.Sum256(data)
	}
	return cm
}

// Get returns the current configuration. It is safe for concurrent use.
func (cm *ConfigManager) Get() *config.Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// ReloadedAt returns when the current snapshot was published.
func (cm *ConfigManager) ReloadedAt() time.Time {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.reloadedAt
}

// Reload reads and validates the file. It publishes and returns the new
// snapshot when the content changed; an invalid file leaves the current
// snapshot in place.
func (cm *ConfigManager) Reload() (*config.Config, bool, error) {
	data, err := os.ReadFile(cm.path)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read config file: %w", err)
	}
	digest := sha256.Sum256(data)

	cm.mu.RLock()
	unchanged := digest == cm.digest
	cm.mu.RUnlock()
	if unchanged {
		return cm.Get(), false, nil
	}

	cfg, err := config.Parse(data)
	if err != nil {
		return nil, false, err
	}
	cm.mu.Lock()
	cm.config = cfg
	cm.digest = digest
	cm.reloadedAt = time.Now()
	cm.mu.Unlock()
	return cfg, true, nil
}

// Watch reloads the configuration whenever the file changes and passes each
// new snapshot to onChange. It blocks until ctx is done. The parent
// directory is watched so editors that replace the file are handled.
func (cm *ConfigManager) Watch(ctx context.Context, onChange func(*config.Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(cm.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(target), err)
	}
	log.Info().Str("path", target).Msg("Watching config file for changes")

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	reload := func() {
		cm.reloadMu.Lock()
		defer cm.reloadMu.Unlock()
		if ctx.Err() != nil {
			return
		}
		cfg, changed, err := cm.Reload()
		if err != nil {
			log.Error().Err(err).Str("path", target).Msg("Config reload failed, keeping current configuration")
			return
		}
		if changed {
			log.Info().Str("path", target).Msg("Config reloaded")
			onChange(cfg)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			log.Debug().Str("path", event.Name).Str("op", event.Op.String()).Msg("Config file event")
			if timer == nil {
				timer = time.AfterFunc(cm.Debounce, reload)
			} else {
				timer.Reset(cm.Debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			log.Error().Err(err).Msg("Config watcher error")
		}
	}
}
