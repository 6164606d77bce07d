package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

func loadConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	switch filepath.Ext(path) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("decode TOML: unknown key %s", undecoded[0])
		}
	}
	return cfg, nil
}

// Loader holds the current configuration and reloads it when the file
// changes.
type Loader struct {
	path   string
	logger *slog.Logger

	mu       sync.RWMutex
	config   *Config
	onChange []func(old, new *Config)

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewLoader loads path once.
func NewLoader(path string, logger *slog.Logger) (*Loader, error) {
	if logger == nil {
		logger = slog.Default().With("component", "config")
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Loader{path: path, logger: logger, config: cfg}, nil
}

// Config returns the current configuration. Callers must not modify it.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// OnChange registers a callback run after each successful reload.
func (l *Loader) OnChange(cb func(old, new *Config)) {
	l.mu.Lock()
	l.onChange = append(l.onChange, cb)
	l.mu.Unlock()
}

// Reload reads the file again. An invalid file leaves the current
// configuration in place.
func (l *Loader) Reload() error {
	cfg, err := Load(l.path)
	if err != nil {
		return err
	}

	l.mu.Lock()
	old := l.config
	// Trust roots are read once at startup.
	cfg.Trust = old.Trust
	l.config = cfg
	callbacks := append([]func(old, new *Config){}, l.onChange...)
	l.mu.Unlock()

	for _, cb := range callbacks {
		cb(old, cfg)
	}
	return nil
}

// Watch reloads the configuration whenever its file is written, until ctx
// ends or Close is called.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Editors replace files, so watch the directory.
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	l.watcher = watcher
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.watchLoop(ctx)
	return nil
}

const debounceDelay = 100 * time.Millisecond

func (l *Loader) watchLoop(ctx context.Context) {
	defer close(l.done)

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(l.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, func() {
				if err := l.Reload(); err != nil {
					l.logger.Warn("config reload rejected", "path", l.path, "error", err)
					return
				}
				l.logger.Info("config reloaded", "path", l.path)
			})

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("config watcher error", "error", err)
		}
	}
}

// Close stops watching.
func (l *Loader) Close() error {
	if l.cancel == nil {
		return nil
	}
	l.cancel()
	err := l.watcher.Close()
	<-l.done
	return err
}
