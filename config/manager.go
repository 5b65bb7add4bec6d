package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	ramlog "github.com/ramapi/ramapi/log"
)

const debounceInterval = 500 * time.Millisecond

// Manager holds the live configuration and reloads it when the backing
// file changes. Reloads are atomic: a config that fails validation is
// discarded and the previous one stays in effect.
type Manager struct {
	path string
	log  zerolog.Logger

	mu      sync.RWMutex
	current *Config

	subMu sync.RWMutex
	subs  []func(*Config)

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewManager loads the initial configuration from path (empty means
// defaults plus environment only).
func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Manager{
		path:    path,
		log:     ramlog.WithComponent("config"),
		current: cfg,
	}, nil
}

// Config returns the current configuration. Callers must not mutate it.
func (m *Manager) Config() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Subscribe registers fn to run with the new configuration after every
// successful reload.
func (m *Manager) Subscribe(fn func(*Config)) {
	m.subMu.Lock()
	m.subs = append(m.subs, fn)
	m.subMu.Unlock()
}

// Reload re-reads the file and swaps the configuration if it validates.
func (m *Manager) Reload() error {
	cfg, err := Load(m.path)
	if err != nil {
		m.log.Warn().Err(err).Msg("reload rejected, keeping current config")
		return err
	}

	m.mu.Lock()
	m.current = cfg
	m.mu.Unlock()

	m.subMu.RLock()
	subs := make([]func(*Config), len(m.subs))
	copy(subs, m.subs)
	m.subMu.RUnlock()
	for _, fn := range subs {
		fn(cfg)
	}

	m.log.Info().Str("path", m.path).Msg("configuration reloaded")
	return nil
}

// Watch reloads on file changes until ctx is done or Close is called.
// A no-op when the manager has no file.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watcher: %w", err)
	}
	if err := watcher.Add(m.path); err != nil {
		watcher.Close()
		return fmt.Errorf("config: watch %s: %w", m.path, err)
	}

	m.watcher = watcher
	m.done = make(chan struct{})
	go m.watchLoop(ctx)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context) {
	defer close(m.done)
	defer m.watcher.Close()

	// Editors fire bursts of events per save; collapse them into one
	// reload per debounce window.
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

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceInterval, func() {
				if err := m.Reload(); err != nil {
					m.log.Warn().Err(err).Msg("automatic reload failed")
				}
			})

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.log.Warn().Err(err).Msg("config watcher error")
		}
	}
}

// Close stops the watcher and waits for its goroutine.
func (m *Manager) Close() {
	if m.watcher == nil {
		return
	}
	m.watcher.Close()
	<-m.done
}
