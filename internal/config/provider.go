package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Provider hands out the current verification settings snapshot and notifies
// subscribers when the backing file changes. The engine re-fetches from
// Current at the start of every challenge cycle, so settings edits take
// effect without restarting sessions.
type Provider struct {
	mu        sync.RWMutex
	settings  Settings
	listeners []func(Settings)

	path   string
	viper  *viper.Viper
	logger *logrus.Logger
}

// NewProvider creates a Provider seeded with the given settings.
func NewProvider(initial Settings, logger *logrus.Logger) *Provider {
	return &Provider{
		settings: initial,
		logger:   logger,
	}
}

// Current returns the current settings snapshot.
func (p *Provider) Current() Settings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.settings
}

// OnChange registers a callback invoked with each accepted settings update.
func (p *Provider) OnChange(fn func(Settings)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Update validates and installs a new snapshot, then notifies listeners.
// Invalid settings are rejected and the previous snapshot stays in force.
func (p *Provider) Update(s Settings) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("rejecting settings update: %w", err)
	}

	p.mu.Lock()
	p.settings = s
	listeners := make([]func(Settings), len(p.listeners))
	copy(listeners, p.listeners)
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
	return nil
}

// Watch starts watching the config file at path and hot-reloads the
// verification section whenever it changes on disk.
func (p *Provider) Watch(path string) error {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("watch config: %w", err)
	}

	p.mu.Lock()
	p.path = path
	p.viper = v
	p.mu.Unlock()

	v.OnConfigChange(func(e fsnotify.Event) {
		if p.logger != nil {
			p.logger.Infof("Settings file changed (%s), reloading", e.Name)
		}
		if err := p.Reload(); err != nil && p.logger != nil {
			p.logger.Errorf("Settings reload failed: %v", err)
		}
	})
	v.WatchConfig()

	return nil
}

// Reload re-reads the watched file and installs its verification section.
// Also invoked by the daemon on SIGHUP.
func (p *Provider) Reload() error {
	p.mu.RLock()
	v := p.viper
	p.mu.RUnlock()

	if v == nil {
		return fmt.Errorf("no config file is being watched")
	}

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reread config: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}

	return p.Update(cfg.Verification)
}
