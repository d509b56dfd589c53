package instance

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/openfroyo/warden/pkg/types"
)

// ConfigFile is the persisted instance configuration inside each instance directory.
const ConfigFile = ".warden_config.json"

// LoadConfig reads the instance configuration stored in dir.
func LoadConfig(dir string) (types.InstanceConfig, error) {
	var cfg types.InstanceConfig
	data, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		return cfg, fmt.Errorf("failed to read instance config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse instance config: %w", err)
	}
	if cfg.Path == "" {
		cfg.Path = dir
	}
	return cfg, nil
}

// SaveConfig writes cfg to its directory, replacing the previous file atomically.
func SaveConfig(cfg types.InstanceConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal instance config: %w", err)
	}
	tmp, err := os.CreateTemp(cfg.Path, ConfigFile+".*")
	if err != nil {
		return fmt.Errorf("failed to write instance config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write instance config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write instance config: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(cfg.Path, ConfigFile)); err != nil {
		return fmt.Errorf("failed to replace instance config: %w", err)
	}
	return nil
}

// settings is the Configurable half of an instance.
type settings struct {
	mu  sync.RWMutex
	cfg types.InstanceConfig
}

func newSettings(cfg types.InstanceConfig) *settings {
	return &settings{cfg: cfg}
}

func (s *settings) UUID() types.InstanceUUID { return s.cfg.UUID }

func (s *settings) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Name
}

func (s *settings) Description() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Description
}

func (s *settings) Port() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Port
}

func (s *settings) AutoStart() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.AutoStart
}

func (s *settings) RestartOnCrash() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.RestartOnCrash
}

func (s *settings) Path() string            { return s.cfg.Path }
func (s *settings) CreationTime() time.Time { return s.cfg.CreationTime }
func (s *settings) GameType() string        { return s.cfg.GameType }

// Config returns a copy of the current configuration.
func (s *settings) Config() types.InstanceConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg := s.cfg
	cfg.Args = append([]string(nil), s.cfg.Args...)
	return cfg
}

// update applies fn and persists the result. The in-memory config is only
// changed when the write succeeds.
func (s *settings) update(fn func(*types.InstanceConfig) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cfg
	if err := fn(&next); err != nil {
		return err
	}
	if err := SaveConfig(next); err != nil {
		return err
	}
	s.cfg = next
	return nil
}

func (s *settings) SetName(_ context.Context, name string) error {
	if name == "" {
		return badRequest("instance name is required")
	}
	return s.update(func(c *types.InstanceConfig) error { c.Name = name; return nil })
}

func (s *settings) SetDescription(_ context.Context, description string) error {
	return s.update(func(c *types.InstanceConfig) error { c.Description = description; return nil })
}

func (s *settings) SetAutoStart(_ context.Context, enabled bool) error {
	return s.update(func(c *types.InstanceConfig) error { c.AutoStart = enabled; return nil })
}

func (s *settings) SetRestartOnCrash(_ context.Context, enabled bool) error {
	return s.update(func(c *types.InstanceConfig) error { c.RestartOnCrash = enabled; return nil })
}
