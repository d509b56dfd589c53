package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/warden/pkg/telemetry"
)

// DefaultPath is where the daemon looks for its configuration when none is given.
const DefaultPath = "warden.yaml"

// Config is the daemon configuration.
type Config struct {
	// DataDir holds the event store and any other daemon state.
	DataDir string `yaml:"data_dir" validate:"required"`

	// InstancesDir holds one directory per instance. Relative paths are
	// resolved against DataDir.
	InstancesDir string `yaml:"instances_dir" validate:"required"`

	// MacrosDir holds the global macro scripts, resolved like InstancesDir.
	MacrosDir string `yaml:"macros_dir" validate:"required"`

	Events    EventsConfig      `yaml:"events"`
	Sandbox   SandboxConfig     `yaml:"sandbox"`
	Macro     MacroConfig       `yaml:"macro"`
	Instances InstancesConfig   `yaml:"instances"`
	Store     StoreConfig       `yaml:"store"`
	Telemetry *telemetry.Config `yaml:"telemetry" validate:"required"`
}

// EventsConfig sizes the event bus.
type EventsConfig struct {
	// Capacity is the per-subscriber backlog before the oldest events are dropped.
	Capacity int `yaml:"capacity" validate:"gte=1"`
}

// SandboxConfig selects where sandboxed workers run.
type SandboxConfig struct {
	// Host is "local" (in-process Starlark and WASM) or "runner" (one
	// warden-runner process per worker).
	Host string `yaml:"host" validate:"oneof=local runner"`

	// RunnerPath is the warden-runner executable.
	RunnerPath string `yaml:"runner_path" validate:"required_if=Host runner"`

	// RunnerStartupTimeout bounds the wait for a runner to report ready.
	RunnerStartupTimeout time.Duration `yaml:"runner_startup_timeout" validate:"gte=0"`

	// CallTimeout bounds read calls into instance workers.
	CallTimeout time.Duration `yaml:"call_timeout" validate:"gte=0"`

	// MaxSteps caps Starlark execution steps per call; 0 is unlimited.
	MaxSteps uint64 `yaml:"max_steps"`

	// MemoryLimitPages caps WASM worker memory in 64KiB pages.
	MemoryLimitPages uint32 `yaml:"memory_limit_pages" validate:"lte=65536"`

	// PolicyDir holds Rego policies restricting the ops granted to workers.
	// Empty means built-in policies only.
	PolicyDir string `yaml:"policy_dir"`

	// WatchPolicies reloads PolicyDir when it changes.
	WatchPolicies bool `yaml:"watch_policies"`
}

// MacroConfig configures the macro executor.
type MacroConfig struct {
	// Retention is how long finished macros stay in the task list.
	Retention time.Duration `yaml:"retention" validate:"gte=0"`
}

// InstancesConfig configures instance lifecycle defaults.
type InstancesConfig struct {
	// StopTimeout is used when an instance config sets none.
	StopTimeout time.Duration `yaml:"stop_timeout" validate:"gte=0"`

	// AutoStart starts instances flagged auto_start when the daemon starts.
	AutoStart bool `yaml:"auto_start"`
}

// StoreConfig configures the event store.
type StoreConfig struct {
	// Enabled persists every event published on the bus.
	Enabled bool `yaml:"enabled"`

	// Path is the SQLite database. Relative paths are resolved against
	// DataDir. ":memory:" keeps events in memory.
	Path string `yaml:"path" validate:"required_if=Enabled true"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		DataDir:      "data",
		InstancesDir: "instances",
		MacrosDir:    "macros",
		Events:       EventsConfig{Capacity: 1024},
		Sandbox: SandboxConfig{
			Host:                 "local",
			RunnerPath:           "warden-runner",
			RunnerStartupTimeout: 10 * time.Second,
			CallTimeout:          5 * time.Second,
			MemoryLimitPages:     256,
		},
		Macro:     MacroConfig{Retention: 30 * time.Second},
		Instances: InstancesConfig{StopTimeout: 30 * time.Second, AutoStart: true},
		Store:     StoreConfig{Enabled: true, Path: "events.db"},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads the configuration at path on top of DefaultConfig, with the
// telemetry preset of telemetry.environment when the file names one. A missing file
// at DefaultPath yields the defaults; a missing file anywhere else is an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && path == DefaultPath:
		return cfg, cfg.Validate()
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// telemetry.environment picks the preset the rest of the file overrides
	var env struct {
		Telemetry struct {
			Environment string `yaml:"environment"`
		} `yaml:"telemetry"`
	}
	if err := yaml.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if e := env.Telemetry.Environment; e != "" {
		cfg.Telemetry = telemetry.ConfigFor(e)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the struct constraints and the telemetry section.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	return c.Telemetry.Validate()
}

// InstancesPath is InstancesDir resolved against DataDir.
func (c *Config) InstancesPath() string {
	return c.resolve(c.InstancesDir)
}

// MacrosPath is MacrosDir resolved against DataDir.
func (c *Config) MacrosPath() string {
	return c.resolve(c.MacrosDir)
}

// StorePath is Store.Path resolved against DataDir.
func (c *Config) StorePath() string {
	if c.Store.Path == ":memory:" {
		return c.Store.Path
	}
	return c.resolve(c.Store.Path)
}

// PolicyPaths returns the policy locations to load, if any.
func (c *Config) PolicyPaths() []string {
	if c.Sandbox.PolicyDir == "" {
		return nil
	}
	return []string{c.resolve(c.Sandbox.PolicyDir)}
}

func (c *Config) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.DataDir, path)
}
