package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.InstancesPath() != filepath.Join("data", "instances") {
		t.Errorf("InstancesPath = %s", cfg.InstancesPath())
	}
	if cfg.PolicyPaths() != nil {
		t.Errorf("PolicyPaths = %v", cfg.PolicyPaths())
	}
}

func writeConfig(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "warden.yaml")
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
data_dir: /var/lib/warden
instances_dir: /srv/instances
events:
  capacity: 64
sandbox:
  host: runner
  runner_path: /usr/local/bin/warden-runner
  call_timeout: 2s
  policy_dir: policies
macro:
  retention: 1m
store:
  path: ":memory:"
telemetry:
  logging:
    level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"capacity", cfg.Events.Capacity, 64},
		{"host", cfg.Sandbox.Host, "runner"},
		{"call timeout", cfg.Sandbox.CallTimeout, 2 * time.Second},
		{"retention", cfg.Macro.Retention, time.Minute},
		{"absolute instances dir", cfg.InstancesPath(), "/srv/instances"},
		{"macros dir default", cfg.MacrosPath(), "/var/lib/warden/macros"},
		{"memory store", cfg.StorePath(), ":memory:"},
		{"policy dir", cfg.PolicyPaths()[0], "/var/lib/warden/policies"},
		{"log level", cfg.Telemetry.Logging.Level, "debug"},
		{"log format default", cfg.Telemetry.Logging.Format, "console"},
		{"stop timeout default", cfg.Instances.StopTimeout, 30 * time.Second},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoad_TelemetryEnvironment(t *testing.T) {
	tests := []struct {
		name     string
		src      string
		format   string
		level    string
		tracing  bool
		exporter string
	}{
		{name: "no environment", src: "data_dir: x\n", format: "console", level: "info", exporter: "none"},
		{
			name:   "production",
			src:    "telemetry:\n  environment: production\n  tracing:\n    endpoint: collector:4317\n",
			format: "json", level: "info", tracing: true, exporter: "otlp",
		},
		{
			name:   "development",
			src:    "telemetry:\n  environment: development\n",
			format: "console", level: "debug", tracing: true, exporter: "stdout",
		},
		{
			name:   "file overrides preset",
			src:    "telemetry:\n  environment: development\n  logging:\n    level: warn\n  tracing:\n    enabled: false\n",
			format: "console", level: "warn", exporter: "stdout",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tt.src))
			if err != nil {
				t.Fatal(err)
			}
			tel := cfg.Telemetry
			if tel.Logging.Format != tt.format || tel.Logging.Level != tt.level {
				t.Errorf("logging = %+v", tel.Logging)
			}
			if tel.Tracing.Enabled != tt.tracing || tel.Tracing.Exporter != tt.exporter {
				t.Errorf("tracing = %+v", tel.Tracing)
			}
		})
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"bad yaml", "data_dir: [unclosed"},
		{"zero capacity", "events:\n  capacity: 0\n"},
		{"unknown host", "sandbox:\n  host: docker\n"},
		{"runner without path", "sandbox:\n  host: runner\n  runner_path: \"\"\n"},
		{"store without path", "store:\n  enabled: true\n  path: \"\"\n"},
		{"bad log level", "telemetry:\n  logging:\n    level: loud\n"},
		{"empty data dir", "data_dir: \"\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.src)); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing explicit config should fail")
	}
}
