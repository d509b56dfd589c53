package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/warden/pkg/types"
)

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, "debug").
		NewComponentLogger("macro").
		WithMacroPID(42).
		WithCausedBy(types.CausedByUser("u1", "alice")).
		WithError(errors.New("boom"))
	logger.Warn("macro failed")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	want := map[string]any{
		"component": "macro",
		"macro_pid": float64(42),
		"error":     "boom",
		"level":     "warn",
		"message":   "macro failed",
	}
	for k, v := range want {
		if line[k] != v {
			t.Errorf("%s = %v, want %v", k, line[k], v)
		}
	}
	if _, ok := line["caused_by"]; !ok {
		t.Error("caused_by missing")
	}
}

func TestLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, "warn")
	logger.Info("hidden")
	logger.Error("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("unexpected output: %s", buf.String())
	}
}

func TestMetrics_Registry(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "warden"})
	if err != nil {
		t.Fatal(err)
	}
	m.RecordEventPublished("instance_event")
	m.RecordMacroSpawned()
	m.RecordMacroFinished("killed")
	m.RecordStoreWrite("ok")
	m.RecordLifecycleOp("start", "ok", 10*time.Millisecond)

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, name := range []string{"warden_events_published_total", "warden_macros_spawned_total"} {
		if !names[name] {
			t.Errorf("metric %s not registered (have %v)", name, names)
		}
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.RecordEventPublished("x")
	m.RecordMacroFinished("success")
	m.RecordStoreWrite("error")

	disabled, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}
	disabled.RecordTransition("native", "running")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "production", mutate: func(c *Config) { *c = *ProductionConfig() }},
		{name: "no service", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: true},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad exporter", mutate: func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "zipkin" }, wantErr: true},
		{name: "bad sampling", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: true},
		{name: "metrics without address", mutate: func(c *Config) { c.Metrics.ListenAddress = "" }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigFor(t *testing.T) {
	tests := []struct {
		env      string
		exporter string
		tracing  bool
	}{
		{env: "production", exporter: "otlp", tracing: true},
		{env: "dev", exporter: "stdout", tracing: true},
		{env: "test", exporter: "none"},
		{env: "staging", exporter: "none"},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			cfg := ConfigFor(tt.env)
			if cfg.Environment != tt.env {
				t.Errorf("Environment = %q", cfg.Environment)
			}
			if cfg.Tracing.Enabled != tt.tracing || cfg.Tracing.Exporter != tt.exporter {
				t.Errorf("tracing = %+v", cfg.Tracing)
			}
			if err := cfg.Validate(); err != nil {
				t.Errorf("preset invalid: %v", err)
			}
		})
	}
}

func TestTracer_ForceFlush(t *testing.T) {
	tracer, err := NewTracer(TracingConfig{Enabled: true, Exporter: "none", SamplingRate: 1}, "warden", "test", "test")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = tracer.Shutdown(context.Background()) }()

	op := (&Telemetry{Logger: NewNopLogger(), Tracer: tracer}).
		StartInstanceOperation(context.Background(), types.NewInstanceUUID(), "start")
	if !op.Span.SpanContext().IsValid() {
		t.Error("instance span was not recorded")
	}
	op.End(nil)

	for name, tr := range map[string]*Tracer{"sdk": tracer, "nop": NewNopTracer(), "nil": nil} {
		if err := tr.ForceFlush(context.Background()); err != nil {
			t.Errorf("%s ForceFlush = %v", name, err)
		}
	}
}
