package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/warden/pkg/config"
	"github.com/openfroyo/warden/pkg/engine"
	"github.com/openfroyo/warden/pkg/events"
	"github.com/openfroyo/warden/pkg/stores"
	"github.com/openfroyo/warden/pkg/telemetry"
	"github.com/openfroyo/warden/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Store.Path = stores.MemoryPath
	cfg.Telemetry = telemetry.TestConfig()
	cfg.Telemetry.Metrics.Enabled = false
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func writeFile(t *testing.T, path, src string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(src), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		edit      func(*config.Config)
		wantStore bool
	}{
		{name: "local host with store", edit: func(*config.Config) {}, wantStore: true},
		{name: "store disabled", edit: func(c *config.Config) { c.Store.Enabled = false }},
		{name: "runner host", edit: func(c *config.Config) { c.Sandbox.Host = "runner" }, wantStore: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.edit(cfg)
			a := newTestApp(t, cfg)
			if (a.Store != nil) != tt.wantStore {
				t.Errorf("store = %v, want %v", a.Store != nil, tt.wantStore)
			}
			if a.Host == nil || a.Macros == nil || a.Env == nil {
				t.Error("component missing")
			}
			opts := a.InstanceOptions()
			if opts.CallTimeout != cfg.Sandbox.CallTimeout || opts.Grants == nil || opts.Schemas == nil {
				t.Errorf("instance options = %+v", opts)
			}
		})
	}
}

func TestNew_BadPolicyDir(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sandbox.PolicyDir = filepath.Join(cfg.DataDir, "policies")
	writeFile(t, filepath.Join(cfg.Sandbox.PolicyDir, "broken.rego"), "package warden.broken\n\nthis is not rego\n")
	if _, err := New(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected error for a broken policy")
	}
}

func TestNew_EventsLogger(t *testing.T) {
	var buf bytes.Buffer
	tel := telemetry.NewNopTelemetry()
	tel.Logger = telemetry.NewWriterLogger(&buf, "warn")
	a, err := New(context.Background(), testConfig(t), tel)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	buf.Reset()

	a.Bus.Close()
	a.Bus.Send(types.NewInstanceOutputEvent(types.NewInstanceUUID(), "lobby", "late"))

	line := buf.String()
	if n := strings.Count(line, `"component":`); n != 1 {
		t.Errorf("component written %d times: %s", n, line)
	}
	if !strings.Contains(line, `"component":"events"`) {
		t.Errorf("drop was not logged by the events component: %s", line)
	}
}

func TestCreateNativeAndRestore(t *testing.T) {
	cfg := testConfig(t)
	a := newTestApp(t, cfg)

	n, err := a.CreateNative(types.InstanceConfig{Name: "lobby", Command: "/bin/sh", Args: []string{"-c", "sleep 60"}})
	if err != nil {
		t.Fatalf("CreateNative: %v", err)
	}
	if want := filepath.Join(cfg.InstancesPath(), n.UUID().String()); n.Path() != want {
		t.Errorf("path = %s, want %s", n.Path(), want)
	}
	if _, err := a.CreateNative(types.InstanceConfig{Name: "bad/name", Command: "/bin/sh"}); !engine.IsBadRequest(err) {
		t.Errorf("CreateNative(bad name) = %v, want bad request", err)
	}

	restored := newTestApp(t, cfg)
	if got := restored.Restore(context.Background()); got != 1 {
		t.Fatalf("Restore = %d, want 1", got)
	}
	inst, err := restored.Instances.Get(n.UUID())
	if err != nil || inst.Name() != "lobby" {
		t.Errorf("restored instance = %v, %v", inst, err)
	}
}

func TestMacros(t *testing.T) {
	cfg := testConfig(t)
	a := newTestApp(t, cfg)

	n, err := a.CreateNative(types.InstanceConfig{Name: "lobby", Command: "/bin/sh"})
	if err != nil {
		t.Fatal(err)
	}
	uuid := n.UUID()
	writeFile(t, filepath.Join(cfg.MacrosPath(), "greet.star"), "emit_warning(\"global\")\n")
	writeFile(t, filepath.Join(cfg.MacrosPath(), "backup.star"), "pass\n")
	writeFile(t, filepath.Join(n.Path(), InstanceMacrosDir, "greet.star"), "emit_warning(\"local\")\n")

	global, err := a.ListMacros(nil)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(global, ",") != "backup,greet" {
		t.Errorf("global macros = %v", global)
	}
	scoped, err := a.ListMacros(&uuid)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(scoped, ",") != "greet,backup" {
		t.Errorf("instance macros = %v", scoped)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rx := a.Bus.Subscribe()
	pid, err := a.RunMacro(ctx, "greet", nil, &uuid, types.CausedBySystem(), false)
	if err != nil {
		t.Fatalf("RunMacro: %v", err)
	}
	e, err := rx.Next(ctx, events.InstanceEventsOfKind(uuid, types.InstanceEventWarning))
	if err != nil {
		t.Fatalf("no warning from macro %d: %v", pid, err)
	}
	if msg := e.Inner.Instance.Inner.Message; msg != "local" {
		t.Errorf("ran the %q macro, want the instance's own", msg)
	}
	if _, err := a.Macros.Wait(ctx, pid); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		macro string
		check func(error) bool
	}{
		{name: "missing", macro: "nope", check: engine.IsNotFound},
		{name: "escapes dir", macro: "../greet", check: engine.IsBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := a.RunMacro(ctx, tt.macro, nil, &uuid, types.CausedBySystem(), false); !tt.check(err) {
				t.Errorf("RunMacro(%s) = %v", tt.macro, err)
			}
		})
	}
}

func TestServe(t *testing.T) {
	cfg := testConfig(t)
	a := newTestApp(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()

	uuid := types.NewInstanceUUID()
	deadline := time.Now().Add(5 * time.Second)
	for {
		a.Bus.Send(types.NewInstanceOutputEvent(uuid, "lobby", "hello"))
		got, err := a.Store.ListEvents(context.Background(), stores.EventQuery{Instance: &uuid})
		if err != nil {
			t.Fatal(err)
		}
		if len(got) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("events were not persisted while serving")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return")
	}
}
