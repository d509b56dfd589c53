package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "warden.yaml")
	cfg := "data_dir: " + dir + `
store:
  enabled: true
  path: ":memory:"
telemetry:
  service_name: warden
  logging:
    level: error
    output: stderr
  metrics:
    enabled: false
`
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return path, dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand("test", "none", "today")
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	path, _ := writeConfig(t)
	out, err := run(t, "validate", "-c", path)
	if err != nil {
		t.Fatalf("validate: %v (%s)", err, out)
	}
	if !strings.Contains(out, "ok") {
		t.Errorf("output = %q", out)
	}

	if _, err := run(t, "validate", "-c", filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for a missing config")
	}
	if _, err := run(t, "validate", "-c", path, t.TempDir()); err == nil {
		t.Error("expected error for a directory without a manifest")
	}
}

func TestMacroListCommand(t *testing.T) {
	path, dir := writeConfig(t)
	macros := filepath.Join(dir, "macros")
	if err := os.MkdirAll(macros, 0o750); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"b.star", "a.star", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(macros, name), []byte("pass\n"), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	out, err := run(t, "macro", "list", "-c", path)
	if err != nil {
		t.Fatalf("macro list: %v", err)
	}
	if out != "a\nb\n" {
		t.Errorf("output = %q", out)
	}
}

func TestInstanceCreateCommand_Flags(t *testing.T) {
	path, _ := writeConfig(t)
	if _, err := run(t, "instance", "create", "-c", path); err == nil {
		t.Error("expected error without --package or --command")
	}
	if _, err := run(t, "instance", "create", "-c", path, "--package", "x", "--command", "y"); err == nil {
		t.Error("expected error with both --package and --command")
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "warden test (commit: none, built: today") {
		t.Errorf("output = %q", out)
	}
}
