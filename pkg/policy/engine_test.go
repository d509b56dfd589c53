package policy

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/warden/pkg/procedure"
	"github.com/openfroyo/warden/pkg/sandbox"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.New(nil).Level(zerolog.Disabled))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	var names []string
	for _, p := range eng.ListPolicies() {
		names = append(names, p.Name)
	}
	if got := strings.Join(names, ","); got != "macro-kill-audit,unknown-ops,worker-isolation" {
		t.Errorf("Unexpected built-in policies: %s", got)
	}
}

func TestEvaluate(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name         string
		kind         string
		op           string
		capability   string
		wantAllowed  bool
		wantWarnings int
	}{
		{name: "macro controls instances", kind: "macro", op: "start_instance", capability: "instances:control", wantAllowed: true},
		{name: "instance controls instances", kind: "instance", op: "stop_instance", capability: "instances:control"},
		{name: "instance spawns macros", kind: "instance", op: "spawn", capability: "macros:spawn"},
		{name: "instance emits", kind: "instance", op: "emit_console_out", capability: "events:emit", wantAllowed: true},
		{name: "ungated op", kind: "instance", op: "log", wantAllowed: true},
		{name: "unknown op", kind: "macro", op: "format_disk", capability: "op:format_disk"},
		{name: "macro kill is audited", kind: "macro", op: "kill_instance", capability: "instances:control", wantAllowed: true, wantWarnings: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.Evaluate(context.Background(), &PolicyInput{
				Worker: WorkerInfo{Kind: tt.kind},
				Op:     OpInfo{Name: tt.op, Capability: tt.capability},
			})
			if err != nil {
				t.Fatalf("Evaluation failed: %v", err)
			}
			if result.Allowed != tt.wantAllowed {
				t.Errorf("Allowed = %v, violations %+v", result.Allowed, result.Violations)
			}
			if len(result.Warnings) != tt.wantWarnings {
				t.Errorf("Warnings = %+v", result.Warnings)
			}
			if len(result.EvaluatedPolicies) != 3 {
				t.Errorf("Evaluated %v", result.EvaluatedPolicies)
			}
			for _, v := range result.Violations {
				if v.Op != tt.op || v.Message == "" {
					t.Errorf("Incomplete violation %+v", v)
				}
			}
		})
	}
}

func opTable(names ...string) *procedure.OpTable {
	t := procedure.NewOpTable(nil)
	for _, name := range names {
		t.Register(procedure.Op{Name: name, Fn: func(context.Context, map[string]any) (any, error) { return nil, nil }})
	}
	return t
}

func TestGrants(t *testing.T) {
	eng := newTestEngine(t)
	ops := opTable("log", "emit_console_out", "start_instance", "spawn", "format_disk")

	tests := []struct {
		kind sandbox.Kind
		want string
	}{
		{kind: sandbox.KindInstance, want: "emit_console_out,log"},
		{kind: sandbox.KindMacro, want: "emit_console_out,log,spawn,start_instance"},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			got := eng.Grants(tt.kind, ops)
			if names := strings.Join(got.Names(), ","); names != tt.want {
				t.Errorf("Grants = %s, want %s", names, tt.want)
			}
		})
	}
	if ops.Len() != 5 {
		t.Error("Grants must not modify the table it filters")
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if eng.Allowed(ctx, sandbox.KindInstance, "start_instance") {
		t.Fatal("Instance workers should not get start_instance")
	}
	if err := eng.DisablePolicy("worker-isolation"); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}
	if p, _ := eng.GetPolicy("worker-isolation"); p.Enabled {
		t.Error("Policy should be disabled")
	}
	if !eng.Allowed(ctx, sandbox.KindInstance, "start_instance") {
		t.Error("Cached decision survived disabling the policy")
	}
	if err := eng.EnablePolicy("worker-isolation"); err != nil {
		t.Fatalf("Failed to enable policy: %v", err)
	}
	if eng.Allowed(ctx, sandbox.KindInstance, "start_instance") {
		t.Error("Re-enabled policy is not applied")
	}
	if err := eng.DisablePolicy("missing"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestReplacePolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	custom := Policy{Name: "no-spawn", Rego: denySpawnRego, Severity: SeverityError, Enabled: true}
	if err := eng.ReplacePolicies(ctx, []Policy{custom}); err != nil {
		t.Fatalf("Failed to replace policies: %v", err)
	}
	if eng.Allowed(ctx, sandbox.KindMacro, "spawn") {
		t.Error("Custom policy did not withhold spawn")
	}
	if len(eng.ListPolicies()) != 4 {
		t.Errorf("Expected built-ins plus one, got %d", len(eng.ListPolicies()))
	}

	broken := Policy{Name: "broken", Rego: "package broken\ndeny contains x if {", Enabled: true}
	if err := eng.ReplacePolicies(ctx, []Policy{broken}); err == nil {
		t.Fatal("Expected compile error")
	}
	if _, err := eng.GetPolicy("no-spawn"); err != nil {
		t.Error("A failed replace must keep the previous policy set")
	}
}

func TestLoadPolicies(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	writePolicy(t, dir, "no-spawn.rego", denySpawnRego)

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}
	p, err := eng.GetPolicy("no-spawn")
	if err != nil {
		t.Fatalf("Failed to get policy: %v", err)
	}
	if p.Source == "" {
		t.Error("Loaded policy should record its source")
	}
	if eng.Allowed(context.Background(), sandbox.KindMacro, "spawn") {
		t.Error("Loaded policy is not applied")
	}
}
