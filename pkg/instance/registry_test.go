package instance

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/warden/pkg/engine"
	"github.com/openfroyo/warden/pkg/procedure"
	"github.com/openfroyo/warden/pkg/types"
)

func waitState(t *testing.T, inst Instance, want types.InstanceState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for inst.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("%s stuck in %s, want %s", inst.Name(), inst.State(), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRegistry_InsertGetRemove(t *testing.T) {
	r := NewRegistry(nil)
	n, _ := newShellInstance(t, echoServer, func(c *types.InstanceConfig) { c.StopCommand = "stop" })
	ctx := context.Background()

	if err := r.Insert(n); err != nil {
		t.Fatal(err)
	}
	if err := r.Insert(n); !engine.IsBadRequest(err) {
		t.Errorf("duplicate insert = %v", err)
	}
	got, err := r.Get(n.UUID())
	if err != nil || got != Instance(n) {
		t.Fatalf("Get = %v, %v", got, err)
	}
	if _, err := r.Get(types.NewInstanceUUID()); !engine.IsNotFound(err) {
		t.Errorf("Get unknown = %v", err)
	}

	if err := n.Start(ctx, types.CausedBySystem(), true); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Remove(ctx, n.UUID()); !engine.IsInvalidState(err) {
		t.Errorf("Remove while running = %v", err)
	}
	if err := n.Stop(ctx, types.CausedBySystem(), true); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Remove(ctx, n.UUID()); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d", r.Len())
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	opts, _ := testOptions(t)
	r := NewRegistry(nil)
	root := t.TempDir()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			uuid := types.NewInstanceUUID()
			n, err := NewNative(types.InstanceConfig{
				UUID:    uuid,
				Name:    uuid.Short(),
				Path:    filepath.Join(root, uuid.String()),
				Command: "true",
			}, opts)
			if err != nil {
				t.Error(err)
				return
			}
			if err := r.Insert(n); err != nil {
				t.Error(err)
			}
			if _, err := r.Get(uuid); err != nil {
				t.Error(err)
			}
			_ = r.List()
		}()
	}
	wg.Wait()

	if r.Len() != 32 {
		t.Errorf("Len() = %d", r.Len())
	}
	list := r.List()
	for i := 1; i < len(list); i++ {
		if list[i].CreationTime().Before(list[i-1].CreationTime()) {
			t.Fatal("List is not ordered by creation time")
		}
	}
	if got := r.ListInstances(context.Background()); len(got) != 32 || got[0].Kind != types.InstanceKindNative {
		t.Errorf("ListInstances = %v", got)
	}
}

func TestRegistry_RestoreAll(t *testing.T) {
	requireShell(t)
	opts, _ := testOptions(t)
	root := t.TempDir()

	for _, name := range []string{"alpha", "beta"} {
		if _, err := NewNative(types.InstanceConfig{
			Name:      name,
			Path:      filepath.Join(root, name),
			Command:   "/bin/sh",
			Args:      []string{"-c", "while read l; do :; done"},
			AutoStart: name == "alpha",
		}, opts); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(root, "junk"), 0o750); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry(nil)
	n, err := r.RestoreAll(context.Background(), root, opts)
	if n != 2 {
		t.Errorf("restored %d instances", n)
	}
	if err == nil {
		t.Error("the directory without a config should be reported")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.StartAutoStart(ctx)
	for _, inst := range r.List() {
		want := types.InstanceStateStopped
		if inst.Name() == "alpha" {
			want = types.InstanceStateRunning
			waitState(t, inst, want)
		}
		if inst.State() != want {
			t.Errorf("%s is %s, want %s", inst.Name(), inst.State(), want)
		}
	}

	reports := r.MonitorAll(ctx)
	if len(reports) != 2 {
		t.Errorf("MonitorAll returned %d reports", len(reports))
	}

	r.StopAll(ctx)
	for _, inst := range r.List() {
		if inst.State() != types.InstanceStateStopped {
			t.Errorf("%s is %s after StopAll", inst.Name(), inst.State())
		}
	}
}

func TestRegistry_RestoreAllMissingDir(t *testing.T) {
	opts, _ := testOptions(t)
	n, err := NewRegistry(nil).RestoreAll(context.Background(), filepath.Join(t.TempDir(), "none"), opts)
	if n != 0 || err != nil {
		t.Errorf("RestoreAll = %d, %v", n, err)
	}
}

// The registry is the directory macros drive instances through.
func TestRegistry_InstanceDirectory(t *testing.T) {
	n, _ := newShellInstance(t, echoServer, func(c *types.InstanceConfig) { c.StopCommand = "stop" })
	r := NewRegistry(nil)
	if err := r.Insert(n); err != nil {
		t.Fatal(err)
	}
	var dir procedure.InstanceDirectory = r
	ctx := context.Background()
	by := types.CausedByMacro(7)

	if err := dir.StartInstance(ctx, n.UUID(), by, true); err != nil {
		t.Fatal(err)
	}
	if s, err := dir.InstanceState(ctx, n.UUID()); err != nil || s != types.InstanceStateRunning {
		t.Errorf("InstanceState = %s, %v", s, err)
	}
	if err := dir.SendCommand(ctx, n.UUID(), "hi", by); err != nil {
		t.Error(err)
	}
	if err := dir.KillInstance(ctx, n.UUID(), by); err != nil {
		t.Error(err)
	}
	if err := dir.StopInstance(ctx, types.NewInstanceUUID(), by, true); !engine.IsNotFound(err) {
		t.Errorf("unknown uuid = %v", err)
	}
}

func TestEndToEnd(t *testing.T) {
	n, rx := newShellInstance(t, echoServer, func(c *types.InstanceConfig) { c.StopCommand = "stop" })
	r := NewRegistry(nil)
	if err := r.Insert(n); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	inst, err := r.Get(n.UUID())
	if err != nil {
		t.Fatal(err)
	}
	if inst.State() != types.InstanceStateStopped {
		t.Fatalf("new instance is %s", inst.State())
	}

	if err := inst.Start(ctx, types.CausedBySystem(), true); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := nextStates(t, n.guard, rx, 2); !equalStates(got, []types.InstanceState{
		types.InstanceStateStarting, types.InstanceStateRunning,
	}) {
		t.Fatalf("states after start = %v", got)
	}

	if err := inst.SendCommand(ctx, "say hi", types.CausedByUser("u1", "alice")); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}

	if err := inst.Stop(ctx, types.CausedBySystem(), true); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := nextStates(t, n.guard, rx, 2); !equalStates(got, []types.InstanceState{
		types.InstanceStateStopping, types.InstanceStateStopped,
	}) {
		t.Fatalf("states after stop = %v", got)
	}
	if inst.State() != types.InstanceStateStopped {
		t.Errorf("State() = %s", inst.State())
	}
}
