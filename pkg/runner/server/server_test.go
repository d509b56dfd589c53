package server

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/warden/pkg/engine"
	"github.com/openfroyo/warden/pkg/procedure"
	"github.com/openfroyo/warden/pkg/runner/client"
	"github.com/openfroyo/warden/pkg/runner/protocol"
	"github.com/openfroyo/warden/pkg/sandbox"
	"github.com/openfroyo/warden/pkg/types"
)

// daemonOps records every op the runner forwards.
type daemonOps struct {
	mu   sync.Mutex
	seen []string
}

func (d *daemonOps) table() *procedure.OpTable {
	return procedure.NewOpTable(nil).Register(
		procedure.Op{
			Name:   "record",
			Params: []string{"value"},
			Fn: func(_ context.Context, args map[string]any) (any, error) {
				s, _ := args["value"].(string)
				d.mu.Lock()
				defer d.mu.Unlock()
				d.seen = append(d.seen, s)
				return len(d.seen), nil
			},
		},
		procedure.Op{
			Name: "lookup",
			Fn: func(context.Context, map[string]any) (any, error) {
				return nil, engine.NewNotFoundError("instance not found", nil)
			},
		},
	)
}

func (d *daemonOps) recorded() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.seen...)
}

type session struct {
	worker *client.Worker
	served chan error
}

// startSession connects a client to a server over in-memory pipes.
func startSession(t *testing.T, kind protocol.WorkerKind, script string, ops *procedure.OpTable) *session {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.star")
	if err := os.WriteFile(path, []byte(script), 0o600); err != nil {
		t.Fatal(err)
	}

	toRunner, fromDaemon := io.Pipe()
	toDaemon, fromRunner := io.Pipe()

	caps := map[string]bool{string(sandbox.RuntimeStarlark): true}
	srv := New(toRunner, fromRunner, sandbox.NewStarlarkHost(nil), caps, nil)

	ctx := context.Background()
	served := make(chan error, 1)
	go func() {
		served <- srv.Serve(ctx)
		_ = fromRunner.Close()
	}()

	init := protocol.InitMessage{Kind: kind, Name: "test", Script: path}
	w, err := client.Attach(ctx, toDaemon, fromDaemon, init, ops, nil, 5*time.Second, nil)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return &session{worker: w, served: served}
}

func (s *session) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-s.worker.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not finish")
	}
	select {
	case err := <-s.served:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("server did not return")
		return nil
	}
}

func TestServe_Macro(t *testing.T) {
	d := &daemonOps{}
	s := startSession(t, protocol.WorkerKindMacro, `
n = record("first")
record("second:" + str(n))
`, d.table())

	if err := s.wait(t); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if err := s.worker.Err(); err != nil {
		t.Errorf("worker Err() = %v", err)
	}
	got := d.recorded()
	if len(got) != 2 || got[1] != "second:1" {
		t.Errorf("recorded %v", got)
	}
	if ready := s.worker.Ready(); ready == nil || !ready.Caps["starlark"] {
		t.Errorf("ready = %+v", ready)
	}
	if _, ops := s.worker.Stats(); ops != 2 {
		t.Errorf("ops served = %d, want 2", ops)
	}
}

func TestServe_MacroFailure(t *testing.T) {
	s := startSession(t, protocol.WorkerKindMacro, `fail("boom")`, (&daemonOps{}).table())

	if err := s.wait(t); err == nil {
		t.Error("Serve should report the script error")
	}
	if err := s.worker.Err(); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("worker Err() = %v", err)
	}
}

func TestServe_Instance(t *testing.T) {
	d := &daemonOps{}
	s := startSession(t, protocol.WorkerKindInstance, `
def get_state():
    return "running"

def send_command(command):
    record(command)

def monitor():
    lookup()
`, d.table())

	b := procedure.NewBridge(s.worker, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	by := types.CausedBySystem()

	state, err := b.CallState(ctx, by, procedure.GetState())
	if err != nil || state != types.InstanceStateRunning {
		t.Fatalf("CallState = %v, %v", state, err)
	}
	if err := b.CallVoid(ctx, by, procedure.SendCommand("say hi")); err != nil {
		t.Fatalf("CallVoid: %v", err)
	}
	if got := d.recorded(); len(got) != 1 || got[0] != "say hi" {
		t.Errorf("recorded %v", got)
	}

	if _, err := b.CallMonitor(ctx, by, procedure.Monitor()); !engine.IsNotFound(err) {
		t.Errorf("daemon op error kind lost: %v", err)
	}
	if _, err := b.Call(ctx, by, procedure.KillInstance()); !engine.IsUnsupported(err) {
		t.Errorf("missing handler: %v", err)
	}

	s.worker.Terminate()
	if err := s.wait(t); err != nil {
		t.Errorf("Serve after terminate: %v", err)
	}
	if _, err := b.Call(ctx, by, procedure.GetState()); err == nil {
		t.Error("calls after terminate should fail")
	}
}

func TestServe_BadInit(t *testing.T) {
	toRunner, fromDaemon := io.Pipe()
	toDaemon, fromRunner := io.Pipe()

	srv := New(toRunner, fromRunner, sandbox.NewStarlarkHost(nil), nil, nil)
	served := make(chan error, 1)
	go func() {
		served <- srv.Serve(context.Background())
		_ = fromRunner.Close()
	}()

	dec := protocol.NewDecoder(toDaemon)
	msg, err := dec.Decode()
	if err != nil || msg.Type != protocol.MessageTypeReady {
		t.Fatalf("first message = %v, %v", msg, err)
	}

	init := &protocol.InitMessage{Kind: protocol.WorkerKindMacro, Name: "x", Script: "/does/not/exist.star"}
	go func() { _ = protocol.NewEncoder(fromDaemon).EncodeInit(init) }()

	msg, err = dec.Decode()
	if err != nil || msg.Type != protocol.MessageTypeExit {
		t.Fatalf("second message = %v, %v", msg, err)
	}
	var exit protocol.ExitMessage
	if err := protocol.ParseData(msg.Data, &exit); err != nil {
		t.Fatal(err)
	}
	if exit.Reason != "error" || exit.ExitCode != 1 {
		t.Errorf("exit = %+v", exit)
	}
	if err := <-served; err == nil {
		t.Error("Serve should fail")
	}
}
