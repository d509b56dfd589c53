package instance

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/openfroyo/warden/pkg/engine"
	"github.com/openfroyo/warden/pkg/events"
	"github.com/openfroyo/warden/pkg/procedure"
	"github.com/openfroyo/warden/pkg/types"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("needs /bin/sh")
	}
}

func testOptions(t *testing.T) (Options, *events.Receiver) {
	t.Helper()
	bus, rx := events.New(1024)
	t.Cleanup(bus.Close)
	return Options{Env: procedure.NewEnv(bus, nil, nil), StopTimeout: 5 * time.Second}, rx
}

func newShellInstance(t *testing.T, script string, edit func(*types.InstanceConfig)) (*Native, *events.Receiver) {
	t.Helper()
	requireShell(t)
	opts, rx := testOptions(t)
	cfg := types.InstanceConfig{
		Name:    "shell",
		Path:    filepath.Join(t.TempDir(), "shell"),
		Command: "/bin/sh",
		Args:    []string{"-c", script},
	}
	if edit != nil {
		edit(&cfg)
	}
	n, err := NewNative(cfg, opts)
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	t.Cleanup(func() { _ = n.Close() })
	return n, rx
}

func nextOutput(t *testing.T, uuid types.InstanceUUID, rx *events.Receiver) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e, err := rx.Next(ctx, events.InstanceEventsOfKind(uuid, types.InstanceEventOutput))
	if err != nil {
		t.Fatalf("waiting for output: %v", err)
	}
	return e.Inner.Instance.Inner.Message
}

const echoServer = `
echo ready
while read line; do
  case "$line" in
    stop) echo bye; exit 0 ;;
    join*) echo "player ${line#join } joined" ;;
    leave*) echo "player ${line#leave } left" ;;
    *) echo "got $line" ;;
  esac
done
`

func TestNative_Lifecycle(t *testing.T) {
	n, rx := newShellInstance(t, echoServer, func(c *types.InstanceConfig) {
		c.StopCommand = "stop"
		c.PlayerJoinPattern = `^player (?P<player>\w+) joined$`
		c.PlayerLeavePattern = `^player (\w+) left$`
		c.MaxPlayers = 8
	})
	ctx := context.Background()
	by := types.CausedByUser("u1", "alice")

	if err := n.SendCommand(ctx, "hello", by); !engine.IsUnsupported(err) {
		t.Errorf("SendCommand while stopped = %v", err)
	}

	if err := n.Start(ctx, by, true); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if n.State() != types.InstanceStateRunning {
		t.Fatalf("State() = %s", n.State())
	}
	if out := nextOutput(t, n.UUID(), rx); out != "ready" {
		t.Errorf("first output = %q", out)
	}

	if err := n.SendCommand(ctx, "", by); !engine.IsBadRequest(err) {
		t.Errorf("empty command = %v", err)
	}
	if err := n.SendCommand(ctx, "a\nb", by); !engine.IsBadRequest(err) {
		t.Errorf("multi-line command = %v", err)
	}
	if err := n.SendCommand(ctx, "hello", by); err != nil {
		t.Fatal(err)
	}
	if out := nextOutput(t, n.UUID(), rx); out != "got hello" {
		t.Errorf("echo = %q", out)
	}

	if err := n.SendCommand(ctx, "join steve", by); err != nil {
		t.Fatal(err)
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	e, err := rx.Next(wctx, events.InstanceEventsOfKind(n.UUID(), types.InstanceEventPlayerChange))
	if err != nil {
		t.Fatal(err)
	}
	if joined := e.Inner.Instance.Inner.PlayersJoined; len(joined) != 1 || joined[0].Name != "steve" {
		t.Errorf("players joined = %v", joined)
	}
	if c, _ := n.PlayerCount(ctx); c != 1 {
		t.Errorf("PlayerCount = %d", c)
	}
	if m, _ := n.MaxPlayerCount(ctx); m != 8 {
		t.Errorf("MaxPlayerCount = %d", m)
	}

	if err := n.SendCommand(ctx, "leave steve", by); err != nil {
		t.Fatal(err)
	}
	if _, err := rx.Next(wctx, events.InstanceEventsOfKind(n.UUID(), types.InstanceEventPlayerChange)); err != nil {
		t.Fatal(err)
	}
	if list, _ := n.PlayerList(ctx); len(list) != 0 {
		t.Errorf("PlayerList after leave = %v", list)
	}

	report := n.Monitor(ctx)
	if report.PID == 0 || report.StartTime == nil {
		t.Errorf("Monitor = %+v", report)
	}

	if err := n.Stop(ctx, by, true); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if n.State() != types.InstanceStateStopped {
		t.Errorf("State() after stop = %s", n.State())
	}
	if report := n.Monitor(ctx); report.PID != 0 {
		t.Errorf("Monitor after stop = %+v", report)
	}
}

func TestNative_StateSequence(t *testing.T) {
	n, rx := newShellInstance(t, echoServer, func(c *types.InstanceConfig) { c.StopCommand = "stop" })
	ctx := context.Background()

	if err := n.Start(ctx, types.CausedBySystem(), true); err != nil {
		t.Fatal(err)
	}
	if err := n.Restart(ctx, types.CausedBySystem(), true); err != nil {
		t.Fatal(err)
	}
	if err := n.Kill(ctx, types.CausedBySystem()); err != nil {
		t.Fatal(err)
	}

	want := []types.InstanceState{
		types.InstanceStateStarting, types.InstanceStateRunning,
		types.InstanceStateStopping, types.InstanceStateStopped,
		types.InstanceStateStarting, types.InstanceStateRunning,
		types.InstanceStateStopping, types.InstanceStateStopped,
	}
	if got := nextStates(t, n.guard, rx, len(want)); !equalStates(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
}

func TestNative_UnexpectedExit(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   []types.InstanceState
	}{
		{
			name:   "non-zero exit",
			script: "echo dying; exit 3",
			want: []types.InstanceState{
				types.InstanceStateStarting, types.InstanceStateRunning, types.InstanceStateError,
			},
		},
		{
			name:   "clean exit",
			script: "exit 0",
			want: []types.InstanceState{
				types.InstanceStateStarting, types.InstanceStateRunning,
				types.InstanceStateStopping, types.InstanceStateStopped,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, rx := newShellInstance(t, tt.script, nil)
			if err := n.Start(context.Background(), types.CausedBySystem(), true); err != nil {
				t.Fatal(err)
			}
			if got := nextStates(t, n.guard, rx, len(tt.want)); !equalStates(got, tt.want) {
				t.Errorf("states = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNative_RestartOnCrash(t *testing.T) {
	// crashes once, then stays up
	script := `if [ -f crashed ]; then while read l; do :; done; else touch crashed; exit 1; fi`
	n, rx := newShellInstance(t, script, func(c *types.InstanceConfig) { c.RestartOnCrash = true })

	if err := n.Start(context.Background(), types.CausedBySystem(), true); err != nil {
		t.Fatal(err)
	}
	want := []types.InstanceState{
		types.InstanceStateStarting, types.InstanceStateRunning, types.InstanceStateError,
		types.InstanceStateStarting, types.InstanceStateRunning,
	}
	if got := nextStates(t, n.guard, rx, len(want)); !equalStates(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	if err := n.Kill(context.Background(), types.CausedBySystem()); err != nil {
		t.Fatal(err)
	}
}

func TestNative_StopEscalatesToKill(t *testing.T) {
	script := `trap '' INT; while read l; do :; done`
	n, _ := newShellInstance(t, script, func(c *types.InstanceConfig) {
		c.StopTimeout = types.Duration(200 * time.Millisecond)
	})
	ctx := context.Background()
	if err := n.Start(ctx, types.CausedBySystem(), true); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := n.Stop(ctx, types.CausedBySystem(), true); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if n.State() != types.InstanceStateStopped {
		t.Errorf("State() = %s", n.State())
	}
	if d := time.Since(start); d < 200*time.Millisecond {
		t.Errorf("stop returned after %s, before the timeout", d)
	}
}

func TestNative_StartFailure(t *testing.T) {
	requireShell(t)
	opts, rx := testOptions(t)
	n, err := NewNative(types.InstanceConfig{
		Name:    "missing",
		Path:    t.TempDir(),
		Command: "/does/not/exist",
	}, opts)
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Start(context.Background(), types.CausedBySystem(), true); !engine.IsInternal(err) {
		t.Errorf("Start = %v", err)
	}
	want := []types.InstanceState{types.InstanceStateStarting, types.InstanceStateError}
	if got := nextStates(t, n.guard, rx, 2); !equalStates(got, want) {
		t.Errorf("states = %v", got)
	}
	if err := n.Stop(context.Background(), types.CausedBySystem(), true); !engine.IsInvalidState(err) {
		t.Errorf("Stop while error = %v", err)
	}
}

func TestNative_ConfigPersistence(t *testing.T) {
	n, _ := newShellInstance(t, "true", nil)
	ctx := context.Background()

	if err := n.SetName(ctx, "renamed"); err != nil {
		t.Fatal(err)
	}
	if err := n.SetAutoStart(ctx, true); err != nil {
		t.Fatal(err)
	}
	if err := n.SetMaxPlayerCount(ctx, 12, types.CausedBySystem()); err != nil {
		t.Fatal(err)
	}
	if err := n.SetName(ctx, ""); !engine.IsBadRequest(err) {
		t.Errorf("empty name = %v", err)
	}

	restored, err := RestoreNative(n.Path(), Options{Env: n.opts.Env})
	if err != nil {
		t.Fatalf("RestoreNative: %v", err)
	}
	if restored.Name() != "renamed" || !restored.AutoStart() || restored.UUID() != n.UUID() {
		t.Errorf("restored config = %+v", restored.Config())
	}
	if m, _ := restored.MaxPlayerCount(ctx); m != 12 {
		t.Errorf("MaxPlayerCount = %d", m)
	}
	if restored.State() != types.InstanceStateStopped {
		t.Errorf("restored state = %s", restored.State())
	}
}

func TestNewNative_Validation(t *testing.T) {
	opts, _ := testOptions(t)
	tests := []struct {
		name string
		cfg  types.InstanceConfig
	}{
		{name: "no command", cfg: types.InstanceConfig{Name: "a", Path: t.TempDir()}},
		{name: "no name", cfg: types.InstanceConfig{Command: "x", Path: t.TempDir()}},
		{name: "bad pattern", cfg: types.InstanceConfig{Name: "a", Command: "x", Path: t.TempDir(), PlayerJoinPattern: "("}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewNative(tt.cfg, opts); !engine.IsBadRequest(err) {
				t.Errorf("err = %v", err)
			}
		})
	}
}

type rejectSchemas struct{ checked []string }

func (r *rejectSchemas) ValidateInstanceConfig(cfg types.InstanceConfig) error {
	r.checked = append(r.checked, cfg.Name)
	return errors.New("name: invalid value")
}

func (r *rejectSchemas) ValidateSettings(string, map[string]map[string]any) error { return nil }

func TestNewNative_SchemaRejects(t *testing.T) {
	opts, _ := testOptions(t)
	schemas := &rejectSchemas{}
	opts.Schemas = schemas
	dir := filepath.Join(t.TempDir(), "a")

	_, err := NewNative(types.InstanceConfig{Name: "a", Command: "x", Path: dir}, opts)
	if !engine.IsBadRequest(err) {
		t.Fatalf("err = %v", err)
	}
	if len(schemas.checked) != 1 {
		t.Errorf("validator called %d times", len(schemas.checked))
	}
	if _, err := os.Stat(dir); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("rejected instance left its dir behind: %v", err)
	}
}

func TestLineWriter(t *testing.T) {
	var lines []string
	w := &lineWriter{emit: func(s string) { lines = append(lines, s) }}
	_, _ = w.Write([]byte("one\r\ntw"))
	_, _ = w.Write([]byte("o\nthree"))
	w.flush()
	want := []string{"one", "two", "three"}
	if len(lines) != len(want) {
		t.Fatalf("lines = %q", lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q", i, lines[i])
		}
	}
}

func TestLineWriter_LongLine(t *testing.T) {
	var lines []string
	w := &lineWriter{emit: func(s string) { lines = append(lines, s) }}
	chunk := make([]byte, 1000)
	for i := range chunk {
		chunk[i] = 'x'
	}
	total := 0
	for total < 3*maxLineLength {
		n, _ := w.Write(chunk)
		total += n
		if len(w.buf) >= maxLineLength {
			t.Fatalf("buffer grew to %d bytes", len(w.buf))
		}
	}
	_, _ = w.Write([]byte("tail\n"))

	if len(lines) != 4 {
		t.Fatalf("got %d lines", len(lines))
	}
	for i, l := range lines[:3] {
		if len(l) != maxLineLength {
			t.Errorf("piece %d has %d bytes", i, len(l))
		}
	}
	if want := total - 3*maxLineLength + len("tail"); len(lines[3]) != want {
		t.Errorf("last line has %d bytes, want %d", len(lines[3]), want)
	}
}
