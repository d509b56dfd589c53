package instance

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/procfs"

	"github.com/openfroyo/warden/pkg/engine"
	"github.com/openfroyo/warden/pkg/types"
)

// pipeDrain bounds how long Wait keeps reading output after the process exits.
const pipeDrain = 2 * time.Second

// Native is an instance backed by a host process.
type Native struct {
	*settings
	guard *guard
	opts  Options

	join, leave, message *regexp.Regexp

	mu      sync.Mutex
	proc    *process
	players map[string]struct{}
}

type process struct {
	cmd     *exec.Cmd
	started time.Time

	stdinMu sync.Mutex
	stdin   io.WriteCloser

	// expected is set before the daemon stops the process on purpose.
	expected atomic.Bool
	exited   chan struct{}
	err      error
}

var _ Instance = (*Native)(nil)

// NewNative creates a native instance in cfg.Path and persists its config.
func NewNative(cfg types.InstanceConfig, opts Options) (*Native, error) {
	if cfg.Command == "" {
		return nil, badRequest("native instance needs a command")
	}
	if cfg.Name == "" {
		return nil, badRequest("instance name is required")
	}
	if cfg.Path == "" {
		return nil, badRequest("instance path is required")
	}
	if cfg.UUID == "" {
		cfg.UUID = types.NewInstanceUUID()
	}
	if cfg.CreationTime.IsZero() {
		cfg.CreationTime = time.Now().UTC()
	}
	cfg.Kind = types.InstanceKindNative
	if err := opts.checkConfig(cfg); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create instance dir: %w", err)
	}
	n, err := newNative(cfg, opts)
	if err != nil {
		return nil, err
	}
	if err := SaveConfig(cfg); err != nil {
		return nil, err
	}
	return n, nil
}

// RestoreNative reattaches to a native instance persisted in dir. The process
// is not started.
func RestoreNative(dir string, opts Options) (*Native, error) {
	cfg, err := LoadConfig(dir)
	if err != nil {
		return nil, err
	}
	if cfg.Kind != types.InstanceKindNative {
		return nil, badRequest(fmt.Sprintf("%s holds a %s instance", dir, cfg.Kind))
	}
	return newNative(cfg, opts)
}

func newNative(cfg types.InstanceConfig, opts Options) (*Native, error) {
	n := &Native{
		settings: newSettings(cfg),
		opts:     opts,
		players:  make(map[string]struct{}),
	}
	var err error
	if n.join, err = compilePattern("player_join_pattern", cfg.PlayerJoinPattern); err != nil {
		return nil, err
	}
	if n.leave, err = compilePattern("player_leave_pattern", cfg.PlayerLeavePattern); err != nil {
		return nil, err
	}
	if n.message, err = compilePattern("player_message_pattern", cfg.PlayerMessagePattern); err != nil {
		return nil, err
	}
	n.guard = newGuard(cfg.UUID, types.InstanceKindNative, n.Name, opts.bus(), opts.telemetry())
	return n, nil
}

func compilePattern(field, expr string) (*regexp.Regexp, error) {
	if expr == "" {
		return nil, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, engine.NewBadRequestError("invalid "+field, err)
	}
	return re, nil
}

func (n *Native) Kind() types.InstanceKind { return types.InstanceKindNative }
func (n *Native) lifecycle() *guard        { return n.guard }

// State returns the current lifecycle state.
func (n *Native) State() types.InstanceState { return n.guard.State() }

// Start launches the process. With block=false it returns once the start is queued.
func (n *Native) Start(ctx context.Context, causedBy types.CausedBy, block bool) error {
	return n.guard.run(ctx, engine.OpStart, causedBy, block, n)
}

// Stop writes the stop command, or interrupts the process when there is none,
// and kills it if it is still up after the stop timeout.
func (n *Native) Stop(ctx context.Context, causedBy types.CausedBy, block bool) error {
	return n.guard.run(ctx, engine.OpStop, causedBy, block, n)
}

// Restart stops a running process and starts it again.
func (n *Native) Restart(ctx context.Context, causedBy types.CausedBy, block bool) error {
	return n.guard.run(ctx, engine.OpRestart, causedBy, block, n)
}

// Kill sends SIGKILL and waits for the process to go.
func (n *Native) Kill(ctx context.Context, causedBy types.CausedBy) error {
	return n.guard.run(ctx, engine.OpKill, causedBy, true, n)
}

func (n *Native) current() *process {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.proc
}

func (n *Native) startWorkload(_ context.Context, _ types.CausedBy) error {
	cfg := n.Config()

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Path
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	stdout := &lineWriter{emit: n.line}
	stderr := &lineWriter{emit: n.line}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = pipeDrain

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return engine.NewInternalError("failed to open stdin", err)
	}
	if err := cmd.Start(); err != nil {
		return engine.NewInternalError(fmt.Sprintf("failed to start %s", cfg.Command), err)
	}

	p := &process{cmd: cmd, stdin: stdin, started: time.Now(), exited: make(chan struct{})}
	n.mu.Lock()
	n.proc = p
	n.players = make(map[string]struct{})
	n.mu.Unlock()

	n.guard.tel.Logger.WithInstance(n.UUID(), n.Name()).
		Infof("started %s (pid %d)", cfg.Command, cmd.Process.Pid)

	go n.wait(p, stdout, stderr)
	return nil
}

// wait reaps p and reports an exit nobody asked for.
func (n *Native) wait(p *process, outputs ...*lineWriter) {
	p.err = p.cmd.Wait()
	for _, w := range outputs {
		w.flush()
	}
	close(p.exited)
	if p.expected.Load() {
		return
	}

	reason := "process exited"
	if p.err != nil {
		reason = fmt.Sprintf("process exited unexpectedly: %v", p.err)
	}
	crashed := n.guard.crashed(p.err == nil, func() bool { return n.current() != p }, reason)
	n.mu.Lock()
	if n.proc == p {
		n.proc = nil
	}
	n.mu.Unlock()
	afterCrash(n, crashed)
}

func (n *Native) stopWorkload(ctx context.Context, causedBy types.CausedBy) error {
	p := n.current()
	if p == nil {
		return nil
	}
	p.expected.Store(true)

	cfg := n.Config()
	if cfg.StopCommand != "" {
		if err := p.write(cfg.StopCommand); err != nil {
			_ = p.cmd.Process.Signal(os.Interrupt)
		} else {
			publishInput(n.guard, cfg.StopCommand, causedBy)
		}
	} else {
		_ = p.cmd.Process.Signal(os.Interrupt)
	}

	wait := timeout(cfg.StopTimeout, n.opts.stopTimeout())
	select {
	case <-p.exited:
	case <-time.After(wait):
		n.guard.tel.Logger.WithInstance(n.UUID(), n.Name()).
			Warnf("process did not stop within %s, killing", wait)
		_ = p.cmd.Process.Kill()
		<-p.exited
	case <-ctx.Done():
		_ = p.cmd.Process.Kill()
		<-p.exited
	}
	n.detach(p)
	return nil
}

func (n *Native) killWorkload(_ context.Context, _ types.CausedBy) error {
	p := n.current()
	if p == nil {
		return nil
	}
	p.expected.Store(true)
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return engine.NewInternalError("failed to kill process", err)
	}
	<-p.exited
	n.detach(p)
	return nil
}

func (n *Native) detach(p *process) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.proc == p {
		n.proc = nil
		n.players = make(map[string]struct{})
	}
}

func (p *process) write(line string) error {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	if _, err := io.WriteString(p.stdin, line+"\n"); err != nil {
		return engine.NewInternalError("failed to write to stdin", err)
	}
	return nil
}

// SendCommand writes one line to the process's stdin.
func (n *Native) SendCommand(_ context.Context, command string, causedBy types.CausedBy) error {
	if err := commandCheck(n.guard, command); err != nil {
		return err
	}
	p := n.current()
	if p == nil {
		return unsupported(n.UUID(), "instance has no running process")
	}
	if err := p.write(command); err != nil {
		return err
	}
	publishInput(n.guard, command, causedBy)
	return nil
}

// Monitor reports process usage from /proc where available.
func (n *Native) Monitor(_ context.Context) types.MonitorReport {
	p := n.current()
	if p == nil {
		return types.MonitorReport{}
	}
	started := p.started
	report := types.MonitorReport{
		PID:       p.cmd.Process.Pid,
		StartTime: &started,
		Uptime:    time.Since(started),
	}

	proc, err := procfs.NewProc(report.PID)
	if err != nil {
		return report
	}
	stat, err := proc.Stat()
	if err != nil {
		return report
	}
	rss := uint64(stat.ResidentMemory())
	report.MemoryUsage = &rss
	if secs := report.Uptime.Seconds(); secs > 0 {
		cpu := stat.CPUTime() / secs * 100
		report.CPUUsage = &cpu
	}
	return report
}

// line handles one line of process output.
func (n *Native) line(text string) {
	g := n.guard
	g.bus.Send(types.NewInstanceOutputEvent(g.uuid, g.name(), text))

	by := types.CausedByInstance(g.uuid)
	if name, ok := matchPlayer(n.join, text); ok {
		n.playerChange(name, true, by)
	}
	if name, ok := matchPlayer(n.leave, text); ok {
		n.playerChange(name, false, by)
	}
	if n.message != nil {
		if m := n.message.FindStringSubmatch(text); m != nil {
			player, msg := group(n.message, m, "player", 1), group(n.message, m, "message", 2)
			g.bus.Send(types.NewInstanceEvent(g.uuid, g.name(), types.InstanceEventInner{
				Type:    types.InstanceEventPlayerMessage,
				Player:  player,
				Message: msg,
			}, by))
		}
	}
}

func (n *Native) playerChange(name string, joined bool, by types.CausedBy) {
	n.mu.Lock()
	_, present := n.players[name]
	if joined == present {
		n.mu.Unlock()
		return
	}
	if joined {
		n.players[name] = struct{}{}
	} else {
		delete(n.players, name)
	}
	list := n.playerListLocked()
	n.mu.Unlock()

	inner := types.InstanceEventInner{Type: types.InstanceEventPlayerChange, PlayerList: list}
	if joined {
		inner.PlayersJoined = []types.Player{{Name: name}}
	} else {
		inner.PlayersLeft = []types.Player{{Name: name}}
	}
	n.guard.bus.Send(types.NewInstanceEvent(n.UUID(), n.Name(), inner, by))
}

// matchPlayer extracts the "player" group, or the first group.
func matchPlayer(re *regexp.Regexp, text string) (string, bool) {
	if re == nil {
		return "", false
	}
	m := re.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	name := group(re, m, "player", 1)
	return name, name != ""
}

func group(re *regexp.Regexp, m []string, name string, fallback int) string {
	if i := re.SubexpIndex(name); i > 0 {
		return m[i]
	}
	if fallback < len(m) {
		return m[fallback]
	}
	return ""
}

func (n *Native) playerListLocked() []types.Player {
	list := make([]types.Player, 0, len(n.players))
	for name := range n.players {
		list = append(list, types.Player{Name: name})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// PlayerCount returns how many players the console output says are online.
func (n *Native) PlayerCount(context.Context) (uint32, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return uint32(len(n.players)), nil
}

// MaxPlayerCount returns the configured player cap.
func (n *Native) MaxPlayerCount(context.Context) (uint32, error) {
	return n.Config().MaxPlayers, nil
}

// SetMaxPlayerCount persists a new player cap. The running process is not told.
func (n *Native) SetMaxPlayerCount(_ context.Context, max uint32, _ types.CausedBy) error {
	return n.update(func(c *types.InstanceConfig) error { c.MaxPlayers = max; return nil })
}

// PlayerList returns the online players sorted by name.
func (n *Native) PlayerList(context.Context) ([]types.Player, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.playerListLocked(), nil
}

func (n *Native) ListResources(context.Context, string) ([]string, error) {
	return nil, unsupported(n.UUID(), "native instances have no managed resources")
}

func (n *Native) SetResourceEnabled(context.Context, string, string, bool, types.CausedBy) error {
	return unsupported(n.UUID(), "native instances have no managed resources")
}

// Close kills a process left behind by a failed stop.
func (n *Native) Close() error {
	if p := n.current(); p != nil {
		p.expected.Store(true)
		_ = p.cmd.Process.Kill()
		<-p.exited
		n.detach(p)
	}
	return nil
}

// maxLineLength is the longest line lineWriter holds back. Longer output
// without a newline is emitted in pieces of this size.
const maxLineLength = 64 << 10

// lineWriter splits process output into lines.
type lineWriter struct {
	emit func(string)
	buf  []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(string(bytes.TrimRight(w.buf[:i], "\r")))
		w.buf = w.buf[i+1:]
	}
	for len(w.buf) >= maxLineLength {
		w.emit(string(w.buf[:maxLineLength]))
		w.buf = w.buf[maxLineLength:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if len(w.buf) > 0 {
		w.emit(string(w.buf))
		w.buf = nil
	}
}
