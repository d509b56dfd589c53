package macro

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/warden/pkg/engine"
	"github.com/openfroyo/warden/pkg/procedure"
	"github.com/openfroyo/warden/pkg/sandbox"
	"github.com/openfroyo/warden/pkg/telemetry"
	"github.com/openfroyo/warden/pkg/types"
)

// DefaultRetention is how long finished tasks stay in the task table.
const DefaultRetention = 30 * time.Second

// Status is the lifecycle state of a macro task.
type Status string

const (
	StatusRunning   Status = "running"
	StatusDetached  Status = "detached"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusKilled    Status = "killed"
)

// Finished reports whether the task has exited.
func (s Status) Finished() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusKilled:
		return true
	default:
		return false
	}
}

// Exit status types carried by MacroEvent::Stopped.
const (
	ExitSuccess = "success"
	ExitKilled  = "killed"
	ExitError   = "error"
)

// SpawnRequest describes one macro run.
type SpawnRequest struct {
	// Script is the path of the macro script.
	Script string
	Args   []string

	// CausedBy is who launched the macro. Lifecycle events of the task carry it.
	CausedBy types.CausedBy

	// Host spawns the worker. The executor's default host is used when nil.
	Host sandbox.Host

	// Instance binds the macro to an instance so instance ops default to it.
	Instance *types.InstanceUUID

	// Parent is set for macros spawned by another macro.
	Parent *types.MacroPID

	// Detached starts the task detached from its parent.
	Detached bool
}

// TaskInfo is a snapshot of one task table entry.
type TaskInfo struct {
	PID        types.MacroPID      `json:"pid"`
	Name       string              `json:"name"`
	Script     string              `json:"script"`
	Args       []string            `json:"args,omitempty"`
	Instance   *types.InstanceUUID `json:"instance_uuid,omitempty"`
	Parent     *types.MacroPID     `json:"parent_pid,omitempty"`
	CausedBy   types.CausedBy      `json:"caused_by"`
	Status     Status              `json:"status"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
	ExitStatus *types.ExitStatus   `json:"exit_status,omitempty"`
}

type task struct {
	// info is guarded by Executor.mu
	info TaskInfo

	// worker is nil until the host has spawned it. Guarded by Executor.mu.
	worker sandbox.Worker

	// exit is the status requested through the exit op. Guarded by Executor.mu.
	exit *types.ExitStatus

	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span

	// sendMu orders the task's own publishes with its Stopped event.
	sendMu sync.Mutex

	// ready closes once Spawn has finished with the task, successfully or not.
	ready chan struct{}

	// done closes once the task has exited.
	done chan struct{}
}

// alive fails once the task is killed or finished. It holds back ops a worker
// issues before Started has been published.
func (t *task) alive() error {
	<-t.ready
	return t.ctx.Err()
}

// gate runs publish unless the task is already killed or finished.
func (t *task) gate(publish func()) error {
	<-t.ready
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if err := t.ctx.Err(); err != nil {
		return err
	}
	publish()
	return nil
}

// Executor runs macros and keeps the task table.
type Executor struct {
	env       *procedure.Env
	host      sandbox.Host
	grants    func(sandbox.Kind, *procedure.OpTable) *procedure.OpTable
	retention time.Duration
	tel       *telemetry.Telemetry
	now       func() time.Time

	// mu protects nextPID and tasks, and every task's guarded fields
	mu      sync.Mutex
	nextPID types.MacroPID
	tasks   map[types.MacroPID]*task
}

// Option configures an Executor.
type Option func(*Executor)

// WithHost sets the host used when a SpawnRequest names none.
func WithHost(h sandbox.Host) Option {
	return func(e *Executor) { e.host = h }
}

// WithGrants narrows every macro's op table, e.g. through policy.
func WithGrants(f func(sandbox.Kind, *procedure.OpTable) *procedure.OpTable) Option {
	return func(e *Executor) { e.grants = f }
}

// WithRetention sets how long finished tasks remain listed.
func WithRetention(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.retention = d
		}
	}
}

// NewExecutor creates an executor whose macros act through env.
func NewExecutor(env *procedure.Env, opts ...Option) *Executor {
	e := &Executor{
		env:       env,
		retention: DefaultRetention,
		tel:       telemetry.OrNop(env.Telemetry).Component("macro-executor"),
		now:       time.Now,
		tasks:     make(map[types.MacroPID]*task),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Spawn starts a macro and returns its PID without waiting for it to run.
func (e *Executor) Spawn(ctx context.Context, req SpawnRequest) (types.MacroPID, error) {
	if req.Script == "" {
		return 0, engine.NewBadRequestError("macro script is required", nil)
	}
	host := req.Host
	if host == nil {
		host = e.host
	}
	if host == nil {
		return 0, engine.NewUnsupportedError("no sandbox host for macros", nil)
	}
	if req.CausedBy.Type == "" {
		req.CausedBy = types.CausedBySystem()
	}
	if err := req.CausedBy.Validate(); err != nil {
		return 0, engine.NewBadRequestError("invalid caused_by", err)
	}

	tctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	status := StatusRunning
	if req.Detached {
		status = StatusDetached
	}

	e.mu.Lock()
	if req.Parent != nil {
		if _, ok := e.tasks[*req.Parent]; !ok {
			e.mu.Unlock()
			cancel()
			return 0, engine.NewNotFoundError(fmt.Sprintf("parent macro %s not found", *req.Parent), nil)
		}
	}
	e.nextPID++
	pid := e.nextPID
	t := &task{
		info: TaskInfo{
			PID:       pid,
			Name:      strings.TrimSuffix(filepath.Base(req.Script), filepath.Ext(req.Script)),
			Script:    req.Script,
			Args:      req.Args,
			Instance:  req.Instance,
			Parent:    req.Parent,
			CausedBy:  req.CausedBy,
			Status:    status,
			StartedAt: e.now(),
		},
		ctx:    tctx,
		cancel: cancel,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	e.tasks[pid] = t
	e.mu.Unlock()
	defer close(t.ready)

	logger := e.tel.Logger.WithMacroPID(pid)
	_, t.span = e.tel.Tracer.StartMacroSpan(ctx, pid, req.Script)

	w, err := host.Spawn(tctx, sandbox.Spec{
		Kind: sandbox.KindMacro,
		Name: t.info.Name,
		Path: req.Script,
		Dir:  filepath.Dir(req.Script),
		Args: req.Args,
		Ops:  e.ops(t, host),
	})
	if err != nil {
		cancel()
		e.mu.Lock()
		delete(e.tasks, pid)
		e.mu.Unlock()
		telemetry.EndSpan(t.span, err)
		logger.WithError(err).Warn("macro failed to spawn")
		if errors.Is(err, os.ErrNotExist) {
			return 0, engine.NewNotFoundError("macro script not found", err)
		}
		return 0, engine.NewInternalError("failed to spawn macro", err)
	}

	e.mu.Lock()
	t.worker = w
	e.mu.Unlock()

	e.tel.Metrics.RecordMacroSpawned()
	e.publish(t, types.MacroEventInner{Type: types.MacroEventStarted})
	logger.Infof("macro %s started", t.info.Name)

	go e.supervise(t, w)
	return pid, nil
}

// supervise waits for the worker and records how the task ended.
func (e *Executor) supervise(t *task, w sandbox.Worker) {
	<-w.Done()
	defer close(t.done)
	defer t.cancel()

	e.mu.Lock()
	if t.info.Status == StatusKilled {
		e.mu.Unlock()
		e.tel.Metrics.RecordMacroFinished(string(StatusKilled))
		telemetry.EndSpan(t.span, nil)
		return
	}

	now := e.now()
	exit := t.exit
	var runErr error
	switch {
	case exit != nil:
		exit.Time = now
	case w.Err() != nil:
		runErr = w.Err()
		exit = &types.ExitStatus{Type: ExitError, Message: runErr.Error(), Time: now}
	default:
		exit = &types.ExitStatus{Type: ExitSuccess, Time: now}
	}
	t.info.Status = StatusCompleted
	if exit.Type != ExitSuccess {
		t.info.Status = StatusFailed
	}
	t.info.FinishedAt = &now
	t.info.ExitStatus = exit
	status := t.info.Status
	e.mu.Unlock()

	e.stopped(t, exit)
	e.tel.Metrics.RecordMacroFinished(string(status))
	telemetry.EndSpan(t.span, runErr)

	logger := e.tel.Logger.WithMacroPID(t.info.PID)
	if runErr != nil {
		logger.WithError(runErr).Warn("macro failed")
	} else {
		logger.Debugf("macro exited: %s", exit.Type)
	}
}

// ready returns the task once Spawn is done with it.
func (e *Executor) ready(pid types.MacroPID) (*task, error) {
	e.mu.Lock()
	t, ok := e.tasks[pid]
	e.mu.Unlock()
	if !ok {
		return nil, engine.NewNotFoundError(fmt.Sprintf("macro %s not found", pid), nil)
	}
	<-t.ready

	e.mu.Lock()
	defer e.mu.Unlock()
	if t.worker == nil {
		return nil, engine.NewNotFoundError(fmt.Sprintf("macro %s not found", pid), nil)
	}
	return t, nil
}

// Detach releases a running task from its parent, so killing the parent no
// longer kills it. Detaching a detached task does nothing.
func (e *Executor) Detach(pid types.MacroPID) error {
	t, err := e.ready(pid)
	if err != nil {
		return err
	}

	e.mu.Lock()
	switch s := t.info.Status; s {
	case StatusDetached:
		e.mu.Unlock()
		return nil
	case StatusRunning:
		t.info.Status = StatusDetached
	default:
		e.mu.Unlock()
		return engine.NewInvalidStateError(fmt.Sprintf("macro %s is %s", pid, s), nil)
	}
	e.mu.Unlock()

	e.publish(t, types.MacroEventInner{Type: types.MacroEventDetach})
	return nil
}

// Kill terminates a task and every running child it has not detached. Ops
// the task has in flight fail with an Internal error, and nothing it does
// afterwards reaches the bus.
func (e *Executor) Kill(pid types.MacroPID) error {
	t, err := e.ready(pid)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if s := t.info.Status; s.Finished() {
		e.mu.Unlock()
		return engine.NewInvalidStateError(fmt.Sprintf("macro %s already %s", pid, s), nil)
	}
	now := e.now()
	exit := &types.ExitStatus{Type: ExitKilled, Time: now}
	t.info.Status = StatusKilled
	t.info.FinishedAt = &now
	t.info.ExitStatus = exit
	w := t.worker
	var children []types.MacroPID
	for cpid, c := range e.tasks {
		if c.info.Parent != nil && *c.info.Parent == pid && c.info.Status == StatusRunning {
			children = append(children, cpid)
		}
	}
	e.mu.Unlock()

	e.stopped(t, exit)
	w.Terminate()
	e.tel.Logger.WithMacroPID(pid).Info("macro killed")

	for _, cpid := range children {
		if err := e.Kill(cpid); err != nil && !engine.IsInvalidState(err) {
			e.tel.Logger.WithMacroPID(cpid).WithError(err).Warn("failed to kill child macro")
		}
	}
	return nil
}

// KillAll kills every task that is still running or detached.
func (e *Executor) KillAll() {
	for _, info := range e.GetTaskList() {
		if info.Status.Finished() {
			continue
		}
		_ = e.Kill(info.PID)
	}
}

// Wait blocks until the task exits and returns its exit status.
func (e *Executor) Wait(ctx context.Context, pid types.MacroPID) (types.ExitStatus, error) {
	t, err := e.ready(pid)
	if err != nil {
		return types.ExitStatus{}, err
	}
	select {
	case <-t.done:
	case <-ctx.Done():
		return types.ExitStatus{}, ctx.Err()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return *t.info.ExitStatus, nil
}

// Get returns a snapshot of one task.
func (e *Executor) Get(pid types.MacroPID) (TaskInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[pid]
	if !ok {
		return TaskInfo{}, engine.NewNotFoundError(fmt.Sprintf("macro %s not found", pid), nil)
	}
	return t.info, nil
}

// GetTaskList returns every task in the table, ordered by PID.
func (e *Executor) GetTaskList() []TaskInfo {
	e.mu.Lock()
	out := make([]TaskInfo, 0, len(e.tasks))
	for _, t := range e.tasks {
		out = append(out, t.info)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// Reap drops tasks that finished more than the retention window ago and
// returns how many it dropped.
func (e *Executor) Reap() int {
	cutoff := e.now().Add(-e.retention)
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for pid, t := range e.tasks {
		if t.info.FinishedAt != nil && t.info.FinishedAt.Before(cutoff) {
			delete(e.tasks, pid)
			n++
		}
	}
	return n
}

// Run reaps finished tasks until ctx is done.
func (e *Executor) Run(ctx context.Context) {
	interval := e.retention / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := e.Reap(); n > 0 {
				e.tel.Logger.Debugf("reaped %d macro tasks", n)
			}
		}
	}
}

// stopped cancels the task and publishes its Stopped event. No publish the
// task gates can land after it.
func (e *Executor) stopped(t *task, exit *types.ExitStatus) {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	t.cancel()
	e.publish(t, types.MacroEventInner{Type: types.MacroEventStopped, ExitStatus: exit})
}

func (e *Executor) publish(t *task, inner types.MacroEventInner) {
	if e.env.Bus == nil {
		return
	}
	e.env.Bus.Send(types.NewMacroEvent(t.info.PID, t.info.Instance, inner, t.info.CausedBy))
}
