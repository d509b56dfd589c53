package macro

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/openfroyo/warden/pkg/engine"
	"github.com/openfroyo/warden/pkg/procedure"
	"github.com/openfroyo/warden/pkg/sandbox"
	"github.com/openfroyo/warden/pkg/types"
)

// errExit unwinds a script after it called exit. The status it asked for is
// already recorded on the task.
var errExit = errors.New("macro exited")

func killed(err error) error {
	return engine.NewInternalError("task is no longer running", err).WithCode(engine.ErrCodeKilled)
}

// ops builds the op table of one task: the event and instance control ops acting
// as the task, plus the ops that manage the task itself.
func (e *Executor) ops(t *task, host sandbox.Host) *procedure.OpTable {
	pid := t.info.PID
	binding := procedure.Binding{
		CausedBy:     types.CausedByMacro(pid),
		Instance:     t.info.Instance,
		InstanceName: e.instanceName(t.info.Instance),
		Alive:        t.alive,
		Gate:         t.gate,
	}

	ops := procedure.EventOps(e.env, binding).Merge(procedure.InstanceControlOps(e.env, binding))
	ops.Register(
		procedure.Op{
			Name: "args",
			Doc:  "Arguments the macro was started with.",
			Fn: func(context.Context, map[string]any) (any, error) {
				out := make([]any, len(t.info.Args))
				for i, a := range t.info.Args {
					out[i] = a
				}
				return out, nil
			},
		},
		procedure.Op{
			Name:   "sleep",
			Params: []string{"seconds"},
			Doc:    "Pause the macro.",
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				secs, err := procedure.FloatArg(args, "seconds", 0)
				if err != nil {
					return nil, err
				}
				if secs < 0 {
					return nil, engine.NewBadRequestError("sleep: seconds must not be negative", nil)
				}
				timer := time.NewTimer(time.Duration(secs * float64(time.Second)))
				defer timer.Stop()
				select {
				case <-timer.C:
				case <-ctx.Done():
					return nil, killed(ctx.Err())
				case <-t.ctx.Done():
					return nil, killed(t.ctx.Err())
				}
				return nil, nil
			},
		},
		procedure.Op{
			Name:   "exit",
			Params: []string{"status?", "message?"},
			Doc:    "End the macro with status success (default) or error.",
			Fn: func(_ context.Context, args map[string]any) (any, error) {
				status, err := procedure.OptionalStringArg(args, "status", ExitSuccess)
				if err != nil {
					return nil, err
				}
				if status != ExitSuccess && status != ExitError {
					return nil, engine.NewBadRequestError("exit: status must be success or error", nil)
				}
				msg, err := procedure.OptionalStringArg(args, "message", "")
				if err != nil {
					return nil, err
				}
				e.mu.Lock()
				if t.exit == nil {
					t.exit = &types.ExitStatus{Type: status, Message: msg}
				}
				e.mu.Unlock()
				return nil, errExit
			},
		},
		procedure.Op{
			Name: "emit_detach",
			Doc:  "Detach the macro from its parent.",
			Fn: func(context.Context, map[string]any) (any, error) {
				if err := t.alive(); err != nil {
					return nil, killed(err)
				}
				return nil, e.Detach(pid)
			},
		},
		procedure.Op{
			Name:   "spawn",
			Params: []string{"script", "args?", "detach?"},
			Doc:    "Start a child macro from a script next to this one. Returns its pid.",
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				script, err := procedure.StringArg(args, "script")
				if err != nil {
					return nil, err
				}
				if !filepath.IsLocal(script) {
					return nil, engine.NewBadRequestError("spawn: script must be a path below the macro's directory", nil)
				}
				childArgs, err := procedure.StringListArg(args, "args")
				if err != nil {
					return nil, err
				}
				detach, err := procedure.BoolArg(args, "detach", false)
				if err != nil {
					return nil, err
				}
				if err := t.alive(); err != nil {
					return nil, killed(err)
				}
				child, err := e.Spawn(ctx, SpawnRequest{
					Script:   filepath.Join(filepath.Dir(t.info.Script), script),
					Args:     childArgs,
					CausedBy: types.CausedByMacro(pid),
					Host:     host,
					Instance: t.info.Instance,
					Parent:   &pid,
					Detached: detach,
				})
				if err != nil {
					return nil, err
				}
				return int64(child), nil
			},
		},
	)

	if e.grants != nil {
		ops = e.grants(sandbox.KindMacro, ops)
	}
	return ops
}

func (e *Executor) instanceName(uuid *types.InstanceUUID) func() string {
	return func() string {
		if uuid == nil || e.env.Instances == nil {
			return ""
		}
		for _, s := range e.env.Instances.ListInstances(context.Background()) {
			if s.UUID == *uuid {
				return s.Name
			}
		}
		return ""
	}
}
