package procedure

import (
	"context"

	"github.com/openfroyo/warden/pkg/engine"
	"github.com/openfroyo/warden/pkg/types"
)

type lifecycleFn func(ctx context.Context, uuid types.InstanceUUID, causedBy types.CausedBy, block bool) error

// InstanceControlOps builds the ops macros use to drive instances. Every action is
// attributed to binding.CausedBy.
func InstanceControlOps(env *Env, binding Binding) *OpTable {
	t := NewOpTable(env.Telemetry.Metrics)
	dir := env.Instances

	lifecycle := func(name, doc string, pick func(InstanceDirectory) lifecycleFn) Op {
		return Op{
			Name:   name,
			Params: []string{"instance_uuid?", "block?"},
			Doc:    doc,
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				if dir == nil {
					return nil, engine.NewUnsupportedError("no instance directory", nil)
				}
				uuid, err := InstanceArg(args, "instance_uuid", binding.Instance)
				if err != nil {
					return nil, err
				}
				block, err := BoolArg(args, "block", true)
				if err != nil {
					return nil, err
				}
				if err := binding.check(ctx); err != nil {
					return nil, err
				}
				return nil, pick(dir)(ctx, uuid, binding.CausedBy, block)
			},
		}
	}

	t.Register(
		lifecycle("start_instance", "Start an instance.", func(d InstanceDirectory) lifecycleFn { return d.StartInstance }),
		lifecycle("stop_instance", "Stop an instance gracefully.", func(d InstanceDirectory) lifecycleFn { return d.StopInstance }),
		lifecycle("restart_instance", "Restart an instance.", func(d InstanceDirectory) lifecycleFn { return d.RestartInstance }),
		Op{
			Name:   "kill_instance",
			Params: []string{"instance_uuid?"},
			Doc:    "Kill an instance without a graceful stop.",
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				if dir == nil {
					return nil, engine.NewUnsupportedError("no instance directory", nil)
				}
				uuid, err := InstanceArg(args, "instance_uuid", binding.Instance)
				if err != nil {
					return nil, err
				}
				if err := binding.check(ctx); err != nil {
					return nil, err
				}
				return nil, dir.KillInstance(ctx, uuid, binding.CausedBy)
			},
		},
		Op{
			Name:   "send_command",
			Params: []string{"command", "instance_uuid?"},
			Doc:    "Write one line to an instance's console.",
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				if dir == nil {
					return nil, engine.NewUnsupportedError("no instance directory", nil)
				}
				cmd, err := StringArg(args, "command")
				if err != nil {
					return nil, err
				}
				uuid, err := InstanceArg(args, "instance_uuid", binding.Instance)
				if err != nil {
					return nil, err
				}
				if err := binding.check(ctx); err != nil {
					return nil, err
				}
				return nil, dir.SendCommand(ctx, uuid, cmd, binding.CausedBy)
			},
		},
		Op{
			Name:   "instance_state",
			Params: []string{"instance_uuid?"},
			Doc:    "Return an instance's current state.",
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				if dir == nil {
					return nil, engine.NewUnsupportedError("no instance directory", nil)
				}
				uuid, err := InstanceArg(args, "instance_uuid", binding.Instance)
				if err != nil {
					return nil, err
				}
				s, err := dir.InstanceState(ctx, uuid)
				if err != nil {
					return nil, err
				}
				return string(s), nil
			},
		},
		Op{
			Name: "list_instances",
			Doc:  "List every managed instance.",
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				if dir == nil {
					return []any{}, nil
				}
				return toGeneric(dir.ListInstances(ctx))
			},
		},
	)
	return t
}
