package procedure

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/openfroyo/warden/pkg/engine"
	"github.com/openfroyo/warden/pkg/events"
	"github.com/openfroyo/warden/pkg/types"
)

// progressions tracks the progression streams a binding has opened and not ended.
type progressions struct {
	mu   sync.Mutex
	open map[types.ProgressionEventID]string
}

func (p *progressions) add(id types.ProgressionEventID, name string) {
	p.mu.Lock()
	p.open[id] = name
	p.mu.Unlock()
}

func (p *progressions) get(id types.ProgressionEventID) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	name, ok := p.open[id]
	return name, ok
}

func (p *progressions) remove(id types.ProgressionEventID) {
	p.mu.Lock()
	delete(p.open, id)
	p.mu.Unlock()
}

// EventOps builds the emit/next ops over the bus, acting as binding.
func EventOps(env *Env, binding Binding) *OpTable {
	t := NewOpTable(env.Telemetry.Metrics)
	prog := &progressions{open: make(map[types.ProgressionEventID]string)}
	logger := env.Telemetry.Logger.WithCausedBy(binding.CausedBy)

	publish := func(ctx context.Context, e types.Event) error {
		if err := binding.check(ctx); err != nil {
			return err
		}
		return binding.send(env.Bus, e)
	}

	instanceEvent := func(ctx context.Context, inner types.InstanceEventInner) error {
		uuid, err := binding.instance()
		if err != nil {
			return err
		}
		return publish(ctx, types.NewInstanceEvent(uuid, binding.name(), inner, binding.CausedBy))
	}

	t.Register(
		Op{
			Name:   "emit_console_out",
			Params: []string{"line"},
			Doc:    "Publish one line of console output for the bound instance.",
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				line, err := StringArg(args, "line")
				if err != nil {
					return nil, err
				}
				return nil, instanceEvent(ctx, types.InstanceEventInner{Type: types.InstanceEventOutput, Message: line})
			},
		},
		Op{
			Name:   "emit_state_change",
			Params: []string{"state"},
			Doc:    "Move the bound instance to a new state.",
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				s, err := StringArg(args, "state")
				if err != nil {
					return nil, err
				}
				to := types.InstanceState(s)
				if err := to.Validate(); err != nil {
					return nil, engine.NewBadRequestError("emit_state_change", err)
				}
				if binding.SetState == nil {
					return nil, engine.NewUnsupportedError("this worker cannot change instance state", nil)
				}
				if err := binding.check(ctx); err != nil {
					return nil, err
				}
				return nil, binding.SetState(ctx, to)
			},
		},
		Op{
			Name:   "emit_warning",
			Params: []string{"message"},
			Doc:    "Publish a warning for the bound instance.",
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				msg, err := StringArg(args, "message")
				if err != nil {
					return nil, err
				}
				return nil, instanceEvent(ctx, types.InstanceEventInner{Type: types.InstanceEventWarning, Message: msg})
			},
		},
		Op{
			Name:   "emit_player_change",
			Params: []string{"player_list", "players_joined?", "players_left?"},
			Doc:    "Publish the bound instance's player list with who joined and who left.",
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				list, err := StringListArg(args, "player_list")
				if err != nil {
					return nil, err
				}
				joined, err := StringListArg(args, "players_joined")
				if err != nil {
					return nil, err
				}
				left, err := StringListArg(args, "players_left")
				if err != nil {
					return nil, err
				}
				return nil, instanceEvent(ctx, types.InstanceEventInner{
					Type:          types.InstanceEventPlayerChange,
					PlayerList:    players(list),
					PlayersJoined: players(joined),
					PlayersLeft:   players(left),
				})
			},
		},
		Op{
			Name:   "emit_progression_event_start",
			Params: []string{"progression_name", "total?"},
			Doc:    "Open a progression stream and return its id.",
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				name, err := StringArg(args, "progression_name")
				if err != nil {
					return nil, err
				}
				var total *float64
				if _, ok := args["total"]; ok {
					v, err := FloatArg(args, "total", 0)
					if err != nil {
						return nil, err
					}
					total = &v
				}
				id := types.NewProgressionEventID(env.Snowflakes.Next())
				err = publish(ctx, types.NewProgressionEvent(id, types.ProgressionEventInner{
					Type:            types.ProgressionStart,
					ProgressionName: name,
					Total:           total,
				}, binding.CausedBy))
				if err != nil {
					return nil, err
				}
				prog.add(id, name)
				return string(id), nil
			},
		},
		Op{
			Name:   "emit_progression_event_update",
			Params: []string{"event_id", "progress_message", "progress?"},
			Doc:    "Report progress on an open stream.",
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				id, err := openProgression(prog, args)
				if err != nil {
					return nil, err
				}
				msg, err := StringArg(args, "progress_message")
				if err != nil {
					return nil, err
				}
				progress, err := FloatArg(args, "progress", 0)
				if err != nil {
					return nil, err
				}
				return nil, publish(ctx, types.NewProgressionEvent(id, types.ProgressionEventInner{
					Type:            types.ProgressionUpdate,
					ProgressMessage: msg,
					Progress:        progress,
				}, binding.CausedBy))
			},
		},
		Op{
			Name:   "emit_progression_event_end",
			Params: []string{"event_id", "success?", "message?"},
			Doc:    "Close an open stream.",
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				id, err := openProgression(prog, args)
				if err != nil {
					return nil, err
				}
				success, err := BoolArg(args, "success", true)
				if err != nil {
					return nil, err
				}
				msg, err := OptionalStringArg(args, "message", "")
				if err != nil {
					return nil, err
				}
				err = publish(ctx, types.NewProgressionEvent(id, types.ProgressionEventInner{
					Type:    types.ProgressionEnd,
					Success: success,
					Message: msg,
				}, binding.CausedBy))
				if err != nil {
					return nil, err
				}
				prog.remove(id)
				return nil, nil
			},
		},
		Op{
			Name: "next_event",
			Doc:  "Wait for the next event on the bus.",
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				e, err := env.Bus.NextEvent(ctx)
				if err != nil {
					return nil, waitErr(err)
				}
				return toGeneric(e)
			},
		},
		Op{
			Name:   "next_instance_state_change",
			Params: []string{"instance_uuid?"},
			Doc:    "Wait for an instance's next state transition and return the new state.",
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				uuid, err := InstanceArg(args, "instance_uuid", binding.Instance)
				if err != nil {
					return nil, err
				}
				s, err := env.Bus.NextInstanceStateChange(ctx, uuid)
				if err != nil {
					return nil, waitErr(err)
				}
				return string(s), nil
			},
		},
		Op{
			Name:   "next_instance_output",
			Params: []string{"instance_uuid?"},
			Doc:    "Wait for an instance's next console line.",
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				uuid, err := InstanceArg(args, "instance_uuid", binding.Instance)
				if err != nil {
					return nil, err
				}
				line, err := env.Bus.NextInstanceOutput(ctx, uuid)
				if err != nil {
					return nil, waitErr(err)
				}
				return line, nil
			},
		},
		Op{
			Name:   "next_instance_player_change",
			Params: []string{"instance_uuid?"},
			Doc:    "Wait for an instance's next player list change.",
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				uuid, err := InstanceArg(args, "instance_uuid", binding.Instance)
				if err != nil {
					return nil, err
				}
				inner, err := env.Bus.NextInstancePlayerChange(ctx, uuid)
				if err != nil {
					return nil, waitErr(err)
				}
				return map[string]any{
					"player_list":    playerNames(inner.PlayerList),
					"players_joined": playerNames(inner.PlayersJoined),
					"players_left":   playerNames(inner.PlayersLeft),
				}, nil
			},
		},
		Op{
			Name:   "next_player_message",
			Params: []string{"instance_uuid?"},
			Doc:    "Wait for the next chat message on an instance.",
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				uuid, err := InstanceArg(args, "instance_uuid", binding.Instance)
				if err != nil {
					return nil, err
				}
				player, msg, err := env.Bus.NextPlayerMessage(ctx, uuid)
				if err != nil {
					return nil, waitErr(err)
				}
				return map[string]any{"player": player, "message": msg}, nil
			},
		},
		Op{
			Name: "instance_uuid",
			Doc:  "Return the bound instance's UUID, or None.",
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				if binding.Instance == nil {
					return nil, nil
				}
				return binding.Instance.String(), nil
			},
		},
		Op{
			Name: "instance_path",
			Doc:  "Return the bound instance's directory.",
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				if binding.InstancePath == "" {
					return nil, engine.NewBadRequestError("no instance directory bound", nil)
				}
				return binding.InstancePath, nil
			},
		},
		Op{
			Name:   "log",
			Params: []string{"message", "level?"},
			Doc:    "Write to the daemon log.",
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				msg, err := StringArg(args, "message")
				if err != nil {
					return nil, err
				}
				level, err := OptionalStringArg(args, "level", "info")
				if err != nil {
					return nil, err
				}
				switch level {
				case "trace":
					logger.Trace(msg)
				case "debug":
					logger.Debug(msg)
				case "info":
					logger.Info(msg)
				case "warn", "warning":
					logger.Warn(msg)
				case "error":
					logger.Error(msg)
				default:
					return nil, engine.NewBadRequestError(fmt.Sprintf("unknown log level %q", level), nil)
				}
				return nil, nil
			},
		},
	)
	return t
}

func openProgression(prog *progressions, args map[string]any) (types.ProgressionEventID, error) {
	s, err := StringArg(args, "event_id")
	if err != nil {
		return "", err
	}
	id := types.ProgressionEventID(s)
	if _, ok := prog.get(id); !ok {
		return "", engine.NewNotFoundError(fmt.Sprintf("no open progression %s", id), nil)
	}
	return id, nil
}

// waitErr maps bus errors seen by a waiting op.
func waitErr(err error) error {
	if errors.Is(err, events.ErrClosed) {
		return engine.NewInternalError("event bus closed", err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return engine.NewInternalError("wait cancelled", err).WithCode(engine.ErrCodeKilled)
	}
	return engine.NewInternalError("waiting for event", err)
}

func players(names []string) []types.Player {
	if len(names) == 0 {
		return nil
	}
	out := make([]types.Player, len(names))
	for i, n := range names {
		out[i] = types.Player{Name: n}
	}
	return out
}

func playerNames(list []types.Player) []any {
	out := make([]any, len(list))
	for i, p := range list {
		out[i] = p.Name
	}
	return out
}
