package procedure

import (
	"context"

	"github.com/openfroyo/warden/pkg/engine"
	"github.com/openfroyo/warden/pkg/events"
	"github.com/openfroyo/warden/pkg/telemetry"
	"github.com/openfroyo/warden/pkg/types"
)

// InstanceSummary is the view of an instance exposed to scripts.
type InstanceSummary struct {
	UUID     types.InstanceUUID  `json:"uuid"`
	Name     string              `json:"name"`
	Kind     types.InstanceKind  `json:"kind"`
	GameType string              `json:"game_type"`
	State    types.InstanceState `json:"state"`
	Port     uint32              `json:"port"`
}

// InstanceDirectory resolves instances by UUID for ops that control them.
type InstanceDirectory interface {
	StartInstance(ctx context.Context, uuid types.InstanceUUID, causedBy types.CausedBy, block bool) error
	StopInstance(ctx context.Context, uuid types.InstanceUUID, causedBy types.CausedBy, block bool) error
	RestartInstance(ctx context.Context, uuid types.InstanceUUID, causedBy types.CausedBy, block bool) error
	KillInstance(ctx context.Context, uuid types.InstanceUUID, causedBy types.CausedBy) error
	SendCommand(ctx context.Context, uuid types.InstanceUUID, command string, causedBy types.CausedBy) error
	InstanceState(ctx context.Context, uuid types.InstanceUUID) (types.InstanceState, error)
	ListInstances(ctx context.Context) []InstanceSummary
}

// Env is the set of shared handles ops are built over.
type Env struct {
	Bus        *events.Broadcaster
	Instances  InstanceDirectory
	Snowflakes *types.SnowflakeGenerator
	Telemetry  *telemetry.Telemetry
}

// NewEnv creates an Env. instances may be nil for workers that never control
// other instances.
func NewEnv(bus *events.Broadcaster, instances InstanceDirectory, tel *telemetry.Telemetry) *Env {
	return &Env{
		Bus:        bus,
		Instances:  instances,
		Snowflakes: types.NewSnowflakeGenerator(1),
		Telemetry:  telemetry.OrNop(tel),
	}
}

// Binding is the identity a set of ops acts as. It holds values and function
// handles only, never the instance or task it describes.
type Binding struct {
	CausedBy types.CausedBy

	// Instance is the instance the worker serves or was launched against.
	Instance     *types.InstanceUUID
	InstanceName func() string
	InstancePath string

	// SetState, when set, lets the worker drive its instance's state.
	SetState func(ctx context.Context, to types.InstanceState) error

	// Alive reports a non-nil error once the bound task may no longer act.
	Alive func() error

	// Gate, when set, runs publish only while the bound task may still act,
	// ordered with the task's own lifecycle events.
	Gate func(publish func()) error
}

func (b Binding) name() string {
	if b.InstanceName == nil {
		return ""
	}
	return b.InstanceName()
}

// check fails once the caller's context or the bound task is gone. Ops call it
// before every publish so a killed task cannot emit events.
func (b Binding) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return engine.NewInternalError("task cancelled", err).WithCode(engine.ErrCodeKilled)
	}
	if b.Alive != nil {
		if err := b.Alive(); err != nil {
			return engine.NewInternalError("task is no longer running", err).WithCode(engine.ErrCodeKilled)
		}
	}
	return nil
}

// send publishes e, through Gate when the binding has one.
func (b Binding) send(bus *events.Broadcaster, e types.Event) error {
	if b.Gate == nil {
		bus.Send(e)
		return nil
	}
	if err := b.Gate(func() { bus.Send(e) }); err != nil {
		return engine.NewInternalError("task is no longer running", err).WithCode(engine.ErrCodeKilled)
	}
	return nil
}

func (b Binding) instance() (types.InstanceUUID, error) {
	if b.Instance == nil {
		return "", engine.NewBadRequestError("op requires a bound instance", nil)
	}
	return *b.Instance, nil
}
