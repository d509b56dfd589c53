// Package instance implements the instance state machine for the two workload
// kinds: Native runs a host process, Generic drives a sandboxed script package.
//
// Every lifecycle operation goes through a per-instance guard. The guard queues
// concurrent requests, resolves each against the transition graph in pkg/engine
// and publishes every state change on the event bus. Registry holds the live
// instances and serves them to macros through procedure.InstanceDirectory.
package instance

import (
	"context"
	"time"

	"github.com/openfroyo/warden/pkg/engine"
	"github.com/openfroyo/warden/pkg/events"
	"github.com/openfroyo/warden/pkg/procedure"
	"github.com/openfroyo/warden/pkg/sandbox"
	"github.com/openfroyo/warden/pkg/telemetry"
	"github.com/openfroyo/warden/pkg/types"
)

// Instance is a managed workload. It is implemented by *Native and *Generic only.
type Instance interface {
	engine.Configurable
	engine.Server
	engine.PlayerManagement
	engine.Resource

	Kind() types.InstanceKind

	// Close releases the workload's resources. The instance must be stopped.
	Close() error

	lifecycle() *guard
}

// SchemaValidator checks instance configs and setup answers against CUE schemas.
type SchemaValidator interface {
	ValidateInstanceConfig(cfg types.InstanceConfig) error
	ValidateSettings(schemaPath string, settings map[string]map[string]any) error
}

// OpFilter narrows the ops handed to a worker of the given kind.
type OpFilter func(kind sandbox.Kind, ops *procedure.OpTable) *procedure.OpTable

// Options are the shared handles instances are built over.
type Options struct {
	Env  *procedure.Env
	Host sandbox.Host

	// Schemas, when set, validates every config before it is persisted or
	// restored, and setup answers when a package declares a schema.
	Schemas SchemaValidator

	// Grants narrows worker ops after capability enforcement.
	Grants OpFilter

	// CallTimeout bounds read calls such as Monitor into a sandboxed worker.
	CallTimeout time.Duration

	// StopTimeout is used when an instance config sets none.
	StopTimeout time.Duration
}

const (
	defaultCallTimeout = 5 * time.Second
	defaultStopTimeout = 30 * time.Second
)

func (o Options) bus() *events.Broadcaster { return o.Env.Bus }

func (o Options) checkConfig(cfg types.InstanceConfig) error {
	if o.Schemas == nil {
		return nil
	}
	if err := o.Schemas.ValidateInstanceConfig(cfg); err != nil {
		return engine.NewBadRequestError("invalid instance config", err).WithInstance(cfg.UUID.String())
	}
	return nil
}

func (o Options) telemetry() *telemetry.Telemetry { return telemetry.OrNop(o.Env.Telemetry) }

func (o Options) callTimeout() time.Duration {
	if o.CallTimeout <= 0 {
		return defaultCallTimeout
	}
	return o.CallTimeout
}

func (o Options) stopTimeout() time.Duration {
	if o.StopTimeout <= 0 {
		return defaultStopTimeout
	}
	return o.StopTimeout
}

func badRequest(msg string) error {
	return engine.NewBadRequestError(msg, nil)
}

func unsupported(uuid types.InstanceUUID, msg string) error {
	return engine.NewUnsupportedError(msg, nil).WithInstance(uuid.String())
}

// commandCheck applies the SendCommand preconditions shared by both kinds.
func commandCheck(g *guard, command string) error {
	if s := g.State(); s != types.InstanceStateRunning {
		return unsupported(g.uuid, "instance is "+string(s)+", not running")
	}
	return engine.ValidateCommand(command)
}

// publishInput echoes an accepted command on the bus.
func publishInput(g *guard, command string, causedBy types.CausedBy) {
	g.bus.Send(types.NewInstanceEvent(g.uuid, g.name(), types.InstanceEventInner{
		Type:    types.InstanceEventInput,
		Message: command,
	}, causedBy))
}

// afterCrash re-enters Start once a crash left the instance in Error, if the
// instance asks for it.
func afterCrash(inst Instance, crashed bool) {
	if !crashed || !inst.RestartOnCrash() {
		return
	}
	by := types.CausedByInstance(inst.UUID())
	if err := inst.Start(context.Background(), by, false); err != nil {
		inst.lifecycle().tel.Logger.WithInstance(inst.UUID(), inst.Name()).WithError(err).
			Warn("restart after crash failed")
	}
}
