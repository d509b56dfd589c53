package engine

import (
	"context"
	"time"

	"github.com/openfroyo/warden/pkg/types"
)

// Configurable exposes an instance's identity and persisted settings.
// Setters persist the instance config before returning.
type Configurable interface {
	UUID() types.InstanceUUID
	Name() string
	SetName(ctx context.Context, name string) error
	Description() string
	SetDescription(ctx context.Context, description string) error
	Port() uint32
	AutoStart() bool
	SetAutoStart(ctx context.Context, enabled bool) error
	RestartOnCrash() bool
	SetRestartOnCrash(ctx context.Context, enabled bool) error
	Path() string
	CreationTime() time.Time
	GameType() string
	Config() types.InstanceConfig
}

// Server is the lifecycle and command contract every workload implements.
type Server interface {
	// Start is a no-op if the instance is already running. Otherwise it publishes
	// Starting, performs startup, then publishes Running or Error. With block=false
	// it returns once the transition is accepted.
	Start(ctx context.Context, causedBy types.CausedBy, block bool) error

	// Stop drives Running -> Stopping -> Stopped with a graceful drain.
	Stop(ctx context.Context, causedBy types.CausedBy, block bool) error

	// Restart composes stop then start.
	Restart(ctx context.Context, causedBy types.CausedBy, block bool) error

	// Kill drives Running -> Stopping -> Stopped without a drain.
	Kill(ctx context.Context, causedBy types.CausedBy) error

	// SendCommand forwards one line of input to a running workload.
	SendCommand(ctx context.Context, command string, causedBy types.CausedBy) error

	// State never fails and never transitions.
	State() types.InstanceState

	// Monitor returns a point-in-time usage snapshot. It never fails.
	Monitor(ctx context.Context) types.MonitorReport
}

// PlayerManagement reports and bounds connected players.
type PlayerManagement interface {
	PlayerCount(ctx context.Context) (uint32, error)
	MaxPlayerCount(ctx context.Context) (uint32, error)
	SetMaxPlayerCount(ctx context.Context, max uint32, causedBy types.CausedBy) error
	PlayerList(ctx context.Context) ([]types.Player, error)
}

// MacroRunner runs an automation script scoped to the instance.
type MacroRunner interface {
	RunMacro(ctx context.Context, name string, args []string, causedBy types.CausedBy) (types.MacroPID, error)
}

// Resource manages workload resources such as worlds or mods.
type Resource interface {
	ListResources(ctx context.Context, kind string) ([]string, error)
	SetResourceEnabled(ctx context.Context, kind, name string, enabled bool, causedBy types.CausedBy) error
}

// ValidateCommand is the check SendCommand applies before forwarding input.
func ValidateCommand(command string) error {
	if command == "" {
		return NewBadRequestError("command is empty", nil)
	}
	for _, r := range command {
		if r == '\n' || r == '\r' {
			return NewBadRequestError("command must be a single line", nil)
		}
	}
	return nil
}
