package types

import (
	"fmt"
	"time"
)

// InstanceKind selects the workload implementation backing an instance.
type InstanceKind string

const (
	// InstanceKindNative is a host process launched directly.
	InstanceKindNative InstanceKind = "native"

	// InstanceKindGeneric is a workload driven by a sandboxed script package.
	InstanceKindGeneric InstanceKind = "generic"
)

// Validate checks if the kind is valid.
func (k InstanceKind) Validate() error {
	switch k {
	case InstanceKindNative, InstanceKindGeneric:
		return nil
	default:
		return fmt.Errorf("invalid instance kind: %s", k)
	}
}

// InstanceConfig is the persisted configuration of one instance.
type InstanceConfig struct {
	UUID           InstanceUUID `json:"uuid"`
	Name           string       `json:"name"`
	Description    string       `json:"description,omitempty"`
	Kind           InstanceKind `json:"kind"`
	GameType       string       `json:"game_type,omitempty"`
	Port           uint32       `json:"port,omitempty"`
	AutoStart      bool         `json:"auto_start"`
	RestartOnCrash bool         `json:"restart_on_crash"`
	CreationTime   time.Time    `json:"creation_time"`
	Path           string       `json:"path"`

	// Native workloads.
	Command              string            `json:"command,omitempty"`
	Args                 []string          `json:"args,omitempty"`
	Env                  map[string]string `json:"env,omitempty"`
	StopCommand          string            `json:"stop_command,omitempty"`
	StopTimeout          Duration          `json:"stop_timeout,omitempty"`
	MaxPlayers           uint32            `json:"max_players,omitempty"`
	PlayerJoinPattern    string            `json:"player_join_pattern,omitempty"`
	PlayerLeavePattern   string            `json:"player_leave_pattern,omitempty"`
	PlayerMessagePattern string            `json:"player_message_pattern,omitempty"`

	// Generic workloads.
	Package     string                    `json:"package,omitempty"`
	SandboxKind string                    `json:"sandbox_kind,omitempty"`
	Settings    map[string]map[string]any `json:"settings,omitempty"`
}

// Duration is a time.Duration that serializes as a Go duration string ("30s").
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
