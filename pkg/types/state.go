package types

import (
	"fmt"
	"time"
)

// InstanceState is the lifecycle state of an instance.
type InstanceState string

const (
	// InstanceStateStopped is the initial state and the end of a graceful stop.
	InstanceStateStopped InstanceState = "stopped"

	// InstanceStateStarting indicates startup is in progress.
	InstanceStateStarting InstanceState = "starting"

	// InstanceStateRunning indicates the workload is up and accepting commands.
	InstanceStateRunning InstanceState = "running"

	// InstanceStateStopping indicates shutdown is in progress.
	InstanceStateStopping InstanceState = "stopping"

	// InstanceStateError indicates startup failed or the workload crashed.
	InstanceStateError InstanceState = "error"
)

// IsTransient returns true while a transition is in flight.
func (s InstanceState) IsTransient() bool {
	return s == InstanceStateStarting || s == InstanceStateStopping
}

// IsAtRest returns true for states a start may begin from.
func (s InstanceState) IsAtRest() bool {
	return s == InstanceStateStopped || s == InstanceStateError
}

// Validate checks if the state is valid.
func (s InstanceState) Validate() error {
	switch s {
	case InstanceStateStopped, InstanceStateStarting, InstanceStateRunning,
		InstanceStateStopping, InstanceStateError:
		return nil
	default:
		return fmt.Errorf("invalid instance state: %s", s)
	}
}

// MonitorReport is a point-in-time resource snapshot of an instance.
type MonitorReport struct {
	PID         int           `json:"pid,omitempty"`
	CPUUsage    *float64      `json:"cpu_usage,omitempty"`
	MemoryUsage *uint64       `json:"memory_usage,omitempty"`
	DiskUsage   *uint64       `json:"disk_usage,omitempty"`
	StartTime   *time.Time    `json:"start_time,omitempty"`
	Uptime      time.Duration `json:"uptime,omitempty"`
}

// Player is a participant currently connected to an instance.
type Player struct {
	Name string `json:"name" cbor:"name"`
	UUID string `json:"uuid,omitempty" cbor:"uuid,omitempty"`
}
