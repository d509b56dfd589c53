package stores

import (
	"context"
	"time"

	"github.com/openfroyo/warden/pkg/types"
)

// EventRecord is one persisted event. Payload holds the full event in its CBOR
// record form; the other columns exist for filtering.
type EventRecord struct {
	Snowflake    types.Snowflake     `json:"snowflake"`
	Kind         types.EventKind     `json:"kind"`
	InstanceUUID *types.InstanceUUID `json:"instance_uuid,omitempty"`
	CausedBy     types.CausedByType  `json:"caused_by"`
	Details      string              `json:"details"`
	Payload      []byte              `json:"-"`
	RecordedAt   time.Time           `json:"recorded_at"`
}

// EventQuery filters ListEvents. Zero fields match everything.
type EventQuery struct {
	Instance *types.InstanceUUID
	Kind     types.EventKind

	// After returns only events newer than this snowflake.
	After types.Snowflake

	// Limit caps the result; 0 means DefaultListLimit.
	Limit  int
	Offset int
}

// DefaultListLimit is used when a query sets no limit.
const DefaultListLimit = 100

// MacroRun is the persisted history of one macro task.
type MacroRun struct {
	PID          types.MacroPID      `json:"pid"`
	Started      types.Snowflake     `json:"started"`
	InstanceUUID *types.InstanceUUID `json:"instance_uuid,omitempty"`
	ExitStatus   *types.ExitStatus   `json:"exit_status,omitempty"`
	Finished     *types.Snowflake    `json:"finished,omitempty"`
}

// EventStore persists events and serves them back to external read paths.
type EventStore interface {
	AppendEvent(ctx context.Context, event types.Event) (*EventRecord, error)
	ListEvents(ctx context.Context, query EventQuery) ([]types.Event, error)
	ListMacroRuns(ctx context.Context, limit int) ([]MacroRun, error)
	PruneEvents(ctx context.Context, before time.Time) (int64, error)
	HealthCheck(ctx context.Context) error
	Close() error
}
