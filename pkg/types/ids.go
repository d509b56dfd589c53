// Package types defines the immutable value types shared by every warden component:
// identifiers, provenance tags, events, instance states and the setup manifest model.
package types

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// InstanceUUID is the stable identity of a managed instance.
type InstanceUUID string

// NewInstanceUUID returns a fresh random instance identifier.
func NewInstanceUUID() InstanceUUID {
	return InstanceUUID(uuid.NewString())
}

// ParseInstanceUUID validates s and returns it as an InstanceUUID.
func ParseInstanceUUID(s string) (InstanceUUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid instance uuid %q: %w", s, err)
	}
	return InstanceUUID(id.String()), nil
}

// String returns the canonical text form.
func (u InstanceUUID) String() string {
	return string(u)
}

// Short returns the first 8 characters, for log lines and directory names.
func (u InstanceUUID) Short() string {
	if len(u) < 8 {
		return string(u)
	}
	return string(u[:8])
}

// MacroPID identifies one running macro execution.
type MacroPID uint64

// String returns the decimal form of the pid.
func (p MacroPID) String() string {
	return strconv.FormatUint(uint64(p), 10)
}

// ParseMacroPID parses a decimal macro pid.
func ParseMacroPID(s string) (MacroPID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid macro pid %q: %w", s, err)
	}
	return MacroPID(n), nil
}

// ProgressionEventID identifies one long-running operation's progress stream.
type ProgressionEventID string

// NewProgressionEventID derives a progression id from a snowflake.
func NewProgressionEventID(s Snowflake) ProgressionEventID {
	return ProgressionEventID("prog-" + s.String())
}
