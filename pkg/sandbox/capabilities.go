package sandbox

import (
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/warden/pkg/procedure"
)

// Capability is a group of ops that can be granted to a worker.
type Capability string

const (
	// CapabilityEventsEmit allows publishing events (emit_*).
	CapabilityEventsEmit Capability = "events:emit"

	// CapabilityEventsWatch allows waiting on the event bus (next_*).
	CapabilityEventsWatch Capability = "events:watch"

	// CapabilityInstancesRead allows inspecting other instances.
	CapabilityInstancesRead Capability = "instances:read"

	// CapabilityInstancesControl allows driving instance lifecycles and input.
	CapabilityInstancesControl Capability = "instances:control"

	// CapabilityMacrosSpawn allows starting child macros.
	CapabilityMacrosSpawn Capability = "macros:spawn"
)

// AllCapabilities lists every capability in a stable order.
var AllCapabilities = []Capability{
	CapabilityEventsEmit,
	CapabilityEventsWatch,
	CapabilityInstancesRead,
	CapabilityInstancesControl,
	CapabilityMacrosSpawn,
}

// Validate checks if the capability is known.
func (c Capability) Validate() error {
	for _, known := range AllCapabilities {
		if c == known {
			return nil
		}
	}
	return fmt.Errorf("unknown capability: %s", c)
}

// ParseCapabilities validates capability names.
func ParseCapabilities(names []string) ([]Capability, error) {
	caps := make([]Capability, 0, len(names))
	for _, name := range names {
		c := Capability(name)
		if err := c.Validate(); err != nil {
			return nil, err
		}
		caps = append(caps, c)
	}
	return caps, nil
}

// ungated ops only describe or affect the calling worker itself.
var ungated = map[string]bool{
	"log":           true,
	"instance_uuid": true,
	"instance_path": true,
	"args":          true,
	"sleep":         true,
	"exit":          true,
	"emit_detach":   true,
}

var opCapability = map[string]Capability{
	"start_instance":   CapabilityInstancesControl,
	"stop_instance":    CapabilityInstancesControl,
	"restart_instance": CapabilityInstancesControl,
	"kill_instance":    CapabilityInstancesControl,
	"send_command":     CapabilityInstancesControl,
	"instance_state":   CapabilityInstancesRead,
	"list_instances":   CapabilityInstancesRead,
	"spawn":            CapabilityMacrosSpawn,
}

// CapabilityFor returns the capability gating op. ok is false for ops every
// worker may call.
func CapabilityFor(op string) (c Capability, ok bool) {
	if ungated[op] {
		return "", false
	}
	if c, found := opCapability[op]; found {
		return c, true
	}
	switch {
	case strings.HasPrefix(op, "emit_"):
		return CapabilityEventsEmit, true
	case strings.HasPrefix(op, "next_"):
		return CapabilityEventsWatch, true
	}
	// unknown ops are gated by a capability nobody holds
	return Capability("op:" + op), true
}

// CapabilityEnforcer restricts the ops a worker receives to its granted
// capabilities.
type CapabilityEnforcer struct {
	granted map[Capability]bool
}

// NewCapabilityEnforcer creates a new capability enforcer.
func NewCapabilityEnforcer(capabilities []Capability) *CapabilityEnforcer {
	enforcer := &CapabilityEnforcer{granted: make(map[Capability]bool)}
	for _, c := range capabilities {
		enforcer.granted[c] = true
	}
	return enforcer
}

// HasCapability checks if a capability is granted.
func (e *CapabilityEnforcer) HasCapability(c Capability) bool {
	return e.granted[c]
}

// Granted returns the granted capabilities, sorted.
func (e *CapabilityEnforcer) Granted() []Capability {
	out := make([]Capability, 0, len(e.granted))
	for c := range e.granted {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ValidateCapabilities validates that all requested capabilities are allowed.
func (e *CapabilityEnforcer) ValidateCapabilities(requested []Capability) error {
	var missing []string
	for _, c := range requested {
		if !e.granted[c] {
			missing = append(missing, string(c))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required capabilities: %v", missing)
	}
	return nil
}

// Narrow returns an enforcer granting only what both e and requested allow.
func (e *CapabilityEnforcer) Narrow(requested []Capability) *CapabilityEnforcer {
	out := NewCapabilityEnforcer(nil)
	for _, c := range requested {
		if e.granted[c] {
			out.granted[c] = true
		}
	}
	return out
}

// Allows reports whether a worker holding e may call op.
func (e *CapabilityEnforcer) Allows(op string) bool {
	c, gated := CapabilityFor(op)
	return !gated || e.granted[c]
}

// Restrict filters ops down to what e allows.
func (e *CapabilityEnforcer) Restrict(ops *procedure.OpTable) *procedure.OpTable {
	return ops.Filter(e.Allows)
}
