package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is logged but does not withhold the op.
	SeverityWarning Severity = "warning"

	// SeverityError withholds the op from the worker.
	SeverityError Severity = "error"

	// SeverityCritical withholds the op and is logged at error level.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity withholds an op.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module deciding which ops workers may call.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the policy code. It must define a deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PolicyViolation is one deny result.
type PolicyViolation struct {
	// Policy is the name of the policy that produced the violation.
	Policy string `json:"policy"`

	// Op is the op the violation is about.
	Op string `json:"op"`

	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// PolicyResult is the outcome of evaluating every enabled policy for one op.
type PolicyResult struct {
	// Allowed is false when any violation blocks.
	Allowed bool `json:"allowed"`

	// Violations lists the blocking violations.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// Warnings lists violations that do not block.
	Warnings []PolicyViolation `json:"warnings,omitempty"`

	EvaluatedAt       time.Time     `json:"evaluated_at"`
	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// PolicyInput is the input document policies see.
type PolicyInput struct {
	Worker WorkerInfo `json:"worker"`
	Op     OpInfo     `json:"op"`
}

// WorkerInfo describes the worker an op table is built for.
type WorkerInfo struct {
	// Kind is "macro" or "instance".
	Kind string `json:"kind"`
}

// OpInfo describes one op.
type OpInfo struct {
	Name string `json:"name"`

	// Capability is the capability gating the op, empty for ungated ops.
	Capability string `json:"capability,omitempty"`
}
