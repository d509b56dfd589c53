package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		workerIsolationPolicy(),
		unknownOpsPolicy(),
		macroKillAuditPolicy(),
	}
}

func builtin(name, description string, severity Severity, tags []string, rego string) Policy {
	now := time.Now()
	return Policy{
		Name:        name,
		Description: description,
		Rego:        rego,
		Severity:    severity,
		Enabled:     true,
		Tags:        tags,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// workerIsolationPolicy keeps instance workers from driving other instances.
func workerIsolationPolicy() Policy {
	return builtin("worker-isolation",
		"Instance workers report their own state and never control instances or spawn macros",
		SeverityError, []string{"isolation"}, `package warden.grants.isolation

import rego.v1

deny contains violation if {
	input.worker.kind == "instance"
	input.op.capability in {"instances:control", "macros:spawn"}
	violation := {
		"message": sprintf("instance workers may not call %s", [input.op.name]),
		"severity": "error",
	}
}
`)
}

// unknownOpsPolicy withholds ops no capability describes.
func unknownOpsPolicy() Policy {
	return builtin("unknown-ops",
		"Ops outside the capability table are never granted",
		SeverityError, []string{"capabilities"}, `package warden.grants.unknown

import rego.v1

deny contains violation if {
	startswith(input.op.capability, "op:")
	violation := sprintf("op %s is not covered by any capability", [input.op.name])
}
`)
}

// macroKillAuditPolicy flags macros that can kill instances.
func macroKillAuditPolicy() Policy {
	return builtin("macro-kill-audit",
		"Macros holding kill_instance are logged",
		SeverityWarning, []string{"audit"}, `package warden.grants.audit

import rego.v1

deny contains violation if {
	input.worker.kind == "macro"
	input.op.name == "kill_instance"
	violation := {
		"message": "macro may kill instances without a graceful stop",
		"severity": "warning",
	}
}
`)
}
