// Package policy decides which sandbox ops each worker receives, using Open
// Policy Agent.
//
// Capabilities declared by a package are the first filter on a worker's op
// table. Policies are the second: for every op left, the engine evaluates each
// enabled Rego module with an input of the form
//
//	{"worker": {"kind": "macro"}, "op": {"name": "kill_instance", "capability": "instances:control"}}
//
// and collects the module's deny set. A deny entry is either a message or an
// object with message and severity. Entries of severity error or critical
// withhold the op; warnings are logged.
//
// # Built-in Policies
//
//  1. worker-isolation - instance workers never control instances or spawn macros
//  2. unknown-ops - ops outside the capability table are withheld
//  3. macro-kill-audit - logs macros that hold kill_instance
//
// # Custom Policies
//
//	# Macros run alone.
//	package custom.nospawn
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.worker.kind == "macro"
//	    input.op.name == "spawn"
//	    violation := "macros may not spawn"
//	}
//
// Custom policies load from .rego and .json files (Engine.LoadPolicies) and
// reload when the files change (Engine.Watch). Decisions are cached per worker
// kind and op until the policy set changes.
package policy
