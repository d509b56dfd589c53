// Package engine defines the contracts of the warden orchestration core.
//
// # Overview
//
// Every managed instance, whether a native host process or a workload driven by a
// sandboxed script, is observed and controlled through the same capability interfaces:
//
//   - Configurable: identity and persisted settings
//   - Server: lifecycle (start/stop/restart/kill), command input, state and monitoring
//   - PlayerManagement: connected player queries
//   - MacroRunner: automation scripts scoped to the instance
//   - Resource: workload resources (declared, not implemented by the built-in kinds)
//
// # Lifecycle
//
// Instances are created Stopped. The legal transitions are:
//
//	Stopped  -> Starting
//	Error    -> Starting
//	Starting -> Running | Error
//	Running  -> Stopping
//	Stopping -> Stopped
//
// plus the crash edges Running -> Error and Stopping -> Error, taken only when a
// workload dies on its own. PlanFor resolves a requested LifecycleOp against the
// current state; ValidateTransition guards every individual step.
//
// # Errors
//
// Failures are reported as *Error carrying one of five kinds: not_found,
// invalid_state, unsupported, internal and bad_request. The kind survives
// wrapping with fmt.Errorf and %w, and is carried across the procedure bridge:
//
//	if engine.IsAlreadyInProgress(err) {
//	    // another transition held the guard until ctx expired
//	}
package engine
