// Package macro runs user scripts that automate instances.
//
// An Executor gives every run a PID and a row in its task table, then hands the
// script to a sandbox.Host. The script acts through an op table bound to its PID:
// the event ops, the instance control ops, and spawn, emit_detach, sleep, exit
// and args. Every event and instance action it causes carries
// CausedBy::Macro{pid}.
//
// Tasks move from running (or detached) to completed, failed or killed. Killing
// a task terminates its worker and cancels its context, so ops it has in flight
// fail and nothing it does afterwards is published. Non-detached children die
// with their parent.
//
// Finished tasks stay listed for a retention window before Run reaps them.
package macro
