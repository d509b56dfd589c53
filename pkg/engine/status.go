package engine

import (
	"fmt"

	"github.com/openfroyo/warden/pkg/types"
)

// LifecycleOp names a transition request against an instance.
type LifecycleOp string

const (
	// OpStart drives Stopped|Error -> Starting -> Running|Error.
	OpStart LifecycleOp = "start"

	// OpStop drives Running -> Stopping -> Stopped.
	OpStop LifecycleOp = "stop"

	// OpRestart composes stop then start.
	OpRestart LifecycleOp = "restart"

	// OpKill drives Running -> Stopping -> Stopped without a graceful drain.
	OpKill LifecycleOp = "kill"
)

// Validate checks if the op is valid.
func (o LifecycleOp) Validate() error {
	switch o {
	case OpStart, OpStop, OpRestart, OpKill:
		return nil
	default:
		return fmt.Errorf("invalid lifecycle op: %s", o)
	}
}

// EdgeKind distinguishes requested transitions from crash transitions.
type EdgeKind int

const (
	// EdgeNone means the transition is illegal.
	EdgeNone EdgeKind = iota
	// EdgeNormal is a transition a lifecycle op may drive.
	EdgeNormal
	// EdgeCrash is only taken when the workload dies unexpectedly.
	EdgeCrash
)

var transitions = map[types.InstanceState]map[types.InstanceState]EdgeKind{
	types.InstanceStateStopped: {
		types.InstanceStateStarting: EdgeNormal,
	},
	types.InstanceStateError: {
		types.InstanceStateStarting: EdgeNormal,
	},
	types.InstanceStateStarting: {
		types.InstanceStateRunning: EdgeNormal,
		types.InstanceStateError:   EdgeNormal,
	},
	types.InstanceStateRunning: {
		types.InstanceStateStopping: EdgeNormal,
		types.InstanceStateError:    EdgeCrash,
	},
	types.InstanceStateStopping: {
		types.InstanceStateStopped: EdgeNormal,
		types.InstanceStateError:   EdgeCrash,
	},
}

// Edge reports the kind of the edge from -> to.
func Edge(from, to types.InstanceState) EdgeKind {
	return transitions[from][to]
}

// CanTransition returns true if from -> to is any legal edge, normal or crash.
func CanTransition(from, to types.InstanceState) bool {
	return Edge(from, to) != EdgeNone
}

// ValidateTransition returns an invalid-state error for an illegal edge.
func ValidateTransition(from, to types.InstanceState) error {
	if !CanTransition(from, to) {
		return NewInvalidStateError(fmt.Sprintf("illegal transition %s -> %s", from, to), nil).
			WithCode(ErrCodeIllegalTransition)
	}
	return nil
}

// Plan is what a lifecycle op resolves to given the instance's current state.
type Plan int

const (
	// PlanReject means the op is illegal from the current state.
	PlanReject Plan = iota
	// PlanNoop means the instance is already where the op would leave it.
	PlanNoop
	// PlanStart runs the start sequence.
	PlanStart
	// PlanStop runs the graceful stop sequence.
	PlanStop
	// PlanKill runs the forced stop sequence.
	PlanKill
	// PlanStopThenStart runs stop followed by start.
	PlanStopThenStart
)

// PlanFor resolves op against the current state. Transient states are never passed here:
// callers hold the instance's transition guard, so the state is always at rest or Running.
func PlanFor(op LifecycleOp, state types.InstanceState) (Plan, error) {
	switch op {
	case OpStart:
		switch state {
		case types.InstanceStateRunning:
			return PlanNoop, nil
		case types.InstanceStateStopped, types.InstanceStateError:
			return PlanStart, nil
		}
	case OpStop:
		switch state {
		case types.InstanceStateRunning:
			return PlanStop, nil
		case types.InstanceStateStopped:
			return PlanNoop, nil
		}
	case OpKill:
		switch state {
		case types.InstanceStateRunning:
			return PlanKill, nil
		case types.InstanceStateStopped, types.InstanceStateError:
			return PlanNoop, nil
		}
	case OpRestart:
		switch state {
		case types.InstanceStateRunning:
			return PlanStopThenStart, nil
		case types.InstanceStateStopped, types.InstanceStateError:
			return PlanStart, nil
		}
	default:
		return PlanReject, NewBadRequestError(fmt.Sprintf("unknown lifecycle op %q", op), nil)
	}
	return PlanReject, NewInvalidStateError(fmt.Sprintf("cannot %s an instance that is %s", op, state), nil).
		WithOperation(string(op))
}
