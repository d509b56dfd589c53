package engine

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/openfroyo/warden/pkg/types"
)

func TestError_Format(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "bare",
			err:  NewInternalError("sandbox exited mid-call", nil),
			want: "[internal] sandbox exited mid-call",
		},
		{
			name: "with instance and operation",
			err:  NewInvalidStateError("cannot stop", nil).WithInstance("abc").WithOperation("stop"),
			want: "[invalid_state] cannot stop (instance=abc, operation=stop)",
		},
		{
			name: "wrapped",
			err:  NewBadRequestError("bad command", errors.New("contains newline")).WithInstance("abc"),
			want: "[bad_request] bad command (instance=abc): contains newline",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestError_Predicates(t *testing.T) {
	inner := errors.New("boom")
	err := fmt.Errorf("starting lobby: %w", NewAlreadyInProgressError("transition in flight", inner))

	if !IsInvalidState(err) {
		t.Error("expected IsInvalidState through wrap chain")
	}
	if !IsAlreadyInProgress(err) {
		t.Error("expected IsAlreadyInProgress")
	}
	if IsInternal(err) || IsNotFound(err) || IsBadRequest(err) || IsUnsupported(err) {
		t.Error("unexpected kind predicate match")
	}
	if !errors.Is(err, inner) {
		t.Error("expected errors.Is to reach the cause")
	}
	if !errors.Is(err, &Error{Kind: ErrorKindInvalidState, Code: ErrCodeAlreadyInProgress}) {
		t.Error("expected errors.Is to match kind and code")
	}
	if IsAlreadyInProgress(NewInvalidStateError("illegal", nil)) {
		t.Error("plain invalid state is not already-in-progress")
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(NewNotFoundError("no such instance", nil)); got != ErrorKindNotFound {
		t.Errorf("KindOf = %s", got)
	}
	if got := KindOf(errors.New("plain")); got != ErrorKindInternal {
		t.Errorf("unclassified errors should be internal, got %s", got)
	}
	if got := NewError("nonsense", "x").Kind; got != ErrorKindInternal {
		t.Errorf("unknown kinds should decode as internal, got %s", got)
	}
	if got := NewError(ErrorKindUnsupported, "x").Kind; got != ErrorKindUnsupported {
		t.Errorf("NewError kept %s", got)
	}
}

func TestTransitionGraph(t *testing.T) {
	states := []types.InstanceState{
		types.InstanceStateStopped, types.InstanceStateStarting, types.InstanceStateRunning,
		types.InstanceStateStopping, types.InstanceStateError,
	}
	legal := map[[2]types.InstanceState]EdgeKind{
		{types.InstanceStateStopped, types.InstanceStateStarting}:  EdgeNormal,
		{types.InstanceStateError, types.InstanceStateStarting}:    EdgeNormal,
		{types.InstanceStateStarting, types.InstanceStateRunning}:  EdgeNormal,
		{types.InstanceStateStarting, types.InstanceStateError}:    EdgeNormal,
		{types.InstanceStateRunning, types.InstanceStateStopping}:  EdgeNormal,
		{types.InstanceStateStopping, types.InstanceStateStopped}:  EdgeNormal,
		{types.InstanceStateRunning, types.InstanceStateError}:     EdgeCrash,
		{types.InstanceStateStopping, types.InstanceStateError}:    EdgeCrash,
	}

	for _, from := range states {
		for _, to := range states {
			want := legal[[2]types.InstanceState{from, to}]
			if got := Edge(from, to); got != want {
				t.Errorf("Edge(%s, %s) = %d, want %d", from, to, got, want)
			}
			err := ValidateTransition(from, to)
			if (err == nil) != (want != EdgeNone) {
				t.Errorf("ValidateTransition(%s, %s) = %v", from, to, err)
			}
			if err != nil && !IsInvalidState(err) {
				t.Errorf("illegal transition should be invalid_state, got %v", err)
			}
		}
	}

	if CanTransition(types.InstanceStateStopped, types.InstanceStateRunning) {
		t.Error("Stopped -> Running must never be direct")
	}
}

func TestPlanFor(t *testing.T) {
	tests := []struct {
		op      LifecycleOp
		state   types.InstanceState
		want    Plan
		wantErr bool
	}{
		{OpStart, types.InstanceStateStopped, PlanStart, false},
		{OpStart, types.InstanceStateError, PlanStart, false},
		{OpStart, types.InstanceStateRunning, PlanNoop, false},
		{OpStop, types.InstanceStateRunning, PlanStop, false},
		{OpStop, types.InstanceStateStopped, PlanNoop, false},
		{OpStop, types.InstanceStateError, PlanReject, true},
		{OpKill, types.InstanceStateRunning, PlanKill, false},
		{OpKill, types.InstanceStateStopped, PlanNoop, false},
		{OpRestart, types.InstanceStateRunning, PlanStopThenStart, false},
		{OpRestart, types.InstanceStateError, PlanStart, false},
		{OpStart, types.InstanceStateStarting, PlanReject, true},
		{"reboot", types.InstanceStateRunning, PlanReject, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s from %s", tt.op, tt.state), func(t *testing.T) {
			got, err := PlanFor(tt.op, tt.state)
			if (err != nil) != tt.wantErr {
				t.Fatalf("PlanFor() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("PlanFor() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestValidateCommand(t *testing.T) {
	tests := []struct {
		command string
		wantErr bool
	}{
		{"say hi", false},
		{"", true},
		{"say hi\nstop", true},
		{"say hi\r", true},
	}

	for _, tt := range tests {
		t.Run(strings.ReplaceAll(tt.command, "\n", `\n`), func(t *testing.T) {
			err := ValidateCommand(tt.command)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateCommand() error = %v", err)
			}
			if err != nil && !IsBadRequest(err) {
				t.Errorf("expected bad_request, got %v", err)
			}
		})
	}
}
