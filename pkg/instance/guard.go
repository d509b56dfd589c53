package instance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openfroyo/warden/pkg/engine"
	"github.com/openfroyo/warden/pkg/events"
	"github.com/openfroyo/warden/pkg/telemetry"
	"github.com/openfroyo/warden/pkg/types"
)

// workload is what a lifecycle op drives once the guard has planned it.
type workload interface {
	// startWorkload runs after Starting is published. Returning nil moves the
	// instance to Running unless the workload already reported another state.
	startWorkload(ctx context.Context, causedBy types.CausedBy) error
	// stopWorkload runs after Stopping is published and returns once the workload is down.
	stopWorkload(ctx context.Context, causedBy types.CausedBy) error
	// killWorkload is stopWorkload without the graceful drain.
	killWorkload(ctx context.Context, causedBy types.CausedBy) error
}

// guard serializes lifecycle transitions of one instance and owns its state.
// Transition requests queue on sem; state reads never block on it.
type guard struct {
	uuid types.InstanceUUID
	name func() string
	kind types.InstanceKind
	bus  *events.Broadcaster
	tel  *telemetry.Telemetry

	sem chan struct{}

	mu    sync.RWMutex
	state types.InstanceState
}

func newGuard(uuid types.InstanceUUID, kind types.InstanceKind, name func() string, bus *events.Broadcaster, tel *telemetry.Telemetry) *guard {
	return &guard{
		uuid:  uuid,
		name:  name,
		kind:  kind,
		bus:   bus,
		tel:   tel,
		sem:   make(chan struct{}, 1),
		state: types.InstanceStateStopped,
	}
}

// State returns the current state.
func (g *guard) State() types.InstanceState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// acquire waits for the transition slot. A caller whose ctx ends while queued
// gets AlreadyInProgress.
func (g *guard) acquire(ctx context.Context) error {
	select {
	case g.sem <- struct{}{}:
		return nil
	default:
	}
	select {
	case g.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return engine.NewAlreadyInProgressError(
			fmt.Sprintf("another transition of %s is in progress", g.name()), ctx.Err()).
			WithInstance(g.uuid.String())
	}
}

func (g *guard) release() {
	<-g.sem
}

// transition moves to `to` along a legal edge and publishes it. Moving to the
// current state is a no-op.
func (g *guard) transition(to types.InstanceState, causedBy types.CausedBy) error {
	g.mu.Lock()
	from := g.state
	if from == to {
		g.mu.Unlock()
		return nil
	}
	if err := engine.ValidateTransition(from, to); err != nil {
		g.mu.Unlock()
		return fmt.Errorf("%s: %w", g.name(), err)
	}
	g.state = to
	// publish under the lock so subscribers see transitions in state order
	g.bus.Send(types.NewStateTransitionEvent(g.uuid, g.name(), to, causedBy))
	g.mu.Unlock()

	g.tel.Metrics.RecordTransition(string(g.kind), string(to))
	g.tel.Logger.WithInstance(g.uuid, g.name()).WithCausedBy(causedBy).
		Debugf("%s -> %s", from, to)
	return nil
}

// settle finishes a step that started in `from`. If the workload already moved
// the instance on its own, that state stands when it is `to`; anything else is
// reported as an error.
func (g *guard) settle(from, to types.InstanceState, causedBy types.CausedBy) error {
	switch s := g.State(); s {
	case from:
		return g.transition(to, causedBy)
	case to:
		return nil
	default:
		return engine.NewInvalidStateError(
			fmt.Sprintf("instance moved to %s while %s", s, from), nil).WithInstance(g.uuid.String())
	}
}

// fail moves to Error after a failed step, if that is still possible.
func (g *guard) fail(causedBy types.CausedBy, cause error) {
	if err := g.transition(types.InstanceStateError, causedBy); err != nil {
		g.tel.Logger.WithInstance(g.uuid, g.name()).WithError(err).Debug("could not record failure")
		return
	}
	g.bus.Send(types.NewInstanceEvent(g.uuid, g.name(), types.InstanceEventInner{
		Type:    types.InstanceEventError,
		Message: cause.Error(),
	}, causedBy))
}

// report lets a workload move its own instance. Lifecycle ops already in flight
// reconcile through settle.
func (g *guard) report(causedBy types.CausedBy) func(context.Context, types.InstanceState) error {
	return func(_ context.Context, to types.InstanceState) error {
		return g.transition(to, causedBy)
	}
}

// run resolves op against the current state and executes the plan while
// holding the slot. With block=false it returns once the plan is accepted.
func (g *guard) run(ctx context.Context, op engine.LifecycleOp, causedBy types.CausedBy, block bool, w workload) error {
	if err := g.acquire(ctx); err != nil {
		return err
	}
	plan, err := engine.PlanFor(op, g.State())
	if err != nil {
		g.release()
		var e *engine.Error
		if errors.As(err, &e) {
			return e.WithInstance(g.uuid.String())
		}
		return err
	}
	if plan == engine.PlanNoop {
		g.release()
		return nil
	}

	exec := func(ctx context.Context) error {
		defer g.release()
		ic := g.tel.StartInstanceOperation(ctx, g.uuid, string(op))
		err := g.execute(ic.Ctx, plan, causedBy, w)
		outcome := "ok"
		if err != nil {
			outcome = string(engine.KindOf(err))
		}
		g.tel.Metrics.RecordLifecycleOp(string(op), outcome, ic.Timer.Duration())
		ic.End(err)
		return err
	}

	if block {
		return exec(ctx)
	}
	go func() {
		if err := exec(context.WithoutCancel(ctx)); err != nil {
			g.tel.Logger.WithInstance(g.uuid, g.name()).WithError(err).Warnf("%s failed", op)
		}
	}()
	return nil
}

func (g *guard) execute(ctx context.Context, plan engine.Plan, causedBy types.CausedBy, w workload) error {
	switch plan {
	case engine.PlanStart:
		return g.start(ctx, causedBy, w)
	case engine.PlanStop:
		return g.stop(ctx, causedBy, w.stopWorkload)
	case engine.PlanKill:
		return g.stop(ctx, causedBy, w.killWorkload)
	case engine.PlanStopThenStart:
		if err := g.stop(ctx, causedBy, w.stopWorkload); err != nil {
			return err
		}
		return g.start(ctx, causedBy, w)
	default:
		return engine.NewInternalError(fmt.Sprintf("unexpected plan %d", plan), nil)
	}
}

func (g *guard) start(ctx context.Context, causedBy types.CausedBy, w workload) error {
	if err := g.transition(types.InstanceStateStarting, causedBy); err != nil {
		return err
	}
	if err := w.startWorkload(ctx, causedBy); err != nil {
		g.fail(causedBy, err)
		return err
	}
	if err := g.settle(types.InstanceStateStarting, types.InstanceStateRunning, causedBy); err != nil {
		g.fail(causedBy, err)
		return err
	}
	return nil
}

func (g *guard) stop(ctx context.Context, causedBy types.CausedBy, down func(context.Context, types.CausedBy) error) error {
	if err := g.transition(types.InstanceStateStopping, causedBy); err != nil {
		return err
	}
	if err := down(ctx, causedBy); err != nil {
		g.fail(causedBy, err)
		return err
	}
	if err := g.settle(types.InstanceStateStopping, types.InstanceStateStopped, causedBy); err != nil {
		g.fail(causedBy, err)
		return err
	}
	return nil
}

// crashed records that the workload died on its own. It takes the slot, so a
// transition in flight finishes first; stale reports are dropped by the caller's
// check. It reports whether the instance ended up in Error.
func (g *guard) crashed(clean bool, stale func() bool, reason string) bool {
	_ = g.acquire(context.Background())
	defer g.release()
	if stale() {
		return false
	}

	by := types.CausedByInstance(g.uuid)
	state := g.State()
	if state != types.InstanceStateRunning && state != types.InstanceStateStarting {
		return false
	}
	if clean && state == types.InstanceStateRunning {
		_ = g.transition(types.InstanceStateStopping, by)
		_ = g.transition(types.InstanceStateStopped, by)
		return false
	}
	g.fail(by, errors.New(reason))
	return true
}

// timeout returns d, or def when d is zero.
func timeout(d types.Duration, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return time.Duration(d)
}
