package instance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openfroyo/warden/pkg/engine"
	"github.com/openfroyo/warden/pkg/procedure"
	"github.com/openfroyo/warden/pkg/sandbox"
	"github.com/openfroyo/warden/pkg/types"
)

// CreateRequest is what a user supplies for a new generic instance. Name,
// description and start flags come from the setup answers.
type CreateRequest struct {
	Setup types.SetupValue
	Port  uint32
}

// Generic is an instance whose workload is a sandboxed script package. Every
// Server and PlayerManagement call becomes a procedure call to the package's
// worker.
type Generic struct {
	*settings
	guard *guard
	opts  Options
	pkg   *sandbox.Package

	mu     sync.Mutex
	worker *genericWorker
}

type genericWorker struct {
	w      sandbox.Worker
	bridge *procedure.Bridge
	// retired is set when the daemon terminates the worker on purpose.
	retired atomic.Bool
}

func (gw *genericWorker) alive() bool {
	select {
	case <-gw.bridge.Exited():
		return false
	default:
		return true
	}
}

var _ Instance = (*Generic)(nil)

var errSetupWorker = errors.New("setup worker cannot act")

// NewGeneric creates an instance of pkg under root. It validates the setup
// answers, copies the package into a fresh instance directory, spawns the
// worker and returns once the worker has handled SetupInstance.
func NewGeneric(ctx context.Context, opts Options, pkg *sandbox.Package, root string, req CreateRequest) (*Generic, error) {
	setup := req.Setup
	manifest, err := SetupManifest(ctx, opts, pkg)
	if err != nil {
		return nil, err
	}
	if err := manifest.Validate(setup); err != nil {
		return nil, engine.NewBadRequestError("invalid setup answers", err)
	}
	resolved := manifest.Resolved(setup)
	if path := pkg.SchemaPath(); path != "" && opts.Schemas != nil {
		if err := opts.Schemas.ValidateSettings(path, resolved); err != nil {
			return nil, engine.NewBadRequestError("setup answers rejected by package schema", err)
		}
	}

	uuid := types.NewInstanceUUID()
	dir := filepath.Join(root, uuid.String())
	cfg := types.InstanceConfig{
		UUID:           uuid,
		Name:           setup.Name,
		Description:    setup.Description,
		Kind:           types.InstanceKindGeneric,
		GameType:       pkg.Manifest.GameType,
		Port:           req.Port,
		AutoStart:      setup.AutoStart,
		RestartOnCrash: setup.RestartOnCrash,
		CreationTime:   time.Now().UTC(),
		Path:           dir,
		Package:        pkg.Manifest.Name,
		SandboxKind:    string(pkg.Runtime()),
		Settings:       resolved,
	}

	fail := func(err error) (*Generic, error) {
		_ = os.RemoveAll(dir)
		opts.bus().Send(types.NewInstanceEvent(uuid, setup.Name, types.InstanceEventInner{
			Type:    types.InstanceEventCreationFailed,
			Message: err.Error(),
		}, types.CausedBySystem()))
		return nil, err
	}

	if err := opts.checkConfig(cfg); err != nil {
		return fail(err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fail(fmt.Errorf("failed to create instance dir: %w", err))
	}
	if err := pkg.CopyInto(dir); err != nil {
		return fail(err)
	}
	if err := SaveConfig(cfg); err != nil {
		return fail(err)
	}

	local := *pkg
	local.Dir = dir
	local.EntryPath = filepath.Join(dir, pkg.Manifest.Entrypoint)
	g := newGeneric(cfg, opts, &local)

	gw, err := g.spawn(ctx)
	if err != nil {
		return fail(err)
	}
	by := types.CausedByInstance(uuid)
	if err := gw.bridge.CallVoid(ctx, by, procedure.SetupInstance(cfg, setup, dir)); err != nil {
		g.retire(gw)
		return fail(fmt.Errorf("setup of %s failed: %w", setup.Name, err))
	}
	return g, nil
}

// RestoreGeneric reattaches to the generic instance persisted in dir.
func RestoreGeneric(ctx context.Context, opts Options, dir string) (*Generic, error) {
	cfg, err := LoadConfig(dir)
	if err != nil {
		return nil, err
	}
	if cfg.Kind != types.InstanceKindGeneric {
		return nil, badRequest(fmt.Sprintf("%s holds a %s instance", dir, cfg.Kind))
	}
	pkg, err := sandbox.NewManifestLoader().LoadFromDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load package of %s: %w", cfg.Name, err)
	}
	g := newGeneric(cfg, opts, pkg)
	if _, err := g.revive(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

// SetupManifest returns the setup questions of pkg. A manifest declared in
// warden.yaml is used as is; otherwise a throwaway worker is asked for it.
func SetupManifest(ctx context.Context, opts Options, pkg *sandbox.Package) (types.SetupManifest, error) {
	if pkg.Manifest.SetupManifest != nil {
		return *pkg.Manifest.SetupManifest, nil
	}
	// same op names as a real worker, none of which may act
	ops := procedure.EventOps(opts.Env, procedure.Binding{
		CausedBy: types.CausedBySystem(),
		Alive:    func() error { return errSetupWorker },
	})
	ops = sandbox.NewCapabilityEnforcer(pkg.Capabilities).Restrict(ops)
	w, err := opts.Host.Spawn(ctx, sandbox.Spec{
		Kind: sandbox.KindInstance,
		Name: pkg.Manifest.Name + "-setup",
		Path: pkg.EntryPath,
		Dir:  pkg.Dir,
		Ops:  ops,
	})
	if err != nil {
		return types.SetupManifest{}, engine.NewInternalError("failed to start setup worker", err)
	}
	defer w.Terminate()

	ctx, cancel := context.WithTimeout(ctx, opts.callTimeout())
	defer cancel()
	return procedure.NewBridge(w, opts.telemetry()).
		CallSetupManifest(ctx, types.CausedBySystem(), procedure.GetSetupManifest())
}

func newGeneric(cfg types.InstanceConfig, opts Options, pkg *sandbox.Package) *Generic {
	g := &Generic{
		settings: newSettings(cfg),
		opts:     opts,
		pkg:      pkg,
	}
	g.guard = newGuard(cfg.UUID, types.InstanceKindGeneric, g.Name, opts.bus(), opts.telemetry())
	return g
}

// ops builds the op table of this instance's worker. Ops carry the instance's
// identity and function handles only.
func (g *Generic) ops() *procedure.OpTable {
	uuid := g.UUID()
	by := types.CausedByInstance(uuid)
	ops := procedure.EventOps(g.opts.Env, procedure.Binding{
		CausedBy:     by,
		Instance:     &uuid,
		InstanceName: g.Name,
		InstancePath: g.Path(),
		SetState:     g.guard.report(by),
	})
	ops = sandbox.NewCapabilityEnforcer(g.pkg.Capabilities).Restrict(ops)
	if g.opts.Grants != nil {
		ops = g.opts.Grants(sandbox.KindInstance, ops)
	}
	return ops
}

// spawn starts a new worker and makes it current.
func (g *Generic) spawn(ctx context.Context) (*genericWorker, error) {
	w, err := g.opts.Host.Spawn(ctx, sandbox.Spec{
		Kind: sandbox.KindInstance,
		Name: g.Name(),
		Path: g.pkg.EntryPath,
		Dir:  g.Path(),
		Ops:  g.ops(),
	})
	if err != nil {
		return nil, engine.NewInternalError("failed to start sandbox worker", err).WithInstance(g.UUID().String())
	}
	gw := &genericWorker{w: w, bridge: procedure.NewBridge(w, g.opts.telemetry())}

	g.mu.Lock()
	old := g.worker
	g.worker = gw
	g.mu.Unlock()
	if old != nil {
		g.retire(old)
	}

	go g.watch(gw)
	return gw, nil
}

// revive spawns a worker and hands it the persisted config.
func (g *Generic) revive(ctx context.Context) (*genericWorker, error) {
	gw, err := g.spawn(ctx)
	if err != nil {
		return nil, err
	}
	by := types.CausedByInstance(g.UUID())
	if err := gw.bridge.CallVoid(ctx, by, procedure.RestoreInstance(g.Config(), g.Path())); err != nil {
		g.retire(gw)
		return nil, fmt.Errorf("restore of %s failed: %w", g.Name(), err)
	}
	return gw, nil
}

func (g *Generic) retire(gw *genericWorker) {
	gw.retired.Store(true)
	gw.w.Terminate()
}

// watch reports a worker that died on its own.
func (g *Generic) watch(gw *genericWorker) {
	<-gw.bridge.Exited()
	if gw.retired.Load() {
		return
	}
	reason := "sandbox worker exited"
	if err := gw.w.Err(); err != nil {
		reason = fmt.Sprintf("sandbox worker exited: %v", err)
	}
	crashed := g.guard.crashed(false, func() bool { return g.current() != gw || gw.retired.Load() }, reason)
	afterCrash(g, crashed)
}

func (g *Generic) current() *genericWorker {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.worker
}

// live returns the current worker, or an error when it is gone.
func (g *Generic) live() (*genericWorker, error) {
	gw := g.current()
	if gw == nil || gw.retired.Load() || !gw.alive() {
		return nil, engine.NewInvalidStateError("sandbox worker is not running", nil).WithInstance(g.UUID().String())
	}
	return gw, nil
}

func (g *Generic) Kind() types.InstanceKind { return types.InstanceKindGeneric }
func (g *Generic) lifecycle() *guard        { return g.guard }

// Package returns the instance's package.
func (g *Generic) Package() *sandbox.Package { return g.pkg }

// State returns the current lifecycle state.
func (g *Generic) State() types.InstanceState { return g.guard.State() }

// Start runs the script's start handler, spawning a worker first if the last
// one is gone.
func (g *Generic) Start(ctx context.Context, causedBy types.CausedBy, block bool) error {
	return g.guard.run(ctx, engine.OpStart, causedBy, block, g)
}

// Stop runs the script's stop handler. A handler still busy after the stop
// timeout loses its worker.
func (g *Generic) Stop(ctx context.Context, causedBy types.CausedBy, block bool) error {
	return g.guard.run(ctx, engine.OpStop, causedBy, block, g)
}

// Restart is Stop then Start.
func (g *Generic) Restart(ctx context.Context, causedBy types.CausedBy, block bool) error {
	return g.guard.run(ctx, engine.OpRestart, causedBy, block, g)
}

// Kill always ends with the worker terminated and the instance Stopped.
func (g *Generic) Kill(ctx context.Context, causedBy types.CausedBy) error {
	return g.guard.run(ctx, engine.OpKill, causedBy, true, g)
}

func (g *Generic) startWorkload(ctx context.Context, causedBy types.CausedBy) error {
	gw := g.current()
	if gw == nil || gw.retired.Load() || !gw.alive() {
		var err error
		if gw, err = g.revive(ctx); err != nil {
			return err
		}
	}
	return gw.bridge.CallVoid(ctx, causedBy, procedure.StartInstance())
}

// stopWorkload asks the script to stop its workload. A handler that does not
// return within the stop timeout loses its worker.
func (g *Generic) stopWorkload(ctx context.Context, causedBy types.CausedBy) error {
	gw, err := g.live()
	if err != nil {
		return nil
	}
	wait := timeout(g.Config().StopTimeout, g.opts.stopTimeout())
	stopCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	err = gw.bridge.CallVoid(stopCtx, causedBy, procedure.StopInstance())
	if err == nil || !errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return err
	}
	g.guard.tel.Logger.WithInstance(g.UUID(), g.Name()).
		Warnf("stop handler did not return within %s, killing", wait)
	g.retire(gw)
	return nil
}

// killWorkload gives the script's kill handler one call timeout, then retires
// the worker whatever the handler did.
func (g *Generic) killWorkload(ctx context.Context, causedBy types.CausedBy) error {
	gw, err := g.live()
	if err != nil {
		return nil
	}
	killCtx, cancel := context.WithTimeout(ctx, g.opts.callTimeout())
	defer cancel()
	if err := gw.bridge.CallVoid(killCtx, causedBy, procedure.KillInstance()); err != nil && !engine.IsUnsupported(err) {
		g.guard.tel.Logger.WithInstance(g.UUID(), g.Name()).WithError(err).Debug("kill handler failed")
	}
	g.retire(gw)
	return nil
}

// SendCommand forwards command to the script's send_command handler.
func (g *Generic) SendCommand(ctx context.Context, command string, causedBy types.CausedBy) error {
	if err := commandCheck(g.guard, command); err != nil {
		return err
	}
	gw, err := g.live()
	if err != nil {
		return err
	}
	if err := gw.bridge.CallVoid(ctx, causedBy, procedure.SendCommand(command)); err != nil {
		return err
	}
	publishInput(g.guard, command, causedBy)
	return nil
}

// Monitor asks the script for a usage report. Failures yield an empty report.
func (g *Generic) Monitor(ctx context.Context) types.MonitorReport {
	gw, err := g.live()
	if err != nil {
		return types.MonitorReport{}
	}
	ctx, cancel := context.WithTimeout(ctx, g.opts.callTimeout())
	defer cancel()
	report, err := gw.bridge.CallMonitor(ctx, types.CausedBySystem(), procedure.Monitor())
	if err != nil {
		g.guard.tel.Logger.WithInstance(g.UUID(), g.Name()).WithError(err).Debug("monitor call failed")
		return types.MonitorReport{}
	}
	return report
}

// PlayerCount asks the script for the number of online players.
func (g *Generic) PlayerCount(ctx context.Context) (uint32, error) {
	gw, err := g.live()
	if err != nil {
		return 0, err
	}
	return gw.bridge.CallNum(ctx, types.CausedBySystem(), procedure.GetPlayerCount())
}

// MaxPlayerCount asks the script for its player cap.
func (g *Generic) MaxPlayerCount(ctx context.Context) (uint32, error) {
	gw, err := g.live()
	if err != nil {
		return 0, err
	}
	return gw.bridge.CallNum(ctx, types.CausedBySystem(), procedure.GetMaxPlayerCount())
}

// SetMaxPlayerCount forwards a new player cap to the script.
func (g *Generic) SetMaxPlayerCount(ctx context.Context, max uint32, causedBy types.CausedBy) error {
	gw, err := g.live()
	if err != nil {
		return err
	}
	return gw.bridge.CallVoid(ctx, causedBy, procedure.SetMaxPlayerCount(max))
}

// PlayerList asks the script who is online.
func (g *Generic) PlayerList(ctx context.Context) ([]types.Player, error) {
	gw, err := g.live()
	if err != nil {
		return nil, err
	}
	return gw.bridge.CallPlayers(ctx, types.CausedBySystem(), procedure.GetPlayerList())
}

func (g *Generic) ListResources(context.Context, string) ([]string, error) {
	return nil, unsupported(g.UUID(), "resource management is not supported")
}

func (g *Generic) SetResourceEnabled(context.Context, string, string, bool, types.CausedBy) error {
	return unsupported(g.UUID(), "resource management is not supported")
}

// Close terminates the worker.
func (g *Generic) Close() error {
	if gw := g.current(); gw != nil {
		g.retire(gw)
	}
	return nil
}
