// Package app wires the daemon's components into one explicit handle. Nothing in
// warden reaches for global state; everything a command needs hangs off App.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/openfroyo/warden/pkg/config"
	"github.com/openfroyo/warden/pkg/engine"
	"github.com/openfroyo/warden/pkg/events"
	"github.com/openfroyo/warden/pkg/instance"
	"github.com/openfroyo/warden/pkg/macro"
	"github.com/openfroyo/warden/pkg/policy"
	"github.com/openfroyo/warden/pkg/procedure"
	"github.com/openfroyo/warden/pkg/runner/client"
	"github.com/openfroyo/warden/pkg/sandbox"
	"github.com/openfroyo/warden/pkg/stores"
	"github.com/openfroyo/warden/pkg/telemetry"
	"github.com/openfroyo/warden/pkg/types"
)

// InstanceMacrosDir is where an instance keeps its own macros, relative to
// the instance path.
const InstanceMacrosDir = "macros"

// App is the application state shared by every command.
type App struct {
	Config    *config.Config
	Telemetry *telemetry.Telemetry
	Bus       *events.Broadcaster
	Env       *procedure.Env
	Host      sandbox.Host
	Schemas   *config.SchemaRegistry
	Policies  *policy.Engine
	Instances *instance.Registry
	Macros    *macro.Executor
	Catalog   *macro.Catalog

	// Store is nil when persistence is disabled.
	Store *stores.SQLiteStore

	logger  *telemetry.Logger
	cancel  context.CancelFunc
	closers []func(context.Context) error
	once    sync.Once
}

// New builds every component from cfg. Instances are not restored; call Restore.
func New(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (*App, error) {
	tel = telemetry.OrNop(tel)
	ctx, cancel := context.WithCancel(ctx)
	a := &App{
		Config:    cfg,
		Telemetry: tel,
		Schemas:   config.NewSchemaRegistry(),
		logger:    tel.Logger.NewComponentLogger("app"),
		cancel:    cancel,
	}

	a.Bus, _ = events.New(cfg.Events.Capacity,
		events.WithLogger(tel.Logger),
		events.WithMetrics(tel.Metrics),
	)
	a.Instances = instance.NewRegistry(tel)
	a.Env = procedure.NewEnv(a.Bus, a.Instances, tel)

	policies, err := policy.NewEngine(*tel.Logger.Zerolog())
	if err != nil {
		a.fail()
		return nil, err
	}
	if paths := cfg.PolicyPaths(); len(paths) > 0 {
		if err := policies.LoadPolicies(ctx, paths); err != nil {
			a.fail()
			return nil, err
		}
	}
	a.Policies = policies

	a.Host = a.newHost()

	catalog, err := macro.NewCatalog(ctx, tel)
	if err != nil {
		a.fail()
		return nil, err
	}
	a.Catalog = catalog
	a.closers = append(a.closers, func(context.Context) error { return catalog.Close() })

	a.Macros = macro.NewExecutor(a.Env,
		macro.WithHost(a.Host),
		macro.WithGrants(a.Policies.Grants),
		macro.WithRetention(cfg.Macro.Retention),
	)

	if cfg.Store.Enabled {
		path := cfg.StorePath()
		if path != stores.MemoryPath {
			if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
				a.fail()
				return nil, fmt.Errorf("failed to create data dir: %w", err)
			}
		}
		store, err := stores.Open(ctx, stores.Config{Path: path})
		if err != nil {
			a.fail()
			return nil, err
		}
		a.Store = store
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
	}
	return a, nil
}

func (a *App) newHost() sandbox.Host {
	sb := a.Config.Sandbox
	if sb.Host == "runner" {
		env := []string{"LOG_LEVEL=" + a.Config.Telemetry.Logging.Level}
		if sb.MaxSteps > 0 {
			env = append(env, "WARDEN_RUNNER_MAX_STEPS="+strconv.FormatUint(sb.MaxSteps, 10))
		}
		if sb.MemoryLimitPages > 0 {
			env = append(env, "WARDEN_RUNNER_MEMORY_PAGES="+strconv.FormatUint(uint64(sb.MemoryLimitPages), 10))
		}
		return sandbox.NewRunnerHost(client.Config{
			RunnerPath:     sb.RunnerPath,
			Env:            env,
			StartupTimeout: sb.RunnerStartupTimeout,
		}, a.Telemetry)
	}

	var opts []sandbox.StarlarkOption
	if sb.MaxSteps > 0 {
		opts = append(opts, sandbox.WithMaxSteps(sb.MaxSteps))
	}
	wasm := sandbox.NewWASMHost(a.Telemetry, sandbox.WASMConfig{MemoryLimitPages: sb.MemoryLimitPages})
	a.closers = append(a.closers, wasm.Close)
	return sandbox.NewLocalHost(sandbox.NewStarlarkHost(a.Telemetry, opts...), wasm)
}

// InstanceOptions returns the handles instances are built over.
func (a *App) InstanceOptions() instance.Options {
	return instance.Options{
		Env:         a.Env,
		Host:        a.Host,
		Schemas:     a.Schemas,
		Grants:      a.Policies.Grants,
		CallTimeout: a.Config.Sandbox.CallTimeout,
		StopTimeout: a.Config.Instances.StopTimeout,
	}
}

// Restore loads every persisted instance. Instances that fail to load are
// logged and skipped.
func (a *App) Restore(ctx context.Context) int {
	op := a.Telemetry.StartOperation(ctx, "instances.restore")
	n, err := a.Instances.RestoreAll(op.Ctx, a.Config.InstancesPath(), a.InstanceOptions())
	op.End(err)
	if err != nil {
		a.logger.WithError(err).Warn("some instances could not be restored")
	}
	a.logger.WithField("count", n).Info("instances restored")
	return n
}

// CreateGeneric installs the package in pkgDir as a new instance.
func (a *App) CreateGeneric(ctx context.Context, pkgDir string, req instance.CreateRequest) (*instance.Generic, error) {
	pkg, err := sandbox.NewManifestLoader().LoadFromDir(pkgDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(a.Config.InstancesPath(), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create instances dir: %w", err)
	}
	g, err := instance.NewGeneric(ctx, a.InstanceOptions(), pkg, a.Config.InstancesPath(), req)
	if err != nil {
		return nil, err
	}
	if err := a.Instances.Insert(g); err != nil {
		_ = g.Close()
		return nil, err
	}
	return g, nil
}

// CreateNative creates a native instance under the instances dir.
func (a *App) CreateNative(cfg types.InstanceConfig) (*instance.Native, error) {
	if cfg.UUID == "" {
		cfg.UUID = types.NewInstanceUUID()
	}
	if cfg.Path == "" {
		cfg.Path = filepath.Join(a.Config.InstancesPath(), cfg.UUID.String())
	}
	n, err := instance.NewNative(cfg, a.InstanceOptions())
	if err != nil {
		return nil, err
	}
	if err := a.Instances.Insert(n); err != nil {
		_ = n.Close()
		return nil, err
	}
	return n, nil
}

// SetupManifest returns the setup questions of the package in pkgDir.
func (a *App) SetupManifest(ctx context.Context, pkgDir string) (types.SetupManifest, error) {
	pkg, err := sandbox.NewManifestLoader().LoadFromDir(pkgDir)
	if err != nil {
		return types.SetupManifest{}, err
	}
	return instance.SetupManifest(ctx, a.InstanceOptions(), pkg)
}

// MacroDirs returns where macros are looked up, most specific first: the
// instance's own macros, then the global ones.
func (a *App) MacroDirs(uuid *types.InstanceUUID) ([]string, error) {
	var dirs []string
	if uuid != nil {
		inst, err := a.Instances.Get(*uuid)
		if err != nil {
			return nil, err
		}
		dirs = append(dirs, filepath.Join(inst.Path(), InstanceMacrosDir))
	}
	return append(dirs, a.Config.MacrosPath()), nil
}

// ListMacros returns the macros available to an instance, or the global ones
// when uuid is nil. Names shadowed by a more specific dir are listed once.
func (a *App) ListMacros(uuid *types.InstanceUUID) ([]string, error) {
	dirs, err := a.MacroDirs(uuid)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var names []string
	for _, dir := range dirs {
		list, err := a.Catalog.List(dir)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, name := range list {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	return names, nil
}

// RunMacro resolves name against MacroDirs and spawns it.
func (a *App) RunMacro(ctx context.Context, name string, args []string, uuid *types.InstanceUUID, causedBy types.CausedBy, detached bool) (types.MacroPID, error) {
	dirs, err := a.MacroDirs(uuid)
	if err != nil {
		return 0, err
	}
	var script string
	for _, dir := range dirs {
		script, err = macro.Resolve(dir, name)
		if !engine.IsNotFound(err) {
			break
		}
	}
	if err != nil {
		return 0, err
	}
	return a.Macros.Spawn(ctx, macro.SpawnRequest{
		Script:   script,
		Args:     args,
		CausedBy: causedBy,
		Instance: uuid,
		Detached: detached,
	})
}

// Serve runs the daemon's background work until ctx is done: the event sink,
// the macro reaper, policy reloads, the metrics server and auto start. It then
// stops every instance and macro.
func (a *App) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	goRun := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.WithError(err).WithField("task", name).Error("background task failed")
			}
		}()
	}

	if a.Store != nil {
		sink := stores.NewEventSink(a.Store, a.Bus, a.Telemetry)
		goRun("event-sink", sink.Run)
	}
	goRun("macro-reaper", func(ctx context.Context) error {
		a.Macros.Run(ctx)
		return nil
	})
	if err := a.Telemetry.StartMetricsServer(ctx); err != nil {
		a.logger.WithError(err).Warn("metrics server not started")
	}
	if paths := a.Config.PolicyPaths(); len(paths) > 0 && a.Config.Sandbox.WatchPolicies {
		loader, err := a.Policies.Watch(ctx, paths)
		if err != nil {
			a.logger.WithError(err).Warn("policy reload disabled")
		} else {
			defer loader.StopWatching()
		}
	}
	if a.Config.Instances.AutoStart {
		a.Instances.StartAutoStart(ctx)
	}

	a.logger.Info("warden is serving")
	<-ctx.Done()

	shutdown, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.Config.Instances.StopTimeout+10*time.Second)
	defer cancel()
	a.Shutdown(shutdown)
	wg.Wait()
	if err := a.Telemetry.Tracer.ForceFlush(shutdown); err != nil {
		a.logger.WithError(err).Warn("failed to flush spans")
	}
	return nil
}

// Shutdown kills every macro and stops every instance.
func (a *App) Shutdown(ctx context.Context) {
	a.Macros.KillAll()
	a.Instances.StopAll(ctx)
}

// Close releases every component. The bus is closed last so the sink drains
// the final events.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	a.once.Do(func() {
		a.Instances.Close()
		a.Bus.Close()
		errs = a.runClosers(ctx)
		a.cancel()
	})
	return errors.Join(errs...)
}

func (a *App) runClosers(ctx context.Context) []error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (a *App) fail() {
	a.runClosers(context.Background())
	a.cancel()
}
