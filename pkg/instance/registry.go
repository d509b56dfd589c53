package instance

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/openfroyo/warden/pkg/engine"
	"github.com/openfroyo/warden/pkg/procedure"
	"github.com/openfroyo/warden/pkg/telemetry"
	"github.com/openfroyo/warden/pkg/types"
)

const shardCount = 16

type shard struct {
	mu        sync.RWMutex
	instances map[types.InstanceUUID]Instance
}

// Registry holds the live instances, sharded by UUID.
type Registry struct {
	shards [shardCount]*shard
	tel    *telemetry.Telemetry
}

var _ procedure.InstanceDirectory = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry(tel *telemetry.Telemetry) *Registry {
	r := &Registry{tel: telemetry.OrNop(tel).Component("instance-registry")}
	for i := range r.shards {
		r.shards[i] = &shard{instances: make(map[types.InstanceUUID]Instance)}
	}
	return r
}

func (r *Registry) shardFor(uuid types.InstanceUUID) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(uuid))
	return r.shards[h.Sum32()%shardCount]
}

// Insert adds inst. It fails if the UUID is taken.
func (r *Registry) Insert(inst Instance) error {
	s := r.shardFor(inst.UUID())
	s.mu.Lock()
	if _, ok := s.instances[inst.UUID()]; ok {
		s.mu.Unlock()
		return engine.NewBadRequestError("instance already registered", nil).WithInstance(inst.UUID().String())
	}
	s.instances[inst.UUID()] = inst
	s.mu.Unlock()

	r.tel.Metrics.SetInstancesManaged(r.Len())
	return nil
}

// Get returns the instance with the given UUID.
func (r *Registry) Get(uuid types.InstanceUUID) (Instance, error) {
	s := r.shardFor(uuid)
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[uuid]
	if !ok {
		return nil, engine.NewNotFoundError("instance not found", nil).WithInstance(uuid.String())
	}
	return inst, nil
}

// Remove closes and drops a stopped instance. The instance's transition slot
// is held throughout, so no lifecycle op can start it meanwhile.
func (r *Registry) Remove(ctx context.Context, uuid types.InstanceUUID) (Instance, error) {
	inst, err := r.Get(uuid)
	if err != nil {
		return nil, err
	}
	g := inst.lifecycle()
	if err := g.acquire(ctx); err != nil {
		return nil, err
	}
	defer g.release()

	if s := g.State(); s != types.InstanceStateStopped {
		return nil, engine.NewInvalidStateError(
			fmt.Sprintf("instance is %s, stop it before removing", s), nil).WithInstance(uuid.String())
	}

	s := r.shardFor(uuid)
	s.mu.Lock()
	delete(s.instances, uuid)
	s.mu.Unlock()
	r.tel.Metrics.SetInstancesManaged(r.Len())

	if err := inst.Close(); err != nil {
		r.tel.Logger.WithInstance(uuid, inst.Name()).WithError(err).Warn("close failed")
	}
	return inst, nil
}

// Len returns the number of instances.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.instances)
		s.mu.RUnlock()
	}
	return n
}

// List returns all instances ordered by creation time.
func (r *Registry) List() []Instance {
	var out []Instance
	for _, s := range r.shards {
		s.mu.RLock()
		for _, inst := range s.instances {
			out = append(out, inst)
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if ti, tj := out[i].CreationTime(), out[j].CreationTime(); !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return out[i].UUID() < out[j].UUID()
	})
	return out
}

// MonitorAll collects a report from every instance concurrently.
func (r *Registry) MonitorAll(ctx context.Context) map[types.InstanceUUID]types.MonitorReport {
	list := r.List()
	out := make(map[types.InstanceUUID]types.MonitorReport, len(list))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, inst := range list {
		wg.Add(1)
		go func(inst Instance) {
			defer wg.Done()
			report := inst.Monitor(ctx)
			mu.Lock()
			out[inst.UUID()] = report
			mu.Unlock()
		}(inst)
	}
	wg.Wait()
	return out
}

// RestoreAll reloads every instance persisted under dir. Directories that fail
// to load are skipped and reported in the returned error.
func (r *Registry) RestoreAll(ctx context.Context, dir string, opts Options) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read instances dir: %w", err)
	}

	var errs []error
	restored := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		inst, err := Restore(ctx, path, opts)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.Name(), err))
			continue
		}
		if err := r.Insert(inst); err != nil {
			_ = inst.Close()
			errs = append(errs, fmt.Errorf("%s: %w", e.Name(), err))
			continue
		}
		restored++
		r.tel.Logger.WithInstance(inst.UUID(), inst.Name()).Infof("restored %s instance", inst.Kind())
	}
	return restored, errors.Join(errs...)
}

// Restore loads the instance persisted in dir with the implementation its
// config names.
func Restore(ctx context.Context, dir string, opts Options) (Instance, error) {
	cfg, err := LoadConfig(dir)
	if err != nil {
		return nil, err
	}
	if err := opts.checkConfig(cfg); err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case types.InstanceKindNative:
		return RestoreNative(dir, opts)
	case types.InstanceKindGeneric:
		return RestoreGeneric(ctx, opts, dir)
	default:
		return nil, badRequest(fmt.Sprintf("unknown instance kind %q", cfg.Kind))
	}
}

// StartAutoStart starts every instance configured to start with the daemon.
func (r *Registry) StartAutoStart(ctx context.Context) {
	for _, inst := range r.List() {
		if !inst.AutoStart() {
			continue
		}
		if err := inst.Start(ctx, types.CausedBySystem(), false); err != nil {
			r.tel.Logger.WithInstance(inst.UUID(), inst.Name()).WithError(err).Warn("auto start failed")
		}
	}
}

// StopAll stops every instance that is not at rest and waits for them.
func (r *Registry) StopAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, inst := range r.List() {
		if inst.State() == types.InstanceStateStopped {
			continue
		}
		wg.Add(1)
		go func(inst Instance) {
			defer wg.Done()
			if err := inst.Stop(ctx, types.CausedBySystem(), true); err != nil {
				r.tel.Logger.WithInstance(inst.UUID(), inst.Name()).WithError(err).Warn("stop failed, killing")
				_ = inst.Kill(ctx, types.CausedBySystem())
			}
		}(inst)
	}
	wg.Wait()
}

// Close releases every instance's resources.
func (r *Registry) Close() {
	for _, inst := range r.List() {
		_ = inst.Close()
	}
}

func (r *Registry) StartInstance(ctx context.Context, uuid types.InstanceUUID, causedBy types.CausedBy, block bool) error {
	inst, err := r.Get(uuid)
	if err != nil {
		return err
	}
	return inst.Start(ctx, causedBy, block)
}

func (r *Registry) StopInstance(ctx context.Context, uuid types.InstanceUUID, causedBy types.CausedBy, block bool) error {
	inst, err := r.Get(uuid)
	if err != nil {
		return err
	}
	return inst.Stop(ctx, causedBy, block)
}

func (r *Registry) RestartInstance(ctx context.Context, uuid types.InstanceUUID, causedBy types.CausedBy, block bool) error {
	inst, err := r.Get(uuid)
	if err != nil {
		return err
	}
	return inst.Restart(ctx, causedBy, block)
}

func (r *Registry) KillInstance(ctx context.Context, uuid types.InstanceUUID, causedBy types.CausedBy) error {
	inst, err := r.Get(uuid)
	if err != nil {
		return err
	}
	return inst.Kill(ctx, causedBy)
}

func (r *Registry) SendCommand(ctx context.Context, uuid types.InstanceUUID, command string, causedBy types.CausedBy) error {
	inst, err := r.Get(uuid)
	if err != nil {
		return err
	}
	return inst.SendCommand(ctx, command, causedBy)
}

func (r *Registry) InstanceState(_ context.Context, uuid types.InstanceUUID) (types.InstanceState, error) {
	inst, err := r.Get(uuid)
	if err != nil {
		return "", err
	}
	return inst.State(), nil
}

func (r *Registry) ListInstances(context.Context) []procedure.InstanceSummary {
	list := r.List()
	out := make([]procedure.InstanceSummary, 0, len(list))
	for _, inst := range list {
		out = append(out, procedure.InstanceSummary{
			UUID:     inst.UUID(),
			Name:     inst.Name(),
			Kind:     inst.Kind(),
			GameType: inst.GameType(),
			State:    inst.State(),
			Port:     inst.Port(),
		})
	}
	return out
}
