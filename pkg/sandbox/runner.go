package sandbox

import (
	"context"
	"fmt"

	"github.com/openfroyo/warden/pkg/runner/client"
	"github.com/openfroyo/warden/pkg/runner/protocol"
	"github.com/openfroyo/warden/pkg/telemetry"
)

// RunnerHost runs each worker in its own warden-runner process. The runner picks
// Starlark or WASM from the script path, exactly like LocalHost.
type RunnerHost struct {
	cfg client.Config
	tel *telemetry.Telemetry
}

// NewRunnerHost creates a host launching cfg.RunnerPath.
func NewRunnerHost(cfg client.Config, tel *telemetry.Telemetry) *RunnerHost {
	return &RunnerHost{cfg: cfg, tel: telemetry.OrNop(tel)}
}

// Spawn implements Host.
func (h *RunnerHost) Spawn(ctx context.Context, spec Spec) (Worker, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid worker spec: %w", err)
	}
	if _, err := RuntimeFor(spec.Path); err != nil {
		return nil, err
	}

	init := protocol.InitMessage{
		Kind:   protocol.WorkerKind(spec.Kind),
		Name:   spec.Name,
		Script: spec.Path,
		Dir:    spec.Dir,
		Args:   spec.Args,
		Ops:    spec.Ops.Specs(),
	}
	w, err := client.Start(ctx, h.cfg, init, spec.Ops, h.tel)
	if err != nil {
		return nil, fmt.Errorf("failed to start runner for %s: %w", spec.Name, err)
	}
	return w, nil
}
