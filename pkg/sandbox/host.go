// Package sandbox runs untrusted scripts as workers the core can drive through a
// procedure bridge. A Host spawns workers; every worker is a procedure.Conn plus a
// way to kill it.
//
// Three hosts exist:
//
//   - StarlarkHost runs .star scripts in-process.
//   - WASMHost runs .wasm modules in-process under wazero.
//   - RunnerHost runs either kind in a warden-runner subprocess.
//
// LocalHost picks StarlarkHost or WASMHost by file extension.
package sandbox

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/openfroyo/warden/pkg/procedure"
)

// Kind says how a worker drives its script.
type Kind string

const (
	// KindMacro runs the script once, top to bottom. The worker is done when the
	// script returns.
	KindMacro Kind = "macro"

	// KindInstance loads the script and then serves procedure calls until terminated.
	KindInstance Kind = "instance"
)

// Validate checks if the kind is valid.
func (k Kind) Validate() error {
	switch k {
	case KindMacro, KindInstance:
		return nil
	default:
		return fmt.Errorf("invalid worker kind: %s", k)
	}
}

// Spec describes one worker to spawn.
type Spec struct {
	Kind Kind
	// Name identifies the worker in logs, e.g. the macro or instance name.
	Name string
	// Path is the script or module to run.
	Path string
	// Dir is the working directory handed to the script, if any.
	Dir string
	// Args are passed through to macros.
	Args []string
	// Ops is the full set of ops the worker may call. Hosts never widen it.
	Ops *procedure.OpTable
}

// Validate checks the spec is complete.
func (s Spec) Validate() error {
	if err := s.Kind.Validate(); err != nil {
		return err
	}
	if s.Path == "" {
		return fmt.Errorf("script path is required")
	}
	if s.Ops == nil {
		return fmt.Errorf("op table is required")
	}
	return nil
}

// Worker is a running sandboxed script.
type Worker interface {
	procedure.Conn
	// Terminate stops the worker without waiting for it to finish. Done closes
	// once it is gone. Calling Terminate more than once is harmless.
	Terminate()
}

// Host spawns workers.
type Host interface {
	Spawn(ctx context.Context, spec Spec) (Worker, error)
}

// Runtime names the script runtime a path needs.
type Runtime string

const (
	RuntimeStarlark Runtime = "starlark"
	RuntimeWASM     Runtime = "wasm"
)

// RuntimeFor picks the runtime for a script path by extension.
func RuntimeFor(path string) (Runtime, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".star", ".py":
		return RuntimeStarlark, nil
	case ".wasm":
		return RuntimeWASM, nil
	default:
		return "", fmt.Errorf("no sandbox runtime for %q", filepath.Base(path))
	}
}

// LocalHost runs workers in-process, choosing the runtime from the script path.
type LocalHost struct {
	Starlark *StarlarkHost
	WASM     *WASMHost
}

// NewLocalHost pairs the two in-process hosts.
func NewLocalHost(starlark *StarlarkHost, wasm *WASMHost) *LocalHost {
	return &LocalHost{Starlark: starlark, WASM: wasm}
}

// Spawn implements Host.
func (h *LocalHost) Spawn(ctx context.Context, spec Spec) (Worker, error) {
	rt, err := RuntimeFor(spec.Path)
	if err != nil {
		return nil, err
	}
	switch rt {
	case RuntimeWASM:
		if h.WASM == nil {
			return nil, fmt.Errorf("wasm sandbox is not enabled")
		}
		return h.WASM.Spawn(ctx, spec)
	default:
		if h.Starlark == nil {
			return nil, fmt.Errorf("starlark sandbox is not enabled")
		}
		return h.Starlark.Spawn(ctx, spec)
	}
}
