package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/openfroyo/warden/pkg/engine"
	"github.com/openfroyo/warden/pkg/procedure"
	"github.com/openfroyo/warden/pkg/telemetry"
)

// WASMHost runs WebAssembly modules in-process under wazero.
//
// A module must export memory, malloc(size u32) u32 and free(ptr u32). Instance
// modules export handle_call and macro modules export run; both take a JSON
// payload as (ptr u32, len u32) and return (out_ptr << 32 | out_len) pointing at a
// JSON reply {"value": ..., "error": {"kind": ..., "message": ...}} the host frees.
// handle_call receives a procedure call; run receives {"name": ..., "args": [...]}.
//
// Ops are reached through the host function env.op_invoke, which takes a JSON
// request {"name": ..., "args": {...}} and returns a reply in guest memory the
// same way.
type WASMHost struct {
	tel   *telemetry.Telemetry
	cfg   WASMConfig
	cache wazero.CompilationCache
}

// WASMConfig contains configuration for the WASM host.
type WASMConfig struct {
	// MemoryLimitPages is the maximum memory limit in pages (64KB each).
	// Default is 256 pages (16MB).
	MemoryLimitPages uint32
}

// NewWASMHost creates a WASM host. Compiled modules are cached for the life of the
// host.
func NewWASMHost(tel *telemetry.Telemetry, cfg WASMConfig) *WASMHost {
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = 256
	}
	return &WASMHost{
		tel:   telemetry.OrNop(tel).Component("wasm-host"),
		cfg:   cfg,
		cache: wazero.NewCompilationCache(),
	}
}

// Close releases the compilation cache.
func (h *WASMHost) Close(ctx context.Context) error {
	return h.cache.Close(ctx)
}

// Spawn implements Host.
func (h *WASMHost) Spawn(ctx context.Context, spec Spec) (Worker, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid worker spec: %w", err)
	}
	wasmModule, err := os.ReadFile(spec.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read WASM module: %w", err)
	}

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w := &wasmWorker{
		spec:    spec,
		logger:  h.tel.Logger.WithField("worker", spec.Name),
		ctx:     wctx,
		cancel:  cancel,
		results: make(chan procedure.Result, 64),
		done:    make(chan struct{}),
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(h.cfg.MemoryLimitPages).
		WithCloseOnContextDone(true).
		WithCompilationCache(h.cache)
	w.runtime = wazero.NewRuntimeWithConfig(wctx, runtimeConfig)

	if err := w.instantiate(ctx, wasmModule); err != nil {
		w.Terminate()
		return nil, err
	}

	if spec.Kind == KindMacro {
		go w.runMacro()
	}
	return w, nil
}

type wasmWorker struct {
	spec   Spec
	logger *telemetry.Logger

	ctx    context.Context
	cancel context.CancelFunc

	runtime wazero.Runtime
	guest   *wasmGuest

	// callMu serializes guest entry; linear memory is not shared safely.
	callMu sync.Mutex

	results chan procedure.Result
	done    chan struct{}

	mu   sync.Mutex
	err  error
	once sync.Once
}

func (w *wasmWorker) instantiate(ctx context.Context, wasmModule []byte) error {
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, w.runtime); err != nil {
		return fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	builder := w.runtime.NewHostModuleBuilder("env")
	builder.NewFunctionBuilder().
		WithFunc(w.opInvoke).
		WithParameterNames("req_ptr", "req_len").
		Export("op_invoke")
	if _, err := builder.Instantiate(ctx); err != nil {
		return fmt.Errorf("failed to instantiate host module: %w", err)
	}

	out := &lineWriter{logger: w.logger}
	moduleConfig := wazero.NewModuleConfig().
		WithName(w.spec.Name).
		WithArgs(append([]string{w.spec.Name}, w.spec.Args...)...).
		WithStartFunctions("_initialize").
		WithStdout(out).
		WithStderr(out).
		WithSysWalltime().
		WithSysNanotime()

	module, err := w.runtime.InstantiateWithConfig(w.ctx, wasmModule, moduleConfig)
	if err != nil {
		return fmt.Errorf("failed to instantiate WASM module: %w", err)
	}

	entry := "handle_call"
	if w.spec.Kind == KindMacro {
		entry = "run"
	}
	guest, err := newWASMGuest(module, entry)
	if err != nil {
		return err
	}
	w.guest = guest
	return nil
}

// wasmReply is what both the guest entry points and op_invoke return.
type wasmReply struct {
	Value any                `json:"value,omitempty"`
	Error *procedure.Failure `json:"error,omitempty"`
}

type wasmOpRequest struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// opInvoke is the env.op_invoke host function.
func (w *wasmWorker) opInvoke(ctx context.Context, mod api.Module, reqPtr, reqLen uint32) uint64 {
	if w.guest == nil {
		// called from a start function; no allocator is known yet
		return 0
	}
	reply := wasmReply{}

	raw, ok := mod.Memory().Read(reqPtr, reqLen)
	if !ok {
		reply.Error = procedure.FailureFrom(engine.NewBadRequestError("op request out of bounds", nil))
	} else {
		var req wasmOpRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			reply.Error = procedure.FailureFrom(engine.NewBadRequestError("malformed op request", err))
		} else if v, err := w.spec.Ops.Invoke(ctx, req.Name, req.Args); err != nil {
			reply.Error = procedure.FailureFrom(err)
		} else {
			reply.Value = v
		}
	}

	data, err := json.Marshal(reply)
	if err != nil {
		data, _ = json.Marshal(wasmReply{Error: procedure.FailureFrom(err)})
	}
	packed, err := w.guest.write(ctx, data)
	if err != nil {
		w.logger.WithError(err).Warn("failed to return op result to guest")
		return 0
	}
	return packed
}

func (w *wasmWorker) enter(payload any) (any, error) {
	input, err := json.Marshal(payload)
	if err != nil {
		return nil, engine.NewInternalError("encoding guest input", err)
	}

	w.callMu.Lock()
	out, err := w.guest.call(w.ctx, input)
	w.callMu.Unlock()
	if err != nil {
		return nil, engine.NewInternalError(w.guest.entryName+" trapped", err)
	}

	var reply wasmReply
	if len(out) > 0 {
		if err := json.Unmarshal(out, &reply); err != nil {
			return nil, engine.NewInternalError("malformed guest reply", err).WithCode(engine.ErrCodeResultMismatch)
		}
	}
	if reply.Error != nil {
		return nil, reply.Error.Err()
	}
	return reply.Value, nil
}

func (w *wasmWorker) runMacro() {
	_, err := w.enter(map[string]any{"name": w.spec.Name, "args": w.spec.Args})
	w.finish(err)
}

func (w *wasmWorker) handle(call procedure.Call) {
	v, err := w.enter(call)
	r := resultFor(call, v, err)
	select {
	case w.results <- r:
	case <-w.done:
	}
}

func (w *wasmWorker) finish(err error) {
	w.once.Do(func() {
		w.mu.Lock()
		w.err = err
		w.mu.Unlock()
		w.cancel()
		if w.runtime != nil {
			if cerr := w.runtime.Close(context.Background()); cerr != nil {
				w.logger.WithError(cerr).Debug("closing wasm runtime")
			}
		}
		close(w.done)
	})
}

// Deliver implements procedure.Conn.
func (w *wasmWorker) Deliver(ctx context.Context, call procedure.Call) error {
	if w.spec.Kind != KindInstance {
		return engine.NewUnsupportedError("macro workers do not accept calls", nil)
	}
	select {
	case <-w.done:
		return ErrTerminated
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	go w.handle(call)
	return nil
}

func (w *wasmWorker) Results() <-chan procedure.Result { return w.results }
func (w *wasmWorker) Done() <-chan struct{}            { return w.done }

func (w *wasmWorker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Terminate implements Worker.
func (w *wasmWorker) Terminate() {
	w.finish(ErrTerminated)
}

// wasmGuest calls one guest entry point with JSON in and out.
type wasmGuest struct {
	memory    api.Memory
	malloc    api.Function
	free      api.Function
	entry     api.Function
	entryName string
}

func newWASMGuest(module api.Module, entry string) (*wasmGuest, error) {
	g := &wasmGuest{entryName: entry}

	g.memory = module.Memory()
	if g.memory == nil {
		return nil, fmt.Errorf("WASM module does not export memory")
	}
	g.malloc = module.ExportedFunction("malloc")
	if g.malloc == nil {
		return nil, fmt.Errorf("WASM module does not export malloc function")
	}
	g.free = module.ExportedFunction("free")
	if g.free == nil {
		return nil, fmt.Errorf("WASM module does not export free function")
	}
	g.entry = module.ExportedFunction(entry)
	if g.entry == nil {
		return nil, fmt.Errorf("WASM module does not export %s function", entry)
	}
	return g, nil
}

// call invokes the entry point. Function signature: fn(ptr u32, len u32) -> u64,
// where the result is (output_ptr << 32) | output_len.
func (g *wasmGuest) call(ctx context.Context, input []byte) ([]byte, error) {
	var inputPtr, inputLen uint32
	if len(input) > 0 {
		ptr, err := g.allocate(ctx, uint32(len(input)))
		if err != nil {
			return nil, fmt.Errorf("failed to allocate WASM memory: %w", err)
		}
		defer g.deallocate(ctx, ptr)

		inputPtr = ptr
		inputLen = uint32(len(input))
		if !g.memory.Write(inputPtr, input) {
			return nil, fmt.Errorf("failed to write input to WASM memory")
		}
	}

	results, err := g.entry.Call(ctx, uint64(inputPtr), uint64(inputLen))
	if err != nil {
		return nil, fmt.Errorf("WASM function call failed: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("WASM function returned no results")
	}

	packed := results[0]
	outputPtr := uint32(packed >> 32)
	outputLen := uint32(packed & 0xFFFFFFFF)
	if outputLen == 0 {
		return nil, nil
	}

	output, ok := g.memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("failed to read output from WASM memory")
	}
	// Read returns a view; copy before the guest reuses the buffer.
	output = bytes.Clone(output)
	_ = g.deallocate(ctx, outputPtr)
	return output, nil
}

// write copies data into guest memory the guest must free.
func (g *wasmGuest) write(ctx context.Context, data []byte) (uint64, error) {
	ptr, err := g.allocate(ctx, uint32(len(data)))
	if err != nil {
		return 0, err
	}
	if !g.memory.Write(ptr, data) {
		_ = g.deallocate(ctx, ptr)
		return 0, fmt.Errorf("failed to write to WASM memory")
	}
	return uint64(ptr)<<32 | uint64(len(data)), nil
}

func (g *wasmGuest) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := g.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("malloc returned no results")
	}
	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, fmt.Errorf("malloc returned null pointer")
	}
	return ptr, nil
}

func (g *wasmGuest) deallocate(ctx context.Context, ptr uint32) error {
	if _, err := g.free.Call(ctx, uint64(ptr)); err != nil {
		return fmt.Errorf("free failed: %w", err)
	}
	return nil
}

// lineWriter logs guest stdout and stderr one line at a time.
type lineWriter struct {
	logger *telemetry.Logger
	mu     sync.Mutex
	buf    []byte
}

func (lw *lineWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	lw.buf = append(lw.buf, p...)
	for {
		i := bytes.IndexByte(lw.buf, '\n')
		if i < 0 {
			break
		}
		lw.logger.Info(string(lw.buf[:i]))
		lw.buf = lw.buf[i+1:]
	}
	return len(p), nil
}
