package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	starlarkjson "go.starlark.net/lib/json"
	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/warden/pkg/engine"
	"github.com/openfroyo/warden/pkg/procedure"
	"github.com/openfroyo/warden/pkg/telemetry"
)

// ErrTerminated is the exit reason of a worker stopped with Terminate.
var ErrTerminated = errors.New("worker terminated")

const threadContextKey = "warden.context"

// StarlarkHost runs Starlark scripts in-process.
//
// Every op in the worker's op table becomes a global builtin accepting positional or
// keyword arguments. Instance scripts answer a call by defining a global function
// named after the call kind, e.g.
//
//	def send_command(command):
//	    emit_console_out("> " + command)
//
// Handler arguments are passed by keyword. Top-level globals are frozen once the
// script has loaded; handlers keep mutable state in the predeclared store module.
type StarlarkHost struct {
	tel      *telemetry.Telemetry
	maxSteps uint64
}

// StarlarkOption configures a StarlarkHost.
type StarlarkOption func(*StarlarkHost)

// WithMaxSteps bounds the number of execution steps of each script thread.
func WithMaxSteps(n uint64) StarlarkOption {
	return func(h *StarlarkHost) {
		h.maxSteps = n
	}
}

// NewStarlarkHost creates a Starlark host.
func NewStarlarkHost(tel *telemetry.Telemetry, opts ...StarlarkOption) *StarlarkHost {
	h := &StarlarkHost{tel: telemetry.OrNop(tel).Component("starlark-host")}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Spawn implements Host. Instance scripts are loaded before Spawn returns, so a
// script that fails to load never yields a worker.
func (h *StarlarkHost) Spawn(ctx context.Context, spec Spec) (Worker, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid worker spec: %w", err)
	}
	src, err := os.ReadFile(spec.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}

	w := newStarlarkWorker(ctx, h, spec)

	if spec.Kind == KindMacro {
		go w.runMacro(src)
		return w, nil
	}

	if err := w.load(ctx, src); err != nil {
		w.Terminate()
		return nil, fmt.Errorf("failed to load %s: %w", spec.Path, err)
	}
	return w, nil
}

type starlarkWorker struct {
	spec     Spec
	logger   *telemetry.Logger
	maxSteps uint64

	ctx    context.Context
	cancel context.CancelFunc

	predeclared starlark.StringDict
	globals     starlark.StringDict

	results chan procedure.Result
	done    chan struct{}

	mu      sync.Mutex
	threads map[*starlark.Thread]struct{}
	err     error
	once    sync.Once
}

func newStarlarkWorker(ctx context.Context, h *StarlarkHost, spec Spec) *starlarkWorker {
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w := &starlarkWorker{
		spec:     spec,
		logger:   h.tel.Logger.WithField("worker", spec.Name),
		maxSteps: h.maxSteps,
		ctx:      wctx,
		cancel:   cancel,
		results:  make(chan procedure.Result, 64),
		done:     make(chan struct{}),
		threads:  make(map[*starlark.Thread]struct{}),
	}
	w.predeclared = w.buildPredeclared()
	return w
}

func (w *starlarkWorker) buildPredeclared() starlark.StringDict {
	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"json":   starlarkjson.Module,
		"time":   starlarktime.Module,
		"store":  newStore().module(),
	}
	for _, name := range w.spec.Ops.Names() {
		predeclared[name] = w.opBuiltin(name)
	}
	return predeclared
}

// opBuiltin exposes one op to scripts.
func (w *starlarkWorker) opBuiltin(name string) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		positional := make([]any, len(args))
		for i, a := range args {
			v, err := fromStarlarkValue(a)
			if err != nil {
				return nil, fmt.Errorf("%s: argument %d: %w", name, i+1, err)
			}
			positional[i] = v
		}
		named := make(map[string]any, len(kwargs))
		for _, kv := range kwargs {
			key, _ := starlark.AsString(kv[0])
			v, err := fromStarlarkValue(kv[1])
			if err != nil {
				return nil, fmt.Errorf("%s: argument %s: %w", name, key, err)
			}
			named[key] = v
		}

		goArgs, err := w.spec.Ops.Positional(name, positional, named)
		if err != nil {
			return nil, err
		}
		out, err := w.spec.Ops.Invoke(threadContext(thread), name, goArgs)
		if err != nil {
			return nil, err
		}
		return toStarlarkValue(out)
	})
}

func threadContext(thread *starlark.Thread) context.Context {
	if ctx, ok := thread.Local(threadContextKey).(context.Context); ok {
		return ctx
	}
	return context.Background()
}

func (w *starlarkWorker) newThread(name string) (*starlark.Thread, func()) {
	thread := &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			w.logger.Info(msg)
		},
	}
	thread.SetLocal(threadContextKey, w.ctx)
	if w.maxSteps > 0 {
		thread.SetMaxExecutionSteps(w.maxSteps)
	}

	w.mu.Lock()
	w.threads[thread] = struct{}{}
	w.mu.Unlock()

	// the worker may already be gone
	if w.ctx.Err() != nil {
		thread.Cancel("worker terminated")
	}

	return thread, func() {
		w.mu.Lock()
		delete(w.threads, thread)
		w.mu.Unlock()
	}
}

func (w *starlarkWorker) load(ctx context.Context, src []byte) error {
	thread, release := w.newThread(w.spec.Name + ":load")
	defer release()

	stop := context.AfterFunc(ctx, func() { thread.Cancel("spawn cancelled") })
	defer stop()

	globals, err := starlark.ExecFile(thread, w.spec.Path, src, w.predeclared)
	if err != nil {
		return err
	}
	w.globals = globals
	return nil
}

func (w *starlarkWorker) runMacro(src []byte) {
	thread, release := w.newThread(w.spec.Name)
	_, err := starlark.ExecFile(thread, w.spec.Path, src, w.predeclared)
	release()
	if err != nil {
		w.logger.WithError(err).Debug("macro script failed")
	}
	w.finish(err)
}

func (w *starlarkWorker) handle(call procedure.Call) {
	name := string(call.Inner.Type)

	fn, ok := w.globals[name].(starlark.Callable)
	if !ok {
		w.send(resultFor(call, nil, engine.NewUnsupportedError(
			fmt.Sprintf("%s does not handle %s", w.spec.Name, name), nil)))
		return
	}

	args, err := CallArgs(call.Inner)
	if err != nil {
		w.send(resultFor(call, nil, err))
		return
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	kwargs := make([]starlark.Tuple, 0, len(keys))
	for _, k := range keys {
		v, err := toStarlarkValue(args[k])
		if err != nil {
			w.send(resultFor(call, nil, err))
			return
		}
		kwargs = append(kwargs, starlark.Tuple{starlark.String(k), v})
	}

	thread, release := w.newThread(fmt.Sprintf("%s:%s#%d", w.spec.Name, name, call.CallID))
	ret, err := starlark.Call(thread, fn, nil, kwargs)
	release()
	if err != nil {
		w.send(resultFor(call, nil, err))
		return
	}

	v, err := fromStarlarkValue(ret)
	if err != nil {
		err = engine.NewInternalError(fmt.Sprintf("%s handler returned an unusable value", name), err).
			WithCode(engine.ErrCodeResultMismatch)
	}
	w.send(resultFor(call, v, err))
}

func (w *starlarkWorker) send(r procedure.Result) {
	select {
	case w.results <- r:
	case <-w.done:
	}
}

func (w *starlarkWorker) finish(err error) {
	w.once.Do(func() {
		w.mu.Lock()
		w.err = err
		w.cancel()
		for thread := range w.threads {
			thread.Cancel("worker terminated")
		}
		w.mu.Unlock()
		close(w.done)
	})
}

// Deliver implements procedure.Conn.
func (w *starlarkWorker) Deliver(ctx context.Context, call procedure.Call) error {
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

func (w *starlarkWorker) Results() <-chan procedure.Result { return w.results }
func (w *starlarkWorker) Done() <-chan struct{}            { return w.done }

func (w *starlarkWorker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Terminate implements Worker.
func (w *starlarkWorker) Terminate() {
	w.finish(ErrTerminated)
}

// store is mutable state shared by every thread of one worker.
type store struct {
	mu   sync.Mutex
	data map[string]any
}

func newStore() *store {
	return &store{data: make(map[string]any)}
}

func (s *store) module() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "store",
		Members: starlark.StringDict{
			"get":    starlark.NewBuiltin("store.get", s.get),
			"set":    starlark.NewBuiltin("store.set", s.set),
			"delete": starlark.NewBuiltin("store.delete", s.delete),
			"keys":   starlark.NewBuiltin("store.keys", s.keys),
		},
	}
}

func (s *store) get(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	var def starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key, "default?", &def); err != nil {
		return nil, err
	}
	s.mu.Lock()
	v, ok := s.data[key]
	s.mu.Unlock()
	if !ok {
		return def, nil
	}
	return toStarlarkValue(v)
}

func (s *store) set(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	var value starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key, "value", &value); err != nil {
		return nil, err
	}
	v, err := fromStarlarkValue(value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	s.mu.Lock()
	s.data[key] = v
	s.mu.Unlock()
	return starlark.None, nil
}

func (s *store) delete(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key); err != nil {
		return nil, err
	}
	s.mu.Lock()
	_, ok := s.data[key]
	delete(s.data, key)
	s.mu.Unlock()
	return starlark.Bool(ok), nil
}

func (s *store) keys(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	s.mu.Lock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	sort.Strings(keys)
	return toStarlarkValue(keys)
}
