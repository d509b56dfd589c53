package procedure

import (
	"context"
	"fmt"
	"sort"

	"github.com/openfroyo/warden/pkg/engine"
	"github.com/openfroyo/warden/pkg/telemetry"
)

// OpFunc implements one operation a sandboxed worker may invoke. Arguments arrive by
// parameter name; the return value must be nil, a bool, a number, a string, or a
// []any / map[string]any of those.
type OpFunc func(ctx context.Context, args map[string]any) (any, error)

// Op is a named operation with its declared parameters.
type Op struct {
	Name string
	// Params lists parameter names in positional order. A trailing "?" marks an
	// optional parameter.
	Params []string
	Doc    string
	Fn     OpFunc
}

// ParamName strips the optional marker from a declared parameter.
func ParamName(p string) (name string, optional bool) {
	if n := len(p); n > 0 && p[n-1] == '?' {
		return p[:n-1], true
	}
	return p, false
}

// OpSpec is the serializable description of an op, sent to workers during INIT.
type OpSpec struct {
	Name   string   `json:"name"`
	Params []string `json:"params"`
	Doc    string   `json:"doc,omitempty"`
}

// OpTable is the set of ops exposed to one worker. Hosts generate their builtins
// from it, so every sandbox kind sees the same surface.
type OpTable struct {
	ops     map[string]Op
	metrics *telemetry.Metrics
}

// NewOpTable creates an empty table.
func NewOpTable(metrics *telemetry.Metrics) *OpTable {
	return &OpTable{ops: make(map[string]Op), metrics: metrics}
}

// Register adds ops, replacing any existing op of the same name.
func (t *OpTable) Register(ops ...Op) *OpTable {
	for _, op := range ops {
		t.ops[op.Name] = op
	}
	return t
}

// Merge copies every op of other into t.
func (t *OpTable) Merge(other *OpTable) *OpTable {
	if other == nil {
		return t
	}
	for _, op := range other.ops {
		t.ops[op.Name] = op
	}
	return t
}

// Filter returns a table holding only the ops allow accepts.
func (t *OpTable) Filter(allow func(name string) bool) *OpTable {
	out := NewOpTable(t.metrics)
	for name, op := range t.ops {
		if allow(name) {
			out.ops[name] = op
		}
	}
	return out
}

// Lookup finds an op by name.
func (t *OpTable) Lookup(name string) (Op, bool) {
	op, ok := t.ops[name]
	return op, ok
}

// Names returns op names in sorted order.
func (t *OpTable) Names() []string {
	names := make([]string, 0, len(t.ops))
	for name := range t.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of ops.
func (t *OpTable) Len() int { return len(t.ops) }

// Specs describes every op, sorted by name.
func (t *OpTable) Specs() []OpSpec {
	names := t.Names()
	specs := make([]OpSpec, 0, len(names))
	for _, name := range names {
		op := t.ops[name]
		specs = append(specs, OpSpec{Name: op.Name, Params: op.Params, Doc: op.Doc})
	}
	return specs
}

// Invoke runs the named op. Unknown ops are NotFound; missing required parameters
// and unexpected ones are BadRequest.
func (t *OpTable) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	op, ok := t.ops[name]
	if !ok {
		t.metrics.RecordSandboxOp(name, "not_found")
		return nil, engine.NewNotFoundError(fmt.Sprintf("no op named %q", name), nil).WithOperation(name)
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := checkArgs(op, args); err != nil {
		t.metrics.RecordSandboxOp(name, string(engine.ErrorKindBadRequest))
		return nil, err
	}

	out, err := op.Fn(ctx, args)
	if err != nil {
		t.metrics.RecordSandboxOp(name, string(engine.KindOf(err)))
		return nil, err
	}
	t.metrics.RecordSandboxOp(name, "ok")
	return out, nil
}

// Positional maps positional arguments onto op parameter names.
func (t *OpTable) Positional(name string, positional []any, named map[string]any) (map[string]any, error) {
	op, ok := t.ops[name]
	if !ok {
		return nil, engine.NewNotFoundError(fmt.Sprintf("no op named %q", name), nil).WithOperation(name)
	}
	if len(positional) > len(op.Params) {
		return nil, engine.NewBadRequestError(
			fmt.Sprintf("%s takes at most %d arguments, got %d", name, len(op.Params), len(positional)), nil)
	}
	args := make(map[string]any, len(op.Params))
	for i, v := range positional {
		p, _ := ParamName(op.Params[i])
		args[p] = v
	}
	for k, v := range named {
		if _, dup := args[k]; dup {
			return nil, engine.NewBadRequestError(fmt.Sprintf("%s got multiple values for %s", name, k), nil)
		}
		args[k] = v
	}
	return args, nil
}

func checkArgs(op Op, args map[string]any) error {
	declared := make(map[string]bool, len(op.Params))
	for _, p := range op.Params {
		name, optional := ParamName(p)
		declared[name] = true
		if _, ok := args[name]; !ok && !optional {
			return engine.NewBadRequestError(fmt.Sprintf("%s: missing argument %s", op.Name, name), nil).
				WithOperation(op.Name)
		}
	}
	for k := range args {
		if !declared[k] {
			return engine.NewBadRequestError(fmt.Sprintf("%s: unexpected argument %s", op.Name, k), nil).
				WithOperation(op.Name)
		}
	}
	return nil
}
