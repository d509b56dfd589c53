package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/warden/pkg/procedure"
	"github.com/openfroyo/warden/pkg/sandbox"
)

// Engine decides which ops a worker receives by evaluating Rego policies.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger

	// gen changes whenever the policy set does; cached decisions of older
	// generations are dropped
	gen       uint64
	cacheMu   sync.Mutex
	decisions map[decisionKey]bool
}

type decisionKey struct {
	gen  uint64
	kind sandbox.Kind
	op   string
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine holding the built-in policies.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies:  make(map[string]*compiledPolicy),
		logger:    logger.With().Str("component", "policy-engine").Logger(),
		decisions: make(map[decisionKey]bool),
	}
	if err := e.ReplacePolicies(context.Background(), nil); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	return e, nil
}

// Evaluate runs every enabled policy against input.
func (e *Engine) Evaluate(ctx context.Context, input *PolicyInput) (*PolicyResult, error) {
	start := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &PolicyResult{Allowed: true, EvaluatedAt: start}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", name, err)
		}
		for _, v := range violations {
			if v.Severity.Blocks() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}
	result.Duration = time.Since(start)
	return result, nil
}

// Allowed reports whether a worker of kind may call op. Decisions are cached
// until the policy set changes. Evaluation failures deny.
func (e *Engine) Allowed(ctx context.Context, kind sandbox.Kind, op string) bool {
	e.mu.RLock()
	key := decisionKey{gen: e.gen, kind: kind, op: op}
	e.mu.RUnlock()

	e.cacheMu.Lock()
	allowed, ok := e.decisions[key]
	e.cacheMu.Unlock()
	if ok {
		return allowed
	}

	input := &PolicyInput{Worker: WorkerInfo{Kind: string(kind)}, Op: OpInfo{Name: op}}
	if c, gated := sandbox.CapabilityFor(op); gated {
		input.Op.Capability = string(c)
	}
	result, err := e.Evaluate(ctx, input)
	if err != nil {
		e.logger.Error().Err(err).Str("op", op).Str("kind", string(kind)).Msg("Policy evaluation failed, withholding op")
		return false
	}
	for _, w := range result.Warnings {
		e.logger.Warn().Str("policy", w.Policy).Str("op", op).Str("kind", string(kind)).Msg(w.Message)
	}
	for _, v := range result.Violations {
		e.logger.Debug().Str("policy", v.Policy).Str("op", op).Str("kind", string(kind)).Msg(v.Message)
	}

	e.cacheMu.Lock()
	e.mu.RLock()
	if key.gen == e.gen {
		e.decisions[key] = result.Allowed
	}
	e.mu.RUnlock()
	e.cacheMu.Unlock()
	return result.Allowed
}

// Grants returns the ops of table a worker of kind may call. Its signature
// matches the op filters instances and macros accept.
func (e *Engine) Grants(kind sandbox.Kind, table *procedure.OpTable) *procedure.OpTable {
	return table.Filter(func(name string) bool {
		return e.Allowed(context.Background(), kind, name)
	})
}

// LoadPolicies loads policy files and directories on top of the built-ins.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.ReplacePolicies(ctx, policies)
}

// ReplacePolicies swaps the policy set for the built-ins plus policies. Nothing
// changes if any of them fails to compile.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	all := append(GetBuiltinPolicies(), policies...)
	compiled := make(map[string]*compiledPolicy, len(all))
	for i := range all {
		cp, err := compilePolicy(ctx, &all[i])
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", all[i].Name, err)
		}
		compiled[all[i].Name] = cp
	}

	e.mu.Lock()
	e.policies = compiled
	e.gen++
	e.mu.Unlock()
	e.dropDecisions()

	e.logger.Info().
		Int("count", len(compiled)).
		Int("custom", len(policies)).
		Msg("Policies loaded")
	return nil
}

// Watch reloads the policies under paths whenever they change.
func (e *Engine) Watch(ctx context.Context, paths []string) (*Loader, error) {
	loader := NewLoader(e.logger)
	err := loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.ReplacePolicies(ctx, policies)
	})
	if err != nil {
		return nil, err
	}
	return loader, nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *PolicyInput) ([]PolicyViolation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []PolicyViolation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d, input))
		}
	}
	return violations, nil
}

// createViolation builds a PolicyViolation from one deny entry, which is either
// a message or an object with message and severity.
func createViolation(policy *Policy, result interface{}, input *PolicyInput) PolicyViolation {
	v := PolicyViolation{
		Policy:   policy.Name,
		Op:       input.Op.Name,
		Severity: policy.Severity,
	}
	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := r["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}

// compilePolicy parses a policy and prepares its deny query.
func compilePolicy(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil {
		return nil, fmt.Errorf("policy is empty")
	}

	query, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	if policy.Severity == "" {
		policy.Severity = SeverityWarning
	}
	return &compiledPolicy{policy: policy, query: query, compiled: time.Now()}, nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *Engine) dropDecisions() {
	e.cacheMu.Lock()
	e.decisions = make(map[decisionKey]bool)
	e.cacheMu.Unlock()
}

// GetPolicy returns a copy of a policy by name.
func (e *Engine) GetPolicy(name string) (Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return Policy{}, fmt.Errorf("policy not found: %s", name)
	}
	return *cp.policy, nil
}

// ListPolicies returns all loaded policies ordered by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	cp, exists := e.policies[name]
	if !exists {
		e.mu.Unlock()
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.gen++
	e.mu.Unlock()
	e.dropDecisions()

	state := "disabled"
	if enabled {
		state = "enabled"
	}
	e.logger.Info().Str("policy", name).Msg("Policy " + state)
	return nil
}

// packageName is the Rego package a policy declares, or "" if it has none.
func packageName(src string) string {
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			if parts := strings.Fields(trimmed); len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return ""
}
