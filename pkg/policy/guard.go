package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/netfroyo/pkg/engine"
	"github.com/openfroyo/netfroyo/pkg/errdefs"
	"github.com/openfroyo/netfroyo/pkg/state"
)

// GuardConfig configures the plan guard.
type GuardConfig struct {
	// Environment is passed to policies as input.context.environment.
	Environment string

	// Protected lists interfaces the protected-interfaces policy guards.
	Protected []string

	// MaxOperations bounds the plan size before the plan-size policy warns.
	MaxOperations int

	// Disabled names policies to disable after loading.
	Disabled []string
}

// Guard evaluates Rego policies against plans before they are executed. It
// implements engine.PlanGuard.
type Guard struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	config   GuardConfig
	logger   zerolog.Logger
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

var _ engine.PlanGuard = (*Guard)(nil)

// NewGuard creates a guard with the built-in policies loaded.
func NewGuard(logger zerolog.Logger, cfg GuardConfig) (*Guard, error) {
	g := &Guard{
		policies: make(map[string]*compiledPolicy),
		config:   cfg,
		logger:   logger.With().Str("component", "policy-guard").Logger(),
	}

	if err := g.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	for _, name := range cfg.Disabled {
		if err := g.DisablePolicy(name); err != nil {
			return nil, err
		}
	}

	return g, nil
}

// Check denies the plan when any enabled policy reports a blocking
// violation. Warnings are logged.
func (g *Guard) Check(ctx context.Context, plan *engine.Plan, current *state.Map) error {
	result, err := g.EvaluatePlan(ctx, plan, current)
	if err != nil {
		return err
	}

	for _, w := range result.Warnings {
		g.logger.Warn().
			Str("policy", w.Policy).
			Str("interface", w.Interface).
			Msg(w.Message)
	}

	if !result.Allowed {
		return errdefs.NewPolicyDeniedError(result.Messages())
	}
	return nil
}

// EvaluatePlan evaluates every enabled policy against a plan and the state
// it was computed from.
func (g *Guard) EvaluatePlan(ctx context.Context, plan *engine.Plan, current *state.Map) (*Result, error) {
	startTime := time.Now()

	g.mu.RLock()
	defer g.mu.RUnlock()

	input, err := buildInput(plan, current, g.config)
	if err != nil {
		return nil, err
	}

	result := &Result{Allowed: true, EvaluatedAt: startTime}

	for _, name := range g.sortedNames() {
		cp := g.policies[name]
		if !cp.policy.Enabled {
			continue
		}

		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := g.evaluatePolicy(ctx, cp, input)
		if err != nil {
			g.logger.Error().Err(err).
				Str("policy", name).
				Str("plan", plan.ID).
				Msg("Policy evaluation failed")
			result.Errors = append(result.Errors, fmt.Sprintf("policy %s evaluation failed: %v", name, err))
			continue
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

	result.Duration = time.Since(startTime)
	g.logger.Debug().
		Str("plan_id", plan.ID).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Plan policy evaluation completed")

	return result, nil
}

// buildInput renders the plan, current state and guard settings as the
// plain JSON document policies evaluate.
func buildInput(plan *engine.Plan, current *state.Map, cfg GuardConfig) (interface{}, error) {
	summary, err := json.Marshal(plan.Summary)
	if err != nil {
		return nil, fmt.Errorf("failed to encode plan summary: %w", err)
	}

	in := Input{
		Plan: PlanInput{
			ID:         plan.ID,
			Summary:    summary,
			Operations: make([]OperationInput, 0, len(plan.Operations)),
		},
		Context: Context{
			Environment:   cfg.Environment,
			Protected:     append([]string{}, cfg.Protected...),
			MaxOperations: cfg.MaxOperations,
			Timestamp:     time.Now(),
		},
	}

	if in.Current, err = encodeMap(current); err != nil {
		return nil, err
	}

	for i := range plan.Operations {
		op := &plan.Operations[i]
		oi := OperationInput{
			ID:       op.ID,
			Action:   string(op.Action),
			Section:  op.Section,
			Cascaded: op.Cascaded,
			Changes:  make([]string, 0, len(op.Changes)),
		}
		if op.Action != engine.ActionSection {
			oi.Interface = op.Key.Name
			oi.Type = string(op.Key.Type)
		}
		if oi.Target, err = encodeMap(op.Target); err != nil {
			return nil, err
		}
		if oi.Current, err = encodeMap(op.Current); err != nil {
			return nil, err
		}
		for _, c := range op.Changes {
			oi.Changes = append(oi.Changes, c.Path)
		}
		in.Plan.Operations = append(in.Plan.Operations, oi)
	}

	raw, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode policy input: %w", err)
	}
	return doc, nil
}

func encodeMap(m *state.Map) (json.RawMessage, error) {
	if m == nil {
		return json.RawMessage("{}"), nil
	}
	data, err := state.EncodeJSON(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}
	return data, nil
}

// evaluatePolicy evaluates a single compiled policy.
func (g *Guard) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input interface{}) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		if denySet, ok := result.Expressions[0].Value.([]interface{}); ok {
			for _, d := range denySet {
				violations = append(violations, createViolation(cp.policy, d))
			}
		}
	}

	sort.SliceStable(violations, func(i, j int) bool {
		return violations[i].Message < violations[j].Message
	})
	return violations, nil
}

// createViolation creates a Violation from a deny set member: a string or
// an object with message, and optionally severity and interface.
func createViolation(policy *Policy, result interface{}) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if iface, ok := v["interface"].(string); ok {
			violation.Interface = iface
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compile parses a policy and prepares its deny query.
func compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	r := rego.New(
		rego.Module(policy.Name+".rego", policy.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// loadBuiltinPolicies loads the built-in policies.
func (g *Guard) loadBuiltinPolicies(ctx context.Context) error {
	builtins := GetBuiltinPolicies()
	for i := range builtins {
		cp, err := compile(ctx, &builtins[i])
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		g.policies[builtins[i].Name] = cp
	}

	g.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return nil
}

// LoadPolicies loads policy files and adds them to the guard. A file
// policy replaces any policy of the same name.
func (g *Guard) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(g.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return g.addPolicies(ctx, policies)
}

func (g *Guard) addPolicies(ctx context.Context, policies []Policy) error {
	compiled := make([]*compiledPolicy, 0, len(policies))
	for i := range policies {
		cp, err := compile(ctx, &policies[i])
		if err != nil {
			g.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		compiled = append(compiled, cp)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, cp := range compiled {
		g.policies[cp.policy.Name] = cp
	}

	g.logger.Info().
		Int("count", len(compiled)).
		Msg("Policies loaded successfully")

	return nil
}

// SetPolicies replaces every non-builtin policy. Nothing changes when any
// policy fails to compile.
func (g *Guard) SetPolicies(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		cp, err := compile(ctx, &policies[i])
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		compiled[policies[i].Name] = cp
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for name, cp := range g.policies {
		if !cp.policy.Builtin {
			delete(g.policies, name)
		}
	}
	for name, cp := range compiled {
		g.policies[name] = cp
	}
	return nil
}

// Watch reloads the policies under paths whenever they change, until ctx
// is done.
func (g *Guard) Watch(ctx context.Context, loader *Loader, paths []string) error {
	return loader.Watch(ctx, paths, func(policies []Policy) error {
		return g.SetPolicies(ctx, policies)
	})
}

func (g *Guard) sortedNames() []string {
	names := make([]string, 0, len(g.policies))
	for name := range g.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetPolicy returns a policy by name.
func (g *Guard) GetPolicy(name string) (*Policy, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	cp, exists := g.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (g *Guard) ListPolicies() []Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()

	policies := make([]Policy, 0, len(g.policies))
	for _, name := range g.sortedNames() {
		policies = append(policies, *g.policies[name].policy)
	}

	return policies
}

// ReloadPolicies drops file policies and restores the built-in ones.
func (g *Guard) ReloadPolicies(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.policies = make(map[string]*compiledPolicy)
	return g.loadBuiltinPolicies(ctx)
}

// EnablePolicy enables a policy by name.
func (g *Guard) EnablePolicy(name string) error {
	return g.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (g *Guard) DisablePolicy(name string) error {
	return g.setEnabled(name, false)
}

func (g *Guard) setEnabled(name string, enabled bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	cp, exists := g.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	g.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")

	return nil
}
