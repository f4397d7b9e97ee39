// Package abac implements spec §4.6: a Policy Decision Point that
// evaluates subject/resource/action/environment attributes against
// tenant policies, combining rule outcomes with deny-overrides. Matcher
// operators are a closed tagged union (spec §9 "tagged variants"
// guidance), mirroring the teacher's constant-enum style
// (pkg/gateway's LifecyclePhase-shaped const blocks).
package abac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"

	"keyfront/internal/audit"
	"keyfront/internal/errx"
	"keyfront/internal/kv"
)

// Operator is the closed set of matcher/condition comparisons spec §3
// allows. Unlike an open predicate interface, a closed enum lets the PDP
// stay exhaustive and auditable — no policy author can smuggle in
// arbitrary code.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpRegex       Operator = "regex"
	OpExists      Operator = "exists"
	OpNotExists   Operator = "not_exists"
)

// Effect is a Rule's outcome when its target and conditions match.
type Effect string

const (
	EffectPermit Effect = "permit"
	EffectDeny   Effect = "deny"
)

// Decision is the PDP's per-rule or per-policy outcome; NotApplicable is
// not a zero value so a forgotten assignment fails loudly in tests.
type Decision string

const (
	DecisionPermit        Decision = "permit"
	DecisionDeny          Decision = "deny"
	DecisionNotApplicable Decision = "not_applicable"
)

// Matcher is one `(attribute_path, operator, value)` condition, used for
// both a Rule's target and its optional extra conditions.
type Matcher struct {
	AttributePath string `json:"attributePath"`
	Operator      Operator `json:"operator"`
	Value         any    `json:"value"`
}

// Target groups a Rule's subject/resource/action/environment matchers.
// Any category left empty matches unconditionally.
type Target struct {
	Subject     []Matcher `json:"subject,omitempty"`
	Resource    []Matcher `json:"resource,omitempty"`
	Action      []Matcher `json:"action,omitempty"`
	Environment []Matcher `json:"environment,omitempty"`
}

// Rule is one entry in a Policy's ordered rule list.
type Rule struct {
	ID         string    `json:"id"`
	Effect     Effect    `json:"effect"`
	Priority   int       `json:"priority"`
	Enabled    bool      `json:"enabled"`
	Target     Target    `json:"target"`
	Conditions []Matcher `json:"conditions,omitempty"`
}

// Policy is spec §3's ABAC Policy record.
type Policy struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	Version  int    `json:"version"`
	Enabled  bool   `json:"enabled"`
	Rules    []Rule `json:"rules"`
}

// maxPriority is used to sort policies by their most significant rule,
// per spec §4.6 step 1 ("sort by max-rule priority desc").
func (p Policy) maxPriority() int {
	max := 0
	for _, r := range p.Rules {
		if r.Priority > max {
			max = r.Priority
		}
	}
	return max
}

// Request is spec §3's Access Request.
type Request struct {
	Subject     map[string]any `json:"subject"`
	Resource    map[string]any `json:"resource"`
	Action      map[string]any `json:"action"`
	Environment map[string]any `json:"environment"`
}

// AttributeProvider enriches a Request with derived attributes before
// rule evaluation (tenant attrs, time-of-day, risk score, ...). It MUST
// be pure for the engine's single-evaluation run (spec §4.6
// determinism): given the same request it returns the same attributes.
type AttributeProvider interface {
	Enrich(ctx context.Context, req *Request) error
}

// AttributeProviderFunc adapts a function to AttributeProvider.
type AttributeProviderFunc func(ctx context.Context, req *Request) error

func (f AttributeProviderFunc) Enrich(ctx context.Context, req *Request) error { return f(ctx, req) }

// Result is the PDP's overall decision plus enough to reconstruct the
// audit trail (spec §4.6 step 5).
type Result struct {
	Decision        Decision        `json:"decision"`
	AppliedPolicies []PolicyOutcome `json:"appliedPolicies"`
	EvaluatedAt     time.Time       `json:"evaluatedAt"`
}

// PolicyOutcome records one policy's contribution to the final decision.
type PolicyOutcome struct {
	PolicyID string   `json:"policyId"`
	Decision Decision `json:"decision"`
	RuleID   string   `json:"ruleId,omitempty"`
}

// PDP is the Policy Decision Point: loads tenant policies from KV,
// enriches the request, evaluates, and combines via deny-overrides.
type PDP struct {
	store     kv.Store
	providers []AttributeProvider
	audit     *audit.Recorder
}

// New constructs a PDP. providers run in the given order during Enrich.
func New(store kv.Store, audit *audit.Recorder, providers ...AttributeProvider) *PDP {
	return &PDP{store: store, providers: providers, audit: audit}
}

func policyKeyPattern(tenantID string) string { return "abac:policy:" + tenantID + ":*" }

// LoadPolicies fetches every enabled policy for tenantID, sorted by
// max-rule priority descending (spec §4.6 step 1).
func (p *PDP) LoadPolicies(ctx context.Context, tenantID string) ([]Policy, error) {
	keys, err := p.store.Keys(ctx, policyKeyPattern(tenantID))
	if err != nil {
		return nil, fmt.Errorf("abac: list policies: %w", err)
	}
	policies := make([]Policy, 0, len(keys))
	for _, key := range keys {
		raw, err := p.store.Get(ctx, key)
		if err != nil {
			continue // evicted between Keys and Get; skip rather than fail the whole decision
		}
		pol, err := decodePolicy(raw)
		if err != nil || !pol.Enabled {
			continue
		}
		policies = append(policies, pol)
	}
	sort.SliceStable(policies, func(i, j int) bool {
		return policies[i].maxPriority() > policies[j].maxPriority()
	})
	return policies, nil
}

// Evaluate runs the full PDP algorithm (spec §4.6) for req against
// tenantID's policy set, emitting one audit entry for every evaluation
// that reaches a decision. A policy-load or enrichment error returns
// before any audit entry is recorded.
func (p *PDP) Evaluate(ctx context.Context, tenantID string, req Request) (*Result, error) {
	policies, err := p.LoadPolicies(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	for _, provider := range p.providers {
		if err := provider.Enrich(ctx, &req); err != nil {
			return nil, fmt.Errorf("abac: enrich: %w", err)
		}
	}
	// Attributes are now frozen for the remainder of this evaluation
	// (spec §4.6 determinism: providers never re-run mid rule-loop).

	result := &Result{EvaluatedAt: time.Now()}
	finalDecision := DecisionNotApplicable

	for _, pol := range policies {
		outcome := evaluatePolicy(pol, req)
		result.AppliedPolicies = append(result.AppliedPolicies, outcome)
		switch outcome.Decision {
		case DecisionDeny:
			finalDecision = DecisionDeny
		case DecisionPermit:
			if finalDecision != DecisionDeny {
				finalDecision = DecisionPermit
			}
		}
	}
	result.Decision = finalDecision

	if p.audit != nil {
		p.audit.Record(ctx, audit.Event{
			Timestamp:    time.Now().UnixMilli(),
			TenantID:     tenantID,
			Action:       "abac.evaluate",
			ResourceType: "abac_policy",
			Result:       auditResult(finalDecision),
			Metadata:     map[string]any{"appliedPolicies": result.AppliedPolicies},
		})
	}
	return result, nil
}

func auditResult(d Decision) audit.Result {
	if d == DecisionPermit {
		return audit.ResultAllow
	}
	return audit.ResultDeny
}

func decodePolicy(raw string) (Policy, error) {
	var pol Policy
	err := json.Unmarshal([]byte(raw), &pol)
	return pol, err
}

func policyKey(tenantID, id string) string { return "abac:policy:" + tenantID + ":" + id }

// ListAllPolicies returns every policy for tenantID regardless of Enabled,
// for the admin CRUD surface (spec §6.4 `CRUD /api/abac/policies`).
func (p *PDP) ListAllPolicies(ctx context.Context, tenantID string) ([]Policy, error) {
	keys, err := p.store.Keys(ctx, policyKeyPattern(tenantID))
	if err != nil {
		return nil, fmt.Errorf("abac: list policies: %w", err)
	}
	policies := make([]Policy, 0, len(keys))
	for _, key := range keys {
		raw, err := p.store.Get(ctx, key)
		if err != nil {
			continue
		}
		pol, err := decodePolicy(raw)
		if err != nil {
			continue
		}
		policies = append(policies, pol)
	}
	sort.SliceStable(policies, func(i, j int) bool { return policies[i].ID < policies[j].ID })
	return policies, nil
}

// GetPolicy fetches one policy by id, enforcing tenant isolation (spec §3
// invariant: reject cross-tenant access).
func (p *PDP) GetPolicy(ctx context.Context, tenantID, id string) (*Policy, error) {
	raw, err := p.store.Get(ctx, policyKey(tenantID, id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, errx.Keyfront.New(errx.PolicyNotFound)
	}
	if err != nil {
		return nil, err
	}
	pol, err := decodePolicy(raw)
	if err != nil {
		return nil, err
	}
	return &pol, nil
}

// SavePolicy creates or replaces a policy. The caller is responsible for
// stamping TenantID onto pol before calling (the admin handler derives it
// from the authenticated session, never from the request body).
func (p *PDP) SavePolicy(ctx context.Context, pol Policy) error {
	data, err := json.Marshal(pol)
	if err != nil {
		return err
	}
	return p.store.Set(ctx, policyKey(pol.TenantID, pol.ID), string(data), 0)
}

// DeletePolicy removes a policy, scoped to tenantID.
func (p *PDP) DeletePolicy(ctx context.Context, tenantID, id string) error {
	n, err := p.store.Del(ctx, policyKey(tenantID, id))
	if err != nil {
		return err
	}
	if n == 0 {
		return errx.Keyfront.New(errx.PolicyNotFound)
	}
	return nil
}

// evaluatePolicy finds the first rule (in declaration order) whose
// target and conditions fully match, and returns that rule's effect as
// the policy's decision (spec §4.6 step 3).
func evaluatePolicy(pol Policy, req Request) PolicyOutcome {
	for _, rule := range pol.Rules {
		if !rule.Enabled {
			continue
		}
		if !targetMatches(rule.Target, req) {
			continue
		}
		if !conditionsMatch(rule.Conditions, req) {
			continue
		}
		decision := DecisionPermit
		if rule.Effect == EffectDeny {
			decision = DecisionDeny
		}
		return PolicyOutcome{PolicyID: pol.ID, Decision: decision, RuleID: rule.ID}
	}
	return PolicyOutcome{PolicyID: pol.ID, Decision: DecisionNotApplicable}
}

func targetMatches(t Target, req Request) bool {
	return matchAll(t.Subject, req.Subject) &&
		matchAll(t.Resource, req.Resource) &&
		matchAll(t.Action, req.Action) &&
		matchAll(t.Environment, req.Environment)
}

func conditionsMatch(conditions []Matcher, req Request) bool {
	root := map[string]any{
		"subject": req.Subject, "resource": req.Resource,
		"action": req.Action, "environment": req.Environment,
	}
	for _, m := range conditions {
		if !evalMatcher(m, root) {
			return false
		}
	}
	return true
}

func matchAll(matchers []Matcher, scope map[string]any) bool {
	for _, m := range matchers {
		if !evalMatcher(m, scope) {
			return false
		}
	}
	return true
}

// evalMatcher resolves m.AttributePath against root and applies m.Operator.
func evalMatcher(m Matcher, root any) bool {
	value, found := resolvePath(root, m.AttributePath)
	switch m.Operator {
	case OpExists:
		return found
	case OpNotExists:
		return !found
	}
	if !found {
		return false // spec §4.6: undefined is false for every other operator
	}
	switch m.Operator {
	case OpEquals:
		return looseEquals(value, m.Value)
	case OpNotEquals:
		return !looseEquals(value, m.Value)
	case OpContains:
		return containsValue(value, m.Value)
	case OpNotContains:
		return !containsValue(value, m.Value)
	case OpGreaterThan:
		a, b, ok := asFloats(value, m.Value)
		return ok && a > b
	case OpLessThan:
		a, b, ok := asFloats(value, m.Value)
		return ok && a < b
	case OpIn:
		return inList(value, m.Value)
	case OpNotIn:
		return !inList(value, m.Value)
	case OpRegex:
		pattern, ok := m.Value.(string)
		if !ok {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false // invalid pattern: no match, not a panic
		}
		s, ok := value.(string)
		return ok && re.MatchString(s)
	default:
		return false
	}
}

func looseEquals(a, b any) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func containsValue(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		n, ok := needle.(string)
		return ok && strings.Contains(h, n)
	case []any:
		for _, item := range h {
			if looseEquals(item, needle) {
				return true
			}
		}
		return false
	case []string:
		n, ok := needle.(string)
		if !ok {
			return false
		}
		for _, item := range h {
			if item == n {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func inList(value, list any) bool {
	items, ok := list.([]any)
	if !ok {
		if strs, ok2 := list.([]string); ok2 {
			for _, s := range strs {
				if looseEquals(value, s) {
					return true
				}
			}
		}
		return false
	}
	for _, item := range items {
		if looseEquals(value, item) {
			return true
		}
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func asFloats(a, b any) (float64, float64, bool) {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	return af, bf, aok && bok
}

// resolvePath walks dotted segments of path over root, which may be a
// map[string]any or a struct (via reflection). Unknown paths yield
// (nil, false) rather than a panic or error — spec §4.6 treats them as
// "undefined". This is the only attribute-accessor function in the
// package (spec §9 "small attribute accessor capability").
func resolvePath(root any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	segments := strings.Split(path, ".")
	current := reflect.ValueOf(root)
	for _, seg := range segments {
		current = indirect(current)
		if !current.IsValid() {
			return nil, false
		}
		switch current.Kind() {
		case reflect.Map:
			val := current.MapIndex(reflect.ValueOf(seg))
			if !val.IsValid() {
				return nil, false
			}
			current = reflect.ValueOf(val.Interface())
		case reflect.Struct:
			field := current.FieldByNameFunc(func(name string) bool {
				return strings.EqualFold(name, seg)
			})
			if !field.IsValid() {
				return nil, false
			}
			current = field
		default:
			return nil, false
		}
	}
	current = indirect(current)
	if !current.IsValid() {
		return nil, false
	}
	return current.Interface(), true
}

func indirect(v reflect.Value) reflect.Value {
	for v.Kind() == reflect.Interface || v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}
