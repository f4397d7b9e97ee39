package abac

import (
	"context"
	"encoding/json"
	"testing"

	"keyfront/internal/kv"
)

func putPolicy(t *testing.T, store kv.Store, key string, pol Policy) {
	t.Helper()
	buf, err := json.Marshal(pol)
	if err != nil {
		t.Fatalf("marshal policy: %v", err)
	}
	if err := store.Set(context.Background(), key, string(buf), 0); err != nil {
		t.Fatalf("set policy: %v", err)
	}
}

func TestEvaluate_PermitWhenSingleRuleMatches(t *testing.T) {
	store := kv.NewFake()
	pdp := New(store, nil)

	putPolicy(t, store, "abac:policy:t1:p1", Policy{
		ID: "p1", TenantID: "t1", Enabled: true,
		Rules: []Rule{{
			ID: "r1", Effect: EffectPermit, Enabled: true, Priority: 10,
			Target: Target{Action: []Matcher{{AttributePath: "type", Operator: OpEquals, Value: "read"}}},
		}},
	})

	res, err := pdp.Evaluate(context.Background(), "t1", Request{
		Action: map[string]any{"type": "read"},
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Decision != DecisionPermit {
		t.Fatalf("Decision = %v, want permit", res.Decision)
	}
}

func TestEvaluate_DenyOverridesPermit(t *testing.T) {
	// Mirrors the spec's deny-overrides scenario: P1 permits reads for
	// role USER, P2 denies when resource is classified secret.
	store := kv.NewFake()
	pdp := New(store, nil)

	putPolicy(t, store, "abac:policy:t1:p1", Policy{
		ID: "p1", TenantID: "t1", Enabled: true,
		Rules: []Rule{{
			ID: "allow-read", Effect: EffectPermit, Enabled: true, Priority: 5,
			Target: Target{
				Subject: []Matcher{{AttributePath: "roles", Operator: OpContains, Value: "USER"}},
				Action:  []Matcher{{AttributePath: "type", Operator: OpEquals, Value: "read"}},
			},
		}},
	})
	putPolicy(t, store, "abac:policy:t1:p2", Policy{
		ID: "p2", TenantID: "t1", Enabled: true,
		Rules: []Rule{{
			ID: "deny-secret", Effect: EffectDeny, Enabled: true, Priority: 10,
			Target: Target{Resource: []Matcher{{AttributePath: "classification", Operator: OpEquals, Value: "secret"}}},
		}},
	})

	res, err := pdp.Evaluate(context.Background(), "t1", Request{
		Subject:  map[string]any{"roles": []any{"USER"}},
		Resource: map[string]any{"classification": "secret"},
		Action:   map[string]any{"type": "read"},
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Decision != DecisionDeny {
		t.Fatalf("Decision = %v, want deny", res.Decision)
	}
	if len(res.AppliedPolicies) != 2 {
		t.Fatalf("expected both policies applied, got %+v", res.AppliedPolicies)
	}
}

func TestEvaluate_NotApplicableWhenNoRuleMatches(t *testing.T) {
	store := kv.NewFake()
	pdp := New(store, nil)

	putPolicy(t, store, "abac:policy:t1:p1", Policy{
		ID: "p1", TenantID: "t1", Enabled: true,
		Rules: []Rule{{
			ID: "r1", Effect: EffectPermit, Enabled: true,
			Target: Target{Action: []Matcher{{AttributePath: "type", Operator: OpEquals, Value: "write"}}},
		}},
	})

	res, err := pdp.Evaluate(context.Background(), "t1", Request{Action: map[string]any{"type": "read"}})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Decision != DecisionNotApplicable {
		t.Fatalf("Decision = %v, want not_applicable", res.Decision)
	}
}

func TestEvaluate_DisabledPolicyIgnored(t *testing.T) {
	store := kv.NewFake()
	pdp := New(store, nil)

	putPolicy(t, store, "abac:policy:t1:p1", Policy{
		ID: "p1", TenantID: "t1", Enabled: false,
		Rules: []Rule{{ID: "r1", Effect: EffectDeny, Enabled: true, Target: Target{}}},
	})

	res, err := pdp.Evaluate(context.Background(), "t1", Request{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Decision != DecisionNotApplicable {
		t.Fatalf("Decision = %v, want not_applicable (disabled policy should be skipped)", res.Decision)
	}
}

func TestResolvePath(t *testing.T) {
	root := map[string]any{
		"subject": map[string]any{"roles": []any{"admin"}, "tenantId": "t1"},
	}
	v, ok := resolvePath(root, "subject.tenantId")
	if !ok || v != "t1" {
		t.Fatalf("resolvePath(subject.tenantId) = %v, %v", v, ok)
	}
	_, ok = resolvePath(root, "subject.missing.deep")
	if ok {
		t.Fatal("expected unknown path to resolve as not found")
	}
}

func TestEvalMatcher_UndefinedIsFalseExceptExistsOperators(t *testing.T) {
	root := map[string]any{}
	if evalMatcher(Matcher{AttributePath: "missing", Operator: OpEquals, Value: "x"}, root) {
		t.Fatal("equals on undefined should be false")
	}
	if evalMatcher(Matcher{AttributePath: "missing", Operator: OpExists}, root) {
		t.Fatal("exists on undefined should be false")
	}
	if !evalMatcher(Matcher{AttributePath: "missing", Operator: OpNotExists}, root) {
		t.Fatal("not_exists on undefined should be true")
	}
}

func TestEvalMatcher_InvalidRegexIsFalseNotPanic(t *testing.T) {
	root := map[string]any{"name": "foo"}
	if evalMatcher(Matcher{AttributePath: "name", Operator: OpRegex, Value: "(unterminated"}, root) {
		t.Fatal("invalid regex pattern should evaluate false, not match")
	}
}

func TestEvalMatcher_Operators(t *testing.T) {
	root := map[string]any{"count": float64(5), "tags": []any{"a", "b"}}
	cases := []struct {
		m    Matcher
		want bool
	}{
		{Matcher{AttributePath: "count", Operator: OpGreaterThan, Value: float64(3)}, true},
		{Matcher{AttributePath: "count", Operator: OpLessThan, Value: float64(3)}, false},
		{Matcher{AttributePath: "tags", Operator: OpContains, Value: "a"}, true},
		{Matcher{AttributePath: "tags", Operator: OpNotContains, Value: "z"}, true},
		{Matcher{AttributePath: "count", Operator: OpIn, Value: []any{float64(5), float64(6)}}, true},
	}
	for _, tc := range cases {
		if got := evalMatcher(tc.m, root); got != tc.want {
			t.Errorf("%+v = %v, want %v", tc.m, got, tc.want)
		}
	}
}

type countingProvider struct{ calls int }

func (p *countingProvider) Enrich(_ context.Context, req *Request) error {
	p.calls++
	if req.Environment == nil {
		req.Environment = map[string]any{}
	}
	req.Environment["enriched"] = true
	return nil
}

func TestEvaluate_ProviderEnrichesBeforeRuleLoop(t *testing.T) {
	store := kv.NewFake()
	provider := &countingProvider{}
	pdp := New(store, nil, provider)

	putPolicy(t, store, "abac:policy:t1:p1", Policy{
		ID: "p1", TenantID: "t1", Enabled: true,
		Rules: []Rule{{
			ID: "r1", Effect: EffectPermit, Enabled: true,
			Target: Target{Environment: []Matcher{{AttributePath: "enriched", Operator: OpEquals, Value: true}}},
		}},
	})

	res, err := pdp.Evaluate(context.Background(), "t1", Request{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Decision != DecisionPermit {
		t.Fatalf("Decision = %v, want permit (enrichment should have run first)", res.Decision)
	}
	if provider.calls != 1 {
		t.Fatalf("expected provider called exactly once, got %d", provider.calls)
	}
}
