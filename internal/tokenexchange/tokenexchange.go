// Package tokenexchange implements spec §4.7: an RFC 8693 token exchange
// broker. Minting follows manifesto's JWTService shape (HMAC-signed
// golang-jwt/jwt/v5 claims, Issuer/TTL on the service, not per-call), but
// the algorithm itself — policy matching, scope downscoping, delegation
// chains, exchange-count limits — is this spec's own.
package tokenexchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"keyfront/internal/audit"
	"keyfront/internal/errx"
	"keyfront/internal/kv"
)

// WireError is the closed set of RFC 8693 error codes returned to
// clients; the specific denial_reason stays audit-only (spec §4.7).
type WireError string

const (
	ErrInvalidRequest    WireError = "invalid_request"
	ErrInvalidScope      WireError = "invalid_scope"
	ErrUnauthorizedClient WireError = "unauthorized_client"
)

// TokenType is the closed enum of RFC 8693 token type URNs this broker
// understands.
type TokenType string

const (
	TokenTypeAccessToken TokenType = "urn:ietf:params:oauth:token-type:access_token"
	TokenTypeIDToken     TokenType = "urn:ietf:params:oauth:token-type:id_token"
	TokenTypeJWT         TokenType = "urn:ietf:params:oauth:token-type:jwt"
)

// ScopePolicy is the Token Exchange Policy's scope section (spec §3).
type ScopePolicy struct {
	Allow              []string `json:"allow,omitempty"`
	Require            []string `json:"require,omitempty"`
	Deny               []string `json:"deny,omitempty"`
	InheritFromSubject bool     `json:"inheritFromSubject"`
	DownscopeOnly      bool     `json:"downscopeOnly"`
}

// TokenLifetime bounds the minted token's expiry (spec §3).
type TokenLifetime struct {
	DefaultExpiresIn int `json:"defaultExpiresIn"`
	MaxExpiresIn     int `json:"maxExpiresIn"`
}

// ExchangeLimits bounds exchange depth/count (spec §3).
type ExchangeLimits struct {
	MaxExchangesPerToken int `json:"maxExchangesPerToken"`
	MaxDelegationDepth   int `json:"maxDelegationDepth"`
}

// Conditions gates which subject token shapes are acceptable.
type Conditions struct {
	RequireActorToken bool        `json:"requireActorToken"`
	AllowedTokenTypes []TokenType `json:"allowedTokenTypes"`
}

// Policy is spec §3's Token Exchange Policy.
type Policy struct {
	ID               string         `json:"id"`
	TenantID         string         `json:"tenantId"`
	Enabled          bool           `json:"enabled"`
	Priority         int            `json:"priority"`
	AllowedSubjects  []string       `json:"allowedSubjects"` // exact values or /regex/ patterns
	AllowedTargets   []string       `json:"allowedTargets,omitempty"`
	AllowedAudiences []string       `json:"allowedAudiences"`
	ScopePolicy      ScopePolicy    `json:"scopePolicy"`
	TokenLifetime    TokenLifetime  `json:"tokenLifetime"`
	ExchangeLimits   ExchangeLimits `json:"exchangeLimits"`
	Conditions       Conditions     `json:"conditions"`
}

// DelegationEntry is one hop in a minted token's delegation chain.
type DelegationEntry struct {
	Actor     string   `json:"actor"`
	Subject   string   `json:"subject"`
	Audience  []string `json:"audience"`
	Scope     []string `json:"scope"`
	Timestamp int64    `json:"timestamp"`
}

// Metadata is the Exchangeable Token's metadata block (spec §3).
type Metadata struct {
	OriginalTokenID string            `json:"originalTokenId"`
	ExchangeCount   int               `json:"exchangeCount"`
	MaxExchanges    int               `json:"maxExchanges"`
	DelegationChain []DelegationEntry `json:"delegationChain"`
}

// SubjectToken is the post-validation shape of the incoming subject (or
// actor) token this broker exchanges from.
type SubjectToken struct {
	Sub      string
	Aud      []string
	Scope    []string
	Iss      string
	TenantID string
	Type     TokenType
	Metadata Metadata
}

// Request is one Exchange call's input (spec §4.7).
type Request struct {
	SubjectToken     SubjectToken
	SubjectTokenType TokenType
	ActorToken       *SubjectToken
	Audience         []string
	RequestedScope   []string
	RequestedExpires int // seconds; 0 means "use policy default"
}

// Result is a successful exchange's output.
type Result struct {
	AccessToken string
	TokenType   string
	ExpiresIn   int
	Scope       []string
	JTI         string
}

// Broker mints exchanged tokens per tenant policy.
type Broker struct {
	store     kv.Store
	audit     *audit.Recorder
	signKey   []byte
	issuer    string
	jtiSource func() (string, error)
}

// New constructs a Broker. signKey is TOKEN_EXCHANGE_SIGNING_KEY; issuer
// is the `iss` claim stamped on minted tokens.
func New(store kv.Store, rec *audit.Recorder, signKey, issuer string, jtiSource func() (string, error)) *Broker {
	return &Broker{store: store, audit: rec, signKey: []byte(signKey), issuer: issuer, jtiSource: jtiSource}
}

func policyKeyPattern(tenantID string) string { return "token_exchange:policy:" + tenantID + ":*" }
func tokenMetaKey(jti string) string          { return "token_exchange:token:" + jti }

// loadPolicies fetches tenantID's enabled policies, highest priority first.
func (b *Broker) loadPolicies(ctx context.Context, tenantID string) ([]Policy, error) {
	keys, err := b.store.Keys(ctx, policyKeyPattern(tenantID))
	if err != nil {
		return nil, err
	}
	var policies []Policy
	for _, key := range keys {
		raw, err := b.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var pol Policy
		if err := json.Unmarshal([]byte(raw), &pol); err != nil || !pol.Enabled {
			continue
		}
		policies = append(policies, pol)
	}
	for i := 1; i < len(policies); i++ {
		for j := i; j > 0 && policies[j].Priority > policies[j-1].Priority; j-- {
			policies[j], policies[j-1] = policies[j-1], policies[j]
		}
	}
	return policies, nil
}

func policyKey(tenantID, id string) string { return "token_exchange:policy:" + tenantID + ":" + id }

// ListPolicies returns every token-exchange policy for tenantID,
// enabled or not, for the admin CRUD surface.
func (b *Broker) ListPolicies(ctx context.Context, tenantID string) ([]Policy, error) {
	keys, err := b.store.Keys(ctx, policyKeyPattern(tenantID))
	if err != nil {
		return nil, err
	}
	policies := make([]Policy, 0, len(keys))
	for _, key := range keys {
		raw, err := b.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var pol Policy
		if err := json.Unmarshal([]byte(raw), &pol); err != nil {
			continue
		}
		policies = append(policies, pol)
	}
	sort.SliceStable(policies, func(i, j int) bool { return policies[i].ID < policies[j].ID })
	return policies, nil
}

// GetPolicy fetches one token-exchange policy, scoped to tenantID.
func (b *Broker) GetPolicy(ctx context.Context, tenantID, id string) (*Policy, error) {
	raw, err := b.store.Get(ctx, policyKey(tenantID, id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, errx.Keyfront.New(errx.PolicyNotFound)
	}
	if err != nil {
		return nil, err
	}
	var pol Policy
	if err := json.Unmarshal([]byte(raw), &pol); err != nil {
		return nil, err
	}
	return &pol, nil
}

// SavePolicy creates or replaces a token-exchange policy.
func (b *Broker) SavePolicy(ctx context.Context, pol Policy) error {
	data, err := json.Marshal(pol)
	if err != nil {
		return err
	}
	return b.store.Set(ctx, policyKey(pol.TenantID, pol.ID), string(data), 0)
}

// DeletePolicy removes a token-exchange policy, scoped to tenantID.
func (b *Broker) DeletePolicy(ctx context.Context, tenantID, id string) error {
	n, err := b.store.Del(ctx, policyKey(tenantID, id))
	if err != nil {
		return err
	}
	if n == 0 {
		return errx.Keyfront.New(errx.PolicyNotFound)
	}
	return nil
}

// findPolicy returns the first enabled policy matching req (spec §4.7
// step 2): allowed_subjects, allowed_audiences intersection,
// allowed_token_types, require_actor_token.
func findPolicy(policies []Policy, req Request) (*Policy, string) {
	for i := range policies {
		pol := &policies[i]
		if !subjectAllowed(pol.AllowedSubjects, req.SubjectToken.Sub) {
			continue
		}
		if !audienceIntersects(pol.AllowedAudiences, req.Audience) {
			continue
		}
		if !tokenTypeAllowed(pol.Conditions.AllowedTokenTypes, req.SubjectTokenType) {
			continue
		}
		if pol.Conditions.RequireActorToken && req.ActorToken == nil {
			continue
		}
		return pol, ""
	}
	return nil, "no policy matched subject/audience/token-type/actor requirements"
}

func subjectAllowed(patterns []string, sub string) bool {
	for _, p := range patterns {
		if strings.HasPrefix(p, "/") && strings.HasSuffix(p, "/") && len(p) >= 2 {
			re, err := regexp.Compile(p[1 : len(p)-1])
			if err == nil && re.MatchString(sub) {
				return true
			}
			continue
		}
		if p == sub {
			return true
		}
	}
	return false
}

func audienceIntersects(allowed, requested []string) bool {
	if len(requested) == 0 {
		return true
	}
	set := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		set[a] = true
	}
	for _, r := range requested {
		if set[r] {
			return true
		}
	}
	return false
}

func tokenTypeAllowed(allowed []TokenType, t TokenType) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == t {
			return true
		}
	}
	return false
}

// Exchange runs spec §4.7's algorithm end to end, auditing unconditionally.
func (b *Broker) Exchange(ctx context.Context, tenantID string, req Request) (*Result, error) {
	result, denialReason, err := b.exchange(ctx, tenantID, req)
	if b.audit != nil {
		res := audit.ResultAllow
		if err != nil {
			res = audit.ResultDeny
		}
		b.audit.Record(ctx, audit.Event{
			Timestamp:    time.Now().UnixMilli(),
			TenantID:     tenantID,
			UserID:       req.SubjectToken.Sub,
			Action:       "token_exchange.exchange",
			ResourceType: "token_exchange",
			Result:       res,
			Reason:       denialReason,
		})
	}
	return result, err
}

func (b *Broker) exchange(ctx context.Context, tenantID string, req Request) (*Result, string, error) {
	policies, err := b.loadPolicies(ctx, tenantID)
	if err != nil {
		return nil, "policy lookup failed", errx.Keyfront.Wrap(errx.InternalError, err)
	}

	pol, reason := findPolicy(policies, req)
	if pol == nil {
		return nil, reason, wireErr(ErrUnauthorizedClient, "no applicable token exchange policy")
	}

	// Step 3: exchange limits.
	if pol.ExchangeLimits.MaxExchangesPerToken > 0 &&
		req.SubjectToken.Metadata.ExchangeCount >= pol.ExchangeLimits.MaxExchangesPerToken {
		return nil, "max_exchanges_per_token exceeded", wireErr(ErrUnauthorizedClient, "exchange limit reached")
	}
	if pol.ExchangeLimits.MaxDelegationDepth > 0 &&
		len(req.SubjectToken.Metadata.DelegationChain) >= pol.ExchangeLimits.MaxDelegationDepth {
		return nil, "max_delegation_depth exceeded", wireErr(ErrUnauthorizedClient, "delegation depth exceeded")
	}

	// Step 4: compute granted scopes.
	scope, reason, ok := computeScope(pol.ScopePolicy, req)
	if !ok {
		return nil, reason, wireErr(ErrInvalidScope, "requested scope not permitted")
	}

	// Step 5: expires_in.
	expiresIn := pol.TokenLifetime.DefaultExpiresIn
	if req.RequestedExpires > 0 {
		expiresIn = req.RequestedExpires
	}
	if pol.TokenLifetime.MaxExpiresIn > 0 && expiresIn > pol.TokenLifetime.MaxExpiresIn {
		expiresIn = pol.TokenLifetime.MaxExpiresIn
	}
	if expiresIn <= 0 {
		expiresIn = 3600
	}

	// Step 6: mint.
	jti, err := b.jtiSource()
	if err != nil {
		return nil, "jti generation failed", errx.Keyfront.Wrap(errx.InternalError, err)
	}
	actor := req.SubjectToken.Sub
	if req.ActorToken != nil {
		actor = req.ActorToken.Sub
	}
	delegationChain := append(append([]DelegationEntry{}, req.SubjectToken.Metadata.DelegationChain...), DelegationEntry{
		Actor: actor, Subject: req.SubjectToken.Sub, Audience: req.Audience, Scope: scope, Timestamp: time.Now().Unix(),
	})
	meta := Metadata{
		OriginalTokenID: firstNonEmpty(req.SubjectToken.Metadata.OriginalTokenID, jti),
		ExchangeCount:   req.SubjectToken.Metadata.ExchangeCount + 1,
		MaxExchanges:    pol.ExchangeLimits.MaxExchangesPerToken,
		DelegationChain: delegationChain,
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":      b.issuer,
		"sub":      req.SubjectToken.Sub,
		"aud":      req.Audience,
		"scope":    strings.Join(scope, " "),
		"jti":      jti,
		"iat":      now.Unix(),
		"exp":      now.Add(time.Duration(expiresIn) * time.Second).Unix(),
		"tenantId": tenantID,
		"metadata": meta,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(b.signKey)
	if err != nil {
		return nil, "signing failed", errx.Keyfront.Wrap(errx.InternalError, err)
	}

	// Step 7: persist metadata, TTL = exp - now.
	buf, err := json.Marshal(meta)
	if err != nil {
		return nil, "metadata marshal failed", errx.Keyfront.Wrap(errx.InternalError, err)
	}
	if err := b.store.Set(ctx, tokenMetaKey(jti), string(buf), time.Duration(expiresIn)*time.Second); err != nil {
		return nil, "metadata persist failed", errx.Keyfront.Wrap(errx.InternalError, err)
	}

	return &Result{AccessToken: signed, TokenType: "Bearer", ExpiresIn: expiresIn, Scope: scope, JTI: jti}, "", nil
}

// computeScope implements spec §4.7 step 4. A scope the caller explicitly
// requested that the allow/deny lists filter out is an error (scenario
// S5: requesting "admin" against allowed_scopes=["read","write"] must
// fail, not silently narrow to an empty grant); a scope merely inherited
// from the subject token via inherit_from_subject is downscoped silently,
// since the caller never asked for it by name.
func computeScope(sp ScopePolicy, req Request) (scope []string, reason string, ok bool) {
	explicit := len(req.RequestedScope) > 0
	base := req.RequestedScope
	if !explicit && sp.InheritFromSubject {
		base = req.SubjectToken.Scope
	}

	allowSet := toSet(sp.Allow)
	denySet := toSet(sp.Deny)
	subjectSet := toSet(req.SubjectToken.Scope)

	var granted []string
	for _, s := range base {
		if len(sp.Allow) > 0 && !allowSet[s] {
			if explicit {
				return nil, fmt.Sprintf("requested scope %q not in allowed_scopes", s), false
			}
			continue
		}
		if denySet[s] {
			if explicit {
				return nil, fmt.Sprintf("requested scope %q is denied", s), false
			}
			continue
		}
		if sp.DownscopeOnly && !subjectSet[s] {
			return nil, fmt.Sprintf("scope %q exceeds subject token's scope under downscope_only", s), false
		}
		granted = append(granted, s)
	}

	grantedSet := toSet(granted)
	for _, required := range sp.Require {
		if !grantedSet[required] {
			return nil, fmt.Sprintf("required scope %q not granted", required), false
		}
	}
	return granted, "", true
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, i := range items {
		set[i] = true
	}
	return set
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func wireErr(code WireError, msg string) error {
	switch code {
	case ErrInvalidScope:
		return errx.Keyfront.NewWithMessage(errx.ValidationFailed, msg)
	case ErrUnauthorizedClient:
		return errx.Keyfront.NewWithMessage(errx.Forbidden, msg)
	default:
		return errx.Keyfront.NewWithMessage(errx.ValidationFailed, msg)
	}
}
