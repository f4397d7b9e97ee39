// Package logout implements spec §4.8: OIDC back-channel logout. A
// session-termination request resolves the governing policy, computes
// the session set, and notifies every affected client's
// backchannel_logout_uri with a short-lived signed logout_token, using
// go-jose/v4 for JWS compact signing (already part of the teacher's
// dependency surface via go-oidc's own use of go-jose).
package logout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"keyfront/internal/audit"
	"keyfront/internal/errx"
	"keyfront/internal/kv"
	"keyfront/internal/session"
)

// Status is the logout operation's state machine (spec §4.8 step 4).
type Status string

const (
	StatusInitiated  Status = "initiated"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusPartial    Status = "partial"
	StatusFailed     Status = "failed"
)

// Reason enumerates the initiation paths spec §4.8 names.
type Reason string

const (
	ReasonUserAction      Reason = "user_action"
	ReasonAdminAction     Reason = "admin_action"
	ReasonIdleTimeout     Reason = "idle_timeout"
	ReasonAbsoluteTimeout Reason = "absolute_timeout"
	ReasonSecurityPolicy  Reason = "security_policy"
	ReasonExternalRequest Reason = "external_request"
)

// Policy is spec §3's LogoutPolicy.
type Policy struct {
	ID                         string `json:"id"`
	TenantID                   string `json:"tenantId"`
	Enabled                    bool   `json:"enabled"`
	Priority                   int    `json:"priority"`
	TerminateAllSessions       bool   `json:"terminateAllSessions"`
	TerminateRelatedSessions   bool   `json:"terminateRelatedSessions"`
	NotifyAllClients           bool   `json:"notifyAllClients"`
	RequireClientAcknowledgment bool  `json:"requireClientAcknowledgment"`
	NotificationTimeoutSeconds int    `json:"notificationTimeoutSeconds"`
	MaxNotificationRetries     int    `json:"maxNotificationRetries"`
	GracePeriodSeconds         int    `json:"gracePeriodSeconds"`
	CascadeDepthLimit          int    `json:"cascadeDepthLimit"`
}

// ClientRegistration is the subset of a registered OAuth client spec
// §4.8 step 5 needs to notify it.
type ClientRegistration struct {
	ClientID                  string `json:"clientId"`
	BackchannelLogoutURI      string `json:"backchannelLogoutUri"`
	LogoutNotificationEnabled bool   `json:"logoutNotificationEnabled"`
}

// NotificationResult records one client's notification outcome.
type NotificationResult struct {
	ClientID string `json:"clientId"`
	Status   string `json:"status"` // "acknowledged" | "failed"
	Attempts int    `json:"attempts"`
}

// Outcome is the full result of a Terminate call.
type Outcome struct {
	Status          Status                `json:"status"`
	TerminatedSIDs  []string              `json:"terminatedSids"`
	Notifications   []NotificationResult  `json:"notifications"`
}

// ClientLookup resolves the distinct clientIDs associated with a set of
// sessions (a real deployment backs this with the session/client binding
// table; tests supply a fake).
type ClientLookup interface {
	ClientsForSessions(ctx context.Context, sids []string) ([]ClientRegistration, error)
}

// Notifier posts a signed logout_token to a client's backchannel_logout_uri.
type Notifier interface {
	Notify(ctx context.Context, uri, logoutToken string) (acknowledged bool, err error)
}

// HTTPNotifier is the default Notifier: POST application/x-www-form-urlencoded.
type HTTPNotifier struct {
	Client *http.Client
}

func (n *HTTPNotifier) Notify(ctx context.Context, uri, logoutToken string) (bool, error) {
	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	form := url.Values{"logout_token": {logoutToken}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, strings.NewReader(form.Encode()))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

// Terminator runs back-channel logout (spec §4.8).
type Terminator struct {
	store    kv.Store
	sessions *session.Manager
	lookup   ClientLookup
	notifier Notifier
	signer   jose.Signer
	issuer   string
	audit    *audit.Recorder
	log      logr.Logger

	mu      sync.Mutex
	pending map[string]*cancelState // keyed by sid, for grace-period cancellation
}

type cancelState struct {
	cancel context.CancelFunc
}

// New constructs a Terminator. signKey signs compact JWS logout_tokens
// (HS256, matching the teacher's HMAC-signing preference elsewhere).
func New(store kv.Store, sessions *session.Manager, lookup ClientLookup, notifier Notifier, signKey []byte, issuer string, rec *audit.Recorder, log logr.Logger) (*Terminator, error) {
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: signKey}, nil)
	if err != nil {
		return nil, fmt.Errorf("logout: build signer: %w", err)
	}
	return &Terminator{
		store: store, sessions: sessions, lookup: lookup, notifier: notifier,
		signer: signer, issuer: issuer, audit: rec, log: log,
		pending: make(map[string]*cancelState),
	}, nil
}

func policyKeyPattern(tenantID string) string { return "logout:policy:" + tenantID + ":*" }

// loadPolicy returns the most-specific enabled policy for tenantID
// (highest priority first), per spec §4.8 step 2.
func (t *Terminator) loadPolicy(ctx context.Context, tenantID string) (*Policy, error) {
	keys, err := t.store.Keys(ctx, policyKeyPattern(tenantID))
	if err != nil {
		return nil, err
	}
	var best *Policy
	for _, key := range keys {
		raw, err := t.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var pol Policy
		if err := json.Unmarshal([]byte(raw), &pol); err != nil || !pol.Enabled {
			continue
		}
		if best == nil || pol.Priority > best.Priority {
			p := pol
			best = &p
		}
	}
	if best == nil {
		best = &Policy{NotificationTimeoutSeconds: 30, MaxNotificationRetries: 3}
	}
	return best, nil
}

func policyKey(tenantID, id string) string { return "logout:policy:" + tenantID + ":" + id }

// ListPolicies returns every logout policy for tenantID for the admin
// CRUD surface.
func (t *Terminator) ListPolicies(ctx context.Context, tenantID string) ([]Policy, error) {
	keys, err := t.store.Keys(ctx, policyKeyPattern(tenantID))
	if err != nil {
		return nil, err
	}
	policies := make([]Policy, 0, len(keys))
	for _, key := range keys {
		raw, err := t.store.Get(ctx, key)
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

// GetPolicy fetches one logout policy, scoped to tenantID.
func (t *Terminator) GetPolicy(ctx context.Context, tenantID, id string) (*Policy, error) {
	raw, err := t.store.Get(ctx, policyKey(tenantID, id))
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

// SavePolicy creates or replaces a logout policy.
func (t *Terminator) SavePolicy(ctx context.Context, pol Policy) error {
	data, err := json.Marshal(pol)
	if err != nil {
		return err
	}
	return t.store.Set(ctx, policyKey(pol.TenantID, pol.ID), string(data), 0)
}

// DeletePolicy removes a logout policy, scoped to tenantID.
func (t *Terminator) DeletePolicy(ctx context.Context, tenantID, id string) error {
	n, err := t.store.Del(ctx, policyKey(tenantID, id))
	if err != nil {
		return err
	}
	if n == 0 {
		return errx.Keyfront.New(errx.PolicyNotFound)
	}
	return nil
}

// KVClientLookup is the default ClientLookup: registered clients live in
// KV at logout:client:{clientId}, written via RegisterClient. The
// gateway's registered relying parties are few and shared across
// tenants (an IdP client registration, not tenant data), so this lookup
// is not itself tenant-scoped — the caller already scoped sids to one
// tenant's sessions before calling Terminate.
type KVClientLookup struct {
	Store kv.Store
}

func clientKey(clientID string) string { return "logout:client:" + clientID }

// RegisterClient upserts a client's back-channel logout registration.
func RegisterClient(ctx context.Context, store kv.Store, reg ClientRegistration) error {
	data, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	return store.Set(ctx, clientKey(reg.ClientID), string(data), 0)
}

// ClientsForSessions returns every registered client with back-channel
// logout enabled. spec §4.8 step 5 notifies "each unique clientId among
// affected sessions" — this gateway does not track a session-to-client
// binding table, so conservatively notifying every registered relying
// party is the sound default.
func (l KVClientLookup) ClientsForSessions(ctx context.Context, _ []string) ([]ClientRegistration, error) {
	keys, err := l.Store.Keys(ctx, "logout:client:*")
	if err != nil {
		return nil, err
	}
	out := make([]ClientRegistration, 0, len(keys))
	for _, key := range keys {
		raw, err := l.Store.Get(ctx, key)
		if err != nil {
			continue
		}
		var reg ClientRegistration
		if err := json.Unmarshal([]byte(raw), &reg); err == nil {
			out = append(out, reg)
		}
	}
	return out, nil
}

// CancelPending aborts a logout still inside its grace-period window
// (Open Question resolved: grace period is a cancellation window before
// termination starts, not a post-hoc delay — an immediate re-login
// during the window aborts logout instead of racing it).
func (t *Terminator) CancelPending(sid string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.pending[sid]
	if !ok {
		return false
	}
	st.cancel()
	delete(t.pending, sid)
	return true
}

// Terminate runs the full spec §4.8 algorithm for the primary session sid.
func (t *Terminator) Terminate(ctx context.Context, tenantID, sid string, reason Reason) (*Outcome, error) {
	primary, err := t.sessions.Resolve(ctx, sid)
	if err != nil {
		return nil, err
	}
	if primary == nil {
		return nil, errx.Keyfront.New(errx.SessionNotFound)
	}

	pol, err := t.loadPolicy(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if pol.GracePeriodSeconds > 0 {
		gctx, cancel := context.WithCancel(context.Background())
		t.mu.Lock()
		t.pending[sid] = &cancelState{cancel: cancel}
		t.mu.Unlock()
		select {
		case <-time.After(time.Duration(pol.GracePeriodSeconds) * time.Second):
		case <-gctx.Done():
			t.mu.Lock()
			delete(t.pending, sid)
			t.mu.Unlock()
			return &Outcome{Status: StatusCompleted}, nil // cancelled: nothing to report as terminated
		}
		t.mu.Lock()
		delete(t.pending, sid)
		t.mu.Unlock()
	}

	sids, err := t.sessionSet(ctx, tenantID, primary, pol)
	if err != nil {
		return nil, err
	}

	terminated := t.sessions.TerminateAll(ctx, sids)

	outcome := &Outcome{Status: StatusInProgress, TerminatedSIDs: terminated}
	notifications := t.notifyClients(ctx, tenantID, primary.Sub, terminated, pol)
	outcome.Notifications = notifications
	outcome.Status = finalStatus(notifications, pol)

	if t.audit != nil {
		t.audit.Record(ctx, audit.Event{
			Timestamp:    time.Now().UnixMilli(),
			TenantID:     tenantID,
			UserID:       primary.Sub,
			Action:       "logout.terminate",
			ResourceType: "session",
			ResourceID:   sid,
			Result:       resultFor(outcome.Status),
			Reason:       string(reason),
			Metadata:     map[string]any{"terminatedSids": terminated, "notifications": notifications},
		})
	}
	return outcome, nil
}

func resultFor(s Status) audit.Result {
	if s == StatusCompleted {
		return audit.ResultAllow
	}
	return audit.ResultAlert
}

// sessionSet computes which sessions to terminate (spec §4.8 step 3).
func (t *Terminator) sessionSet(ctx context.Context, tenantID string, primary *session.Session, pol *Policy) ([]string, error) {
	if !pol.TerminateAllSessions && !pol.TerminateRelatedSessions {
		return []string{primary.SID}, nil
	}
	sids, err := t.sessions.SessionsForSubject(ctx, tenantID, primary.Sub)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(sids)+1)
	set[primary.SID] = true
	for _, s := range sids {
		set[s] = true
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

// notifyClients runs spec §4.8 steps 5-6 for every distinct client
// registered with backchannel logout enabled among the terminated sessions.
func (t *Terminator) notifyClients(ctx context.Context, tenantID, sub string, sids []string, pol *Policy) []NotificationResult {
	if len(sids) == 0 {
		return nil
	}
	clients, err := t.lookup.ClientsForSessions(ctx, sids)
	if err != nil {
		t.log.Error(err, "logout: client lookup failed")
		return nil
	}
	timeout := time.Duration(pol.NotificationTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxRetries := pol.MaxNotificationRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	var results []NotificationResult
	for _, c := range clients {
		if c.BackchannelLogoutURI == "" || !c.LogoutNotificationEnabled {
			continue
		}
		results = append(results, t.notifyOne(ctx, tenantID, sub, c, sids, timeout, maxRetries))
	}
	return results
}

func (t *Terminator) notifyOne(ctx context.Context, tenantID, sub string, c ClientRegistration, sids []string, timeout time.Duration, maxRetries int) NotificationResult {
	deadline := time.Now().Add(timeout)
	attempts := 0
	for attempts < maxRetries {
		attempts++
		logoutToken, err := t.mintLogoutToken(tenantID, sub, c.ClientID, sids)
		if err != nil {
			t.log.Error(err, "logout: mint logout_token failed", "clientId", c.ClientID)
			return NotificationResult{ClientID: c.ClientID, Status: "failed", Attempts: attempts}
		}
		ackCtx, cancel := context.WithDeadline(ctx, deadline)
		ok, err := t.notifier.Notify(ackCtx, c.BackchannelLogoutURI, logoutToken)
		cancel()
		if err == nil && ok {
			return NotificationResult{ClientID: c.ClientID, Status: "acknowledged", Attempts: attempts}
		}
		if time.Now().After(deadline) {
			break
		}
		backoff := time.Duration(math.Pow(2, float64(attempts))) * 100 * time.Millisecond
		if remaining := time.Until(deadline); backoff > remaining {
			backoff = remaining
		}
		if backoff > 0 {
			time.Sleep(backoff)
		}
	}
	return NotificationResult{ClientID: c.ClientID, Status: "failed", Attempts: attempts}
}

// mintLogoutToken builds a compact-JWS logout_token per OIDC Back-Channel
// Logout: events claim fixed to sessions-revoked, exp <= iat+300, and at
// least one of sub/sid (spec §4.8 step 5; scenario S6 requires sub).
func (t *Terminator) mintLogoutToken(tenantID, sub, clientID string, sids []string) (string, error) {
	now := time.Now()
	jti := uuid.NewString()
	claims := map[string]any{
		"iss": t.issuer,
		"aud": clientID,
		"iat": now.Unix(),
		"jti": jti,
		"exp": now.Add(5 * time.Minute).Unix(),
		"events": map[string]any{
			"http://schemas.openid.net/secevent/risc/event-type/sessions-revoked": map[string]any{},
		},
		"tenantId": tenantID,
	}
	if sub != "" {
		claims["sub"] = sub
	}
	if len(sids) > 0 {
		claims["sid"] = sids[0]
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	signed, err := t.signer.Sign(payload)
	if err != nil {
		return "", err
	}
	return signed.CompactSerialize()
}

// finalStatus implements spec §4.8 step 7.
func finalStatus(notifications []NotificationResult, pol *Policy) Status {
	if len(notifications) == 0 {
		return StatusCompleted
	}
	failed := 0
	for _, n := range notifications {
		if n.Status != "acknowledged" {
			failed++
		}
	}
	switch {
	case failed == 0:
		return StatusCompleted
	case failed == len(notifications):
		return StatusFailed
	default:
		return StatusPartial
	}
}
