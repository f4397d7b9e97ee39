// Package session implements spec §4.1: OIDC authorization-code + PKCE
// login, an opaque session cookie backed by a KV-stored record, refresh,
// and logout. Generalizes the teacher's pkg/gateway/auth.go (OIDC
// validator) and cmd/gateway/main.go (login/callback handlers), adapted
// so that ID and access tokens never leave the server (spec §3 invariant)
// and PKCE is added (the teacher's flow omitted it).
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"keyfront/internal/csrf"
	"keyfront/internal/errx"
	"keyfront/internal/kv"
)

// Session is spec §3's Session record.
type Session struct {
	SID             string   `json:"sid"`
	Sub             string   `json:"sub"`
	TenantID        string   `json:"tenantId"`
	Email           string   `json:"email,omitempty"`
	Name            string   `json:"name,omitempty"`
	Roles           []string `json:"roles,omitempty"`
	Permissions     []string `json:"permissions,omitempty"`
	AccessTokenRef  string   `json:"accessTokenRef"`
	RefreshTokenRef string   `json:"refreshTokenRef,omitempty"`
	ExpiresAt       int64    `json:"expiresAt"`
	CreatedAt       int64    `json:"createdAt"`
	LastActivity    int64    `json:"lastActivity"`
}

// Profile is the subset of Session safe to hand back to the browser (GET
// /api/me) — token refs are never included (spec §3 invariant, §8
// property 3).
type Profile struct {
	ID          string   `json:"id"`
	TenantID    string   `json:"tenantId"`
	Email       string   `json:"email,omitempty"`
	Name        string   `json:"name,omitempty"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

func (s *Session) Profile() Profile {
	return Profile{
		ID: s.Sub, TenantID: s.TenantID, Email: s.Email, Name: s.Name,
		Roles: s.Roles, Permissions: s.Permissions,
	}
}

// tokenBlob is the server-only token storage indirected by
// AccessTokenRef/RefreshTokenRef — it is kept as a separate KV record
// from the Session so that a session listing endpoint can never
// accidentally serialize raw tokens.
type tokenBlob struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

const (
	sessionKeyPrefix = "sess:"
	tokenKeyPrefix   = "token:"
	stateKeyPrefix   = "oauth:state:"
	stateTTL         = 8 * time.Minute
	// refreshSkew triggers a transparent refresh when the access token is
	// within this window of expiry (spec §4.1 "near expiry").
	refreshSkew = 2 * time.Minute
)

func sessionKey(sid string) string { return sessionKeyPrefix + sid }
func tokenKey(ref string) string   { return tokenKeyPrefix + ref }
func stateKey(state string) string { return stateKeyPrefix + state }

// loginState is spec §3's OIDC login state, persisted for stateTTL.
type loginState struct {
	State        string `json:"state"`
	CodeVerifier string `json:"codeVerifier"`
	RedirectURI  string `json:"redirectUri"`
	TenantID     string `json:"tenantId,omitempty"`
}

// IDTokenClaims is the subset of ID token claims the login flow needs.
type IDTokenClaims struct {
	Sub         string   `json:"sub"`
	Email       string   `json:"email"`
	Name        string   `json:"name"`
	TenantID    string   `json:"tenantId"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// Manager owns session lifecycle and the OIDC login flow.
type Manager struct {
	store      kv.Store
	csrf       *csrf.Issuer
	oauthCfg   *oauth2.Config
	verifier   *gooidc.IDTokenVerifier
	provider   *gooidc.Provider
	cookieName string
	secure     bool
}

// Config bundles Manager's construction-time dependencies.
type Config struct {
	Store      kv.Store
	CSRF       *csrf.Issuer
	OAuth      *oauth2.Config
	Verifier   *gooidc.IDTokenVerifier
	Provider   *gooidc.Provider
	CookieName string // default "keyfront.sid" per spec §4.1
	Secure     bool   // Secure cookie attribute; false only outside production
}

// New constructs a Manager from cfg.
func New(cfg Config) *Manager {
	name := cfg.CookieName
	if name == "" {
		name = "keyfront.sid"
	}
	return &Manager{
		store: cfg.Store, csrf: cfg.CSRF, oauthCfg: cfg.OAuth,
		verifier: cfg.Verifier, provider: cfg.Provider,
		cookieName: name, secure: cfg.Secure,
	}
}

// CookieName returns the configured session cookie name.
func (m *Manager) CookieName() string { return m.cookieName }

func randomURLSafe(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func pkceChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// StartLogin allocates state + PKCE verifier, persists them, and returns
// the IdP authorization URL (spec §4.1).
func (m *Manager) StartLogin(ctx context.Context, redirectURI, tenantID string) (authURL string, state string, err error) {
	state, err = randomURLSafe(24) // >=128 bits of entropy
	if err != nil {
		return "", "", err
	}
	verifier, err := randomURLSafe(32)
	if err != nil {
		return "", "", err
	}

	ls := loginState{State: state, CodeVerifier: verifier, RedirectURI: redirectURI, TenantID: tenantID}
	buf, err := json.Marshal(ls)
	if err != nil {
		return "", "", err
	}
	if err := m.store.Set(ctx, stateKey(state), string(buf), stateTTL); err != nil {
		return "", "", errx.Keyfront.Wrap(errx.InternalError, err)
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", pkceChallenge(verifier)),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		oauth2.SetAuthURLParam("nonce", state),
	}
	return m.oauthCfg.AuthCodeURL(state, opts...), state, nil
}

// CompleteLogin consumes the login state, exchanges code for tokens,
// verifies the ID token, and creates a new Session (spec §4.1).
func (m *Manager) CompleteLogin(ctx context.Context, code, state string) (*Session, string, error) {
	raw, err := m.store.Get(ctx, stateKey(state))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, "", errx.Keyfront.New(errx.OAuthStateInvalid)
	}
	if err != nil {
		return nil, "", errx.Keyfront.Wrap(errx.InternalError, err)
	}
	// Atomically consume: delete immediately so a replayed callback with
	// the same state cannot complete a second time.
	_, _ = m.store.Del(ctx, stateKey(state))

	var ls loginState
	if err := json.Unmarshal([]byte(raw), &ls); err != nil {
		return nil, "", errx.Keyfront.Wrap(errx.InternalError, err)
	}

	token, err := m.oauthCfg.Exchange(ctx, code,
		oauth2.SetAuthURLParam("code_verifier", ls.CodeVerifier))
	if err != nil {
		return nil, "", errx.Keyfront.Wrap(errx.OIDCUnavailable, err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, "", errx.Keyfront.New(errx.OIDCInvalidToken).WithDetail("reason", "missing id_token")
	}
	idToken, err := m.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, "", errx.Keyfront.Wrap(errx.OIDCInvalidToken, err)
	}
	var claims IDTokenClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, "", errx.Keyfront.Wrap(errx.OIDCInvalidToken, err)
	}

	sess, err := m.create(ctx, claims, token)
	if err != nil {
		return nil, "", err
	}
	return sess, ls.RedirectURI, nil
}

func (m *Manager) create(ctx context.Context, claims IDTokenClaims, token *oauth2.Token) (*Session, error) {
	sid, err := randomURLSafe(32) // >=128 bits, spec §3
	if err != nil {
		return nil, err
	}
	accessRef, err := randomURLSafe(16)
	if err != nil {
		return nil, err
	}
	blob := tokenBlob{AccessToken: token.AccessToken, RefreshToken: token.RefreshToken}
	var refreshRef string
	if token.RefreshToken != "" {
		refreshRef = accessRef // one blob holds both; a single ref is enough
	}

	expiresAt := token.Expiry
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(time.Hour)
	}
	now := time.Now()
	sess := &Session{
		SID: sid, Sub: claims.Sub, TenantID: claims.TenantID, Email: claims.Email,
		Name: claims.Name, Roles: claims.Roles, Permissions: claims.Permissions,
		AccessTokenRef: accessRef, RefreshTokenRef: refreshRef,
		ExpiresAt: expiresAt.UnixMilli(), CreatedAt: now.UnixMilli(), LastActivity: now.UnixMilli(),
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = time.Minute
	}
	if err := m.putTokenBlob(ctx, accessRef, blob, ttl); err != nil {
		return nil, err
	}
	if err := m.putSession(ctx, sess, ttl); err != nil {
		return nil, err
	}
	if err := m.IndexSubject(ctx, sess.TenantID, sess.Sub, sess.SID); err != nil {
		return nil, errx.Keyfront.Wrap(errx.InternalError, err)
	}
	return sess, nil
}

func (m *Manager) putSession(ctx context.Context, s *Session, ttl time.Duration) error {
	buf, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := m.store.Set(ctx, sessionKey(s.SID), string(buf), ttl); err != nil {
		return errx.Keyfront.Wrap(errx.InternalError, err)
	}
	return nil
}

func (m *Manager) putTokenBlob(ctx context.Context, ref string, blob tokenBlob, ttl time.Duration) error {
	buf, err := json.Marshal(blob)
	if err != nil {
		return err
	}
	if err := m.store.Set(ctx, tokenKey(ref), string(buf), ttl); err != nil {
		return errx.Keyfront.Wrap(errx.InternalError, err)
	}
	return nil
}

// Resolve returns the live Session for sid, or ErrNotFound-shaped nil if
// absent or expired. An expired record is deleted before returning (spec
// §4.1, §8 boundary: expiresAt == now counts as expired).
func (m *Manager) Resolve(ctx context.Context, sid string) (*Session, error) {
	raw, err := m.store.Get(ctx, sessionKey(sid))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errx.Keyfront.Wrap(errx.InternalError, err)
	}
	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, errx.Keyfront.Wrap(errx.InternalError, err)
	}
	if time.Now().UnixMilli() >= sess.ExpiresAt {
		_, _ = m.store.Del(ctx, sessionKey(sid))
		return nil, nil
	}
	return &sess, nil
}

// Touch bumps LastActivity without extending ExpiresAt past the access
// token's natural expiry (spec §4.1). A concurrent Destroy always wins:
// if the record is gone by the time Touch writes, Touch is a no-op
// (spec §5 ordering guarantee).
func (m *Manager) Touch(ctx context.Context, sid string) error {
	sess, err := m.Resolve(ctx, sid)
	if err != nil {
		return err
	}
	if sess == nil {
		return nil // Destroy (or expiry) already won; no-op.
	}
	sess.LastActivity = time.Now().UnixMilli()
	ttl := time.Until(time.UnixMilli(sess.ExpiresAt))
	if ttl <= 0 {
		return nil
	}
	return m.putSession(ctx, sess, ttl)
}

// Destroy deletes the session record and its token blob, and invalidates
// any CSRF tokens bound to it (spec §4.1).
func (m *Manager) Destroy(ctx context.Context, sid string) error {
	sess, _ := m.Resolve(ctx, sid)
	if _, err := m.store.Del(ctx, sessionKey(sid)); err != nil {
		return errx.Keyfront.Wrap(errx.InternalError, err)
	}
	if sess != nil && sess.AccessTokenRef != "" {
		_, _ = m.store.Del(ctx, tokenKey(sess.AccessTokenRef))
	}
	if m.csrf != nil {
		_ = m.csrf.Destroy(ctx, sid)
	}
	return nil
}

// AccessToken dereferences sess's access token for outbound proxy calls
// (spec §4.9: "Inject Authorization: Bearer {dereferenced access token}").
// It is never returned to the browser.
func (m *Manager) AccessToken(ctx context.Context, sess *Session) (string, error) {
	raw, err := m.store.Get(ctx, tokenKey(sess.AccessTokenRef))
	if errors.Is(err, kv.ErrNotFound) {
		return "", errx.Keyfront.New(errx.SessionExpired)
	}
	if err != nil {
		return "", errx.Keyfront.Wrap(errx.InternalError, err)
	}
	var blob tokenBlob
	if err := json.Unmarshal([]byte(raw), &blob); err != nil {
		return "", errx.Keyfront.Wrap(errx.InternalError, err)
	}
	return blob.AccessToken, nil
}

// NeedsRefresh reports whether sess's access token is close enough to
// its natural expiry that RefreshIfNeeded should run (spec §4.1).
func (m *Manager) NeedsRefresh(sess *Session) bool {
	return time.Until(time.UnixMilli(sess.ExpiresAt)) < refreshSkew
}

// RefreshIfNeeded transparently refreshes sess's access token using the
// IdP's refresh endpoint if it is near expiry, rewriting the session
// record's ExpiresAt in place (Open Question resolved in SPEC_FULL.md:
// rewrite in place rather than rotate sid — the sid is already an opaque
// server-side handle with no interception surface rotation would close).
// On refresh failure it destroys the session and returns SESSION_EXPIRED.
func (m *Manager) RefreshIfNeeded(ctx context.Context, sess *Session) (*Session, error) {
	if !m.NeedsRefresh(sess) {
		return sess, nil
	}
	raw, err := m.store.Get(ctx, tokenKey(sess.AccessTokenRef))
	if err != nil {
		_ = m.Destroy(ctx, sess.SID)
		return nil, errx.Keyfront.New(errx.SessionExpired)
	}
	var blob tokenBlob
	if err := json.Unmarshal([]byte(raw), &blob); err != nil || blob.RefreshToken == "" {
		_ = m.Destroy(ctx, sess.SID)
		return nil, errx.Keyfront.New(errx.SessionExpired)
	}

	src := m.oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: blob.RefreshToken})
	newToken, err := src.Token()
	if err != nil {
		_ = m.Destroy(ctx, sess.SID)
		return nil, errx.Keyfront.New(errx.SessionExpired).WithDetail("reason", "refresh failed")
	}

	expiresAt := newToken.Expiry
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(time.Hour)
	}
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = time.Minute
	}
	blob.AccessToken = newToken.AccessToken
	if newToken.RefreshToken != "" {
		blob.RefreshToken = newToken.RefreshToken
	}
	if err := m.putTokenBlob(ctx, sess.AccessTokenRef, blob, ttl); err != nil {
		return nil, err
	}
	sess.ExpiresAt = expiresAt.UnixMilli()
	if err := m.putSession(ctx, sess, ttl); err != nil {
		return nil, err
	}
	return sess, nil
}

// TerminateAll destroys each session in sids (used by back-channel logout,
// spec §4.8) and returns the sids whose session record existed and was
// destroyed. Because the session key is opaque (sess:{sid}), finding
// "every session for a subject" requires a secondary index; IndexSubject
// and SessionsForSubject below maintain and read it.
func (m *Manager) TerminateAll(ctx context.Context, sids []string) []string {
	var terminated []string
	for _, sid := range sids {
		exists, err := m.store.Exists(ctx, sessionKey(sid))
		if err != nil || !exists {
			continue
		}
		if err := m.Destroy(ctx, sid); err == nil {
			terminated = append(terminated, sid)
		}
	}
	return terminated
}

// SubjectIndexKey is the KV list tracking every sid issued for (tenant, sub).
func SubjectIndexKey(tenantID, sub string) string {
	return fmt.Sprintf("sess:index:%s:%s", tenantID, sub)
}

// IndexSubject records sid under the subject index so back-channel logout
// can find every session for a user without a KV table scan.
func (m *Manager) IndexSubject(ctx context.Context, tenantID, sub, sid string) error {
	return m.store.LPush(ctx, SubjectIndexKey(tenantID, sub), sid)
}

// SessionsForSubject returns every sid indexed for (tenant, sub).
func (m *Manager) SessionsForSubject(ctx context.Context, tenantID, sub string) ([]string, error) {
	return m.store.LRange(ctx, SubjectIndexKey(tenantID, sub), 0, -1)
}

