package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyfront/internal/abac"
	"keyfront/internal/audit"
	"keyfront/internal/config"
	"keyfront/internal/cors"
	"keyfront/internal/csrf"
	"keyfront/internal/kv"
	"keyfront/internal/logout"
	"keyfront/internal/proxy"
	"keyfront/internal/ratelimit"
	"keyfront/internal/session"
	"keyfront/internal/telemetry"
	"keyfront/internal/tenant"
	"keyfront/internal/tokenexchange"
	"keyfront/internal/validate"
)

// newTestApp builds an App the way gateway.New does, but against a
// FakeStore and with no live OIDC provider, since none of the exercised
// routes below need StartLogin/CompleteLogin.
func newTestApp(t *testing.T) (*App, *kv.FakeStore) {
	t.Helper()
	return newTestAppWithDownstream(t, "http://127.0.0.1:0")
}

// newTestAppWithDownstream is newTestApp parameterized on the proxy's
// downstream base, for tests that need a live downstream (e.g. CSRF
// rotation against GET /api/proxy/...).
func newTestAppWithDownstream(t *testing.T, downstreamBase string) (*App, *kv.FakeStore) {
	t.Helper()
	store := kv.NewFake()
	log := logr.Discard()
	metric := telemetry.NewSink()
	auditRec := audit.NewRecorder(store, audit.LogSink{Log: log}, metric, log, time.Hour)
	t.Cleanup(auditRec.Stop)

	corsMgr := &cors.Manager{AllowAll: true, TenantOrigins: make(map[string][]string)}
	csrfIssuer := csrf.New(store, "test-csrf-secret", time.Hour)
	sessions := session.New(session.Config{Store: store, CSRF: csrfIssuer, CookieName: "keyfront.sid"})
	limiter := ratelimit.New(store, log, metric)
	pdp := abac.New(store, auditRec)
	jtiSource := func() (string, error) { return uuid.NewString(), nil }
	exchange := tokenexchange.New(store, auditRec, "jwt-secret", "keyfront-test", jtiSource)
	terminator, err := logout.New(store, sessions, logout.KVClientLookup{Store: store}, &logout.HTTPNotifier{}, []byte("jwt-secret"), "keyfront-test", auditRec, log)
	require.NoError(t, err)
	fwdProxy := proxy.New(proxy.Options{DownstreamBase: downstreamBase, Timeout: time.Second}, log)
	tenants := tenant.New(store, corsMgr)

	a := &App{
		cfg: config.Config{SessionCookieName: "keyfront.sid"},
		log: log, kv: store, metric: metric, audit: auditRec, limiter: limiter,
		csrf: csrfIssuer, cors: corsMgr, validate: validate.New(validate.NonProduction),
		sessions: sessions, abac: pdp, exchange: exchange, logout: terminator,
		proxy: fwdProxy, bridge: nil, tenants: tenants,
	}
	a.routes()
	return a, store
}

func seedSession(t *testing.T, store *kv.FakeStore, sessions *session.Manager, roles ...string) *session.Session {
	t.Helper()
	sess := &session.Session{
		SID: "sid-" + uuid.NewString(), Sub: "user-1", TenantID: "tenant-1",
		Email: "user@example.com", Roles: roles,
		AccessTokenRef: "ref-" + uuid.NewString(),
		ExpiresAt:      time.Now().Add(time.Hour).UnixMilli(),
		CreatedAt:      time.Now().UnixMilli(), LastActivity: time.Now().UnixMilli(),
	}
	buf, err := json.Marshal(sess)
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), "sess:"+sess.SID, string(buf), time.Hour))

	blob := map[string]string{"accessToken": "downstream-access-token"}
	blobBuf, err := json.Marshal(blob)
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), "token:"+sess.AccessTokenRef, string(blobBuf), time.Hour))
	_ = sessions
	return sess
}

func TestHealthz_AlwaysOK(t *testing.T) {
	a, _ := newTestApp(t)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("x-keyfront-trace-id"))
}

func TestReadyz_OKWhenStoreReachable(t *testing.T) {
	a, _ := newTestApp(t)
	req := httptest.NewRequest(http.MethodGet, "/api/health/ready", nil)
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMe_RequiresSession(t *testing.T) {
	a, _ := newTestApp(t)
	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMe_ReturnsProfileForValidSession(t *testing.T) {
	a, store := newTestApp(t)
	sess := seedSession(t, store, a.sessions, "member")

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.AddCookie(&http.Cookie{Name: a.sessions.CookieName(), Value: sess.SID})
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), sess.Email)
}

func TestAdminSurface_ForbiddenWithoutAdminRole(t *testing.T) {
	a, store := newTestApp(t)
	sess := seedSession(t, store, a.sessions, "member")

	req := httptest.NewRequest(http.MethodGet, "/api/tenants", nil)
	req.AddCookie(&http.Cookie{Name: a.sessions.CookieName(), Value: sess.SID})
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminSurface_AllowedWithAdminRole(t *testing.T) {
	a, store := newTestApp(t)
	sess := seedSession(t, store, a.sessions, "admin")

	req := httptest.NewRequest(http.MethodGet, "/api/tenants", nil)
	req.AddCookie(&http.Cookie{Name: a.sessions.CookieName(), Value: sess.SID})
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLogout_RequiresCSRFToken(t *testing.T) {
	a, store := newTestApp(t)
	sess := seedSession(t, store, a.sessions, "admin")

	req := httptest.NewRequest(http.MethodPost, "/api/logout", nil)
	req.AddCookie(&http.Cookie{Name: a.sessions.CookieName(), Value: sess.SID})
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLogout_SucceedsWithValidCSRFToken(t *testing.T) {
	a, store := newTestApp(t)
	sess := seedSession(t, store, a.sessions, "admin")
	tok, err := a.csrf.Issue(context.Background(), sess.SID, sess.Sub, sess.TenantID)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/logout", nil)
	req.AddCookie(&http.Cookie{Name: a.sessions.CookieName(), Value: sess.SID})
	req.Header.Set("X-CSRF-Token", tok.Value)
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	resolved, err := a.sessions.Resolve(context.Background(), sess.SID)
	require.NoError(t, err)
	assert.Nil(t, resolved)
}

func TestWS_ServiceUnavailableWithoutBridge(t *testing.T) {
	a, store := newTestApp(t)
	sess := seedSession(t, store, a.sessions, "member")

	req := httptest.NewRequest(http.MethodGet, "/api/ws", nil)
	req.AddCookie(&http.Cookie{Name: a.sessions.CookieName(), Value: sess.SID})
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRateLimit_DeniesAfterExceedingWindow(t *testing.T) {
	a, _ := newTestApp(t)
	var last *httptest.ResponseRecorder
	for i := 0; i < 310; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
		req.RemoteAddr = "203.0.113.7:1234"
		rec := httptest.NewRecorder()
		a.Handler().ServeHTTP(rec, req)
		last = rec
	}
	assert.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.NotEmpty(t, last.Header().Get("Retry-After"))
	assert.Equal(t, "0", last.Header().Get("X-RateLimit-Remaining"))
}

func TestSanitizeRedirect(t *testing.T) {
	cases := map[string]string{
		"/home":            "/home",
		"":                 "/",
		"//evil.com":       "/",
		"https://evil.com": "/",
		"/a/b?x=1":         "/a/b?x=1",
	}
	for in, want := range cases {
		assert.Equal(t, want, sanitizeRedirect(in), "input %q", in)
	}
}

// TestProxy_CSRF_RotatesAndRejectsReplay exercises scenario S2: an
// unsafe-method proxy call without a token is rejected, the same call
// with a freshly issued token succeeds, and replaying that now-rotated
// token fails with CSRF_INVALID_TOKEN.
func TestProxy_CSRF_RotatesAndRejectsReplay(t *testing.T) {
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(downstream.Close)

	a, store := newTestAppWithDownstream(t, downstream.URL)
	sess := seedSession(t, store, a.sessions, "member")
	cookie := &http.Cookie{Name: a.sessions.CookieName(), Value: sess.SID}

	noToken := httptest.NewRequest(http.MethodPost, "/api/proxy/orders", nil)
	noToken.AddCookie(cookie)
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, noToken)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	tok, err := a.csrf.Issue(context.Background(), sess.SID, sess.Sub, sess.TenantID)
	require.NoError(t, err)

	first := httptest.NewRequest(http.MethodPost, "/api/proxy/orders", nil)
	first.AddCookie(cookie)
	first.Header.Set("X-CSRF-Token", tok.Value)
	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, first)
	assert.Equal(t, http.StatusOK, rec.Code)

	replay := httptest.NewRequest(http.MethodPost, "/api/proxy/orders", nil)
	replay.AddCookie(cookie)
	replay.Header.Set("X-CSRF-Token", tok.Value)
	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, replay)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
