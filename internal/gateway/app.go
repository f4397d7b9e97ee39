// Package gateway is the application container of spec §9: it constructs
// every other internal package exactly once, wires them together the way
// the teacher's cmd/gateway/main.go wires a Validator/LifecycleManager/Proxy
// triple, and exposes the full HTTP surface of spec §6.4 behind the
// middleware chain (trace -> metrics -> CORS -> rate-limit -> session).
// CSRF is verified inside mutating handlers; input validation and
// per-request audit events are not part of the chain.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

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
	"keyfront/internal/wsbridge"
)

// App owns every component's lifetime. It is built once in main and
// injected everywhere else; no package holds a package-level singleton
// (spec §9).
type App struct {
	cfg config.Config
	log logr.Logger

	kv       kv.Store
	metric   *telemetry.Sink
	audit    *audit.Recorder
	limiter  *ratelimit.Limiter
	csrf     *csrf.Issuer
	cors     *cors.Manager
	validate *validate.Validator
	sessions *session.Manager
	abac     *abac.PDP
	exchange *tokenexchange.Broker
	logout   *logout.Terminator
	proxy    *proxy.Proxy
	bridge   *wsbridge.Bridge
	tenants  *tenant.Store

	mux *http.ServeMux
}

// New constructs every component from cfg and wires the HTTP surface. It
// mirrors the teacher's main(): build dependencies, fail fast on error,
// hand back one object the entrypoint can serve and shut down.
func New(ctx context.Context, cfg config.Config, log logr.Logger) (*App, error) {
	store, err := kv.NewFromURL(ctx, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("gateway: connect kv store: %w", err)
	}

	provider, err := gooidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("gateway: oidc discovery: %w", err)
	}
	verifier := provider.Verifier(&gooidc.Config{ClientID: cfg.ClientID})
	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Endpoint:     provider.Endpoint(),
		Scopes:       []string{gooidc.ScopeOpenID, "email", "profile", "offline_access"},
	}

	metric := telemetry.NewSink()
	auditRec := audit.NewRecorder(store, audit.LogSink{Log: log}, metric, log, time.Second)

	globalOrigins, allowAll, denyAll := cors.ParseGlobalOrigins(cfg.CORSOrigins)
	corsMgr := &cors.Manager{
		GlobalOrigins: globalOrigins,
		AllowAll:      allowAll,
		DenyAll:       denyAll,
		TenantOrigins: make(map[string][]string),
		Dev:           !cfg.IsProduction(),
		MaxAge:        600,
	}

	csrfIssuer := csrf.New(store, cfg.CSRFSecret, time.Hour)

	sessions := session.New(session.Config{
		Store:      store,
		CSRF:       csrfIssuer,
		OAuth:      oauthCfg,
		Verifier:   verifier,
		Provider:   provider,
		CookieName: cfg.SessionCookieName,
		Secure:     cfg.IsProduction(),
	})

	limiter := ratelimit.New(store, log, metric)
	pdp := abac.New(store, auditRec)

	jtiSource := func() (string, error) { return uuid.NewString(), nil }
	exchange := tokenexchange.New(store, auditRec, cfg.JWTSecret, cfg.TokenIssuer, jtiSource)

	logoutLookup := logout.KVClientLookup{Store: store}
	terminator, err := logout.New(store, sessions, logoutLookup, &logout.HTTPNotifier{}, []byte(cfg.JWTSecret), cfg.TokenIssuer, auditRec, log)
	if err != nil {
		return nil, fmt.Errorf("gateway: build logout terminator: %w", err)
	}

	downstreamTimeout := cfg.DownstreamAPITimeout
	fwdProxy := proxy.New(proxy.Options{
		DownstreamBase: cfg.DownstreamAPIBase,
		Timeout:        downstreamTimeout,
	}, log)

	var bridge *wsbridge.Bridge
	if cfg.DownstreamWSURL != "" {
		dial := wsbridge.NewDownstreamDialer(cfg.DownstreamWSURL, func(id wsbridge.Identity) (string, error) {
			return "", nil // no access token is looked up here: the dialer sends an empty Bearer value plus the identity headers
		})
		bridge = wsbridge.New(wsbridge.Config{
			MaxUserConnections:   cfg.WSMaxUserConnections,
			MaxTenantConnections: cfg.WSMaxTenantConnections,
			Dial:                 dial,
		}, limiter, metric, log)
	}

	tenants := tenant.New(store, corsMgr)

	validateMode := validate.Production
	if !cfg.IsProduction() {
		validateMode = validate.NonProduction
	}

	a := &App{
		cfg: cfg, log: log,
		kv: store, metric: metric, audit: auditRec, limiter: limiter,
		csrf: csrfIssuer, cors: corsMgr, validate: validate.New(validateMode),
		sessions: sessions, abac: pdp, exchange: exchange, logout: terminator,
		proxy: fwdProxy, bridge: bridge, tenants: tenants,
	}
	a.routes()
	return a, nil
}

// Handler returns the app's top-level http.Handler.
func (a *App) Handler() http.Handler { return a.mux }

// Shutdown stops every component with a background goroutine or open
// resource (spec §9: "components are shut down via a single lifecycle
// hook"), mirroring the teacher's srv.Shutdown pattern in cmd/gateway/main.go.
func (a *App) Shutdown(ctx context.Context) error {
	a.audit.Stop()
	if a.bridge != nil {
		a.bridge.Close()
	}
	return a.kv.Close()
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		return host[:idx]
	}
	return host
}
