package gateway

import (
	"net/http"
	"strconv"
	"time"

	"keyfront/internal/errx"
	"keyfront/internal/ratelimit"
	"keyfront/internal/session"
	"keyfront/internal/telemetry"
)

// statusRecorder captures the status code a handler wrote, for the
// metrics middleware — net/http gives no other way to observe it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// chain applies the gateway's middleware stack: trace -> metrics -> CORS ->
// rate-limit -> session attach. CSRF is checked inside each mutating
// handler via requireCSRF. No route runs the input validator (a.validate)
// over its request body, and the chain records no per-request audit event.
func (a *App) chain(route string, next http.HandlerFunc) http.HandlerFunc {
	return a.traceMiddleware(route, a.metricsMiddleware(route, a.corsMiddleware(a.rateLimitMiddleware(a.sessionMiddleware(next)))))
}

func (a *App) traceMiddleware(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		traceID := telemetry.NewTraceID()
		r = r.WithContext(withTraceID(r.Context(), traceID))
		w.Header().Set("x-keyfront-trace-id", traceID)
		next(w, r)
	}
}

func (a *App) metricsMiddleware(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		a.metric.RequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		a.metric.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func (a *App) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get("X-Tenant-ID")
		if a.cors.Handle(w, r, tenantID) {
			return // preflight fully answered
		}
		next(w, r)
	}
}

// setRateLimitHeaders sets the X-RateLimit-* headers spec §7 requires on
// every rate-limit response ("Rate-limit responses add X-RateLimit-*
// headers and Retry-After"), alongside scenario S3's `Retry-After`.
func setRateLimitHeaders(w http.ResponseWriter, res ratelimit.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetTime.Unix(), 10))
}

func (a *App) rateLimitMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		res := a.limiter.Composite(r.Context(), []ratelimit.Rule{
			{Name: "global_ip", Key: ratelimit.GlobalByIP(ip), Window: time.Minute, Max: 300},
			{Name: "endpoint", Key: ratelimit.PerEndpoint(r.URL.Path, ip), Window: time.Minute, Max: 120},
		})
		if !res.Allowed {
			setRateLimitHeaders(w, res)
			w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())))
			writeError(w, r, errx.Keyfront.New(errx.RateLimitExceeded))
			return
		}
		next(w, r)
	}
}

// sessionMiddleware resolves the session cookie if present and attaches
// it to the request context. It never rejects a request outright — routes
// requiring auth call requireSession explicitly, matching the teacher's
// handleProxy pattern of checking auth per-handler rather than trusting a
// catch-all gate.
func (a *App) sessionMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(a.sessions.CookieName())
		if err != nil || c.Value == "" {
			next(w, r)
			return
		}
		sess, err := a.sessions.Resolve(r.Context(), c.Value)
		if err != nil || sess == nil {
			next(w, r)
			return
		}
		sess, err = a.sessions.RefreshIfNeeded(r.Context(), sess)
		if err != nil {
			next(w, r)
			return
		}
		_ = a.sessions.Touch(r.Context(), sess.SID)
		r = r.WithContext(withSession(r.Context(), sess))
		next(w, r)
	}
}

// requireSession rejects the request with UNAUTHORIZED if no session was
// attached upstream.
func (a *App) requireSession(next func(w http.ResponseWriter, r *http.Request, sess *session.Session)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := sessionFrom(r.Context())
		if sess == nil {
			writeError(w, r, errx.Keyfront.New(errx.Unauthorized))
			return
		}
		next(w, r, sess)
	}
}

// requireCSRF verifies the double-submit token on unsafe methods, then
// rotates it (spec §4.3: "Rotate on each unsafe request (new token set in
// response cookie)") — the verified token is invalidated and a fresh one
// is issued into the response cookie, so a replay of the old value fails
// with CSRF_INVALID_TOKEN (scenario S2).
func (a *App) requireCSRF(w http.ResponseWriter, sess *session.Session, r *http.Request) error {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return nil
	}
	if sess == nil {
		return errx.Keyfront.New(errx.CSRFNoSession)
	}
	token := r.Header.Get("X-CSRF-Token")
	if err := a.csrf.Verify(r.Context(), sess.SID, token); err != nil {
		return err
	}
	_ = a.csrf.Invalidate(r.Context(), sess.SID, token)
	fresh, err := a.csrf.Issue(r.Context(), sess.SID, sess.Sub, sess.TenantID)
	if err != nil {
		return errx.Keyfront.Wrap(errx.InternalError, err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    fresh.Value,
		Path:     "/",
		Expires:  time.UnixMilli(fresh.ExpiresAt),
		HttpOnly: false,
		Secure:   a.cfg.IsProduction(),
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}
