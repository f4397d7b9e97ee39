package gateway

import (
	"net/http"
	"time"

	"keyfront/internal/errx"
	"keyfront/internal/session"
)

const csrfCookieName = "keyfront.csrf"

// handleLogin starts the OIDC authorization-code + PKCE flow (spec §4.1)
// and redirects the browser to the IdP. The caller's `redirect` query
// parameter is the post-login landing target (scenario S1); it is
// distinct from the OAuth client's registered RedirectURL (the IdP's
// callback to `/api/callback`), which never changes per-request.
func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant")
	landing := sanitizeRedirect(r.URL.Query().Get("redirect"))
	authURL, _, err := a.sessions.StartLogin(r.Context(), landing, tenantID)
	if err != nil {
		writeError(w, r, errx.Keyfront.Wrap(errx.InternalError, err))
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// sanitizeRedirect only allows same-origin, path-absolute targets, never
// protocol-relative ones (`//evil.com`) or any other open-redirect shape.
func sanitizeRedirect(target string) string {
	if target == "" || target[0] != '/' || (len(target) > 1 && target[1] == '/') {
		return "/"
	}
	return target
}

// handleCallback completes the login flow, mints the session cookie and a
// fresh CSRF token, and redirects back to the caller's original target.
func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		writeError(w, r, errx.Keyfront.New(errx.OAuthStateInvalid))
		return
	}

	sess, redirectURI, err := a.sessions.CompleteLogin(r.Context(), code, state)
	if err != nil {
		writeError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     a.sessions.CookieName(),
		Value:    sess.SID,
		Path:     "/",
		Expires:  time.UnixMilli(sess.ExpiresAt),
		HttpOnly: true,
		Secure:   a.cfg.IsProduction(),
		SameSite: http.SameSiteLaxMode,
	})

	tok, err := a.csrf.Issue(r.Context(), sess.SID, sess.Sub, sess.TenantID)
	if err == nil {
		http.SetCookie(w, &http.Cookie{
			Name:     csrfCookieName,
			Value:    tok.Value,
			Path:     "/",
			Expires:  time.UnixMilli(tok.ExpiresAt),
			HttpOnly: false, // the SPA reads this to echo X-CSRF-Token back
			Secure:   a.cfg.IsProduction(),
			SameSite: http.SameSiteLaxMode,
		})
	}

	if redirectURI == "" {
		redirectURI = "/"
	}
	http.Redirect(w, r, redirectURI, http.StatusFound)
}

// handleLogout destroys the caller's own session (spec §4.1), distinct
// from back-channel logout's cross-client cascade (internal/logout).
func (a *App) handleLogout(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if err := a.requireCSRF(w, sess, r); err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.sessions.Destroy(r.Context(), sess.SID); err != nil {
		writeError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: a.sessions.CookieName(), Value: "", Path: "/", MaxAge: -1})
	http.SetCookie(w, &http.Cookie{Name: csrfCookieName, Value: "", Path: "/", MaxAge: -1})
	writeJSON(w, r, http.StatusOK, map[string]bool{"loggedOut": true})
}

func (a *App) handleMe(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	writeJSON(w, r, http.StatusOK, sess.Profile())
}

// handleCSRF issues a fresh double-submit token for the caller's session
// (spec §4.3, scenario S2): safe-method callers always get a new token,
// never an error, even mid-flow.
func (a *App) handleCSRF(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	tok, err := a.csrf.Issue(r.Context(), sess.SID, sess.Sub, sess.TenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    tok.Value,
		Path:     "/",
		Expires:  time.UnixMilli(tok.ExpiresAt),
		HttpOnly: false,
		Secure:   a.cfg.IsProduction(),
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, r, http.StatusOK, map[string]string{"token": tok.Value})
}
