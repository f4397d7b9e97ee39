package gateway

import (
	"net/http"
	"strings"

	"keyfront/internal/errx"
	"keyfront/internal/proxy"
	"keyfront/internal/session"
	"keyfront/internal/wsbridge"
)

// handleProxy forwards an authenticated HTTP request to the downstream
// API (spec §4.9), injecting the dereferenced access token and identity
// headers. sess comes from requireSession, not from any header the caller
// could forge.
func (a *App) handleProxy(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if err := a.requireCSRF(w, sess, r); err != nil {
		writeError(w, r, err)
		return
	}
	accessToken, err := a.sessions.AccessToken(r.Context(), sess)
	if err != nil {
		writeError(w, r, err)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/proxy/")
	a.proxy.Forward(w, r, path, proxy.Identity{
		AccessToken: accessToken,
		TenantID:    sess.TenantID,
		UserID:      sess.Sub,
		Roles:       sess.Roles,
		TraceID:     traceIDFrom(r.Context()),
	})
}

// handleWS upgrades to the multiplexed WebSocket bridge (spec §4.10).
func (a *App) handleWS(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if a.bridge == nil {
		writeError(w, r, errx.Keyfront.New(errx.ServiceUnavailable).WithDetail("reason", "DOWNSTREAM_WS_URL not configured"))
		return
	}
	id := wsbridge.Identity{
		Sub:      sess.Sub,
		TenantID: sess.TenantID,
		Roles:    sess.Roles,
		TraceID:  traceIDFrom(r.Context()),
	}
	if err := a.bridge.Serve(w, r, id); err != nil {
		a.log.Info("ws bridge session ended", "sub", sess.Sub, "error", err.Error())
	}
}
