package gateway

import (
	"net/http"
	"strconv"

	"keyfront/internal/abac"
	"keyfront/internal/errx"
	"keyfront/internal/logout"
	"keyfront/internal/session"
	"keyfront/internal/tenant"
	"keyfront/internal/tokenexchange"
)

// requireAdmin reports whether sess carries the "admin" role, gating the
// policy/tenant/audit admin surface (spec §6.4's CRUD endpoints are
// operator-facing, not end-user-facing).
func requireAdmin(sess *session.Session) error {
	for _, role := range sess.Roles {
		if role == "admin" {
			return nil
		}
	}
	return errx.Keyfront.New(errx.Forbidden).WithDetail("reason", "admin role required")
}

// --- ABAC policy CRUD (spec §6.4 `CRUD /api/abac/policies[/{id}]`) ---

func (a *App) handleABACList(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if err := requireAdmin(sess); err != nil {
		writeError(w, r, err)
		return
	}
	policies, err := a.abac.ListAllPolicies(r.Context(), sess.TenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, policies)
}

func (a *App) handleABACGet(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if err := requireAdmin(sess); err != nil {
		writeError(w, r, err)
		return
	}
	pol, err := a.abac.GetPolicy(r.Context(), sess.TenantID, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, pol)
}

func (a *App) handleABACSave(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if err := requireAdmin(sess); err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.requireCSRF(w, sess, r); err != nil {
		writeError(w, r, err)
		return
	}
	var pol abac.Policy
	if err := decodeJSON(r, &pol); err != nil {
		writeError(w, r, err)
		return
	}
	pol.TenantID = sess.TenantID
	if id := r.PathValue("id"); id != "" {
		pol.ID = id
	}
	if err := a.abac.SavePolicy(r.Context(), pol); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, pol)
}

func (a *App) handleABACDelete(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if err := requireAdmin(sess); err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.requireCSRF(w, sess, r); err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.abac.DeletePolicy(r.Context(), sess.TenantID, r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]bool{"deleted": true})
}

// --- Token exchange policy CRUD + exchange endpoint ---

func (a *App) handleTokenExchangePolicyList(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if err := requireAdmin(sess); err != nil {
		writeError(w, r, err)
		return
	}
	policies, err := a.exchange.ListPolicies(r.Context(), sess.TenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, policies)
}

func (a *App) handleTokenExchangePolicyGet(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if err := requireAdmin(sess); err != nil {
		writeError(w, r, err)
		return
	}
	pol, err := a.exchange.GetPolicy(r.Context(), sess.TenantID, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, pol)
}

func (a *App) handleTokenExchangePolicySave(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if err := requireAdmin(sess); err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.requireCSRF(w, sess, r); err != nil {
		writeError(w, r, err)
		return
	}
	var pol tokenexchange.Policy
	if err := decodeJSON(r, &pol); err != nil {
		writeError(w, r, err)
		return
	}
	pol.TenantID = sess.TenantID
	if id := r.PathValue("id"); id != "" {
		pol.ID = id
	}
	if err := a.exchange.SavePolicy(r.Context(), pol); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, pol)
}

func (a *App) handleTokenExchangePolicyDelete(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if err := requireAdmin(sess); err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.requireCSRF(w, sess, r); err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.exchange.DeletePolicy(r.Context(), sess.TenantID, r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]bool{"deleted": true})
}

// handleTokenExchange runs an RFC 8693 exchange for the caller's own
// access token (spec §4.7); the subject token is always the caller's own
// session, never a token supplied in the request body, so a compromised
// client can't mint tokens for an arbitrary subject.
func (a *App) handleTokenExchange(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if err := a.requireCSRF(w, sess, r); err != nil {
		writeError(w, r, err)
		return
	}
	var body struct {
		Audience       []string `json:"audience"`
		RequestedScope []string `json:"requestedScope"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	req := tokenexchange.Request{
		SubjectToken: tokenexchange.SubjectToken{
			Sub: sess.Sub, TenantID: sess.TenantID, Scope: sess.Permissions,
			Type: tokenexchange.TokenTypeAccessToken,
		},
		SubjectTokenType: tokenexchange.TokenTypeAccessToken,
		Audience:         body.Audience,
		RequestedScope:   body.RequestedScope,
	}
	res, err := a.exchange.Exchange(r.Context(), sess.TenantID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// --- Back-channel logout ---

func (a *App) handleBackchannelLogout(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if err := a.requireCSRF(w, sess, r); err != nil {
		writeError(w, r, err)
		return
	}
	var body struct {
		Reason logout.Reason `json:"reason"`
	}
	_ = decodeJSON(r, &body)
	if body.Reason == "" {
		body.Reason = logout.ReasonUserAction
	}
	outcome, err := a.logout.Terminate(r.Context(), sess.TenantID, sess.SID, body.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, outcome)
}

func (a *App) handleBackchannelLogoutEvents(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if err := requireAdmin(sess); err != nil {
		writeError(w, r, err)
		return
	}
	events := a.audit.Recent(100)
	out := make([]any, 0, len(events))
	for _, e := range events {
		if e.ResourceType == "session" && e.Action == "logout.terminate" {
			out = append(out, e)
		}
	}
	writeJSON(w, r, http.StatusOK, out)
}

// --- Audit ---

func (a *App) handleAuditLogs(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if err := requireAdmin(sess); err != nil {
		writeError(w, r, err)
		return
	}
	n := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			n = parsed
		}
	}
	writeJSON(w, r, http.StatusOK, a.audit.Recent(n))
}

func (a *App) handleAuditStats(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if err := requireAdmin(sess); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, a.audit.Stats())
}

// --- Tenant CRUD ---

func (a *App) handleTenantList(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if err := requireAdmin(sess); err != nil {
		writeError(w, r, err)
		return
	}
	tenants, err := a.tenants.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, tenants)
}

func (a *App) handleTenantGet(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if err := requireAdmin(sess); err != nil {
		writeError(w, r, err)
		return
	}
	t, err := a.tenants.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, t)
}

func (a *App) handleTenantSave(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if err := requireAdmin(sess); err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.requireCSRF(w, sess, r); err != nil {
		writeError(w, r, err)
		return
	}
	var t tenant.Tenant
	if err := decodeJSON(r, &t); err != nil {
		writeError(w, r, err)
		return
	}
	if id := r.PathValue("id"); id != "" {
		t.ID = id
	}
	if err := a.tenants.Save(r.Context(), t); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, t)
}

func (a *App) handleTenantDelete(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if err := requireAdmin(sess); err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.requireCSRF(w, sess, r); err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.tenants.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]bool{"deleted": true})
}
