package gateway

import "net/http"

// routes registers the full HTTP surface of spec §6.4 behind the
// middleware chain. Enhanced http.ServeMux patterns (method + path
// wildcards) are used directly, as Go 1.22+ supports natively — no router
// dependency needed.
func (a *App) routes() {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", a.chain("health", a.handleLiveness))
	mux.HandleFunc("GET /api/health/live", a.chain("health_live", a.handleLiveness))
	mux.HandleFunc("GET /api/health/ready", a.chain("health_ready", a.handleReadiness))
	mux.HandleFunc("GET /api/health/detailed", a.chain("health_detailed", a.handleHealthDetailed))
	mux.HandleFunc("GET /api/metrics", a.chain("metrics", a.handleMetrics))

	mux.HandleFunc("GET /api/login", a.chain("login", a.handleLogin))
	mux.HandleFunc("GET /api/callback", a.chain("callback", a.handleCallback))
	mux.HandleFunc("POST /api/logout", a.chain("logout", a.requireSession(a.handleLogout)))
	mux.HandleFunc("GET /api/me", a.chain("me", a.requireSession(a.handleMe)))
	mux.HandleFunc("GET /api/csrf", a.chain("csrf", a.requireSession(a.handleCSRF)))

	mux.HandleFunc("GET /api/abac/policies", a.chain("abac_list", a.requireSession(a.handleABACList)))
	mux.HandleFunc("POST /api/abac/policies", a.chain("abac_create", a.requireSession(a.handleABACSave)))
	mux.HandleFunc("GET /api/abac/policies/{id}", a.chain("abac_get", a.requireSession(a.handleABACGet)))
	mux.HandleFunc("PUT /api/abac/policies/{id}", a.chain("abac_update", a.requireSession(a.handleABACSave)))
	mux.HandleFunc("DELETE /api/abac/policies/{id}", a.chain("abac_delete", a.requireSession(a.handleABACDelete)))

	mux.HandleFunc("GET /api/token-exchange/policies", a.chain("tx_list", a.requireSession(a.handleTokenExchangePolicyList)))
	mux.HandleFunc("POST /api/token-exchange/policies", a.chain("tx_create", a.requireSession(a.handleTokenExchangePolicySave)))
	mux.HandleFunc("GET /api/token-exchange/policies/{id}", a.chain("tx_get", a.requireSession(a.handleTokenExchangePolicyGet)))
	mux.HandleFunc("PUT /api/token-exchange/policies/{id}", a.chain("tx_update", a.requireSession(a.handleTokenExchangePolicySave)))
	mux.HandleFunc("DELETE /api/token-exchange/policies/{id}", a.chain("tx_delete", a.requireSession(a.handleTokenExchangePolicyDelete)))
	mux.HandleFunc("POST /api/token/exchange", a.chain("tx_exchange", a.requireSession(a.handleTokenExchange)))

	mux.HandleFunc("POST /api/logout/backchannel", a.chain("logout_backchannel", a.requireSession(a.handleBackchannelLogout)))
	mux.HandleFunc("GET /api/logout/backchannel/events", a.chain("logout_events", a.requireSession(a.handleBackchannelLogoutEvents)))

	mux.HandleFunc("GET /api/audit/logs", a.chain("audit_logs", a.requireSession(a.handleAuditLogs)))
	mux.HandleFunc("GET /api/audit/stats", a.chain("audit_stats", a.requireSession(a.handleAuditStats)))

	mux.HandleFunc("GET /api/tenants", a.chain("tenants_list", a.requireSession(a.handleTenantList)))
	mux.HandleFunc("POST /api/tenants", a.chain("tenants_create", a.requireSession(a.handleTenantSave)))
	mux.HandleFunc("GET /api/tenants/{id}", a.chain("tenants_get", a.requireSession(a.handleTenantGet)))
	mux.HandleFunc("PUT /api/tenants/{id}", a.chain("tenants_update", a.requireSession(a.handleTenantSave)))
	mux.HandleFunc("DELETE /api/tenants/{id}", a.chain("tenants_delete", a.requireSession(a.handleTenantDelete)))

	mux.HandleFunc("GET /api/ws", a.chain("ws", a.requireSession(a.handleWS)))
	mux.HandleFunc("/api/proxy/", a.chain("proxy", a.requireSession(a.handleProxy)))

	a.mux = mux
}
