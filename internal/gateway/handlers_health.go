package gateway

import "net/http"

// handleLiveness backs both GET /api/health and GET /api/health/live
// (spec §6.4): the process is up, regardless of dependency health.
func (a *App) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadiness backs GET /api/health/ready: the process can actually
// serve traffic, i.e. its KV store dependency answers.
func (a *App) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if _, err := a.kv.Exists(r.Context(), "keyfront:readyz"); err != nil {
		writeJSON(w, r, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "reason": "kv store unreachable"})
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// handleHealthDetailed backs GET /api/health/detailed: a per-component
// breakdown, not just the overall up/down of live and ready.
func (a *App) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	components := map[string]string{"kv": "ok"}
	status := http.StatusOK
	if _, err := a.kv.Exists(r.Context(), "keyfront:readyz"); err != nil {
		components["kv"] = "unreachable"
		status = http.StatusServiceUnavailable
	}
	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	writeJSON(w, r, status, map[string]any{"status": overall, "components": components})
}

func (a *App) handleMetrics(w http.ResponseWriter, r *http.Request) {
	a.metric.Handler().ServeHTTP(w, r)
}
