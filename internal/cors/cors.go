// Package cors implements spec §4.5: per-tenant origin allowlists plus a
// global CORS_ORIGINS fallback, preflight header intersection, and the
// never-wildcard-with-credentials rule.
package cors

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
)

// Manager decides CORS headers per tenant.
type Manager struct {
	// GlobalOrigins is parsed from CORS_ORIGINS: "*" (allow-all),
	// "false" (deny-all fallback), or a CSV allowlist.
	GlobalOrigins []string
	AllowAll      bool
	DenyAll       bool
	// TenantOrigins overrides GlobalOrigins for a known tenant. Mutated
	// at runtime by the tenant admin CRUD handler, so reads/writes go
	// through mu (spec §5 shared-resource policy).
	TenantOrigins map[string][]string
	// Dev allows localhost/127.0.0.1 on any port, regardless of allowlist.
	Dev bool
	// MaxAge for preflight caching, in seconds.
	MaxAge int

	mu sync.RWMutex
}

// SetTenantOrigins installs tenantID's allowlist at runtime, e.g. when an
// admin updates a tenant's CORS configuration (spec §6.4 tenant CRUD).
func (m *Manager) SetTenantOrigins(tenantID string, origins []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TenantOrigins == nil {
		m.TenantOrigins = make(map[string][]string)
	}
	m.TenantOrigins[tenantID] = origins
}

// DeleteTenantOrigins removes a tenant's override, reverting it to the
// global fallback policy.
func (m *Manager) DeleteTenantOrigins(tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.TenantOrigins, tenantID)
}

// ParseGlobalOrigins interprets the CORS_ORIGINS env value.
func ParseGlobalOrigins(raw string) (origins []string, allowAll, denyAll bool) {
	switch strings.TrimSpace(raw) {
	case "*":
		return nil, true, false
	case "false", "":
		return nil, false, true
	default:
		parts := strings.Split(raw, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, false, false
	}
}

func isLocalDev(origin string) bool {
	for _, host := range []string{"http://localhost", "https://localhost", "http://127.0.0.1", "https://127.0.0.1"} {
		if origin == host || strings.HasPrefix(origin, host+":") {
			return true
		}
	}
	return false
}

// allowed reports whether origin is permitted for tenantID.
func (m *Manager) allowed(origin, tenantID string) bool {
	if origin == "" {
		return false
	}
	if m.Dev && isLocalDev(origin) {
		return true
	}
	list := m.GlobalOrigins
	allowAll := m.AllowAll
	denyAll := m.DenyAll
	if tenantID != "" {
		m.mu.RLock()
		tenantList, ok := m.TenantOrigins[tenantID]
		m.mu.RUnlock()
		if ok {
			list = tenantList
			allowAll, denyAll = false, false
		}
	}
	if denyAll {
		return false
	}
	if allowAll {
		return true
	}
	for _, o := range list {
		if o == origin {
			return true
		}
	}
	return false
}

// Handle applies CORS headers to w for request r scoped to tenantID, and
// reports whether this was a preflight request that has now been fully
// answered (caller should not invoke the next handler).
func (m *Manager) Handle(w http.ResponseWriter, r *http.Request, tenantID string) (preflightHandled bool) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	if !m.allowed(origin, tenantID) {
		// Not an allowed origin: omit CORS headers entirely so the
		// browser enforces same-origin; this is not a hard error for
		// non-CORS callers, only for cross-origin ones.
		return r.Method == http.MethodOptions
	}

	// Credentialed requests must never echo "*" (spec §4.5).
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Access-Control-Allow-Credentials", "true")

	if r.Method != http.MethodOptions {
		return false
	}

	requestedHeaders := r.Header.Get("Access-Control-Request-Headers")
	if requestedHeaders != "" {
		w.Header().Set("Access-Control-Allow-Headers", intersectHeaders(requestedHeaders))
	}
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
	if m.MaxAge > 0 {
		w.Header().Set("Access-Control-Max-Age", strconv.Itoa(m.MaxAge))
	}
	w.WriteHeader(http.StatusNoContent)
	return true
}

// allowedRequestHeaders is the fixed set of headers the gateway accepts
// in a preflight request.
var allowedRequestHeaders = map[string]bool{
	"content-type":  true,
	"authorization": true,
	"x-csrf-token":  true,
	"x-requested-with": true,
}

// intersectHeaders echoes only the requested headers this gateway allows.
func intersectHeaders(requested string) string {
	var out []string
	for _, h := range strings.Split(requested, ",") {
		h = strings.TrimSpace(h)
		if allowedRequestHeaders[strings.ToLower(h)] {
			out = append(out, h)
		}
	}
	return strings.Join(out, ", ")
}
