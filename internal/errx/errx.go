// Package errx is keyfront's structured error type. Every subsystem raises
// errors through a Registry so that the wire taxonomy (spec §7) and the
// HTTP status each code maps to live in one place.
package errx

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Code is one of the wire-visible error codes from spec §7.
type Code string

const (
	Unauthorized        Code = "UNAUTHORIZED"
	SessionExpired      Code = "SESSION_EXPIRED"
	Forbidden           Code = "FORBIDDEN"
	TenantAccessDenied  Code = "TENANT_ACCESS_DENIED"
	CSRFNoSession       Code = "CSRF_NO_SESSION"
	CSRFMissingToken    Code = "CSRF_MISSING_TOKEN"
	CSRFInvalidToken    Code = "CSRF_INVALID_TOKEN"
	CORSForbidden       Code = "CORS_FORBIDDEN"
	RateLimitExceeded   Code = "RATE_LIMIT_EXCEEDED"
	ValidationFailed    Code = "VALIDATION_FAILED"
	SecurityThreat      Code = "SECURITY_THREAT_BLOCKED"
	OIDCInvalidToken    Code = "OIDC_INVALID_TOKEN"
	OIDCUnavailable     Code = "OIDC_UNAVAILABLE"
	OAuthStateInvalid   Code = "OAUTH_STATE_INVALID"
	ProxyTimeout        Code = "PROXY_TIMEOUT"
	ProxyFailed         Code = "PROXY_FAILED"
	PolicyNotFound      Code = "POLICY_NOT_FOUND"
	TenantNotFound      Code = "TENANT_NOT_FOUND"
	InternalError       Code = "INTERNAL_ERROR"
	ServiceUnavailable  Code = "SERVICE_UNAVAILABLE"
	SessionNotFound     Code = "SESSION_NOT_FOUND"
)

// Error is the one structured error type every middleware and handler
// emits. It implements error and carries everything spec §7's response
// envelope needs.
type Error struct {
	Code       Code           `json:"code"`
	Message    string         `json:"message"`
	HTTPStatus int            `json:"-"`
	TraceID    string         `json:"traceId,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Err        error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithDetail attaches a key/value detail and returns the error for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithTraceID stamps the per-request trace ID (spec §7 propagation policy).
func (e *Error) WithTraceID(traceID string) *Error {
	e.TraceID = traceID
	return e
}

// As reports whether err is (or wraps) an *Error and, if so, returns it.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

type entry struct {
	code       Code
	httpStatus int
	message    string
}

// Registry is a fixed catalog of error codes for one subsystem. keyfront
// uses a single registry (Keyfront, below) because spec §7 specifies one
// flat taxonomy, but the type stays generic so future subsystems (e.g. an
// admin-only error namespace) can register their own without touching
// this file — grounded on Abraxas-365-manifesto/pkg/errx's per-module
// registries.
type Registry struct {
	mu      sync.RWMutex
	entries map[Code]entry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Code]entry)}
}

// Register adds code to the registry. It panics on duplicate registration
// since that is a programming error caught at package init, not runtime.
func (r *Registry) Register(code Code, httpStatus int, message string) Code {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[code]; exists {
		panic(fmt.Sprintf("errx: code %q already registered", code))
	}
	r.entries[code] = entry{code: code, httpStatus: httpStatus, message: message}
	return code
}

// New builds an *Error from a registered code, using its default message.
func (r *Registry) New(code Code) *Error {
	return r.NewWithMessage(code, "")
}

// NewWithMessage builds an *Error from a registered code, overriding the
// default message when msg is non-empty.
func (r *Registry) NewWithMessage(code Code, msg string) *Error {
	r.mu.RLock()
	e, ok := r.entries[code]
	r.mu.RUnlock()
	if !ok {
		// Unregistered code: treat as internal error rather than panicking
		// at request time — a bug report, not a crash.
		return &Error{Code: InternalError, Message: "unregistered error code: " + string(code), HTTPStatus: 500}
	}
	message := e.message
	if msg != "" {
		message = msg
	}
	return &Error{Code: e.code, Message: message, HTTPStatus: e.httpStatus}
}

// Wrap builds an *Error from a registered code, attaching cause as the
// underlying error (not serialized to clients, recorded for operators).
func (r *Registry) Wrap(code Code, cause error) *Error {
	e := r.New(code)
	e.Err = cause
	return e
}

// Keyfront is the single error registry for this gateway: spec §7's flat
// taxonomy, one entry per code, with the HTTP status each maps to.
var Keyfront = NewRegistry()

func init() {
	Keyfront.Register(Unauthorized, 401, "authentication required")
	Keyfront.Register(SessionExpired, 401, "session has expired")
	Keyfront.Register(SessionNotFound, 404, "session not found")
	Keyfront.Register(Forbidden, 403, "access denied")
	Keyfront.Register(TenantAccessDenied, 403, "tenant access denied")
	Keyfront.Register(CSRFNoSession, 403, "no session for CSRF validation")
	Keyfront.Register(CSRFMissingToken, 403, "CSRF token missing")
	Keyfront.Register(CSRFInvalidToken, 403, "CSRF token invalid")
	Keyfront.Register(CORSForbidden, 403, "origin not allowed")
	Keyfront.Register(RateLimitExceeded, 429, "rate limit exceeded")
	Keyfront.Register(ValidationFailed, 400, "request validation failed")
	Keyfront.Register(SecurityThreat, 403, "request blocked by security scanner")
	Keyfront.Register(OIDCInvalidToken, 401, "identity token invalid")
	Keyfront.Register(OIDCUnavailable, 502, "identity provider unavailable")
	Keyfront.Register(OAuthStateInvalid, 400, "OAuth state invalid or expired")
	Keyfront.Register(ProxyTimeout, 504, "downstream request timed out")
	Keyfront.Register(ProxyFailed, 502, "downstream request failed")
	Keyfront.Register(PolicyNotFound, 404, "policy not found")
	Keyfront.Register(TenantNotFound, 404, "tenant not found")
	Keyfront.Register(InternalError, 500, "internal error")
	Keyfront.Register(ServiceUnavailable, 503, "service unavailable")
}

// Envelope is the response body shape of spec §6.4/§7.
type Envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// MarshalJSON keeps Error's Code/Message/Details but never leaks Err.
func (e *Error) MarshalJSON() ([]byte, error) {
	type alias Error
	return json.Marshal(&struct{ *alias }{(*alias)(e)})
}
