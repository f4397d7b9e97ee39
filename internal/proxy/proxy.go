// Package proxy implements spec §4.9: a reverse HTTP proxy that maps
// /api/proxy/{path} to a downstream service, strips hop-by-hop and
// sensitive client headers, injects identity headers, retries
// idempotent-safe failures with linear backoff, and streams the response
// without buffering. Generalizes the teacher's pkg/gateway/proxy.go
// ServeWS (kept, header-injecting variant — see wsbridge), which is
// adapted there rather than here; this file adds the HTTP-only path the
// teacher never had.
package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"keyfront/internal/errx"
)

// hopByHopHeaders are stripped from both the outbound request and the
// inbound response (spec §4.9).
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding", "Upgrade",
}

// sensitiveClientHeaders never reach the downstream service; the
// gateway re-derives and injects its own versions instead.
var sensitiveClientHeaders = []string{
	"Cookie", "Authorization", "X-Forwarded-For", "X-Forwarded-Host",
	"X-Forwarded-Proto", "Host",
}

// Identity is what Forward injects into the downstream request so the
// backend can trust the gateway's authentication decision.
type Identity struct {
	AccessToken string
	TenantID    string
	UserID      string
	Roles       []string
	TraceID     string
}

// Options configures a Proxy instance.
type Options struct {
	DownstreamBase string        // e.g. "https://backend.internal"
	Timeout        time.Duration // default 30s
	Retries        int           // default 3
	RetryDelay     time.Duration // linear backoff unit; default 200ms
	Client         *http.Client
}

// Proxy forwards HTTP requests to a single downstream base URL.
type Proxy struct {
	base       string
	timeout    time.Duration
	retries    int
	retryDelay time.Duration
	client     *http.Client
	log        logr.Logger
}

// New constructs a Proxy from opts, defaulting timeout/retries/backoff
// per spec §4.9.
func New(opts Options, log logr.Logger) *Proxy {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retries := opts.Retries
	if retries <= 0 {
		retries = 3
	}
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	return &Proxy{
		base: strings.TrimSuffix(opts.DownstreamBase, "/"), timeout: timeout,
		retries: retries, retryDelay: delay, client: client, log: log,
	}
}

// isIdempotent reports whether method is retried at all. Any other
// method (POST, PATCH, ...) gets a single attempt, so it is not retried
// even after a transport error.
func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	default:
		return false
	}
}

// Forward maps path (the part of the URL after /api/proxy/) to
// {downstreamBase}/api/v1/{path}, preserving method, query, and
// streaming body, and writes the downstream response (or a
// PROXY_TIMEOUT/PROXY_FAILED error) to w.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, path string, id Identity) {
	targetURL := p.base + "/api/v1/" + strings.TrimPrefix(path, "/")
	if r.URL.RawQuery != "" {
		targetURL += "?" + r.URL.RawQuery
	}

	ctx, cancel := context.WithTimeout(r.Context(), p.timeout)
	defer cancel()

	var lastErr error
	attempts := p.retries
	if !isIdempotent(r.Method) {
		attempts = 1
	}

	var bodyBytes []byte
	if attempts > 1 && r.Body != nil && r.Body != http.NoBody {
		// A retried request needs to re-send its body; buffering trades the
		// "never buffer" goal for request bodies only, and only when a
		// retry is actually possible (idempotent methods, attempts > 1).
		bodyBytes, lastErr = io.ReadAll(r.Body)
		if lastErr != nil {
			writeProxyError(w, errx.Keyfront.Wrap(errx.ProxyFailed, lastErr))
			return
		}
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if bodyBytes != nil {
			r.Body = io.NopCloser(bytesReader(bodyBytes))
		}
		resp, err := p.attempt(ctx, r, targetURL, id)
		if err == nil {
			p.relay(w, resp)
			return
		}
		lastErr = err
		if !shouldRetry(err, resp) || attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			writeProxyError(w, errx.Keyfront.New(errx.ProxyTimeout))
			return
		case <-time.After(p.retryDelay * time.Duration(attempt)):
		}
	}

	if ctx.Err() != nil {
		writeProxyError(w, errx.Keyfront.Wrap(errx.ProxyTimeout, lastErr))
		return
	}
	writeProxyError(w, errx.Keyfront.Wrap(errx.ProxyFailed, lastErr))
}

type retryableError struct {
	status int
	err    error
}

func (e *retryableError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return http.StatusText(e.status)
}

func shouldRetry(err error, resp *http.Response) bool {
	if resp == nil {
		return true // connect/transport error
	}
	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func (p *Proxy) attempt(ctx context.Context, r *http.Request, targetURL string, id Identity) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, r.Method, targetURL, r.Body)
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, r.Header)
	stripHeaders(req.Header, hopByHopHeaders)
	stripHeaders(req.Header, sensitiveClientHeaders)
	injectIdentity(req.Header, id)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusServiceUnavailable ||
		resp.StatusCode == http.StatusGatewayTimeout {
		return resp, &retryableError{status: resp.StatusCode}
	}
	return resp, nil
}

func (p *Proxy) relay(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()
	stripHeaders(resp.Header, hopByHopHeaders)
	for k, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body) // streamed, never buffered in full
}

func bytesReader(b []byte) *bytes.Reader { return bytes.NewReader(b) }

func copyHeaders(dst, src http.Header) {
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}

func stripHeaders(h http.Header, names []string) {
	for _, name := range names {
		h.Del(name)
	}
}

func injectIdentity(h http.Header, id Identity) {
	if id.AccessToken != "" {
		h.Set("Authorization", "Bearer "+id.AccessToken)
	}
	h.Set("X-Tenant-ID", id.TenantID)
	h.Set("X-User-ID", id.UserID)
	h.Set("X-User-Roles", strings.Join(id.Roles, ","))
	h.Set("X-Trace-ID", id.TraceID)
	h.Set("X-Keyfront-Gateway", "true")
}

func writeProxyError(w http.ResponseWriter, e *errx.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus)
	_, _ = w.Write([]byte(`{"success":false,"error":{"code":"` + string(e.Code) + `","message":"` + e.Message + `"}}`))
}
