// Package wsbridge implements spec §4.10: one upstream WebSocket per
// authenticated client, multiplexed onto a lazily-created downstream
// WebSocket for that session, with a JSON control protocol
// (welcome/subscribe/unsubscribe/proxy/downstream/ping/pong/error),
// channel pub/sub permissioning, and per-user/tenant connection caps.
//
// Built on the teacher's pkg/gateway/proxy.go ServeWS (the dual-goroutine
// copyFrames pump and upgrader shape are kept), generalized from a single
// raw tunnel into framed pub/sub multiplexing over the identity-injecting
// downstream dial this gateway needs instead of a raw pod tunnel.
package wsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"keyfront/internal/errx"
	"keyfront/internal/ratelimit"
	"keyfront/internal/telemetry"
)

// FrameType enumerates the control protocol's closed set of frame types
// (spec §4.10 table).
type FrameType string

const (
	FrameWelcome     FrameType = "welcome"
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FrameProxy       FrameType = "proxy"
	FrameDownstream  FrameType = "downstream"
	FramePing        FrameType = "ping"
	FramePong        FrameType = "pong"
	FrameError       FrameType = "error"
)

// Frame is the wire shape of every control-protocol message.
type Frame struct {
	Type         FrameType       `json:"type"`
	Channel      string          `json:"channel,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ConnectionID string          `json:"connectionId,omitempty"`
	ServerTime   int64           `json:"serverTime,omitempty"`
	User         any             `json:"user,omitempty"`
	Code         string          `json:"code,omitempty"`
	Message      string          `json:"message,omitempty"`
	Timestamp    int64           `json:"timestamp,omitempty"`
}

const (
	pingInterval    = 30 * time.Second
	idleTimeout     = 5 * time.Minute
	writeWait       = 10 * time.Second
	sendBufferSize  = 64
	dialTimeout     = 10 * time.Second
	reaperInterval  = 30 * time.Second
	proxyRateWindow = time.Minute
	proxyRateMax    = 120
)

var upgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	// Origin is checked by the CORS/session middleware upstream of the
	// handshake, not here.
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// Identity carries the authenticated caller's attributes into the bridge,
// mirroring proxy.Identity so the same session produces the same
// downstream headers on both the HTTP and WebSocket paths.
type Identity struct {
	Sub      string
	TenantID string
	Roles    []string
	TraceID  string
}

// DialDownstream opens the per-session downstream WebSocket. The bridge
// calls it lazily, on the first "proxy" frame, not at connection time.
type DialDownstream func(ctx context.Context, id Identity) (*websocket.Conn, error)

// Config configures a Bridge.
type Config struct {
	MaxUserConnections   int
	MaxTenantConnections int
	Dial                 DialDownstream
}

// conn is one upstream client's bridge state.
type conn struct {
	id       string
	identity Identity

	ws   *websocket.Conn
	send chan []byte

	mu         sync.Mutex
	channels   map[string]bool
	downstream *websocket.Conn
	dsOnce     sync.Once
	dsErr      error

	lastActivity time.Time
	closed       bool
}

// Bridge owns the in-process connection and channel-subscription
// registries (spec §5 "Shared-resource policy"): a single mutex guards
// both maps, all mutations go through Bridge's methods, and reads during
// snapshot (e.g. Publish) take the same lock rather than a read copy,
// since registries are small and held briefly.
type Bridge struct {
	cfg Config
	log logr.Logger

	limiter *ratelimit.Limiter
	metric  *telemetry.Sink

	mu            sync.Mutex
	connsByUser   map[string]map[string]*conn // tenantID:sub -> connID -> conn
	connsByTenant map[string]map[string]*conn // tenantID -> connID -> conn
	conns         map[string]*conn
	channelSubs   map[string]map[string]*conn // channel -> connID -> conn

	stop chan struct{}
}

// New builds a Bridge and starts its idle-reaper goroutine. Call Close to
// stop the reaper during application shutdown.
func New(cfg Config, limiter *ratelimit.Limiter, metric *telemetry.Sink, log logr.Logger) *Bridge {
	if cfg.MaxUserConnections <= 0 {
		cfg.MaxUserConnections = 5
	}
	if cfg.MaxTenantConnections <= 0 {
		cfg.MaxTenantConnections = 100
	}
	b := &Bridge{
		cfg:           cfg,
		log:           log,
		limiter:       limiter,
		metric:        metric,
		connsByUser:   make(map[string]map[string]*conn),
		connsByTenant: make(map[string]map[string]*conn),
		conns:         make(map[string]*conn),
		channelSubs:   make(map[string]map[string]*conn),
		stop:          make(chan struct{}),
	}
	go b.reapLoop()
	return b
}

// Close stops the idle reaper. Open connections are left to close
// naturally as their client goes away; callers shut the HTTP server down
// around this.
func (b *Bridge) Close() { close(b.stop) }

func userKey(id Identity) string   { return id.TenantID + ":" + id.Sub }
func tenantKey(id Identity) string { return id.TenantID }

// checkConnectionLimit enforces the per-user and per-tenant caps (spec
// §4.10 "admitted only if checkConnectionLimit passes").
func (b *Bridge) checkConnectionLimit(id Identity) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.connsByUser[userKey(id)]) >= b.cfg.MaxUserConnections {
		return false
	}
	if len(b.connsByTenant[tenantKey(id)]) >= b.cfg.MaxTenantConnections {
		return false
	}
	return true
}

func (b *Bridge) register(c *conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[c.id] = c
	uk, tk := userKey(c.identity), tenantKey(c.identity)
	if b.connsByUser[uk] == nil {
		b.connsByUser[uk] = make(map[string]*conn)
	}
	b.connsByUser[uk][c.id] = c
	if b.connsByTenant[tk] == nil {
		b.connsByTenant[tk] = make(map[string]*conn)
	}
	b.connsByTenant[tk][c.id] = c
	if b.metric != nil {
		b.metric.WSConnections.WithLabelValues(c.identity.TenantID).Inc()
	}
}

// unregister removes c from every registry it appears in (spec §4.10 "On
// disconnect, remove from all channel maps and close the downstream WS").
func (b *Bridge) unregister(c *conn) {
	b.mu.Lock()
	delete(b.conns, c.id)
	delete(b.connsByUser[userKey(c.identity)], c.id)
	delete(b.connsByTenant[tenantKey(c.identity)], c.id)
	for ch := range c.channels {
		delete(b.channelSubs[ch], c.id)
		if len(b.channelSubs[ch]) == 0 {
			delete(b.channelSubs, ch)
		}
	}
	b.mu.Unlock()

	if b.metric != nil {
		b.metric.WSConnections.WithLabelValues(c.identity.TenantID).Dec()
	}
	c.mu.Lock()
	ds := c.downstream
	c.closed = true
	c.mu.Unlock()
	if ds != nil {
		_ = ds.Close()
	}
}

func (b *Bridge) subscribe(c *conn, channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.channelSubs[channel] == nil {
		b.channelSubs[channel] = make(map[string]*conn)
	}
	b.channelSubs[channel][c.id] = c
	c.mu.Lock()
	c.channels[channel] = true
	c.mu.Unlock()
}

func (b *Bridge) unsubscribe(c *conn, channel string) {
	b.mu.Lock()
	delete(b.channelSubs[channel], c.id)
	b.mu.Unlock()
	c.mu.Lock()
	delete(c.channels, channel)
	c.mu.Unlock()
}

// Publish fans a frame out to every connection subscribed to channel.
// Exposed so other components (e.g. back-channel logout) can push
// server-initiated notices onto the bridge.
func (b *Bridge) Publish(channel string, f Frame) {
	b.mu.Lock()
	subs := make([]*conn, 0, len(b.channelSubs[channel]))
	for _, c := range b.channelSubs[channel] {
		subs = append(subs, c)
	}
	b.mu.Unlock()
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	for _, c := range subs {
		c.enqueue(data)
	}
}

// channelAllowed implements spec §4.10's channel permission rules:
// tenant:{tenantId}:* for own tenant, user:{sub} for self, admin:* for
// ADMIN role, public:* for anyone.
func channelAllowed(id Identity, channel string) bool {
	switch {
	case channel == "user:"+id.Sub:
		return true
	case hasPrefix(channel, "tenant:"+id.TenantID+":"):
		return true
	case hasPrefix(channel, "admin:"):
		return hasRole(id.Roles, "ADMIN")
	case hasPrefix(channel, "public:"):
		return true
	default:
		return false
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func hasRole(roles []string, want string) bool {
	for _, r := range roles {
		if r == want {
			return true
		}
	}
	return false
}

// enqueue drops a frame onto the connection's outbound buffer. If the
// buffer is full the writer is stuck (spec §5 back-pressure policy), so
// the connection is closed with 1011 rather than blocking the caller.
func (c *conn) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		c.closeWithPolicyViolation()
	}
}

func (c *conn) closeWithPolicyViolation() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "backpressure"),
		time.Now().Add(writeWait))
	_ = c.ws.Close()
}

// Serve upgrades r to a WebSocket, admits it if under the connection
// caps, and runs its read/write pumps until the client disconnects. It
// blocks for the lifetime of the connection.
func (b *Bridge) Serve(w http.ResponseWriter, r *http.Request, id Identity) error {
	if !b.checkConnectionLimit(id) {
		writeErrBeforeUpgrade(w, errx.Keyfront.New(errx.ServiceUnavailable).WithDetail("reason", "connection limit reached"))
		return fmt.Errorf("wsbridge: connection limit reached for %s", userKey(id))
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("wsbridge: upgrade: %w", err)
	}

	c := &conn{
		id:           uuid.NewString(),
		identity:     id,
		ws:           ws,
		send:         make(chan []byte, sendBufferSize),
		channels:     make(map[string]bool),
		lastActivity: time.Now(),
	}
	b.register(c)
	defer b.unregister(c)

	welcome, _ := json.Marshal(Frame{
		Type:         FrameWelcome,
		ConnectionID: c.id,
		ServerTime:   time.Now().UnixMilli(),
		User:         map[string]any{"sub": id.Sub, "tenantId": id.TenantID, "roles": id.Roles},
	})
	c.send <- welcome

	done := make(chan struct{})
	go b.writePump(c, done)
	b.readPump(r.Context(), c)
	close(done)
	return nil
}

func writeErrBeforeUpgrade(w http.ResponseWriter, e *errx.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus)
	_ = json.NewEncoder(w).Encode(errx.Envelope{Success: false, Error: e})
}

func (b *Bridge) writePump(c *conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (b *Bridge) readPump(ctx context.Context, c *conn) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.mu.Lock()
		c.lastActivity = time.Now()
		c.mu.Unlock()

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			b.sendError(c, "INVALID_FRAME", "could not parse frame")
			continue
		}
		b.handleFrame(ctx, c, f)
	}
}

func (b *Bridge) handleFrame(ctx context.Context, c *conn, f Frame) {
	switch f.Type {
	case FrameSubscribe:
		if !channelAllowed(c.identity, f.Channel) {
			b.sendError(c, "FORBIDDEN", "not permitted to subscribe to "+f.Channel)
			return
		}
		b.subscribe(c, f.Channel)
	case FrameUnsubscribe:
		b.unsubscribe(c, f.Channel)
	case FramePong:
		// lastActivity already bumped above; nothing further to do.
	case FrameProxy:
		b.handleProxyFrame(ctx, c, f)
	default:
		b.sendError(c, "UNKNOWN_FRAME_TYPE", string(f.Type))
	}
}

func (b *Bridge) sendError(c *conn, code, message string) {
	data, _ := json.Marshal(Frame{Type: FrameError, Code: code, Message: message, Timestamp: time.Now().UnixMilli()})
	c.enqueue(data)
}

// handleProxyFrame forwards a "proxy" frame's payload to the downstream
// WebSocket for this session, dialing it lazily on first use, and is
// rate-limited per user (spec §4.10).
func (b *Bridge) handleProxyFrame(ctx context.Context, c *conn, f Frame) {
	if b.limiter != nil {
		key := ratelimit.PerUser(c.identity.TenantID, c.identity.Sub)
		res := b.limiter.Check(ctx, "ws:"+key, proxyRateWindow, proxyRateMax)
		if !res.Allowed {
			b.sendError(c, "RATE_LIMIT_EXCEEDED", "proxy frame rate limit exceeded")
			return
		}
	}

	ds, err := b.downstreamFor(ctx, c)
	if err != nil {
		b.sendError(c, "PROXY_FAILED", err.Error())
		return
	}
	if err := ds.WriteMessage(websocket.TextMessage, f.Payload); err != nil {
		b.sendError(c, "PROXY_FAILED", "downstream write failed")
	}
}

// downstreamFor returns this connection's downstream WebSocket, dialing
// it on first use and starting a goroutine that relays downstream frames
// back to the client as "downstream" frames.
func (b *Bridge) downstreamFor(ctx context.Context, c *conn) (*websocket.Conn, error) {
	c.dsOnce.Do(func() {
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		ds, err := b.cfg.Dial(dialCtx, c.identity)
		if err != nil {
			c.dsErr = err
			return
		}
		c.mu.Lock()
		c.downstream = ds
		c.mu.Unlock()
		go b.pumpDownstream(c, ds)
	})
	c.mu.Lock()
	ds, dsErr := c.downstream, c.dsErr
	c.mu.Unlock()
	if dsErr != nil {
		return nil, dsErr
	}
	return ds, nil
}

// pumpDownstream relays frames from the downstream WebSocket to the
// client as "downstream" frames until either side closes.
func (b *Bridge) pumpDownstream(c *conn, ds *websocket.Conn) {
	for {
		_, data, err := ds.ReadMessage()
		if err != nil {
			return
		}
		frame, _ := json.Marshal(Frame{Type: FrameDownstream, Payload: data, Timestamp: time.Now().UnixMilli()})
		c.enqueue(frame)
	}
}

// reapLoop closes connections idle beyond idleTimeout (spec §4.10).
func (b *Bridge) reapLoop() {
	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.reapIdle()
		}
	}
}

func (b *Bridge) reapIdle() {
	b.mu.Lock()
	var stale []*conn
	now := time.Now()
	for _, c := range b.conns {
		c.mu.Lock()
		idle := now.Sub(c.lastActivity)
		c.mu.Unlock()
		if idle > idleTimeout {
			stale = append(stale, c)
		}
	}
	b.mu.Unlock()

	for _, c := range stale {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(4401, "idle timeout"),
			time.Now().Add(writeWait))
		_ = c.ws.Close()
	}
}

// CloseSessions closes every bridge connection belonging to tenantID+sub,
// with close code 4401 (spec §4.8 "cascades to related WebSocket
// connections (which are closed with 4401)"). Used by back-channel
// logout.
func (b *Bridge) CloseSessions(tenantID, sub string) int {
	b.mu.Lock()
	conns := make([]*conn, 0, len(b.connsByUser[tenantID+":"+sub]))
	for _, c := range b.connsByUser[tenantID+":"+sub] {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(4401, "session terminated"),
			time.Now().Add(writeWait))
		_ = c.ws.Close()
	}
	return len(conns)
}

// downstreamDialerFromBase builds a DialDownstream that dials a fixed
// downstream WS base URL, injecting identity headers exactly as
// internal/proxy.Forward does for HTTP (spec §4.9's header set, applied
// to the WS handshake instead of a plain request).
func downstreamDialerFromBase(baseURL string, accessTokenFor func(id Identity) (string, error)) DialDownstream {
	return func(ctx context.Context, id Identity) (*websocket.Conn, error) {
		header := http.Header{}
		if accessTokenFor != nil {
			tok, err := accessTokenFor(id)
			if err != nil {
				return nil, err
			}
			header.Set("Authorization", "Bearer "+tok)
		}
		header.Set("X-Tenant-ID", id.TenantID)
		header.Set("X-User-ID", id.Sub)
		header.Set("X-Trace-ID", id.TraceID)
		header.Set("X-Keyfront-Gateway", "true")

		dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
		conn, _, err := dialer.DialContext(ctx, baseURL, header)
		return conn, err
	}
}

// NewDownstreamDialer exposes downstreamDialerFromBase for use by the
// gateway package's wiring code (gateway.New).
func NewDownstreamDialer(baseURL string, accessTokenFor func(id Identity) (string, error)) DialDownstream {
	return downstreamDialerFromBase(baseURL, accessTokenFor)
}
