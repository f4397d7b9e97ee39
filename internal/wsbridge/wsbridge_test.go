package wsbridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
)

func TestChannelAllowed(t *testing.T) {
	id := Identity{Sub: "user123", TenantID: "t1", Roles: []string{"USER"}}

	cases := []struct {
		channel string
		want    bool
	}{
		{"user:user123", true},
		{"user:other", false},
		{"tenant:t1:orders", true},
		{"tenant:t2:orders", false},
		{"public:announcements", true},
		{"admin:config", false},
	}
	for _, c := range cases {
		if got := channelAllowed(id, c.channel); got != c.want {
			t.Errorf("channelAllowed(%q) = %v, want %v", c.channel, got, c.want)
		}
	}

	admin := Identity{Sub: "boss", TenantID: "t1", Roles: []string{"ADMIN"}}
	if !channelAllowed(admin, "admin:config") {
		t.Error("ADMIN role should be allowed admin:* channels")
	}
}

func TestBridge_ConnectionLimitPerUser(t *testing.T) {
	b := New(Config{MaxUserConnections: 2, MaxTenantConnections: 100}, nil, nil, logr.Discard())
	defer b.Close()

	id := Identity{Sub: "u1", TenantID: "t1"}
	c1 := &conn{id: "c1", identity: id, channels: map[string]bool{}}
	c2 := &conn{id: "c2", identity: id, channels: map[string]bool{}}
	b.register(c1)
	b.register(c2)

	if b.checkConnectionLimit(id) {
		t.Fatal("expected connection limit reached after 2 registered connections")
	}

	b.unregister(c1)
	if !b.checkConnectionLimit(id) {
		t.Fatal("expected room after unregistering a connection")
	}
}

func TestBridge_WelcomeAndSubscribe(t *testing.T) {
	b := New(Config{MaxUserConnections: 5, MaxTenantConnections: 100}, nil, nil, logr.Discard())
	defer b.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := Identity{Sub: "user123", TenantID: "t1", Roles: []string{"USER"}}
		_ = b.Serve(w, r, id)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	var welcome Frame
	if err := json.Unmarshal(data, &welcome); err != nil {
		t.Fatalf("unmarshal welcome: %v", err)
	}
	if welcome.Type != FrameWelcome {
		t.Fatalf("first frame type = %q, want welcome", welcome.Type)
	}
	if welcome.ConnectionID == "" {
		t.Fatal("welcome frame missing connectionId")
	}

	sub, _ := json.Marshal(Frame{Type: FrameSubscribe, Channel: "user:user123"})
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	// Disallowed channel should yield an error frame back.
	badSub, _ := json.Marshal(Frame{Type: FrameSubscribe, Channel: "tenant:other:x"})
	if err := conn.WriteMessage(websocket.TextMessage, badSub); err != nil {
		t.Fatalf("write bad subscribe: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	var errFrame Frame
	_ = json.Unmarshal(data, &errFrame)
	if errFrame.Type != FrameError {
		t.Fatalf("expected error frame for disallowed channel subscribe, got %q", errFrame.Type)
	}
}

func TestDownstreamDialerInjectsIdentityHeaders(t *testing.T) {
	var gotHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	dial := NewDownstreamDialer("ws"+strings.TrimPrefix(srv.URL, "http"),
		func(id Identity) (string, error) { return "tok-abc", nil })

	conn, err := dial(context.Background(), Identity{Sub: "u1", TenantID: "t1", TraceID: "trace-1"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if got := gotHeader.Get("Authorization"); got != "Bearer tok-abc" {
		t.Errorf("Authorization header = %q", got)
	}
	if got := gotHeader.Get("X-Tenant-ID"); got != "t1" {
		t.Errorf("X-Tenant-ID header = %q", got)
	}
	if got := gotHeader.Get("X-User-ID"); got != "u1" {
		t.Errorf("X-User-ID header = %q", got)
	}
}
