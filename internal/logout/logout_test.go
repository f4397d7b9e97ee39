package logout

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"keyfront/internal/csrf"
	"keyfront/internal/kv"
	"keyfront/internal/session"
)

type fakeLookup struct {
	clients []ClientRegistration
}

func (f *fakeLookup) ClientsForSessions(_ context.Context, _ []string) ([]ClientRegistration, error) {
	return f.clients, nil
}

type fakeNotifier struct {
	acknowledge bool
	calls       int
}

func (f *fakeNotifier) Notify(_ context.Context, _, _ string) (bool, error) {
	f.calls++
	return f.acknowledge, nil
}

func newTestTerminator(t *testing.T, store kv.Store, lookup ClientLookup, notifier Notifier) (*Terminator, *session.Manager) {
	t.Helper()
	sm := session.New(session.Config{Store: store, CSRF: csrf.New(store, "secret", time.Hour), CookieName: "keyfront.sid"})
	term, err := New(store, sm, lookup, notifier, []byte("logout-signing-key"), "keyfront", nil, logr.Discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return term, sm
}

func seedSession(t *testing.T, sm *session.Manager, store kv.Store, sid, sub, tenantID string) {
	t.Helper()
	ctx := context.Background()
	sess := &session.Session{SID: sid, Sub: sub, TenantID: tenantID, ExpiresAt: time.Now().Add(time.Hour).UnixMilli()}
	buf, _ := json.Marshal(sess)
	if err := store.Set(ctx, "sess:"+sid, string(buf), time.Hour); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	if err := sm.IndexSubject(ctx, tenantID, sub, sid); err != nil {
		t.Fatalf("index subject: %v", err)
	}
}

func TestTerminate_SessionNotFound(t *testing.T) {
	store := kv.NewFake()
	term, _ := newTestTerminator(t, store, &fakeLookup{}, &fakeNotifier{})
	_, err := term.Terminate(context.Background(), "t1", "never-existed", ReasonUserAction)
	if err == nil {
		t.Fatal("expected SESSION_NOT_FOUND")
	}
}

func TestTerminate_SingleSessionNoNotify(t *testing.T) {
	store := kv.NewFake()
	term, sm := newTestTerminator(t, store, &fakeLookup{}, &fakeNotifier{})
	seedSession(t, sm, store, "sid-1", "user-1", "t1")

	out, err := term.Terminate(context.Background(), "t1", "sid-1", ReasonUserAction)
	if err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if out.Status != StatusCompleted {
		t.Fatalf("Status = %v, want completed", out.Status)
	}
	if len(out.TerminatedSIDs) != 1 || out.TerminatedSIDs[0] != "sid-1" {
		t.Fatalf("TerminatedSIDs = %v", out.TerminatedSIDs)
	}
	got, _ := sm.Resolve(context.Background(), "sid-1")
	if got != nil {
		t.Fatal("expected session physically removed")
	}
}

func TestTerminate_AllSessionsForUser(t *testing.T) {
	store := kv.NewFake()
	term, sm := newTestTerminator(t, store, &fakeLookup{
		clients: []ClientRegistration{{ClientID: "client-a", BackchannelLogoutURI: "https://client-a.example/logout", LogoutNotificationEnabled: true}},
	}, &fakeNotifier{acknowledge: true})

	seedSession(t, sm, store, "sid-1", "user-1", "t1")
	seedSession(t, sm, store, "sid-2", "user-1", "t1")

	pol := Policy{ID: "p1", TenantID: "t1", Enabled: true, TerminateAllSessions: true, NotificationTimeoutSeconds: 5, MaxNotificationRetries: 1}
	buf, _ := json.Marshal(pol)
	_ = store.Set(context.Background(), "logout:policy:t1:p1", string(buf), 0)

	out, err := term.Terminate(context.Background(), "t1", "sid-1", ReasonAdminAction)
	if err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if len(out.TerminatedSIDs) != 2 {
		t.Fatalf("expected both sessions terminated, got %v", out.TerminatedSIDs)
	}
	if out.Status != StatusCompleted {
		t.Fatalf("Status = %v, want completed", out.Status)
	}
	if len(out.Notifications) != 1 || out.Notifications[0].Status != "acknowledged" {
		t.Fatalf("Notifications = %+v", out.Notifications)
	}
	for _, sid := range []string{"sid-1", "sid-2"} {
		got, _ := sm.Resolve(context.Background(), sid)
		if got != nil {
			t.Fatalf("expected %s removed", sid)
		}
	}
}

func TestTerminate_FailedNotificationYieldsPartial(t *testing.T) {
	store := kv.NewFake()
	term, sm := newTestTerminator(t, store, &fakeLookup{
		clients: []ClientRegistration{
			{ClientID: "client-a", BackchannelLogoutURI: "https://client-a.example/logout", LogoutNotificationEnabled: true},
			{ClientID: "client-b", BackchannelLogoutURI: "https://client-b.example/logout", LogoutNotificationEnabled: true},
		},
	}, &failOnceNotifier{})

	seedSession(t, sm, store, "sid-1", "user-1", "t1")
	pol := Policy{ID: "p1", TenantID: "t1", Enabled: true, NotificationTimeoutSeconds: 1, MaxNotificationRetries: 1}
	buf, _ := json.Marshal(pol)
	_ = store.Set(context.Background(), "logout:policy:t1:p1", string(buf), 0)

	out, err := term.Terminate(context.Background(), "t1", "sid-1", ReasonSecurityPolicy)
	if err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if out.Status != StatusPartial {
		t.Fatalf("Status = %v, want partial (one client acked, one failed)", out.Status)
	}
}

// failOnceNotifier acknowledges only the first distinct URI it sees.
type failOnceNotifier struct {
	seen map[string]bool
}

func (f *failOnceNotifier) Notify(_ context.Context, uri, _ string) (bool, error) {
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	if len(f.seen) == 0 {
		f.seen[uri] = true
	}
	return f.seen[uri], nil
}

func TestCancelPending_AbortsDuringGracePeriod(t *testing.T) {
	store := kv.NewFake()
	term, sm := newTestTerminator(t, store, &fakeLookup{}, &fakeNotifier{})
	seedSession(t, sm, store, "sid-1", "user-1", "t1")

	pol := Policy{ID: "p1", TenantID: "t1", Enabled: true, GracePeriodSeconds: 2}
	buf, _ := json.Marshal(pol)
	_ = store.Set(context.Background(), "logout:policy:t1:p1", string(buf), 0)

	done := make(chan *Outcome, 1)
	go func() {
		out, _ := term.Terminate(context.Background(), "t1", "sid-1", ReasonUserAction)
		done <- out
	}()

	time.Sleep(50 * time.Millisecond)
	if !term.CancelPending("sid-1") {
		t.Fatal("expected a pending logout to be cancellable during its grace period")
	}

	select {
	case out := <-done:
		if len(out.TerminatedSIDs) != 0 {
			t.Fatalf("expected cancellation to prevent termination, got %v", out.TerminatedSIDs)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Terminate did not return after cancellation")
	}

	got, _ := sm.Resolve(context.Background(), "sid-1")
	if got == nil {
		t.Fatal("expected session to survive a cancelled logout")
	}
}
