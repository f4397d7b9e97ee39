package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"keyfront/internal/csrf"
	"keyfront/internal/kv"
)

func newTestManager() (*Manager, kv.Store) {
	store := kv.NewFake()
	oauthCfg := &oauth2.Config{
		ClientID:     "client1",
		ClientSecret: "secret",
		Endpoint:     oauth2.Endpoint{AuthURL: "https://idp.example/auth", TokenURL: "https://idp.example/token"},
		Scopes:       []string{"openid", "profile"},
	}
	m := New(Config{
		Store:      store,
		CSRF:       csrf.New(store, "csrf-secret", time.Hour),
		OAuth:      oauthCfg,
		CookieName: "keyfront.sid",
	})
	return m, store
}

func TestStartLogin_PersistsStateAndPKCE(t *testing.T) {
	m, store := newTestManager()
	ctx := context.Background()

	authURL, state, err := m.StartLogin(ctx, "https://app.example/after", "tenant1")
	if err != nil {
		t.Fatalf("StartLogin: %v", err)
	}
	if authURL == "" || state == "" {
		t.Fatal("expected non-empty authURL and state")
	}

	raw, err := store.Get(ctx, stateKey(state))
	if err != nil {
		t.Fatalf("expected state persisted: %v", err)
	}
	var ls loginState
	if err := json.Unmarshal([]byte(raw), &ls); err != nil {
		t.Fatalf("unmarshal login state: %v", err)
	}
	if ls.CodeVerifier == "" || ls.RedirectURI != "https://app.example/after" || ls.TenantID != "tenant1" {
		t.Fatalf("unexpected login state: %+v", ls)
	}
}

func TestCompleteLogin_RejectsUnknownState(t *testing.T) {
	m, _ := newTestManager()
	_, _, err := m.CompleteLogin(context.Background(), "somecode", "never-issued-state")
	if err == nil {
		t.Fatal("expected OAUTH_STATE_INVALID for an unknown state")
	}
}

func TestResolveTouchDestroy(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	sess := &Session{
		SID: "sid-1", Sub: "user-1", TenantID: "tenant1",
		AccessTokenRef: "tok-1", ExpiresAt: time.Now().Add(time.Hour).UnixMilli(),
		CreatedAt: time.Now().UnixMilli(), LastActivity: time.Now().UnixMilli(),
	}
	if err := m.putSession(ctx, sess, time.Hour); err != nil {
		t.Fatalf("putSession: %v", err)
	}

	got, err := m.Resolve(ctx, "sid-1")
	if err != nil || got == nil {
		t.Fatalf("Resolve: %v, %+v", err, got)
	}
	if got.Sub != "user-1" {
		t.Fatalf("Sub = %q, want user-1", got.Sub)
	}

	if err := m.Touch(ctx, "sid-1"); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	touched, _ := m.Resolve(ctx, "sid-1")
	if touched.LastActivity < got.LastActivity {
		t.Fatal("expected LastActivity to advance after Touch")
	}

	if err := m.Destroy(ctx, "sid-1"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	after, err := m.Resolve(ctx, "sid-1")
	if err != nil || after != nil {
		t.Fatalf("expected session gone after Destroy, got %+v", after)
	}
}

func TestResolve_ExpiredSessionIsEvicted(t *testing.T) {
	m, store := newTestManager()
	ctx := context.Background()

	sess := &Session{SID: "sid-old", Sub: "user-1", ExpiresAt: time.Now().Add(-time.Minute).UnixMilli()}
	buf, _ := json.Marshal(sess)
	_ = store.Set(ctx, sessionKey("sid-old"), string(buf), time.Minute)

	got, err := m.Resolve(ctx, "sid-old")
	if err != nil || got != nil {
		t.Fatalf("expected expired session resolved as absent, got %+v, %v", got, err)
	}
	if _, err := store.Get(ctx, sessionKey("sid-old")); err != kv.ErrNotFound {
		t.Fatal("expected Resolve to evict the expired record")
	}
}

func TestTouch_NoopAfterConcurrentDestroy(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	// Destroy racing ahead of Touch must win: Touch on an absent sid is a
	// silent no-op, never a resurrection.
	if err := m.Touch(ctx, "never-existed"); err != nil {
		t.Fatalf("Touch on missing session should be a no-op, got %v", err)
	}
}

func TestIndexSubject_SessionsForSubject(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	if err := m.IndexSubject(ctx, "tenant1", "user-1", "sid-a"); err != nil {
		t.Fatalf("IndexSubject: %v", err)
	}
	if err := m.IndexSubject(ctx, "tenant1", "user-1", "sid-b"); err != nil {
		t.Fatalf("IndexSubject: %v", err)
	}

	sids, err := m.SessionsForSubject(ctx, "tenant1", "user-1")
	if err != nil {
		t.Fatalf("SessionsForSubject: %v", err)
	}
	if len(sids) != 2 {
		t.Fatalf("expected 2 indexed sids, got %v", sids)
	}
}

func TestTerminateAll(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	for _, sid := range []string{"sid-1", "sid-2"} {
		sess := &Session{SID: sid, Sub: "user-1", ExpiresAt: time.Now().Add(time.Hour).UnixMilli()}
		_ = m.putSession(ctx, sess, time.Hour)
	}

	terminated := m.TerminateAll(ctx, []string{"sid-1", "sid-2", "sid-missing"})
	if len(terminated) != 2 {
		t.Fatalf("expected 2 sessions terminated, got %v", terminated)
	}
	for _, sid := range []string{"sid-1", "sid-2"} {
		got, _ := m.Resolve(ctx, sid)
		if got != nil {
			t.Fatalf("expected %s destroyed", sid)
		}
	}
}

func TestNeedsRefresh(t *testing.T) {
	m, _ := newTestManager()
	soon := &Session{ExpiresAt: time.Now().Add(30 * time.Second).UnixMilli()}
	if !m.NeedsRefresh(soon) {
		t.Fatal("expected NeedsRefresh true when within skew window")
	}
	later := &Session{ExpiresAt: time.Now().Add(time.Hour).UnixMilli()}
	if m.NeedsRefresh(later) {
		t.Fatal("expected NeedsRefresh false when far from expiry")
	}
}

func TestRefreshIfNeeded_DestroysSessionWhenNoRefreshToken(t *testing.T) {
	m, ctxStore := newTestManager()
	ctx := context.Background()

	sess := &Session{
		SID: "sid-1", Sub: "user-1", AccessTokenRef: "tok-1",
		ExpiresAt: time.Now().Add(30 * time.Second).UnixMilli(),
	}
	_ = m.putSession(ctx, sess, time.Minute)
	_ = m.putTokenBlob(ctx, "tok-1", tokenBlob{AccessToken: "old-access"}, time.Minute)

	_, err := m.RefreshIfNeeded(ctx, sess)
	if err == nil {
		t.Fatal("expected SESSION_EXPIRED when no refresh token is available")
	}
	if _, getErr := ctxStore.Get(ctx, sessionKey("sid-1")); getErr != kv.ErrNotFound {
		t.Fatal("expected session destroyed after failed refresh")
	}
}

func TestSessionProfile_OmitsTokenRefs(t *testing.T) {
	sess := &Session{Sub: "user-1", TenantID: "t1", Roles: []string{"admin"}, AccessTokenRef: "secret-ref"}
	buf, err := json.Marshal(sess.Profile())
	if err != nil {
		t.Fatalf("marshal profile: %v", err)
	}
	var generic map[string]any
	_ = json.Unmarshal(buf, &generic)
	if _, ok := generic["accessTokenRef"]; ok {
		t.Fatal("Profile must never serialize AccessTokenRef")
	}
}
