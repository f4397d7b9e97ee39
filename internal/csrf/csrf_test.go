package csrf

import (
	"context"
	"testing"
	"time"

	"keyfront/internal/errx"
	"keyfront/internal/kv"
)

func TestIssuer_IssueAndVerify_RoundTrip(t *testing.T) {
	store := kv.NewFake()
	issuer := New(store, "s3cret", time.Hour)
	ctx := context.Background()

	tok, err := issuer.Issue(ctx, "sid-1", "user-1", "tenant-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := issuer.Verify(ctx, "sid-1", tok.Value); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestIssuer_Verify_WrongSession(t *testing.T) {
	store := kv.NewFake()
	issuer := New(store, "s3cret", time.Hour)
	ctx := context.Background()

	tok, _ := issuer.Issue(ctx, "sid-1", "", "")
	err := issuer.Verify(ctx, "sid-2", tok.Value)
	if err == nil {
		t.Fatal("expected verification failure for mismatched session")
	}
	e, ok := errx.As(err)
	if !ok || e.Code != errx.CSRFInvalidToken {
		t.Fatalf("error = %v, want CSRF_INVALID_TOKEN", err)
	}
}

func TestIssuer_Verify_MissingToken(t *testing.T) {
	store := kv.NewFake()
	issuer := New(store, "s3cret", time.Hour)
	err := issuer.Verify(context.Background(), "sid-1", "")
	e, ok := errx.As(err)
	if !ok || e.Code != errx.CSRFMissingToken {
		t.Fatalf("error = %v, want CSRF_MISSING_TOKEN", err)
	}
}

func TestIssuer_Destroy_InvalidatesAllTokens(t *testing.T) {
	store := kv.NewFake()
	issuer := New(store, "s3cret", time.Hour)
	ctx := context.Background()

	tok1, _ := issuer.Issue(ctx, "sid-1", "", "")
	tok2, _ := issuer.Issue(ctx, "sid-1", "", "")

	if err := issuer.Destroy(ctx, "sid-1"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	if err := issuer.Verify(ctx, "sid-1", tok1.Value); err == nil {
		t.Fatal("token1 should be invalid after Destroy")
	}
	if err := issuer.Verify(ctx, "sid-1", tok2.Value); err == nil {
		t.Fatal("token2 should be invalid after Destroy")
	}
}

func TestIssuer_Invalidate_RotatesOutOldToken(t *testing.T) {
	store := kv.NewFake()
	issuer := New(store, "s3cret", time.Hour)
	ctx := context.Background()

	tok, _ := issuer.Issue(ctx, "sid-1", "", "")
	if err := issuer.Verify(ctx, "sid-1", tok.Value); err != nil {
		t.Fatalf("Verify before rotation: %v", err)
	}

	if err := issuer.Invalidate(ctx, "sid-1", tok.Value); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	if err := issuer.Verify(ctx, "sid-1", tok.Value); err == nil {
		t.Fatal("replaying an invalidated token should fail verification")
	}
}

func TestIssuer_Verify_ExpiredTokenEvicted(t *testing.T) {
	store := kv.NewFake()
	issuer := New(store, "s3cret", 20*time.Millisecond)
	ctx := context.Background()

	tok, _ := issuer.Issue(ctx, "sid-1", "", "")
	time.Sleep(30 * time.Millisecond)

	if err := issuer.Verify(ctx, "sid-1", tok.Value); err == nil {
		t.Fatal("expected expired token to fail verification")
	}
	exists, _ := store.Exists(ctx, "csrf:sid-1:"+tok.Value)
	if exists {
		t.Fatal("expired token should have been evicted from the store")
	}
}
