package kv

import (
	"context"
	"testing"
	"time"
)

func TestFakeStore_SetGetExpiry(t *testing.T) {
	s := NewFake()
	ctx := context.Background()

	if err := s.Set(ctx, "k1", "v1", 50*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, err := s.Get(ctx, "k1")
	if err != nil || v != "v1" {
		t.Fatalf("Get = %q, %v; want v1, nil", v, err)
	}

	time.Sleep(60 * time.Millisecond)
	if _, err := s.Get(ctx, "k1"); err != ErrNotFound {
		t.Fatalf("Get after expiry = %v, want ErrNotFound", err)
	}
}

func TestFakeStore_IncrExpire_FixedWindow(t *testing.T) {
	s := NewFake()
	ctx := context.Background()

	var firstExp time.Time
	for i := int64(1); i <= 3; i++ {
		n, err := s.IncrExpire(ctx, "rl:a", time.Minute)
		if err != nil {
			t.Fatalf("IncrExpire: %v", err)
		}
		if n != i {
			t.Fatalf("count = %d, want %d", n, i)
		}
		if i == 1 {
			firstExp = s.expiry["rl:a"]
		}
	}

	exp, ok := s.expiry["rl:a"]
	if !ok {
		t.Fatal("expected TTL to be set on first increment")
	}
	// Later calls must not have reset the TTL (ExpireNX semantics).
	if !exp.Equal(firstExp) {
		t.Fatal("TTL was reset on a subsequent increment")
	}
}

func TestFakeStore_ListOps(t *testing.T) {
	s := NewFake()
	ctx := context.Background()

	if err := s.LPush(ctx, "q", "a", "b", "c"); err != nil {
		t.Fatalf("LPush: %v", err)
	}
	// LPush pushes each element to the head in order, so the final order
	// (head→tail) is c, b, a — mirrors Redis LPUSH semantics.
	got, err := s.LRange(ctx, "q", 0, -1)
	if err != nil {
		t.Fatalf("LRange: %v", err)
	}
	want := []string{"c", "b", "a"}
	if len(got) != len(want) {
		t.Fatalf("LRange = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("LRange[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	n, err := s.LLen(ctx, "q")
	if err != nil || n != 3 {
		t.Fatalf("LLen = %d, %v; want 3, nil", n, err)
	}

	v, err := s.RPop(ctx, "q")
	if err != nil || v != "a" {
		t.Fatalf("RPop = %q, %v; want a, nil", v, err)
	}
}

func TestFakeStore_KeysPattern(t *testing.T) {
	s := NewFake()
	ctx := context.Background()
	_ = s.Set(ctx, "csrf:sid1:tok1", "x", time.Hour)
	_ = s.Set(ctx, "csrf:sid1:tok2", "x", time.Hour)
	_ = s.Set(ctx, "csrf:sid2:tok3", "x", time.Hour)

	keys, err := s.Keys(ctx, "csrf:sid1:*")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("Keys = %v, want 2 entries", keys)
	}
}
