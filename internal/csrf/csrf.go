// Package csrf implements the double-submit CSRF token of spec §3/§4.3:
// a random token plus an HMAC binding it to one session, stored in the KV
// store under csrf:{sid}:{token} with TTL <= 1h, rotated on every unsafe
// request.
package csrf

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"context"

	"keyfront/internal/errx"
	"keyfront/internal/kv"
)

const defaultTTL = time.Hour

// Token is spec §3's CSRF token record.
type Token struct {
	Value     string `json:"token"`
	Hash      string `json:"hash"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId,omitempty"`
	TenantID  string `json:"tenantId,omitempty"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Issuer issues and verifies CSRF tokens.
type Issuer struct {
	store  kv.Store
	secret []byte
	ttl    time.Duration
}

// New returns an Issuer. secret is CSRF_SECRET (falls back to
// SESSION_SECRET per spec §6.5 if unset at the config layer).
func New(store kv.Store, secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Issuer{store: store, secret: []byte(secret), ttl: ttl}
}

func (i *Issuer) hash(value, sid string) string {
	mac := hmac.New(sha256.New, i.secret)
	mac.Write([]byte(value))
	mac.Write([]byte(sid))
	return hex.EncodeToString(mac.Sum(nil))
}

// Issue mints a fresh token bound to sid and stores it.
func (i *Issuer) Issue(ctx context.Context, sid, userID, tenantID string) (*Token, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	value := hex.EncodeToString(raw)
	tok := &Token{
		Value:     value,
		Hash:      i.hash(value, sid),
		SessionID: sid,
		UserID:    userID,
		TenantID:  tenantID,
		ExpiresAt: time.Now().Add(i.ttl).UnixMilli(),
	}
	buf, err := json.Marshal(tok)
	if err != nil {
		return nil, err
	}
	if err := i.store.Set(ctx, key(sid, value), string(buf), i.ttl); err != nil {
		return nil, err
	}
	return tok, nil
}

// Verify checks that value is a live, HMAC-valid token bound to sid.
// Expired tokens are evicted on access (spec §3 invariant).
func (i *Issuer) Verify(ctx context.Context, sid, value string) error {
	if value == "" {
		return errx.Keyfront.New(errx.CSRFMissingToken)
	}
	raw, err := i.store.Get(ctx, key(sid, value))
	if errors.Is(err, kv.ErrNotFound) {
		return errx.Keyfront.New(errx.CSRFInvalidToken)
	}
	if err != nil {
		return errx.Keyfront.Wrap(errx.InternalError, err)
	}
	var tok Token
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		return errx.Keyfront.Wrap(errx.InternalError, err)
	}
	if time.Now().UnixMilli() > tok.ExpiresAt {
		_, _ = i.store.Del(ctx, key(sid, value))
		return errx.Keyfront.New(errx.CSRFInvalidToken)
	}
	if tok.SessionID != sid {
		return errx.Keyfront.New(errx.CSRFInvalidToken)
	}
	expectedHash := i.hash(value, sid)
	if !hmac.Equal([]byte(expectedHash), []byte(tok.Hash)) {
		return errx.Keyfront.New(errx.CSRFInvalidToken)
	}
	return nil
}

// Invalidate removes one CSRF token record. Used to rotate the token
// after a successful unsafe-method verification (spec §4.3: "Rotate on
// each unsafe request"), so a replay of the same value subsequently
// fails verification.
func (i *Issuer) Invalidate(ctx context.Context, sid, value string) error {
	_, err := i.store.Del(ctx, key(sid, value))
	return err
}

// Destroy invalidates every CSRF token issued for sid (called from
// session.Destroy per spec §4.1).
func (i *Issuer) Destroy(ctx context.Context, sid string) error {
	keys, err := i.store.Keys(ctx, "csrf:"+sid+":*")
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	_, err = i.store.Del(ctx, keys...)
	return err
}

func key(sid, value string) string { return "csrf:" + sid + ":" + value }
