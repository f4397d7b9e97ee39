// Package ratelimit implements the fixed-window counter of spec §4.2:
// for key k and window W, the storage key is ratelimit:{k}:{floor(now/W)};
// Check performs one atomic INCR+EXPIRE (pipelined) and fails open on KV
// errors so a store outage cannot take the gateway down with it.
package ratelimit

import (
	"context"
	"math"
	"time"

	"github.com/go-logr/logr"

	"keyfront/internal/kv"
	"keyfront/internal/telemetry"
)

// Result is what Check returns for one rate-limit decision.
type Result struct {
	Allowed    bool
	Limit      int64
	Current    int64
	Remaining  int64
	ResetTime  time.Time
	RetryAfter time.Duration // only meaningful when !Allowed
}

// Limiter checks one fixed window against the KV store.
type Limiter struct {
	store  kv.Store
	log    logr.Logger
	metric *telemetry.Sink
}

// New returns a Limiter backed by store.
func New(store kv.Store, log logr.Logger, metric *telemetry.Sink) *Limiter {
	return &Limiter{store: store, log: log, metric: metric}
}

// Check evaluates the fixed window for key over window, allowing up to
// max requests in it. On a KV error it fails open (spec §4.2 rationale:
// "limiter outages must not take down the BFF").
func (l *Limiter) Check(ctx context.Context, key string, window time.Duration, max int64) Result {
	now := time.Now()
	bucket := now.UnixMilli() / window.Milliseconds()
	windowEnd := time.UnixMilli((bucket + 1) * window.Milliseconds())
	storageKey := "ratelimit:" + key + ":" + itoa(bucket)

	count, err := l.store.IncrExpire(ctx, storageKey, window)
	if err != nil {
		l.log.Info("ratelimit: KV error, failing open", "key", key, "error", err.Error())
		if l.metric != nil {
			l.metric.RateLimitFailOpen.Inc()
		}
		return Result{Allowed: true, Limit: max, Current: 0, Remaining: max, ResetTime: windowEnd}
	}

	remaining := max - count
	if remaining < 0 {
		remaining = 0
	}
	allowed := count <= max
	res := Result{
		Allowed:   allowed,
		Limit:     max,
		Current:   count,
		Remaining: remaining,
		ResetTime: windowEnd,
	}
	if !allowed {
		// Exact time-to-next-window, not the window size (spec §9 Open
		// Question, resolved in favor of the spec's own recommendation).
		res.RetryAfter = time.Duration(math.Ceil(time.Until(windowEnd).Seconds())) * time.Second
		if res.RetryAfter < 0 {
			res.RetryAfter = 0
		}
	}
	return res
}

// Key builders turn request-scoped identity into a rate-limit key. Keying
// policies from spec §4.2 are plain functions returning the key string:
func GlobalByIP(ip string) string { return "ip:" + ip }
func PerUser(tenant, sub string) string  { return "user:" + tenant + ":" + sub }
func PerTenant(tenant string) string     { return "tenant:" + tenant }
func PerLoginIP(ip string) string        { return "login:" + ip }
func PerEndpoint(path, identity string) string { return "api:" + path + ":" + identity }

// Rule pairs a key from one of the builders above with the window/max it should be
// checked against, for use inside a Composite.
type Rule struct {
	Name   string // policy label, used as the key_policy metric dimension
	Key    string
	Window time.Duration
	Max    int64
}

// Composite runs an ordered set of rules against one Limiter: first
// denial wins; if all permit, it returns the most restrictive remaining
// count (spec §4.2).
func (l *Limiter) Composite(ctx context.Context, rules []Rule) Result {
	var tightest *Result
	for _, rule := range rules {
		res := l.Check(ctx, rule.Key, rule.Window, rule.Max)
		if !res.Allowed {
			if l.metric != nil {
				l.metric.RateLimitDenied.WithLabelValues(rule.Name).Inc()
			}
			return res
		}
		if tightest == nil || res.Remaining < tightest.Remaining {
			r := res
			tightest = &r
		}
	}
	if tightest == nil {
		return Result{Allowed: true}
	}
	return *tightest
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
