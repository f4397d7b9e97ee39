package kv

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"
)

// FakeStore is an in-memory Store used by unit tests that would otherwise
// need a live Redis. It implements hard TTL expiry and the list
// operations the gateway's components need.
type FakeStore struct {
	mu     sync.Mutex
	values map[string]string
	expiry map[string]time.Time
	lists  map[string][]string
}

// NewFake returns an empty FakeStore.
func NewFake() *FakeStore {
	return &FakeStore{
		values: make(map[string]string),
		expiry: make(map[string]time.Time),
		lists:  make(map[string][]string),
	}
}

func (s *FakeStore) expired(key string) bool {
	exp, ok := s.expiry[key]
	return ok && time.Now().After(exp)
}

func (s *FakeStore) sweep(key string) {
	if s.expired(key) {
		delete(s.values, key)
		delete(s.expiry, key)
		delete(s.lists, key)
	}
}

func (s *FakeStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep(key)
	v, ok := s.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *FakeStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	if ttl > 0 {
		s.expiry[key] = time.Now().Add(ttl)
	} else {
		delete(s.expiry, key)
	}
	return nil
}

func (s *FakeStore) Del(_ context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, key := range keys {
		_, vok := s.values[key]
		_, lok := s.lists[key]
		if vok || lok {
			n++
		}
		delete(s.values, key)
		delete(s.expiry, key)
		delete(s.lists, key)
	}
	return n, nil
}

func (s *FakeStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep(key)
	_, vok := s.values[key]
	_, lok := s.lists[key]
	return vok || lok, nil
}

func (s *FakeStore) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep(key)
	return s.incrLocked(key), nil
}

func (s *FakeStore) incrLocked(key string) int64 {
	n := int64(0)
	if v, ok := s.values[key]; ok {
		for _, c := range v {
			n = n*10 + int64(c-'0')
		}
	}
	n++
	s.values[key] = itoa(n)
	return n
}

func (s *FakeStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; ok {
		s.expiry[key] = time.Now().Add(ttl)
	}
	return nil
}

func (s *FakeStore) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for key := range s.values {
		s.sweep(key)
		if matched, _ := path.Match(pattern, key); matched {
			out = append(out, key)
		}
	}
	for key := range s.lists {
		if matched, _ := path.Match(pattern, key); matched {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *FakeStore) LPush(_ context.Context, key string, values ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rev := make([]string, len(values))
	for i, v := range values {
		rev[len(values)-1-i] = v
	}
	s.lists[key] = append(rev, s.lists[key]...)
	return nil
}

func (s *FakeStore) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.lists[key]
	n := int64(len(l))
	if n == 0 {
		return nil, nil
	}
	start, stop = normalizeRange(start, stop, n)
	if start > stop {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, l[start:stop+1])
	return out, nil
}

func (s *FakeStore) RPop(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.lists[key]
	if len(l) == 0 {
		return "", ErrNotFound
	}
	v := l[len(l)-1]
	s.lists[key] = l[:len(l)-1]
	return v, nil
}

func (s *FakeStore) LLen(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.lists[key])), nil
}

func (s *FakeStore) LTrim(_ context.Context, key string, start, stop int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.lists[key]
	n := int64(len(l))
	if n == 0 {
		return nil
	}
	start, stop = normalizeRange(start, stop, n)
	if start > stop {
		s.lists[key] = nil
		return nil
	}
	s.lists[key] = append([]string{}, l[start:stop+1]...)
	return nil
}

func (s *FakeStore) IncrExpire(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep(key)
	_, hadTTL := s.expiry[key]
	n := s.incrLocked(key)
	if !hadTTL {
		s.expiry[key] = time.Now().Add(ttl)
	}
	return n, nil
}

func (s *FakeStore) Close() error { return nil }

func normalizeRange(start, stop, n int64) (int64, int64) {
	if start < 0 {
		start = n + start
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	return start, stop
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
