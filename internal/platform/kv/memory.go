package kv

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryStore is an in-process Store backed by ttlcache. Writes are
// serialized so that PutIfAbsent and CompareAndDelete are atomic with
// respect to every other write. Suitable for a single server process and
// for tests.
type MemoryStore struct {
	mu    sync.Mutex
	cache *ttlcache.Cache[string, []byte]
}

// NewMemoryStore creates a store and starts its expiry loop. Call Close to
// stop it.
func NewMemoryStore() *MemoryStore {
	cache := ttlcache.New[string, []byte](
		ttlcache.WithDisableTouchOnHit[string, []byte](),
	)
	go cache.Start()
	return &MemoryStore{cache: cache}
}

// Close stops the background expiry loop.
func (s *MemoryStore) Close() {
	s.cache.Stop()
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	item := s.cache.Get(key)
	if item == nil || item.IsExpired() {
		return nil, ErrNotFound
	}
	return clone(item.Value()), nil
}

func (s *MemoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Set(key, clone(value), cacheTTL(ttl))
	return nil
}

func (s *MemoryStore) PutIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item := s.cache.Get(key); item != nil && !item.IsExpired() {
		return false, nil
	}
	s.cache.Set(key, clone(value), cacheTTL(ttl))
	return true, nil
}

func (s *MemoryStore) CompareAndDelete(_ context.Context, key string, expected []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.cache.Get(key)
	if item == nil || item.IsExpired() || !bytes.Equal(item.Value(), expected) {
		return false, nil
	}
	s.cache.Delete(key)
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Delete(key)
	return nil
}

func (s *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.cache.Get(key)
	if item == nil || item.IsExpired() {
		s.cache.Set(key, []byte("1"), cacheTTL(ttl))
		return 1, nil
	}
	n, err := strconv.ParseInt(string(item.Value()), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("kv incr %s: %w", key, err)
	}
	n++
	left := ttlcache.NoTTL
	if exp := item.ExpiresAt(); !exp.IsZero() {
		left = time.Until(exp)
		if left <= 0 {
			left = time.Millisecond
		}
	}
	s.cache.Set(key, []byte(strconv.FormatInt(n, 10)), left)
	return n, nil
}

func (s *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	for _, key := range s.cache.Keys() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if item := s.cache.Get(key); item == nil || item.IsExpired() {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func cacheTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return ttlcache.NoTTL
	}
	return ttl
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
