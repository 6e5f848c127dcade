package ratelimiter

import (
	"context"
	"sync"
	"time"
)

type bucket struct {
	tokens     int
	lastRefill time.Time
	lastAccess time.Time // used by cleanup to find stale buckets
}

// MemoryStore implements Store in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time

	cleanupInterval time.Duration
	staleAfter      time.Duration
	stop            chan struct{}
	stopOnce        sync.Once
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithCleanupInterval sets how often stale buckets are removed.
// Zero disables the background cleanup.
func WithCleanupInterval(interval time.Duration) MemoryStoreOption {
	return func(ms *MemoryStore) {
		ms.cleanupInterval = interval
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) MemoryStoreOption {
	return func(ms *MemoryStore) {
		if now != nil {
			ms.now = now
		}
	}
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	ms := &MemoryStore{
		buckets:         make(map[string]*bucket),
		now:             time.Now,
		cleanupInterval: 5 * time.Minute,
		staleAfter:      time.Hour,
		stop:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(ms)
	}
	if ms.cleanupInterval > 0 {
		go ms.cleanup()
	}
	return ms
}

// ConsumeTokens attempts to consume tokens from the bucket.
func (ms *MemoryStore) ConsumeTokens(_ context.Context, key string, tokens int, config Config) (int, time.Time, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := ms.now()
	b, ok := ms.buckets[key]
	if !ok {
		b = &bucket{tokens: config.Capacity, lastRefill: now}
		ms.buckets[key] = b
	}

	b.tokens, b.lastRefill = refill(b.tokens, b.lastRefill, now, config)
	b.tokens -= tokens
	b.lastAccess = now

	return b.tokens, b.lastRefill.Add(config.RefillInterval), nil
}

func (ms *MemoryStore) Reset(_ context.Context, key string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.buckets, key)
	return nil
}

// Len returns the number of tracked buckets.
func (ms *MemoryStore) Len() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return len(ms.buckets)
}

func (ms *MemoryStore) cleanup() {
	ticker := time.NewTicker(ms.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ms.removeStale()
		case <-ms.stop:
			return
		}
	}
}

func (ms *MemoryStore) removeStale() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := ms.now()
	for key, b := range ms.buckets {
		if now.Sub(b.lastAccess) > ms.staleAfter {
			delete(ms.buckets, key)
		}
	}
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (ms *MemoryStore) Close() {
	ms.stopOnce.Do(func() { close(ms.stop) })
}
