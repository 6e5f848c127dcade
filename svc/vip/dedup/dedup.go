// Package dedup remembers processed webhook event ids for a bounded time.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// Config controls how long and how many event ids are remembered.
type Config struct {
	TTL      time.Duration `env:"VIP_DEDUP_TTL" envDefault:"72h"`
	Capacity int           `env:"VIP_DEDUP_CAPACITY" envDefault:"100000"`
}

// KeyPrefix namespaces event ids in Redis.
const KeyPrefix = "vip:webhook:event:"

var ErrInvalidConfig = errors.New("dedup: ttl and capacity must be positive")

// MemorySet keeps ids in a size-bounded LRU. Entries older than the TTL
// count as unseen. Contents are lost on restart.
type MemorySet struct {
	mu    sync.Mutex
	cache *lru.Cache[string, time.Time]
	ttl   time.Duration
	now   func() time.Time
}

// NewMemorySet creates a MemorySet.
func NewMemorySet(cfg Config) (*MemorySet, error) {
	if cfg.TTL <= 0 || cfg.Capacity <= 0 {
		return nil, ErrInvalidConfig
	}
	cache, err := lru.New[string, time.Time](cfg.Capacity)
	if err != nil {
		return nil, fmt.Errorf("dedup: create cache: %w", err)
	}
	return &MemorySet{cache: cache, ttl: cfg.TTL, now: time.Now}, nil
}

func (s *MemorySet) Seen(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	at, ok := s.cache.Get(eventID)
	if !ok {
		return false, nil
	}
	if s.now().Sub(at) > s.ttl {
		s.cache.Remove(eventID)
		return false, nil
	}
	return true, nil
}

func (s *MemorySet) Mark(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Add(eventID, s.now())
	return nil
}

// Len returns how many ids are held, expired ones included.
func (s *MemorySet) Len() int {
	return s.cache.Len()
}

// RedisSet keeps ids as expiring Redis keys, shared by every instance.
type RedisSet struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisSet creates a RedisSet. Panics if client is nil.
func NewRedisSet(client redis.UniversalClient, cfg Config) (*RedisSet, error) {
	if client == nil {
		panic("dedup: redis client is required")
	}
	if cfg.TTL <= 0 {
		return nil, ErrInvalidConfig
	}
	return &RedisSet{client: client, ttl: cfg.TTL}, nil
}

func (s *RedisSet) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := s.client.Exists(ctx, KeyPrefix+eventID).Result()
	if err != nil {
		return false, fmt.Errorf("dedup: check event %s: %w", eventID, err)
	}
	return n > 0, nil
}

func (s *RedisSet) Mark(ctx context.Context, eventID string) error {
	if err := s.client.Set(ctx, KeyPrefix+eventID, time.Now().Unix(), s.ttl).Err(); err != nil {
		return fmt.Errorf("dedup: mark event %s: %w", eventID, err)
	}
	return nil
}
