package vip

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

type memoryStore struct {
	mu            sync.RWMutex
	entitlements  map[string]Entitlement
	subscriptions map[string]SubscriptionRecord
}

// NewMemoryStore returns a Store kept in process memory. It backs tests and
// single-instance development runs without MongoDB.
func NewMemoryStore() Store {
	return &memoryStore{
		entitlements:  make(map[string]Entitlement),
		subscriptions: make(map[string]SubscriptionRecord),
	}
}

func (s *memoryStore) GetEntitlement(_ context.Context, userID string) (Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entitlements[userID]
	if !ok {
		return Entitlement{}, ErrEntitlementNotFound
	}
	return e, nil
}

func (s *memoryStore) SaveEntitlement(_ context.Context, e Entitlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entitlements[e.UserID] = e
	return nil
}

func (s *memoryStore) ExpireEntitlements(_ context.Context, now time.Time, userIDs ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expire := func(id string) int {
		e, ok := s.entitlements[id]
		if !ok || !e.Lapsed(now) {
			return 0
		}
		s.entitlements[id] = e.expire(now)
		return 1
	}

	n := 0
	if len(userIDs) > 0 {
		for _, id := range userIDs {
			n += expire(id)
		}
		return n, nil
	}
	for id := range s.entitlements {
		n += expire(id)
	}
	return n, nil
}

func (s *memoryStore) GetSubscriptionRecord(_ context.Context, subscriptionID string) (SubscriptionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.subscriptions[subscriptionID]
	if !ok {
		return SubscriptionRecord{}, ErrSubscriptionNotFound
	}
	return rec, nil
}

func (s *memoryStore) PutSubscriptionRecord(_ context.Context, rec SubscriptionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[rec.SubscriptionID] = rec
	return nil
}

func (s *memoryStore) SubscriptionRecordsByUser(_ context.Context, userID string) ([]SubscriptionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []SubscriptionRecord
	for _, rec := range s.subscriptions {
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(a, b SubscriptionRecord) int {
		return cmp.Compare(a.SubscriptionID, b.SubscriptionID)
	})
	return out, nil
}
