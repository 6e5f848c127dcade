// Package broadcast fans messages out to in-process subscribers grouped by key.
// Delivery never blocks the publisher: a subscriber whose buffer is full is
// dropped and its channel closed.
package broadcast

import (
	"context"
	"sync"
)

// Subscriber receives messages published under its key.
type Subscriber[T any] interface {
	// C returns the delivery channel. It is closed when the subscription ends.
	C() <-chan T
	Close() error
}

// Hub is a keyed in-memory broadcaster.
type Hub[K comparable, T any] struct {
	mu         sync.RWMutex
	subs       map[K]map[*subscriber[K, T]]struct{}
	bufferSize int
	closed     bool
	wg         sync.WaitGroup
}

func NewHub[K comparable, T any](bufferSize int) *Hub[K, T] {
	return &Hub[K, T]{
		subs:       make(map[K]map[*subscriber[K, T]]struct{}),
		bufferSize: max(bufferSize, 1),
	}
}

// Subscribe registers a subscriber for key. The subscription ends when ctx is
// done, when Close is called on it, or when the hub closes.
func (h *Hub[K, T]) Subscribe(ctx context.Context, key K) Subscriber[T] {
	sub := &subscriber[K, T]{key: key, ch: make(chan T, h.bufferSize), stop: make(chan struct{}), hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		sub.closeChan()
		return sub
	}

	set, ok := h.subs[key]
	if !ok {
		set = make(map[*subscriber[K, T]]struct{})
		h.subs[key] = set
	}
	set[sub] = struct{}{}

	if ctx.Done() != nil {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			select {
			case <-ctx.Done():
				h.remove(sub)
			case <-sub.stop:
			}
		}()
	}

	return sub
}

// Publish delivers msg to every subscriber of key and returns how many
// received it.
func (h *Hub[K, T]) Publish(key K, msg T) int {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return 0
	}
	var slow []*subscriber[K, T]
	delivered := 0
	for sub := range h.subs[key] {
		if sub.send(msg) {
			delivered++
		} else {
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		h.remove(sub)
	}
	return delivered
}

// Subscribers returns the number of live subscribers for key.
func (h *Hub[K, T]) Subscribers(key K) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[key])
}

// Close ends every subscription. Publishing after Close is a no-op.
func (h *Hub[K, T]) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	for _, set := range h.subs {
		for sub := range set {
			sub.closeChan()
		}
	}
	clear(h.subs)
	h.mu.Unlock()

	h.wg.Wait()
	return nil
}

func (h *Hub[K, T]) remove(sub *subscriber[K, T]) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if set, ok := h.subs[sub.key]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.key)
		}
	}
	sub.closeChan()
}

type subscriber[K comparable, T any] struct {
	key    K
	ch     chan T
	hub    *Hub[K, T]
	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
}

func (s *subscriber[K, T]) C() <-chan T { return s.ch }

func (s *subscriber[K, T]) Close() error {
	s.hub.remove(s)
	return nil
}

func (s *subscriber[K, T]) send(msg T) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

func (s *subscriber[K, T]) closeChan() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
		close(s.stop)
	}
}
