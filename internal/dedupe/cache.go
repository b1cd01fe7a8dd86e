// ABOUTME: Thread-safe bounded TTL set of keys with a background janitor
// ABOUTME: Remembers expired correlation ids so late responses can be recognized

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// DefaultMaxSize bounds the set when New is given a non-positive size.
const DefaultMaxSize = 10000

type entry struct {
	expiresAt time.Time
	element   *list.Element
}

// Set is a TTL-bounded, size-bounded set of keys. The oldest key is evicted
// when the set is full.
type Set struct {
	mu      sync.Mutex
	keys    map[string]*entry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a set whose keys live for ttl. A janitor goroutine sweeps
// expired keys until Close is called.
func New(ttl time.Duration, maxSize int) *Set {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	s := &Set{
		keys:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go s.janitor(sweepInterval(ttl))
	return s
}

func sweepInterval(ttl time.Duration) time.Duration {
	interval := ttl / 2
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	return interval
}

// Remember adds key, refreshing its expiry if already present.
func (s *Set) Remember(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expires := s.now().Add(s.ttl)
	if e, ok := s.keys[key]; ok {
		e.expiresAt = expires
		s.order.MoveToBack(e.element)
		return
	}
	if len(s.keys) >= s.maxSize {
		s.evictOldestLocked()
	}
	s.keys[key] = &entry{expiresAt: expires, element: s.order.PushBack(key)}
}

// Contains reports whether key is present and unexpired.
func (s *Set) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.keys[key]
	if !ok {
		return false
	}
	if !s.now().Before(e.expiresAt) {
		s.removeLocked(key, e)
		return false
	}
	return true
}

// Forget removes key if present.
func (s *Set) Forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.keys[key]; ok {
		s.removeLocked(key, e)
	}
}

// Len returns the number of keys currently held, expired or not.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

func (s *Set) removeLocked(key string, e *entry) {
	s.order.Remove(e.element)
	delete(s.keys, key)
}

func (s *Set) evictOldestLocked() {
	front := s.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	s.order.Remove(front)
	delete(s.keys, key)
}

func (s *Set) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.done:
			return
		}
	}
}

// sweep drops expired keys. Keys are ordered by insertion time and share a
// TTL, so the sweep stops at the first live key unless a refresh reordered it.
func (s *Set) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for el := s.order.Front(); el != nil; {
		next := el.Next()
		key, _ := el.Value.(string)
		if e := s.keys[key]; e != nil && !now.Before(e.expiresAt) {
			s.removeLocked(key, e)
		} else {
			break
		}
		el = next
	}
}

// Close stops the janitor. It is safe to call multiple times.
func (s *Set) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		close(s.done)
		s.closed = true
	}
}
