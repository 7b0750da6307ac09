package quota

import (
	"context"
	"sync"
	"time"
)

// Counter is one window counter the store evaluates.
type Counter struct {
	Key   string
	Limit int64
	TTL   time.Duration
}

// ReserveResult is what a store reports after an atomic reservation attempt.
type ReserveResult struct {
	// Granted is the amount added to every counter; zero when denied.
	Granted int64
	// Denied is the index of the counter that refused admission, or -1.
	Denied int
	// Counts holds each counter's value after the operation (unchanged when denied).
	Counts []int64
}

// Store abstracts a shared counter store (e.g., Redis) for calendar-window limiting.
type Store interface {
	// Reserve evaluates every counter and either adds the granted amount to all of them or to none.
	// With partial set the grant is min(amount, smallest remaining capacity); otherwise it is amount or nothing.
	Reserve(ctx context.Context, counters []Counter, amount int64, partial bool) (ReserveResult, error)
	// Release subtracts amount from each existing counter without going below zero.
	Release(ctx context.Context, keys []string, amount int64) error
	// Peek returns the current value of each key (zero when absent).
	Peek(ctx context.Context, keys []string) ([]int64, error)
	// SeedIfAbsent sets key to value with ttl only when the key does not exist.
	SeedIfAbsent(ctx context.Context, key string, value int64, ttl time.Duration) (bool, error)
}

// evaluate is the shared admission rule used by both stores. counts are the current values.
func evaluate(counters []Counter, counts []int64, amount int64, partial bool) (grant int64, denied int) {
	grant = amount
	denied = -1
	tightest, tightestRoom := -1, int64(-1)
	for i, c := range counters {
		room := c.Limit - counts[i]
		if room < 0 {
			room = 0
		}
		if tightest == -1 || room < tightestRoom {
			tightest, tightestRoom = i, room
		}
		if partial {
			if room < grant {
				grant = room
			}
			continue
		}
		if room < amount && denied == -1 {
			denied = i
		}
	}
	if partial && grant == 0 {
		return 0, tightest
	}
	if denied != -1 {
		return 0, denied
	}
	return grant, -1
}

// memoryStore is a process-local Store, used in tests and single-instance development.
type memoryStore struct {
	mu       sync.Mutex
	now      func() time.Time
	counters map[string]*memCounter
}

type memCounter struct {
	value     int64
	expiresAt time.Time
}

// NewMemoryStore returns an in-process Store. now may be nil to use time.Now.
func NewMemoryStore(now func() time.Time) Store {
	if now == nil {
		now = time.Now
	}
	return &memoryStore{now: now, counters: make(map[string]*memCounter)}
}

func (s *memoryStore) get(key string, at time.Time) *memCounter {
	c, ok := s.counters[key]
	if !ok {
		return nil
	}
	if !at.Before(c.expiresAt) {
		delete(s.counters, key)
		return nil
	}
	return c
}

func (s *memoryStore) Reserve(_ context.Context, counters []Counter, amount int64, partial bool) (ReserveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	counts := make([]int64, len(counters))
	for i, c := range counters {
		if mc := s.get(c.Key, now); mc != nil {
			counts[i] = mc.value
		}
	}
	grant, denied := evaluate(counters, counts, amount, partial)
	if denied != -1 {
		return ReserveResult{Denied: denied, Counts: counts}, nil
	}
	for i, c := range counters {
		mc := s.get(c.Key, now)
		if mc == nil {
			mc = &memCounter{expiresAt: now.Add(c.TTL)}
			s.counters[c.Key] = mc
		}
		mc.value += grant
		counts[i] = mc.value
	}
	return ReserveResult{Granted: grant, Denied: -1, Counts: counts}, nil
}

func (s *memoryStore) Release(_ context.Context, keys []string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, k := range keys {
		mc := s.get(k, now)
		if mc == nil {
			continue
		}
		mc.value -= amount
		if mc.value < 0 {
			mc.value = 0
		}
	}
	return nil
}

func (s *memoryStore) Peek(_ context.Context, keys []string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]int64, len(keys))
	for i, k := range keys {
		if mc := s.get(k, now); mc != nil {
			out[i] = mc.value
		}
	}
	return out, nil
}

func (s *memoryStore) SeedIfAbsent(_ context.Context, key string, value int64, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.get(key, now) != nil {
		return false, nil
	}
	s.counters[key] = &memCounter{value: value, expiresAt: now.Add(ttl)}
	return true, nil
}
