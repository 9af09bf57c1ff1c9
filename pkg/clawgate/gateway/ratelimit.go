package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

// limiterSet holds one token bucket per key.
type limiterSet struct {
	limit rate.Limit
	burst int
	idle  time.Duration

	mu      sync.Mutex
	entries map[string]*limiterEntry
}

func newLimiterSet(perSecond float64, burst int, idle time.Duration) *limiterSet {
	return &limiterSet{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		idle:    idle,
		entries: make(map[string]*limiterEntry),
	}
}

// single returns a bucket that is not tracked by the set, for callers that
// own a long-lived connection.
func (s *limiterSet) single() *rate.Limiter {
	return rate.NewLimiter(s.limit, s.burst)
}

func (s *limiterSet) allow(key string, now time.Time) bool {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(s.limit, s.burst)}
		s.entries[key] = e
	}
	e.seen = now
	s.mu.Unlock()
	return e.lim.AllowN(now, 1)
}

func (s *limiterSet) prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, e := range s.entries {
		if now.Sub(e.seen) > s.idle {
			delete(s.entries, key)
			n++
		}
	}
	return n
}

func (s *limiterSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
