package api

import (
	"sort"
	"sync"
	"time"
)

// RateLimiter provides simple in-memory rate limiting per client IP.
// The key map is capped; when it overflows, the stalest IPs are evicted.
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int           // max requests
	window   time.Duration // time window
	maxKeys  int           // eviction threshold for the key map

	now func() time.Time
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(limit int, window time.Duration, maxKeys int) *RateLimiter {
	if maxKeys <= 0 {
		maxKeys = 10000
	}
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		maxKeys:  maxKeys,
		now:      time.Now,
	}
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	windowStart := now.Add(-r.window)

	// Filter out old requests
	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}
	if len(recent) == 0 {
		delete(r.requests, key)
	} else {
		r.requests[key] = recent
	}

	if len(r.requests) > r.maxKeys {
		r.evictStalest()
	}

	if len(recent) >= r.limit {
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// evictStalest drops the IPs whose most recent request is oldest until
// the map fits again. Caller holds the lock.
func (r *RateLimiter) evictStalest() {
	type lastSeen struct {
		key  string
		last time.Time
	}
	entries := make([]lastSeen, 0, len(r.requests))
	for key, times := range r.requests {
		var last time.Time
		if len(times) > 0 {
			last = times[len(times)-1]
		}
		entries = append(entries, lastSeen{key: key, last: last})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].last.Before(entries[j].last)
	})
	for i := 0; i < len(entries) && len(r.requests) > r.maxKeys; i++ {
		delete(r.requests, entries[i].key)
	}
}

// TrackedKeys returns the number of distinct keys currently held.
func (r *RateLimiter) TrackedKeys() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}
