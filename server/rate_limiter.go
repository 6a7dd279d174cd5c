package main

import (
	"sync"
	"time"
)

type rateRecord struct {
	count int
	reset time.Time
}

// RateLimiter caps request rates per key within a fixed window. Registration
// is the only unauthenticated write surface, so it is the only one gated.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]rateRecord
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{entries: make(map[string]rateRecord)}
}

// Allow reports whether the caller may proceed under limit requests per
// window. A limit of zero or less disables the gate.
func (rl *RateLimiter) Allow(key string, limit int, window time.Duration) bool {
	if limit <= 0 {
		return true
	}
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.entries[key]
	if !ok || now.After(rec.reset) {
		rec = rateRecord{reset: now.Add(window)}
	}
	if rec.count >= limit {
		return false
	}
	rec.count++
	rl.entries[key] = rec
	return true
}

type RateLimiterStats struct {
	Keys int `json:"keys"`
}

// Stats prunes expired windows and reports how many keys are being tracked.
func (rl *RateLimiter) Stats() RateLimiterStats {
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, rec := range rl.entries {
		if now.After(rec.reset) {
			delete(rl.entries, key)
		}
	}
	return RateLimiterStats{Keys: len(rl.entries)}
}
