// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides token bucket limiters used to throttle noisy
// log lines on the traffic path.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements the token bucket algorithm.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   int64
	tokens     int64
	refillRate int64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket creates a bucket that starts full.
// capacity is the maximum number of tokens.
// refillRate is the number of tokens added per second.
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	return newTokenBucket(capacity, refillRate, time.Now)
}

func newTokenBucket(capacity, refillRate int64, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: now(),
		now:        now,
	}
}

// Allow takes one token if available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}

	return false
}

func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	tokensToAdd := int64(elapsed * float64(tb.refillRate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}
}

// Throttle hands out one bucket per key, so a burst of one kind of warning
// does not silence another. The number of keys is bounded.
type Throttle struct {
	mu         sync.Mutex
	buckets    map[string]*TokenBucket
	suppressed map[string]int64
	capacity   int64
	refillRate int64
	maxKeys    int
	now        func() time.Time
}

// NewThrottle creates a keyed throttle. Unknown keys beyond maxKeys are
// always suppressed.
func NewThrottle(capacity, refillRate int64, maxKeys int) *Throttle {
	if maxKeys <= 0 {
		maxKeys = 64
	}
	return &Throttle{
		buckets:    make(map[string]*TokenBucket),
		suppressed: make(map[string]int64),
		capacity:   capacity,
		refillRate: refillRate,
		maxKeys:    maxKeys,
		now:        time.Now,
	}
}

// Allow reports whether an event for key may be logged. When it returns
// true it also returns how many events for key were suppressed since the
// last allowed one.
func (t *Throttle) Allow(key string) (bool, int64) {
	t.mu.Lock()
	tb, ok := t.buckets[key]
	if !ok {
		if len(t.buckets) >= t.maxKeys {
			t.mu.Unlock()
			return false, 0
		}
		tb = newTokenBucket(t.capacity, t.refillRate, t.now)
		t.buckets[key] = tb
	}
	t.mu.Unlock()

	allowed := tb.Allow()

	t.mu.Lock()
	defer t.mu.Unlock()
	if !allowed {
		t.suppressed[key]++
		return false, 0
	}
	n := t.suppressed[key]
	delete(t.suppressed, key)
	return true, n
}

// Keys returns the number of tracked keys.
func (t *Throttle) Keys() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buckets)
}
