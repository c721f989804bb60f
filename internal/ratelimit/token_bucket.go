package ratelimit

import (
	"sync"
	"time"
)

// nanosPerToken is the fixed-point scale: one token is 1e9 nano-tokens, so a
// rate of N tokens/sec refills exactly N nano-tokens per elapsed nanosecond.
const nanosPerToken = int64(time.Second)

// TokenBucket is a deterministic token bucket refilled at an integer rate of
// tokens per second. It avoids floating point entirely so refill behavior is
// exact under a fake clock.
type TokenBucket struct {
	mu sync.Mutex

	clock    Clock
	capacity int64 // nano-tokens
	rate     int64 // tokens/sec == nano-tokens/ns
	avail    int64 // nano-tokens
	last     time.Time
}

// NewTokenBucket builds a bucket holding capacity tokens, refilled at rate
// tokens per second. The bucket starts full. A nil clock uses real time.
func NewTokenBucket(clock Clock, capacity, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if rate < 0 {
		rate = 0
	}
	capNano := saturatingScale(capacity)
	return &TokenBucket{
		clock:    clock,
		capacity: capNano,
		rate:     rate,
		avail:    capNano,
		last:     clock.Now(),
	}
}

// Allow consumes n tokens if available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := saturatingScale(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.avail < cost {
		return false
	}
	b.avail -= cost
	return true
}

func (b *TokenBucket) refill() {
	now := b.clock.Now()
	elapsed := now.Sub(b.last)
	b.last = now
	if elapsed <= 0 || b.rate <= 0 || b.avail >= b.capacity {
		// Clock going backwards just moves the reference point.
		return
	}

	need := b.capacity - b.avail
	ns := elapsed.Nanoseconds()
	// If waiting long enough to refill fully, clamp instead of multiplying
	// (ns*rate could overflow for large gaps).
	if ns >= need/b.rate+1 {
		b.avail = b.capacity
		return
	}
	b.avail += ns * b.rate
	if b.avail > b.capacity {
		b.avail = b.capacity
	}
}

func saturatingScale(tokens int64) int64 {
	const maxInt64 = int64(^uint64(0) >> 1)
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanosPerToken {
		return maxInt64
	}
	return tokens * nanosPerToken
}
