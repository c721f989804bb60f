package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTokenBucket_BurstThenRefill(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 10, 10)

	if !b.Allow(10) {
		t.Fatalf("initial burst should drain a full bucket")
	}
	if b.Allow(1) {
		t.Fatalf("bucket should be empty")
	}

	clk.Advance(100 * time.Millisecond) // one token at 10 tokens/sec
	if !b.Allow(1) {
		t.Fatalf("expected one token after 100ms")
	}
	if b.Allow(1) {
		t.Fatalf("expected exactly one token after 100ms")
	}
}

func TestTokenBucket_ClampsAtCapacity(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 2, 1)

	if !b.Allow(2) {
		t.Fatalf("initial tokens missing")
	}

	clk.Advance(time.Hour)
	if !b.Allow(2) {
		t.Fatalf("refill up to capacity failed")
	}
	if b.Allow(1) {
		t.Fatalf("capacity clamp violated")
	}
}

func TestTokenBucket_ZeroRateNeverRefills(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 1, 0)

	if !b.Allow(1) {
		t.Fatalf("initial token missing")
	}
	clk.Advance(time.Hour)
	if b.Allow(1) {
		t.Fatalf("zero-rate bucket refilled")
	}
}

func TestTokenBucket_ClockGoingBackwards(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	b := NewTokenBucket(clk, 1, 1)

	if !b.Allow(1) {
		t.Fatalf("initial token missing")
	}

	clk.Advance(-time.Hour)
	if b.Allow(1) {
		t.Fatalf("backwards clock must not mint tokens")
	}

	clk.Advance(time.Hour + time.Second)
	if !b.Allow(1) {
		t.Fatalf("bucket should recover once time moves forward again")
	}
}

func TestTokenBucket_NonPositiveCostAlwaysAllowed(t *testing.T) {
	b := NewTokenBucket(&fakeClock{}, 0, 0)
	if !b.Allow(0) || !b.Allow(-5) {
		t.Fatalf("non-positive cost must always be allowed")
	}
}
