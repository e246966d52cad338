// Package ratelimit implements a token bucket used to throttle
// out-of-band verification attempts made over the admin socket
// (internal/operator). Without it, an attacker with access to the
// socket could brute-force a fingerprint by calling "verify" repeatedly
// with guessed values.
//
// Invariants:
//   - tokens ∈ [0, capacity] at all times.
//   - Consume() is atomic under mutex.
//   - the refill goroutine runs for the lifetime of the Bucket.
package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"
)

// Bucket is a thread-safe token bucket.
type Bucket struct {
	mu           sync.Mutex
	capacity     int
	tokens       int
	refillPeriod time.Duration

	consumedTotal atomic.Uint64
	refillCount   atomic.Uint64

	stop chan struct{}
}

// New creates a Bucket with the given capacity and starts the refill
// goroutine. capacity and refillPeriod must be > 0. Call Close() to stop
// the refill goroutine.
func New(capacity int, refillPeriod time.Duration) *Bucket {
	if capacity <= 0 {
		panic("ratelimit.Bucket: capacity must be > 0")
	}
	if refillPeriod <= 0 {
		panic("ratelimit.Bucket: refillPeriod must be > 0")
	}
	b := &Bucket{
		capacity:     capacity,
		tokens:       capacity,
		refillPeriod: refillPeriod,
		stop:         make(chan struct{}),
	}
	go b.refillLoop()
	return b
}

func (b *Bucket) refillLoop() {
	ticker := time.NewTicker(b.refillPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.mu.Lock()
			b.tokens = b.capacity
			b.mu.Unlock()
			b.refillCount.Add(1)
		case <-b.stop:
			return
		}
	}
}

// Consume attempts to consume one token. Returns true if a token was
// available and consumed, false if the caller should back off.
func (b *Bucket) Consume() bool {
	return b.ConsumeN(1)
}

// ConsumeN attempts to consume n tokens atomically.
func (b *Bucket) ConsumeN(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tokens >= n {
		b.tokens -= n
		b.consumedTotal.Add(uint64(n))
		return true
	}
	return false
}

// Remaining returns the current token count.
func (b *Bucket) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

// Capacity returns the maximum token capacity.
func (b *Bucket) Capacity() int {
	return b.capacity
}

// ConsumedTotal returns the lifetime total of tokens consumed.
func (b *Bucket) ConsumedTotal() uint64 {
	return b.consumedTotal.Load()
}

// RefillCount returns the number of refill cycles completed.
func (b *Bucket) RefillCount() uint64 {
	return b.refillCount.Load()
}

// Close stops the refill goroutine. Safe to call once.
func (b *Bucket) Close() {
	close(b.stop)
}
