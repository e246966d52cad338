package ratelimit

import (
	"sync"
	"time"
)

// PerAddr lazily creates one Bucket per address, all sharing the same
// capacity and refill period. Used by internal/operator to cap verify
// attempts independently per peer.
type PerAddr struct {
	mu           sync.Mutex
	buckets      map[string]*Bucket
	capacity     int
	refillPeriod time.Duration
}

// NewPerAddr creates a PerAddr limiter. capacity and refillPeriod are
// applied to every address's bucket on first use.
func NewPerAddr(capacity int, refillPeriod time.Duration) *PerAddr {
	return &PerAddr{
		buckets:      make(map[string]*Bucket),
		capacity:     capacity,
		refillPeriod: refillPeriod,
	}
}

// Allow consumes one token from addr's bucket, creating it on first use.
func (p *PerAddr) Allow(addr string) bool {
	p.mu.Lock()
	b, ok := p.buckets[addr]
	if !ok {
		b = New(p.capacity, p.refillPeriod)
		p.buckets[addr] = b
	}
	p.mu.Unlock()
	return b.Consume()
}

// Close stops every bucket's refill goroutine.
func (p *PerAddr) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.buckets {
		b.Close()
	}
}
