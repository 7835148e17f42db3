// Package ratelimit gates how often a user may submit a change request.
// Buckets are keyed by user id and shared across every session the user
// takes part in.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("ratelimit")

const (
	// MaxTokens is the bucket capacity.
	MaxTokens = 5

	// RefillWindow is the time it takes to refill an empty bucket.
	RefillWindow = 60 * time.Second

	// IdleEviction is how long a full bucket may sit unused before Sweep drops it.
	IdleEviction = time.Hour
)

// bucket is one user's token state. Every bucket has its own lock so two
// sessions consuming for the same user cannot double-spend a token.
type bucket struct {
	mu         sync.Mutex
	tokens     int
	lastRefill time.Time
	lastUsed   time.Time
}

// Limiter is a per-user token bucket with integer, slot-based refill.
type Limiter struct {
	clock     clock.Clock
	maxTokens int
	interval  time.Duration // time per token

	mu      sync.RWMutex
	buckets map[string]*bucket
}

// New creates a limiter with the default capacity and refill window.
// A nil clock means wall-clock time.
func New(clk clock.Clock) *Limiter {
	return NewWithLimits(clk, MaxTokens, RefillWindow)
}

// NewWithLimits creates a limiter with a custom capacity and refill window.
func NewWithLimits(clk clock.Clock, maxTokens int, refillWindow time.Duration) *Limiter {
	if clk == nil {
		clk = clock.New()
	}
	if maxTokens <= 0 {
		maxTokens = MaxTokens
	}
	if refillWindow <= 0 {
		refillWindow = RefillWindow
	}
	return &Limiter{
		clock:     clk,
		maxTokens: maxTokens,
		interval:  refillWindow / time.Duration(maxTokens),
		buckets:   make(map[string]*bucket),
	}
}

// TryConsume refills the user's bucket and takes one token if available.
// It never blocks on anything but the bucket's own lock.
func (l *Limiter) TryConsume(userID string) bool {
	b := l.bucketFor(userID)
	now := l.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	l.refillLocked(b, now)
	b.lastUsed = now
	if b.tokens <= 0 {
		log.Debugw("rate limited", "user", userID)
		return false
	}
	b.tokens--
	return true
}

// RemainingTokens returns the number of tokens the user could spend right now.
func (l *Limiter) RemainingTokens(userID string) int {
	b := l.bucketFor(userID)

	b.mu.Lock()
	defer b.mu.Unlock()

	l.refillLocked(b, l.clock.Now())
	return b.tokens
}

// SecondsUntilNextToken returns the ceiling of the time left in the current
// refill slot, or 0 when a token is already available.
func (l *Limiter) SecondsUntilNextToken(userID string) int {
	b := l.bucketFor(userID)
	now := l.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	l.refillLocked(b, now)
	if b.tokens > 0 {
		return 0
	}
	left := l.interval - now.Sub(b.lastRefill)
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left.Seconds()))
}

// Sweep drops buckets that are full and have not been used for longer than
// idle. It returns the number of evicted buckets.
func (l *Limiter) Sweep(idle time.Duration) int {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for id, b := range l.buckets {
		b.mu.Lock()
		l.refillLocked(b, now)
		evict := b.tokens >= l.maxTokens && now.Sub(b.lastUsed) > idle
		b.mu.Unlock()
		if evict {
			delete(l.buckets, id)
			n++
		}
	}
	if n > 0 {
		log.Debugw("swept idle buckets", "evicted", n, "remaining", len(l.buckets))
	}
	return n
}

// Len returns the number of tracked users.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

func (l *Limiter) bucketFor(userID string) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[userID]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[userID]; ok {
		return b
	}
	now := l.clock.Now()
	b = &bucket{tokens: l.maxTokens, lastRefill: now, lastUsed: now}
	l.buckets[userID] = b
	return b
}

// refillLocked adds one token per elapsed interval, capped at capacity.
// lastRefill only moves when at least one token was added.
func (l *Limiter) refillLocked(b *bucket, now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed < l.interval {
		return
	}
	add := int(elapsed / l.interval)
	b.tokens += add
	if b.tokens > l.maxTokens {
		b.tokens = l.maxTokens
	}
	b.lastRefill = now
}
