// Package throttle provides a keyed token-bucket rate limiter. Buckets live
// in their own store keyed by caller+target, independent of any connection's
// lifetime, so reconnecting never resets a caller's budget.
package throttle

import (
	"sync"
	"time"
)

// Limiter tracks one token bucket per key. A key is typically
// "userID:fileID" so each caller has an independent budget per file.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	burst  float64
	window time.Duration
	idle   time.Duration

	now func() time.Time

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

type bucket struct {
	tokens   float64
	lastFill time.Time
	lastUsed time.Time
}

// New creates a limiter allowing burst operations per window for each key.
// Idle buckets are dropped after they have been unused for several windows.
func New(burst int, window time.Duration) *Limiter {
	if burst < 1 {
		burst = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	l := &Limiter{
		buckets:         make(map[string]*bucket),
		burst:           float64(burst),
		window:          window,
		idle:            4 * window,
		now:             time.Now,
		cleanupInterval: window,
		stopCleanup:     make(chan struct{}),
	}

	go l.cleanupIdle()

	return l
}

// Allow consumes one token for key. When the bucket is empty it returns
// false and the duration until the next token becomes available.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.burst, lastFill: now}
		l.buckets[key] = b
	}

	// Continuous refill: burst tokens per window.
	elapsed := now.Sub(b.lastFill)
	if elapsed > 0 {
		b.tokens += elapsed.Seconds() * l.burst / l.window.Seconds()
		if b.tokens > l.burst {
			b.tokens = l.burst
		}
		b.lastFill = now
	}
	b.lastUsed = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}

	deficit := 1 - b.tokens
	wait := time.Duration(deficit * l.window.Seconds() / l.burst * float64(time.Second))
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return false, wait
}

func (l *Limiter) cleanupIdle() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stopCleanup:
			return
		}
	}
}

// sweep removes buckets idle beyond the retention window.
func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, b := range l.buckets {
		if now.Sub(b.lastUsed) > l.idle {
			delete(l.buckets, key)
		}
	}
}

// Len reports the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Stop stops the cleanup goroutine.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCleanup) })
}
