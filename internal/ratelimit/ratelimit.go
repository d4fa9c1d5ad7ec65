// Package ratelimit enforces per-caller request budgets with sliding
// windows. Each caller key gets its own window; decisions carry the
// numbers the X-RateLimit-* response headers need.
package ratelimit

import (
	"sync"
	"time"

	sw "github.com/RussellLuo/slidingwindow"
	lru "github.com/hashicorp/golang-lru/v2"
)

// maxEntries bounds how many caller keys are tracked at once. Old
// entries fall out LRU; a dropped entry just restarts its window.
const maxEntries = 8192

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	Reset      time.Time
	RetryAfter time.Duration
}

type entry struct {
	mu          sync.Mutex
	lim         *sw.Limiter
	windowStart time.Time
	used        int64
}

// Limiter tracks one sliding window per caller key.
type Limiter struct {
	size  time.Duration
	limit int64
	cache *lru.Cache[string, *entry]
}

// New creates a limiter allowing limit requests per size window.
func New(size time.Duration, limit int64) *Limiter {
	cache, _ := lru.New[string, *entry](maxEntries)
	return &Limiter{size: size, limit: limit, cache: cache}
}

// Allow consumes one request from the caller's budget.
func (l *Limiter) Allow(key string) Decision {
	e, ok := l.cache.Get(key)
	if !ok {
		lim, _ := sw.NewLimiter(l.size, l.limit, func() (sw.Window, sw.StopFunc) {
			return sw.NewLocalWindow()
		})
		e = &entry{lim: lim}
		if prev, found, _ := l.cache.PeekOrAdd(key, e); found {
			e = prev
		}
	}

	now := time.Now()
	windowStart := now.Truncate(l.size)
	reset := windowStart.Add(l.size)

	e.mu.Lock()
	if !e.windowStart.Equal(windowStart) {
		e.windowStart = windowStart
		e.used = 0
	}
	allowed := e.lim.Allow()
	if allowed {
		e.used++
	}
	remaining := l.limit - e.used
	e.mu.Unlock()

	if remaining < 0 {
		remaining = 0
	}

	d := Decision{
		Allowed:   allowed,
		Limit:     l.limit,
		Remaining: remaining,
		Reset:     reset,
	}
	if !allowed {
		d.RetryAfter = time.Until(reset)
		if d.RetryAfter < time.Second {
			d.RetryAfter = time.Second
		}
	}
	return d
}
