// ABOUTME: Per-identity token-bucket rate limiting in front of the dispatcher
// ABOUTME: Size-bounded, idle-expiring limiter cache with a background sweeper

package ratelimit

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limit is a sustained rate and burst for one identity.
type Limit struct {
	PerMinute int
	Burst     int
}

func (l Limit) unlimited() bool { return l.PerMinute <= 0 }

func (l Limit) limiter() *rate.Limiter {
	burst := l.Burst
	if burst <= 0 {
		burst = l.PerMinute
	}
	return rate.NewLimiter(rate.Limit(float64(l.PerMinute)/60.0), burst)
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	element  *list.Element
}

// Limiter tracks a token bucket per key. Buckets idle longer than ttl are
// dropped and the oldest is evicted when maxKeys is reached.
type Limiter struct {
	mu      sync.Mutex
	keys    map[string]*entry
	order   *list.List // keys by last use, oldest at front
	ttl     time.Duration
	maxKeys int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a Limiter and starts its sweeper.
func New(ttl time.Duration, maxKeys int) *Limiter {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if maxKeys <= 0 {
		maxKeys = 10000
	}
	l := &Limiter{
		keys:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxKeys: maxKeys,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go l.sweep()
	return l
}

// Allow consumes one token for key under limit.
func (l *Limiter) Allow(key string, limit Limit) bool {
	if limit.unlimited() {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.keys[key]
	if !ok {
		if len(l.keys) >= l.maxKeys {
			l.evictOldest()
		}
		e = &entry{limiter: limit.limiter(), element: l.order.PushBack(key)}
		l.keys[key] = e
	} else {
		l.order.MoveToBack(e.element)
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

// evictOldest must be called with mu held.
func (l *Limiter) evictOldest() {
	front := l.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	l.order.Remove(front)
	delete(l.keys, key)
}

func (l *Limiter) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.removeIdle()
		case <-l.done:
			return
		}
	}
}

func (l *Limiter) removeIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, e := range l.keys {
		if now.Sub(e.lastSeen) > l.ttl {
			l.order.Remove(e.element)
			delete(l.keys, key)
		}
	}
}

// Close stops the sweeper. Safe to call multiple times.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		close(l.done)
		l.closed = true
	}
}
