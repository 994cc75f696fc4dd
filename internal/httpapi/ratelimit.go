package httpapi

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type rateResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// rateLimiter keeps one token bucket per user.
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rateBucket
	rate    rate.Limit
	burst   int
	window  time.Duration
	stop    chan struct{}
	once    sync.Once
}

type rateBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newRateLimiter allows requests per window, all of which may be spent at
// once.
func newRateLimiter(requests int, window time.Duration) *rateLimiter {
	l := &rateLimiter{
		buckets: make(map[string]*rateBucket),
		rate:    rate.Limit(float64(requests) / window.Seconds()),
		burst:   requests,
		window:  window,
		stop:    make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

func (l *rateLimiter) allow(key string, now time.Time) rateResult {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &rateBucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	reservation := b.limiter.ReserveN(now, 1)
	allowed := reservation.OK() && reservation.DelayFrom(now) == 0
	var retryAfter time.Duration
	if !allowed {
		if reservation.OK() {
			retryAfter = reservation.DelayFrom(now)
			reservation.CancelAt(now)
		}
		retryAfter = max(retryAfter, time.Second)
	}
	return rateResult{
		Allowed:    allowed,
		Limit:      l.burst,
		Remaining:  max(int(b.limiter.TokensAt(now)), 0),
		RetryAfter: retryAfter,
	}
}

func (l *rateLimiter) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup(time.Now())
		case <-l.stop:
			return
		}
	}
}

// cleanup drops buckets that are idle and full again.
func (l *rateLimiter) cleanup(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	stale := now.Add(-10 * time.Minute)
	for key, b := range l.buckets {
		if b.lastSeen.Before(stale) && b.limiter.TokensAt(now) >= float64(l.burst) {
			delete(l.buckets, key)
		}
	}
}

func (l *rateLimiter) close() {
	l.once.Do(func() { close(l.stop) })
}
