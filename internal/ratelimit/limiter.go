package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

type bucket struct {
	tokens   float64
	lastTime time.Time
	rps      float64
	burst    int
}

func (b *bucket) allow(now time.Time) bool {
	elapsed := now.Sub(b.lastTime).Seconds()
	b.tokens += elapsed * b.rps
	if b.tokens > float64(b.burst) {
		b.tokens = float64(b.burst)
	}
	b.lastTime = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Limiter applies a per-client token bucket. Idle buckets are dropped by a
// background sweep so the map cannot grow without bound.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	rps   float64
	burst int

	rejected atomic.Int64
	stopCh   chan struct{}
}

func NewLimiter(rps float64, burst int) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*bucket),
		rps:     rps,
		burst:   burst,
		stopCh:  make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func (l *Limiter) Allow(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[client]
	if !ok {
		b = &bucket{tokens: float64(l.burst), lastTime: now, rps: l.rps, burst: l.burst}
		l.buckets[client] = b
	}
	if !b.allow(now) {
		l.rejected.Add(1)
		return false
	}
	return true
}

// Rejected reports how many requests have been turned away.
func (l *Limiter) Rejected() int64 {
	return l.rejected.Load()
}

func (l *Limiter) Stop() {
	close(l.stopCh)
}

// Middleware rejects over-limit clients with 503 SlowDown semantics.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !l.Allow(host) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.mu.Lock()
			now := time.Now()
			for client, b := range l.buckets {
				if now.Sub(b.lastTime) > 5*time.Minute {
					delete(l.buckets, client)
				}
			}
			l.mu.Unlock()
		}
	}
}
