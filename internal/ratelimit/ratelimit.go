// Package ratelimit throttles HTTP callers per client IP with a token bucket.
package ratelimit

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

const (
	DefaultRequests = 100
	DefaultWindow   = time.Minute
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type Limiter struct {
	limit rate.Limit
	burst int
	clock clock.Clock

	mu      sync.Mutex
	buckets map[string]*bucket
}

// New allows requests calls per window for each client, with the whole
// window's worth available as burst.
func New(requests int, window time.Duration, clk clock.Clock) *Limiter {
	if requests <= 0 {
		requests = DefaultRequests
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Limiter{
		limit:   rate.Every(window / time.Duration(requests)),
		burst:   requests,
		clock:   clk,
		buckets: make(map[string]*bucket),
	}
}

// Allow reports whether key may proceed. When it may not, the second return
// value is how long until a token is available.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	now := l.clock.Now()

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Duration(math.MaxInt64)
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Sweep forgets clients that have not been seen for idle. It returns the
// number of buckets dropped.
func (l *Limiter) Sweep(idle time.Duration) int {
	cutoff := l.clock.Now().Add(-idle)

	l.mu.Lock()
	defer l.mu.Unlock()

	dropped := 0
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
			dropped++
		}
	}
	return dropped
}

func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Middleware rejects over-limit callers with 429 and a JSON body.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r)
		ok, wait := l.Allow(ip)
		if ok {
			next.ServeHTTP(w, r)
			return
		}

		retryAfter := int(math.Ceil(wait.Round(time.Millisecond).Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		slog.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		w.WriteHeader(http.StatusTooManyRequests)
		if err := json.NewEncoder(w).Encode(map[string]any{
			"success":     false,
			"error":       "Rate limit exceeded",
			"retry_after": retryAfter,
		}); err != nil {
			slog.Error("failed to write json response", "error", err)
		}
	})
}

// ClientIP returns the caller's address: the first X-Forwarded-For hop, then
// X-Real-IP, then the connection's remote address.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
