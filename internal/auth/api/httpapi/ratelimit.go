package httpapi

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/foliohq/folio/internal/platform/errors"
)

// ErrRateLimited rejects credential-guessing bursts from one address.
var ErrRateLimited = apperrors.New(apperrors.CodeRateLimited, "too many attempts, slow down")

// RateLimitConfig bounds credential attempts per client address.
type RateLimitConfig struct {
	PerSecond float64 `env:"FOLIO_RATE_LIMIT_PER_SECOND" envDefault:"2"`
	Burst     int     `env:"FOLIO_RATE_LIMIT_BURST"      envDefault:"10"`
}

// ipLimiter keeps one token bucket per client address. Idle buckets are
// dropped after an hour so the map does not grow unbounded.
type ipLimiter struct {
	mu      sync.Mutex
	config  RateLimitConfig
	buckets map[string]*bucketEntry
	clock   func() time.Time
}

type bucketEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(config RateLimitConfig) *ipLimiter {
	if config.PerSecond <= 0 {
		config.PerSecond = 2
	}
	if config.Burst <= 0 {
		config.Burst = 10
	}
	return &ipLimiter{
		config:  config,
		buckets: make(map[string]*bucketEntry),
		clock:   time.Now,
	}
}

// Allow reports whether a request from addr may proceed.
func (l *ipLimiter) Allow(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	entry, ok := l.buckets[addr]
	if !ok {
		entry = &bucketEntry{
			limiter: rate.NewLimiter(rate.Limit(l.config.PerSecond), l.config.Burst),
		}
		l.buckets[addr] = entry
	}
	entry.lastSeen = now
	return entry.limiter.Allow()
}

// Sweep drops buckets idle for longer than an hour.
func (l *ipLimiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.clock().Add(-time.Hour)
	for addr, entry := range l.buckets {
		if entry.lastSeen.Before(cutoff) {
			delete(l.buckets, addr)
		}
	}
}

// limit guards an endpoint with the per-address token bucket.
func (h *Handler) limit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.Allow(clientAddr(r)) {
			writeError(w, ErrRateLimited)
			return
		}
		next(w, r)
	}
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
