package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/loadpulse/loadpulse/pkg/config"
)

const (
	limiterSweepInterval = 5 * time.Minute
	limiterIdleTTL       = 10 * time.Minute
)

// limiterTable tracks one token bucket per client IP. Idle entries are
// swept so the table stays bounded by active clients.
type limiterTable struct {
	mu      sync.Mutex
	perMin  int
	clients map[string]*clientBucket
}

type clientBucket struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

func newLimiterTable(requestsPerMinute int) *limiterTable {
	t := &limiterTable{
		perMin:  requestsPerMinute,
		clients: make(map[string]*clientBucket, 64),
	}

	go t.sweep()

	return t
}

// allow reports whether the client identified by ip may proceed.
func (t *limiterTable) allow(ip string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.clients[ip]
	if !ok {
		// Refill at the per-minute rate; burst covers a full minute's
		// budget at once.
		entry = &clientBucket{
			bucket: rate.NewLimiter(
				rate.Limit(float64(t.perMin)/60.0), t.perMin,
			),
		}
		t.clients[ip] = entry
	}

	entry.lastSeen = time.Now()

	return entry.bucket.Allow()
}

func (t *limiterTable) sweep() {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()

	for range ticker.C {
		t.mu.Lock()

		for ip, entry := range t.clients {
			if time.Since(entry.lastSeen) > limiterIdleTTL {
				delete(t.clients, ip)
			}
		}

		t.mu.Unlock()
	}
}

// rateLimitMiddleware returns a per-IP rate limiting middleware for
// the given route group configuration.
func (s *server) rateLimitMiddleware(
	cfg config.RateLimitTier,
) func(http.Handler) http.Handler {
	if cfg.RequestsPerMinute <= 0 {
		// Unconfigured tiers are not limited.
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	table := newLimiterTable(cfg.RequestsPerMinute)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !table.allow(clientIP(r)) {
				writeJSON(w, http.StatusTooManyRequests,
					errorResponse{"rate limit exceeded"})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP resolves the client address, honoring the first hop of
// X-Forwarded-For when a reverse proxy sits in front.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}

		return strings.TrimSpace(xff)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}
