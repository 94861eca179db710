package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethpandaops/testoor/pkg/config"
	"golang.org/x/time/rate"
)

const (
	clientSweepInterval = 5 * time.Minute
	clientIdleTTL       = 10 * time.Minute
)

// clientBucket is the token bucket of one client address.
type clientBucket struct {
	tokens *rate.Limiter
	seen   time.Time
}

// clientLimiters hands out one token bucket per client address. A client
// may burst a full minute's allowance and then refills at the per-minute
// rate.
type clientLimiters struct {
	mu      sync.Mutex
	buckets map[string]*clientBucket
	every   rate.Limit
	burst   int
}

func newClientLimiters(perMinute int) *clientLimiters {
	return &clientLimiters{
		buckets: make(map[string]*clientBucket),
		every:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   perMinute,
	}
}

// allow takes a token for client at now. When the bucket is empty it
// returns false and how long the client has to wait for the next token.
func (c *clientLimiters) allow(client string, now time.Time) (bool, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.buckets[client]
	if !ok {
		b = &clientBucket{tokens: rate.NewLimiter(c.every, c.burst)}
		c.buckets[client] = b
	}

	b.seen = now

	r := b.tokens.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)

		return false, delay
	}

	return true, 0
}

// sweep drops clients idle for longer than clientIdleTTL and returns how
// many are still tracked.
func (c *clientLimiters) sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	for client, b := range c.buckets {
		if now.Sub(b.seen) > clientIdleTTL {
			delete(c.buckets, client)
		}
	}

	return len(c.buckets)
}

// sweepUntil runs sweep periodically until done is closed.
func (c *clientLimiters) sweepUntil(done <-chan struct{}) {
	ticker := time.NewTicker(clientSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			c.sweep(now)
		}
	}
}

// rateLimitMiddleware throttles each client address to the configured
// requests per minute. Throttled requests get 429 with a Retry-After hint.
func (s *server) rateLimitMiddleware(
	cfg config.RateLimitConfig,
) func(http.Handler) http.Handler {
	limiters := newClientLimiters(cfg.RequestsPerMinute)

	go limiters.sweepUntil(s.done)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, wait := limiters.allow(clientIP(r), time.Now())
			if !ok {
				seconds := int(math.Ceil(wait.Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				writeJSON(w, http.StatusTooManyRequests,
					errorResponse{"rate limit exceeded"})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP is the originating address of r: the first X-Forwarded-For hop
// when behind a proxy, the connection's remote host otherwise.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		origin, _, _ := strings.Cut(forwarded, ",")

		return strings.TrimSpace(origin)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}
