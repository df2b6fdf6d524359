package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterTTL is how long an idle client's limiter is kept.
const limiterTTL = 10 * time.Minute

// Throttle limits requests per client address. Each chat request may hold an
// upstream call for minutes, so the limit is meant to be low.
type Throttle struct {
	rps   rate.Limit
	burst int

	mu        sync.Mutex
	clients   map[string]*clientLimiter
	lastSweep time.Time
	now       func() time.Time
}

type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewThrottle allows rps sustained requests per client with the given burst.
func NewThrottle(rps float64, burst int) *Throttle {
	if burst < 1 {
		burst = 1
	}
	return &Throttle{
		rps:     rate.Limit(rps),
		burst:   burst,
		clients: make(map[string]*clientLimiter),
		now:     time.Now,
	}
}

// Allow reports whether the client may make a request now.
func (t *Throttle) Allow(client string) bool {
	return t.limiter(client).Allow()
}

func (t *Throttle) limiter(client string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if now.Sub(t.lastSweep) > limiterTTL {
		for k, c := range t.clients {
			if now.Sub(c.lastAccess) > limiterTTL {
				delete(t.clients, k)
			}
		}
		t.lastSweep = now
	}

	c, ok := t.clients[client]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(t.rps, t.burst)}
		t.clients[client] = c
	}
	c.lastAccess = now
	return c.limiter
}

// Middleware rejects over-limit requests with 429.
func (t *Throttle) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !t.Allow(clientAddr(r)) {
			AddLogField(r.Context(), "throttled", "true")
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
