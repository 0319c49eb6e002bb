package middleware

import (
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// perClientLimiter hands out one token-bucket limiter per client IP, mirroring
// the fixed-rate gas limiter the teacher installs in front of its virtual
// machine but scoped per caller instead of process-wide.
type perClientLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

func newPerClientLimiter(r rate.Limit, burst int) *perClientLimiter {
	return &perClientLimiter{limiters: make(map[string]*rate.Limiter), r: r, burst: burst}
}

func (p *perClientLimiter) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[key]
	if !ok {
		l = rate.NewLimiter(p.r, p.burst)
		p.limiters[key] = l
	}
	return l
}

// RateLimit caps each client IP to r requests/second with the given burst.
func RateLimit(r rate.Limit, burst int) func(http.Handler) http.Handler {
	limiters := newPerClientLimiter(r, burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			host, _, err := net.SplitHostPort(req.RemoteAddr)
			if err != nil {
				host = req.RemoteAddr
			}
			if !limiters.get(host).Allow() {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}
