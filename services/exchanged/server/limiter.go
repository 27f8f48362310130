package server

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pixexchange/observability"
)

// subjectLimiter applies a token bucket per authenticated subject.
type subjectLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newSubjectLimiter(perSecond float64, burst int) *subjectLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(perSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &subjectLimiter{limit: rate.Limit(perSecond), burst: burst, buckets: make(map[string]*bucket), now: time.Now}
}

func (l *subjectLimiter) allow(subject string) bool {
	if l == nil {
		return true
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[subject]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[subject] = b
	}
	b.lastSeen = now
	if len(l.buckets) > 4096 {
		for key, other := range l.buckets {
			if now.Sub(other.lastSeen) > 10*time.Minute {
				delete(l.buckets, key)
			}
		}
	}
	return b.limiter.AllowN(now, 1)
}

func (l *subjectLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := r.RemoteAddr
		if principal, ok := PrincipalFromContext(r.Context()); ok {
			subject = principal.Subject
		}
		if !l.allow(subject) {
			observability.HTTP().RecordThrottle("v1", "rate_limit")
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
