package server

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"
)

// ErrRateLimitExceeded is returned when a token bucket is empty.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// maxSessionLimiters bounds the per-session limiter map; idle entries are
// pruned when it is reached.
const maxSessionLimiters = 10000

// RateLimiter enforces a global and a per-session token bucket. Limits are
// in requests per minute; 0 disables that bucket.
type RateLimiter struct {
	global     *rate.Limiter
	sessionRPM int
	sessions   map[string]*sessionLimiter
	idle       time.Duration
	mu         sync.Mutex
}

type sessionLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter. Burst is one tenth of a minute's worth,
// at least one request.
func NewRateLimiter(globalRPM, sessionRPM int) *RateLimiter {
	l := &RateLimiter{
		sessionRPM: sessionRPM,
		sessions:   make(map[string]*sessionLimiter),
		idle:       10 * time.Minute,
	}
	if globalRPM > 0 {
		l.global = newMinuteLimiter(globalRPM)
	}
	return l
}

func newMinuteLimiter(rpm int) *rate.Limiter {
	burst := rpm / 10
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(float64(rpm)/60), burst)
}

// AllowGlobal takes one token from the global bucket.
func (l *RateLimiter) AllowGlobal() error {
	if l == nil || l.global == nil {
		return nil
	}
	if !l.global.Allow() {
		return ErrRateLimitExceeded
	}
	return nil
}

// AllowSession takes one token from the session's bucket.
func (l *RateLimiter) AllowSession(sessionID string) error {
	if l == nil || l.sessionRPM <= 0 || sessionID == "" {
		return nil
	}
	if !l.limiter(sessionID).Allow() {
		return ErrRateLimitExceeded
	}
	return nil
}

func (l *RateLimiter) limiter(sessionID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if e, ok := l.sessions[sessionID]; ok {
		e.lastSeen = now
		return e.lim
	}
	if len(l.sessions) >= maxSessionLimiters {
		for id, e := range l.sessions {
			if now.Sub(e.lastSeen) > l.idle {
				delete(l.sessions, id)
			}
		}
	}
	e := &sessionLimiter{lim: newMinuteLimiter(l.sessionRPM), lastSeen: now}
	l.sessions[sessionID] = e
	return e.lim
}

// GlobalRateLimitMiddleware answers 429 with Retry-After when the global
// bucket is empty.
func GlobalRateLimitMiddleware(l *RateLimiter) func(http.Handler) http.Handler {
	if l == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := l.AllowGlobal(); err != nil {
				writeRateLimited(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SessionRateLimitMiddleware limits requests per {id} URL parameter. It must
// be mounted under a route that declares {id}.
func SessionRateLimitMiddleware(l *RateLimiter) func(http.Handler) http.Handler {
	if l == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := l.AllowSession(chi.URLParam(r, "id")); err != nil {
				writeRateLimited(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeRateLimited(w http.ResponseWriter, err error) {
	w.Header().Set("Retry-After", "1")
	w.Header().Set("X-RateLimit-Remaining", "0")
	writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", err.Error())
}
