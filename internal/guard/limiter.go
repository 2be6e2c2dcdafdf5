package guard

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

// loginLimiter rate limits logins per remote host. Ports are ignored so a
// client cannot dodge the limit by reconnecting.
type loginLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*hostLimiter
}

type hostLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newLoginLimiter(perSecond float64, burst int) *loginLimiter {
	return &loginLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*hostLimiter),
	}
}

// allow reports whether a login from remoteAddr may proceed at now.
func (l *loginLimiter) allow(remoteAddr string, now time.Time) bool {
	key := hostKey(remoteAddr)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limit <= 0 {
		return true
	}
	h, ok := l.limiters[key]
	if !ok {
		h = &hostLimiter{lim: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = h
	}
	h.lastSeen = now
	return h.lim.AllowN(now, 1)
}

// setLimit changes the limit for existing and future hosts.
func (l *loginLimiter) setLimit(perSecond float64, burst int, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limit = rate.Limit(perSecond)
	l.burst = burst
	for _, h := range l.limiters {
		h.lim.SetLimitAt(now, l.limit)
		h.lim.SetBurstAt(now, burst)
	}
}

// sweep forgets hosts not seen since before now-limiterIdleTTL.
func (l *loginLimiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, h := range l.limiters {
		if now.Sub(h.lastSeen) > limiterIdleTTL {
			delete(l.limiters, key)
		}
	}
}

func (l *loginLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func hostKey(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
