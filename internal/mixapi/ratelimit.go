package mixapi

import (
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type ipLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// ipRateLimiter keeps one token bucket per client IP, evicting the least recently
// seen IP once maxTracked is reached.
type ipRateLimiter struct {
	mu         sync.Mutex
	limit      rate.Limit
	burst      int
	maxTracked int
	ips        map[string]*ipLimiter
}

func newIPRateLimiter(perSecond float64, burst, maxTracked int) *ipRateLimiter {
	return &ipRateLimiter{
		limit:      rate.Limit(perSecond),
		burst:      burst,
		maxTracked: maxTracked,
		ips:        make(map[string]*ipLimiter),
	}
}

func (l *ipRateLimiter) Allow(ip string, now time.Time) bool {
	if ip == "" {
		ip = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.ips[ip]
	if !ok {
		if len(l.ips) >= l.maxTracked {
			l.evictOldest()
		}
		st = &ipLimiter{lim: rate.NewLimiter(l.limit, l.burst)}
		l.ips[ip] = st
	}
	st.lastSeen = now
	return st.lim.AllowN(now, 1)
}

func (l *ipRateLimiter) evictOldest() {
	var (
		oldest string
		at     time.Time
	)
	for ip, st := range l.ips {
		if oldest == "" || st.lastSeen.Before(at) {
			oldest, at = ip, st.lastSeen
		}
	}
	delete(l.ips, oldest)
}

func clientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "unknown"
	}
	if ap, err := netip.ParseAddrPort(remote); err == nil {
		return ap.Addr().String()
	}
	if a, err := netip.ParseAddr(remote); err == nil {
		return a.String()
	}
	return remote
}
