package chatapi

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatroomz/cmd/internal/realtime"
)

// postLimiterSweepAt is the number of tracked clients above which idle
// entries are dropped on the next check.
const postLimiterSweepAt = 4096

// postLimiter throttles message submission per client IP.
type postLimiter struct {
	events int
	window time.Duration

	mu      sync.Mutex
	clients map[string]*postClient
}

type postClient struct {
	limiter *realtime.RateLimiter
	last    time.Time
}

func newPostLimiter(events int, window time.Duration) *postLimiter {
	if events <= 0 || window <= 0 {
		return nil
	}
	return &postLimiter{events: events, window: window, clients: make(map[string]*postClient)}
}

// allow reports whether ip may post at now. A nil limiter allows everything.
func (l *postLimiter) allow(ip net.IP, now time.Time) bool {
	if l == nil || ip == nil {
		return true
	}
	key := ip.String()

	l.mu.Lock()
	if len(l.clients) >= postLimiterSweepAt {
		for k, c := range l.clients {
			if now.Sub(c.last) > l.window {
				delete(l.clients, k)
			}
		}
	}
	c, ok := l.clients[key]
	if !ok {
		c = &postClient{limiter: realtime.NewRateLimiter(l.events, l.window)}
		l.clients[key] = c
	}
	c.last = now
	l.mu.Unlock()

	return c.limiter.Allow(now)
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64(retryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many messages; slow down")
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}
