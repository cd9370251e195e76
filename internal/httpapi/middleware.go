package httpapi

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	visitorLifetime = 5 * time.Minute
	sweepThreshold  = 256
)

type visitor struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// throttle gives each remote IP its own token bucket. The listener is
// loopback-bound by default, so this mostly guards against a runaway local
// script hammering the replay endpoint. A nil throttle admits everything.
type throttle struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	visitors map[string]*visitor
}

func newThrottle(rps, burst int) *throttle {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &throttle{
		limit:    rate.Limit(rps),
		burst:    burst,
		visitors: make(map[string]*visitor),
	}
}

func (t *throttle) admit(ip string) bool {
	if t == nil {
		return true
	}
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	v := t.visitors[ip]
	if v == nil {
		if len(t.visitors) >= sweepThreshold {
			t.sweepLocked(now)
		}
		v = &visitor{bucket: rate.NewLimiter(t.limit, t.burst)}
		t.visitors[ip] = v
	}
	v.lastSeen = now
	return v.bucket.Allow()
}

func (t *throttle) sweepLocked(now time.Time) {
	cutoff := now.Add(-visitorLifetime)
	for ip, v := range t.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(t.visitors, ip)
		}
	}
}

// remoteIP strips the port from RemoteAddr. No proxy header handling; the
// server binds to loopback and sees real peer addresses.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
