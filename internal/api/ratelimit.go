package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// OrgLimiter applies one token bucket per organization to mutating traffic.
// Buckets are created on first sight and never reclaimed; the working set is
// bounded by the number of active organizations.
type OrgLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewOrgLimiter returns nil when rps is not positive; a nil limiter admits
// everything.
func NewOrgLimiter(rps float64, burst int) *OrgLimiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &OrgLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// Allow reports whether orgID may proceed now. A denied call consumes no
// token and returns how long until one is available.
func (l *OrgLimiter) Allow(orgID string) (time.Duration, bool) {
	if l == nil {
		return 0, true
	}
	l.mu.Lock()
	lim, ok := l.limiters[orgID]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[orgID] = lim
	}
	l.mu.Unlock()

	res := lim.Reserve()
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return delay, false
	}
	return 0, true
}
