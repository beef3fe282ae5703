// SPDX-License-Identifier: MIT

package relay

import (
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

// connLimiter throttles join attempts per (ip, user, session) triple.
// Limiters live in a TTL cache so idle triples age out on their own.
type connLimiter struct {
	mu        sync.Mutex
	cache     *ttlcache.Cache[string, *rate.Limiter]
	perMinute int
}

func newConnLimiter(perMinute int) *connLimiter {
	c := ttlcache.New[string, *rate.Limiter](
		ttlcache.WithTTL[string, *rate.Limiter](5 * time.Minute),
	)
	go c.Start()
	return &connLimiter{cache: c, perMinute: perMinute}
}

func (l *connLimiter) allow(ip, userID, sessionID string) bool {
	if l.perMinute <= 0 {
		return true
	}
	key := strings.Join([]string{ip, userID, sessionID}, "|")
	l.mu.Lock()
	var lim *rate.Limiter
	if item := l.cache.Get(key); item != nil {
		lim = item.Value()
	} else {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.perMinute)
		l.cache.Set(key, lim, ttlcache.DefaultTTL)
	}
	l.mu.Unlock()
	return lim.Allow()
}

func (l *connLimiter) stop() { l.cache.Stop() }
