package signal

import (
	"sync"
	"time"

	"github.com/dkeye/Chat/internal/domain"
	"golang.org/x/time/rate"
)

// idle limiters are swept once the map grows past this
const sweepThreshold = 1024

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter caps publishes per user across all rooms and transports:
// limit messages per interval, with bursts up to limit.
type RateLimiter struct {
	mu       sync.Mutex
	users    map[domain.UserID]*limiterEntry
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewRateLimiter(limit int, interval time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &RateLimiter{
		users:    make(map[domain.UserID]*limiterEntry),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (rl *RateLimiter) Allow(uid domain.UserID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	e, ok := rl.users[uid]
	if !ok {
		if len(rl.users) >= sweepThreshold {
			rl.sweep(now)
		}
		e = &limiterEntry{lim: rate.NewLimiter(rate.Every(rl.interval/time.Duration(rl.limit)), rl.limit)}
		rl.users[uid] = e
	}
	e.lastSeen = now
	return e.lim.AllowN(now, 1)
}

// sweep drops users idle for a full interval; their bucket is full again.
func (rl *RateLimiter) sweep(now time.Time) {
	for uid, e := range rl.users {
		if now.Sub(e.lastSeen) > rl.interval {
			delete(rl.users, uid)
		}
	}
}
