package server

import (
	"sync"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/time/rate"
)

// entryLimiter throttles entries per participant.
type entryLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	rate     rate.Limit
	burst    int
	clock    quartz.Clock
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newEntryLimiter returns nil when perSecond is not positive, which allows
// everything.
func newEntryLimiter(perSecond float64, burst int, clock quartz.Clock) *entryLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &entryLimiter{
		limiters: make(map[string]*limiterEntry),
		rate:     rate.Limit(perSecond),
		burst:    burst,
		clock:    clock,
	}
}

func (l *entryLimiter) allow(key string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	entry, ok := l.limiters[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// prune drops limiters idle for longer than idle and returns how many were
// removed.
func (l *entryLimiter) prune(idle time.Duration) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.clock.Now().Add(-idle)
	removed := 0
	for key, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, key)
			removed++
		}
	}
	return removed
}
