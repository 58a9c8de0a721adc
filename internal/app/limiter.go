package app

import (
	"sync"
	"time"

	"github.com/dkeye/voiceroom/internal/core"
)

// windowLimiter allows at most limit events per key within a sliding interval.
// The room uses it to keep per-frame warnings from flooding the log.
type windowLimiter struct {
	clock    core.Clock
	mu       sync.Mutex
	history  map[string][]time.Time
	limit    int
	interval time.Duration
	swept    time.Time
}

func newWindowLimiter(clock core.Clock, limit int, interval time.Duration) *windowLimiter {
	return &windowLimiter{
		clock:    clock,
		history:  make(map[string][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (l *windowLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	windowStart := now.Add(-l.interval)
	if now.Sub(l.swept) >= l.interval {
		l.sweep(windowStart)
		l.swept = now
	}

	attempts := l.history[key]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= l.limit {
		l.history[key] = fresh
		return false
	}
	l.history[key] = append(fresh, now)
	return true
}

// sweep drops keys with no events left in the window.
func (l *windowLimiter) sweep(windowStart time.Time) {
	for key, attempts := range l.history {
		if len(attempts) == 0 || !attempts[len(attempts)-1].After(windowStart) {
			delete(l.history, key)
		}
	}
}
