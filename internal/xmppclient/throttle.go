package xmppclient

import (
	"sync"
	"time"
)

// Default sliding-window limits applied while a client is Degraded:
// outbound sends are throttled rather than queued unbounded.
const (
	degradedRateEvents = 5
	degradedRateWindow = time.Second
)

// Throttle is a per-connection sliding-window limiter used to shed load
// while the connection state is Degraded.
type Throttle struct {
	mu     sync.Mutex
	events []time.Time
	limit  int
	window time.Duration
}

// NewThrottle constructs a Throttle with safe defaults when inputs are
// invalid.
func NewThrottle(limit int, window time.Duration) *Throttle {
	if limit <= 0 {
		limit = degradedRateEvents
	}
	if window <= 0 {
		window = degradedRateWindow
	}
	return &Throttle{
		events: make([]time.Time, 0, limit+8),
		limit:  limit,
		window: window,
	}
}

// Allow reports whether an event at time now should be permitted under
// the current sliding window.
func (t *Throttle) Allow(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	cut := now.Add(-t.window)
	dst := t.events[:0]
	for _, ts := range t.events {
		if ts.After(cut) {
			dst = append(dst, ts)
		}
	}
	t.events = dst

	if len(t.events) >= t.limit {
		return false
	}
	t.events = append(t.events, now)
	return true
}
