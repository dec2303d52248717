// Package ratelimit implements a sliding-window event limiter keyed by arbitrary
// strings (connection ids, stream/log-type pairs).
package ratelimit

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// window keeps the timestamps of accepted events, oldest first.
type window struct {
	mu         sync.Mutex
	events     []time.Time
	lastAccess time.Time
}

// allow prunes events older than size and records now when under limit.
func (w *window) allow(now time.Time, limit int, size time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.lastAccess = now
	cutoff := now.Add(-size)
	i := 0
	for i < len(w.events) && !w.events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
	if len(w.events) >= limit {
		return false
	}
	w.events = append(w.events, now)
	return true
}

func (w *window) idleSince() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastAccess
}

// Limiter tracks one window per key.
type Limiter struct {
	mu      sync.RWMutex
	windows map[string]*window
	now     func() time.Time
}

// New returns a limiter using the wall clock.
func New() *Limiter {
	return NewWithClock(time.Now)
}

// NewWithClock returns a limiter reading time from now.
func NewWithClock(now func() time.Time) *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		now:     now,
	}
}

// Allow reports whether an event for key fits in limit events per size and records
// it if so. Rejected events are not recorded. A non-positive limit disables the check.
func (l *Limiter) Allow(key string, limit int, size time.Duration) bool {
	if limit <= 0 || size <= 0 {
		return true
	}
	return l.getWindow(key).allow(l.now(), limit, size)
}

// Reset forgets key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

// ResetPrefix forgets every key starting with prefix and returns how many went away.
func (l *Limiter) ResetPrefix(prefix string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key := range l.windows {
		if strings.HasPrefix(key, prefix) {
			delete(l.windows, key)
			n++
		}
	}
	return n
}

// EvictStale removes windows not touched within maxAge.
func (l *Limiter) EvictStale(maxAge time.Duration) int {
	cutoff := l.now().Add(-maxAge)

	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for key, w := range l.windows {
		if w.idleSince().Before(cutoff) {
			delete(l.windows, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter eviction", "evicted", evicted, "remaining", len(l.windows))
	}
	return evicted
}

// KeyCount returns the number of tracked keys.
func (l *Limiter) KeyCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.windows)
}

func (l *Limiter) getWindow(key string) *window {
	l.mu.RLock()
	w, ok := l.windows[key]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.windows[key]; ok {
		return w
	}
	w = &window{}
	l.windows[key] = w
	return w
}
