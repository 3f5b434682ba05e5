// Package ratelimit bounds how often one identifier may perform a
// category of sensitive operation. It is a client-side fail-fast
// throttle; the device backend enforces its own limits.
package ratelimit

import (
	"sync"
	"time"

	"github.com/mes-console/backend/internal/clock"
)

// Category is a class of rate-limited operation.
type Category string

const (
	DeviceOperation Category = "device_operation"
	BarcodeScan     Category = "barcode_scan"
	APIRequest      Category = "api_request"
)

// Window is the fixed window length shared by all categories.
const Window = 60 * time.Second

var ceilings = map[Category]int{
	DeviceOperation: 10,
	BarcodeScan:     30,
	APIRequest:      50,
}

// Categories lists the known categories in a stable order.
var Categories = []Category{DeviceOperation, BarcodeScan, APIRequest}

// Ceiling returns the per-window limit for category, 0 when unknown.
func Ceiling(category Category) int {
	return ceilings[category]
}

type windowKey struct {
	category   Category
	identifier string
}

type window struct {
	count       int
	windowStart time.Time
}

// Limiter is a fixed-window counter keyed by (category, identifier).
type Limiter struct {
	mu      sync.Mutex
	clock   clock.Clock
	windows map[windowKey]*window
}

// NewLimiter creates an empty limiter reading time from clk.
func NewLimiter(clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.Real()
	}
	return &Limiter{
		clock:   clk,
		windows: make(map[windowKey]*window),
	}
}

// Allow consumes one unit of the identifier's allowance. A rejected call
// leaves the count unchanged. Unknown categories are always rejected.
func (l *Limiter) Allow(category Category, identifier string) bool {
	ceiling, ok := ceilings[category]
	if !ok {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	key := windowKey{category, identifier}
	w, exists := l.windows[key]
	if !exists || expired(w, now) {
		l.windows[key] = &window{count: 1, windowStart: now}
		return true
	}
	if w.count < ceiling {
		w.count++
		return true
	}
	return false
}

// Remaining returns how many calls the identifier has left in the live
// window, or the full ceiling when no window is live.
func (l *Limiter) Remaining(category Category, identifier string) int {
	ceiling := ceilings[category]

	l.mu.Lock()
	defer l.mu.Unlock()

	w, exists := l.windows[windowKey{category, identifier}]
	if !exists || expired(w, l.clock.Now()) {
		return ceiling
	}
	if w.count >= ceiling {
		return 0
	}
	return ceiling - w.count
}

// ResetAt returns when the identifier's live window rolls over; zero
// when there is no live window.
func (l *Limiter) ResetAt(category Category, identifier string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, exists := l.windows[windowKey{category, identifier}]
	if !exists || expired(w, l.clock.Now()) {
		return time.Time{}
	}
	return w.windowStart.Add(Window)
}

// Snapshot reports the remaining allowance of every category for identifier.
func (l *Limiter) Snapshot(identifier string) map[Category]int {
	out := make(map[Category]int, len(Categories))
	for _, c := range Categories {
		out[c] = l.Remaining(c, identifier)
	}
	return out
}

// Reset drops the identifier's window for category.
func (l *Limiter) Reset(category Category, identifier string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, windowKey{category, identifier})
}

// Cleanup removes expired windows and returns how many were dropped.
func (l *Limiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	removed := 0
	for key, w := range l.windows {
		if expired(w, now) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// expired uses a strict comparison: a window is still live exactly
// Window after it started.
func expired(w *window, now time.Time) bool {
	return now.Sub(w.windowStart) > Window
}
