package pipeline

import (
	"sync"
	"sync/atomic"
	"time"
)

// Counter is a relaxed atomic counter shared between pipeline stages and
// the checkpointer/monitor. Snapshots read each counter once per cycle.
type Counter struct{ v atomic.Int64 }

func (c *Counter) Add(n int64)   { c.v.Add(n) }
func (c *Counter) Load() int64   { return c.v.Load() }
func (c *Counter) Store(n int64) { c.v.Store(n) }

// ErrorWindow is a sliding-window error counter. Record returns true when
// the number of errors inside the window crosses the limit, which is the
// pipeline's signal to abort instead of grinding through a poisoned source.
type ErrorWindow struct {
	mu    sync.Mutex
	limit int
	span  time.Duration
	times []time.Time
	now   func() time.Time // for testing
}

// NewErrorWindow creates a window that trips once more than limit errors
// fall within span.
func NewErrorWindow(limit int, span time.Duration) *ErrorWindow {
	return &ErrorWindow{limit: limit, span: span, now: time.Now}
}

// Record registers one error and reports whether the window tripped.
func (w *ErrorWindow) Record() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	cutoff := now.Add(-w.span)

	// Drop expired entries from the front.
	i := 0
	for i < len(w.times) && w.times[i].Before(cutoff) {
		i++
	}
	w.times = append(w.times[i:], now)
	return len(w.times) > w.limit
}

// Count returns the number of errors currently inside the window.
func (w *ErrorWindow) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := w.now().Add(-w.span)
	n := 0
	for _, t := range w.times {
		if !t.Before(cutoff) {
			n++
		}
	}
	return n
}
