package scan

import (
	"sync"
	"time"
)

// Debouncer suppresses reader chatter: repeated reads of the same tag within
// the window are ignored. In-memory is enough while ingestion runs as a single
// process; for a multi-instance deployment swap the map for Redis.
type Debouncer struct {
	window time.Duration
	mu     sync.Mutex
	seen   map[string]time.Time
}

// NewDebouncer creates a debouncer with the given suppression window.
func NewDebouncer(window time.Duration) *Debouncer {
	if window <= 0 {
		window = 5 * time.Second
	}
	return &Debouncer{window: window, seen: make(map[string]time.Time)}
}

// Bounce records an observation of tag at the given time and reports whether
// it falls within the window of the previous observation. Each observation,
// suppressed or not, refreshes the window.
func (d *Debouncer) Bounce(tag string, at time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	last, ok := d.seen[tag]
	d.seen[tag] = at
	if len(d.seen) > 4096 {
		d.prune(at)
	}
	return ok && at.Sub(last) >= 0 && at.Sub(last) < d.window
}

// prune drops entries long past the window. Called with the lock held.
func (d *Debouncer) prune(now time.Time) {
	cutoff := now.Add(-10 * d.window)
	for tag, last := range d.seen {
		if last.Before(cutoff) {
			delete(d.seen, tag)
		}
	}
}
