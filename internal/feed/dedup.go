package feed

import (
	"sync"
	"time"
)

// Dedup collapses repeated nudges for the same auction inside a window.
// It is safe for concurrent use.
type Dedup struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
	now    func() time.Time
}

// NewDedup creates a Dedup. A non-positive window disables deduplication.
func NewDedup(window time.Duration) *Dedup {
	return &Dedup{seen: make(map[string]time.Time), window: window, now: time.Now}
}

// IsDuplicate reports whether id was seen within the window, recording it
// when it was not.
func (d *Dedup) IsDuplicate(id string) bool {
	if d.window <= 0 {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if last, ok := d.seen[id]; ok && now.Sub(last) < d.window {
		return true
	}
	d.seen[id] = now
	return false
}

// Cleanup drops expired entries.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for id, ts := range d.seen {
		if now.Sub(ts) >= d.window {
			delete(d.seen, id)
		}
	}
}
