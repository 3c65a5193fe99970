package scheduler

import (
	"sync"
	"time"
)

// Debouncer coalesces rapid repeat triggers keyed by session. Calls within
// the window collapse into one firing that carries the latest reason; forced
// triggers bypass the window and fire immediately.
type Debouncer struct {
	window time.Duration
	fire   func(key, reason string)

	mu      sync.Mutex
	pending map[string]*debounceEntry
}

type debounceEntry struct {
	reason string
	timer  *time.Timer
}

// NewDebouncer creates a debouncer firing fn after window of quiet.
func NewDebouncer(window time.Duration, fn func(key, reason string)) *Debouncer {
	return &Debouncer{
		window:  window,
		fire:    fn,
		pending: make(map[string]*debounceEntry),
	}
}

// Trigger schedules a firing for key. force fires immediately and clears any
// pending window.
func (d *Debouncer) Trigger(key, reason string, force bool) {
	d.mu.Lock()
	if force {
		if e, ok := d.pending[key]; ok {
			e.timer.Stop()
			delete(d.pending, key)
		}
		d.mu.Unlock()
		d.fire(key, reason)
		return
	}
	if e, ok := d.pending[key]; ok {
		e.reason = reason
		e.timer.Reset(d.window)
		d.mu.Unlock()
		return
	}
	e := &debounceEntry{reason: reason}
	e.timer = time.AfterFunc(d.window, func() {
		d.mu.Lock()
		cur, ok := d.pending[key]
		if ok && cur == e {
			delete(d.pending, key)
		}
		reason := e.reason
		d.mu.Unlock()
		if ok {
			d.fire(key, reason)
		}
	})
	d.pending[key] = e
	d.mu.Unlock()
}

// Stop cancels all pending firings.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, e := range d.pending {
		e.timer.Stop()
		delete(d.pending, k)
	}
}
