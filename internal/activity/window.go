package activity

import (
	"sync"
	"time"

	"github.com/sundai-club/tasks-auto-complete/api/schemas"
)

// WindowStore is a bounded, arrival-ordered buffer of snapshots. Age is
// measured against each snapshot's content end time, not when it was pushed.
type WindowStore struct {
	mu        sync.Mutex
	window    time.Duration
	now       func() time.Time
	snapshots []schemas.ActivitySnapshot
}

// WindowOption configures a WindowStore.
type WindowOption func(*WindowStore)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) WindowOption {
	return func(w *WindowStore) {
		w.now = now
	}
}

// NewWindowStore creates a store that retains snapshots for twice window.
func NewWindowStore(window time.Duration, opts ...WindowOption) *WindowStore {
	w := &WindowStore{
		window: window,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Push appends s and evicts snapshots that ended before now - 2*window.
func (w *WindowStore) Push(s schemas.ActivitySnapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.snapshots = append(w.snapshots, s)

	cutoff := w.now().Add(-2 * w.window)
	kept := w.snapshots[:0]
	for _, snap := range w.snapshots {
		if !snap.TimeRange.End.Before(cutoff) {
			kept = append(kept, snap)
		}
	}
	// Drop references held past the new length.
	for i := len(kept); i < len(w.snapshots); i++ {
		w.snapshots[i] = schemas.ActivitySnapshot{}
	}
	w.snapshots = kept
}

// Recent returns, in arrival order, the snapshots whose end time is at or
// after now - window.
func (w *WindowStore) Recent(window time.Duration) []schemas.ActivitySnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := w.now().Add(-window)
	out := make([]schemas.ActivitySnapshot, 0, len(w.snapshots))
	for _, snap := range w.snapshots {
		if !snap.TimeRange.End.Before(cutoff) {
			out = append(out, snap)
		}
	}
	return out
}

// Latest returns the most recently pushed snapshot.
func (w *WindowStore) Latest() (schemas.ActivitySnapshot, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.snapshots) == 0 {
		return schemas.ActivitySnapshot{}, false
	}
	return w.snapshots[len(w.snapshots)-1], true
}

// Len reports how many snapshots are retained.
func (w *WindowStore) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.snapshots)
}
