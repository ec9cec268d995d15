// Package tracker remembers, per URL, the content last analyzed so that an
// unchanged page is not proposed twice.
package tracker

import (
	"strings"
	"sync"
	"time"

	"github.com/sundai-club/tasks-auto-complete/api/schemas"
)

// Tracker maps a locator (usually a URL) to its last recorded state. Entries
// are overwritten but never removed.
type Tracker struct {
	mu     sync.RWMutex
	states map[string]schemas.UrlState
	now    func() time.Time
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{
		states: make(map[string]schemas.UrlState),
		now:    time.Now,
	}
}

// NewWithClock creates a tracker stamping LastChecked from now.
func NewWithClock(now func() time.Time) *Tracker {
	t := New()
	t.now = now
	return t
}

// ShouldAnalyze reports whether url is unknown or its fingerprint changed.
func (t *Tracker) ShouldAnalyze(url, fingerprint string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	state, ok := t.states[url]
	if !ok {
		return true
	}
	return state.LastContentFingerprint != fingerprint
}

// Record stores fingerprint as the latest analyzed content for url.
func (t *Tracker) Record(url, fingerprint string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.states[url] = schemas.UrlState{
		LastChecked:            t.now(),
		LastContentFingerprint: fingerprint,
	}
}

// State returns the stored state for url.
func (t *Tracker) State(url string) (schemas.UrlState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.states[url]
	return s, ok
}

// Len reports the number of tracked locators.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.states)
}

// Fingerprint is the concatenation of the snapshot's OCR texts in order.
func Fingerprint(s schemas.ActivitySnapshot) string {
	var b strings.Builder
	for _, e := range s.OCREntries {
		b.WriteString(e.Text)
	}
	return b.String()
}
