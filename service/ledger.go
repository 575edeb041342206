package service

import (
	"sync"
	"time"

	"github.com/dotside-studios/lntag-agent/nfc"
)

// Ledger tuning defaults. The window keeps a tag resting on the reader
// from being claimed on every poll; retention bounds how long the map
// can grow before a sweep.
const (
	DefaultRateLimitWindow = 2 * time.Second
	DefaultRetention       = time.Hour
)

// Ledger tracks which tags were recently processed. Keys are tag UIDs
// in hex, values the time the tag was last admitted.
//
// A Ledger is owned by the daemon orchestrator and passed explicitly to
// whoever needs it; there is no package-level instance. All methods
// are safe for concurrent use, since the event server reads stats
// while the daemon loop writes.
type Ledger struct {
	mu        sync.Mutex
	window    time.Duration
	retention time.Duration
	seen      map[string]time.Time
}

// NewLedger builds a ledger with the given rate-limit window and
// retention period. Non-positive values take the package defaults.
func NewLedger(window, retention time.Duration) *Ledger {
	if window <= 0 {
		window = DefaultRateLimitWindow
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Ledger{
		window:    window,
		retention: retention,
		seen:      make(map[string]time.Time),
	}
}

// Allowed reports whether id is outside its rate-limit window at now.
// It records nothing: a failed processing attempt must leave the tag
// eligible for the next iteration.
func (l *Ledger) Allowed(id nfc.TagID, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	last, ok := l.seen[id.Hex()]
	return !ok || now.Sub(last) >= l.window
}

// Admit records a successful processing of id at now. It returns false
// without recording when the tag is still inside its window.
func (l *Ledger) Admit(id nfc.TagID, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := id.Hex()
	if last, ok := l.seen[key]; ok && now.Sub(last) < l.window {
		return false
	}
	l.seen[key] = now
	return true
}

// Sweep drops entries older than the retention period and returns how
// many were removed.
func (l *Ledger) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, last := range l.seen {
		if now.Sub(last) > l.retention {
			delete(l.seen, key)
			removed++
		}
	}
	return removed
}

// Reset clears every entry and returns how many were dropped.
func (l *Ledger) Reset() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := len(l.seen)
	l.seen = make(map[string]time.Time)
	return count
}

// Len reports the number of tracked tags.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.seen)
}

// LastAdmitted returns when id was last admitted, if it is tracked.
func (l *Ledger) LastAdmitted(id nfc.TagID) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	last, ok := l.seen[id.Hex()]
	return last, ok
}

// Window returns the configured rate-limit window.
func (l *Ledger) Window() time.Duration {
	return l.window
}
