// Package budget bounds how long the pipeline keeps running unattended once
// things start going wrong.
package budget

import (
	"errors"
	"sync"
)

// ErrExceeded is surfaced to the scheduler when the error ceiling is reached.
var ErrExceeded = errors.New("budget: error ceiling reached")

// Mode selects which counter the ceiling applies to.
type Mode int

const (
	// HaltOnConsecutive stops after N failures in a row; any success resets.
	HaltOnConsecutive Mode = iota
	// HaltOnTotal stops after N failures over the process lifetime.
	HaltOnTotal
)

// Tracker counts publication failures. It is shared by the coordinator
// (which records outcomes) and the scheduler (which consults ShouldHalt
// between segments), so it is safe for concurrent use.
type Tracker struct {
	mu          sync.Mutex
	limit       int
	mode        Mode
	consecutive int
	total       int
}

// New returns a tracker that halts once the given counter reaches limit.
func New(limit int, mode Mode) *Tracker {
	return &Tracker{limit: limit, mode: mode}
}

// RecordSuccess resets the consecutive counter. The total is untouched.
func (t *Tracker) RecordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consecutive = 0
}

// RecordFailure increments both counters.
func (t *Tracker) RecordFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consecutive++
	t.total++
}

// ShouldHalt reports whether the configured ceiling has been reached.
func (t *Tracker) ShouldHalt() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.mode {
	case HaltOnTotal:
		return t.total >= t.limit
	default:
		return t.consecutive >= t.limit
	}
}

// Snapshot returns the current counter values.
func (t *Tracker) Snapshot() (consecutive, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.consecutive, t.total
}
