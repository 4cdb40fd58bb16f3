package auth

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// lockoutEntry tracks failed handshakes for one remote address.
type lockoutEntry struct {
	failures  int
	expiresAt time.Time // zero while not locked
}

// LockoutTracker blocks remote addresses after repeated handshake failures.
//
// State is in memory only; a restart clears it.
type LockoutTracker struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	entries   map[string]*lockoutEntry
	threshold int
	duration  time.Duration
}

// NewLockoutTracker creates a tracker. A threshold <= 0 disables lockout.
func NewLockoutTracker(threshold int, duration time.Duration, clock clockwork.Clock) *LockoutTracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &LockoutTracker{
		clock:     clock,
		entries:   make(map[string]*lockoutEntry),
		threshold: threshold,
		duration:  duration,
	}
}

// RecordFailure records a failed handshake and reports whether key is now locked.
func (t *LockoutTracker) RecordFailure(key string) bool {
	if t == nil || t.threshold <= 0 || key == "" {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	entry, ok := t.entries[key]
	if !ok {
		entry = &lockoutEntry{}
		t.entries[key] = entry
	}

	if !entry.expiresAt.IsZero() {
		if now.Before(entry.expiresAt) {
			return true
		}
		entry.failures = 0
		entry.expiresAt = time.Time{}
	}

	entry.failures++
	if entry.failures >= t.threshold {
		entry.expiresAt = now.Add(t.duration)
		return true
	}
	return false
}

// IsLocked reports whether key is currently locked out.
func (t *LockoutTracker) IsLocked(key string) bool {
	if t == nil || t.threshold <= 0 {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[key]
	if !ok || entry.expiresAt.IsZero() {
		return false
	}
	return t.clock.Now().Before(entry.expiresAt)
}

// ClearFailures forgets key after a successful handshake.
func (t *LockoutTracker) ClearFailures(key string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
}

// Run prunes expired entries every interval until ctx is done.
func (t *LockoutTracker) Run(ctx context.Context, interval time.Duration) {
	ticker := t.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			t.prune()
		}
	}
}

func (t *LockoutTracker) prune() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	for key, entry := range t.entries {
		if !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt) {
			delete(t.entries, key)
		}
	}
}

// Len returns the number of tracked keys.
func (t *LockoutTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
