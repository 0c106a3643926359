package filter

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DedupeFilter collapses repeated identical keys
type DedupeFilter struct {
	mu      sync.Mutex
	window  time.Duration // Time window measured from the last emit (0 = consecutive only)
	clock   clock.Clock
	seen    map[string]*dedupeEntry
	lastKey string
}

type dedupeEntry struct {
	count     int
	firstSeen time.Time // when the key was last emitted
	lastSeen  time.Time
}

// NewDedupeFilter creates a new deduplication filter
// window=0 means only collapse consecutive identical keys
// window>0 means collapse identical keys within window of their last emit
func NewDedupeFilter(window time.Duration, clk clock.Clock) *DedupeFilter {
	if clk == nil {
		clk = clock.New()
	}
	return &DedupeFilter{
		window: window,
		clock:  clk,
		seen:   make(map[string]*dedupeEntry),
	}
}

// DedupeResult holds the result of a dedupe check
type DedupeResult struct {
	ShouldEmit bool      // Whether this key should be acted on
	Count      int       // Number of duplicates (1 = first occurrence)
	FirstSeen  time.Time // Last emit timestamp
	LastSeen   time.Time // Last occurrence timestamp (same as FirstSeen if count=1)
}

// Check determines if key should be acted on or suppressed
func (f *DedupeFilter) Check(key string) DedupeResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.clock.Now()

	if f.window > 0 {
		f.cleanOldEntries(now)
	}

	if existing, ok := f.seen[key]; ok {
		if f.window > 0 || f.lastKey == key {
			existing.count++
			existing.lastSeen = now
			return DedupeResult{
				ShouldEmit: false,
				Count:      existing.count,
				FirstSeen:  existing.firstSeen,
				LastSeen:   existing.lastSeen,
			}
		}
	}

	f.seen[key] = &dedupeEntry{
		count:     1,
		firstSeen: now,
		lastSeen:  now,
	}
	f.lastKey = key

	return DedupeResult{
		ShouldEmit: true,
		Count:      1,
		FirstSeen:  now,
		LastSeen:   now,
	}
}

// Remaining returns how long key stays suppressed, or 0 if it would emit now
func (f *DedupeFilter) Remaining(key string) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.seen[key]
	if !ok || f.window <= 0 {
		return 0
	}
	left := f.window - f.clock.Since(e.firstSeen)
	if left < 0 {
		return 0
	}
	return left
}

// Forget drops key so its next Check emits
func (f *DedupeFilter) Forget(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.seen, key)
	if f.lastKey == key {
		f.lastKey = ""
	}
}

// Reset clears the deduplication state
func (f *DedupeFilter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = make(map[string]*dedupeEntry)
	f.lastKey = ""
}

// cleanOldEntries removes entries whose emit is outside the window
func (f *DedupeFilter) cleanOldEntries(now time.Time) {
	cutoff := now.Add(-f.window)
	for key, entry := range f.seen {
		if !entry.firstSeen.After(cutoff) {
			delete(f.seen, key)
		}
	}
}
