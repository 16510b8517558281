package throttle

import (
	"sync"
	"sync/atomic"
	"time"
)

// entry is one source's live throttle window.
type entry struct {
	throttledAt time.Time
	expiresAt   time.Time
	retryAfter  time.Duration
}

// Tracker records per-source throttle expiries. It is shared between the pool
// (which consults it during checkout and selection) and the detector (which
// records into it from the dispatch path), so every method is safe under
// parallel access.
//
// Entries are stored in a sync.Map: reads are lock-free and writers never
// block readers. Expired entries are removed opportunistically whenever a
// read touches them, so the map never needs a background sweeper. Readers may
// observe an entry a moment after a concurrent ClearThrottle; callers
// tolerate that staleness (the worst case is one extra selection pass).
type Tracker struct {
	entries sync.Map // source name → *entry

	throttleEvents atomic.Int64
	totalBackoff   atomic.Int64 // nanoseconds accumulated from retry-after values

	// now is the clock, replaceable in tests.
	now func() time.Time
}

// NewTracker returns an empty tracker using the wall clock.
func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// NewTrackerWithClock returns a tracker using the supplied clock.
// Panics if now is nil.
func NewTrackerWithClock(now func() time.Time) *Tracker {
	if now == nil {
		panic("dvpool: tracker clock must not be nil")
	}
	return &Tracker{now: now}
}

// RecordThrottle writes or overwrites the source's throttle window so that it
// expires retryAfter from now. The global event counter and the cumulative
// backoff accumulator advance on every call, including overwrites.
func (t *Tracker) RecordThrottle(source string, retryAfter time.Duration) {
	now := t.now()
	t.entries.Store(source, &entry{
		throttledAt: now,
		expiresAt:   now.Add(retryAfter),
		retryAfter:  retryAfter,
	})
	t.throttleEvents.Add(1)
	t.totalBackoff.Add(int64(retryAfter))
}

// IsThrottled reports whether the source has a live throttle window.
// An expired entry found on the way is removed.
func (t *Tracker) IsThrottled(source string) bool {
	_, live := t.lookup(source)
	return live
}

// ThrottleExpiry returns the source's throttle expiry time.
// ok is false when the source is not throttled.
func (t *Tracker) ThrottleExpiry(source string) (expiry time.Time, ok bool) {
	e, live := t.lookup(source)
	if !live {
		return time.Time{}, false
	}
	return e.expiresAt, true
}

// ClearThrottle drops the source's throttle window, if any.
func (t *Tracker) ClearThrottle(source string) {
	t.entries.Delete(source)
}

// ShortestExpiry returns the minimum positive remaining wait across all live
// windows, or 0 when no source is throttled. Expired entries encountered
// during the scan are removed.
func (t *Tracker) ShortestExpiry() time.Duration {
	now := t.now()
	var shortest time.Duration

	t.entries.Range(func(key, value any) bool {
		e := value.(*entry)
		remaining := e.expiresAt.Sub(now)
		if remaining <= 0 {
			t.entries.Delete(key)
			return true
		}
		if shortest == 0 || remaining < shortest {
			shortest = remaining
		}
		return true
	})

	return shortest
}

// ThrottledConnections returns the set of currently throttled source names.
func (t *Tracker) ThrottledConnections() map[string]struct{} {
	now := t.now()
	set := make(map[string]struct{})

	t.entries.Range(func(key, value any) bool {
		e := value.(*entry)
		if now.Before(e.expiresAt) {
			set[key.(string)] = struct{}{}
		} else {
			t.entries.Delete(key)
		}
		return true
	})

	return set
}

// ThrottledConnectionCount returns the number of currently throttled sources.
func (t *Tracker) ThrottledConnectionCount() int {
	return len(t.ThrottledConnections())
}

// ThrottleEvents returns the total number of RecordThrottle calls.
func (t *Tracker) ThrottleEvents() int64 {
	return t.throttleEvents.Load()
}

// TotalBackoff returns the sum of every recorded retry-after value.
func (t *Tracker) TotalBackoff() time.Duration {
	return time.Duration(t.totalBackoff.Load())
}

// lookup fetches the source's entry and removes it when expired.
func (t *Tracker) lookup(source string) (*entry, bool) {
	v, ok := t.entries.Load(source)
	if !ok {
		return nil, false
	}
	e := v.(*entry)
	if !t.now().Before(e.expiresAt) {
		t.entries.Delete(source)
		return nil, false
	}
	return e, true
}
