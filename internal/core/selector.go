package core

import (
	"sync/atomic"
	"time"

	"github.com/telemark/dvpool/internal/throttle"
)

// Strategy selects how checkout picks among sources.
type Strategy int

const (
	// StrategyThrottleAware round-robins over non-throttled sources and,
	// when every source is throttled, returns the one recovering soonest.
	// This is the default.
	StrategyThrottleAware Strategy = iota
	// StrategyRoundRobin cycles through sources regardless of throttle state.
	StrategyRoundRobin
	// StrategyLeastConnections picks the source with the fewest active
	// checkouts.
	StrategyLeastConnections
)

// IsValid reports whether s is a recognized strategy.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyThrottleAware, StrategyRoundRobin, StrategyLeastConnections:
		return true
	default:
		return false
	}
}

// String returns the strategy name.
func (s Strategy) String() string {
	switch s {
	case StrategyThrottleAware:
		return "ThrottleAware"
	case StrategyRoundRobin:
		return "RoundRobin"
	case StrategyLeastConnections:
		return "LeastConnections"
	default:
		return "Unknown"
	}
}

// selector picks a source name for one checkout. names preserves
// configuration order; active reports per-source checked-out counts;
// exclude removes one source from consideration (empty = none).
// Returns "" when no source is eligible.
type selector interface {
	pick(names []string, tracker *throttle.Tracker, active func(string) int64, exclude string) string
}

func newSelector(s Strategy) selector {
	switch s {
	case StrategyRoundRobin:
		return &roundRobin{}
	case StrategyLeastConnections:
		return leastConnections{}
	default:
		return &throttleAware{}
	}
}

type roundRobin struct {
	next atomic.Uint64
}

func (r *roundRobin) pick(names []string, _ *throttle.Tracker, _ func(string) int64, exclude string) string {
	n := len(names)
	start := r.next.Add(1) - 1
	for i := 0; i < n; i++ {
		name := names[(start+uint64(i))%uint64(n)]
		if name != exclude {
			return name
		}
	}
	return ""
}

type leastConnections struct{}

func (leastConnections) pick(names []string, _ *throttle.Tracker, active func(string) int64, exclude string) string {
	best := ""
	var bestActive int64
	for _, name := range names {
		if name == exclude {
			continue
		}
		a := active(name)
		if best == "" || a < bestActive {
			best, bestActive = name, a
		}
	}
	return best
}

type throttleAware struct {
	next atomic.Uint64
}

func (t *throttleAware) pick(names []string, tracker *throttle.Tracker, _ func(string) int64, exclude string) string {
	n := len(names)
	start := t.next.Add(1) - 1

	for i := 0; i < n; i++ {
		name := names[(start+uint64(i))%uint64(n)]
		if name != exclude && !tracker.IsThrottled(name) {
			return name
		}
	}

	// Everything usable is throttled: return the source recovering soonest
	// so the caller's subsequent wait is as short as possible. A source that
	// cleared between the loop above and this scan naturally wins with a
	// zero remaining wait.
	best := ""
	var bestExpiry time.Time
	for _, name := range names {
		if name == exclude {
			continue
		}
		expiry, ok := tracker.ThrottleExpiry(name)
		if !ok {
			return name
		}
		if best == "" || expiry.Before(bestExpiry) {
			best, bestExpiry = name, expiry
		}
	}
	return best
}
