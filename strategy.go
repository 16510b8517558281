package dvpool

import "github.com/telemark/dvpool/internal/core"

// Strategy selects how checkout picks among sources.
type Strategy = core.Strategy

const (
	// StrategyThrottleAware (default) round-robins over non-throttled
	// sources; when all are throttled it picks the one recovering soonest.
	StrategyThrottleAware = core.StrategyThrottleAware
	// StrategyRoundRobin cycles through sources regardless of throttle
	// state.
	StrategyRoundRobin = core.StrategyRoundRobin
	// StrategyLeastConnections picks the source with the fewest active
	// checkouts.
	StrategyLeastConnections = core.StrategyLeastConnections
)
