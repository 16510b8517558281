package rate

import (
	"sync"
	"time"
)

// Controller is the pool-wide AIMD state machine. One instance exists per
// pool; every method is safe for concurrent use. A single mutex serializes
// transitions — writes are bounded arithmetic with no I/O, so contention is
// negligible next to the network round trips they account for.
type Controller struct {
	cfg Config

	// now is the clock, replaceable in tests.
	now func() time.Time

	mu sync.Mutex

	initialized     bool
	connectionCount int

	current int
	floor   int
	ceiling int

	lastKnownGood     int
	lastKnownGoodTime time.Time

	batchesSinceThrottle   int
	totalThrottleEvents    int64
	totalSuccessfulBatches int64
	batchSamples           int64
	hasHadFirstThrottle    bool

	lastThrottleTime      time.Time
	lastThrottleProcessed time.Time
	lastIncreaseTime      time.Time
	lastActivityTime      time.Time
	lastCompletionTime    time.Time

	throttleCeiling       int
	throttleCeilingExpiry time.Time
	execTimeCeiling       int
	requestRateCeiling    int

	batchDurationEMA time.Duration
	minBatchDuration time.Duration
	batchRateEMA     float64
}

// NewController builds a controller with the given configuration, using the
// wall clock. Bounds are initialized lazily on the first GetParallelism call,
// when the source count is known.
func NewController(cfg Config) *Controller {
	return &Controller{cfg: cfg, now: time.Now}
}

// NewControllerWithClock builds a controller using the supplied clock.
// Panics if now is nil.
func NewControllerWithClock(cfg Config, now func() time.Time) *Controller {
	if now == nil {
		panic("dvpool: rate controller clock must not be nil")
	}
	return &Controller{cfg: cfg, now: now}
}

// IsEnabled reports whether adaptation is active.
func (c *Controller) IsEnabled() bool {
	return c.cfg.Enabled
}

// Config returns the controller's configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

// GetParallelism returns the parallelism cap to apply right now, given the
// server's per-source DOP hint and the number of configured sources.
//
// The first call (and any call after the source count changes) initializes
// the bounds: floor = max(hint × sources, 1), ceiling = 52 × sources,
// current = floor. A controller idle for more than IdleReset reinitializes,
// and a last-known-good older than its TTL is refreshed to current. With
// adaptation disabled the cap is pinned to the floor.
func (c *Controller) GetParallelism(serverHintPerSource, connectionCount int) int {
	if connectionCount < 1 {
		connectionCount = 1
	}
	floor := floorFor(serverHintPerSource, connectionCount)

	if !c.cfg.Enabled {
		return floor
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	if !c.initialized || c.connectionCount != connectionCount {
		c.initBounds(floor, connectionCount, now)
	} else if !c.lastActivityTime.IsZero() && now.Sub(c.lastActivityTime) > IdleReset {
		// Idle reset: whatever was learned is stale after five quiet
		// minutes; start over from the floor.
		events := c.totalThrottleEvents
		c.initBounds(floor, connectionCount, now)
		c.totalThrottleEvents = events
	} else if floor != c.floor {
		// Server hint moved; keep learned state but honor the new floor.
		c.floor = floor
		if c.current < floor {
			c.current = floor
		}
		if c.lastKnownGood < floor {
			c.lastKnownGood = floor
		}
	}

	if !c.lastKnownGoodTime.IsZero() && now.Sub(c.lastKnownGoodTime) > LastKnownGoodTTL {
		c.lastKnownGood = c.current
		c.lastKnownGoodTime = now
	}

	p := c.current
	if eff := c.effectiveCeiling(now); p > eff {
		p = eff
	}
	if p < c.floor {
		p = c.floor
	}
	return p
}

// RecordBatchCompletion feeds one successful batch with its wall-clock
// duration into the controller and considers an additive increase.
func (c *Controller) RecordBatchCompletion(duration time.Duration) {
	if !c.cfg.Enabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return
	}
	if duration <= 0 {
		duration = time.Millisecond
	}

	now := c.now()
	c.lastActivityTime = now

	// Duration EMA and minimum observation.
	if c.batchSamples == 0 {
		c.batchDurationEMA = duration
	} else {
		c.batchDurationEMA = time.Duration(
			EMAAlpha*float64(duration) + (1-EMAAlpha)*float64(c.batchDurationEMA))
	}
	if c.minBatchDuration == 0 || duration < c.minBatchDuration {
		c.minBatchDuration = duration
	}

	// Rate EMA from the spacing between completions.
	if !c.lastCompletionTime.IsZero() {
		if elapsed := now.Sub(c.lastCompletionTime); elapsed > 0 {
			inst := 1 / elapsed.Seconds()
			if c.batchRateEMA == 0 {
				c.batchRateEMA = inst
			} else {
				c.batchRateEMA = EMAAlpha*inst + (1-EMAAlpha)*c.batchRateEMA
			}
		}
	}
	c.lastCompletionTime = now

	c.batchSamples++
	c.batchesSinceThrottle++
	c.totalSuccessfulBatches++

	if c.batchSamples >= MinBatchSamples {
		c.recomputeBudgetCeilings()
	}

	c.maybeIncrease(now)
}

// RecordThrottle feeds one service protection event with the server's
// retry-after into the controller.
//
// Every event is counted, but bursts within ThrottleDebounce of an already
// processed throttle do not re-apply the decrease: when 52 in-flight requests
// all fault at once, the cap must halve once, not 52 times. While current
// sits at the floor the throttle ceiling is left alone — the floor is the
// server's own recommendation, and ratcheting the ceiling down there would
// only delay recovery.
func (c *Controller) RecordThrottle(retryAfter time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalThrottleEvents++
	if !c.cfg.Enabled || !c.initialized {
		return
	}

	now := c.now()
	c.lastActivityTime = now
	c.lastThrottleTime = now
	c.hasHadFirstThrottle = true

	if !c.lastThrottleProcessed.IsZero() && now.Sub(c.lastThrottleProcessed) < ThrottleDebounce {
		return
	}
	c.lastThrottleProcessed = now

	if c.current > c.floor {
		// Scale the ceiling by how far past the budget we ran: a long
		// retry-after means a deep overshoot and a deeper cut, clamped
		// to [0.5, 1.0] of the pre-throttle level.
		overshoot := float64(retryAfter) / float64(ProtectionWindow)
		reduction := 1 - overshoot/2
		if reduction < 0.5 {
			reduction = 0.5
		}
		if reduction > 1 {
			reduction = 1
		}

		base := c.current
		if c.throttleCeiling > base {
			base = c.throttleCeiling
		}
		c.throttleCeiling = maxInt(c.floor, int(float64(base)*reduction))
		c.throttleCeilingExpiry = now.Add(retryAfter + ProtectionWindow)
	}

	c.lastKnownGood = maxInt(c.floor, c.current-IncreaseRate)
	c.lastKnownGoodTime = now

	c.current = maxInt(c.floor, int(float64(c.current)*c.cfg.DecreaseFactor))
	c.batchesSinceThrottle = 0
}

// Reset reinitializes the controller, preserving only the lifetime throttle
// event count. The next GetParallelism call re-derives the bounds.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	events := c.totalThrottleEvents
	*c = Controller{cfg: c.cfg, now: c.now, totalThrottleEvents: events}
}

// GetStatistics returns a point-in-time snapshot of the controller state.
func (c *Controller) GetStatistics() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Statistics{
		Enabled:                c.cfg.Enabled,
		Preset:                 c.cfg.Preset().String(),
		Overrides:              c.cfg.Overrides(),
		Current:                c.current,
		Floor:                  c.floor,
		Ceiling:                c.ceiling,
		EffectiveCeiling:       c.effectiveCeiling(c.now()),
		ConnectionCount:        c.connectionCount,
		LastKnownGood:          c.lastKnownGood,
		BatchesSinceThrottle:   c.batchesSinceThrottle,
		TotalThrottleEvents:    c.totalThrottleEvents,
		TotalSuccessfulBatches: c.totalSuccessfulBatches,
		BatchSamples:           c.batchSamples,
		HasHadFirstThrottle:    c.hasHadFirstThrottle,
		ThrottleCeiling:        c.throttleCeiling,
		ThrottleCeilingExpiry:  c.throttleCeilingExpiry,
		ExecTimeCeiling:        c.execTimeCeiling,
		RequestRateCeiling:     c.requestRateCeiling,
		BatchDurationEMA:       c.batchDurationEMA,
		MinBatchDuration:       c.minBatchDuration,
		BatchRateEMA:           c.batchRateEMA,
		LastThrottleTime:       c.lastThrottleTime,
		LastIncreaseTime:       c.lastIncreaseTime,
		LastActivityTime:       c.lastActivityTime,
	}
}

// initBounds derives fresh bounds for the given floor and source count.
// Caller holds mu.
func (c *Controller) initBounds(floor, connectionCount int, now time.Time) {
	c.initialized = true
	c.connectionCount = connectionCount
	c.floor = floor
	c.ceiling = HardCapPerSource * connectionCount
	c.current = floor
	c.lastKnownGood = floor
	c.lastKnownGoodTime = now
	c.lastActivityTime = now

	c.batchesSinceThrottle = 0
	c.batchSamples = 0
	c.totalSuccessfulBatches = 0
	c.hasHadFirstThrottle = false
	c.lastThrottleTime = time.Time{}
	c.lastThrottleProcessed = time.Time{}
	c.lastIncreaseTime = time.Time{}
	c.lastCompletionTime = time.Time{}
	c.throttleCeiling = 0
	c.throttleCeilingExpiry = time.Time{}
	c.execTimeCeiling = 0
	c.requestRateCeiling = 0
	c.batchDurationEMA = 0
	c.minBatchDuration = 0
	c.batchRateEMA = 0
}

// recomputeBudgetCeilings refreshes the execution-time and request-rate
// ceilings from the current observations. Caller holds mu; batchSamples is
// at least MinBatchSamples.
func (c *Controller) recomputeBudgetCeilings() {
	if c.minBatchDuration > 0 {
		c.requestRateCeiling = maxInt(1, int(c.cfg.RequestRateFactor*c.minBatchDuration.Seconds()))
	}
	if c.batchDurationEMA > 0 {
		c.execTimeCeiling = maxInt(1,
			int(c.cfg.ExecTimeFactor*float64(c.connectionCount)/c.batchDurationEMA.Seconds()))
	}
}

// effectiveCeiling folds all active ceilings into the binding cap.
// Caller holds mu.
func (c *Controller) effectiveCeiling(now time.Time) int {
	eff := c.ceiling

	if c.batchSamples < MinBatchSamples {
		eff = minInt(eff, InitialCapPerSource*c.connectionCount)
	} else {
		if c.requestRateCeiling > 0 {
			eff = minInt(eff, c.requestRateCeiling)
		}
		if c.execTimeCeiling > 0 {
			eff = minInt(eff, c.execTimeCeiling)
		}
	}

	if c.throttleCeiling > 0 && now.Before(c.throttleCeilingExpiry) {
		eff = minInt(eff, c.throttleCeiling)
	}

	return maxInt(c.floor, eff)
}

// maybeIncrease applies an additive increase when every gate passes.
// Caller holds mu.
func (c *Controller) maybeIncrease(now time.Time) {
	if c.batchesSinceThrottle < c.cfg.StabilizationBatches {
		return
	}
	if !c.lastIncreaseTime.IsZero() && now.Sub(c.lastIncreaseTime) < c.cfg.MinIncreaseInterval {
		return
	}
	if !c.lastThrottleTime.IsZero() && now.Sub(c.lastThrottleTime) < RecoveryCooldown {
		return
	}
	// A measured rate at or past the service's request budget blocks the
	// ramp — unless it is so high it can only be batches landing in the
	// same scheduler tick, which says nothing about the true rate.
	if c.batchRateEMA >= HardRateCap && c.batchRateEMA < RateArtifactThreshold {
		return
	}

	eff := c.effectiveCeiling(now)
	if c.current >= eff {
		return
	}

	base := IncreaseRate
	if c.totalSuccessfulBatches >= WarmupBatches || c.hasHadFirstThrottle {
		base = maxInt(c.floor, IncreaseRate)
	}
	if c.current < c.lastKnownGood && c.cfg.AggressiveRecovery {
		base = int(float64(base) * RecoveryMultiplier)
	}

	next := minInt(c.current+base, eff)
	if next != c.current {
		c.current = next
		c.batchesSinceThrottle = 0
		c.lastIncreaseTime = now
	}
}

func floorFor(serverHintPerSource, connectionCount int) int {
	return maxInt(serverHintPerSource*connectionCount, MinParallelism)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
