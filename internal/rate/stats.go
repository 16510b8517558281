package rate

import "time"

// Statistics is a point-in-time snapshot of the controller, exposed for
// diagnostics and logging. Preset and Overrides together describe the
// configuration faithfully: the named preset plus any fields explicitly set
// on top of it.
type Statistics struct {
	Enabled   bool
	Preset    string
	Overrides []string

	Current          int
	Floor            int
	Ceiling          int
	EffectiveCeiling int
	ConnectionCount  int
	LastKnownGood    int

	BatchesSinceThrottle   int
	TotalThrottleEvents    int64
	TotalSuccessfulBatches int64
	BatchSamples           int64
	HasHadFirstThrottle    bool

	ThrottleCeiling       int
	ThrottleCeilingExpiry time.Time
	ExecTimeCeiling       int
	RequestRateCeiling    int

	BatchDurationEMA time.Duration
	MinBatchDuration time.Duration
	BatchRateEMA     float64

	LastThrottleTime time.Time
	LastIncreaseTime time.Time
	LastActivityTime time.Time
}
