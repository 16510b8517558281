package rate

import (
	"fmt"
	"time"
)

// Fixed controller constants. These are properties of the Dataverse service
// protection contract and the control loop itself, not tuning knobs, so they
// are not part of Config.
const (
	// HardCapPerSource is the absolute parallelism ceiling per source.
	HardCapPerSource = 52

	// InitialCapPerSource bounds parallelism until the controller has
	// collected MinBatchSamples batch observations.
	InitialCapPerSource = 20

	// MinBatchSamples is the number of batch observations required before
	// the budget-derived ceilings are trusted.
	MinBatchSamples = 3

	// IncreaseRate is the additive increase step.
	IncreaseRate = 2

	// RecoveryMultiplier scales the additive step while climbing back
	// toward the last known good level after a throttle.
	RecoveryMultiplier = 2.0

	// WarmupBatches is the number of successful batches after which the
	// additive step switches from IncreaseRate to the floor-sized step.
	WarmupBatches = 30

	// RecoveryCooldown is the window after a throttle during which no
	// additive increase is permitted.
	RecoveryCooldown = 30 * time.Second

	// HardRateCap is the observed batches-per-second above which increases
	// are withheld (the service budgets roughly 6000 requests per 300 s).
	HardRateCap = 18.0

	// RateArtifactThreshold marks an observed rate as a measurement
	// artifact (batches completing within the same scheduler tick); such
	// readings do not gate increases.
	RateArtifactThreshold = 100.0

	// ThrottleDebounce collapses bursts of simultaneous throttle reports
	// into a single decrease.
	ThrottleDebounce = 2 * time.Second

	// ProtectionWindow is the service's sliding budget window. Overshoot
	// is measured against it and throttle ceilings outlive the retry-after
	// by it.
	ProtectionWindow = 5 * time.Minute

	// IdleReset reinitializes the controller after this much inactivity.
	IdleReset = 5 * time.Minute

	// LastKnownGoodTTL expires a stale last-known-good level.
	LastKnownGoodTTL = 5 * time.Minute

	// EMAAlpha is the smoothing factor for the batch duration and batch
	// rate moving averages.
	EMAAlpha = 0.3

	// MinParallelism is the lowest floor the controller will accept.
	MinParallelism = 1
)

// Preset selects a coherent set of tuning defaults.
type Preset int

const (
	// Balanced is the default preset: moderate ramp, halving decrease.
	Balanced Preset = iota
	// Conservative ramps slowly, never uses aggressive recovery, and keeps
	// tighter budget ceilings. Use for orgs shared with interactive users.
	Conservative
	// Aggressive ramps fast and decreases gently. Use for dedicated
	// integration orgs where occasional throttles are acceptable.
	Aggressive
)

// IsValid reports whether p is a recognized preset.
func (p Preset) IsValid() bool {
	switch p {
	case Conservative, Balanced, Aggressive:
		return true
	default:
		return false
	}
}

// String returns the preset name.
func (p Preset) String() string {
	switch p {
	case Conservative:
		return "Conservative"
	case Balanced:
		return "Balanced"
	case Aggressive:
		return "Aggressive"
	default:
		return fmt.Sprintf("Preset(%d)", int(p))
	}
}

// Config holds the controller's tunable parameters. Zero values are invalid;
// build a Config from a Preset via NewConfig and adjust with Options so the
// override bookkeeping stays accurate.
type Config struct {
	// Enabled gates adaptation. A disabled controller pins parallelism to
	// the floor.
	Enabled bool

	// ExecTimeFactor scales the execution-time ceiling:
	// ceiling = ExecTimeFactor × connection_count / ema_batch_seconds.
	ExecTimeFactor float64

	// RequestRateFactor scales the request-rate ceiling:
	// ceiling = RequestRateFactor × min_observed_batch_seconds.
	// The minimum observed batch is used rather than the EMA so that
	// slower batches cannot feed back into a higher cap.
	RequestRateFactor float64

	// DecreaseFactor is the multiplicative decrease applied on throttle.
	DecreaseFactor float64

	// StabilizationBatches is the number of clean batches required between
	// additive increases.
	StabilizationBatches int

	// MinIncreaseInterval is the minimum wall-clock spacing between
	// additive increases.
	MinIncreaseInterval time.Duration

	// AggressiveRecovery doubles the additive step while current is below
	// the last known good level.
	AggressiveRecovery bool

	// preset remembers where the defaults came from; overrides lists the
	// fields explicitly set on top, so configuration can be logged
	// faithfully as "preset X with overrides Y".
	preset    Preset
	overrides []string
}

// Option adjusts a preset-derived Config and records the override.
type Option func(*Config)

// WithEnabled toggles adaptation.
func WithEnabled(enabled bool) Option {
	return func(c *Config) {
		c.Enabled = enabled
		c.overrides = append(c.overrides, "Enabled")
	}
}

// WithExecTimeFactor overrides the execution-time ceiling factor.
// Panics if f <= 0.
func WithExecTimeFactor(f float64) Option {
	if f <= 0 {
		panic(fmt.Sprintf("dvpool: exec time factor must be greater than 0, got %v", f))
	}
	return func(c *Config) {
		c.ExecTimeFactor = f
		c.overrides = append(c.overrides, "ExecTimeFactor")
	}
}

// WithRequestRateFactor overrides the request-rate ceiling factor.
// Panics if f <= 0.
func WithRequestRateFactor(f float64) Option {
	if f <= 0 {
		panic(fmt.Sprintf("dvpool: request rate factor must be greater than 0, got %v", f))
	}
	return func(c *Config) {
		c.RequestRateFactor = f
		c.overrides = append(c.overrides, "RequestRateFactor")
	}
}

// WithDecreaseFactor overrides the multiplicative decrease factor.
// Panics unless 0 < f < 1.
func WithDecreaseFactor(f float64) Option {
	if f <= 0 || f >= 1 {
		panic(fmt.Sprintf("dvpool: decrease factor must be in (0, 1), got %v", f))
	}
	return func(c *Config) {
		c.DecreaseFactor = f
		c.overrides = append(c.overrides, "DecreaseFactor")
	}
}

// WithStabilizationBatches overrides the clean-batch requirement between
// increases. Panics if n <= 0.
func WithStabilizationBatches(n int) Option {
	if n <= 0 {
		panic(fmt.Sprintf("dvpool: stabilization batches must be greater than 0, got %d", n))
	}
	return func(c *Config) {
		c.StabilizationBatches = n
		c.overrides = append(c.overrides, "StabilizationBatches")
	}
}

// WithMinIncreaseInterval overrides the wall-clock spacing between increases.
// Panics if d <= 0.
func WithMinIncreaseInterval(d time.Duration) Option {
	if d <= 0 {
		panic(fmt.Sprintf("dvpool: min increase interval must be greater than 0, got %v", d))
	}
	return func(c *Config) {
		c.MinIncreaseInterval = d
		c.overrides = append(c.overrides, "MinIncreaseInterval")
	}
}

// WithAggressiveRecovery toggles the doubled recovery step.
func WithAggressiveRecovery(enabled bool) Option {
	return func(c *Config) {
		c.AggressiveRecovery = enabled
		c.overrides = append(c.overrides, "AggressiveRecovery")
	}
}

// NewConfig builds a Config from the preset's defaults and applies opts on
// top. Panics if the preset is unknown (programmer error).
func NewConfig(preset Preset, opts ...Option) Config {
	var c Config
	switch preset {
	case Conservative:
		c = Config{
			Enabled:              true,
			ExecTimeFactor:       30,
			RequestRateFactor:    16,
			DecreaseFactor:       0.5,
			StabilizationBatches: 5,
			MinIncreaseInterval:  10 * time.Second,
			AggressiveRecovery:   false,
		}
	case Balanced:
		c = Config{
			Enabled:              true,
			ExecTimeFactor:       45,
			RequestRateFactor:    20,
			DecreaseFactor:       0.5,
			StabilizationBatches: 3,
			MinIncreaseInterval:  5 * time.Second,
			AggressiveRecovery:   true,
		}
	case Aggressive:
		c = Config{
			Enabled:              true,
			ExecTimeFactor:       60,
			RequestRateFactor:    26,
			DecreaseFactor:       0.7,
			StabilizationBatches: 2,
			MinIncreaseInterval:  2 * time.Second,
			AggressiveRecovery:   true,
		}
	default:
		panic(fmt.Sprintf("dvpool: unknown rate preset: %v", preset))
	}
	c.preset = preset

	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Preset returns the preset the config was derived from.
func (c Config) Preset() Preset { return c.preset }

// Overrides returns the names of fields explicitly overridden on top of the
// preset, in application order. Used for faithful configuration logging.
func (c Config) Overrides() []string {
	out := make([]string, len(c.overrides))
	copy(out, c.overrides)
	return out
}
