package dvpool

import (
	"fmt"
	"time"

	"github.com/telemark/dvpool/internal/core"
	"github.com/telemark/dvpool/internal/rate"
)

// RatePreset selects a coherent set of adaptive-rate tuning defaults.
type RatePreset = rate.Preset

const (
	// RateBalanced is the default preset: moderate ramp, halving decrease.
	RateBalanced = rate.Balanced
	// RateConservative ramps slowly and keeps tighter budget ceilings. Use
	// for orgs shared with interactive users.
	RateConservative = rate.Conservative
	// RateAggressive ramps fast and decreases gently. Use for dedicated
	// integration orgs where occasional throttles are acceptable.
	RateAggressive = rate.Aggressive
)

type poolConfig struct {
	core       core.Config
	ratePreset RatePreset
	rateOpts   []rate.Option
}

func defaultPoolConfig() poolConfig {
	return poolConfig{
		core: core.Config{
			AcquireTimeout:       core.DefaultAcquireTimeout,
			MaxIdleTime:          core.DefaultMaxIdleTime,
			MaxLifetime:          core.DefaultMaxLifetime,
			Strategy:             core.StrategyThrottleAware,
			ValidationInterval:   core.DefaultValidationInterval,
			EnableValidation:     true,
			MaxConnectionRetries: core.DefaultMaxConnectionRetries,
		},
		ratePreset: RateBalanced,
	}
}

// Option customizes a pool at construction time. Options validate their
// arguments eagerly and panic on programmer error, so a bad literal fails at
// the call site rather than surfacing later as odd pool behavior.
type Option func(*poolConfig)

// WithAcquireTimeout bounds how long a checkout waits for an admission
// permit once every source is free of throttles. Panics if d <= 0.
func WithAcquireTimeout(d time.Duration) Option {
	if d <= 0 {
		panic(fmt.Sprintf("dvpool: acquire timeout must be greater than 0, got %v", d))
	}
	return func(c *poolConfig) { c.core.AcquireTimeout = d }
}

// WithMaxIdleTime evicts pooled handles unused for longer than d.
// Panics if d <= 0.
func WithMaxIdleTime(d time.Duration) Option {
	if d <= 0 {
		panic(fmt.Sprintf("dvpool: max idle time must be greater than 0, got %v", d))
	}
	return func(c *poolConfig) { c.core.MaxIdleTime = d }
}

// WithMaxLifetime evicts pooled handles older than d regardless of use.
// Panics if d <= 0.
func WithMaxLifetime(d time.Duration) Option {
	if d <= 0 {
		panic(fmt.Sprintf("dvpool: max lifetime must be greater than 0, got %v", d))
	}
	return func(c *poolConfig) { c.core.MaxLifetime = d }
}

// WithStrategy selects the source-selection strategy. Panics if s is not a
// recognized Strategy.
func WithStrategy(s Strategy) Option {
	if !s.IsValid() {
		panic(fmt.Sprintf("dvpool: unknown selection strategy: %d", s))
	}
	return func(c *poolConfig) { c.core.Strategy = s }
}

// WithValidation toggles the background health checks on idle handles.
func WithValidation(enabled bool) Option {
	return func(c *poolConfig) { c.core.EnableValidation = enabled }
}

// WithValidationInterval sets the background validation period.
// Panics if d <= 0.
func WithValidationInterval(d time.Duration) Option {
	if d <= 0 {
		panic(fmt.Sprintf("dvpool: validation interval must be greater than 0, got %v", d))
	}
	return func(c *poolConfig) { c.core.ValidationInterval = d }
}

// WithValidateOnCheckout additionally checks a handle's readiness at
// checkout, trading latency for certainty.
func WithValidateOnCheckout(enabled bool) Option {
	return func(c *poolConfig) { c.core.ValidateOnCheckout = enabled }
}

// WithMaxConnectionRetries sets how many extra clone attempts a checkout
// makes after the first fails. Panics if n < 0.
func WithMaxConnectionRetries(n int) Option {
	if n < 0 {
		panic(fmt.Sprintf("dvpool: max connection retries must not be negative, got %d", n))
	}
	return func(c *poolConfig) { c.core.MaxConnectionRetries = n }
}

// WithMaxRetryAfterTolerance fails checkouts fast with a
// ServiceProtectionError when every source is throttled and the shortest
// remaining wait exceeds d. Zero (the default) waits indefinitely.
// Panics if d < 0.
func WithMaxRetryAfterTolerance(d time.Duration) Option {
	if d < 0 {
		panic(fmt.Sprintf("dvpool: max retry-after tolerance must not be negative, got %v", d))
	}
	return func(c *poolConfig) { c.core.MaxRetryAfterTolerance = d }
}

// WithMaxPoolSize overrides the total admission capacity instead of deriving
// it from the sources' parallelism hints. Panics if n <= 0.
func WithMaxPoolSize(n int) Option {
	if n <= 0 {
		panic(fmt.Sprintf("dvpool: max pool size must be greater than 0, got %d", n))
	}
	return func(c *poolConfig) { c.core.MaxPoolSize = n }
}

// WithDisableAffinityCookie drops the server affinity cookie so requests
// spread across Dataverse web servers. Recommended for bulk workloads.
func WithDisableAffinityCookie(disabled bool) Option {
	return func(c *poolConfig) { c.core.DisableAffinityCookie = disabled }
}

// WithRatePreset selects the adaptive-rate tuning preset. Panics if p is not
// a recognized RatePreset.
func WithRatePreset(p RatePreset) Option {
	if !p.IsValid() {
		panic(fmt.Sprintf("dvpool: unknown rate preset: %v", p))
	}
	return func(c *poolConfig) { c.ratePreset = p }
}

// WithAdaptiveRate toggles adaptive parallelism. When disabled the pool pins
// parallelism to the server-hinted floor.
func WithAdaptiveRate(enabled bool) Option {
	return func(c *poolConfig) {
		c.rateOpts = append(c.rateOpts, rate.WithEnabled(enabled))
	}
}

// WithRateExecTimeFactor overrides the execution-time ceiling factor of the
// adaptive controller. Panics if f <= 0.
func WithRateExecTimeFactor(f float64) Option {
	opt := rate.WithExecTimeFactor(f)
	return func(c *poolConfig) { c.rateOpts = append(c.rateOpts, opt) }
}

// WithRateRequestRateFactor overrides the request-rate ceiling factor of the
// adaptive controller. Panics if f <= 0.
func WithRateRequestRateFactor(f float64) Option {
	opt := rate.WithRequestRateFactor(f)
	return func(c *poolConfig) { c.rateOpts = append(c.rateOpts, opt) }
}

// WithRateDecreaseFactor overrides the multiplicative decrease applied on
// throttle. Panics unless 0 < f < 1.
func WithRateDecreaseFactor(f float64) Option {
	opt := rate.WithDecreaseFactor(f)
	return func(c *poolConfig) { c.rateOpts = append(c.rateOpts, opt) }
}

// WithRateStabilizationBatches overrides the clean-batch requirement between
// parallelism increases. Panics if n <= 0.
func WithRateStabilizationBatches(n int) Option {
	opt := rate.WithStabilizationBatches(n)
	return func(c *poolConfig) { c.rateOpts = append(c.rateOpts, opt) }
}

// WithRateMinIncreaseInterval overrides the wall-clock spacing between
// parallelism increases. Panics if d <= 0.
func WithRateMinIncreaseInterval(d time.Duration) Option {
	opt := rate.WithMinIncreaseInterval(d)
	return func(c *poolConfig) { c.rateOpts = append(c.rateOpts, opt) }
}

// WithAggressiveRecovery doubles the additive step while parallelism climbs
// back toward the last known good level after a throttle.
func WithAggressiveRecovery(enabled bool) Option {
	return func(c *poolConfig) {
		c.rateOpts = append(c.rateOpts, rate.WithAggressiveRecovery(enabled))
	}
}
