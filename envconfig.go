package dvpool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Environment variables read by FromEnv. Sources come either from the single
// DVPOOL_CONNECTION_STRING (named by DVPOOL_SOURCE_NAME, default "default")
// or from any number of DVPOOL_CONNECTION_STRING_<NAME> variables, where
// <NAME> becomes the lowercased source name.
const (
	EnvConnectionString       = "DVPOOL_CONNECTION_STRING"
	EnvSourceName             = "DVPOOL_SOURCE_NAME"
	EnvAcquireTimeout         = "DVPOOL_ACQUIRE_TIMEOUT"
	EnvMaxIdleTime            = "DVPOOL_MAX_IDLE_TIME"
	EnvMaxLifetime            = "DVPOOL_MAX_LIFETIME"
	EnvMaxPoolSize            = "DVPOOL_MAX_POOL_SIZE"
	EnvMaxRetryAfterTolerance = "DVPOOL_MAX_RETRY_AFTER_TOLERANCE"
	EnvStrategy               = "DVPOOL_STRATEGY"
	EnvRatePreset             = "DVPOOL_RATE_PRESET"
	EnvAdaptiveRate           = "DVPOOL_ADAPTIVE_RATE"
	EnvDisableAffinityCookie  = "DVPOOL_DISABLE_AFFINITY_COOKIE"
	EnvValidation             = "DVPOOL_VALIDATION"
	EnvValidationInterval     = "DVPOOL_VALIDATION_INTERVAL"
)

// EnvConfig is the pool configuration read from the process environment.
// Zero-valued fields mean "not set"; Options only emits options for the
// fields that were.
type EnvConfig struct {
	// ConnectionStrings maps source name to connection string. Validation
	// requires at least one entry; values are parsed (and their secrets
	// checked for presence) only when Sources is called.
	ConnectionStrings map[string]string `validate:"required,min=1"`

	AcquireTimeout         time.Duration `validate:"omitempty,gt=0"`
	MaxIdleTime            time.Duration `validate:"omitempty,gt=0"`
	MaxLifetime            time.Duration `validate:"omitempty,gt=0"`
	MaxPoolSize            int           `validate:"omitempty,gt=0"`
	MaxRetryAfterTolerance time.Duration `validate:"omitempty,gt=0"`
	ValidationInterval     time.Duration `validate:"omitempty,gt=0"`

	Strategy   string `validate:"omitempty,oneof=throttle-aware round-robin least-connections"`
	RatePreset string `validate:"omitempty,oneof=conservative balanced aggressive"`

	AdaptiveRate          *bool
	DisableAffinityCookie *bool
	Validation            *bool
}

// FromEnv loads .env files (best effort; a missing file is not an error) and
// reads the DVPOOL_* variables into a validated EnvConfig. Values that fail
// to parse or validate are reported without echoing connection strings.
func FromEnv(filenames ...string) (EnvConfig, error) {
	_ = godotenv.Load(filenames...)

	cfg := EnvConfig{ConnectionStrings: map[string]string{}}

	if cs := os.Getenv(EnvConnectionString); cs != "" {
		name := os.Getenv(EnvSourceName)
		if name == "" {
			name = "default"
		}
		cfg.ConnectionStrings[name] = cs
	}
	for _, kv := range os.Environ() {
		key, value, _ := strings.Cut(kv, "=")
		suffix, ok := strings.CutPrefix(key, EnvConnectionString+"_")
		if !ok || suffix == "" || value == "" {
			continue
		}
		cfg.ConnectionStrings[strings.ToLower(suffix)] = value
	}

	var errs []string
	dur := func(key string, dst *time.Duration) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %q is not a duration", key, v))
			return
		}
		*dst = d
	}
	boolean := func(key string, dst **bool) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %q is not a boolean", key, v))
			return
		}
		*dst = &b
	}

	dur(EnvAcquireTimeout, &cfg.AcquireTimeout)
	dur(EnvMaxIdleTime, &cfg.MaxIdleTime)
	dur(EnvMaxLifetime, &cfg.MaxLifetime)
	dur(EnvMaxRetryAfterTolerance, &cfg.MaxRetryAfterTolerance)
	dur(EnvValidationInterval, &cfg.ValidationInterval)
	if v := os.Getenv(EnvMaxPoolSize); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %q is not an integer", EnvMaxPoolSize, v))
		} else {
			cfg.MaxPoolSize = n
		}
	}
	cfg.Strategy = strings.ToLower(os.Getenv(EnvStrategy))
	cfg.RatePreset = strings.ToLower(os.Getenv(EnvRatePreset))
	boolean(EnvAdaptiveRate, &cfg.AdaptiveRate)
	boolean(EnvDisableAffinityCookie, &cfg.DisableAffinityCookie)
	boolean(EnvValidation, &cfg.Validation)

	if len(errs) > 0 {
		return EnvConfig{}, fmt.Errorf("environment configuration: %s", strings.Join(errs, "; "))
	}
	if err := envValidate.Struct(cfg); err != nil {
		return EnvConfig{}, fmt.Errorf("environment configuration: %w", describeValidation(err))
	}
	return cfg, nil
}

var envValidate = validator.New(validator.WithRequiredStructEnabled())

// describeValidation rewrites validator errors in terms of the environment
// variables the fields came from, without echoing values.
func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	names := map[string]string{
		"ConnectionStrings":      EnvConnectionString,
		"AcquireTimeout":         EnvAcquireTimeout,
		"MaxIdleTime":            EnvMaxIdleTime,
		"MaxLifetime":            EnvMaxLifetime,
		"MaxPoolSize":            EnvMaxPoolSize,
		"MaxRetryAfterTolerance": EnvMaxRetryAfterTolerance,
		"ValidationInterval":     EnvValidationInterval,
		"Strategy":               EnvStrategy,
		"RatePreset":             EnvRatePreset,
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		name := names[fe.Field()]
		if name == "" {
			name = fe.Field()
		}
		parts = append(parts, fmt.Sprintf("%s failed %q", name, fe.Tag()))
	}
	return fmt.Errorf("%s", strings.Join(parts, "; "))
}

// Sources builds a connection-string source per configured entry, in name
// order so pool construction is deterministic.
func (c EnvConfig) Sources() ([]ClientSource, error) {
	names := make([]string, 0, len(c.ConnectionStrings))
	for name := range c.ConnectionStrings {
		names = append(names, name)
	}
	sort.Strings(names)

	sources := make([]ClientSource, 0, len(names))
	for _, name := range names {
		s, err := NewConnectionStringSource(name, c.ConnectionStrings[name])
		if err != nil {
			return nil, err
		}
		sources = append(sources, s)
	}
	return sources, nil
}

// Options translates the set fields into pool options.
func (c EnvConfig) Options() []Option {
	var opts []Option
	if c.AcquireTimeout > 0 {
		opts = append(opts, WithAcquireTimeout(c.AcquireTimeout))
	}
	if c.MaxIdleTime > 0 {
		opts = append(opts, WithMaxIdleTime(c.MaxIdleTime))
	}
	if c.MaxLifetime > 0 {
		opts = append(opts, WithMaxLifetime(c.MaxLifetime))
	}
	if c.MaxPoolSize > 0 {
		opts = append(opts, WithMaxPoolSize(c.MaxPoolSize))
	}
	if c.MaxRetryAfterTolerance > 0 {
		opts = append(opts, WithMaxRetryAfterTolerance(c.MaxRetryAfterTolerance))
	}
	if c.ValidationInterval > 0 {
		opts = append(opts, WithValidationInterval(c.ValidationInterval))
	}
	switch c.Strategy {
	case "throttle-aware":
		opts = append(opts, WithStrategy(StrategyThrottleAware))
	case "round-robin":
		opts = append(opts, WithStrategy(StrategyRoundRobin))
	case "least-connections":
		opts = append(opts, WithStrategy(StrategyLeastConnections))
	}
	switch c.RatePreset {
	case "conservative":
		opts = append(opts, WithRatePreset(RateConservative))
	case "balanced":
		opts = append(opts, WithRatePreset(RateBalanced))
	case "aggressive":
		opts = append(opts, WithRatePreset(RateAggressive))
	}
	if c.AdaptiveRate != nil {
		opts = append(opts, WithAdaptiveRate(*c.AdaptiveRate))
	}
	if c.DisableAffinityCookie != nil {
		opts = append(opts, WithDisableAffinityCookie(*c.DisableAffinityCookie))
	}
	if c.Validation != nil {
		opts = append(opts, WithValidation(*c.Validation))
	}
	return opts
}

// NewFromEnv is FromEnv, Sources, Options, and New in one call.
func NewFromEnv(ctx context.Context, filenames ...string) (*Pool, error) {
	cfg, err := FromEnv(filenames...)
	if err != nil {
		return nil, err
	}
	sources, err := cfg.Sources()
	if err != nil {
		return nil, err
	}
	return New(ctx, sources, cfg.Options()...)
}
