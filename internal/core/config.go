package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/telemark/dvpool/internal/rate"
)

// Defaults for the pool configuration surface.
const (
	// DefaultAcquireTimeout bounds the admission semaphore wait.
	DefaultAcquireTimeout = 30 * time.Second

	// DefaultMaxIdleTime evicts pooled handles unused for this long.
	DefaultMaxIdleTime = 5 * time.Minute

	// DefaultMaxLifetime evicts pooled handles older than this.
	DefaultMaxLifetime = 60 * time.Minute

	// DefaultValidationInterval is the background validation period.
	DefaultValidationInterval = time.Minute

	// DefaultMaxConnectionRetries is the number of extra clone attempts made
	// during a single checkout before the failure is surfaced.
	DefaultMaxConnectionRetries = 2

	// DefaultMaxPoolSize caps a source's idle queue when the source does not
	// specify its own.
	DefaultMaxPoolSize = 20

	// FallbackDOP is assumed for a source whose seed could not be created at
	// initialization or whose server sent no parallelism hint.
	FallbackDOP = 4

	// throttleWaitSlack is added to the shortest throttle expiry before
	// re-checking, so the wake-up lands after the window actually closed.
	throttleWaitSlack = 100 * time.Millisecond

	// seedCreationAttempts and the linear backoff applied between them.
	seedCreationAttempts = 3
	seedRetryBackoffUnit = time.Second

	// seedReadyWait bounds how long a freshly created seed may report
	// not-ready before creation fails; seedReadyPoll is the check interval.
	seedReadyWait = 500 * time.Millisecond
	seedReadyPoll = 50 * time.Millisecond
)

// Config is the pool configuration. Build one, then pass it to New; the pool
// copies it and never mutates it afterwards. Zero durations mean "use the
// default" only when coming through the public constructor — New itself
// validates strictly.
type Config struct {
	// Sources are the identities the pool draws connections from.
	Sources []Source

	// AcquireTimeout bounds phase two of checkout (semaphore wait).
	AcquireTimeout time.Duration

	// MaxIdleTime and MaxLifetime are the queue eviction predicates.
	MaxIdleTime time.Duration
	MaxLifetime time.Duration

	// DisableAffinityCookie is forwarded to sources that build their own
	// transport; the pool itself only records it.
	DisableAffinityCookie bool

	// Strategy selects how checkout picks among sources.
	Strategy Strategy

	// ValidationInterval, EnableValidation and ValidateOnCheckout control
	// the health checks on idle handles.
	ValidationInterval time.Duration
	EnableValidation   bool
	ValidateOnCheckout bool

	// MaxConnectionRetries is the number of extra clone attempts per
	// checkout after the first fails.
	MaxConnectionRetries int

	// MaxRetryAfterTolerance bounds the wait while every source is
	// throttled. Zero means wait indefinitely.
	MaxRetryAfterTolerance time.Duration

	// MaxPoolSize overrides the admission semaphore size. Zero derives the
	// size from the sources' parallelism hints. Per-source queue caps are
	// not affected.
	MaxPoolSize int

	// Rate configures the adaptive parallelism controller.
	Rate rate.Config
}

// Validate reports every violation at once.
func (c Config) Validate() error {
	var errs []error

	if len(c.Sources) == 0 {
		errs = append(errs, ErrNoSources)
	}
	seen := make(map[string]struct{}, len(c.Sources))
	for _, s := range c.Sources {
		if s == nil {
			errs = append(errs, errors.New("source must not be nil"))
			continue
		}
		name := s.Name()
		if name == "" {
			errs = append(errs, errors.New("source name must not be empty"))
			continue
		}
		if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("%w: %q", ErrDuplicateSource, name))
		}
		seen[name] = struct{}{}
		if s.MaxPoolSize() < 0 {
			errs = append(errs, fmt.Errorf("source %q: max pool size must not be negative", name))
		}
	}

	if c.AcquireTimeout <= 0 {
		errs = append(errs, errors.New("acquire timeout must be greater than 0"))
	}
	if c.MaxIdleTime <= 0 {
		errs = append(errs, errors.New("max idle time must be greater than 0"))
	}
	if c.MaxLifetime <= 0 {
		errs = append(errs, errors.New("max lifetime must be greater than 0"))
	}
	if c.MaxLifetime > 0 && c.MaxIdleTime > c.MaxLifetime {
		errs = append(errs, errors.New("max idle time must not exceed max lifetime"))
	}
	if !c.Strategy.IsValid() {
		errs = append(errs, fmt.Errorf("unknown selection strategy: %d", c.Strategy))
	}
	if c.EnableValidation && c.ValidationInterval <= 0 {
		errs = append(errs, errors.New("validation interval must be greater than 0"))
	}
	if c.MaxConnectionRetries < 0 {
		errs = append(errs, errors.New("max connection retries must not be negative"))
	}
	if c.MaxRetryAfterTolerance < 0 {
		errs = append(errs, errors.New("max retry-after tolerance must not be negative"))
	}
	if c.MaxPoolSize < 0 {
		errs = append(errs, errors.New("max pool size must not be negative"))
	}

	return errors.Join(errs...)
}
