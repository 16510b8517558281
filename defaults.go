package dvpool

import "github.com/telemark/dvpool/internal/core"

// Defaults for the pool configuration surface. Each is overridable with the
// corresponding With* option.
const (
	// DefaultAcquireTimeout bounds the wait for an admission permit.
	DefaultAcquireTimeout = core.DefaultAcquireTimeout

	// DefaultMaxIdleTime evicts pooled handles unused for this long.
	DefaultMaxIdleTime = core.DefaultMaxIdleTime

	// DefaultMaxLifetime evicts pooled handles older than this.
	DefaultMaxLifetime = core.DefaultMaxLifetime

	// DefaultValidationInterval is the background validation period.
	DefaultValidationInterval = core.DefaultValidationInterval

	// DefaultMaxConnectionRetries is the number of extra clone attempts per
	// checkout.
	DefaultMaxConnectionRetries = core.DefaultMaxConnectionRetries

	// DefaultMaxPoolSize caps a source's idle queue when the source does
	// not specify its own.
	DefaultMaxPoolSize = core.DefaultMaxPoolSize
)
