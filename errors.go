package dvpool

import (
	"github.com/telemark/dvpool/internal/core"
	"github.com/telemark/dvpool/internal/throttle"
)

// Sentinel errors, comparable with errors.Is.
const (
	// ErrPoolClosed is returned by every operation after Close.
	ErrPoolClosed = core.ErrPoolClosed

	// ErrNoSources is returned when a pool is built without sources.
	ErrNoSources = core.ErrNoSources

	// ErrSeedNotRecreatable is returned when a source wrapping an
	// externally-owned client hits a token failure: the pool cannot
	// re-authenticate on the caller's behalf.
	ErrSeedNotRecreatable = core.ErrSeedNotRecreatable

	// ErrNoCapacity is returned by TryGetClientWithCapacity when no source
	// has parallelism headroom.
	ErrNoCapacity = core.ErrNoCapacity
)

// PoolExhaustedError: admission timed out with every permit held.
type PoolExhaustedError = core.PoolExhaustedError

// ServiceProtectionError: every source throttled beyond the configured
// tolerance.
type ServiceProtectionError = core.ServiceProtectionError

// ConnectionError: seed creation or clone failed for a non-auth reason.
type ConnectionError = core.ConnectionError

// AuthError: authentication failure. RequiresReauth distinguishes dead
// tokens (the pool has already invalidated the seed and drained its clones)
// from plain permission problems.
type AuthError = throttle.AuthError
