package core

import (
	"fmt"
	"time"

	"github.com/telemark/dvpool/internal/sentinel"
)

const (
	// ErrPoolClosed is returned by every operation after Close.
	ErrPoolClosed = sentinel.Error("pool is closed")

	// ErrNoSources is returned when a pool is built without sources.
	ErrNoSources = sentinel.Error("at least one source must be configured")

	// ErrDuplicateSource is returned when two sources share a name.
	ErrDuplicateSource = sentinel.Error("source names must be unique")

	// ErrSeedNotRecreatable is returned when a source's seed failed and the
	// source cannot produce a replacement (externally-owned handles).
	ErrSeedNotRecreatable = sentinel.Error("seed client cannot be recreated")

	// ErrNoCapacity is returned by TryGetClientWithCapacity when no source
	// has parallelism headroom right now.
	ErrNoCapacity = sentinel.Error("no source has capacity headroom")
)

// PoolExhaustedError is returned when admission timed out: every permit was
// held for the full acquire timeout.
type PoolExhaustedError struct {
	// Active is the number of checked-out handles at the time of failure.
	Active int
	// Capacity is the admission semaphore size.
	Capacity int
	// Timeout is the acquire timeout that elapsed.
	Timeout time.Duration
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("pool exhausted: %d of %d connections active, none released within %v",
		e.Active, e.Capacity, e.Timeout)
}

// ServiceProtectionError is returned when every usable source is throttled
// and the wait for the earliest recovery exceeds the configured tolerance.
type ServiceProtectionError struct {
	// WaitRequired is the shortest wait until any source recovers.
	WaitRequired time.Duration
	// Tolerance is the configured MaxRetryAfterTolerance that was exceeded.
	Tolerance time.Duration
}

func (e *ServiceProtectionError) Error() string {
	return fmt.Sprintf("all sources throttled: recovery requires %v, exceeding the %v tolerance",
		e.WaitRequired.Round(time.Millisecond), e.Tolerance)
}

// ConnectionError is returned when a seed could not be created or cloned for
// a non-auth reason. Kind carries the failure classification for log severity
// and operator hints. Messages never include credentials.
type ConnectionError struct {
	Source string
	Kind   FailureKind
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to source %q failed (%s): %v", e.Source, e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
