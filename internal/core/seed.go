package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/telemark/dvpool/internal/dataverse"
	"github.com/telemark/dvpool/internal/webapi"
)

// seedManager guards one source's seed lifecycle. The single-permit gate
// coalesces concurrent creation attempts: the retry loop runs exactly once
// while every other caller waits for its outcome.
type seedManager struct {
	source Source

	gate chan struct{} // one permit

	// Guarded by the gate, not a mutex: only the permit holder touches them.
	seed        dataverse.Dispatcher
	lastFailure FailureKind

	createCalls int64 // creation attempts that reached the source

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func newSeedManager(source Source, now func() time.Time, sleep func(context.Context, time.Duration) error) *seedManager {
	m := &seedManager{
		source: source,
		gate:   make(chan struct{}, 1),
		now:    now,
		sleep:  sleep,
	}
	m.gate <- struct{}{}
	return m
}

// acquire takes the gate, honoring cancellation.
func (m *seedManager) acquire(ctx context.Context) error {
	select {
	case <-m.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *seedManager) release() { m.gate <- struct{}{} }

// Seed returns the source's ready seed, creating it if needed. Transient
// creation failures are retried with linear backoff; a created handle that
// stays not-ready past the grace period counts as a failed attempt.
func (m *seedManager) Seed(ctx context.Context) (dataverse.Dispatcher, error) {
	if err := m.acquire(ctx); err != nil {
		return nil, err
	}
	defer m.release()

	if m.seed != nil && m.seed.IsReady() {
		return m.seed, nil
	}
	if m.seed != nil {
		// Stale seed that went not-ready: drop it before re-creating.
		_ = m.seed.Close()
		m.seed = nil
	}

	var lastErr error
	for attempt := 1; attempt <= seedCreationAttempts; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(attempt-1) * seedRetryBackoffUnit
			if err := m.sleep(ctx, backoff); err != nil {
				return nil, err
			}
		}

		m.createCalls++
		seed, err := m.source.GetSeedClient(ctx)
		if err != nil {
			lastErr = err
			if !retryableSeedFailure(err) {
				break
			}
			continue
		}

		if err := m.awaitReady(ctx, seed); err != nil {
			_ = seed.Close()
			lastErr = err
			continue
		}

		m.seed = seed
		m.lastFailure = FailureUnknown
		return seed, nil
	}

	m.lastFailure = ClassifyFailure(lastErr)
	return nil, fmt.Errorf("source %q seed creation: %w", m.source.Name(), lastErr)
}

// awaitReady gives a freshly created seed a short grace period to become
// ready before the attempt is declared failed.
func (m *seedManager) awaitReady(ctx context.Context, seed dataverse.Dispatcher) error {
	if seed.IsReady() {
		return nil
	}
	deadline := m.now().Add(seedReadyWait)
	for m.now().Before(deadline) {
		if err := m.sleep(ctx, seedReadyPoll); err != nil {
			return err
		}
		if seed.IsReady() {
			return nil
		}
	}
	return fmt.Errorf("source %q: %w after %v", m.source.Name(), webapi.ErrNotReady, seedReadyWait)
}

// Invalidate drops the cached seed and tells the source to discard its own
// so the next Seed call re-authenticates.
func (m *seedManager) Invalidate() {
	<-m.gate
	defer m.release()

	if m.seed != nil {
		_ = m.seed.Close()
		m.seed = nil
	}
	m.source.InvalidateSeed()
}

// LastFailure returns the classification of the most recent failed creation,
// or FailureUnknown while a creation is in flight.
func (m *seedManager) LastFailure() FailureKind {
	select {
	case <-m.gate:
	default:
		return FailureUnknown
	}
	defer m.release()
	return m.lastFailure
}

// retryableSeedFailure reports whether another creation attempt could help.
// Rejected credentials and non-recreatable seeds fail the same way every
// time, so the retry loop stops early for them.
func retryableSeedFailure(err error) bool {
	if errors.Is(err, ErrSeedNotRecreatable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return ClassifyFailure(err) != FailureAuth
}
