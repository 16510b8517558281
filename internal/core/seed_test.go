package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestSeedManager(src Source) (*seedManager, *fakeClock) {
	clk := newFakeClock()
	sleep := func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		clk.Advance(d)
		return nil
	}
	return newSeedManager(src, clk.Now, sleep), clk
}

func TestSeedCreatedOnceAndCached(t *testing.T) {
	t.Parallel()

	src := newFakeSource("a", 4)
	m, _ := newTestSeedManager(src)
	ctx := context.Background()

	s1, err := m.Seed(ctx)
	if err != nil {
		t.Fatalf("Seed() error: %v", err)
	}
	s2, err := m.Seed(ctx)
	if err != nil {
		t.Fatalf("Seed() error: %v", err)
	}
	if s1 != s2 {
		t.Error("second Seed() returned a different handle")
	}
	if calls, _ := src.stats(); calls != 1 {
		t.Errorf("GetSeedClient called %d times, want 1", calls)
	}
}

func TestSeedRetriesTransientFailuresWithBackoff(t *testing.T) {
	t.Parallel()

	src := newFakeSource("a", 4)
	src.seedErrs = []error{
		errors.New("dial tcp: connection refused"),
		errors.New("dial tcp: connection refused"),
	}
	m, clk := newTestSeedManager(src)
	start := clk.Now()

	if _, err := m.Seed(context.Background()); err != nil {
		t.Fatalf("Seed() error after transient failures: %v", err)
	}
	if calls, _ := src.stats(); calls != 3 {
		t.Errorf("GetSeedClient called %d times, want 3", calls)
	}
	// Linear backoff: 1s before the second attempt, 2s before the third.
	if elapsed := clk.Now().Sub(start); elapsed != 3*time.Second {
		t.Errorf("backoff advanced the clock %v, want 3s", elapsed)
	}
}

func TestSeedAuthFailureStopsRetrying(t *testing.T) {
	t.Parallel()

	src := newFakeSource("a", 4)
	src.seedErrs = []error{errors.New("AADSTS7000215: invalid client secret provided")}
	m, _ := newTestSeedManager(src)

	_, err := m.Seed(context.Background())
	if err == nil {
		t.Fatal("Seed() succeeded, want auth failure")
	}
	if calls, _ := src.stats(); calls != 1 {
		t.Errorf("GetSeedClient called %d times for a rejected credential, want 1", calls)
	}
	if kind := m.LastFailure(); kind != FailureAuth {
		t.Errorf("LastFailure() = %v, want %v", kind, FailureAuth)
	}
}

func TestSeedNotRecreatableStopsRetrying(t *testing.T) {
	t.Parallel()

	src := newFakeSource("a", 4)
	src.seedErrs = []error{ErrSeedNotRecreatable}
	m, _ := newTestSeedManager(src)

	_, err := m.Seed(context.Background())
	if !errors.Is(err, ErrSeedNotRecreatable) {
		t.Fatalf("Seed() error = %v, want %v", err, ErrSeedNotRecreatable)
	}
	if calls, _ := src.stats(); calls != 1 {
		t.Errorf("GetSeedClient called %d times, want 1", calls)
	}
}

func TestSeedWaitsBrieflyForNotReadyHandle(t *testing.T) {
	t.Parallel()

	src := newFakeSource("a", 4)
	src.makeSeed = func() *fakeDispatcher {
		d := newFakeDispatcher(4)
		d.ready.Store(false)
		// Becomes ready shortly, as a freshly cloned connection does while
		// its token materializes.
		go func() {
			time.Sleep(10 * time.Millisecond)
			d.ready.Store(true)
		}()
		return d
	}

	// Real clock here: readiness flips on a background goroutine.
	m := newSeedManager(src, time.Now, sleepCtx)
	if _, err := m.Seed(context.Background()); err != nil {
		t.Fatalf("Seed() error: %v", err)
	}
}

func TestSeedNeverReadyFails(t *testing.T) {
	t.Parallel()

	src := newFakeSource("a", 4)
	src.makeSeed = func() *fakeDispatcher {
		d := newFakeDispatcher(4)
		d.ready.Store(false)
		return d
	}
	m, _ := newTestSeedManager(src)

	_, err := m.Seed(context.Background())
	if err == nil {
		t.Fatal("Seed() succeeded with a handle that never became ready")
	}
	if calls, _ := src.stats(); calls != seedCreationAttempts {
		t.Errorf("GetSeedClient called %d times, want %d", calls, seedCreationAttempts)
	}
}

func TestSeedCreationCoalescedUnderLoad(t *testing.T) {
	t.Parallel()

	src := newFakeSource("a", 4)
	m, _ := newTestSeedManager(src)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Seed(context.Background()); err != nil {
				t.Errorf("Seed() error: %v", err)
			}
		}()
	}
	wg.Wait()

	if calls, _ := src.stats(); calls != 1 {
		t.Errorf("GetSeedClient called %d times under concurrent load, want 1", calls)
	}
}

func TestInvalidateForcesReauthentication(t *testing.T) {
	t.Parallel()

	src := newFakeSource("a", 4)
	m, _ := newTestSeedManager(src)
	ctx := context.Background()

	s1, err := m.Seed(ctx)
	if err != nil {
		t.Fatalf("Seed() error: %v", err)
	}
	m.Invalidate()

	if _, invalidated := src.stats(); invalidated != 1 {
		t.Errorf("source.InvalidateSeed called %d times, want 1", invalidated)
	}
	fd := s1.(*fakeDispatcher)
	if fd.ready.Load() {
		t.Error("invalidated seed not closed")
	}

	s2, err := m.Seed(ctx)
	if err != nil {
		t.Fatalf("Seed() after invalidation error: %v", err)
	}
	if s1 == s2 {
		t.Error("Seed() returned the invalidated handle")
	}
	if calls, _ := src.stats(); calls != 2 {
		t.Errorf("GetSeedClient called %d times, want 2", calls)
	}
}
