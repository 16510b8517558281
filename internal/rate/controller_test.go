package rate

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newTestController builds a Balanced controller on a fake clock and primes
// its bounds for one source with the given server hint.
func newTestController(t *testing.T, hint, sources int, opts ...Option) (*Controller, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	ctrl := NewControllerWithClock(NewConfig(Balanced, opts...), clock.Now)
	ctrl.GetParallelism(hint, sources)
	return ctrl, clock
}

// runBatches advances the clock by spacing and records a batch of the given
// duration, n times.
func runBatches(ctrl *Controller, clock *fakeClock, n int, duration, spacing time.Duration) {
	for i := 0; i < n; i++ {
		clock.Advance(spacing)
		ctrl.RecordBatchCompletion(duration)
	}
}

func TestInitialBounds(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		hint      int
		sources   int
		wantFloor int
	}{
		"single source":  {hint: 8, sources: 1, wantFloor: 8},
		"two sources":    {hint: 8, sources: 2, wantFloor: 16},
		"no server hint": {hint: 0, sources: 1, wantFloor: MinParallelism},
		"zero sources":   {hint: 4, sources: 0, wantFloor: 4}, // clamped to 1 source
	}

	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			ctrl, _ := newTestController(t, tc.hint, tc.sources)
			if got := ctrl.GetParallelism(tc.hint, tc.sources); got != tc.wantFloor {
				t.Errorf("GetParallelism = %d, want floor %d", got, tc.wantFloor)
			}

			stats := ctrl.GetStatistics()
			if stats.Floor != tc.wantFloor {
				t.Errorf("Floor = %d, want %d", stats.Floor, tc.wantFloor)
			}
			sources := tc.sources
			if sources < 1 {
				sources = 1
			}
			if want := HardCapPerSource * sources; stats.Ceiling != want {
				t.Errorf("Ceiling = %d, want %d", stats.Ceiling, want)
			}
			if stats.LastKnownGood != tc.wantFloor {
				t.Errorf("LastKnownGood = %d, want floor %d", stats.LastKnownGood, tc.wantFloor)
			}
		})
	}
}

func TestDisabledControllerPinsFloor(t *testing.T) {
	t.Parallel()

	ctrl := NewController(NewConfig(Balanced, WithEnabled(false)))
	for i := 0; i < 10; i++ {
		ctrl.RecordBatchCompletion(100 * time.Millisecond)
	}
	if got := ctrl.GetParallelism(8, 2); got != 16 {
		t.Errorf("disabled GetParallelism = %d, want 16", got)
	}
}

func TestInitialCeilingBeforeSamples(t *testing.T) {
	t.Parallel()

	ctrl, clock := newTestController(t, 8, 1)

	// Until three batches are observed, the conservative pre-sample cap
	// (20 × sources) binds instead of the budget ceilings.
	if got := ctrl.GetStatistics().EffectiveCeiling; got != InitialCapPerSource {
		t.Errorf("pre-sample effective ceiling = %d, want %d", got, InitialCapPerSource)
	}

	// After three 500 ms batches the request-rate ceiling takes over:
	// 20 (factor) × 0.5 s = 10.
	runBatches(ctrl, clock, MinBatchSamples, 500*time.Millisecond, time.Second)
	if got := ctrl.GetStatistics().EffectiveCeiling; got != 10 {
		t.Errorf("post-sample effective ceiling = %d, want 10", got)
	}
}

// TestMonotonicOnSustainedSuccess: with no throttles, current never decreases
// and never exceeds the effective ceiling.
func TestMonotonicOnSustainedSuccess(t *testing.T) {
	t.Parallel()

	ctrl, clock := newTestController(t, 8, 1)

	prev := ctrl.GetParallelism(8, 1)
	for i := 0; i < 100; i++ {
		clock.Advance(500 * time.Millisecond)
		ctrl.RecordBatchCompletion(500 * time.Millisecond)

		got := ctrl.GetParallelism(8, 1)
		if got < prev {
			t.Fatalf("parallelism decreased %d → %d without a throttle", prev, got)
		}
		stats := ctrl.GetStatistics()
		if got > stats.EffectiveCeiling {
			t.Fatalf("parallelism %d exceeds effective ceiling %d", got, stats.EffectiveCeiling)
		}
		prev = got
	}

	if prev <= 8 {
		t.Errorf("parallelism never climbed above the floor: %d", prev)
	}
}

func TestDecreaseOnThrottleAboveFloor(t *testing.T) {
	t.Parallel()

	ctrl, clock := newTestController(t, 8, 1)
	runBatches(ctrl, clock, 60, 500*time.Millisecond, 500*time.Millisecond)

	before := ctrl.GetParallelism(8, 1)
	if before <= 8 {
		t.Fatalf("setup: parallelism %d did not climb above floor", before)
	}

	ctrl.RecordThrottle(30 * time.Second)

	stats := ctrl.GetStatistics()
	if stats.Current > int(float64(before)*0.5) && stats.Current != stats.Floor {
		t.Errorf("current = %d after throttle, want ≤ %d or floor", stats.Current, before/2)
	}
	if stats.Current < stats.Floor {
		t.Errorf("current = %d fell below floor %d", stats.Current, stats.Floor)
	}
	if stats.ThrottleCeiling == 0 {
		t.Error("throttle ceiling not set")
	}
	if !stats.ThrottleCeilingExpiry.After(clock.Now()) {
		t.Error("throttle ceiling expiry not in the future")
	}
	if want := clock.Now().Add(30*time.Second + ProtectionWindow); !stats.ThrottleCeilingExpiry.Equal(want) {
		t.Errorf("throttle ceiling expiry = %v, want %v", stats.ThrottleCeilingExpiry, want)
	}
}

// TestThrottleDebounce: a burst of throttles within the debounce window
// yields exactly one decrease but counts every event.
func TestThrottleDebounce(t *testing.T) {
	t.Parallel()

	ctrl, clock := newTestController(t, 8, 2)
	runBatches(ctrl, clock, 60, time.Second, time.Second)

	before := ctrl.GetParallelism(8, 2)
	if before <= 16 {
		t.Fatalf("setup: parallelism %d did not climb above floor 16", before)
	}
	statsBefore := ctrl.GetStatistics()

	// 52 concurrent requests all fault within one second.
	for i := 0; i < 52; i++ {
		if i > 0 && i%10 == 0 {
			clock.Advance(100 * time.Millisecond)
		}
		ctrl.RecordThrottle(30 * time.Second)
	}

	stats := ctrl.GetStatistics()
	if want := statsBefore.TotalThrottleEvents + 52; stats.TotalThrottleEvents != want {
		t.Errorf("TotalThrottleEvents = %d, want %d", stats.TotalThrottleEvents, want)
	}

	// Exactly one multiplicative decrease.
	wantCurrent := maxInt(stats.Floor, int(float64(before)*0.5))
	if stats.Current != wantCurrent {
		t.Errorf("current = %d after burst, want single decrease to %d", stats.Current, wantCurrent)
	}
}

// TestFloorProtection: a throttle at the floor must not ratchet the throttle
// ceiling down.
func TestFloorProtection(t *testing.T) {
	t.Parallel()

	ctrl, clock := newTestController(t, 8, 1)

	// First throttle from above the floor establishes a ceiling.
	runBatches(ctrl, clock, 60, 500*time.Millisecond, 500*time.Millisecond)
	ctrl.RecordThrottle(30 * time.Second)
	ceiling := ctrl.GetStatistics().ThrottleCeiling
	if ceiling == 0 {
		t.Fatal("setup: no throttle ceiling established")
	}

	// current is now at the floor; further throttles (outside the
	// debounce window) must leave the ceiling alone.
	clock.Advance(ThrottleDebounce + time.Second)
	if cur, floor := ctrl.GetStatistics().Current, ctrl.GetStatistics().Floor; cur != floor {
		t.Fatalf("setup: current %d not at floor %d", cur, floor)
	}
	ctrl.RecordThrottle(10 * time.Minute)

	if got := ctrl.GetStatistics().ThrottleCeiling; got < ceiling {
		t.Errorf("throttle ceiling lowered at floor: %d → %d", ceiling, got)
	}
}

func TestRecoveryCooldownBlocksIncrease(t *testing.T) {
	t.Parallel()

	ctrl, clock := newTestController(t, 8, 1)
	runBatches(ctrl, clock, 60, 500*time.Millisecond, 500*time.Millisecond)
	ctrl.RecordThrottle(5 * time.Second)
	after := ctrl.GetStatistics().Current

	// Inside the 30 s cooldown nothing may increase, however many clean
	// batches complete.
	runBatches(ctrl, clock, 20, 500*time.Millisecond, time.Second) // 20 s < cooldown
	if got := ctrl.GetStatistics().Current; got != after {
		t.Errorf("current moved during cooldown: %d → %d", after, got)
	}

	// Once the cooldown passes, the ramp resumes.
	clock.Advance(RecoveryCooldown)
	runBatches(ctrl, clock, 20, 500*time.Millisecond, time.Second)
	if got := ctrl.GetStatistics().Current; got <= after {
		t.Errorf("current did not recover after cooldown: still %d", got)
	}
}

func TestHardRateCapGatesIncrease(t *testing.T) {
	t.Parallel()

	ctrl, clock := newTestController(t, 8, 1)

	// Batches completing every 40 ms → 25/s, over the 18/s cap but under
	// the artifact threshold: the ramp must stall.
	runBatches(ctrl, clock, 100, 30*time.Millisecond, 40*time.Millisecond)
	if got := ctrl.GetStatistics().Current; got != 8 {
		t.Errorf("current = %d under sustained over-rate, want floor 8", got)
	}
}

func TestRateArtifactDoesNotGate(t *testing.T) {
	t.Parallel()

	ctrl, clock := newTestController(t, 8, 1)

	// Sub-millisecond spacing measures thousands per second — a scheduler
	// artifact, not a real rate. Increases proceed.
	runBatches(ctrl, clock, 60, 500*time.Millisecond, 100*time.Microsecond)
	if got := ctrl.GetStatistics().Current; got <= 8 {
		t.Errorf("current = %d, want climb despite artifact readings", got)
	}
}

func TestIdleReset(t *testing.T) {
	t.Parallel()

	ctrl, clock := newTestController(t, 8, 1)
	runBatches(ctrl, clock, 60, 500*time.Millisecond, 500*time.Millisecond)
	ctrl.RecordThrottle(30 * time.Second)
	events := ctrl.GetStatistics().TotalThrottleEvents

	clock.Advance(IdleReset + time.Minute)
	if got := ctrl.GetParallelism(8, 1); got != 8 {
		t.Errorf("post-idle GetParallelism = %d, want floor 8", got)
	}

	stats := ctrl.GetStatistics()
	if stats.TotalThrottleEvents != events {
		t.Errorf("idle reset lost throttle events: %d → %d", events, stats.TotalThrottleEvents)
	}
	if stats.BatchSamples != 0 || stats.ThrottleCeiling != 0 {
		t.Error("idle reset did not clear learned state")
	}
}

func TestStaleLastKnownGoodPromoted(t *testing.T) {
	t.Parallel()

	ctrl, clock := newTestController(t, 8, 1)
	runBatches(ctrl, clock, 30, 500*time.Millisecond, 500*time.Millisecond)
	current := ctrl.GetStatistics().Current

	// Keep activity alive but let the LKG timestamp go stale.
	for i := 0; i < 6; i++ {
		clock.Advance(time.Minute)
		ctrl.RecordBatchCompletion(500 * time.Millisecond)
	}
	ctrl.GetParallelism(8, 1)

	if got := ctrl.GetStatistics().LastKnownGood; got < current {
		t.Errorf("stale LastKnownGood = %d, want promoted to ≥ %d", got, current)
	}
}

func TestConnectionCountChangeReinitializes(t *testing.T) {
	t.Parallel()

	ctrl, clock := newTestController(t, 8, 1)
	runBatches(ctrl, clock, 60, 500*time.Millisecond, 500*time.Millisecond)

	if got := ctrl.GetParallelism(8, 2); got != 16 {
		t.Errorf("GetParallelism after source count change = %d, want fresh floor 16", got)
	}
	if got := ctrl.GetStatistics().Ceiling; got != 2*HardCapPerSource {
		t.Errorf("Ceiling = %d, want %d", got, 2*HardCapPerSource)
	}
}

func TestReset(t *testing.T) {
	t.Parallel()

	ctrl, clock := newTestController(t, 8, 1)
	runBatches(ctrl, clock, 60, 500*time.Millisecond, 500*time.Millisecond)
	ctrl.RecordThrottle(30 * time.Second)
	events := ctrl.GetStatistics().TotalThrottleEvents

	ctrl.Reset()

	stats := ctrl.GetStatistics()
	if stats.TotalThrottleEvents != events {
		t.Errorf("Reset lost throttle events: want %d, got %d", events, stats.TotalThrottleEvents)
	}
	if stats.Current != 0 || stats.BatchSamples != 0 {
		t.Error("Reset did not clear state")
	}
	if got := ctrl.GetParallelism(8, 1); got != 8 {
		t.Errorf("GetParallelism after Reset = %d, want floor 8", got)
	}
}

func TestScenarioSingleThrottleSingleSource(t *testing.T) {
	t.Parallel()

	ctrl, clock := newTestController(t, 8, 1)

	// 100 successful 500 ms batches: current climbs above the floor.
	runBatches(ctrl, clock, 100, 500*time.Millisecond, 500*time.Millisecond)
	climbed := ctrl.GetParallelism(8, 1)
	if climbed <= 8 {
		t.Fatalf("parallelism = %d after 100 clean batches, want above floor 8", climbed)
	}

	// One throttle with retry-after 30 s.
	ctrl.RecordThrottle(30 * time.Second)

	stats := ctrl.GetStatistics()
	if stats.Current >= climbed {
		t.Errorf("current = %d did not decrease from %d", stats.Current, climbed)
	}
	if stats.Current < 8 {
		t.Errorf("current = %d fell below floor", stats.Current)
	}
	if stats.ThrottleCeiling == 0 {
		t.Error("throttle ceiling not derived from the event")
	}
}

func TestConcurrentRecordingIsSafe(t *testing.T) {
	t.Parallel()

	ctrl := NewController(NewConfig(Balanced))
	ctrl.GetParallelism(8, 1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				switch i % 3 {
				case 0:
					ctrl.RecordBatchCompletion(10 * time.Millisecond)
				case 1:
					ctrl.GetParallelism(8, 1)
				case 2:
					ctrl.GetStatistics()
				}
			}
		}()
	}
	wg.Wait()
}
