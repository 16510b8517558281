package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/telemark/dvpool/internal/rate"
	"github.com/telemark/dvpool/internal/throttle"
	"github.com/telemark/dvpool/internal/webapi"
)

// poolSource couples one Source with its seed manager, idle queue, and
// counters. The idle queue is FIFO under its own mutex.
type poolSource struct {
	src   Source
	seeds *seedManager

	mu   sync.Mutex
	idle []*PooledHandle

	active atomic.Int64
	served atomic.Int64
	dop    atomic.Int32

	maxPoolSize int
}

func (ps *poolSource) name() string { return ps.src.Name() }

// enqueue appends the handle, reporting false when the queue is at capacity.
func (ps *poolSource) enqueue(h *PooledHandle) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if len(ps.idle) >= ps.maxPoolSize {
		return false
	}
	ps.idle = append(ps.idle, h)
	return true
}

// dequeue removes and returns the oldest idle handle, or nil.
func (ps *poolSource) dequeue() *PooledHandle {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if len(ps.idle) == 0 {
		return nil
	}
	h := ps.idle[0]
	ps.idle = ps.idle[1:]
	return h
}

// drain empties the queue and returns the removed handles in order.
func (ps *poolSource) drain() []*PooledHandle {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	out := ps.idle
	ps.idle = nil
	return out
}

func (ps *poolSource) idleCount() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.idle)
}

// Pool is the connection pool engine. Construct with New, dispose with Close.
type Pool struct {
	cfg      Config
	sources  map[string]*poolSource
	names    []string // configuration order
	sem      *semaphore.Weighted
	capacity int

	tracker    *throttle.Tracker
	detector   *throttle.Detector
	controller *rate.Controller
	sel        selector

	totalRequests      atomic.Int64
	authFailures       atomic.Int64
	connectionFailures atomic.Int64
	invalidatedHandles atomic.Int64

	closed atomic.Bool
	stop   context.CancelFunc
	wg     sync.WaitGroup

	// now and sleep are replaceable in tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds and warms a pool: seeds are initialized (a failed seed demotes
// the source to the fallback parallelism instead of failing construction),
// the admission semaphore is sized from the per-source hints, one handle per
// source is pre-cloned, and background validation starts if enabled.
func New(ctx context.Context, cfg Config) (*Pool, error) {
	return newPool(ctx, cfg, time.Now, sleepCtx)
}

// newPool is New with an injectable clock, so tests drive every wait.
func newPool(ctx context.Context, cfg Config, now func() time.Time, sleep func(context.Context, time.Duration) error) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool configuration: %w", err)
	}

	// Process-wide transport tunings, applied at most once per process.
	webapi.SharedTransport()

	p := &Pool{
		cfg:        cfg,
		sources:    make(map[string]*poolSource, len(cfg.Sources)),
		tracker:    throttle.NewTrackerWithClock(now),
		controller: rate.NewControllerWithClock(cfg.Rate, now),
		sel:        newSelector(cfg.Strategy),
		now:        now,
		sleep:      sleep,
	}
	p.detector = throttle.NewDetector(p.onThrottle, p.onTokenFailure)

	for _, src := range cfg.Sources {
		maxSize := src.MaxPoolSize()
		if maxSize == 0 {
			maxSize = DefaultMaxPoolSize
		}
		ps := &poolSource{
			src:         src,
			seeds:       newSeedManager(src, p.now, func(c context.Context, d time.Duration) error { return p.sleep(c, d) }),
			maxPoolSize: maxSize,
		}
		p.sources[src.Name()] = ps
		p.names = append(p.names, src.Name())

		dop := FallbackDOP
		seed, err := ps.seeds.Seed(ctx)
		if err != nil {
			Logger().Warn("seed initialization failed, using fallback parallelism",
				"source", src.Name(),
				"classification", ClassifyFailure(err).String(),
				"fallback_dop", FallbackDOP,
				"error", err)
		} else if hint := seed.RecommendedDOP(); hint > 0 {
			dop = hint
		}
		ps.dop.Store(int32(dop))
	}

	p.capacity = 0
	for _, name := range p.names {
		p.capacity += int(p.sources[name].dop.Load())
	}
	if cfg.MaxPoolSize > 0 {
		p.capacity = cfg.MaxPoolSize
	}
	p.sem = semaphore.NewWeighted(int64(p.capacity))

	p.warmUp(ctx)

	loopCtx, cancel := context.WithCancel(context.Background())
	p.stop = cancel
	if cfg.EnableValidation {
		p.wg.Add(1)
		go p.validationLoop(loopCtx)
	}

	Logger().Info("pool initialized",
		"sources", len(p.names),
		"capacity", p.capacity,
		"strategy", cfg.Strategy.String())
	return p, nil
}

// sleepCtx sleeps for d or until the context is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// warmUp pre-clones one handle per source, best effort.
func (p *Pool) warmUp(ctx context.Context) {
	for _, name := range p.names {
		ps := p.sources[name]
		h, err := p.mint(ctx, ps)
		if err != nil {
			Logger().Debug("warm-up clone failed", "source", name, "error", err)
			continue
		}
		if !ps.enqueue(h) {
			h.dispose()
		}
	}
}

// onThrottle is the detector callback for protection-limit faults. It runs
// before the fault propagates, so the tracker and the rate controller are
// consistent by the time the next checkout consults them.
func (p *Pool) onThrottle(source string, retryAfter time.Duration) {
	p.tracker.RecordThrottle(source, retryAfter)
	p.controller.RecordThrottle(retryAfter)
	Logger().Warn("source throttled",
		"source", source,
		"retry_after", retryAfter)
}

// onTokenFailure is the detector callback for dead tokens: every clone of
// the source's seed is now broken, so the seed is invalidated and the idle
// queue drained before the typed error reaches the caller.
func (p *Pool) onTokenFailure(source string) {
	p.authFailures.Add(1)
	p.invalidateSource(source)
	Logger().Warn("token failure, seed invalidated and queue drained", "source", source)
}

func (p *Pool) invalidateSource(name string) {
	ps, ok := p.sources[name]
	if !ok {
		return
	}
	ps.seeds.Invalidate()
	for _, h := range ps.drain() {
		p.invalidatedHandles.Add(1)
		h.dispose()
	}
}

// InvalidateSeed discards the named source's seed and disposes every pooled
// handle cloned from it. The next checkout re-authenticates lazily.
func (p *Pool) InvalidateSeed(name string) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	if _, ok := p.sources[name]; !ok {
		return fmt.Errorf("unknown source %q", name)
	}
	p.invalidateSource(name)
	return nil
}

// GetClient checks out a handle, waiting for throttle recovery and admission.
func (p *Pool) GetClient(ctx context.Context, opts ...CheckoutOption) (*PooledHandle, error) {
	return p.checkout(ctx, "", opts...)
}

// GetClientExcluding checks out a handle from any source except the named
// one. Used by callers that just observed a source-specific failure.
func (p *Pool) GetClientExcluding(ctx context.Context, exclude string, opts ...CheckoutOption) (*PooledHandle, error) {
	return p.checkout(ctx, exclude, opts...)
}

func (p *Pool) checkout(ctx context.Context, exclude string, opts ...CheckoutOption) (*PooledHandle, error) {
	for {
		if p.closed.Load() {
			return nil, ErrPoolClosed
		}

		// Phase one: wait for a non-throttled source while holding nothing,
		// so a throttle storm cannot pin admission permits.
		if err := p.waitForNonThrottled(ctx, exclude); err != nil {
			return nil, err
		}

		// Phase two: bounded admission.
		if err := p.acquire(ctx); err != nil {
			return nil, err
		}

		h, retry, err := p.tryCheckout(ctx, exclude, opts...)
		if err != nil {
			p.sem.Release(1)
			return nil, err
		}
		if retry {
			// The selected source got throttled between phases; go back to
			// waiting without a permit.
			p.sem.Release(1)
			continue
		}
		return h, nil
	}
}

func (p *Pool) waitForNonThrottled(ctx context.Context, exclude string) error {
	for {
		if p.closed.Load() {
			return ErrPoolClosed
		}
		for _, name := range p.names {
			if name != exclude && !p.tracker.IsThrottled(name) {
				return nil
			}
		}

		wait := p.tracker.ShortestExpiry() + throttleWaitSlack
		if tol := p.cfg.MaxRetryAfterTolerance; tol > 0 && wait > tol {
			return &ServiceProtectionError{WaitRequired: wait, Tolerance: tol}
		}
		Logger().Debug("all sources throttled, waiting", "wait", wait)
		if err := p.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (p *Pool) acquire(ctx context.Context) error {
	actx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	if err := p.sem.Acquire(actx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &PoolExhaustedError{
			Active:   p.ActiveConnections(),
			Capacity: p.capacity,
			Timeout:  p.cfg.AcquireTimeout,
		}
	}
	return nil
}

// tryCheckout runs phases three and four under an admission permit. retry
// reports that the caller should release the permit and restart phase one.
func (p *Pool) tryCheckout(ctx context.Context, exclude string, opts ...CheckoutOption) (h *PooledHandle, retry bool, err error) {
	name := p.sel.pick(p.names, p.tracker, p.activeFor, exclude)
	if name == "" {
		return nil, false, fmt.Errorf("%w: every source excluded", ErrNoSources)
	}
	if p.tracker.IsThrottled(name) {
		return nil, true, nil
	}
	ps := p.sources[name]

	now := p.now()
	for {
		h = ps.dequeue()
		if h == nil {
			break
		}
		if p.handleValid(h, now) {
			return p.handOut(ps, h, opts...), false, nil
		}
		p.invalidatedHandles.Add(1)
		h.dispose()
	}

	// Queue empty: clone from the seed. Cloning talks to the server, so a
	// throttled source must not be cloned from.
	if p.tracker.IsThrottled(name) {
		return nil, true, nil
	}
	h, err = p.mint(ctx, ps)
	if err != nil {
		p.connectionFailures.Add(1)
		return nil, false, err
	}
	return p.handOut(ps, h, opts...), false, nil
}

func (p *Pool) handOut(ps *poolSource, h *PooledHandle, opts ...CheckoutOption) *PooledHandle {
	h.checkout(opts...)
	ps.active.Add(1)
	ps.served.Add(1)
	p.totalRequests.Add(1)
	if hint := h.client.RecommendedDOP(); hint > 0 {
		ps.dop.Store(int32(hint))
	}
	return h
}

// mint creates a new pooled handle by cloning the source's seed, retrying
// clone failures up to MaxConnectionRetries extra times.
func (p *Pool) mint(ctx context.Context, ps *poolSource) (*PooledHandle, error) {
	var lastErr error
	attempts := 1 + p.cfg.MaxConnectionRetries
	for i := 0; i < attempts; i++ {
		seed, err := ps.seeds.Seed(ctx)
		if err != nil {
			lastErr = err
			if !retryableSeedFailure(err) {
				break
			}
			continue
		}
		clone, err := seed.Clone(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		return newHandle(p, ps.name(), clone, p.now()), nil
	}

	if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
		return nil, lastErr
	}
	return nil, &ConnectionError{Source: ps.name(), Kind: ClassifyFailure(lastErr), Err: lastErr}
}

// handleValid applies the queue-health predicates to a dequeued handle.
func (p *Pool) handleValid(h *PooledHandle, now time.Time) bool {
	if invalid, _ := h.IsInvalid(); invalid {
		return false
	}
	if !p.cfg.ValidateOnCheckout {
		return true
	}
	if now.Sub(h.LastUsedAt()) > p.cfg.MaxIdleTime {
		return false
	}
	if now.Sub(h.createdAt) > p.cfg.MaxLifetime {
		return false
	}
	return h.client.IsReady()
}

// returnHandle is the single return path, reached through PooledHandle.Close.
// The generation CAS in release guarantees at most one semaphore release per
// checkout no matter how many times Close is called.
func (p *Pool) returnHandle(h *PooledHandle) error {
	if !h.release() {
		return nil
	}
	ps := p.sources[h.source]
	ps.active.Add(-1)
	defer p.sem.Release(1)

	invalid, reason := h.IsInvalid()
	switch {
	case p.closed.Load():
		h.dispose()
	case invalid:
		p.invalidatedHandles.Add(1)
		Logger().Debug("disposing invalid handle",
			"source", h.source,
			"connection_id", h.id,
			"reason", reason)
		h.dispose()
	case !h.client.IsReady():
		p.invalidatedHandles.Add(1)
		h.dispose()
	default:
		h.reset()
		if !ps.enqueue(h) {
			h.dispose()
		}
	}
	return nil
}

// TryGetClientWithCapacity is a best-effort non-blocking checkout: it returns
// a handle only from a source that is not throttled and whose active count is
// below its live parallelism hint. ErrNoCapacity when no source qualifies.
func (p *Pool) TryGetClientWithCapacity(ctx context.Context, opts ...CheckoutOption) (*PooledHandle, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}

	for _, name := range p.names {
		ps := p.sources[name]
		if p.tracker.IsThrottled(name) {
			continue
		}
		if ps.active.Load() >= int64(ps.dop.Load()) {
			continue
		}
		if !p.sem.TryAcquire(1) {
			return nil, ErrNoCapacity
		}

		h, retry, err := p.tryCheckoutFrom(ctx, ps, opts...)
		if err != nil || retry {
			p.sem.Release(1)
			if err != nil {
				Logger().Debug("capacity checkout failed", "source", name, "error", err)
			}
			continue
		}
		return h, nil
	}
	return nil, ErrNoCapacity
}

// tryCheckoutFrom is tryCheckout pinned to one source.
func (p *Pool) tryCheckoutFrom(ctx context.Context, ps *poolSource, opts ...CheckoutOption) (h *PooledHandle, retry bool, err error) {
	now := p.now()
	for {
		h = ps.dequeue()
		if h == nil {
			break
		}
		if p.handleValid(h, now) {
			return p.handOut(ps, h, opts...), false, nil
		}
		p.invalidatedHandles.Add(1)
		h.dispose()
	}
	if p.tracker.IsThrottled(ps.name()) {
		return nil, true, nil
	}
	h, err = p.mint(ctx, ps)
	if err != nil {
		p.connectionFailures.Add(1)
		return nil, false, err
	}
	return p.handOut(ps, h, opts...), false, nil
}

func (p *Pool) activeFor(name string) int64 {
	if ps, ok := p.sources[name]; ok {
		return ps.active.Load()
	}
	return 0
}

// IsEnabled reports whether the pool is open for checkouts.
func (p *Pool) IsEnabled() bool { return !p.closed.Load() }

// SourceCount returns the number of configured sources.
func (p *Pool) SourceCount() int { return len(p.names) }

// Capacity returns the admission semaphore size.
func (p *Pool) Capacity() int { return p.capacity }

// ActiveConnections returns the number of currently checked-out handles.
func (p *Pool) ActiveConnections() int {
	total := 0
	for _, name := range p.names {
		total += int(p.sources[name].active.Load())
	}
	return total
}

// GetActiveConnectionCount returns the active checkout count for one source.
func (p *Pool) GetActiveConnectionCount(name string) int64 {
	return p.activeFor(name)
}

// GetLiveSourceDop returns the source's current server parallelism hint.
func (p *Pool) GetLiveSourceDop(name string) int {
	if ps, ok := p.sources[name]; ok {
		return int(ps.dop.Load())
	}
	return 0
}

// GetTotalRecommendedParallelism returns the adaptive controller's current
// advised pool-wide parallelism.
func (p *Pool) GetTotalRecommendedParallelism() int {
	count := len(p.names)
	if count == 0 {
		return 0
	}
	totalDOP := 0
	for _, name := range p.names {
		totalDOP += int(p.sources[name].dop.Load())
	}
	return p.controller.GetParallelism(totalDOP/count, count)
}

// RecordAuthFailure bumps the auth failure counter. Instrumentation hook for
// callers that authenticate outside the pool.
func (p *Pool) RecordAuthFailure() { p.authFailures.Add(1) }

// RecordConnectionFailure bumps the connection failure counter.
func (p *Pool) RecordConnectionFailure() { p.connectionFailures.Add(1) }

// Tracker exposes the throttle tracker (shared with the detector).
func (p *Pool) Tracker() *throttle.Tracker { return p.tracker }

// RateStatistics returns the adaptive controller's statistics snapshot.
func (p *Pool) RateStatistics() rate.Statistics { return p.controller.GetStatistics() }

// Close disposes the pool: stops validation, disposes every idle handle and
// every source. Idempotent. Handles checked out at the time of the call are
// disposed when they are returned.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.stop()
	p.wg.Wait()

	for _, name := range p.names {
		ps := p.sources[name]
		for _, h := range ps.drain() {
			h.dispose()
		}
		if err := ps.src.Close(); err != nil {
			Logger().Warn("source close failed", "source", name, "error", err)
		}
	}
	Logger().Info("pool closed")
	return nil
}
