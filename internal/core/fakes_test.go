package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/telemark/dvpool/internal/dataverse"
	"github.com/telemark/dvpool/internal/rate"
)

// fakeClock is a manually advanced clock shared by the pool, tracker, and
// rate controller in tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
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

// fakeDispatcher implements dataverse.Dispatcher. Clones share the exec
// function and counters with their seed.
type fakeDispatcher struct {
	org   dataverse.OrgInfo
	dop   int
	ready atomic.Bool

	// exec services every dispatch; nil means succeed with an empty response.
	exec func(ctx context.Context, req dataverse.Request) (*dataverse.Response, error)

	cloneErr error
	clones   *atomic.Int64
	closes   *atomic.Int64

	callerID uuid.UUID
}

func newFakeDispatcher(dop int) *fakeDispatcher {
	d := &fakeDispatcher{
		org:    dataverse.OrgInfo{ID: "org", FriendlyName: "Fake Org", URL: "https://fake.example"},
		dop:    dop,
		clones: &atomic.Int64{},
		closes: &atomic.Int64{},
	}
	d.ready.Store(true)
	return d
}

func (d *fakeDispatcher) Execute(ctx context.Context, req dataverse.Request) (*dataverse.Response, error) {
	if d.exec != nil {
		return d.exec(ctx, req)
	}
	return &dataverse.Response{}, nil
}

func (d *fakeDispatcher) IsReady() bool                   { return d.ready.Load() }
func (d *fakeDispatcher) RecommendedDOP() int             { return d.dop }
func (d *fakeDispatcher) ConnectedOrg() dataverse.OrgInfo { return d.org }
func (d *fakeDispatcher) SetCallerID(id uuid.UUID)        { d.callerID = id }

func (d *fakeDispatcher) Clone(ctx context.Context) (dataverse.Dispatcher, error) {
	if d.cloneErr != nil {
		return nil, d.cloneErr
	}
	d.clones.Add(1)
	clone := &fakeDispatcher{
		org:    d.org,
		dop:    d.dop,
		exec:   d.exec,
		clones: d.clones,
		closes: d.closes,
	}
	clone.ready.Store(true)
	return clone, nil
}

func (d *fakeDispatcher) Close() error {
	d.ready.Store(false)
	d.closes.Add(1)
	return nil
}

// fakeSource implements Source over a fakeDispatcher factory.
type fakeSource struct {
	name    string
	maxPool int

	mu          sync.Mutex
	seedCalls   int
	invalidated int
	seedErrs    []error // consumed first, one per GetSeedClient call
	makeSeed    func() *fakeDispatcher
	lastSeed    *fakeDispatcher
	closed      bool
}

func newFakeSource(name string, dop int) *fakeSource {
	return &fakeSource{
		name:     name,
		makeSeed: func() *fakeDispatcher { return newFakeDispatcher(dop) },
	}
}

func (s *fakeSource) Name() string     { return s.name }
func (s *fakeSource) MaxPoolSize() int { return s.maxPool }

func (s *fakeSource) GetSeedClient(ctx context.Context) (dataverse.Dispatcher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seedCalls++
	if len(s.seedErrs) > 0 {
		err := s.seedErrs[0]
		s.seedErrs = s.seedErrs[1:]
		return nil, err
	}
	s.lastSeed = s.makeSeed()
	return s.lastSeed, nil
}

func (s *fakeSource) InvalidateSeed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated++
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSource) stats() (seedCalls, invalidated int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seedCalls, s.invalidated
}

// protectionFault builds a requests-exceeded fault carrying retryAfter.
func protectionFault(retryAfter time.Duration) *dataverse.Fault {
	return &dataverse.Fault{
		Code:       dataverse.CodeRequestLimitExceeded,
		HTTPStatus: 429,
		Message:    "number of requests exceeded the limit",
		Details:    map[string]any{dataverse.RetryAfterKey: retryAfter},
	}
}

// tokenFault builds an HTTP 401 fault.
func tokenFault() *dataverse.Fault {
	return &dataverse.Fault{
		HTTPStatus: 401,
		Message:    "access token has expired",
	}
}

func testConfig(sources ...Source) Config {
	return Config{
		Sources:              sources,
		AcquireTimeout:       DefaultAcquireTimeout,
		MaxIdleTime:          DefaultMaxIdleTime,
		MaxLifetime:          DefaultMaxLifetime,
		Strategy:             StrategyThrottleAware,
		ValidationInterval:   DefaultValidationInterval,
		EnableValidation:     false,
		ValidateOnCheckout:   true,
		MaxConnectionRetries: DefaultMaxConnectionRetries,
		Rate:                 rate.NewConfig(rate.Balanced),
	}
}

// newTestPool builds a pool on a fake clock: now, sleep (advances the clock
// instead of blocking), the tracker, and the rate controller all share it.
func newTestPool(t interface {
	Helper()
	Fatalf(format string, args ...any)
	Cleanup(func())
}, cfg Config) (*Pool, *fakeClock) {
	t.Helper()

	clk := newFakeClock()
	sleep := func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		clk.Advance(d)
		return nil
	}
	p, err := newPool(context.Background(), cfg, clk.Now, sleep)
	if err != nil {
		t.Fatalf("newPool() error: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p, clk
}
