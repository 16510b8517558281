package dvpool

import (
	"context"

	"github.com/telemark/dvpool/internal/core"
	"github.com/telemark/dvpool/internal/rate"
)

// Pool multiplexes Dataverse requests over a set of client sources. It owns
// admission (a global permit semaphore sized from the servers' parallelism
// hints), throttle tracking per source, seed lifecycle and re-authentication,
// and an adaptive parallelism controller.
//
// A Pool is safe for concurrent use. Construct with New, release with Close.
type Pool struct {
	*core.Pool
}

// New builds a pool over the given sources and performs initial seed
// creation. A source whose seed cannot be created is not fatal: the pool
// assumes a conservative parallelism for it and retries on first use.
//
// ctx bounds initialization and is also the lifetime context for the pool's
// background validation; cancel it only when the pool is done.
func New(ctx context.Context, sources []ClientSource, opts ...Option) (*Pool, error) {
	cfg := defaultPoolConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.core.Sources = sources
	cfg.core.Rate = rate.NewConfig(cfg.ratePreset, cfg.rateOpts...)

	// Sources that build their own transport need the affinity decision
	// before the first seed is created.
	for _, s := range sources {
		if a, ok := s.(affinityConfigurable); ok {
			a.setAffinityCookieDisabled(cfg.core.DisableAffinityCookie)
		}
	}

	cp, err := core.New(ctx, cfg.core)
	if err != nil {
		return nil, err
	}
	return &Pool{Pool: cp}, nil
}

// affinityConfigurable is implemented by sources that construct their own
// HTTP clients and therefore own the affinity cookie decision.
type affinityConfigurable interface {
	setAffinityCookieDisabled(disabled bool)
}
