package core

import (
	"time"

	"github.com/telemark/dvpool/internal/rate"
)

// SourceStatistics is one source's snapshot within Statistics.
type SourceStatistics struct {
	Active         int
	Idle           int
	IsThrottled    bool
	RequestsServed int64
	LiveDOP        int
	// SeedFailure is the classification of the most recent failed seed
	// creation, FailureUnknown when the seed is healthy.
	SeedFailure FailureKind
}

// Statistics is a point-in-time snapshot of the pool.
type Statistics struct {
	TotalCapacity      int
	ActiveConnections  int
	IdleConnections    int
	TotalRequests      int64
	ThrottleEvents     int64
	TotalBackoff       time.Duration
	ThrottledSources   int
	AuthFailures       int64
	ConnectionFailures int64
	InvalidatedHandles int64

	Sources map[string]SourceStatistics
	Rate    rate.Statistics
}

// Statistics returns a snapshot of pool totals, per-source state, and the
// rate controller.
func (p *Pool) Statistics() Statistics {
	stats := Statistics{
		TotalCapacity:      p.capacity,
		TotalRequests:      p.totalRequests.Load(),
		ThrottleEvents:     p.tracker.ThrottleEvents(),
		TotalBackoff:       p.tracker.TotalBackoff(),
		ThrottledSources:   p.tracker.ThrottledConnectionCount(),
		AuthFailures:       p.authFailures.Load(),
		ConnectionFailures: p.connectionFailures.Load(),
		InvalidatedHandles: p.invalidatedHandles.Load(),
		Sources:            make(map[string]SourceStatistics, len(p.names)),
		Rate:               p.controller.GetStatistics(),
	}

	for _, name := range p.names {
		ps := p.sources[name]
		active := int(ps.active.Load())
		idle := ps.idleCount()
		stats.ActiveConnections += active
		stats.IdleConnections += idle
		stats.Sources[name] = SourceStatistics{
			Active:         active,
			Idle:           idle,
			IsThrottled:    p.tracker.IsThrottled(name),
			RequestsServed: ps.served.Load(),
			LiveDOP:        int(ps.dop.Load()),
			SeedFailure:    ps.seeds.LastFailure(),
		}
	}
	return stats
}
