package dvpool

import (
	"github.com/telemark/dvpool/internal/core"
	"github.com/telemark/dvpool/internal/rate"
)

// Statistics is a point-in-time snapshot of the pool, returned by
// Pool.Statistics.
type Statistics = core.Statistics

// SourceStatistics is one source's snapshot within Statistics.
type SourceStatistics = core.SourceStatistics

// RateStatistics is the adaptive controller's snapshot within Statistics.
type RateStatistics = rate.Statistics
