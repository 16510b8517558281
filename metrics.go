package dvpool

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes a pool's Statistics snapshot as Prometheus metrics.
// Register it with any prometheus.Registerer:
//
//	prometheus.MustRegister(dvpool.NewCollector(pool))
//
// Metrics are read fresh on every scrape; the collector holds no state of
// its own.
type Collector struct {
	pool *Pool

	capacity     *prometheus.Desc
	active       *prometheus.Desc
	idle         *prometheus.Desc
	requests     *prometheus.Desc
	throttles    *prometheus.Desc
	backoff      *prometheus.Desc
	authFails    *prometheus.Desc
	connFails    *prometheus.Desc
	invalidated  *prometheus.Desc
	parallelism  *prometheus.Desc
	srcActive    *prometheus.Desc
	srcIdle      *prometheus.Desc
	srcThrottled *prometheus.Desc
	srcServed    *prometheus.Desc
	srcDOP       *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector builds a collector over p. The pool must outlive the
// collector's registration.
func NewCollector(p *Pool) *Collector {
	return &Collector{
		pool: p,
		capacity: prometheus.NewDesc("dvpool_capacity",
			"Total admission capacity across all sources.", nil, nil),
		active: prometheus.NewDesc("dvpool_active_connections",
			"Connections currently checked out.", nil, nil),
		idle: prometheus.NewDesc("dvpool_idle_connections",
			"Connections parked in idle queues.", nil, nil),
		requests: prometheus.NewDesc("dvpool_requests_total",
			"Requests executed through the pool.", nil, nil),
		throttles: prometheus.NewDesc("dvpool_throttle_events_total",
			"Service protection throttles observed.", nil, nil),
		backoff: prometheus.NewDesc("dvpool_throttle_backoff_seconds_total",
			"Cumulative Retry-After time the service has demanded.", nil, nil),
		authFails: prometheus.NewDesc("dvpool_auth_failures_total",
			"Authentication failures observed.", nil, nil),
		connFails: prometheus.NewDesc("dvpool_connection_failures_total",
			"Seed or clone creation failures.", nil, nil),
		invalidated: prometheus.NewDesc("dvpool_invalidated_handles_total",
			"Handles discarded instead of returned to the queue.", nil, nil),
		parallelism: prometheus.NewDesc("dvpool_recommended_parallelism",
			"Adaptive controller's current total parallelism.", nil, nil),
		srcActive: prometheus.NewDesc("dvpool_source_active_connections",
			"Connections checked out per source.", []string{"source"}, nil),
		srcIdle: prometheus.NewDesc("dvpool_source_idle_connections",
			"Idle connections per source.", []string{"source"}, nil),
		srcThrottled: prometheus.NewDesc("dvpool_source_throttled",
			"1 while the source is inside a throttle window.", []string{"source"}, nil),
		srcServed: prometheus.NewDesc("dvpool_source_requests_total",
			"Requests served per source.", []string{"source"}, nil),
		srcDOP: prometheus.NewDesc("dvpool_source_parallelism_hint",
			"Server-recommended degree of parallelism per source.", []string{"source"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.pool.Statistics()

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}

	gauge(c.capacity, float64(stats.TotalCapacity))
	gauge(c.active, float64(stats.ActiveConnections))
	gauge(c.idle, float64(stats.IdleConnections))
	counter(c.requests, float64(stats.TotalRequests))
	counter(c.throttles, float64(stats.ThrottleEvents))
	counter(c.backoff, stats.TotalBackoff.Seconds())
	counter(c.authFails, float64(stats.AuthFailures))
	counter(c.connFails, float64(stats.ConnectionFailures))
	counter(c.invalidated, float64(stats.InvalidatedHandles))
	gauge(c.parallelism, float64(c.pool.GetTotalRecommendedParallelism()))

	for name, src := range stats.Sources {
		gauge(c.srcActive, float64(src.Active), name)
		gauge(c.srcIdle, float64(src.Idle), name)
		throttled := 0.0
		if src.IsThrottled {
			throttled = 1
		}
		gauge(c.srcThrottled, throttled, name)
		counter(c.srcServed, float64(src.RequestsServed), name)
		gauge(c.srcDOP, float64(src.LiveDOP), name)
	}
}
