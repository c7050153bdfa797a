// Package metrics holds the worker's Prometheus collectors. Components
// take a *Metrics (or nil) the same way they take a CAS client: as an
// explicit collaborator, never a package-level global.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the collectors exposed on the worker's /metrics endpoint.
type Metrics struct {
	CacheUsedBytes   prometheus.Gauge
	CacheBudgetBytes prometheus.Gauge
	CachePuts        prometheus.Counter
	CacheMisses      prometheus.Counter
	CacheEvictions   prometheus.Counter

	ActivePollers prometheus.Gauge

	ExecDuration prometheus.Histogram
	ExecTimeouts prometheus.Counter
}

// New registers and returns a fresh set of collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheUsedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "buildworker_cas_cache_used_bytes",
			Help: "Resident bytes currently held by the local CAS file cache.",
		}),
		CacheBudgetBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "buildworker_cas_cache_budget_bytes",
			Help: "Configured byte budget for the local CAS file cache.",
		}),
		CachePuts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buildworker_cas_cache_puts_total",
			Help: "Number of cache.Put calls that resolved to a resident entry.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buildworker_cas_cache_misses_total",
			Help: "Number of cache.Put calls that could not fit or fetch content.",
		}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buildworker_cas_cache_evictions_total",
			Help: "Number of cache entries evicted to make room for a new put.",
		}),
		ActivePollers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "buildworker_active_pollers",
			Help: "Number of liveness pollers currently running.",
		}),
		ExecDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "buildworker_exec_duration_seconds",
			Help:    "Wall time spent running an action's command.",
			Buckets: prometheus.DefBuckets,
		}),
		ExecTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buildworker_exec_timeouts_total",
			Help: "Number of actions whose command was force-terminated on timeout.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.CacheUsedBytes, m.CacheBudgetBytes, m.CachePuts, m.CacheMisses, m.CacheEvictions,
		m.ActivePollers, m.ExecDuration, m.ExecTimeouts,
	} {
		reg.MustRegister(c)
	}

	return m
}
