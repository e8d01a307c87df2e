package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "nowcast"

// Metrics holds the Prometheus counters, histograms, and gauges for the service.
type Metrics struct {
	// Cache & rate limiter.
	CacheLookups   *prometheus.CounterVec // labels: kind, result={hit,miss,stale,unavailable}
	CacheEntries   prometheus.Gauge
	CacheEvictions *prometheus.CounterVec // labels: reason={ttl,lru}
	RateLimited    *prometheus.CounterVec // labels: provider

	// Provider adapters.
	ProviderFetches       *prometheus.CounterVec   // labels: provider, outcome={success,timeout,parse_error,rate_limited,error}
	ProviderFetchDuration *prometheus.HistogramVec // labels: provider

	// Nowcast engine.
	NowcastDuration       prometheus.Histogram
	NowcastMotionFailures prometheus.Counter

	// Alert evaluator.
	AlertTransitions *prometheus.CounterVec // labels: from, to
	AlertsFired      *prometheus.CounterVec // labels: hazard
	SinkFailures     prometheus.Counter

	// Orchestrator.
	CycleDuration          prometheus.Histogram
	CycleLocationFailures  prometheus.Counter
	OrchestratorRunning    prometheus.Gauge
	OrchestratorArmedCount prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer)
}

// NewMetricsForTesting creates Metrics on a fresh registry to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics(prometheus.NewRegistry())
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by data kind and result.",
		}, []string{"kind", "result"}),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Entries currently held by the observation cache.",
		}),
		CacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Cache evictions by reason.",
		}, []string{"reason"}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Fetches skipped because the provider token bucket was empty.",
		}, []string{"provider"}),
		ProviderFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_fetches_total",
			Help:      "Provider fetches by provider and outcome.",
		}, []string{"provider", "outcome"}),
		ProviderFetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_fetch_duration_seconds",
			Help:      "Provider fetch latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5},
		}, []string{"provider"}),
		NowcastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "nowcast_duration_seconds",
			Help:      "Time spent computing one nowcast grid.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
		NowcastMotionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nowcast_motion_failures_total",
			Help:      "Nowcasts that fell back to decay-only projection.",
		}),
		AlertTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_transitions_total",
			Help:      "Alert state machine transitions.",
		}, []string{"from", "to"}),
		AlertsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_fired_total",
			Help:      "Alert events emitted by hazard.",
		}, []string{"hazard"}),
		SinkFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_failures_total",
			Help:      "Alert events the notification sink rejected.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a complete refresh cycle.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 20},
		}),
		CycleLocationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_location_failures_total",
			Help:      "Locations with no data, fresh or stale, in a cycle.",
		}),
		OrchestratorRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "orchestrator_running",
			Help:      "1 when the refresh loop is active, 0 when shut down.",
		}),
		OrchestratorArmedCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alerts_armed",
			Help:      "Alert states currently armed.",
		}),
	}

	reg.MustRegister(
		m.CacheLookups,
		m.CacheEntries,
		m.CacheEvictions,
		m.RateLimited,
		m.ProviderFetches,
		m.ProviderFetchDuration,
		m.NowcastDuration,
		m.NowcastMotionFailures,
		m.AlertTransitions,
		m.AlertsFired,
		m.SinkFailures,
		m.CycleDuration,
		m.CycleLocationFailures,
		m.OrchestratorRunning,
		m.OrchestratorArmedCount,
	)
	return m
}
