package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cache metrics
	CasesCached = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "foamflask_cases_cached",
			Help: "Number of cases held in the aggregate cache",
		},
	)

	CaseEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foamflask_case_evictions_total",
			Help: "Total number of cases evicted from the cache",
		},
	)

	SeriesKeys = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "foamflask_series_keys",
			Help: "Number of cached time series",
		},
	)

	SeriesSamples = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "foamflask_series_samples",
			Help: "Number of samples across all cached time series",
		},
	)

	SeriesUpdates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "foamflask_series_updates",
			Help: "Time series updates since start by path (append, extend, replace)",
		},
		[]string{"path"},
	)

	ResidualVariables = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "foamflask_residual_variables",
			Help: "Number of distinct residual variables with a compiled matcher",
		},
	)

	// Refresh metrics
	Refreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foamflask_refreshes_total",
			Help: "Total number of freshness checks by outcome (fresh, log_only, refreshed, reset)",
		},
		[]string{"outcome"},
	)

	RefreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "foamflask_refresh_duration_seconds",
			Help:    "Time taken to refresh a stale case in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	FieldParses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foamflask_field_parses_total",
			Help: "Total number of field files decoded",
		},
	)

	ResidualSamples = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foamflask_residual_samples_total",
			Help: "Total number of residual samples extracted from run logs",
		},
	)

	ParseFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foamflask_parse_failures_total",
			Help: "Total number of skipped inputs by kind (field, residual)",
		},
		[]string{"kind"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foamflask_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foamflask_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foamflask_api_rate_limited_total",
			Help: "Total number of API requests rejected by the rate limiter",
		},
	)

	StreamClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "foamflask_stream_clients",
			Help: "Number of connected event stream clients",
		},
	)

	// Watch and run metrics
	WatchEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foamflask_watch_events_total",
			Help: "Total number of filesystem events that invalidated a case",
		},
	)

	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foamflask_runs_total",
			Help: "Total number of finished simulation runs by status",
		},
		[]string{"status"},
	)

	RunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "foamflask_run_duration_seconds",
			Help:    "Simulation run wall time in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(CasesCached)
	prometheus.MustRegister(CaseEvictions)
	prometheus.MustRegister(SeriesKeys)
	prometheus.MustRegister(SeriesSamples)
	prometheus.MustRegister(SeriesUpdates)
	prometheus.MustRegister(ResidualVariables)
	prometheus.MustRegister(Refreshes)
	prometheus.MustRegister(RefreshDuration)
	prometheus.MustRegister(FieldParses)
	prometheus.MustRegister(ResidualSamples)
	prometheus.MustRegister(ParseFailures)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(RateLimited)
	prometheus.MustRegister(StreamClients)
	prometheus.MustRegister(WatchEvents)
	prometheus.MustRegister(RunsTotal)
	prometheus.MustRegister(RunDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
