/*
Package metrics exposes Prometheus collectors and health endpoints for the
foamflask server.

All collectors are package-level variables registered with the default
registry in init, so any package can record into them directly:

	metrics.Refreshes.WithLabelValues("fresh").Inc()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RefreshDuration)

# Collectors

Cache gauges (cases, series keys, samples, update paths, residual variables)
are copied from a Source, normally the aggregator, every 15 seconds by a
Collector. Counters and histograms for refreshes, parses, API requests,
streaming clients, watch events and solver runs are updated inline by the
code that performs the work.

Handler serves everything in the Prometheus text format on /metrics.

# Health

Components report their state with RegisterComponent and UpdateComponent.
The aggregator, store and api components are critical: readiness waits for
all three and an unhealthy one makes /health return 503. The watcher and
executor are optional; their failures only mark the server degraded.

	metrics.RegisterComponent(metrics.ComponentStore, true, "")
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
*/
package metrics
