/*
Package api serves case data over HTTP and reports health over gRPC.

Every case route takes a tutorial name in the query string. The name is
resolved under the configured case root; absolute names, names that climb
out of the root and symlinks that lead out of it are rejected with 400.

# Routes

	GET  /api/cases                     case directories under the root
	GET  /api/available_fields          {"fields": [...]}
	GET  /api/plot_data                 field history, ETag and 304
	GET  /api/latest_data               newest time step, cp=1 adds Cp
	GET  /api/residuals                 residual history, ETag and 304
	POST /api/invalidate                drop a cached case, 204
	GET  /api/stream                    server-sent "update" events
	POST /api/run                       start a solver run, 202
	POST /api/load_tutorial             copy a bundled tutorial into the case root, 202
	GET  /api/runs                      stored runs, newest first
	GET  /api/runs/{id}                 one run
	POST /api/runs/{id}/stop            stop a live run
	GET  /api/settings                  per-case settings with defaults
	PUT  /api/settings                  replace per-case settings
	GET  /health /ready /live /metrics

A case that exists but has neither time directories nor a run log answers
200 with an empty object. A missing case answers 404. Error bodies are
{"error": "..."} and never carry file system paths.

# Middleware

Every route runs behind Middleware: panic recovery, an optional CIDR allow
list, a per-client token bucket from golang.org/x/time/rate and request
metrics. Client addresses come from X-Forwarded-For, then X-Real-IP, then
the connection. Routes other than the stream are bounded by
http.TimeoutHandler.

# Stream

/api/stream sends an update immediately, then again whenever the case
state changes. A watcher event for the case triggers a check right away;
otherwise the case is checked every StreamInterval, which costs one
freshness check when nothing changed. A "removed" event ends the stream
when the case directory disappears.

# gRPC health

GRPCHealth serves grpc.health.v1 for the empty service and "foamflask".
Both follow the readiness registry in pkg/metrics. Only read-only methods
pass ReadOnlyInterceptor.
*/
package api
