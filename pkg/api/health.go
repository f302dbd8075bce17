package api

import (
	"net/http"
	"os"
	"time"

	"github.com/foamflask/foamflask/pkg/metrics"
	"github.com/foamflask/foamflask/pkg/storage"
)

// HealthServer provides HTTP health check endpoints and keeps the
// component registry behind them current
type HealthServer struct {
	caseRoot string
	store    storage.Store
	mux      *http.ServeMux
}

// NewHealthServer creates the health endpoints. store may be nil.
func NewHealthServer(caseRoot string, store storage.Store) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		caseRoot: caseRoot,
		store:    store,
		mux:      mux,
	}

	mux.HandleFunc("GET /health", metrics.HealthHandler())
	mux.HandleFunc("GET /ready", metrics.ReadyHandler())
	mux.HandleFunc("GET /live", metrics.LivenessHandler())
	mux.Handle("GET /metrics", metrics.Handler())

	return hs
}

// Probe checks the case root and the store and records the outcome
func (hs *HealthServer) Probe() {
	if info, err := os.Stat(hs.caseRoot); err != nil {
		metrics.UpdateComponent(metrics.ComponentAggregator, false, "case root not accessible")
	} else if !info.IsDir() {
		metrics.UpdateComponent(metrics.ComponentAggregator, false, "case root is not a directory")
	} else {
		metrics.UpdateComponent(metrics.ComponentAggregator, true, "case root accessible")
	}

	if hs.store == nil {
		metrics.UpdateComponent(metrics.ComponentStore, false, "not configured")
		return
	}
	if _, err := hs.store.ListRuns(); err != nil {
		metrics.UpdateComponent(metrics.ComponentStore, false, "storage not accessible")
		return
	}
	metrics.UpdateComponent(metrics.ComponentStore, true, "ok")
}

// StartProbes probes immediately and then every interval until stop closes
func (hs *HealthServer) StartProbes(interval time.Duration, stop <-chan struct{}) {
	hs.Probe()
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				hs.Probe()
			case <-stop:
				return
			}
		}
	}()
}

// GetHandler returns the HTTP handler for embedding in other servers
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}
