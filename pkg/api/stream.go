package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/foamflask/foamflask/pkg/aggregator"
	"github.com/foamflask/foamflask/pkg/events"
	"github.com/foamflask/foamflask/pkg/metrics"
)

// StreamUpdate is the data of an "update" event on /api/stream
type StreamUpdate struct {
	PlotData  aggregator.SeriesPayload   `json:"plot_data"`
	Residuals aggregator.ResidualPayload `json:"residuals"`
}

// handleStream pushes an update event whenever the case state changes. A
// watcher event triggers an immediate check; otherwise the case is checked
// every StreamInterval.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	dir, tutorial, ok := s.caseFromQuery(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}
	maxPoints := s.settings(tutorial).MaxPoints

	// the first payload decides between 404 and a stream
	update, etag, err := s.streamUpdate(dir, maxPoints)
	if err != nil {
		s.writeCaseError(w, err)
		return
	}

	var sub events.Subscriber
	if s.broker != nil {
		sub = s.broker.SubscribeCase(s.watchKey(dir))
		defer s.broker.Unsubscribe(sub)
	}

	metrics.StreamClients.Inc()
	defer metrics.StreamClients.Dec()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, "update", etag, update); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(s.cfg.StreamInterval)
	defer ticker.Stop()

	last := etag
	push := func() bool {
		update, etag, err := s.streamUpdate(dir, maxPoints)
		if err != nil {
			if errors.Is(err, aggregator.ErrCaseNotFound) {
				_ = writeEvent(w, "removed", "", map[string]string{"tutorial": tutorial})
				flusher.Flush()
			} else {
				s.logger.Warn().Err(err).Str("case", tutorial).Msg("Stream update failed")
			}
			return false
		}
		if etag == last {
			return true
		}
		last = etag
		if err := writeEvent(w, "update", etag, update); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.stopCh:
			return
		case _, ok := <-sub:
			if !ok || !push() {
				return
			}
		case <-ticker.C:
			if !push() {
				return
			}
		}
	}
}

// streamUpdate builds the next update. A case that exists but has no data
// yields empty payloads.
func (s *Server) streamUpdate(dir string, maxPoints int) (StreamUpdate, string, error) {
	var out StreamUpdate
	plot, err := s.agg.TimeSeries(dir, maxPoints)
	switch {
	case errors.Is(err, aggregator.ErrNoData):
		return out, "", nil
	case err != nil:
		return out, "", err
	}
	res, err := s.agg.Residuals(dir)
	if err != nil && !errors.Is(err, aggregator.ErrNoData) {
		return out, "", err
	}
	out.PlotData = plot
	out.Residuals = res
	return out, plot.ETag, nil
}

func writeEvent(w http.ResponseWriter, name, id string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}
