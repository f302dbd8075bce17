package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/foamflask/foamflask/pkg/aggregator"
	"github.com/foamflask/foamflask/pkg/events"
	"github.com/foamflask/foamflask/pkg/log"
	"github.com/foamflask/foamflask/pkg/metrics"
	"github.com/foamflask/foamflask/pkg/storage"
	"github.com/foamflask/foamflask/pkg/types"
	"github.com/foamflask/foamflask/pkg/worker"
)

var (
	errNoTutorial      = errors.New("no tutorial specified")
	errInvalidTutorial = errors.New("invalid tutorial")
)

// Config holds API server settings
type Config struct {
	// CaseRoot is the absolute directory tutorials are resolved under
	CaseRoot        string
	MaxPoints       int
	RequestTimeout  time.Duration
	StreamInterval  time.Duration
	RateLimit       float64
	Burst           int
	AllowedNetworks []string
}

// Runner starts and stops solver runs
type Runner interface {
	Start(caseDir, command string) (*types.Run, error)
	LoadTutorial(caseRoot, tutorial string) (*types.Run, error)
	Stop(runID string) error
}

// Server serves case data over HTTP
type Server struct {
	cfg    Config
	agg    *aggregator.Aggregator
	store  storage.Store
	broker *events.Broker
	runner Runner
	health *HealthServer
	mw     *Middleware
	logger zerolog.Logger

	mux    *http.ServeMux
	http   *http.Server
	stopCh chan struct{}
}

// NewServer creates an API server. store, broker and runner may be nil;
// the routes that need them then answer 503.
func NewServer(cfg Config, agg *aggregator.Aggregator, store storage.Store, broker *events.Broker, runner Runner) *Server {
	if cfg.StreamInterval <= 0 {
		cfg.StreamInterval = 2 * time.Second
	}
	s := &Server{
		cfg:    cfg,
		agg:    agg,
		store:  store,
		broker: broker,
		runner: runner,
		health: NewHealthServer(cfg.CaseRoot, store),
		mw:     NewMiddleware(cfg.RateLimit, cfg.Burst, cfg.AllowedNetworks),
		logger: log.WithComponent("api"),
		mux:    http.NewServeMux(),
		stopCh: make(chan struct{}),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.handle("GET /api/cases", "cases", s.handleCases)
	s.handle("GET /api/available_fields", "available_fields", s.handleAvailableFields)
	s.handle("GET /api/plot_data", "plot_data", s.handlePlotData)
	s.handle("GET /api/latest_data", "latest_data", s.handleLatestData)
	s.handle("GET /api/residuals", "residuals", s.handleResiduals)
	s.handle("POST /api/invalidate", "invalidate", s.handleInvalidate)
	s.handle("POST /api/run", "run", s.handleRun)
	s.handle("POST /api/load_tutorial", "load_tutorial", s.handleLoadTutorial)
	s.handle("GET /api/runs", "runs", s.handleRuns)
	s.handle("GET /api/runs/{id}", "run_get", s.handleGetRun)
	s.handle("POST /api/runs/{id}/stop", "run_stop", s.handleStopRun)
	s.handle("GET /api/settings", "settings", s.handleGetSettings)
	s.handle("PUT /api/settings", "settings_put", s.handlePutSettings)

	// streams outlive the request timeout
	s.mux.Handle("GET /api/stream", s.mw.Wrap("stream", http.HandlerFunc(s.handleStream)))

	health := s.health.GetHandler()
	s.mux.Handle("/health", health)
	s.mux.Handle("/ready", health)
	s.mux.Handle("/live", health)
	s.mux.Handle("/metrics", health)
}

func (s *Server) handle(pattern, route string, fn http.HandlerFunc) {
	var h http.Handler = fn
	if s.cfg.RequestTimeout > 0 {
		h = http.TimeoutHandler(h, s.cfg.RequestTimeout, `{"error":"request timed out"}`)
	}
	s.mux.Handle(pattern, s.mw.Wrap(route, h))
}

// Handler returns the HTTP handler for embedding in other servers
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves on addr until Shutdown
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve serves on lis until Shutdown
func (s *Server) Serve(lis net.Listener) error {
	s.http = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.mw.StartCleanupJob(s.stopCh)
	s.health.StartProbes(15*time.Second, s.stopCh)
	metrics.UpdateComponent(metrics.ComponentAPI, true, "serving")

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("API listening")
	if err := s.http.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	metrics.UpdateComponent(metrics.ComponentAPI, false, "shutting down")
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// resolveCase maps a tutorial name onto a directory under the case root
func (s *Server) resolveCase(tutorial string) (string, error) {
	if tutorial == "" {
		return "", errNoTutorial
	}
	if filepath.IsAbs(tutorial) || strings.ContainsRune(tutorial, 0) {
		return "", errInvalidTutorial
	}
	clean := filepath.Clean(filepath.FromSlash(tutorial))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errInvalidTutorial
	}
	dir := filepath.Join(s.cfg.CaseRoot, clean)

	// symlinks must not lead out of the root
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		root, err := filepath.EvalSymlinks(s.cfg.CaseRoot)
		if err == nil && !within(root, resolved) {
			return "", errInvalidTutorial
		}
	}
	return dir, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// watchKey is the top-level case directory the watcher reports for dir
func (s *Server) watchKey(dir string) string {
	rel, err := filepath.Rel(s.cfg.CaseRoot, dir)
	if err != nil {
		return dir
	}
	first, _, _ := strings.Cut(rel, string(filepath.Separator))
	return filepath.Join(s.cfg.CaseRoot, first)
}

// caseFromQuery resolves ?tutorial= and answers 400 itself on failure
func (s *Server) caseFromQuery(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	tutorial := r.URL.Query().Get("tutorial")
	dir, err := s.resolveCase(tutorial)
	if err != nil {
		s.writeCaseError(w, err)
		return "", "", false
	}
	return dir, tutorial, true
}

// writeCaseError maps core errors onto statuses without exposing paths
func (s *Server) writeCaseError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errNoTutorial):
		writeError(w, http.StatusBadRequest, "No tutorial specified")
	case errors.Is(err, errInvalidTutorial):
		writeError(w, http.StatusBadRequest, "Invalid tutorial name")
	case errors.Is(err, aggregator.ErrCaseNotFound):
		writeError(w, http.StatusNotFound, "Case directory not found")
	default:
		s.logger.Error().Err(err).Msg("Failed to read case data")
		writeError(w, http.StatusInternalServerError, "Failed to read case data")
	}
}

// CaseList is the body of GET /api/cases
type CaseList struct {
	Cases  []string `json:"cases"`
	Cached []string `json:"cached"`
}

func (s *Server) handleCases(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(s.cfg.CaseRoot)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Error().Err(err).Msg("Failed to list case root")
		writeError(w, http.StatusInternalServerError, "Failed to list cases")
		return
	}
	out := CaseList{Cases: []string{}, Cached: []string{}}
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out.Cases = append(out.Cases, e.Name())
		}
	}
	for _, dir := range s.agg.Cases() {
		if rel, err := filepath.Rel(s.cfg.CaseRoot, dir); err == nil && within(s.cfg.CaseRoot, dir) {
			out.Cached = append(out.Cached, filepath.ToSlash(rel))
		}
	}
	sort.Strings(out.Cached)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAvailableFields(w http.ResponseWriter, r *http.Request) {
	dir, _, ok := s.caseFromQuery(w, r)
	if !ok {
		return
	}
	fields, err := s.agg.AvailableFields(dir)
	if err != nil && !errors.Is(err, aggregator.ErrNoData) {
		s.writeCaseError(w, err)
		return
	}
	if fields == nil {
		fields = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"fields": fields})
}

func (s *Server) handlePlotData(w http.ResponseWriter, r *http.Request) {
	dir, tutorial, ok := s.caseFromQuery(w, r)
	if !ok {
		return
	}
	settings := s.settings(tutorial)

	maxPoints := settings.MaxPoints
	if v := r.URL.Query().Get("max_points"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "max_points must be a non-negative integer")
			return
		}
		maxPoints = n
	}

	payload, err := s.agg.TimeSeries(dir, maxPoints)
	if err != nil {
		if errors.Is(err, aggregator.ErrNoData) {
			writeJSON(w, http.StatusOK, aggregator.SeriesPayload{})
			return
		}
		s.writeCaseError(w, err)
		return
	}

	payload = selectFields(payload, settings.Fields)
	etag := variantETag(payload.ETag, strconv.Itoa(maxPoints), strings.Join(settings.Fields, ","))
	if etag != "" {
		w.Header().Set("ETag", etag)
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleLatestData(w http.ResponseWriter, r *http.Request) {
	dir, tutorial, ok := s.caseFromQuery(w, r)
	if !ok {
		return
	}
	latest, err := s.agg.LatestSample(dir)
	if err != nil {
		if errors.Is(err, aggregator.ErrNoData) {
			writeJSON(w, http.StatusOK, aggregator.LatestSample{})
			return
		}
		s.writeCaseError(w, err)
		return
	}

	if p, ok := latest.Values["p"]; ok && r.URL.Query().Get("cp") == "1" {
		st := s.settings(tutorial)
		latest.Values["Cp"] = aggregator.PressureCoefficient(p, st.PInf, st.Rho, st.UInf)
	}
	if latest.ETag != "" {
		w.Header().Set("ETag", latest.ETag)
	}
	writeJSON(w, http.StatusOK, latest)
}

func (s *Server) handleResiduals(w http.ResponseWriter, r *http.Request) {
	dir, _, ok := s.caseFromQuery(w, r)
	if !ok {
		return
	}
	res, err := s.agg.Residuals(dir)
	if err != nil {
		if errors.Is(err, aggregator.ErrNoData) {
			writeJSON(w, http.StatusOK, aggregator.ResidualPayload{})
			return
		}
		s.writeCaseError(w, err)
		return
	}
	if res.ETag != "" {
		w.Header().Set("ETag", res.ETag)
		if r.Header.Get("If-None-Match") == res.ETag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	dir, _, ok := s.caseFromQuery(w, r)
	if !ok {
		return
	}
	s.agg.Invalidate(dir)
	if s.broker != nil {
		s.broker.Publish(&events.Event{Type: events.EventCaseChanged, Case: s.watchKey(dir), Message: "invalidated"})
	}
	w.WriteHeader(http.StatusNoContent)
}

// RunRequest is the body of POST /api/run
type RunRequest struct {
	Tutorial string `json:"tutorial"`
	Command  string `json:"command"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "Container runtime is not enabled")
		return
	}
	var req RunRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		writeError(w, http.StatusBadRequest, "No command specified")
		return
	}
	dir, err := s.resolveCase(req.Tutorial)
	if err != nil {
		s.writeCaseError(w, err)
		return
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		writeError(w, http.StatusNotFound, "Case directory not found")
		return
	}

	run, err := s.runner.Start(dir, req.Command)
	if err != nil {
		s.logger.Error().Err(err).Str("case", req.Tutorial).Msg("Failed to start run")
		writeError(w, http.StatusInternalServerError, "Failed to start run")
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

// LoadTutorialRequest is the body of POST /api/load_tutorial
type LoadTutorialRequest struct {
	Tutorial string `json:"tutorial"`
}

// handleLoadTutorial copies a bundled tutorial into the case root. The
// target need not exist yet, so only the name is checked here.
func (s *Server) handleLoadTutorial(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "Container runtime is not enabled")
		return
	}
	var req LoadTutorialRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Tutorial == "" {
		s.writeCaseError(w, errNoTutorial)
		return
	}

	run, err := s.runner.LoadTutorial(s.cfg.CaseRoot, req.Tutorial)
	switch {
	case errors.Is(err, worker.ErrInvalidTutorial):
		s.writeCaseError(w, errInvalidTutorial)
	case err != nil:
		s.logger.Error().Err(err).Str("case", req.Tutorial).Msg("Failed to load tutorial")
		writeError(w, http.StatusInternalServerError, "Failed to load tutorial")
	default:
		writeJSON(w, http.StatusAccepted, run)
	}
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "Storage is not available")
		return
	}
	var (
		runs []*types.Run
		err  error
	)
	if tutorial := r.URL.Query().Get("tutorial"); tutorial != "" {
		runs, err = s.store.ListRunsByCase(filepath.Base(filepath.FromSlash(tutorial)))
	} else {
		runs, err = s.store.ListRuns()
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list runs")
		writeError(w, http.StatusInternalServerError, "Failed to list runs")
		return
	}
	if runs == nil {
		runs = []*types.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "Storage is not available")
		return
	}
	run, err := s.store.GetRun(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Run not found")
			return
		}
		s.logger.Error().Err(err).Msg("Failed to read run")
		writeError(w, http.StatusInternalServerError, "Failed to read run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "Container runtime is not enabled")
		return
	}
	if err := s.runner.Stop(r.PathValue("id")); err != nil {
		if errors.Is(err, worker.ErrNotRunning) {
			writeError(w, http.StatusConflict, "Run is not running")
			return
		}
		s.logger.Error().Err(err).Msg("Failed to stop run")
		writeError(w, http.StatusInternalServerError, "Failed to stop run")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// settings returns the stored settings of a case, filled with defaults. A
// stored p_inf of 0 is kept since gauge pressure cases use it.
func (s *Server) settings(tutorial string) types.Settings {
	out := types.Settings{Case: tutorial, PInf: aggregator.DefaultPInf}
	if s.store != nil {
		if st, err := s.store.GetSettings(tutorial); err == nil {
			out = *st
		} else if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn().Err(err).Str("case", tutorial).Msg("Failed to read settings")
		}
	}
	if out.MaxPoints == 0 {
		out.MaxPoints = s.cfg.MaxPoints
	}
	if out.Rho == 0 {
		out.Rho = aggregator.DefaultRho
	}
	if out.UInf == 0 {
		out.UInf = aggregator.DefaultUInf
	}
	return out
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	_, tutorial, ok := s.caseFromQuery(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.settings(tutorial))
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "Storage is not available")
		return
	}
	_, tutorial, ok := s.caseFromQuery(w, r)
	if !ok {
		return
	}
	var st types.Settings
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&st); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if st.MaxPoints < 0 || st.Rho < 0 || st.UInf < 0 {
		writeError(w, http.StatusBadRequest, "max_points, rho and u_inf must not be negative")
		return
	}
	st.Case = tutorial
	if err := s.store.SaveSettings(&st); err != nil {
		s.logger.Error().Err(err).Msg("Failed to save settings")
		writeError(w, http.StatusInternalServerError, "Failed to save settings")
		return
	}
	writeJSON(w, http.StatusOK, s.settings(tutorial))
}

// selectFields keeps the series of the listed fields. A vector field keeps
// its components and magnitude.
func selectFields(p aggregator.SeriesPayload, fields []string) aggregator.SeriesPayload {
	if len(fields) == 0 {
		return p
	}
	keep := make(map[string]bool, len(fields))
	for _, f := range fields {
		keep[f] = true
	}
	values := make(map[string][]*float64, len(p.Values))
	for name, v := range p.Values {
		if keep[name] || keep[baseField(name)] {
			values[name] = v
		}
	}
	p.Values = values
	return p
}

func baseField(name string) string {
	if strings.HasSuffix(name, "_mag") {
		return strings.TrimSuffix(name, "_mag")
	}
	if n := len(name); n > 1 && strings.ContainsRune("xyz", rune(name[n-1])) {
		return name[:n-1]
	}
	return name
}

// variantETag derives a validator for one rendering of a case state
func variantETag(etag string, parts ...string) string {
	if etag == "" {
		return ""
	}
	h := fnv.New32a()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return fmt.Sprintf(`%s-%08x"`, strings.TrimSuffix(etag, `"`), h.Sum32())
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
