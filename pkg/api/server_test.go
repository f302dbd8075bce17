package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foamflask/foamflask/pkg/aggregator"
	"github.com/foamflask/foamflask/pkg/events"
	"github.com/foamflask/foamflask/pkg/storage"
	"github.com/foamflask/foamflask/pkg/types"
	"github.com/foamflask/foamflask/pkg/worker"
)

const runLog = `Time = 0.1
smoothSolver:  Solving for Ux, Initial residual = 0.1, Final residual = 1e-6, No Iterations 3
GAMG:  Solving for p, Initial residual = 0.05, Final residual = 1e-4, No Iterations 12
`

type fakeRunner struct {
	mu      sync.Mutex
	started []string
	loaded  []string
	stopped []string
}

func (f *fakeRunner) LoadTutorial(caseRoot, tutorial string) (*types.Run, error) {
	if strings.HasPrefix(tutorial, "..") {
		return nil, fmt.Errorf("%w: %q", worker.ErrInvalidTutorial, tutorial)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaded = append(f.loaded, filepath.Join(caseRoot, tutorial))
	return &types.Run{ID: "load-1", CaseName: filepath.Base(tutorial), Status: types.RunStatusRunning}, nil
}

func (f *fakeRunner) Start(caseDir, command string) (*types.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, caseDir)
	return &types.Run{
		ID:       "run-1",
		CaseName: filepath.Base(caseDir),
		Command:  command,
		Status:   types.RunStatusRunning,
	}, nil
}

func (f *fakeRunner) Stop(runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if runID != "run-1" {
		return fmt.Errorf("run %s: %w", runID, worker.ErrNotRunning)
	}
	f.stopped = append(f.stopped, runID)
	return nil
}

type testEnv struct {
	root   string
	server *Server
	store  *storage.BoltStore
	broker *events.Broker
	runner *fakeRunner
}

func writeFile(t *testing.T, path, text string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(text), 0644))
}

// writeCase creates a case with two time steps and a run log
func writeCase(t *testing.T, root, name string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "system"), 0755))
	for i, label := range []string{"0", "1"} {
		writeFile(t, filepath.Join(dir, label, "p"),
			fmt.Sprintf("FoamFile { class volScalarField; }\ninternalField uniform %g;\n", 101325.6125+float64(i)))
		writeFile(t, filepath.Join(dir, label, "U"),
			fmt.Sprintf("FoamFile { class volVectorField; }\ninternalField uniform (%d 0 0);\n", i+1))
	}
	writeFile(t, filepath.Join(dir, "log.foamRun"), runLog)
	return dir
}

func newTestEnv(t *testing.T, cfg Config, withRunner bool) *testEnv {
	t.Helper()
	root := t.TempDir()
	writeCase(t, root, "cavity")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty", "system"), 0755))

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	env := &testEnv{root: root, store: store, broker: broker}
	var runner Runner
	if withRunner {
		env.runner = &fakeRunner{}
		runner = env.runner
	}

	cfg.CaseRoot = root
	if cfg.MaxPoints == 0 {
		cfg.MaxPoints = 100
	}
	env.server = NewServer(cfg, aggregator.New(aggregator.Config{}), store, broker, runner)
	return env
}

func (e *testEnv) do(t *testing.T, method, target, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestAvailableFields(t *testing.T) {
	env := newTestEnv(t, Config{}, false)

	w := env.do(t, http.MethodGet, "/api/available_fields?tutorial=cavity", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body map[string][]string
	decode(t, w, &body)
	assert.ElementsMatch(t, []string{"U", "p"}, body["fields"])
}

func TestTutorialResolution(t *testing.T) {
	env := newTestEnv(t, Config{}, false)
	require.NoError(t, os.Symlink(t.TempDir(), filepath.Join(env.root, "escape")))

	tests := []struct {
		name     string
		tutorial string
		status   int
		message  string
	}{
		{"missing tutorial", "", http.StatusBadRequest, "No tutorial specified"},
		{"parent traversal", "../etc", http.StatusBadRequest, "Invalid tutorial name"},
		{"nested traversal", "cavity/../../etc", http.StatusBadRequest, "Invalid tutorial name"},
		{"absolute path", "/etc", http.StatusBadRequest, "Invalid tutorial name"},
		{"symlink out of root", "escape", http.StatusBadRequest, "Invalid tutorial name"},
		{"unknown case", "pitzDaily", http.StatusNotFound, "Case directory not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodGet, "/api/latest_data?tutorial="+tt.tutorial, "")
			assert.Equal(t, tt.status, w.Code)

			var body map[string]string
			decode(t, w, &body)
			assert.Equal(t, tt.message, body["error"])
			assert.NotContains(t, w.Body.String(), env.root)
		})
	}
}

func TestPlotDataETag(t *testing.T) {
	env := newTestEnv(t, Config{}, false)

	w := env.do(t, http.MethodGet, "/api/plot_data?tutorial=cavity", "")
	require.Equal(t, http.StatusOK, w.Code)
	etag := w.Header().Get("ETag")
	require.NotEmpty(t, etag)
	assert.True(t, strings.HasPrefix(etag, `"`) && strings.HasSuffix(etag, `"`))

	var body map[string][]*float64
	decode(t, w, &body)
	require.Len(t, body["time"], 2)
	assert.Equal(t, 1.0, *body["time"][1])
	assert.Contains(t, body, "U_mag")
	assert.Contains(t, body, "p")

	w = env.do(t, http.MethodGet, "/api/plot_data?tutorial=cavity", "", "If-None-Match", etag)
	assert.Equal(t, http.StatusNotModified, w.Code)
	assert.Empty(t, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/plot_data?tutorial=cavity&max_points=1", "", "If-None-Match", etag)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEqual(t, etag, w.Header().Get("ETag"))

	w = env.do(t, http.MethodGet, "/api/plot_data?tutorial=cavity&max_points=many", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLatestDataPressureCoefficient(t *testing.T) {
	env := newTestEnv(t, Config{}, false)

	w := env.do(t, http.MethodGet, "/api/latest_data?tutorial=cavity", "")
	require.Equal(t, http.StatusOK, w.Code)
	var plain map[string]float64
	decode(t, w, &plain)
	assert.Equal(t, 1.0, plain["time"])
	assert.Equal(t, 2.0, plain["Ux"])
	assert.NotContains(t, plain, "Cp")

	w = env.do(t, http.MethodGet, "/api/latest_data?tutorial=cavity&cp=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var withCp map[string]float64
	decode(t, w, &withCp)
	// (101326.6125 - 101325) / (0.5 * 1.225 * 1)
	assert.InDelta(t, 2.6326530612, withCp["Cp"], 1e-6)

	w = env.do(t, http.MethodPut, "/api/settings?tutorial=cavity", `{"p_inf": 101326.6125}`)
	require.Equal(t, http.StatusOK, w.Code)
	w = env.do(t, http.MethodGet, "/api/latest_data?tutorial=cavity&cp=1", "")
	decode(t, w, &withCp)
	assert.InDelta(t, 0, withCp["Cp"], 1e-6)
}

func TestCaseWithoutData(t *testing.T) {
	env := newTestEnv(t, Config{}, false)

	for _, route := range []string{"plot_data", "latest_data", "residuals"} {
		w := env.do(t, http.MethodGet, "/api/"+route+"?tutorial=empty", "")
		assert.Equal(t, http.StatusOK, w.Code, route)
		assert.JSONEq(t, `{}`, w.Body.String(), route)
	}

	w := env.do(t, http.MethodGet, "/api/available_fields?tutorial=empty", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"fields": []}`, w.Body.String())
}

func TestResiduals(t *testing.T) {
	env := newTestEnv(t, Config{}, false)

	w := env.do(t, http.MethodGet, "/api/residuals?tutorial=cavity", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string][]float64
	decode(t, w, &body)
	assert.Equal(t, []float64{0.1}, body["time"])
	assert.Equal(t, []float64{0.05}, body["p"])
	assert.Equal(t, []float64{1}, body["time_index"])

	etag := w.Header().Get("ETag")
	w = env.do(t, http.MethodGet, "/api/residuals?tutorial=cavity", "", "If-None-Match", etag)
	assert.Equal(t, http.StatusNotModified, w.Code)
}

func TestInvalidate(t *testing.T) {
	env := newTestEnv(t, Config{}, false)
	sub := env.broker.Subscribe()
	defer env.broker.Unsubscribe(sub)

	env.do(t, http.MethodGet, "/api/latest_data?tutorial=cavity", "")
	w := env.do(t, http.MethodGet, "/api/cases", "")
	var cases CaseList
	decode(t, w, &cases)
	assert.Equal(t, []string{"cavity", "empty"}, cases.Cases)
	assert.Equal(t, []string{"cavity"}, cases.Cached)

	w = env.do(t, http.MethodPost, "/api/invalidate?tutorial=cavity", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventCaseChanged, ev.Type)
		assert.Equal(t, filepath.Join(env.root, "cavity"), ev.Case)
	case <-time.After(2 * time.Second):
		t.Fatal("no event after invalidate")
	}

	w = env.do(t, http.MethodGet, "/api/cases", "")
	decode(t, w, &cases)
	assert.Empty(t, cases.Cached)

	w = env.do(t, http.MethodGet, "/api/invalidate?tutorial=cavity", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestSettings(t *testing.T) {
	env := newTestEnv(t, Config{MaxPoints: 250}, false)

	w := env.do(t, http.MethodGet, "/api/settings?tutorial=cavity", "")
	require.Equal(t, http.StatusOK, w.Code)
	var st types.Settings
	decode(t, w, &st)
	assert.Equal(t, "cavity", st.Case)
	assert.Equal(t, 250, st.MaxPoints)
	assert.Equal(t, aggregator.DefaultRho, st.Rho)

	w = env.do(t, http.MethodPut, "/api/settings?tutorial=cavity", `{"case": "other", "max_points": 1, "fields": ["p"]}`)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &st)
	assert.Equal(t, "cavity", st.Case)
	assert.Equal(t, 1, st.MaxPoints)

	w = env.do(t, http.MethodGet, "/api/plot_data?tutorial=cavity", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string][]*float64
	decode(t, w, &body)
	assert.Len(t, body, 2)
	assert.Len(t, body["time"], 1)
	assert.Contains(t, body, "p")

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"max_points":`},
		{"negative max points", `{"max_points": -3}`},
		{"negative density", `{"rho": -1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPut, "/api/settings?tutorial=cavity", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestRunRoutes(t *testing.T) {
	env := newTestEnv(t, Config{}, true)

	w := env.do(t, http.MethodPost, "/api/run", `{"tutorial": "cavity", "command": "foamRun"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	var run types.Run
	decode(t, w, &run)
	assert.Equal(t, "run-1", run.ID)
	assert.Equal(t, []string{filepath.Join(env.root, "cavity")}, env.runner.started)

	w = env.do(t, http.MethodPost, "/api/runs/run-1/stop", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	w = env.do(t, http.MethodPost, "/api/runs/run-9/stop", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"no command", `{"tutorial": "cavity"}`, http.StatusBadRequest},
		{"no tutorial", `{"command": "foamRun"}`, http.StatusBadRequest},
		{"traversal", `{"tutorial": "../x", "command": "foamRun"}`, http.StatusBadRequest},
		{"unknown case", `{"tutorial": "pitzDaily", "command": "foamRun"}`, http.StatusNotFound},
		{"bad body", `[`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/run", tt.body)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestRunWithoutRuntime(t *testing.T) {
	env := newTestEnv(t, Config{}, false)

	w := env.do(t, http.MethodPost, "/api/run", `{"tutorial": "cavity", "command": "foamRun"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	w = env.do(t, http.MethodPost, "/api/load_tutorial", `{"tutorial": "cavity"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestLoadTutorialRoute(t *testing.T) {
	env := newTestEnv(t, Config{}, true)

	w := env.do(t, http.MethodPost, "/api/load_tutorial", `{"tutorial": "incompressible/pitzDaily"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	var run types.Run
	decode(t, w, &run)
	assert.Equal(t, "load-1", run.ID)
	assert.Equal(t, []string{filepath.Join(env.root, "incompressible/pitzDaily")}, env.runner.loaded)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"no tutorial", `{}`, http.StatusBadRequest},
		{"traversal", `{"tutorial": "../etc"}`, http.StatusBadRequest},
		{"bad body", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/load_tutorial", tt.body)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestListRuns(t *testing.T) {
	env := newTestEnv(t, Config{}, false)
	now := time.Now().UTC()
	require.NoError(t, env.store.CreateRun(&types.Run{ID: "a", CaseName: "cavity", StartTime: now.Add(-time.Minute)}))
	require.NoError(t, env.store.CreateRun(&types.Run{ID: "b", CaseName: "cavity", StartTime: now}))
	require.NoError(t, env.store.CreateRun(&types.Run{ID: "c", CaseName: "pitzDaily", StartTime: now}))

	w := env.do(t, http.MethodGet, "/api/runs?tutorial=cavity", "")
	require.Equal(t, http.StatusOK, w.Code)
	var runs []types.Run
	decode(t, w, &runs)
	require.Len(t, runs, 2)
	assert.Equal(t, "b", runs[0].ID)

	w = env.do(t, http.MethodGet, "/api/runs", "")
	decode(t, w, &runs)
	assert.Len(t, runs, 3)

	w = env.do(t, http.MethodGet, "/api/runs/c", "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = env.do(t, http.MethodGet, "/api/runs/zzz", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, Config{RateLimit: 0.001, Burst: 1}, false)

	w := env.do(t, http.MethodGet, "/api/cases", "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = env.do(t, http.MethodGet, "/api/cases", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	// another client has its own budget
	w = env.do(t, http.MethodGet, "/api/cases", "", "X-Forwarded-For", "198.51.100.7")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAccessControl(t *testing.T) {
	env := newTestEnv(t, Config{AllowedNetworks: []string{"10.0.0.0/8", "127.0.0.1"}}, false)

	w := env.do(t, http.MethodGet, "/api/cases", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = env.do(t, http.MethodGet, "/api/cases", "", "X-Real-IP", "10.1.2.3")
	assert.Equal(t, http.StatusOK, w.Code)
	w = env.do(t, http.MethodGet, "/api/cases", "", "X-Real-IP", "127.0.0.1")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthRoutes(t *testing.T) {
	env := newTestEnv(t, Config{}, false)

	w := env.do(t, http.MethodGet, "/live", "")
	assert.Equal(t, http.StatusOK, w.Code)

	env.server.health.Probe()
	w = env.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "foamflask_cases_cached")
}

// readEvent reads one server-sent event
func readEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var name, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if name != "" {
				return name, data
			}
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestStream(t *testing.T) {
	env := newTestEnv(t, Config{StreamInterval: 20 * time.Millisecond}, false)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()
	defer env.server.Shutdown(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/stream?tutorial=cavity", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	name, data := readEvent(t, r)
	assert.Equal(t, "update", name)

	var update struct {
		PlotData  map[string][]float64 `json:"plot_data"`
		Residuals map[string][]float64 `json:"residuals"`
	}
	require.NoError(t, json.Unmarshal([]byte(data), &update))
	assert.Equal(t, []float64{0, 1}, update.PlotData["time"])
	assert.Equal(t, []float64{0.1}, update.Residuals["Ux"])

	require.NoError(t, os.RemoveAll(filepath.Join(env.root, "cavity")))
	name, _ = readEvent(t, r)
	assert.Equal(t, "removed", name)
}

func TestStreamUnknownCase(t *testing.T) {
	env := newTestEnv(t, Config{}, false)

	w := env.do(t, http.MethodGet, "/api/stream?tutorial=pitzDaily", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSelectFields(t *testing.T) {
	v := 1.0
	p := aggregator.SeriesPayload{
		Time: []float64{0},
		Values: map[string][]*float64{
			"p": {&v}, "Ux": {&v}, "Uy": {&v}, "Uz": {&v}, "U_mag": {&v}, "k": {&v},
		},
	}

	tests := []struct {
		fields []string
		want   []string
	}{
		{nil, []string{"U_mag", "Ux", "Uy", "Uz", "k", "p"}},
		{[]string{"p"}, []string{"p"}},
		{[]string{"U"}, []string{"U_mag", "Ux", "Uy", "Uz"}},
		{[]string{"Ux", "k"}, []string{"Ux", "k"}},
		{[]string{"omega"}, []string{}},
	}

	for _, tt := range tests {
		t.Run(strings.Join(tt.fields, ","), func(t *testing.T) {
			assert.Equal(t, tt.want, selectFields(p, tt.fields).Names())
		})
	}
}

func TestVariantETag(t *testing.T) {
	base := `"100-200"`

	a := variantETag(base, "100", "")
	b := variantETag(base, "500", "")
	assert.True(t, strings.HasPrefix(a, `"100-200-`))
	assert.True(t, strings.HasSuffix(a, `"`))
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, variantETag(base, "100", ""))
	assert.Empty(t, variantETag("", "100"))
}
