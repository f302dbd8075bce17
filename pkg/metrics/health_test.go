package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth(version string) {
	healthChecker = newHealthChecker()
	healthChecker.version = version
}

func registerCritical(healthy bool) {
	RegisterComponent(ComponentAggregator, true, "")
	RegisterComponent(ComponentStore, true, "")
	RegisterComponent(ComponentAPI, healthy, "listener closed")
}

func TestRegisterComponent(t *testing.T) {
	resetHealth("")

	RegisterComponent(ComponentWatcher, true, "watching 3 cases")

	comp, ok := Component(ComponentWatcher)
	require.True(t, ok)
	assert.True(t, comp.Healthy)
	assert.Equal(t, "watching 3 cases", comp.Message)
	assert.False(t, comp.Updated.IsZero())

	UpdateComponent(ComponentWatcher, false, "inotify limit reached")
	comp, _ = Component(ComponentWatcher)
	assert.False(t, comp.Healthy)
	assert.Equal(t, "inotify limit reached", comp.Message)
}

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name   string
		setup  func()
		status string
	}{
		{
			name:   "all healthy",
			setup:  func() { registerCritical(true) },
			status: "healthy",
		},
		{
			name: "optional component down",
			setup: func() {
				registerCritical(true)
				RegisterComponent(ComponentExecutor, false, "containerd socket missing")
			},
			status: "degraded",
		},
		{
			name: "critical component down",
			setup: func() {
				registerCritical(false)
				RegisterComponent(ComponentExecutor, false, "containerd socket missing")
			},
			status: "unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth("1.0.0")
			tt.setup()

			health := GetHealth()
			assert.Equal(t, tt.status, health.Status)
			assert.Equal(t, "1.0.0", health.Version)
			assert.NotEmpty(t, health.Uptime)
		})
	}
}

func TestGetHealthComponentMessages(t *testing.T) {
	resetHealth("")
	RegisterComponent(ComponentStore, false, "database locked")

	health := GetHealth()
	assert.Equal(t, "unhealthy: database locked", health.Components[ComponentStore])
}

func TestGetReadiness(t *testing.T) {
	resetHealth("")
	RegisterComponent(ComponentAPI, true, "")

	readiness := GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.NotEmpty(t, readiness.Message)
	assert.Equal(t, "not registered", readiness.Components[ComponentStore])

	registerCritical(false)
	readiness = GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.Equal(t, "not ready: listener closed", readiness.Components[ComponentAPI])

	registerCritical(true)
	RegisterComponent(ComponentWatcher, false, "disabled")
	readiness = GetReadiness()
	assert.Equal(t, "ready", readiness.Status)
	assert.NotContains(t, readiness.Components, ComponentWatcher)
}

func TestHealthHandlers(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		healthy bool
		code    int
		status  string
	}{
		{"health ok", HealthHandler(), true, http.StatusOK, "healthy"},
		{"health failing", HealthHandler(), false, http.StatusServiceUnavailable, "unhealthy"},
		{"ready ok", ReadyHandler(), true, http.StatusOK, "ready"},
		{"ready failing", ReadyHandler(), false, http.StatusServiceUnavailable, "not_ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth("test")
			registerCritical(tt.healthy)

			w := httptest.NewRecorder()
			tt.handler(w, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.code, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			var status HealthStatus
			require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
			assert.Equal(t, tt.status, status.Status)
			assert.Equal(t, "test", status.Version)
		})
	}
}

func TestLivenessHandler(t *testing.T) {
	resetHealth("")

	w := httptest.NewRecorder()
	LivenessHandler()(w, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "alive", response["status"])
	assert.NotEmpty(t, response["uptime"])
}
