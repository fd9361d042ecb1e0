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
	healthChecker = newComponentRegistry()
	healthChecker.version = version
}

func TestRegisterComponent(t *testing.T) {
	resetHealth("")

	RegisterComponent("storage", true, "bolt")

	require.Len(t, healthChecker.components, 1)
	comp := healthChecker.components["storage"]
	assert.True(t, comp.Healthy)
	assert.Equal(t, "bolt", comp.Message)
}

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		want       string
	}{
		{"all healthy", map[string]bool{"storage": true, "cluster": true}, StatusHealthy},
		{"critical down", map[string]bool{"storage": true, "cluster": false}, StatusUnhealthy},
		{"collector down", map[string]bool{"storage": true, "collector": false}, StatusDegraded},
		{"none registered", map[string]bool{}, StatusHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth("1.0.0")
			for name, healthy := range tt.components {
				RegisterComponent(name, healthy, "quorum not met")
			}

			health := GetHealth()
			assert.Equal(t, tt.want, health.Status)
			assert.Equal(t, "1.0.0", health.Version)
			assert.Len(t, health.Components, len(tt.components))
			if tt.want != StatusHealthy {
				assert.Contains(t, health.Message, "down: ")
			}
		})
	}
}

func TestGetReadiness(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		want       string
	}{
		{"all ready", map[string]bool{"storage": true, "cluster": true, "scheduler": true}, "ready"},
		{"missing scheduler", map[string]bool{"storage": true, "cluster": true}, "not_ready"},
		{"cluster unhealthy", map[string]bool{"storage": true, "cluster": false, "scheduler": true}, "not_ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth("")
			for name, healthy := range tt.components {
				RegisterComponent(name, healthy, "")
			}

			readiness := GetReadiness()
			assert.Equal(t, tt.want, readiness.Status)
			if tt.want != "ready" {
				assert.NotEmpty(t, readiness.Message)
			}
		})
	}
}

func TestSetCriticalComponents(t *testing.T) {
	resetHealth("")
	SetCriticalComponents("storage")
	RegisterComponent("storage", true, "")

	assert.Equal(t, "ready", GetReadiness().Status)
}

func TestHealthHandlers(t *testing.T) {
	resetHealth("")
	RegisterComponent("storage", true, "")
	RegisterComponent("cluster", false, "quorum not met")

	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var health HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.Equal(t, "unhealthy: quorum not met", health.Components["cluster"])

	rec = httptest.NewRecorder()
	ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	UpdateComponent("cluster", true, "")
	RegisterComponent("scheduler", true, "")
	rec = httptest.NewRecorder()
	ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	RegisterComponent("collector", false, "stopped")
	rec = httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), StatusDegraded)
}
