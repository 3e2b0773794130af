package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/healthd/internal/cache"
	"github.com/sentinelops/healthd/internal/models"
)

type stubHealth struct {
	system  models.SystemHealth
	known   map[string]models.TargetHealth
	history []models.HealthHistoryRecord
	trend   models.Trend

	lastWindow   time.Duration
	overallCalls int
}

func (s *stubHealth) OverallHealth(ctx context.Context) models.SystemHealth {
	s.overallCalls++
	return s.system
}

func (s *stubHealth) LastKnown(name string) (models.TargetHealth, bool) {
	health, ok := s.known[name]
	return health, ok
}

func (s *stubHealth) History(window time.Duration) []models.HealthHistoryRecord {
	s.lastWindow = window
	return s.history
}

func (s *stubHealth) Trend() models.Trend { return s.trend }

func (s *stubHealth) Targets() []string {
	names := make([]string, 0, len(s.known))
	for name := range s.known {
		names = append(names, name)
	}
	return names
}

type stubRecovery struct {
	stats     models.RecoveryStatistics
	execs     []models.Execution
	lastLimit int
}

func (s *stubRecovery) Statistics() models.RecoveryStatistics { return s.stats }

func (s *stubRecovery) Executions(n int) []models.Execution {
	s.lastLimit = n
	return s.execs
}

func newTestHandlers() (*Handlers, *stubHealth, *stubRecovery) {
	health := &stubHealth{
		system: models.SystemHealth{
			OverallStatus: models.StatusDegraded,
			Timestamp:     time.Now().UTC(),
			Summary:       models.HealthSummary{Total: 2, Healthy: 1, Degraded: 1, OverallScore: 87.5},
			Services: map[string]models.TargetHealth{
				"web": {Name: "web", Status: models.StatusHealthy, HealthScore: 100},
			},
			Issues: []models.Issue{{Title: "High CPU usage", Severity: models.SeverityHigh}},
			Trend:  models.TrendStable,
		},
		known: map[string]models.TargetHealth{
			"web": {Name: "web", Status: models.StatusHealthy, HealthScore: 100},
		},
		history: []models.HealthHistoryRecord{{OverallScore: 87.5}},
		trend:   models.TrendStable,
	}
	recovery := &stubRecovery{
		stats: models.RecoveryStatistics{TotalExecutions: 4, Successful: 3, Failed: 1, SuccessRate: 0.75},
		execs: []models.Execution{{ID: "exec-1", Status: models.ExecutionSuccess}},
	}
	return &Handlers{Health: health, Recovery: recovery, Logger: slog.Default()}, health, recovery
}

func doRequest(t *testing.T, h *Handlers, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	return rec
}

func TestHealthzEndpoint(t *testing.T) {
	h, _, _ := newTestHandlers()
	rec := doRequest(t, h, http.MethodGet, "/healthz")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestOverallHealthEndpoint(t *testing.T) {
	h, _, _ := newTestHandlers()
	rec := doRequest(t, h, http.MethodGet, "/api/v1/health")

	require.Equal(t, http.StatusOK, rec.Code)
	var body models.SystemHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, models.StatusDegraded, body.OverallStatus)
	assert.Equal(t, 2, body.Summary.Total)
	require.Len(t, body.Issues, 1)
	assert.Equal(t, "High CPU usage", body.Issues[0].Title)
}

func TestOverallHealthSnapshotCache(t *testing.T) {
	h, health, _ := newTestHandlers()
	h.Cache = cache.NewMemoryProvider()
	h.SnapshotTTL = time.Minute

	first := doRequest(t, h, http.MethodGet, "/api/v1/health")
	require.Equal(t, http.StatusOK, first.Code)
	second := doRequest(t, h, http.MethodGet, "/api/v1/health")
	require.Equal(t, http.StatusOK, second.Code)

	// The second request is served from the cache without a new cycle.
	assert.Equal(t, 1, health.overallCalls)
	assert.JSONEq(t, first.Body.String(), second.Body.String())
}

func TestTargetHealthEndpoint(t *testing.T) {
	h, _, _ := newTestHandlers()

	rec := doRequest(t, h, http.MethodGet, "/api/v1/health/targets/web")
	require.Equal(t, http.StatusOK, rec.Code)
	var body models.TargetHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "web", body.Name)
	assert.Equal(t, models.StatusHealthy, body.Status)

	rec = doRequest(t, h, http.MethodGet, "/api/v1/health/targets/nonexistent")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown target")
}

func TestHistoryEndpoint(t *testing.T) {
	h, health, _ := newTestHandlers()

	rec := doRequest(t, h, http.MethodGet, "/api/v1/health/history?window=30m")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 30*time.Minute, health.lastWindow)

	var body struct {
		Trend   models.Trend                 `json:"trend"`
		Records []models.HealthHistoryRecord `json:"records"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, models.TrendStable, body.Trend)
	assert.Len(t, body.Records, 1)
}

func TestHistoryEndpointSinceParameter(t *testing.T) {
	h, health, _ := newTestHandlers()

	since := time.Now().Add(-2 * time.Hour).UTC().Format(time.RFC3339)
	rec := doRequest(t, h, http.MethodGet, "/api/v1/health/history?since="+since)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, float64(2*time.Hour), float64(health.lastWindow), float64(5*time.Second))

	rec = doRequest(t, h, http.MethodGet, "/api/v1/health/history?since=not-a-time")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecoveryStatisticsEndpoint(t *testing.T) {
	h, _, _ := newTestHandlers()
	rec := doRequest(t, h, http.MethodGet, "/api/v1/recovery/statistics")

	require.Equal(t, http.StatusOK, rec.Code)
	var body models.RecoveryStatistics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 4, body.TotalExecutions)
	assert.InDelta(t, 0.75, body.SuccessRate, 0.001)
}

func TestRecoveryExecutionsEndpoint(t *testing.T) {
	h, _, recovery := newTestHandlers()

	rec := doRequest(t, h, http.MethodGet, "/api/v1/recovery/executions?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, recovery.lastLimit)
	assert.Contains(t, rec.Body.String(), "exec-1")

	rec = doRequest(t, h, http.MethodGet, "/api/v1/recovery/executions?limit=nope")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecoveryEndpointsDisabled(t *testing.T) {
	h, _, _ := newTestHandlers()
	h.Recovery = nil

	rec := doRequest(t, h, http.MethodGet, "/api/v1/recovery/statistics")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/api/v1/recovery/executions")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	h, _, _ := newTestHandlers()
	rec := doRequest(t, h, http.MethodPost, "/api/v1/health")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
