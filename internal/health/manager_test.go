package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/healthd/internal/config"
	"github.com/sentinelops/healthd/internal/models"
)

func testChecks() config.ChecksConfig {
	return config.ChecksConfig{
		Basic:         config.CategoryConfig{Interval: time.Second, Timeout: 200 * time.Millisecond},
		Dependency:    config.CategoryConfig{Interval: time.Second, Timeout: 200 * time.Millisecond},
		Business:      config.CategoryConfig{Interval: time.Second, Timeout: 200 * time.Millisecond},
		Performance:   config.CategoryConfig{Interval: time.Second, Timeout: 200 * time.Millisecond},
		CycleInterval: 50 * time.Millisecond,
	}
}

func staticProbe(snapshot models.MetricsSnapshot) Probe {
	return func(ctx context.Context) (models.MetricsSnapshot, error) {
		return snapshot, nil
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(nil, nil, nil, testChecks(), 50)
	t.Cleanup(m.Stop)
	return m
}

func TestCheckAllHighCPUTarget(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Register("svc-a", "basic", staticProbe(models.MetricsSnapshot{"cpu_percent": 95.0})))

	results := m.CheckAll(context.Background())
	require.Contains(t, results, "svc-a")

	health := results["svc-a"]
	require.Len(t, health.Issues, 1)
	assert.Equal(t, models.SeverityHigh, health.Issues[0].Severity)
	assert.Equal(t, models.CategoryPerformance, health.Issues[0].Category)
	assert.Equal(t, models.StatusUnhealthy, health.Status)
	assert.Equal(t, 85.0, health.HealthScore)
}

func TestCheckAllDatabaseFailureTarget(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Register("svc-b", "dependency", staticProbe(models.MetricsSnapshot{
		"dependencies": []any{
			map[string]any{"type": "database", "status": "connection_error"},
		},
	})))

	health := m.CheckAll(context.Background())["svc-b"]
	require.Len(t, health.Issues, 1)
	assert.Equal(t, models.SeverityCritical, health.Issues[0].Severity)
	assert.Equal(t, models.StatusCritical, health.Status)
	assert.LessOrEqual(t, health.HealthScore, 70.0)
}

func TestCheckAllProbeErrorBecomesSyntheticCritical(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Register("svc-err", "basic", func(ctx context.Context) (models.MetricsSnapshot, error) {
		return nil, errors.New("connection refused")
	}))

	health := m.CheckAll(context.Background())["svc-err"]
	assert.Equal(t, models.StatusCritical, health.Status)
	require.Len(t, health.Issues, 1)
	assert.Equal(t, models.CategoryInfrastructure, health.Issues[0].Category)
	assert.Equal(t, models.SeverityCritical, health.Issues[0].Severity)
	assert.Contains(t, health.Issues[0].Description, "connection refused")
}

func TestCheckAllProbePanicIsContained(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Register("svc-panic", "basic", func(ctx context.Context) (models.MetricsSnapshot, error) {
		panic("boom")
	}))
	require.NoError(t, m.Register("svc-ok", "basic", staticProbe(models.MetricsSnapshot{"cpu_percent": 10.0})))

	results := m.CheckAll(context.Background())
	assert.Equal(t, models.StatusCritical, results["svc-panic"].Status)
	assert.Equal(t, models.StatusHealthy, results["svc-ok"].Status)
}

func TestCheckAllProbeTimeout(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Register("svc-slow", "basic", func(ctx context.Context) (models.MetricsSnapshot, error) {
		select {
		case <-time.After(5 * time.Second):
			return models.MetricsSnapshot{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))

	start := time.Now()
	health := m.CheckAll(context.Background())["svc-slow"]
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, models.StatusCritical, health.Status)
	require.Len(t, health.Issues, 1)
	assert.Contains(t, health.Issues[0].Description, "timed out")
}

func TestOverallStatusIsWorstTargetStatus(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Register("svc-good", "basic", staticProbe(models.MetricsSnapshot{"cpu_percent": 5.0})))
	require.NoError(t, m.Register("svc-med", "basic", staticProbe(models.MetricsSnapshot{"response_time_ms": 4000.0})))
	require.NoError(t, m.Register("svc-bad", "basic", staticProbe(models.MetricsSnapshot{"cpu_percent": 99.0})))

	system := m.OverallHealth(context.Background())
	assert.Equal(t, models.StatusUnhealthy, system.OverallStatus)
	assert.Equal(t, 3, system.Summary.Total)
	assert.Equal(t, 1, system.Summary.Healthy)
	assert.Equal(t, 1, system.Summary.Degraded)
	assert.Equal(t, 1, system.Summary.Unhealthy)
}

func TestOverallHealthIdempotentWithoutStateChange(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Register("svc-a", "basic", staticProbe(models.MetricsSnapshot{"cpu_percent": 95.0, "error_rate": 9.0})))

	first := m.OverallHealth(context.Background())
	second := m.OverallHealth(context.Background())

	require.Equal(t, len(first.Issues), len(second.Issues))
	for i := range first.Issues {
		assert.Equal(t, first.Issues[i].Title, second.Issues[i].Title)
		assert.Equal(t, first.Issues[i].Severity, second.Issues[i].Severity)
	}
	assert.Equal(t, first.Summary.OverallScore, second.Summary.OverallScore)
}

func TestOverallHealthReportsProbeLatency(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Register("svc-a", "basic", staticProbe(models.MetricsSnapshot{"cpu_percent": 20.0})))
	require.NoError(t, m.Register("svc-b", "basic", staticProbe(models.MetricsSnapshot{"cpu_percent": 25.0})))

	system := m.OverallHealth(context.Background())

	assert.Equal(t, 2, system.ProbeLatency.Count)
	assert.GreaterOrEqual(t, system.ProbeLatency.P95Ms, system.ProbeLatency.P50Ms)
	assert.GreaterOrEqual(t, system.ProbeLatency.MaxMs, system.ProbeLatency.P95Ms)

	system = m.OverallHealth(context.Background())
	assert.Equal(t, 4, system.ProbeLatency.Count)
}

func TestHealthScoreMonotonicInCriticalIssues(t *testing.T) {
	snapshot := models.MetricsSnapshot{}
	previous := computeScore(nil, snapshot)
	issues := []models.Issue{}
	for i := 0; i < 5; i++ {
		issues = append(issues, models.Issue{Severity: models.SeverityCritical})
		score := computeScore(issues, snapshot)
		assert.LessOrEqual(t, score, previous)
		previous = score
	}
	assert.Equal(t, 0.0, previous)
}

func TestBusinessScoreBands(t *testing.T) {
	tests := []struct {
		score    float64
		expected models.HealthStatus
	}{
		{95, models.StatusExcellent},
		{80, models.StatusHealthy},
		{65, models.StatusDegraded},
		{61, models.StatusDegraded},
	}
	for _, tc := range tests {
		snapshot := models.MetricsSnapshot{"business_health_score": tc.score}
		assert.Equal(t, tc.expected, deriveStatus(nil, snapshot), "score %v", tc.score)
	}

	// Below 60 the detection rule fires first, so the medium issue grades it.
	m := newTestManager(t)
	require.NoError(t, m.Register("svc-biz", "business", staticProbe(models.MetricsSnapshot{"business_health_score": 42.0})))
	health := m.CheckAll(context.Background())["svc-biz"]
	assert.Equal(t, models.StatusDegraded, health.Status)
}

func TestSubscribeFiresOnNewHighSeverityIssues(t *testing.T) {
	m := newTestManager(t)

	var mu sync.Mutex
	var calls []string
	m.Subscribe(func(target string, issues []models.Issue) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, target)
	})

	require.NoError(t, m.Register("svc-a", "basic", staticProbe(models.MetricsSnapshot{"cpu_percent": 95.0})))
	m.CheckAll(context.Background())
	// Second cycle carries the same issue; no new alert should fire.
	m.CheckAll(context.Background())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) >= 1
	}, time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"svc-a"}, calls)
}

func TestIssueResolvedAfterTwoAbsentCycles(t *testing.T) {
	m := newTestManager(t)

	var cpu float64 = 95
	var mu sync.Mutex
	require.NoError(t, m.Register("svc-a", "basic", func(ctx context.Context) (models.MetricsSnapshot, error) {
		mu.Lock()
		defer mu.Unlock()
		return models.MetricsSnapshot{"cpu_percent": cpu}, nil
	}))

	m.CheckAll(context.Background())
	assert.Empty(t, m.RecentlyResolved())

	mu.Lock()
	cpu = 20
	mu.Unlock()

	m.CheckAll(context.Background())
	assert.Empty(t, m.RecentlyResolved(), "one absent cycle is not yet resolved")

	m.CheckAll(context.Background())
	resolved := m.RecentlyResolved()
	require.Len(t, resolved, 1)
	assert.Equal(t, models.IssueResolved, resolved[0].Status)
	assert.Equal(t, "High CPU usage", resolved[0].Title)
}

func TestTrendFromHistory(t *testing.T) {
	m := newTestManager(t)
	assert.Equal(t, models.TrendInsufficientData, m.Trend())

	for i := 0; i < 5; i++ {
		m.history.Append(models.HealthHistoryRecord{
			Timestamp:    time.Now(),
			OverallScore: float64(50 + i*10),
		})
	}
	assert.Equal(t, models.TrendImproving, m.Trend())
}

func TestTrendDegradingAndStable(t *testing.T) {
	degrading := []models.HealthHistoryRecord{
		{OverallScore: 90}, {OverallScore: 80}, {OverallScore: 70}, {OverallScore: 55},
	}
	assert.Equal(t, models.TrendDegrading, inferTrend(degrading))

	stable := []models.HealthHistoryRecord{
		{OverallScore: 80}, {OverallScore: 80.2}, {OverallScore: 79.9}, {OverallScore: 80.1},
	}
	assert.Equal(t, models.TrendStable, inferTrend(stable))
}

func TestHistoryWindowAndBound(t *testing.T) {
	h := NewHistory(3)
	base := time.Now()
	for i := 0; i < 5; i++ {
		h.Append(models.HealthHistoryRecord{Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}
	assert.Equal(t, 3, h.Len())

	since := h.Since(base.Add(3*time.Minute + 30*time.Second))
	assert.Len(t, since, 1)

	last := h.Last(2)
	require.Len(t, last, 2)
	assert.True(t, last[0].Timestamp.Before(last[1].Timestamp))
}

func TestRunLoopStops(t *testing.T) {
	m := NewManager(nil, nil, nil, testChecks(), 50)
	require.NoError(t, m.Register("svc-a", "basic", staticProbe(models.MetricsSnapshot{"cpu_percent": 10.0})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	go func() {
		close(started)
		m.Run(ctx)
	}()
	<-started

	require.Eventually(t, func() bool {
		return m.history.Len() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not join the run loop")
	}
}

func TestRegisterValidation(t *testing.T) {
	m := newTestManager(t)
	assert.Error(t, m.Register("", "basic", staticProbe(nil)))
	assert.Error(t, m.Register("svc-a", "basic", nil))
	require.NoError(t, m.Register("svc-a", "basic", staticProbe(models.MetricsSnapshot{})))
	assert.Error(t, m.Register("svc-a", "basic", staticProbe(models.MetricsSnapshot{})))

	assert.Equal(t, []string{"svc-a"}, m.Targets())
	m.Unregister("svc-a")
	assert.Empty(t, m.Targets())
}
