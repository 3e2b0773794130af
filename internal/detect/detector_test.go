package detect

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/healthd/internal/models"
)

func newTestDetector(t *testing.T, extra ...Rule) *Detector {
	t.Helper()
	d, err := NewDetector(nil, extra...)
	require.NoError(t, err)
	return d
}

func TestDetectHighCPU(t *testing.T) {
	d := newTestDetector(t)

	issues := d.Detect("svc-a", models.MetricsSnapshot{"cpu_percent": 95.0})
	require.Len(t, issues, 1)
	assert.Equal(t, models.SeverityHigh, issues[0].Severity)
	assert.Equal(t, models.CategoryPerformance, issues[0].Category)
	assert.Equal(t, []string{"svc-a"}, issues[0].AffectedTargets)
	assert.Equal(t, models.IssueOpen, issues[0].Status)
	assert.NotEmpty(t, issues[0].Recommendations)
}

func TestDetectDatabaseConnectionError(t *testing.T) {
	d := newTestDetector(t)

	snapshot := models.MetricsSnapshot{
		"dependencies": []any{
			map[string]any{"type": "database", "status": "connection_error"},
			map[string]any{"type": "api", "status": "ok"},
		},
	}
	issues := d.Detect("svc-b", snapshot)
	require.Len(t, issues, 1)
	assert.Equal(t, models.SeverityCritical, issues[0].Severity)
	assert.Equal(t, models.CategoryReliability, issues[0].Category)
}

func TestDetectMultipleRulesFireIndependently(t *testing.T) {
	d := newTestDetector(t)

	snapshot := models.MetricsSnapshot{
		"cpu_percent":      95.0,
		"memory_percent":   90.0,
		"error_rate":       7.5,
		"response_time_ms": 4000.0,
	}
	issues := d.Detect("svc-a", snapshot)
	require.Len(t, issues, 4)

	// Output order follows rule declaration order, not severity.
	assert.Equal(t, "High CPU usage", issues[0].Title)
	assert.Equal(t, "High memory usage", issues[1].Title)
	assert.Equal(t, "Elevated error rate", issues[2].Title)
	assert.Equal(t, "Slow response times", issues[3].Title)
}

func TestDetectIsOrderStable(t *testing.T) {
	d := newTestDetector(t)
	snapshot := models.MetricsSnapshot{"cpu_percent": 95.0, "error_rate": 9.0}

	first := d.Detect("svc-a", snapshot)
	second := d.Detect("svc-a", snapshot)
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Title, second[i].Title)
		assert.Equal(t, first[i].Severity, second[i].Severity)
	}
}

func TestDetectSkipsUnreadableValues(t *testing.T) {
	d := newTestDetector(t)

	// cpu_percent is a string; the rule must be skipped, not abort the rest.
	snapshot := models.MetricsSnapshot{
		"cpu_percent": "lots",
		"error_rate":  9.0,
	}
	issues := d.Detect("svc-a", snapshot)
	require.Len(t, issues, 1)
	assert.Equal(t, "Elevated error rate", issues[0].Title)
}

func TestDetectIntegersCoerced(t *testing.T) {
	d := newTestDetector(t)

	issues := d.Detect("svc-a", models.MetricsSnapshot{"cpu_percent": 95})
	require.Len(t, issues, 1)
}

func TestDetectBusinessScoreFloor(t *testing.T) {
	d := newTestDetector(t)

	issues := d.Detect("svc-a", models.MetricsSnapshot{"business_health_score": 42.0})
	require.Len(t, issues, 1)
	assert.Equal(t, models.CategoryBusinessLogic, issues[0].Category)
	assert.Equal(t, models.SeverityMedium, issues[0].Severity)
}

func TestDetectDottedPath(t *testing.T) {
	d := newTestDetector(t, Rule{
		Name:      "queue_depth",
		Metric:    "queues.orders.depth",
		Op:        OpGreaterThan,
		Threshold: 100,
		Severity:  models.SeverityMedium,
		Category:  models.CategoryPerformance,
		Title:     "Order queue backing up",
	})

	snapshot := models.MetricsSnapshot{
		"queues": map[string]any{
			"orders": map[string]any{"depth": 250},
		},
	}
	issues := d.Detect("svc-q", snapshot)
	require.Len(t, issues, 1)
	assert.Equal(t, "Order queue backing up", issues[0].Title)
}

func TestLoadRulePack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	pack := `rules:
  - name: low_disk
    metric: disk_free_percent
    op: lt
    threshold: 10
    severity: high
    category: infrastructure
    title: Low disk space
    recommendations: ["Expand the volume"]
`
	require.NoError(t, os.WriteFile(path, []byte(pack), 0o644))

	rules, err := LoadRulePack(path)
	require.NoError(t, err)
	require.Len(t, rules, 1)

	d := newTestDetector(t, rules...)
	issues := d.Detect("svc-d", models.MetricsSnapshot{"disk_free_percent": 4.0})
	require.Len(t, issues, 1)
	assert.Equal(t, "Low disk space", issues[0].Title)
}

func TestLoadRulePackMissingFile(t *testing.T) {
	rules, err := LoadRulePack("does-not-exist.yaml")
	require.NoError(t, err)
	assert.Nil(t, rules)
}

func TestLoadRulePackRejectsBadRule(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - name: broken\n    severity: high\n"), 0o644))

	_, err := LoadRulePack(path)
	assert.Error(t, err)
}
