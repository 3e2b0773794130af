package models

import "time"

// MetricsSnapshot is the raw output of one probe invocation. Keys are
// probe-defined; detection rules read what they need and ignore the rest.
type MetricsSnapshot map[string]any

// Severity captures impact levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities for comparison; higher is worse.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Category classifies what part of the system an issue concerns.
type Category string

const (
	CategoryPerformance    Category = "performance"
	CategoryReliability    Category = "reliability"
	CategorySecurity       Category = "security"
	CategoryCompliance     Category = "compliance"
	CategoryBusinessLogic  Category = "business_logic"
	CategoryInfrastructure Category = "infrastructure"
)

// IssueStatus tracks the lifecycle of a detected issue.
type IssueStatus string

const (
	IssueOpen         IssueStatus = "open"
	IssueAcknowledged IssueStatus = "acknowledged"
	IssueResolved     IssueStatus = "resolved"
)

// Issue is a classified health problem derived from a metrics snapshot.
// Issues are immutable once created; a problem that persists yields a fresh
// Issue on the next evaluation cycle.
type Issue struct {
	ID              string      `json:"id"`
	Title           string      `json:"title"`
	Description     string      `json:"description"`
	Severity        Severity    `json:"severity"`
	Category        Category    `json:"category"`
	AffectedTargets []string    `json:"affected_targets"`
	DetectedAt      time.Time   `json:"detected_at"`
	Status          IssueStatus `json:"status"`
	Recommendations []string    `json:"recommendations"`
	EscalationLevel int         `json:"escalation_level"`
}

// HealthStatus grades a target or the overall system.
type HealthStatus string

const (
	StatusExcellent HealthStatus = "excellent"
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
	StatusCritical  HealthStatus = "critical"
	StatusUnknown   HealthStatus = "unknown"
)

// Rank orders statuses from best to worst; higher is worse. Unknown ranks
// with critical so an unchecked target cannot mask a real outage.
func (s HealthStatus) Rank() int {
	switch s {
	case StatusExcellent:
		return 0
	case StatusHealthy:
		return 1
	case StatusDegraded:
		return 2
	case StatusUnhealthy:
		return 3
	case StatusCritical, StatusUnknown:
		return 4
	default:
		return 4
	}
}

// WorstStatus returns the worse of two statuses under Rank ordering.
func WorstStatus(a, b HealthStatus) HealthStatus {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// TargetHealth is the per-target evaluation result for one check cycle.
type TargetHealth struct {
	Name           string          `json:"name"`
	Status         HealthStatus    `json:"status"`
	LastCheck      time.Time       `json:"last_check"`
	ResponseTimeMS float64         `json:"response_time_ms"`
	Issues         []Issue         `json:"issues"`
	Metrics        MetricsSnapshot `json:"metrics"`
	HealthScore    float64         `json:"health_score"`
}

// Trend describes the direction of the overall score over recent history.
type Trend string

const (
	TrendImproving        Trend = "improving"
	TrendDegrading        Trend = "degrading"
	TrendStable           Trend = "stable"
	TrendInsufficientData Trend = "insufficient_data"
)

// HealthSummary aggregates per-target counts for the API surface.
type HealthSummary struct {
	Total           int     `json:"total"`
	Healthy         int     `json:"healthy"`
	Degraded        int     `json:"degraded"`
	Unhealthy       int     `json:"unhealthy"`
	Critical        int     `json:"critical"`
	OverallScore    float64 `json:"overall_score"`
	AvgResponseTime float64 `json:"avg_response_time"`
}

// SystemHealth is the full aggregated view returned by the manager and
// serialized verbatim by the HTTP layer.
type SystemHealth struct {
	OverallStatus   HealthStatus            `json:"overall_status"`
	Timestamp       time.Time               `json:"timestamp"`
	Summary         HealthSummary           `json:"summary"`
	Services        map[string]TargetHealth `json:"services"`
	Issues          []Issue                 `json:"issues"`
	Recommendations RemediationPlan         `json:"recommendations"`
	Trend           Trend                   `json:"trend"`
	// RecentlyResolved lists issues whose rules stopped firing for two
	// consecutive cycles.
	RecentlyResolved []Issue      `json:"recently_resolved,omitempty"`
	ProbeLatency     ProbeLatency `json:"probe_latency"`
}

// ProbeLatency summarises recent probe durations across all targets.
type ProbeLatency struct {
	Count     int     `json:"count"`
	AverageMs float64 `json:"average_ms"`
	P50Ms     float64 `json:"p50_ms"`
	P95Ms     float64 `json:"p95_ms"`
	P99Ms     float64 `json:"p99_ms"`
	MaxMs     float64 `json:"max_ms"`
}

// RemediationPlan partitions remediation guidance by urgency.
type RemediationPlan struct {
	Immediate  []string `json:"immediate"`
	ShortTerm  []string `json:"short_term"`
	LongTerm   []string `json:"long_term"`
	Prevention []string `json:"prevention"`
	ETABucket  string   `json:"eta_bucket"`
}

// HealthHistoryRecord is one point of bounded history, used only for trend
// inference.
type HealthHistoryRecord struct {
	Timestamp       time.Time       `json:"timestamp"`
	OverallStatus   HealthStatus    `json:"overall_status"`
	OverallScore    float64         `json:"overall_score"`
	MetricsSummary  HealthSummary   `json:"metrics_summary"`
	Issues          []Issue         `json:"issues"`
	Recommendations RemediationPlan `json:"recommendations"`
}
