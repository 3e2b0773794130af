package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sentinelops/healthd/internal/config"
	"github.com/sentinelops/healthd/internal/detect"
	"github.com/sentinelops/healthd/internal/metrics"
	"github.com/sentinelops/healthd/internal/models"
	"github.com/sentinelops/healthd/internal/recommend"
	"github.com/sentinelops/healthd/internal/utils"
)

// Probe fetches one metrics snapshot for a target. Probes should honor the
// context deadline; ones that do not are abandoned when it expires.
type Probe func(ctx context.Context) (models.MetricsSnapshot, error)

// AlertFunc receives the target name and its high/critical issues when a
// cycle surfaces new ones.
type AlertFunc func(target string, issues []models.Issue)

// severityPenalty maps issue severities to health score deductions.
var severityPenalty = map[models.Severity]float64{
	models.SeverityCritical: 30,
	models.SeverityHigh:     15,
	models.SeverityMedium:   5,
	models.SeverityLow:      1,
}

// resolvedAfterMissing is how many consecutive cycles an issue must be absent
// before it counts as resolved.
const resolvedAfterMissing = 2

// subscriberQueueSize bounds each subscriber's alert queue; overflow drops
// the oldest pending alert.
const subscriberQueueSize = 64

type target struct {
	name     string
	category string
	probe    Probe
}

type openIssue struct {
	issue   models.Issue
	missing int
}

type alert struct {
	target string
	issues []models.Issue
}

type subscriber struct {
	fn AlertFunc
	ch chan alert
}

// Manager owns the registry of monitored targets, runs their probes, and
// aggregates per-target and overall health.
type Manager struct {
	logger      *slog.Logger
	detector    *detect.Detector
	recommender *recommend.Engine
	checks      config.ChecksConfig

	mu         sync.RWMutex
	targets    map[string]*target
	lastHealth map[string]models.TargetHealth
	open       map[string]map[string]*openIssue
	resolved   []models.Issue

	history   *History
	latencies *utils.LatencyWindow

	subMu       sync.Mutex
	subscribers []*subscriber

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewManager wires a manager from its collaborators. A nil detector or
// recommender gets a default instance.
func NewManager(logger *slog.Logger, detector *detect.Detector, recommender *recommend.Engine, checks config.ChecksConfig, historyCapacity int) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if detector == nil {
		detector, _ = detect.NewDetector(logger)
	}
	if recommender == nil {
		recommender = recommend.NewEngine()
	}
	return &Manager{
		logger:      logger,
		detector:    detector,
		recommender: recommender,
		checks:      checks,
		targets:     make(map[string]*target),
		lastHealth:  make(map[string]models.TargetHealth),
		open:        make(map[string]map[string]*openIssue),
		history:     NewHistory(historyCapacity),
		latencies:   utils.NewLatencyWindow(1024),
		stopCh:      make(chan struct{}),
		now:         time.Now,
	}
}

// Register adds a monitored target with its probe. Category selects the
// probe timeout (basic, dependency, business, performance).
func (m *Manager) Register(name, category string, probe Probe) error {
	if name == "" {
		return fmt.Errorf("target name is required")
	}
	if probe == nil {
		return fmt.Errorf("target %s: probe is required", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.targets[name]; exists {
		return fmt.Errorf("target %s already registered", name)
	}
	m.targets[name] = &target{name: name, category: category, probe: probe}
	m.lastHealth[name] = models.TargetHealth{Name: name, Status: models.StatusUnknown}
	return nil
}

// Unregister removes a target and its bookkeeping.
func (m *Manager) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.targets, name)
	delete(m.lastHealth, name)
	delete(m.open, name)
}

// Targets lists registered target names, sorted.
func (m *Manager) Targets() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.targets))
	for name := range m.targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Subscribe registers an alert listener. Delivery happens on a dedicated
// goroutine through a bounded queue so a slow listener cannot stall checks.
func (m *Manager) Subscribe(fn AlertFunc) {
	if fn == nil {
		return
	}
	sub := &subscriber{fn: fn, ch: make(chan alert, subscriberQueueSize)}

	m.subMu.Lock()
	m.subscribers = append(m.subscribers, sub)
	m.subMu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case a := <-sub.ch:
				sub.fn(a.target, a.issues)
			case <-m.stopCh:
				return
			}
		}
	}()
}

// CheckAll probes every registered target concurrently and returns their
// per-target health. Probe errors, timeouts and panics become synthetic
// critical results; they never surface as errors here.
func (m *Manager) CheckAll(ctx context.Context) map[string]models.TargetHealth {
	m.mu.RLock()
	pending := make([]*target, 0, len(m.targets))
	for _, t := range m.targets {
		pending = append(pending, t)
	}
	m.mu.RUnlock()

	results := make(map[string]models.TargetHealth, len(pending))
	var resultsMu sync.Mutex
	var wg sync.WaitGroup

	for _, t := range pending {
		wg.Add(1)
		go func(t *target) {
			defer wg.Done()
			health := m.checkOne(ctx, t)
			resultsMu.Lock()
			results[t.name] = health
			resultsMu.Unlock()
		}(t)
	}
	wg.Wait()

	m.finishCycle(results)
	return results
}

// checkOne runs a single probe with its category timeout and converts the
// outcome into TargetHealth.
func (m *Manager) checkOne(ctx context.Context, t *target) models.TargetHealth {
	timeout := m.checks.TimeoutFor(t.category)
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		snapshot models.MetricsSnapshot
		err      error
	}
	ch := make(chan outcome, 1)
	start := m.now()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("probe panicked: %v", r)}
			}
		}()
		snapshot, err := t.probe(probeCtx)
		ch <- outcome{snapshot: snapshot, err: err}
	}()

	var result outcome
	select {
	case result = <-ch:
		if result.err != nil && errors.Is(result.err, context.DeadlineExceeded) {
			result.err = utils.NewAppError("probe "+t.name, fmt.Sprintf("probe timed out after %s", timeout), result.err)
		}
	case <-probeCtx.Done():
		result = outcome{err: utils.NewAppError("probe "+t.name, fmt.Sprintf("probe timed out after %s", timeout), probeCtx.Err())}
	}
	elapsed := m.now().Sub(start)
	m.latencies.Record(elapsed)

	if result.err != nil {
		metrics.ObserveCheck(elapsed, metrics.OutcomeFailure)
		m.logger.Warn("probe failed",
			slog.String("target", t.name),
			slog.Any("error", result.err))
		return m.syntheticFailure(t.name, elapsed, result.err)
	}

	metrics.ObserveCheck(elapsed, metrics.OutcomeSuccess)
	return m.evaluate(t.name, result.snapshot, elapsed)
}

// syntheticFailure builds the critical TargetHealth carried by a target whose
// probe errored, timed out, or panicked.
func (m *Manager) syntheticFailure(name string, elapsed time.Duration, err error) models.TargetHealth {
	issue := models.Issue{
		ID:              "iss-probe-" + name + "-" + fmt.Sprintf("%d", m.now().UnixNano()),
		Title:           "Health check failed",
		Description:     fmt.Sprintf("probe for %s did not produce metrics: %v", name, err),
		Severity:        models.SeverityCritical,
		Category:        models.CategoryInfrastructure,
		AffectedTargets: []string{name},
		DetectedAt:      m.now().UTC(),
		Status:          models.IssueOpen,
		Recommendations: []string{
			"Verify the target process is running and reachable",
			"Check the probe's own connectivity and credentials",
		},
	}
	return models.TargetHealth{
		Name:           name,
		Status:         models.StatusCritical,
		LastCheck:      m.now().UTC(),
		ResponseTimeMS: float64(elapsed.Milliseconds()),
		Issues:         []models.Issue{issue},
		HealthScore:    0,
	}
}

// evaluate turns a successful probe snapshot into TargetHealth.
func (m *Manager) evaluate(name string, snapshot models.MetricsSnapshot, elapsed time.Duration) models.TargetHealth {
	issues := m.detector.Detect(name, snapshot)

	responseMS := float64(elapsed.Milliseconds())
	if v, ok := numberField(snapshot, "response_time_ms"); ok {
		responseMS = v
	}

	return models.TargetHealth{
		Name:           name,
		Status:         deriveStatus(issues, snapshot),
		LastCheck:      m.now().UTC(),
		ResponseTimeMS: responseMS,
		Issues:         issues,
		Metrics:        snapshot,
		HealthScore:    computeScore(issues, snapshot),
	}
}

// finishCycle runs post-barrier bookkeeping: last-known health, resolved
// issue tracking, gauges, and alert fan-out.
func (m *Manager) finishCycle(results map[string]models.TargetHealth) {
	m.mu.Lock()
	newlyCritical := make([]alert, 0)
	for name, health := range results {
		previous := m.open[name]
		if previous == nil {
			previous = make(map[string]*openIssue)
			m.open[name] = previous
		}

		current := make(map[string]bool, len(health.Issues))
		fresh := make([]models.Issue, 0)
		for _, issue := range health.Issues {
			current[issue.Title] = true
			if _, seen := previous[issue.Title]; !seen && issue.Severity.Rank() >= models.SeverityHigh.Rank() {
				fresh = append(fresh, issue)
			}
			previous[issue.Title] = &openIssue{issue: issue}
		}

		for title, tracked := range previous {
			if current[title] {
				continue
			}
			tracked.missing++
			if tracked.missing >= resolvedAfterMissing {
				resolved := tracked.issue
				resolved.Status = models.IssueResolved
				m.resolved = append(m.resolved, resolved)
				if len(m.resolved) > 100 {
					m.resolved = m.resolved[len(m.resolved)-100:]
				}
				delete(previous, title)
			}
		}

		m.lastHealth[name] = health
		metrics.SetTargetScore(name, health.HealthScore)
		if len(fresh) > 0 {
			newlyCritical = append(newlyCritical, alert{target: name, issues: fresh})
		}
	}
	m.mu.Unlock()

	for _, a := range newlyCritical {
		m.publish(a)
	}
}

// publish fans an alert out to every subscriber, dropping each subscriber's
// oldest pending alert when its queue is full.
func (m *Manager) publish(a alert) {
	m.subMu.Lock()
	subs := append([]*subscriber(nil), m.subscribers...)
	m.subMu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- a:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- a:
			default:
			}
		}
	}
}

// OverallHealth checks every target and aggregates the system view. The
// overall status is the worst per-target status.
func (m *Manager) OverallHealth(ctx context.Context) models.SystemHealth {
	results := m.CheckAll(ctx)

	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	overall := models.StatusExcellent
	summary := models.HealthSummary{Total: len(results)}
	issues := make([]models.Issue, 0)
	var scoreSum, responseSum float64

	for _, name := range names {
		health := results[name]
		overall = models.WorstStatus(overall, health.Status)
		scoreSum += health.HealthScore
		responseSum += health.ResponseTimeMS
		issues = append(issues, health.Issues...)

		switch health.Status {
		case models.StatusExcellent, models.StatusHealthy:
			summary.Healthy++
		case models.StatusDegraded:
			summary.Degraded++
		case models.StatusUnhealthy:
			summary.Unhealthy++
		default:
			summary.Critical++
		}
	}

	if len(results) == 0 {
		overall = models.StatusUnknown
	} else {
		summary.OverallScore = scoreSum / float64(len(results))
		summary.AvgResponseTime = responseSum / float64(len(results))
	}

	plan := m.recommender.Recommend(issues)
	now := m.now().UTC()

	record := models.HealthHistoryRecord{
		Timestamp:       now,
		OverallStatus:   overall,
		OverallScore:    summary.OverallScore,
		MetricsSummary:  summary,
		Issues:          issues,
		Recommendations: plan,
	}
	m.history.Append(record)

	return models.SystemHealth{
		OverallStatus:    overall,
		Timestamp:        now,
		Summary:          summary,
		Services:         results,
		Issues:           issues,
		Recommendations:  plan,
		Trend:            m.Trend(),
		RecentlyResolved: m.RecentlyResolved(),
		ProbeLatency:     m.ProbeLatency(),
	}
}

// History returns records from the given trailing window.
func (m *Manager) History(window time.Duration) []models.HealthHistoryRecord {
	return m.history.Since(m.now().Add(-window))
}

// Trend classifies the recent overall-score direction.
func (m *Manager) Trend() models.Trend {
	return inferTrend(m.history.Last(trendWindow))
}

// RecentlyResolved returns issues whose rules stopped firing for two
// consecutive cycles, most recent last.
func (m *Manager) RecentlyResolved() []models.Issue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.resolved) == 0 {
		return nil
	}
	return append([]models.Issue(nil), m.resolved...)
}

// LastKnown returns the last computed health for a target, if any.
func (m *Manager) LastKnown(name string) (models.TargetHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	health, ok := m.lastHealth[name]
	return health, ok
}

// ProbeLatency summarises probe durations across recent checks for the API
// payload.
func (m *Manager) ProbeLatency() models.ProbeLatency {
	stats := m.latencies.Summary()
	ms := func(d time.Duration) float64 {
		return float64(d) / float64(time.Millisecond)
	}
	return models.ProbeLatency{
		Count:     stats.Count,
		AverageMs: ms(stats.Average),
		P50Ms:     ms(stats.P50),
		P95Ms:     ms(stats.P95),
		P99Ms:     ms(stats.P99),
		MaxMs:     ms(stats.Max),
	}
}

// Run re-checks all targets on the configured cycle until the context is
// cancelled or Stop is called.
func (m *Manager) Run(ctx context.Context) {
	interval := m.checks.CycleInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	m.wg.Add(1)
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("health manager started", slog.Duration("interval", interval))
	for {
		select {
		case <-ticker.C:
			m.OverallHealth(ctx)
		case <-ctx.Done():
			m.logger.Info("health manager stopping", slog.String("reason", "context cancelled"))
			return
		case <-m.stopCh:
			m.logger.Info("health manager stopping", slog.String("reason", "stop requested"))
			return
		}
	}
}

// Stop halts the run loop and subscriber goroutines and waits for them.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// deriveStatus grades a target from its issues, falling back to business
// score bands when no issue forces a grade.
func deriveStatus(issues []models.Issue, snapshot models.MetricsSnapshot) models.HealthStatus {
	var high, medium int
	for _, issue := range issues {
		switch issue.Severity {
		case models.SeverityCritical:
			return models.StatusCritical
		case models.SeverityHigh:
			high++
		case models.SeverityMedium:
			medium++
		}
	}
	if high >= 1 {
		return models.StatusUnhealthy
	}
	if medium >= 1 {
		return models.StatusDegraded
	}

	if score, ok := numberField(snapshot, "business_health_score"); ok {
		switch {
		case score >= 90:
			return models.StatusExcellent
		case score >= 75:
			return models.StatusHealthy
		case score >= 60:
			return models.StatusDegraded
		default:
			return models.StatusUnhealthy
		}
	}
	return models.StatusHealthy
}

// computeScore derives the 0-100 health score: severity penalties plus a
// small adjustment from reported performance/business scores.
func computeScore(issues []models.Issue, snapshot models.MetricsSnapshot) float64 {
	score := 100.0
	for _, issue := range issues {
		score -= severityPenalty[issue.Severity]
	}
	score = clampScore(score)

	if v, ok := numberField(snapshot, "performance_score"); ok {
		score += (v - 50) * 0.2
	}
	if v, ok := numberField(snapshot, "business_health_score"); ok {
		score += (v - 50) * 0.1
	}
	return clampScore(score)
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func numberField(snapshot models.MetricsSnapshot, key string) (float64, bool) {
	raw, ok := snapshot[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
