package detect

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelops/healthd/internal/models"
)

// Detector evaluates an ordered rule list against metrics snapshots. It holds
// no mutable state; Detect is safe for concurrent use.
type Detector struct {
	rules  []Rule
	logger *slog.Logger
	now    func() time.Time
}

// NewDetector builds a detector from the built-in rules plus any extras,
// preserving declaration order (built-ins first).
func NewDetector(logger *slog.Logger, extra ...Rule) (*Detector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rules := BuiltinRules()
	for _, rule := range extra {
		if err := rule.Validate(); err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return &Detector{rules: rules, logger: logger, now: time.Now}, nil
}

// Detect returns every issue whose rule fires against the snapshot. Rules are
// independent: several may fire for one snapshot, and a rule that cannot read
// its inputs is skipped, never aborting the rest. Output order follows rule
// declaration order.
func (d *Detector) Detect(target string, snapshot models.MetricsSnapshot) []models.Issue {
	if snapshot == nil {
		return nil
	}

	issues := make([]models.Issue, 0)
	for _, rule := range d.rules {
		fired, value, err := d.evaluate(rule, snapshot)
		if err != nil {
			d.logger.Debug("rule predicate not evaluable",
				slog.String("rule", rule.Name),
				slog.String("target", target),
				slog.Any("error", err))
			continue
		}
		if !fired {
			continue
		}
		issues = append(issues, d.newIssue(rule, target, value))
	}
	return issues
}

func (d *Detector) evaluate(rule Rule, snapshot models.MetricsSnapshot) (bool, float64, error) {
	if rule.DependencyType != "" {
		fired, err := dependencyMatches(snapshot, rule.DependencyType, rule.DependencyStatus)
		return fired, 0, err
	}

	value, ok, err := lookupNumber(snapshot, rule.Metric)
	if err != nil {
		return false, 0, err
	}
	if !ok {
		return false, 0, nil
	}

	switch rule.Op {
	case OpGreaterThan:
		return value > rule.Threshold, value, nil
	case OpLessThan:
		return value < rule.Threshold, value, nil
	default:
		return false, 0, fmt.Errorf("unknown op %q", rule.Op)
	}
}

func (d *Detector) newIssue(rule Rule, target string, value float64) models.Issue {
	description := rule.Description
	if strings.Contains(description, "%") && rule.Metric != "" {
		description = fmt.Sprintf(rule.Description, value, rule.Threshold)
	}
	return models.Issue{
		ID:              "iss-" + uuid.NewString(),
		Title:           rule.Title,
		Description:     description,
		Severity:        rule.Severity,
		Category:        rule.Category,
		AffectedTargets: []string{target},
		DetectedAt:      d.now().UTC(),
		Status:          models.IssueOpen,
		Recommendations: append([]string(nil), rule.Recommendations...),
	}
}

// lookupNumber resolves a dotted path into the snapshot and coerces the leaf
// to float64. Returns ok=false when the path is absent.
func lookupNumber(snapshot models.MetricsSnapshot, path string) (float64, bool, error) {
	var current any = map[string]any(snapshot)
	for _, key := range strings.Split(path, ".") {
		node, ok := current.(map[string]any)
		if !ok {
			if typed, isSnap := current.(models.MetricsSnapshot); isSnap {
				node = typed
			} else {
				return 0, false, fmt.Errorf("path %s: %T is not a map", path, current)
			}
		}
		current, ok = node[key]
		if !ok {
			return 0, false, nil
		}
	}

	switch v := current.(type) {
	case float64:
		return v, true, nil
	case float32:
		return float64(v), true, nil
	case int:
		return float64(v), true, nil
	case int64:
		return float64(v), true, nil
	case uint:
		return float64(v), true, nil
	default:
		return 0, false, fmt.Errorf("path %s: %T is not numeric", path, current)
	}
}

// dependencyMatches scans the snapshot's dependencies list for an entry with
// the wanted type and status.
func dependencyMatches(snapshot models.MetricsSnapshot, depType, depStatus string) (bool, error) {
	raw, ok := snapshot["dependencies"]
	if !ok {
		return false, nil
	}

	entries, err := asMapSlice(raw)
	if err != nil {
		return false, err
	}
	for _, entry := range entries {
		t, _ := entry["type"].(string)
		s, _ := entry["status"].(string)
		if strings.EqualFold(t, depType) && strings.EqualFold(s, depStatus) {
			return true, nil
		}
	}
	return false, nil
}

func asMapSlice(raw any) ([]map[string]any, error) {
	switch v := raw.(type) {
	case []map[string]any:
		return v, nil
	case []any:
		entries := make([]map[string]any, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				entries = append(entries, m)
			}
		}
		return entries, nil
	default:
		return nil, fmt.Errorf("dependencies is %T, want a list", raw)
	}
}
