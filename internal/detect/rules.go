package detect

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sentinelops/healthd/internal/models"
)

// Op compares a metric value against a rule threshold.
type Op string

const (
	OpGreaterThan Op = "gt"
	OpLessThan    Op = "lt"
)

// Rule is a closed, declarative detection rule. A rule either compares a
// numeric metric against a threshold (Metric/Op/Threshold) or scans the
// snapshot's dependency list for a type/status pair (DependencyType/
// DependencyStatus). Keeping rules as data rather than closures lets packs
// be loaded from YAML and audited independently of code.
type Rule struct {
	Name             string          `yaml:"name"`
	Metric           string          `yaml:"metric,omitempty"`
	Op               Op              `yaml:"op,omitempty"`
	Threshold        float64         `yaml:"threshold,omitempty"`
	DependencyType   string          `yaml:"dependency_type,omitempty"`
	DependencyStatus string          `yaml:"dependency_status,omitempty"`
	Severity         models.Severity `yaml:"severity"`
	Category         models.Category `yaml:"category"`
	Title            string          `yaml:"title"`
	Description      string          `yaml:"description"`
	Recommendations  []string        `yaml:"recommendations"`
}

// Validate rejects rules that declare neither a metric comparison nor a
// dependency match, or that carry an unknown operator.
func (r Rule) Validate() error {
	if r.Name == "" {
		return errors.New("rule name is required")
	}
	if r.Metric == "" && r.DependencyType == "" {
		return fmt.Errorf("rule %s: either metric or dependency_type is required", r.Name)
	}
	if r.Metric != "" && r.Op != OpGreaterThan && r.Op != OpLessThan {
		return fmt.Errorf("rule %s: op must be gt or lt", r.Name)
	}
	if r.Severity.Rank() == 0 {
		return fmt.Errorf("rule %s: unknown severity %q", r.Name, r.Severity)
	}
	return nil
}

// BuiltinRules is the default detection pack, evaluated in declaration order.
func BuiltinRules() []Rule {
	return []Rule{
		{
			Name:        "high_cpu",
			Metric:      "cpu_percent",
			Op:          OpGreaterThan,
			Threshold:   90,
			Severity:    models.SeverityHigh,
			Category:    models.CategoryPerformance,
			Title:       "High CPU usage",
			Description: "CPU usage at %.1f exceeds the %.1f threshold",
			Recommendations: []string{
				"Scale out the service or raise its CPU allocation",
				"Profile hot paths for runaway work",
			},
		},
		{
			Name:        "high_memory",
			Metric:      "memory_percent",
			Op:          OpGreaterThan,
			Threshold:   85,
			Severity:    models.SeverityHigh,
			Category:    models.CategoryPerformance,
			Title:       "High memory usage",
			Description: "Memory usage at %.1f exceeds the %.1f threshold",
			Recommendations: []string{
				"Check for memory leaks in recent deployments",
				"Raise the memory limit or add replicas",
			},
		},
		{
			Name:             "database_unreachable",
			DependencyType:   "database",
			DependencyStatus: "connection_error",
			Severity:         models.SeverityCritical,
			Category:         models.CategoryReliability,
			Title:            "Database connection failure",
			Description:      "A database dependency is reporting connection errors",
			Recommendations: []string{
				"Verify database availability and credentials",
				"Check connection pool exhaustion",
			},
		},
		{
			Name:        "high_error_rate",
			Metric:      "error_rate",
			Op:          OpGreaterThan,
			Threshold:   5,
			Severity:    models.SeverityHigh,
			Category:    models.CategoryReliability,
			Title:       "Elevated error rate",
			Description: "Error rate at %.1f%% exceeds the %.1f%% threshold",
			Recommendations: []string{
				"Inspect recent deployments for regressions",
				"Check upstream dependencies for correlated errors",
			},
		},
		{
			Name:        "slow_responses",
			Metric:      "response_time_ms",
			Op:          OpGreaterThan,
			Threshold:   3000,
			Severity:    models.SeverityMedium,
			Category:    models.CategoryPerformance,
			Title:       "Slow response times",
			Description: "Response time at %.0fms exceeds the %.0fms threshold",
			Recommendations: []string{
				"Review slow query logs and cache hit rates",
				"Add capacity ahead of peak traffic",
			},
		},
		{
			Name:        "low_business_health",
			Metric:      "business_health_score",
			Op:          OpLessThan,
			Threshold:   60,
			Severity:    models.SeverityMedium,
			Category:    models.CategoryBusinessLogic,
			Title:       "Business health degraded",
			Description: "Business health score %.1f is below the %.1f floor",
			Recommendations: []string{
				"Review conversion funnels and order throughput",
				"Correlate with recent feature flags",
			},
		},
	}
}

// rulePackFile is the YAML root for an external rule pack.
type rulePackFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRulePack reads additional rules from a YAML file. A missing file is not
// an error; packs are optional.
func LoadRulePack(path string) ([]Rule, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read rule pack: %w", err)
	}
	var pack rulePackFile
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return nil, fmt.Errorf("parse rule pack: %w", err)
	}
	for _, rule := range pack.Rules {
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("rule pack %s: %w", path, err)
		}
	}
	return pack.Rules, nil
}
