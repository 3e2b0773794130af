package recommend

import (
	"github.com/sentinelops/healthd/internal/models"
)

// ETA buckets derived from the highest severity present.
const (
	ETACritical = "15-30m"
	ETAHigh     = "1-4h"
	ETAMedium   = "1-7d"
	ETANominal  = "nominal"
)

// Engine maps detected issues to a prioritized remediation plan. It is
// stateless and deterministic: the same issue set always yields the same plan.
type Engine struct {
	prevention map[models.Category][]string
}

// NewEngine builds the engine with its built-in prevention catalog.
func NewEngine() *Engine {
	return &Engine{prevention: preventionCatalog()}
}

// Recommend partitions issues by severity into urgency buckets, appends each
// relevant category's prevention tips once, and derives the ETA bucket from
// the worst severity present.
func (e *Engine) Recommend(issues []models.Issue) models.RemediationPlan {
	plan := models.RemediationPlan{
		Immediate:  []string{},
		ShortTerm:  []string{},
		LongTerm:   []string{},
		Prevention: []string{},
		ETABucket:  ETANominal,
	}
	if len(issues) == 0 {
		return plan
	}

	worst := models.SeverityLow
	seenCategories := make(map[models.Category]bool)

	for _, issue := range issues {
		if issue.Severity.Rank() > worst.Rank() {
			worst = issue.Severity
		}

		switch issue.Severity {
		case models.SeverityCritical:
			plan.Immediate = appendUnique(plan.Immediate, issue.Recommendations...)
		case models.SeverityHigh:
			plan.ShortTerm = appendUnique(plan.ShortTerm, issue.Recommendations...)
		case models.SeverityMedium:
			plan.LongTerm = appendUnique(plan.LongTerm, issue.Recommendations...)
		default:
			plan.LongTerm = appendUnique(plan.LongTerm, issue.Recommendations...)
		}

		if !seenCategories[issue.Category] {
			seenCategories[issue.Category] = true
			plan.Prevention = appendUnique(plan.Prevention, e.prevention[issue.Category]...)
		}
	}

	switch worst {
	case models.SeverityCritical:
		plan.ETABucket = ETACritical
	case models.SeverityHigh:
		plan.ETABucket = ETAHigh
	case models.SeverityMedium:
		plan.ETABucket = ETAMedium
	default:
		plan.ETABucket = ETAMedium
	}

	return plan
}

func preventionCatalog() map[models.Category][]string {
	return map[models.Category][]string{
		models.CategoryPerformance: {
			"Set up capacity planning with load-test baselines",
			"Alert on saturation before user impact",
		},
		models.CategoryReliability: {
			"Add circuit breakers around flaky dependencies",
			"Exercise failure paths with regular game days",
		},
		models.CategorySecurity: {
			"Rotate credentials and audit access regularly",
		},
		models.CategoryCompliance: {
			"Automate policy checks in the deployment pipeline",
		},
		models.CategoryBusinessLogic: {
			"Track business KPIs alongside system metrics",
			"Gate risky logic changes behind feature flags",
		},
		models.CategoryInfrastructure: {
			"Keep probes and runbooks for every managed target",
		},
	}
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		exists := false
		for _, have := range dst {
			if have == v {
				exists = true
				break
			}
		}
		if !exists {
			dst = append(dst, v)
		}
	}
	return dst
}
