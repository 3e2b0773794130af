package health

import (
	"github.com/sentinelops/healthd/internal/models"
)

// trendWindow is how many recent score samples feed the fit.
const trendWindow = 10

// slopeThreshold is the per-step score change below which the trend counts
// as stable.
const slopeThreshold = 0.5

// inferTrend fits a least-squares line through the overall scores of the
// supplied records (oldest first) and classifies the slope sign. Fewer than
// three samples cannot support a verdict.
func inferTrend(records []models.HealthHistoryRecord) models.Trend {
	if len(records) < 3 {
		return models.TrendInsufficientData
	}

	n := float64(len(records))
	var sumX, sumY, sumXY, sumXX float64
	for i, record := range records {
		x := float64(i)
		y := record.OverallScore
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return models.TrendStable
	}
	slope := (n*sumXY - sumX*sumY) / denom

	switch {
	case slope > slopeThreshold:
		return models.TrendImproving
	case slope < -slopeThreshold:
		return models.TrendDegrading
	default:
		return models.TrendStable
	}
}
