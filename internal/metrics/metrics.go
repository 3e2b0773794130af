package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful probe checks and recoveries.
	OutcomeSuccess = "success"
	// OutcomeFailure labels failed probe checks.
	OutcomeFailure = "failure"
	// OutcomeTimeout labels timed-out executions.
	OutcomeTimeout = "timeout"
	// OutcomeSkipped labels executions skipped on preconditions.
	OutcomeSkipped = "skipped"
)

var (
	checksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "healthd",
			Name:      "checks_total",
			Help:      "Total number of probe checks run, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	checkDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "healthd",
			Name:      "check_seconds",
			Help:      "Probe check latency in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	targetHealthScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "healthd",
			Name:      "target_health_score",
			Help:      "Last computed health score per target (0-100).",
		},
		[]string{"target"},
	)

	recoveryExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "healthd",
			Name:      "recovery_executions_total",
			Help:      "Recovery action executions, partitioned by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "healthd",
			Name:      "breaker_state",
			Help:      "Circuit breaker position per target (0 closed, 1 half_open, 2 open).",
		},
		[]string{"target"},
	)
)

// Register attaches healthd collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		checksTotal,
		checkDurationSeconds,
		targetHealthScore,
		recoveryExecutionsTotal,
		breakerState,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveCheck records one probe check duration and outcome label.
func ObserveCheck(duration time.Duration, outcome string) {
	checksTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	checkDurationSeconds.Observe(duration.Seconds())
}

// SetTargetScore publishes the latest health score for a target.
func SetTargetScore(target string, score float64) {
	targetHealthScore.WithLabelValues(target).Set(score)
}

// ObserveExecution records a recovery execution outcome for an action kind.
func ObserveExecution(kind, outcome string) {
	recoveryExecutionsTotal.WithLabelValues(kind, outcome).Inc()
}

// SetBreakerState publishes a breaker position as a numeric gauge.
func SetBreakerState(target, state string) {
	value := 0.0
	switch state {
	case "half_open":
		value = 1
	case "open":
		value = 2
	}
	breakerState.WithLabelValues(target).Set(value)
}
