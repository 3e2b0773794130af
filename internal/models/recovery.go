package models

import "time"

// ActionKind enumerates the recovery actions the orchestrator knows how to
// dispatch. Handlers are registered per kind.
type ActionKind string

const (
	ActionRestartService      ActionKind = "restart_service"
	ActionScaleUp             ActionKind = "scale_up"
	ActionScaleDown           ActionKind = "scale_down"
	ActionClearCache          ActionKind = "clear_cache"
	ActionRestartPod          ActionKind = "restart_pod"
	ActionSwitchTraffic       ActionKind = "switch_traffic"
	ActionCircuitBreaker      ActionKind = "circuit_breaker"
	ActionFailover            ActionKind = "failover"
	ActionGracefulDegradation ActionKind = "graceful_degradation"
)

// KnownActionKinds lists every kind the orchestrator accepts at construction.
var KnownActionKinds = []ActionKind{
	ActionRestartService,
	ActionScaleUp,
	ActionScaleDown,
	ActionClearCache,
	ActionRestartPod,
	ActionSwitchTraffic,
	ActionCircuitBreaker,
	ActionFailover,
	ActionGracefulDegradation,
}

// Valid reports whether the kind is one the orchestrator accepts.
func (k ActionKind) Valid() bool {
	for _, known := range KnownActionKinds {
		if k == known {
			return true
		}
	}
	return false
}

// PreconditionKind enumerates declarative checks evaluated before an action
// runs. A failed precondition skips the action, it never fails it.
type PreconditionKind string

const (
	PreconditionBreakerClosed    PreconditionKind = "breaker_allows"
	PreconditionNoRecentRestart  PreconditionKind = "no_recent_restart"
	PreconditionTargetNotInState PreconditionKind = "target_not_in_state"
)

// Precondition is a declarative guard on an Action.
type Precondition struct {
	Kind PreconditionKind `json:"kind"`
	// Window applies to no_recent_restart; State to target_not_in_state.
	Window time.Duration `json:"window,omitempty"`
	State  HealthStatus  `json:"state,omitempty"`
}

// Action is one immutable recovery step inside a Procedure.
type Action struct {
	ID         string         `json:"id"`
	Kind       ActionKind     `json:"kind"`
	Target     string         `json:"target"`
	Parameters map[string]any `json:"parameters,omitempty"`
	MaxRetries int            `json:"max_retries"`
	Timeout    time.Duration  `json:"timeout"`

	// RollbackAction is declared but never invoked automatically; it is
	// recorded in reports so operators can run it by hand.
	RollbackAction string         `json:"rollback_action,omitempty"`
	Preconditions  []Precondition `json:"preconditions,omitempty"`
}

// ProcedureCondition is a declarative matcher deciding whether a procedure
// applies to an issue. Zero-valued fields match everything.
type ProcedureCondition struct {
	SeverityAtLeast Severity `json:"severity_at_least,omitempty"`
	Category        Category `json:"category,omitempty"`
	TitleContains   string   `json:"title_contains,omitempty"`
}

// Procedure is a named, ordered recovery sequence gated by a condition.
// Procedures are static after construction.
type Procedure struct {
	Name      string             `json:"name"`
	Condition ProcedureCondition `json:"condition"`
	Actions   []Action           `json:"actions"`
}

// ExecutionStatus is the terminal (or transient) state of one action run.
type ExecutionStatus string

const (
	ExecutionPending    ExecutionStatus = "pending"
	ExecutionInProgress ExecutionStatus = "in_progress"
	ExecutionSuccess    ExecutionStatus = "success"
	ExecutionFailed     ExecutionStatus = "failed"
	ExecutionTimeout    ExecutionStatus = "timeout"
	ExecutionSkipped    ExecutionStatus = "skipped"
)

// Execution records the outcome of running one Action once, including every
// retry attempt.
type Execution struct {
	ID        string          `json:"id"`
	Action    Action          `json:"action"`
	Target    string          `json:"target"`
	Status    ExecutionStatus `json:"status"`
	StartTime time.Time       `json:"start_time"`
	EndTime   time.Time       `json:"end_time,omitempty"`
	Attempts  int             `json:"attempts"`
	Result    map[string]any  `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Logs      []string        `json:"logs"`
}

// ActionStats aggregates outcomes per action kind.
type ActionStats struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// RecoveryStatistics is the orchestrator's exported counters.
type RecoveryStatistics struct {
	TotalExecutions      int                         `json:"total_executions"`
	Successful           int                         `json:"successful"`
	Failed               int                         `json:"failed"`
	Skipped              int                         `json:"skipped"`
	SuccessRate          float64                     `json:"success_rate"`
	PerActionKind        map[ActionKind]ActionStats  `json:"per_action_kind"`
	CircuitBreakerStates map[string]BreakerStateView `json:"circuit_breaker_states"`
}

// BreakerStateView is the read-only snapshot of one circuit breaker.
type BreakerStateView struct {
	Target           string        `json:"target"`
	State            string        `json:"state"`
	FailureCount     int           `json:"failure_count"`
	SuccessCount     int           `json:"success_count"`
	FailureThreshold int           `json:"failure_threshold"`
	Timeout          time.Duration `json:"timeout"`
	LastFailureTime  time.Time     `json:"last_failure_time,omitempty"`
}

// RecoveryReport is the JSON document written by ExportReport.
type RecoveryReport struct {
	GeneratedAt time.Time          `json:"generated_at"`
	Statistics  RecoveryStatistics `json:"statistics"`
	Executions  []Execution        `json:"executions"`
}
