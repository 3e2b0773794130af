package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/sentinelops/healthd/internal/breaker"
	"github.com/sentinelops/healthd/internal/metrics"
	"github.com/sentinelops/healthd/internal/models"
	"github.com/sentinelops/healthd/internal/recent"
)

// HealthSource is the aggregated health view the orchestrator polls.
type HealthSource interface {
	OverallHealth(ctx context.Context) models.SystemHealth
	LastKnown(name string) (models.TargetHealth, bool)
}

// ErrTargetBusy is returned when a procedure is already running against the
// target.
var ErrTargetBusy = errors.New("a recovery procedure is already running for this target")

// reportExecutions caps how many executions an exported report carries.
const reportExecutions = 200

// Options configures the orchestrator.
type Options struct {
	PollInterval time.Duration
	// ActionsPerMinute caps action starts across all targets; zero disables
	// the limiter.
	ActionsPerMinute float64
	// RestartCooldown is the default window for no_recent_restart
	// preconditions that do not set one.
	RestartCooldown   time.Duration
	ExecutionCapacity int
}

// Orchestrator sequences recovery procedures against unhealthy targets.
type Orchestrator struct {
	logger     *slog.Logger
	handlers   map[models.ActionKind]ActionHandler
	procedures []models.Procedure
	breakers   *breaker.Registry
	recent     *recent.Store
	health     HealthSource
	limiter    *rate.Limiter
	opts       Options

	executions *executionLog

	statsMu sync.Mutex
	perKind map[models.ActionKind]*models.ActionStats

	inflightMu sync.Mutex
	inflight   map[string]bool

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	// backoffUnit scales retry backoff (2^attempt * unit); tests shrink it.
	backoffUnit time.Duration
}

// NewOrchestrator validates the procedure catalog against the handler set and
// wires the recovery engine. Unknown action kinds or actions without a
// registered handler fail construction.
func NewOrchestrator(
	logger *slog.Logger,
	handlers map[models.ActionKind]ActionHandler,
	procedures []models.Procedure,
	breakers *breaker.Registry,
	recentActions *recent.Store,
	health HealthSource,
	opts Options,
) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(procedures) == 0 {
		procedures = DefaultProcedures()
	}
	if breakers == nil {
		breakers = breaker.NewRegistry(3, time.Minute)
	}
	if recentActions == nil {
		recentActions = recent.NewStore(time.Hour)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.RestartCooldown <= 0 {
		opts.RestartCooldown = 5 * time.Minute
	}

	for _, procedure := range procedures {
		if procedure.Name == "" {
			return nil, fmt.Errorf("procedure without a name in catalog")
		}
		for _, action := range procedure.Actions {
			if !action.Kind.Valid() {
				return nil, fmt.Errorf("procedure %s: unknown action kind %q", procedure.Name, action.Kind)
			}
			if _, ok := handlers[action.Kind]; !ok {
				return nil, fmt.Errorf("procedure %s: no handler registered for action kind %q", procedure.Name, action.Kind)
			}
		}
	}

	var limiter *rate.Limiter
	if opts.ActionsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.ActionsPerMinute/60.0), 1)
	}

	return &Orchestrator{
		logger:      logger,
		handlers:    handlers,
		procedures:  procedures,
		breakers:    breakers,
		recent:      recentActions,
		health:      health,
		limiter:     limiter,
		opts:        opts,
		executions:  newExecutionLog(opts.ExecutionCapacity),
		perKind:     make(map[models.ActionKind]*models.ActionStats),
		inflight:    make(map[string]bool),
		stopCh:      make(chan struct{}),
		now:         time.Now,
		backoffUnit: time.Second,
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-time.After(d):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}, nil
}

// Breakers exposes the breaker registry for statistics and preconditions.
func (o *Orchestrator) Breakers() *breaker.Registry {
	return o.breakers
}

// ExecuteProcedure runs the named procedure against one target, sequentially
// executing its actions. At most one procedure runs per target at a time;
// concurrent calls for the same target get ErrTargetBusy.
func (o *Orchestrator) ExecuteProcedure(ctx context.Context, name, target string, issues []models.Issue) ([]models.Execution, error) {
	procedure, ok := o.findProcedure(name)
	if !ok {
		return nil, fmt.Errorf("unknown procedure %q", name)
	}

	if !o.acquireTarget(target) {
		return nil, ErrTargetBusy
	}
	defer o.releaseTarget(target)

	o.logger.Info("executing recovery procedure",
		slog.String("procedure", name),
		slog.String("target", target),
		slog.Int("issues", len(issues)))

	executions := make([]models.Execution, 0, len(procedure.Actions))
	for _, action := range procedure.Actions {
		exec := o.executeAction(ctx, action, target)
		executions = append(executions, exec)

		// A failed or timed-out restart halts the rest of the procedure.
		if action.Kind == models.ActionRestartService &&
			(exec.Status == models.ExecutionFailed || exec.Status == models.ExecutionTimeout) {
			o.logger.Warn("procedure halted on restart failure",
				slog.String("procedure", name),
				slog.String("target", target),
				slog.String("status", string(exec.Status)))
			break
		}
	}
	return executions, nil
}

// executeAction runs one action through preconditions, the rate limiter, and
// the retry loop, always producing a terminal execution record.
func (o *Orchestrator) executeAction(ctx context.Context, action models.Action, target string) models.Execution {
	if action.Target != "" {
		target = action.Target
	}
	exec := models.Execution{
		ID:        "exec-" + uuid.NewString(),
		Action:    action,
		Target:    target,
		Status:    models.ExecutionPending,
		StartTime: o.now().UTC(),
		Logs:      []string{},
	}

	if reason, ok := o.preconditionsBlock(action, target); ok {
		exec.Status = models.ExecutionSkipped
		exec.EndTime = o.now().UTC()
		exec.Logs = append(exec.Logs, "skipped: "+reason)
		o.logger.Info("action skipped on precondition",
			slog.String("action", string(action.Kind)),
			slog.String("target", target),
			slog.String("reason", reason))
		o.record(exec)
		return exec
	}

	if o.limiter != nil {
		waitCtx, cancel := context.WithTimeout(context.Background(), o.actionTimeout(action))
		err := o.limiter.Wait(waitCtx)
		cancel()
		if err != nil {
			exec.Status = models.ExecutionTimeout
			exec.EndTime = o.now().UTC()
			exec.Logs = append(exec.Logs, "timed out waiting for the recovery rate limiter")
			o.record(exec)
			return exec
		}
	}

	handler := o.handlers[action.Kind]
	maxRetries := action.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	exec.Status = models.ExecutionInProgress
	for attempt := 1; attempt <= maxRetries; attempt++ {
		exec.Attempts = attempt
		result, err := o.runAttempt(action, handler, target)

		if err == nil {
			exec.Status = models.ExecutionSuccess
			exec.Result = result
			exec.Logs = append(exec.Logs, fmt.Sprintf("attempt %d: success", attempt))
			break
		}

		if isDeadline(err) {
			exec.Status = models.ExecutionTimeout
			exec.Error = err.Error()
			exec.Logs = append(exec.Logs, fmt.Sprintf("attempt %d: timed out after %s", attempt, o.actionTimeout(action)))
			break
		}

		exec.Status = models.ExecutionFailed
		exec.Error = err.Error()
		exec.Logs = append(exec.Logs, fmt.Sprintf("attempt %d: %v", attempt, err))

		// Exponential backoff after every failed attempt: 1s, 2s, 4s, ...
		backoff := time.Duration(1<<(attempt-1)) * o.backoffUnit
		if sleepErr := o.sleep(ctx, backoff); sleepErr != nil {
			exec.Logs = append(exec.Logs, "backoff interrupted: "+sleepErr.Error())
			break
		}
	}

	exec.EndTime = o.now().UTC()
	o.afterAction(action, target, exec)
	o.record(exec)
	return exec
}

// runAttempt invokes the handler once under the action's own deadline. The
// deadline is derived from Background, so cancelling the orchestrator loop
// still lets an in-flight attempt reach a terminal state.
func (o *Orchestrator) runAttempt(action models.Action, handler ActionHandler, target string) (map[string]any, error) {
	attemptCtx, cancel := context.WithTimeout(context.Background(), o.actionTimeout(action))
	defer cancel()

	type outcome struct {
		result map[string]any
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("handler panicked: %v", r)}
			}
		}()
		result, err := handler.Execute(attemptCtx, target, action.Parameters)
		ch <- outcome{result: result, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil && isDeadline(out.err) {
			return nil, context.DeadlineExceeded
		}
		return out.result, out.err
	case <-attemptCtx.Done():
		return nil, context.DeadlineExceeded
	}
}

func isDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// preconditionsBlock evaluates an action's guards; the first failed one
// returns its reason.
func (o *Orchestrator) preconditionsBlock(action models.Action, target string) (string, bool) {
	for _, pre := range action.Preconditions {
		switch pre.Kind {
		case models.PreconditionBreakerClosed:
			if !o.breakers.For(target).CanExecute() {
				return "circuit breaker is open for " + target, true
			}
		case models.PreconditionNoRecentRestart:
			window := pre.Window
			if window <= 0 {
				window = o.opts.RestartCooldown
			}
			if o.recent.Within(target, models.ActionRestartService, window) {
				return fmt.Sprintf("%s was restarted within the last %s", target, window), true
			}
		case models.PreconditionTargetNotInState:
			if o.health == nil {
				continue
			}
			if health, ok := o.health.LastKnown(target); ok && health.Status == pre.State {
				return fmt.Sprintf("%s is currently %s", target, pre.State), true
			}
		default:
			return fmt.Sprintf("unknown precondition %q", pre.Kind), true
		}
	}
	return "", false
}

// afterAction updates breaker, cooldown and metric state from a terminal
// execution.
func (o *Orchestrator) afterAction(action models.Action, target string, exec models.Execution) {
	if action.Kind == models.ActionCircuitBreaker {
		b := o.breakers.For(target)
		if exec.Status == models.ExecutionSuccess {
			b.RecordSuccess()
		} else {
			b.RecordFailure()
		}
		metrics.SetBreakerState(target, b.State().State)
	}

	if exec.Status == models.ExecutionSuccess {
		switch action.Kind {
		case models.ActionRestartService, models.ActionRestartPod:
			o.recent.Mark(target, models.ActionRestartService)
		default:
			o.recent.Mark(target, action.Kind)
		}
	}
}

// record persists the execution and updates counters.
func (o *Orchestrator) record(exec models.Execution) {
	o.executions.append(exec)

	outcome := metrics.OutcomeFailure
	switch exec.Status {
	case models.ExecutionSuccess:
		outcome = metrics.OutcomeSuccess
	case models.ExecutionTimeout:
		outcome = metrics.OutcomeTimeout
	case models.ExecutionSkipped:
		outcome = metrics.OutcomeSkipped
	}
	metrics.ObserveExecution(string(exec.Action.Kind), outcome)

	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	stats := o.perKind[exec.Action.Kind]
	if stats == nil {
		stats = &models.ActionStats{}
		o.perKind[exec.Action.Kind] = stats
	}
	stats.Total++
	switch exec.Status {
	case models.ExecutionSuccess:
		stats.Successful++
	case models.ExecutionSkipped:
		stats.Skipped++
	default:
		stats.Failed++
	}
}

// Run polls aggregated health once per interval and launches matching
// procedures for every high or critical issue, at most once per target and
// procedure per cycle.
func (o *Orchestrator) Run(ctx context.Context) {
	o.wg.Add(1)
	defer o.wg.Done()

	ticker := time.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()

	o.logger.Info("recovery orchestrator started", slog.Duration("interval", o.opts.PollInterval))
	for {
		select {
		case <-ticker.C:
			o.runCycle(ctx)
		case <-ctx.Done():
			o.logger.Info("recovery orchestrator stopping", slog.String("reason", "context cancelled"))
			return
		case <-o.stopCh:
			o.logger.Info("recovery orchestrator stopping", slog.String("reason", "stop requested"))
			return
		}
	}
}

// runCycle matches open issues to procedures and executes them, different
// targets in parallel.
func (o *Orchestrator) runCycle(ctx context.Context) {
	system := o.health.OverallHealth(ctx)

	type launch struct {
		procedure string
		target    string
		issues    []models.Issue
	}
	planned := make(map[string]*launch)

	for _, issue := range system.Issues {
		if issue.Severity.Rank() < models.SeverityHigh.Rank() {
			continue
		}
		procedure, ok := o.match(issue)
		if !ok {
			continue
		}
		for _, target := range issue.AffectedTargets {
			key := procedure.Name + "|" + target
			if entry, exists := planned[key]; exists {
				entry.issues = append(entry.issues, issue)
				continue
			}
			planned[key] = &launch{procedure: procedure.Name, target: target, issues: []models.Issue{issue}}
		}
	}

	var cycle sync.WaitGroup
	for _, entry := range planned {
		cycle.Add(1)
		go func(entry *launch) {
			defer cycle.Done()
			if _, err := o.ExecuteProcedure(ctx, entry.procedure, entry.target, entry.issues); err != nil {
				if err == ErrTargetBusy {
					o.logger.Debug("target busy, skipping procedure",
						slog.String("procedure", entry.procedure),
						slog.String("target", entry.target))
					return
				}
				o.logger.Error("procedure execution failed",
					slog.String("procedure", entry.procedure),
					slog.Any("error", err))
			}
		}(entry)
	}
	cycle.Wait()
}

// match finds the first registered procedure whose condition accepts the
// issue.
func (o *Orchestrator) match(issue models.Issue) (models.Procedure, bool) {
	for _, procedure := range o.procedures {
		if conditionMatches(procedure.Condition, issue) {
			return procedure, true
		}
	}
	return models.Procedure{}, false
}

// Stop halts the run loop and waits for in-flight cycles to finish.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
	o.wg.Wait()
}

// Executions returns the most recent n execution records, oldest first.
func (o *Orchestrator) Executions(n int) []models.Execution {
	return o.executions.last(n)
}

// Statistics summarises execution outcomes and breaker positions.
func (o *Orchestrator) Statistics() models.RecoveryStatistics {
	o.statsMu.Lock()
	perKind := make(map[models.ActionKind]models.ActionStats, len(o.perKind))
	stats := models.RecoveryStatistics{PerActionKind: perKind}
	for kind, s := range o.perKind {
		perKind[kind] = *s
		stats.TotalExecutions += s.Total
		stats.Successful += s.Successful
		stats.Failed += s.Failed
		stats.Skipped += s.Skipped
	}
	o.statsMu.Unlock()

	attempted := stats.TotalExecutions - stats.Skipped
	if attempted > 0 {
		stats.SuccessRate = float64(stats.Successful) / float64(attempted)
	}
	stats.CircuitBreakerStates = o.breakers.States()
	return stats
}

// ExportReport writes recent executions plus statistics as JSON.
func (o *Orchestrator) ExportReport(path string) error {
	report := models.RecoveryReport{
		GeneratedAt: o.now().UTC(),
		Statistics:  o.Statistics(),
		Executions:  o.executions.last(reportExecutions),
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal recovery report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write recovery report: %w", err)
	}
	o.logger.Info("recovery report exported", slog.String("path", path))
	return nil
}

func (o *Orchestrator) findProcedure(name string) (models.Procedure, bool) {
	for _, procedure := range o.procedures {
		if procedure.Name == name {
			return procedure, true
		}
	}
	return models.Procedure{}, false
}

func (o *Orchestrator) acquireTarget(target string) bool {
	o.inflightMu.Lock()
	defer o.inflightMu.Unlock()
	if o.inflight[target] {
		return false
	}
	o.inflight[target] = true
	return true
}

func (o *Orchestrator) releaseTarget(target string) {
	o.inflightMu.Lock()
	delete(o.inflight, target)
	o.inflightMu.Unlock()
}

func (o *Orchestrator) actionTimeout(action models.Action) time.Duration {
	if action.Timeout > 0 {
		return action.Timeout
	}
	return 60 * time.Second
}
