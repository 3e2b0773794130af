package recovery

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sentinelops/healthd/internal/models"
)

// conditionMatches reports whether a procedure applies to an issue.
// Zero-valued condition fields match everything.
func conditionMatches(cond models.ProcedureCondition, issue models.Issue) bool {
	if cond.SeverityAtLeast != "" && issue.Severity.Rank() < cond.SeverityAtLeast.Rank() {
		return false
	}
	if cond.Category != "" && issue.Category != cond.Category {
		return false
	}
	if cond.TitleContains != "" && !strings.Contains(strings.ToLower(issue.Title), strings.ToLower(cond.TitleContains)) {
		return false
	}
	return true
}

// DefaultProcedures is the built-in recovery catalog, matched in order.
func DefaultProcedures() []models.Procedure {
	return []models.Procedure{
		{
			Name: "high_cpu_recovery",
			Condition: models.ProcedureCondition{
				SeverityAtLeast: models.SeverityHigh,
				TitleContains:   "cpu",
			},
			Actions: []models.Action{
				{
					ID:         "clear-cache",
					Kind:       models.ActionClearCache,
					MaxRetries: 2,
					Timeout:    30 * time.Second,
				},
				{
					ID:         "restart-service",
					Kind:       models.ActionRestartService,
					MaxRetries: 3,
					Timeout:    60 * time.Second,
					Preconditions: []models.Precondition{
						{Kind: models.PreconditionBreakerClosed},
						{Kind: models.PreconditionNoRecentRestart},
						{Kind: models.PreconditionTargetNotInState, State: models.StatusCritical},
					},
				},
			},
		},
		{
			Name: "database_reconnect",
			Condition: models.ProcedureCondition{
				SeverityAtLeast: models.SeverityCritical,
				Category:        models.CategoryReliability,
				TitleContains:   "database",
			},
			Actions: []models.Action{
				{
					ID:         "trip-breaker",
					Kind:       models.ActionCircuitBreaker,
					MaxRetries: 1,
					Timeout:    10 * time.Second,
				},
				{
					ID:         "restart-service",
					Kind:       models.ActionRestartService,
					MaxRetries: 3,
					Timeout:    60 * time.Second,
					Preconditions: []models.Precondition{
						{Kind: models.PreconditionBreakerClosed},
						{Kind: models.PreconditionNoRecentRestart},
					},
				},
			},
		},
		{
			Name: "high_error_rate_mitigation",
			Condition: models.ProcedureCondition{
				SeverityAtLeast: models.SeverityHigh,
				Category:        models.CategoryReliability,
			},
			Actions: []models.Action{
				{
					ID:         "switch-traffic",
					Kind:       models.ActionSwitchTraffic,
					Parameters: map[string]any{"strategy": "drain"},
					MaxRetries: 2,
					Timeout:    30 * time.Second,
				},
				{
					ID:         "restart-service",
					Kind:       models.ActionRestartService,
					MaxRetries: 3,
					Timeout:    60 * time.Second,
					Preconditions: []models.Precondition{
						{Kind: models.PreconditionBreakerClosed},
						{Kind: models.PreconditionNoRecentRestart},
					},
				},
			},
		},
	}
}

// YAML DTOs: durations are plain seconds in procedure packs so the files stay
// editable without Go duration syntax.

type procedurePackFile struct {
	Procedures []procedureDTO `yaml:"procedures"`
}

type procedureDTO struct {
	Name      string       `yaml:"name"`
	Condition conditionDTO `yaml:"condition"`
	Actions   []actionDTO  `yaml:"actions"`
}

type conditionDTO struct {
	SeverityAtLeast string `yaml:"severity_at_least"`
	Category        string `yaml:"category"`
	TitleContains   string `yaml:"title_contains"`
}

type actionDTO struct {
	ID             string            `yaml:"id"`
	Kind           string            `yaml:"kind"`
	Target         string            `yaml:"target"`
	Parameters     map[string]any    `yaml:"parameters"`
	MaxRetries     int               `yaml:"max_retries"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
	RollbackAction string            `yaml:"rollback_action"`
	Preconditions  []preconditionDTO `yaml:"preconditions"`
}

type preconditionDTO struct {
	Kind          string `yaml:"kind"`
	WindowSeconds int    `yaml:"window_seconds"`
	State         string `yaml:"state"`
}

// LoadProcedurePack reads a procedure catalog from a YAML file. A missing
// file is not an error; packs are optional.
func LoadProcedurePack(path string) ([]models.Procedure, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read procedure pack: %w", err)
	}

	var pack procedurePackFile
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return nil, fmt.Errorf("parse procedure pack: %w", err)
	}

	procedures := make([]models.Procedure, 0, len(pack.Procedures))
	for _, dto := range pack.Procedures {
		procedure, err := dto.toModel()
		if err != nil {
			return nil, fmt.Errorf("procedure pack %s: %w", path, err)
		}
		procedures = append(procedures, procedure)
	}
	return procedures, nil
}

func (d procedureDTO) toModel() (models.Procedure, error) {
	if d.Name == "" {
		return models.Procedure{}, errors.New("procedure name is required")
	}
	if len(d.Actions) == 0 {
		return models.Procedure{}, fmt.Errorf("procedure %s: at least one action is required", d.Name)
	}

	procedure := models.Procedure{
		Name: d.Name,
		Condition: models.ProcedureCondition{
			SeverityAtLeast: models.Severity(d.Condition.SeverityAtLeast),
			Category:        models.Category(d.Condition.Category),
			TitleContains:   d.Condition.TitleContains,
		},
	}

	for _, a := range d.Actions {
		kind := models.ActionKind(a.Kind)
		if !kind.Valid() {
			return models.Procedure{}, fmt.Errorf("procedure %s: unknown action kind %q", d.Name, a.Kind)
		}
		action := models.Action{
			ID:             a.ID,
			Kind:           kind,
			Target:         a.Target,
			Parameters:     a.Parameters,
			MaxRetries:     a.MaxRetries,
			Timeout:        time.Duration(a.TimeoutSeconds) * time.Second,
			RollbackAction: a.RollbackAction,
		}
		for _, p := range a.Preconditions {
			action.Preconditions = append(action.Preconditions, models.Precondition{
				Kind:   models.PreconditionKind(p.Kind),
				Window: time.Duration(p.WindowSeconds) * time.Second,
				State:  models.HealthStatus(p.State),
			})
		}
		procedure.Actions = append(procedure.Actions, action)
	}
	return procedure, nil
}
