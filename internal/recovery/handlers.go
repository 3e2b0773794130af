package recovery

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sentinelops/healthd/internal/models"
)

// ActionHandler performs one kind of recovery action against a target. The
// orchestrator treats handlers as opaque collaborators; how a restart or a
// traffic switch physically happens is the handler's business.
type ActionHandler interface {
	Execute(ctx context.Context, target string, parameters map[string]any) (map[string]any, error)
}

// HandlerFunc adapts a function to ActionHandler.
type HandlerFunc func(ctx context.Context, target string, parameters map[string]any) (map[string]any, error)

// Execute implements ActionHandler.
func (f HandlerFunc) Execute(ctx context.Context, target string, parameters map[string]any) (map[string]any, error) {
	return f(ctx, target, parameters)
}

// SimulatedHandler fakes an action with a fixed latency and failure rate.
// It backs the demo command and lets the engine run without infrastructure.
type SimulatedHandler struct {
	Kind        models.ActionKind
	Latency     time.Duration
	FailureRate float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulatedHandler builds a handler that succeeds (1-failureRate) of the
// time after sleeping latency.
func NewSimulatedHandler(kind models.ActionKind, latency time.Duration, failureRate float64) *SimulatedHandler {
	return &SimulatedHandler{
		Kind:        kind,
		Latency:     latency,
		FailureRate: failureRate,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Execute implements ActionHandler.
func (h *SimulatedHandler) Execute(ctx context.Context, target string, parameters map[string]any) (map[string]any, error) {
	select {
	case <-time.After(h.Latency):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	h.mu.Lock()
	failed := h.rng.Float64() < h.FailureRate
	h.mu.Unlock()

	if failed {
		return nil, fmt.Errorf("simulated %s against %s failed", h.Kind, target)
	}
	return map[string]any{
		"action": string(h.Kind),
		"target": target,
		"note":   "simulated",
	}, nil
}

// SimulatedHandlers returns a full handler set for demo runs: fast cache
// clears, slower restarts, and occasionally failing traffic switches.
func SimulatedHandlers() map[models.ActionKind]ActionHandler {
	handlers := make(map[models.ActionKind]ActionHandler, len(models.KnownActionKinds))
	for _, kind := range models.KnownActionKinds {
		latency := 50 * time.Millisecond
		failureRate := 0.05
		switch kind {
		case models.ActionRestartService, models.ActionRestartPod, models.ActionFailover:
			latency = 2 * time.Second
			failureRate = 0.1
		case models.ActionSwitchTraffic:
			failureRate = 0.2
		}
		handlers[kind] = NewSimulatedHandler(kind, latency, failureRate)
	}
	return handlers
}
