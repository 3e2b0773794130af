package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sentinelops/healthd/internal/cache"
	"github.com/sentinelops/healthd/internal/models"
	"github.com/sentinelops/healthd/internal/utils"
)

// snapshotCacheKey stores the latest aggregated health view.
const snapshotCacheKey = "healthd:system_health"

// HealthProvider is the slice of the health manager the API reads from.
type HealthProvider interface {
	OverallHealth(ctx context.Context) models.SystemHealth
	LastKnown(name string) (models.TargetHealth, bool)
	History(window time.Duration) []models.HealthHistoryRecord
	Trend() models.Trend
	Targets() []string
}

// RecoveryProvider is the slice of the orchestrator the API reads from.
type RecoveryProvider interface {
	Statistics() models.RecoveryStatistics
	Executions(n int) []models.Execution
}

// Handlers serves the JSON API. Recovery may be nil when the recovery
// subsystem is disabled, and Cache may be nil when snapshot caching is off.
type Handlers struct {
	Health   HealthProvider
	Recovery RecoveryProvider
	Logger   *slog.Logger

	Cache       cache.Provider
	SnapshotTTL time.Duration
}

// Routes wires every endpoint onto a fresh mux.
func (h *Handlers) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /api/v1/health", h.handleOverallHealth)
	mux.HandleFunc("GET /api/v1/health/targets/{name}", h.handleTargetHealth)
	mux.HandleFunc("GET /api/v1/health/history", h.handleHistory)
	mux.HandleFunc("GET /api/v1/recovery/statistics", h.handleRecoveryStatistics)
	mux.HandleFunc("GET /api/v1/recovery/executions", h.handleRecoveryExecutions)
	return mux
}

func (h *Handlers) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleOverallHealth returns the aggregated system view, serving a cached
// snapshot when one is still fresh so request bursts do not re-run every
// probe.
func (h *Handlers) handleOverallHealth(w http.ResponseWriter, r *http.Request) {
	if h.Cache != nil {
		if payload, err := h.Cache.Get(r.Context(), snapshotCacheKey); err == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write(payload)
			return
		}
	}

	system := h.Health.OverallHealth(r.Context())

	if h.Cache != nil {
		if payload, err := json.Marshal(system); err == nil {
			if setErr := h.Cache.Set(r.Context(), snapshotCacheKey, payload, h.SnapshotTTL); setErr != nil {
				h.Logger.Warn("snapshot cache write failed", slog.Any("error", setErr))
			}
		}
	}
	h.writeJSON(w, http.StatusOK, system)
}

// handleTargetHealth returns the last known evaluation for one target.
func (h *Handlers) handleTargetHealth(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	health, ok := h.Health.LastKnown(name)
	if !ok {
		h.writeError(w, http.StatusNotFound, "unknown target "+name)
		return
	}
	h.writeJSON(w, http.StatusOK, health)
}

// handleHistory returns bounded history records. The window can be given
// either as ?since=RFC3339 or ?window=duration; since wins when both are set.
func (h *Handlers) handleHistory(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := utils.ParseRFC3339(since)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid since parameter: "+err.Error())
			return
		}
		window = time.Since(t)
	} else if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid window parameter")
			return
		}
		window = d
	}

	records := h.Health.History(window)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"trend":   h.Health.Trend(),
		"records": records,
	})
}

func (h *Handlers) handleRecoveryStatistics(w http.ResponseWriter, r *http.Request) {
	if h.Recovery == nil {
		h.writeError(w, http.StatusServiceUnavailable, "recovery is disabled")
		return
	}
	h.writeJSON(w, http.StatusOK, h.Recovery.Statistics())
}

func (h *Handlers) handleRecoveryExecutions(w http.ResponseWriter, r *http.Request) {
	if h.Recovery == nil {
		h.writeError(w, http.StatusServiceUnavailable, "recovery is disabled")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid limit parameter")
			return
		}
		limit = n
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"executions": h.Recovery.Executions(limit),
	})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.Logger.Error("write response", slog.Any("error", err))
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}
