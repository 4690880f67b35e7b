package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/iac-studio/portal/internal/api/types"
	"github.com/iac-studio/portal/pkg/logger"
)

// Pinger checks one backing dependency.
type Pinger func(ctx context.Context) error

type HealthHandler struct {
	checks  map[string]Pinger
	timeout time.Duration
}

// NewHealthHandler builds the probes; checks are keyed by dependency name
// ("database", "redis").
func NewHealthHandler(checks map[string]Pinger) *HealthHandler {
	return &HealthHandler{checks: checks, timeout: 2 * time.Second}
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	ok(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readiness answers 503 when any dependency is unreachable.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	deps := make(map[string]string, len(h.checks))
	ready := true
	for name, ping := range h.checks {
		if err := ping(ctx); err != nil {
			logger.L().Warn("readiness check failed", zap.String("dependency", name), zap.Error(err))
			deps[name] = "unavailable"
			ready = false
			continue
		}
		deps[name] = "ok"
	}

	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, types.APIResponse{
			Success: false,
			Data:    map[string]any{"status": "not_ready", "dependencies": deps},
			Error:   &types.APIError{Code: "unavailable", Message: "dependencies unavailable"},
		})
		return
	}
	ok(w, http.StatusOK, map[string]any{"status": "ready", "dependencies": deps})
}
