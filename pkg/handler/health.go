package handler

import (
	"net/http"
	"sort"

	"go.uber.org/zap"
)

const (
	healthServing    = "SERVING"
	healthNotServing = "NOT_SERVING"
)

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Liveness reports that the process is up.
func (h *Handler) Liveness(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	h.writeJSON(w, http.StatusOK, healthResponse{Status: healthServing})
}

// Readiness runs the readiness checks and reports NOT_SERVING when any of
// them fails.
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	names := make([]string, 0, len(h.readiness))
	for name := range h.readiness {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := healthResponse{Status: healthServing, Checks: map[string]string{}}
	for _, name := range names {
		if err := h.readiness[name](r.Context()); err != nil {
			h.log.Warn("Readiness check failed", zap.String("check", name), zap.Error(err))
			resp.Status = healthNotServing
			resp.Checks[name] = healthNotServing
			continue
		}
		resp.Checks[name] = healthServing
	}

	status := http.StatusOK
	if resp.Status != healthServing {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, resp)
}
