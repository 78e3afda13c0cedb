// Package handler exposes the HTTP API of the consultation pipeline on a
// gateway mux.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"go.uber.org/zap"

	"github.com/instill-ai/consultation-backend/pkg/events"
	"github.com/instill-ai/consultation-backend/pkg/middleware"
	"github.com/instill-ai/consultation-backend/pkg/pipeline"
	"github.com/instill-ai/consultation-backend/pkg/repository"
	"github.com/instill-ai/consultation-backend/pkg/types"

	errdomain "github.com/instill-ai/consultation-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

const defaultMaxBodySize = 1 << 20

// Starter admits pipeline start requests.
type Starter interface {
	Start(ctx context.Context, req pipeline.StartRequest) (*pipeline.StartResponse, error)
}

// ConsultationReader reads the status of consultations.
type ConsultationReader interface {
	GetConsultation(ctx context.Context, ref types.ConsultationRef) (*repository.ConsultationModel, error)
}

// ReadinessCheck reports whether a dependency can serve requests.
type ReadinessCheck func(ctx context.Context) error

// Config holds the collaborators of the handler.
type Config struct {
	Orchestrator  Starter
	Consultations ConsultationReader
	Streams       events.StreamWriter
	IntakeStream  string
	// Readiness checks run on every readiness probe, by name.
	Readiness   map[string]ReadinessCheck
	MaxBodySize int64
}

// Handler serves the HTTP routes.
type Handler struct {
	orchestrator  Starter
	consultations ConsultationReader
	streams       events.StreamWriter
	intakeStream  string
	readiness     map[string]ReadinessCheck
	maxBodySize   int64
	log           *zap.Logger
}

// New returns a handler.
func New(cfg Config, log *zap.Logger) *Handler {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	return &Handler{
		orchestrator:  cfg.Orchestrator,
		consultations: cfg.Consultations,
		streams:       cfg.Streams,
		intakeStream:  cfg.IntakeStream,
		readiness:     cfg.Readiness,
		maxBodySize:   cfg.MaxBodySize,
		log:           log,
	}
}

// Register adds the routes to mux.
func (h *Handler) Register(mux *runtime.ServeMux) error {
	routes := []struct {
		method, path string
		handle       runtime.HandlerFunc
	}{
		{http.MethodPost, "/v1/pipelines", h.StartPipeline},
		{http.MethodGet, "/v1/tenants/{tenant_id}/consultations/{consultation_id}", h.GetConsultation},
		{http.MethodPost, "/v1/intake-notifications", h.IngestIntakeNotification},
		{http.MethodGet, "/v1/health/liveness", h.Liveness},
		{http.MethodGet, "/v1/health/readiness", h.Readiness},
	}

	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.path, middleware.WithRequestContext(h.log, r.handle)); err != nil {
			return err
		}
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Warn("Couldn't write response", zap.Error(err))
	}
}

// writeError responds with the end-user message of err and the status code
// matching its class.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("Request failed", zap.Int("status", status), zap.Error(err))
	}
	h.writeJSON(w, status, errorResponse{Error: errorsx.MessageOrErr(err)})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, errdomain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, errdomain.ErrNotFound):
		return http.StatusNotFound
	case errdomain.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
