package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/instill-ai/consultation-backend/pkg/pipeline"
	"github.com/instill-ai/consultation-backend/pkg/types"

	errdomain "github.com/instill-ai/consultation-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

// StartPipeline admits a pipeline start request. The stages run
// asynchronously: the response only acknowledges the admission.
func (h *Handler) StartPipeline(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req pipeline.StartRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	resp, err := h.orchestrator.Start(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, resp)
}

// GetConsultation returns the current state of a consultation.
func (h *Handler) GetConsultation(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	ref := types.ConsultationRef{
		TenantID:       pathParams["tenant_id"],
		ConsultationID: pathParams["consultation_id"],
	}
	if err := ref.Validate(); err != nil {
		h.writeError(w, errorsx.AddMessage(err, "Invalid tenant or consultation identifier."))
		return
	}

	c, err := h.consultations.GetConsultation(r.Context(), ref)
	if err != nil {
		h.writeError(w, errorsx.AddMessage(err, fmt.Sprintf("Consultation %s couldn't be loaded.", ref)))
		return
	}

	h.writeJSON(w, http.StatusOK, c)
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodySize))
	defer r.Body.Close()
	if err != nil {
		return nil, errorsx.AddMessage(
			fmt.Errorf("%w: reading body: %v", errdomain.ErrValidation, err),
			"The request body couldn't be read.",
		)
	}
	return body, nil
}

func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := h.readBody(w, r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errorsx.AddMessage(
			fmt.Errorf("%w: decoding body: %v", errdomain.ErrValidation, err),
			"The request body isn't valid JSON.",
		)
	}
	return nil
}
