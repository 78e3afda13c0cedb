package handler

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/instill-ai/consultation-backend/pkg/events"

	errdomain "github.com/instill-ai/consultation-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

type intakeResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id"`
}

// IngestIntakeNotification receives the bucket notifications of the intake
// bucket. The object storage webhook points to this endpoint. Notifications
// are validated, then enqueued on the intake stream; the ingestion itself
// happens in the worker.
func (h *Handler) IngestIntakeNotification(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	body, err := h.readBody(w, r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	ev, err := events.Decode(body)
	if err != nil {
		h.writeError(w, errorsx.AddMessage(err, "The intake notification is malformed."))
		return
	}
	n, ok := ev.(events.IntakeNotification)
	if !ok {
		h.writeError(w, errorsx.AddMessage(
			fmt.Errorf("%w: %T isn't an intake notification", errdomain.ErrValidation, ev),
			"The payload isn't an intake notification.",
		))
		return
	}

	id, err := h.streams.Append(r.Context(), h.intakeStream, body)
	if err != nil {
		h.writeError(w, errorsx.AddMessage(err, "The intake notification couldn't be queued. Please try again."))
		return
	}

	h.log.Info("Intake notification queued", zap.String("messageID", id), zap.Int("recordCount", len(n.Records)))
	h.writeJSON(w, http.StatusAccepted, intakeResponse{Status: "accepted", MessageID: id})
}
