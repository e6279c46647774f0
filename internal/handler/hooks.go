package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/sakif/serviceuser/internal/event"
	"github.com/sakif/serviceuser/internal/model"
)

// Publisher accepts ref updates. *event.Bus implements it.
type Publisher interface {
	Publish(ctx context.Context, ev model.RefUpdate)
}

// PushValidator decides whether a ref update may be accepted.
// *service.CommitValidator implements it.
type PushValidator interface {
	ValidatePush(ctx context.Context, ev model.RefUpdate) error
}

// HookHandler receives ref update notifications from the hosting platform
// and from peer instances.
type HookHandler struct {
	bus       Publisher
	validator PushValidator
	logger    *slog.Logger
}

func NewHookHandler(bus Publisher, validator PushValidator, logger *slog.Logger) *HookHandler {
	return &HookHandler{bus: bus, validator: validator, logger: logger}
}

// HandleRefUpdated publishes the notification on the local bus.
// POST /hooks/ref-updated
func (h *HookHandler) HandleRefUpdated(w http.ResponseWriter, r *http.Request) {
	var n event.Notification
	if err := decodeJSON(r, &n); err != nil {
		writeError(w, err)
		return
	}
	ev, err := n.RefUpdate()
	if err != nil {
		writeError(w, err)
		return
	}

	// listeners may run after the client has gone away
	h.bus.Publish(context.WithoutCancel(r.Context()), ev)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// ValidateResponse is the body of a successful validation.
type ValidateResponse struct {
	Accepted bool `json:"accepted"`
}

// HandleValidate runs the commit policy over a proposed ref update.
// POST /hooks/validate
//
// 200 accepts; 403 rejects on policy; 500 rejects on internal error.
func (h *HookHandler) HandleValidate(w http.ResponseWriter, r *http.Request) {
	var n event.Notification
	if err := decodeJSON(r, &n); err != nil {
		writeError(w, err)
		return
	}
	ev, err := n.RefUpdate()
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.validator.ValidatePush(r.Context(), ev); err != nil {
		h.logger.Info("push rejected",
			slog.String("project", ev.Project),
			slog.String("ref", ev.RefName),
			slog.String("reason", err.Error()),
		)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ValidateResponse{Accepted: true})
}

// HandleHealth reports liveness.
// GET /healthz
func HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
