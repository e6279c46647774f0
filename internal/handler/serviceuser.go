package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/serviceuser/internal/model"
	"github.com/sakif/serviceuser/internal/service"
)

// ServiceUsers is the administrative service. *service.ServiceUserService
// implements it.
type ServiceUsers interface {
	Register(ctx context.Context, req service.RegisterRequest) (*model.ServiceUser, error)
	SetOwner(ctx context.Context, username, groupRef string) (*model.ServiceUser, error)
	Remove(ctx context.Context, username string) error
	Get(ctx context.Context, username string) (*model.ServiceUser, error)
	List(ctx context.Context) []model.ServiceUser
}

type ServiceUserHandler struct {
	svc    ServiceUsers
	logger *slog.Logger
}

func NewServiceUserHandler(svc ServiceUsers, logger *slog.Logger) *ServiceUserHandler {
	return &ServiceUserHandler{svc: svc, logger: logger}
}

// RegisterRequest is the body of POST /api/serviceusers.
type RegisterRequest struct {
	Username  string `json:"username"`
	CreatorID int64  `json:"creatorId"`
	Owner     string `json:"owner,omitempty"`
}

// SetOwnerRequest is the body of PUT /api/serviceusers/{username}/owner.
// An empty owner clears it.
type SetOwnerRequest struct {
	Owner string `json:"owner"`
}

func (h *ServiceUserHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.List(r.Context()))
}

func (h *ServiceUserHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	u, err := h.svc.Get(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *ServiceUserHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	u, err := h.svc.Register(r.Context(), service.RegisterRequest{
		Username:  req.Username,
		CreatorID: req.CreatorID,
		Owner:     req.Owner,
	})
	if err != nil {
		h.logger.Warn("service user registration failed",
			slog.String("username", req.Username),
			slog.String("error", err.Error()),
		)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (h *ServiceUserHandler) HandleSetOwner(w http.ResponseWriter, r *http.Request) {
	var req SetOwnerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	u, err := h.svc.SetOwner(r.Context(), chi.URLParam(r, "username"), req.Owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *ServiceUserHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Remove(r.Context(), chi.URLParam(r, "username")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
