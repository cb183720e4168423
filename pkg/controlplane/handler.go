// Package controlplane wires the internal, token-authenticated HTTP
// control surface onto the revision/IPAM/outbox/node engines. It exists
// because those engines have no other caller in this repository — the
// admin CRUD surface, Telegram bot and client-config export are
// out-of-scope external collaborators, but the core still needs a way to
// be driven and observed. Grounded in handler shape on
// wisbric-nightowl/pkg/alert/handler.go.
package controlplane

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tracegate/tracegate/internal/db"
	"github.com/tracegate/tracegate/internal/httpserver"
	"github.com/tracegate/tracegate/pkg/ipam"
	"github.com/tracegate/tracegate/pkg/node"
	"github.com/tracegate/tracegate/pkg/revision"
)

// EventStore is the narrow read surface the event-status endpoint needs.
type EventStore interface {
	GetEvent(ctx context.Context, id uuid.UUID) (db.OutboxEvent, error)
	ListDeliveriesForEvent(ctx context.Context, eventID uuid.UUID) ([]db.OutboxDelivery, error)
}

// Handler provides HTTP handlers for the internal control surface.
type Handler struct {
	logger   *slog.Logger
	ipam     *ipam.Engine
	revision *revision.Engine
	node     *node.Engine
	events   EventStore
}

// NewHandler creates a Handler over the core engines.
func NewHandler(logger *slog.Logger, ipamEngine *ipam.Engine, revisionEngine *revision.Engine, nodeEngine *node.Engine, events EventStore) *Handler {
	return &Handler{logger: logger, ipam: ipamEngine, revision: revisionEngine, node: nodeEngine, events: events}
}

// Mount attaches every control-surface route onto r.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/ipam/pools", h.handleEnsurePool)
	r.Post("/nodes", h.handleRegisterNode)
	r.Post("/connections/{id}/revisions", h.handleCreateRevision)
	r.Post("/revisions/{id}/activate", h.handleActivateRevision)
	r.Post("/revisions/{id}/revoke", h.handleRevokeRevision)
	r.Get("/outbox/events/{id}", h.handleGetEvent)
}

type ensurePoolRequest struct {
	CIDR              string `json:"cidr" validate:"required"`
	Gateway           string `json:"gateway" validate:"required"`
	QuarantineSeconds int    `json:"quarantine_seconds" validate:"gte=0"`
}

func (h *Handler) handleEnsurePool(w http.ResponseWriter, r *http.Request) {
	var req ensurePoolRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	pool, err := h.ipam.EnsurePoolExists(r.Context(), req.CIDR, req.Gateway, req.QuarantineSeconds)
	if err != nil {
		h.logger.Error("ensuring ipam pool", "error", err, "cidr", req.CIDR)
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	httpserver.Respond(w, http.StatusOK, pool)
}

type registerNodeRequest struct {
	Role      db.NodeRole `json:"role" validate:"required,oneof=VPS_T VPS_E"`
	BaseURL   string      `json:"base_url" validate:"required,url"`
	PublicIP  string      `json:"public_ip"`
	FQDN      *string     `json:"fqdn"`
	ProxyFQDN *string     `json:"proxy_fqdn"`
}

func (h *Handler) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req registerNodeRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	n, err := h.node.Register(r.Context(), node.RegisterInput{
		Role:      req.Role,
		BaseURL:   req.BaseURL,
		PublicIP:  req.PublicIP,
		FQDN:      req.FQDN,
		ProxyFQDN: req.ProxyFQDN,
	})
	if err != nil {
		h.logger.Error("registering node", "error", err)
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	httpserver.Respond(w, http.StatusCreated, n)
}

type createRevisionRequest struct {
	CamouflageSNIID *uuid.UUID `json:"camouflage_sni_id"`
	Force           bool       `json:"force"`
}

func (h *Handler) handleCreateRevision(w http.ResponseWriter, r *http.Request) {
	connectionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid connection id")
		return
	}

	var req createRevisionRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	rev, err := h.revision.CreateRevision(r.Context(), connectionID, req.CamouflageSNIID, req.Force)
	if err != nil {
		h.respondRevisionError(w, err)
		return
	}

	httpserver.Respond(w, http.StatusCreated, rev)
}

func (h *Handler) handleActivateRevision(w http.ResponseWriter, r *http.Request) {
	revisionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid revision id")
		return
	}

	rev, err := h.revision.ActivateRevision(r.Context(), revisionID)
	if err != nil {
		h.respondRevisionError(w, err)
		return
	}

	httpserver.Respond(w, http.StatusOK, rev)
}

func (h *Handler) handleRevokeRevision(w http.ResponseWriter, r *http.Request) {
	revisionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid revision id")
		return
	}

	rev, err := h.revision.RevokeRevision(r.Context(), revisionID)
	if err != nil {
		h.respondRevisionError(w, err)
		return
	}

	httpserver.Respond(w, http.StatusOK, rev)
}

type eventStatusResponse struct {
	Event      db.OutboxEvent      `json:"event"`
	Deliveries []db.OutboxDelivery `json:"deliveries"`
}

func (h *Handler) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	eventID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid event id")
		return
	}

	event, err := h.events.GetEvent(r.Context(), eventID)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "event not found")
		return
	}

	deliveries, err := h.events.ListDeliveriesForEvent(r.Context(), eventID)
	if err != nil {
		h.logger.Error("listing deliveries for event", "error", err, "event_id", eventID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list deliveries")
		return
	}

	httpserver.Respond(w, http.StatusOK, eventStatusResponse{Event: event, Deliveries: deliveries})
}

// respondRevisionError maps the revision engine's typed errors onto HTTP
// status codes: grace-period and validation failures are client errors,
// anything else is internal.
func (h *Handler) respondRevisionError(w http.ResponseWriter, err error) {
	var graceErr *revision.GraceError
	var overrideErr *revision.OverrideValidationError
	var revisionErr *revision.RevisionError

	switch {
	case errors.As(err, &graceErr):
		httpserver.RespondError(w, http.StatusConflict, "grace_period", err.Error())
	case errors.As(err, &overrideErr):
		httpserver.RespondError(w, http.StatusUnprocessableEntity, "invalid_overrides", err.Error())
	case errors.As(err, &revisionErr):
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
	default:
		h.logger.Error("revision engine error", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "revision operation failed")
	}
}
