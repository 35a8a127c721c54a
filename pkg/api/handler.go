// Package api exposes the administrative surface: worker association
// changes, control commands, strategy cache flushes and resolved-config
// inspection. These operations are out-of-band and set-oriented, so
// responses carry per-entity results rather than a single pass/fail.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/tokenworks/token-processor/pkg/scheduler"
	"github.com/tokenworks/token-processor/pkg/scheduler/assoc"
	"github.com/tokenworks/token-processor/pkg/scheduler/command"
	"github.com/tokenworks/token-processor/pkg/strategy"
)

const maxProcessIDs = 1000

type Handler struct {
	log           logrus.FieldLogger
	manager       *scheduler.Manager
	strategyCache *strategy.TwoTier
}

func NewHandler(log logrus.FieldLogger, manager *scheduler.Manager, strategyCache *strategy.TwoTier) *Handler {
	return &Handler{
		log:           log.WithField("component", "api"),
		manager:       manager,
		strategyCache: strategyCache,
	}
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/v1/tenants/{tenant_id}/associations", h.listAssociations).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/tenants/{tenant_id}/associations", h.associate).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/tenants/{tenant_id}/associations", h.deassociate).Methods(http.MethodDelete)
	router.HandleFunc("/api/v1/tenants/{tenant_id}/config", h.resolveConfig).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/tenants/{tenant_id}/workers/{process_id}/commands", h.dispatchCommand).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/strategies/cache", h.flushStrategyCache).Methods(http.MethodDelete)
}

type AssociationRequest struct {
	ProcessIDs []int64 `json:"process_ids"`
}

type AssociationResponse struct {
	Status   string  `json:"status"`
	TenantID int64   `json:"tenant_id"`
	Created  []int64 `json:"created,omitempty"`
	Updated  []int64 `json:"updated,omitempty"`
	Removed  []int64 `json:"removed,omitempty"`
}

type CommandRequest struct {
	Kind    string `json:"kind"`
	Payload string `json:"payload,omitempty"`
}

type ErrorResponse struct {
	Error    string `json:"error"`
	TenantID int64  `json:"tenant_id,omitempty"`
}

func (h *Handler) listAssociations(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantID(w, r)
	if !ok {
		return
	}

	processes, err := h.manager.Associator().EligibleProcesses(r.Context(), tenantID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error(), tenantID)

		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id":   tenantID,
		"process_ids": processes,
	})
}

func (h *Handler) associate(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantID(w, r)
	if !ok {
		return
	}

	processIDs, ok := h.processIDs(w, r, tenantID)
	if !ok {
		return
	}

	result, err := h.manager.Associator().Associate(r.Context(), tenantID, processIDs)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, assoc.ErrConflict) {
			status = http.StatusConflict
		}

		h.writeError(w, status, err.Error(), tenantID)

		return
	}

	h.writeJSON(w, http.StatusOK, AssociationResponse{
		Status:   "associated",
		TenantID: result.TenantID,
		Created:  result.Created,
		Updated:  result.Updated,
	})
}

func (h *Handler) deassociate(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantID(w, r)
	if !ok {
		return
	}

	processIDs, ok := h.processIDs(w, r, tenantID)
	if !ok {
		return
	}

	result, err := h.manager.Associator().Deassociate(r.Context(), tenantID, processIDs)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, assoc.ErrNotBound) {
			status = http.StatusNotFound
		}

		h.writeError(w, status, err.Error(), tenantID)

		return
	}

	h.writeJSON(w, http.StatusOK, AssociationResponse{
		Status:   "deassociated",
		TenantID: result.TenantID,
		Removed:  result.Removed,
	})
}

func (h *Handler) resolveConfig(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantID(w, r)
	if !ok {
		return
	}

	resolved, err := h.manager.Resolver().Resolve(r.Context(), tenantID)
	if err != nil {
		status := http.StatusInternalServerError

		switch {
		case errors.Is(err, strategy.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, strategy.ErrUpstream):
			status = http.StatusBadGateway
		}

		h.writeError(w, status, err.Error(), tenantID)

		return
	}

	h.writeJSON(w, http.StatusOK, resolved)
}

func (h *Handler) dispatchCommand(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantID(w, r)
	if !ok {
		return
	}

	processID, err := strconv.ParseInt(mux.Vars(r)["process_id"], 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid process id", tenantID)

		return
	}

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", tenantID)

		return
	}

	if err := h.manager.Dispatch(r.Context(), &command.Message{
		Kind:      req.Kind,
		TenantID:  tenantID,
		ProcessID: processID,
		Payload:   req.Payload,
	}); err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, err.Error(), tenantID)

		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]any{
		"status":     "dispatched",
		"tenant_id":  tenantID,
		"process_id": processID,
		"kind":       req.Kind,
	})
}

func (h *Handler) flushStrategyCache(w http.ResponseWriter, r *http.Request) {
	if err := h.strategyCache.Flush(r.Context()); err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error(), 0)

		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "flushed"})
}

func (h *Handler) tenantID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	tenantID, err := strconv.ParseInt(mux.Vars(r)["tenant_id"], 10, 64)
	if err != nil || tenantID <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid tenant id", 0)

		return 0, false
	}

	return tenantID, true
}

func (h *Handler) processIDs(w http.ResponseWriter, r *http.Request, tenantID int64) ([]int64, bool) {
	var req AssociationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", tenantID)

		return nil, false
	}

	if len(req.ProcessIDs) == 0 {
		h.writeError(w, http.StatusBadRequest, "no process ids provided", tenantID)

		return nil, false
	}

	if len(req.ProcessIDs) > maxProcessIDs {
		h.writeError(w, http.StatusRequestEntityTooLarge, "too many process ids", tenantID)

		return nil, false
	}

	return req.ProcessIDs, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.WithError(err).Error("failed to encode response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string, tenantID int64) {
	resp := ErrorResponse{Error: message}
	if tenantID > 0 {
		resp.TenantID = tenantID
	}

	h.writeJSON(w, status, resp)
}
