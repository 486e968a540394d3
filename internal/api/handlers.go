package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hyperengineering/fieldsync/internal/engine"
	"github.com/hyperengineering/fieldsync/internal/syncer"
	"github.com/hyperengineering/fieldsync/internal/types"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// SyncController is the coordinator surface the API exposes. Satisfied by
// *syncer.Coordinator.
type SyncController interface {
	TriggerSync()
	State() syncer.State
	LastSync() (*time.Time, string)
}

// Handler implements the local API handlers.
type Handler struct {
	engine  *engine.Engine
	sync    SyncController
	apiKey  string
	version string
}

// NewHandler creates a new Handler.
func NewHandler(e *engine.Engine, sc SyncController, apiKey, version string) *Handler {
	return &Handler{
		engine:  e,
		sync:    sc,
		apiKey:  apiKey,
		version: version,
	}
}

// healthResponse is the body of GET /api/v1/health.
type healthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Stats   types.EngineStats `json:"stats"`
}

// mutateRequest is the body of POST /api/v1/records and PATCH
// /api/v1/records/{id}.
type mutateRequest struct {
	Fields types.FieldMap `json:"fields"`
	Actor  string         `json:"actor"`
}

// resolveRequest is the body of POST /api/v1/conflicts/resolve.
type resolveRequest struct {
	RecordID    string           `json:"record_id"`
	FieldID     string           `json:"field_id"`
	Resolution  types.Resolution `json:"resolution"`
	ManualValue string           `json:"manual_value,omitempty"`
}

// syncStatusResponse is the body of GET /api/v1/sync/status.
type syncStatusResponse struct {
	State      syncer.State `json:"state"`
	LastSyncAt *time.Time   `json:"last_sync_at,omitempty"`
	LastState  string       `json:"last_state,omitempty"`
}

// Health returns the health status. Unauthenticated.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "healthy",
		Version: h.version,
		Stats:   h.engine.Stats(),
	}
	writeJSON(w, http.StatusOK, resp)
}

// SearchRecords handles GET /api/v1/records.
func (h *Handler) SearchRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filters := types.SearchFilters{
		Name:         q.Get("name"),
		FatherName:   q.Get("father_name"),
		VoterID:      q.Get("voter_id"),
		MobileDigits: q.Get("mobile_digits"),
		HouseNumber:  q.Get("house_number"),
		Locality:     q.Get("locality"),
		Pincode:      q.Get("pincode"),
		Gender:       q.Get("gender"),
	}
	if booth := q.Get("booth_number"); booth != "" {
		n, err := strconv.Atoi(booth)
		if err != nil {
			WriteProblem(w, r, http.StatusBadRequest, "booth_number must be an integer")
			return
		}
		filters.BoothNumber = n
	}

	limit, err := intParam(q.Get("limit"), defaultPageSize)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "limit must be an integer")
		return
	}
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		WriteProblem(w, r, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	writeJSON(w, http.StatusOK, h.engine.Search(filters, limit, offset))
}

// CreateRecord handles POST /api/v1/records.
func (h *Handler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	var req mutateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}

	rec, err := h.engine.CreateRecord(r.Context(), req.Fields, req.Actor)
	if err != nil {
		MapDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// GetRecord handles GET /api/v1/records/{id}.
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.engine.GetRecord(chi.URLParam(r, "id"))
	if err != nil {
		MapDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// UpdateRecord handles PATCH /api/v1/records/{id}.
func (h *Handler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	var req mutateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}

	rec, err := h.engine.UpdateRecord(r.Context(), chi.URLParam(r, "id"), req.Fields, req.Actor)
	if err != nil {
		MapDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// DeleteRecord handles DELETE /api/v1/records/{id}.
func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	actor := r.URL.Query().Get("actor")
	if err := h.engine.DeleteRecord(r.Context(), chi.URLParam(r, "id"), actor); err != nil {
		MapDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RecordConflicts handles GET /api/v1/records/{id}/conflicts.
func (h *Handler) RecordConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts := h.engine.Conflicts(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

// ListConflicts handles GET /api/v1/conflicts.
func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": h.engine.AllConflicts()})
}

// ResolveConflict handles POST /api/v1/conflicts/resolve.
func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}
	switch req.Resolution {
	case types.ResolutionLocal, types.ResolutionServer, types.ResolutionManual:
	default:
		WriteProblem(w, r, http.StatusBadRequest, "resolution must be local, server or manual")
		return
	}

	rec, err := h.engine.ResolveConflict(r.Context(), req.RecordID, req.FieldID, req.Resolution, req.ManualValue)
	if err != nil {
		MapDomainError(w, r, err)
		return
	}

	slog.Info("conflict resolved",
		"component", "api",
		"action", "conflict_resolved",
		"record_id", req.RecordID,
		"field_id", req.FieldID,
		"resolution", req.Resolution,
	)
	writeJSON(w, http.StatusOK, rec)
}

// ListOperations handles GET /api/v1/outbox.
func (h *Handler) ListOperations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"operations": h.engine.Operations()})
}

// RequeueOperation handles POST /api/v1/outbox/{id}/requeue.
func (h *Handler) RequeueOperation(w http.ResponseWriter, r *http.Request) {
	op, err := h.engine.RequeueOperation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		MapDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// DiscardOperation handles DELETE /api/v1/outbox/{id}.
func (h *Handler) DiscardOperation(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DiscardOperation(r.Context(), chi.URLParam(r, "id")); err != nil {
		MapDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TriggerSync handles POST /api/v1/sync. The cycle runs asynchronously.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	h.sync.TriggerSync()
	w.WriteHeader(http.StatusAccepted)
}

// SyncStatus handles GET /api/v1/sync/status.
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	last, state := h.sync.LastSync()
	writeJSON(w, http.StatusOK, syncStatusResponse{
		State:      h.sync.State(),
		LastSyncAt: last,
		LastState:  state,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
