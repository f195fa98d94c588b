package httptransport

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"regionsync/internal/changelog"
	"regionsync/internal/conflict"
	"regionsync/internal/crypto"
	"regionsync/internal/partition"
	"regionsync/internal/replication"
)

// Handler is the thin ops HTTP layer: inbound mutation events, read-side
// status views, and operator triggers. It delegates to engine components
// without embedding engine logic.
type Handler struct {
	log       changelog.Store
	conflicts conflict.Store
	status    replication.StatusStore
	manager   *crypto.Manager
	router    *partition.Router
	stores    map[string]*partition.Store
	configs   []replication.Config
	logger    *zap.Logger
}

func NewHandler(
	log changelog.Store,
	conflicts conflict.Store,
	status replication.StatusStore,
	manager *crypto.Manager,
	router *partition.Router,
	stores map[string]*partition.Store,
	configs []replication.Config,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		log:       log,
		conflicts: conflicts,
		status:    status,
		manager:   manager,
		router:    router,
		stores:    stores,
		configs:   configs,
		logger:    logger,
	}
}

type mutationRequest struct {
	Table     string         `json:"table"`
	EntityID  string         `json:"entity_id"`
	Operation string         `json:"operation"`
	OldValue  map[string]any `json:"old_value"`
	NewValue  map[string]any `json:"new_value"`
	Actor     string         `json:"actor"`
	Region    string         `json:"region"`
}

// handleAppendChange accepts one inbound mutation event from an out-of-process
// producer and captures it in the change log.
func (h *Handler) handleAppendChange(w http.ResponseWriter, r *http.Request) {
	var req mutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	record, err := h.log.Append(r.Context(), changelog.Entry{
		EntityTable:  req.Table,
		EntityID:     req.EntityID,
		Operation:    changelog.Operation(req.Operation),
		OldValue:     req.OldValue,
		NewValue:     req.NewValue,
		ChangedBy:    req.Actor,
		SourceRegion: req.Region,
	})
	if err != nil {
		h.logger.Warn("append change rejected", zap.Error(err))
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]any{
		"sequence":       record.Sequence,
		"transaction_id": record.TransactionID,
		"changed_at":     record.ChangedAt.Format(time.RFC3339Nano),
	})
}

type statusView struct {
	ConfigID      string `json:"config_id"`
	LastSyncTime  string `json:"last_sync_time"`
	LagSeconds    int64  `json:"lag_seconds"`
	RecordsSynced int    `json:"records_synced"`
	SyncState     string `json:"sync_state"`
	Health        string `json:"health"`
	ErrorMessage  string `json:"error_message,omitempty"`
}

// handleReplicationStatus exposes the latest ReplicationStatus per config.
func (h *Handler) handleReplicationStatus(w http.ResponseWriter, r *http.Request) {
	views := make([]statusView, 0, len(h.configs))
	for _, cfg := range h.configs {
		latest, err := h.status.Latest(r.Context(), cfg.ID)
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if latest == nil {
			views = append(views, statusView{ConfigID: cfg.ID, SyncState: "IDLE"})
			continue
		}
		views = append(views, statusView{
			ConfigID:      latest.ConfigID,
			LastSyncTime:  latest.LastSyncTime.Format(time.RFC3339),
			LagSeconds:    int64(latest.Lag.Seconds()),
			RecordsSynced: latest.RecordsSynced,
			SyncState:     string(latest.SyncState),
			Health:        string(replication.ClassifyLag(latest.Lag)),
			ErrorMessage:  latest.ErrorMessage,
		})
	}
	h.writeJSON(w, http.StatusOK, views)
}

// handleConflicts exposes the operator review queue, most recent first.
func (h *Handler) handleConflicts(w http.ResponseWriter, r *http.Request) {
	table := r.URL.Query().Get("table")
	limit := queryInt(r, "limit", 100)

	records, err := h.conflicts.List(r.Context(), table, limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, records)
}

// handleRotationJobs lists key rotation jobs.
func (h *Handler) handleRotationJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.manager.Jobs(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, jobs)
}

type rotateRequest struct {
	Purpose string `json:"purpose"`
	Reason  string `json:"reason"`
}

// handleRotate starts an operator-requested rotation and runs its migration
// in the background.
func (h *Handler) handleRotate(w http.ResponseWriter, r *http.Request) {
	var req rotateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Purpose == "" {
		h.writeError(w, http.StatusBadRequest, "purpose is required")
		return
	}

	job, err := h.manager.Rotate(r.Context(), req.Purpose, req.Reason)
	if err != nil {
		h.writeError(w, http.StatusConflict, err.Error())
		return
	}
	go func() {
		if err := h.manager.Process(context.Background(), job.ID); err != nil {
			h.logger.Error("rotation processing failed",
				zap.String("job_id", job.ID.String()),
				zap.Error(err),
			)
		}
	}()
	h.writeJSON(w, http.StatusAccepted, job)
}

// handleRollback reverses a failed or abandoned rotation.
func (h *Handler) handleRollback(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	if err := h.manager.Rollback(r.Context(), jobID); err != nil {
		h.writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type partitionView struct {
	Name        string `json:"name"`
	KeyType     string `json:"key_type"`
	From        string `json:"from,omitempty"`
	To          string `json:"to,omitempty"`
	Region      string `json:"region,omitempty"`
	RecordCount int64  `json:"record_count"`
	Active      bool   `json:"active"`
}

// handlePartitions exposes partition metadata with live record counts.
func (h *Handler) handlePartitions(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	descriptors := h.router.Descriptors(table)
	if len(descriptors) == 0 {
		h.writeError(w, http.StatusNotFound, "unknown table")
		return
	}

	counts := make(map[string]int64)
	for _, store := range h.stores {
		for name, n := range store.CountByPartition(table) {
			counts[name] += n
		}
	}

	views := make([]partitionView, 0, len(descriptors))
	for _, d := range descriptors {
		view := partitionView{
			Name:        d.Name,
			KeyType:     string(d.KeyType),
			Region:      d.Region,
			RecordCount: counts[d.Name],
			Active:      d.Active,
		}
		if d.KeyType == partition.RangeKey || d.KeyType == partition.CompositeKey {
			view.From = d.From.Format(time.DateOnly)
			view.To = d.To.Format(time.DateOnly)
		}
		views = append(views, view)
	}
	h.writeJSON(w, http.StatusOK, views)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("write response failed", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
