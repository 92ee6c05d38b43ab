package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bobarin/beatsync/internal/db"
	"github.com/bobarin/beatsync/internal/models"
	"github.com/bobarin/beatsync/internal/pipeline"
)

// RunStore is the run persistence the handlers need.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error)
	ListRuns(ctx context.Context, status string, limit, offset int) ([]models.Run, error)
	CountRuns(ctx context.Context, status string) (int, error)
	ListShotOutcomes(ctx context.Context, runID uuid.UUID) ([]models.ShotOutcomeRecord, error)
}

type StageQueue interface {
	EnqueueStage(ctx context.Context, stage models.RunStage, runID uuid.UUID) error
}

type CapabilityReader interface {
	Load(engineRoot string) models.CapabilityState
}

type Handler struct {
	db           RunStore
	queue        StageQueue
	capabilities CapabilityReader
	workDir      string
	engineRoot   string
}

func NewHandler(store RunStore, q StageQueue, caps CapabilityReader, workDir, engineRoot string) *Handler {
	return &Handler{
		db:           store,
		queue:        q,
		capabilities: caps,
		workDir:      workDir,
		engineRoot:   engineRoot,
	}
}

// CreateRun handles POST /v1/runs
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req models.CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if strings.TrimSpace(req.AudioPath) == "" {
		respondError(w, http.StatusBadRequest, "audio_path is required")
		return
	}
	if strings.TrimSpace(req.Theme) == "" {
		respondError(w, http.StatusBadRequest, "theme is required")
		return
	}
	if req.TargetShotSeconds != nil && *req.TargetShotSeconds <= 0 {
		respondError(w, http.StatusBadRequest, "target_shot_seconds must be positive")
		return
	}

	options := models.JSONB{}
	if req.StylePreset != nil {
		options["style_preset"] = *req.StylePreset
	}
	if req.TargetShotSeconds != nil {
		options["target_shot_seconds"] = *req.TargetShotSeconds
	}
	if req.Brand != nil {
		options["brand"] = *req.Brand
	}
	if req.AllowGaps != nil {
		options["allow_gaps"] = *req.AllowGaps
	}

	id := uuid.New()
	run := &models.Run{
		ID:        id,
		AudioPath: req.AudioPath,
		Theme:     strings.TrimSpace(req.Theme),
		Stage:     models.StageAnalyze,
		Status:    models.RunStatusQueued,
		Options:   options,
		WorkDir:   filepath.Join(h.workDir, id.String()),
	}

	if err := h.db.CreateRun(r.Context(), run); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to create run")
		return
	}

	if err := h.queue.EnqueueStage(r.Context(), models.StageAnalyze, run.ID); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to enqueue run")
		return
	}

	respondJSON(w, http.StatusCreated, models.CreateRunResponse{
		RunID:  run.ID,
		Status: run.Status,
	})
}

// ListRuns handles GET /v1/runs
// Query params:
//   - status: queued, running, completed or failed
//   - limit:  max results per page (default 20, max 100)
//   - offset: number of results to skip (default 0)
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	statusFilter := r.URL.Query().Get("status")
	if statusFilter != "" {
		switch models.RunStatus(statusFilter) {
		case models.RunStatusQueued, models.RunStatusRunning,
			models.RunStatusCompleted, models.RunStatusFailed:
		default:
			respondError(w, http.StatusBadRequest, "Invalid status filter. Allowed: queued, running, completed, failed")
			return
		}
	}

	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > 100 {
		limit = 100
	}

	offset := 0
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	total, err := h.db.CountRuns(r.Context(), statusFilter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to count runs")
		return
	}

	runs, err := h.db.ListRuns(r.Context(), statusFilter, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to list runs")
		return
	}
	if runs == nil {
		runs = []models.Run{}
	}

	respondJSON(w, http.StatusOK, models.ListRunsResponse{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// GetRun handles GET /v1/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.loadRun(w, r)
	if !ok {
		return
	}

	shots, err := h.db.ListShotOutcomes(r.Context(), run.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get shot outcomes")
		return
	}
	if shots == nil {
		shots = []models.ShotOutcomeRecord{}
	}

	respondJSON(w, http.StatusOK, models.RunResponse{Run: *run, Shots: shots})
}

// GetRunReport handles GET /v1/runs/{id}/report
func (h *Handler) GetRunReport(w http.ResponseWriter, r *http.Request) {
	run, ok := h.loadRun(w, r)
	if !ok {
		return
	}

	report, err := pipeline.ReportFromDir(run.WorkDir)
	if err != nil {
		respondError(w, http.StatusNotFound, "Report not available yet")
		return
	}

	respondJSON(w, http.StatusOK, report)
}

// GetCapabilities handles GET /v1/capabilities
// Query params:
//   - root: engine root (defaults to the server's ENGINE_ROOT)
func (h *Handler) GetCapabilities(w http.ResponseWriter, r *http.Request) {
	root := r.URL.Query().Get("root")
	if root == "" {
		root = h.engineRoot
	}
	if root == "" {
		respondError(w, http.StatusBadRequest, "No engine root configured; pass ?root=")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"engine_root": root,
		"state":       h.capabilities.Load(root),
	})
}

func (h *Handler) loadRun(w http.ResponseWriter, r *http.Request) (*models.Run, bool) {
	runID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid run ID")
		return nil, false
	}

	run, err := h.db.GetRun(r.Context(), runID)
	if errors.Is(err, db.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Run not found")
		return nil, false
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get run")
		return nil, false
	}
	return run, true
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
