package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"fedcoord/coordinator"
	"fedcoord/ledger"
	"fedcoord/logger"
	"fedcoord/models"
	"fedcoord/registry"
	"fedcoord/repository"
)

// Handler contains the HTTP handlers for the admin and query endpoints
type Handler struct {
	Coord    *coordinator.Coordinator
	Registry *registry.NodeRegistry
	Ledger   *ledger.Ledger
	Repo     repository.ArtifactRepositoryInterface
}

// NewHandler creates and returns a new Handler instance
func NewHandler(coord *coordinator.Coordinator, reg *registry.NodeRegistry, led *ledger.Ledger, repo repository.ArtifactRepositoryInterface) *Handler {
	return &Handler{Coord: coord, Registry: reg, Ledger: led, Repo: repo}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// StartJob handles POST requests to submit a new federated training job
func (h *Handler) StartJob(w http.ResponseWriter, r *http.Request) {
	var cfg models.JobConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		logger.Logger.Error("Failed to decode job config", zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if cfg.ModelType == "" || cfg.MinNodes < 1 || cfg.MaxRounds < 1 || cfg.MinStake < 0 {
		writeError(w, http.StatusBadRequest, "invalid job config")
		return
	}
	if cfg.MaxNodes != 0 && cfg.MaxNodes < cfg.MinNodes {
		writeError(w, http.StatusBadRequest, "max_nodes must be at least min_nodes")
		return
	}

	jobID := uuid.New().String()
	job, err := h.Coord.StartJob(jobID, cfg)
	if err != nil {
		if errors.Is(err, coordinator.ErrInsufficientNodes) {
			// terminal, but the job stays discoverable in this state
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"error": "insufficient_nodes",
				"job":   job,
			})
			return
		}
		logger.Logger.Error("Failed to start job", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	logger.Logger.Info("Job submitted", zap.String("job_id", jobID), zap.String("model_type", cfg.ModelType))
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Job started successfully",
		"job":     job,
	})
}

// GetJob handles GET requests for a job's current state, round and roster
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := h.Coord.GetJob(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"job": job})
}

// ListJobs handles GET requests for all tracked jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": h.Coord.Jobs()})
}

// AbortJob handles POST requests to terminate a job administratively
func (h *Handler) AbortJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.Coord.AbortJob(id); err != nil {
		if errors.Is(err, coordinator.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	logger.Logger.Info("Job aborted via admin surface", zap.String("job_id", id))
	writeJSON(w, http.StatusOK, map[string]string{"message": "Job aborted"})
}

// ListNodes handles GET requests for the node listing with status
func (h *Handler) ListNodes(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	var nodes []*models.Node
	if status != "" {
		nodes = h.Registry.ListByStatus(models.NodeStatus(status))
	} else {
		nodes = h.Registry.List()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": nodes})
}

// GetLedger handles GET requests for the full audit chain
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"length": h.Ledger.Length(),
		"blocks": h.Ledger.Blocks(),
	})
}

// ValidateLedger handles GET requests for the chain-integrity health probe.
// A broken chain is reported, never repaired.
func (h *Handler) ValidateLedger(w http.ResponseWriter, r *http.Request) {
	valid := h.Ledger.Validate()
	status := http.StatusOK
	if !valid {
		logger.Logger.Error("Ledger validation failed")
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]interface{}{
		"length": h.Ledger.Length(),
		"valid":  valid,
	})
}

// GetModel handles GET requests for a persisted global model artifact
func (h *Handler) GetModel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	artifact, err := h.Repo.GetModel(id)
	if err != nil {
		if errors.Is(err, repository.ErrArtifactNotFound) {
			writeError(w, http.StatusNotFound, "model not found")
			return
		}
		logger.Logger.Error("Failed to load model artifact", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"model": artifact})
}

// ListModels handles GET requests for all persisted model artifacts
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	artifacts, err := h.Repo.ListModels()
	if err != nil {
		logger.Logger.Error("Failed to list model artifacts", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"models": artifacts})
}

// RegisterDataset handles POST requests to register a dataset descriptor
func (h *Handler) RegisterDataset(w http.ResponseWriter, r *http.Request) {
	var ds models.Dataset
	if err := json.NewDecoder(r.Body).Decode(&ds); err != nil {
		logger.Logger.Error("Failed to decode dataset", zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if ds.Name == "" {
		writeError(w, http.StatusBadRequest, "dataset name is required")
		return
	}
	if ds.ID == "" {
		ds.ID = uuid.New().String()
	}
	ds.CreatedAt = time.Now().UnixMilli()

	if err := h.Repo.PutDataset(&ds); err != nil {
		logger.Logger.Error("Failed to store dataset", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Dataset registered successfully",
		"dataset": ds,
	})
}

// GetDataset handles GET requests for a dataset descriptor
func (h *Handler) GetDataset(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ds, err := h.Repo.GetDataset(id)
	if err != nil {
		if errors.Is(err, repository.ErrArtifactNotFound) {
			writeError(w, http.StatusNotFound, "dataset not found")
			return
		}
		logger.Logger.Error("Failed to load dataset", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"dataset": ds})
}

// ListDatasets handles GET requests for all registered datasets
func (h *Handler) ListDatasets(w http.ResponseWriter, r *http.Request) {
	datasets, err := h.Repo.ListDatasets()
	if err != nil {
		logger.Logger.Error("Failed to list datasets", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"datasets": datasets})
}
