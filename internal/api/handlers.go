package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/itstheanurag/evalrunner/internal/config"
	"github.com/itstheanurag/evalrunner/internal/database"
	"github.com/itstheanurag/evalrunner/internal/executor"
	"github.com/itstheanurag/evalrunner/internal/queue"
)

// Submission IDs end up in container and file names.
var validSubmissionIDRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

type SubmissionRequest struct {
	SubmissionID     string `json:"submission_id"`
	ParentID         string `json:"parent_id"`
	DockerRepository string `json:"docker_repository"`
	DockerDigest     string `json:"docker_digest"`
	InputDir         string `json:"input_dir"`
	TimeLimitSeconds int    `json:"time_limit_seconds"`
	MemoryLimit      string `json:"memory_limit"`
	MemorySwapLimit  string `json:"memory_swap_limit"`
	StoreLogs        bool   `json:"store_logs"`
}

type SubmissionResponse struct {
	JobID        string `json:"job_id"`
	SubmissionID string `json:"submission_id"`
}

type Handler struct {
	queueManager *queue.Manager
	results      database.Results
	defaults     config.ExecutionConfig
	logger       *zerolog.Logger
}

func NewHandler(manager *queue.Manager, results database.Results, defaults config.ExecutionConfig, logger *zerolog.Logger) *Handler {
	return &Handler{
		queueManager: manager,
		results:      results,
		defaults:     defaults,
		logger:       logger,
	}
}

// Routes mounts the submission endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/submissions", h.Submit)
	r.Get("/submissions/{id}", h.Get)
}

func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	var body SubmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if !validSubmissionIDRe.MatchString(body.SubmissionID) {
		http.Error(w, "invalid submission_id", http.StatusBadRequest)
		return
	}
	if body.TimeLimitSeconds < 0 {
		http.Error(w, "time_limit_seconds must not be negative", http.StatusBadRequest)
		return
	}

	inputDir, err := resolveInputDir(h.defaults.InputRoot, body.InputDir)
	if err != nil {
		h.logger.Warn().Err(err).Str("submission_id", body.SubmissionID).Msg("rejected input_dir")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	body.InputDir = inputDir

	job := queue.NewJob(h.toRequest(body))
	if err := h.queueManager.TrySubmit(job); err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.logger.Info().
		Str("job_id", job.ID).
		Str("submission_id", body.SubmissionID).
		Msg("submission queued")

	writeJSON(w, http.StatusAccepted, SubmissionResponse{JobID: job.ID, SubmissionID: body.SubmissionID})
}

// toRequest fills unset limits from the configured defaults.
func (h *Handler) toRequest(body SubmissionRequest) executor.Request {
	req := executor.Request{
		SubmissionID:    body.SubmissionID,
		ParentID:        body.ParentID,
		Repository:      body.DockerRepository,
		Digest:          body.DockerDigest,
		InputDir:        body.InputDir,
		TimeLimit:       time.Duration(body.TimeLimitSeconds) * time.Second,
		MemoryLimit:     body.MemoryLimit,
		MemorySwapLimit: body.MemorySwapLimit,
		StoreLogs:       body.StoreLogs,
	}
	if req.TimeLimit == 0 {
		req.TimeLimit = h.defaults.TimeLimit
	}
	if req.MemoryLimit == "" {
		req.MemoryLimit = h.defaults.MemoryLimit
	}
	if req.MemorySwapLimit == "" {
		req.MemorySwapLimit = h.defaults.MemorySwapLimit
	}
	return req
}

// resolveInputDir returns dir with symlinks resolved, provided it is a
// directory inside root. The resolved path is what gets mounted.
func resolveInputDir(root, dir string) (string, error) {
	if strings.TrimSpace(root) == "" {
		return "", fmt.Errorf("input_dir not accepted: no execution.input_root configured")
	}
	if !filepath.IsAbs(dir) {
		return "", fmt.Errorf("input_dir must be an absolute path")
	}
	realRoot, err := filepath.EvalSymlinks(filepath.Clean(root))
	if err != nil {
		return "", fmt.Errorf("input root unavailable")
	}
	realDir, err := filepath.EvalSymlinks(filepath.Clean(dir))
	if err != nil {
		return "", fmt.Errorf("input_dir does not exist")
	}
	rel, err := filepath.Rel(realRoot, realDir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("input_dir is outside the input root")
	}
	info, err := os.Stat(realDir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("input_dir is not a directory")
	}
	return realDir, nil
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := h.results.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			http.Error(w, "submission not found", http.StatusNotFound)
			return
		}
		h.logger.Error().Err(err).Str("submission_id", id).Msg("unable to load result")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
