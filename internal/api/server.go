// Package api is the HTTP façade: run scheduling, result browsing, and
// execution submission. Everything it creates enters the store in queued
// state; the worker loops do the rest.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/timegrid-trading/timegrid/internal/models"
	"github.com/timegrid-trading/timegrid/internal/storage"
)

// weightEpsilon is the tolerance on the detail weight sum.
const weightEpsilon = 0.01

// Server serves the pipeline's HTTP API.
type Server struct {
	store  storage.Interface
	logger *log.Logger
	router chi.Router
	now    func() time.Time
}

// NewServer builds the router.
func NewServer(store storage.Interface, logger *log.Logger) *Server {
	s := &Server{
		store:  store,
		logger: logger,
		now:    time.Now,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/api/health", s.handleHealth)
	r.Route("/api/runs", func(r chi.Router) {
		r.Post("/", s.handleCreateRun)
		r.Get("/", s.handleListRuns)
		r.Route("/{runID}", func(r chi.Router) {
			r.Get("/", s.handleGetRun)
			r.Get("/results", s.handleListResults)
			r.Post("/execute", s.handleExecuteRun)
		})
	})
	r.Route("/api/executions", func(r chi.Router) {
		r.Get("/", s.handleListExecutions)
		r.Get("/{executionID}", s.handleGetExecution)
	})

	s.router = r
	return s
}

// Handler returns the root handler for mounting in an http.Server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCreateRun accepts a mining configuration and queues a strategy run.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var cfg models.RunConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	cfg.ApplyDefaults(s.now())
	if err := cfg.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, _, err := cfg.DateRange(); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.store.CreateRun(r.Context(), cfg)
	if err != nil {
		s.internalError(w, "create run", err)
		return
	}
	s.logger.Printf("Run %d created", id)
	s.respondJSON(w, http.StatusCreated, map[string]any{"status": "success", "strategy_run_id": id})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 50)
	status := models.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
		return
	}

	runs, total, err := s.store.ListRuns(r.Context(), status, limit, offset)
	if err != nil {
		s.internalError(w, "list runs", err)
		return
	}
	type runItem struct {
		ID          int64            `json:"id"`
		Config      models.RunConfig `json:"config"`
		Status      models.Status    `json:"status"`
		ResultCount int              `json:"result_count"`
		CreatedAt   time.Time        `json:"created_at"`
		UpdatedAt   time.Time        `json:"updated_at"`
	}
	items := make([]runItem, 0, len(runs))
	for _, run := range runs {
		items = append(items, runItem{
			ID:          run.ID,
			Config:      run.Config,
			Status:      run.Status,
			ResultCount: run.ResultCount,
			CreatedAt:   run.CreatedAt,
			UpdatedAt:   run.UpdatedAt,
		})
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"runs": items, "total": total})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "runID")
	if !ok {
		return
	}
	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.internalError(w, "get run", err)
		return
	}
	s.respondJSON(w, http.StatusOK, run)
}

func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "runID")
	if !ok {
		return
	}
	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "run not found")
			return
		}
		s.internalError(w, "get run", err)
		return
	}

	limit, offset := pagination(r, 100)
	results, total, err := s.store.ListResults(r.Context(), id, limit, offset)
	if err != nil {
		s.internalError(w, "list results", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"results": results, "total": total})
}

// executeRequest is the payload for deploying a run's chosen results.
type executeRequest struct {
	Simulate        *bool   `json:"simulate"`
	TotalMoney      float64 `json:"total_money"`
	SelectedConfigs []struct {
		ID            int64   `json:"id"`
		WeightPercent float64 `json:"weight_percent"`
	} `json:"selected_configs"`
}

// handleExecuteRun validates the capital split and queues an execution.
// Nothing is written when validation fails.
func (s *Server) handleExecuteRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := s.pathID(w, r, "runID")
	if !ok {
		return
	}
	run, err := s.store.GetRun(r.Context(), runID)
	if errors.Is(err, storage.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.internalError(w, "get run", err)
		return
	}
	if run.Status != models.StatusCompleted {
		s.respondError(w, http.StatusConflict, fmt.Sprintf("run %d is %s, not completed", runID, run.Status))
		return
	}

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	simulate := true
	if req.Simulate != nil {
		simulate = *req.Simulate
	}
	if !simulate && req.TotalMoney <= 0 {
		s.respondError(w, http.StatusBadRequest, "total_money is required when not in simulate mode")
		return
	}
	if len(req.SelectedConfigs) == 0 {
		s.respondError(w, http.StatusBadRequest, "selected_configs must not be empty")
		return
	}
	totalWeight := 0.0
	for _, sc := range req.SelectedConfigs {
		totalWeight += sc.WeightPercent
	}
	if math.Abs(totalWeight-100) > weightEpsilon {
		s.respondError(w, http.StatusBadRequest,
			fmt.Sprintf("weight percentages must sum to 100%% (current: %.2f%%)", totalWeight))
		return
	}

	details := make([]models.StrategyExecutionDetail, 0, len(req.SelectedConfigs))
	for _, sc := range req.SelectedConfigs {
		details = append(details, models.StrategyExecutionDetail{
			ResultID:      sc.ID,
			WeightPercent: sc.WeightPercent,
		})
	}
	execID, err := s.store.CreateExecution(r.Context(), models.StrategyExecution{
		RunID:      runID,
		Simulate:   simulate,
		TotalMoney: req.TotalMoney,
	}, details)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.internalError(w, "create execution", err)
		return
	}
	s.logger.Printf("Execution %d created for run %d (%d details, simulate=%v)",
		execID, runID, len(details), simulate)
	s.respondJSON(w, http.StatusCreated, map[string]any{"status": "success", "execution_id": execID})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 50)
	execs, total, err := s.store.ListExecutions(r.Context(), limit, offset)
	if err != nil {
		s.internalError(w, "list executions", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"executions": execs, "total": total})
}

// handleGetExecution returns one execution with its details and full task
// chains.
func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "executionID")
	if !ok {
		return
	}
	exec, err := s.store.GetExecution(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		s.internalError(w, "get execution", err)
		return
	}
	details, err := s.store.DetailsWithResults(r.Context(), id)
	if err != nil {
		s.internalError(w, "load details", err)
		return
	}
	tasks, err := s.store.TasksByExecution(r.Context(), id)
	if err != nil {
		s.internalError(w, "load tasks", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"execution": exec,
		"details":   details,
		"tasks":     tasks,
	})
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s", param))
		return 0, false
	}
	return id, true
}

func pagination(r *http.Request, defaultLimit int) (limit, offset int) {
	limit = defaultLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 500 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v >= 0 {
		offset = v
	}
	return limit, offset
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Printf("Failed to encode response: %v", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respondJSON(w, status, map[string]string{"status": "failure", "error": msg})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Printf("%s failed: %v", op, err)
	s.respondError(w, http.StatusInternalServerError, "internal error")
}
