package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "github.com/lib/pq"

	"github.com/conduitcrm/automation/automation"
	"github.com/conduitcrm/automation/dispatch"
	"github.com/conduitcrm/automation/internal/logger"
	"github.com/conduitcrm/automation/workspaceengine"
)

type Server struct {
	db      *sql.DB
	manager *workspaceengine.Manager
	pool    *dispatch.Pool[*automation.Event]
	router  *chi.Mux
}

func NewServer(databaseURL string, workers, queueSize int) (*Server, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	registry := automation.NewRegistry()
	client := newPlatformClient(os.Getenv("PLATFORM_URL"))
	if err := automation.RegisterBuiltins(registry, client, nil); err != nil {
		return nil, fmt.Errorf("failed to register action handlers: %w", err)
	}

	manager := workspaceengine.NewManager(db, registry)
	logger.Info("loading workspaces from database")
	if err := manager.LoadAllWorkspaces(); err != nil {
		return nil, fmt.Errorf("failed to load workspaces: %w", err)
	}
	logger.Info("workspaces loaded", "count", len(manager.ListWorkspaceIDs()))

	s := &Server{
		db:      db,
		manager: manager,
	}

	// Events sharing a scope key (the same conversation) are processed in
	// arrival order; distinct keys run in parallel.
	s.pool = dispatch.NewPool(workers, queueSize,
		func(ev *automation.Event) string { return ev.WorkspaceID + "/" + ev.ScopeKey },
		s.processEvent,
		dispatch.WithName[*automation.Event]("events"),
	)

	s.setupRoutes()
	return s, nil
}

func (s *Server) processEvent(ctx context.Context, event *automation.Event) error {
	_, err := s.manager.HandleEvent(ctx, event)
	if err != nil {
		logger.Error("event evaluation failed",
			"event_id", event.ID,
			"workspace_id", event.WorkspaceID,
			"error", err.Error())
	}
	return err
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/api/v1/events", s.handleIngestEvent)

	r.Route("/api/v1/workspaces", func(r chi.Router) {
		r.Get("/", s.handleListWorkspaces)
		r.Post("/", s.handleCreateWorkspace)

		r.Route("/{workspaceId}", func(r chi.Router) {
			r.Post("/rules", s.handleCreateRule)
			r.Get("/rules", s.handleListRules)
			r.Get("/rules/{ruleId}", s.handleGetRule)
			r.Put("/rules/{ruleId}", s.handleUpdateRule)
			r.Delete("/rules/{ruleId}", s.handleDeleteRule)
			r.Post("/rules/{ruleId}/toggle", s.handleToggleRule)
			r.Post("/rules/{ruleId}/test", s.handleTestRule)
			r.Get("/rules/{ruleId}/executions", s.handleListExecutions)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	stats := s.pool.Stats()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":           "healthy",
		"workspacesLoaded": len(s.manager.ListWorkspaceIDs()),
		"eventsSubmitted":  stats.Submitted,
		"eventsProcessed":  stats.Processed,
	})
}

func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.WorkspaceID == "" || req.TriggerType == "" || req.ScopeKey == "" {
		respondError(w, http.StatusBadRequest, "workspace_id, trigger_type and scope_key are required", nil)
		return
	}

	event := &automation.Event{
		ID:          req.ID,
		TriggerType: automation.TriggerType(req.TriggerType),
		WorkspaceID: req.WorkspaceID,
		ScopeKey:    req.ScopeKey,
		Payload:     req.Payload,
		OccurredAt:  time.Now(),
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if req.OccurredAt != nil {
		event.OccurredAt = *req.OccurredAt
	}

	if req.Sync {
		records, err := s.manager.HandleEvent(r.Context(), event)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "event evaluation failed", err)
			return
		}
		if records == nil {
			records = []*automation.ExecutionRecord{}
		}
		respondJSON(w, http.StatusOK, EventResult{EventID: event.ID, Records: records})
		return
	}

	if err := s.pool.Submit(event); err != nil {
		if errors.Is(err, dispatch.ErrQueueFull) {
			respondError(w, http.StatusTooManyRequests, "event queue full", nil)
			return
		}
		respondError(w, http.StatusServiceUnavailable, "event intake unavailable", err)
		return
	}
	respondJSON(w, http.StatusAccepted, EventAccepted{EventID: event.ID, Status: "queued"})
}

func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.Query(`SELECT id, name, created_at, updated_at FROM workspaces ORDER BY created_at DESC`)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list workspaces", err)
		return
	}
	defer rows.Close()

	workspaces := []workspaceengine.Workspace{}
	for rows.Next() {
		var ws workspaceengine.Workspace
		if err := rows.Scan(&ws.ID, &ws.Name, &ws.CreatedAt, &ws.UpdatedAt); err != nil {
			respondError(w, http.StatusInternalServerError, "failed to scan workspace", err)
			return
		}
		workspaces = append(workspaces, ws)
	}

	respondJSON(w, http.StatusOK, map[string]any{"workspaces": workspaces})
}

func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	ws, err := s.manager.CreateWorkspace(req.Name)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create workspace", err)
		return
	}
	respondJSON(w, http.StatusCreated, ws)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceId")

	engine, err := s.manager.GetEngine(workspaceID)
	if err != nil {
		respondError(w, http.StatusNotFound, "workspace not found", err)
		return
	}

	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule := &automation.BusinessRule{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Name:        req.Name,
		Description: req.Description,
		TriggerType: automation.TriggerType(req.TriggerType),
		Active:      req.Active,
		Default:     req.Default,
		Priority:    req.Priority,
		Condition:   req.Condition,
		Body:        req.Body,
	}

	if err := engine.AddRule(rule); err != nil {
		respondError(w, statusForRuleErr(err), "failed to add rule", err)
		return
	}
	respondJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	engine, err := s.manager.GetEngine(chi.URLParam(r, "workspaceId"))
	if err != nil {
		respondError(w, http.StatusNotFound, "workspace not found", err)
		return
	}

	rules, err := engine.ListRules()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}
	if rules == nil {
		rules = []*automation.BusinessRule{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	engine, err := s.manager.GetEngine(chi.URLParam(r, "workspaceId"))
	if err != nil {
		respondError(w, http.StatusNotFound, "workspace not found", err)
		return
	}

	rule, err := engine.GetRule(chi.URLParam(r, "ruleId"))
	if err != nil {
		respondError(w, http.StatusNotFound, "rule not found", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceId")
	ruleID := chi.URLParam(r, "ruleId")

	engine, err := s.manager.GetEngine(workspaceID)
	if err != nil {
		respondError(w, http.StatusNotFound, "workspace not found", err)
		return
	}

	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule := &automation.BusinessRule{
		ID:          ruleID,
		WorkspaceID: workspaceID,
		Name:        req.Name,
		Description: req.Description,
		TriggerType: automation.TriggerType(req.TriggerType),
		Active:      req.Active,
		Default:     req.Default,
		Priority:    req.Priority,
		Condition:   req.Condition,
		Body:        req.Body,
	}

	if err := engine.UpdateRule(rule); err != nil {
		respondError(w, statusForRuleErr(err), "failed to update rule", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	engine, err := s.manager.GetEngine(chi.URLParam(r, "workspaceId"))
	if err != nil {
		respondError(w, http.StatusNotFound, "workspace not found", err)
		return
	}

	if err := engine.DeleteRule(chi.URLParam(r, "ruleId")); err != nil {
		respondError(w, http.StatusNotFound, "rule not found", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToggleRule(w http.ResponseWriter, r *http.Request) {
	engine, err := s.manager.GetEngine(chi.URLParam(r, "workspaceId"))
	if err != nil {
		respondError(w, http.StatusNotFound, "workspace not found", err)
		return
	}
	ruleID := chi.URLParam(r, "ruleId")

	var req ToggleRequest
	if r.Body != nil {
		// Body is optional; absent means flip the current value.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	active := req.Active
	if active == nil {
		rule, err := engine.GetRule(ruleID)
		if err != nil {
			respondError(w, http.StatusNotFound, "rule not found", err)
			return
		}
		flipped := !rule.Active
		active = &flipped
	}

	rule, err := engine.ToggleRule(ruleID, *active)
	if err != nil {
		respondError(w, http.StatusNotFound, "rule not found", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleTestRule(w http.ResponseWriter, r *http.Request) {
	engine, err := s.manager.GetEngine(chi.URLParam(r, "workspaceId"))
	if err != nil {
		respondError(w, http.StatusNotFound, "workspace not found", err)
		return
	}
	ruleID := chi.URLParam(r, "ruleId")

	var req TestRuleRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	var sample *automation.Event
	if req.SampleEvent != nil {
		sample = &automation.Event{
			ID:          req.SampleEvent.ID,
			TriggerType: automation.TriggerType(req.SampleEvent.TriggerType),
			WorkspaceID: req.SampleEvent.WorkspaceID,
			ScopeKey:    req.SampleEvent.ScopeKey,
			Payload:     req.SampleEvent.Payload,
			OccurredAt:  time.Now(),
		}
		if sample.ID == "" {
			sample.ID = uuid.NewString()
		}
		if req.SampleEvent.OccurredAt != nil {
			sample.OccurredAt = *req.SampleEvent.OccurredAt
		}
	}

	result, err := engine.TestRule(r.Context(), ruleID, sample)
	if err != nil {
		respondError(w, http.StatusNotFound, "rule not found", err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	engine, err := s.manager.GetEngine(chi.URLParam(r, "workspaceId"))
	if err != nil {
		respondError(w, http.StatusNotFound, "workspace not found", err)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	records, err := engine.Records(chi.URLParam(r, "ruleId"), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list executions", err)
		return
	}
	if records == nil {
		records = []*automation.ExecutionRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"executions": records})
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	respondJSON(w, status, resp)
}

func statusForRuleErr(err error) int {
	if automation.IsValidation(err) {
		return http.StatusBadRequest
	}
	if errors.Is(err, automation.ErrRuleNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func envInt(name string, fallback int) int {
	if raw := os.Getenv(name); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func main() {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		logger.Fatal("DATABASE_URL environment variable is required")
	}

	workers := envInt("WORKER_COUNT", 8)
	queueSize := envInt("QUEUE_SIZE", 256)

	server, err := NewServer(databaseURL, workers, queueSize)
	if err != nil {
		logger.Fatal("failed to create server", "error", err.Error())
	}
	defer server.db.Close()

	ctx := context.Background()
	if err := server.pool.Start(ctx); err != nil {
		logger.Fatal("failed to start event pool", "error", err.Error())
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", port, "workers", workers)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed to start", "error", err.Error())
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err.Error())
	}
	// Drain queued events before exiting; in-flight actions finish or
	// time out normally.
	if err := server.pool.Stop(shutdownCtx); err != nil {
		logger.Error("event pool drain error", "error", err.Error())
	}
	if err := logger.Shutdown(shutdownCtx); err != nil {
		logger.Error("logger shutdown error", "error", err.Error())
	}

	logger.Info("server stopped")
}
