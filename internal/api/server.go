package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"agentq/internal/domain"
	"agentq/internal/ports"
	"agentq/internal/usecase"
)

// BackendReporter exposes the live queue backend for readiness probes.
type BackendReporter interface {
	ActiveBackend() string
}

type Server struct {
	router          *chi.Mux
	store           ports.Store
	coordinator     *usecase.Coordinator
	bus             ports.Bus
	backendReporter BackendReporter
	shutdownTimeout time.Duration
}

func NewServer(coordinator *usecase.Coordinator, store ports.Store, queueBus ports.Bus, shutdownTimeout time.Duration) *Server {
	s := &Server{
		router:          chi.NewRouter(),
		store:           store,
		coordinator:     coordinator,
		bus:             queueBus,
		shutdownTimeout: shutdownTimeout,
	}
	if reporter, ok := queueBus.(BackendReporter); ok {
		s.backendReporter = reporter
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(requestLogger)

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(requireIdentity)
		r.Post("/tasks", s.handleCreateTask)
		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Post("/tasks/{id}/cancel", s.handleCancelTask)
		r.Post("/approvals/{id}/decision", s.handleDecideApproval)
		r.Post("/grants/revoke", s.handleRevokeGrants)
	})
}

type taskRequest struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	orgID, userID := identity(r)

	res, err := s.coordinator.Dispatch(r.Context(), orgID, userID, req.ConversationID, req.Text)
	if err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("dispatch failed")
		writeError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}

	status := http.StatusAccepted
	if res.Outcome == usecase.OutcomeIgnored {
		status = http.StatusOK
	}
	body := map[string]any{"outcome": res.Outcome}
	if res.Task != nil {
		body["task_id"] = res.Task.ID
	}
	if res.ApprovalID != "" {
		body["approval_id"] = res.ApprovalID
	}
	if res.Reason != "" {
		body["reason"] = res.Reason
	}
	writeJSON(w, status, body)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	orgID, userID := identity(r)
	tasks, err := s.store.ListUserTasks(r.Context(), orgID, userID, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	orgID, userID := identity(r)
	task, err := s.store.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil || task.OrgID != orgID || task.UserID != userID {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	orgID, userID := identity(r)
	task, err := s.coordinator.CancelTask(r.Context(), orgID, userID, chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, ports.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, ports.ErrIllegalTransition):
		writeError(w, http.StatusConflict, "task is no longer cancelable")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "cancel failed")
	default:
		writeJSON(w, http.StatusOK, task)
	}
}

type decisionRequest struct {
	Decision string `json:"decision"`
}

func (s *Server) handleDecideApproval(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	approval, err := s.coordinator.Decide(r.Context(), chi.URLParam(r, "id"), domain.ApprovalDecision(req.Decision))
	switch {
	case errors.Is(err, ports.ErrApprovalNotFound):
		writeError(w, http.StatusNotFound, "approval not found")
	case errors.Is(err, ports.ErrAlreadyDecided):
		writeError(w, http.StatusConflict, "approval already processed")
	case err != nil:
		log.Ctx(r.Context()).Error().Err(err).Msg("approval decision failed")
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSON(w, http.StatusOK, approval)
	}
}

type revokeRequest struct {
	Scope string `json:"scope"`
}

func (s *Server) handleRevokeGrants(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	orgID, userID := identity(r)
	n, err := s.coordinator.RevokeGrants(r.Context(), orgID, userID, req.Scope)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "revoke failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": n})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.bus.Ping(r.Context()) {
		writeError(w, http.StatusServiceUnavailable, "bus unavailable")
		return
	}
	backend := "primary"
	if s.backendReporter != nil {
		backend = s.backendReporter.ActiveBackend()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "bus_backend": backend})
}

// Run serves until SIGINT/SIGTERM, then drains in-flight requests.
func (s *Server) Run(port int) {
	httpServer := http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	done := make(chan bool)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("server is shutting down")

		timeout := s.shutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			log.Fatal().Err(err).Msg("server forced to shutdown")
		}
		close(done)
	}()

	log.Info().Msgf("server serving on port %d", port)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("failed to listen and serve")
	}

	<-done
	log.Info().Msg("server stopped")
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }
