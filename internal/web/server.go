package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/perchlabs/roost/internal/db/repository"
	"github.com/perchlabs/roost/internal/web/middleware"
	"github.com/perchlabs/roost/model"
)

// Service is the application surface the handlers delegate to.
type Service interface {
	CreateDeployJob(ctx context.Context, agentID string, req model.DeployRequest) (*model.Job, error)
	GetBuild(ctx context.Context, agentID string) (*model.BuildRecord, error)
	GetDeployment(ctx context.Context, agentID string) (*model.DeploymentRecord, error)
	GetStatus(ctx context.Context, agentID string) (*model.AgentStatus, error)
	ListBackends(ctx context.Context) ([]model.DiscoveredBackend, error)
}

type Server struct {
	router  chi.Router
	service Service
}

func NewServer(service Service) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		service: service,
	}
	s.routes()
	return s
}

// Expose the router for main.go
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	limiter := middleware.NewLimiter(64, 8)
	r.With(limiter.Limit).Post("/agents/{id}/deploy", s.handleDeploy)
	r.Get("/agents/{id}/build", s.handleGetBuild)
	r.Get("/agents/{id}/deployment", s.handleGetDeployment)
	r.Get("/agents/{id}/status", s.handleGetStatus)
	r.Get("/backends", s.handleListBackends)
	r.Get("/healthz", s.handleHealthz)
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")

	var req model.DeployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	job, err := s.service.CreateDeployJob(r.Context(), agentID, req)
	if err != nil {
		http.Error(w, "failed to accept deploy request: "+err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")

	rec, err := s.service.GetBuild(r.Context(), agentID)
	if err != nil {
		http.Error(w, "failed to get build: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.Error(w, "no build for agent "+agentID, http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")

	rec, err := s.service.GetDeployment(r.Context(), agentID)
	if err != nil {
		http.Error(w, "failed to get deployment: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.Error(w, "no deployment for agent "+agentID, http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")

	status, err := s.service.GetStatus(r.Context(), agentID)
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, "unknown agent "+agentID, http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to get status: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleListBackends(w http.ResponseWriter, r *http.Request) {
	backends, err := s.service.ListBackends(r.Context())
	if err != nil {
		http.Error(w, "failed to list backends: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, backends)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
