// Package api exposes the executor's HTTP surface: run launches, approvals,
// artifacts, schedules, profiles, broker listings, and the human action
// queue. Every /v1 route sits behind bearer auth; health and metrics do not.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"erasured/internal/engine"
	"erasured/internal/logging"
	"erasured/internal/vault"
)

// Server is the HTTP adapter over the engine service.
type Server struct {
	service   *engine.Service
	scheduler *engine.Scheduler
	vault     *vault.Vault
	redactor  *logging.Redactor
	logger    *zap.Logger
}

// New builds the server. vault may be nil when no encryption key is
// configured; profile endpoints then refuse with 503. Profile creation
// registers the subject's identifying strings with the redactor.
func New(service *engine.Service, scheduler *engine.Scheduler, v *vault.Vault, redactor *logging.Redactor) *Server {
	return &Server{
		service:   service,
		scheduler: scheduler,
		vault:     v,
		redactor:  redactor,
		logger:    service.Logger.Named("api"),
	}
}

// Router assembles the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(
		s.service.Metrics.Registry, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Post("/runs", s.handleLaunchRun)
		r.Get("/runs/{runID}", s.handleGetRun)
		r.Post("/runs/{runID}/cancel", s.handleCancelRun)
		r.Post("/runs/{runID}/approvals/{approvalID}", s.handleResolveApproval)
		r.Get("/runs/{runID}/artifacts/{artifactID}", s.handleGetArtifact)

		r.Post("/plans/{planID}/check", s.handlePlanCheck)

		r.Get("/schedule", s.handleListSchedules)
		r.Post("/schedule/{scheduleID}/trigger", s.handleTriggerSchedule)

		r.Post("/profiles", s.handleCreateProfile)
		r.Get("/profiles/{profileID}", s.handleGetProfile)
		r.Delete("/profiles/{profileID}", s.handleDeleteProfile)

		r.Get("/brokers", s.handleListBrokers)
		r.Get("/brokers/{brokerID}/listings", s.handleBrokerListings)

		r.Get("/queue", s.handleListQueue)
		r.Post("/queue/{itemID}/complete", s.handleCompleteQueueItem)
	})
	return r
}

// requireAuth checks the bearer token in constant time.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(s.service.Config.AuthToken)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("encode response failed", zap.Error(err))
	}
}

func decodeBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
