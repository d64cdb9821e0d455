package api

import (
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"erasured/internal/engine"
	"erasured/internal/plan"
	"erasured/internal/store"
)

type launchBody struct {
	PlanID         string         `json:"plan_id"`
	Params         map[string]any `json:"params"`
	RequestedBy    string         `json:"requested_by"`
	IdempotencyKey string         `json:"idempotency_key"`
}

func (s *Server) handleLaunchRun(w http.ResponseWriter, r *http.Request) {
	var body launchBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if body.PlanID == "" {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "plan_id is required")
		return
	}
	if body.RequestedBy == "" {
		body.RequestedBy = "api"
	}

	run, created, err := s.service.LaunchRun(r.Context(), engine.LaunchRequest{
		PlanID:         body.PlanID,
		Params:         body.Params,
		RequestedBy:    body.RequestedBy,
		IdempotencyKey: body.IdempotencyKey,
	})
	switch {
	case errors.Is(err, engine.ErrIdempotencyKeyRequired):
		s.writeError(w, http.StatusBadRequest, "IDEMPOTENCY_KEY_REQUIRED", err.Error())
		return
	case errors.Is(err, plan.ErrNotFound):
		s.writeError(w, http.StatusNotFound, engine.CodePlanNotFound, err.Error())
		return
	case errors.Is(err, plan.ErrParamsInvalid):
		s.writeError(w, http.StatusBadRequest, engine.CodeParamsInvalid, err.Error())
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}

	status := http.StatusAccepted
	if !created {
		status = http.StatusOK
	}
	s.writeJSON(w, status, runView(run))
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := s.service.Store.GetRun(r.Context(), runID)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "RUN_NOT_FOUND", "no such run")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}

	tasks, err := s.service.Store.ListTaskInstances(r.Context(), runID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	approvals, err := s.service.Store.ListApprovalsForRun(r.Context(), runID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	artifacts, err := s.service.Store.ListArtifactsForRun(r.Context(), runID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}

	view := runView(run)
	view["tasks"] = taskViews(tasks)
	view["approvals"] = approvalViews(approvals)
	view["artifacts"] = artifactViews(artifacts)
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	err := s.service.Store.CancelRun(r.Context(), runID)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusConflict, "RUN_NOT_CANCELABLE", "run is terminal or does not exist")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	run, err := s.service.Store.GetRun(r.Context(), runID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, runView(run))
}

type approvalBody struct {
	Decision   string `json:"decision"`
	ResolvedBy string `json:"resolved_by"`
}

func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	approvalID := chi.URLParam(r, "approvalID")

	var body approvalBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if body.Decision != store.ApprovalApproved && body.Decision != store.ApprovalDenied {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "decision must be 'approved' or 'denied'")
		return
	}
	if body.ResolvedBy == "" {
		body.ResolvedBy = "operator"
	}

	run, err := s.service.ResolveApproval(r.Context(), runID, approvalID, body.Decision, body.ResolvedBy)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusConflict, "APPROVAL_NOT_PENDING", "approval does not exist, belongs to another run, or is already resolved")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, runView(run))
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	artifactID := chi.URLParam(r, "artifactID")

	artifact, err := s.service.Store.GetArtifact(r.Context(), runID, artifactID)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "ARTIFACT_NOT_FOUND", "no such artifact")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}

	path, err := s.service.Config.ArtifactPath(artifact.URI)
	if err != nil {
		s.writeError(w, http.StatusForbidden, "ARTIFACT_PATH_INVALID", err.Error())
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "ARTIFACT_NOT_FOUND", "artifact file is gone")
		return
	}
	if info.Size() > s.service.Config.MaxArtifactBytes {
		s.writeError(w, http.StatusRequestEntityTooLarge, "ARTIFACT_TOO_LARGE", "artifact exceeds the configured size cap")
		return
	}

	w.Header().Set("Content-Type", artifact.ContentType)
	http.ServeFile(w, r, path)
}

func (s *Server) handlePlanCheck(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "planID")
	p, hash, err := s.service.Loader.Load(planID)
	if errors.Is(err, plan.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, engine.CodePlanNotFound, err.Error())
		return
	}
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, "PLAN_INVALID", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"plan_id": p.PlanID,
		"version": p.Version,
		"hash":    hash,
		"tasks":   len(p.Tasks),
	})
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.service.Store.ListEnabledSchedules(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	out := make([]map[string]any, 0, len(schedules))
	for _, sc := range schedules {
		out = append(out, scheduleView(sc))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"schedules": out})
}

func (s *Server) handleTriggerSchedule(w http.ResponseWriter, r *http.Request) {
	scheduleID := chi.URLParam(r, "scheduleID")
	err := s.service.Store.TriggerSchedule(r.Context(), scheduleID)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "SCHEDULE_NOT_FOUND", "no such schedule")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type profileBody struct {
	Profile map[string]any `json:"profile"`
}

func (s *Server) handleCreateProfile(w http.ResponseWriter, r *http.Request) {
	if s.vault == nil {
		s.writeError(w, http.StatusServiceUnavailable, "VAULT_UNAVAILABLE", "no encryption key configured")
		return
	}
	var body profileBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if len(body.Profile) == 0 {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "profile is required")
		return
	}

	sealed, err := s.vault.Seal(body.Profile)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	now := time.Now().UTC()
	profile := &store.Profile{
		ProfileID:  uuid.NewString(),
		Ciphertext: sealed.Ciphertext,
		IV:         sealed.IV,
		Tag:        sealed.Tag,
		DataHash:   sealed.DataHash,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.service.Store.InsertProfile(r.Context(), profile); err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	if s.redactor != nil {
		s.redactor.SetTerms(redactionTerms(body.Profile))
	}

	created, err := s.scheduler.InitSchedulesForProfile(r.Context(), profile.ProfileID)
	if err != nil {
		s.logger.Error("schedule bootstrap failed",
			zap.String("profile_id", profile.ProfileID), zap.Error(err))
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"profile_id":        profile.ProfileID,
		"data_hash":         profile.DataHash,
		"schedules_created": created,
	})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "profileID")
	p, err := s.service.Store.GetProfile(r.Context(), profileID)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "PROFILE_NOT_FOUND", "no such profile")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	// Metadata only; the plaintext never leaves the vault boundary.
	s.writeJSON(w, http.StatusOK, map[string]any{
		"profile_id": p.ProfileID,
		"data_hash":  p.DataHash,
		"created_at": p.CreatedAt,
		"updated_at": p.UpdatedAt,
	})
}

func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "profileID")
	err := s.service.Store.DeleteProfile(r.Context(), profileID)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "PROFILE_NOT_FOUND", "no such profile")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListBrokers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"brokers": s.service.Catalog.All()})
}

func (s *Server) handleBrokerListings(w http.ResponseWriter, r *http.Request) {
	brokerID := chi.URLParam(r, "brokerID")
	if _, ok := s.service.Catalog.Get(brokerID); !ok {
		s.writeError(w, http.StatusNotFound, "BROKER_NOT_FOUND", "no such broker")
		return
	}
	listings, err := s.service.Store.ListListingsForBroker(r.Context(), brokerID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	counts, err := s.service.Store.CountListingsByStatus(r.Context(), brokerID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	out := make([]map[string]any, 0, len(listings))
	for _, l := range listings {
		out = append(out, listingView(l))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"broker_id": brokerID,
		"listings":  out,
		"counts":    counts,
	})
}

func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.Store.ListPendingQueue(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	out := make([]map[string]any, 0, len(items))
	for _, q := range items {
		out = append(out, queueItemView(q))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

// redactionTerms pulls the subject's identifying strings out of a profile
// document so the log redactor can scrub them.
func redactionTerms(profile map[string]any) []string {
	var terms []string
	add := func(v any) {
		if s, ok := v.(string); ok && s != "" {
			terms = append(terms, s)
		}
	}
	for _, key := range []string{"name", "first_name", "last_name", "email", "phone"} {
		add(profile[key])
	}
	for _, key := range []string{"aliases", "emails", "phones"} {
		if list, ok := profile[key].([]any); ok {
			for _, v := range list {
				add(v)
			}
		}
	}
	return terms
}

type completeQueueBody struct {
	CompletedBy string `json:"completed_by"`
}

func (s *Server) handleCompleteQueueItem(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	var body completeQueueBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if body.CompletedBy == "" {
		body.CompletedBy = "operator"
	}

	err := s.service.Store.CompleteQueueItem(r.Context(), itemID, body.CompletedBy)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusConflict, "QUEUE_ITEM_NOT_PENDING", "item does not exist or is already completed")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	if n, cerr := s.service.Store.CountPendingQueue(r.Context()); cerr == nil {
		s.service.Metrics.HumanQueue.Set(float64(n))
	}
	w.WriteHeader(http.StatusNoContent)
}
