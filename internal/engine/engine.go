// Package engine is the run-execution core: run launches, the claim-based
// runner loop, the scheduler, the dead-letter controller, and the artifact
// retention sweeper. All coordination goes through the store.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"erasured/internal/catalog"
	"erasured/internal/config"
	"erasured/internal/metrics"
	"erasured/internal/plan"
	"erasured/internal/retry"
	"erasured/internal/store"
	"erasured/internal/task"
)

// Run error codes.
const (
	CodePlanNotFound        = "PLAN_NOT_FOUND"
	CodePlanHashMismatch    = "PLAN_HASH_MISMATCH"
	CodeParamsInvalid       = "PARAMS_INVALID"
	CodeDepUnsatisfied      = "DEP_UNSATISFIED"
	CodeApprovalDenied      = "APPROVAL_DENIED"
	CodeTaskExecutionFailed = "TASK_EXECUTION_FAILED"
	CodeRunTimeout          = "RUN_TIMEOUT"
)

// Launch-time errors surfaced to the API.
var (
	ErrIdempotencyKeyRequired = errors.New("idempotency key required by policy")
)

// Service ties the engine's pieces together; the API adapter and the
// background workers both go through it.
type Service struct {
	Store      *store.Store
	Loader     *plan.Loader
	Registry   *task.Registry
	Catalog    *catalog.Catalog
	Config     *config.Config
	Metrics    *metrics.Metrics
	DeadLetter *DeadLetter
	Logger     *zap.Logger
}

// LaunchRequest is one run-creation request.
type LaunchRequest struct {
	PlanID         string
	Params         map[string]any
	RequestedBy    string
	IdempotencyKey string
}

// LaunchRun validates the plan and params and enqueues a run. A launch whose
// idempotency key already names a run returns that run with created=false.
func (s *Service) LaunchRun(ctx context.Context, req LaunchRequest) (*store.Run, bool, error) {
	if s.Config.Policy.RequireIdempotencyKey && req.IdempotencyKey == "" {
		return nil, false, ErrIdempotencyKeyRequired
	}

	p, hash, err := s.Loader.Load(req.PlanID)
	if err != nil {
		return nil, false, err
	}
	if err := p.ValidateParams(req.Params); err != nil {
		return nil, false, err
	}

	params := req.Params
	if params == nil {
		params = map[string]any{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, false, fmt.Errorf("encode params: %w", err)
	}

	run := &store.Run{
		RunID:       uuid.NewString(),
		PlanID:      req.PlanID,
		PlanHash:    hash,
		Status:      store.RunQueued,
		RequestedBy: req.RequestedBy,
		CreatedAt:   time.Now().UTC(),
		ParamsJSON:  string(paramsJSON),
	}
	if req.IdempotencyKey != "" {
		run.IdempotencyKey = &req.IdempotencyKey
	}

	created, wasCreated, err := s.Store.CreateRun(ctx, run)
	if err != nil {
		return nil, false, err
	}
	if wasCreated {
		s.Logger.Info("run enqueued",
			zap.String("run_id", created.RunID),
			zap.String("plan_id", created.PlanID),
			zap.String("requested_by", created.RequestedBy))
	}
	return created, wasCreated, nil
}

// ResolveApproval records an operator decision and moves the owning run:
// denial fails it immediately, and approval requeues it once no pending
// approvals remain.
func (s *Service) ResolveApproval(ctx context.Context, runID, approvalID, decision, resolvedBy string) (*store.Run, error) {
	approval, err := s.Store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if approval.RunID != runID {
		return nil, store.ErrNotFound
	}

	if err := s.Store.ResolveApproval(ctx, approvalID, decision, resolvedBy); err != nil {
		return nil, err
	}
	s.refreshApprovalGauge(ctx)

	switch decision {
	case store.ApprovalDenied:
		code, msg := CodeApprovalDenied, fmt.Sprintf("approval %s denied by %s", approvalID, resolvedBy)
		if err := s.Store.FinishRun(ctx, runID, store.RunFailed, &code, &msg, nil); err != nil {
			return nil, err
		}
		run, err := s.Store.GetRun(ctx, runID)
		if err == nil {
			s.Metrics.RunsFinished.WithLabelValues(run.PlanID, store.RunFailed).Inc()
		}
		return run, err
	case store.ApprovalApproved:
		approvals, err := s.Store.ListApprovalsForRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		pending := false
		for _, a := range approvals {
			if a.Status == store.ApprovalPending {
				pending = true
				break
			}
		}
		if !pending {
			if err := s.Store.RequeueRun(ctx, runID); err != nil {
				return nil, err
			}
		}
	}
	return s.Store.GetRun(ctx, runID)
}

func (s *Service) refreshApprovalGauge(ctx context.Context) {
	if n, err := s.Store.CountPendingApprovals(ctx); err == nil {
		s.Metrics.PendingApprovals.Set(float64(n))
	}
}

// RetryPolicy builds the retry policy from config.
func (s *Service) RetryPolicy() retry.Policy {
	return retry.Policy{
		Attempts: s.Config.Retry.Attempts,
		MinDelay: time.Duration(s.Config.Retry.MinDelayMs) * time.Millisecond,
		MaxDelay: time.Duration(s.Config.Retry.MaxDelayMs) * time.Millisecond,
		Jitter:   s.Config.Retry.Jitter,
	}
}
