package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"erasured/internal/plan"
	"erasured/internal/store"
	"erasured/internal/task"
)

// errClaimLost aborts execution when another runner has taken the lease.
var errClaimLost = errors.New("claim lost")

// errRunParked means the claimed run is still waiting on approvals and was
// re-parked without doing work.
var errRunParked = errors.New("run parked")

// Runner drives runs to completion. One goroutine per Runner; distinct
// Runners execute distinct runs in parallel, serialised by the claim
// protocol.
type Runner struct {
	service  *Service
	runnerID string
	tick     time.Duration
	logger   *zap.Logger
}

// NewRunner builds a runner with a fresh identity.
func NewRunner(service *Service) *Runner {
	id := "runner-" + uuid.NewString()
	return &Runner{
		service:  service,
		runnerID: id,
		tick:     time.Second,
		logger:   service.Logger.With(zap.String("runner_id", id)),
	}
}

// ID returns the runner's identity.
func (r *Runner) ID() string { return r.runnerID }

// Run loops until the context is canceled: claim one run, execute it,
// idle a tick when nothing is claimable.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("runner started")
	for {
		worked, err := r.tickOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Error("runner tick failed", zap.Error(err))
		}
		if !worked {
			select {
			case <-time.After(r.tick):
			case <-ctx.Done():
				r.logger.Info("runner stopped")
				return ctx.Err()
			}
		}
		if ctx.Err() != nil {
			r.logger.Info("runner stopped")
			return ctx.Err()
		}
	}
}

// tickOnce claims and executes at most one run; worked reports whether a
// claim succeeded.
func (r *Runner) tickOnce(ctx context.Context) (bool, error) {
	limit := 4 * r.service.Config.MaxConcurrentRuns
	candidates, err := r.service.Store.ClaimCandidates(ctx, limit)
	if err != nil {
		return false, err
	}

	ttl := time.Duration(r.service.Config.RunClaimTTLSecs) * time.Second
	for _, candidate := range candidates {
		claimed, err := r.service.Store.ClaimRun(ctx, candidate.RunID, r.runnerID, ttl)
		if err != nil {
			return false, err
		}
		if !claimed {
			continue
		}
		if err := r.executeRun(ctx, candidate.RunID); err != nil {
			if errors.Is(err, errRunParked) {
				continue
			}
			if errors.Is(err, errClaimLost) {
				r.logger.Warn("claim lost mid-run", zap.String("run_id", candidate.RunID))
				return true, nil
			}
			return true, err
		}
		return true, nil
	}
	return false, nil
}

// executeRun drives one claimed run: hash check, wall-clock budget, and the
// per-task state machine with approvals and retries.
func (r *Runner) executeRun(ctx context.Context, runID string) error {
	run, err := r.service.Store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	logger := r.logger.With(zap.String("run_id", run.RunID), zap.String("plan_id", run.PlanID))

	// A blocked run stays parked until every approval has resolved.
	if run.Status == store.RunBlockedForApproval {
		done, err := r.checkBlockedRun(ctx, run, logger)
		if err != nil || done {
			return err
		}
	}

	p, hash, err := r.service.Loader.Load(run.PlanID)
	if err != nil {
		if errors.Is(err, plan.ErrNotFound) {
			return r.failRun(ctx, run, CodePlanNotFound, err.Error())
		}
		return err
	}
	if hash != run.PlanHash {
		logger.Warn("plan hash mismatch", zap.String("stored", run.PlanHash), zap.String("current", hash))
		return r.failRun(ctx, run, CodePlanHashMismatch,
			fmt.Sprintf("plan %s changed since enqueue", run.PlanID))
	}

	wasQueued := run.Status == store.RunQueued || run.Status == store.RunBlockedForApproval
	if err := r.service.Store.MarkRunRunning(ctx, run.RunID); err != nil {
		return err
	}
	if wasQueued {
		r.service.Metrics.RunsStarted.WithLabelValues(run.PlanID).Inc()
	}
	run, err = r.service.Store.GetRun(ctx, run.RunID)
	if err != nil {
		return err
	}

	exec, err := r.buildExec(ctx, run, p)
	if err != nil {
		return err
	}
	sink := &runArtifacts{service: r.service, runID: run.RunID}
	exec.Artifacts = sink

	runTimeout := time.Duration(r.service.Config.RunTimeoutMs) * time.Millisecond
	ttl := time.Duration(r.service.Config.RunClaimTTLSecs) * time.Second

	for index := range p.Tasks {
		t := &p.Tasks[index]

		if run.StartedAt != nil && time.Since(*run.StartedAt) > runTimeout {
			return r.failRun(ctx, run, CodeRunTimeout,
				fmt.Sprintf("run exceeded %s wall clock", runTimeout))
		}

		held, err := r.service.Store.RenewLease(ctx, run.RunID, r.runnerID, ttl)
		if err != nil {
			return err
		}
		if !held {
			return errClaimLost
		}

		existing, err := r.service.Store.GetTaskInstance(ctx, run.RunID, t.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if existing != nil && existing.Status == store.TaskSucceeded {
			loadOutputIntoState(exec, t, existing.OutputJSON)
			continue
		}

		for _, dep := range t.DependsOn {
			depInst, err := r.service.Store.GetTaskInstance(ctx, run.RunID, dep)
			if err != nil || depInst.Status != store.TaskSucceeded {
				return r.failRun(ctx, run, CodeDepUnsatisfied,
					fmt.Sprintf("task %s depends on %s which has not succeeded", t.ID, dep))
			}
		}

		proceed, err := r.gateApproval(ctx, run, t, logger)
		if err != nil {
			return err
		}
		if !proceed {
			return nil
		}

		if err := r.runTask(ctx, run, exec, sink, t, index, logger); err != nil {
			return err
		}
	}

	summary, _ := json.Marshal(map[string]any{"tasks": len(p.Tasks)})
	summaryStr := string(summary)
	if err := r.service.Store.FinishRun(ctx, run.RunID, store.RunSucceeded, nil, nil, &summaryStr); err != nil {
		return err
	}
	r.service.Metrics.RunsFinished.WithLabelValues(run.PlanID, store.RunSucceeded).Inc()
	if exec.BrokerID != "" {
		r.service.DeadLetter.ReportSuccess(exec.BrokerID)
		r.service.Metrics.Scans.WithLabelValues(exec.BrokerID, "succeeded").Inc()
	}
	logger.Info("run succeeded", zap.Int("tasks", len(p.Tasks)))
	return nil
}

// checkBlockedRun resolves a blocked run's fate: done=true means the run
// stays blocked (or just failed) and execution must not continue.
func (r *Runner) checkBlockedRun(ctx context.Context, run *store.Run, logger *zap.Logger) (bool, error) {
	approvals, err := r.service.Store.ListApprovalsForRun(ctx, run.RunID)
	if err != nil {
		return true, err
	}
	for _, a := range approvals {
		switch a.Status {
		case store.ApprovalDenied:
			return true, r.failRun(ctx, run, CodeApprovalDenied,
				fmt.Sprintf("approval %s was denied", a.ApprovalID))
		case store.ApprovalPending:
			// Still waiting; release the claim and park.
			if err := r.service.Store.BlockRunForApproval(ctx, run.RunID); err != nil {
				return true, err
			}
			return true, errRunParked
		}
	}
	return false, nil
}

// gateApproval enforces the side-effect policy for one task. proceed=false
// means the run has been suspended (or failed) and the loop must stop.
func (r *Runner) gateApproval(ctx context.Context, run *store.Run, t *plan.Task, logger *zap.Logger) (bool, error) {
	required := t.RequiresApproval ||
		(r.service.Config.Policy.SideEffectsRequireApproval && t.IsSideEffect())
	if !required {
		return true, nil
	}

	prompt := fmt.Sprintf("Approve side-effect task %s (%s)?", t.ID, t.Type)
	var preview *string
	if t.Approval != nil {
		if t.Approval.Prompt != "" {
			prompt = t.Approval.Prompt
		}
		if t.Approval.Preview != nil {
			if b, err := json.Marshal(t.Approval.Preview); err == nil {
				s := string(b)
				preview = &s
			}
		}
	}

	approval, err := r.service.Store.GetOrCreateApproval(ctx, &store.Approval{
		ApprovalID:  uuid.NewString(),
		RunID:       run.RunID,
		TaskID:      t.ID,
		Prompt:      prompt,
		PreviewJSON: preview,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return false, err
	}
	if err := r.service.Store.SetTaskApproval(ctx, run.RunID, t.ID, approval.ApprovalID); err != nil &&
		!errors.Is(err, store.ErrNotFound) {
		logger.Warn("link approval to task failed", zap.Error(err))
	}

	switch approval.Status {
	case store.ApprovalApproved:
		return true, nil
	case store.ApprovalDenied:
		return false, r.failRun(ctx, run, CodeApprovalDenied,
			fmt.Sprintf("approval %s was denied", approval.ApprovalID))
	default:
		logger.Info("run blocked for approval",
			zap.String("task_id", t.ID),
			zap.String("approval_id", approval.ApprovalID))
		r.service.refreshApprovalGauge(ctx)
		return false, r.service.Store.BlockRunForApproval(ctx, run.RunID)
	}
}

// runTask creates the instance, invokes the dispatcher under the retry
// policy, and commits the outcome.
func (r *Runner) runTask(ctx context.Context, run *store.Run, exec *task.Exec, sink *runArtifacts, t *plan.Task, index int, logger *zap.Logger) error {
	inputJSON, err := json.Marshal(t.Input)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := r.service.Store.CreateTaskInstance(ctx, &store.TaskInstance{
		TaskRunID:        uuid.NewString(),
		RunID:            run.RunID,
		TaskID:           t.ID,
		TaskIndex:        index,
		TaskName:         t.Name,
		TaskType:         t.Type,
		Status:           store.TaskRunning,
		MaxAttempts:      t.MaxAttempts,
		Idempotent:       t.IsIdempotent(),
		RequiresApproval: t.RequiresApproval,
		StartedAt:        &now,
		InputJSON:        string(inputJSON),
	}); err != nil {
		return err
	}

	var (
		output   map[string]any
		attempts int
	)
	timeout := time.Duration(t.TimeoutMs) * time.Millisecond
	err = r.service.RetryPolicy().Do(ctx, t.MaxAttempts, t.IsIdempotent(),
		func(callCtx context.Context, attempt int) error {
			attempts = attempt
			var dispatchErr error
			output, dispatchErr = r.service.Registry.Dispatch(callCtx, exec, t.Type, t.Input, timeout)
			return dispatchErr
		})
	if err != nil {
		msg := err.Error()
		if ferr := r.service.Store.FailTask(ctx, run.RunID, t.ID, attempts, CodeTaskExecutionFailed, msg); ferr != nil {
			logger.Warn("record task failure failed", zap.Error(ferr))
		}
		return r.failRun(ctx, run, CodeTaskExecutionFailed,
			fmt.Sprintf("task %s: %s", t.ID, msg))
	}

	outputJSON, err := json.Marshal(output)
	if err != nil {
		return err
	}
	if err := r.service.Store.CompleteTask(ctx, run.RunID, t.ID, attempts, string(outputJSON)); err != nil {
		return err
	}

	applyOutputToState(exec, t, output)

	kind := t.Type
	if t.Output != nil && t.Output.ArtifactKind != "" {
		kind = t.Output.ArtifactKind
	}
	if err := sink.saveTaskOutput(ctx, t.ID, kind, output, map[string]any{"task_type": t.Type}); err != nil {
		logger.Warn("persist task output artifact failed", zap.String("task_id", t.ID), zap.Error(err))
	}
	return nil
}

// failRun marks the run failed, clears the claim, and reports the failure to
// the dead-letter controller.
func (r *Runner) failRun(ctx context.Context, run *store.Run, code, message string) error {
	if err := r.service.Store.FinishRun(ctx, run.RunID, store.RunFailed, &code, &message, nil); err != nil {
		return err
	}
	r.service.Metrics.RunsFinished.WithLabelValues(run.PlanID, store.RunFailed).Inc()
	if brokerID := brokerFromPlanID(run.PlanID); brokerID != "" {
		r.service.DeadLetter.ReportFailure(ctx, brokerID)
		r.service.Metrics.Scans.WithLabelValues(brokerID, "failed").Inc()
	}
	r.logger.Warn("run failed",
		zap.String("run_id", run.RunID),
		zap.String("error_code", code),
		zap.String("error_message", message))
	return nil
}

// buildExec assembles the handler environment, rereading succeeded task
// outputs into state so resumed runs never re-execute finished work.
func (r *Runner) buildExec(ctx context.Context, run *store.Run, p *plan.Plan) (*task.Exec, error) {
	var params map[string]any
	if err := json.Unmarshal([]byte(run.ParamsJSON), &params); err != nil {
		return nil, fmt.Errorf("decode run params: %w", err)
	}

	targetsJSON, err := json.Marshal(p.Targets)
	if err != nil {
		return nil, err
	}
	var targets map[string]any
	if err := json.Unmarshal(targetsJSON, &targets); err != nil {
		return nil, err
	}

	exec := &task.Exec{
		RunID:    run.RunID,
		PlanID:   run.PlanID,
		BrokerID: brokerFromPlanID(run.PlanID),
		Params:   params,
		Targets:  targets,
		State:    map[string]any{},
		Logger:   r.logger,
	}

	instances, err := r.service.Store.ListTaskInstances(ctx, run.RunID)
	if err != nil {
		return nil, err
	}
	for _, inst := range instances {
		if inst.Status != store.TaskSucceeded {
			continue
		}
		if t := p.Task(inst.TaskID); t != nil {
			loadOutputIntoState(exec, t, inst.OutputJSON)
		}
	}
	return exec, nil
}

func loadOutputIntoState(exec *task.Exec, t *plan.Task, outputJSON *string) {
	if outputJSON == nil {
		return
	}
	var output map[string]any
	if err := json.Unmarshal([]byte(*outputJSON), &output); err != nil {
		return
	}
	applyOutputToState(exec, t, output)
}

func applyOutputToState(exec *task.Exec, t *plan.Task, output map[string]any) {
	exec.State[t.ID] = output
	if t.Output != nil && t.Output.SaveAs != "" {
		exec.State[t.Output.SaveAs] = output
	}
}

func brokerFromPlanID(planID string) string {
	const prefix = "broker_"
	if len(planID) > len(prefix) && planID[:len(prefix)] == prefix {
		return planID[len(prefix):]
	}
	return ""
}
