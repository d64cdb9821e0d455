package task

import (
	"context"
	"time"

	"go.uber.org/zap"

	"erasured/internal/catalog"
	"erasured/internal/connectors/browser"
	"erasured/internal/connectors/email"
	"erasured/internal/connectors/httpx"
	"erasured/internal/metrics"
	"erasured/internal/plan"
	"erasured/internal/ratelimit"
	"erasured/internal/store"
	"erasured/internal/tmpl"
	"erasured/internal/vault"
)

// Deps are the external collaborators handlers call through.
type Deps struct {
	HTTP        *httpx.Connector
	Browser     *browser.Browser
	Robots      *browser.RobotsGate
	CheckRobots bool
	Email       *email.Connector
	Limiter     *ratelimit.Keyed
	Vault       *vault.Vault
	Store       *store.Store
	Catalog     *catalog.Catalog
	LLM         *LLMClient
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// Registry maps task types to handlers.
type Registry struct {
	deps     Deps
	handlers map[string]Handler
}

// NewRegistry wires the full handler set.
func NewRegistry(deps Deps) *Registry {
	r := &Registry{deps: deps, handlers: map[string]Handler{}}
	r.handlers[plan.TypeHTTPRequest] = r.httpRequest
	r.handlers[plan.TypeScrapeStatic] = r.scrapeStatic
	r.handlers[plan.TypeScrapeRendered] = r.scrapeRendered
	r.handlers[plan.TypeFormSubmit] = r.formSubmit
	r.handlers[plan.TypeEmailSend] = r.emailSend
	r.handlers[plan.TypeEmailCheck] = r.emailCheck
	r.handlers[plan.TypeEmailClickVerify] = r.emailClickVerify
	r.handlers[plan.TypeMatchIdentity] = r.matchIdentity
	r.handlers[plan.TypeBrokerUpdate] = r.brokerUpdateStatus
	r.handlers[plan.TypeQueueHumanAction] = r.queueHumanAction
	r.handlers[plan.TypeCaptchaSolve] = r.captchaSolve
	r.handlers[plan.TypeWaitDelay] = r.waitDelay
	r.handlers[plan.TypeLLMJSON] = r.llmJSON
	r.handlers[plan.TypeLegalGenerate] = r.legalGenerateRequest
	r.handlers[plan.TypeDiscoverSearch] = r.discoverSearchEngine
	return r
}

// Dispatch resolves input references, applies the per-call timeout, invokes
// the handler, and logs the call with its duration.
func (r *Registry) Dispatch(ctx context.Context, exec *Exec, taskType string, input map[string]any, timeout time.Duration) (map[string]any, error) {
	h, ok := r.handlers[taskType]
	if !ok {
		return nil, Fatal("no handler for task type %q", taskType)
	}

	resolved := resolveInput(input, exec)

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	output, err := h(callCtx, exec, resolved)
	elapsed := time.Since(start)

	if r.deps.Metrics != nil {
		r.deps.Metrics.TaskDuration.WithLabelValues(taskType).Observe(elapsed.Seconds())
	}
	if err != nil {
		r.deps.Logger.Warn("task handler failed",
			zap.String("run_id", exec.RunID),
			zap.String("task_type", taskType),
			zap.Duration("duration", elapsed),
			zap.Error(err))
	} else {
		r.deps.Logger.Info("task handler finished",
			zap.String("run_id", exec.RunID),
			zap.String("task_type", taskType),
			zap.Duration("duration", elapsed))
	}
	return output, err
}

func resolveInput(input map[string]any, exec *Exec) map[string]any {
	ctx := &tmpl.Context{Params: exec.Params, Targets: exec.Targets, State: exec.State}
	resolved, ok := tmpl.Resolve(input, ctx).(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return resolved
}
