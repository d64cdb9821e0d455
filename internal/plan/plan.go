// Package plan loads and validates declarative erasure plans. A plan is an
// ordered list of typed tasks plus named targets; the canonical hash over its
// normalised body freezes the plan for the lifetime of a run.
package plan

import (
	"errors"
	"fmt"
	"regexp"
)

// Task types.
const (
	TypeHTTPRequest      = "http.request"
	TypeScrapeStatic     = "scrape.static"
	TypeScrapeRendered   = "scrape.rendered"
	TypeFormSubmit       = "form.submit"
	TypeEmailSend        = "email.send"
	TypeEmailCheck       = "email.check"
	TypeEmailClickVerify = "email.click_verify"
	TypeMatchIdentity    = "match.identity"
	TypeBrokerUpdate     = "broker.update_status"
	TypeQueueHumanAction = "queue.human_action"
	TypeCaptchaSolve     = "captcha.solve"
	TypeWaitDelay        = "wait.delay"
	TypeLLMJSON          = "llm.json"
	TypeLegalGenerate    = "legal.generate_request"
	TypeDiscoverSearch   = "discover.search_engine"
)

var taskTypes = map[string]bool{
	TypeHTTPRequest: true, TypeScrapeStatic: true, TypeScrapeRendered: true,
	TypeFormSubmit: true, TypeEmailSend: true, TypeEmailCheck: true,
	TypeEmailClickVerify: true, TypeMatchIdentity: true, TypeBrokerUpdate: true,
	TypeQueueHumanAction: true, TypeCaptchaSolve: true, TypeWaitDelay: true,
	TypeLLMJSON: true, TypeLegalGenerate: true, TypeDiscoverSearch: true,
}

// Errors surfaced by the loader.
var (
	ErrNotFound      = errors.New("plan not found")
	ErrParamsInvalid = errors.New("params invalid")
)

var (
	taskIDPattern  = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)
)

// Target is a named endpoint a plan operates against.
type Target struct {
	Kind    string `yaml:"kind" json:"kind"` // website, api, email
	BaseURL string `yaml:"base_url" json:"base_url"`
	Notes   string `yaml:"notes,omitempty" json:"notes,omitempty"`
}

// ApprovalMeta is the operator-facing description of a gated task.
type ApprovalMeta struct {
	Prompt  string         `yaml:"prompt" json:"prompt"`
	Preview map[string]any `yaml:"preview,omitempty" json:"preview,omitempty"`
}

// Output controls how a task's output is stored and aliased.
type Output struct {
	SaveAs       string `yaml:"save_as,omitempty" json:"save_as,omitempty"`
	ArtifactKind string `yaml:"artifact_kind,omitempty" json:"artifact_kind,omitempty"`
}

// Task is one step of a plan.
type Task struct {
	ID               string         `yaml:"id" json:"id"`
	Name             string         `yaml:"name,omitempty" json:"name,omitempty"`
	Type             string         `yaml:"type" json:"type"`
	DependsOn        []string       `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Idempotent       *bool          `yaml:"idempotent,omitempty" json:"idempotent,omitempty"`
	MaxAttempts      int            `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	TimeoutMs        int            `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
	RequiresApproval bool           `yaml:"requires_approval,omitempty" json:"requires_approval,omitempty"`
	Approval         *ApprovalMeta  `yaml:"approval,omitempty" json:"approval,omitempty"`
	Input            map[string]any `yaml:"input,omitempty" json:"input,omitempty"`
	Output           *Output        `yaml:"output,omitempty" json:"output,omitempty"`
}

// IsIdempotent reports the effective idempotency flag (default true; safe
// verbs only for http.request, see Validate).
func (t *Task) IsIdempotent() bool {
	if t.Idempotent == nil {
		return true
	}
	return *t.Idempotent
}

// IsSideEffect reports whether the task mutates external state. Such tasks
// are gated behind approval when policy demands and never retried.
func (t *Task) IsSideEffect() bool {
	switch t.Type {
	case TypeFormSubmit, TypeEmailSend, TypeEmailClickVerify, TypeBrokerUpdate:
		return true
	case TypeHTTPRequest:
		return !safeHTTPMethod(t.Input)
	}
	return false
}

func safeHTTPMethod(input map[string]any) bool {
	method, _ := input["method"].(string)
	switch method {
	case "", "GET", "HEAD", "OPTIONS", "get", "head", "options":
		return true
	}
	return false
}

// Plan is a parsed, validated plan document.
type Plan struct {
	PlanID       string            `yaml:"plan_id" json:"plan_id"`
	Version      string            `yaml:"version" json:"version"`
	Description  string            `yaml:"description,omitempty" json:"description,omitempty"`
	Owner        string            `yaml:"owner,omitempty" json:"owner,omitempty"`
	Labels       map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
	ParamsSchema map[string]any    `yaml:"params_schema,omitempty" json:"params_schema,omitempty"`
	Targets      map[string]Target `yaml:"targets" json:"targets"`
	Tasks        []Task            `yaml:"tasks" json:"tasks"`
}

// Task returns the task with the given id, or nil.
func (p *Plan) Task(id string) *Task {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return &p.Tasks[i]
		}
	}
	return nil
}

// Validate checks structure, applies defaults, and downgrades the idempotent
// flag on http.request tasks with unsafe verbs so the retry path can never
// replay one.
func (p *Plan) Validate() error {
	if p.PlanID == "" {
		return fmt.Errorf("plan_id is required")
	}
	if !versionPattern.MatchString(p.Version) {
		return fmt.Errorf("plan %s: version %q is not N.N.N", p.PlanID, p.Version)
	}
	if len(p.Targets) == 0 {
		return fmt.Errorf("plan %s: at least one target is required", p.PlanID)
	}
	if len(p.Tasks) == 0 {
		return fmt.Errorf("plan %s: at least one task is required", p.PlanID)
	}

	seen := map[string]bool{}
	for i := range p.Tasks {
		t := &p.Tasks[i]
		if !taskIDPattern.MatchString(t.ID) {
			return fmt.Errorf("plan %s: task id %q is invalid", p.PlanID, t.ID)
		}
		if seen[t.ID] {
			return fmt.Errorf("plan %s: duplicate task id %q", p.PlanID, t.ID)
		}
		seen[t.ID] = true
		if !taskTypes[t.Type] {
			return fmt.Errorf("plan %s: task %s: unknown type %q", p.PlanID, t.ID, t.Type)
		}
		if t.MaxAttempts == 0 {
			t.MaxAttempts = 3
		}
		if t.MaxAttempts < 1 || t.MaxAttempts > 10 {
			return fmt.Errorf("plan %s: task %s: max_attempts %d out of range [1,10]", p.PlanID, t.ID, t.MaxAttempts)
		}
		if t.TimeoutMs == 0 {
			t.TimeoutMs = 120_000
		}
		if t.TimeoutMs < 1000 || t.TimeoutMs > 3_600_000 {
			return fmt.Errorf("plan %s: task %s: timeout_ms %d out of range [1000,3600000]", p.PlanID, t.ID, t.TimeoutMs)
		}
		if t.Type == TypeHTTPRequest && !safeHTTPMethod(t.Input) && t.IsIdempotent() {
			f := false
			t.Idempotent = &f
		}
	}

	for i := range p.Tasks {
		t := &p.Tasks[i]
		for _, dep := range t.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("plan %s: task %s: depends_on references unknown task %q", p.PlanID, t.ID, dep)
			}
		}
	}
	return nil
}
