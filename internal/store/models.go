package store

import "time"

// Run statuses.
const (
	RunQueued              = "queued"
	RunRunning             = "running"
	RunBlockedForApproval  = "blocked_for_approval"
	RunSucceeded           = "succeeded"
	RunFailed              = "failed"
	RunCanceled            = "canceled"
)

// Task instance statuses.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskSucceeded = "succeeded"
	TaskFailed    = "failed"
)

// Approval statuses.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalDenied   = "denied"
)

// Run is one execution of one plan.
type Run struct {
	RunID             string
	PlanID            string
	PlanHash          string
	Status            string
	RequestedBy       string
	IdempotencyKey    *string
	CreatedAt         time.Time
	StartedAt         *time.Time
	FinishedAt        *time.Time
	ClaimedBy         *string
	ClaimExpiresAt    *time.Time
	ParamsJSON        string
	ResultSummaryJSON *string
	ErrorCode         *string
	ErrorMessage      *string
}

// Terminal reports whether the run is in a terminal status.
func (r *Run) Terminal() bool {
	switch r.Status {
	case RunSucceeded, RunFailed, RunCanceled:
		return true
	}
	return false
}

// TaskInstance is the persisted execution record for one task within a run.
type TaskInstance struct {
	TaskRunID        string
	RunID            string
	TaskID           string
	TaskIndex        int
	TaskName         string
	TaskType         string
	Status           string
	Attempt          int
	MaxAttempts      int
	Idempotent       bool
	RequiresApproval bool
	ApprovalID       *string
	StartedAt        *time.Time
	FinishedAt       *time.Time
	InputJSON        string
	OutputJSON       *string
	ErrorCode        *string
	ErrorMessage     *string
}

// Approval is a manual gate on a side-effect task.
type Approval struct {
	ApprovalID  string
	RunID       string
	TaskID      string
	Status      string
	Prompt      string
	PreviewJSON *string
	CreatedAt   time.Time
	ResolvedAt  *time.Time
	ResolvedBy  *string
}

// Artifact tracks an on-disk file produced by a task.
type Artifact struct {
	ArtifactID   string
	RunID        string
	Kind         string
	ContentType  string
	URI          string
	MetadataJSON *string
	CreatedAt    time.Time
}

// Schedule is a periodic-trigger record for a (broker, profile) pair.
type Schedule struct {
	ScheduleID   string
	BrokerID     string
	ProfileID    string
	ScanType     string
	NextRunAt    time.Time
	LastRunID    *string
	LastRunAt    *time.Time
	IntervalDays int
	Enabled      bool
	CreatedAt    time.Time
}

// Profile is an encrypted PII profile. Plaintext never touches the store.
type Profile struct {
	ProfileID  string
	Ciphertext []byte
	IV         []byte
	Tag        []byte
	DataHash   string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Listing is a discovered broker listing for a profile.
type Listing struct {
	ListingID    string
	BrokerID     string
	ProfileID    string
	URL          string
	Status       string
	Confidence   float64
	FirstSeenAt  time.Time
	LastSeenAt   time.Time
	RemovedAt    *time.Time
	RecheckAfter *time.Time
	MetadataJSON *string
}

// RemovalAction is one removal attempt against a listing.
type RemovalAction struct {
	ActionID  string
	ListingID string
	RunID     *string
	Method    string
	Result    string
	Detail    *string
	CreatedAt time.Time
}

// QueueItem is a human-handoff work item (CAPTCHA, phone verify, postal).
type QueueItem struct {
	ItemID       string
	RunID        *string
	BrokerID     string
	ActionType   string
	Instructions string
	PayloadJSON  *string
	Status       string
	CreatedAt    time.Time
	CompletedAt  *time.Time
	CompletedBy  *string
}
