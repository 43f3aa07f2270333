package model

import "time"

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobWorking   JobStatus = "working"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// JobPriority controls dispatch ordering. Lower rank dispatches first.
type JobPriority string

const (
	PriorityCritical JobPriority = "critical"
	PriorityHigh     JobPriority = "high"
	PriorityNormal   JobPriority = "normal"
)

// PriorityRank returns the ordering rank for a priority band: lower sorts
// first. Unknown priorities rank below "normal" so malformed data never wins
// the queue over well-formed jobs.
func PriorityRank(p JobPriority) int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	default:
		return 3
	}
}

// ChainHint annotates a job with the chain that spawned it, for context
// updates on completion. Jobs created outside a chain carry a zero value.
type ChainHint struct {
	ChainID string `json:"chain_id,omitempty"`
	SpecID  string `json:"spec_id,omitempty"`
	Role    string `json:"role,omitempty"`
}

// Job is a single unit of worker-executable work: has dependencies, priority,
// retries, and a final result.
type Job struct {
	ID             string                 `json:"id" db:"id" validate:"required"`
	TaskID         string                 `json:"task_id" db:"task_id" validate:"required"`
	Kind           string                 `json:"kind" db:"kind" validate:"required"`
	Params         map[string]interface{} `json:"params" db:"params"`
	Status         JobStatus              `json:"status" db:"status" validate:"required"`
	RetryCount     int                    `json:"retry_count" db:"retry_count"`
	Priority       JobPriority            `json:"priority" db:"priority" validate:"required"`
	TimeoutSeconds int                    `json:"timeout_seconds" db:"timeout_seconds"`
	DependsOn      []string               `json:"depends_on" db:"depends_on"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty" db:"idempotency_key"`
	ChainHint      *ChainHint             `json:"chain_hint,omitempty" db:"chain_hint"`
	Result         map[string]interface{} `json:"result,omitempty" db:"result"`
	CreatedAt      time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at" db:"updated_at"`
}

// DependsSatisfied reports whether every dependency of j is present in
// completed, the set of completed job IDs.
func (j *Job) DependsSatisfied(completed map[string]bool) bool {
	for _, dep := range j.DependsOn {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// IsTerminal reports whether the job has reached a terminal status.
func (j *Job) IsTerminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}

// TransportResult is what the transport layer returns for a dispatched job:
// `try_sync_result` in the consumed-interfaces contract.
type TransportResult struct {
	OK     bool                   `json:"ok"`
	Action string                 `json:"action,omitempty"`
	Data   map[string]interface{} `json:"data,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// RateLimitConfig is the per-source sliding-window throttle state (§4.2).
type RateLimitConfig struct {
	Source            string    `json:"source" db:"source" validate:"required"`
	MaxJobsPerMinute  int       `json:"max_jobs_per_minute" db:"max_jobs_per_minute"`
	MaxConcurrentJobs int       `json:"max_concurrent_jobs" db:"max_concurrent_jobs"`
	CurrentCount      int       `json:"current_count" db:"current_count"`
	WindowStart       time.Time `json:"window_start" db:"window_start"`
}

// DefaultRateLimitConfig returns the default throttle for a source seen for
// the first time: 60 jobs/minute, 10 concurrent.
func DefaultRateLimitConfig(source string) RateLimitConfig {
	return RateLimitConfig{
		Source:            source,
		MaxJobsPerMinute:  60,
		MaxConcurrentJobs: 10,
		CurrentCount:       0,
		WindowStart:        time.Time{},
	}
}
