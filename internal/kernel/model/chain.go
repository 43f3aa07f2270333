package model

import "time"

// ChainState is the lifecycle state of a ChainContext.
type ChainState string

const (
	ChainRunning ChainState = "running"
	ChainDone    ChainState = "done"
	ChainError   ChainState = "error"
)

// ChainLimits bound artifact storage for one chain.
type ChainLimits struct {
	MaxFiles        int `json:"max_files"`
	MaxTotalBytes   int `json:"max_total_bytes"`
	MaxBytesPerFile int `json:"max_bytes_per_file"`
}

// DefaultChainLimits mirrors the teacher's conservative defaults for bounding
// tool-result artifacts kept in memory per chain.
func DefaultChainLimits() ChainLimits {
	return ChainLimits{
		MaxFiles:        200,
		MaxTotalBytes:   2_000_000,
		MaxBytesPerFile: 200_000,
	}
}

// ArtifactMeta records truncation applied when an artifact write exceeded a
// chain limit.
type ArtifactMeta struct {
	Truncated bool `json:"truncated,omitempty"`
}

// Artifact is a bounded data item produced by a tool job and stored in the
// chain context for later specs to reference.
type Artifact struct {
	Value interface{}  `json:"value"`
	Meta  ArtifactMeta `json:"meta"`
}

// ChainContext is the runtime trace of one agent's multi-step reasoning.
type ChainContext struct {
	ChainID    string               `json:"chain_id" db:"chain_id" validate:"required"`
	TaskID     string               `json:"task_id" db:"task_id" validate:"required"`
	State      ChainState           `json:"state" db:"state" validate:"required"`
	Limits     ChainLimits          `json:"limits" db:"limits"`
	Artifacts  map[string]Artifact  `json:"artifacts" db:"artifacts"`
	Depth      int                  `json:"depth" db:"depth"`
	JobsTotal  int                  `json:"jobs_total" db:"jobs_total"`
	MaxDepth   int                  `json:"max_depth" db:"max_depth"`
	MaxJobsTotal int               `json:"max_jobs_total" db:"max_jobs_total"`
	TimeoutAt  time.Time            `json:"timeout_at" db:"timeout_at"`
	RequestedHashes map[string]bool `json:"requested_hashes" db:"requested_hashes"`
	NeedsTick  bool                 `json:"needs_tick" db:"needs_tick"`
	LastTickAt *time.Time           `json:"last_tick_at" db:"last_tick_at"`
	FailedReason string             `json:"failed_reason,omitempty" db:"failed_reason"`
	LastToolResults map[string]interface{} `json:"last_tool_results,omitempty" db:"last_tool_results"`
	FinalAnswer string              `json:"final_answer,omitempty" db:"final_answer"`
}

// IsTerminal reports whether the chain has reached state=done or state=error.
func (c *ChainContext) IsTerminal() bool {
	return c.State == ChainDone || c.State == ChainError
}

// SpecStatus is the lifecycle state of a ChainSpec.
type SpecStatus string

const (
	SpecPending    SpecStatus = "pending"
	SpecDispatched SpecStatus = "dispatched"
	SpecDone       SpecStatus = "done"
	SpecFailed     SpecStatus = "failed"
)

// ResolveDirective is a parameter-reference instruction inside a spec's
// params, resolved by the SpecResolver against chain artifacts or a prior
// job's result.
type ResolveDirective struct {
	PathsFromArtifact  string              `json:"paths_from_artifact,omitempty"`
	InputsFromJobResult *InputsFromJobResult `json:"inputs_from_job_result,omitempty"`
	Transforms         []string            `json:"transforms,omitempty"`
}

// InputsFromJobResult references a JSON-path extraction from a prior job's
// result, placed under target_param after transforms apply.
type InputsFromJobResult struct {
	JobID       string `json:"job_id" validate:"required"`
	JSONPath    string `json:"json_path" validate:"required"`
	TargetParam string `json:"target_param" validate:"required"`
}

// ChainSpec is a pending description of a child job inside a chain; becomes
// a job when the runner dispatches it. ChainSpec rows are the unit of work,
// not jobs.
type ChainSpec struct {
	SpecID           string                 `json:"spec_id" db:"spec_id" validate:"required"`
	ChainID          string                 `json:"chain_id" db:"chain_id" validate:"required"`
	TaskID           string                 `json:"task_id" db:"task_id" validate:"required"`
	RootJobID        string                 `json:"root_job_id" db:"root_job_id"`
	ParentJobID      string                 `json:"parent_job_id" db:"parent_job_id"`
	Kind             string                 `json:"kind" db:"kind" validate:"required"`
	Params           map[string]interface{} `json:"params" db:"params"`
	ResolvedParams   map[string]interface{} `json:"resolved_params,omitempty" db:"resolved_params"`
	Status           SpecStatus             `json:"status" db:"status" validate:"required"`
	DedupeKey        string                 `json:"dedupe_key" db:"dedupe_key" validate:"required"`
	ClaimID          string                 `json:"claim_id,omitempty" db:"claim_id"`
	ClaimedUntil     *time.Time             `json:"claimed_until,omitempty" db:"claimed_until"`
	DispatchedJobID  string                 `json:"dispatched_job_id,omitempty" db:"dispatched_job_id"`
	CreatedAt        time.Time              `json:"created_at" db:"created_at"`
}

// Claimable reports whether the spec may be claimed at time now: pending,
// and either never claimed or its lease has expired.
func (s *ChainSpec) Claimable(now time.Time) bool {
	if s.Status != SpecPending {
		return false
	}
	return s.ClaimedUntil == nil || s.ClaimedUntil.Before(now)
}
