// Package store persists Mission/Task/Job/ChainContext/ChainSpec state. It
// is the system of record for everything the Dispatcher and ChainRunner
// claim and mutate; the Registry and Ledger persist separately through
// internal/kernel/atomicio's file formats instead.
package store

import (
	"context"
	"time"

	"github.com/r3e-network/agent-mesh-kernel/internal/kernel/model"
)

// JobFilter narrows ListJobs to a subset of jobs.
type JobFilter struct {
	TaskID   string
	Status   model.JobStatus
	Priority model.JobPriority
}

// JobStore persists Job rows and the claim-and-dispatch operations the
// Dispatcher needs.
type JobStore interface {
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*model.Job, error)
	UpdateJob(ctx context.Context, job *model.Job) error
	// FindByIdempotencyKey returns the job already carrying key, if any.
	FindByIdempotencyKey(ctx context.Context, key string) (*model.Job, error)
	// ClaimReadyJobs atomically selects up to limit pending jobs whose
	// dependencies are satisfied, ordered by priority rank then created_at,
	// and marks them working. Mirrors the SKIP LOCKED claim in the
	// teacher's jam.PGStore.NextPending, generalized to a batch.
	ClaimReadyJobs(ctx context.Context, limit int) ([]*model.Job, error)
	// CountRunningBySource returns the number of working jobs whose task
	// belongs to source (mission.user_id), for §4.2's concurrency gate.
	CountRunningBySource(ctx context.Context, source string) (int, error)
}

// ChainStore persists ChainContext/ChainSpec rows and the lease-based claim
// the ChainRunner uses.
type ChainStore interface {
	EnsureChainContext(ctx context.Context, chainID, taskID string, limits model.ChainLimits, maxDepth, maxJobsTotal int, timeout time.Duration) (*model.ChainContext, error)
	GetChainContext(ctx context.Context, chainID string) (*model.ChainContext, error)
	UpdateChainContext(ctx context.Context, chain *model.ChainContext) error
	SetChainArtifact(ctx context.Context, chainID, key string, artifact model.Artifact) error

	AppendChainSpecs(ctx context.Context, specs []*model.ChainSpec) error
	// ClaimNextPendingSpec claims one claimable spec for chainID under a
	// lease, returning nil if none is claimable.
	ClaimNextPendingSpec(ctx context.Context, chainID string, lease time.Duration) (*model.ChainSpec, error)
	MarkChainSpecDispatched(ctx context.Context, specID, claimID, jobID string) error
	MarkChainSpecTerminal(ctx context.Context, specID string, status model.SpecStatus) error
	// ListChainsNeedingTick returns up to limit running chains with
	// needs_tick=true, ordered by last_tick_at (oldest first) for
	// cross-chain fairness.
	ListChainsNeedingTick(ctx context.Context, limit int) ([]*model.ChainContext, error)
	UpdateChainTickTime(ctx context.Context, chainID string, tickedAt time.Time) error
	SetChainNeedsTick(ctx context.Context, chainID string, needsTick bool) error
}

// RateLimitStore persists per-source sliding-window rate-limit state.
type RateLimitStore interface {
	GetRateLimitConfig(ctx context.Context, source string) (*model.RateLimitConfig, error)
	UpdateRateLimitConfig(ctx context.Context, cfg *model.RateLimitConfig) error
}

// MissionTaskStore persists Mission/Task rows.
type MissionTaskStore interface {
	CreateMission(ctx context.Context, mission *model.Mission) error
	GetMission(ctx context.Context, missionID string) (*model.Mission, error)
	UpdateMissionStatus(ctx context.Context, missionID string, status model.MissionStatus) error
	// ListMissionsByStatus returns every mission currently in status, for the
	// dispatcher's planned->active auto-activation sweep (§4.1, mirroring
	// core/main.py's "_run_loop" planned-mission safety catch).
	ListMissionsByStatus(ctx context.Context, status model.MissionStatus) ([]*model.Mission, error)
	CreateTask(ctx context.Context, task *model.Task) error
	GetTask(ctx context.Context, taskID string) (*model.Task, error)
}

// Store is the full persistence surface the kernel depends on.
type Store interface {
	JobStore
	ChainStore
	RateLimitStore
	MissionTaskStore
}

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "store: not found" }
