package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/agent-mesh-kernel/internal/kernel/model"
)

func newMissionTask(t *testing.T, s *MemoryStore) (*model.Mission, *model.Task) {
	t.Helper()
	ctx := context.Background()

	mission := &model.Mission{ID: "mission-1", UserID: "alice", Status: model.MissionActive}
	require.NoError(t, s.CreateMission(ctx, mission))

	task := &model.Task{ID: "task-1", MissionID: mission.ID, Kind: "agent_plan"}
	require.NoError(t, s.CreateTask(ctx, task))

	return mission, task
}

func TestListMissionsByStatusFiltersOutOtherStatuses(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	planned := &model.Mission{ID: "mission-planned", UserID: "alice", Status: model.MissionPlanned}
	require.NoError(t, s.CreateMission(ctx, planned))
	active := &model.Mission{ID: "mission-active", UserID: "bob", Status: model.MissionActive}
	require.NoError(t, s.CreateMission(ctx, active))

	missions, err := s.ListMissionsByStatus(ctx, model.MissionPlanned)
	require.NoError(t, err)
	require.Len(t, missions, 1)
	assert.Equal(t, "mission-planned", missions[0].ID)
}

func TestCreateAndGetJob(t *testing.T) {
	s := NewMemoryStore()
	_, task := newMissionTask(t, s)
	ctx := context.Background()

	job := &model.Job{ID: "job-1", TaskID: task.ID, Kind: "walk_tree", Priority: model.PriorityNormal}
	require.NoError(t, s.CreateJob(ctx, job))

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, got.Status)
	assert.True(t, got.UpdatedAt.Equal(got.CreatedAt) || got.UpdatedAt.After(got.CreatedAt))
}

func TestGetJobNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimReadyJobsRespectsDependencies(t *testing.T) {
	s := NewMemoryStore()
	_, task := newMissionTask(t, s)
	ctx := context.Background()

	blocker := &model.Job{ID: "blocker", TaskID: task.ID, Priority: model.PriorityNormal}
	require.NoError(t, s.CreateJob(ctx, blocker))

	dependent := &model.Job{ID: "dependent", TaskID: task.ID, Priority: model.PriorityNormal, DependsOn: []string{"blocker"}}
	require.NoError(t, s.CreateJob(ctx, dependent))

	claimed, err := s.ClaimReadyJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "blocker", claimed[0].ID)

	require.NoError(t, s.UpdateJob(ctx, &model.Job{ID: "blocker", TaskID: task.ID, Status: model.JobCompleted}))

	claimed, err = s.ClaimReadyJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "dependent", claimed[0].ID)
}

func TestClaimReadyJobsOrdersByPriorityThenCreatedAt(t *testing.T) {
	s := NewMemoryStore()
	_, task := newMissionTask(t, s)
	ctx := context.Background()

	require.NoError(t, s.CreateJob(ctx, &model.Job{ID: "normal-1", TaskID: task.ID, Priority: model.PriorityNormal}))
	time.Sleep(time.Millisecond)
	require.NoError(t, s.CreateJob(ctx, &model.Job{ID: "critical-1", TaskID: task.ID, Priority: model.PriorityCritical}))

	claimed, err := s.ClaimReadyJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "critical-1", claimed[0].ID)
	assert.Equal(t, "normal-1", claimed[1].ID)
}

func TestFindByIdempotencyKey(t *testing.T) {
	s := NewMemoryStore()
	_, task := newMissionTask(t, s)
	ctx := context.Background()

	require.NoError(t, s.CreateJob(ctx, &model.Job{ID: "job-1", TaskID: task.ID, IdempotencyKey: "spec:abc"}))

	got, err := s.FindByIdempotencyKey(ctx, "spec:abc")
	require.NoError(t, err)
	assert.Equal(t, "job-1", got.ID)

	_, err = s.FindByIdempotencyKey(ctx, "spec:missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCountRunningBySource(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	mission, task := newMissionTask(t, s)

	require.NoError(t, s.CreateJob(ctx, &model.Job{ID: "job-1", TaskID: task.ID, Status: model.JobWorking}))
	require.NoError(t, s.CreateJob(ctx, &model.Job{ID: "job-2", TaskID: task.ID, Status: model.JobPending}))

	count, err := s.CountRunningBySource(ctx, mission.UserID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestEnsureChainContextIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first, err := s.EnsureChainContext(ctx, "chain-1", "task-1", model.DefaultChainLimits(), 5, 25, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, model.ChainRunning, first.State)

	second, err := s.EnsureChainContext(ctx, "chain-1", "task-1", model.DefaultChainLimits(), 5, 25, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, first.ChainID, second.ChainID)
}

func TestClaimNextPendingSpecRespectsLease(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, err := s.EnsureChainContext(ctx, "chain-1", "task-1", model.DefaultChainLimits(), 5, 25, time.Hour)
	require.NoError(t, err)

	require.NoError(t, s.AppendChainSpecs(ctx, []*model.ChainSpec{
		{SpecID: "spec-1", ChainID: "chain-1", TaskID: "task-1", Kind: "walk_tree", DedupeKey: "dk-1"},
	}))

	claimed, err := s.ClaimNextPendingSpec(ctx, "chain-1", 120*time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.NotEmpty(t, claimed.ClaimID)

	again, err := s.ClaimNextPendingSpec(ctx, "chain-1", 120*time.Second)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestAppendChainSpecsDedupes(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, err := s.EnsureChainContext(ctx, "chain-1", "task-1", model.DefaultChainLimits(), 5, 25, time.Hour)
	require.NoError(t, err)

	specs := []*model.ChainSpec{
		{SpecID: "spec-1", ChainID: "chain-1", TaskID: "task-1", Kind: "walk_tree", DedupeKey: "dk-1"},
	}
	require.NoError(t, s.AppendChainSpecs(ctx, specs))
	require.NoError(t, s.AppendChainSpecs(ctx, []*model.ChainSpec{
		{SpecID: "spec-2", ChainID: "chain-1", TaskID: "task-1", Kind: "walk_tree", DedupeKey: "dk-1"},
	}))

	count := 0
	for _, spec := range s.specs {
		if spec.ChainID == "chain-1" {
			count++
		}
	}
	assert.Equal(t, 1, count, "a second spec with the same chain and dedupe_key is ignored, as Postgres's ON CONFLICT DO NOTHING does")
}

func TestListChainsNeedingTickOrdersByLastTickAt(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.EnsureChainContext(ctx, "chain-a", "task-1", model.DefaultChainLimits(), 5, 25, time.Hour)
	require.NoError(t, err)
	_, err = s.EnsureChainContext(ctx, "chain-b", "task-1", model.DefaultChainLimits(), 5, 25, time.Hour)
	require.NoError(t, err)

	older := time.Now().Add(-time.Hour)
	require.NoError(t, s.UpdateChainTickTime(ctx, "chain-a", older))

	chains, err := s.ListChainsNeedingTick(ctx, 10)
	require.NoError(t, err)
	require.Len(t, chains, 2)
	assert.Equal(t, "chain-b", chains[0].ChainID, "never-ticked chains sort before ticked ones")
}

func TestRateLimitConfigDefaultsThenPersists(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	cfg, err := s.GetRateLimitConfig(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.MaxJobsPerMinute)

	cfg.CurrentCount = 5
	require.NoError(t, s.UpdateRateLimitConfig(ctx, cfg))

	again, err := s.GetRateLimitConfig(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 5, again.CurrentCount)
}
