package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/agent-mesh-kernel/internal/kernel/model"
)

// MemoryStore is a non-durable Store for tests and local prototyping. It
// follows the teacher's jam.InMemoryStore shape: one mutex, plain maps,
// linear scans for the claim-style queries a real database would index.
type MemoryStore struct {
	mu sync.Mutex

	missions   map[string]*model.Mission
	tasks      map[string]*model.Task
	jobs       map[string]*model.Job
	chains     map[string]*model.ChainContext
	specs      map[string]*model.ChainSpec
	rateLimits map[string]*model.RateLimitConfig
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		missions:   make(map[string]*model.Mission),
		tasks:      make(map[string]*model.Task),
		jobs:       make(map[string]*model.Job),
		chains:     make(map[string]*model.ChainContext),
		specs:      make(map[string]*model.ChainSpec),
		rateLimits: make(map[string]*model.RateLimitConfig),
	}
}

func (s *MemoryStore) CreateMission(_ context.Context, mission *model.Mission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mission.ID == "" {
		mission.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	mission.CreatedAt, mission.UpdatedAt = now, now
	cp := *mission
	s.missions[mission.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMission(_ context.Context, missionID string) (*model.Mission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.missions[missionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) UpdateMissionStatus(_ context.Context, missionID string, status model.MissionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.missions[missionID]
	if !ok {
		return ErrNotFound
	}
	m.Status = status
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListMissionsByStatus(_ context.Context, status model.MissionStatus) ([]*model.Mission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Mission
	for _, m := range s.missions {
		if m.Status != status {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CreateTask(_ context.Context, task *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.CreatedAt = time.Now().UTC()
	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, taskID string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) CreateJob(_ context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = model.JobPending
	}
	now := time.Now().UTC()
	job.CreatedAt, job.UpdatedAt = now, now
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, jobID string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *MemoryStore) ListJobs(_ context.Context, filter JobFilter) ([]*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Job
	for _, j := range s.jobs {
		if filter.TaskID != "" && j.TaskID != filter.TaskID {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.Priority != "" && j.Priority != filter.Priority {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateJob(_ context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return ErrNotFound
	}
	job.UpdatedAt = time.Now().UTC()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemoryStore) FindByIdempotencyKey(_ context.Context, key string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *model.Job
	for _, j := range s.jobs {
		if j.IdempotencyKey == key && (found == nil || j.CreatedAt.Before(found.CreatedAt)) {
			found = j
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	cp := *found
	return &cp, nil
}

// ClaimReadyJobs selects pending jobs with satisfied dependencies, ordered
// by priority rank then created_at, and flips them to working. This plays
// the role of the teacher's "FOR UPDATE SKIP LOCKED" claim under the
// MemoryStore's single mutex instead of row locks.
func (s *MemoryStore) ClaimReadyJobs(_ context.Context, limit int) ([]*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	completed := make(map[string]bool)
	for _, j := range s.jobs {
		if j.Status == model.JobCompleted {
			completed[j.ID] = true
		}
	}

	var candidates []*model.Job
	for _, j := range s.jobs {
		if j.Status != model.JobPending {
			continue
		}
		if !j.DependsSatisfied(completed) {
			continue
		}
		candidates = append(candidates, j)
	}
	sort.Slice(candidates, func(i, k int) bool {
		ri, rk := model.PriorityRank(candidates[i].Priority), model.PriorityRank(candidates[k].Priority)
		if ri != rk {
			return ri < rk
		}
		return candidates[i].CreatedAt.Before(candidates[k].CreatedAt)
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	now := time.Now().UTC()
	out := make([]*model.Job, 0, len(candidates))
	for _, j := range candidates {
		j.Status = model.JobWorking
		j.UpdatedAt = now
		cp := *j
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) CountRunningBySource(_ context.Context, source string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, j := range s.jobs {
		if j.Status != model.JobWorking {
			continue
		}
		task, ok := s.tasks[j.TaskID]
		if !ok {
			continue
		}
		mission, ok := s.missions[task.MissionID]
		if !ok {
			continue
		}
		if mission.UserID == source {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) EnsureChainContext(_ context.Context, chainID, taskID string, limits model.ChainLimits, maxDepth, maxJobsTotal int, timeout time.Duration) (*model.ChainContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.chains[chainID]; ok {
		cp := *existing
		return &cp, nil
	}
	chain := &model.ChainContext{
		ChainID:         chainID,
		TaskID:          taskID,
		State:           model.ChainRunning,
		Limits:          limits,
		Artifacts:       make(map[string]model.Artifact),
		MaxDepth:        maxDepth,
		MaxJobsTotal:    maxJobsTotal,
		TimeoutAt:       time.Now().UTC().Add(timeout),
		RequestedHashes: make(map[string]bool),
		NeedsTick:       true,
	}
	s.chains[chainID] = chain
	cp := *chain
	return &cp, nil
}

func (s *MemoryStore) GetChainContext(_ context.Context, chainID string) (*model.ChainContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chains[chainID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) UpdateChainContext(_ context.Context, chain *model.ChainContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chains[chain.ChainID]; !ok {
		return ErrNotFound
	}
	cp := *chain
	s.chains[chain.ChainID] = &cp
	return nil
}

func (s *MemoryStore) SetChainArtifact(_ context.Context, chainID, key string, artifact model.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chains[chainID]
	if !ok {
		return ErrNotFound
	}
	if c.Artifacts == nil {
		c.Artifacts = make(map[string]model.Artifact)
	}
	c.Artifacts[key] = artifact
	return nil
}

func (s *MemoryStore) AppendChainSpecs(_ context.Context, specs []*model.ChainSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, spec := range specs {
		duplicate := false
		for _, existing := range s.specs {
			if existing.ChainID == spec.ChainID && existing.DedupeKey == spec.DedupeKey {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}
		if spec.SpecID == "" {
			spec.SpecID = uuid.NewString()
		}
		if spec.Status == "" {
			spec.Status = model.SpecPending
		}
		spec.CreatedAt = now
		cp := *spec
		s.specs[spec.SpecID] = &cp
	}
	return nil
}

// ClaimNextPendingSpec claims the oldest claimable spec for chainID,
// mirroring the teacher's SKIP LOCKED "next pending" query with a
// compare-and-swap claim lease instead of a row lock.
func (s *MemoryStore) ClaimNextPendingSpec(_ context.Context, chainID string, lease time.Duration) (*model.ChainSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var winner *model.ChainSpec
	for _, spec := range s.specs {
		if spec.ChainID != chainID {
			continue
		}
		if !spec.Claimable(now) {
			continue
		}
		if winner == nil || spec.CreatedAt.Before(winner.CreatedAt) {
			winner = spec
		}
	}
	if winner == nil {
		return nil, nil
	}

	claimID := uuid.NewString()
	until := now.Add(lease)
	winner.ClaimID = claimID
	winner.ClaimedUntil = &until
	cp := *winner
	return &cp, nil
}

func (s *MemoryStore) MarkChainSpecDispatched(_ context.Context, specID, claimID, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	spec, ok := s.specs[specID]
	if !ok {
		return ErrNotFound
	}
	if spec.ClaimID != claimID {
		return ErrNotFound
	}
	spec.Status = model.SpecDispatched
	spec.DispatchedJobID = jobID
	return nil
}

func (s *MemoryStore) MarkChainSpecTerminal(_ context.Context, specID string, status model.SpecStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	spec, ok := s.specs[specID]
	if !ok {
		return ErrNotFound
	}
	spec.Status = status
	return nil
}

func (s *MemoryStore) ListChainsNeedingTick(_ context.Context, limit int) ([]*model.ChainContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.ChainContext
	for _, c := range s.chains {
		if c.State != model.ChainRunning || !c.NeedsTick {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool {
		ti, tk := out[i].LastTickAt, out[k].LastTickAt
		if ti == nil {
			return true
		}
		if tk == nil {
			return false
		}
		return ti.Before(*tk)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateChainTickTime(_ context.Context, chainID string, tickedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chains[chainID]
	if !ok {
		return ErrNotFound
	}
	c.LastTickAt = &tickedAt
	return nil
}

func (s *MemoryStore) SetChainNeedsTick(_ context.Context, chainID string, needsTick bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chains[chainID]
	if !ok {
		return ErrNotFound
	}
	c.NeedsTick = needsTick
	return nil
}

func (s *MemoryStore) GetRateLimitConfig(_ context.Context, source string) (*model.RateLimitConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg, ok := s.rateLimits[source]; ok {
		cp := *cfg
		return &cp, nil
	}
	cfg := model.DefaultRateLimitConfig(source)
	s.rateLimits[source] = &cfg
	cp := cfg
	return &cp, nil
}

func (s *MemoryStore) UpdateRateLimitConfig(_ context.Context, cfg *model.RateLimitConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cfg
	s.rateLimits[cfg.Source] = &cp
	return nil
}
