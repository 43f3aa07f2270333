package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/agent-mesh-kernel/internal/kernel/model"
)

func (s *PostgresStore) EnsureChainContext(ctx context.Context, chainID, taskID string, limits model.ChainLimits, maxDepth, maxJobsTotal int, timeout time.Duration) (*model.ChainContext, error) {
	if existing, err := s.GetChainContext(ctx, chainID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
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
	if err := s.insertChainContext(ctx, chain); err != nil {
		return nil, err
	}
	return chain, nil
}

func (s *PostgresStore) insertChainContext(ctx context.Context, chain *model.ChainContext) error {
	limits, err := json.Marshal(chain.Limits)
	if err != nil {
		return err
	}
	artifacts, err := json.Marshal(chain.Artifacts)
	if err != nil {
		return err
	}
	requestedHashes, err := json.Marshal(chain.RequestedHashes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chain_contexts
			(chain_id, task_id, state, limits, artifacts, depth, jobs_total, max_depth,
			 max_jobs_total, timeout_at, requested_hashes, needs_tick, last_tick_at,
			 failed_reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, chain.ChainID, chain.TaskID, chain.State, limits, artifacts, chain.Depth, chain.JobsTotal,
		chain.MaxDepth, chain.MaxJobsTotal, chain.TimeoutAt, requestedHashes, chain.NeedsTick,
		chain.LastTickAt, nullString(chain.FailedReason))
	return err
}

func (s *PostgresStore) GetChainContext(ctx context.Context, chainID string) (*model.ChainContext, error) {
	var row struct {
		ChainID         string         `db:"chain_id"`
		TaskID          string         `db:"task_id"`
		State           string         `db:"state"`
		Limits          []byte         `db:"limits"`
		Artifacts       []byte         `db:"artifacts"`
		Depth           int            `db:"depth"`
		JobsTotal       int            `db:"jobs_total"`
		MaxDepth        int            `db:"max_depth"`
		MaxJobsTotal    int            `db:"max_jobs_total"`
		TimeoutAt       time.Time      `db:"timeout_at"`
		RequestedHashes []byte         `db:"requested_hashes"`
		NeedsTick       bool           `db:"needs_tick"`
		LastTickAt      sql.NullTime   `db:"last_tick_at"`
		FailedReason    sql.NullString `db:"failed_reason"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT chain_id, task_id, state, limits, artifacts, depth, jobs_total, max_depth,
		       max_jobs_total, timeout_at, requested_hashes, needs_tick, last_tick_at, failed_reason
		FROM chain_contexts WHERE chain_id = $1
	`, chainID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	chain := &model.ChainContext{
		ChainID:      row.ChainID,
		TaskID:       row.TaskID,
		State:        model.ChainState(row.State),
		Depth:        row.Depth,
		JobsTotal:    row.JobsTotal,
		MaxDepth:     row.MaxDepth,
		MaxJobsTotal: row.MaxJobsTotal,
		TimeoutAt:    row.TimeoutAt,
		NeedsTick:    row.NeedsTick,
		FailedReason: row.FailedReason.String,
	}
	if row.LastTickAt.Valid {
		chain.LastTickAt = &row.LastTickAt.Time
	}
	if err := json.Unmarshal(row.Limits, &chain.Limits); err != nil {
		return nil, fmt.Errorf("unmarshal chain limits: %w", err)
	}
	if len(row.Artifacts) > 0 {
		if err := json.Unmarshal(row.Artifacts, &chain.Artifacts); err != nil {
			return nil, fmt.Errorf("unmarshal chain artifacts: %w", err)
		}
	}
	if len(row.RequestedHashes) > 0 {
		if err := json.Unmarshal(row.RequestedHashes, &chain.RequestedHashes); err != nil {
			return nil, fmt.Errorf("unmarshal chain requested hashes: %w", err)
		}
	}
	return chain, nil
}

func (s *PostgresStore) UpdateChainContext(ctx context.Context, chain *model.ChainContext) error {
	artifacts, err := json.Marshal(chain.Artifacts)
	if err != nil {
		return err
	}
	requestedHashes, err := json.Marshal(chain.RequestedHashes)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE chain_contexts SET
			state = $1, artifacts = $2, depth = $3, jobs_total = $4, requested_hashes = $5,
			needs_tick = $6, failed_reason = $7
		WHERE chain_id = $8
	`, chain.State, artifacts, chain.Depth, chain.JobsTotal, requestedHashes, chain.NeedsTick,
		nullString(chain.FailedReason), chain.ChainID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func (s *PostgresStore) SetChainArtifact(ctx context.Context, chainID, key string, artifact model.Artifact) error {
	chain, err := s.GetChainContext(ctx, chainID)
	if err != nil {
		return err
	}
	if chain.Artifacts == nil {
		chain.Artifacts = make(map[string]model.Artifact)
	}
	chain.Artifacts[key] = artifact
	return s.UpdateChainContext(ctx, chain)
}

func (s *PostgresStore) AppendChainSpecs(ctx context.Context, specs []*model.ChainSpec) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for _, spec := range specs {
		if spec.SpecID == "" {
			spec.SpecID = uuid.NewString()
		}
		if spec.Status == "" {
			spec.Status = model.SpecPending
		}
		spec.CreatedAt = now

		params, err := json.Marshal(spec.Params)
		if err != nil {
			return err
		}
		resolvedParams, err := json.Marshal(spec.ResolvedParams)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO chain_specs
				(spec_id, chain_id, task_id, root_job_id, parent_job_id, kind, params,
				 resolved_params, status, dedupe_key, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			ON CONFLICT (chain_id, dedupe_key) DO NOTHING
		`, spec.SpecID, spec.ChainID, spec.TaskID, spec.RootJobID, spec.ParentJobID, spec.Kind,
			params, resolvedParams, spec.Status, spec.DedupeKey, spec.CreatedAt)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ClaimNextPendingSpec claims the oldest claimable spec for chainID via
// FOR UPDATE SKIP LOCKED plus a lease compare-and-swap, mirroring
// ClaimReadyJobs.
func (s *PostgresStore) ClaimNextPendingSpec(ctx context.Context, chainID string, lease time.Duration) (*model.ChainSpec, error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	spec, err := scanChainSpecRow(tx.QueryRowxContext(ctx, `
		SELECT spec_id, chain_id, task_id, root_job_id, parent_job_id, kind, params,
		       resolved_params, status, dedupe_key, claim_id, claimed_until, dispatched_job_id,
		       created_at
		FROM chain_specs
		WHERE chain_id = $1 AND status = $2 AND (claimed_until IS NULL OR claimed_until < now())
		ORDER BY created_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, chainID, model.SpecPending))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tx.Commit()
	}
	if err != nil {
		return nil, err
	}

	claimID := uuid.NewString()
	until := time.Now().UTC().Add(lease)
	if _, err := tx.ExecContext(ctx, `
		UPDATE chain_specs SET claim_id = $1, claimed_until = $2 WHERE spec_id = $3
	`, claimID, until, spec.SpecID); err != nil {
		return nil, err
	}
	spec.ClaimID = claimID
	spec.ClaimedUntil = &until

	return spec, tx.Commit()
}

func (s *PostgresStore) MarkChainSpecDispatched(ctx context.Context, specID, claimID, jobID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chain_specs SET status = $1, dispatched_job_id = $2
		WHERE spec_id = $3 AND claim_id = $4
	`, model.SpecDispatched, jobID, specID, claimID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func (s *PostgresStore) MarkChainSpecTerminal(ctx context.Context, specID string, status model.SpecStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chain_specs SET status = $1 WHERE spec_id = $2
	`, status, specID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func (s *PostgresStore) ListChainsNeedingTick(ctx context.Context, limit int) ([]*model.ChainContext, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT chain_id FROM chain_contexts
		WHERE state = $1 AND needs_tick = true
		ORDER BY last_tick_at NULLS FIRST
		LIMIT $2
	`, model.ChainRunning, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*model.ChainContext, 0, len(ids))
	for _, id := range ids {
		chain, err := s.GetChainContext(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, chain)
	}
	return out, nil
}

func (s *PostgresStore) UpdateChainTickTime(ctx context.Context, chainID string, tickedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chain_contexts SET last_tick_at = $1 WHERE chain_id = $2
	`, tickedAt, chainID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func (s *PostgresStore) SetChainNeedsTick(ctx context.Context, chainID string, needsTick bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chain_contexts SET needs_tick = $1 WHERE chain_id = $2
	`, needsTick, chainID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func (s *PostgresStore) GetRateLimitConfig(ctx context.Context, source string) (*model.RateLimitConfig, error) {
	var row struct {
		Source            string    `db:"source"`
		MaxJobsPerMinute  int       `db:"max_jobs_per_minute"`
		MaxConcurrentJobs int       `db:"max_concurrent_jobs"`
		CurrentCount      int       `db:"current_count"`
		WindowStart       time.Time `db:"window_start"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT source, max_jobs_per_minute, max_concurrent_jobs, current_count, window_start
		FROM rate_limit_configs WHERE source = $1
	`, source)
	if errors.Is(err, sql.ErrNoRows) {
		defaults := model.DefaultRateLimitConfig(source)
		if err := s.UpdateRateLimitConfig(ctx, &defaults); err != nil {
			return nil, err
		}
		return &defaults, nil
	}
	if err != nil {
		return nil, err
	}
	return &model.RateLimitConfig{
		Source:            row.Source,
		MaxJobsPerMinute:  row.MaxJobsPerMinute,
		MaxConcurrentJobs: row.MaxConcurrentJobs,
		CurrentCount:      row.CurrentCount,
		WindowStart:       row.WindowStart,
	}, nil
}

func (s *PostgresStore) UpdateRateLimitConfig(ctx context.Context, cfg *model.RateLimitConfig) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limit_configs
			(source, max_jobs_per_minute, max_concurrent_jobs, current_count, window_start)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (source) DO UPDATE SET
			max_jobs_per_minute = EXCLUDED.max_jobs_per_minute,
			max_concurrent_jobs = EXCLUDED.max_concurrent_jobs,
			current_count = EXCLUDED.current_count,
			window_start = EXCLUDED.window_start
	`, cfg.Source, cfg.MaxJobsPerMinute, cfg.MaxConcurrentJobs, cfg.CurrentCount, cfg.WindowStart)
	return err
}

func scanChainSpecRow(row jobRowScanner) (*model.ChainSpec, error) {
	var (
		spec                                model.ChainSpec
		params, resolvedParams              []byte
		claimID, dispatchedJobID             sql.NullString
		claimedUntil                         sql.NullTime
	)
	err := row.Scan(&spec.SpecID, &spec.ChainID, &spec.TaskID, &spec.RootJobID, &spec.ParentJobID,
		&spec.Kind, &params, &resolvedParams, &spec.Status, &spec.DedupeKey, &claimID,
		&claimedUntil, &dispatchedJobID, &spec.CreatedAt)
	if err != nil {
		return nil, err
	}
	spec.ClaimID = claimID.String
	spec.DispatchedJobID = dispatchedJobID.String
	if claimedUntil.Valid {
		spec.ClaimedUntil = &claimedUntil.Time
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &spec.Params); err != nil {
			return nil, fmt.Errorf("unmarshal spec params: %w", err)
		}
	}
	if len(resolvedParams) > 0 && string(resolvedParams) != "null" {
		if err := json.Unmarshal(resolvedParams, &spec.ResolvedParams); err != nil {
			return nil, fmt.Errorf("unmarshal spec resolved params: %w", err)
		}
	}
	return &spec, nil
}
