package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/r3e-network/agent-mesh-kernel/internal/kernel/model"
)

// PostgresStore implements Store on PostgreSQL tables, following the
// teacher's jam.PGStore: one struct wrapping *sqlx.DB, BeginTxx +
// FOR UPDATE SKIP LOCKED for claim-style reads, plain ExecContext for
// everything else.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore wraps an already-opened sqlx connection pool.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateMission(ctx context.Context, mission *model.Mission) error {
	metadata, err := json.Marshal(mission.Metadata)
	if err != nil {
		return fmt.Errorf("marshal mission metadata: %w", err)
	}
	now := time.Now().UTC()
	mission.CreatedAt, mission.UpdatedAt = now, now
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO missions (id, user_id, status, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, mission.ID, mission.UserID, mission.Status, metadata, mission.CreatedAt, mission.UpdatedAt)
	return err
}

func (s *PostgresStore) GetMission(ctx context.Context, missionID string) (*model.Mission, error) {
	var row struct {
		ID        string    `db:"id"`
		UserID    string    `db:"user_id"`
		Status    string    `db:"status"`
		Metadata  []byte    `db:"metadata"`
		CreatedAt time.Time `db:"created_at"`
		UpdatedAt time.Time `db:"updated_at"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT id, user_id, status, metadata, created_at, updated_at
		FROM missions WHERE id = $1
	`, missionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	mission := &model.Mission{
		ID:        row.ID,
		UserID:    row.UserID,
		Status:    model.MissionStatus(row.Status),
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &mission.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal mission metadata: %w", err)
		}
	}
	return mission, nil
}

func (s *PostgresStore) UpdateMissionStatus(ctx context.Context, missionID string, status model.MissionStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE missions SET status = $1, updated_at = now() WHERE id = $2
	`, status, missionID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func (s *PostgresStore) ListMissionsByStatus(ctx context.Context, status model.MissionStatus) ([]*model.Mission, error) {
	var rows []struct {
		ID        string    `db:"id"`
		UserID    string    `db:"user_id"`
		Status    string    `db:"status"`
		Metadata  []byte    `db:"metadata"`
		CreatedAt time.Time `db:"created_at"`
		UpdatedAt time.Time `db:"updated_at"`
	}
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, user_id, status, metadata, created_at, updated_at
		FROM missions WHERE status = $1 ORDER BY created_at
	`, status); err != nil {
		return nil, err
	}

	out := make([]*model.Mission, 0, len(rows))
	for _, row := range rows {
		mission := &model.Mission{
			ID:        row.ID,
			UserID:    row.UserID,
			Status:    model.MissionStatus(row.Status),
			CreatedAt: row.CreatedAt,
			UpdatedAt: row.UpdatedAt,
		}
		if len(row.Metadata) > 0 {
			if err := json.Unmarshal(row.Metadata, &mission.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal mission metadata: %w", err)
			}
		}
		out = append(out, mission)
	}
	return out, nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, task *model.Task) error {
	params, err := json.Marshal(task.Params)
	if err != nil {
		return fmt.Errorf("marshal task params: %w", err)
	}
	task.CreatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, mission_id, kind, params, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, task.ID, task.MissionID, task.Kind, params, task.CreatedAt)
	return err
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (*model.Task, error) {
	var row struct {
		ID        string    `db:"id"`
		MissionID string    `db:"mission_id"`
		Kind      string    `db:"kind"`
		Params    []byte    `db:"params"`
		CreatedAt time.Time `db:"created_at"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT id, mission_id, kind, params, created_at FROM tasks WHERE id = $1
	`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	task := &model.Task{ID: row.ID, MissionID: row.MissionID, Kind: row.Kind, CreatedAt: row.CreatedAt}
	if len(row.Params) > 0 {
		if err := json.Unmarshal(row.Params, &task.Params); err != nil {
			return nil, fmt.Errorf("unmarshal task params: %w", err)
		}
	}
	return task, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.Job) error {
	if job.Status == "" {
		job.Status = model.JobPending
	}
	now := time.Now().UTC()
	job.CreatedAt, job.UpdatedAt = now, now

	params, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("marshal job params: %w", err)
	}
	result, err := json.Marshal(job.Result)
	if err != nil {
		return fmt.Errorf("marshal job result: %w", err)
	}

	var chainID, chainSpecID, chainRole string
	if job.ChainHint != nil {
		chainID, chainSpecID, chainRole = job.ChainHint.ChainID, job.ChainHint.SpecID, job.ChainHint.Role
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs
			(id, task_id, kind, params, status, retry_count, priority, timeout_seconds,
			 depends_on, idempotency_key, chain_id, chain_spec_id, chain_role, result,
			 created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, job.ID, job.TaskID, job.Kind, params, job.Status, job.RetryCount, job.Priority,
		job.TimeoutSeconds, pq.Array(job.DependsOn), nullString(job.IdempotencyKey),
		nullString(chainID), nullString(chainSpecID), nullString(chainRole),
		result, job.CreatedAt, job.UpdatedAt)
	return err
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := scanJobRow(s.db.QueryRowxContext(ctx, jobSelectSQL+" WHERE id = $1", jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

func (s *PostgresStore) FindByIdempotencyKey(ctx context.Context, key string) (*model.Job, error) {
	job, err := scanJobRow(s.db.QueryRowxContext(ctx, jobSelectSQL+" WHERE idempotency_key = $1", key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*model.Job, error) {
	query := jobSelectSQL + " WHERE 1=1"
	var args []interface{}
	if filter.TaskID != "" {
		args = append(args, filter.TaskID)
		query += fmt.Sprintf(" AND task_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Priority != "" {
		args = append(args, filter.Priority)
		query += fmt.Sprintf(" AND priority = $%d", len(args))
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Job
	for rows.Next() {
		job, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *model.Job) error {
	job.UpdatedAt = time.Now().UTC()
	result, err := json.Marshal(job.Result)
	if err != nil {
		return fmt.Errorf("marshal job result: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = $1, retry_count = $2, result = $3, updated_at = $4
		WHERE id = $5
	`, job.Status, job.RetryCount, result, job.UpdatedAt, job.ID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

// ClaimReadyJobs selects pending jobs whose dependencies are all completed,
// locks them with FOR UPDATE SKIP LOCKED so concurrent dispatchers never
// double-claim, and flips them to working in the same transaction.
// Grounded directly on jam.PGStore.NextPending, generalized to a batch with
// a dependency-satisfaction filter and priority ordering.
func (s *PostgresStore) ClaimReadyJobs(ctx context.Context, limit int) ([]*model.Job, error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryxContext(ctx, `
		SELECT j.* FROM jobs j
		WHERE j.status = $1
		  AND NOT EXISTS (
		    SELECT 1 FROM unnest(j.depends_on) dep
		    WHERE dep NOT IN (SELECT id FROM jobs WHERE status = $2)
		  )
		ORDER BY
		  CASE j.priority WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'normal' THEN 2 ELSE 3 END,
		  j.created_at
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`, model.JobPending, model.JobCompleted, limit)
	if err != nil {
		return nil, err
	}

	var claimed []*model.Job
	for rows.Next() {
		job, err := scanJobRow(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, job)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	now := time.Now().UTC()
	for _, job := range claimed {
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = $1, updated_at = $2 WHERE id = $3
		`, model.JobWorking, now, job.ID); err != nil {
			return nil, err
		}
		job.Status = model.JobWorking
		job.UpdatedAt = now
	}

	return claimed, tx.Commit()
}

func (s *PostgresStore) CountRunningBySource(ctx context.Context, source string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT count(*) FROM jobs j
		JOIN tasks t ON t.id = j.task_id
		JOIN missions m ON m.id = t.mission_id
		WHERE j.status = $1 AND m.user_id = $2
	`, model.JobWorking, source)
	return count, err
}

const jobSelectSQL = `
	SELECT id, task_id, kind, params, status, retry_count, priority, timeout_seconds,
	       depends_on, idempotency_key, chain_id, chain_spec_id, chain_role, result,
	       created_at, updated_at
	FROM jobs`

type jobRowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJobRow(row jobRowScanner) (*model.Job, error) {
	var (
		j                                        model.Job
		params, result                           []byte
		dependsOn                                []string
		idempotencyKey, chainID, specID, role sql.NullString
	)
	err := row.Scan(&j.ID, &j.TaskID, &j.Kind, &params, &j.Status, &j.RetryCount, &j.Priority,
		&j.TimeoutSeconds, pq.Array(&dependsOn), &idempotencyKey, &chainID, &specID, &role,
		&result, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.DependsOn = dependsOn
	j.IdempotencyKey = idempotencyKey.String
	if chainID.Valid || specID.Valid || role.Valid {
		j.ChainHint = &model.ChainHint{ChainID: chainID.String, SpecID: specID.String, Role: role.String}
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &j.Params); err != nil {
			return nil, fmt.Errorf("unmarshal job params: %w", err)
		}
	}
	if len(result) > 0 && string(result) != "null" {
		if err := json.Unmarshal(result, &j.Result); err != nil {
			return nil, fmt.Errorf("unmarshal job result: %w", err)
		}
	}
	return &j, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
