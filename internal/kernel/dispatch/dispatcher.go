package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/r3e-network/agent-mesh-kernel/infrastructure/metrics"
	"github.com/r3e-network/agent-mesh-kernel/infrastructure/utils"
	"github.com/r3e-network/agent-mesh-kernel/internal/kernel/chain"
	"github.com/r3e-network/agent-mesh-kernel/internal/kernel/model"
	"github.com/r3e-network/agent-mesh-kernel/internal/kernel/store"
)

// DefaultMaxRetries is how many times a failed job is retried before being
// marked failed for good, per §4.1 op 5.
const DefaultMaxRetries = 3

// DefaultBatchSize bounds how many jobs one tick claims.
const DefaultBatchSize = 50

// DefaultMaxResultCharsPerChild bounds how much of a chain-child job's
// result is kept in ChainContext.LastToolResults when no override is
// configured.
const DefaultMaxResultCharsPerChild = 25000

// Dispatcher runs the background tick loop that claims ready jobs, admits
// them through the per-source rate limiter, hands them to the transport,
// and reaps in-flight results. Follows the teacher's scheduler shape:
// ticker + stopCh + SafeGo-wrapped goroutine, joined with a timeout on
// Stop.
type Dispatcher struct {
	jobs        store.JobStore
	missions    store.MissionTaskStore
	rateLimiter *RateLimiter
	transport   Transport
	chains      *chain.Manager
	metrics     *metrics.Metrics
	logger      *zap.Logger

	tickInterval   time.Duration
	maxRetries     int
	batchSize      int
	maxResultChars int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Config configures a Dispatcher's tuning knobs; zero values take the
// package defaults.
type Config struct {
	TickInterval           time.Duration
	MaxRetries             int
	BatchSize              int
	MaxResultCharsPerChild int
}

// New constructs a Dispatcher. logger and m may be nil for tests. chains may
// be nil, in which case chain-child jobs complete without updating their
// chain's context (useful for tests that don't exercise chaining).
func New(jobs store.JobStore, missions store.MissionTaskStore, rl *RateLimiter, transport Transport, chains *chain.Manager, m *metrics.Metrics, logger *zap.Logger, cfg Config) *Dispatcher {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxResultCharsPerChild <= 0 {
		cfg.MaxResultCharsPerChild = DefaultMaxResultCharsPerChild
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		jobs:           jobs,
		missions:       missions,
		rateLimiter:    rl,
		transport:      transport,
		chains:         chains,
		metrics:        m,
		logger:         logger,
		tickInterval:   cfg.TickInterval,
		maxRetries:     cfg.MaxRetries,
		batchSize:      cfg.BatchSize,
		maxResultChars: cfg.MaxResultCharsPerChild,
		stopCh:         make(chan struct{}),
	}
}

// Start launches the background tick loop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	utils.SafeGo(func() {
		defer d.wg.Done()
		d.run(ctx)
	}, func(err error) {
		d.logger.Error("dispatcher tick loop panicked", zap.Error(err))
	})
}

// Stop signals the tick loop to exit and waits up to 5s for it to join.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		d.logger.Warn("dispatcher did not stop within timeout")
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			start := time.Now()
			admitted, denied := d.Tick(ctx)
			if d.metrics != nil {
				d.metrics.RecordDispatchTick(admitted, denied, time.Since(start))
			}
		}
	}
}

// Tick runs one dispatch cycle: activate planned missions, claim, dedup,
// admit, enqueue, reap. Returns the number of jobs admitted and a per-reason
// denial count for metrics.
func (d *Dispatcher) Tick(ctx context.Context) (admitted int, denied map[string]int) {
	denied = make(map[string]int)

	d.activatePlannedMissions(ctx)

	claimed, err := d.jobs.ClaimReadyJobs(ctx, d.batchSize)
	if err != nil {
		d.logger.Error("claim ready jobs failed", zap.Error(err))
		return 0, denied
	}

	sourceDenied := make(map[string]bool)
	for _, job := range claimed {
		if deduped, err := d.dedupeByIdempotencyKey(ctx, job); err != nil {
			d.logger.Error("idempotency dedup check failed", zap.String("job_id", job.ID), zap.Error(err))
			d.revertToPending(ctx, job)
			continue
		} else if deduped {
			denied["deduplicated"]++
			continue
		}

		source, err := d.resolveSource(ctx, job)
		if err != nil {
			d.logger.Error("resolve job source failed", zap.String("job_id", job.ID), zap.Error(err))
			d.revertToPending(ctx, job)
			continue
		}

		if sourceDenied[source] {
			denied["rate_limited"]++
			d.revertToPending(ctx, job)
			continue
		}

		active, err := d.jobs.CountRunningBySource(ctx, source)
		if err != nil {
			d.logger.Error("count running jobs failed", zap.String("source", source), zap.Error(err))
			d.revertToPending(ctx, job)
			continue
		}

		ok, err := d.rateLimiter.Admit(ctx, source, active)
		if err != nil {
			d.logger.Error("rate limit admit failed", zap.String("source", source), zap.Error(err))
			d.revertToPending(ctx, job)
			continue
		}
		if !ok {
			sourceDenied[source] = true
			denied["rate_limited"]++
			d.revertToPending(ctx, job)
			continue
		}

		if err := d.transport.Enqueue(ctx, job); err != nil {
			d.logger.Warn("enqueue failed, reverting to pending", zap.String("job_id", job.ID), zap.Error(err))
			denied["enqueue_failed"]++
			d.revertToPending(ctx, job)
			continue
		}

		admitted++
	}

	if err := d.reapResults(ctx); err != nil {
		d.logger.Error("reap results failed", zap.Error(err))
	}

	return admitted, denied
}

func (d *Dispatcher) revertToPending(ctx context.Context, job *model.Job) {
	job.Status = model.JobPending
	if err := d.jobs.UpdateJob(ctx, job); err != nil {
		d.logger.Error("revert job to pending failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (d *Dispatcher) resolveSource(ctx context.Context, job *model.Job) (string, error) {
	task, err := d.missions.GetTask(ctx, job.TaskID)
	if err != nil {
		return "", err
	}
	mission, err := d.missions.GetMission(ctx, task.MissionID)
	if err != nil {
		return "", err
	}
	return mission.UserID, nil
}

// activatePlannedMissions promotes every "planned" mission to "active" at
// the top of the tick, mirroring the teacher's run loop's planned-mission
// safety catch (core/main.py's "_run_loop", which lists missions and
// auto-promotes any still "planned" before dispatching).
func (d *Dispatcher) activatePlannedMissions(ctx context.Context) {
	planned, err := d.missions.ListMissionsByStatus(ctx, model.MissionPlanned)
	if err != nil {
		d.logger.Error("list planned missions failed", zap.Error(err))
		return
	}
	for _, mission := range planned {
		if err := d.missions.UpdateMissionStatus(ctx, mission.ID, model.MissionActive); err != nil {
			d.logger.Error("activate planned mission failed", zap.String("mission_id", mission.ID), zap.Error(err))
		}
	}
}

// dedupeByIdempotencyKey checks a freshly-claimed job's idempotency_key
// against already-completed jobs and, on a hit, completes job with a
// deduplicated result instead of dispatching it again (§4.1 op "submit_job",
// mirroring core/main.py's "_dispatch_step" completed_idempotency_keys
// check). Returns true if job was completed here and should not be
// dispatched.
func (d *Dispatcher) dedupeByIdempotencyKey(ctx context.Context, job *model.Job) (bool, error) {
	if job.IdempotencyKey == "" {
		return false, nil
	}
	existing, err := d.jobs.FindByIdempotencyKey(ctx, job.IdempotencyKey)
	if err != nil {
		if err == store.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	if existing.ID == job.ID || existing.Status != model.JobCompleted {
		return false, nil
	}

	job.Status = model.JobCompleted
	job.Result = map[string]interface{}{
		"ok":           true,
		"message":      "idempotent_return",
		"deduplicated": true,
	}
	if err := d.jobs.UpdateJob(ctx, job); err != nil {
		return false, err
	}
	return true, nil
}

// reapResults polls the transport for every working job and applies its
// outcome: success completes the job, failure retries up to maxRetries
// before marking it permanently failed (§4.1 op 5). Per SPEC_FULL.md's
// Open Question decision, a job that exhausts retries inside a chain does
// not revert its ChainSpec to pending; the chain advances on its own tick.
func (d *Dispatcher) reapResults(ctx context.Context) error {
	working, err := d.jobs.ListJobs(ctx, store.JobFilter{Status: model.JobWorking})
	if err != nil {
		return err
	}

	var errs *multierror.Error
	for _, job := range working {
		result, ok, err := d.transport.TrySyncResult(ctx, job.ID)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if !ok {
			continue
		}

		if result.OK {
			job.Status = model.JobCompleted
			job.Result = result.Data
		} else {
			job.RetryCount++
			if job.RetryCount >= d.maxRetries {
				job.Status = model.JobFailed
				if job.Result == nil {
					job.Result = make(map[string]interface{})
				}
				job.Result["error"] = result.Error
			} else {
				job.Status = model.JobPending
			}
		}

		if err := d.jobs.UpdateJob(ctx, job); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}

		if job.Status == model.JobCompleted || job.Status == model.JobFailed {
			d.applyChainResult(ctx, job)
		}
	}
	return errs.ErrorOrNil()
}

// applyChainResult feeds a terminal chain-child job's result back into its
// chain's context, mirroring job_chain_manager.py's "on_job_complete": a
// non-child job (ChainHint nil, or ChainHint.Role != "child") is a no-op.
// Errors are logged, not fatal to the tick, since the job's own terminal
// state is already durably persisted.
func (d *Dispatcher) applyChainResult(ctx context.Context, job *model.Job) {
	if d.chains == nil || job.ChainHint == nil || job.ChainHint.Role != "child" {
		return
	}
	if err := d.chains.ApplyContextUpdate(ctx, job.ChainHint.ChainID, job.Kind, job.Result); err != nil {
		d.logger.Error("apply chain context update failed", zap.String("chain_id", job.ChainHint.ChainID), zap.String("job_id", job.ID), zap.Error(err))
	}
	if err := d.chains.RecordChildResult(ctx, job.ChainHint.ChainID, job.ID, job.Kind, job.Result, d.maxResultChars); err != nil {
		d.logger.Error("record chain child result failed", zap.String("chain_id", job.ChainHint.ChainID), zap.String("job_id", job.ID), zap.Error(err))
	}
}
