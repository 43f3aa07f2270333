package chain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/r3e-network/agent-mesh-kernel/infrastructure/metrics"
	"github.com/r3e-network/agent-mesh-kernel/infrastructure/utils"
	"github.com/r3e-network/agent-mesh-kernel/internal/kernel/model"
	"github.com/r3e-network/agent-mesh-kernel/internal/kernel/store"
)

// sentinelParents are root-level parent markers that never gate a child job
// with a depends_on, mirroring chain_runner.py's exclusion of
// "parent"/"root"/"" from the dependency list.
var sentinelParents = map[string]bool{"parent": true, "root": true, "": true}

// DefaultChainBatchSize bounds how many chains one tick selects.
const DefaultChainBatchSize = 20

// Runner drains pending ChainSpec rows into dispatched jobs and enforces
// cross-chain round-robin fairness, per §4.3's tick operations. Shape
// (ticker + stopCh + SafeGo + 5s join) mirrors dispatch.Dispatcher, grounded
// on the same teacher scheduler.
type Runner struct {
	chains store.ChainStore
	jobs   store.JobStore
	logger *zap.Logger
	m      *metrics.Metrics

	tickInterval time.Duration
	lease        time.Duration
	batchSize    int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Config configures a Runner's tuning knobs; zero values take package
// defaults.
type Config struct {
	TickInterval time.Duration
	Lease        time.Duration
	BatchSize    int
}

// New constructs a Runner. logger and m may be nil for tests.
func New(chains store.ChainStore, jobs store.JobStore, m *metrics.Metrics, logger *zap.Logger, cfg Config) *Runner {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 120 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultChainBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		chains:       chains,
		jobs:         jobs,
		logger:       logger,
		m:            m,
		tickInterval: cfg.TickInterval,
		lease:        cfg.Lease,
		batchSize:    cfg.BatchSize,
		stopCh:       make(chan struct{}),
	}
}

// Start launches the background tick loop.
func (r *Runner) Start(ctx context.Context) {
	r.wg.Add(1)
	utils.SafeGo(func() {
		defer r.wg.Done()
		r.run(ctx)
	}, func(err error) {
		r.logger.Error("chain runner tick loop panicked", zap.Error(err))
	})
}

// Stop signals the tick loop to exit and waits up to 5s for it to join.
func (r *Runner) Stop() {
	close(r.stopCh)
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		r.logger.Warn("chain runner did not stop within timeout")
	}
}

func (r *Runner) run(ctx context.Context) {
	ticker := time.NewTicker(r.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			start := time.Now()
			claimed, err := r.Tick(ctx)
			if r.m != nil {
				r.m.RecordChainTick(claimed, claimed, nil, time.Since(start))
			}
			if err != nil {
				r.logger.Error("chain tick failed", zap.Error(err))
			}
		}
	}
}

// Tick runs one cycle of §4.3's tick operations 1-7 across up to
// batchSize chains, returning how many specs were dispatched and an
// aggregated error for any per-chain failures (one failing chain never
// stops the rest of the batch).
func (r *Runner) Tick(ctx context.Context) (int, error) {
	chains, err := r.chains.ListChainsNeedingTick(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}

	var errs *multierror.Error
	processed := 0
	now := time.Now().UTC()

	for _, c := range chains {
		// Step 2: fairness bump, independent of whether a spec is claimed.
		if err := r.chains.UpdateChainTickTime(ctx, c.ChainID, now); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("chain %s: %w", c.ChainID, err))
			continue
		}

		dispatched, err := r.processChain(ctx, c)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("chain %s: %w", c.ChainID, err))
			continue
		}
		if dispatched {
			processed++
		}
	}

	return processed, errs.ErrorOrNil()
}

// processChain runs steps 3-7 for one chain: claim, resolve, materialise,
// transition, and clear needs_tick if the queue has drained.
func (r *Runner) processChain(ctx context.Context, c *model.ChainContext) (bool, error) {
	spec, err := r.chains.ClaimNextPendingSpec(ctx, c.ChainID, r.lease)
	if err != nil {
		return false, err
	}
	if spec == nil {
		return r.maybeClearNeedsTick(ctx, c.ChainID)
	}

	if err := r.dispatchSpec(ctx, c, spec); err != nil {
		r.logger.Error("dispatch chain spec failed", zap.String("chain_id", c.ChainID), zap.String("spec_id", spec.SpecID), zap.Error(err))
		return false, err
	}

	r.logger.Info("chain spec dispatched", zap.String("chain_id", c.ChainID), zap.String("spec_id", spec.SpecID))
	return true, nil
}

// maybeClearNeedsTick implements step 7 when no spec was claimable this
// round: if the chain has no pending specs left at all, clear needs_tick.
func (r *Runner) maybeClearNeedsTick(ctx context.Context, chainID string) (bool, error) {
	// A fresh GetChainContext reflects the result of any concurrent
	// append_chain_specs that landed between ListChainsNeedingTick and now.
	fresh, err := r.chains.GetChainContext(ctx, chainID)
	if err != nil {
		return false, err
	}
	if !fresh.NeedsTick {
		return false, nil
	}
	if err := r.chains.SetChainNeedsTick(ctx, chainID, false); err != nil {
		return false, err
	}
	return false, nil
}

// dispatchSpec runs §4.3 steps 4-6 for one claimed spec.
func (r *Runner) dispatchSpec(ctx context.Context, c *model.ChainContext, spec *model.ChainSpec) error {
	resolved, err := resolveParams(spec, c, func(jobID string) (map[string]interface{}, error) {
		job, err := r.jobs.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		return job.Result, nil
	})
	if err != nil {
		return err
	}
	spec.ResolvedParams = resolved

	var dependsOn []string
	if !sentinelParents[spec.ParentJobID] {
		dependsOn = []string{spec.ParentJobID}
	}

	job := &model.Job{
		ID:             uuid.NewString(),
		TaskID:         spec.TaskID,
		Kind:           spec.Kind,
		Params:         resolved,
		Status:         model.JobPending,
		Priority:       model.PriorityNormal,
		TimeoutSeconds: 300,
		DependsOn:      dependsOn,
		IdempotencyKey: fmt.Sprintf("spec:%s", spec.SpecID),
		ChainHint: &model.ChainHint{
			ChainID: spec.ChainID,
			SpecID:  spec.SpecID,
			Role:    "child",
		},
	}

	if err := r.jobs.CreateJob(ctx, job); err != nil {
		return err
	}

	if err := r.chains.MarkChainSpecDispatched(ctx, spec.SpecID, spec.ClaimID, job.ID); err != nil {
		return err
	}

	return r.chains.SetChainNeedsTick(ctx, spec.ChainID, true)
}
