// Package registry implements the worker registry and scoring engine
// (§4.4): file-backed persistence of WorkerInfo/WorkerStats, EMA-based
// reliability and latency tracking, the eligibility gate, and the weighted
// best-worker selection used by the dispatcher's transport layer.
package registry

import (
	"errors"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	kernelerrors "github.com/r3e-network/agent-mesh-kernel/infrastructure/errors"
	"github.com/r3e-network/agent-mesh-kernel/internal/kernel/atomicio"
	"github.com/r3e-network/agent-mesh-kernel/internal/kernel/model"
)

// emaAlpha is the smoothing factor for both the success and latency EMAs.
const emaAlpha = 0.2

// DefaultFailThreshold is how many consecutive failures before a worker is
// marked offline and put into cooldown.
const DefaultFailThreshold = 3

// DefaultCooldownSeconds is how long an offline worker stays ineligible
// after tripping the fail threshold.
const DefaultCooldownSeconds = 300

// Config tunes scoring and eligibility; zero values take package defaults.
type Config struct {
	WeightCost     float64
	WeightRel      float64
	WeightLat      float64
	ReliabilityMin float64
	WarmupN        int
	StaleTTL       time.Duration
	LatencyCapMs   float64
	MaxInflight    int
	FailThreshold  int
	CooldownPeriod time.Duration
}

func (c *Config) applyDefaults() {
	if c.WeightCost == 0 && c.WeightRel == 0 && c.WeightLat == 0 {
		c.WeightCost, c.WeightRel, c.WeightLat = 0.45, 0.40, 0.15
	}
	if c.ReliabilityMin == 0 {
		c.ReliabilityMin = 0.60
	}
	if c.WarmupN == 0 {
		c.WarmupN = 5
	}
	if c.StaleTTL == 0 {
		c.StaleTTL = 120 * time.Second
	}
	if c.LatencyCapMs == 0 {
		c.LatencyCapMs = 1500
	}
	if c.MaxInflight == 0 {
		c.MaxInflight = 3
	}
	if c.FailThreshold == 0 {
		c.FailThreshold = DefaultFailThreshold
	}
	if c.CooldownPeriod == 0 {
		c.CooldownPeriod = DefaultCooldownSeconds * time.Second
	}
}

// normalizedWeights rebalances the three weights to sum to 1, falling back
// to the package defaults if they sum to zero or less (mirrors
// MeshConfig.normalized_weights).
func (c Config) normalizedWeights() (cost, rel, lat float64) {
	sum := c.WeightCost + c.WeightRel + c.WeightLat
	if sum <= 0 {
		return 0.45, 0.40, 0.15
	}
	return c.WeightCost / sum, c.WeightRel / sum, c.WeightLat / sum
}

// Registry holds the live worker set under a single mutex, persisting to a
// JSON file via internal/kernel/atomicio on every mutation. Follows the
// teacher's manager/mutex/repository shape (internal/gasbank.Manager): an
// in-memory map guarded by a lock, with every mutating call loading the
// latest on-disk state before mutating and saving it back out.
type Registry struct {
	mu      sync.RWMutex
	path    string
	cfg     Config
	logger  *zap.Logger
	workers map[string]*model.WorkerInfo
}

// New constructs a Registry backed by storagePath. logger may be nil.
func New(storagePath string, cfg Config, logger *zap.Logger) *Registry {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		path:    storagePath,
		cfg:     cfg,
		logger:  logger,
		workers: make(map[string]*model.WorkerInfo),
	}
}

type onDiskState struct {
	Workers map[string]*model.WorkerInfo `json:"workers"`
}

// Load reads the registry's on-disk state, falling back to the .bak copy
// (and self-healing the primary) on a corrupt primary file, per
// mesh_registry.py's load().
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked()
}

func (r *Registry) loadLocked() error {
	var state onDiskState
	if err := atomicio.ReadJSONWithBackup(r.path, &state); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			r.workers = make(map[string]*model.WorkerInfo)
			return nil
		}
		return kernelerrors.Internal("load worker registry", err)
	}
	if state.Workers == nil {
		state.Workers = make(map[string]*model.WorkerInfo)
	}
	r.workers = state.Workers
	return nil
}

func (r *Registry) saveLocked() error {
	state := onDiskState{Workers: r.workers}
	if err := atomicio.AtomicWriteJSON(r.path, state); err != nil {
		return kernelerrors.Internal("save worker registry", err)
	}
	return nil
}

// Register adds or replaces a worker's capabilities and endpoint, seeding
// fresh statistics via model.DefaultWorkerStats for a new worker and
// preserving existing statistics for a re-registration.
func (r *Registry) Register(workerID, endpoint string, caps []model.Capability) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return err
	}

	stats := model.DefaultWorkerStats()
	if existing, ok := r.workers[workerID]; ok {
		stats = existing.Stats
	}
	r.workers[workerID] = &model.WorkerInfo{
		WorkerID:     workerID,
		Endpoint:     endpoint,
		Capabilities: caps,
		Stats:        stats,
	}
	return r.saveLocked()
}

// Heartbeat refreshes a worker's last-seen timestamp without touching its
// EMA statistics.
func (r *Registry) Heartbeat(workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return err
	}
	w, ok := r.workers[workerID]
	if !ok {
		return kernelerrors.NotFound("worker", workerID)
	}
	w.Stats.LastSeen = time.Now()
	return r.saveLocked()
}

// updateEMA applies the shared EMA update: success_ema always moves toward
// the observed outcome, latency_ms_ema only moves on a successful call
// (mirrors job_chain_manager.py... no, mesh_registry.py's _update_ema).
func updateEMA(stats *model.WorkerStats, success bool, latencyMs float64) {
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	stats.SuccessEMA = emaAlpha*outcome + (1-emaAlpha)*stats.SuccessEMA
	if success {
		stats.LatencyMsEMA = emaAlpha*latencyMs + (1-emaAlpha)*stats.LatencyMsEMA
	}
	stats.SampleCount++
	stats.LastSeen = time.Now()
}

// RecordJobStart increments active_jobs without persisting, matching
// mesh_registry.py's record_job_start: dispatch is a hot path and a worker
// can tolerate a momentarily stale on-disk active_jobs count.
func (r *Registry) RecordJobStart(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[workerID]; ok {
		w.Stats.ActiveJobs++
	}
}

// RecordWorkerResult updates a worker's statistics after a dispatched job
// completes. consecutive_failures is captured before the on-disk reload so
// a result observed between Load calls is not lost to a concurrent
// heartbeat/probe (mirrors the Python original's pre-reload capture).
func (r *Registry) RecordWorkerResult(workerID string, success bool, latencyMs float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var preservedFailures int
	if w, ok := r.workers[workerID]; ok {
		preservedFailures = w.Stats.ConsecutiveFailures
		if w.Stats.ActiveJobs > 0 {
			w.Stats.ActiveJobs--
		}
	}

	if err := r.loadLocked(); err != nil {
		return err
	}
	w, ok := r.workers[workerID]
	if !ok {
		return kernelerrors.NotFound("worker", workerID)
	}
	w.Stats.ConsecutiveFailures = preservedFailures
	r.applyOutcomeLocked(w, success, latencyMs)
	return r.saveLocked()
}

// RecordProbeResult updates statistics from a health-prober ping. Unlike
// RecordWorkerResult, it does not preserve consecutive_failures across the
// reload: the prober and the dispatch path genuinely race, and the Python
// original accepts the reloaded value as-is here.
func (r *Registry) RecordProbeResult(workerID string, success bool, latencyMs float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return err
	}
	w, ok := r.workers[workerID]
	if !ok {
		return kernelerrors.NotFound("worker", workerID)
	}
	r.applyOutcomeLocked(w, success, latencyMs)
	return r.saveLocked()
}

func (r *Registry) applyOutcomeLocked(w *model.WorkerInfo, success bool, latencyMs float64) {
	updateEMA(&w.Stats, success, latencyMs)
	if success {
		w.Stats.ConsecutiveFailures = 0
		w.Stats.IsOffline = false
		w.Stats.CooldownUntil = nil
		return
	}

	w.Stats.ConsecutiveFailures++
	if w.Stats.ConsecutiveFailures >= r.cfg.FailThreshold {
		w.Stats.IsOffline = true
		until := time.Now().Add(r.cfg.CooldownPeriod)
		w.Stats.CooldownUntil = &until
	}
}

// GetWorker returns a copy of the worker's current state, or nil if unknown.
func (r *Registry) GetWorker(workerID string) *model.WorkerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[workerID]
	if !ok {
		return nil
	}
	cp := *w
	return &cp
}

// WorkerIDs returns a snapshot of all registered worker IDs, used by the
// health prober to iterate without holding the lock for the probe round.
func (r *Registry) WorkerIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	return ids
}

// IsEligible applies §4.4's five eligibility gates: not offline, not stale,
// past any cooldown, past warmup (or above the reliability floor), and
// under its max-inflight cap.
func (r *Registry) IsEligible(w *model.WorkerInfo, now time.Time) bool {
	if w.Stats.IsOffline {
		return false
	}
	if !w.Stats.LastSeen.IsZero() && now.Sub(w.Stats.LastSeen) > r.cfg.StaleTTL {
		return false
	}
	if w.Stats.CooldownUntil != nil && now.Before(*w.Stats.CooldownUntil) {
		return false
	}
	if w.Stats.SampleCount < r.cfg.WarmupN && w.Stats.SuccessEMA < r.cfg.ReliabilityMin {
		return false
	}
	if w.Stats.ActiveJobs >= r.cfg.MaxInflight {
		return false
	}
	return true
}

// scored pairs a worker with its computed selection score for logging.
type scored struct {
	worker *model.WorkerInfo
	score  float64
	cost   float64
}

// GetBestWorker selects the highest-scoring eligible worker advertising
// kind, per §4.4's weighted formula:
//
//	cost_score = 1 / (1 + cost)
//	rel_score  = success_ema
//	lat_score  = 1 - min(latency_ms_ema, cap) / cap
//	score      = w_cost*cost_score + w_rel*rel_score + w_lat*lat_score
//
// Returns kernelerrors.NoEligibleWorker(kind) if none qualify.
func (r *Registry) GetBestWorker(kind string, now time.Time) (*model.WorkerInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []scored
	for _, w := range r.workers {
		if !r.IsEligible(w, now) {
			continue
		}
		cost, ok := w.CostFor(kind)
		if !ok {
			continue
		}
		candidates = append(candidates, scored{worker: w, cost: cost, score: r.score(w, cost)})
	}

	if len(candidates) == 0 {
		return nil, kernelerrors.NoEligibleWorker(kind)
	}
	if len(candidates) == 1 {
		cp := *candidates[0].worker
		return &cp, nil
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	r.logTopCandidates(kind, candidates)

	best := *candidates[0].worker
	return &best, nil
}

func (r *Registry) score(w *model.WorkerInfo, cost float64) float64 {
	wCost, wRel, wLat := r.cfg.normalizedWeights()

	costScore := 1.0 / (1.0 + cost)
	relScore := w.Stats.SuccessEMA
	latCapped := math.Min(w.Stats.LatencyMsEMA, r.cfg.LatencyCapMs)
	latScore := 1.0 - latCapped/r.cfg.LatencyCapMs

	return wCost*costScore + wRel*relScore + wLat*latScore
}

// logTopCandidates logs the top 3 scored candidates for observability into
// why a particular worker won the selection.
func (r *Registry) logTopCandidates(kind string, candidates []scored) {
	n := 3
	if len(candidates) < n {
		n = len(candidates)
	}
	for i := 0; i < n; i++ {
		c := candidates[i]
		r.logger.Debug("mesh.select candidate",
			zap.String("kind", kind),
			zap.Int("rank", i+1),
			zap.String("worker_id", c.worker.WorkerID),
			zap.Float64("score", c.score),
			zap.Float64("cost", c.cost),
			zap.Float64("success_ema", c.worker.Stats.SuccessEMA),
			zap.Float64("latency_ms_ema", c.worker.Stats.LatencyMsEMA),
		)
	}
}
