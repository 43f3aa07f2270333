package model

import "time"

// Capability advertises one job kind a worker can serve, along with its cost
// for that kind (used by the scoring formula's cost_score term).
type Capability struct {
	Kind string  `json:"kind" validate:"required"`
	Cost float64 `json:"cost"`
}

// WorkerStats are the per-worker statistics maintained by the Registry under
// lock, updated on dispatch/reap and by the health prober.
type WorkerStats struct {
	LatencyMsEMA          float64    `json:"latency_ms_ema"`
	SuccessEMA            float64    `json:"success_ema"`
	SampleCount           int        `json:"sample_count"`
	ConsecutiveFailures   int        `json:"consecutive_failures"`
	CooldownUntil         *time.Time `json:"cooldown_until,omitempty"`
	IsOffline             bool       `json:"is_offline"`
	ActiveJobs            int        `json:"active_jobs"`
	LastSeen              time.Time  `json:"last_seen"`
}

// DefaultWorkerStats seeds a newly registered worker's statistics per §4.4:
// success_ema=0.85, latency_ms_ema=750.
func DefaultWorkerStats() WorkerStats {
	return WorkerStats{
		LatencyMsEMA: 750,
		SuccessEMA:   0.85,
		LastSeen:     time.Time{},
	}
}

// WorkerInfo is a registered worker: its capabilities, transport endpoint,
// and live statistics. The Registry exclusively owns this type.
type WorkerInfo struct {
	WorkerID     string       `json:"worker_id" validate:"required"`
	Capabilities []Capability `json:"capabilities"`
	Endpoint     string       `json:"endpoint" validate:"required"`
	Stats        WorkerStats  `json:"stats"`
}

// CostFor returns the worker's advertised cost for kind, and whether it
// carries that capability at all.
func (w *WorkerInfo) CostFor(kind string) (float64, bool) {
	for _, c := range w.Capabilities {
		if c.Kind == kind {
			return c.Cost, true
		}
	}
	return 0, false
}
