// Package dispatch implements the Dispatcher tick loop (§4.1) and the
// per-source sliding-window admission gate (§4.2) that throttles how many
// jobs each source may run concurrently and per minute.
package dispatch

import (
	"context"
	"time"

	"github.com/r3e-network/agent-mesh-kernel/internal/kernel/model"
	"github.com/r3e-network/agent-mesh-kernel/internal/kernel/store"
)

const windowDuration = 60 * time.Second

// RateLimiter gates job admission per source against a persisted sliding
// window, distinct from infrastructure/ratelimit's in-memory token bucket:
// this window's state is durable and shared across dispatcher instances.
type RateLimiter struct {
	store store.RateLimitStore
}

// NewRateLimiter wraps a RateLimitStore.
func NewRateLimiter(s store.RateLimitStore) *RateLimiter {
	return &RateLimiter{store: s}
}

// Admit reports whether source may start one more job right now. On
// admission it increments and persists current_count. activeJobs is the
// caller's current count of working jobs for source (CountRunningBySource).
func (r *RateLimiter) Admit(ctx context.Context, source string, activeJobs int) (bool, error) {
	cfg, err := r.store.GetRateLimitConfig(ctx, source)
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()
	if now.Sub(cfg.WindowStart) >= windowDuration {
		cfg.WindowStart = now
		cfg.CurrentCount = 0
	}

	if cfg.CurrentCount >= cfg.MaxJobsPerMinute {
		return false, nil
	}
	if activeJobs >= cfg.MaxConcurrentJobs {
		return false, nil
	}

	cfg.CurrentCount++
	if err := r.store.UpdateRateLimitConfig(ctx, cfg); err != nil {
		return false, err
	}
	return true, nil
}

// Config returns the current persisted configuration for source, seeding
// defaults (60/min, 10 concurrent) on first use.
func (r *RateLimiter) Config(ctx context.Context, source string) (*model.RateLimitConfig, error) {
	return r.store.GetRateLimitConfig(ctx, source)
}

// UpdateConfig persists an operator override of source's limits.
func (r *RateLimiter) UpdateConfig(ctx context.Context, cfg *model.RateLimitConfig) error {
	return r.store.UpdateRateLimitConfig(ctx, cfg)
}
