package registry

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/r3e-network/agent-mesh-kernel/infrastructure/metrics"
	"github.com/r3e-network/agent-mesh-kernel/infrastructure/ratelimit"
	"github.com/r3e-network/agent-mesh-kernel/infrastructure/resilience"
	"github.com/r3e-network/agent-mesh-kernel/infrastructure/utils"
)

// errNonOKStatus marks a /health response outside the 2xx range as a probe
// failure without needing to inspect the status code at the call site.
var errNonOKStatus = errors.New("health endpoint returned non-2xx status")

// ProberConfig tunes the health prober; zero values take package defaults.
type ProberConfig struct {
	Interval      time.Duration
	Timeout       time.Duration
	FailThreshold int
}

func (c *ProberConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 2500 * time.Millisecond
	}
	if c.FailThreshold <= 0 {
		c.FailThreshold = DefaultFailThreshold
	}
}

// Prober is a background worker that actively pings every registered
// worker's /health endpoint on an interval, keeping last_seen_ts and
// is_offline current even when no jobs are in flight. Follows the
// dispatcher's ticker+stopCh+SafeGo tick-loop shape.
type Prober struct {
	registry *Registry
	metrics  *metrics.Metrics
	logger   *zap.Logger
	cfg      ProberConfig
	client   *http.Client
	breakers map[string]*resilience.CircuitBreaker
	breakMu  sync.Mutex
	outbound *ratelimit.RateLimiter

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewProber constructs a Prober. m and logger may be nil.
func NewProber(reg *Registry, m *metrics.Metrics, logger *zap.Logger, cfg ProberConfig) *Prober {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{
		registry: reg,
		metrics:  m,
		logger:   logger,
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		breakers: make(map[string]*resilience.CircuitBreaker),
		outbound: ratelimit.New(ratelimit.RateLimitConfig{RequestsPerSecond: 50, Burst: 50}),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the background probing loop.
func (p *Prober) Start(ctx context.Context) {
	p.wg.Add(1)
	utils.SafeGo(func() {
		defer p.wg.Done()
		p.run(ctx)
	}, func(err error) {
		p.logger.Error("health prober loop panicked", zap.Error(err))
	})
}

// Stop signals the probing loop to exit and waits up to 5s for it to join.
func (p *Prober) Stop() {
	close(p.stopCh)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		p.logger.Warn("health prober did not stop within timeout")
	}
}

func (p *Prober) run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick runs one pass over every registered worker, pinging its endpoint and
// recording the outcome into the registry.
func (p *Prober) Tick(ctx context.Context) {
	for _, id := range p.registry.WorkerIDs() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		w := p.registry.GetWorker(id)
		if w == nil || w.Endpoint == "" {
			continue
		}

		ok, latency := p.ping(ctx, id, w.Endpoint)
		if err := p.registry.RecordProbeResult(id, ok, float64(latency.Milliseconds())); err != nil {
			p.logger.Error("record probe result failed", zap.String("worker_id", id), zap.Error(err))
		}
		if p.metrics != nil {
			p.metrics.RecordWorkerProbe(ok, latency)
		}
		if !ok {
			p.logger.Warn("mesh.probe fail", zap.String("worker_id", id), zap.String("endpoint", w.Endpoint))
		}
	}
}

func (p *Prober) breakerFor(workerID string) *resilience.CircuitBreaker {
	p.breakMu.Lock()
	defer p.breakMu.Unlock()
	cb, ok := p.breakers[workerID]
	if !ok {
		cb = resilience.New(resilience.Config{MaxFailures: p.cfg.FailThreshold, Timeout: p.cfg.Interval})
		p.breakers[workerID] = cb
	}
	return cb
}

// ping issues a GET to endpoint's /health path, wrapped in a per-worker
// circuit breaker so a persistently down worker stops eating probe latency.
// An outbound rate limiter caps how many probe requests leave the process
// per second regardless of how many workers are registered.
func (p *Prober) ping(ctx context.Context, workerID, endpoint string) (ok bool, latency time.Duration) {
	if err := p.outbound.Wait(ctx); err != nil {
		return false, 0
	}

	start := time.Now()
	cb := p.breakerFor(workerID)

	err := cb.Execute(ctx, func() error {
		healthURL := strings.TrimRight(endpoint, "/")
		if !strings.HasSuffix(healthURL, "/health") {
			healthURL += "/health"
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
		if err != nil {
			return err
		}
		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return errNonOKStatus
		}
		return nil
	})

	return err == nil, time.Since(start)
}
