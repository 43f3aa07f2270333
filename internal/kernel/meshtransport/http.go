// Package meshtransport provides a minimal HTTP-based implementation of
// dispatch.Transport, resolving a job's worker endpoint through the
// Registry and speaking a small REST convention against it: POST to enqueue,
// GET to poll for a result. Wire-protocol "mechanics" beyond this shape are
// explicitly out of scope (spec.md §1 Non-goals); this exists only so
// cmd/kerneld has something non-nil to hand the Dispatcher.
package meshtransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/r3e-network/agent-mesh-kernel/infrastructure/resilience"
	"github.com/r3e-network/agent-mesh-kernel/internal/kernel/model"
	"github.com/r3e-network/agent-mesh-kernel/internal/kernel/registry"
)

// Config tunes the HTTP transport; zero values take package defaults.
type Config struct {
	Timeout       time.Duration
	FailThreshold int
	BreakerReset  time.Duration
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Second
	}
	if c.FailThreshold <= 0 {
		c.FailThreshold = registry.DefaultFailThreshold
	}
	if c.BreakerReset <= 0 {
		c.BreakerReset = 30 * time.Second
	}
}

// HTTPTransport resolves a worker for a job's kind via the Registry, POSTs
// the job to "<endpoint>/jobs", and polls "<endpoint>/jobs/<id>" for a
// result. Per-worker circuit breakers follow the Prober's shape so a
// worker stuck failing enqueue calls doesn't eat dispatch-tick latency.
type HTTPTransport struct {
	registry *registry.Registry
	client   *http.Client
	logger   *zap.Logger
	cfg      Config

	breakMu  sync.Mutex
	breakers map[string]*resilience.CircuitBreaker

	assignMu sync.Mutex
	assigned map[string]assignment // job ID -> assignment, for TrySyncResult
}

// assignment tracks which worker a job was handed to and when, so a
// completed-result poll can report both the outcome and its latency back to
// the Registry (mirrors webrelay_bridge.py measuring latency_ms as
// now - job.created_at rather than the poll's own round-trip time).
type assignment struct {
	workerID   string
	enqueuedAt time.Time
}

// New constructs an HTTPTransport backed by reg. logger may be nil.
func New(reg *registry.Registry, logger *zap.Logger, cfg Config) *HTTPTransport {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPTransport{
		registry: reg,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger,
		cfg:      cfg,
		breakers: make(map[string]*resilience.CircuitBreaker),
		assigned: make(map[string]assignment),
	}
}

func (t *HTTPTransport) breakerFor(workerID string) *resilience.CircuitBreaker {
	t.breakMu.Lock()
	defer t.breakMu.Unlock()
	cb, ok := t.breakers[workerID]
	if !ok {
		cb = resilience.New(resilience.Config{MaxFailures: t.cfg.FailThreshold, Timeout: t.cfg.BreakerReset})
		t.breakers[workerID] = cb
	}
	return cb
}

// Enqueue selects the best eligible worker for job.Kind and POSTs it the
// job body. The chosen worker ID is remembered so TrySyncResult knows
// where to poll.
func (t *HTTPTransport) Enqueue(ctx context.Context, job *model.Job) error {
	worker, err := t.registry.GetBestWorker(job.Kind, time.Now())
	if err != nil {
		return err
	}

	body, err := json.Marshal(job)
	if err != nil {
		return err
	}

	url := strings.TrimRight(worker.Endpoint, "/") + "/jobs"
	cb := t.breakerFor(worker.WorkerID)
	err = cb.Execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := t.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("worker %s rejected enqueue: status %d", worker.WorkerID, resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		return err
	}

	t.registry.RecordJobStart(worker.WorkerID)

	t.assignMu.Lock()
	t.assigned[job.ID] = assignment{workerID: worker.WorkerID, enqueuedAt: time.Now()}
	t.assignMu.Unlock()
	return nil
}

// TrySyncResult polls the worker job.ID was last enqueued to. A 404
// response means the job is still in flight (ok=false); any other
// non-2xx is an error. Forgets the assignment once a terminal result is
// read, successful or not.
func (t *HTTPTransport) TrySyncResult(ctx context.Context, jobID string) (*model.TransportResult, bool, error) {
	t.assignMu.Lock()
	a, known := t.assigned[jobID]
	t.assignMu.Unlock()
	if !known {
		return nil, false, fmt.Errorf("no worker assignment recorded for job %s", jobID)
	}
	workerID := a.workerID

	worker := t.registry.GetWorker(workerID)
	if worker == nil {
		return nil, false, fmt.Errorf("worker %s no longer registered", workerID)
	}

	url := strings.TrimRight(worker.Endpoint, "/") + "/jobs/" + jobID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, false, fmt.Errorf("worker %s result poll: status %d", workerID, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, err
	}
	var result model.TransportResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, false, err
	}

	t.assignMu.Lock()
	delete(t.assigned, jobID)
	t.assignMu.Unlock()

	latency := time.Since(a.enqueuedAt)
	if err := t.registry.RecordWorkerResult(workerID, result.OK, float64(latency.Milliseconds())); err != nil {
		t.logger.Warn("record worker result failed", zap.String("worker_id", workerID), zap.String("job_id", jobID), zap.Error(err))
	}

	return &result, true, nil
}
