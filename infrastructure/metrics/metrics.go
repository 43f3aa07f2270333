// Package metrics provides Prometheus metrics collection
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/r3e-network/agent-mesh-kernel/infrastructure/runtime"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Dispatcher metrics
	DispatchTicksTotal     prometheus.Counter
	DispatchJobsAdmitted   prometheus.Counter
	DispatchJobsDenied     *prometheus.CounterVec
	DispatchTickDuration   prometheus.Histogram

	// Chain metrics
	ChainTicksTotal       prometheus.Counter
	ChainSpecsClaimed     prometheus.Counter
	ChainSpecsSpawned     prometheus.Counter
	ChainsClosedTotal     *prometheus.CounterVec
	ChainTickDuration     prometheus.Histogram

	// Registry metrics
	RegistryEligibleWorkers prometheus.Gauge
	RegistryProbesTotal     *prometheus.CounterVec
	RegistryProbeDuration   prometheus.Histogram

	// Ledger metrics
	LedgerSettlementsTotal   *prometheus.CounterVec
	LedgerVerifyFailures     prometheus.Counter
	LedgerJournalAppendTotal *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		DispatchTicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_ticks_total",
			Help: "Total number of Dispatcher ticks executed",
		}),
		DispatchJobsAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_jobs_admitted_total",
			Help: "Total number of jobs admitted for dispatch",
		}),
		DispatchJobsDenied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_jobs_denied_total",
				Help: "Total number of jobs denied dispatch, by reason",
			},
			[]string{"reason"},
		),
		DispatchTickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatch_tick_duration_seconds",
			Help:    "Dispatcher tick duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),

		ChainTicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chain_ticks_total",
			Help: "Total number of ChainRunner ticks executed",
		}),
		ChainSpecsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chain_specs_claimed_total",
			Help: "Total number of ChainSpec rows claimed for dispatch",
		}),
		ChainSpecsSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chain_specs_spawned_total",
			Help: "Total number of child ChainSpecs spawned from completed jobs",
		}),
		ChainsClosedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chains_closed_total",
				Help: "Total number of chains closed, by terminal status",
			},
			[]string{"status"},
		),
		ChainTickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chain_tick_duration_seconds",
			Help:    "ChainRunner tick duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),

		RegistryEligibleWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "registry_eligible_workers",
			Help: "Current number of eligible workers in the registry",
		}),
		RegistryProbesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registry_probes_total",
				Help: "Total number of worker health probes, by outcome",
			},
			[]string{"outcome"},
		),
		RegistryProbeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "registry_probe_duration_seconds",
			Help:    "Worker health probe duration in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),

		LedgerSettlementsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_settlements_total",
				Help: "Total number of ledger settlements, by outcome",
			},
			[]string{"outcome"},
		),
		LedgerVerifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_verify_failures_total",
			Help: "Total number of journal hash-chain verification failures detected",
		}),
		LedgerJournalAppendTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_journal_append_total",
				Help: "Total number of journal append attempts, by outcome",
			},
			[]string{"outcome"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.DispatchTicksTotal,
			m.DispatchJobsAdmitted,
			m.DispatchJobsDenied,
			m.DispatchTickDuration,
			m.ChainTicksTotal,
			m.ChainSpecsClaimed,
			m.ChainSpecsSpawned,
			m.ChainsClosedTotal,
			m.ChainTickDuration,
			m.RegistryEligibleWorkers,
			m.RegistryProbesTotal,
			m.RegistryProbeDuration,
			m.LedgerSettlementsTotal,
			m.LedgerVerifyFailures,
			m.LedgerJournalAppendTotal,
			m.ErrorsTotal,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordDispatchTick records one Dispatcher tick.
func (m *Metrics) RecordDispatchTick(admitted int, denied map[string]int, duration time.Duration) {
	m.DispatchTicksTotal.Inc()
	m.DispatchJobsAdmitted.Add(float64(admitted))
	for reason, count := range denied {
		m.DispatchJobsDenied.WithLabelValues(reason).Add(float64(count))
	}
	m.DispatchTickDuration.Observe(duration.Seconds())
}

// RecordChainTick records one ChainRunner tick.
func (m *Metrics) RecordChainTick(claimed, spawned int, closed map[string]int, duration time.Duration) {
	m.ChainTicksTotal.Inc()
	m.ChainSpecsClaimed.Add(float64(claimed))
	m.ChainSpecsSpawned.Add(float64(spawned))
	for status, count := range closed {
		m.ChainsClosedTotal.WithLabelValues(status).Add(float64(count))
	}
	m.ChainTickDuration.Observe(duration.Seconds())
}

// SetEligibleWorkers sets the current count of eligible workers.
func (m *Metrics) SetEligibleWorkers(count int) {
	m.RegistryEligibleWorkers.Set(float64(count))
}

// RecordWorkerProbe records a worker health-probe outcome.
func (m *Metrics) RecordWorkerProbe(success bool, duration time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.RegistryProbesTotal.WithLabelValues(outcome).Inc()
	m.RegistryProbeDuration.Observe(duration.Seconds())
}

// RecordSettlement records a ledger settlement outcome.
func (m *Metrics) RecordSettlement(success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.LedgerSettlementsTotal.WithLabelValues(outcome).Inc()
}

// RecordVerifyFailure records a detected journal hash-chain break.
func (m *Metrics) RecordVerifyFailure() {
	m.LedgerVerifyFailures.Inc()
}

// RecordJournalAppend records a journal append attempt outcome.
func (m *Metrics) RecordJournalAppend(success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.LedgerJournalAppendTotal.WithLabelValues(outcome).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// UpdateUptime updates the service uptime
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// Helper functions

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
