package ledger

import (
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// SchedulerConfig controls the cron expressions for housekeeping jobs.
// Empty strings disable the corresponding job.
type SchedulerConfig struct {
	SnapshotSpec string // default: every 5 minutes
	AuditSpec    string // default: daily at 03:00 UTC
}

func (c *SchedulerConfig) applyDefaults() {
	if c.SnapshotSpec == "" {
		c.SnapshotSpec = "*/5 * * * *"
	}
	if c.AuditSpec == "" {
		c.AuditSpec = "0 3 * * *"
	}
}

// Scheduler runs the ledger's periodic housekeeping: a snapshot flush and a
// daily hash-chain audit. Builds on the same cron library as the rest of
// the pack's recurring-job infrastructure rather than a hand-rolled ticker,
// since these jobs run on wall-clock schedules instead of fixed intervals.
type Scheduler struct {
	ledger *Ledger
	logger *zap.Logger
	cron   *cron.Cron
}

// NewScheduler wires snapshot and audit jobs onto l according to cfg.
func NewScheduler(l *Ledger, cfg SchedulerConfig, logger *zap.Logger) (*Scheduler, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	c := cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
	)), cron.WithLocation(time.UTC))

	s := &Scheduler{ledger: l, logger: logger, cron: c}

	if _, err := c.AddFunc(cfg.SnapshotSpec, s.runSnapshot); err != nil {
		return nil, err
	}
	if _, err := c.AddFunc(cfg.AuditSpec, s.runAudit); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins running scheduled jobs in their own goroutine, managed by
// the underlying cron.Cron.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop blocks until any in-flight job finishes, then stops the scheduler.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Scheduler) runSnapshot() {
	if err := s.ledger.Snapshot(); err != nil {
		s.logger.Warn("ledger snapshot failed", zap.Error(err))
	}
}

func (s *Scheduler) runAudit() {
	result, err := s.ledger.VerifyChain()
	if err != nil {
		s.logger.Error("ledger audit could not run", zap.Error(err))
		return
	}
	if !result.OK {
		s.logger.Error("ledger audit detected a broken hash chain",
			zap.String("reason", result.Reason), zap.Int("at_line", result.AtLine))
		return
	}
	s.logger.Info("ledger audit ok", zap.Int("events", result.Events))
}
