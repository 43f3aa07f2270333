package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	kernelerrors "github.com/r3e-network/agent-mesh-kernel/infrastructure/errors"
	"github.com/r3e-network/agent-mesh-kernel/infrastructure/metrics"
	"github.com/r3e-network/agent-mesh-kernel/internal/kernel/atomicio"
	"github.com/r3e-network/agent-mesh-kernel/internal/kernel/dispatch"
	"github.com/r3e-network/agent-mesh-kernel/internal/kernel/model"
)

// latCap is the latency EMA ceiling used by CalculateMargin.
const latCap = 1500.0

// Config tunes account bootstrapping, margin, governance, and replica mode.
// Zero values take package defaults.
type Config struct {
	LedgerPath           string
	JournalPath          string
	IndexPath            string
	DomainLockPath       string
	OperatorAccount      string
	DefaultProviderAcct  string
	AutoCreateAccounts   bool
	HashChainEnabled     bool
	DefaultMargin        float64
	MaxMargin            float64
	MarginK1             float64
	MarginK2             float64
	SnapshotInterval      int
	GovernanceEnabled     bool
	GovernanceDryRun      bool
	SettlementRateLimit   int
	Mode                 string // "writer" | "replica"
	WriterURL            string
	ReadonlyEnforced     bool
}

func (c *Config) applyDefaults() {
	if c.LedgerPath == "" {
		c.LedgerPath = "runtime/ledger.json"
	}
	if c.JournalPath == "" {
		c.JournalPath = "runtime/ledger_events.jsonl"
	}
	if c.IndexPath == "" {
		c.IndexPath = "runtime/ledger_job_index.json"
	}
	if c.DomainLockPath == "" {
		c.DomainLockPath = "runtime/ledger_domain.lock"
	}
	if c.OperatorAccount == "" {
		c.OperatorAccount = "system:operator"
	}
	if c.DefaultProviderAcct == "" {
		c.DefaultProviderAcct = "mesh_provider"
	}
	if c.DefaultMargin == 0 {
		c.DefaultMargin = 0.10
	}
	if c.MaxMargin == 0 {
		c.MaxMargin = 0.40
	}
	if c.MarginK1 == 0 {
		c.MarginK1 = 0.20
	}
	if c.MarginK2 == 0 {
		c.MarginK2 = 0.10
	}
	if c.SnapshotInterval == 0 {
		c.SnapshotInterval = 100
	}
	if c.Mode == "" {
		c.Mode = "writer"
	}
}

// state is the on-disk ledger snapshot: every account's balance as a
// decimal string, kept alongside the journal for fast reload.
type state struct {
	Accounts map[string]string `json:"accounts"`
}

// Ledger is the high-level settlement service: it owns the journal, the
// account-balance snapshot, and the idempotency index, all guarded by a
// single mutex. Follows the teacher's manager/mutex/repository shape
// (internal/gasbank.Manager), adapted to a file-backed repository instead
// of a database one.
type Ledger struct {
	mu           sync.Mutex
	cfg          Config
	logger       *zap.Logger
	metrics      *metrics.Metrics
	rateLimiter  *dispatch.RateLimiter
	st           state
	settledJobs  map[string]bool
	eventsSinceSnapshot int
}

// New constructs a Ledger and performs the initial account bootstrap
// (operator clearing account, default provider account), matching
// LedgerService.__init__. logger, m, and rl may be nil.
func New(cfg Config, rl *dispatch.RateLimiter, m *metrics.Metrics, logger *zap.Logger) (*Ledger, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{
		cfg:         cfg,
		logger:      logger,
		metrics:     m,
		rateLimiter: rl,
		settledJobs: make(map[string]bool),
	}

	if err := l.loadJobIndex(); err != nil {
		return nil, err
	}

	err := atomicio.WithLock(cfg.DomainLockPath, 10*time.Second, 60*time.Second, func() error {
		if err := l.reloadLocked(); err != nil {
			return err
		}
		l.ensureAccountLocked(cfg.OperatorAccount)
		if cfg.DefaultProviderAcct != "" {
			if _, existed := l.st.Accounts[cfg.DefaultProviderAcct]; !existed {
				l.ensureAccountLocked(cfg.DefaultProviderAcct)
				if _, err := l.appendLocked(model.LedgerEvent{
					Type: model.EventCredit, Account: cfg.DefaultProviderAcct, Amount: "0", Reason: "initial_funding",
				}); err != nil {
					return err
				}
			}
		}
		return l.saveLocked()
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) loadJobIndex() error {
	var ids []string
	if err := atomicio.ReadJSONWithBackup(l.cfg.IndexPath, &ids); err == nil {
		for _, id := range ids {
			l.settledJobs[id] = true
		}
	}

	events, err := ReadEvents(l.cfg.JournalPath)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if ev.JobID != "" {
			l.settledJobs[ev.JobID] = true
		}
	}
	return nil
}

func (l *Ledger) saveJobIndexLocked() {
	ids := make([]string, 0, len(l.settledJobs))
	for id := range l.settledJobs {
		ids = append(ids, id)
	}
	_ = atomicio.AtomicWriteJSON(l.cfg.IndexPath, ids)
}

func (l *Ledger) reloadLocked() error {
	var st state
	if err := atomicio.ReadJSONWithBackup(l.cfg.LedgerPath, &st); err != nil {
		st = state{Accounts: make(map[string]string)}
	}
	if st.Accounts == nil {
		st.Accounts = make(map[string]string)
	}
	l.st = st
	return nil
}

func (l *Ledger) saveLocked() error {
	return atomicio.AtomicWriteJSON(l.cfg.LedgerPath, l.st)
}

func (l *Ledger) ensureAccountLocked(account string) bool {
	if _, ok := l.st.Accounts[account]; ok {
		return false
	}
	l.st.Accounts[account] = "0"
	return true
}

func (l *Ledger) balanceLocked(account string) decimal.Decimal {
	raw, ok := l.st.Accounts[account]
	if !ok {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (l *Ledger) setBalanceLocked(account string, amount decimal.Decimal) {
	l.st.Accounts[account] = amount.String()
}

func (l *Ledger) appendLocked(ev model.LedgerEvent) (model.LedgerEvent, error) {
	return AppendEvent(l.cfg.JournalPath, ev, l.cfg.HashChainEnabled)
}

// applyTransferLocked moves amount from `from` to `to` in the in-memory
// snapshot; both accounts must already exist.
func (l *Ledger) applyTransferLocked(from, to string, amount decimal.Decimal) {
	l.setBalanceLocked(from, l.balanceLocked(from).Sub(amount))
	l.setBalanceLocked(to, l.balanceLocked(to).Add(amount))
}

// GetBalance returns account's current balance.
func (l *Ledger) GetBalance(account string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.st.Accounts[account]; !ok {
		return decimal.Zero, kernelerrors.NotFound("ledger account", account)
	}
	return l.balanceLocked(account), nil
}

// RequireBalance reports whether account can cover amount, reloading state
// first so the check reflects the latest committed balance.
func (l *Ledger) RequireBalance(account string, amount decimal.Decimal) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.reloadLocked(); err != nil {
		return false, err
	}
	return l.balanceLocked(account).GreaterThanOrEqual(amount), nil
}

// CreateAccountIfMissing creates account with initialBalance if it does not
// already exist, journaling an initial_funding credit. Returns whether it
// was created.
func (l *Ledger) CreateAccountIfMissing(account string, initialBalance decimal.Decimal) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var created bool
	err := atomicio.WithLock(l.cfg.DomainLockPath, 10*time.Second, 60*time.Second, func() error {
		if err := l.reloadLocked(); err != nil {
			return err
		}
		created = l.ensureAccountLocked(account)
		if created {
			l.setBalanceLocked(account, initialBalance)
			if _, err := l.appendLocked(model.LedgerEvent{
				Type: model.EventCredit, Account: account, Amount: initialBalance.String(), Reason: "initial_funding",
			}); err != nil {
				return err
			}
			return l.saveLocked()
		}
		return nil
	})
	return created, err
}

// Credit journals a credit event and adds amount to account's balance,
// matching LedgerService.credit.
func (l *Ledger) Credit(account string, amount decimal.Decimal, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return atomicio.WithLock(l.cfg.DomainLockPath, 10*time.Second, 60*time.Second, func() error {
		if err := l.reloadLocked(); err != nil {
			return err
		}
		if l.cfg.AutoCreateAccounts {
			l.ensureAccountLocked(account)
		}

		if reason == "" {
			reason = "manual_credit"
		}
		if _, err := l.appendLocked(model.LedgerEvent{
			Type: model.EventCredit, Account: account, Amount: amount.String(), Reason: reason,
		}); err != nil {
			return err
		}
		l.setBalanceLocked(account, l.balanceLocked(account).Add(amount))
		return l.saveLocked()
	})
}

// Charge moves amount from payer to receiver directly (no operator split),
// matching LedgerService.charge.
func (l *Ledger) Charge(payer, receiver string, amount decimal.Decimal, jobID, note string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return atomicio.WithLock(l.cfg.DomainLockPath, 10*time.Second, 60*time.Second, func() error {
		if err := l.reloadLocked(); err != nil {
			return err
		}
		if l.cfg.AutoCreateAccounts {
			l.ensureAccountLocked(payer)
			l.ensureAccountLocked(receiver)
		}
		if note == "" {
			note = "job_execution"
		}
		if _, err := l.appendLocked(model.LedgerEvent{
			Type: model.EventCharge, Account: payer, ToAccount: receiver,
			Amount: amount.String(), JobID: jobID, Reason: note,
		}); err != nil {
			return err
		}
		l.applyTransferLocked(payer, receiver, amount)
		return l.saveLocked()
	})
}

// CalculateMargin applies §4.5's dynamic margin formula:
//
//	effective_margin = clamp(base + k1*(1-clamp01(success_ema)) +
//	  k2*clamp01(latency_ema/LAT_CAP), base, max_margin)
func (l *Ledger) CalculateMargin(successEMA, latencyEMA float64) float64 {
	clamp01 := func(v float64) float64 {
		if v < 0 {
			return 0
		}
		if v > 1 {
			return 1
		}
		return v
	}

	relPenalty := l.cfg.MarginK1 * (1.0 - clamp01(successEMA))
	latPenalty := l.cfg.MarginK2 * clamp01(latencyEMA/latCap)
	margin := l.cfg.DefaultMargin + relPenalty + latPenalty

	if margin < l.cfg.DefaultMargin {
		margin = l.cfg.DefaultMargin
	}
	if margin > l.cfg.MaxMargin {
		margin = l.cfg.MaxMargin
	}
	return margin
}

// Settlement describes one charge_and_settle call, used individually and as
// the element type of BatchSettle.
type Settlement struct {
	PayerID     string
	WorkerID    string
	TotalAmount decimal.Decimal
	JobID       string
	Margin      *float64
	Note        string
}

// ChargeAndSettle executes the two-leg arbitrage settlement protocol
// (§4.5): payer charges the operator account for total, then the operator
// pays the worker its provider share (total minus the effective margin,
// rounded down to 1e-4). Idempotent per job_id.
func (l *Ledger) ChargeAndSettle(ctx context.Context, s Settlement) (bool, error) {
	if l.cfg.Mode == "replica" && l.cfg.ReadonlyEnforced {
		return false, kernelerrors.ReplicaReadOnly()
	}
	if !l.cfg.GovernanceEnabled {
		return true, nil
	}
	if s.JobID == "" {
		return false, kernelerrors.MissingParameter("job_id")
	}

	if l.rateLimiter != nil && l.cfg.SettlementRateLimit > 0 {
		admitted, err := l.rateLimiter.Admit(ctx, s.PayerID, 0)
		if err != nil {
			return false, err
		}
		if !admitted {
			return false, kernelerrors.SettlementRateLimited(s.PayerID)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var ok bool
	err := atomicio.WithLock(l.cfg.DomainLockPath, 10*time.Second, 60*time.Second, func() error {
		if err := l.reloadLocked(); err != nil {
			return err
		}

		if l.settledJobs[s.JobID] {
			ok = true
			return nil
		}

		margin := l.cfg.DefaultMargin
		if s.Margin != nil {
			margin = *s.Margin
		}
		providerShare := s.TotalAmount.Mul(decimal.NewFromFloat(1 - margin)).Truncate(4)

		if l.cfg.GovernanceDryRun {
			l.logger.Info("ledger.settle dry-run",
				zap.String("job_id", s.JobID),
				zap.String("margin", fmt.Sprintf("%.4f", margin)),
				zap.String("provider_share", providerShare.String()))
			ok = true
			return nil
		}

		if l.balanceLocked(s.PayerID).LessThan(s.TotalAmount) {
			ok = false
			return nil
		}

		operator := l.cfg.OperatorAccount
		l.ensureAccountLocked(s.PayerID)
		l.ensureAccountLocked(s.WorkerID)
		l.ensureAccountLocked(operator)

		note := s.Note
		if note == "" {
			note = "job_payment:" + s.JobID
		}
		if _, err := l.appendLocked(model.LedgerEvent{
			Type: model.EventCharge, Account: s.PayerID, ToAccount: operator,
			Amount: s.TotalAmount.String(), JobID: s.JobID, WorkerID: s.WorkerID, Reason: note,
		}); err != nil {
			return err
		}
		l.applyTransferLocked(s.PayerID, operator, s.TotalAmount)

		if _, err := l.appendLocked(model.LedgerEvent{
			Type: model.EventTransfer, Account: operator, ToAccount: s.WorkerID,
			Amount: providerShare.String(), JobID: s.JobID, WorkerID: s.WorkerID,
			Reason: "provider_payout:" + s.JobID,
		}); err != nil {
			return err
		}
		l.applyTransferLocked(operator, s.WorkerID, providerShare)

		l.settledJobs[s.JobID] = true
		l.eventsSinceSnapshot += 2
		ok = true

		if err := l.saveLocked(); err != nil {
			return err
		}
		l.saveJobIndexLocked()
		if l.metrics != nil {
			l.metrics.RecordSettlement(true)
		}
		return nil
	})
	if err != nil {
		if l.metrics != nil {
			l.metrics.RecordSettlement(false)
		}
		return false, err
	}
	return ok, nil
}

// BatchSettle executes every settlement in settlements under a single lock
// acquisition, reducing per-operation I/O versus calling ChargeAndSettle in
// a loop. Each entry independently respects idempotency and balance checks.
func (l *Ledger) BatchSettle(ctx context.Context, settlements []Settlement) ([]bool, error) {
	if len(settlements) == 0 {
		return nil, nil
	}
	if l.cfg.Mode == "replica" && l.cfg.ReadonlyEnforced {
		return nil, kernelerrors.ReplicaReadOnly()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	results := make([]bool, len(settlements))
	err := atomicio.WithLock(l.cfg.DomainLockPath, 10*time.Second, 60*time.Second, func() error {
		if err := l.reloadLocked(); err != nil {
			return err
		}
		operator := l.cfg.OperatorAccount
		anyChange := false

		for i, s := range settlements {
			if s.JobID == "" {
				results[i] = false
				continue
			}
			if l.settledJobs[s.JobID] {
				results[i] = true
				continue
			}

			margin := l.cfg.DefaultMargin
			if s.Margin != nil {
				margin = *s.Margin
			}
			providerShare := s.TotalAmount.Mul(decimal.NewFromFloat(1 - margin)).Truncate(4)

			if l.balanceLocked(s.PayerID).LessThan(s.TotalAmount) {
				results[i] = false
				continue
			}

			l.ensureAccountLocked(s.PayerID)
			l.ensureAccountLocked(s.WorkerID)
			l.ensureAccountLocked(operator)

			note := s.Note
			if note == "" {
				note = "batch_payment:" + s.JobID
			}
			if _, err := l.appendLocked(model.LedgerEvent{
				Type: model.EventCharge, Account: s.PayerID, ToAccount: operator,
				Amount: s.TotalAmount.String(), JobID: s.JobID, WorkerID: s.WorkerID, Reason: note,
			}); err != nil {
				return err
			}
			l.applyTransferLocked(s.PayerID, operator, s.TotalAmount)

			if _, err := l.appendLocked(model.LedgerEvent{
				Type: model.EventTransfer, Account: operator, ToAccount: s.WorkerID,
				Amount: providerShare.String(), JobID: s.JobID, WorkerID: s.WorkerID,
				Reason: "batch_payout:" + s.JobID,
			}); err != nil {
				return err
			}
			l.applyTransferLocked(operator, s.WorkerID, providerShare)

			l.settledJobs[s.JobID] = true
			l.eventsSinceSnapshot += 2
			results[i] = true
			anyChange = true
		}

		if anyChange {
			if err := l.saveLocked(); err != nil {
				return err
			}
			l.saveJobIndexLocked()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Snapshot forces a save of the current in-memory state, used by the
// cron-scheduled housekeeping job (§3 supplemented feature 5).
func (l *Ledger) Snapshot() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return atomicio.WithLock(l.cfg.DomainLockPath, 10*time.Second, 60*time.Second, func() error {
		l.eventsSinceSnapshot = 0
		return l.saveLocked()
	})
}

// VerifyChain walks this ledger's journal and reports chain integrity.
func (l *Ledger) VerifyChain() (VerifyResult, error) {
	return VerifyChain(l.cfg.JournalPath)
}

// ApplyReplicatedEvent applies a single already-journaled event to this
// replica's local balance snapshot (§4.5's replica-sync path). It does not
// re-append to a journal of its own; the writer's journal is the source of
// truth and this snapshot exists only to answer balance queries quickly.
func (l *Ledger) ApplyReplicatedEvent(ev model.LedgerEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return atomicio.WithLock(l.cfg.DomainLockPath, 10*time.Second, 60*time.Second, func() error {
		if err := l.reloadLocked(); err != nil {
			return err
		}

		amount, err := decimal.NewFromString(ev.Amount)
		if err != nil {
			amount = decimal.Zero
		}

		switch {
		case ev.ToAccount != "":
			l.ensureAccountLocked(ev.Account)
			l.ensureAccountLocked(ev.ToAccount)
			l.applyTransferLocked(ev.Account, ev.ToAccount, amount)
		case ev.Type == model.EventCredit:
			l.ensureAccountLocked(ev.Account)
			l.setBalanceLocked(ev.Account, l.balanceLocked(ev.Account).Add(amount))
		case ev.Type == model.EventDebit, ev.Type == model.EventCharge:
			l.ensureAccountLocked(ev.Account)
			l.setBalanceLocked(ev.Account, l.balanceLocked(ev.Account).Sub(amount))
		case ev.Type == model.EventAdjust:
			l.ensureAccountLocked(ev.Account)
			l.setBalanceLocked(ev.Account, l.balanceLocked(ev.Account).Add(amount))
		}

		return l.saveLocked()
	})
}

// ListAccounts returns every known account and its balance.
func (l *Ledger) ListAccounts() (map[string]decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(l.st.Accounts))
	for id := range l.st.Accounts {
		out[id] = l.balanceLocked(id)
	}
	return out, nil
}
