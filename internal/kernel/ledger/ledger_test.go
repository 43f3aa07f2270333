package ledger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		LedgerPath:     filepath.Join(dir, "ledger.json"),
		JournalPath:    filepath.Join(dir, "journal.jsonl"),
		IndexPath:      filepath.Join(dir, "job_index.json"),
		DomainLockPath: filepath.Join(dir, "domain.lock"),
		AutoCreateAccounts: true,
		HashChainEnabled:   true,
		GovernanceEnabled:  true,
	}
	l, err := New(cfg, nil, nil, nil)
	require.NoError(t, err)
	return l
}

func TestNewBootstrapsOperatorAndProviderAccounts(t *testing.T) {
	l := newTestLedger(t)

	bal, err := l.GetBalance(l.cfg.OperatorAccount)
	require.NoError(t, err)
	assert.True(t, decimal.Zero.Equal(bal))

	bal, err = l.GetBalance(l.cfg.DefaultProviderAcct)
	require.NoError(t, err)
	assert.True(t, decimal.Zero.Equal(bal))
}

func TestCreditFundsAccountFromSystem(t *testing.T) {
	l := newTestLedger(t)

	require.NoError(t, l.Credit("payer1", decimal.NewFromInt(100), "test_funding"))

	bal, err := l.GetBalance("payer1")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(100).Equal(bal))
}

func TestChargeMovesBalanceDirectly(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.Credit("payer1", decimal.NewFromInt(100), ""))

	require.NoError(t, l.Charge("payer1", "receiver1", decimal.NewFromInt(30), "job-1", ""))

	payerBal, err := l.GetBalance("payer1")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(70).Equal(payerBal))

	receiverBal, err := l.GetBalance("receiver1")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(30).Equal(receiverBal))
}

func TestCalculateMarginClampsBetweenBaseAndMax(t *testing.T) {
	l := newTestLedger(t)

	// perfect worker: no penalty, margin == base.
	assert.InDelta(t, l.cfg.DefaultMargin, l.CalculateMargin(1.0, 0), 1e-9)

	// worst worker: full penalties, clamped at max.
	assert.InDelta(t, l.cfg.MaxMargin, l.CalculateMargin(0.0, 999999), 1e-9)

	// margin never drops below base even for negative-penalty inputs.
	assert.GreaterOrEqual(t, l.CalculateMargin(2.0, -100), l.cfg.DefaultMargin)
}

func TestChargeAndSettleSplitsProviderShare(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.Credit("payer1", decimal.NewFromInt(100), ""))

	margin := 0.10
	ok, err := l.ChargeAndSettle(context.Background(), Settlement{
		PayerID:     "payer1",
		WorkerID:    "worker1",
		TotalAmount: decimal.NewFromInt(100),
		JobID:       "job-42",
		Margin:      &margin,
	})
	require.NoError(t, err)
	require.True(t, ok)

	workerBal, err := l.GetBalance("worker1")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(90).Equal(workerBal))

	operatorBal, err := l.GetBalance(l.cfg.OperatorAccount)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(10).Equal(operatorBal))

	payerBal, err := l.GetBalance("payer1")
	require.NoError(t, err)
	assert.True(t, decimal.Zero.Equal(payerBal))
}

func TestChargeAndSettleIsIdempotentPerJobID(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.Credit("payer1", decimal.NewFromInt(200), ""))

	s := Settlement{PayerID: "payer1", WorkerID: "worker1", TotalAmount: decimal.NewFromInt(50), JobID: "job-dup"}
	ok1, err := l.ChargeAndSettle(context.Background(), s)
	require.NoError(t, err)
	require.True(t, ok1)

	ok2, err := l.ChargeAndSettle(context.Background(), s)
	require.NoError(t, err)
	require.True(t, ok2)

	payerBal, err := l.GetBalance("payer1")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(150).Equal(payerBal), "second call for the same job_id must not charge again")
}

func TestChargeAndSettleRejectsInsufficientFunds(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.Credit("payer1", decimal.NewFromInt(10), ""))

	ok, err := l.ChargeAndSettle(context.Background(), Settlement{
		PayerID: "payer1", WorkerID: "worker1", TotalAmount: decimal.NewFromInt(100), JobID: "job-broke",
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChargeAndSettleDryRunDoesNotMutateBalances(t *testing.T) {
	l := newTestLedger(t)
	l.cfg.GovernanceDryRun = true
	require.NoError(t, l.Credit("payer1", decimal.NewFromInt(100), ""))

	ok, err := l.ChargeAndSettle(context.Background(), Settlement{
		PayerID: "payer1", WorkerID: "worker1", TotalAmount: decimal.NewFromInt(100), JobID: "job-dry",
	})
	require.NoError(t, err)
	assert.True(t, ok)

	payerBal, err := l.GetBalance("payer1")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(100).Equal(payerBal))
}

func TestChargeAndSettleIsNoOpWhenGovernanceDisabled(t *testing.T) {
	l := newTestLedger(t)
	l.cfg.GovernanceEnabled = false

	ok, err := l.ChargeAndSettle(context.Background(), Settlement{
		PayerID: "payer1", WorkerID: "worker1", TotalAmount: decimal.NewFromInt(100), JobID: "job-off",
	})
	require.NoError(t, err)
	assert.True(t, ok, "governance disabled means settlement is a pass-through no-op")
}

func TestChargeAndSettleBlockedOnReadonlyReplica(t *testing.T) {
	l := newTestLedger(t)
	l.cfg.Mode = "replica"
	l.cfg.ReadonlyEnforced = true

	_, err := l.ChargeAndSettle(context.Background(), Settlement{
		PayerID: "payer1", WorkerID: "worker1", TotalAmount: decimal.NewFromInt(10), JobID: "job-ro",
	})
	require.Error(t, err)
}

func TestBatchSettleProcessesEachIndependently(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.Credit("payer1", decimal.NewFromInt(100), ""))

	results, err := l.BatchSettle(context.Background(), []Settlement{
		{PayerID: "payer1", WorkerID: "worker1", TotalAmount: decimal.NewFromInt(40), JobID: "job-b1"},
		{PayerID: "payer1", WorkerID: "worker2", TotalAmount: decimal.NewFromInt(1000), JobID: "job-b2"},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0])
	assert.False(t, results[1], "second settlement exceeds remaining balance and must fail independently")
}

func TestVerifyChainAfterSettlementsIsOK(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.Credit("payer1", decimal.NewFromInt(100), ""))
	_, err := l.ChargeAndSettle(context.Background(), Settlement{
		PayerID: "payer1", WorkerID: "worker1", TotalAmount: decimal.NewFromInt(50), JobID: "job-verify",
	})
	require.NoError(t, err)

	result, err := l.VerifyChain()
	require.NoError(t, err)
	assert.True(t, result.OK)
}

func TestReplayMatchesLiveBalances(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.Credit("payer1", decimal.NewFromInt(100), ""))
	_, err := l.ChargeAndSettle(context.Background(), Settlement{
		PayerID: "payer1", WorkerID: "worker1", TotalAmount: decimal.NewFromInt(50), JobID: "job-replay",
	})
	require.NoError(t, err)

	replayed, err := Replay(l.cfg.JournalPath)
	require.NoError(t, err)

	live, err := l.ListAccounts()
	require.NoError(t, err)

	for account, liveBal := range live {
		assert.True(t, replayed.Balances[account].Equal(liveBal), "account %s: live=%s replayed=%s", account, liveBal, replayed.Balances[account])
	}
}
