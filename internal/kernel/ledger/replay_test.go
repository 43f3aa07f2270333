package ledger

import (
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/agent-mesh-kernel/internal/kernel/model"
)

func TestReplayCreditDebit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	_, err := AppendEvent(path, model.LedgerEvent{Type: model.EventCredit, Account: "a", Amount: "100"}, true)
	require.NoError(t, err)
	_, err = AppendEvent(path, model.LedgerEvent{Type: model.EventDebit, Account: "a", Amount: "30"}, true)
	require.NoError(t, err)

	result, err := Replay(path)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(70).Equal(result.Balances["a"]))
	assert.Equal(t, 2, result.TotalEvents)
}

func TestReplayTransferIsDoubleEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	_, err := AppendEvent(path, model.LedgerEvent{Type: model.EventCredit, Account: "a", Amount: "100"}, true)
	require.NoError(t, err)
	_, err = AppendEvent(path, model.LedgerEvent{Type: model.EventTransfer, Account: "a", ToAccount: "b", Amount: "40"}, true)
	require.NoError(t, err)

	result, err := Replay(path)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(60).Equal(result.Balances["a"]))
	assert.True(t, decimal.NewFromInt(40).Equal(result.Balances["b"]))
}

func TestReplayReconcileIsNoOp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	_, err := AppendEvent(path, model.LedgerEvent{Type: model.EventCredit, Account: "a", Amount: "10"}, true)
	require.NoError(t, err)
	_, err = AppendEvent(path, model.LedgerEvent{Type: model.EventReconcile, Account: "a", Amount: "10"}, true)
	require.NoError(t, err)

	result, err := Replay(path)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(10).Equal(result.Balances["a"]))
	assert.Equal(t, 2, result.TotalEvents)
}
