package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/agent-mesh-kernel/internal/kernel/model"
)

func TestReplicaSyncOnceAppliesEventsAndAdvancesOffset(t *testing.T) {
	writerLedger := newTestLedger(t)
	require.NoError(t, writerLedger.Credit("payer1", decimal.NewFromInt(100), ""))

	events, err := ReadEvents(writerLedger.cfg.JournalPath)
	require.NoError(t, err)
	require.NotEmpty(t, events)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Journal-Next-Offset", "100")
		w.Header().Set("X-Journal-Last-Hash", "deadbeef")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(mustMarshalJSONL(t, events)))
	}))
	defer server.Close()

	replicaLedger := newTestLedger(t)
	rs := NewReplicaSync(replicaLedger, ReplicaSyncConfig{
		WriterURL: server.URL,
		StatePath: filepath.Join(t.TempDir(), "replica_state.json"),
	}, nil)

	require.NoError(t, rs.SyncOnce(context.Background()))

	bal, err := replicaLedger.GetBalance("payer1")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(100).Equal(bal))
	assert.Equal(t, int64(100), rs.state.SyncOffset)
	assert.Equal(t, "deadbeef", rs.state.LastHash)
}

func TestReplicaSyncOnceHandlesWriterError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	l := newTestLedger(t)
	rs := NewReplicaSync(l, ReplicaSyncConfig{
		WriterURL: server.URL,
		StatePath: filepath.Join(t.TempDir(), "replica_state.json"),
	}, nil)

	err := rs.SyncOnce(context.Background())
	assert.Error(t, err)
}

func mustMarshalJSONL(t *testing.T, events []model.LedgerEvent) string {
	t.Helper()
	out := ""
	for _, ev := range events {
		b, err := json.Marshal(ev)
		require.NoError(t, err)
		out += string(b) + "\n"
	}
	return out
}
