package meshtransport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/agent-mesh-kernel/internal/kernel/model"
	"github.com/r3e-network/agent-mesh-kernel/internal/kernel/registry"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.json")
	return registry.New(path, registry.Config{}, nil)
}

func TestEnqueuePostsJobToBestWorker(t *testing.T) {
	var gotPath, gotMethod string
	var gotJob model.Job
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotJob))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	reg := newTestRegistry(t)
	require.NoError(t, reg.Register("w1", srv.URL, []model.Capability{{Kind: "walk_tree", Cost: 1}}))

	tr := New(reg, nil, Config{Timeout: time.Second})
	job := &model.Job{ID: "job-1", Kind: "walk_tree"}
	require.NoError(t, tr.Enqueue(context.Background(), job))

	assert.Equal(t, "/jobs", gotPath)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "job-1", gotJob.ID)

	w := reg.GetWorker("w1")
	assert.Equal(t, 1, w.Stats.ActiveJobs)
}

func TestEnqueueFailsWhenNoEligibleWorker(t *testing.T) {
	reg := newTestRegistry(t)
	tr := New(reg, nil, Config{})

	err := tr.Enqueue(context.Background(), &model.Job{ID: "job-1", Kind: "walk_tree"})
	assert.Error(t, err)
}

func TestTrySyncResultReturnsNotOKOn404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	reg := newTestRegistry(t)
	require.NoError(t, reg.Register("w1", srv.URL, []model.Capability{{Kind: "walk_tree", Cost: 1}}))

	tr := New(reg, nil, Config{Timeout: time.Second})
	require.NoError(t, tr.Enqueue(context.Background(), &model.Job{ID: "job-1", Kind: "walk_tree"}))

	result, ok, err := tr.TrySyncResult(context.Background(), "job-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, result)
}

func TestTrySyncResultDecodesCompletedResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusAccepted)
		case http.MethodGet:
			require.Equal(t, "/jobs/job-1", r.URL.Path)
			_ = json.NewEncoder(w).Encode(model.TransportResult{OK: true, Data: map[string]interface{}{"answer": 42.0}})
		}
	}))
	defer srv.Close()

	reg := newTestRegistry(t)
	require.NoError(t, reg.Register("w1", srv.URL, []model.Capability{{Kind: "walk_tree", Cost: 1}}))

	tr := New(reg, nil, Config{Timeout: time.Second})
	require.NoError(t, tr.Enqueue(context.Background(), &model.Job{ID: "job-1", Kind: "walk_tree"}))

	result, ok, err := tr.TrySyncResult(context.Background(), "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, result.OK)
	assert.Equal(t, 42.0, result.Data["answer"])

	// The completed result is reported back to the registry: active_jobs
	// drops back to 0 and the success is reflected in the EMA.
	w := reg.GetWorker("w1")
	assert.Equal(t, 0, w.Stats.ActiveJobs)
	assert.Equal(t, 0, w.Stats.ConsecutiveFailures)

	// The assignment is forgotten once a terminal result is read.
	_, _, err = tr.TrySyncResult(context.Background(), "job-1")
	assert.Error(t, err)
}

func TestTrySyncResultUnknownJobErrors(t *testing.T) {
	reg := newTestRegistry(t)
	tr := New(reg, nil, Config{})

	_, _, err := tr.TrySyncResult(context.Background(), "no-such-job")
	assert.Error(t, err)
}
