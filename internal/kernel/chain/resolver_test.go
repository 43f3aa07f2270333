package chain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/agent-mesh-kernel/internal/kernel/model"
)

func TestCanonicalHashIsOrderIndependent(t *testing.T) {
	h1 := CanonicalHash("walk_tree", map[string]interface{}{"a": 1, "b": 2})
	h2 := CanonicalHash("walk_tree", map[string]interface{}{"b": 2, "a": 1})
	assert.Equal(t, h1, h2)
}

func TestCanonicalHashDiffersOnParams(t *testing.T) {
	h1 := CanonicalHash("walk_tree", map[string]interface{}{"path": "/a"})
	h2 := CanonicalHash("walk_tree", map[string]interface{}{"path": "/b"})
	assert.NotEqual(t, h1, h2)
}

func TestDedupeKeyIsDeterministic(t *testing.T) {
	params := map[string]interface{}{"path": "/a"}
	k1 := DedupeKey("parent-1", "walk_tree", params)
	k2 := DedupeKey("parent-1", "walk_tree", params)
	assert.Equal(t, k1, k2)

	k3 := DedupeKey("parent-2", "walk_tree", params)
	assert.NotEqual(t, k1, k3)
}

func newRunningChain() *model.ChainContext {
	return &model.ChainContext{
		ChainID:         "chain-1",
		State:           model.ChainRunning,
		Depth:           1,
		MaxDepth:        5,
		JobsTotal:       2,
		MaxJobsTotal:    25,
		TimeoutAt:       time.Now().Add(time.Hour),
		RequestedHashes: map[string]bool{},
	}
}

func TestGuardAllowJobsPassesWhenWithinLimits(t *testing.T) {
	chain := newRunningChain()
	specs := []NewSpecSpec{{Kind: "walk_tree", Params: map[string]interface{}{"path": "/a"}}}
	assert.Equal(t, GuardViolation(""), GuardAllowJobs(chain, specs, time.Now()))
}

func TestGuardAllowJobsRejectsWhenChainNotRunning(t *testing.T) {
	chain := newRunningChain()
	chain.State = model.ChainDone
	v := GuardAllowJobs(chain, []NewSpecSpec{{Kind: "k", Params: map[string]interface{}{}}}, time.Now())
	assert.Equal(t, GuardChainNotActive, v)
}

func TestGuardAllowJobsRejectsOnTimeout(t *testing.T) {
	chain := newRunningChain()
	chain.TimeoutAt = time.Now().Add(-time.Minute)
	v := GuardAllowJobs(chain, []NewSpecSpec{{Kind: "k", Params: map[string]interface{}{}}}, time.Now())
	assert.Equal(t, GuardTimeoutExceeded, v)
}

func TestGuardAllowJobsRejectsOnMaxDepth(t *testing.T) {
	chain := newRunningChain()
	chain.Depth = 5
	chain.MaxDepth = 5
	v := GuardAllowJobs(chain, []NewSpecSpec{{Kind: "k", Params: map[string]interface{}{}}}, time.Now())
	assert.Equal(t, GuardMaxDepthReached, v)
}

func TestGuardAllowJobsRejectsOnMaxJobsTotal(t *testing.T) {
	chain := newRunningChain()
	chain.JobsTotal = 24
	chain.MaxJobsTotal = 25
	specs := []NewSpecSpec{{Kind: "a", Params: map[string]interface{}{}}, {Kind: "b", Params: map[string]interface{}{}}}
	v := GuardAllowJobs(chain, specs, time.Now())
	assert.Equal(t, GuardMaxJobsTotalExceeded, v)
}

func TestGuardAllowJobsRejectsInvalidSpec(t *testing.T) {
	chain := newRunningChain()
	v := GuardAllowJobs(chain, []NewSpecSpec{{Kind: "", Params: map[string]interface{}{}}}, time.Now())
	assert.Equal(t, GuardInvalidJobSpec, v)
}

func TestGuardAllowJobsRejectsRepeat(t *testing.T) {
	chain := newRunningChain()
	params := map[string]interface{}{"path": "/a"}
	chain.RequestedHashes[CanonicalHash("walk_tree", params)] = true
	v := GuardAllowJobs(chain, []NewSpecSpec{{Kind: "walk_tree", Params: params}}, time.Now())
	assert.Equal(t, GuardRepeatDetected, v)
}

func TestCompactChildResultPassesThroughSmallResult(t *testing.T) {
	result := map[string]interface{}{"ok": true}
	out := CompactChildResult("walk_tree", result, 25000)
	assert.Equal(t, false, out["truncated"])
	assert.Equal(t, result, out["result"])
}

func TestCompactChildResultTruncatesOversizedResult(t *testing.T) {
	big := make(map[string]interface{})
	big["blob"] = string(make([]byte, 100))
	out := CompactChildResult("read_file_batch", big, 10)
	assert.Equal(t, true, out["truncated"])
	inner, ok := out["result"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, inner, "_truncated_json_prefix")
}

func TestResolveParamsAppliesArtifactDirective(t *testing.T) {
	chain := newRunningChain()
	chain.Artifacts = map[string]model.Artifact{
		"file_list": {Value: []interface{}{"a.go", "b.go", "c.py"}},
	}
	spec := &model.ChainSpec{
		Params: map[string]interface{}{
			"paths": map[string]interface{}{
				"paths_from_artifact": "file_list",
				"transforms":          []interface{}{"take_first:2"},
			},
		},
	}
	resolved, err := resolveParams(spec, chain, nil)
	require.NoError(t, err)
	paths, ok := resolved["paths"].([]interface{})
	require.True(t, ok)
	assert.Equal(t, []interface{}{"a.go", "b.go"}, paths)
}

func TestResolveParamsAppliesJobResultDirective(t *testing.T) {
	chain := newRunningChain()
	spec := &model.ChainSpec{
		Params: map[string]interface{}{
			"ids": map[string]interface{}{
				"inputs_from_job_result": map[string]interface{}{
					"job_id":       "job-1",
					"json_path":    "items",
					"target_param": "ids",
				},
			},
		},
	}
	jobResult := func(jobID string) (map[string]interface{}, error) {
		assert.Equal(t, "job-1", jobID)
		return map[string]interface{}{"items": []interface{}{"x", "y"}}, nil
	}
	resolved, err := resolveParams(spec, chain, jobResult)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"x", "y"}, resolved["ids"])
}

func TestResolveParamsLeavesLiteralsUnchanged(t *testing.T) {
	chain := newRunningChain()
	spec := &model.ChainSpec{Params: map[string]interface{}{"n": float64(3)}}
	resolved, err := resolveParams(spec, chain, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(3), resolved["n"])
}

func TestApplyTransformUnique(t *testing.T) {
	out, err := applyTransform("unique", []interface{}{"a", "a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "b"}, out)
}

func TestApplyTransformFilterSuffix(t *testing.T) {
	out, err := applyTransform("filter_suffix:[.go,.py]", []interface{}{"a.go", "b.txt", "c.py"})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a.go", "c.py"}, out)
}

func TestApplyTransformJSDoublesANumber(t *testing.T) {
	out, err := applyTransform("js:value*2", float64(21))
	require.NoError(t, err)
	assert.EqualValues(t, 42, out)
}

func TestExtractJSONPathSupportsJSONPathPrefix(t *testing.T) {
	result := map[string]interface{}{"items": []interface{}{
		map[string]interface{}{"id": "1", "ok": true},
		map[string]interface{}{"id": "2", "ok": false},
	}}
	v := extractJSONPath(result, "jsonpath:$.items[?(@.ok==true)].id")
	assert.NotNil(t, v)
}
