// Package chain implements the ChainRunner tick loop and SpecResolver
// (§4.3): draining pending ChainSpec rows into dispatchable jobs, enforcing
// the depth/jobs-total/timeout/repeat-detector guards, and applying the
// bounded artifact and result-compaction rules that keep a chain's context
// from growing without limit.
package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/dop251/goja"
	"github.com/tidwall/gjson"

	kernelerrors "github.com/r3e-network/agent-mesh-kernel/infrastructure/errors"
	"github.com/r3e-network/agent-mesh-kernel/internal/kernel/model"
)

// GuardViolation names why append-spec registration was rejected, mirroring
// job_chain_manager.py's _guard_allow_jobs reason strings exactly so
// operators can correlate logs against the original tool's vocabulary.
type GuardViolation string

const (
	GuardChainNotActive       GuardViolation = "chain_not_active"
	GuardTimeoutExceeded      GuardViolation = "timeout_exceeded"
	GuardMaxDepthReached      GuardViolation = "max_depth_reached"
	GuardMaxJobsTotalExceeded GuardViolation = "max_jobs_total_exceeded"
	GuardInvalidJobSpec       GuardViolation = "invalid_job_spec"
	GuardRepeatDetected       GuardViolation = "repeat_detected"
)

// CanonicalHash computes the SHA-256 of the canonical (kind, params) pair,
// used both for the chain's requested_hashes repeat detector and for a
// spec's dedupe_key (§5 "Idempotency").
func CanonicalHash(kind string, params map[string]interface{}) string {
	payload := map[string]interface{}{"kind": kind, "params": params}
	blob, _ := canonicalJSON(payload)
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

// DedupeKey computes ChainSpec.dedupe_key = SHA256(canonical({parent_job_id,
// kind, params})), unique per chain per §5.
func DedupeKey(parentJobID, kind string, params map[string]interface{}) string {
	payload := map[string]interface{}{
		"parent_job_id": parentJobID,
		"kind":          kind,
		"params":        params,
	}
	blob, _ := canonicalJSON(payload)
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

// canonicalJSON marshals v with sorted keys and no extra whitespace,
// matching the Python source's json.dumps(sort_keys=True,
// separators=(",",":")).
func canonicalJSON(v interface{}) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

func normalize(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var decoded interface{}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return nil, err
	}
	return sortKeys(decoded), nil
}

func sortKeys(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(map[string]interface{}, len(val))
		for _, k := range keys {
			ordered[k] = sortKeys(val[k])
		}
		return ordered
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = sortKeys(item)
		}
		return out
	default:
		return val
	}
}

// NewSpecSpec is one follow-up job description offered to RegisterFollowups,
// mirroring register_followup_jobs' job_specs argument.
type NewSpecSpec struct {
	Kind   string
	Params map[string]interface{}
}

// GuardAllowJobs enforces §4.3's registration guards and returns the first
// violated one, or "" if registration may proceed.
func GuardAllowJobs(chain *model.ChainContext, specs []NewSpecSpec, now time.Time) GuardViolation {
	if chain.State != model.ChainRunning {
		return GuardChainNotActive
	}
	if now.After(chain.TimeoutAt) {
		return GuardTimeoutExceeded
	}
	if chain.Depth+1 > chain.MaxDepth {
		return GuardMaxDepthReached
	}
	if chain.JobsTotal+len(specs) > chain.MaxJobsTotal {
		return GuardMaxJobsTotalExceeded
	}
	for _, spec := range specs {
		if strings.TrimSpace(spec.Kind) == "" || spec.Params == nil {
			return GuardInvalidJobSpec
		}
		h := CanonicalHash(spec.Kind, spec.Params)
		if chain.RequestedHashes != nil && chain.RequestedHashes[h] {
			return GuardRepeatDetected
		}
	}
	return ""
}

// CompactChildResult truncates an oversized job result to a string-length
// prefix, per §4.3 "Compaction of child results".
func CompactChildResult(kind string, result map[string]interface{}, maxChars int) map[string]interface{} {
	blob, _ := json.Marshal(result)
	if len(blob) <= maxChars {
		return map[string]interface{}{"kind": kind, "result": result, "truncated": false}
	}
	return map[string]interface{}{
		"kind": kind,
		"result": map[string]interface{}{
			"_truncated_json_prefix": string(blob[:maxChars]),
			"_note":                  "Result too large; stored as truncated JSON prefix.",
		},
		"truncated": true,
	}
}

// resolveParams materializes resolved_params for one spec: walks its Params
// tree for ResolveDirective markers (a map carrying paths_from_artifact or
// inputs_from_job_result) and replaces them with extracted values, per §4.3
// step 4.
func resolveParams(spec *model.ChainSpec, chain *model.ChainContext, jobResult func(jobID string) (map[string]interface{}, error)) (map[string]interface{}, error) {
	resolved := make(map[string]interface{}, len(spec.Params))
	for key, raw := range spec.Params {
		directive, ok := asDirective(raw)
		if !ok {
			resolved[key] = raw
			continue
		}
		value, err := resolveDirective(directive, chain, jobResult)
		if err != nil {
			return nil, err
		}
		resolved[key] = value
	}
	return resolved, nil
}

// asDirective recognises a param value shaped like a ResolveDirective (a map
// carrying paths_from_artifact or inputs_from_job_result) versus a literal.
func asDirective(raw interface{}) (*model.ResolveDirective, bool) {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil, false
	}
	_, hasArtifact := m["paths_from_artifact"]
	_, hasJobResult := m["inputs_from_job_result"]
	if !hasArtifact && !hasJobResult {
		return nil, false
	}
	blob, err := json.Marshal(m)
	if err != nil {
		return nil, false
	}
	var d model.ResolveDirective
	if err := json.Unmarshal(blob, &d); err != nil {
		return nil, false
	}
	return &d, true
}

func resolveDirective(d *model.ResolveDirective, chain *model.ChainContext, jobResult func(jobID string) (map[string]interface{}, error)) (interface{}, error) {
	var value interface{}

	switch {
	case d.PathsFromArtifact != "":
		artifact, ok := chain.Artifacts[d.PathsFromArtifact]
		if !ok {
			return nil, kernelerrors.InvalidInput("paths_from_artifact", fmt.Sprintf("artifact %q not found", d.PathsFromArtifact))
		}
		value = artifact.Value

	case d.InputsFromJobResult != nil:
		ref := d.InputsFromJobResult
		result, err := jobResult(ref.JobID)
		if err != nil {
			return nil, err
		}
		value = extractJSONPath(result, ref.JSONPath)

	default:
		return nil, kernelerrors.InvalidInput("resolve_directive", "no recognised source (paths_from_artifact or inputs_from_job_result)")
	}

	for _, t := range d.Transforms {
		var err error
		value, err = applyTransform(t, value)
		if err != nil {
			return nil, err
		}
	}
	return value, nil
}

// extractJSONPath walks a dotted/indexed path (tidwall/gjson) unless the
// path is prefixed "jsonpath:", in which case it is evaluated as a full
// JSONPath expression via PaesslerAG/jsonpath (§2 domain-stack table).
func extractJSONPath(result map[string]interface{}, path string) interface{} {
	if strings.HasPrefix(path, "jsonpath:") {
		blob, _ := json.Marshal(result)
		var data interface{}
		if err := json.Unmarshal(blob, &data); err != nil {
			return nil
		}
		v, err := jsonpath.Get(strings.TrimPrefix(path, "jsonpath:"), data)
		if err != nil {
			return nil
		}
		return v
	}

	blob, err := json.Marshal(result)
	if err != nil {
		return nil
	}
	r := gjson.GetBytes(blob, path)
	if !r.Exists() {
		return nil
	}
	return r.Value()
}

// applyTransform applies one post-extract transform: take_first:N, unique,
// filter_suffix:[a,b,...], or the supplemental js:<expr> goja transform.
func applyTransform(t string, value interface{}) (interface{}, error) {
	switch {
	case strings.HasPrefix(t, "take_first:"):
		n, err := strconv.Atoi(strings.TrimPrefix(t, "take_first:"))
		if err != nil {
			return value, nil
		}
		items, ok := value.([]interface{})
		if !ok {
			return value, nil
		}
		if n > len(items) {
			n = len(items)
		}
		if n < 0 {
			n = 0
		}
		return items[:n], nil

	case t == "unique":
		items, ok := value.([]interface{})
		if !ok {
			return value, nil
		}
		seen := make(map[string]bool, len(items))
		out := make([]interface{}, 0, len(items))
		for _, item := range items {
			key := fmt.Sprintf("%v", item)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, item)
		}
		return out, nil

	case strings.HasPrefix(t, "filter_suffix:"):
		suffixes := parseSuffixList(strings.TrimPrefix(t, "filter_suffix:"))
		items, ok := value.([]interface{})
		if !ok {
			return value, nil
		}
		out := make([]interface{}, 0, len(items))
		for _, item := range items {
			s, ok := item.(string)
			if !ok {
				continue
			}
			for _, suf := range suffixes {
				if strings.HasSuffix(s, suf) {
					out = append(out, item)
					break
				}
			}
		}
		return out, nil

	case strings.HasPrefix(t, "js:"):
		return applyJSTransform(strings.TrimPrefix(t, "js:"), value)

	default:
		return value, nil
	}
}

// parseSuffixList parses the bracketed "[.py,.go]" syntax into suffixes.
func parseSuffixList(raw string) []string {
	raw = strings.TrimPrefix(raw, "[")
	raw = strings.TrimSuffix(raw, "]")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

// jsTransformTimeout bounds how long a single js: transform expression may
// run before the VM is interrupted, preventing a runaway expression from
// stalling the tick loop.
const jsTransformTimeout = 200 * time.Millisecond

// applyJSTransform evaluates expr against value using a sandboxed, timeout-
// bounded goja VM: no Node APIs, a single expression referencing `value`.
func applyJSTransform(expr string, value interface{}) (interface{}, error) {
	vm := goja.New()
	if err := vm.Set("value", value); err != nil {
		return nil, err
	}

	done := make(chan struct{})
	timer := time.AfterFunc(jsTransformTimeout, func() {
		vm.Interrupt("transform timed out")
	})
	defer timer.Stop()

	var result goja.Value
	var runErr error
	go func() {
		defer close(done)
		result, runErr = vm.RunString(expr)
	}()
	<-done

	if runErr != nil {
		return nil, kernelerrors.Internal("js transform failed", runErr)
	}
	return result.Export(), nil
}
