package chain

import (
	"context"
	"time"

	"github.com/r3e-network/agent-mesh-kernel/internal/kernel/model"
	"github.com/r3e-network/agent-mesh-kernel/internal/kernel/store"
)

// Manager implements the chain-side "Core contracts required from
// implementation" (§6): registering follow-up specs under guard, applying
// bounded context updates on job completion, and closing a chain terminally.
// It is the DB-backed analogue of job_chain_manager.py's JobChainManager,
// adapted so the persistent spec queue (ChainStore) is the unit of pending
// work instead of an in-file pending-job-id list, and so producing the next
// LLM step is left to the external follow-up interpreter (§6 "its
// responsibility") rather than driven from inside the kernel.
type Manager struct {
	chains store.ChainStore
}

// NewManager wraps a ChainStore.
func NewManager(chains store.ChainStore) *Manager {
	return &Manager{chains: chains}
}

// RegisterResult reports the outcome of RegisterFollowups.
type RegisterResult struct {
	OK        bool
	Violation GuardViolation
	SpecIDs   []string
}

// RegisterFollowups runs §4.3's registration guards and, if they pass,
// persists one ChainSpec per spec and advances the chain's depth/jobs_total/
// requested_hashes. A guard violation records failed_reason on the chain and
// returns ok=false without persisting any spec, mirroring
// register_followup_jobs' rejection path.
func (m *Manager) RegisterFollowups(ctx context.Context, chainID, taskID, rootJobID, parentJobID string, specs []NewSpecSpec) (RegisterResult, error) {
	chain, err := m.chains.GetChainContext(ctx, chainID)
	if err != nil {
		return RegisterResult{}, err
	}

	now := time.Now().UTC()
	if violation := GuardAllowJobs(chain, specs, now); violation != "" {
		chain.FailedReason = string(violation)
		if err := m.chains.UpdateChainContext(ctx, chain); err != nil {
			return RegisterResult{}, err
		}
		return RegisterResult{OK: false, Violation: violation}, nil
	}

	nextDepth := chain.Depth + 1
	specRows := make([]*model.ChainSpec, 0, len(specs))
	specIDs := make([]string, 0, len(specs))

	if chain.RequestedHashes == nil {
		chain.RequestedHashes = make(map[string]bool, len(specs))
	}

	for _, spec := range specs {
		h := CanonicalHash(spec.Kind, spec.Params)
		chain.RequestedHashes[h] = true

		row := &model.ChainSpec{
			ChainID:     chainID,
			TaskID:      taskID,
			RootJobID:   rootJobID,
			ParentJobID: parentJobID,
			Kind:        spec.Kind,
			Params:      spec.Params,
			Status:      model.SpecPending,
			DedupeKey:   DedupeKey(parentJobID, spec.Kind, spec.Params),
			CreatedAt:   now,
		}
		specRows = append(specRows, row)
	}

	if err := m.chains.AppendChainSpecs(ctx, specRows); err != nil {
		return RegisterResult{}, err
	}
	for _, row := range specRows {
		specIDs = append(specIDs, row.SpecID)
	}

	chain.Depth = nextDepth
	chain.JobsTotal += len(specRows)
	chain.FailedReason = ""
	if err := m.chains.UpdateChainContext(ctx, chain); err != nil {
		return RegisterResult{}, err
	}
	if err := m.chains.SetChainNeedsTick(ctx, chainID, true); err != nil {
		return RegisterResult{}, err
	}

	return RegisterResult{OK: true, SpecIDs: specIDs}, nil
}

// ApplyContextUpdate implements §4.3 "Context updates": on completion of a
// walk_tree or read_file_batch job, store its (bounded) output as a chain
// artifact. Any other kind is a no-op here.
func (m *Manager) ApplyContextUpdate(ctx context.Context, chainID, kind string, result map[string]interface{}) error {
	chain, err := m.chains.GetChainContext(ctx, chainID)
	if err != nil {
		return err
	}

	switch kind {
	case "walk_tree":
		paths, _ := result["paths"].([]interface{})
		artifact := boundFileList(paths, chain.Limits)
		return m.chains.SetChainArtifact(ctx, chainID, "file_list", artifact)

	case "read_file_batch":
		files, _ := result["files"].(map[string]interface{})
		artifact := boundFileBlobs(files, chain.Limits)
		return m.chains.SetChainArtifact(ctx, chainID, "file_blobs", artifact)

	default:
		return nil
	}
}

// boundFileList trims paths to at most limits.MaxFiles entries.
func boundFileList(paths []interface{}, limits model.ChainLimits) model.Artifact {
	truncated := false
	if limits.MaxFiles > 0 && len(paths) > limits.MaxFiles {
		paths = paths[:limits.MaxFiles]
		truncated = true
	}
	return model.Artifact{Value: paths, Meta: model.ArtifactMeta{Truncated: truncated}}
}

// boundFileBlobs truncates each file's content to limits.MaxBytesPerFile and
// stops admitting files once the cumulative size would exceed
// limits.MaxTotalBytes, per §4.3's artifact-limit rules.
func boundFileBlobs(files map[string]interface{}, limits model.ChainLimits) model.Artifact {
	out := make(map[string]interface{}, len(files))
	truncated := false
	total := 0

	for path, raw := range files {
		content, ok := raw.(string)
		if !ok {
			continue
		}
		if limits.MaxBytesPerFile > 0 && len(content) > limits.MaxBytesPerFile {
			content = content[:limits.MaxBytesPerFile]
			truncated = true
		}
		if limits.MaxTotalBytes > 0 && total+len(content) > limits.MaxTotalBytes {
			truncated = true
			continue
		}
		out[path] = content
		total += len(content)
	}

	return model.Artifact{Value: out, Meta: model.ArtifactMeta{Truncated: truncated}}
}

// RecordChildResult implements §4.3 "Compaction of child results": it
// compacts the result (CompactChildResult) and appends it to the chain's
// last_tool_results, keyed by job id.
func (m *Manager) RecordChildResult(ctx context.Context, chainID, jobID, kind string, result map[string]interface{}, maxChars int) error {
	chain, err := m.chains.GetChainContext(ctx, chainID)
	if err != nil {
		return err
	}
	if chain.IsTerminal() {
		return nil
	}

	compact := CompactChildResult(kind, result, maxChars)
	if chain.LastToolResults == nil {
		chain.LastToolResults = make(map[string]interface{})
	}
	chain.LastToolResults[jobID] = compact

	return m.chains.UpdateChainContext(ctx, chain)
}

// Close marks chain done with finalAnswer, per §4.3 "Closure". A terminal
// chain ignores further events, including a second Close/Fail call.
func (m *Manager) Close(ctx context.Context, chainID, finalAnswer string) error {
	chain, err := m.chains.GetChainContext(ctx, chainID)
	if err != nil {
		return err
	}
	if chain.IsTerminal() {
		return nil
	}
	chain.State = model.ChainDone
	chain.FinalAnswer = finalAnswer
	chain.FailedReason = ""
	return m.chains.UpdateChainContext(ctx, chain)
}

// Fail marks chain in error with reason, per §4.3 "Closure". A terminal
// chain ignores further events.
func (m *Manager) Fail(ctx context.Context, chainID, reason string) error {
	chain, err := m.chains.GetChainContext(ctx, chainID)
	if err != nil {
		return err
	}
	if chain.IsTerminal() {
		return nil
	}
	chain.State = model.ChainError
	chain.FailedReason = reason
	return m.chains.UpdateChainContext(ctx, chain)
}
