package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/elspeth-data/elspeth/internal/document"
	"github.com/elspeth-data/elspeth/internal/model"
	"github.com/elspeth-data/elspeth/internal/plugin"
)

// sinkEntry pairs a batched token with the outcome it should be recorded
// under once the batch lands successfully: COMPLETED for tokens that reached
// this sink by following the default continue edge, ROUTED for tokens a gate
// explicitly routed here by name (spec §4.4.2, scenario S2).
type sinkEntry struct {
	tok     model.Token
	outcome model.RowOutcome
}

// pendingSinkBatch accumulates tokens for one sink node between flush
// points (spec §4.4.5: "Sink writes are not executed one token at a time;
// they happen at batch boundaries").
type pendingSinkBatch struct {
	entries []sinkEntry
}

// SinkExecutor implements the Sink Executor (spec §4.4.5): buffers tokens
// per sink node and commits them through the plugin's Write/Flush pair.
type SinkExecutor struct {
	deps Deps

	batches map[string]*pendingSinkBatch
}

// NewSinkExecutor returns a SinkExecutor sharing deps with the rest of the
// run's executors.
func NewSinkExecutor(deps Deps) *SinkExecutor {
	return &SinkExecutor{deps: deps, batches: make(map[string]*pendingSinkBatch)}
}

// Append adds tok to nodeID's pending batch without writing anything yet.
// outcome is the terminal RowOutcome to record for tok once the batch lands
// (OutcomeCompleted for a default-path arrival, OutcomeRouted for a
// gate-routed one); a write or flush failure overrides it with FAILED.
func (e *SinkExecutor) Append(nodeID string, tok model.Token, outcome model.RowOutcome) {
	batch, ok := e.batches[nodeID]
	if !ok {
		batch = &pendingSinkBatch{}
		e.batches[nodeID] = batch
	}

	batch.entries = append(batch.entries, sinkEntry{tok: tok, outcome: outcome})
}

// Drain commits nodeID's pending batch: one NodeState per token, a single
// Write call over the whole batch, then Flush. Both Write and Flush
// failures close every token's NodeState FAILED (phase "write" or "flush"
// respectively); the artifact is registered only once Flush succeeds, and
// is linked to the first token's state via produced_by_state_id (spec
// §4.4.5).
func (e *SinkExecutor) Drain(ctx context.Context, nodeID string, s plugin.Sink) (*model.Artifact, error) {
	batch, ok := e.batches[nodeID]
	if !ok || len(batch.entries) == 0 {
		return nil, nil
	}

	delete(e.batches, nodeID)

	stateIDs := make([]string, len(batch.entries))
	rows := make([]document.Document, len(batch.entries))

	for i, entry := range batch.entries {
		stateID, err := e.deps.Recorder.BeginNodeState(ctx, e.deps.RunID, nodeID, entry.tok.ID, 0)
		if err != nil {
			return nil, fmt.Errorf("sink: begin state for token %s: %w", entry.tok.ID, err)
		}

		stateIDs[i] = stateID
		rows[i] = entry.tok.RowData
	}

	pctx := plugin.Context{RunID: e.deps.RunID, StateID: stateIDs[0]}
	started := e.deps.now()

	artifactDesc, writeErr := s.Write(ctx, pctx, rows)
	if writeErr != nil {
		e.failBatch(ctx, nodeID, batch.entries, stateIDs, writeErr, "write")
		return nil, fmt.Errorf("sink: node %s write failed: %w", nodeID, writeErr)
	}

	if flushErr := s.Flush(ctx, pctx); flushErr != nil {
		e.failBatch(ctx, nodeID, batch.entries, stateIDs, flushErr, "flush")
		return nil, fmt.Errorf("sink: node %s flush failed: %w", nodeID, flushErr)
	}

	duration := e.deps.now().Sub(started).Milliseconds()

	for i, entry := range batch.entries {
		if err := e.deps.Recorder.CompleteNodeState(ctx, stateIDs[i], "", "", "written", duration); err != nil {
			return nil, fmt.Errorf("sink: complete state for token %s: %w", entry.tok.ID, err)
		}

		if err := e.deps.Recorder.RecordTokenOutcome(ctx, e.deps.RunID, entry.tok.RowID, entry.tok.ID, entry.outcome, nodeID, true); err != nil {
			return nil, fmt.Errorf("sink: record %s outcome for token %s: %w", entry.outcome, entry.tok.ID, err)
		}
	}

	if e.deps.Metrics != nil {
		e.deps.Metrics.ObserveNodeLatency(e.deps.RunID, nodeID, "success", time.Duration(duration)*time.Millisecond)
	}

	artifact, err := e.deps.Recorder.RegisterArtifact(
		ctx, e.deps.RunID, nodeID, stateIDs[0], artifactDesc.Type, artifactDesc.URI, artifactDesc.SizeBytes, artifactDesc.ContentHash,
	)
	if err != nil {
		return nil, fmt.Errorf("sink: register artifact for node %s: %w", nodeID, err)
	}

	return artifact, nil
}

func (e *SinkExecutor) failBatch(ctx context.Context, nodeID string, entries []sinkEntry, stateIDs []string, cause error, phase string) {
	for i, entry := range entries {
		_ = e.deps.Recorder.FailNodeState(ctx, stateIDs[i], cause.Error(), phase, 0)
		_ = e.deps.Recorder.RecordTokenOutcome(ctx, e.deps.RunID, entry.tok.RowID, entry.tok.ID, model.OutcomeFailed, "", true)
	}

	if e.deps.Metrics != nil {
		e.deps.Metrics.ObserveNodeLatency(e.deps.RunID, nodeID, "error", 0)
	}
}

// PendingCount reports how many tokens nodeID currently holds unflushed, for
// orchestrator-driven periodic flush decisions.
func (e *SinkExecutor) PendingCount(nodeID string) int {
	batch, ok := e.batches[nodeID]
	if !ok {
		return 0
	}

	return len(batch.entries)
}
