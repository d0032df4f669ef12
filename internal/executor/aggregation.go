package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/elspeth-data/elspeth/internal/document"
	"github.com/elspeth-data/elspeth/internal/engineerr"
	"github.com/elspeth-data/elspeth/internal/executor/gateeval"
	"github.com/elspeth-data/elspeth/internal/model"
	"github.com/elspeth-data/elspeth/internal/plugin"
)

const checkpointFormatVersion = 1

// checkpointSizeWarnBytes and checkpointSizeHardBytes bound a serialised
// aggregation checkpoint (spec §4.4.3): past 1MB GetCheckpointState logs a
// warning; past 10MB it refuses to serialise at all.
const (
	checkpointSizeWarnBytes = 1 << 20
	checkpointSizeHardBytes = 10 << 20
)

// Trigger is a per-node aggregation flush condition. Exactly one of Count,
// Timeout, or Condition should be set on a leaf Trigger; AnyOf composes
// several leaves with OR semantics.
type Trigger struct {
	Count     int
	Timeout   time.Duration
	Condition *gateeval.Expr
	AnyOf     []Trigger
}

func (t Trigger) fires(bufLen int, elapsed time.Duration, lastRow document.Document) (bool, error) {
	if len(t.AnyOf) > 0 {
		for _, sub := range t.AnyOf {
			ok, err := sub.fires(bufLen, elapsed, lastRow)
			if err != nil {
				return false, err
			}

			if ok {
				return true, nil
			}
		}

		return false, nil
	}

	if t.Count > 0 && bufLen >= t.Count {
		return true, nil
	}

	if t.Timeout > 0 && elapsed >= t.Timeout {
		return true, nil
	}

	if t.Condition != nil {
		return t.Condition.Eval(lastRow)
	}

	return false, nil
}

type nodeBuffer struct {
	trigger   Trigger
	rows      []document.Document
	tokens    []model.Token
	startedAt time.Time
}

// FlushResult reports what ExecuteFlush did.
type FlushResult struct {
	BatchID        string
	ConsumedTokens []model.Token
	MergedToken    *model.Token
}

// AggregationExecutor implements the Aggregation Executor (spec §4.4.3):
// per-node row buffers, trigger evaluation, and batch-aware flush.
type AggregationExecutor struct {
	deps Deps

	mu      sync.Mutex
	buffers map[string]*nodeBuffer
}

// NewAggregationExecutor returns an AggregationExecutor sharing deps with
// the rest of the run's executors.
func NewAggregationExecutor(deps Deps) *AggregationExecutor {
	return &AggregationExecutor{deps: deps, buffers: make(map[string]*nodeBuffer)}
}

// BufferedCount reports how many rows nodeID currently holds unflushed, for
// orchestrator-driven end-of-source flush decisions and checkpoint tests.
func (e *AggregationExecutor) BufferedCount(nodeID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	buf, ok := e.buffers[nodeID]
	if !ok {
		return 0
	}

	return len(buf.tokens)
}

// BufferRow appends tok to nodeID's buffer, creating it (and recording
// trigger) on first use, and records the token's intermediate BUFFERED
// outcome.
func (e *AggregationExecutor) BufferRow(ctx context.Context, nodeID string, tok model.Token, trigger Trigger) error {
	e.mu.Lock()
	buf, ok := e.buffers[nodeID]
	if !ok {
		buf = &nodeBuffer{trigger: trigger, startedAt: e.deps.now()}
		e.buffers[nodeID] = buf
	}

	buf.rows = append(buf.rows, tok.RowData)
	buf.tokens = append(buf.tokens, tok)
	depth := len(buf.rows)
	e.mu.Unlock()

	if err := e.deps.Recorder.RecordTokenOutcome(ctx, e.deps.RunID, tok.RowID, tok.ID, model.OutcomeBuffered, "", false); err != nil {
		return fmt.Errorf("aggregation: record buffered outcome for token %s: %w", tok.ID, err)
	}

	if e.deps.Metrics != nil {
		e.deps.Metrics.SetBufferDepth(e.deps.RunID, nodeID, depth)
	}

	return nil
}

// ShouldFlush reports whether nodeID's buffer is ready to flush.
func (e *AggregationExecutor) ShouldFlush(nodeID string) (bool, error) {
	e.mu.Lock()
	buf, ok := e.buffers[nodeID]
	e.mu.Unlock()

	if !ok || len(buf.rows) == 0 {
		return false, nil
	}

	elapsed := e.deps.now().Sub(buf.startedAt)
	lastRow := buf.rows[len(buf.rows)-1]

	return buf.trigger.fires(len(buf.rows), elapsed, lastRow)
}

// ExecuteFlush drains nodeID's buffer through bt, closing every consumed
// token's NodeState and recording its terminal outcome. On transform error
// every buffered token fails with error_phase="flush" and the buffer is
// cleared without retry (spec §4.4.3, decided Open Question).
func (e *AggregationExecutor) ExecuteFlush(ctx context.Context, nodeID string, bt plugin.BatchTransform) (FlushResult, error) {
	e.mu.Lock()
	buf, ok := e.buffers[nodeID]
	if ok {
		delete(e.buffers, nodeID)
	}
	e.mu.Unlock()

	if !ok || len(buf.rows) == 0 {
		return FlushResult{}, nil
	}

	if len(buf.rows) != len(buf.tokens) {
		panic(fmt.Errorf("%w: aggregation buffer/token length mismatch for node %s (%d rows, %d tokens)",
			engineerr.ErrEngineBug, nodeID, len(buf.rows), len(buf.tokens)))
	}

	batchID := uuid.NewString()
	started := e.deps.now()

	opID, err := e.deps.Recorder.BeginOperation(ctx, e.deps.RunID, nodeID, model.OperationBatchFlush)
	if err != nil {
		return FlushResult{}, fmt.Errorf("aggregation: begin flush operation for node %s: %w", nodeID, err)
	}

	pctx := plugin.Context{RunID: e.deps.RunID}

	result, emit, flushErr := bt.ProcessBatch(ctx, pctx, buf.rows)
	duration := e.deps.now().Sub(started).Milliseconds()

	if flushErr != nil {
		for _, tok := range buf.tokens {
			e.failConsumedToken(ctx, nodeID, tok, flushErr, duration)
		}

		_ = e.deps.Recorder.CompleteOperation(ctx, opID)

		return FlushResult{}, fmt.Errorf("aggregation: flush failed for node %s: %w", nodeID, flushErr)
	}

	for _, tok := range buf.tokens {
		if err := e.completeConsumedToken(ctx, nodeID, tok, batchID, duration); err != nil {
			return FlushResult{}, err
		}
	}

	if err := e.deps.Recorder.CompleteOperation(ctx, opID); err != nil {
		return FlushResult{}, fmt.Errorf("aggregation: complete flush operation for node %s: %w", nodeID, err)
	}

	if e.deps.Metrics != nil {
		e.deps.Metrics.SetBufferDepth(e.deps.RunID, nodeID, 0)
	}

	out := FlushResult{BatchID: batchID, ConsumedTokens: buf.tokens}

	if !emit {
		return out, nil
	}

	mergedRowID := buf.tokens[0].RowID
	mergedID := uuid.NewString()

	if err := e.deps.Recorder.CreateToken(ctx, mergedRowID, mergedID); err != nil {
		return FlushResult{}, fmt.Errorf("aggregation: create merged token for node %s: %w", nodeID, err)
	}

	merged := model.Token{ID: mergedID, RowID: mergedRowID, RowData: result.Data}
	e.deps.Tokens.Update(merged)
	out.MergedToken = &merged

	return out, nil
}

func (e *AggregationExecutor) failConsumedToken(ctx context.Context, nodeID string, tok model.Token, cause error, durationMs int64) {
	stateID, err := e.deps.Recorder.BeginNodeState(ctx, e.deps.RunID, nodeID, tok.ID, 0)
	if err == nil {
		_ = e.deps.Recorder.FailNodeState(ctx, stateID, cause.Error(), "flush", durationMs)
	}

	_ = e.deps.Recorder.RecordTokenOutcome(ctx, e.deps.RunID, tok.RowID, tok.ID, model.OutcomeFailed, "", true)
}

func (e *AggregationExecutor) completeConsumedToken(ctx context.Context, nodeID string, tok model.Token, batchID string, durationMs int64) error {
	stateID, err := e.deps.Recorder.BeginNodeState(ctx, e.deps.RunID, nodeID, tok.ID, 0)
	if err != nil {
		return fmt.Errorf("aggregation: begin consumed state for token %s: %w", tok.ID, err)
	}

	reason := fmt.Sprintf("consumed_in_batch=%s", batchID)
	if err := e.deps.Recorder.CompleteNodeState(ctx, stateID, "", "", reason, durationMs); err != nil {
		return fmt.Errorf("aggregation: complete consumed state %s: %w", stateID, err)
	}

	if err := e.deps.Recorder.RecordTokenOutcome(ctx, e.deps.RunID, tok.RowID, tok.ID, model.OutcomeConsumedInBatch, "", true); err != nil {
		return fmt.Errorf("aggregation: record consumed_in_batch outcome for token %s: %w", tok.ID, err)
	}

	return nil
}

// tokenSnapshot is the JSON shape of a buffered token inside a checkpoint.
type tokenSnapshot struct {
	RowID         string      `json:"row_id"`
	TokenID       string      `json:"token_id"`
	RowData       interface{} `json:"row_data"`
	BranchName    string      `json:"branch_name,omitempty"`
	ParentTokenID string      `json:"parent_token_id,omitempty"`
}

type checkpointEntry struct {
	Tokens            []tokenSnapshot `json:"tokens"`
	BatchID           string          `json:"batch_id,omitempty"`
	ElapsedAgeSeconds float64         `json:"elapsed_age_seconds"`
}

// GetCheckpointState serialises every node's buffer into the documented
// {_version, node_id: {...}} shape. Returns CheckpointSizeLimitExceeded if
// the result would exceed the 10MB hard limit, and logs a warning through
// slog's default logger when it exceeds the 1MB soft limit.
func (e *AggregationExecutor) GetCheckpointState() (map[string]interface{}, int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state := map[string]interface{}{"_version": checkpointFormatVersion}

	for nodeID, buf := range e.buffers {
		snaps := make([]tokenSnapshot, len(buf.tokens))
		for i, tok := range buf.tokens {
			snaps[i] = tokenSnapshot{
				RowID: tok.RowID, TokenID: tok.ID,
				RowData: document.ToJSONValue(tok.RowData),
				BranchName: tok.BranchName, ParentTokenID: tok.ParentTokenID,
			}
		}

		state[nodeID] = checkpointEntry{
			Tokens:            snaps,
			ElapsedAgeSeconds: e.deps.now().Sub(buf.startedAt).Seconds(),
		}
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return nil, 0, fmt.Errorf("aggregation: marshal checkpoint state: %w", err)
	}

	size := int64(len(raw))
	if size > checkpointSizeHardBytes {
		return nil, size, &engineerr.CheckpointSizeLimitExceeded{NodeID: "(all aggregations)", SizeBytes: size}
	}

	if size > checkpointSizeWarnBytes {
		slog.Warn("aggregation checkpoint exceeds soft size limit",
			"size_bytes", size, "limit_bytes", checkpointSizeWarnBytes)
	}

	return state, size, nil
}

// RestoreFromCheckpoint rebuilds buffers from a checkpoint previously
// produced by GetCheckpointState. triggers supplies each node's trigger
// configuration, since triggers are graph-time config, not checkpoint state.
func (e *AggregationExecutor) RestoreFromCheckpoint(raw map[string]interface{}, triggers map[string]Trigger) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for nodeID, entryVal := range raw {
		if nodeID == "_version" {
			continue
		}

		entryMap, ok := entryVal.(map[string]interface{})
		if !ok {
			return fmt.Errorf("aggregation: checkpoint entry for node %s is not an object", nodeID)
		}

		tokensVal, ok := entryMap["tokens"]
		if !ok {
			return fmt.Errorf("aggregation: checkpoint entry for node %s missing required %q key (old token_ids format is not supported)", nodeID, "tokens")
		}

		tokensList, ok := tokensVal.([]interface{})
		if !ok {
			return fmt.Errorf("aggregation: checkpoint entry for node %s has non-array %q", nodeID, "tokens")
		}

		buf := &nodeBuffer{trigger: triggers[nodeID], startedAt: e.deps.now()}

		if elapsed, ok := entryMap["elapsed_age_seconds"].(float64); ok {
			buf.startedAt = e.deps.now().Add(-time.Duration(elapsed * float64(time.Second)))
		}

		for _, tv := range tokensList {
			tm, ok := tv.(map[string]interface{})
			if !ok {
				return fmt.Errorf("aggregation: checkpoint entry for node %s has a non-object token snapshot", nodeID)
			}

			rowID, _ := tm["row_id"].(string)
			tokenID, _ := tm["token_id"].(string)
			branch, _ := tm["branch_name"].(string)
			parent, _ := tm["parent_token_id"].(string)
			data := document.FromJSONValue(tm["row_data"])

			tok := model.Token{ID: tokenID, RowID: rowID, RowData: data, BranchName: branch, ParentTokenID: parent}
			buf.rows = append(buf.rows, data)
			buf.tokens = append(buf.tokens, tok)
		}

		e.buffers[nodeID] = buf
	}

	return nil
}
