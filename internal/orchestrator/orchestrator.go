// Package orchestrator implements the top-level Run/Resume control flow
// (spec §4.5): validates the graph, opens a run in the audit recorder,
// drives the source's rows through the RowProcessor, flushes pending
// aggregation and coalesce state at end-of-source, drains sinks, and closes
// the run out.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/elspeth-data/elspeth/internal/audit"
	"github.com/elspeth-data/elspeth/internal/checkpoint"
	"github.com/elspeth-data/elspeth/internal/config"
	"github.com/elspeth-data/elspeth/internal/document"
	"github.com/elspeth-data/elspeth/internal/engineerr"
	"github.com/elspeth-data/elspeth/internal/executor"
	"github.com/elspeth-data/elspeth/internal/graph"
	"github.com/elspeth-data/elspeth/internal/model"
	"github.com/elspeth-data/elspeth/internal/plugin"
	"github.com/elspeth-data/elspeth/internal/processor"
)

// ProgressEvent is emitted periodically while a run is in flight (spec
// §4.5 step 5: every 100 rows and every 5 seconds wall-clock, row 1
// always).
type ProgressEvent struct {
	RowsProcessed   int64
	RowsSucceeded   int64
	RowsFailed      int64
	RowsQuarantined int64
	RowsRouted      int64
	ElapsedSeconds  float64
}

// progressRowInterval and progressInterval are the two independent triggers
// for emitting a ProgressEvent; either one fires it.
const progressRowInterval = 100

var progressInterval = 5 * time.Second

// Spec is everything the Orchestrator needs to run one pipeline: the built
// graph, the shared executor deps (RunID is set internally once BeginRun
// returns, overriding whatever the caller supplied), the plugin instances,
// and per-node configuration the graph itself doesn't carry.
type Spec struct {
	Graph      *graph.Graph
	Deps       executor.Deps
	Plugins    processor.Plugins
	NodeConfig processor.NodeConfig
	Engine     config.EngineConfig

	Source             plugin.Source
	SourceNodeID       string
	QuarantineSinkName string

	// Sinks maps every sink node ID to its plugin instance, for end-of-source
	// Drain calls; Plugins.Sinks is the same map (kept here too since Drain
	// needs direct plugin access the processor doesn't otherwise expose).
	Sinks map[string]plugin.Sink
}

// Orchestrator drives runs against a shared audit Recorder.
type Orchestrator struct {
	rec    audit.Recorder
	logger *slog.Logger
}

// New returns an Orchestrator writing through rec. A nil logger falls back
// to slog.Default().
func New(rec audit.Recorder, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{rec: rec, logger: logger}
}

// Run executes spec.Source's rows to completion, returning the finished
// model.Run (status COMPLETED or FAILED) and, on failure, the error that
// caused it -- which is also what put the run into FAILED.
func (o *Orchestrator) Run(ctx context.Context, spec Spec, onProgress func(ProgressEvent)) (*model.Run, error) {
	if spec.Deps.Payload == nil {
		return nil, engineerr.ErrPayloadStoreRequired
	}

	if err := graph.ValidateEdgeCompatibility(spec.Graph); err != nil {
		return nil, fmt.Errorf("orchestrator: graph validation: %w", err)
	}

	run, err := o.rec.BeginRun(ctx, "{}", spec.Engine.EngineVersion)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: begin run: %w", err)
	}

	deps := spec.Deps
	deps.RunID = run.ID

	o.logger.Info("run started", "run_id", run.ID, "engine_version", spec.Engine.EngineVersion)

	proc := processor.New(spec.Graph, deps, spec.Plugins, spec.NodeConfig, spec.Engine.DefaultRetry, spec.Engine.MaxForksPerRow)
	ckpt := checkpoint.New(o.rec, run.ID, spec.Graph, spec.Engine.CheckpointPolicy, proc.Aggregation(), proc.Coalesce())

	runErr := o.drive(ctx, spec, deps, proc, ckpt, onProgress)

	o.closePlugins(ctx, spec, deps)

	status := model.RunCompleted
	if runErr != nil {
		status = model.RunFailed
	}

	if err := o.rec.FinishRun(ctx, run.ID, status); err != nil {
		o.logger.Error("finish run failed", "run_id", run.ID, "error", err)

		if runErr == nil {
			runErr = fmt.Errorf("orchestrator: finish run: %w", err)
		}
	}

	if runErr == nil {
		if err := ckpt.Purge(ctx); err != nil {
			o.logger.Warn("checkpoint purge failed after successful run", "run_id", run.ID, "error", err)
		}
	} else {
		o.logger.Warn("run failed, checkpoints retained for resume", "run_id", run.ID, "error", runErr)
	}

	run.Status = status

	o.logger.Info("run finished", "run_id", run.ID, "status", status)

	return run, runErr
}

// Resume continues runID from its latest checkpoint (spec §4.5, §9): it
// refuses a run that is still RUNNING or already COMPLETED, refuses a run
// with no saved checkpoint, restores the Aggregation and Coalesce executors'
// buffered state, seeks the source to the checkpoint's sequence number if it
// implements plugin.Rewindable, and then drives to completion exactly like a
// fresh Run. spec.Graph must be the same topology the failed run used --
// checkpoint.Manager.Restore rejects a mismatch via RunNotResumable.
func (o *Orchestrator) Resume(ctx context.Context, runID string, spec Spec, onProgress func(ProgressEvent)) (*model.Run, error) {
	if spec.Deps.Payload == nil {
		return nil, engineerr.ErrPayloadStoreRequired
	}

	status, err := o.rec.RunStatus(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: resume: look up run status: %w", err)
	}

	if status == model.RunRunning || status == model.RunCompleted {
		return nil, &engineerr.RunNotResumable{RunID: runID, Reason: fmt.Sprintf("run is %s, not resumable", status)}
	}

	if err := graph.ValidateEdgeCompatibility(spec.Graph); err != nil {
		return nil, fmt.Errorf("orchestrator: graph validation: %w", err)
	}

	cp, err := o.rec.LatestCheckpoint(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: resume: load latest checkpoint: %w", err)
	}

	if cp == nil {
		return nil, &engineerr.RunNotResumable{RunID: runID, Reason: "no checkpoint exists for this run"}
	}

	deps := spec.Deps
	deps.RunID = runID

	proc := processor.New(spec.Graph, deps, spec.Plugins, spec.NodeConfig, spec.Engine.DefaultRetry, spec.Engine.MaxForksPerRow)
	ckpt := checkpoint.New(o.rec, runID, spec.Graph, spec.Engine.CheckpointPolicy, proc.Aggregation(), proc.Coalesce())

	if _, err := ckpt.Restore(ctx, spec.NodeConfig.AggregationTrigger); err != nil {
		return nil, fmt.Errorf("orchestrator: resume: restore checkpoint: %w", err)
	}

	if rewindable, ok := spec.Source.(plugin.Rewindable); ok {
		if err := rewindable.StartAt(cp.Sequence); err != nil {
			return nil, fmt.Errorf("orchestrator: resume: seek source to sequence %d: %w", cp.Sequence, err)
		}
	}

	o.logger.Info("run resumed", "run_id", runID, "checkpoint_sequence", cp.Sequence, "checkpoint_node_id", cp.NodeID)

	runErr := o.drive(ctx, spec, deps, proc, ckpt, onProgress)

	o.closePlugins(ctx, spec, deps)

	finalStatus := model.RunCompleted
	if runErr != nil {
		finalStatus = model.RunFailed
	}

	if err := o.rec.FinishRun(ctx, runID, finalStatus); err != nil {
		o.logger.Error("finish run failed", "run_id", runID, "error", err)

		if runErr == nil {
			runErr = fmt.Errorf("orchestrator: finish run: %w", err)
		}
	}

	if runErr == nil {
		if err := ckpt.Purge(ctx); err != nil {
			o.logger.Warn("checkpoint purge failed after successful resume", "run_id", runID, "error", err)
		}
	} else {
		o.logger.Warn("resumed run failed again, checkpoints retained for resume", "run_id", runID, "error", runErr)
	}

	run := &model.Run{ID: runID, Status: finalStatus}

	o.logger.Info("run finished", "run_id", runID, "status", finalStatus)

	return run, runErr
}

func (o *Orchestrator) drive(ctx context.Context, spec Spec, deps executor.Deps, proc *processor.Processor, ckpt *checkpoint.Manager, onProgress func(ProgressEvent)) error {
	pctx := plugin.Context{RunID: deps.RunID}

	if err := spec.Source.OnStart(ctx, pctx); err != nil {
		return fmt.Errorf("orchestrator: source OnStart: %w", err)
	}

	rows, loadErrs := spec.Source.Load(ctx, pctx)

	var progress ProgressEvent

	started := time.Now()
	lastEmit := started
	var rowIndex int64

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case row, ok := <-rows:
			if !ok {
				if err := <-loadErrs; err != nil {
					return fmt.Errorf("orchestrator: source load: %w", err)
				}

				return o.flushAll(ctx, spec, proc)
			}

			justFlushed, err := o.processRow(ctx, spec, deps, proc, row, rowIndex, &progress)
			if err != nil {
				return err
			}

			rowIndex++
			progress.RowsProcessed++
			progress.ElapsedSeconds = time.Since(started).Seconds()

			if progress.RowsProcessed == 1 || progress.RowsProcessed%progressRowInterval == 0 || time.Since(lastEmit) >= progressInterval {
				if onProgress != nil {
					onProgress(progress)
				}

				lastEmit = time.Now()
			}

			ckpt.RowProcessed()

			if ckpt.Due(justFlushed) {
				if err := ckpt.Save(ctx, "", spec.SourceNodeID, rowIndex); err != nil {
					o.logger.Warn("checkpoint save failed", "run_id", deps.RunID, "error", err)
				}
			}
		}
	}
}

func (o *Orchestrator) processRow(ctx context.Context, spec Spec, deps executor.Deps, proc *processor.Processor, row plugin.SourceRow, rowIndex int64, progress *ProgressEvent) (justFlushed bool, err error) {
	if row.Kind == plugin.SourceRowQuarantined {
		return false, o.quarantineRow(ctx, spec, deps, proc, row, rowIndex, progress)
	}

	stored, err := json.Marshal(document.ToJSONValue(row.Row))
	if err != nil {
		return false, fmt.Errorf("orchestrator: marshal row %d for payload store: %w", rowIndex, err)
	}

	if _, err := deps.Payload.Store(ctx, stored); err != nil {
		return false, fmt.Errorf("orchestrator: store row %d payload: %w", rowIndex, err)
	}

	rec, err := o.rec.CreateRow(ctx, deps.RunID, spec.SourceNodeID, rowIndex, row.Row, "")
	if err != nil {
		return false, fmt.Errorf("orchestrator: create row %d: %w", rowIndex, err)
	}

	tok, err := deps.Tokens.NewInitialToken(ctx, rec.ID, row.Row)
	if err != nil {
		return false, fmt.Errorf("orchestrator: create initial token for row %d: %w", rowIndex, err)
	}

	outcome, err := proc.Drive(ctx, spec.SourceNodeID, tok)
	if err != nil {
		return false, fmt.Errorf("orchestrator: drive row %d: %w", rowIndex, err)
	}

	// RowsRouted is a breakdown of RowsSucceeded, not an alternative to it
	// (spec §4.5 step 5: "routed rows count as successes in aggregate
	// progress") -- a ROUTED row increments both.
	switch outcome {
	case model.OutcomeFailed:
		progress.RowsFailed++
	case model.OutcomeRouted:
		progress.RowsRouted++
		progress.RowsSucceeded++
	default:
		progress.RowsSucceeded++
	}

	return outcome == model.OutcomeConsumedInBatch, nil
}

func (o *Orchestrator) quarantineRow(ctx context.Context, spec Spec, deps executor.Deps, proc *processor.Processor, row plugin.SourceRow, rowIndex int64, progress *ProgressEvent) error {
	rec, err := o.rec.CreateRow(ctx, deps.RunID, spec.SourceNodeID, rowIndex, row.Row, "")
	if err != nil {
		return fmt.Errorf("orchestrator: create quarantined row %d: %w", rowIndex, err)
	}

	tok, err := deps.Tokens.NewInitialToken(ctx, rec.ID, row.Row)
	if err != nil {
		return fmt.Errorf("orchestrator: create token for quarantined row %d: %w", rowIndex, err)
	}

	if err := o.rec.RecordTokenOutcome(ctx, deps.RunID, rec.ID, tok.ID, model.OutcomeQuarantined, "", true); err != nil {
		return fmt.Errorf("orchestrator: record quarantined outcome for row %d: %w", rowIndex, err)
	}

	sinkName := row.DestinationSink
	if sinkName == "" {
		sinkName = spec.QuarantineSinkName
	}

	if sinkName != "" {
		if sinkID, ok := spec.Graph.SinkIDMap[sinkName]; ok {
			proc.Sink().Append(sinkID, tok, model.OutcomeQuarantined)
		}
	}

	progress.RowsQuarantined++

	return nil
}

func (o *Orchestrator) flushAll(ctx context.Context, spec Spec, proc *processor.Processor) error {
	if err := proc.FlushCoalesce(ctx); err != nil {
		return fmt.Errorf("orchestrator: flush coalesce: %w", err)
	}

	for _, nodeID := range spec.Graph.AggregationIDMap {
		if err := proc.FlushAggregation(ctx, nodeID); err != nil {
			return fmt.Errorf("orchestrator: flush aggregation node %s: %w", nodeID, err)
		}
	}

	for name, sinkID := range spec.Graph.SinkIDMap {
		sinkPlugin, ok := spec.Sinks[sinkID]
		if !ok {
			continue
		}

		if _, err := proc.Sink().Drain(ctx, sinkID, sinkPlugin); err != nil {
			return fmt.Errorf("orchestrator: drain sink %s: %w", name, err)
		}
	}

	return nil
}

func (o *Orchestrator) closePlugins(ctx context.Context, spec Spec, deps executor.Deps) {
	pctx := plugin.Context{RunID: deps.RunID}

	if err := spec.Source.OnComplete(ctx, pctx); err != nil {
		o.logger.Warn("source OnComplete failed", "error", err)
	}

	for _, tf := range spec.Plugins.Transforms {
		if err := tf.OnComplete(ctx, pctx); err != nil {
			o.logger.Warn("transform OnComplete failed", "plugin", tf.Name(), "error", err)
		}
	}

	for _, s := range spec.Sinks {
		if err := s.OnComplete(ctx, pctx); err != nil {
			o.logger.Warn("sink OnComplete failed", "plugin", s.Name(), "error", err)
		}
	}

	if err := spec.Source.Close(); err != nil {
		o.logger.Warn("source Close failed", "error", err)
	}

	for _, tf := range spec.Plugins.Transforms {
		if err := tf.Close(); err != nil {
			o.logger.Warn("transform Close failed", "plugin", tf.Name(), "error", err)
		}
	}

	for _, s := range spec.Sinks {
		if err := s.Close(); err != nil {
			o.logger.Warn("sink Close failed", "plugin", s.Name(), "error", err)
		}
	}
}
