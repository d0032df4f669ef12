package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/elspeth-data/elspeth/internal/config"
	"github.com/elspeth-data/elspeth/internal/document"
	"github.com/elspeth-data/elspeth/internal/model"
	"github.com/elspeth-data/elspeth/internal/plugin"
	"github.com/elspeth-data/elspeth/internal/retry"
)

// ActionKind is what the Row Processor should do with a Transform's result.
type ActionKind int

const (
	// ActionContinue means the token's row data was replaced; the processor
	// should look up the outgoing "continue" edge and keep going.
	ActionContinue ActionKind = iota
	// ActionTerminal means the token reached one of its terminal outcomes at
	// this node; the processor records no further dispatch for it.
	ActionTerminal
)

// TransformResult is what TransformExecutor.Execute hands back to the Row
// Processor.
type TransformResult struct {
	Action   ActionKind
	Token    model.Token
	Outcome  model.RowOutcome
	SinkName string
}

// TransformExecutor wraps a row-at-a-time Transform plugin with the audit
// dance and the node's retry policy (spec §4.4.1).
type TransformExecutor struct {
	deps Deps
}

// NewTransformExecutor returns a TransformExecutor sharing deps with the
// rest of the run's executors.
func NewTransformExecutor(deps Deps) *TransformExecutor {
	return &TransformExecutor{deps: deps}
}

// Execute runs p.Process against tok, retrying per rc when the node
// declares retryable error classes, and returns the processor's next
// action. sequence is the token's next NodeState sequence number (advisory;
// the recorder backend owns the durable value).
func (e *TransformExecutor) Execute(
	ctx context.Context, nodeID string, p plugin.Transform, tok model.Token, sequence int64, rc config.RetryConfig,
) (TransformResult, error) {
	stateID, err := e.deps.Recorder.BeginNodeState(ctx, e.deps.RunID, nodeID, tok.ID, sequence)
	if err != nil {
		return TransformResult{}, fmt.Errorf("transform: begin state for node %s: %w", nodeID, err)
	}

	pctx := plugin.Context{RunID: e.deps.RunID, StateID: stateID}

	if e.deps.Limiter != nil && p.Determinism() == model.DeterminismExternalCall {
		if err := e.deps.Limiter.Wait(ctx, nodeID); err != nil {
			return e.fail(ctx, stateID, nodeID, tok, err, "rate_limit", 0)
		}
	}

	inputHash := document.CanonicalHash(tok.RowData)
	started := e.deps.now()

	classifier := classifierFor(rc)
	manager := retry.NewManager(toRetryManagerConfig(rc), classifier)

	res, err := retry.Do(ctx, manager, func(ctx context.Context) (plugin.TransformResult, error) {
		return p.Process(ctx, pctx, tok.RowData)
	})

	duration := e.deps.now().Sub(started).Milliseconds()

	if err != nil {
		return e.handleError(ctx, stateID, nodeID, tok, p.OnError(), err, duration, res.Attempts)
	}

	outputHash := document.CanonicalHash(res.Value.Data)
	successReason := res.Value.SuccessReason
	if res.Attempts > 1 {
		successReason = fmt.Sprintf("%s (attempts=%d)", successReason, res.Attempts)
	}

	if err := e.deps.Recorder.CompleteNodeState(ctx, stateID, inputHash, outputHash, successReason, duration); err != nil {
		return TransformResult{}, fmt.Errorf("transform: complete state %s: %w", stateID, err)
	}

	if e.deps.Metrics != nil {
		e.deps.Metrics.ObserveNodeLatency(e.deps.RunID, nodeID, "success", time.Duration(duration)*time.Millisecond)
	}

	updated := tok.WithRowData(res.Value.Data)
	e.deps.Tokens.Update(updated)

	return TransformResult{Action: ActionContinue, Token: updated}, nil
}

func (e *TransformExecutor) handleError(
	ctx context.Context, stateID, nodeID string, tok model.Token, policy plugin.ErrorPolicy, cause error, durationMs int64, attempts int,
) (TransformResult, error) {
	switch policy.Kind {
	case plugin.OnErrorDiscard:
		return e.failWithOutcome(ctx, stateID, nodeID, tok, cause, "process", durationMs, model.OutcomeQuarantined, "")
	case plugin.OnErrorRouteTo:
		return e.failWithOutcome(ctx, stateID, nodeID, tok, cause, "process", durationMs, model.OutcomeRouted, policy.Target)
	case plugin.OnErrorRaise:
		fallthrough
	default:
		return e.fail(ctx, stateID, nodeID, tok, cause, "process", durationMs)
	}
}

// fail closes the state FAILED and propagates cause to the caller without
// deciding a terminal outcome -- used for "raise" and infrastructure errors
// (rate limiting) where the row processor itself decides the row's fate.
func (e *TransformExecutor) fail(ctx context.Context, stateID, nodeID string, tok model.Token, cause error, phase string, durationMs int64) (TransformResult, error) {
	if err := e.deps.Recorder.FailNodeState(ctx, stateID, cause.Error(), phase, durationMs); err != nil {
		return TransformResult{}, fmt.Errorf("transform: fail state %s: %w", stateID, err)
	}

	if e.deps.Metrics != nil {
		e.deps.Metrics.ObserveNodeLatency(e.deps.RunID, nodeID, "error", time.Duration(durationMs)*time.Millisecond)
	}

	return TransformResult{}, fmt.Errorf("transform: node %s failed for token %s: %w", nodeID, tok.ID, cause)
}

func (e *TransformExecutor) failWithOutcome(
	ctx context.Context, stateID, nodeID string, tok model.Token, cause error, phase string, durationMs int64, outcome model.RowOutcome, sinkName string,
) (TransformResult, error) {
	if err := e.deps.Recorder.FailNodeState(ctx, stateID, cause.Error(), phase, durationMs); err != nil {
		return TransformResult{}, fmt.Errorf("transform: fail state %s: %w", stateID, err)
	}

	if e.deps.Metrics != nil {
		e.deps.Metrics.ObserveNodeLatency(e.deps.RunID, nodeID, "error", time.Duration(durationMs)*time.Millisecond)
	}

	return TransformResult{Action: ActionTerminal, Token: tok, Outcome: outcome, SinkName: sinkName}, nil
}

func classifierFor(rc config.RetryConfig) retry.Classifier {
	if len(rc.RetryableErrorClasses) == 0 {
		return func(error) bool { return false }
	}

	classes := make(map[string]bool, len(rc.RetryableErrorClasses))
	for _, c := range rc.RetryableErrorClasses {
		classes[c] = true
	}

	return func(err error) bool {
		if ce, ok := err.(interface{ ErrorClass() string }); ok {
			return classes[ce.ErrorClass()]
		}

		return false
	}
}

func toRetryManagerConfig(rc config.RetryConfig) config.RetryConfig {
	if rc.MaxAttempts <= 0 {
		rc.MaxAttempts = 1
	}

	return rc
}
