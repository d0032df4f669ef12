package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/elspeth-data/elspeth/internal/engineerr"
	"github.com/elspeth-data/elspeth/internal/executor/gateeval"
	"github.com/elspeth-data/elspeth/internal/graph"
	"github.com/elspeth-data/elspeth/internal/model"
	"github.com/elspeth-data/elspeth/internal/plugin"
)

const (
	labelTrue  = "true"
	labelFalse = "false"
)

// GateResult is what GateExecutor.Execute hands back to the Row Processor.
type GateResult struct {
	Action   ActionKind
	Token    model.Token
	Outcome  model.RowOutcome
	SinkName string
	// Forked holds the child tokens produced by a fork_to_paths decision;
	// empty for continue/route decisions.
	Forked []model.Token
}

// GateExecutor evaluates either a plugin-backed Gate or a config-driven
// gateeval.Expr and resolves the decision to a graph route (spec §4.4.2).
type GateExecutor struct {
	deps  Deps
	graph *graph.Graph
}

// NewGateExecutor returns a GateExecutor resolving routes against g.
func NewGateExecutor(deps Deps, g *graph.Graph) *GateExecutor {
	return &GateExecutor{deps: deps, graph: g}
}

// ExecutePlugin evaluates a plugin-backed gate against tok and dispatches its
// decision.
func (e *GateExecutor) ExecutePlugin(ctx context.Context, nodeID string, g plugin.Gate, tok model.Token, sequence int64) (GateResult, error) {
	stateID, err := e.deps.Recorder.BeginNodeState(ctx, e.deps.RunID, nodeID, tok.ID, sequence)
	if err != nil {
		return GateResult{}, fmt.Errorf("gate: begin state for node %s: %w", nodeID, err)
	}

	started := e.deps.now()
	pctx := plugin.Context{RunID: e.deps.RunID, StateID: stateID}

	res, err := g.Evaluate(ctx, pctx, tok.RowData)
	if err != nil {
		return e.fail(ctx, stateID, nodeID, tok, err, e.deps.now().Sub(started).Milliseconds())
	}

	return e.dispatch(ctx, stateID, nodeID, tok, res.Action, started)
}

// ExecuteConfig evaluates a compiled config-gate expression against tok and
// dispatches true/false to the corresponding declared route.
func (e *GateExecutor) ExecuteConfig(ctx context.Context, nodeID string, expr *gateeval.Expr, tok model.Token, sequence int64) (GateResult, error) {
	stateID, err := e.deps.Recorder.BeginNodeState(ctx, e.deps.RunID, nodeID, tok.ID, sequence)
	if err != nil {
		return GateResult{}, fmt.Errorf("gate: begin state for node %s: %w", nodeID, err)
	}

	started := e.deps.now()

	pass, err := expr.Eval(tok.RowData)
	if err != nil {
		return e.fail(ctx, stateID, nodeID, tok, err, e.deps.now().Sub(started).Milliseconds())
	}

	label := labelFalse
	if pass {
		label = labelTrue
	}

	action := plugin.GateAction{Kind: plugin.GateRoute, Label: label}

	return e.dispatch(ctx, stateID, nodeID, tok, action, started)
}

func (e *GateExecutor) dispatch(ctx context.Context, stateID, nodeID string, tok model.Token, action plugin.GateAction, started time.Time) (GateResult, error) {
	switch action.Kind {
	case plugin.GateForkToPaths:
		return e.dispatchFork(ctx, stateID, nodeID, tok, action.Branches, started)
	case plugin.GateContinue:
		return e.dispatchRoute(ctx, stateID, nodeID, tok, "continue", started)
	case plugin.GateRoute:
		return e.dispatchRoute(ctx, stateID, nodeID, tok, action.Label, started)
	default:
		return e.fail(ctx, stateID, nodeID, tok, fmt.Errorf("gate: unknown action kind %q", action.Kind), e.deps.now().Sub(started).Milliseconds())
	}
}

func (e *GateExecutor) dispatchRoute(ctx context.Context, stateID, nodeID string, tok model.Token, label string, started time.Time) (GateResult, error) {
	dest, ok := e.graph.ResolveRoute(nodeID, label)
	if !ok {
		err := &engineerr.MissingEdgeError{NodeID: nodeID, Label: label}
		return e.fail(ctx, stateID, nodeID, tok, err, e.deps.now().Sub(started).Milliseconds())
	}

	edgeID, _ := e.graph.EdgeID(nodeID, label)
	if edgeID != "" {
		if err := e.deps.Recorder.RecordRouting(ctx, stateID, edgeID, model.RoutingMove, ""); err != nil {
			return GateResult{}, fmt.Errorf("gate: record routing for state %s: %w", stateID, err)
		}
	}

	duration := e.deps.now().Sub(started).Milliseconds()
	if err := e.deps.Recorder.CompleteNodeState(ctx, stateID, "", "", fmt.Sprintf("condition=%s, result=%s", label, dest), duration); err != nil {
		return GateResult{}, fmt.Errorf("gate: complete state %s: %w", stateID, err)
	}

	if e.deps.Metrics != nil {
		e.deps.Metrics.ObserveNodeLatency(e.deps.RunID, nodeID, "success", time.Duration(duration)*time.Millisecond)
	}

	if dest == "continue" {
		return GateResult{Action: ActionContinue, Token: tok}, nil
	}

	return GateResult{Action: ActionTerminal, Token: tok, Outcome: model.OutcomeRouted, SinkName: dest}, nil
}

func (e *GateExecutor) dispatchFork(ctx context.Context, stateID, nodeID string, tok model.Token, branches []string, started time.Time) (GateResult, error) {
	if e.deps.Tokens == nil {
		err := fmt.Errorf("gate: node %s declared fork_to_paths without a token manager", nodeID)
		return e.fail(ctx, stateID, nodeID, tok, err, e.deps.now().Sub(started).Milliseconds())
	}

	children, err := e.deps.Tokens.Fork(ctx, tok, branches)
	if err != nil {
		return e.fail(ctx, stateID, nodeID, tok, err, e.deps.now().Sub(started).Milliseconds())
	}

	groupID := uuid.NewString()

	for _, branch := range branches {
		// A branch either has a literal outgoing edge (continues to another
		// node directly) or is claimed by a downstream coalesce node with no
		// edge record of its own; validate.go already guarantees one of the
		// two exists, so a missing edge ID here just means "no edge row to
		// attach this routing event to" rather than a broken graph.
		if edgeID, ok := e.graph.EdgeID(nodeID, branch); ok {
			if err := e.deps.Recorder.RecordRouting(ctx, stateID, edgeID, model.RoutingCopy, groupID); err != nil {
				return GateResult{}, fmt.Errorf("gate: record fork routing for branch %q: %w", branch, err)
			}
		}
	}

	duration := e.deps.now().Sub(started).Milliseconds()
	if err := e.deps.Recorder.CompleteNodeState(ctx, stateID, "", "", fmt.Sprintf("forked into %d branches", len(branches)), duration); err != nil {
		return GateResult{}, fmt.Errorf("gate: complete state %s: %w", stateID, err)
	}

	if e.deps.Metrics != nil {
		e.deps.Metrics.ObserveNodeLatency(e.deps.RunID, nodeID, "success", time.Duration(duration)*time.Millisecond)
		e.deps.Metrics.IncrementForks(e.deps.RunID, nodeID, len(children))
	}

	return GateResult{Action: ActionTerminal, Token: tok, Outcome: model.OutcomeForked, Forked: children}, nil
}

func (e *GateExecutor) fail(ctx context.Context, stateID, nodeID string, tok model.Token, cause error, durationMs int64) (GateResult, error) {
	if err := e.deps.Recorder.FailNodeState(ctx, stateID, cause.Error(), "evaluate", durationMs); err != nil {
		return GateResult{}, fmt.Errorf("gate: fail state %s: %w", stateID, err)
	}

	if e.deps.Metrics != nil {
		e.deps.Metrics.ObserveNodeLatency(e.deps.RunID, nodeID, "error", time.Duration(durationMs)*time.Millisecond)
	}

	return GateResult{}, fmt.Errorf("gate: node %s failed for token %s: %w", nodeID, tok.ID, cause)
}
