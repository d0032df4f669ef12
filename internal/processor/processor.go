// Package processor implements the Row Processor (spec §4.3): it drives a
// single token through the execution graph, node by node, dispatching to
// whichever per-node-type executor owns that node and following the result
// until the token (or, after a fork, each of its children) reaches a
// terminal outcome, parks at an aggregation buffer, or parks at a coalesce
// join waiting on sibling branches.
package processor

import (
	"context"
	"fmt"
	"sync"

	"github.com/elspeth-data/elspeth/internal/config"
	"github.com/elspeth-data/elspeth/internal/engineerr"
	"github.com/elspeth-data/elspeth/internal/executor"
	"github.com/elspeth-data/elspeth/internal/executor/gateeval"
	"github.com/elspeth-data/elspeth/internal/graph"
	"github.com/elspeth-data/elspeth/internal/model"
	"github.com/elspeth-data/elspeth/internal/plugin"
)

// Plugins resolves a node ID to the concrete plugin instance implementing
// it. Exactly one of Transforms/BatchTransforms/Gates/GateExprs/Sinks holds
// an entry for a given node ID, chosen by its NodeType; a config-driven gate
// has an entry in GateExprs instead of Gates.
type Plugins struct {
	Transforms      map[string]plugin.Transform
	BatchTransforms map[string]plugin.BatchTransform
	Gates           map[string]plugin.Gate
	GateExprs       map[string]*gateeval.Expr
	Sinks           map[string]plugin.Sink
}

// NodeConfig carries per-node settings the graph itself doesn't hold.
type NodeConfig struct {
	Retry              map[string]config.RetryConfig
	AggregationTrigger map[string]executor.Trigger
	CoalescePolicy     map[string]executor.Policy
	CoalesceMerge      map[string]executor.MergeMode
}

// Processor drives tokens through g using the five node-type executors,
// enforcing the run's fork budget along the way.
type Processor struct {
	graph          *graph.Graph
	deps           executor.Deps
	plugins        Plugins
	nodeConfig     NodeConfig
	defaultRetry   config.RetryConfig
	maxForksPerRow int

	transform   *executor.TransformExecutor
	gate        *executor.GateExecutor
	aggregation *executor.AggregationExecutor
	coalesce    *executor.CoalesceExecutor
	sink        *executor.SinkExecutor

	mu        sync.Mutex
	sequence  map[string]int64
	forkCount map[string]int // rowID -> forks issued so far
}

// New returns a Processor wired against g, sharing deps with every executor
// it drives.
func New(g *graph.Graph, deps executor.Deps, plugins Plugins, nodeConfig NodeConfig, defaultRetry config.RetryConfig, maxForksPerRow int) *Processor {
	return &Processor{
		graph: g, deps: deps, plugins: plugins, nodeConfig: nodeConfig,
		defaultRetry: defaultRetry, maxForksPerRow: maxForksPerRow,

		transform:   executor.NewTransformExecutor(deps),
		gate:        executor.NewGateExecutor(deps, g),
		aggregation: executor.NewAggregationExecutor(deps),
		coalesce:    executor.NewCoalesceExecutor(deps),
		sink:        executor.NewSinkExecutor(deps),

		sequence:  make(map[string]int64),
		forkCount: make(map[string]int),
	}
}

// Aggregation, Coalesce, and Sink expose the underlying executors so the
// orchestrator can drive end-of-source flush, checkpoint save/restore, and
// sink drain without the processor re-implementing those entry points.
func (p *Processor) Aggregation() *executor.AggregationExecutor { return p.aggregation }
func (p *Processor) Coalesce() *executor.CoalesceExecutor       { return p.coalesce }
func (p *Processor) Sink() *executor.SinkExecutor               { return p.sink }

func (p *Processor) nextSequence(nodeID string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.sequence[nodeID]++

	return p.sequence[nodeID]
}

func (p *Processor) retryConfigFor(nodeID string) config.RetryConfig {
	if rc, ok := p.nodeConfig.Retry[nodeID]; ok {
		return rc
	}

	return p.defaultRetry
}

// checkForkBudget increments rowID's fork count by the requested number of
// new branches and raises ForkBudgetExhausted if that would exceed the run's
// max_forks_per_row (spec §4.3, §7).
func (p *Processor) checkForkBudget(rowID string, requested int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	attempted := p.forkCount[rowID] + requested
	if attempted > p.maxForksPerRow {
		return &engineerr.ForkBudgetExhausted{RowID: rowID, Budget: p.maxForksPerRow, Attempted: attempted}
	}

	p.forkCount[rowID] = attempted

	return nil
}

// step is the processor's internal "go here next" instruction.
type step struct {
	nodeID string
	tok    model.Token
}

// Drive walks tok starting at nodeID until it reaches a terminal outcome
// (returned, along with a nil error; a token appended to a sink batch returns
// "" because its outcome is recorded when the sink drains), is parked at an aggregation buffer or
// coalesce join (returns OutcomeBuffered, nil), or a plugin's "raise" error
// policy surfaces an error the row cannot recover from on its own -- in
// which case Drive records the token FAILED itself before returning the
// error, preserving the invariant that every FAILED NodeState eventually has
// a matching TokenOutcome.
func (p *Processor) Drive(ctx context.Context, nodeID string, tok model.Token) (model.RowOutcome, error) {
	for {
		node, ok := p.graph.Node(nodeID)
		if !ok {
			return "", fmt.Errorf("processor: unknown node %s", nodeID)
		}

		var (
			outcome model.RowOutcome
			next    *step
			err     error
		)

		switch node.Type {
		case model.NodeTransform:
			outcome, next, err = p.driveTransform(ctx, nodeID, tok)
		case model.NodeGate:
			outcome, next, err = p.driveGate(ctx, nodeID, tok)
		case model.NodeAggregation:
			return p.driveAggregation(ctx, nodeID, tok)
		case model.NodeCoalesce:
			outcome, next, err = p.driveCoalesce(ctx, nodeID, tok)
		case model.NodeSink:
			p.sink.Append(nodeID, tok, model.OutcomeCompleted)
			return "", nil
		default:
			return "", fmt.Errorf("processor: node %s has unexpected type %s as a drive target", nodeID, node.Type)
		}

		if err != nil {
			return p.failRow(ctx, tok, err)
		}

		if next == nil {
			return outcome, nil
		}

		nodeID, tok = next.nodeID, next.tok
	}
}

func (p *Processor) failRow(ctx context.Context, tok model.Token, err error) (model.RowOutcome, error) {
	if recErr := p.deps.Recorder.RecordTokenOutcome(ctx, p.deps.RunID, tok.RowID, tok.ID, model.OutcomeFailed, "", true); recErr != nil {
		return "", fmt.Errorf("processor: record failed outcome for token %s after %w: %v", tok.ID, err, recErr)
	}

	return model.OutcomeFailed, err
}

func (p *Processor) driveTransform(ctx context.Context, nodeID string, tok model.Token) (model.RowOutcome, *step, error) {
	tf, ok := p.plugins.Transforms[nodeID]
	if !ok {
		return "", nil, fmt.Errorf("processor: no transform plugin registered for node %s", nodeID)
	}

	seq := p.nextSequence(nodeID)

	res, err := p.transform.Execute(ctx, nodeID, tf, tok, seq, p.retryConfigFor(nodeID))
	if err != nil {
		return "", nil, err
	}

	if res.Action == executor.ActionContinue {
		nextNode, ok := p.graph.Next(nodeID)
		if !ok {
			return "", nil, fmt.Errorf("processor: transform node %s has no outgoing continue edge", nodeID)
		}

		return "", &step{nodeID: nextNode.ID, tok: res.Token}, nil
	}

	return p.terminal(ctx, nodeID, res.Token, res.Outcome, res.SinkName)
}

func (p *Processor) driveGate(ctx context.Context, nodeID string, tok model.Token) (model.RowOutcome, *step, error) {
	var (
		res executor.GateResult
		err error
	)

	switch {
	case p.plugins.GateExprs[nodeID] != nil:
		res, err = p.gate.ExecuteConfig(ctx, nodeID, p.plugins.GateExprs[nodeID], tok, p.nextSequence(nodeID))
	case p.plugins.Gates[nodeID] != nil:
		res, err = p.gate.ExecutePlugin(ctx, nodeID, p.plugins.Gates[nodeID], tok, p.nextSequence(nodeID))
	default:
		return "", nil, fmt.Errorf("processor: no gate plugin or expression registered for node %s", nodeID)
	}

	if err != nil {
		return "", nil, err
	}

	if res.Action == executor.ActionContinue {
		nextNode, ok := p.graph.Next(nodeID)
		if !ok {
			return "", nil, fmt.Errorf("processor: gate node %s has no outgoing continue edge", nodeID)
		}

		return "", &step{nodeID: nextNode.ID, tok: res.Token}, nil
	}

	if res.Outcome == model.OutcomeForked {
		return p.driveFork(ctx, nodeID, tok.RowID, res.Forked)
	}

	return p.terminal(ctx, nodeID, res.Token, res.Outcome, res.SinkName)
}

// driveFork enforces the fork budget, registers the pending join for every
// distinct coalesce node this fork's branches feed (BranchToCoalesce names
// the eventual coalesce regardless of how many nodes a branch passes through
// first, so registering here -- rather than on first arrival -- is safe even
// when one branch is much longer than another), then dispatches each child
// to its branch destination and drives it to completion. The parent's own
// outcome is FORKED regardless of how its children ultimately resolve.
func (p *Processor) driveFork(ctx context.Context, gateNodeID, rowID string, children []model.Token) (model.RowOutcome, *step, error) {
	if err := p.checkForkBudget(rowID, len(children)); err != nil {
		return "", nil, err
	}

	registered := make(map[string]bool, len(children))

	for _, child := range children {
		coalesceID, ok := p.graph.CoalesceForBranch(child.BranchName)
		if !ok || registered[coalesceID] {
			continue
		}

		if err := p.registerCoalesceJoin(coalesceID, rowID); err != nil {
			return "", nil, err
		}

		registered[coalesceID] = true
	}

	for _, child := range children {
		dest, hasEdge := p.graph.EdgeTarget(gateNodeID, child.BranchName)

		destID := ""
		if hasEdge {
			destID = dest.ID
		} else if coalesceID, ok := p.graph.CoalesceForBranch(child.BranchName); ok {
			destID = coalesceID
		} else {
			return "", nil, fmt.Errorf("processor: fork branch %q has neither an edge nor a coalesce claim", child.BranchName)
		}

		if _, err := p.Drive(ctx, destID, child); err != nil {
			return "", nil, fmt.Errorf("processor: branch %q: %w", child.BranchName, err)
		}
	}

	return model.OutcomeForked, nil, nil
}

func (p *Processor) registerCoalesceJoin(coalesceID, rowID string) error {
	spec, ok := p.graph.Spec(coalesceID)
	if !ok {
		return fmt.Errorf("processor: no spec for coalesce node %s", coalesceID)
	}

	policy := p.nodeConfig.CoalescePolicy[coalesceID]
	merge := p.nodeConfig.CoalesceMerge[coalesceID]

	p.coalesce.RegisterJoin(coalesceID, rowID, spec.Branches, policy, merge)

	return nil
}

func (p *Processor) driveCoalesce(ctx context.Context, nodeID string, tok model.Token) (model.RowOutcome, *step, error) {
	result, ready, err := p.coalesce.Arrive(ctx, tok)
	if err != nil {
		return "", nil, err
	}

	if !ready {
		return model.OutcomeBuffered, nil, nil
	}

	nextNode, ok := p.graph.Next(nodeID)
	if !ok {
		return result.Outcome, nil, nil
	}

	return "", &step{nodeID: nextNode.ID, tok: result.Token}, nil
}

func (p *Processor) driveAggregation(ctx context.Context, nodeID string, tok model.Token) (model.RowOutcome, error) {
	trigger := p.nodeConfig.AggregationTrigger[nodeID]

	if err := p.aggregation.BufferRow(ctx, nodeID, tok, trigger); err != nil {
		return "", err
	}

	fire, err := p.aggregation.ShouldFlush(nodeID)
	if err != nil {
		return "", err
	}

	if !fire {
		return model.OutcomeBuffered, nil
	}

	bt, ok := p.plugins.BatchTransforms[nodeID]
	if !ok {
		return "", fmt.Errorf("processor: no batch transform registered for aggregation node %s", nodeID)
	}

	flush, err := p.aggregation.ExecuteFlush(ctx, nodeID, bt)
	if err != nil {
		return "", err
	}

	if flush.MergedToken == nil {
		return model.OutcomeConsumedInBatch, nil
	}

	nextNode, ok := p.graph.Next(nodeID)
	if !ok {
		return "", fmt.Errorf("processor: aggregation node %s has no outgoing continue edge", nodeID)
	}

	if _, err := p.Drive(ctx, nextNode.ID, *flush.MergedToken); err != nil {
		return "", fmt.Errorf("processor: aggregation node %s merged token: %w", nodeID, err)
	}

	return model.OutcomeConsumedInBatch, nil
}

// FlushAggregation forces nodeID's buffer to flush regardless of whether its
// trigger has fired, for the orchestrator's end-of-source drain (spec
// §4.5 step 6). A no-op if the buffer is empty.
func (p *Processor) FlushAggregation(ctx context.Context, nodeID string) error {
	if p.aggregation.BufferedCount(nodeID) == 0 {
		return nil
	}

	bt, ok := p.plugins.BatchTransforms[nodeID]
	if !ok {
		return fmt.Errorf("processor: no batch transform registered for aggregation node %s", nodeID)
	}

	flush, err := p.aggregation.ExecuteFlush(ctx, nodeID, bt)
	if err != nil {
		return err
	}

	if flush.MergedToken == nil {
		return nil
	}

	nextNode, ok := p.graph.Next(nodeID)
	if !ok {
		return fmt.Errorf("processor: aggregation node %s has no outgoing continue edge", nodeID)
	}

	if _, err := p.Drive(ctx, nextNode.ID, *flush.MergedToken); err != nil {
		return fmt.Errorf("processor: aggregation node %s merged token: %w", nodeID, err)
	}

	return nil
}

// FlushCoalesce resolves every outstanding coalesce join (spec §4.5 step 6:
// "invoke coalesce.FlushPending()"), driving each resulting merged token
// onward through its node's continue edge the same way driveCoalesce does
// for an in-band arrival.
func (p *Processor) FlushCoalesce(ctx context.Context) error {
	results, err := p.coalesce.FlushPending(ctx)
	if err != nil {
		return err
	}

	for _, result := range results {
		if result.Action != executor.ActionContinue {
			continue
		}

		nextNode, ok := p.graph.Next(result.NodeID)
		if !ok {
			return fmt.Errorf("processor: coalesce node %s has no outgoing continue edge", result.NodeID)
		}

		if _, err := p.Drive(ctx, nextNode.ID, result.Token); err != nil {
			return fmt.Errorf("processor: coalesce node %s merged token: %w", result.NodeID, err)
		}
	}

	return nil
}

// terminal resolves a transform/gate terminal decision into the sink batch
// it belongs in (ROUTED to a named sink) or records it directly (QUARANTINED
// has no destination to append to).
func (p *Processor) terminal(ctx context.Context, nodeID string, tok model.Token, outcome model.RowOutcome, sinkName string) (model.RowOutcome, *step, error) {
	if sinkName == "" {
		if outcome == model.OutcomeQuarantined {
			if err := p.deps.Recorder.RecordTokenOutcome(ctx, p.deps.RunID, tok.RowID, tok.ID, model.OutcomeQuarantined, "", true); err != nil {
				return "", nil, fmt.Errorf("processor: record quarantined outcome for token %s: %w", tok.ID, err)
			}
		}

		return outcome, nil, nil
	}

	sinkID, ok := p.graph.SinkIDMap[sinkName]
	if !ok {
		return "", nil, fmt.Errorf("processor: node %s routed to unknown sink %q", nodeID, sinkName)
	}

	p.sink.Append(sinkID, tok, outcome)

	return "", nil, nil
}
