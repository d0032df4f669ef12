package processor

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/elspeth-data/elspeth/internal/audit/memory"
	"github.com/elspeth-data/elspeth/internal/config"
	"github.com/elspeth-data/elspeth/internal/document"
	"github.com/elspeth-data/elspeth/internal/executor"
	"github.com/elspeth-data/elspeth/internal/executor/gateeval"
	"github.com/elspeth-data/elspeth/internal/graph"
	"github.com/elspeth-data/elspeth/internal/metrics"
	"github.com/elspeth-data/elspeth/internal/model"
	"github.com/elspeth-data/elspeth/internal/plugin"
	"github.com/elspeth-data/elspeth/internal/token"
)

func testProcessorDeps(t *testing.T) executor.Deps {
	t.Helper()

	rec := memory.New()

	run, err := rec.BeginRun(context.Background(), "{}", "dev")
	if err != nil {
		t.Fatalf("BeginRun() error = %v", err)
	}

	return executor.Deps{
		Recorder: rec,
		Tokens:   token.New(rec),
		Metrics:  metrics.New(prometheus.NewRegistry()),
		RunID:    run.ID,
		Clock:    func() time.Time { return time.Unix(0, 0) },
	}
}

func retryCfg() config.RetryConfig {
	return config.RetryConfig{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 1}
}

type upperTransform struct{}

func (upperTransform) Name() string                       { return "upper" }
func (upperTransform) PluginVersion() string               { return "1.0.0" }
func (upperTransform) Determinism() model.Determinism      { return model.DeterminismPure }
func (upperTransform) InputSchema() *model.SchemaContract  { return nil }
func (upperTransform) OutputSchema() *model.SchemaContract { return nil }
func (upperTransform) IsBatchAware() bool                  { return false }
func (upperTransform) OnError() plugin.ErrorPolicy         { return plugin.ErrorPolicy{Kind: plugin.OnErrorRaise} }

func (upperTransform) Process(ctx context.Context, pctx plugin.Context, row document.Document) (plugin.TransformResult, error) {
	n, _ := row.Int()
	return plugin.TransformResult{Data: document.NewInt(n + 1), SuccessReason: "incremented"}, nil
}

func (upperTransform) OnStart(context.Context, plugin.Context) error    { return nil }
func (upperTransform) OnComplete(context.Context, plugin.Context) error { return nil }
func (upperTransform) Close() error                                     { return nil }

type stubSink struct{}

func (stubSink) Name() string                      { return "stub_sink" }
func (stubSink) PluginVersion() string              { return "1.0.0" }
func (stubSink) InputSchema() *model.SchemaContract { return nil }

func (stubSink) Write(ctx context.Context, pctx plugin.Context, rows []document.Document) (plugin.ArtifactDescriptor, error) {
	return plugin.ArtifactDescriptor{Type: "memory", URI: "mem://out"}, nil
}
func (stubSink) Flush(context.Context, plugin.Context) error        { return nil }
func (stubSink) OnStart(context.Context, plugin.Context) error      { return nil }
func (stubSink) OnComplete(context.Context, plugin.Context) error   { return nil }
func (stubSink) Close() error                                       { return nil }

func buildLinearGraph(t *testing.T, deps executor.Deps) *graph.Graph {
	t.Helper()

	nodes := []graph.NodeSpec{
		{Name: "src", Type: model.NodeSource, PluginName: "source"},
		{Name: "transform1", Type: model.NodeTransform, PluginName: "upper", Position: 0},
		{Name: "sink1", Type: model.NodeSink, PluginName: "stub_sink"},
	}

	edges := []graph.EdgeSpec{
		{From: "src", To: "transform1", Label: "continue"},
		{From: "transform1", To: "sink1", Label: "continue"},
	}

	g, err := graph.Build(context.Background(), deps.Recorder, deps.RunID, nodes, edges)
	if err != nil {
		t.Fatalf("graph.Build() error = %v", err)
	}

	return g
}

func TestProcessorDrivesTransformToSink(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	deps := testProcessorDeps(t)
	g := buildLinearGraph(t, deps)

	transformNode, _ := g.NodeByName("transform1")
	sinkNode, _ := g.NodeByName("sink1")

	plugins := Plugins{
		Transforms: map[string]plugin.Transform{transformNode.ID: upperTransform{}},
		Sinks:      map[string]plugin.Sink{sinkNode.ID: stubSink{}},
	}

	p := New(g, deps, plugins, NodeConfig{}, retryCfg(), 64)

	tok, err := deps.Tokens.NewInitialToken(context.Background(), "row-1", document.NewInt(1))
	if err != nil {
		t.Fatalf("NewInitialToken() error = %v", err)
	}

	if _, err := p.Drive(context.Background(), transformNode.ID, tok); err != nil {
		t.Fatalf("Drive() error = %v", err)
	}

	if p.Sink().PendingCount(sinkNode.ID) != 1 {
		t.Errorf("PendingCount() = %d, want 1 pending at sink", p.Sink().PendingCount(sinkNode.ID))
	}

	artifact, err := p.Sink().Drain(context.Background(), sinkNode.ID, stubSink{})
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}

	if artifact == nil {
		t.Fatal("Drain() artifact = nil, want registered artifact")
	}
}

func TestProcessorGateRoutesToNamedSink(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	deps := testProcessorDeps(t)

	nodes := []graph.NodeSpec{
		{Name: "src", Type: model.NodeSource, PluginName: "source"},
		{Name: "gate1", Type: model.NodeGate, PluginName: "threshold", Routes: map[string]string{"true": "high", "false": "continue"}},
		{Name: "high", Type: model.NodeSink, PluginName: "stub_sink"},
		{Name: "default", Type: model.NodeSink, PluginName: "stub_sink"},
	}

	edges := []graph.EdgeSpec{
		{From: "src", To: "gate1", Label: "continue"},
		{From: "gate1", To: "default", Label: "continue"},
	}

	g, err := graph.Build(context.Background(), deps.Recorder, deps.RunID, nodes, edges)
	if err != nil {
		t.Fatalf("graph.Build() error = %v", err)
	}

	gateNode, _ := g.NodeByName("gate1")
	highSink, _ := g.NodeByName("high")

	expr, err := gateeval.Compile("amount > 50", []string{"amount"})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	plugins := Plugins{GateExprs: map[string]*gateeval.Expr{gateNode.ID: expr}}
	p := New(g, deps, plugins, NodeConfig{}, retryCfg(), 64)

	row := document.NewMap(map[string]document.Document{"amount": document.NewInt(100)})
	tok, err := deps.Tokens.NewInitialToken(context.Background(), "row-1", row)
	if err != nil {
		t.Fatalf("NewInitialToken() error = %v", err)
	}

	outcome, err := p.Drive(context.Background(), gateNode.ID, tok)
	if err != nil {
		t.Fatalf("Drive() error = %v", err)
	}

	if outcome != "" {
		t.Errorf("Drive() outcome = %v, want \"\" (terminal decision deferred to sink drain)", outcome)
	}

	if p.Sink().PendingCount(highSink.ID) != 1 {
		t.Errorf("PendingCount(high) = %d, want 1", p.Sink().PendingCount(highSink.ID))
	}
}

func TestProcessorForkAndCoalesceRequireAll(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	deps := testProcessorDeps(t)

	nodes := []graph.NodeSpec{
		{Name: "src", Type: model.NodeSource, PluginName: "source"},
		{Name: "gate1", Type: model.NodeGate, PluginName: "fork_gate", Branches: []string{"a", "b"}},
		{Name: "coalesce1", Type: model.NodeCoalesce, PluginName: "coalesce", Branches: []string{"a", "b"}},
		{Name: "sink1", Type: model.NodeSink, PluginName: "stub_sink"},
	}

	edges := []graph.EdgeSpec{
		{From: "src", To: "gate1", Label: "continue"},
		{From: "coalesce1", To: "sink1", Label: "continue"},
	}

	g, err := graph.Build(context.Background(), deps.Recorder, deps.RunID, nodes, edges)
	if err != nil {
		t.Fatalf("graph.Build() error = %v", err)
	}

	gateNode, _ := g.NodeByName("gate1")
	coalesceNode, _ := g.NodeByName("coalesce1")
	sinkNode, _ := g.NodeByName("sink1")

	forkGate := &fixedForkGate{branches: []string{"a", "b"}}

	plugins := Plugins{Gates: map[string]plugin.Gate{gateNode.ID: forkGate}}
	nodeConfig := NodeConfig{
		CoalescePolicy: map[string]executor.Policy{coalesceNode.ID: {Kind: executor.PolicyRequireAll}},
		CoalesceMerge:  map[string]executor.MergeMode{coalesceNode.ID: executor.MergeUnion},
	}

	p := New(g, deps, plugins, nodeConfig, retryCfg(), 64)

	row := document.NewMap(map[string]document.Document{"x": document.NewInt(1)})
	tok, err := deps.Tokens.NewInitialToken(context.Background(), "row-1", row)
	if err != nil {
		t.Fatalf("NewInitialToken() error = %v", err)
	}

	outcome, err := p.Drive(context.Background(), gateNode.ID, tok)
	if err != nil {
		t.Fatalf("Drive() error = %v", err)
	}

	if outcome != model.OutcomeForked {
		t.Errorf("Drive() outcome = %v, want FORKED", outcome)
	}

	if p.Sink().PendingCount(sinkNode.ID) != 1 {
		t.Errorf("PendingCount(sink1) = %d, want 1 merged token landed at sink", p.Sink().PendingCount(sinkNode.ID))
	}
}

func TestProcessorForkBudgetExhausted(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	deps := testProcessorDeps(t)

	nodes := []graph.NodeSpec{
		{Name: "src", Type: model.NodeSource, PluginName: "source"},
		{Name: "gate1", Type: model.NodeGate, PluginName: "fork_gate", Branches: []string{"a", "b"}},
		{Name: "coalesce1", Type: model.NodeCoalesce, PluginName: "coalesce", Branches: []string{"a", "b"}},
		{Name: "sink1", Type: model.NodeSink, PluginName: "stub_sink"},
	}

	edges := []graph.EdgeSpec{
		{From: "src", To: "gate1", Label: "continue"},
		{From: "coalesce1", To: "sink1", Label: "continue"},
	}

	g, err := graph.Build(context.Background(), deps.Recorder, deps.RunID, nodes, edges)
	if err != nil {
		t.Fatalf("graph.Build() error = %v", err)
	}

	gateNode, _ := g.NodeByName("gate1")
	forkGate := &fixedForkGate{branches: []string{"a", "b"}}

	plugins := Plugins{Gates: map[string]plugin.Gate{gateNode.ID: forkGate}}
	p := New(g, deps, plugins, NodeConfig{}, retryCfg(), 1)

	row := document.NewMap(map[string]document.Document{"x": document.NewInt(1)})
	tok, err := deps.Tokens.NewInitialToken(context.Background(), "row-1", row)
	if err != nil {
		t.Fatalf("NewInitialToken() error = %v", err)
	}

	if _, err := p.Drive(context.Background(), gateNode.ID, tok); err == nil {
		t.Error("Drive() error = nil, want ForkBudgetExhausted")
	}
}

type fixedForkGate struct {
	branches []string
}

func (g *fixedForkGate) Name() string                       { return "fork_gate" }
func (g *fixedForkGate) PluginVersion() string               { return "1.0.0" }
func (g *fixedForkGate) InputSchema() *model.SchemaContract  { return nil }
func (g *fixedForkGate) OutputSchema() *model.SchemaContract { return nil }

func (g *fixedForkGate) Evaluate(ctx context.Context, pctx plugin.Context, row document.Document) (plugin.GateResult, error) {
	return plugin.GateResult{Row: row, Action: plugin.GateAction{Kind: plugin.GateForkToPaths, Branches: g.branches}}, nil
}

type sumBatchTransform struct{}

func (sumBatchTransform) Name() string                       { return "sum_batch" }
func (sumBatchTransform) PluginVersion() string               { return "1.0.0" }
func (sumBatchTransform) InputSchema() *model.SchemaContract  { return nil }
func (sumBatchTransform) OutputSchema() *model.SchemaContract { return nil }

func (sumBatchTransform) ProcessBatch(ctx context.Context, pctx plugin.Context, rows []document.Document) (plugin.TransformResult, bool, error) {
	sum := int64(0)
	for _, row := range rows {
		n, _ := row.Int()
		sum += n
	}

	return plugin.TransformResult{Data: document.NewInt(sum), SuccessReason: "summed"}, true, nil
}

func TestProcessorAggregationFlushesAndContinues(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	deps := testProcessorDeps(t)

	nodes := []graph.NodeSpec{
		{Name: "src", Type: model.NodeSource, PluginName: "source"},
		{Name: "agg1", Type: model.NodeAggregation, PluginName: "sum_batch"},
		{Name: "sink1", Type: model.NodeSink, PluginName: "stub_sink"},
	}

	edges := []graph.EdgeSpec{
		{From: "src", To: "agg1", Label: "continue"},
		{From: "agg1", To: "sink1", Label: "continue"},
	}

	g, err := graph.Build(context.Background(), deps.Recorder, deps.RunID, nodes, edges)
	if err != nil {
		t.Fatalf("graph.Build() error = %v", err)
	}

	aggNode, _ := g.NodeByName("agg1")
	sinkNode, _ := g.NodeByName("sink1")

	plugins := Plugins{BatchTransforms: map[string]plugin.BatchTransform{aggNode.ID: sumBatchTransform{}}}
	nodeConfig := NodeConfig{AggregationTrigger: map[string]executor.Trigger{aggNode.ID: {Count: 2}}}

	p := New(g, deps, plugins, nodeConfig, retryCfg(), 64)

	for i, rowID := range []string{"row-1", "row-2"} {
		tok, err := deps.Tokens.NewInitialToken(context.Background(), rowID, document.NewInt(int64(i+1)))
		if err != nil {
			t.Fatalf("NewInitialToken() error = %v", err)
		}

		if _, err := p.Drive(context.Background(), aggNode.ID, tok); err != nil {
			t.Fatalf("Drive() error = %v", err)
		}
	}

	if p.Sink().PendingCount(sinkNode.ID) != 1 {
		t.Errorf("PendingCount(sink1) = %d, want 1 merged token after flush", p.Sink().PendingCount(sinkNode.ID))
	}
}
