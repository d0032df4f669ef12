package graph

import (
	"context"
	"testing"

	"github.com/elspeth-data/elspeth/internal/audit/memory"
	"github.com/elspeth-data/elspeth/internal/model"
)

func simpleSchema(fields ...string) *model.SchemaContract {
	specs := make([]model.FieldSpec, len(fields))
	for i, f := range fields {
		specs[i] = model.FieldSpec{Name: f, Type: model.FieldString, Required: true}
	}

	return &model.SchemaContract{Fields: specs, ExtraMode: model.ExtraAllow}
}

func buildLinear(t *testing.T) (*Graph, *memory.Recorder) {
	t.Helper()

	rec := memory.New()
	ctx := context.Background()

	nodes := []NodeSpec{
		{Name: "src", Type: model.NodeSource, PluginName: "csv_source", Version: "1.0.0", OutputSchema: simpleSchema("id")},
		{Name: "sink1", Type: model.NodeSink, PluginName: "csv_sink", Version: "1.0.0", InputSchema: simpleSchema("id")},
	}
	edges := []EdgeSpec{
		{From: "src", To: "sink1", Label: "continue"},
	}

	g, err := Build(ctx, rec, "run-1", nodes, edges)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	return g, rec
}

func TestBuildRegistersNodesAndEdges(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	g, _ := buildLinear(t)

	src, ok := g.NodeByName("src")
	if !ok {
		t.Fatal("NodeByName(src) not found")
	}

	sink, ok := g.NodeByName("sink1")
	if !ok {
		t.Fatal("NodeByName(sink1) not found")
	}

	if len(g.Edges()) != 1 {
		t.Fatalf("Edges() len = %d, want 1", len(g.Edges()))
	}

	edgeID, ok := g.EdgeID(src.ID, "continue")
	if !ok || edgeID != g.Edges()[0].ID {
		t.Errorf("EdgeID(src, continue) = (%s, %v), want edge %s", edgeID, ok, g.Edges()[0].ID)
	}

	if g.SinkIDMap["sink1"] != sink.ID {
		t.Errorf("SinkIDMap[sink1] = %s, want %s", g.SinkIDMap["sink1"], sink.ID)
	}
}

func TestValidateEdgeCompatibilityPassesForLinearGraph(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	g, _ := buildLinear(t)

	if err := ValidateEdgeCompatibility(g); err != nil {
		t.Errorf("ValidateEdgeCompatibility() error = %v, want nil", err)
	}
}

func TestValidateEdgeCompatibilityRejectsMissingRequiredField(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rec := memory.New()
	ctx := context.Background()

	nodes := []NodeSpec{
		{Name: "src", Type: model.NodeSource, PluginName: "csv_source", OutputSchema: simpleSchema("id")},
		{Name: "sink1", Type: model.NodeSink, PluginName: "csv_sink", InputSchema: simpleSchema("id", "email")},
	}
	edges := []EdgeSpec{{From: "src", To: "sink1", Label: "continue"}}

	g, err := Build(ctx, rec, "run-1", nodes, edges)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if err := ValidateEdgeCompatibility(g); err == nil {
		t.Error("ValidateEdgeCompatibility() = nil, want error for missing required field")
	}
}

func TestValidateEdgeCompatibilityRejectsUnknownRouteTarget(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rec := memory.New()
	ctx := context.Background()

	nodes := []NodeSpec{
		{Name: "src", Type: model.NodeSource, PluginName: "csv_source", OutputSchema: simpleSchema("id")},
		{
			Name: "gate1", Type: model.NodeGate, PluginName: "threshold_gate",
			InputSchema: simpleSchema("id"), OutputSchema: simpleSchema("id"),
			Routes: map[string]string{"high": "nonexistent_sink"},
		},
	}
	edges := []EdgeSpec{{From: "src", To: "gate1", Label: "continue"}}

	g, err := Build(ctx, rec, "run-1", nodes, edges)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if err := ValidateEdgeCompatibility(g); err == nil {
		t.Error("ValidateEdgeCompatibility() = nil, want RouteValidationError")
	}
}

func TestValidateEdgeCompatibilityRejectsCoalesceWithNoBranches(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rec := memory.New()
	ctx := context.Background()

	nodes := []NodeSpec{
		{Name: "src", Type: model.NodeSource, PluginName: "csv_source", OutputSchema: simpleSchema("id")},
		{Name: "coalesce1", Type: model.NodeCoalesce, PluginName: "coalesce", InputSchema: simpleSchema("id"), OutputSchema: simpleSchema("id")},
	}

	g, err := Build(ctx, rec, "run-1", nodes, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if err := ValidateEdgeCompatibility(g); err == nil {
		t.Error("ValidateEdgeCompatibility() = nil, want error for coalesce with zero incoming branches")
	}
}

func TestValidateEdgeCompatibilityRejectsOrphanForkBranch(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rec := memory.New()
	ctx := context.Background()

	nodes := []NodeSpec{
		{Name: "src", Type: model.NodeSource, PluginName: "csv_source", OutputSchema: simpleSchema("id")},
		{
			Name: "gate1", Type: model.NodeGate, PluginName: "fork_gate",
			InputSchema: simpleSchema("id"), OutputSchema: simpleSchema("id"),
			Branches: []string{"branch_a"},
		},
	}
	edges := []EdgeSpec{{From: "src", To: "gate1", Label: "continue"}}

	g, err := Build(ctx, rec, "run-1", nodes, edges)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if err := ValidateEdgeCompatibility(g); err == nil {
		t.Error("ValidateEdgeCompatibility() = nil, want error for orphan fork branch")
	}
}

func TestResolveOutputSchemaLooksThroughConfigGate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rec := memory.New()
	ctx := context.Background()

	nodes := []NodeSpec{
		{Name: "src", Type: model.NodeSource, PluginName: "csv_source", OutputSchema: simpleSchema("id")},
		{Name: "gate1", Type: model.NodeGate, PluginName: "passthrough_gate", InputSchema: simpleSchema("id")},
		{Name: "sink1", Type: model.NodeSink, PluginName: "csv_sink", InputSchema: simpleSchema("id")},
	}
	edges := []EdgeSpec{
		{From: "src", To: "gate1", Label: "continue"},
		{From: "gate1", To: "sink1", Label: "continue"},
	}

	g, err := Build(ctx, rec, "run-1", nodes, edges)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if err := ValidateEdgeCompatibility(g); err != nil {
		t.Errorf("ValidateEdgeCompatibility() error = %v, want nil (schema should look through gate1)", err)
	}
}
