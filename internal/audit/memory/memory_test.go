package memory

import (
	"context"
	"testing"

	"github.com/elspeth-data/elspeth/internal/document"
	"github.com/elspeth-data/elspeth/internal/model"
)

func TestBeginCompleteNodeStateHappyPath(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	r := New()

	run, err := r.BeginRun(ctx, "{}", "v1")
	if err != nil {
		t.Fatalf("BeginRun() error = %v", err)
	}

	node, err := r.RegisterNode(ctx, run.ID, "passthrough", model.NodeTransform, 0, "1.0", "{}", model.DeterminismPure, nil, nil)
	if err != nil {
		t.Fatalf("RegisterNode() error = %v", err)
	}

	if err := r.CreateToken(ctx, "row-1", "token-1"); err != nil {
		t.Fatalf("CreateToken() error = %v", err)
	}

	stateID, err := r.BeginNodeState(ctx, run.ID, node.ID, "token-1", 1)
	if err != nil {
		t.Fatalf("BeginNodeState() error = %v", err)
	}

	if err := r.CompleteNodeState(ctx, stateID, "inhash", "outhash", "ok", 5); err != nil {
		t.Fatalf("CompleteNodeState() error = %v", err)
	}

	// Closing an already-closed state must fail -- invariant 2.
	if err := r.CompleteNodeState(ctx, stateID, "inhash", "outhash", "ok", 5); err == nil {
		t.Error("CompleteNodeState() on an already-closed state succeeded, want error")
	}
}

func TestBeginNodeStateUnknownNodeFails(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	r := New()

	run, _ := r.BeginRun(ctx, "{}", "v1")

	if _, err := r.BeginNodeState(ctx, run.ID, "does-not-exist", "token-1", 1); err == nil {
		t.Error("BeginNodeState() with unregistered node succeeded, want error")
	}
}

func TestDeterministicNodeIDForSameConfig(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	r1, r2 := New(), New()

	run1, _ := r1.BeginRun(ctx, "{}", "v1")
	run2, _ := r2.BeginRun(ctx, "{}", "v1")

	n1, err := r1.RegisterNode(ctx, run1.ID, "csv_source", model.NodeSource, 0, "1.0", `{"path":"in.csv"}`, model.DeterminismIORead, nil, nil)
	if err != nil {
		t.Fatalf("RegisterNode() error = %v", err)
	}

	n2, err := r2.RegisterNode(ctx, run2.ID, "csv_source", model.NodeSource, 0, "1.0", `{"path":"in.csv"}`, model.DeterminismIORead, nil, nil)
	if err != nil {
		t.Fatalf("RegisterNode() error = %v", err)
	}

	if n1.ID != n2.ID {
		t.Errorf("node IDs differ across runs for identical config: %s != %s", n1.ID, n2.ID)
	}
}

func TestLatestCheckpointPicksHighestSequence(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	r := New()
	run, _ := r.BeginRun(ctx, "{}", "v1")

	for _, seq := range []int64{1, 3, 2} {
		if err := r.SaveCheckpoint(ctx, model.Checkpoint{RunID: run.ID, Sequence: seq}); err != nil {
			t.Fatalf("SaveCheckpoint() error = %v", err)
		}
	}

	latest, err := r.LatestCheckpoint(ctx, run.ID)
	if err != nil {
		t.Fatalf("LatestCheckpoint() error = %v", err)
	}

	if latest == nil || latest.Sequence != 3 {
		t.Errorf("LatestCheckpoint() = %+v, want sequence 3", latest)
	}
}

func TestCreateRowRecordsCanonicalHash(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	r := New()
	run, _ := r.BeginRun(ctx, "{}", "v1")

	data := document.NewMap(map[string]document.Document{"id": document.NewInt(1)})

	row, err := r.CreateRow(ctx, run.ID, "source-1", 0, data, "")
	if err != nil {
		t.Fatalf("CreateRow() error = %v", err)
	}

	if row.SourceDataHash != document.CanonicalHash(data) {
		t.Errorf("SourceDataHash = %s, want %s", row.SourceDataHash, document.CanonicalHash(data))
	}

	if row.SourceDataRef == "" {
		t.Error("SourceDataRef must not be empty (global invariant 3)")
	}
}
